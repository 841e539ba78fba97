// Package ipc carries runtime messages, page snapshots and panel commands
// between the daemon and its clients (browser tab bridges, panels, the CLI)
// over a framed unix socket.
//
// Every frame is a fixed 16-byte header followed by a JSON payload. Requests
// carry a client-chosen request ID that the response echoes; events are
// pushed to subscribed clients with their own IDs.
package ipc

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"leetbuddy/internal/messaging"
	"leetbuddy/internal/observer"
	"leetbuddy/internal/panel"
	"leetbuddy/internal/problem"
	"leetbuddy/internal/stats"
)

// Protocol version for compatibility checking
const (
	ProtocolVersion = 1
	ProtocolMagic   = 0x4C425043 // "LBPC"
)

// MaxPayload bounds a single frame's payload.
const MaxPayload = 16 * 1024 * 1024

// MessageType identifies the type of IPC message
type MessageType uint16

const (
	// Control messages (0x00xx)
	MsgPing         MessageType = 0x0001
	MsgPong         MessageType = 0x0002
	MsgHandshake    MessageType = 0x0003
	MsgHandshakeAck MessageType = 0x0004
	MsgError        MessageType = 0x0005

	// Status (0x01xx)
	MsgStatusRequest  MessageType = 0x0100
	MsgStatusResponse MessageType = 0x0101

	// Tabs (0x02xx)
	MsgTabAttach     MessageType = 0x0200
	MsgTabAttachResp MessageType = 0x0201
	MsgPageSnapshot  MessageType = 0x0202
	MsgPageAck       MessageType = 0x0203
	MsgTabDetach     MessageType = 0x0204
	MsgTabDetachResp MessageType = 0x0205

	// Runtime messages (0x03xx)
	MsgRuntime     MessageType = 0x0300
	MsgRuntimeResp MessageType = 0x0301

	// Panel (0x04xx)
	MsgPanelState   MessageType = 0x0400
	MsgPanelStop    MessageType = 0x0401
	MsgPanelConfirm MessageType = 0x0402
	MsgPanelCancel  MessageType = 0x0403
	MsgPanelResp    MessageType = 0x0404

	// Ledger (0x05xx)
	MsgHistory     MessageType = 0x0500
	MsgHistoryResp MessageType = 0x0501
	MsgClear       MessageType = 0x0502
	MsgClearResp   MessageType = 0x0503
	MsgStats       MessageType = 0x0504
	MsgStatsResp   MessageType = 0x0505

	// Event streaming (0x06xx)
	MsgSubscribe       MessageType = 0x0600
	MsgSubscribeResp   MessageType = 0x0601
	MsgUnsubscribe     MessageType = 0x0602
	MsgUnsubscribeResp MessageType = 0x0603
	MsgEvent           MessageType = 0x0604

	// Chat (0x07xx)
	MsgChatSend  MessageType = 0x0700
	MsgChatHint  MessageType = 0x0701
	MsgChatTurns MessageType = 0x0702
	MsgChatResp  MessageType = 0x0703
)

func (t MessageType) String() string {
	switch t {
	case MsgPing:
		return "ping"
	case MsgPong:
		return "pong"
	case MsgHandshake:
		return "handshake"
	case MsgHandshakeAck:
		return "handshake_ack"
	case MsgError:
		return "error"
	case MsgStatusRequest:
		return "status"
	case MsgTabAttach:
		return "tab_attach"
	case MsgPageSnapshot:
		return "page_snapshot"
	case MsgTabDetach:
		return "tab_detach"
	case MsgRuntime:
		return "runtime"
	case MsgPanelState:
		return "panel_state"
	case MsgPanelStop:
		return "panel_stop"
	case MsgPanelConfirm:
		return "panel_confirm"
	case MsgPanelCancel:
		return "panel_cancel"
	case MsgHistory:
		return "history"
	case MsgClear:
		return "clear"
	case MsgStats:
		return "stats"
	case MsgSubscribe:
		return "subscribe"
	case MsgUnsubscribe:
		return "unsubscribe"
	case MsgEvent:
		return "event"
	case MsgChatSend:
		return "chat_send"
	case MsgChatHint:
		return "chat_hint"
	case MsgChatTurns:
		return "chat_turns"
	}
	return fmt.Sprintf("0x%04x", uint16(t))
}

// EventType identifies the type of streamed event
type EventType string

const (
	// EventRuntime carries a messaging.Message seen on the daemon's bus.
	EventRuntime EventType = "runtime"
	// EventPanel carries a panel.Snapshot after every change.
	EventPanel EventType = "panel"
	// EventOpenPanel asks panel clients to show themselves for a tab.
	EventOpenPanel EventType = "open_panel"
	// EventLedger reports a change to a submission history.
	EventLedger EventType = "ledger"
)

// AllEvents lists every event type. An empty subscription means all of them.
var AllEvents = []EventType{EventRuntime, EventPanel, EventOpenPanel, EventLedger}

// Header is the fixed-size message header (16 bytes)
type Header struct {
	Magic     uint32      // Protocol magic number
	Version   uint8       // Protocol version
	Flags     uint8       // Message flags
	Type      MessageType // Message type
	RequestID uint32      // Request ID for correlation
	Length    uint32      // Payload length (not including header)
}

// HeaderSize is the size of the header in bytes
const HeaderSize = 16

// Header flags
const (
	FlagJSON uint8 = 0x04
)

var (
	ErrBadMagic        = errors.New("ipc: invalid magic number")
	ErrVersion         = errors.New("ipc: unsupported protocol version")
	ErrPayloadTooLarge = errors.New("ipc: payload too large")
)

// Message wraps a header and payload
type Message struct {
	Header  Header
	Payload []byte
}

// NewMessage creates a new message with the given type and payload
func NewMessage(msgType MessageType, requestID uint32, payload []byte) *Message {
	return &Message{
		Header: Header{
			Magic:     ProtocolMagic,
			Version:   ProtocolVersion,
			Flags:     FlagJSON,
			Type:      msgType,
			RequestID: requestID,
			Length:    uint32(len(payload)),
		},
		Payload: payload,
	}
}

// Write writes the header to w.
func (h *Header) Write(w io.Writer) error {
	buf := make([]byte, HeaderSize)
	binary.BigEndian.PutUint32(buf[0:4], h.Magic)
	buf[4] = h.Version
	buf[5] = h.Flags
	binary.BigEndian.PutUint16(buf[6:8], uint16(h.Type))
	binary.BigEndian.PutUint32(buf[8:12], h.RequestID)
	binary.BigEndian.PutUint32(buf[12:16], h.Length)
	_, err := w.Write(buf)
	return err
}

// ReadHeader reads a header from a reader
func ReadHeader(r io.Reader) (*Header, error) {
	buf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}

	h := &Header{
		Magic:     binary.BigEndian.Uint32(buf[0:4]),
		Version:   buf[4],
		Flags:     buf[5],
		Type:      MessageType(binary.BigEndian.Uint16(buf[6:8])),
		RequestID: binary.BigEndian.Uint32(buf[8:12]),
		Length:    binary.BigEndian.Uint32(buf[12:16]),
	}

	if h.Magic != ProtocolMagic {
		return nil, fmt.Errorf("%w: %x", ErrBadMagic, h.Magic)
	}
	if h.Version > ProtocolVersion {
		return nil, fmt.Errorf("%w: %d", ErrVersion, h.Version)
	}
	return h, nil
}

// Write writes the whole frame to w in one call.
func (m *Message) Write(w io.Writer) error {
	m.Header.Length = uint32(len(m.Payload))
	buf := make([]byte, HeaderSize, HeaderSize+len(m.Payload))
	binary.BigEndian.PutUint32(buf[0:4], m.Header.Magic)
	buf[4] = m.Header.Version
	buf[5] = m.Header.Flags
	binary.BigEndian.PutUint16(buf[6:8], uint16(m.Header.Type))
	binary.BigEndian.PutUint32(buf[8:12], m.Header.RequestID)
	binary.BigEndian.PutUint32(buf[12:16], m.Header.Length)
	buf = append(buf, m.Payload...)
	_, err := w.Write(buf)
	return err
}

// ReadMessage reads a complete message from a reader
func ReadMessage(r io.Reader) (*Message, error) {
	h, err := ReadHeader(r)
	if err != nil {
		return nil, err
	}

	m := &Message{Header: *h}
	if h.Length > 0 {
		if h.Length > MaxPayload {
			return nil, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, h.Length)
		}
		m.Payload = make([]byte, h.Length)
		if _, err := io.ReadFull(r, m.Payload); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Request/Response payloads

// HandshakeRequest is sent by the client to initiate connection
type HandshakeRequest struct {
	ClientVersion   string `json:"client_version"`
	ClientName      string `json:"client_name"`
	ProtocolVersion uint8  `json:"protocol_version"`
}

// HandshakeResponse is sent by the server to acknowledge connection
type HandshakeResponse struct {
	ServerVersion   string `json:"server_version"`
	ProtocolVersion uint8  `json:"protocol_version"`
	ClientID        string `json:"client_id"`
}

// ErrorResponse is sent when an operation fails
type ErrorResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *ErrorResponse) Error() string {
	return fmt.Sprintf("ipc error %d: %s", e.Code, e.Message)
}

// Error codes
const (
	ErrUnknown          = 1
	ErrInvalidRequest   = 2
	ErrNotFound         = 3
	ErrPermissionDenied = 4
	ErrInternalError    = 5
	ErrNoReceiver       = 6
	ErrNotReady         = 7
	ErrHandshake        = 8
	ErrConflict         = 9
)

// StatusResponse contains daemon status
type StatusResponse struct {
	Version       string           `json:"version"`
	StartedAt     time.Time        `json:"started_at"`
	Uptime        string           `json:"uptime"`
	Clients       int              `json:"clients"`
	Tabs          []string         `json:"tabs"`
	StorageType   string           `json:"storage_type"`
	SchemaVersion int              `json:"schema_version"`
	APIKeyValid   *bool            `json:"api_key_valid,omitempty"`
	Current       *problem.Current `json:"current_problem,omitempty"`
}

// TabAttachRequest binds a tab to this connection. An empty TabID asks the
// daemon to assign one.
type TabAttachRequest struct {
	TabID string `json:"tab_id,omitempty"`
}

// TabAttachResponse names the attached tab.
type TabAttachResponse struct {
	TabID string `json:"tab_id"`
}

// PageSnapshotRequest reports what a tab's page looks like now. Load marks a
// full page load as opposed to an in-page mutation.
type PageSnapshotRequest struct {
	TabID string        `json:"tab_id"`
	Load  bool          `json:"load,omitempty"`
	Page  observer.Page `json:"page"`
}

// PageAck acknowledges a snapshot with the tab's observer state.
type PageAck struct {
	TabID string `json:"tab_id"`
	Slug  string `json:"slug,omitempty"`
}

// TabDetachRequest drops a tab's observer session.
type TabDetachRequest struct {
	TabID string `json:"tab_id"`
}

// RuntimeRequest forwards a runtime message to the daemon's bus. Request
// types get a reply in the response.
type RuntimeRequest struct {
	Message json.RawMessage `json:"message"`
}

// RuntimeResponse acknowledges a runtime message.
type RuntimeResponse struct {
	Delivered bool               `json:"delivered"`
	Reply     *messaging.Message `json:"reply,omitempty"`
}

// PanelStopRequest stops the stopwatch at ElapsedSec and opens a manual save.
type PanelStopRequest struct {
	ElapsedSec int64 `json:"elapsed_sec"`
}

// PanelConfirmRequest confirms the open save flow with the final time.
type PanelConfirmRequest struct {
	ElapsedSec int64 `json:"elapsed_sec"`
}

// PanelResponse carries the panel view after a command.
type PanelResponse struct {
	Snapshot panel.Snapshot  `json:"snapshot"`
	Saved    *problem.Record `json:"saved,omitempty"`
}

// HistoryRequest asks for one problem's history, or every history when
// Slug is empty.
type HistoryRequest struct {
	Slug string `json:"slug,omitempty"`
}

// HistoryResponse contains submission histories keyed by slug.
type HistoryResponse struct {
	Histories map[string][]problem.Record `json:"histories"`
}

// ClearRequest deletes a problem's history, or all when Slug is empty.
type ClearRequest struct {
	Slug string `json:"slug,omitempty"`
}

// ClearResponse reports the cleared slugs.
type ClearResponse struct {
	Cleared []string `json:"cleared"`
}

// StatsResponse contains per-topic statistics, most practiced first.
type StatsResponse struct {
	Topics []stats.TopicStats `json:"topics"`
}

// SubscribeRequest requests event subscription
type SubscribeRequest struct {
	Events []EventType `json:"events"` // Empty means all events
}

// SubscribeResponse acknowledges subscription
type SubscribeResponse struct {
	Success        bool   `json:"success"`
	SubscriptionID string `json:"subscription_id"`
}

// Event is a streamed event
type Event struct {
	Type      EventType       `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Tab       string          `json:"tab,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// NewEvent encodes data into an event stamped now.
func NewEvent(t EventType, tab string, data any) (*Event, error) {
	ev := &Event{Type: t, Timestamp: time.Now(), Tab: tab}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("encode %s event: %w", t, err)
		}
		ev.Data = raw
	}
	return ev, nil
}

// LedgerEvent reports a changed history. Removed is set when the history was
// cleared.
type LedgerEvent struct {
	Slug    string `json:"slug"`
	Removed bool   `json:"removed,omitempty"`
}

// ChatSendRequest sends a user message to the active chat session.
type ChatSendRequest struct {
	Text string `json:"text"`
}

// ChatHintRequest asks one of the canned hint questions.
type ChatHintRequest struct {
	Kind string `json:"kind"`
}

// ChatResponse carries the reply and the whole conversation.
type ChatResponse struct {
	Slug   string     `json:"slug,omitempty"`
	Status string     `json:"status"`
	Reply  *ChatTurn  `json:"reply,omitempty"`
	Turns  []ChatTurn `json:"turns"`
}

// ChatTurn is one conversation entry on the wire.
type ChatTurn struct {
	ID        string `json:"id"`
	Sender    string `json:"sender"`
	Text      string `json:"text"`
	Timestamp int64  `json:"timestamp"`
	Hint      bool   `json:"is_hint,omitempty"`
}

// Encode encodes a payload to JSON bytes
func Encode(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

// Decode decodes JSON bytes to a payload. An empty payload leaves v as is.
func Decode(data []byte, v any) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, v)
}

// NewErrorMessage creates an error message
func NewErrorMessage(requestID uint32, code int, message string) *Message {
	payload, _ := Encode(&ErrorResponse{
		Code:    code,
		Message: message,
	})
	return NewMessage(MsgError, requestID, payload)
}

// NewResponse creates a response message
func NewResponse(msgType MessageType, requestID uint32, v any) (*Message, error) {
	payload, err := Encode(v)
	if err != nil {
		return nil, err
	}
	return NewMessage(msgType, requestID, payload), nil
}
