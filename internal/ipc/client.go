package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"leetbuddy/internal/messaging"
	"leetbuddy/internal/observer"
)

// Common errors
var (
	ErrNotConnected     = errors.New("not connected to daemon")
	ErrConnectionLost   = errors.New("connection to daemon lost")
	ErrTimeout          = errors.New("request timeout")
	ErrDaemonNotRunning = errors.New("daemon is not running")
)

// IPCClient talks to the daemon over its socket. It is safe for concurrent
// use; responses are matched to requests by ID.
type IPCClient struct {
	mu       sync.RWMutex
	conn     net.Conn
	clientID string
	server   string

	connected atomic.Bool

	pending   map[uint32]chan *Message
	pendingMu sync.Mutex
	nextReqID atomic.Uint32
	writeMu   sync.Mutex

	eventChan chan *Event

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	config ClientConfig
}

// ClientConfig configures the IPC client
type ClientConfig struct {
	SocketPath     string
	ClientName     string
	ClientVersion  string
	ConnectTimeout time.Duration
	RequestTimeout time.Duration
	EventBuffer    int
}

// DefaultClientConfig returns sensible defaults
func DefaultClientConfig(socketPath string) ClientConfig {
	return ClientConfig{
		SocketPath:     socketPath,
		ClientName:     "leetbuddyctl",
		ClientVersion:  "dev",
		ConnectTimeout: 5 * time.Second,
		RequestTimeout: 30 * time.Second,
		EventBuffer:    100,
	}
}

// NewClient creates a new IPC client
func NewClient(cfg ClientConfig) *IPCClient {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 100
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &IPCClient{
		pending:   make(map[uint32]chan *Message),
		eventChan: make(chan *Event, cfg.EventBuffer),
		ctx:       ctx,
		cancel:    cancel,
		config:    cfg,
	}
}

// Connect dials the daemon and performs the handshake.
func (c *IPCClient) Connect(ctx context.Context) error {
	if c.connected.Load() {
		return nil
	}

	dialer := net.Dialer{Timeout: c.config.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "unix", c.config.SocketPath)
	if err != nil {
		if os.IsNotExist(err) || errors.Is(err, syscall.ENOENT) || errors.Is(err, syscall.ECONNREFUSED) {
			return ErrDaemonNotRunning
		}
		return fmt.Errorf("connect: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	c.connected.Store(true)

	c.wg.Add(1)
	go c.readLoop(conn)

	if err := c.handshake(ctx); err != nil {
		c.close()
		return fmt.Errorf("handshake: %w", err)
	}
	return nil
}

// Close closes the connection and waits for the reader to stop. The event
// channel is closed afterwards.
func (c *IPCClient) Close() error {
	c.cancel()
	c.close()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
	}
	return nil
}

func (c *IPCClient) close() {
	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.mu.Unlock()
	c.connected.Store(false)

	c.pendingMu.Lock()
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
	c.pendingMu.Unlock()
}

// IsConnected returns whether the client is connected
func (c *IPCClient) IsConnected() bool {
	return c.connected.Load()
}

// ClientID returns the ID the server assigned in the handshake.
func (c *IPCClient) ClientID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.clientID
}

// ServerVersion returns the daemon's version.
func (c *IPCClient) ServerVersion() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.server
}

// Events returns pushed events. It is closed when the connection ends.
func (c *IPCClient) Events() <-chan *Event {
	return c.eventChan
}

func (c *IPCClient) handshake(ctx context.Context) error {
	var ack HandshakeResponse
	err := c.Request(ctx, MsgHandshake, &HandshakeRequest{
		ClientVersion:   c.config.ClientVersion,
		ClientName:      c.config.ClientName,
		ProtocolVersion: ProtocolVersion,
	}, &ack)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.clientID = ack.ClientID
	c.server = ack.ServerVersion
	c.mu.Unlock()
	return nil
}

// Request sends payload as msgType and decodes the response into out, which
// may be nil. An error frame from the daemon is returned as *ErrorResponse.
func (c *IPCClient) Request(ctx context.Context, msgType MessageType, payload, out any) error {
	resp, err := c.roundTrip(ctx, msgType, payload)
	if err != nil {
		return err
	}
	if resp.Header.Type == MsgError {
		var e ErrorResponse
		if err := Decode(resp.Payload, &e); err != nil {
			return fmt.Errorf("decode error response: %w", err)
		}
		return &e
	}
	if out == nil {
		return nil
	}
	if err := Decode(resp.Payload, out); err != nil {
		return fmt.Errorf("decode %s response: %w", msgType, err)
	}
	return nil
}

func (c *IPCClient) roundTrip(ctx context.Context, msgType MessageType, payload any) (*Message, error) {
	if !c.connected.Load() {
		return nil, ErrNotConnected
	}

	data, err := Encode(payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}

	reqID := c.nextReqID.Add(1)
	msg := NewMessage(msgType, reqID, data)

	respChan := make(chan *Message, 1)
	c.pendingMu.Lock()
	c.pending[reqID] = respChan
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, reqID)
		c.pendingMu.Unlock()
	}()

	if err := c.write(msg); err != nil {
		c.close()
		return nil, fmt.Errorf("write message: %w", err)
	}

	timer := time.NewTimer(c.config.RequestTimeout)
	defer timer.Stop()
	select {
	case resp, ok := <-respChan:
		if !ok {
			return nil, ErrConnectionLost
		}
		return resp, nil
	case <-timer.C:
		return nil, ErrTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.ctx.Done():
		return nil, ErrNotConnected
	}
}

func (c *IPCClient) write(msg *Message) error {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return ErrNotConnected
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return msg.Write(conn)
}

func (c *IPCClient) readLoop(conn net.Conn) {
	defer c.wg.Done()
	defer close(c.eventChan)

	for {
		msg, err := ReadMessage(conn)
		if err != nil {
			c.close()
			return
		}
		c.handleMessage(msg)
	}
}

func (c *IPCClient) handleMessage(msg *Message) {
	switch msg.Header.Type {
	case MsgPing:
		c.write(NewMessage(MsgPong, msg.Header.RequestID, nil))

	case MsgEvent:
		var event Event
		if err := Decode(msg.Payload, &event); err != nil {
			return
		}
		select {
		case c.eventChan <- &event:
		default:
			// Channel full, drop event
		}

	default:
		c.pendingMu.Lock()
		if ch, ok := c.pending[msg.Header.RequestID]; ok {
			select {
			case ch <- msg:
			default:
			}
		}
		c.pendingMu.Unlock()
	}
}

// High-level API methods

// Ping checks the daemon answers.
func (c *IPCClient) Ping(ctx context.Context) error {
	return c.Request(ctx, MsgPing, nil, nil)
}

// Status requests the daemon status
func (c *IPCClient) Status(ctx context.Context) (*StatusResponse, error) {
	var resp StatusResponse
	if err := c.Request(ctx, MsgStatusRequest, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// AttachTab binds a tab to this connection. An empty tab lets the daemon
// pick the ID.
func (c *IPCClient) AttachTab(ctx context.Context, tab string) (string, error) {
	var resp TabAttachResponse
	if err := c.Request(ctx, MsgTabAttach, &TabAttachRequest{TabID: tab}, &resp); err != nil {
		return "", err
	}
	return resp.TabID, nil
}

// SendPage reports a tab's page. load marks a full page load.
func (c *IPCClient) SendPage(ctx context.Context, tab string, page observer.Page, load bool) (*PageAck, error) {
	var resp PageAck
	err := c.Request(ctx, MsgPageSnapshot, &PageSnapshotRequest{TabID: tab, Load: load, Page: page}, &resp)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// DetachTab drops a tab's observer session.
func (c *IPCClient) DetachTab(ctx context.Context, tab string) error {
	return c.Request(ctx, MsgTabDetach, &TabDetachRequest{TabID: tab}, nil)
}

// SendRuntime forwards a runtime message to the daemon's bus.
func (c *IPCClient) SendRuntime(ctx context.Context, msg messaging.Message) (*RuntimeResponse, error) {
	raw, err := messaging.Encode(msg)
	if err != nil {
		return nil, err
	}
	var resp RuntimeResponse
	if err := c.Request(ctx, MsgRuntime, &RuntimeRequest{Message: json.RawMessage(raw)}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// PanelState returns the panel view.
func (c *IPCClient) PanelState(ctx context.Context) (*PanelResponse, error) {
	return c.panel(ctx, MsgPanelState, nil)
}

// StopAndSave stops the stopwatch at elapsedSec and opens a manual save.
func (c *IPCClient) StopAndSave(ctx context.Context, elapsedSec int64) (*PanelResponse, error) {
	return c.panel(ctx, MsgPanelStop, &PanelStopRequest{ElapsedSec: elapsedSec})
}

// Confirm records the open save flow with elapsedSec.
func (c *IPCClient) Confirm(ctx context.Context, elapsedSec int64) (*PanelResponse, error) {
	return c.panel(ctx, MsgPanelConfirm, &PanelConfirmRequest{ElapsedSec: elapsedSec})
}

// Cancel closes the save flow.
func (c *IPCClient) Cancel(ctx context.Context) (*PanelResponse, error) {
	return c.panel(ctx, MsgPanelCancel, nil)
}

func (c *IPCClient) panel(ctx context.Context, t MessageType, payload any) (*PanelResponse, error) {
	var resp PanelResponse
	if err := c.Request(ctx, t, payload, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// History returns slug's history, or all histories for an empty slug.
func (c *IPCClient) History(ctx context.Context, slug string) (*HistoryResponse, error) {
	var resp HistoryResponse
	if err := c.Request(ctx, MsgHistory, &HistoryRequest{Slug: slug}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Clear deletes slug's history, or every history for an empty slug.
func (c *IPCClient) Clear(ctx context.Context, slug string) (*ClearResponse, error) {
	var resp ClearResponse
	if err := c.Request(ctx, MsgClear, &ClearRequest{Slug: slug}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Stats returns topic statistics.
func (c *IPCClient) Stats(ctx context.Context) (*StatsResponse, error) {
	var resp StatsResponse
	if err := c.Request(ctx, MsgStats, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ChatSend sends text to the active chat session.
func (c *IPCClient) ChatSend(ctx context.Context, text string) (*ChatResponse, error) {
	return c.chat(ctx, MsgChatSend, &ChatSendRequest{Text: text})
}

// ChatHint asks a canned hint question.
func (c *IPCClient) ChatHint(ctx context.Context, kind string) (*ChatResponse, error) {
	return c.chat(ctx, MsgChatHint, &ChatHintRequest{Kind: kind})
}

// ChatTurns returns the active conversation.
func (c *IPCClient) ChatTurns(ctx context.Context) (*ChatResponse, error) {
	return c.chat(ctx, MsgChatTurns, nil)
}

func (c *IPCClient) chat(ctx context.Context, t MessageType, payload any) (*ChatResponse, error) {
	var resp ChatResponse
	if err := c.Request(ctx, t, payload, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Subscribe asks for pushed events of the given types, or all of them.
func (c *IPCClient) Subscribe(ctx context.Context, events ...EventType) error {
	var resp SubscribeResponse
	if err := c.Request(ctx, MsgSubscribe, &SubscribeRequest{Events: events}, &resp); err != nil {
		return err
	}
	if !resp.Success {
		return errors.New("subscription refused")
	}
	return nil
}

// Unsubscribe stops pushed events.
func (c *IPCClient) Unsubscribe(ctx context.Context) error {
	return c.Request(ctx, MsgUnsubscribe, nil, nil)
}
