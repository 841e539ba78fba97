package ipc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"leetbuddy/internal/background"
	"leetbuddy/internal/chat"
	"leetbuddy/internal/kv"
	"leetbuddy/internal/logging"
	"leetbuddy/internal/messaging"
	"leetbuddy/internal/observer"
	"leetbuddy/internal/panel"
	"leetbuddy/internal/problem"
	"leetbuddy/internal/stats"
)

// Tabs is the registry of observed tabs.
type Tabs interface {
	Attach(tab string) (*observer.Session, bool)
	Get(tab string) (*observer.Session, bool)
	Detach(tab string)
	List() []string
}

// Ledger is the history surface exposed to clients.
type Ledger interface {
	History(ctx context.Context, slug string) ([]problem.Record, error)
	AllHistories(ctx context.Context) (map[string][]problem.Record, error)
	Clear(ctx context.Context, slug string) error
	SchemaVersion(ctx context.Context) int
}

// Panel is the panel aggregator.
type Panel interface {
	Snapshot() panel.Snapshot
	StopAndSave(ctx context.Context, elapsedSec int64)
	Confirm(ctx context.Context, finalElapsedSec int64) (problem.Record, bool)
	Cancel()
}

// Runtime is the daemon's message bus.
type Runtime interface {
	Send(ctx context.Context, msg messaging.Message) error
	Request(ctx context.Context, msg messaging.Message) (messaging.Message, error)
}

// Chat owns the active chat session.
type Chat interface {
	Session() *chat.Session
	Slug() string
}

// DaemonHandlerConfig configures the daemon handler. Chat may be nil.
type DaemonHandlerConfig struct {
	Version     string
	StorageType string
	Store       kv.Store
	Tabs        Tabs
	Ledger      Ledger
	Panel       Panel
	Bus         Runtime
	Chat        Chat
	Logger      *slog.Logger
}

// DaemonHandler implements Handler for the daemon.
type DaemonHandler struct {
	cfg       DaemonHandlerConfig
	logger    *slog.Logger
	startedAt time.Time

	mu     sync.RWMutex
	server *Server
}

// NewDaemonHandler creates a new daemon handler
func NewDaemonHandler(cfg DaemonHandlerConfig) *DaemonHandler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &DaemonHandler{
		cfg:       cfg,
		logger:    logger,
		startedAt: time.Now(),
	}
}

// SetServer gives the handler access to connection counts.
func (h *DaemonHandler) SetServer(s *Server) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.server = s
}

// HandleMessage processes an IPC message
func (h *DaemonHandler) HandleMessage(ctx context.Context, client *Client, msg *Message) (*Message, error) {
	h.logger.Debug("request",
		"type", msg.Header.Type,
		"client", client.ID,
		"request_id", logging.RequestIDFromContext(ctx))

	switch msg.Header.Type {
	case MsgStatusRequest:
		return h.handleStatus(ctx, msg)

	case MsgTabAttach:
		return h.handleTabAttach(client, msg)
	case MsgPageSnapshot:
		return h.handlePageSnapshot(client, msg)
	case MsgTabDetach:
		return h.handleTabDetach(client, msg)

	case MsgRuntime:
		return h.handleRuntime(ctx, msg)

	case MsgPanelState, MsgPanelStop, MsgPanelConfirm, MsgPanelCancel:
		return h.handlePanel(ctx, msg)

	case MsgHistory:
		return h.handleHistory(ctx, msg)
	case MsgClear:
		return h.handleClear(ctx, msg)
	case MsgStats:
		return h.handleStats(ctx, msg)

	case MsgChatSend, MsgChatHint, MsgChatTurns:
		return h.handleChat(ctx, msg)

	default:
		return NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest,
			fmt.Sprintf("unknown message type: %s", msg.Header.Type)), nil
	}
}

// ClientDisconnected drops the observer sessions of the client's tabs.
func (h *DaemonHandler) ClientDisconnected(client *Client) {
	for _, tab := range client.Tabs() {
		h.cfg.Tabs.Detach(tab)
		h.logger.Debug("tab detached on disconnect", "tab", tab, "client", client.ID)
	}
}

func (h *DaemonHandler) handleStatus(ctx context.Context, msg *Message) (*Message, error) {
	resp := &StatusResponse{
		Version:       h.cfg.Version,
		StartedAt:     h.startedAt,
		Uptime:        time.Since(h.startedAt).Round(time.Second).String(),
		Tabs:          h.cfg.Tabs.List(),
		StorageType:   h.cfg.StorageType,
		SchemaVersion: h.cfg.Ledger.SchemaVersion(ctx),
		Current:       h.cfg.Panel.Snapshot().Current,
	}

	h.mu.RLock()
	if h.server != nil {
		resp.Clients = h.server.ClientCount()
	}
	h.mu.RUnlock()

	if h.cfg.Store != nil {
		var valid bool
		ok, err := kv.GetJSON(ctx, h.cfg.Store, background.KeyAPIKeyStatus, &valid)
		if err != nil {
			h.logger.Warn("read api key status", "error", err)
		} else if ok {
			resp.APIKeyValid = &valid
		}
	}
	return NewResponse(MsgStatusResponse, msg.Header.RequestID, resp)
}

func (h *DaemonHandler) handleTabAttach(client *Client, msg *Message) (*Message, error) {
	var req TabAttachRequest
	if err := Decode(msg.Payload, &req); err != nil {
		return NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest, err.Error()), nil
	}
	session, created := h.cfg.Tabs.Attach(req.TabID)
	if !created && !client.HasTab(session.Tab()) {
		h.logger.Warn("tab owned by another client", "tab", session.Tab(), "client", client.ID)
		return NewErrorMessage(msg.Header.RequestID, ErrConflict, "tab attached by another client: "+session.Tab()), nil
	}
	client.AddTab(session.Tab())
	h.logger.Info("tab attached", "tab", session.Tab(), "client", client.ID)
	return NewResponse(MsgTabAttachResp, msg.Header.RequestID, &TabAttachResponse{TabID: session.Tab()})
}

func (h *DaemonHandler) handlePageSnapshot(client *Client, msg *Message) (*Message, error) {
	var req PageSnapshotRequest
	if err := Decode(msg.Payload, &req); err != nil {
		return NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest, err.Error()), nil
	}
	if !client.HasTab(req.TabID) {
		return NewErrorMessage(msg.Header.RequestID, ErrNotFound, "tab not attached: "+req.TabID), nil
	}
	session, ok := h.cfg.Tabs.Get(req.TabID)
	if !ok {
		client.RemoveTab(req.TabID)
		return NewErrorMessage(msg.Header.RequestID, ErrNotFound, "tab not attached: "+req.TabID), nil
	}

	if req.Load {
		session.Load(req.Page)
	} else {
		session.Notify(req.Page)
	}
	return NewResponse(MsgPageAck, msg.Header.RequestID, &PageAck{
		TabID: req.TabID,
		Slug:  session.State().Slug,
	})
}

func (h *DaemonHandler) handleTabDetach(client *Client, msg *Message) (*Message, error) {
	var req TabDetachRequest
	if err := Decode(msg.Payload, &req); err != nil {
		return NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest, err.Error()), nil
	}
	if !client.HasTab(req.TabID) {
		return NewErrorMessage(msg.Header.RequestID, ErrNotFound, "tab not attached: "+req.TabID), nil
	}
	h.cfg.Tabs.Detach(req.TabID)
	client.RemoveTab(req.TabID)
	return NewMessage(MsgTabDetachResp, msg.Header.RequestID, nil), nil
}

func (h *DaemonHandler) handleRuntime(ctx context.Context, msg *Message) (*Message, error) {
	var req RuntimeRequest
	if err := Decode(msg.Payload, &req); err != nil {
		return NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest, err.Error()), nil
	}
	rm, err := messaging.Decode(req.Message)
	if err != nil {
		return NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest, err.Error()), nil
	}

	if rm.Type == messaging.TypeGetCurrentProblem {
		reply, err := h.cfg.Bus.Request(ctx, rm)
		if errors.Is(err, messaging.ErrNoReceiver) {
			return NewErrorMessage(msg.Header.RequestID, ErrNoReceiver, err.Error()), nil
		}
		if err != nil {
			return nil, fmt.Errorf("request %s: %w", rm.Type, err)
		}
		return NewResponse(MsgRuntimeResp, msg.Header.RequestID, &RuntimeResponse{Delivered: true, Reply: &reply})
	}

	delivered := true
	if err := h.cfg.Bus.Send(ctx, rm); err != nil {
		if !errors.Is(err, messaging.ErrNoReceiver) {
			return nil, fmt.Errorf("send %s: %w", rm.Type, err)
		}
		delivered = false
	}
	return NewResponse(MsgRuntimeResp, msg.Header.RequestID, &RuntimeResponse{Delivered: delivered})
}

func (h *DaemonHandler) handlePanel(ctx context.Context, msg *Message) (*Message, error) {
	resp := &PanelResponse{}
	switch msg.Header.Type {
	case MsgPanelStop:
		var req PanelStopRequest
		if err := Decode(msg.Payload, &req); err != nil {
			return NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest, err.Error()), nil
		}
		h.cfg.Panel.StopAndSave(ctx, req.ElapsedSec)

	case MsgPanelConfirm:
		var req PanelConfirmRequest
		if err := Decode(msg.Payload, &req); err != nil {
			return NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest, err.Error()), nil
		}
		if rec, ok := h.cfg.Panel.Confirm(ctx, req.ElapsedSec); ok {
			resp.Saved = &rec
		}

	case MsgPanelCancel:
		h.cfg.Panel.Cancel()
	}
	resp.Snapshot = h.cfg.Panel.Snapshot()
	return NewResponse(MsgPanelResp, msg.Header.RequestID, resp)
}

func (h *DaemonHandler) handleHistory(ctx context.Context, msg *Message) (*Message, error) {
	var req HistoryRequest
	if err := Decode(msg.Payload, &req); err != nil {
		return NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest, err.Error()), nil
	}

	resp := &HistoryResponse{}
	if req.Slug != "" {
		history, err := h.cfg.Ledger.History(ctx, req.Slug)
		if err != nil {
			return nil, fmt.Errorf("history %s: %w", req.Slug, err)
		}
		resp.Histories = map[string][]problem.Record{req.Slug: history}
	} else {
		all, err := h.cfg.Ledger.AllHistories(ctx)
		if err != nil {
			return nil, fmt.Errorf("all histories: %w", err)
		}
		resp.Histories = all
	}
	return NewResponse(MsgHistoryResp, msg.Header.RequestID, resp)
}

func (h *DaemonHandler) handleClear(ctx context.Context, msg *Message) (*Message, error) {
	var req ClearRequest
	if err := Decode(msg.Payload, &req); err != nil {
		return NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest, err.Error()), nil
	}

	var cleared []string
	if req.Slug != "" {
		cleared = []string{req.Slug}
	} else {
		all, err := h.cfg.Ledger.AllHistories(ctx)
		if err != nil {
			return nil, fmt.Errorf("list histories: %w", err)
		}
		for slug := range all {
			cleared = append(cleared, slug)
		}
		sort.Strings(cleared)
	}
	if err := h.cfg.Ledger.Clear(ctx, req.Slug); err != nil {
		return nil, fmt.Errorf("clear: %w", err)
	}
	h.logger.Info("histories cleared", "count", len(cleared), "slug", req.Slug)
	return NewResponse(MsgClearResp, msg.Header.RequestID, &ClearResponse{Cleared: cleared})
}

func (h *DaemonHandler) handleStats(ctx context.Context, msg *Message) (*Message, error) {
	all, err := h.cfg.Ledger.AllHistories(ctx)
	if err != nil {
		return nil, fmt.Errorf("all histories: %w", err)
	}
	return NewResponse(MsgStatsResp, msg.Header.RequestID, &StatsResponse{
		Topics: stats.Sorted(stats.FromHistories(all)),
	})
}

func (h *DaemonHandler) handleChat(ctx context.Context, msg *Message) (*Message, error) {
	if h.cfg.Chat == nil {
		return NewErrorMessage(msg.Header.RequestID, ErrNotReady, "chat is not configured"), nil
	}
	session := h.cfg.Chat.Session()

	var (
		reply chat.Turn
		err   error
		sent  bool
	)
	switch msg.Header.Type {
	case MsgChatSend:
		var req ChatSendRequest
		if err := Decode(msg.Payload, &req); err != nil {
			return NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest, err.Error()), nil
		}
		reply, err = session.Send(ctx, req.Text, "")
		sent = true
	case MsgChatHint:
		var req ChatHintRequest
		if err := Decode(msg.Payload, &req); err != nil {
			return NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest, err.Error()), nil
		}
		reply, err = session.CannedHint(ctx, chat.HintKind(req.Kind))
		sent = true
	}
	switch {
	case errors.Is(err, chat.ErrNotReady):
		return NewErrorMessage(msg.Header.RequestID, ErrNotReady, err.Error()), nil
	case err != nil:
		return NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest, err.Error()), nil
	}

	resp := &ChatResponse{
		Slug:   h.cfg.Chat.Slug(),
		Status: string(session.Status()),
		Turns:  chatTurns(session.Turns()),
	}
	if sent {
		t := chatTurn(reply)
		resp.Reply = &t
	}
	return NewResponse(MsgChatResp, msg.Header.RequestID, resp)
}

func chatTurns(turns []chat.Turn) []ChatTurn {
	out := make([]ChatTurn, 0, len(turns))
	for _, t := range turns {
		out = append(out, chatTurn(t))
	}
	return out
}

func chatTurn(t chat.Turn) ChatTurn {
	return ChatTurn{
		ID:        t.ID,
		Sender:    string(t.Role),
		Text:      t.Text,
		Timestamp: t.Timestamp,
		Hint:      t.Hint,
	}
}
