package ipc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"leetbuddy/internal/logging"
)

// Handler processes IPC messages
type Handler interface {
	// HandleMessage processes a message and returns a response
	HandleMessage(ctx context.Context, client *Client, msg *Message) (*Message, error)
}

// HandlerFunc is a function that implements Handler
type HandlerFunc func(ctx context.Context, client *Client, msg *Message) (*Message, error)

func (f HandlerFunc) HandleMessage(ctx context.Context, client *Client, msg *Message) (*Message, error) {
	return f(ctx, client, msg)
}

// DisconnectHandler is implemented by handlers that keep per-client state.
type DisconnectHandler interface {
	ClientDisconnected(client *Client)
}

// Server is the IPC server that manages client connections
type Server struct {
	mu          sync.RWMutex
	listener    net.Listener
	cfg         ServerConfig
	handler     Handler
	logger      *slog.Logger
	clients     map[string]*Client
	subscribers map[string]*subscription
	startedAt   time.Time

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running atomic.Bool

	nextEventID atomic.Uint32
	eventChan   chan *Event
}

// Client represents a connected client
type Client struct {
	mu           sync.Mutex
	ID           string
	conn         net.Conn
	Peer         *PeerCredentials
	ConnectedAt  time.Time
	name         string
	version      string
	handshaken   bool
	lastActivity time.Time
	tabs         map[string]struct{}

	writeMu sync.Mutex
}

// Name returns the name the client gave in its handshake.
func (c *Client) Name() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.name
}

// AddTab records that tab is served over this connection.
func (c *Client) AddTab(tab string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tabs == nil {
		c.tabs = make(map[string]struct{})
	}
	c.tabs[tab] = struct{}{}
}

// RemoveTab forgets tab.
func (c *Client) RemoveTab(tab string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.tabs, tab)
}

// HasTab reports whether tab belongs to this connection.
func (c *Client) HasTab(tab string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.tabs[tab]
	return ok
}

// Tabs returns the tabs attached over this connection, sorted.
func (c *Client) Tabs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.tabs))
	for t := range c.tabs {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// subscription tracks event subscriptions
type subscription struct {
	clientID string
	events   map[EventType]bool
}

// ServerConfig configures the IPC server
type ServerConfig struct {
	SocketPath     string
	Version        string
	Mode           os.FileMode
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	MaxConnections int
	EventBuffer    int
	// SameUserOnly rejects peers running as another user where the
	// platform can tell.
	SameUserOnly bool
}

// DefaultServerConfig returns the daemon's defaults for socketPath.
func DefaultServerConfig(socketPath string) ServerConfig {
	return ServerConfig{
		SocketPath:     socketPath,
		Version:        "dev",
		Mode:           0600,
		ReadTimeout:    30 * time.Second,
		WriteTimeout:   10 * time.Second,
		MaxConnections: 32,
		EventBuffer:    256,
		SameUserOnly:   true,
	}
}

// NewServer creates a new IPC server. A nil logger uses slog.Default.
func NewServer(cfg ServerConfig, handler Handler, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultServerConfig(cfg.SocketPath)
	if cfg.Mode == 0 {
		cfg.Mode = def.Mode
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = def.ReadTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = def.MaxConnections
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = def.EventBuffer
	}
	if cfg.Version == "" {
		cfg.Version = def.Version
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:         cfg,
		handler:     handler,
		logger:      logger,
		clients:     make(map[string]*Client),
		subscribers: make(map[string]*subscription),
		ctx:         ctx,
		cancel:      cancel,
		eventChan:   make(chan *Event, cfg.EventBuffer),
	}
}

// Start begins listening for connections
func (s *Server) Start() error {
	if err := os.MkdirAll(filepath.Dir(s.cfg.SocketPath), 0700); err != nil {
		return fmt.Errorf("create socket directory: %w", err)
	}
	if IsSocketListening(s.cfg.SocketPath) {
		return fmt.Errorf("socket %s is already in use", s.cfg.SocketPath)
	}
	if err := CleanupSocket(s.cfg.SocketPath); err != nil {
		return fmt.Errorf("remove stale socket: %w", err)
	}

	listener, err := net.Listen("unix", s.cfg.SocketPath)
	if err != nil {
		return fmt.Errorf("listen on socket: %w", err)
	}
	if err := os.Chmod(s.cfg.SocketPath, s.cfg.Mode); err != nil {
		listener.Close()
		return fmt.Errorf("set socket permissions: %w", err)
	}

	s.listener = listener
	s.startedAt = time.Now()
	s.running.Store(true)

	s.wg.Add(2)
	go s.eventBroadcaster()
	go s.acceptLoop()

	s.logger.Info("ipc server listening", "socket", s.cfg.SocketPath)
	return nil
}

// Stop closes the listener and every connection and waits for them to end.
func (s *Server) Stop() error {
	if !s.running.CompareAndSwap(true, false) {
		return nil
	}
	s.cancel()
	if s.listener != nil {
		s.listener.Close()
	}

	s.mu.Lock()
	for _, client := range s.clients {
		client.conn.Close()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		s.logger.Warn("ipc server stop timed out")
	}

	os.Remove(s.cfg.SocketPath)
	return nil
}

// SocketPath returns the socket path
func (s *Server) SocketPath() string {
	return s.cfg.SocketPath
}

// Version returns the version the server reports in handshakes.
func (s *Server) Version() string {
	return s.cfg.Version
}

// StartedAt returns when Start succeeded.
func (s *Server) StartedAt() time.Time {
	return s.startedAt
}

// ClientCount returns the number of connected clients
func (s *Server) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// Broadcast queues an event for subscribed clients. It reports false when
// the server is stopped or the queue is full and the event was dropped.
func (s *Server) Broadcast(event *Event) bool {
	if event == nil || !s.running.Load() {
		return false
	}
	select {
	case s.eventChan <- event:
		return true
	default:
		s.logger.Warn("event queue full, dropping event", "type", event.Type)
		return false
	}
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn("accept failed", "error", err)
			continue
		}

		peer, ok := s.admit(conn)
		if !ok {
			conn.Close()
			continue
		}

		now := time.Now()
		client := &Client{
			ID:           uuid.NewString(),
			conn:         conn,
			Peer:         peer,
			ConnectedAt:  now,
			lastActivity: now,
		}

		s.mu.Lock()
		if len(s.clients) >= s.cfg.MaxConnections {
			s.mu.Unlock()
			s.logger.Warn("connection limit reached", "max", s.cfg.MaxConnections)
			s.sendMessage(client, NewErrorMessage(0, ErrPermissionDenied, "too many connections"))
			conn.Close()
			continue
		}
		s.clients[client.ID] = client
		s.mu.Unlock()

		s.wg.Add(1)
		go s.handleConnection(client)
	}
}

// admit checks the peer's user. Platforms without peer credentials admit
// everyone; the socket's file mode is the only guard there.
func (s *Server) admit(conn net.Conn) (*PeerCredentials, bool) {
	cred, err := GetPeerCredentials(conn)
	if err != nil {
		if errors.Is(err, ErrPeerCredsUnsupported) {
			return nil, true
		}
		s.logger.Warn("read peer credentials", "error", err)
		return nil, !s.cfg.SameUserOnly
	}
	if s.cfg.SameUserOnly && cred.UID != os.Getuid() {
		s.logger.Warn("rejecting connection from another user", "uid", cred.UID, "pid", cred.PID)
		return cred, false
	}
	return cred, true
}

func (s *Server) handleConnection(client *Client) {
	defer s.wg.Done()
	defer s.disconnect(client)

	logger := s.logger.With("client", client.ID)
	logger.Debug("client connected")

	for {
		if s.ctx.Err() != nil {
			return
		}

		client.conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		msg, err := ReadMessage(client.conn)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				return
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				if s.sendPing(client) != nil {
					return
				}
				continue
			}
			logger.Debug("read failed", "error", err)
			return
		}

		client.mu.Lock()
		client.lastActivity = time.Now()
		client.mu.Unlock()

		response, err := s.processMessage(client, msg)
		if err != nil {
			logger.Warn("request failed", "type", msg.Header.Type, "error", err)
			response = NewErrorMessage(msg.Header.RequestID, ErrInternalError, err.Error())
		}
		if response != nil {
			if err := s.sendMessage(client, response); err != nil {
				return
			}
		}
	}
}

func (s *Server) disconnect(client *Client) {
	s.mu.Lock()
	delete(s.clients, client.ID)
	delete(s.subscribers, client.ID)
	s.mu.Unlock()
	client.conn.Close()

	if dh, ok := s.handler.(DisconnectHandler); ok {
		dh.ClientDisconnected(client)
	}
	s.logger.Debug("client disconnected", "client", client.ID)
}

func (s *Server) processMessage(client *Client, msg *Message) (*Message, error) {
	switch msg.Header.Type {
	case MsgPing:
		return NewMessage(MsgPong, msg.Header.RequestID, nil), nil
	case MsgPong:
		return nil, nil
	case MsgHandshake:
		return s.handleHandshake(client, msg)
	}

	client.mu.Lock()
	ready := client.handshaken
	client.mu.Unlock()
	if !ready {
		return NewErrorMessage(msg.Header.RequestID, ErrHandshake, "handshake required"), nil
	}

	switch msg.Header.Type {
	case MsgSubscribe:
		return s.handleSubscribe(client, msg)
	case MsgUnsubscribe:
		return s.handleUnsubscribe(client, msg)
	}

	if s.handler == nil {
		return NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest, "no handler"), nil
	}
	reqID := fmt.Sprintf("%s-%d", client.ID[:8], msg.Header.RequestID)
	ctx := logging.ContextWithRequestID(s.ctx, reqID)
	return s.handler.HandleMessage(ctx, client, msg)
}

func (s *Server) handleHandshake(client *Client, msg *Message) (*Message, error) {
	var req HandshakeRequest
	if err := Decode(msg.Payload, &req); err != nil {
		return NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest, "invalid handshake"), nil
	}
	if req.ProtocolVersion > ProtocolVersion {
		return NewErrorMessage(msg.Header.RequestID, ErrHandshake,
			fmt.Sprintf("protocol version %d not supported", req.ProtocolVersion)), nil
	}

	client.mu.Lock()
	client.name = req.ClientName
	client.version = req.ClientVersion
	client.handshaken = true
	client.mu.Unlock()

	s.logger.Debug("handshake", "client", client.ID, "name", req.ClientName, "version", req.ClientVersion)
	return NewResponse(MsgHandshakeAck, msg.Header.RequestID, &HandshakeResponse{
		ServerVersion:   s.cfg.Version,
		ProtocolVersion: ProtocolVersion,
		ClientID:        client.ID,
	})
}

func (s *Server) handleSubscribe(client *Client, msg *Message) (*Message, error) {
	var req SubscribeRequest
	if err := Decode(msg.Payload, &req); err != nil {
		return NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest, "invalid subscribe request"), nil
	}

	events := req.Events
	if len(events) == 0 {
		events = AllEvents
	}
	sub := &subscription{clientID: client.ID, events: make(map[EventType]bool, len(events))}
	for _, et := range events {
		sub.events[et] = true
	}

	s.mu.Lock()
	s.subscribers[client.ID] = sub
	s.mu.Unlock()

	return NewResponse(MsgSubscribeResp, msg.Header.RequestID, &SubscribeResponse{
		Success:        true,
		SubscriptionID: client.ID,
	})
}

func (s *Server) handleUnsubscribe(client *Client, msg *Message) (*Message, error) {
	s.mu.Lock()
	delete(s.subscribers, client.ID)
	s.mu.Unlock()
	return NewMessage(MsgUnsubscribeResp, msg.Header.RequestID, nil), nil
}

// eventBroadcaster fans events out in queue order. Each event is written to
// every subscriber before the next one is taken.
func (s *Server) eventBroadcaster() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return
		case event := <-s.eventChan:
			payload, err := Encode(event)
			if err != nil {
				s.logger.Warn("encode event", "type", event.Type, "error", err)
				continue
			}

			s.mu.RLock()
			targets := make([]*Client, 0, len(s.subscribers))
			for clientID, sub := range s.subscribers {
				if !sub.events[event.Type] {
					continue
				}
				if client, ok := s.clients[clientID]; ok {
					targets = append(targets, client)
				}
			}
			s.mu.RUnlock()

			for _, client := range targets {
				msg := NewMessage(MsgEvent, s.nextEventID.Add(1), payload)
				if err := s.sendMessage(client, msg); err != nil {
					s.logger.Debug("event delivery failed", "client", client.ID, "error", err)
				}
			}
		}
	}
}

func (s *Server) sendMessage(client *Client, msg *Message) error {
	client.writeMu.Lock()
	defer client.writeMu.Unlock()

	client.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	return msg.Write(client.conn)
}

func (s *Server) sendPing(client *Client) error {
	return s.sendMessage(client, NewMessage(MsgPing, s.nextEventID.Add(1), nil))
}
