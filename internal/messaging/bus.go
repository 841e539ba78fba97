package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"leetbuddy/internal/metrics"
)

var (
	// ErrNoReceiver is returned when nothing is listening for a message.
	ErrNoReceiver = errors.New("messaging: no receiving end")
	// ErrChannelClosed is returned once the channel has been shut down.
	ErrChannelClosed = errors.New("messaging: channel closed")
)

// Sender delivers runtime messages.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, msg Message) error

func (f SenderFunc) Send(ctx context.Context, msg Message) error {
	return f(ctx, msg)
}

// SafeSend sends msg and swallows any failure, including a panicking
// sender. It reports whether the message was handed off.
func SafeSend(ctx context.Context, s Sender, msg Message, logger *slog.Logger) (ok bool) {
	if s == nil {
		return false
	}
	defer func() {
		if r := recover(); r != nil {
			ok = false
			if logger != nil {
				logger.Debug("send panicked", "type", msg.Type, "panic", fmt.Sprint(r))
			}
		}
	}()
	if err := s.Send(ctx, msg); err != nil {
		if logger != nil {
			logger.Debug("send failed", "type", msg.Type, "error", err)
		}
		return false
	}
	return true
}

// Handler receives delivered messages.
type Handler func(msg Message)

// RequestHandler answers a request message.
type RequestHandler func(ctx context.Context, msg Message) (Message, error)

// DefaultMailboxSize is the per-subscriber queue length.
const DefaultMailboxSize = 256

// Bus is an in-process message channel. Each subscriber has its own mailbox
// drained by a dedicated goroutine, so a subscriber sees messages in send
// order and a slow subscriber never delays the sender or other subscribers.
// A full mailbox drops the message.
type Bus struct {
	logger      *slog.Logger
	metrics     *metrics.Metrics
	mailboxSize int

	mu       sync.RWMutex
	nextID   int
	subs     map[int]*subscription
	requests map[Type]RequestHandler
	closed   bool
	wg       sync.WaitGroup
}

type subscription struct {
	types   map[Type]bool
	mailbox chan Message
	handler Handler
}

func (s *subscription) wants(t Type) bool {
	return len(s.types) == 0 || s.types[t]
}

// BusOption configures a Bus.
type BusOption func(*Bus)

// WithBusLogger sets the logger for dropped messages.
func WithBusLogger(l *slog.Logger) BusOption {
	return func(b *Bus) {
		if l != nil {
			b.logger = l
		}
	}
}

// WithBusMetrics enables message counters.
func WithBusMetrics(m *metrics.Metrics) BusOption {
	return func(b *Bus) { b.metrics = m }
}

// WithMailboxSize sets the per-subscriber queue length.
func WithMailboxSize(n int) BusOption {
	return func(b *Bus) {
		if n > 0 {
			b.mailboxSize = n
		}
	}
}

// NewBus creates an empty bus.
func NewBus(opts ...BusOption) *Bus {
	b := &Bus{
		logger:      slog.Default(),
		mailboxSize: DefaultMailboxSize,
		subs:        make(map[int]*subscription),
		requests:    make(map[Type]RequestHandler),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers fn for the given message types, or for every type when
// none are given. The returned function unsubscribes; messages already queued
// for fn are still delivered.
func (b *Bus) Subscribe(fn Handler, types ...Type) func() {
	sub := &subscription{
		mailbox: make(chan Message, b.mailboxSize),
		handler: fn,
	}
	if len(types) > 0 {
		sub.types = make(map[Type]bool, len(types))
		for _, t := range types {
			sub.types[t] = true
		}
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = sub
	b.wg.Add(1)
	b.mu.Unlock()

	go b.deliver(sub)

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			if _, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(sub.mailbox)
			}
			b.mu.Unlock()
		})
	}
}

func (b *Bus) deliver(sub *subscription) {
	defer b.wg.Done()
	for msg := range sub.mailbox {
		b.invoke(sub.handler, msg)
	}
}

func (b *Bus) invoke(fn Handler, msg Message) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("message handler panicked", "type", msg.Type, "panic", fmt.Sprint(r))
		}
	}()
	fn(msg)
}

// Send queues msg for every interested subscriber. It fails with
// ErrNoReceiver when no subscriber wants the type.
func (b *Bus) Send(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrChannelClosed
	}

	receivers := 0
	for _, sub := range b.subs {
		if !sub.wants(msg.Type) {
			continue
		}
		receivers++
		select {
		case sub.mailbox <- msg:
		default:
			b.logger.Warn("subscriber mailbox full, dropping message", "type", msg.Type)
			b.metrics.RecordMessage(string(msg.Type), false)
		}
	}
	if receivers == 0 {
		b.metrics.RecordMessage(string(msg.Type), false)
		return ErrNoReceiver
	}
	b.metrics.RecordMessage(string(msg.Type), true)
	return nil
}

// HandleRequest registers the responder for a request type, replacing any
// earlier one. It returns a function that removes it.
func (b *Bus) HandleRequest(t Type, fn RequestHandler) func() {
	b.mu.Lock()
	b.requests[t] = fn
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.requests, t)
			b.mu.Unlock()
		})
	}
}

// Request delivers msg to its responder and returns the reply.
func (b *Bus) Request(ctx context.Context, msg Message) (Message, error) {
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}
	b.mu.RLock()
	closed := b.closed
	fn := b.requests[msg.Type]
	b.mu.RUnlock()

	if closed {
		return Message{}, ErrChannelClosed
	}
	if fn == nil {
		return Message{}, ErrNoReceiver
	}
	return fn(ctx, msg)
}

// Close stops delivery. Subscribers finish their queued messages before
// Close returns.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub.mailbox)
	}
	b.requests = make(map[Type]RequestHandler)
	b.mu.Unlock()

	b.wg.Wait()
}
