// Package chat is the panel's conversation with the coaching model. A
// Session is bound to one problem; the Manager replaces it whenever the
// active problem changes.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"leetbuddy/internal/problem"
)

// Role identifies who produced a turn.
type Role string

const (
	RoleUser   Role = "user"
	RoleAI     Role = "ai"
	RoleSystem Role = "system"
)

// Texts shown in place of a model reply when the call fails.
const (
	SendErrorText = "Sorry, I encountered an error. Please check your API key or network connection and try again."
	HintErrorText = "Sorry, I encountered an error fetching the hint. Please try again."
	GreetingText  = "Hi! I'm your interview coach. Tell me how you'd start on this problem and we'll work through it together."
)

const (
	systemPrompt = "You are a technical interviewer coaching the user through a programming problem. " +
		"Guide with questions and small hints; never give full solutions or code."
	hintPrompt = "You give short, focused hints about programming problems. Answer the question in two or three sentences."
)

var (
	// ErrNotReady is returned when a session has no problem or model, or is
	// already waiting on a reply.
	ErrNotReady = errors.New("chat: session not ready")
	// ErrEmptyMessage is returned for blank input.
	ErrEmptyMessage = errors.New("chat: empty message")
)

// Turn is one message in the conversation.
type Turn struct {
	ID        string `json:"id"`
	Role      Role   `json:"sender"`
	Text      string `json:"text"`
	Timestamp int64  `json:"timestamp"`
	Loading   bool   `json:"isLoading,omitempty"`
	Hint      bool   `json:"isHint,omitempty"`
}

// Content is one exchange entry sent to the model.
type Content struct {
	Role Role
	Text string
}

// Request is one model call.
type Request struct {
	System  string
	History []Content
	Prompt  string
}

// Model generates a reply. Errors are recoverable and shown in the chat.
type Model interface {
	Generate(ctx context.Context, req Request) (string, error)
}

// ModelFunc adapts a function to Model.
type ModelFunc func(ctx context.Context, req Request) (string, error)

func (f ModelFunc) Generate(ctx context.Context, req Request) (string, error) {
	return f(ctx, req)
}

// Status is the session's lifecycle state.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusReady   Status = "ready"
	StatusSending Status = "sending"
)

// Session is a conversation about one problem.
type Session struct {
	model  Model
	title  string
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	status  Status
	turns   []Turn
	history []Content
	lastErr error
}

// NewSession starts a conversation about the problem titled title. Without
// a model or a title the session stays idle.
func NewSession(model Model, title string, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Session{
		model:  model,
		title:  title,
		logger: logger,
		now:    time.Now,
		status: StatusIdle,
	}
	s.turns = []Turn{s.turn(RoleAI, GreetingText)}
	if model != nil && title != "" {
		s.status = StatusReady
	}
	return s
}

func (s *Session) turn(role Role, text string) Turn {
	return Turn{ID: uuid.NewString(), Role: role, Text: text, Timestamp: s.now().UnixMilli()}
}

// Title returns the problem title the session is bound to.
func (s *Session) Title() string {
	return s.title
}

// Status returns the lifecycle state.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Err returns the error of the most recent failed call.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Turns returns a copy of the conversation.
func (s *Session) Turns() []Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Turn(nil), s.turns...)
}

// Send asks the model about text within the conversation. display, when
// set, is what the user turn shows instead of text. The returned turn is the
// model's reply, or the error text if the call failed.
func (s *Session) Send(ctx context.Context, text, display string) (Turn, error) {
	system := systemPrompt + fmt.Sprintf("\n\nThe user is working on %q.", s.title)
	return s.exchange(ctx, text, display, false, func(history []Content) Request {
		return Request{System: system, History: history, Prompt: text}
	})
}

// Hint asks a one-off question outside the conversation history.
func (s *Session) Hint(ctx context.Context, question, display string) (Turn, error) {
	system := hintPrompt + fmt.Sprintf("\n\nThe user is working on %q.", s.title)
	return s.exchange(ctx, question, display, true, func([]Content) Request {
		return Request{System: system, Prompt: question}
	})
}

// HintKind names one of the panel's canned hint buttons.
type HintKind string

const (
	HintDataStructure HintKind = "dsa"
	HintPattern       HintKind = "pattern"
	HintComplexity    HintKind = "complexity"
	HintExample       HintKind = "example"
)

var hintQuestions = map[HintKind]struct{ question, label string }{
	HintDataStructure: {"Which data structure would help most with this problem, and why?", "Hint: data structure"},
	HintPattern:       {"Which algorithmic pattern does this problem follow?", "Hint: pattern"},
	HintComplexity:    {"What time and space complexity should an optimal solution aim for?", "Hint: complexity"},
	HintExample:       {"Walk me through a small example input for this problem.", "Hint: example"},
}

// CannedHint asks the question behind one of the hint buttons.
func (s *Session) CannedHint(ctx context.Context, kind HintKind) (Turn, error) {
	q, ok := hintQuestions[kind]
	if !ok {
		return Turn{}, fmt.Errorf("chat: unknown hint %q", kind)
	}
	return s.Hint(ctx, q.question, q.label)
}

func (s *Session) exchange(ctx context.Context, text, display string, hint bool, build func([]Content) Request) (Turn, error) {
	if strings.TrimSpace(text) == "" {
		return Turn{}, ErrEmptyMessage
	}
	if display == "" {
		display = text
	}

	s.mu.Lock()
	if s.status != StatusReady {
		s.mu.Unlock()
		return Turn{}, ErrNotReady
	}
	user := s.turn(RoleUser, display)
	user.Hint = hint
	placeholder := s.turn(RoleAI, "")
	placeholder.Loading = true
	placeholder.Hint = hint
	s.turns = append(s.turns, user, placeholder)
	s.status = StatusSending
	req := build(append([]Content(nil), s.history...))
	s.mu.Unlock()

	reply, err := s.model.Generate(ctx, req)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = StatusReady
	final := placeholder
	final.Loading = false
	if err != nil {
		s.logger.Warn("model call failed", "hint", hint, "error", err)
		s.lastErr = err
		final.Text = SendErrorText
		if hint {
			final.Text = HintErrorText
		}
	} else {
		s.lastErr = nil
		final.Text = reply
		if !hint {
			s.history = append(s.history, Content{Role: RoleUser, Text: text}, Content{Role: RoleAI, Text: reply})
		}
	}
	for i := range s.turns {
		if s.turns[i].ID == placeholder.ID {
			s.turns[i] = final
			break
		}
	}
	return final, nil
}

// Manager owns the session for the active problem.
type Manager struct {
	model  Model
	logger *slog.Logger

	mu      sync.Mutex
	session *Session
	slug    string
}

// NewManager returns a manager with an idle session.
func NewManager(model Model, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		model:   model,
		logger:  logger,
		session: NewSession(model, "", logger),
	}
}

// Reset discards the current conversation and starts one for cur, or an
// idle one when cur is nil.
func (m *Manager) Reset(cur *problem.Current) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur == nil {
		m.slug = ""
		m.session = NewSession(m.model, "", m.logger)
		return
	}
	m.logger.Debug("new chat session", "slug", cur.Slug)
	m.slug = cur.Slug
	m.session = NewSession(m.model, cur.Title, m.logger)
}

// Session returns the active session.
func (m *Manager) Session() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session
}

// Slug returns the problem the active session belongs to.
func (m *Manager) Slug() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.slug
}
