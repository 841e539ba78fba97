package observer

import (
	"sort"
	"sync"

	"github.com/google/uuid"

	"leetbuddy/internal/metrics"
)

// SessionFactory builds the session for a newly attached tab.
type SessionFactory func(tab string) *Session

// Tabs tracks the sessions of attached tabs.
type Tabs struct {
	factory SessionFactory
	metrics *metrics.Metrics

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewTabs returns an empty tab registry.
func NewTabs(factory SessionFactory, m *metrics.Metrics) *Tabs {
	return &Tabs{
		factory:  factory,
		metrics:  m,
		sessions: make(map[string]*Session),
	}
}

// Attach returns the session for tab, creating it if needed, and reports
// whether it was created. An empty tab id is assigned a new one.
func (t *Tabs) Attach(tab string) (*Session, bool) {
	if tab == "" {
		tab = uuid.NewString()
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.sessions[tab]; ok {
		return s, false
	}
	s := t.factory(tab)
	t.sessions[tab] = s
	t.metrics.TabAttached()
	return s, true
}

// Get returns the session for tab.
func (t *Tabs) Get(tab string) (*Session, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sessions[tab]
	return s, ok
}

// Detach closes and forgets tab's session.
func (t *Tabs) Detach(tab string) {
	t.mu.Lock()
	s, ok := t.sessions[tab]
	delete(t.sessions, tab)
	t.mu.Unlock()
	if ok {
		s.Close()
		t.metrics.TabDetached()
	}
}

// List returns the attached tab ids in sorted order.
func (t *Tabs) List() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	ids := make([]string, 0, len(t.sessions))
	for id := range t.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// CloseAll detaches every tab.
func (t *Tabs) CloseAll() {
	for _, id := range t.List() {
		t.Detach(id)
	}
}
