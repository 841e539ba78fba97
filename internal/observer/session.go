// Package observer derives "which problem is open and was it just accepted"
// from page snapshots and announces each change once.
//
// A Session models one browser tab. Snapshots arrive in noisy bursts; a
// trailing debounce collapses each burst into one detection cycle. Each cycle
// feeds the resolved slug through Transition and performs the resulting
// effects: metadata fetches, store writes and runtime messages.
package observer

import (
	"context"
	"errors"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"leetbuddy/internal/kv"
	"leetbuddy/internal/messaging"
	"leetbuddy/internal/problem"
)

// Page is a snapshot of what a tab shows.
type Page struct {
	// URL is the page address. A bare path is accepted.
	URL string `json:"url"`
	// Title is the document title.
	Title string `json:"title,omitempty"`
	// ResultText is the text of the submission result element.
	ResultText string `json:"resultText,omitempty"`
	// Cookie is the page's cookie header.
	Cookie string `json:"cookie,omitempty"`
}

// Path returns the URL path of the page.
func (p Page) Path() string {
	u, err := url.Parse(p.URL)
	if err != nil || u.Path == "" {
		return p.URL
	}
	return u.Path
}

// Session observes one tab. It is created when the tab attaches and lives
// until Close.
type Session struct {
	tab     string
	fetcher Fetcher
	sender  messaging.Sender
	store   kv.Store
	logger  *slog.Logger
	now     func() time.Time

	debouncer *Debouncer

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	state       State
	page        Page
	cache       map[string]problem.Metadata
	emitted     map[string]bool
	cancelFetch context.CancelFunc
	fetches     sync.WaitGroup
}

// Option configures a Session.
type Option func(*sessionOptions)

type sessionOptions struct {
	debounce  time.Duration
	afterFunc AfterFunc
	logger    *slog.Logger
	now       func() time.Time
}

// WithDebounce sets the quiet period before a detection cycle.
func WithDebounce(d time.Duration) Option {
	return func(o *sessionOptions) {
		if d > 0 {
			o.debounce = d
		}
	}
}

// WithAfterFunc replaces the timer used for debouncing.
func WithAfterFunc(fn AfterFunc) Option {
	return func(o *sessionOptions) { o.afterFunc = fn }
}

// WithLogger sets the session logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *sessionOptions) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *sessionOptions) {
		if now != nil {
			o.now = now
		}
	}
}

// NewSession creates the session for tab.
func NewSession(tab string, fetcher Fetcher, sender messaging.Sender, store kv.Store, opts ...Option) *Session {
	o := sessionOptions{
		debounce: DefaultDebounce,
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		tab:     tab,
		fetcher: fetcher,
		sender:  sender,
		store:   store,
		logger:  o.logger.With("tab", tab),
		now:     o.now,
		ctx:     ctx,
		cancel:  cancel,
		cache:   make(map[string]problem.Metadata),
		emitted: make(map[string]bool),
	}
	s.debouncer = NewDebouncer(o.debounce, s.Cycle, o.afterFunc)
	return s
}

// Tab returns the tab id.
func (s *Session) Tab() string {
	return s.tab
}

// Notify records a new snapshot and schedules a detection cycle.
func (s *Session) Notify(p Page) {
	s.mu.Lock()
	s.page = p
	s.mu.Unlock()
	s.debouncer.Trigger()
}

// Load records a snapshot and runs a cycle immediately, as on page load.
func (s *Session) Load(p Page) {
	s.mu.Lock()
	s.page = p
	s.mu.Unlock()
	s.Cycle()
}

// State returns the current navigation state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Cycle runs navigation handling then submission detection against the
// latest snapshot.
func (s *Session) Cycle() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx.Err() != nil {
		return
	}
	info := problem.ParsePath(s.page.Path())
	_, cached := s.cache[info.Slug]
	s.apply(Navigate(info.Slug, cached), problem.Metadata{}, nil)
	s.detectSubmission(info)
}

// apply runs one transition and its effects. s.mu is held.
func (s *Session) apply(ev Event, fetched problem.Metadata, fetchErr error) {
	next, effects := Transition(s.state, ev)
	s.state = next

	for _, eff := range effects {
		switch eff.Kind {
		case EffectCancelFetch:
			if s.cancelFetch != nil {
				s.cancelFetch()
				s.cancelFetch = nil
			}
		case EffectClear:
			s.logger.Debug("left problem page")
			if err := s.store.Remove(s.ctx, problem.CurrentKey); err != nil {
				s.logger.Warn("remove current problem", "error", err)
			}
			s.send(messaging.ProblemCleared())
		case EffectDropCache:
			s.logger.Debug("re-entering problem, forcing refresh", "slug", eff.Slug)
			delete(s.cache, eff.Slug)
		case EffectServeCached:
			s.publish(s.cache[eff.Slug])
		case EffectFetch:
			s.startFetch(eff.Slug, eff.FetchID)
		case EffectPublish:
			meta := fetched
			switch {
			case fetchErr == nil:
				s.cache[eff.Slug] = meta.Clone()
			default:
				s.logger.Info("metadata fetch failed, using page data", "slug", eff.Slug, "error", fetchErr)
				meta = problem.Fallback(eff.Slug, s.page.Title)
			}
			s.publish(meta)
		case EffectDiscard:
			s.logger.Debug("discarding superseded fetch", "slug", eff.Slug)
		}
	}
}

func (s *Session) startFetch(slug string, id uint64) {
	ctx, cancel := context.WithCancel(s.ctx)
	s.cancelFetch = cancel
	auth := Auth{CSRFToken: problem.CSRFToken(s.page.Cookie), Cookie: s.page.Cookie}

	s.fetches.Add(1)
	go func() {
		defer s.fetches.Done()
		defer cancel()
		meta, err := s.fetcher.Fetch(ctx, slug, auth)
		if meta.Slug == "" {
			meta.Slug = slug
		}

		s.mu.Lock()
		defer s.mu.Unlock()
		if errors.Is(err, context.Canceled) && s.ctx.Err() != nil {
			return
		}
		s.apply(Fetched(slug, id), meta, err)
	}()
}

// publish writes meta as the current problem and announces it. The stored
// start time is kept when the store already tracks the same slug.
func (s *Session) publish(meta problem.Metadata) {
	cur := problem.Current{Metadata: meta.Clone()}

	var existing problem.Current
	ok, err := kv.GetJSON(s.ctx, s.store, problem.CurrentKey, &existing)
	if err != nil {
		s.logger.Warn("read current problem", "error", err)
	}
	if ok && existing.Slug == meta.Slug && existing.StartAt > 0 {
		cur.StartAt = existing.StartAt
	} else {
		cur.StartAt = s.now().UnixMilli()
	}

	if err := kv.SetJSON(s.ctx, s.store, problem.CurrentKey, cur); err != nil {
		s.logger.Warn("store current problem", "slug", meta.Slug, "error", err)
	}
	s.send(messaging.ProblemMetadata(cur))
}

func (s *Session) detectSubmission(info problem.PathInfo) {
	if info.SubmissionID == "" {
		return
	}
	status, ok := problem.ParseStatus(s.page.ResultText)
	if !ok || status != problem.StatusAccepted {
		return
	}
	key := info.Slug + "#" + info.SubmissionID
	if s.emitted[key] {
		return
	}
	s.emitted[key] = true
	s.logger.Info("submission accepted", "slug", info.Slug, "submission_id", info.SubmissionID)
	s.send(messaging.SubmissionAccepted(info.Slug, info.SubmissionID, s.now().UnixMilli()))
}

func (s *Session) send(msg messaging.Message) {
	messaging.SafeSend(s.ctx, s.sender, msg.WithTab(s.tab), s.logger)
}

// Close stops the session. Pending cycles and fetches are abandoned.
func (s *Session) Close() {
	s.debouncer.Stop()
	s.cancel()
	s.mu.Lock()
	if s.cancelFetch != nil {
		s.cancelFetch()
		s.cancelFetch = nil
	}
	s.mu.Unlock()
	s.fetches.Wait()
}

// CurrentProblemResponder answers GET_CURRENT_PROBLEM from the store with a
// PROBLEM_METADATA reply, or PROBLEM_CLEARED when no problem is active.
func CurrentProblemResponder(store kv.Store) messaging.RequestHandler {
	return func(ctx context.Context, _ messaging.Message) (messaging.Message, error) {
		var cur problem.Current
		ok, err := kv.GetJSON(ctx, store, problem.CurrentKey, &cur)
		if err != nil {
			return messaging.Message{}, err
		}
		if !ok || cur.Slug == "" {
			return messaging.ProblemCleared(), nil
		}
		return messaging.ProblemMetadata(cur), nil
	}
}
