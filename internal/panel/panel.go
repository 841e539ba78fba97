// Package panel reconciles the page observer's live messages with the stored
// current problem, and drives the save-confirmation flow that turns an
// accepted submission or a stopped stopwatch into a ledger record.
package panel

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"leetbuddy/internal/kv"
	"leetbuddy/internal/messaging"
	"leetbuddy/internal/metrics"
	"leetbuddy/internal/problem"
)

// Dependent is per-problem state that must start over when the active
// problem changes, such as a chat session.
type Dependent interface {
	Reset(cur *problem.Current)
}

// Ledger is the part of the submission ledger the panel needs.
type Ledger interface {
	Latest(ctx context.Context, slug string) (problem.Record, bool, error)
	Append(ctx context.Context, slug string, rec problem.Record) error
}

// Subscriber is the message channel the panel listens on.
type Subscriber interface {
	Subscribe(fn messaging.Handler, types ...messaging.Type) func()
}

// Snapshot is the panel's view at one moment.
type Snapshot struct {
	Current   *problem.Current `json:"currentProblem"`
	Flow      Flow             `json:"flow"`
	ResetTick uint64           `json:"resetTick"`
}

// Aggregator holds the panel's current problem and save flow. It is safe for
// concurrent use.
type Aggregator struct {
	store   kv.Store
	ledger  Ledger
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	mu        sync.Mutex
	current   *problem.Current
	flow      Flow
	resetTick uint64
	live      uint64 // problem messages handled
	deps      []Dependent
	listeners map[uint64]func(Snapshot)
	nextID    uint64
	unsub     func()
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Aggregator) {
		if l != nil {
			a.logger = l
		}
	}
}

// WithMetrics records opened save flows.
func WithMetrics(m *metrics.Metrics) Option {
	return func(a *Aggregator) { a.metrics = m }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(a *Aggregator) { a.now = now }
}

// WithDependents registers state reset on every problem change.
func WithDependents(deps ...Dependent) Option {
	return func(a *Aggregator) { a.deps = append(a.deps, deps...) }
}

// New returns an aggregator with no current problem.
func New(store kv.Store, ledger Ledger, opts ...Option) *Aggregator {
	a := &Aggregator{
		store:     store,
		ledger:    ledger,
		logger:    slog.Default(),
		now:       time.Now,
		flow:      Flow{State: FlowIdle},
		listeners: make(map[uint64]func(Snapshot)),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Bootstrap loads the stored current problem. An entry without both a slug
// and a title is ignored.
func (a *Aggregator) Bootstrap(ctx context.Context) error {
	return a.bootstrap(ctx, false)
}

// bootstrap applies the stored problem. With quiet set it is dropped if a
// live problem message arrived while the store was being read.
func (a *Aggregator) bootstrap(ctx context.Context, quiet bool) error {
	a.mu.Lock()
	seen := a.live
	a.mu.Unlock()

	var cur problem.Current
	ok, err := kv.GetJSON(ctx, a.store, problem.CurrentKey, &cur)
	if err != nil {
		return fmt.Errorf("bootstrap current problem: %w", err)
	}
	if !ok || cur.Slug == "" || cur.Title == "" {
		return nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if quiet && a.live != seen {
		a.logger.Debug("stored problem superseded by live update", "slug", cur.Slug)
		return nil
	}
	if a.current != nil && a.current.Slug == cur.Slug {
		return nil
	}
	a.logger.Debug("bootstrapped current problem", "slug", cur.Slug)
	a.replace(&cur)
	return nil
}

// Start subscribes to live messages, then bootstraps from the store. A
// message handled while the store is being read wins over the stored entry.
// Messages are followed until Close.
func (a *Aggregator) Start(ctx context.Context, sub Subscriber) error {
	unsub := sub.Subscribe(func(msg messaging.Message) {
		a.Handle(ctx, msg)
	}, messaging.TypeProblemMetadata, messaging.TypeProblemCleared, messaging.TypeSubmissionAccepted)

	a.mu.Lock()
	a.unsub = unsub
	a.mu.Unlock()

	if err := a.bootstrap(ctx, true); err != nil {
		a.logger.Warn("bootstrap failed", "error", err)
	}
	return nil
}

// Close stops following messages.
func (a *Aggregator) Close() {
	a.mu.Lock()
	unsub := a.unsub
	a.unsub = nil
	a.mu.Unlock()
	if unsub != nil {
		unsub()
	}
}

// Handle applies one runtime message.
func (a *Aggregator) Handle(ctx context.Context, msg messaging.Message) {
	switch msg.Type {
	case messaging.TypeProblemMetadata:
		a.onMetadata(msg)
	case messaging.TypeProblemCleared:
		a.onCleared()
	case messaging.TypeSubmissionAccepted:
		a.onAccepted(ctx, msg)
	}
}

func (a *Aggregator) onMetadata(msg messaging.Message) {
	if msg.Slug == "" {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.live++

	if a.current == nil || a.current.Slug != msg.Slug {
		a.logger.Debug("new problem", "slug", msg.Slug)
		cur := msg.Current()
		a.replace(&cur)
		return
	}

	// Same problem: refresh what arrived, keep the session.
	if msg.Title != "" {
		a.current.Title = msg.Title
	}
	if msg.Difficulty != "" {
		a.current.Difficulty = msg.Difficulty
	}
	if len(msg.Tags) > 0 {
		a.current.Tags = append([]string(nil), msg.Tags...)
	}
	if a.current.StartAt == 0 {
		a.current.StartAt = msg.StartAt
	}
	a.emit()
}

func (a *Aggregator) onCleared() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.live++
	if a.current == nil {
		return
	}
	a.logger.Debug("problem cleared")
	a.replace(nil)
}

// replace swaps the current problem and resets dependents. Caller holds mu.
func (a *Aggregator) replace(cur *problem.Current) {
	a.current = cur.Clone()
	for _, d := range a.deps {
		d.Reset(a.current.Clone())
	}
	a.emit()
}

func (a *Aggregator) onAccepted(ctx context.Context, msg messaging.Message) {
	a.mu.Lock()
	cur := a.current.Clone()
	a.mu.Unlock()

	if cur == nil || cur.Slug != msg.Slug {
		a.logger.Warn("accepted submission for another problem, ignoring", "slug", msg.Slug)
		return
	}

	prev, hasPrev, err := a.ledger.Latest(ctx, cur.Slug)
	if err != nil {
		a.logger.Warn("read latest submission", "slug", cur.Slug, "error", err)
	}
	if hasPrev && prev.SubmissionID == msg.SubmissionID {
		a.logger.Debug("submission already recorded", "slug", cur.Slug, "submission", msg.SubmissionID)
		return
	}

	startAt := cur.StartAt
	if startAt == 0 {
		// The store write may have landed after the message.
		startAt = a.storedStartAt(ctx, cur.Slug)
	}

	flow := Flow{
		State:        FlowModalOpen,
		ElapsedSec:   ElapsedSec(startAt, msg.At),
		Source:       problem.SourceAuto,
		SubmissionID: msg.SubmissionID,
	}
	if hasPrev {
		p := prev.ElapsedSec
		flow.PrevElapsedSec = &p
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.current == nil || a.current.Slug != msg.Slug {
		a.logger.Warn("problem changed before save flow opened", "slug", msg.Slug)
		return
	}
	if a.flow.State == FlowModalOpen && a.flow.SubmissionID == msg.SubmissionID {
		return
	}
	a.open(flow)
}

func (a *Aggregator) storedStartAt(ctx context.Context, slug string) int64 {
	var stored problem.Current
	ok, err := kv.GetJSON(ctx, a.store, problem.CurrentKey, &stored)
	if err != nil {
		a.logger.Warn("re-read current problem", "error", err)
		return 0
	}
	if !ok || stored.Slug != slug {
		return 0
	}
	return stored.StartAt
}

// StopAndSave opens a manual save flow for elapsedSec seconds of stopwatch
// time. Without a current problem it does nothing.
func (a *Aggregator) StopAndSave(ctx context.Context, elapsedSec int64) {
	a.mu.Lock()
	cur := a.current.Clone()
	a.mu.Unlock()
	if cur == nil {
		a.logger.Debug("stopwatch stopped without a problem")
		return
	}

	flow := Flow{
		State:      FlowModalOpen,
		ElapsedSec: max(0, elapsedSec),
		Source:     problem.SourceManual,
	}
	prev, ok, err := a.ledger.Latest(ctx, cur.Slug)
	if err != nil {
		a.logger.Warn("read latest submission", "slug", cur.Slug, "error", err)
	}
	if ok {
		p := prev.ElapsedSec
		flow.PrevElapsedSec = &p
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.current == nil || a.current.Slug != cur.Slug {
		return
	}
	a.open(flow)
}

// open moves the flow to ModalOpen. Caller holds mu.
func (a *Aggregator) open(flow Flow) {
	a.flow = flow
	a.metrics.RecordSaveFlow(string(flow.Source))
	a.logger.Info("save flow opened",
		"slug", a.current.Slug,
		"source", flow.Source,
		"elapsed_sec", flow.ElapsedSec)
	a.emit()
}

// Cancel closes the save flow without writing.
func (a *Aggregator) Cancel() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.flow.State != FlowModalOpen {
		return
	}
	a.flow = Flow{State: FlowIdle}
	a.emit()
}

// Confirm records the open flow with the user's final elapsed time and
// returns the record written. With no current problem or no open flow it is
// a no-op and reports false.
func (a *Aggregator) Confirm(ctx context.Context, finalElapsedSec int64) (problem.Record, bool) {
	a.mu.Lock()
	if a.current == nil {
		a.mu.Unlock()
		a.logger.Debug("cannot save submission: no current problem")
		return problem.Record{}, false
	}
	if a.flow.State != FlowModalOpen {
		a.mu.Unlock()
		a.logger.Debug("cannot confirm save: flow not open")
		return problem.Record{}, false
	}

	now := a.now().UnixMilli()
	id := fmt.Sprintf("manual-%d", now)
	if a.flow.Source == problem.SourceAuto {
		id = a.flow.SubmissionID
		if id == "" {
			id = fmt.Sprintf("auto-%d", now)
		}
	}
	rec := problem.Record{
		SubmissionID: id,
		At:           now,
		ElapsedSec:   max(0, finalElapsedSec),
		Source:       a.flow.Source,
		Problem:      a.current.Metadata.Clone(),
	}
	slug := a.current.Slug

	a.flow = Flow{State: FlowIdle}
	a.resetTick++
	a.emit()
	a.mu.Unlock()

	if err := a.ledger.Append(ctx, slug, rec); err != nil {
		a.logger.Warn("append submission", "slug", slug, "error", err)
	}
	return rec, true
}

// Current returns a copy of the current problem, or nil.
func (a *Aggregator) Current() *problem.Current {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.current.Clone()
}

// Flow returns the save flow state.
func (a *Aggregator) Flow() Flow {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.flow.clone()
}

// Snapshot returns the whole view.
func (a *Aggregator) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.snapshot()
}

func (a *Aggregator) snapshot() Snapshot {
	return Snapshot{Current: a.current.Clone(), Flow: a.flow.clone(), ResetTick: a.resetTick}
}

// OnChange registers fn for every change of the view. fn runs with the
// aggregator locked and must not call back into it.
func (a *Aggregator) OnChange(fn func(Snapshot)) func() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nextID++
	id := a.nextID
	a.listeners[id] = fn
	return func() {
		a.mu.Lock()
		delete(a.listeners, id)
		a.mu.Unlock()
	}
}

func (a *Aggregator) emit() {
	if len(a.listeners) == 0 {
		return
	}
	snap := a.snapshot()
	for _, fn := range a.listeners {
		fn(snap)
	}
}
