// Package ledger is the durable per-problem submission history.
//
// Each problem's attempts are stored as a JSON array under
// "submissions::<slug>" in the shared store. Earlier releases stored a single
// record per slug; those entries are migrated in place the first time any
// read path touches them. The store has no read-modify-write primitive, so
// every operation on a slug runs through a per-slug FIFO queue.
//
// Store failures are logged and swallowed: reads degrade to empty histories
// and writes are best-effort once issued. Only invalid input and context
// cancellation are returned as errors.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync/atomic"

	"leetbuddy/internal/kv"
	"leetbuddy/internal/metrics"
	"leetbuddy/internal/problem"
)

const (
	// KeyPrefix prefixes every history key.
	KeyPrefix = "submissions::"
	// VersionKey holds the storage layout marker.
	VersionKey = "submissions_schema_version"

	SchemaLegacy  = 1
	SchemaCurrent = 2
)

var (
	ErrInvalidSlug   = errors.New("ledger: empty slug")
	ErrInvalidRecord = errors.New("ledger: record has no submission id")
)

// Key returns the store key for slug's history.
func Key(slug string) string {
	return KeyPrefix + slug
}

// SlugFromKey returns the slug for a history key.
func SlugFromKey(key string) (string, bool) {
	if !strings.HasPrefix(key, KeyPrefix) {
		return "", false
	}
	slug := strings.TrimPrefix(key, KeyPrefix)
	return slug, slug != ""
}

// Ledger reads and appends submission histories.
type Ledger struct {
	store      kv.Store
	logger     *slog.Logger
	metrics    *metrics.Metrics
	maxRecords int

	queue      *slugQueue
	versionSet atomic.Bool
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithLogger sets the logger for swallowed store errors.
func WithLogger(l *slog.Logger) Option {
	return func(lg *Ledger) {
		if l != nil {
			lg.logger = l
		}
	}
}

// WithMetrics enables append and migration counters.
func WithMetrics(m *metrics.Metrics) Option {
	return func(lg *Ledger) { lg.metrics = m }
}

// WithMaxRecords caps each history to the newest n records. Zero keeps
// everything.
func WithMaxRecords(n int) Option {
	return func(lg *Ledger) {
		if n > 0 {
			lg.maxRecords = n
		}
	}
}

// New returns a Ledger over store.
func New(store kv.Store, opts ...Option) *Ledger {
	l := &Ledger{
		store:  store,
		logger: slog.Default(),
		queue:  newSlugQueue(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Append adds rec to the end of slug's history, creating it if absent. A
// record whose submission id is already present leaves the history
// unchanged. Concurrent appends for the same slug are applied in call order.
func (l *Ledger) Append(ctx context.Context, slug string, rec problem.Record) error {
	if slug == "" {
		return ErrInvalidSlug
	}
	if rec.SubmissionID == "" {
		return ErrInvalidRecord
	}

	release, err := l.queue.acquire(ctx, slug)
	if err != nil {
		return err
	}
	defer release()

	key := Key(slug)
	items, err := l.store.Get(ctx, key, VersionKey)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		// Writing now could clobber records we failed to read.
		l.logger.Error("read history for append", "slug", slug, "error", err)
		l.metrics.RecordAppend(metrics.AppendFailed)
		return nil
	}

	history, _ := decodeHistory(items[key])
	for _, existing := range history {
		if existing.SubmissionID == rec.SubmissionID {
			l.metrics.RecordAppend(metrics.AppendDuplicate)
			return nil
		}
	}
	history = append(history, rec)
	if l.maxRecords > 0 && len(history) > l.maxRecords {
		history = history[len(history)-l.maxRecords:]
	}

	write := map[string]any{key: history}
	l.addVersionMarker(write, items)
	if err := l.store.Set(ctx, write); err != nil {
		l.logger.Error("write history", "slug", slug, "error", err)
		l.metrics.RecordAppend(metrics.AppendFailed)
		return nil
	}
	l.versionSet.Store(true)
	l.metrics.RecordAppend(metrics.AppendWritten)
	return nil
}

// Save is the single-record name for Append.
func (l *Ledger) Save(ctx context.Context, slug string, rec problem.Record) error {
	return l.Append(ctx, slug, rec)
}

// History returns slug's records oldest first. A legacy single-record entry
// is rewritten as a one-element list before returning.
func (l *Ledger) History(ctx context.Context, slug string) ([]problem.Record, error) {
	if slug == "" {
		return nil, ErrInvalidSlug
	}

	release, err := l.queue.acquire(ctx, slug)
	if err != nil {
		return nil, err
	}
	defer release()

	key := Key(slug)
	items, err := l.store.Get(ctx, key, VersionKey)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		l.logger.Error("read history", "slug", slug, "error", err)
		return []problem.Record{}, nil
	}

	history, legacy := decodeHistory(items[key])
	write := make(map[string]any, 2)
	if legacy {
		write[key] = history
	}
	l.addVersionMarker(write, items)
	if len(write) > 0 {
		if err := l.store.Set(ctx, write); err != nil {
			l.logger.Error("write migrated history", "slug", slug, "error", err)
		} else {
			l.versionSet.Store(true)
			if legacy {
				l.metrics.RecordMigrations(1)
				l.logger.Debug("migrated legacy history", "slug", slug)
			}
		}
	}
	return history, nil
}

// Latest returns the most recently appended record for slug.
func (l *Ledger) Latest(ctx context.Context, slug string) (problem.Record, bool, error) {
	history, err := l.History(ctx, slug)
	if err != nil || len(history) == 0 {
		return problem.Record{}, false, err
	}
	return history[len(history)-1], true, nil
}

// AllHistories returns every known slug's history. Legacy entries found along
// the way are migrated in a single batched write.
func (l *Ledger) AllHistories(ctx context.Context) (map[string][]problem.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	all, err := l.store.GetAll(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		l.logger.Error("read all histories", "error", err)
		return map[string][]problem.Record{}, nil
	}

	out := make(map[string][]problem.Record)
	var legacySlugs []string
	for key, raw := range all {
		slug, ok := SlugFromKey(key)
		if !ok {
			continue
		}
		history, legacy := decodeHistory(raw)
		if legacy {
			legacySlugs = append(legacySlugs, slug)
		}
		out[slug] = history
	}

	if len(legacySlugs) > 0 {
		if err := l.migrate(ctx, legacySlugs, out); err != nil {
			return nil, err
		}
	} else if !l.versionSet.Load() {
		write := make(map[string]any, 1)
		l.addVersionMarker(write, all)
		if len(write) > 0 {
			if err := l.store.Set(ctx, write); err != nil {
				l.logger.Error("write schema version", "error", err)
			} else {
				l.versionSet.Store(true)
			}
		}
	}
	return out, nil
}

// migrate converts the named legacy entries under their slug locks, re-reading
// them first since another operation may have handled them in the meantime.
// out is updated with the final histories.
func (l *Ledger) migrate(ctx context.Context, slugs []string, out map[string][]problem.Record) error {
	release, err := l.queue.acquireAll(ctx, slugs)
	if err != nil {
		return err
	}
	defer release()

	keys := make([]string, 0, len(slugs)+1)
	for _, slug := range slugs {
		keys = append(keys, Key(slug))
	}
	keys = append(keys, VersionKey)

	items, err := l.store.Get(ctx, keys...)
	if err != nil {
		l.logger.Error("re-read legacy histories", "error", err)
		return nil
	}

	write := make(map[string]any, len(keys))
	migrated := 0
	for _, slug := range slugs {
		raw, ok := items[Key(slug)]
		if !ok {
			delete(out, slug)
			continue
		}
		history, legacy := decodeHistory(raw)
		out[slug] = history
		if legacy {
			write[Key(slug)] = history
			migrated++
		}
	}
	l.addVersionMarker(write, items)
	if len(write) == 0 {
		return nil
	}
	if err := l.store.Set(ctx, write); err != nil {
		l.logger.Error("write migrated histories", "count", migrated, "error", err)
		return nil
	}
	l.versionSet.Store(true)
	l.metrics.RecordMigrations(migrated)
	if migrated > 0 {
		l.logger.Info("migrated legacy histories", "count", migrated)
	}
	return nil
}

// AllLatest returns the newest record of every non-empty history.
func (l *Ledger) AllLatest(ctx context.Context) (map[string]problem.Record, error) {
	all, err := l.AllHistories(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]problem.Record, len(all))
	for slug, history := range all {
		if len(history) > 0 {
			out[slug] = history[len(history)-1]
		}
	}
	return out, nil
}

// Clear deletes slug's history, or every history in either layout when slug
// is empty. The schema marker is kept.
func (l *Ledger) Clear(ctx context.Context, slug string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if slug != "" {
		release, err := l.queue.acquire(ctx, slug)
		if err != nil {
			return err
		}
		defer release()
		if err := l.store.Remove(ctx, Key(slug)); err != nil {
			l.logger.Error("clear history", "slug", slug, "error", err)
		}
		return nil
	}

	all, err := l.store.GetAll(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		l.logger.Error("list histories for clear", "error", err)
		return nil
	}
	var slugs, keys []string
	for key := range all {
		if s, ok := SlugFromKey(key); ok {
			slugs = append(slugs, s)
			keys = append(keys, key)
		} else if strings.HasPrefix(key, KeyPrefix) {
			keys = append(keys, key)
		}
	}
	if len(keys) == 0 {
		return nil
	}

	release, err := l.queue.acquireAll(ctx, slugs)
	if err != nil {
		return err
	}
	defer release()
	if err := l.store.Remove(ctx, keys...); err != nil {
		l.logger.Error("clear all histories", "count", len(keys), "error", err)
	}
	return nil
}

// SchemaVersion returns the persisted layout marker, SchemaLegacy when none
// has been written.
func (l *Ledger) SchemaVersion(ctx context.Context) int {
	var v int
	ok, err := kv.GetJSON(ctx, l.store, VersionKey, &v)
	if err != nil {
		l.logger.Warn("read schema version", "error", err)
	}
	if !ok || v < SchemaLegacy {
		return SchemaLegacy
	}
	return v
}

// addVersionMarker adds the current layout marker to write unless items
// shows it is already persisted. The marker is never lowered.
func (l *Ledger) addVersionMarker(write map[string]any, items map[string]json.RawMessage) {
	if l.versionSet.Load() {
		return
	}
	if raw, ok := items[VersionKey]; ok {
		var v int
		if json.Unmarshal(raw, &v) == nil && v >= SchemaCurrent {
			l.versionSet.Store(true)
			return
		}
	}
	write[VersionKey] = SchemaCurrent
}

// decodeHistory normalizes a stored value. A JSON array is the current
// layout; entries without a submission id are dropped. A single object with
// a submission id is a legacy entry. Anything else is an empty history.
func decodeHistory(raw json.RawMessage) (history []problem.Record, legacy bool) {
	history = []problem.Record{}
	if len(raw) == 0 {
		return history, false
	}

	var elems []json.RawMessage
	if err := json.Unmarshal(raw, &elems); err == nil {
		for _, e := range elems {
			var rec problem.Record
			if json.Unmarshal(e, &rec) != nil || rec.SubmissionID == "" {
				continue
			}
			history = append(history, rec)
		}
		return history, false
	}

	var rec problem.Record
	if err := json.Unmarshal(raw, &rec); err == nil && rec.SubmissionID != "" {
		return append(history, rec), true
	}
	return history, false
}
