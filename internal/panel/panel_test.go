package panel

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"leetbuddy/internal/kv"
	"leetbuddy/internal/ledger"
	"leetbuddy/internal/messaging"
	"leetbuddy/internal/metrics"
	"leetbuddy/internal/problem"
)

const t0 = int64(1_700_000_000_000)

type resetRecorder struct {
	mu     sync.Mutex
	resets []*problem.Current
}

func (r *resetRecorder) Reset(cur *problem.Current) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resets = append(r.resets, cur)
}

func (r *resetRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.resets)
}

type fixture struct {
	store   kv.Store
	ledger  *ledger.Ledger
	metrics *metrics.Metrics
	deps    *resetRecorder
	agg     *Aggregator
	now     time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:   kv.NewMemory(),
		metrics: metrics.New("test"),
		deps:    &resetRecorder{},
		now:     time.UnixMilli(t0 + 400_000),
	}
	f.ledger = ledger.New(f.store)
	f.agg = New(f.store, f.ledger,
		WithMetrics(f.metrics),
		WithDependents(f.deps),
		WithClock(func() time.Time { return f.now }))
	return f
}

func twoSum(startAt int64) problem.Current {
	return problem.Current{
		Metadata: problem.Metadata{
			Slug:       "two-sum",
			Title:      "Two Sum",
			Difficulty: problem.DifficultyEasy,
			Tags:       []string{"Array", "Hash Table"},
		},
		StartAt: startAt,
	}
}

func (f *fixture) opened(source problem.Source) float64 {
	return testutil.ToFloat64(f.metrics.SaveFlowsOpened.WithLabelValues(string(source)))
}

func TestStraightforwardSolve(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	f.agg.Handle(ctx, messaging.ProblemMetadata(twoSum(t0)))
	require.NotNil(t, f.agg.Current())
	assert.Equal(t, 1, f.deps.count())

	f.agg.Handle(ctx, messaging.SubmissionAccepted("two-sum", "123456", t0+300_000))
	flow := f.agg.Flow()
	require.True(t, flow.Open())
	assert.Equal(t, int64(300), flow.ElapsedSec)
	assert.Equal(t, problem.SourceAuto, flow.Source)
	assert.Equal(t, "123456", flow.SubmissionID)
	assert.Nil(t, flow.PrevElapsedSec)

	rec, ok := f.agg.Confirm(ctx, 250)
	require.True(t, ok)
	assert.Equal(t, "123456", rec.SubmissionID)

	history, err := f.ledger.History(ctx, "two-sum")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, int64(250), history[0].ElapsedSec)
	assert.Equal(t, problem.SourceAuto, history[0].Source)
	assert.Equal(t, "123456", history[0].SubmissionID)
	assert.Equal(t, "Two Sum", history[0].Problem.Title)
	assert.Equal(t, f.now.UnixMilli(), history[0].At)

	snap := f.agg.Snapshot()
	assert.False(t, snap.Flow.Open())
	assert.Equal(t, uint64(1), snap.ResetTick)
}

func TestElapsedTime(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.agg.Handle(ctx, messaging.ProblemMetadata(twoSum(t0)))
	f.agg.Handle(ctx, messaging.SubmissionAccepted("two-sum", "1", t0+305_000))
	assert.Equal(t, int64(305), f.agg.Flow().ElapsedSec)

	assert.Equal(t, int64(0), ElapsedSec(0, t0))
	assert.Equal(t, int64(0), ElapsedSec(t0, t0-5000))
	assert.Equal(t, int64(1), ElapsedSec(t0, t0+1999))
}

func TestDuplicateAcceptance(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.agg.Handle(ctx, messaging.ProblemMetadata(twoSum(t0)))

	f.agg.Handle(ctx, messaging.SubmissionAccepted("two-sum", "123456", t0+300_000))
	f.agg.Handle(ctx, messaging.SubmissionAccepted("two-sum", "123456", t0+300_500))
	assert.Equal(t, float64(1), f.opened(problem.SourceAuto))

	_, ok := f.agg.Confirm(ctx, 300)
	require.True(t, ok)

	// Delivered again after it was recorded.
	f.agg.Handle(ctx, messaging.SubmissionAccepted("two-sum", "123456", t0+301_000))
	assert.False(t, f.agg.Flow().Open())
	assert.Equal(t, float64(1), f.opened(problem.SourceAuto))
}

func TestPreviousAttemptOffered(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.ledger.Append(ctx, "two-sum", problem.Record{SubmissionID: "old", At: t0 - 1, ElapsedSec: 900}))

	f.agg.Handle(ctx, messaging.ProblemMetadata(twoSum(t0)))
	f.agg.Handle(ctx, messaging.SubmissionAccepted("two-sum", "new", t0+60_000))
	flow := f.agg.Flow()
	require.NotNil(t, flow.PrevElapsedSec)
	assert.Equal(t, int64(900), *flow.PrevElapsedSec)
}

func TestAcceptanceForOtherProblemIgnored(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	f.agg.Handle(ctx, messaging.SubmissionAccepted("two-sum", "1", t0))
	assert.False(t, f.agg.Flow().Open())

	f.agg.Handle(ctx, messaging.ProblemMetadata(twoSum(t0)))
	f.agg.Handle(ctx, messaging.SubmissionAccepted("3sum", "1", t0+1000))
	assert.False(t, f.agg.Flow().Open())
}

func TestMissingStartAtReadsStore(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.agg.Handle(ctx, messaging.ProblemMetadata(twoSum(0)))

	f.agg.Handle(ctx, messaging.SubmissionAccepted("two-sum", "a", t0+10_000))
	assert.Equal(t, int64(0), f.agg.Flow().ElapsedSec)
	f.agg.Cancel()

	require.NoError(t, kv.SetJSON(ctx, f.store, problem.CurrentKey, twoSum(t0)))
	f.agg.Handle(ctx, messaging.SubmissionAccepted("two-sum", "b", t0+42_000))
	assert.Equal(t, int64(42), f.agg.Flow().ElapsedSec)
}

func TestSameSlugMergesWithoutReset(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.agg.Handle(ctx, messaging.ProblemMetadata(twoSum(t0)))

	refresh := problem.Current{Metadata: problem.Metadata{Slug: "two-sum", Title: "Two Sum (new)"}, StartAt: t0 + 5000}
	f.agg.Handle(ctx, messaging.ProblemMetadata(refresh))

	cur := f.agg.Current()
	require.NotNil(t, cur)
	assert.Equal(t, "Two Sum (new)", cur.Title)
	assert.Equal(t, problem.DifficultyEasy, cur.Difficulty)
	assert.Equal(t, []string{"Array", "Hash Table"}, cur.Tags)
	assert.Equal(t, t0, cur.StartAt)
	assert.Equal(t, 1, f.deps.count())

	other := problem.Current{Metadata: problem.Metadata{Slug: "3sum", Title: "3Sum"}, StartAt: t0 + 9000}
	f.agg.Handle(ctx, messaging.ProblemMetadata(other))
	assert.Equal(t, "3sum", f.agg.Current().Slug)
	assert.Equal(t, 2, f.deps.count())
}

func TestNavigateAwayAndBack(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.agg.Handle(ctx, messaging.ProblemMetadata(twoSum(t0)))
	f.agg.Handle(ctx, messaging.ProblemCleared())
	assert.Nil(t, f.agg.Current())
	assert.Equal(t, 2, f.deps.count())
	assert.Nil(t, f.deps.resets[1])

	f.agg.Handle(ctx, messaging.ProblemMetadata(twoSum(t0+60_000)))
	cur := f.agg.Current()
	require.NotNil(t, cur)
	assert.Equal(t, t0+60_000, cur.StartAt)
	assert.Equal(t, 3, f.deps.count())
}

func TestConfirmWithoutProblemIsNoop(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.agg.Handle(ctx, messaging.ProblemMetadata(twoSum(t0)))
	f.agg.Handle(ctx, messaging.SubmissionAccepted("two-sum", "1", t0+1000))
	f.agg.Handle(ctx, messaging.ProblemCleared())

	assert.True(t, f.agg.Flow().Open(), "clearing does not close the modal")
	_, ok := f.agg.Confirm(ctx, 10)
	assert.False(t, ok)
	f.agg.Cancel()
	assert.False(t, f.agg.Flow().Open())

	all, err := f.ledger.AllHistories(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestConfirmWithoutOpenFlowIsNoop(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.agg.Handle(ctx, messaging.ProblemMetadata(twoSum(t0)))
	_, ok := f.agg.Confirm(ctx, 10)
	assert.False(t, ok)
	assert.Equal(t, uint64(0), f.agg.Snapshot().ResetTick)
}

func TestManualStopAndSave(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	f.agg.StopAndSave(ctx, 120)
	assert.False(t, f.agg.Flow().Open())

	f.agg.Handle(ctx, messaging.ProblemMetadata(twoSum(t0)))
	f.agg.StopAndSave(ctx, 120)
	flow := f.agg.Flow()
	require.True(t, flow.Open())
	assert.Equal(t, problem.SourceManual, flow.Source)
	assert.Empty(t, flow.SubmissionID)
	assert.Equal(t, float64(1), f.opened(problem.SourceManual))

	rec, ok := f.agg.Confirm(ctx, 130)
	require.True(t, ok)
	assert.Equal(t, "manual-1700000400000", rec.SubmissionID)
	assert.Equal(t, problem.SourceManual, rec.Source)

	f.now = f.now.Add(time.Second)
	f.agg.StopAndSave(ctx, 60)
	flow = f.agg.Flow()
	require.NotNil(t, flow.PrevElapsedSec)
	assert.Equal(t, int64(130), *flow.PrevElapsedSec)
}

func TestBootstrap(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	require.NoError(t, kv.SetJSON(ctx, f.store, problem.CurrentKey, problem.Current{Metadata: problem.Metadata{Slug: "x"}}))
	require.NoError(t, f.agg.Bootstrap(ctx))
	assert.Nil(t, f.agg.Current(), "an entry without a title is ignored")

	require.NoError(t, kv.SetJSON(ctx, f.store, problem.CurrentKey, twoSum(t0)))
	require.NoError(t, f.agg.Bootstrap(ctx))
	cur := f.agg.Current()
	require.NotNil(t, cur)
	assert.Equal(t, "two-sum", cur.Slug)
	assert.Equal(t, t0, cur.StartAt)
	assert.Equal(t, 1, f.deps.count())

	require.NoError(t, f.agg.Bootstrap(ctx))
	assert.Equal(t, 1, f.deps.count())
}

func TestStartFollowsBus(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	bus := messaging.NewBus()
	defer bus.Close()

	var mu sync.Mutex
	var snaps []Snapshot
	unsub := f.agg.OnChange(func(s Snapshot) {
		mu.Lock()
		snaps = append(snaps, s)
		mu.Unlock()
	})
	defer unsub()

	require.NoError(t, f.agg.Start(ctx, bus))
	require.NoError(t, bus.Send(ctx, messaging.ProblemMetadata(twoSum(t0))))
	require.NoError(t, bus.Send(ctx, messaging.SubmissionAccepted("two-sum", "9", t0+2000)))

	require.Eventually(t, func() bool { return f.agg.Flow().Open() }, time.Second, time.Millisecond)
	mu.Lock()
	assert.Len(t, snaps, 2)
	assert.Equal(t, "two-sum", snaps[0].Current.Slug)
	mu.Unlock()

	f.agg.Close()
	assert.ErrorIs(t, bus.Send(ctx, messaging.ProblemCleared()), messaging.ErrNoReceiver)
}

// slowStore holds Get until released so a live message can land while the
// aggregator is reading.
type slowStore struct {
	kv.Store
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (s *slowStore) Get(ctx context.Context, keys ...string) (map[string]json.RawMessage, error) {
	s.once.Do(func() {
		close(s.entered)
		<-s.release
	})
	return s.Store.Get(ctx, keys...)
}

func TestStartLiveMessageBeatsBootstrap(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, kv.SetJSON(ctx, f.store, problem.CurrentKey, twoSum(t0)))

	store := &slowStore{Store: f.store, entered: make(chan struct{}), release: make(chan struct{})}
	agg := New(store, f.ledger)
	bus := messaging.NewBus()
	defer bus.Close()
	defer agg.Close()

	started := make(chan error, 1)
	go func() { started <- agg.Start(ctx, bus) }()
	<-store.entered

	threeSum := problem.Current{Metadata: problem.Metadata{Slug: "3sum", Title: "3Sum"}, StartAt: t0 + 5000}
	require.NoError(t, bus.Send(ctx, messaging.ProblemMetadata(threeSum)))
	require.Eventually(t, func() bool {
		cur := agg.Current()
		return cur != nil && cur.Slug == "3sum"
	}, time.Second, time.Millisecond)

	close(store.release)
	require.NoError(t, <-started)
	cur := agg.Current()
	require.NotNil(t, cur)
	assert.Equal(t, "3sum", cur.Slug)
}

func TestStartClearedDuringBootstrap(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, kv.SetJSON(ctx, f.store, problem.CurrentKey, twoSum(t0)))

	store := &slowStore{Store: f.store, entered: make(chan struct{}), release: make(chan struct{})}
	agg := New(store, f.ledger)
	bus := messaging.NewBus()
	defer bus.Close()
	defer agg.Close()

	started := make(chan error, 1)
	go func() { started <- agg.Start(ctx, bus) }()
	<-store.entered

	require.NoError(t, bus.Send(ctx, messaging.ProblemMetadata(problem.Current{
		Metadata: problem.Metadata{Slug: "3sum", Title: "3Sum"},
	})))
	require.Eventually(t, func() bool { return agg.Current() != nil }, time.Second, time.Millisecond)
	require.NoError(t, bus.Send(ctx, messaging.ProblemCleared()))
	require.Eventually(t, func() bool { return agg.Current() == nil }, time.Second, time.Millisecond)

	close(store.release)
	require.NoError(t, <-started)
	assert.Nil(t, agg.Current())
}
