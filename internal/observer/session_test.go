package observer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"leetbuddy/internal/kv"
	"leetbuddy/internal/messaging"
	"leetbuddy/internal/problem"
)

// recorder collects sent messages.
type recorder struct {
	mu   sync.Mutex
	msgs []messaging.Message
	err  error
}

func (r *recorder) Send(_ context.Context, msg messaging.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
	return r.err
}

func (r *recorder) all() []messaging.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]messaging.Message(nil), r.msgs...)
}

func (r *recorder) ofType(t messaging.Type) []messaging.Message {
	var out []messaging.Message
	for _, m := range r.all() {
		if m.Type == t {
			out = append(out, m)
		}
	}
	return out
}

// stubFetcher answers from a table and counts calls.
type stubFetcher struct {
	mu    sync.Mutex
	calls map[string]int
	resp  map[string]problem.Metadata
	err   error
	gate  chan struct{} // when set, each call waits for a value
}

func newStubFetcher() *stubFetcher {
	return &stubFetcher{
		calls: make(map[string]int),
		resp: map[string]problem.Metadata{
			"two-sum": {Slug: "two-sum", Title: "Two Sum", Difficulty: problem.DifficultyEasy, Tags: []string{"Array", "Hash Table"}},
			"3sum":    {Slug: "3sum", Title: "3Sum", Difficulty: problem.DifficultyMedium, Tags: []string{"Array"}},
		},
	}
}

func (f *stubFetcher) Fetch(ctx context.Context, slug string, _ Auth) (problem.Metadata, error) {
	f.mu.Lock()
	f.calls[slug]++
	gate := f.gate
	err := f.err
	meta := f.resp[slug]
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return problem.Metadata{}, ctx.Err()
		}
	}
	if err != nil {
		return problem.Metadata{}, err
	}
	return meta, nil
}

func (f *stubFetcher) count(slug string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[slug]
}

type harness struct {
	session *Session
	fetcher *stubFetcher
	sent    *recorder
	store   *kv.Memory
	sched   *fakeScheduler
	now     time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		fetcher: newStubFetcher(),
		sent:    &recorder{},
		store:   kv.NewMemory(),
		sched:   &fakeScheduler{},
		now:     time.UnixMilli(1_700_000_000_000),
	}
	h.session = NewSession("tab-1", h.fetcher, h.sent, h.store,
		WithAfterFunc(h.sched.AfterFunc),
		WithClock(func() time.Time { return h.now }),
	)
	t.Cleanup(h.session.Close)
	return h
}

// visit loads url and waits until the session has no fetch in flight.
func (h *harness) visit(t *testing.T, url string) {
	t.Helper()
	h.session.Load(Page{URL: url, Title: "Two Sum - LeetCode", Cookie: "csrftoken=tok"})
	require.Eventually(t, func() bool { return h.session.State().InFlight == 0 }, time.Second, time.Millisecond)
}

func (h *harness) stored(t *testing.T) (problem.Current, bool) {
	t.Helper()
	var cur problem.Current
	ok, err := kv.GetJSON(context.Background(), h.store, problem.CurrentKey, &cur)
	require.NoError(t, err)
	return cur, ok
}

func TestSessionFreshVisitPublishesAndStores(t *testing.T) {
	h := newHarness(t)
	h.visit(t, "https://leetcode.com/problems/two-sum/description/")

	msgs := h.sent.ofType(messaging.TypeProblemMetadata)
	require.Len(t, msgs, 1)
	assert.Equal(t, "two-sum", msgs[0].Slug)
	assert.Equal(t, "Two Sum", msgs[0].Title)
	assert.Equal(t, problem.DifficultyEasy, msgs[0].Difficulty)
	assert.Equal(t, []string{"Array", "Hash Table"}, msgs[0].Tags)
	assert.Equal(t, h.now.UnixMilli(), msgs[0].StartAt)
	assert.Equal(t, "tab-1", msgs[0].Tab)

	cur, ok := h.stored(t)
	require.True(t, ok)
	assert.Equal(t, "two-sum", cur.Slug)
	assert.Equal(t, h.now.UnixMilli(), cur.StartAt)
}

func TestSessionMutationsOnSameProblemAreQuiet(t *testing.T) {
	h := newHarness(t)
	h.visit(t, "/problems/two-sum/")
	for i := 0; i < 10; i++ {
		h.visit(t, "/problems/two-sum/editorial/")
	}
	assert.Equal(t, 1, h.fetcher.count("two-sum"))
	assert.Len(t, h.sent.all(), 1)
}

func TestSessionNavigateAwayAndBack(t *testing.T) {
	h := newHarness(t)
	h.visit(t, "/problems/two-sum/")

	h.visit(t, "/problemset/all/")
	assert.Len(t, h.sent.ofType(messaging.TypeProblemCleared), 1)
	_, ok := h.stored(t)
	assert.False(t, ok)

	h.now = h.now.Add(time.Minute)
	h.visit(t, "/problems/two-sum/")

	assert.Equal(t, 2, h.fetcher.count("two-sum"), "re-entry must bypass the cache")
	msgs := h.sent.ofType(messaging.TypeProblemMetadata)
	require.Len(t, msgs, 2)
	assert.Equal(t, h.now.UnixMilli(), msgs[1].StartAt, "re-entry resets the clock")
}

func TestSessionSwitchingProblemsUsesCache(t *testing.T) {
	h := newHarness(t)
	h.visit(t, "/problems/two-sum/")
	h.visit(t, "/problems/3sum/")
	h.visit(t, "/problems/two-sum/")

	assert.Equal(t, 1, h.fetcher.count("two-sum"))
	assert.Equal(t, 1, h.fetcher.count("3sum"))
	assert.Len(t, h.sent.ofType(messaging.TypeProblemMetadata), 3)
}

func TestSessionKeepsStoredStartAt(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, kv.SetJSON(context.Background(), h.store, problem.CurrentKey, problem.Current{
		Metadata: problem.Metadata{Slug: "two-sum", Title: "Two Sum"},
		StartAt:  42,
	}))

	h.visit(t, "/problems/two-sum/")
	cur, ok := h.stored(t)
	require.True(t, ok)
	assert.Equal(t, int64(42), cur.StartAt)
	assert.Equal(t, int64(42), h.sent.ofType(messaging.TypeProblemMetadata)[0].StartAt)
}

func TestSessionFallsBackOnFetchFailure(t *testing.T) {
	h := newHarness(t)
	h.fetcher.err = ErrFetchFailed
	h.visit(t, "/problems/two-sum/")

	msgs := h.sent.ofType(messaging.TypeProblemMetadata)
	require.Len(t, msgs, 1)
	assert.Equal(t, "Two Sum", msgs[0].Title)
	assert.Equal(t, problem.DifficultyUnknown, msgs[0].Difficulty)
	assert.Equal(t, []string{problem.UnknownTag}, msgs[0].Tags)

	// Fallbacks are not cached.
	h.fetcher.err = nil
	h.visit(t, "/problems/3sum/")
	h.visit(t, "/problems/two-sum/")
	assert.Equal(t, 2, h.fetcher.count("two-sum"))
}

func TestSessionDiscardsStaleFetch(t *testing.T) {
	h := newHarness(t)
	h.fetcher.gate = make(chan struct{})

	h.session.Load(Page{URL: "/problems/two-sum/"})
	require.Eventually(t, func() bool { return h.fetcher.count("two-sum") == 1 }, time.Second, time.Millisecond)

	h.session.Load(Page{URL: "/problems/3sum/"})
	require.Eventually(t, func() bool { return h.fetcher.count("3sum") == 1 }, time.Second, time.Millisecond)

	close(h.fetcher.gate)
	require.Eventually(t, func() bool { return h.session.State().InFlight == 0 }, time.Second, time.Millisecond)

	msgs := h.sent.ofType(messaging.TypeProblemMetadata)
	require.Len(t, msgs, 1)
	assert.Equal(t, "3sum", msgs[0].Slug)
	assert.Equal(t, "3sum", h.session.State().LastEmitted)
}

func TestSessionSubmissionDedup(t *testing.T) {
	h := newHarness(t)
	page := Page{URL: "/problems/two-sum/submissions/123456/", ResultText: "Accepted"}
	for i := 0; i < 5; i++ {
		h.session.Load(page)
	}
	require.Eventually(t, func() bool { return h.session.State().InFlight == 0 }, time.Second, time.Millisecond)

	accepted := h.sent.ofType(messaging.TypeSubmissionAccepted)
	require.Len(t, accepted, 1)
	assert.Equal(t, "two-sum", accepted[0].Slug)
	assert.Equal(t, "123456", accepted[0].SubmissionID)
	assert.Equal(t, h.now.UnixMilli(), accepted[0].At)

	h.session.Load(Page{URL: "/problems/two-sum/submissions/777/", ResultText: "Wrong Answer"})
	h.session.Load(Page{URL: "/problems/two-sum/submissions/888/", ResultText: ""})
	h.session.Load(Page{URL: "/problems/two-sum/submissions/999/", ResultText: "Accepted"})
	assert.Len(t, h.sent.ofType(messaging.TypeSubmissionAccepted), 2)
}

func TestSessionDebouncesNotifications(t *testing.T) {
	h := newHarness(t)
	for i := 0; i < 30; i++ {
		h.session.Notify(Page{URL: "/problems/two-sum/"})
	}
	assert.Equal(t, 0, h.fetcher.count("two-sum"))
	assert.Equal(t, 1, h.sched.Fire())
	require.Eventually(t, func() bool { return len(h.sent.all()) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, 1, h.fetcher.count("two-sum"))
}

func TestSessionSurvivesSendFailures(t *testing.T) {
	h := newHarness(t)
	h.sent.err = errors.New("extension context invalidated")
	h.visit(t, "/problems/two-sum/")
	h.visit(t, "/")
	assert.Len(t, h.sent.all(), 2)
}

func TestSessionCloseStopsWork(t *testing.T) {
	h := newHarness(t)
	h.fetcher.gate = make(chan struct{})
	h.session.Load(Page{URL: "/problems/two-sum/"})
	require.Eventually(t, func() bool { return h.fetcher.count("two-sum") == 1 }, time.Second, time.Millisecond)

	h.session.Close()
	h.session.Load(Page{URL: "/"})
	assert.Empty(t, h.sent.all())
}

func TestCurrentProblemResponder(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemory()
	respond := CurrentProblemResponder(store)

	reply, err := respond(ctx, messaging.GetCurrentProblem())
	require.NoError(t, err)
	assert.Equal(t, messaging.TypeProblemCleared, reply.Type)

	require.NoError(t, kv.SetJSON(ctx, store, problem.CurrentKey, problem.Current{
		Metadata: problem.Metadata{Slug: "two-sum", Title: "Two Sum"},
		StartAt:  7,
	}))
	reply, err = respond(ctx, messaging.GetCurrentProblem())
	require.NoError(t, err)
	assert.Equal(t, messaging.TypeProblemMetadata, reply.Type)
	assert.Equal(t, int64(7), reply.StartAt)
}

func TestTabs(t *testing.T) {
	store := kv.NewMemory()
	tabs := NewTabs(func(tab string) *Session {
		return NewSession(tab, newStubFetcher(), &recorder{}, store)
	}, nil)

	a, created := tabs.Attach("a")
	assert.True(t, created)
	again, created := tabs.Attach("a")
	assert.Same(t, a, again)
	assert.False(t, created)
	generated, created := tabs.Attach("")
	assert.True(t, created)
	assert.NotEmpty(t, generated.Tab())
	assert.Len(t, tabs.List(), 2)

	_, ok := tabs.Get("a")
	assert.True(t, ok)
	tabs.Detach("a")
	_, ok = tabs.Get("a")
	assert.False(t, ok)

	tabs.CloseAll()
	assert.Empty(t, tabs.List())
}
