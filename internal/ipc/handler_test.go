package ipc

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"leetbuddy/internal/background"
	"leetbuddy/internal/chat"
	"leetbuddy/internal/kv"
	"leetbuddy/internal/ledger"
	"leetbuddy/internal/messaging"
	"leetbuddy/internal/observer"
	"leetbuddy/internal/panel"
	"leetbuddy/internal/problem"
)

const t0 = int64(1_700_000_000_000)

type daemonFixture struct {
	store  *kv.Memory
	ledger *ledger.Ledger
	agg    *panel.Aggregator
	bus    *messaging.Bus
	tabs   *observer.Tabs
	srv    *Server
	client *IPCClient
	nowMs  atomic.Int64
}

func newDaemonFixture(t *testing.T) *daemonFixture {
	t.Helper()
	ctx := context.Background()
	f := &daemonFixture{store: kv.NewMemory()}
	f.nowMs.Store(t0)
	clock := func() time.Time { return time.UnixMilli(f.nowMs.Load()) }

	f.ledger = ledger.New(f.store)
	f.bus = messaging.NewBus()
	mgr := chat.NewManager(chat.ModelFunc(func(context.Context, chat.Request) (string, error) {
		return "What would a brute force look like?", nil
	}), nil)
	f.agg = panel.New(f.store, f.ledger, panel.WithClock(clock), panel.WithDependents(mgr))
	require.NoError(t, f.agg.Start(ctx, f.bus))
	f.bus.HandleRequest(messaging.TypeGetCurrentProblem, observer.CurrentProblemResponder(f.store))

	fetcher := observer.FetcherFunc(func(_ context.Context, slug string, _ observer.Auth) (problem.Metadata, error) {
		return problem.Metadata{
			Slug:       slug,
			Title:      "Two Sum",
			Difficulty: problem.DifficultyEasy,
			Tags:       []string{"Array", "Hash Table"},
		}, nil
	})
	f.tabs = observer.NewTabs(func(tab string) *observer.Session {
		return observer.NewSession(tab, fetcher, f.bus, f.store, observer.WithClock(clock))
	}, nil)

	h := NewDaemonHandler(DaemonHandlerConfig{
		Version:     "test",
		StorageType: "memory",
		Store:       f.store,
		Tabs:        f.tabs,
		Ledger:      f.ledger,
		Panel:       f.agg,
		Bus:         f.bus,
		Chat:        mgr,
	})
	cfg := DefaultServerConfig(filepath.Join(t.TempDir(), "d.sock"))
	f.srv = NewServer(cfg, h, nil)
	h.SetServer(f.srv)
	require.NoError(t, f.srv.Start())

	ccfg := DefaultClientConfig(cfg.SocketPath)
	ccfg.RequestTimeout = 5 * time.Second
	f.client = NewClient(ccfg)
	require.NoError(t, f.client.Connect(ctx))

	t.Cleanup(func() {
		f.client.Close()
		f.srv.Stop()
		f.tabs.CloseAll()
		f.agg.Close()
		f.bus.Close()
	})
	return f
}

// openProblem attaches a tab and loads the two-sum problem page.
func (f *daemonFixture) openProblem(t *testing.T) string {
	t.Helper()
	ctx := context.Background()
	tab, err := f.client.AttachTab(ctx, "")
	require.NoError(t, err)
	require.NotEmpty(t, tab)

	ack, err := f.client.SendPage(ctx, tab, observer.Page{
		URL:   "https://leetcode.com/problems/two-sum/",
		Title: "Two Sum - LeetCode",
	}, true)
	require.NoError(t, err)
	assert.Equal(t, "two-sum", ack.Slug)

	require.Eventually(t, func() bool {
		cur := f.agg.Current()
		return cur != nil && cur.Title == "Two Sum"
	}, 2*time.Second, 10*time.Millisecond)
	return tab
}

func TestDaemonAcceptedSubmissionSaveFlow(t *testing.T) {
	f := newDaemonFixture(t)
	ctx := context.Background()
	tab := f.openProblem(t)

	f.nowMs.Store(t0 + 300_000)
	_, err := f.client.SendPage(ctx, tab, observer.Page{
		URL:        "https://leetcode.com/problems/two-sum/submissions/123/",
		ResultText: "Accepted",
	}, true)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return f.agg.Flow().Open() }, 2*time.Second, 10*time.Millisecond)

	state, err := f.client.PanelState(ctx)
	require.NoError(t, err)
	assert.Equal(t, panel.FlowModalOpen, state.Snapshot.Flow.State)
	assert.Equal(t, int64(300), state.Snapshot.Flow.ElapsedSec)
	assert.Equal(t, "123", state.Snapshot.Flow.SubmissionID)

	confirmed, err := f.client.Confirm(ctx, 250)
	require.NoError(t, err)
	require.NotNil(t, confirmed.Saved)
	assert.Equal(t, "123", confirmed.Saved.SubmissionID)
	assert.Equal(t, int64(250), confirmed.Saved.ElapsedSec)
	assert.Equal(t, panel.FlowIdle, confirmed.Snapshot.Flow.State)
	assert.Equal(t, uint64(1), confirmed.Snapshot.ResetTick)

	hist, err := f.client.History(ctx, "two-sum")
	require.NoError(t, err)
	require.Len(t, hist.Histories["two-sum"], 1)
	assert.Equal(t, "Two Sum", hist.Histories["two-sum"][0].Problem.Title)

	st, err := f.client.Stats(ctx)
	require.NoError(t, err)
	require.Len(t, st.Topics, 2)
	assert.Equal(t, 1, st.Topics[0].TotalProblems)
	assert.Equal(t, int64(250), st.Topics[0].TotalTime)
}

func TestDaemonManualSaveAndCancel(t *testing.T) {
	f := newDaemonFixture(t)
	ctx := context.Background()
	f.openProblem(t)

	resp, err := f.client.StopAndSave(ctx, 95)
	require.NoError(t, err)
	assert.True(t, resp.Snapshot.Flow.Open())
	assert.Equal(t, problem.SourceManual, resp.Snapshot.Flow.Source)

	resp, err = f.client.Cancel(ctx)
	require.NoError(t, err)
	assert.False(t, resp.Snapshot.Flow.Open())

	resp, err = f.client.Confirm(ctx, 95)
	require.NoError(t, err)
	assert.Nil(t, resp.Saved, "confirm without an open flow saves nothing")
}

func TestDaemonStatusAndRuntime(t *testing.T) {
	f := newDaemonFixture(t)
	ctx := context.Background()
	tab := f.openProblem(t)
	require.NoError(t, kv.SetJSON(ctx, f.store, background.KeyAPIKeyStatus, true))

	status, err := f.client.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, "test", status.Version)
	assert.Equal(t, []string{tab}, status.Tabs)
	assert.Equal(t, 1, status.Clients)
	require.NotNil(t, status.Current)
	assert.Equal(t, "two-sum", status.Current.Slug)
	require.NotNil(t, status.APIKeyValid)
	assert.True(t, *status.APIKeyValid)

	rt, err := f.client.SendRuntime(ctx, messaging.GetCurrentProblem())
	require.NoError(t, err)
	require.NotNil(t, rt.Reply)
	assert.Equal(t, messaging.TypeProblemMetadata, rt.Reply.Type)
	assert.Equal(t, "two-sum", rt.Reply.Slug)

	rt, err = f.client.SendRuntime(ctx, messaging.OpenSidePanel())
	require.NoError(t, err)
	assert.False(t, rt.Delivered, "nobody listens for OPEN_SIDE_PANEL here")

	err = f.client.Request(ctx, MsgRuntime, &RuntimeRequest{Message: []byte(`{"type":"NOPE"}`)}, nil)
	var e *ErrorResponse
	require.ErrorAs(t, err, &e)
	assert.Equal(t, ErrInvalidRequest, e.Code)
}

func TestDaemonChat(t *testing.T) {
	f := newDaemonFixture(t)
	ctx := context.Background()

	_, err := f.client.ChatSend(ctx, "hi")
	var e *ErrorResponse
	require.ErrorAs(t, err, &e, "no problem yet")
	assert.Equal(t, ErrNotReady, e.Code)

	f.openProblem(t)
	resp, err := f.client.ChatSend(ctx, "I'd use a hash map")
	require.NoError(t, err)
	assert.Equal(t, "two-sum", resp.Slug)
	require.NotNil(t, resp.Reply)
	assert.Equal(t, "What would a brute force look like?", resp.Reply.Text)
	assert.Len(t, resp.Turns, 3)

	resp, err = f.client.ChatHint(ctx, "pattern")
	require.NoError(t, err)
	assert.True(t, resp.Reply.Hint)

	resp, err = f.client.ChatTurns(ctx)
	require.NoError(t, err)
	assert.Nil(t, resp.Reply)
	assert.Len(t, resp.Turns, 5)
}

func TestDaemonClear(t *testing.T) {
	f := newDaemonFixture(t)
	ctx := context.Background()
	rec := problem.Record{SubmissionID: "1", At: t0, ElapsedSec: 60, Problem: problem.Metadata{Slug: "3sum", Title: "3Sum"}}
	require.NoError(t, f.ledger.Append(ctx, "3sum", rec))
	rec.Problem = problem.Metadata{Slug: "two-sum", Title: "Two Sum"}
	require.NoError(t, f.ledger.Append(ctx, "two-sum", rec))

	resp, err := f.client.Clear(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"3sum", "two-sum"}, resp.Cleared)

	hist, err := f.client.History(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, hist.Histories)
}

func TestDaemonTabOwnership(t *testing.T) {
	f := newDaemonFixture(t)
	ctx := context.Background()

	_, err := f.client.SendPage(ctx, "stranger", observer.Page{URL: "/problems/two-sum/"}, true)
	var e *ErrorResponse
	require.ErrorAs(t, err, &e)
	assert.Equal(t, ErrNotFound, e.Code)

	tab := f.openProblem(t)
	require.NoError(t, f.client.DetachTab(ctx, tab))
	assert.Empty(t, f.tabs.List())
}

func TestDaemonDisconnectDetachesTabs(t *testing.T) {
	f := newDaemonFixture(t)
	f.openProblem(t)
	require.Len(t, f.tabs.List(), 1)

	require.NoError(t, f.client.Close())
	assert.Eventually(t, func() bool { return len(f.tabs.List()) == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestDaemonTabOwnedByAttachingClient(t *testing.T) {
	f := newDaemonFixture(t)
	ctx := context.Background()
	tab := f.openProblem(t)

	again, err := f.client.AttachTab(ctx, tab)
	require.NoError(t, err, "the owner may re-attach its own tab")
	assert.Equal(t, tab, again)

	ccfg := DefaultClientConfig(f.srv.SocketPath())
	ccfg.RequestTimeout = 5 * time.Second
	other := NewClient(ccfg)
	require.NoError(t, other.Connect(ctx))

	_, err = other.AttachTab(ctx, tab)
	var e *ErrorResponse
	require.ErrorAs(t, err, &e)
	assert.Equal(t, ErrConflict, e.Code)

	_, err = other.SendPage(ctx, tab, observer.Page{URL: "/problems/3sum/"}, true)
	require.ErrorAs(t, err, &e)
	assert.Equal(t, ErrNotFound, e.Code)

	require.NoError(t, other.Close())
	require.Eventually(t, func() bool { return f.srv.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, []string{tab}, f.tabs.List())
	ack, err := f.client.SendPage(ctx, tab, observer.Page{URL: "/problems/two-sum/description/"}, false)
	require.NoError(t, err)
	assert.Equal(t, "two-sum", ack.Slug)
}
