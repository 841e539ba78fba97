package messaging

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"leetbuddy/internal/problem"
)

func TestDecodeValidMessages(t *testing.T) {
	tests := []struct {
		name string
		data string
		want Message
	}{
		{
			name: "metadata",
			data: `{"type":"PROBLEM_METADATA","slug":"two-sum","title":"Two Sum","difficulty":"Easy","tags":["Array","Hash Table"]}`,
			want: Message{Type: TypeProblemMetadata, Slug: "two-sum", Title: "Two Sum", Difficulty: problem.DifficultyEasy, Tags: []string{"Array", "Hash Table"}},
		},
		{
			name: "metadata with startAt",
			data: `{"type":"PROBLEM_METADATA","slug":"two-sum","title":"Two Sum","difficulty":"Easy","tags":["Array"],"startAt":1234567890}`,
			want: Message{Type: TypeProblemMetadata, Slug: "two-sum", Title: "Two Sum", Difficulty: problem.DifficultyEasy, Tags: []string{"Array"}, StartAt: 1234567890},
		},
		{
			name: "accepted",
			data: `{"type":"SUBMISSION_ACCEPTED","slug":"two-sum","submissionId":"123456","at":1700000000000}`,
			want: Message{Type: TypeSubmissionAccepted, Slug: "two-sum", SubmissionID: "123456", At: 1700000000000},
		},
		{
			name: "cleared",
			data: `{"type":"PROBLEM_CLEARED"}`,
			want: Message{Type: TypeProblemCleared},
		},
		{
			name: "get current problem",
			data: `{"type":"GET_CURRENT_PROBLEM","tab":"t1"}`,
			want: Message{Type: TypeGetCurrentProblem, Tab: "t1"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Decode([]byte(tt.data))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDecodeRejects(t *testing.T) {
	tests := []struct {
		name string
		data string
		want error
	}{
		{"missing slug", `{"type":"PROBLEM_METADATA","title":"Two Sum","difficulty":"Easy","tags":[]}`, ErrInvalidMessage},
		{"missing title", `{"type":"PROBLEM_METADATA","slug":"two-sum","difficulty":"Easy","tags":[]}`, ErrInvalidMessage},
		{"numeric slug", `{"type":"PROBLEM_METADATA","slug":1,"title":"x"}`, ErrInvalidMessage},
		{"string at", `{"type":"SUBMISSION_ACCEPTED","slug":"two-sum","submissionId":"1","at":"now"}`, ErrInvalidMessage},
		{"missing submission id", `{"type":"SUBMISSION_ACCEPTED","slug":"two-sum","at":1}`, ErrInvalidMessage},
		{"wrong type", `{"type":"WRONG_TYPE","slug":"two-sum","title":"Two Sum"}`, ErrUnknownType},
		{"no type", `{"slug":"two-sum"}`, ErrUnknownType},
		{"null", `null`, ErrInvalidMessage},
		{"array", `[]`, ErrInvalidMessage},
		{"garbage", `{`, ErrInvalidMessage},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.data))
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestEncodeRoundTrip(t *testing.T) {
	cur := problem.Current{
		Metadata: problem.Metadata{Slug: "two-sum", Title: "", Difficulty: problem.DifficultyEasy},
		StartAt:  5,
	}
	data, err := Encode(ProblemMetadata(cur))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"PROBLEM_METADATA","slug":"two-sum","title":"","difficulty":"Easy","tags":[],"startAt":5}`, string(data))

	got, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, cur.Slug, got.Current().Slug)
	assert.Equal(t, int64(5), got.Current().StartAt)

	data, err = Encode(ProblemCleared().WithTab("t1"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"PROBLEM_CLEARED","tab":"t1"}`, string(data))
}

func TestBusDeliversInOrder(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	var mu sync.Mutex
	var got []string
	done := make(chan struct{})
	bus.Subscribe(func(msg Message) {
		mu.Lock()
		got = append(got, msg.SubmissionID)
		n := len(got)
		mu.Unlock()
		if n == 100 {
			close(done)
		}
	})

	ctx := context.Background()
	want := make([]string, 100)
	for i := range want {
		want[i] = string(rune('A' + i%26))
		want[i] += string(rune('0' + i/26))
		require.NoError(t, bus.Send(ctx, SubmissionAccepted("s", want[i], int64(i))))
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("messages not delivered")
	}
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, want, got)
}

func TestBusFiltersByType(t *testing.T) {
	bus := NewBus()

	var cleared, all int
	var mu sync.Mutex
	bus.Subscribe(func(Message) { mu.Lock(); cleared++; mu.Unlock() }, TypeProblemCleared)
	bus.Subscribe(func(Message) { mu.Lock(); all++; mu.Unlock() })

	ctx := context.Background()
	require.NoError(t, bus.Send(ctx, ProblemCleared()))
	require.NoError(t, bus.Send(ctx, OpenSidePanel()))
	bus.Close()

	assert.Equal(t, 1, cleared)
	assert.Equal(t, 2, all)
}

func TestBusNoReceiverAndClosed(t *testing.T) {
	bus := NewBus()
	ctx := context.Background()

	assert.ErrorIs(t, bus.Send(ctx, ProblemCleared()), ErrNoReceiver)

	unsubscribe := bus.Subscribe(func(Message) {}, TypeOpenSidePanel)
	assert.ErrorIs(t, bus.Send(ctx, ProblemCleared()), ErrNoReceiver)
	assert.NoError(t, bus.Send(ctx, OpenSidePanel()))
	unsubscribe()
	unsubscribe()
	assert.ErrorIs(t, bus.Send(ctx, OpenSidePanel()), ErrNoReceiver)

	bus.Close()
	assert.ErrorIs(t, bus.Send(ctx, OpenSidePanel()), ErrChannelClosed)
}

func TestBusDropsWhenMailboxFull(t *testing.T) {
	bus := NewBus(WithMailboxSize(1))
	release := make(chan struct{})
	var delivered int
	var mu sync.Mutex
	bus.Subscribe(func(Message) {
		<-release
		mu.Lock()
		delivered++
		mu.Unlock()
	})

	ctx := context.Background()
	for i := 0; i < 10; i++ {
		require.NoError(t, bus.Send(ctx, ProblemCleared()))
	}
	close(release)
	bus.Close()

	mu.Lock()
	defer mu.Unlock()
	assert.LessOrEqual(t, delivered, 2)
	assert.GreaterOrEqual(t, delivered, 1)
}

func TestBusRequest(t *testing.T) {
	bus := NewBus()
	defer bus.Close()
	ctx := context.Background()

	_, err := bus.Request(ctx, GetCurrentProblem())
	assert.ErrorIs(t, err, ErrNoReceiver)

	remove := bus.HandleRequest(TypeGetCurrentProblem, func(ctx context.Context, msg Message) (Message, error) {
		return ProblemMetadata(problem.Current{Metadata: problem.Metadata{Slug: "two-sum", Title: "Two Sum"}}), nil
	})
	reply, err := bus.Request(ctx, GetCurrentProblem())
	require.NoError(t, err)
	assert.Equal(t, "two-sum", reply.Slug)

	remove()
	_, err = bus.Request(ctx, GetCurrentProblem())
	assert.ErrorIs(t, err, ErrNoReceiver)
}

func TestBusRecoversHandlerPanic(t *testing.T) {
	bus := NewBus()
	got := make(chan Message, 1)
	first := true
	bus.Subscribe(func(msg Message) {
		if first {
			first = false
			panic("boom")
		}
		got <- msg
	})

	ctx := context.Background()
	require.NoError(t, bus.Send(ctx, ProblemCleared()))
	require.NoError(t, bus.Send(ctx, OpenSidePanel()))

	select {
	case msg := <-got:
		assert.Equal(t, TypeOpenSidePanel, msg.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("subscriber stopped after panic")
	}
	bus.Close()
}

func TestSafeSendSwallowsFailures(t *testing.T) {
	ctx := context.Background()

	failing := SenderFunc(func(context.Context, Message) error { return errors.New("extension context invalidated") })
	assert.False(t, SafeSend(ctx, failing, ProblemCleared(), nil))

	panicking := SenderFunc(func(context.Context, Message) error { panic("gone") })
	assert.False(t, SafeSend(ctx, panicking, ProblemCleared(), nil))

	assert.False(t, SafeSend(ctx, nil, ProblemCleared(), nil))

	ok := SenderFunc(func(context.Context, Message) error { return nil })
	assert.True(t, SafeSend(ctx, ok, ProblemCleared(), nil))
}
