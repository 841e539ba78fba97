package observer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func kinds(effects []Effect) []EffectKind {
	out := make([]EffectKind, 0, len(effects))
	for _, e := range effects {
		out = append(out, e.Kind)
	}
	return out
}

// enterAndResolve navigates to slug and completes its fetch.
func enterAndResolve(t *testing.T, s State, slug string) State {
	t.Helper()
	s, effects := Transition(s, Navigate(slug, false))
	require.NotEmpty(t, effects)
	last := effects[len(effects)-1]
	require.Equal(t, EffectFetch, last.Kind)
	s, effects = Transition(s, Fetched(slug, last.FetchID))
	require.Equal(t, []EffectKind{EffectPublish}, kinds(effects))
	return s
}

func TestTransitionFreshEntryFetches(t *testing.T) {
	s, effects := Transition(State{}, Navigate("two-sum", false))
	assert.Equal(t, []EffectKind{EffectFetch}, kinds(effects))
	assert.Equal(t, "two-sum", s.Slug)
	assert.NotZero(t, s.InFlight)
	assert.Empty(t, s.LastEmitted, "nothing emitted until the fetch resolves")

	s, effects = Transition(s, Fetched("two-sum", s.InFlight))
	assert.Equal(t, []EffectKind{EffectPublish}, kinds(effects))
	assert.Equal(t, "two-sum", s.LastEmitted)
	assert.Zero(t, s.InFlight)
}

func TestTransitionCachedEntryServesCache(t *testing.T) {
	s, effects := Transition(State{}, Navigate("two-sum", true))
	assert.Equal(t, []EffectKind{EffectServeCached}, kinds(effects))
	assert.Equal(t, "two-sum", s.LastEmitted)
	assert.Zero(t, s.InFlight)
}

func TestTransitionSelfIsNoop(t *testing.T) {
	s := enterAndResolve(t, State{}, "two-sum")
	for i := 0; i < 10; i++ {
		var effects []Effect
		s, effects = Transition(s, Navigate("two-sum", i%2 == 0))
		assert.Empty(t, effects)
	}

	// Also a no-op while the first fetch is still pending.
	p, _ := Transition(State{}, Navigate("a", false))
	q, effects := Transition(p, Navigate("a", false))
	assert.Empty(t, effects)
	assert.Equal(t, p, q)
}

func TestTransitionNoProblemStaysQuiet(t *testing.T) {
	s, effects := Transition(State{}, Navigate("", false))
	assert.Empty(t, effects)
	assert.Equal(t, State{}, s)
}

func TestTransitionDepartureKeepsLastEmitted(t *testing.T) {
	s := enterAndResolve(t, State{}, "two-sum")
	s, effects := Transition(s, Navigate("", false))
	assert.Equal(t, []EffectKind{EffectClear}, kinds(effects))
	assert.False(t, s.OnProblem())
	assert.Equal(t, "two-sum", s.LastEmitted)

	_, effects = Transition(s, Navigate("", false))
	assert.Empty(t, effects, "clearing happens once")
}

func TestTransitionReentryDropsCache(t *testing.T) {
	s := enterAndResolve(t, State{}, "two-sum")
	s, _ = Transition(s, Navigate("", false))

	s, effects := Transition(s, Navigate("two-sum", true))
	require.Equal(t, []EffectKind{EffectDropCache, EffectFetch}, kinds(effects))
	assert.Equal(t, "two-sum", effects[0].Slug)
	assert.Equal(t, s.InFlight, effects[1].FetchID)
}

func TestTransitionDirectSwitchIsNotReentry(t *testing.T) {
	s := enterAndResolve(t, State{}, "a")
	s = enterAndResolve(t, s, "b")

	_, effects := Transition(s, Navigate("a", true))
	assert.Equal(t, []EffectKind{EffectServeCached}, kinds(effects))
}

func TestTransitionReentryUsesLastEmittedOnly(t *testing.T) {
	// a, leave, b, leave, a: the last emitted slug before the final
	// departure is b, so returning to a serves its cache.
	s := enterAndResolve(t, State{}, "a")
	s, _ = Transition(s, Navigate("", false))
	s = enterAndResolve(t, s, "b")
	s, _ = Transition(s, Navigate("", false))

	_, effects := Transition(s, Navigate("a", true))
	assert.Equal(t, []EffectKind{EffectServeCached}, kinds(effects))
}

func TestTransitionSwitchCancelsInFlight(t *testing.T) {
	s, _ := Transition(State{}, Navigate("a", false))
	first := s.InFlight

	s, effects := Transition(s, Navigate("b", false))
	assert.Equal(t, []EffectKind{EffectCancelFetch, EffectFetch}, kinds(effects))
	assert.NotEqual(t, first, s.InFlight)

	// The superseded result for a arrives late.
	s, effects = Transition(s, Fetched("a", first))
	assert.Equal(t, []EffectKind{EffectDiscard}, kinds(effects))
	assert.Equal(t, "b", s.Slug)
	assert.Empty(t, s.LastEmitted)
}

func TestTransitionLeaveCancelsInFlight(t *testing.T) {
	s, _ := Transition(State{}, Navigate("a", false))
	id := s.InFlight

	s, effects := Transition(s, Navigate("", false))
	assert.Equal(t, []EffectKind{EffectCancelFetch, EffectClear}, kinds(effects))

	_, effects = Transition(s, Fetched("a", id))
	assert.Equal(t, []EffectKind{EffectDiscard}, kinds(effects))
}

func TestTransitionStaleFetchSameSlug(t *testing.T) {
	// Leave and return before the first fetch completes: the first result
	// belongs to an abandoned visit.
	s, _ := Transition(State{}, Navigate("a", false))
	old := s.InFlight
	s, _ = Transition(s, Navigate("", false))
	s, _ = Transition(s, Navigate("a", false))

	s, effects := Transition(s, Fetched("a", old))
	assert.Equal(t, []EffectKind{EffectDiscard}, kinds(effects))

	_, effects = Transition(s, Fetched("a", s.InFlight))
	assert.Equal(t, []EffectKind{EffectPublish}, kinds(effects))
}

func TestEffectKindString(t *testing.T) {
	assert.Equal(t, "serve-cached", EffectServeCached.String())
	assert.Equal(t, "unknown", EffectKind(99).String())
}
