package observer

// State is the navigation state of one tab. An empty Slug is NoProblem.
// LastEmitted survives departures so that a return to the same problem can
// be recognized as a re-entry.
type State struct {
	Slug        string
	LastEmitted string

	// InFlight identifies the pending metadata fetch, zero when none.
	InFlight uint64
	fetchSeq uint64
}

// OnProblem reports whether the tab is on a problem page.
func (s State) OnProblem() bool {
	return s.Slug != ""
}

// EventKind discriminates Events.
type EventKind int

const (
	// EventNavigate carries the slug resolved from the current URL, empty
	// when the page is not a problem page. Cached reports whether metadata
	// for Slug is in the tab's cache.
	EventNavigate EventKind = iota
	// EventFetched reports completion of fetch FetchID for Slug.
	EventFetched
)

// Event is an input to Transition.
type Event struct {
	Kind    EventKind
	Slug    string
	Cached  bool
	FetchID uint64
}

// Navigate builds an EventNavigate.
func Navigate(slug string, cached bool) Event {
	return Event{Kind: EventNavigate, Slug: slug, Cached: cached}
}

// Fetched builds an EventFetched.
func Fetched(slug string, fetchID uint64) Event {
	return Event{Kind: EventFetched, Slug: slug, FetchID: fetchID}
}

// EffectKind discriminates Effects.
type EffectKind int

const (
	// EffectCancelFetch aborts the pending fetch, if any.
	EffectCancelFetch EffectKind = iota
	// EffectClear removes the stored current problem and announces
	// PROBLEM_CLEARED.
	EffectClear
	// EffectDropCache discards cached metadata for Slug.
	EffectDropCache
	// EffectServeCached stores and announces the cached metadata for Slug.
	EffectServeCached
	// EffectFetch starts fetch FetchID for Slug.
	EffectFetch
	// EffectPublish stores and announces the result of fetch FetchID.
	EffectPublish
	// EffectDiscard drops the result of a superseded fetch.
	EffectDiscard
)

func (k EffectKind) String() string {
	switch k {
	case EffectCancelFetch:
		return "cancel-fetch"
	case EffectClear:
		return "clear"
	case EffectDropCache:
		return "drop-cache"
	case EffectServeCached:
		return "serve-cached"
	case EffectFetch:
		return "fetch"
	case EffectPublish:
		return "publish"
	case EffectDiscard:
		return "discard"
	default:
		return "unknown"
	}
}

// Effect is an action the session must perform after a transition.
type Effect struct {
	Kind    EffectKind
	Slug    string
	FetchID uint64
}

// Transition computes the next state and the effects of ev. It performs no
// I/O.
func Transition(s State, ev Event) (State, []Effect) {
	switch ev.Kind {
	case EventNavigate:
		return navigate(s, ev)
	case EventFetched:
		return fetched(s, ev)
	}
	return s, nil
}

func navigate(s State, ev Event) (State, []Effect) {
	if ev.Slug == "" {
		if !s.OnProblem() {
			return s, nil
		}
		var effects []Effect
		if s.InFlight != 0 {
			effects = append(effects, Effect{Kind: EffectCancelFetch})
		}
		s.Slug = ""
		s.InFlight = 0
		return s, append(effects, Effect{Kind: EffectClear})
	}

	// DOM churn on the same problem.
	if ev.Slug == s.Slug {
		return s, nil
	}

	reentry := !s.OnProblem() && ev.Slug == s.LastEmitted

	var effects []Effect
	if s.InFlight != 0 {
		effects = append(effects, Effect{Kind: EffectCancelFetch})
		s.InFlight = 0
	}
	s.Slug = ev.Slug

	if reentry {
		effects = append(effects, Effect{Kind: EffectDropCache, Slug: ev.Slug})
	} else if ev.Cached {
		s.LastEmitted = ev.Slug
		return s, append(effects, Effect{Kind: EffectServeCached, Slug: ev.Slug})
	}

	s.fetchSeq++
	s.InFlight = s.fetchSeq
	return s, append(effects, Effect{Kind: EffectFetch, Slug: ev.Slug, FetchID: s.InFlight})
}

func fetched(s State, ev Event) (State, []Effect) {
	if ev.FetchID == 0 || ev.FetchID != s.InFlight || ev.Slug != s.Slug {
		return s, []Effect{{Kind: EffectDiscard, Slug: ev.Slug, FetchID: ev.FetchID}}
	}
	s.InFlight = 0
	s.LastEmitted = ev.Slug
	return s, []Effect{{Kind: EffectPublish, Slug: ev.Slug, FetchID: ev.FetchID}}
}
