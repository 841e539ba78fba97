package ledger

import (
	"context"
	"sort"
	"sync"
)

// slugQueue runs operations on the same slug strictly one after another in
// arrival order. Each operation registers itself as the slug's tail and waits
// for the previous tail to finish. Different slugs never wait on each other.
type slugQueue struct {
	mu    sync.Mutex
	tails map[string]chan struct{}
}

func newSlugQueue() *slugQueue {
	return &slugQueue{tails: make(map[string]chan struct{})}
}

// acquire blocks until every earlier operation on slug has released. The
// returned release must be called exactly once. If ctx ends first the slot is
// still handed over in order, it is just released without running. An
// already-cancelled ctx takes no slot.
func (q *slugQueue) acquire(ctx context.Context, slug string) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	q.mu.Lock()
	prev := q.tails[slug]
	done := make(chan struct{})
	q.tails[slug] = done
	q.mu.Unlock()

	release := func() {
		q.mu.Lock()
		if q.tails[slug] == done {
			delete(q.tails, slug)
		}
		q.mu.Unlock()
		close(done)
	}

	if prev == nil {
		return release, nil
	}
	select {
	case <-prev:
		return release, nil
	case <-ctx.Done():
		go func() {
			<-prev
			release()
		}()
		return nil, ctx.Err()
	}
}

// acquireAll takes the slots for several slugs in sorted order so that two
// multi-slug operations cannot deadlock.
func (q *slugQueue) acquireAll(ctx context.Context, slugs []string) (func(), error) {
	sorted := append([]string(nil), slugs...)
	sort.Strings(sorted)

	releases := make([]func(), 0, len(sorted))
	releaseAll := func() {
		for i := len(releases) - 1; i >= 0; i-- {
			releases[i]()
		}
	}
	for i, slug := range sorted {
		if i > 0 && slug == sorted[i-1] {
			continue
		}
		release, err := q.acquire(ctx, slug)
		if err != nil {
			releaseAll()
			return nil, err
		}
		releases = append(releases, release)
	}
	return releaseAll, nil
}

// pending reports how many slugs currently have queued operations.
func (q *slugQueue) pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tails)
}
