// Package kv provides the shared persistent store used by every leetbuddy
// context. It is a flat string-keyed map of JSON values with last-write-wins
// semantics per key and change notifications. There are no transactions:
// callers that need read-modify-write safety must serialize themselves.
package kv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
)

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("kv: store closed")

// Change describes one key that was written or removed. NewValue is nil when
// the key was removed; OldValue is nil when the key did not exist.
type Change struct {
	Key      string
	OldValue json.RawMessage
	NewValue json.RawMessage
}

// Removed reports whether the change deleted the key.
func (c Change) Removed() bool {
	return c.NewValue == nil
}

// ChangeListener receives the changes produced by one Set or Remove call.
type ChangeListener func(changes []Change)

// Store is the shared key-value store.
type Store interface {
	// Get returns the values of the requested keys that exist.
	Get(ctx context.Context, keys ...string) (map[string]json.RawMessage, error)
	// GetAll returns every key in the store.
	GetAll(ctx context.Context) (map[string]json.RawMessage, error)
	// Set writes all items. Values are JSON-encoded unless they already are
	// json.RawMessage.
	Set(ctx context.Context, items map[string]any) error
	// Remove deletes the given keys. Missing keys are ignored.
	Remove(ctx context.Context, keys ...string) error
	// OnChanged registers a listener and returns its unsubscribe function.
	OnChanged(fn ChangeListener) func()
	Close() error
}

// GetJSON decodes the value stored under key into v. It reports whether the
// key existed.
func GetJSON(ctx context.Context, s Store, key string, v any) (bool, error) {
	items, err := s.Get(ctx, key)
	if err != nil {
		return false, err
	}
	raw, ok := items[key]
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return true, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

// SetJSON stores a single value.
func SetJSON(ctx context.Context, s Store, key string, v any) error {
	return s.Set(ctx, map[string]any{key: v})
}

func encodeItems(items map[string]any) (map[string][]byte, error) {
	out := make(map[string][]byte, len(items))
	for k, v := range items {
		if raw, ok := v.(json.RawMessage); ok {
			if !json.Valid(raw) {
				return nil, fmt.Errorf("encode %s: invalid raw JSON", k)
			}
			out[k] = append([]byte(nil), raw...)
			continue
		}
		data, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", k, err)
		}
		out[k] = data
	}
	return out, nil
}

// notifier fans change batches out to registered listeners. Listeners run on
// the writer's goroutine after the write has been applied and all store locks
// released, so a listener may call back into the store.
type notifier struct {
	mu        sync.RWMutex
	nextID    int
	listeners map[int]ChangeListener
}

func (n *notifier) subscribe(fn ChangeListener) func() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.listeners == nil {
		n.listeners = make(map[int]ChangeListener)
	}
	id := n.nextID
	n.nextID++
	n.listeners[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			n.mu.Lock()
			delete(n.listeners, id)
			n.mu.Unlock()
		})
	}
}

func (n *notifier) notify(changes []Change) {
	if len(changes) == 0 {
		return
	}
	n.mu.RLock()
	fns := make([]ChangeListener, 0, len(n.listeners))
	for _, fn := range n.listeners {
		fns = append(fns, fn)
	}
	n.mu.RUnlock()

	for _, fn := range fns {
		fn(changes)
	}
}
