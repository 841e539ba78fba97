package kv

import (
	"bytes"
	"context"
	"encoding/json"
	"sort"
	"sync"
)

// Memory is an in-process Store. It is what tests and the memory storage
// backend use.
type Memory struct {
	mu     sync.RWMutex
	data   map[string][]byte
	closed bool
	notifier
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{data: make(map[string][]byte)}
}

func (m *Memory) Get(ctx context.Context, keys ...string) (map[string]json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}

	out := make(map[string]json.RawMessage, len(keys))
	for _, k := range keys {
		if v, ok := m.data[k]; ok {
			out[k] = append(json.RawMessage(nil), v...)
		}
	}
	return out, nil
}

func (m *Memory) GetAll(ctx context.Context) (map[string]json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}

	out := make(map[string]json.RawMessage, len(m.data))
	for k, v := range m.data {
		out[k] = append(json.RawMessage(nil), v...)
	}
	return out, nil
}

func (m *Memory) Set(ctx context.Context, items map[string]any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	encoded, err := encodeItems(items)
	if err != nil {
		return err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	changes := make([]Change, 0, len(encoded))
	for _, k := range sortedKeys(encoded) {
		old, existed := m.data[k]
		if existed && bytes.Equal(old, encoded[k]) {
			continue
		}
		c := Change{Key: k, NewValue: json.RawMessage(encoded[k])}
		if existed {
			c.OldValue = json.RawMessage(old)
		}
		m.data[k] = encoded[k]
		changes = append(changes, c)
	}
	m.mu.Unlock()

	m.notify(changes)
	return nil
}

func (m *Memory) Remove(ctx context.Context, keys ...string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	var changes []Change
	for _, k := range keys {
		old, ok := m.data[k]
		if !ok {
			continue
		}
		delete(m.data, k)
		changes = append(changes, Change{Key: k, OldValue: json.RawMessage(old)})
	}
	m.mu.Unlock()

	m.notify(changes)
	return nil
}

// OnChanged registers fn for change notifications.
func (m *Memory) OnChanged(fn ChangeListener) func() {
	return m.subscribe(fn)
}

// Close marks the store closed. Further operations return ErrClosed.
func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

// Len returns the number of keys held.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data)
}

func sortedKeys(m map[string][]byte) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
