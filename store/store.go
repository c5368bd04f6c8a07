// Package store provides account-data persistence for the trust core: the
// server-replicated key/value map of typed JSON blobs that secret storage
// and cross-signing read and write, plus a local badger-backed
// implementation with encryption at rest for caches that never leave the
// device.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
)

// ErrNotFound is returned when no account-data entry exists for a type.
var ErrNotFound = errors.New("account data not found")

// AccountDataStore is the account-data collaborator: get/set JSON blobs
// keyed by type string, with change notification.
type AccountDataStore interface {
	// Get returns the stored content for an event type, or ErrNotFound.
	Get(ctx context.Context, eventType string) (json.RawMessage, error)
	// Put stores content under an event type, replacing any previous value.
	Put(ctx context.Context, eventType string, content interface{}) error
	// Subscribe registers a callback invoked with the event type after
	// every successful Put. Callbacks run synchronously; keep them short.
	Subscribe(fn func(eventType string))
}

// GetJSON fetches and unmarshals an account-data entry into out.
func GetJSON(ctx context.Context, s AccountDataStore, eventType string, out interface{}) error {
	raw, err := s.Get(ctx, eventType)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

// MemoryStore is an in-memory AccountDataStore used in tests and as the
// default before a persistence layer is attached.
type MemoryStore struct {
	mu          sync.RWMutex
	data        map[string]json.RawMessage
	subscribers []func(string)
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string]json.RawMessage)}
}

// Get implements AccountDataStore.
func (m *MemoryStore) Get(_ context.Context, eventType string) (json.RawMessage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	raw, ok := m.data[eventType]
	if !ok {
		return nil, ErrNotFound
	}
	out := make(json.RawMessage, len(raw))
	copy(out, raw)
	return out, nil
}

// Put implements AccountDataStore.
func (m *MemoryStore) Put(_ context.Context, eventType string, content interface{}) error {
	raw, err := json.Marshal(content)
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.data[eventType] = raw
	subs := make([]func(string), len(m.subscribers))
	copy(subs, m.subscribers)
	m.mu.Unlock()

	for _, fn := range subs {
		fn(eventType)
	}
	return nil
}

// Subscribe implements AccountDataStore.
func (m *MemoryStore) Subscribe(fn func(eventType string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscribers = append(m.subscribers, fn)
}
