package store

import "sync"

// BlobStore is the raw-blob persistence interface used for pickled ratchet
// state and cached private keys. BadgerStore implements it with encryption
// at rest; MemoryBlobStore backs tests.
type BlobStore interface {
	PutBlob(key string, value []byte) error
	GetBlob(key string) ([]byte, error)
	DeleteBlob(key string) error
}

// MemoryBlobStore is an in-memory BlobStore.
type MemoryBlobStore struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

// NewMemoryBlobStore creates an empty blob store.
func NewMemoryBlobStore() *MemoryBlobStore {
	return &MemoryBlobStore{blobs: make(map[string][]byte)}
}

// PutBlob implements BlobStore.
func (m *MemoryBlobStore) PutBlob(key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored := make([]byte, len(value))
	copy(stored, value)
	m.blobs[key] = stored
	return nil
}

// GetBlob implements BlobStore.
func (m *MemoryBlobStore) GetBlob(key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	value, ok := m.blobs[key]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]byte, len(value))
	copy(out, value)
	return out, nil
}

// DeleteBlob implements BlobStore.
func (m *MemoryBlobStore) DeleteBlob(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.blobs, key)
	return nil
}
