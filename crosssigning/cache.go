package crosssigning

import (
	"fmt"

	"github.com/keryx-im/keryx/crypto"
	"github.com/keryx-im/keryx/store"
)

// KeyCache holds cross-signing private key seeds encrypted at rest. Seeds
// are pickled under the device pickle key before they reach the blob store,
// so the store itself never sees raw key material.
type KeyCache struct {
	blobs     store.BlobStore
	pickleKey []byte
}

// NewKeyCache creates a cache over a blob store. pickleKey must be 32 bytes.
func NewKeyCache(blobs store.BlobStore, pickleKey []byte) (*KeyCache, error) {
	if len(pickleKey) != 32 {
		return nil, fmt.Errorf("pickle key must be 32 bytes, got %d", len(pickleKey))
	}
	key := make([]byte, 32)
	copy(key, pickleKey)
	return &KeyCache{blobs: blobs, pickleKey: key}, nil
}

func cacheKey(usage string) string {
	return "cross-signing-key/" + usage
}

// Store seals and persists a private key seed for a usage.
func (c *KeyCache) Store(usage string, seed []byte) error {
	sealed, err := crypto.Pickle(seed, c.pickleKey)
	if err != nil {
		return fmt.Errorf("failed to seal %s key: %w", usage, err)
	}
	return c.blobs.PutBlob(cacheKey(usage), sealed)
}

// Get fetches and unseals a private key seed, or store.ErrNotFound.
func (c *KeyCache) Get(usage string) ([]byte, error) {
	sealed, err := c.blobs.GetBlob(cacheKey(usage))
	if err != nil {
		return nil, err
	}
	seed, err := crypto.Unpickle(sealed, c.pickleKey)
	if err != nil {
		return nil, fmt.Errorf("failed to unseal %s key: %w", usage, err)
	}
	return seed, nil
}

// Delete drops a cached seed.
func (c *KeyCache) Delete(usage string) error {
	return c.blobs.DeleteBlob(cacheKey(usage))
}
