package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	badger "github.com/dgraph-io/badger/v3"
	"github.com/sirupsen/logrus"

	"github.com/keryx-im/keryx/crypto"
)

// accountDataPrefix namespaces account-data entries in the key space so the
// same database can hold other state (pickled sessions, key caches).
const accountDataPrefix = "account-data/"

// BadgerStore is a badger-backed AccountDataStore. When constructed with a
// pickle key, values are sealed with AES-GCM before they touch disk, so a
// copied database directory is useless without the key.
type BadgerStore struct {
	db        *badger.DB
	pickleKey []byte

	mu          sync.RWMutex
	subscribers []func(string)
}

// BadgerOptions configures a BadgerStore.
type BadgerOptions struct {
	// Dir is the database directory.
	Dir string
	// PickleKey, when 32 bytes, enables encryption at rest of all values.
	PickleKey []byte
	// InMemory runs badger without touching disk; used in tests.
	InMemory bool
}

// OpenBadger opens (or creates) a badger database for account data.
func OpenBadger(opts BadgerOptions) (*BadgerStore, error) {
	if opts.PickleKey != nil && len(opts.PickleKey) != 32 {
		return nil, fmt.Errorf("pickle key must be 32 bytes, got %d", len(opts.PickleKey))
	}

	badgerOpts := badger.DefaultOptions(opts.Dir).WithLogger(nil)
	if opts.InMemory {
		badgerOpts = badgerOpts.WithDir("").WithValueDir("").WithInMemory(true)
	}

	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger store: %w", err)
	}

	key := make([]byte, len(opts.PickleKey))
	copy(key, opts.PickleKey)

	logrus.WithFields(logrus.Fields{
		"function":  "OpenBadger",
		"dir":       opts.Dir,
		"in_memory": opts.InMemory,
		"sealed":    len(opts.PickleKey) == 32,
	}).Debug("Opened badger account-data store")
	return &BadgerStore{db: db, pickleKey: key}, nil
}

// Close releases the underlying database.
func (b *BadgerStore) Close() error {
	return b.db.Close()
}

func (b *BadgerStore) seal(value []byte) ([]byte, error) {
	if len(b.pickleKey) == 0 {
		return value, nil
	}
	return crypto.Pickle(value, b.pickleKey)
}

func (b *BadgerStore) open(value []byte) ([]byte, error) {
	if len(b.pickleKey) == 0 {
		return value, nil
	}
	return crypto.Unpickle(value, b.pickleKey)
}

// Get implements AccountDataStore.
func (b *BadgerStore) Get(_ context.Context, eventType string) (json.RawMessage, error) {
	var raw []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(accountDataPrefix + eventType))
		if err != nil {
			return err
		}
		raw, err = item.ValueCopy(nil)
		return err
	})
	if err == badger.ErrKeyNotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("badger read failed: %w", err)
	}

	plain, err := b.open(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to unseal account data %q: %w", eventType, err)
	}
	return plain, nil
}

// Put implements AccountDataStore.
func (b *BadgerStore) Put(_ context.Context, eventType string, content interface{}) error {
	raw, err := json.Marshal(content)
	if err != nil {
		return err
	}
	sealed, err := b.seal(raw)
	if err != nil {
		return fmt.Errorf("failed to seal account data %q: %w", eventType, err)
	}

	err = b.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(accountDataPrefix+eventType), sealed)
	})
	if err != nil {
		return fmt.Errorf("badger write failed: %w", err)
	}

	b.mu.RLock()
	subs := make([]func(string), len(b.subscribers))
	copy(subs, b.subscribers)
	b.mu.RUnlock()
	for _, fn := range subs {
		fn(eventType)
	}
	return nil
}

// Subscribe implements AccountDataStore.
func (b *BadgerStore) Subscribe(fn func(eventType string)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers = append(b.subscribers, fn)
}

// PutBlob stores a raw (non-account-data) blob, sealed like everything else.
// Used for pickled ratchet state and cached private keys.
func (b *BadgerStore) PutBlob(key string, value []byte) error {
	sealed, err := b.seal(value)
	if err != nil {
		return fmt.Errorf("failed to seal blob %q: %w", key, err)
	}
	err = b.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte("blob/"+key), sealed)
	})
	if err != nil {
		return fmt.Errorf("badger write failed: %w", err)
	}
	return nil
}

// GetBlob fetches a raw blob stored with PutBlob, or ErrNotFound.
func (b *BadgerStore) GetBlob(key string) ([]byte, error) {
	var raw []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte("blob/" + key))
		if err != nil {
			return err
		}
		raw, err = item.ValueCopy(nil)
		return err
	})
	if err == badger.ErrKeyNotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("badger read failed: %w", err)
	}
	return b.open(raw)
}

// DeleteBlob removes a blob; deleting a missing key is not an error.
func (b *BadgerStore) DeleteBlob(key string) error {
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte("blob/" + key))
	})
}
