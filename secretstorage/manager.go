package secretstorage

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/keryx-im/keryx/crypto"
	"github.com/keryx-im/keryx/store"
)

var (
	// ErrNoUsableKey indicates that no storage key could encrypt or
	// decrypt the secret.
	ErrNoUsableKey = errors.New("secretstorage: no usable storage key")

	// ErrNoDefaultKey indicates that no default storage key is set.
	ErrNoDefaultKey = errors.New("secretstorage: no default key")

	// ErrNoCallback indicates that key material was needed but no
	// callback is configured.
	ErrNoCallback = errors.New("secretstorage: no key callback configured")
)

// KeyCallback supplies the material for a storage key, typically by
// prompting for a passphrase or recovery key. Returning (nil, nil) declines.
type KeyCallback func(ctx context.Context, keyID string, desc *KeyDescriptor) ([]byte, error)

// DescriptorFilter decides whether a key descriptor is trusted, on top of
// the master-key signature check. When set, secrets are only written to and
// read from keys it accepts.
type DescriptorFilter func(keyID string, desc *KeyDescriptor) bool

// CrossSigner exposes the cross-signing operations the descriptor
// signature chain needs: new descriptors are signed with the master key,
// and incoming descriptors must verify against the current master key
// before they are trusted. *crosssigning.Identity implements it.
type CrossSigner interface {
	UserID() string
	GetID(usage string) string
	SignObject(ctx context.Context, data map[string]interface{}, usage string) (signature, publicKey string, err error)
}

// masterKeyUsage matches crosssigning.UsageMaster.
const masterKeyUsage = "master"

// Manager reads and writes secrets in account-data secret storage.
type Manager struct {
	store    store.AccountDataStore
	registry *Registry
	getKey   KeyCallback
	identity CrossSigner
	filter   DescriptorFilter
}

// New creates a secret storage manager. With a nil identity the descriptor
// signature chain is disabled and any well-formed descriptor is trusted;
// callers with a cross-signing identity must pass it.
func New(st store.AccountDataStore, registry *Registry, getKey KeyCallback, identity CrossSigner, filter DescriptorFilter) *Manager {
	if registry == nil {
		registry = DefaultRegistry()
	}
	return &Manager{store: st, registry: registry, getKey: getKey, identity: identity, filter: filter}
}

// KeyInfo describes a newly created storage key, including the raw key
// material for immediate use by the caller.
type KeyInfo struct {
	KeyID      string
	Descriptor *KeyDescriptor
	Key        []byte
}

// AddKeyOpts configures AddKey. With a Passphrase the key is derived via
// PBKDF2 and the parameters are recorded in the descriptor; with Key the
// given 32 bytes are used; with neither, a random key is generated.
type AddKeyOpts struct {
	Name       string
	Passphrase string
	Key        []byte
}

// AddKey creates a new aes-hmac-sha2 storage key and publishes its
// descriptor. The key id is random and checked against existing
// descriptors.
func (m *Manager) AddKey(ctx context.Context, opts AddKeyOpts) (*KeyInfo, error) {
	var (
		key  []byte
		desc = &KeyDescriptor{Name: opts.Name, Algorithm: AlgorithmAESHMACSHA2}
	)
	switch {
	case opts.Passphrase != "":
		params, err := crypto.NewPassphraseParams()
		if err != nil {
			return nil, err
		}
		key, err = crypto.DeriveKeyFromPassphrase(opts.Passphrase, params)
		if err != nil {
			return nil, err
		}
		desc.Passphrase = params
	case opts.Key != nil:
		if len(opts.Key) != 32 {
			return nil, fmt.Errorf("storage key must be 32 bytes, got %d", len(opts.Key))
		}
		key = append([]byte(nil), opts.Key...)
	default:
		key = make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("failed to generate storage key: %w", err)
		}
	}

	check, err := crypto.CalculateKeyCheck(key)
	if err != nil {
		return nil, err
	}
	desc.IV = check.IV
	desc.MAC = check.MAC

	if err := m.signDescriptor(ctx, desc); err != nil {
		return nil, err
	}

	keyID, err := m.freshKeyID(ctx)
	if err != nil {
		return nil, err
	}
	if err := m.putJSON(ctx, keyDescriptorPrefix+keyID, desc); err != nil {
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"function": "Manager.AddKey",
		"key_id":   keyID,
	}).Info("Created secret storage key")
	return &KeyInfo{KeyID: keyID, Descriptor: desc, Key: key}, nil
}

// signDescriptor attaches a master-key signature to a new descriptor. A
// manager without a cross-signing identity, or whose identity has no
// master key yet, publishes the descriptor unsigned.
func (m *Manager) signDescriptor(ctx context.Context, desc *KeyDescriptor) error {
	if m.identity == nil || m.identity.GetID(masterKeyUsage) == "" {
		return nil
	}
	raw, err := json.Marshal(desc)
	if err != nil {
		return err
	}
	var data map[string]interface{}
	if err := json.Unmarshal(raw, &data); err != nil {
		return err
	}
	sig, publicKey, err := m.identity.SignObject(ctx, data, masterKeyUsage)
	if err != nil {
		return fmt.Errorf("failed to sign key descriptor: %w", err)
	}
	desc.Signatures = map[string]map[string]string{
		m.identity.UserID(): {"ed25519:" + publicKey: sig},
	}
	return nil
}

// trustedDescriptor checks a descriptor against the current master
// cross-signing key and the optional filter. With a master key present,
// an unsigned or badly signed descriptor is never trusted, whatever the
// server says.
func (m *Manager) trustedDescriptor(keyID string, desc *KeyDescriptor) bool {
	if m.filter != nil && !m.filter(keyID, desc) {
		return false
	}
	if m.identity == nil {
		return true
	}
	masterID := m.identity.GetID(masterKeyUsage)
	if masterID == "" {
		return true // no master key yet, nothing to pin against
	}
	sig := desc.Signatures[m.identity.UserID()]["ed25519:"+masterID]
	if sig == "" {
		return false
	}
	raw, err := crypto.DecodeBase64(masterID)
	if err != nil || len(raw) != 32 {
		return false
	}
	var masterKey [32]byte
	copy(masterKey[:], raw)
	valid, err := crypto.VerifyJSON(desc, sig, masterKey)
	return err == nil && valid
}

// freshKeyID generates a random key id not colliding with any existing
// descriptor.
func (m *Manager) freshKeyID(ctx context.Context) (string, error) {
	for attempt := 0; attempt < 10; attempt++ {
		raw := make([]byte, 24)
		if _, err := rand.Read(raw); err != nil {
			return "", fmt.Errorf("failed to generate key id: %w", err)
		}
		keyID := crypto.EncodeBase64(raw)
		if _, err := m.store.Get(ctx, keyDescriptorPrefix+keyID); errors.Is(err, store.ErrNotFound) {
			return keyID, nil
		} else if err != nil {
			return "", err
		}
	}
	return "", fmt.Errorf("failed to find an unused key id")
}

// KeyDescriptor fetches one key descriptor.
func (m *Manager) KeyDescriptor(ctx context.Context, keyID string) (*KeyDescriptor, error) {
	var desc KeyDescriptor
	if err := store.GetJSON(ctx, m.store, keyDescriptorPrefix+keyID, &desc); err != nil {
		return nil, err
	}
	return &desc, nil
}

// SetDefaultKeyID publishes the default storage key pointer.
func (m *Manager) SetDefaultKeyID(ctx context.Context, keyID string) error {
	return m.putJSON(ctx, defaultKeyType, map[string]string{"key": keyID})
}

// DefaultKeyID reads the default storage key pointer.
func (m *Manager) DefaultKeyID(ctx context.Context) (string, error) {
	var pointer struct {
		Key string `json:"key"`
	}
	err := store.GetJSON(ctx, m.store, defaultKeyType, &pointer)
	if errors.Is(err, store.ErrNotFound) {
		return "", ErrNoDefaultKey
	}
	if err != nil {
		return "", err
	}
	if pointer.Key == "" {
		return "", ErrNoDefaultKey
	}
	return pointer.Key, nil
}

// StoreSecret encrypts a secret under the given storage keys and writes it
// to account data. With no keys given, the default key is used. Keys with
// unknown algorithms or untrusted descriptors are skipped; if no key
// remains, the write fails rather than storing plaintext or nothing.
func (m *Manager) StoreSecret(ctx context.Context, name string, secret []byte, keyIDs []string) error {
	if len(keyIDs) == 0 {
		defaultKey, err := m.DefaultKeyID(ctx)
		if err != nil {
			return err
		}
		keyIDs = []string{defaultKey}
	}

	encrypted := make(map[string]json.RawMessage)
	for _, keyID := range keyIDs {
		desc, err := m.KeyDescriptor(ctx, keyID)
		if err != nil {
			return fmt.Errorf("failed to read descriptor for key %s: %w", keyID, err)
		}
		algorithm, ok := m.registry.Lookup(desc.Algorithm)
		if !ok {
			logrus.WithFields(logrus.Fields{
				"function":  "Manager.StoreSecret",
				"key_id":    keyID,
				"algorithm": desc.Algorithm,
			}).Warn("Skipping storage key with unknown algorithm")
			continue
		}
		if !m.trustedDescriptor(keyID, desc) {
			logrus.WithFields(logrus.Fields{
				"function": "Manager.StoreSecret",
				"key_id":   keyID,
			}).Warn("Skipping untrusted storage key descriptor")
			continue
		}

		var key []byte
		if algorithm.NeedsPrivateKey() {
			key, err = m.keyMaterial(ctx, keyID, desc)
			if err != nil {
				return err
			}
		}
		payload, err := algorithm.Encrypt(secret, key, name, desc)
		crypto.ZeroBytes(key)
		if err != nil {
			return fmt.Errorf("failed to encrypt %s for key %s: %w", name, keyID, err)
		}
		encrypted[keyID] = payload
	}

	if len(encrypted) == 0 {
		return fmt.Errorf("%w: secret %s would be stored under zero keys", ErrNoUsableKey, name)
	}
	return m.putJSON(ctx, name, EncryptedSecret{Encrypted: encrypted})
}

// GetSecret reads and decrypts a secret, trying each storage key it is
// encrypted under until one yields valid plaintext.
func (m *Manager) GetSecret(ctx context.Context, name string) ([]byte, error) {
	var stored EncryptedSecret
	if err := store.GetJSON(ctx, m.store, name, &stored); err != nil {
		return nil, err
	}

	candidates, err := m.usableKeys(ctx, &stored)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, fmt.Errorf("%w: secret %s", ErrNoUsableKey, name)
	}

	var lastErr error
	for keyID, desc := range candidates {
		algorithm, _ := m.registry.Lookup(desc.Algorithm)
		key, err := m.keyMaterial(ctx, keyID, desc)
		if err != nil {
			lastErr = err
			continue
		}
		if key == nil {
			continue // callback declined
		}
		match, err := algorithm.CheckKey(key, desc)
		if err != nil || !match {
			crypto.ZeroBytes(key)
			lastErr = fmt.Errorf("key %s failed its key check", keyID)
			continue
		}
		plaintext, err := algorithm.Decrypt(stored.Encrypted[keyID], key, name, desc)
		crypto.ZeroBytes(key)
		if err != nil {
			lastErr = fmt.Errorf("failed to decrypt %s with key %s: %w", name, keyID, err)
			continue
		}
		return plaintext, nil
	}
	if lastErr != nil {
		return nil, lastErr
	}
	return nil, fmt.Errorf("%w: secret %s", ErrNoUsableKey, name)
}

// IsStored returns the verified descriptors of the storage keys a
// well-formed copy of the secret is encrypted under, keyed by key id, so
// callers need no second fetch-and-verify round.
func (m *Manager) IsStored(ctx context.Context, name string) (map[string]*KeyDescriptor, error) {
	var stored EncryptedSecret
	err := store.GetJSON(ctx, m.store, name, &stored)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return m.usableKeys(ctx, &stored)
}

// usableKeys filters the keys a secret is encrypted under down to those
// with known algorithms and trusted descriptors.
func (m *Manager) usableKeys(ctx context.Context, stored *EncryptedSecret) (map[string]*KeyDescriptor, error) {
	out := make(map[string]*KeyDescriptor)
	for keyID, payload := range stored.Encrypted {
		if len(payload) == 0 {
			continue
		}
		desc, err := m.KeyDescriptor(ctx, keyID)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if _, ok := m.registry.Lookup(desc.Algorithm); !ok {
			continue
		}
		if !m.trustedDescriptor(keyID, desc) {
			continue
		}
		out[keyID] = desc
	}
	return out, nil
}

// keyMaterial obtains key material for a storage key via the callback.
func (m *Manager) keyMaterial(ctx context.Context, keyID string, desc *KeyDescriptor) ([]byte, error) {
	if m.getKey == nil {
		return nil, ErrNoCallback
	}
	return m.getKey(ctx, keyID, desc)
}

func (m *Manager) putJSON(ctx context.Context, eventType string, v interface{}) error {
	return m.store.Put(ctx, eventType, v)
}
