// Package ratchet is the default pairwise-session backend: X3DH-style
// session establishment over Curve25519 one-time keys, with HMAC chain-key
// advancement and NaCl secretbox message sealing. The olm package consumes
// it through capability interfaces; nothing above this package sees raw
// ratchet state.
package ratchet

import (
	"crypto/sha256"
	"fmt"
	"sync"

	"github.com/keryx-im/keryx/crypto"
)

// Account holds a device's long-term Olm identity: the Curve25519 identity
// key, the Ed25519 signing key, and the pool of one-time keys published for
// others to claim.
type Account struct {
	mu          sync.Mutex
	identity    *crypto.KeyPair
	signing     *crypto.SigningKeyPair
	oneTimeKeys map[string]*crypto.KeyPair // key id -> pair
	unpublished map[string]bool
	nextKeyID   uint64
}

// NewAccount creates an account with fresh identity and signing keys.
func NewAccount() (*Account, error) {
	identity, err := crypto.GenerateKeyPair()
	if err != nil {
		return nil, fmt.Errorf("failed to generate identity key: %w", err)
	}
	signing, err := crypto.GenerateSigningKeyPair()
	if err != nil {
		return nil, fmt.Errorf("failed to generate signing key: %w", err)
	}
	return &Account{
		identity:    identity,
		signing:     signing,
		oneTimeKeys: make(map[string]*crypto.KeyPair),
		unpublished: make(map[string]bool),
	}, nil
}

// IdentityKey returns the base64 Curve25519 identity key.
func (a *Account) IdentityKey() string {
	return crypto.EncodeBase64(a.identity.Public[:])
}

// SigningKey returns the base64 Ed25519 signing key.
func (a *Account) SigningKey() string {
	return crypto.EncodeBase64(a.signing.Public[:])
}

// SignJSON signs an object with the account's Ed25519 key.
func (a *Account) SignJSON(obj interface{}) (string, error) {
	return crypto.SignJSON(obj, a.signing.Seed)
}

// GenerateOneTimeKeys adds count fresh one-time keys to the pool.
func (a *Account) GenerateOneTimeKeys(count int) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	for i := 0; i < count; i++ {
		kp, err := crypto.GenerateKeyPair()
		if err != nil {
			return fmt.Errorf("failed to generate one-time key: %w", err)
		}
		a.nextKeyID++
		id := fmt.Sprintf("AAAA%d", a.nextKeyID)
		a.oneTimeKeys[id] = kp
		a.unpublished[id] = true
	}
	return nil
}

// OneTimeKeys returns the unpublished one-time keys as id -> base64 public.
func (a *Account) OneTimeKeys() map[string]string {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make(map[string]string, len(a.unpublished))
	for id := range a.unpublished {
		out[id] = crypto.EncodeBase64(a.oneTimeKeys[id].Public[:])
	}
	return out
}

// MarkKeysAsPublished flags all current one-time keys as uploaded.
func (a *Account) MarkKeysAsPublished() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.unpublished = make(map[string]bool)
}

// takeOneTimeKey removes and returns the one-time key with the given public
// half. Used when an inbound pre-key message consumes a key.
func (a *Account) takeOneTimeKey(publicB64 string) (*crypto.KeyPair, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for id, kp := range a.oneTimeKeys {
		if crypto.EncodeBase64(kp.Public[:]) == publicB64 {
			delete(a.oneTimeKeys, id)
			delete(a.unpublished, id)
			return kp, true
		}
	}
	return nil, false
}

// sessionID derives the deterministic session identifier both sides agree
// on: a hash over the initiator's identity and base keys and the consumed
// one-time key.
func sessionID(initiatorIdentity, initiatorBase, oneTimeKey string) string {
	h := sha256.New()
	h.Write([]byte(initiatorIdentity))
	h.Write([]byte(initiatorBase))
	h.Write([]byte(oneTimeKey))
	return crypto.EncodeBase64(h.Sum(nil))
}
