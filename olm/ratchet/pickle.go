package ratchet

import (
	"encoding/json"
	"fmt"

	"github.com/keryx-im/keryx/crypto"
)

type pickledAccount struct {
	IdentityPrivate []byte            `json:"identity_private"`
	SigningSeed     []byte            `json:"signing_seed"`
	OneTimeKeys     map[string][]byte `json:"one_time_keys"`
	Unpublished     []string          `json:"unpublished"`
	NextKeyID       uint64            `json:"next_key_id"`
}

// Pickle serializes and encrypts the account under the pickle key.
func (a *Account) Pickle(pickleKey []byte) ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	p := pickledAccount{
		IdentityPrivate: a.identity.Private[:],
		SigningSeed:     a.signing.Seed[:],
		OneTimeKeys:     make(map[string][]byte, len(a.oneTimeKeys)),
		NextKeyID:       a.nextKeyID,
	}
	for id, kp := range a.oneTimeKeys {
		p.OneTimeKeys[id] = kp.Private[:]
	}
	for id := range a.unpublished {
		p.Unpublished = append(p.Unpublished, id)
	}

	plain, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize account: %w", err)
	}
	defer crypto.ZeroBytes(plain)
	return crypto.Pickle(plain, pickleKey)
}

// UnpickleAccount restores an account from its encrypted serialized form.
// Public halves are re-derived from the stored private keys.
func UnpickleAccount(pickled, pickleKey []byte) (*Account, error) {
	plain, err := crypto.Unpickle(pickled, pickleKey)
	if err != nil {
		return nil, err
	}
	defer crypto.ZeroBytes(plain)

	var p pickledAccount
	if err := json.Unmarshal(plain, &p); err != nil {
		return nil, fmt.Errorf("failed to parse account: %w", err)
	}
	if len(p.IdentityPrivate) != 32 || len(p.SigningSeed) != 32 {
		return nil, fmt.Errorf("invalid account key material")
	}

	var identityPrivate [32]byte
	copy(identityPrivate[:], p.IdentityPrivate)
	identity, err := crypto.FromSecretKey(identityPrivate)
	if err != nil {
		return nil, fmt.Errorf("failed to restore identity key: %w", err)
	}

	a := &Account{
		identity:    identity,
		signing:     crypto.SigningKeyPairFromSeed(p.SigningSeed),
		oneTimeKeys: make(map[string]*crypto.KeyPair, len(p.OneTimeKeys)),
		unpublished: make(map[string]bool, len(p.Unpublished)),
		nextKeyID:   p.NextKeyID,
	}
	for id, priv := range p.OneTimeKeys {
		if len(priv) != 32 {
			return nil, fmt.Errorf("invalid one-time key %q", id)
		}
		var secret [32]byte
		copy(secret[:], priv)
		kp, err := crypto.FromSecretKey(secret)
		if err != nil {
			return nil, fmt.Errorf("failed to restore one-time key %q: %w", id, err)
		}
		a.oneTimeKeys[id] = kp
	}
	for _, id := range p.Unpublished {
		a.unpublished[id] = true
	}
	return a, nil
}
