// Package secretstorage implements server-side secret storage: secrets are
// encrypted under one or more storage keys and kept in account data, so any
// of the user's devices holding a storage key (or the passphrase/recovery
// key deriving one) can recover them. An explicit algorithm registry maps
// descriptor algorithm names to implementations; unknown algorithms on a
// stored secret are skipped, never guessed at.
package secretstorage

import (
	"encoding/json"
	"fmt"

	"github.com/keryx-im/keryx/crypto"
)

// Algorithm identifiers used in key descriptors.
const (
	AlgorithmAESHMACSHA2 = "m.secret_storage.v1.aes-hmac-sha2"
	AlgorithmCurve25519  = "m.secret_storage.v1.curve25519-aes-sha2"
)

// Account data locations.
const (
	keyDescriptorPrefix = "m.secret_storage.key."
	defaultKeyType      = "m.secret_storage.default_key"
)

// KeyDescriptor is the public description of one secret storage key, stored
// in account data. IV and MAC carry the key check for symmetric keys;
// PublicKey identifies asymmetric keys.
type KeyDescriptor struct {
	Name       string                       `json:"name,omitempty"`
	Algorithm  string                       `json:"algorithm"`
	IV         string                       `json:"iv,omitempty"`
	MAC        string                       `json:"mac,omitempty"`
	PublicKey  string                       `json:"pubkey,omitempty"`
	Passphrase *crypto.PassphraseParams     `json:"passphrase,omitempty"`
	Signatures map[string]map[string]string `json:"signatures,omitempty"`
}

// EncryptedSecret is the stored shape of a secret: one ciphertext per
// storage key it is encrypted under.
type EncryptedSecret struct {
	Encrypted map[string]json.RawMessage `json:"encrypted"`
}

// Algorithm encrypts and decrypts secrets under one descriptor algorithm.
type Algorithm interface {
	Name() string

	// Encrypt seals plaintext for the key described by desc. The secret
	// name binds the ciphertext to its storage location.
	Encrypt(plaintext, key []byte, secretName string, desc *KeyDescriptor) (json.RawMessage, error)

	// Decrypt opens a stored payload.
	Decrypt(payload json.RawMessage, key []byte, secretName string, desc *KeyDescriptor) ([]byte, error)

	// CheckKey reports whether the key material matches the descriptor.
	CheckKey(key []byte, desc *KeyDescriptor) (bool, error)

	// NeedsPrivateKey reports whether Encrypt requires the key material.
	// Asymmetric algorithms encrypt against the descriptor's public key.
	NeedsPrivateKey() bool
}

// Registry maps algorithm names to implementations. Injected explicitly;
// there is no global registration.
type Registry struct {
	algorithms map[string]Algorithm
}

// NewRegistry builds a registry from the given algorithms.
func NewRegistry(algorithms ...Algorithm) *Registry {
	r := &Registry{algorithms: make(map[string]Algorithm, len(algorithms))}
	for _, a := range algorithms {
		r.algorithms[a.Name()] = a
	}
	return r
}

// DefaultRegistry returns a registry with both supported algorithms.
func DefaultRegistry() *Registry {
	return NewRegistry(aesHMACAlgorithm{}, curve25519Algorithm{})
}

// Lookup returns the algorithm for a name.
func (r *Registry) Lookup(name string) (Algorithm, bool) {
	a, ok := r.algorithms[name]
	return a, ok
}

// aesHMACAlgorithm is the symmetric default: AES-CTR with an HMAC-SHA-256
// tag, keys derived per secret name.
type aesHMACAlgorithm struct{}

func (aesHMACAlgorithm) Name() string          { return AlgorithmAESHMACSHA2 }
func (aesHMACAlgorithm) NeedsPrivateKey() bool { return true }

func (aesHMACAlgorithm) Encrypt(plaintext, key []byte, secretName string, desc *KeyDescriptor) (json.RawMessage, error) {
	payload, err := crypto.EncryptAESHMAC(plaintext, key, secretName)
	if err != nil {
		return nil, err
	}
	return json.Marshal(payload)
}

func (aesHMACAlgorithm) Decrypt(raw json.RawMessage, key []byte, secretName string, desc *KeyDescriptor) ([]byte, error) {
	var payload crypto.AESPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("malformed encrypted secret: %w", err)
	}
	return crypto.DecryptAESHMAC(&payload, key, secretName)
}

func (aesHMACAlgorithm) CheckKey(key []byte, desc *KeyDescriptor) (bool, error) {
	if desc.IV == "" || desc.MAC == "" {
		// No key check recorded; nothing to compare against.
		return true, nil
	}
	return crypto.VerifyKeyCheck(key, desc.IV, desc.MAC)
}

// curve25519Algorithm is the legacy asymmetric algorithm: ephemeral
// Curve25519 agreement per secret, so writing needs only the public key.
type curve25519Algorithm struct{}

func (curve25519Algorithm) Name() string          { return AlgorithmCurve25519 }
func (curve25519Algorithm) NeedsPrivateKey() bool { return false }

func (curve25519Algorithm) Encrypt(plaintext, key []byte, secretName string, desc *KeyDescriptor) (json.RawMessage, error) {
	pub, err := decodePublicKey(desc.PublicKey)
	if err != nil {
		return nil, err
	}
	payload, err := crypto.EncryptEphemeral(plaintext, pub, secretName)
	if err != nil {
		return nil, err
	}
	return json.Marshal(payload)
}

func (curve25519Algorithm) Decrypt(raw json.RawMessage, key []byte, secretName string, desc *KeyDescriptor) ([]byte, error) {
	priv, match, err := checkCurve25519Key(key, desc)
	if err != nil {
		return nil, err
	}
	if !match {
		return nil, fmt.Errorf("private key does not match descriptor public key")
	}
	var payload crypto.EphemeralPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("malformed encrypted secret: %w", err)
	}
	return crypto.DecryptEphemeral(&payload, priv, secretName)
}

func (curve25519Algorithm) CheckKey(key []byte, desc *KeyDescriptor) (bool, error) {
	_, match, err := checkCurve25519Key(key, desc)
	return match, err
}

func checkCurve25519Key(key []byte, desc *KeyDescriptor) ([32]byte, bool, error) {
	var priv [32]byte
	if len(key) != 32 {
		return priv, false, fmt.Errorf("curve25519 key must be 32 bytes, got %d", len(key))
	}
	copy(priv[:], key)
	kp, err := crypto.FromSecretKey(priv)
	if err != nil {
		return priv, false, err
	}
	return priv, crypto.EncodeBase64(kp.Public[:]) == desc.PublicKey, nil
}

func decodePublicKey(b64 string) ([32]byte, error) {
	var pub [32]byte
	raw, err := crypto.DecodeBase64(b64)
	if err != nil {
		return pub, fmt.Errorf("malformed public key: %w", err)
	}
	if len(raw) != 32 {
		return pub, fmt.Errorf("public key must be 32 bytes, got %d", len(raw))
	}
	copy(pub[:], raw)
	return pub, nil
}
