// Package crosssigning manages the per-user cross-signing key hierarchy:
// the master, self-signing and user-signing Ed25519 keys that let one
// device vouch for others, the signature chains that connect them, and the
// user/device trust levels derived from those chains.
package crosssigning

import (
	"fmt"
	"strings"

	"github.com/keryx-im/keryx/crypto"
)

// Key usages in the cross-signing hierarchy.
const (
	UsageMaster      = "master"
	UsageSelfSigning = "self_signing"
	UsageUserSigning = "user_signing"
)

// KeyLevel selects which keys an operation applies to.
type KeyLevel int

const (
	// LevelMaster selects the master key. Resetting it invalidates the
	// whole hierarchy, so it implies the other two levels.
	LevelMaster KeyLevel = 1 << iota
	// LevelSelfSigning selects the self-signing key.
	LevelSelfSigning
	// LevelUserSigning selects the user-signing key.
	LevelUserSigning
)

// Key is one published cross-signing key: usage, public key and the
// signatures attached to it.
type Key struct {
	UserID     string                       `json:"user_id"`
	Usage      []string                     `json:"usage"`
	Keys       map[string]string            `json:"keys"`
	Signatures map[string]map[string]string `json:"signatures,omitempty"`
}

// PublicKey returns the base64 public key, or "" when the entry is empty.
// Cross-signing keys are published with a single entry keyed
// "ed25519:<public key>".
func (k *Key) PublicKey() string {
	if k == nil {
		return ""
	}
	for id, key := range k.Keys {
		if strings.HasPrefix(id, "ed25519:") {
			return key
		}
	}
	return ""
}

// PublicKeyBytes decodes the public key.
func (k *Key) PublicKeyBytes() ([32]byte, error) {
	var out [32]byte
	b64 := k.PublicKey()
	if b64 == "" {
		return out, fmt.Errorf("cross-signing key has no ed25519 entry")
	}
	raw, err := crypto.DecodeBase64(b64)
	if err != nil {
		return out, fmt.Errorf("malformed cross-signing public key: %w", err)
	}
	if len(raw) != 32 {
		return out, fmt.Errorf("cross-signing public key must be 32 bytes, got %d", len(raw))
	}
	copy(out[:], raw)
	return out, nil
}

// HasUsage reports whether the key declares the given usage.
func (k *Key) HasUsage(usage string) bool {
	if k == nil {
		return false
	}
	for _, u := range k.Usage {
		if u == usage {
			return true
		}
	}
	return false
}

// SignatureBy returns the signature attached under
// signatures[userID]["ed25519:"+signingKey], if present.
func (k *Key) SignatureBy(userID, signingKey string) (string, bool) {
	if k == nil {
		return "", false
	}
	sig, ok := k.Signatures[userID]["ed25519:"+signingKey]
	return sig, ok
}

// signable returns the map form covered by detached signatures.
func (k *Key) signable() map[string]interface{} {
	return map[string]interface{}{
		"user_id": k.UserID,
		"usage":   k.Usage,
		"keys":    k.Keys,
	}
}

// verifySignedBy checks that the key carries a valid signature by the given
// signer public key, attributed to signerUserID.
func (k *Key) verifySignedBy(signerUserID, signerPublicKey string) error {
	sig, ok := k.SignatureBy(signerUserID, signerPublicKey)
	if !ok {
		return fmt.Errorf("key %q of %s is not signed by ed25519:%s", k.PublicKey(), k.UserID, signerPublicKey)
	}

	raw, err := crypto.DecodeBase64(signerPublicKey)
	if err != nil || len(raw) != 32 {
		return fmt.Errorf("malformed signer public key %q", signerPublicKey)
	}
	var pub [32]byte
	copy(pub[:], raw)

	valid, err := crypto.VerifyJSON(k.signable(), sig, pub)
	if err != nil {
		return fmt.Errorf("signature check failed: %w", err)
	}
	if !valid {
		return fmt.Errorf("invalid signature on key %q of %s by ed25519:%s", k.PublicKey(), k.UserID, signerPublicKey)
	}
	return nil
}

// newKey builds a Key for a freshly generated key pair.
func newKey(userID, usage string, pub [32]byte) *Key {
	b64 := crypto.EncodeBase64(pub[:])
	return &Key{
		UserID: userID,
		Usage:  []string{usage},
		Keys:   map[string]string{"ed25519:" + b64: b64},
	}
}

// KeySet is a user's published cross-signing key triad. SelfSigning and
// UserSigning may be nil; Master may be nil only for users with no
// cross-signing identity at all.
type KeySet struct {
	UserID      string `json:"user_id"`
	Master      *Key   `json:"master,omitempty"`
	SelfSigning *Key   `json:"self_signing,omitempty"`
	UserSigning *Key   `json:"user_signing,omitempty"`
}

// Clone returns a deep copy so callers can stage modifications without
// touching committed state.
func (s *KeySet) Clone() *KeySet {
	if s == nil {
		return nil
	}
	out := &KeySet{UserID: s.UserID}
	out.Master = cloneKey(s.Master)
	out.SelfSigning = cloneKey(s.SelfSigning)
	out.UserSigning = cloneKey(s.UserSigning)
	return out
}

func cloneKey(k *Key) *Key {
	if k == nil {
		return nil
	}
	out := &Key{UserID: k.UserID, Usage: append([]string(nil), k.Usage...), Keys: map[string]string{}}
	for id, key := range k.Keys {
		out.Keys[id] = key
	}
	if k.Signatures != nil {
		out.Signatures = make(map[string]map[string]string, len(k.Signatures))
		for user, sigs := range k.Signatures {
			inner := make(map[string]string, len(sigs))
			for id, sig := range sigs {
				inner[id] = sig
			}
			out.Signatures[user] = inner
		}
	}
	return out
}
