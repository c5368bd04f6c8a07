package olm

import (
	"context"
	"encoding/json"
)

// CiphertextInfo is one recipient's ciphertext in an encrypted event.
type CiphertextInfo struct {
	Type MessageType `json:"type"`
	Body string      `json:"body"`
}

// EncryptedContent is the content of an m.room.encrypted to-device event.
type EncryptedContent struct {
	Algorithm  string                    `json:"algorithm"`
	SenderKey  string                    `json:"sender_key"`
	Ciphertext map[string]CiphertextInfo `json:"ciphertext"`
}

// Envelope is the authenticated plaintext of a pairwise-encrypted event.
// The validation fields bind the ciphertext to a specific sender, recipient
// and recipient key so a decrypted message cannot be replayed to another
// device or attributed to another user.
type Envelope struct {
	Sender        string            `json:"sender"`
	SenderDevice  string            `json:"sender_device,omitempty"`
	Keys          map[string]string `json:"keys"`
	Recipient     string            `json:"recipient"`
	RecipientKeys map[string]string `json:"recipient_keys"`
	RoomID        string            `json:"room_id,omitempty"`
	Type          string            `json:"type"`
	Content       json.RawMessage   `json:"content"`

	// SenderIdentityKey is the curve25519 key of the session that
	// decrypted this envelope. It is set by DecryptMessage, never parsed
	// from the payload: the Keys field above is sender-asserted
	// plaintext, while this key is vouched for by the session itself.
	SenderIdentityKey string `json:"-"`
}

// SignedKey is a one-time key as returned by a claim, signed by the owning
// device.
type SignedKey struct {
	Key        string                       `json:"key"`
	Fallback   bool                         `json:"fallback,omitempty"`
	Signatures map[string]map[string]string `json:"signatures,omitempty"`
}

// ClaimResponse is the result of a one-time key claim across devices.
type ClaimResponse struct {
	// OneTimeKeys maps user id -> device id -> "algorithm:key_id" -> key.
	OneTimeKeys map[string]map[string]map[string]SignedKey `json:"one_time_keys"`

	// Failures lists remote domains that could not be reached.
	Failures map[string]interface{} `json:"failures,omitempty"`
}

// KeyClaimer claims one-time keys from the network. The request maps user
// id to the device ids to claim for.
type KeyClaimer interface {
	ClaimKeys(ctx context.Context, request map[string][]string, algorithm string) (*ClaimResponse, error)
}
