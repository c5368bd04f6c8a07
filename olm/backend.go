// Package olm manages pairwise encrypted sessions between devices: claiming
// one-time keys, establishing sessions, encrypting to-device payloads, and
// validating decrypted envelopes. The cryptographic ratchet itself lives
// behind the Account and Session interfaces; the default implementation is
// the ratchet subpackage.
package olm

// MessageType distinguishes session-establishing messages from messages on
// an established session.
type MessageType int

const (
	// MessageTypePreKey carries the establishment material alongside the
	// first message(s) of a session.
	MessageTypePreKey MessageType = 0

	// MessageTypeNormal is a message on an established session.
	MessageTypeNormal MessageType = 1
)

// Algorithm identifiers used on the wire.
const (
	AlgorithmOlm              = "m.olm.v1.curve25519-aes-sha2"
	AlgorithmSignedCurve25519 = "signed_curve25519"
)

// Account is a device's long-term pairwise-encryption state.
type Account interface {
	// IdentityKey returns the base64 Curve25519 identity key.
	IdentityKey() string

	// SigningKey returns the base64 Ed25519 signing key.
	SigningKey() string

	// SignJSON signs an object with the account's Ed25519 key.
	SignJSON(obj interface{}) (string, error)

	// GenerateOneTimeKeys adds count fresh one-time keys to the pool.
	GenerateOneTimeKeys(count int) error

	// OneTimeKeys returns unpublished one-time keys as id -> base64 public.
	OneTimeKeys() map[string]string

	// MarkKeysAsPublished flags current one-time keys as uploaded.
	MarkKeysAsPublished()

	// NewOutboundSession establishes a session toward a remote device.
	NewOutboundSession(theirIdentityKey, theirOneTimeKey string) (Session, error)

	// NewInboundSession establishes a session from a pre-key message,
	// consuming the referenced one-time key.
	NewInboundSession(theirIdentityKey, body string) (Session, error)
}

// Session is one pairwise session with a remote device.
type Session interface {
	// ID returns the session identifier shared by both sides.
	ID() string

	// TheirIdentityKey returns the peer's base64 Curve25519 identity key.
	TheirIdentityKey() string

	// Encrypt seals plaintext, returning the message type and base64 body.
	Encrypt(plaintext []byte) (MessageType, string, error)

	// Decrypt opens a message of the given type.
	Decrypt(msgType MessageType, body string) ([]byte, error)

	// MatchesPreKey reports whether a pre-key message belongs to this
	// session.
	MatchesPreKey(body string) (bool, error)

	// HasReceivedMessage reports whether the peer has replied yet.
	HasReceivedMessage() bool

	// Pickle serializes and encrypts the session state.
	Pickle(pickleKey []byte) ([]byte, error)
}
