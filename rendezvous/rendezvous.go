// Package rendezvous implements an ephemeral secure channel for device
// sign-in handoff: two devices meeting over an untrusted frame transport
// perform an unauthenticated ECDH, then authenticate the channel out of
// band by comparing a short decimal checksum derived from the shared
// secret and both public keys. An attacker substituting keys in the
// exchange produces different checksums on the two ends.
package rendezvous

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"

	"github.com/keryx-im/keryx/crypto"
)

// Algorithm identifies the channel establishment in the initial frame.
const Algorithm = "m.rendezvous.v2.curve25519-aes-sha256"

// Failure codes carried by RendezvousError.
const (
	CodeUnsupportedAlgorithm = "RZ_UNSUPPORTED_ALGORITHM"
	CodeBadKey               = "RZ_BAD_KEY"
	CodeNotSecured           = "RZ_NOT_SECURED"
	CodeInsecureFrame        = "RZ_INSECURE_FRAME"
	CodeDecryptionFailed     = "RZ_DECRYPTION_FAILED"
)

// RendezvousError is a channel failure with a machine-readable code.
type RendezvousError struct {
	Code string
	Msg  string
}

func (e *RendezvousError) Error() string {
	return fmt.Sprintf("rendezvous: %s: %s", e.Code, e.Msg)
}

func rzErr(code, format string, args ...interface{}) *RendezvousError {
	return &RendezvousError{Code: code, Msg: fmt.Sprintf(format, args...)}
}

// Transport carries opaque frames between the two devices. Ordering must
// be preserved; confidentiality and integrity are the channel's job.
type Transport interface {
	SendFrame(ctx context.Context, data []byte) error
	ReceiveFrame(ctx context.Context) ([]byte, error)
}

// keyFrame is the single establishment frame each side sends.
type keyFrame struct {
	Algorithm string `json:"algorithm"`
	Key       string `json:"key"`
}

// Channel is one end of the rendezvous channel.
type Channel struct {
	transport Transport
	initiator bool

	keyPair  *crypto.KeyPair
	aead     cipher.AEAD
	checksum string
	secured  bool
}

// NewChannel creates an unconnected channel end. The initiator sends its
// key first.
func NewChannel(t Transport, initiator bool) (*Channel, error) {
	kp, err := crypto.GenerateKeyPair()
	if err != nil {
		return nil, fmt.Errorf("failed to generate channel key: %w", err)
	}
	return &Channel{transport: t, initiator: initiator, keyPair: kp}, nil
}

// Connect performs the key exchange and returns the decimal checksum both
// users compare out of band. Frames sent after Connect are encrypted.
func (c *Channel) Connect(ctx context.Context) (string, error) {
	ours := keyFrame{
		Algorithm: Algorithm,
		Key:       crypto.EncodeBase64(c.keyPair.Public[:]),
	}
	raw, err := json.Marshal(ours)
	if err != nil {
		return "", err
	}

	var theirs keyFrame
	if c.initiator {
		if err := c.transport.SendFrame(ctx, raw); err != nil {
			return "", err
		}
		if theirs, err = c.receiveKeyFrame(ctx); err != nil {
			return "", err
		}
	} else {
		if theirs, err = c.receiveKeyFrame(ctx); err != nil {
			return "", err
		}
		if err := c.transport.SendFrame(ctx, raw); err != nil {
			return "", err
		}
	}

	theirKey, err := crypto.DecodeBase64(theirs.Key)
	if err != nil || len(theirKey) != 32 {
		return "", rzErr(CodeBadKey, "peer sent a malformed key")
	}
	var theirPub [32]byte
	copy(theirPub[:], theirKey)
	shared, err := crypto.DeriveSharedSecret(theirPub, c.keyPair.Private)
	if err != nil {
		return "", rzErr(CodeBadKey, "key agreement failed: %v", err)
	}

	// The derivation is oriented by role so both sides compute identical
	// material, and the info string pins both public keys: a key
	// substitution shows up as a checksum mismatch.
	initiatorKey, recipientKey := ours.Key, theirs.Key
	if !c.initiator {
		initiatorKey, recipientKey = theirs.Key, ours.Key
	}
	info := Algorithm + "|" + initiatorKey + "|" + recipientKey

	okm := make([]byte, 32+5)
	r := hkdf.New(sha256.New, shared[:], nil, []byte(info))
	if _, err := io.ReadFull(r, okm); err != nil {
		return "", fmt.Errorf("failed to derive channel key: %w", err)
	}
	crypto.ZeroBytes(shared[:])

	block, err := aes.NewCipher(okm[:32])
	if err != nil {
		return "", err
	}
	c.aead, err = cipher.NewGCM(block)
	if err != nil {
		return "", err
	}
	crypto.ZeroBytes(okm[:32])

	c.checksum = formatChecksum(okm[32:])
	c.secured = true
	return c.checksum, nil
}

func (c *Channel) receiveKeyFrame(ctx context.Context) (keyFrame, error) {
	var frame keyFrame
	raw, err := c.transport.ReceiveFrame(ctx)
	if err != nil {
		return frame, err
	}
	if err := json.Unmarshal(raw, &frame); err != nil {
		return frame, rzErr(CodeBadKey, "malformed key frame")
	}
	if frame.Algorithm != Algorithm {
		return frame, rzErr(CodeUnsupportedAlgorithm, "peer requested %q", frame.Algorithm)
	}
	return frame, nil
}

// Checksum returns the comparison string after Connect.
func (c *Channel) Checksum() string { return c.checksum }

// Send encrypts and sends one payload.
func (c *Channel) Send(ctx context.Context, plaintext []byte) error {
	if !c.secured {
		return rzErr(CodeNotSecured, "channel not connected")
	}
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("failed to generate nonce: %w", err)
	}
	frame := append(nonce, c.aead.Seal(nil, nonce, plaintext, nil)...)
	return c.transport.SendFrame(ctx, frame)
}

// Receive reads and decrypts one payload. A frame too short to be sealed,
// or one failing authentication, fails the channel: after Connect, no
// plaintext is ever accepted.
func (c *Channel) Receive(ctx context.Context) ([]byte, error) {
	if !c.secured {
		return nil, rzErr(CodeNotSecured, "channel not connected")
	}
	frame, err := c.transport.ReceiveFrame(ctx)
	if err != nil {
		return nil, err
	}
	nonceSize := c.aead.NonceSize()
	if len(frame) < nonceSize+c.aead.Overhead() {
		return nil, rzErr(CodeInsecureFrame, "frame too short to be encrypted")
	}
	plaintext, err := c.aead.Open(nil, frame[:nonceSize], frame[nonceSize:], nil)
	if err != nil {
		return nil, rzErr(CodeDecryptionFailed, "frame failed authentication")
	}
	return plaintext, nil
}

// formatChecksum renders 5 derived bytes as three four-digit decimal
// groups, thirteen bits each.
func formatChecksum(b []byte) string {
	n1 := (int(b[0])<<5 | int(b[1])>>3) + 1000
	n2 := ((int(b[1])&0x07)<<10 | int(b[2])<<2 | int(b[3])>>6) + 1000
	n3 := ((int(b[3])&0x3f)<<7 | int(b[4])>>1) + 1000
	return fmt.Sprintf("%04d-%04d-%04d", n1, n2, n3)
}
