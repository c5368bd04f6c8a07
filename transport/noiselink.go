package transport

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/flynn/noise"
	"github.com/sirupsen/logrus"

	"github.com/keryx-im/keryx/crypto"
)

var (
	// ErrHandshakeNotComplete indicates the link is used before Handshake.
	ErrHandshakeNotComplete = errors.New("handshake not complete")
	// ErrFrameTooLarge indicates an incoming frame exceeds MaxFrameSize.
	ErrFrameTooLarge = errors.New("frame exceeds maximum size")
)

// MaxFrameSize bounds a single framed message (1MB, matching the payload
// limit elsewhere in the stack).
const MaxFrameSize = 1024 * 1024

// LinkRole defines whether we initiate or respond on a NoiseLink.
type LinkRole uint8

const (
	// LinkInitiator dials and knows the peer's static key in advance.
	LinkInitiator LinkRole = iota
	// LinkResponder accepts and learns the peer's static key from the
	// handshake.
	LinkResponder
)

// NoiseLink is a direct device-to-device to-device channel: length-prefixed
// frames over a net.Conn, secured with a Noise IK handshake keyed by the
// devices' Curve25519 identity keys. The initiator must already know the
// responder's identity key, which is exactly the situation after a device
// has been verified or paired.
type NoiseLink struct {
	conn       net.Conn
	role       LinkRole
	state      *noise.HandshakeState
	sendCipher *noise.CipherState
	recvCipher *noise.CipherState
	complete   bool
}

// NewNoiseLink wraps conn in an (not yet established) secure link.
// staticPrivKey is our identity private key; peerPubKey is required for the
// initiator and ignored for the responder.
func NewNoiseLink(conn net.Conn, staticPrivKey [32]byte, peerPubKey []byte, role LinkRole) (*NoiseLink, error) {
	if role == LinkInitiator && len(peerPubKey) != 32 {
		return nil, fmt.Errorf("initiator requires peer public key (32 bytes), got %d", len(peerPubKey))
	}

	keyPair, err := crypto.FromSecretKey(staticPrivKey)
	if err != nil {
		return nil, fmt.Errorf("failed to derive keypair: %w", err)
	}

	staticKey := noise.DHKey{
		Private: make([]byte, 32),
		Public:  make([]byte, 32),
	}
	copy(staticKey.Private, keyPair.Private[:])
	copy(staticKey.Public, keyPair.Public[:])

	config := noise.Config{
		CipherSuite:   noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashSHA256),
		Random:        rand.Reader,
		Pattern:       noise.HandshakeIK,
		Initiator:     role == LinkInitiator,
		StaticKeypair: staticKey,
	}
	if role == LinkInitiator {
		config.PeerStatic = make([]byte, 32)
		copy(config.PeerStatic, peerPubKey)
	}

	state, err := noise.NewHandshakeState(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create handshake state: %w", err)
	}

	return &NoiseLink{conn: conn, role: role, state: state}, nil
}

// Handshake runs the two-message IK exchange over the connection. It must
// complete before Send or Receive are usable.
func (l *NoiseLink) Handshake() error {
	if l.complete {
		return nil
	}

	if l.role == LinkInitiator {
		msg, _, _, err := l.state.WriteMessage(nil, nil)
		if err != nil {
			return fmt.Errorf("initiator write failed: %w", err)
		}
		if err := l.writeFrame(msg); err != nil {
			return err
		}

		reply, err := l.readFrame()
		if err != nil {
			return err
		}
		_, recvCipher, sendCipher, err := l.state.ReadMessage(nil, reply)
		if err != nil {
			return fmt.Errorf("initiator read response failed: %w", err)
		}
		l.recvCipher = recvCipher
		l.sendCipher = sendCipher
	} else {
		first, err := l.readFrame()
		if err != nil {
			return err
		}
		if _, _, _, err := l.state.ReadMessage(nil, first); err != nil {
			return fmt.Errorf("responder read failed: %w", err)
		}

		msg, sendCipher, recvCipher, err := l.state.WriteMessage(nil, nil)
		if err != nil {
			return fmt.Errorf("responder write failed: %w", err)
		}
		if err := l.writeFrame(msg); err != nil {
			return err
		}
		l.sendCipher = sendCipher
		l.recvCipher = recvCipher
	}

	l.complete = true
	logrus.WithFields(logrus.Fields{
		"function": "Handshake",
		"role":     l.role,
	}).Debug("Noise link established")
	return nil
}

// PeerIdentityKey returns the peer's static identity key after the
// handshake, so the caller can check it against the expected device.
func (l *NoiseLink) PeerIdentityKey() ([]byte, error) {
	if !l.complete {
		return nil, ErrHandshakeNotComplete
	}
	remote := l.state.PeerStatic()
	if len(remote) == 0 {
		return nil, fmt.Errorf("remote static key not available")
	}
	key := make([]byte, len(remote))
	copy(key, remote)
	return key, nil
}

// Send encrypts and writes one frame.
func (l *NoiseLink) Send(payload []byte) error {
	if !l.complete {
		return ErrHandshakeNotComplete
	}
	sealed, err := l.sendCipher.Encrypt(nil, nil, payload)
	if err != nil {
		return fmt.Errorf("frame encryption failed: %w", err)
	}
	return l.writeFrame(sealed)
}

// Receive reads and decrypts one frame.
func (l *NoiseLink) Receive() ([]byte, error) {
	if !l.complete {
		return nil, ErrHandshakeNotComplete
	}
	sealed, err := l.readFrame()
	if err != nil {
		return nil, err
	}
	payload, err := l.recvCipher.Decrypt(nil, nil, sealed)
	if err != nil {
		return nil, fmt.Errorf("frame decryption failed: %w", err)
	}
	return payload, nil
}

// Close closes the underlying connection.
func (l *NoiseLink) Close() error {
	return l.conn.Close()
}

func (l *NoiseLink) writeFrame(payload []byte) error {
	if len(payload) > MaxFrameSize {
		return ErrFrameTooLarge
	}
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(payload)))
	if _, err := l.conn.Write(header[:]); err != nil {
		return fmt.Errorf("failed to write frame header: %w", err)
	}
	if _, err := l.conn.Write(payload); err != nil {
		return fmt.Errorf("failed to write frame body: %w", err)
	}
	return nil
}

func (l *NoiseLink) readFrame() ([]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(l.conn, header[:]); err != nil {
		return nil, fmt.Errorf("failed to read frame header: %w", err)
	}
	size := binary.BigEndian.Uint32(header[:])
	if size > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(l.conn, payload); err != nil {
		return nil, fmt.Errorf("failed to read frame body: %w", err)
	}
	return payload, nil
}
