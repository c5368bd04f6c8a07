package ratchet

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/nacl/secretbox"

	"github.com/keryx-im/keryx/crypto"
	"github.com/keryx-im/keryx/olm"
)

const (
	rootInfo = "KERYX_OLM_ROOT"

	// maxSkippedKeys bounds how many out-of-order message keys a session
	// retains before older ones are discarded.
	maxSkippedKeys = 64
)

var (
	// ErrBadMessage indicates a message that could not be parsed or opened.
	ErrBadMessage = errors.New("ratchet: bad message")

	// ErrUnknownMessageIndex indicates a message key that was already
	// consumed or fell out of the skipped-key window.
	ErrUnknownMessageIndex = errors.New("ratchet: unknown message index")

	// ErrUnknownOneTimeKey indicates a pre-key message referencing a
	// one-time key this account no longer holds.
	ErrUnknownOneTimeKey = errors.New("ratchet: unknown one-time key")
)

// chainState is one direction of a session: a symmetric chain key advanced
// per message, plus retained keys for messages that arrived out of order.
type chainState struct {
	Key     [32]byte          `json:"key"`
	Index   uint32            `json:"index"`
	Skipped map[uint32][]byte `json:"skipped,omitempty"`
}

// preKeyInfo is the establishment material an outbound session repeats in
// every pre-key message until the peer replies.
type preKeyInfo struct {
	IdentityKey string `json:"identity_key"`
	BaseKey     string `json:"base_key"`
	OneTimeKey  string `json:"one_time_key"`
}

// Session is a pairwise double-chain session with one remote device.
type Session struct {
	mu sync.Mutex

	id               string
	theirIdentityKey string
	sendChain        chainState
	recvChain        chainState
	received         bool
	preKey           *preKeyInfo
}

// normalMessage is the sealed payload of a type-1 message.
type normalMessage struct {
	Index      uint32 `json:"index"`
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
}

// preKeyMessage wraps a normal message with the establishment material.
type preKeyMessage struct {
	IdentityKey string        `json:"identity_key"`
	BaseKey     string        `json:"base_key"`
	OneTimeKey  string        `json:"one_time_key"`
	Message     normalMessage `json:"message"`
}

// NewOutboundSession establishes a session toward a remote device from its
// identity key and a claimed one-time key. The triple Diffie-Hellman binds
// our identity and a fresh base key to the peer's keys; until the peer
// replies, every message carries the establishment material.
func (a *Account) NewOutboundSession(theirIdentityKey, theirOneTimeKey string) (olm.Session, error) {
	theirIdentity, err := decodeKey(theirIdentityKey)
	if err != nil {
		return nil, fmt.Errorf("bad identity key: %w", err)
	}
	theirOneTime, err := decodeKey(theirOneTimeKey)
	if err != nil {
		return nil, fmt.Errorf("bad one-time key: %w", err)
	}

	base, err := crypto.GenerateKeyPair()
	if err != nil {
		return nil, fmt.Errorf("failed to generate base key: %w", err)
	}
	defer crypto.WipeKeyPair(base)

	dh1, err := crypto.DeriveSharedSecret(theirOneTime, a.identity.Private)
	if err != nil {
		return nil, err
	}
	dh2, err := crypto.DeriveSharedSecret(theirIdentity, base.Private)
	if err != nil {
		return nil, err
	}
	dh3, err := crypto.DeriveSharedSecret(theirOneTime, base.Private)
	if err != nil {
		return nil, err
	}

	sendKey, recvKey, err := deriveChainKeys(dh1, dh2, dh3)
	if err != nil {
		return nil, err
	}
	crypto.ZeroBytes(dh1[:])
	crypto.ZeroBytes(dh2[:])
	crypto.ZeroBytes(dh3[:])

	baseB64 := crypto.EncodeBase64(base.Public[:])
	s := &Session{
		id:               sessionID(a.IdentityKey(), baseB64, theirOneTimeKey),
		theirIdentityKey: theirIdentityKey,
		sendChain:        chainState{Key: sendKey},
		recvChain:        chainState{Key: recvKey},
		preKey: &preKeyInfo{
			IdentityKey: a.IdentityKey(),
			BaseKey:     baseB64,
			OneTimeKey:  theirOneTimeKey,
		},
	}
	return s, nil
}

// NewInboundSession establishes a session from a received pre-key message,
// consuming the referenced one-time key. The message itself is not
// decrypted here; the caller decrypts through the returned session.
func (a *Account) NewInboundSession(theirIdentityKey, body string) (olm.Session, error) {
	var msg preKeyMessage
	if err := decodeBody(body, &msg); err != nil {
		return nil, err
	}
	if theirIdentityKey != "" && msg.IdentityKey != theirIdentityKey {
		return nil, fmt.Errorf("%w: identity key mismatch", ErrBadMessage)
	}

	oneTime, ok := a.takeOneTimeKey(msg.OneTimeKey)
	if !ok {
		return nil, ErrUnknownOneTimeKey
	}
	defer crypto.WipeKeyPair(oneTime)

	theirIdentity, err := decodeKey(msg.IdentityKey)
	if err != nil {
		return nil, fmt.Errorf("bad identity key: %w", err)
	}
	theirBase, err := decodeKey(msg.BaseKey)
	if err != nil {
		return nil, fmt.Errorf("bad base key: %w", err)
	}

	dh1, err := crypto.DeriveSharedSecret(theirIdentity, oneTime.Private)
	if err != nil {
		return nil, err
	}
	dh2, err := crypto.DeriveSharedSecret(theirBase, a.identity.Private)
	if err != nil {
		return nil, err
	}
	dh3, err := crypto.DeriveSharedSecret(theirBase, oneTime.Private)
	if err != nil {
		return nil, err
	}

	// The initiator's send chain is our receive chain.
	theirSend, ourSend, err := deriveChainKeys(dh1, dh2, dh3)
	if err != nil {
		return nil, err
	}
	crypto.ZeroBytes(dh1[:])
	crypto.ZeroBytes(dh2[:])
	crypto.ZeroBytes(dh3[:])

	s := &Session{
		id:               sessionID(msg.IdentityKey, msg.BaseKey, msg.OneTimeKey),
		theirIdentityKey: msg.IdentityKey,
		sendChain:        chainState{Key: ourSend},
		recvChain:        chainState{Key: theirSend},
	}
	return s, nil
}

// deriveChainKeys expands the concatenated DH outputs into the initiator's
// send and receive chain keys, in that order.
func deriveChainKeys(dh1, dh2, dh3 [32]byte) (send, recv [32]byte, err error) {
	var material [96]byte
	copy(material[0:32], dh1[:])
	copy(material[32:64], dh2[:])
	copy(material[64:96], dh3[:])

	r := hkdf.New(sha256.New, material[:], make([]byte, 32), []byte(rootInfo))
	var out [64]byte
	if _, err = io.ReadFull(r, out[:]); err != nil {
		return send, recv, fmt.Errorf("failed to derive chain keys: %w", err)
	}
	crypto.ZeroBytes(material[:])

	copy(send[:], out[0:32])
	copy(recv[:], out[32:64])
	crypto.ZeroBytes(out[:])
	return send, recv, nil
}

// ID returns the deterministic session identifier.
func (s *Session) ID() string { return s.id }

// TheirIdentityKey returns the peer's base64 Curve25519 identity key.
func (s *Session) TheirIdentityKey() string { return s.theirIdentityKey }

// HasReceivedMessage reports whether the peer has sent anything through
// this session yet. Until then, outbound messages stay in pre-key form.
func (s *Session) HasReceivedMessage() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.received
}

// Encrypt seals plaintext for the peer, advancing the send chain. It
// returns the message type and the base64 body.
func (s *Session) Encrypt(plaintext []byte) (olm.MessageType, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	messageKey := advanceChain(&s.sendChain)
	index := s.sendChain.Index - 1

	var nonce [24]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return 0, "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	sealed := secretbox.Seal(nil, plaintext, &nonce, &messageKey)
	crypto.ZeroBytes(messageKey[:])

	inner := normalMessage{
		Index:      index,
		Nonce:      crypto.EncodeBase64(nonce[:]),
		Ciphertext: crypto.EncodeBase64(sealed),
	}

	if !s.received && s.preKey != nil {
		body, err := encodeBody(preKeyMessage{
			IdentityKey: s.preKey.IdentityKey,
			BaseKey:     s.preKey.BaseKey,
			OneTimeKey:  s.preKey.OneTimeKey,
			Message:     inner,
		})
		if err != nil {
			return 0, "", err
		}
		return olm.MessageTypePreKey, body, nil
	}

	body, err := encodeBody(inner)
	if err != nil {
		return 0, "", err
	}
	return olm.MessageTypeNormal, body, nil
}

// Decrypt opens a message from the peer, advancing the receive chain as
// needed. A successful decrypt of any message marks the session confirmed.
func (s *Session) Decrypt(msgType olm.MessageType, body string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var inner normalMessage
	switch msgType {
	case olm.MessageTypePreKey:
		var msg preKeyMessage
		if err := decodeBody(body, &msg); err != nil {
			return nil, err
		}
		if msg.IdentityKey != s.theirIdentityKey {
			return nil, fmt.Errorf("%w: identity key mismatch", ErrBadMessage)
		}
		inner = msg.Message
	case olm.MessageTypeNormal:
		if err := decodeBody(body, &inner); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%w: unknown message type %d", ErrBadMessage, msgType)
	}

	// Callers trial-decrypt against several sessions, so a failed attempt
	// must leave the receive chain untouched.
	saved := cloneChain(s.recvChain)

	messageKey, err := s.receiveKey(inner.Index)
	if err != nil {
		s.recvChain = saved
		return nil, err
	}
	defer crypto.ZeroBytes(messageKey[:])

	nonceBytes, err := crypto.DecodeBase64(inner.Nonce)
	if err != nil || len(nonceBytes) != 24 {
		s.recvChain = saved
		return nil, fmt.Errorf("%w: bad nonce", ErrBadMessage)
	}
	sealed, err := crypto.DecodeBase64(inner.Ciphertext)
	if err != nil {
		s.recvChain = saved
		return nil, fmt.Errorf("%w: bad ciphertext encoding", ErrBadMessage)
	}

	var nonce [24]byte
	copy(nonce[:], nonceBytes)
	plaintext, ok := secretbox.Open(nil, sealed, &nonce, &messageKey)
	if !ok {
		s.recvChain = saved
		return nil, fmt.Errorf("%w: authentication failed", ErrBadMessage)
	}

	s.received = true
	s.preKey = nil
	return plaintext, nil
}

// receiveKey produces the message key for the given receive-chain index,
// stashing keys for any skipped indices so out-of-order delivery still
// decrypts.
func (s *Session) receiveKey(index uint32) ([32]byte, error) {
	if index < s.recvChain.Index {
		stashed, ok := s.recvChain.Skipped[index]
		if !ok {
			return [32]byte{}, ErrUnknownMessageIndex
		}
		delete(s.recvChain.Skipped, index)
		var key [32]byte
		copy(key[:], stashed)
		crypto.ZeroBytes(stashed)
		return key, nil
	}

	if index-s.recvChain.Index > maxSkippedKeys {
		return [32]byte{}, fmt.Errorf("%w: gap of %d exceeds limit", ErrUnknownMessageIndex, index-s.recvChain.Index)
	}
	for s.recvChain.Index < index {
		skipped := advanceChain(&s.recvChain)
		if s.recvChain.Skipped == nil {
			s.recvChain.Skipped = make(map[uint32][]byte)
		}
		if len(s.recvChain.Skipped) < maxSkippedKeys {
			stash := make([]byte, 32)
			copy(stash, skipped[:])
			s.recvChain.Skipped[s.recvChain.Index-1] = stash
		}
		crypto.ZeroBytes(skipped[:])
	}
	return advanceChain(&s.recvChain), nil
}

// advanceChain derives the message key at the chain's current index and
// steps the chain key forward.
func advanceChain(c *chainState) [32]byte {
	var messageKey [32]byte
	copy(messageKey[:], chainHMAC(c.Key, 0x01))
	copy(c.Key[:], chainHMAC(c.Key, 0x02))
	c.Index++
	return messageKey
}

func cloneChain(c chainState) chainState {
	out := chainState{Key: c.Key, Index: c.Index}
	if c.Skipped != nil {
		out.Skipped = make(map[uint32][]byte, len(c.Skipped))
		for idx, key := range c.Skipped {
			stash := make([]byte, len(key))
			copy(stash, key)
			out.Skipped[idx] = stash
		}
	}
	return out
}

func chainHMAC(key [32]byte, label byte) []byte {
	mac := hmac.New(sha256.New, key[:])
	mac.Write([]byte{label})
	return mac.Sum(nil)
}

// MatchesPreKey reports whether a pre-key message body belongs to this
// session, by re-deriving the session id from its establishment material.
func (s *Session) MatchesPreKey(body string) (bool, error) {
	var msg preKeyMessage
	if err := decodeBody(body, &msg); err != nil {
		return false, err
	}
	return sessionID(msg.IdentityKey, msg.BaseKey, msg.OneTimeKey) == s.id, nil
}

// pickledSession is the serialized session state.
type pickledSession struct {
	ID               string      `json:"id"`
	TheirIdentityKey string      `json:"their_identity_key"`
	SendChain        chainState  `json:"send_chain"`
	RecvChain        chainState  `json:"recv_chain"`
	Received         bool        `json:"received"`
	PreKey           *preKeyInfo `json:"pre_key,omitempty"`
}

// Pickle serializes and encrypts the session state under the pickle key.
func (s *Session) Pickle(pickleKey []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	plain, err := json.Marshal(pickledSession{
		ID:               s.id,
		TheirIdentityKey: s.theirIdentityKey,
		SendChain:        s.sendChain,
		RecvChain:        s.recvChain,
		Received:         s.received,
		PreKey:           s.preKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to serialize session: %w", err)
	}
	defer crypto.ZeroBytes(plain)
	return crypto.Pickle(plain, pickleKey)
}

// UnpickleSession restores a session from its encrypted serialized form.
func UnpickleSession(pickled, pickleKey []byte) (*Session, error) {
	plain, err := crypto.Unpickle(pickled, pickleKey)
	if err != nil {
		return nil, err
	}
	defer crypto.ZeroBytes(plain)

	var p pickledSession
	if err := json.Unmarshal(plain, &p); err != nil {
		return nil, fmt.Errorf("failed to parse session: %w", err)
	}
	return &Session{
		id:               p.ID,
		theirIdentityKey: p.TheirIdentityKey,
		sendChain:        p.SendChain,
		recvChain:        p.RecvChain,
		received:         p.Received,
		preKey:           p.PreKey,
	}, nil
}

func decodeKey(b64 string) ([32]byte, error) {
	var key [32]byte
	raw, err := crypto.DecodeBase64(b64)
	if err != nil {
		return key, err
	}
	if len(raw) != 32 {
		return key, fmt.Errorf("key must be 32 bytes, got %d", len(raw))
	}
	copy(key[:], raw)
	return key, nil
}

func encodeBody(v interface{}) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to encode message: %w", err)
	}
	return crypto.EncodeBase64(raw), nil
}

func decodeBody(body string, v interface{}) error {
	raw, err := crypto.DecodeBase64(body)
	if err != nil {
		return fmt.Errorf("%w: bad encoding", ErrBadMessage)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: bad structure", ErrBadMessage)
	}
	return nil
}
