package olm

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/keryx-im/keryx/crypto"
	"github.com/keryx-im/keryx/device"
	"github.com/keryx-im/keryx/outgoing"
	"github.com/keryx-im/keryx/store"
)

// sessionRecord tracks one session and when it last carried traffic, so
// decryption can try the most recently used session first.
type sessionRecord struct {
	session  Session
	lastUsed time.Time
}

// negotiation is an in-flight session establishment for one identity key.
// Concurrent EnsureSessions calls for the same device share a single claim
// instead of racing to burn one-time keys.
type negotiation struct {
	done    chan struct{}
	session Session
	err     error
}

// EnsureResult reports the outcome of session establishment for one device.
type EnsureResult struct {
	SessionID string
	Err       error
}

// Manager owns the pairwise sessions of one local device.
type Manager struct {
	userID   string
	deviceID string
	account  Account
	claimer  KeyClaimer

	mu       sync.Mutex
	sessions map[string][]*sessionRecord // identity key -> records
	inflight map[string]*negotiation

	backoff outgoing.Backoff

	// Optional persistence. When set, the account and every session are
	// pickled into the blob store as they change.
	blobs     store.BlobStore
	pickleKey []byte

	// persist coalesces account writes: consuming a one-time key during a
	// burst of inbound pre-key messages schedules one pickle pass, not one
	// per message.
	persist *outgoing.Runner
}

// NewManager creates a session manager for the given local device.
func NewManager(userID, deviceID string, account Account, claimer KeyClaimer) *Manager {
	m := &Manager{
		userID:   userID,
		deviceID: deviceID,
		account:  account,
		claimer:  claimer,
		sessions: make(map[string][]*sessionRecord),
		inflight: make(map[string]*negotiation),
	}
	m.persist = outgoing.NewRunner(func(ctx context.Context) error {
		return m.PersistAccount()
	})
	return m
}

// Account returns the underlying account.
func (m *Manager) Account() Account { return m.account }

// SetBackoff overrides the retry backoff used for one-time key claims.
func (m *Manager) SetBackoff(b outgoing.Backoff) {
	m.backoff = b
}

// SetStore enables pickled persistence of the account and sessions.
func (m *Manager) SetStore(blobs store.BlobStore, pickleKey []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blobs = blobs
	m.pickleKey = pickleKey
}

const (
	accountBlobKey    = "olm-account"
	sessionBlobPrefix = "olm-session/"
)

// PersistAccount pickles the account into the blob store, if one is set.
func (m *Manager) PersistAccount() error {
	m.mu.Lock()
	blobs, key := m.blobs, m.pickleKey
	m.mu.Unlock()
	if blobs == nil {
		return nil
	}
	pickler, ok := m.account.(interface {
		Pickle(pickleKey []byte) ([]byte, error)
	})
	if !ok {
		return nil
	}
	pickled, err := pickler.Pickle(key)
	if err != nil {
		return fmt.Errorf("failed to pickle account: %w", err)
	}
	return blobs.PutBlob(accountBlobKey, pickled)
}

func (m *Manager) persistSessionLocked(s Session) {
	if m.blobs == nil {
		return
	}
	pickled, err := s.Pickle(m.pickleKey)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function":   "Manager.persistSessionLocked",
			"session_id": s.ID(),
			"error":      err.Error(),
		}).Warn("Failed to pickle session")
		return
	}
	key := sessionBlobPrefix + s.TheirIdentityKey() + "/" + s.ID()
	if err := m.blobs.PutBlob(key, pickled); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":   "Manager.persistSessionLocked",
			"session_id": s.ID(),
			"error":      err.Error(),
		}).Warn("Failed to store session")
	}
}

// HasSession reports whether any session exists for the identity key.
func (m *Manager) HasSession(identityKey string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions[identityKey]) > 0
}

// AddSession registers a restored or externally created session.
func (m *Manager) AddSession(s Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.addSessionLocked(s)
}

func (m *Manager) addSessionLocked(s Session) {
	rec := &sessionRecord{session: s, lastUsed: time.Now()}
	key := s.TheirIdentityKey()
	m.sessions[key] = append([]*sessionRecord{rec}, m.sessions[key]...)
	m.persistSessionLocked(s)
}

// orderedSessionsLocked returns sessions for an identity key, most recently
// used first.
func (m *Manager) orderedSessionsLocked(identityKey string) []*sessionRecord {
	records := m.sessions[identityKey]
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].lastUsed.After(records[j].lastUsed)
	})
	return records
}

// EnsureSessions establishes sessions with every listed device that lacks
// one, claiming one-time keys in a single batched request. Concurrent calls
// targeting the same device coalesce onto one in-flight negotiation. With
// force set, fresh sessions are created even where one exists.
func (m *Manager) EnsureSessions(ctx context.Context, devices []*device.Device, force bool) (map[string]map[string]*EnsureResult, error) {
	results := make(map[string]map[string]*EnsureResult)
	record := func(d *device.Device, r *EnsureResult) {
		if results[d.UserID] == nil {
			results[d.UserID] = make(map[string]*EnsureResult)
		}
		results[d.UserID][d.DeviceID] = r
	}

	var (
		owned   []*device.Device // negotiations this call is responsible for
		waiting []*device.Device // negotiations some other call owns
		claims  = make(map[string][]string)
	)

	m.mu.Lock()
	for _, d := range devices {
		if d.UserID == m.userID && d.DeviceID == m.deviceID {
			continue
		}
		if d.IdentityKey == "" {
			record(d, &EnsureResult{Err: fmt.Errorf("device %s/%s has no identity key", d.UserID, d.DeviceID)})
			continue
		}
		if !force {
			if records := m.orderedSessionsLocked(d.IdentityKey); len(records) > 0 {
				record(d, &EnsureResult{SessionID: records[0].session.ID()})
				continue
			}
		}
		if _, ok := m.inflight[d.IdentityKey]; ok {
			waiting = append(waiting, d)
			continue
		}
		m.inflight[d.IdentityKey] = &negotiation{done: make(chan struct{})}
		owned = append(owned, d)
		claims[d.UserID] = append(claims[d.UserID], d.DeviceID)
	}
	m.mu.Unlock()

	if len(owned) > 0 {
		m.negotiate(ctx, owned, claims)
	}

	for _, d := range append(owned, waiting...) {
		m.mu.Lock()
		neg := m.inflight[d.IdentityKey]
		m.mu.Unlock()
		if neg == nil {
			// Resolved and cleared between list and lookup; re-check the
			// session table.
			m.mu.Lock()
			records := m.orderedSessionsLocked(d.IdentityKey)
			m.mu.Unlock()
			if len(records) > 0 {
				record(d, &EnsureResult{SessionID: records[0].session.ID()})
			} else {
				record(d, &EnsureResult{Err: fmt.Errorf("session negotiation for %s/%s lost", d.UserID, d.DeviceID)})
			}
			continue
		}
		select {
		case <-neg.done:
		case <-ctx.Done():
			record(d, &EnsureResult{Err: ctx.Err()})
			continue
		}
		if neg.err != nil {
			record(d, &EnsureResult{Err: neg.err})
		} else {
			record(d, &EnsureResult{SessionID: neg.session.ID()})
		}
	}

	m.mu.Lock()
	for _, d := range owned {
		delete(m.inflight, d.IdentityKey)
	}
	m.mu.Unlock()

	return results, nil
}

// negotiate performs one batched one-time key claim and resolves the owned
// negotiations.
func (m *Manager) negotiate(ctx context.Context, owned []*device.Device, claims map[string][]string) {
	var resp *ClaimResponse
	backoff := m.backoff
	err := outgoing.Retry(ctx, 3, &backoff, func(ctx context.Context) error {
		var claimErr error
		resp, claimErr = m.claimer.ClaimKeys(ctx, claims, AlgorithmSignedCurve25519)
		return claimErr
	})

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, d := range owned {
		neg := m.inflight[d.IdentityKey]
		if err != nil {
			neg.err = fmt.Errorf("one-time key claim failed: %w", err)
			close(neg.done)
			continue
		}
		session, sessErr := m.establishLocked(d, resp)
		if sessErr != nil {
			logrus.WithFields(logrus.Fields{
				"function":  "Manager.negotiate",
				"user_id":   d.UserID,
				"device_id": d.DeviceID,
				"error":     sessErr.Error(),
			}).Warn("Failed to establish session")
			neg.err = sessErr
		} else {
			neg.session = session
		}
		close(neg.done)
	}
}

// establishLocked verifies one claimed key and creates the outbound session.
func (m *Manager) establishLocked(d *device.Device, resp *ClaimResponse) (Session, error) {
	keys := resp.OneTimeKeys[d.UserID][d.DeviceID]
	var claimed *SignedKey
	for keyID, k := range keys {
		if strings.HasPrefix(keyID, AlgorithmSignedCurve25519+":") {
			key := k
			claimed = &key
			break
		}
	}
	if claimed == nil {
		return nil, fmt.Errorf("no one-time key claimed for %s/%s", d.UserID, d.DeviceID)
	}

	// The claimed key must carry a valid signature by the device's Ed25519
	// key; an unsigned key could have been substituted in transit.
	sig, ok := claimed.Signatures[d.UserID]["ed25519:"+d.DeviceID]
	if !ok {
		return nil, fmt.Errorf("claimed key for %s/%s is unsigned", d.UserID, d.DeviceID)
	}
	signingKey, err := d.SigningKeyBytes()
	if err != nil {
		return nil, err
	}
	signable := map[string]interface{}{"key": claimed.Key}
	if claimed.Fallback {
		signable["fallback"] = true
	}
	valid, err := crypto.VerifyJSON(signable, sig, signingKey)
	if err != nil {
		return nil, fmt.Errorf("failed to verify claimed key: %w", err)
	}
	if !valid {
		return nil, fmt.Errorf("claimed key for %s/%s has an invalid signature", d.UserID, d.DeviceID)
	}

	session, err := m.account.NewOutboundSession(d.IdentityKey, claimed.Key)
	if err != nil {
		return nil, fmt.Errorf("failed to create outbound session: %w", err)
	}
	m.addSessionLocked(session)
	return session, nil
}

// EncryptForDevice seals an event for one device over the most recently
// used session. With no session present it returns (nil, nil); callers that
// need a session first go through EnsureSessions.
func (m *Manager) EncryptForDevice(d *device.Device, eventType string, content interface{}) (*EncryptedContent, error) {
	m.mu.Lock()
	records := m.orderedSessionsLocked(d.IdentityKey)
	if len(records) == 0 {
		m.mu.Unlock()
		return nil, nil
	}
	rec := records[0]
	m.mu.Unlock()

	rawContent, err := json.Marshal(content)
	if err != nil {
		return nil, fmt.Errorf("failed to encode content: %w", err)
	}
	envelope := Envelope{
		Sender:       m.userID,
		SenderDevice: m.deviceID,
		Keys:         map[string]string{"ed25519": m.account.SigningKey()},
		Recipient:    d.UserID,
		RecipientKeys: map[string]string{
			"ed25519": d.SigningKey,
		},
		Type:    eventType,
		Content: rawContent,
	}
	plaintext, err := json.Marshal(envelope)
	if err != nil {
		return nil, fmt.Errorf("failed to encode envelope: %w", err)
	}

	msgType, body, err := rec.session.Encrypt(plaintext)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt for %s/%s: %w", d.UserID, d.DeviceID, err)
	}

	m.mu.Lock()
	rec.lastUsed = time.Now()
	m.persistSessionLocked(rec.session)
	m.mu.Unlock()

	return &EncryptedContent{
		Algorithm: AlgorithmOlm,
		SenderKey: m.account.IdentityKey(),
		Ciphertext: map[string]CiphertextInfo{
			d.IdentityKey: {Type: msgType, Body: body},
		},
	}, nil
}

// DecryptMessage decrypts an encrypted to-device event from senderUserID
// and validates the authenticated envelope. Every validation failure
// carries a machine-readable code; the payload of a failed validation is
// never returned.
func (m *Manager) DecryptMessage(ctx context.Context, senderUserID string, content *EncryptedContent, roomID string) (*Envelope, error) {
	if content.Algorithm != AlgorithmOlm {
		return nil, decryptionError(CodeBadEncryptedMessage, "unsupported algorithm %q", content.Algorithm)
	}
	if len(content.Ciphertext) == 0 {
		return nil, decryptionError(CodeMissingCiphertext, "event carries no ciphertext")
	}
	own, ok := content.Ciphertext[m.account.IdentityKey()]
	if !ok {
		return nil, decryptionError(CodeNotIncluded, "event not encrypted for our identity key")
	}

	plaintext, err := m.decryptBody(content.SenderKey, own)
	if err != nil {
		return nil, err
	}

	var envelope Envelope
	if err := json.Unmarshal(plaintext, &envelope); err != nil {
		return nil, decryptionError(CodeBadEncryptedMessage, "decrypted payload is not a valid envelope")
	}

	if envelope.Recipient != m.userID {
		return nil, decryptionError(CodeBadRecipient, "message intended for %q, we are %q", envelope.Recipient, m.userID)
	}
	if envelope.RecipientKeys["ed25519"] != m.account.SigningKey() {
		return nil, decryptionError(CodeBadRecipientKey, "message intended for another device")
	}
	if envelope.Sender != senderUserID {
		return nil, decryptionError(CodeForwardedMessage, "payload sender %q does not match event sender %q", envelope.Sender, senderUserID)
	}
	if envelope.RoomID != roomID {
		return nil, decryptionError(CodeBadRoom, "payload room %q does not match event room %q", envelope.RoomID, roomID)
	}
	if envelope.Keys["ed25519"] == "" {
		return nil, decryptionError(CodeBadSenderKey, "payload carries no sender signing key")
	}

	envelope.SenderIdentityKey = content.SenderKey
	return &envelope, nil
}

// decryptBody runs the ciphertext against known sessions, most recently
// used first, creating an inbound session for unmatched pre-key messages.
func (m *Manager) decryptBody(senderKey string, msg CiphertextInfo) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, rec := range m.orderedSessionsLocked(senderKey) {
		if msg.Type == MessageTypePreKey {
			matches, err := rec.session.MatchesPreKey(msg.Body)
			if err != nil {
				return nil, &DecryptionError{Code: CodeBadPreKeyMessage, Msg: "malformed pre-key message", Err: err}
			}
			if !matches {
				continue
			}
			// A pre-key message that names this session but fails to
			// decrypt is a replay or corruption, never a new session.
			plaintext, err := rec.session.Decrypt(msg.Type, msg.Body)
			if err != nil {
				return nil, &DecryptionError{Code: CodeBadPreKeyMessage, Msg: "pre-key message matches an existing session but fails to decrypt", Err: err}
			}
			rec.lastUsed = time.Now()
			m.persistSessionLocked(rec.session)
			return plaintext, nil
		}

		plaintext, err := rec.session.Decrypt(msg.Type, msg.Body)
		if err == nil {
			rec.lastUsed = time.Now()
			m.persistSessionLocked(rec.session)
			return plaintext, nil
		}
	}

	if msg.Type == MessageTypePreKey {
		session, err := m.account.NewInboundSession(senderKey, msg.Body)
		if err != nil {
			return nil, &DecryptionError{Code: CodeBadPreKeyMessage, Msg: "failed to create inbound session", Err: err}
		}
		plaintext, err := session.Decrypt(msg.Type, msg.Body)
		if err != nil {
			return nil, &DecryptionError{Code: CodeBadPreKeyMessage, Msg: "pre-key message failed to decrypt", Err: err}
		}
		logrus.WithFields(logrus.Fields{
			"function":   "Manager.decryptBody",
			"session_id": session.ID(),
		}).Debug("Created inbound session")
		m.addSessionLocked(session)
		// The inbound session consumed a one-time key; the account must
		// not resurrect it after a restart.
		m.persist.Kick(context.Background())
		return plaintext, nil
	}

	return nil, decryptionError(CodeNoMatchingSession, "no session can decrypt this message")
}
