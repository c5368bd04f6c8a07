package verification

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/keryx-im/keryx/crypto"
	"github.com/keryx-im/keryx/device"
	"github.com/keryx-im/keryx/transport"
)

func encodeKey(pub [32]byte) string {
	return crypto.EncodeBase64(pub[:])
}

// Signer applies cross-signing signatures once a verification completes.
type Signer interface {
	// SignDevice signs one of our own devices with the self-signing key.
	SignDevice(ctx context.Context, d *device.Device) error
	// SignUser signs another user's master key with the user-signing key.
	SignUser(ctx context.Context, userID string) error
}

// Config wires a verification manager.
type Config struct {
	UserID   string
	DeviceID string
	// SigningKey is this device's base64 Ed25519 key, MACed for the peer.
	SigningKey string
	// MasterKey optionally supplies our cross-signing master public key.
	MasterKey func() string
	Devices   *device.Directory
	Sender    transport.Sender
	// Signer is optional; without it completed verifications are recorded
	// but produce no signatures.
	Signer Signer
	// OnRequest is invoked for each incoming verification request.
	OnRequest func(*Transaction)
}

// Manager tracks verification transactions and routes their events.
type Manager struct {
	cfg Config

	mu      sync.Mutex
	active  map[string]*Transaction
	timeout time.Duration
}

// NewManager creates a verification manager.
func NewManager(cfg Config) *Manager {
	return &Manager{cfg: cfg, active: make(map[string]*Transaction), timeout: requestTimeout}
}

// SetTimeout overrides how long a transaction may stay in a non-terminal
// state before it is cancelled.
func (m *Manager) SetTimeout(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.timeout = d
}

// scheduleExpiry arms the transaction's timeout. A flow that stalls in any
// non-terminal state is cancelled, never silently left hanging. Callers
// hold m.mu.
func (m *Manager) scheduleExpiryLocked(t *Transaction) {
	t.expiry = time.AfterFunc(m.timeout, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if t.state == StateDone || t.state == StateCancelled {
			return
		}
		if err := t.cancelLocked(context.Background(), CodeTimeout, "verification timed out"); err != nil {
			logrus.WithFields(logrus.Fields{
				"function":       "Manager.scheduleExpiryLocked",
				"transaction_id": t.id,
				"error":          err.Error(),
			}).Warn("Failed to cancel timed-out verification")
		}
	})
}

func (m *Manager) supportedMethods() []string {
	return []string{MethodSAS, MethodReciprocate, MethodQRShow, MethodQRScan}
}

// RegisterHandlers subscribes the manager to all verification event types.
func (m *Manager) RegisterHandlers(d *transport.Dispatcher) {
	for _, eventType := range []string{
		transport.TypeVerificationReq,
		transport.TypeVerificationReady,
		transport.TypeVerificationStart,
		transport.TypeVerificationAccept,
		transport.TypeVerificationKey,
		transport.TypeVerificationMAC,
		transport.TypeVerificationDone,
		transport.TypeVerificationCancel,
	} {
		d.On(eventType, m.HandleEvent)
	}
}

// Transaction returns an active transaction by id.
func (m *Manager) Transaction(id string) (*Transaction, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.active[id]
	return t, ok
}

// Request starts verification with a user, broadcast to all their devices.
// Verifying our own user targets our other devices.
func (m *Manager) Request(ctx context.Context, otherUserID string) (*Transaction, error) {
	t := &Transaction{
		m:         m,
		id:        uuid.NewString(),
		otherUser: otherUserID,
		createdAt: time.Now(),
		state:     StateRequested,
	}
	content := RequestContent{
		FromDevice:    m.cfg.DeviceID,
		Methods:       m.supportedMethods(),
		TransactionID: t.id,
		Timestamp:     time.Now().UnixMilli(),
	}
	if err := m.cfg.Sender.SendToDevice(ctx, transport.TypeVerificationReq,
		map[string]map[string]interface{}{otherUserID: {"*": content}}); err != nil {
		return nil, fmt.Errorf("failed to send verification request: %w", err)
	}

	m.mu.Lock()
	m.active[t.id] = t
	m.scheduleExpiryLocked(t)
	m.mu.Unlock()
	return t, nil
}

// HandleEvent routes one verification event to its transaction.
func (m *Manager) HandleEvent(ctx context.Context, evt *transport.Event) {
	var err error
	switch evt.Type {
	case transport.TypeVerificationReq:
		err = m.handleRequest(ctx, evt)
	case transport.TypeVerificationReady:
		err = m.handleReady(ctx, evt)
	case transport.TypeVerificationStart:
		err = m.handleStart(ctx, evt)
	case transport.TypeVerificationAccept:
		err = m.handleAccept(ctx, evt)
	case transport.TypeVerificationKey:
		err = m.handleKey(ctx, evt)
	case transport.TypeVerificationMAC:
		err = m.handleMAC(ctx, evt)
	case transport.TypeVerificationDone:
		err = m.handleDone(ctx, evt)
	case transport.TypeVerificationCancel:
		err = m.handleCancel(ctx, evt)
	}
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Manager.HandleEvent",
			"type":     evt.Type,
			"sender":   evt.Sender,
			"error":    err.Error(),
		}).Warn("Verification event failed")
	}
}

func (m *Manager) handleRequest(ctx context.Context, evt *transport.Event) error {
	var content RequestContent
	if err := evt.ParseContent(&content); err != nil {
		return err
	}
	if evt.Sender == m.cfg.UserID && content.FromDevice == m.cfg.DeviceID {
		return nil // our own broadcast
	}
	if content.Timestamp > 0 {
		age := time.Since(time.UnixMilli(content.Timestamp))
		if age > requestTimeout || age < -5*time.Minute {
			return nil // stale or from the future; ignore silently
		}
	}

	t := &Transaction{
		m:           m,
		id:          content.TransactionID,
		otherUser:   evt.Sender,
		otherDevice: content.FromDevice,
		methods:     content.Methods,
		createdAt:   time.Now(),
		state:       StateRequested,
	}
	m.mu.Lock()
	if _, exists := m.active[t.id]; exists {
		m.mu.Unlock()
		return fmt.Errorf("duplicate transaction id %s", t.id)
	}
	m.active[t.id] = t
	m.scheduleExpiryLocked(t)
	m.mu.Unlock()

	if m.cfg.OnRequest != nil {
		m.cfg.OnRequest(t)
	}
	return nil
}

func (m *Manager) handleReady(ctx context.Context, evt *transport.Event) error {
	var content ReadyContent
	if err := evt.ParseContent(&content); err != nil {
		return err
	}
	t, ok := m.Transaction(content.TransactionID)
	if !ok {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if t.state != StateRequested {
		return t.cancelLocked(ctx, CodeUnexpectedMessage, "ready out of order")
	}
	if t.expired() {
		return t.cancelLocked(ctx, CodeTimeout, "request expired")
	}
	t.otherDevice = content.FromDevice
	t.methods = content.Methods
	t.state = StateReady
	return nil
}

func (m *Manager) handleStart(ctx context.Context, evt *transport.Event) error {
	var content StartContent
	if err := evt.ParseContent(&content); err != nil {
		return err
	}
	t, ok := m.Transaction(content.TransactionID)
	if !ok {
		return transport.SendToOneDevice(ctx, m.cfg.Sender, evt.Sender, content.FromDevice,
			transport.TypeVerificationCancel, CancelContent{
				TransactionID: content.TransactionID,
				Code:          CodeUnknownTransaction,
				Reason:        "no such transaction",
			})
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if t.state == StateStarted && t.role == RoleInitiator {
		// Simultaneous starts: the start from the lexicographically
		// smaller (user id, device id) pair wins; the other is dropped.
		theirs := evt.Sender + "|" + content.FromDevice
		ours := m.cfg.UserID + "|" + m.cfg.DeviceID
		if theirs >= ours {
			return nil // ours wins; they will adopt it
		}
		// Theirs wins; fall through and become the responder.
	} else if t.state != StateReady {
		return t.cancelLocked(ctx, CodeUnexpectedMessage, "start out of order")
	}

	switch content.Method {
	case MethodSAS:
		return m.startSASResponderLocked(ctx, t, &content)
	case MethodReciprocate:
		return m.startReciprocateLocked(ctx, t, &content)
	default:
		return t.cancelLocked(ctx, CodeUnknownMethod, "unsupported method "+content.Method)
	}
}

// startSASResponderLocked accepts an incoming SAS start: pick the protocol
// parameters, commit to our ephemeral key, answer with accept.
func (m *Manager) startSASResponderLocked(ctx context.Context, t *Transaction, start *StartContent) error {
	if !contains(start.KeyAgreementProtocols, keyAgreementCurve25519) ||
		!contains(start.Hashes, hashSHA256) ||
		!contains(start.MessageAuthenticationCodes, macHKDFHMACSHA256) ||
		!(contains(start.ShortAuthenticationString, sasDecimal) || contains(start.ShortAuthenticationString, sasEmoji)) {
		return t.cancelLocked(ctx, CodeUnknownMethod, "no overlapping SAS protocols")
	}

	ephemeral, err := crypto.GenerateKeyPair()
	if err != nil {
		return err
	}
	t.ourEphemeral = ephemeral
	t.ourStart = start
	t.role = RoleResponder

	commit, err := commitment(encodeKey(ephemeral.Public), start)
	if err != nil {
		return err
	}
	accept := AcceptContent{
		TransactionID:             t.id,
		Method:                    MethodSAS,
		KeyAgreementProtocol:      keyAgreementCurve25519,
		Hash:                      hashSHA256,
		MessageAuthenticationCode: macHKDFHMACSHA256,
		ShortAuthenticationString: intersect(start.ShortAuthenticationString, []string{sasDecimal, sasEmoji}),
		Commitment:                commit,
	}
	if err := t.sendLocked(ctx, transport.TypeVerificationAccept, accept); err != nil {
		return err
	}
	t.state = StateStarted
	return nil
}

// startReciprocateLocked handles the QR scanner's start on the showing
// side: the secret embedded in the QR code must come back unchanged.
func (m *Manager) startReciprocateLocked(ctx context.Context, t *Transaction, start *StartContent) error {
	if t.qrSecret == "" {
		return t.cancelLocked(ctx, CodeUnexpectedMessage, "no QR code was shown")
	}
	if start.Secret != t.qrSecret {
		return t.cancelLocked(ctx, CodeKeyMismatch, "QR secret mismatch")
	}
	t.reciprocated = true
	t.state = StateKeysExchanged
	return nil
}

func (m *Manager) handleAccept(ctx context.Context, evt *transport.Event) error {
	var content AcceptContent
	if err := evt.ParseContent(&content); err != nil {
		return err
	}
	t, ok := m.Transaction(content.TransactionID)
	if !ok {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if t.state != StateStarted || t.role != RoleInitiator {
		return t.cancelLocked(ctx, CodeUnexpectedMessage, "accept out of order")
	}
	if content.KeyAgreementProtocol != keyAgreementCurve25519 ||
		content.Hash != hashSHA256 ||
		content.MessageAuthenticationCode != macHKDFHMACSHA256 {
		return t.cancelLocked(ctx, CodeUnknownMethod, "accept picked unsupported protocols")
	}
	t.commitment = content.Commitment

	if err := t.sendLocked(ctx, transport.TypeVerificationKey, KeyContent{
		TransactionID: t.id,
		Key:           encodeKey(t.ourEphemeral.Public),
	}); err != nil {
		return err
	}
	t.state = StateAccepted
	return nil
}

func (m *Manager) handleKey(ctx context.Context, evt *transport.Event) error {
	var content KeyContent
	if err := evt.ParseContent(&content); err != nil {
		return err
	}
	t, ok := m.Transaction(content.TransactionID)
	if !ok {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	switch {
	case t.role == RoleResponder && t.state == StateStarted:
		// The initiator's key arrives first; answer with ours.
		t.theirKey = content.Key
		if err := t.deriveSASLocked(); err != nil {
			return t.cancelLocked(ctx, CodeInvalidMessage, err.Error())
		}
		if err := t.sendLocked(ctx, transport.TypeVerificationKey, KeyContent{
			TransactionID: t.id,
			Key:           encodeKey(t.ourEphemeral.Public),
		}); err != nil {
			return err
		}
		t.state = StateKeysExchanged
		return nil

	case t.role == RoleInitiator && t.state == StateAccepted:
		// The responder committed to this key before seeing ours.
		t.theirKey = content.Key
		expected, err := commitment(content.Key, t.ourStart)
		if err != nil {
			return err
		}
		if expected != t.commitment {
			return t.cancelLocked(ctx, CodeMismatchedCommitment, "commitment does not match key")
		}
		if err := t.deriveSASLocked(); err != nil {
			return t.cancelLocked(ctx, CodeInvalidMessage, err.Error())
		}
		t.state = StateKeysExchanged
		return nil

	default:
		return t.cancelLocked(ctx, CodeUnexpectedMessage, "key out of order")
	}
}

func (m *Manager) handleMAC(ctx context.Context, evt *transport.Event) error {
	var content MACContent
	if err := evt.ParseContent(&content); err != nil {
		return err
	}
	t, ok := m.Transaction(content.TransactionID)
	if !ok {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if !t.haveSAS {
		return t.cancelLocked(ctx, CodeUnexpectedMessage, "mac before key exchange")
	}

	// Check the key id list MAC first, then each key.
	keyIDs := make([]string, 0, len(content.MAC))
	for keyID := range content.MAC {
		keyIDs = append(keyIDs, keyID)
	}
	sort.Strings(keyIDs)
	expectedList, err := calculateMAC(t.shared, strings.Join(keyIDs, ","),
		t.otherUser, t.otherDevice, m.cfg.UserID, m.cfg.DeviceID, t.id, "KEY_IDS")
	if err != nil {
		return err
	}
	if expectedList != content.Keys {
		return t.cancelLocked(ctx, CodeKeyMismatch, "key list MAC mismatch")
	}

	for keyID, mac := range content.MAC {
		value, ok := m.expectedKeyValue(t, keyID)
		if !ok {
			continue // unknown key id; nothing to verify it against
		}
		expected, err := calculateMAC(t.shared, value,
			t.otherUser, t.otherDevice, m.cfg.UserID, m.cfg.DeviceID, t.id, keyID)
		if err != nil {
			return err
		}
		if expected != mac {
			return t.cancelLocked(ctx, CodeKeyMismatch, "MAC mismatch for "+keyID)
		}
	}

	t.macVerified = true
	return t.maybeFinishLocked(ctx)
}

// expectedKeyValue resolves a MACed key id to the key value we know for
// the peer: their device Ed25519 key, or a cross-signing master key which
// is MACed under itself.
func (m *Manager) expectedKeyValue(t *Transaction, keyID string) (string, bool) {
	if keyID == "ed25519:"+t.otherDevice {
		if d, ok := m.cfg.Devices.Get(t.otherUser, t.otherDevice); ok {
			return d.SigningKey, true
		}
		return "", false
	}
	const prefix = "ed25519:"
	if len(keyID) > len(prefix) {
		// A master key is identified by its own public key.
		return keyID[len(prefix):], true
	}
	return "", false
}

func (m *Manager) handleDone(ctx context.Context, evt *transport.Event) error {
	var content DoneContent
	if err := evt.ParseContent(&content); err != nil {
		return err
	}
	t, ok := m.Transaction(content.TransactionID)
	if !ok {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	t.theirDone = true
	return t.maybeFinishLocked(ctx)
}

func (m *Manager) handleCancel(ctx context.Context, evt *transport.Event) error {
	var content CancelContent
	if err := evt.ParseContent(&content); err != nil {
		return err
	}
	t, ok := m.Transaction(content.TransactionID)
	if !ok {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	t.state = StateCancelled
	t.cancelCode = content.Code
	logrus.WithFields(logrus.Fields{
		"function":       "Manager.handleCancel",
		"transaction_id": t.id,
		"code":           content.Code,
		"reason":         content.Reason,
	}).Info("Verification cancelled by peer")
	return nil
}

// signVerified applies cross-signing signatures for a finished
// transaction. Called with the manager lock held.
func (m *Manager) signVerified(ctx context.Context, t *Transaction) {
	if m.cfg.Signer == nil {
		return
	}
	var err error
	if t.otherUser == m.cfg.UserID {
		d, ok := m.cfg.Devices.Get(t.otherUser, t.otherDevice)
		if !ok {
			logrus.WithFields(logrus.Fields{
				"function":  "Manager.signVerified",
				"device_id": t.otherDevice,
			}).Warn("Verified device not in directory; skipping signature")
			return
		}
		err = m.cfg.Signer.SignDevice(ctx, d)
	} else {
		err = m.cfg.Signer.SignUser(ctx, t.otherUser)
	}
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function":       "Manager.signVerified",
			"transaction_id": t.id,
			"error":          err.Error(),
		}).Error("Failed to sign after verification")
	}
}

func contains(list []string, want string) bool {
	for _, v := range list {
		if v == want {
			return true
		}
	}
	return false
}

func intersect(a, b []string) []string {
	var out []string
	for _, v := range b {
		if contains(a, v) {
			out = append(out, v)
		}
	}
	return out
}
