package verification

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/keryx-im/keryx/crypto"
	"github.com/keryx-im/keryx/transport"
)

// State is the phase of a verification transaction.
type State int

const (
	// StateRequested: a request was sent or received, no ready yet.
	StateRequested State = iota
	// StateReady: both sides agreed on candidate methods.
	StateReady
	// StateStarted: a start message is in flight.
	StateStarted
	// StateAccepted: protocol parameters agreed, key exchange under way.
	StateAccepted
	// StateKeysExchanged: the short authentication string is available, or
	// a QR code was reciprocated; waiting on user confirmation.
	StateKeysExchanged
	// StateDone: both sides confirmed and exchanged valid MACs.
	StateDone
	// StateCancelled: the transaction failed or was cancelled.
	StateCancelled
)

// Role distinguishes the side that sent the winning start message.
type Role int

const (
	RoleInitiator Role = iota
	RoleResponder
)

var (
	// ErrWrongState indicates an operation invalid in the current state.
	ErrWrongState = errors.New("verification: wrong state for operation")

	// ErrNoSAS indicates the short authentication string is not available
	// yet.
	ErrNoSAS = errors.New("verification: SAS not yet derived")
)

// requestTimeout is how long a verification request stays actionable.
const requestTimeout = 10 * time.Minute

// Transaction is one verification exchange with a single remote device.
// All methods are driven either by the local application (Ready, StartSAS,
// Confirm, Cancel) or by the manager's event handlers.
type Transaction struct {
	m *Manager

	id          string
	otherUser   string
	otherDevice string
	methods     []string
	createdAt   time.Time

	state      State
	role       Role
	cancelCode string
	expiry     *time.Timer

	// SAS flow.
	ourEphemeral *crypto.KeyPair
	ourStart     *StartContent // the start content in effect
	theirKey     string
	commitment   string // received in accept, checked against their key
	shared       [32]byte
	sas          [6]byte
	haveSAS      bool

	// QR flow.
	qrSecret     string
	reciprocated bool

	weConfirmed bool
	macVerified bool
	weDone      bool
	theirDone   bool
}

// ID returns the transaction id.
func (t *Transaction) ID() string { return t.id }

// OtherUser returns the remote user id.
func (t *Transaction) OtherUser() string { return t.otherUser }

// OtherDevice returns the remote device id, once known.
func (t *Transaction) OtherDevice() string { return t.otherDevice }

// State returns the current phase. Callers outside the manager lock see a
// snapshot.
func (t *Transaction) State() State {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	return t.state
}

// CancelCode returns the cancellation code after StateCancelled.
func (t *Transaction) CancelCode() string {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	return t.cancelCode
}

// Verified reports whether the transaction finished successfully.
func (t *Transaction) Verified() bool {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	return t.state == StateDone
}

func (t *Transaction) expired() bool {
	return time.Since(t.createdAt) > requestTimeout
}

// Ready accepts an incoming verification request, announcing the methods
// this device supports.
func (t *Transaction) Ready(ctx context.Context) error {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()

	if t.state != StateRequested {
		return fmt.Errorf("%w: ready from state %d", ErrWrongState, t.state)
	}
	content := ReadyContent{
		FromDevice:    t.m.cfg.DeviceID,
		Methods:       t.m.supportedMethods(),
		TransactionID: t.id,
	}
	if err := t.sendLocked(ctx, transport.TypeVerificationReady, content); err != nil {
		return err
	}
	t.state = StateReady
	return nil
}

// StartSAS begins the short-authentication-string flow.
func (t *Transaction) StartSAS(ctx context.Context) error {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()

	if t.state != StateReady {
		return fmt.Errorf("%w: start from state %d", ErrWrongState, t.state)
	}
	ephemeral, err := crypto.GenerateKeyPair()
	if err != nil {
		return fmt.Errorf("failed to generate ephemeral key: %w", err)
	}
	t.ourEphemeral = ephemeral

	start := &StartContent{
		FromDevice:                 t.m.cfg.DeviceID,
		Method:                     MethodSAS,
		TransactionID:              t.id,
		KeyAgreementProtocols:      []string{keyAgreementCurve25519},
		Hashes:                     []string{hashSHA256},
		MessageAuthenticationCodes: []string{macHKDFHMACSHA256},
		ShortAuthenticationString:  []string{sasDecimal, sasEmoji},
	}
	if err := t.sendLocked(ctx, transport.TypeVerificationStart, start); err != nil {
		return err
	}
	t.ourStart = start
	t.role = RoleInitiator
	t.state = StateStarted
	return nil
}

// Confirm records that the user compared the short strings (or the QR
// scan result) and they match. In the SAS flow this releases our MACs;
// the transaction completes once the peer's MACs have also arrived and
// verified.
func (t *Transaction) Confirm(ctx context.Context) error {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()

	if t.state != StateKeysExchanged {
		return fmt.Errorf("%w: confirm from state %d", ErrWrongState, t.state)
	}
	t.weConfirmed = true

	if t.reciprocated {
		return t.maybeFinishLocked(ctx)
	}
	if err := t.sendMACLocked(ctx); err != nil {
		return err
	}
	return t.maybeFinishLocked(ctx)
}

// Cancel aborts the transaction with a code and human-readable reason.
func (t *Transaction) Cancel(ctx context.Context, code, reason string) error {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	return t.cancelLocked(ctx, code, reason)
}

func (t *Transaction) cancelLocked(ctx context.Context, code, reason string) error {
	if t.state == StateDone || t.state == StateCancelled {
		return nil
	}
	t.state = StateCancelled
	t.cancelCode = code
	if t.expiry != nil {
		t.expiry.Stop()
	}
	content := CancelContent{TransactionID: t.id, Code: code, Reason: reason}
	if t.otherDevice == "" {
		// Request phase: the other side's device is not pinned yet.
		return t.m.cfg.Sender.SendToDevice(ctx, transport.TypeVerificationCancel,
			map[string]map[string]interface{}{t.otherUser: {"*": content}})
	}
	return t.sendLocked(ctx, transport.TypeVerificationCancel, content)
}

// Decimals returns the three-number SAS rendering.
func (t *Transaction) Decimals() ([3]int, error) {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	if !t.haveSAS {
		return [3]int{}, ErrNoSAS
	}
	return decimalSAS(t.sas), nil
}

// Emojis returns the seven-emoji SAS rendering.
func (t *Transaction) Emojis() ([7]Emoji, error) {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	if !t.haveSAS {
		return [7]Emoji{}, ErrNoSAS
	}
	return emojiSAS(t.sas), nil
}

func (t *Transaction) sendLocked(ctx context.Context, eventType string, content interface{}) error {
	if t.otherDevice == "" {
		return fmt.Errorf("verification: no target device for %s", eventType)
	}
	return transport.SendToOneDevice(ctx, t.m.cfg.Sender, t.otherUser, t.otherDevice, eventType, content)
}

// deriveSASLocked computes the shared secret and SAS bytes once both
// ephemeral keys are known.
func (t *Transaction) deriveSASLocked() error {
	theirKey, err := crypto.DecodeBase64(t.theirKey)
	if err != nil || len(theirKey) != 32 {
		return fmt.Errorf("malformed ephemeral key")
	}
	var theirPub [32]byte
	copy(theirPub[:], theirKey)
	shared, err := crypto.DeriveSharedSecret(theirPub, t.ourEphemeral.Private)
	if err != nil {
		return err
	}
	t.shared = shared

	ourKey := crypto.EncodeBase64(t.ourEphemeral.Public[:])
	var sas [6]byte
	if t.role == RoleInitiator {
		sas, err = sasBytes(shared, t.m.cfg.UserID, t.m.cfg.DeviceID, ourKey,
			t.otherUser, t.otherDevice, t.theirKey, t.id)
	} else {
		sas, err = sasBytes(shared, t.otherUser, t.otherDevice, t.theirKey,
			t.m.cfg.UserID, t.m.cfg.DeviceID, ourKey, t.id)
	}
	if err != nil {
		return err
	}
	t.sas = sas
	t.haveSAS = true
	return nil
}

// sendMACLocked MACs our verifiable keys for the peer: this device's
// Ed25519 key and, when present, our cross-signing master key.
func (t *Transaction) sendMACLocked(ctx context.Context) error {
	keys := map[string]string{
		"ed25519:" + t.m.cfg.DeviceID: t.m.cfg.SigningKey,
	}
	if t.m.cfg.MasterKey != nil {
		if master := t.m.cfg.MasterKey(); master != "" {
			// Master keys are MACed under their own key as the id.
			keys["ed25519:"+master] = master
		}
	}

	macs := make(map[string]string, len(keys))
	keyIDs := make([]string, 0, len(keys))
	for keyID, value := range keys {
		mac, err := calculateMAC(t.shared, value,
			t.m.cfg.UserID, t.m.cfg.DeviceID, t.otherUser, t.otherDevice, t.id, keyID)
		if err != nil {
			return err
		}
		macs[keyID] = mac
		keyIDs = append(keyIDs, keyID)
	}
	sort.Strings(keyIDs)
	keyList := strings.Join(keyIDs, ",")
	listMAC, err := calculateMAC(t.shared, keyList,
		t.m.cfg.UserID, t.m.cfg.DeviceID, t.otherUser, t.otherDevice, t.id, "KEY_IDS")
	if err != nil {
		return err
	}
	return t.sendLocked(ctx, transport.TypeVerificationMAC, MACContent{
		TransactionID: t.id,
		MAC:           macs,
		Keys:          listMAC,
	})
}

// maybeFinishLocked completes the transaction once everything required by
// the flow has happened: user confirmation, MAC verification (SAS flow),
// and the peer's done.
func (t *Transaction) maybeFinishLocked(ctx context.Context) error {
	confirmed := t.weConfirmed && (t.macVerified || t.reciprocated)
	if !confirmed {
		return nil
	}
	if !t.weDone {
		if err := t.sendLocked(ctx, transport.TypeVerificationDone, DoneContent{TransactionID: t.id}); err != nil {
			return err
		}
		t.weDone = true
	}
	if !t.theirDone {
		return nil
	}

	t.state = StateDone
	if t.expiry != nil {
		t.expiry.Stop()
	}
	t.m.signVerified(ctx, t)
	return nil
}
