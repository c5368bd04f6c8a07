package crosssigning

import (
	"context"
	"errors"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/keryx-im/keryx/store"
)

// UserTrustLevel describes how much we trust another user's cross-signing
// identity.
type UserTrustLevel struct {
	// CrossSigningVerified is true when our user-signing key has signed the
	// user's current master key (or the user is ourselves with matching
	// keys).
	CrossSigningVerified bool
	// WasCrossSigningVerified latches: once a user has ever been verified,
	// it stays true even if their keys later change. A true value alongside
	// a false CrossSigningVerified is a downgrade signal for the UI.
	WasCrossSigningVerified bool
	// TOFU is true when the user's current master key is the first one we
	// ever saw for them.
	TOFU bool
}

// Verified reports whether the user is currently trusted.
func (l UserTrustLevel) Verified() bool {
	return l.CrossSigningVerified
}

// DeviceTrustLevel describes how much we trust a single device.
type DeviceTrustLevel struct {
	// CrossSigningVerified is true when the signature chain
	// master → self-signing → device is intact and we trust the user.
	CrossSigningVerified bool
	// TOFU is true when the chain is intact but the user is only trusted
	// on first use.
	TOFU bool
}

// Verified reports whether the device is currently trusted.
func (l DeviceTrustLevel) Verified() bool {
	return l.CrossSigningVerified || l.TOFU
}

// trustRecord is the persisted per-user trust state.
type trustRecord struct {
	FirstMasterKey string `json:"first_master_key"`
	VerifiedBefore bool   `json:"verified_before"`
}

const trustPrefix = "keryx.trust."

// trustTracker persists first-use and verified-before flags per user. The
// verified-before flag is monotonic: Latch can set it, nothing clears it.
type trustTracker struct {
	mu    sync.Mutex
	store store.AccountDataStore
	cache map[string]*trustRecord
}

func newTrustTracker(s store.AccountDataStore) *trustTracker {
	return &trustTracker{store: s, cache: make(map[string]*trustRecord)}
}

func (t *trustTracker) record(ctx context.Context, userID string) *trustRecord {
	if rec, ok := t.cache[userID]; ok {
		return rec
	}
	rec := &trustRecord{}
	if err := store.GetJSON(ctx, t.store, trustPrefix+userID, rec); err != nil && !errors.Is(err, store.ErrNotFound) {
		logrus.WithFields(logrus.Fields{
			"function": "trustTracker.record",
			"user_id":  userID,
			"error":    err.Error(),
		}).Warn("Failed to load trust record")
	}
	t.cache[userID] = rec
	return rec
}

func (t *trustTracker) persist(ctx context.Context, userID string, rec *trustRecord) {
	if err := t.store.Put(ctx, trustPrefix+userID, rec); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "trustTracker.persist",
			"user_id":  userID,
			"error":    err.Error(),
		}).Error("Failed to persist trust record")
	}
}

// ObserveMaster records the first master key seen for a user and reports
// whether the given key is that first key.
func (t *trustTracker) ObserveMaster(ctx context.Context, userID, masterKey string) (firstUse bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec := t.record(ctx, userID)
	if rec.FirstMasterKey == "" {
		rec.FirstMasterKey = masterKey
		t.persist(ctx, userID, rec)
	}
	return rec.FirstMasterKey == masterKey
}

// Latch marks a user as verified-before. Monotonic by construction: there
// is no API to clear the flag.
func (t *trustTracker) Latch(ctx context.Context, userID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec := t.record(ctx, userID)
	if rec.VerifiedBefore {
		return
	}
	rec.VerifiedBefore = true
	t.persist(ctx, userID, rec)
}

// VerifiedBefore reports the latch state for a user.
func (t *trustTracker) VerifiedBefore(ctx context.Context, userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.record(ctx, userID).VerifiedBefore
}
