package crosssigning

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/keryx-im/keryx/crypto"
	"github.com/keryx-im/keryx/device"
	"github.com/keryx-im/keryx/store"
)

var (
	// ErrNoCallback is returned when an operation needs the application's
	// private-key callbacks and none are registered.
	ErrNoCallback = errors.New("no cross-signing key callback registered")
	// ErrKeyMismatch is returned when a private key produced by the cache
	// or the application does not match the expected public key. This is a
	// hard trust failure; the key is never used.
	ErrKeyMismatch = errors.New("private key does not match expected public key")
	// ErrNoKey is returned when the requested cross-signing key does not
	// exist yet.
	ErrNoKey = errors.New("cross-signing key not present")
)

// Account-data types under which our own public keys are persisted.
const (
	typeMasterKey      = "m.cross_signing.master"
	typeSelfSigningKey = "m.cross_signing.self_signing"
	typeUserSigningKey = "m.cross_signing.user_signing"

	// typeUserKeys is the prefix for locally persisted key sets of other
	// users, as learned from device/key queries.
	typeUserKeys = "keryx.cross_signing_keys."
)

// Callbacks are the application hooks for private cross-signing key
// escrow and retrieval. SavePrivateKeys typically routes to secret storage;
// GetPrivateKey may prompt the user or fetch from secret storage.
type Callbacks struct {
	SavePrivateKeys func(ctx context.Context, seeds map[string][]byte) error
	GetPrivateKey   func(ctx context.Context, usage string, expectedPublicKey string) ([]byte, error)
}

// Identity manages this user's cross-signing hierarchy and the observed
// key sets of other users.
type Identity struct {
	mu        sync.Mutex
	userID    string
	store     store.AccountDataStore
	cache     *KeyCache
	callbacks Callbacks

	own    *KeySet
	others map[string]*KeySet
	trust  *trustTracker
}

// New creates an Identity for userID, loading any previously persisted keys
// from the account-data store. cache may be nil.
func New(ctx context.Context, userID string, s store.AccountDataStore, cache *KeyCache, cb Callbacks) (*Identity, error) {
	i := &Identity{
		userID:    userID,
		store:     s,
		cache:     cache,
		callbacks: cb,
		own:       &KeySet{UserID: userID},
		others:    make(map[string]*KeySet),
		trust:     newTrustTracker(s),
	}

	for usage, eventType := range map[string]string{
		UsageMaster:      typeMasterKey,
		UsageSelfSigning: typeSelfSigningKey,
		UsageUserSigning: typeUserSigningKey,
	} {
		var key Key
		err := store.GetJSON(ctx, s, eventType, &key)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to load %s key: %w", usage, err)
		}
		i.setOwnKey(usage, &key)
	}
	return i, nil
}

func (i *Identity) setOwnKey(usage string, key *Key) {
	switch usage {
	case UsageMaster:
		i.own.Master = key
	case UsageSelfSigning:
		i.own.SelfSigning = key
	case UsageUserSigning:
		i.own.UserSigning = key
	}
}

// UserID returns the owning user.
func (i *Identity) UserID() string {
	return i.userID
}

// GetID returns the public key for a usage, or "" when absent. Pure read.
func (i *Identity) GetID(usage string) string {
	i.mu.Lock()
	defer i.mu.Unlock()

	switch usage {
	case UsageMaster:
		return i.own.Master.PublicKey()
	case UsageSelfSigning:
		return i.own.SelfSigning.PublicKey()
	case UsageUserSigning:
		return i.own.UserSigning.PublicKey()
	}
	return ""
}

// OwnKeySet returns a copy of our published key set.
func (i *Identity) OwnKeySet() *KeySet {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.own.Clone()
}

// ResetKeys generates new key pairs for the requested levels. Generating the
// master key forces regeneration of all three, since a new master
// invalidates the old subkey signatures; so does the absence of an existing
// master. New self-signing and user-signing keys are signed by the master,
// public keys are persisted, and private seeds are handed to the
// application's SavePrivateKeys callback (and the local cache, if any).
func (i *Identity) ResetKeys(ctx context.Context, levels KeyLevel) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.callbacks.SavePrivateKeys == nil {
		return ErrNoCallback
	}

	if levels == 0 || levels&LevelMaster != 0 || i.own.Master == nil {
		levels = LevelMaster | LevelSelfSigning | LevelUserSigning
	}

	staged := i.own.Clone()
	seeds := make(map[string][]byte)
	defer func() {
		for _, seed := range seeds {
			crypto.ZeroBytes(seed)
		}
	}()

	var masterSeed [32]byte
	if levels&LevelMaster != 0 {
		kp, err := crypto.GenerateSigningKeyPair()
		if err != nil {
			return fmt.Errorf("failed to generate master key: %w", err)
		}
		staged.Master = newKey(i.userID, UsageMaster, kp.Public)
		masterSeed = kp.Seed
		seeds[UsageMaster] = append([]byte(nil), kp.Seed[:]...)
		kp.Wipe()
	} else {
		seed, err := i.privateKeyLocked(ctx, UsageMaster)
		if err != nil {
			return fmt.Errorf("cannot sign new subkeys: %w", err)
		}
		copy(masterSeed[:], seed)
		crypto.ZeroBytes(seed)
	}
	defer crypto.ZeroBytes(masterSeed[:])

	masterPub := staged.Master.PublicKey()

	signSubkey := func(usage string) (*Key, error) {
		kp, err := crypto.GenerateSigningKeyPair()
		if err != nil {
			return nil, fmt.Errorf("failed to generate %s key: %w", usage, err)
		}
		defer kp.Wipe()

		key := newKey(i.userID, usage, kp.Public)
		sig, err := crypto.SignJSON(key.signable(), masterSeed)
		if err != nil {
			return nil, fmt.Errorf("failed to sign %s key: %w", usage, err)
		}
		key.Signatures = map[string]map[string]string{
			i.userID: {"ed25519:" + masterPub: sig},
		}
		seeds[usage] = append([]byte(nil), kp.Seed[:]...)
		return key, nil
	}

	if levels&LevelSelfSigning != 0 {
		key, err := signSubkey(UsageSelfSigning)
		if err != nil {
			return err
		}
		staged.SelfSigning = key
	}
	if levels&LevelUserSigning != 0 {
		key, err := signSubkey(UsageUserSigning)
		if err != nil {
			return err
		}
		staged.UserSigning = key
	}

	if err := i.callbacks.SavePrivateKeys(ctx, seeds); err != nil {
		return fmt.Errorf("failed to save private keys: %w", err)
	}

	for usage, eventType := range map[string]string{
		UsageMaster:      typeMasterKey,
		UsageSelfSigning: typeSelfSigningKey,
		UsageUserSigning: typeUserSigningKey,
	} {
		var key *Key
		switch usage {
		case UsageMaster:
			key = staged.Master
		case UsageSelfSigning:
			key = staged.SelfSigning
		case UsageUserSigning:
			key = staged.UserSigning
		}
		if key == nil {
			continue
		}
		if err := i.store.Put(ctx, eventType, key); err != nil {
			return fmt.Errorf("failed to persist %s key: %w", usage, err)
		}
	}

	if i.cache != nil {
		for usage, seed := range seeds {
			if err := i.cache.Store(usage, seed); err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "ResetKeys",
					"usage":    usage,
					"error":    err.Error(),
				}).Warn("Failed to cache private key")
			}
		}
	}

	i.own = staged
	i.trust.ObserveMaster(ctx, i.userID, masterPub)

	logrus.WithFields(logrus.Fields{
		"function":   "ResetKeys",
		"user_id":    i.userID,
		"master_key": masterPub,
	}).Info("Cross-signing keys reset")
	return nil
}

// SetKeys installs a key set for a user (our own or another). Every key must
// carry the right user id, and self-signing/user-signing keys must verify
// against the master key in effect after the call. Nothing is committed
// unless every check passes. A master-key change drops previously accepted
// subkeys: only subkeys chained to the new master survive.
func (i *Identity) SetKeys(ctx context.Context, remote *KeySet) error {
	if remote == nil || remote.UserID == "" {
		return fmt.Errorf("key set must name a user")
	}

	i.mu.Lock()
	defer i.mu.Unlock()

	current := i.keySetLocked(remote.UserID)

	staged := &KeySet{UserID: remote.UserID}
	if current != nil {
		staged = current.Clone()
	}

	for _, check := range []struct {
		key   *Key
		usage string
	}{
		{remote.Master, UsageMaster},
		{remote.SelfSigning, UsageSelfSigning},
		{remote.UserSigning, UsageUserSigning},
	} {
		if check.key == nil {
			continue
		}
		if check.key.UserID != remote.UserID {
			return fmt.Errorf("%s key names user %q, expected %q", check.usage, check.key.UserID, remote.UserID)
		}
		if !check.key.HasUsage(check.usage) {
			return fmt.Errorf("key %q does not declare usage %q", check.key.PublicKey(), check.usage)
		}
	}

	if remote.Master != nil {
		if staged.Master == nil || staged.Master.PublicKey() != remote.Master.PublicKey() {
			// Master replacement invalidates the old subkey signatures.
			staged.SelfSigning = nil
			staged.UserSigning = nil
		}
		staged.Master = cloneKey(remote.Master)
	}
	if staged.Master == nil {
		return fmt.Errorf("cannot accept subkeys for %s with no master key", remote.UserID)
	}
	masterPub := staged.Master.PublicKey()

	if remote.SelfSigning != nil {
		if err := remote.SelfSigning.verifySignedBy(remote.UserID, masterPub); err != nil {
			return fmt.Errorf("self-signing key rejected: %w", err)
		}
		staged.SelfSigning = cloneKey(remote.SelfSigning)
	}
	if remote.UserSigning != nil {
		if err := remote.UserSigning.verifySignedBy(remote.UserID, masterPub); err != nil {
			return fmt.Errorf("user-signing key rejected: %w", err)
		}
		staged.UserSigning = cloneKey(remote.UserSigning)
	}

	// All checks passed; commit.
	if remote.UserID == i.userID {
		i.own = staged
	} else {
		i.others[remote.UserID] = staged
		if err := i.store.Put(ctx, typeUserKeys+remote.UserID, staged); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "SetKeys",
				"user_id":  remote.UserID,
				"error":    err.Error(),
			}).Warn("Failed to persist user key set")
		}
	}
	i.trust.ObserveMaster(ctx, remote.UserID, masterPub)
	return nil
}

// keySetLocked returns the tracked key set for a user, loading persisted
// state for other users on first access.
func (i *Identity) keySetLocked(userID string) *KeySet {
	if userID == i.userID {
		return i.own
	}
	if ks, ok := i.others[userID]; ok {
		return ks
	}
	var ks KeySet
	if err := store.GetJSON(context.Background(), i.store, typeUserKeys+userID, &ks); err == nil {
		i.others[userID] = &ks
		return &ks
	}
	return nil
}

// UserKeySet returns a copy of the tracked key set for a user, or nil.
func (i *Identity) UserKeySet(userID string) *KeySet {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.keySetLocked(userID).Clone()
}

// CheckUserTrust evaluates our trust in a user's cross-signing identity.
// Verification failure yields an untrusted level, not an error; errors are
// reserved for malformed data.
func (i *Identity) CheckUserTrust(ctx context.Context, userID string) UserTrustLevel {
	i.mu.Lock()
	defer i.mu.Unlock()

	level := UserTrustLevel{
		WasCrossSigningVerified: i.trust.VerifiedBefore(ctx, userID),
	}

	their := i.keySetLocked(userID)
	if their == nil || their.Master == nil {
		return level
	}
	masterPub := their.Master.PublicKey()
	level.TOFU = i.trust.ObserveMaster(ctx, userID, masterPub)

	if userID == i.userID {
		// Self-trust: our own published keys match what we hold.
		level.CrossSigningVerified = i.own.Master != nil &&
			their.Master.PublicKey() == i.own.Master.PublicKey() &&
			(their.SelfSigning == nil || i.own.SelfSigning == nil ||
				their.SelfSigning.PublicKey() == i.own.SelfSigning.PublicKey())
	} else {
		uskPub := i.own.UserSigning.PublicKey()
		if uskPub != "" {
			if err := their.Master.verifySignedBy(i.userID, uskPub); err == nil {
				level.CrossSigningVerified = true
			} else {
				logrus.WithFields(logrus.Fields{
					"function": "CheckUserTrust",
					"user_id":  userID,
				}).Debug("Master key not signed by our user-signing key")
			}
		}
	}

	if level.CrossSigningVerified {
		i.trust.Latch(ctx, userID)
		level.WasCrossSigningVerified = true
	}
	return level
}

// CheckDeviceTrust evaluates the signature chain for one device: the
// device's user must have a self-signing key validly signed by their master,
// and the device must be validly signed by that self-signing key.
func (i *Identity) CheckDeviceTrust(ctx context.Context, dev *device.Device) DeviceTrustLevel {
	userLevel := i.CheckUserTrust(ctx, dev.UserID)

	i.mu.Lock()
	defer i.mu.Unlock()

	var level DeviceTrustLevel
	their := i.keySetLocked(dev.UserID)
	if their == nil || their.Master == nil || their.SelfSigning == nil {
		return level
	}

	if err := their.SelfSigning.verifySignedBy(dev.UserID, their.Master.PublicKey()); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":  "CheckDeviceTrust",
			"user_id":   dev.UserID,
			"device_id": dev.DeviceID,
		}).Warn("Self-signing key fails master signature check")
		return level
	}

	sskPub := their.SelfSigning.PublicKey()
	sig, ok := dev.Signatures[dev.UserID]["ed25519:"+sskPub]
	if !ok {
		return level
	}
	raw, err := crypto.DecodeBase64(sskPub)
	if err != nil || len(raw) != 32 {
		return level
	}
	var pub [32]byte
	copy(pub[:], raw)
	valid, err := crypto.VerifyJSON(dev.SignedKeys(), sig, pub)
	if err != nil || !valid {
		return level
	}

	if userLevel.CrossSigningVerified {
		level.CrossSigningVerified = true
	} else if userLevel.TOFU {
		level.TOFU = true
	}
	return level
}

// SignObject produces a detached signature over data with the key for the
// given usage, returning the signature and the public key it verifies under.
func (i *Identity) SignObject(ctx context.Context, data map[string]interface{}, usage string) (signature, publicKey string, err error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.signObjectLocked(ctx, data, usage)
}

func (i *Identity) signObjectLocked(ctx context.Context, data map[string]interface{}, usage string) (string, string, error) {
	publicKey := i.own.Master.PublicKey()
	switch usage {
	case UsageSelfSigning:
		publicKey = i.own.SelfSigning.PublicKey()
	case UsageUserSigning:
		publicKey = i.own.UserSigning.PublicKey()
	}
	if publicKey == "" {
		return "", "", ErrNoKey
	}

	seed, err := i.privateKeyLocked(ctx, usage)
	if err != nil {
		return "", "", err
	}
	var seedArr [32]byte
	copy(seedArr[:], seed)
	crypto.ZeroBytes(seed)
	defer crypto.ZeroBytes(seedArr[:])

	sig, err := crypto.SignJSON(data, seedArr)
	if err != nil {
		return "", "", err
	}
	return sig, publicKey, nil
}

// SignUser signs another user's master key with our user-signing key and
// returns the key with our signature attached.
func (i *Identity) SignUser(ctx context.Context, theirMaster *Key) (*Key, error) {
	if theirMaster == nil {
		return nil, fmt.Errorf("nil master key")
	}
	if theirMaster.UserID == i.userID {
		return nil, fmt.Errorf("own user is signed with the self-signing key, not user-signing")
	}

	i.mu.Lock()
	defer i.mu.Unlock()

	sig, pub, err := i.signObjectLocked(ctx, theirMaster.signable(), UsageUserSigning)
	if err != nil {
		return nil, err
	}

	signed := cloneKey(theirMaster)
	if signed.Signatures == nil {
		signed.Signatures = make(map[string]map[string]string)
	}
	if signed.Signatures[i.userID] == nil {
		signed.Signatures[i.userID] = make(map[string]string)
	}
	signed.Signatures[i.userID]["ed25519:"+pub] = sig
	return signed, nil
}

// SignDevice signs one of our own devices with our self-signing key and
// returns the device with the signature attached.
func (i *Identity) SignDevice(ctx context.Context, dev *device.Device) (*device.Device, error) {
	if dev.UserID != i.userID {
		return nil, fmt.Errorf("device %s belongs to %s; other users' devices are not device-signed", dev.DeviceID, dev.UserID)
	}

	i.mu.Lock()
	defer i.mu.Unlock()

	signable := map[string]interface{}{
		"user_id":    dev.UserID,
		"device_id":  dev.DeviceID,
		"algorithms": dev.Algorithms,
		"keys": map[string]string{
			"curve25519:" + dev.DeviceID: dev.IdentityKey,
			"ed25519:" + dev.DeviceID:    dev.SigningKey,
		},
	}
	sig, pub, err := i.signObjectLocked(ctx, signable, UsageSelfSigning)
	if err != nil {
		return nil, err
	}

	signed := *dev
	signed.Signatures = make(map[string]map[string]string, len(dev.Signatures)+1)
	for user, sigs := range dev.Signatures {
		inner := make(map[string]string, len(sigs))
		for id, s := range sigs {
			inner[id] = s
		}
		signed.Signatures[user] = inner
	}
	if signed.Signatures[i.userID] == nil {
		signed.Signatures[i.userID] = make(map[string]string)
	}
	signed.Signatures[i.userID]["ed25519:"+pub] = sig
	return &signed, nil
}

// privateKeyLocked fetches a private seed: local encrypted cache first, then
// the application callback. Either source is validated against the expected
// public key before use; a mismatch is ErrKeyMismatch, never a silent
// substitution.
func (i *Identity) privateKeyLocked(ctx context.Context, usage string) ([]byte, error) {
	var expected string
	switch usage {
	case UsageMaster:
		expected = i.own.Master.PublicKey()
	case UsageSelfSigning:
		expected = i.own.SelfSigning.PublicKey()
	case UsageUserSigning:
		expected = i.own.UserSigning.PublicKey()
	}
	if expected == "" {
		return nil, ErrNoKey
	}

	validate := func(seed []byte) error {
		if len(seed) != 32 {
			return fmt.Errorf("seed must be 32 bytes, got %d", len(seed))
		}
		kp := crypto.SigningKeyPairFromSeed(seed)
		defer kp.Wipe()
		if crypto.EncodeBase64(kp.Public[:]) != expected {
			return ErrKeyMismatch
		}
		return nil
	}

	if i.cache != nil {
		seed, err := i.cache.Get(usage)
		if err == nil {
			if err := validate(seed); err != nil {
				crypto.ZeroBytes(seed)
				return nil, err
			}
			return seed, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			logrus.WithFields(logrus.Fields{
				"function": "privateKey",
				"usage":    usage,
				"error":    err.Error(),
			}).Warn("Key cache read failed, falling back to callback")
		}
	}

	if i.callbacks.GetPrivateKey == nil {
		return nil, ErrNoCallback
	}
	seed, err := i.callbacks.GetPrivateKey(ctx, usage, expected)
	if err != nil {
		return nil, fmt.Errorf("private key callback failed: %w", err)
	}
	if err := validate(seed); err != nil {
		crypto.ZeroBytes(seed)
		return nil, err
	}
	if i.cache != nil {
		if err := i.cache.Store(usage, seed); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "privateKey",
				"usage":    usage,
				"error":    err.Error(),
			}).Warn("Failed to cache private key")
		}
	}
	return seed, nil
}
