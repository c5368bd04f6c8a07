package crosssigning

import (
	"context"
	"crypto/rand"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keryx-im/keryx/crypto"
	"github.com/keryx-im/keryx/device"
	"github.com/keryx-im/keryx/store"
)

// testUser bundles a user's cross-signing key pairs for building fixtures.
type testUser struct {
	userID string
	master *crypto.SigningKeyPair
	ssk    *crypto.SigningKeyPair
	usk    *crypto.SigningKeyPair
}

func newTestUser(t *testing.T, userID string) *testUser {
	t.Helper()
	u := &testUser{userID: userID}
	var err error
	if u.master, err = crypto.GenerateSigningKeyPair(); err != nil {
		t.Fatal(err)
	}
	if u.ssk, err = crypto.GenerateSigningKeyPair(); err != nil {
		t.Fatal(err)
	}
	if u.usk, err = crypto.GenerateSigningKeyPair(); err != nil {
		t.Fatal(err)
	}
	return u
}

// keySet builds the published form of the user's keys, with subkeys signed
// by the master.
func (u *testUser) keySet(t *testing.T) *KeySet {
	t.Helper()
	masterKey := newKey(u.userID, UsageMaster, u.master.Public)

	sign := func(key *Key) {
		sig, err := crypto.SignJSON(key.signable(), u.master.Seed)
		if err != nil {
			t.Fatal(err)
		}
		key.Signatures = map[string]map[string]string{
			u.userID: {"ed25519:" + masterKey.PublicKey(): sig},
		}
	}

	sskKey := newKey(u.userID, UsageSelfSigning, u.ssk.Public)
	sign(sskKey)
	uskKey := newKey(u.userID, UsageUserSigning, u.usk.Public)
	sign(uskKey)

	return &KeySet{UserID: u.userID, Master: masterKey, SelfSigning: sskKey, UserSigning: uskKey}
}

func newIdentity(t *testing.T, userID string) (*Identity, map[string][]byte) {
	t.Helper()

	saved := make(map[string][]byte)
	pickleKey := make([]byte, 32)
	if _, err := rand.Read(pickleKey); err != nil {
		t.Fatal(err)
	}
	cache, err := NewKeyCache(store.NewMemoryBlobStore(), pickleKey)
	require.NoError(t, err)

	ident, err := New(context.Background(), userID, store.NewMemoryStore(), cache, Callbacks{
		SavePrivateKeys: func(_ context.Context, seeds map[string][]byte) error {
			for usage, seed := range seeds {
				saved[usage] = append([]byte(nil), seed...)
			}
			return nil
		},
		GetPrivateKey: func(_ context.Context, usage string, _ string) ([]byte, error) {
			seed, ok := saved[usage]
			if !ok {
				return nil, errors.New("no saved key")
			}
			return append([]byte(nil), seed...), nil
		},
	})
	require.NoError(t, err)
	return ident, saved
}

func TestResetKeysGeneratesHierarchy(t *testing.T) {
	ident, saved := newIdentity(t, "@alice:example.org")
	ctx := context.Background()

	require.NoError(t, ident.ResetKeys(ctx, LevelMaster|LevelSelfSigning|LevelUserSigning))

	for _, usage := range []string{UsageMaster, UsageSelfSigning, UsageUserSigning} {
		assert.NotEmpty(t, ident.GetID(usage), "missing %s key", usage)
		assert.Len(t, saved[usage], 32, "missing saved %s seed", usage)
	}

	// Subkeys must verify against the master.
	own := ident.OwnKeySet()
	assert.NoError(t, own.SelfSigning.verifySignedBy("@alice:example.org", own.Master.PublicKey()))
	assert.NoError(t, own.UserSigning.verifySignedBy("@alice:example.org", own.Master.PublicKey()))
}

func TestResetKeysWithoutCallback(t *testing.T) {
	ident, err := New(context.Background(), "@alice:example.org", store.NewMemoryStore(), nil, Callbacks{})
	require.NoError(t, err)

	err = ident.ResetKeys(context.Background(), LevelSelfSigning)
	assert.ErrorIs(t, err, ErrNoCallback)
}

func TestResetSubkeyWithoutMasterForcesMaster(t *testing.T) {
	ident, _ := newIdentity(t, "@alice:example.org")
	ctx := context.Background()

	// No master exists yet: requesting only the self-signing level must
	// still produce a full hierarchy.
	require.NoError(t, ident.ResetKeys(ctx, LevelSelfSigning))
	assert.NotEmpty(t, ident.GetID(UsageMaster))
	assert.NotEmpty(t, ident.GetID(UsageSelfSigning))
	assert.NotEmpty(t, ident.GetID(UsageUserSigning))
}

func TestResetSubkeyKeepsExistingMaster(t *testing.T) {
	ident, _ := newIdentity(t, "@alice:example.org")
	ctx := context.Background()

	require.NoError(t, ident.ResetKeys(ctx, 0))
	master := ident.GetID(UsageMaster)
	oldSSK := ident.GetID(UsageSelfSigning)
	oldUSK := ident.GetID(UsageUserSigning)

	require.NoError(t, ident.ResetKeys(ctx, LevelSelfSigning))

	assert.Equal(t, master, ident.GetID(UsageMaster), "master must survive a subkey-only reset")
	assert.NotEqual(t, oldSSK, ident.GetID(UsageSelfSigning), "self-signing key must rotate")
	assert.Equal(t, oldUSK, ident.GetID(UsageUserSigning), "user-signing key must survive")

	// The rotated subkey is signed by the existing master.
	own := ident.OwnKeySet()
	assert.NoError(t, own.SelfSigning.verifySignedBy("@alice:example.org", master))
}

func TestSetKeysAtomicRejection(t *testing.T) {
	ident, _ := newIdentity(t, "@alice:example.org")
	ctx := context.Background()

	bob := newTestUser(t, "@bob:example.org")
	good := bob.keySet(t)
	require.NoError(t, ident.SetKeys(ctx, good))

	before := ident.UserKeySet("@bob:example.org")

	// New master with subkeys still signed by the old master: every check
	// must fail and nothing may change.
	rotated := newTestUser(t, "@bob:example.org")
	bad := &KeySet{
		UserID:      "@bob:example.org",
		Master:      newKey("@bob:example.org", UsageMaster, rotated.master.Public),
		SelfSigning: good.SelfSigning,
		UserSigning: good.UserSigning,
	}
	err := ident.SetKeys(ctx, bad)
	require.Error(t, err)

	after := ident.UserKeySet("@bob:example.org")
	assert.Equal(t, before, after, "failed SetKeys must not change state")
}

func TestSetKeysWrongUserRejected(t *testing.T) {
	ident, _ := newIdentity(t, "@alice:example.org")

	bob := newTestUser(t, "@bob:example.org")
	ks := bob.keySet(t)
	ks.Master.UserID = "@mallory:example.org"

	err := ident.SetKeys(context.Background(), ks)
	assert.Error(t, err)
}

func TestSetKeysMasterChangeClearsSubkeys(t *testing.T) {
	ident, _ := newIdentity(t, "@alice:example.org")
	ctx := context.Background()

	bob := newTestUser(t, "@bob:example.org")
	require.NoError(t, ident.SetKeys(ctx, bob.keySet(t)))

	// A bare new master (no re-signed subkeys) clears the old subkeys.
	rotated := newTestUser(t, "@bob:example.org")
	require.NoError(t, ident.SetKeys(ctx, &KeySet{
		UserID: "@bob:example.org",
		Master: newKey("@bob:example.org", UsageMaster, rotated.master.Public),
	}))

	after := ident.UserKeySet("@bob:example.org")
	assert.Nil(t, after.SelfSigning, "stale self-signing key survived master rotation")
	assert.Nil(t, after.UserSigning, "stale user-signing key survived master rotation")
}

func TestCheckUserTrustViaUserSigning(t *testing.T) {
	ident, _ := newIdentity(t, "@alice:example.org")
	ctx := context.Background()
	require.NoError(t, ident.ResetKeys(ctx, 0))

	bob := newTestUser(t, "@bob:example.org")
	bobKeys := bob.keySet(t)

	// Unsigned: TOFU only.
	require.NoError(t, ident.SetKeys(ctx, bobKeys))
	level := ident.CheckUserTrust(ctx, "@bob:example.org")
	assert.False(t, level.CrossSigningVerified)
	assert.True(t, level.TOFU)

	// Sign Bob's master with our user-signing key and install it.
	signed, err := ident.SignUser(ctx, bobKeys.Master)
	require.NoError(t, err)
	bobKeys.Master = signed
	require.NoError(t, ident.SetKeys(ctx, bobKeys))

	level = ident.CheckUserTrust(ctx, "@bob:example.org")
	assert.True(t, level.CrossSigningVerified)
	assert.True(t, level.WasCrossSigningVerified)
}

func TestAntiDowngradeLatch(t *testing.T) {
	ident, _ := newIdentity(t, "@alice:example.org")
	ctx := context.Background()
	require.NoError(t, ident.ResetKeys(ctx, 0))

	bob := newTestUser(t, "@bob:example.org")
	bobKeys := bob.keySet(t)
	signed, err := ident.SignUser(ctx, bobKeys.Master)
	require.NoError(t, err)
	bobKeys.Master = signed
	require.NoError(t, ident.SetKeys(ctx, bobKeys))
	require.True(t, ident.CheckUserTrust(ctx, "@bob:example.org").CrossSigningVerified)

	// Bob's keys rotate to something we never signed. Current trust drops;
	// the latch must not.
	rotated := newTestUser(t, "@bob:example.org")
	require.NoError(t, ident.SetKeys(ctx, rotated.keySet(t)))

	for i := 0; i < 3; i++ {
		level := ident.CheckUserTrust(ctx, "@bob:example.org")
		assert.False(t, level.CrossSigningVerified)
		assert.True(t, level.WasCrossSigningVerified, "latch reset observed on check %d", i)
		assert.False(t, level.TOFU, "rotated master is not first-use")
	}
}

func TestCheckDeviceTrust(t *testing.T) {
	ident, _ := newIdentity(t, "@alice:example.org")
	ctx := context.Background()
	require.NoError(t, ident.ResetKeys(ctx, 0))

	bob := newTestUser(t, "@bob:example.org")
	bobKeys := bob.keySet(t)

	identityKey, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	deviceSigning, err := crypto.GenerateSigningKeyPair()
	require.NoError(t, err)

	dev := &device.Device{
		UserID:      "@bob:example.org",
		DeviceID:    "BRAVO",
		IdentityKey: crypto.EncodeBase64(identityKey.Public[:]),
		SigningKey:  crypto.EncodeBase64(deviceSigning.Public[:]),
		Algorithms:  []string{"m.olm.v1.curve25519-aes-sha2"},
		Signatures:  map[string]map[string]string{},
	}

	// Bob's self-signing key signs the device.
	sig, err := crypto.SignJSON(map[string]interface{}{
		"user_id":    dev.UserID,
		"device_id":  dev.DeviceID,
		"algorithms": dev.Algorithms,
		"keys": map[string]string{
			"curve25519:" + dev.DeviceID: dev.IdentityKey,
			"ed25519:" + dev.DeviceID:    dev.SigningKey,
		},
	}, bob.ssk.Seed)
	require.NoError(t, err)
	dev.Signatures["@bob:example.org"] = map[string]string{
		"ed25519:" + crypto.EncodeBase64(bob.ssk.Public[:]): sig,
	}

	signedMaster, err := ident.SignUser(ctx, bobKeys.Master)
	require.NoError(t, err)
	bobKeys.Master = signedMaster
	require.NoError(t, ident.SetKeys(ctx, bobKeys))

	level := ident.CheckDeviceTrust(ctx, dev)
	assert.True(t, level.CrossSigningVerified, "intact chain must verify")

	// Tamper with the device signature: chain broken, trust gone.
	dev.Signatures["@bob:example.org"]["ed25519:"+crypto.EncodeBase64(bob.ssk.Public[:])] = sig[:len(sig)-4] + "AAAA"
	level = ident.CheckDeviceTrust(ctx, dev)
	assert.False(t, level.Verified(), "broken chain must not verify")
}

func TestPrivateKeyMismatchIsHardFailure(t *testing.T) {
	ident, saved := newIdentity(t, "@alice:example.org")
	ctx := context.Background()
	require.NoError(t, ident.ResetKeys(ctx, 0))

	// Poison both the cache and the callback with a wrong seed.
	wrong, err := crypto.GenerateSigningKeyPair()
	require.NoError(t, err)
	saved[UsageUserSigning] = append([]byte(nil), wrong.Seed[:]...)
	require.NoError(t, ident.cache.Store(UsageUserSigning, wrong.Seed[:]))

	bob := newTestUser(t, "@bob:example.org")
	_, err = ident.SignUser(ctx, bob.keySet(t).Master)
	assert.ErrorIs(t, err, ErrKeyMismatch)
}

func TestKeyCacheRoundTrip(t *testing.T) {
	pickleKey := make([]byte, 32)
	_, err := rand.Read(pickleKey)
	require.NoError(t, err)

	cache, err := NewKeyCache(store.NewMemoryBlobStore(), pickleKey)
	require.NoError(t, err)

	seed := make([]byte, 32)
	_, err = rand.Read(seed)
	require.NoError(t, err)

	require.NoError(t, cache.Store(UsageMaster, seed))
	got, err := cache.Get(UsageMaster)
	require.NoError(t, err)
	assert.Equal(t, seed, got)

	require.NoError(t, cache.Delete(UsageMaster))
	_, err = cache.Get(UsageMaster)
	assert.ErrorIs(t, err, store.ErrNotFound)
}
