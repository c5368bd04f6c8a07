package secretstorage

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"testing"

	"github.com/keryx-im/keryx/crypto"
	"github.com/keryx-im/keryx/store"
)

// fixture builds a manager over an in-memory store with a callback serving
// keys from a map.
type fixture struct {
	manager *Manager
	store   *store.MemoryStore
	keys    map[string][]byte
}

func newFixture(t *testing.T, filter DescriptorFilter) *fixture {
	t.Helper()
	f := &fixture{
		store: store.NewMemoryStore(),
		keys:  make(map[string][]byte),
	}
	callback := func(ctx context.Context, keyID string, desc *KeyDescriptor) ([]byte, error) {
		key, ok := f.keys[keyID]
		if !ok {
			return nil, nil
		}
		return append([]byte(nil), key...), nil
	}
	f.manager = New(f.store, DefaultRegistry(), callback, nil, filter)
	return f
}

func (f *fixture) addKey(t *testing.T, opts AddKeyOpts) *KeyInfo {
	t.Helper()
	info, err := f.manager.AddKey(context.Background(), opts)
	if err != nil {
		t.Fatalf("AddKey failed: %v", err)
	}
	f.keys[info.KeyID] = info.Key
	return info
}

func TestStoreAndGetSecret(t *testing.T) {
	f := newFixture(t, nil)
	info := f.addKey(t, AddKeyOpts{Name: "Backup key"})
	if err := f.manager.SetDefaultKeyID(context.Background(), info.KeyID); err != nil {
		t.Fatalf("SetDefaultKeyID failed: %v", err)
	}

	secret := []byte("the megolm backup key")
	if err := f.manager.StoreSecret(context.Background(), "m.megolm_backup.v1", secret, nil); err != nil {
		t.Fatalf("StoreSecret failed: %v", err)
	}

	got, err := f.manager.GetSecret(context.Background(), "m.megolm_backup.v1")
	if err != nil {
		t.Fatalf("GetSecret failed: %v", err)
	}
	if !bytes.Equal(got, secret) {
		t.Errorf("secret mismatch: %q", got)
	}

	stored, err := f.manager.IsStored(context.Background(), "m.megolm_backup.v1")
	if err != nil {
		t.Fatalf("IsStored failed: %v", err)
	}
	if len(stored) != 1 || stored[info.KeyID] == nil {
		t.Errorf("IsStored returned %v, want descriptor under %s", stored, info.KeyID)
	}
}

func TestPassphraseKeyRoundTrip(t *testing.T) {
	f := newFixture(t, nil)
	info := f.addKey(t, AddKeyOpts{Passphrase: "correct horse battery staple"})

	if info.Descriptor.Passphrase == nil {
		t.Fatal("descriptor should record passphrase parameters")
	}
	derived, err := crypto.DeriveKeyFromPassphrase("correct horse battery staple", info.Descriptor.Passphrase)
	if err != nil {
		t.Fatalf("DeriveKeyFromPassphrase failed: %v", err)
	}
	if !bytes.Equal(derived, info.Key) {
		t.Error("re-derived key does not match the created key")
	}

	// The recorded key check detects a wrong passphrase.
	wrong, err := crypto.DeriveKeyFromPassphrase("wrong", info.Descriptor.Passphrase)
	if err != nil {
		t.Fatalf("DeriveKeyFromPassphrase failed: %v", err)
	}
	ok, err := crypto.VerifyKeyCheck(wrong, info.Descriptor.IV, info.Descriptor.MAC)
	if err != nil {
		t.Fatalf("VerifyKeyCheck failed: %v", err)
	}
	if ok {
		t.Error("wrong passphrase should fail the key check")
	}
}

func TestStoreSecretMultipleKeys(t *testing.T) {
	f := newFixture(t, nil)
	first := f.addKey(t, AddKeyOpts{})
	second := f.addKey(t, AddKeyOpts{})

	err := f.manager.StoreSecret(context.Background(), "m.example.secret", []byte("s"),
		[]string{first.KeyID, second.KeyID})
	if err != nil {
		t.Fatalf("StoreSecret failed: %v", err)
	}

	stored, err := f.manager.IsStored(context.Background(), "m.example.secret")
	if err != nil {
		t.Fatalf("IsStored failed: %v", err)
	}
	if len(stored) != 2 {
		t.Errorf("secret should be stored under both keys, got %v", stored)
	}

	// Losing one key still recovers the secret through the other.
	delete(f.keys, first.KeyID)
	got, err := f.manager.GetSecret(context.Background(), "m.example.secret")
	if err != nil {
		t.Fatalf("GetSecret failed: %v", err)
	}
	if !bytes.Equal(got, []byte("s")) {
		t.Errorf("secret mismatch: %q", got)
	}
}

func TestStoreSecretUnknownAlgorithmSkipped(t *testing.T) {
	f := newFixture(t, nil)
	good := f.addKey(t, AddKeyOpts{})

	// Plant a descriptor with an algorithm this build does not know.
	err := f.store.Put(context.Background(), keyDescriptorPrefix+"exotic",
		&KeyDescriptor{Algorithm: "org.example.post-quantum"})
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	err = f.manager.StoreSecret(context.Background(), "m.example.secret", []byte("s"),
		[]string{good.KeyID, "exotic"})
	if err != nil {
		t.Fatalf("StoreSecret should skip the unknown algorithm, got %v", err)
	}

	// With only unusable keys the write must fail outright.
	err = f.manager.StoreSecret(context.Background(), "m.example.other", []byte("s"),
		[]string{"exotic"})
	if !errors.Is(err, ErrNoUsableKey) {
		t.Errorf("expected ErrNoUsableKey, got %v", err)
	}
}

func TestUntrustedDescriptorFiltered(t *testing.T) {
	trusted := make(map[string]bool)
	f := newFixture(t, func(keyID string, desc *KeyDescriptor) bool {
		return trusted[keyID]
	})
	info := f.addKey(t, AddKeyOpts{})

	err := f.manager.StoreSecret(context.Background(), "m.example.secret", []byte("s"),
		[]string{info.KeyID})
	if !errors.Is(err, ErrNoUsableKey) {
		t.Fatalf("untrusted key should be filtered, got %v", err)
	}

	trusted[info.KeyID] = true
	if err := f.manager.StoreSecret(context.Background(), "m.example.secret", []byte("s"),
		[]string{info.KeyID}); err != nil {
		t.Fatalf("StoreSecret failed: %v", err)
	}
}

// testIdentity is a minimal cross-signer backed by one Ed25519 master key.
type testIdentity struct {
	userID string
	kp     *crypto.SigningKeyPair
}

func (i *testIdentity) UserID() string { return i.userID }

func (i *testIdentity) GetID(usage string) string {
	if usage != "master" || i.kp == nil {
		return ""
	}
	return crypto.EncodeBase64(i.kp.Public[:])
}

func (i *testIdentity) SignObject(ctx context.Context, data map[string]interface{}, usage string) (string, string, error) {
	sig, err := crypto.SignJSON(data, i.kp.Seed)
	return sig, crypto.EncodeBase64(i.kp.Public[:]), err
}

func newSignedFixture(t *testing.T) (*fixture, *testIdentity) {
	t.Helper()
	kp, err := crypto.GenerateSigningKeyPair()
	if err != nil {
		t.Fatalf("GenerateSigningKeyPair failed: %v", err)
	}
	identity := &testIdentity{userID: "@alice:example.org", kp: kp}
	f := &fixture{
		store: store.NewMemoryStore(),
		keys:  make(map[string][]byte),
	}
	callback := func(ctx context.Context, keyID string, desc *KeyDescriptor) ([]byte, error) {
		key, ok := f.keys[keyID]
		if !ok {
			return nil, nil
		}
		return append([]byte(nil), key...), nil
	}
	f.manager = New(f.store, DefaultRegistry(), callback, identity, nil)
	return f, identity
}

func TestDescriptorSignedByMasterKey(t *testing.T) {
	f, identity := newSignedFixture(t)
	info := f.addKey(t, AddKeyOpts{Name: "Signed key"})

	sig := info.Descriptor.Signatures[identity.UserID()]["ed25519:"+identity.GetID("master")]
	if sig == "" {
		t.Fatal("new descriptor carries no master-key signature")
	}
	valid, err := crypto.VerifyJSON(info.Descriptor, sig, identity.kp.Public)
	if err != nil || !valid {
		t.Fatalf("descriptor signature does not verify: valid=%v err=%v", valid, err)
	}

	if err := f.manager.StoreSecret(context.Background(), "m.example.secret", []byte("s"),
		[]string{info.KeyID}); err != nil {
		t.Fatalf("StoreSecret failed: %v", err)
	}
	got, err := f.manager.GetSecret(context.Background(), "m.example.secret")
	if err != nil {
		t.Fatalf("GetSecret failed: %v", err)
	}
	if !bytes.Equal(got, []byte("s")) {
		t.Errorf("secret mismatch: %q", got)
	}
}

func TestTamperedDescriptorRejected(t *testing.T) {
	f, _ := newSignedFixture(t)
	info := f.addKey(t, AddKeyOpts{})
	if err := f.manager.StoreSecret(context.Background(), "m.example.secret", []byte("s"),
		[]string{info.KeyID}); err != nil {
		t.Fatalf("StoreSecret failed: %v", err)
	}

	// A server rewriting the descriptor cannot re-sign it; the stale
	// signature must stop verifying and the key must drop out of use.
	tampered := *info.Descriptor
	tampered.Name = "Definitely the same key"
	if err := f.store.Put(context.Background(), keyDescriptorPrefix+info.KeyID, &tampered); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	if _, err := f.manager.GetSecret(context.Background(), "m.example.secret"); !errors.Is(err, ErrNoUsableKey) {
		t.Errorf("tampered descriptor should be unusable, got %v", err)
	}
	stored, err := f.manager.IsStored(context.Background(), "m.example.secret")
	if err != nil {
		t.Fatalf("IsStored failed: %v", err)
	}
	if len(stored) != 0 {
		t.Errorf("tampered descriptor must not be trusted, got %v", stored)
	}
}

func TestUnsignedDescriptorRejected(t *testing.T) {
	f, _ := newSignedFixture(t)
	good := f.addKey(t, AddKeyOpts{})

	// Plant a well-formed but unsigned descriptor, as a malicious server
	// substituting its own storage key would.
	planted := make([]byte, 32)
	if _, err := rand.Read(planted); err != nil {
		t.Fatalf("rand failed: %v", err)
	}
	check, err := crypto.CalculateKeyCheck(planted)
	if err != nil {
		t.Fatalf("CalculateKeyCheck failed: %v", err)
	}
	err = f.store.Put(context.Background(), keyDescriptorPrefix+"planted",
		&KeyDescriptor{Algorithm: AlgorithmAESHMACSHA2, IV: check.IV, MAC: check.MAC})
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	f.keys["planted"] = planted

	// The planted key captures nothing: writes skip it, and a secret
	// stored under both keys only ever decrypts through the signed one.
	if err := f.manager.StoreSecret(context.Background(), "m.example.secret", []byte("s"),
		[]string{good.KeyID, "planted"}); err != nil {
		t.Fatalf("StoreSecret failed: %v", err)
	}
	stored, err := f.manager.IsStored(context.Background(), "m.example.secret")
	if err != nil {
		t.Fatalf("IsStored failed: %v", err)
	}
	if len(stored) != 1 || stored[good.KeyID] == nil {
		t.Errorf("only the signed key should be usable, got %v", stored)
	}

	if err := f.manager.StoreSecret(context.Background(), "m.example.other", []byte("s"),
		[]string{"planted"}); !errors.Is(err, ErrNoUsableKey) {
		t.Errorf("unsigned descriptor alone should fail the write, got %v", err)
	}
}

func TestGetSecretTamperedCiphertext(t *testing.T) {
	f := newFixture(t, nil)
	info := f.addKey(t, AddKeyOpts{})
	if err := f.manager.StoreSecret(context.Background(), "m.example.secret", []byte("s"),
		[]string{info.KeyID}); err != nil {
		t.Fatalf("StoreSecret failed: %v", err)
	}

	// Corrupt the stored ciphertext; decryption must fail on the MAC.
	var stored EncryptedSecret
	if err := store.GetJSON(context.Background(), f.store, "m.example.secret", &stored); err != nil {
		t.Fatalf("GetJSON failed: %v", err)
	}
	var payload crypto.AESPayload
	if err := json.Unmarshal(stored.Encrypted[info.KeyID], &payload); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	payload.Ciphertext = crypto.EncodeBase64([]byte("tampered"))
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	if err := f.store.Put(context.Background(), "m.example.secret",
		EncryptedSecret{Encrypted: map[string]json.RawMessage{info.KeyID: raw}}); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	if _, err := f.manager.GetSecret(context.Background(), "m.example.secret"); err == nil {
		t.Error("tampered ciphertext should fail to decrypt")
	}
}

func TestCurve25519Algorithm(t *testing.T) {
	kp, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair failed: %v", err)
	}

	f := newFixture(t, nil)
	desc := &KeyDescriptor{
		Algorithm: AlgorithmCurve25519,
		PublicKey: crypto.EncodeBase64(kp.Public[:]),
	}
	if err := f.store.Put(context.Background(), keyDescriptorPrefix+"legacy", desc); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	f.keys["legacy"] = append([]byte(nil), kp.Private[:]...)

	// Writing needs only the public key in the descriptor.
	if err := f.manager.StoreSecret(context.Background(), "m.example.secret", []byte("s"),
		[]string{"legacy"}); err != nil {
		t.Fatalf("StoreSecret failed: %v", err)
	}
	got, err := f.manager.GetSecret(context.Background(), "m.example.secret")
	if err != nil {
		t.Fatalf("GetSecret failed: %v", err)
	}
	if !bytes.Equal(got, []byte("s")) {
		t.Errorf("secret mismatch: %q", got)
	}

	// A private key that does not match the descriptor is rejected before
	// any decryption is attempted.
	other, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair failed: %v", err)
	}
	f.keys["legacy"] = append([]byte(nil), other.Private[:]...)
	if _, err := f.manager.GetSecret(context.Background(), "m.example.secret"); err == nil {
		t.Error("mismatched private key should be rejected")
	}
}

func TestRecoveryKeyRoundTrip(t *testing.T) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("rand failed: %v", err)
	}

	encoded, err := EncodeRecoveryKey(key)
	if err != nil {
		t.Fatalf("EncodeRecoveryKey failed: %v", err)
	}
	decoded, err := DecodeRecoveryKey(encoded)
	if err != nil {
		t.Fatalf("DecodeRecoveryKey failed: %v", err)
	}
	if !bytes.Equal(decoded, key) {
		t.Error("recovery key did not round-trip")
	}

	// Transcription errors are caught by the parity byte.
	corrupted := []rune(encoded)
	for i, r := range corrupted {
		if r != ' ' {
			if r == 'A' {
				corrupted[i] = 'B'
			} else {
				corrupted[i] = 'A'
			}
			break
		}
	}
	if _, err := DecodeRecoveryKey(string(corrupted)); err == nil {
		t.Error("corrupted recovery key should fail to decode")
	}

	if _, err := DecodeRecoveryKey("not a recovery key!"); err == nil {
		t.Error("garbage should fail to decode")
	}
}
