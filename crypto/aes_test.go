package crypto

import (
	"crypto/rand"
	"errors"
	"testing"
)

func randomSecret(t *testing.T) []byte {
	t.Helper()
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		t.Fatal(err)
	}
	return secret
}

func TestAESHMACRoundTrip(t *testing.T) {
	secret := randomSecret(t)
	plaintext := []byte("cross-signing master key seed")

	payload, err := EncryptAESHMAC(plaintext, secret, "m.cross_signing.master")
	if err != nil {
		t.Fatalf("EncryptAESHMAC failed: %v", err)
	}

	decrypted, err := DecryptAESHMAC(payload, secret, "m.cross_signing.master")
	if err != nil {
		t.Fatalf("DecryptAESHMAC failed: %v", err)
	}
	if string(decrypted) != string(plaintext) {
		t.Errorf("round-trip mismatch: got %q", decrypted)
	}
}

func TestAESHMACWrongKeyFailsMAC(t *testing.T) {
	payload, err := EncryptAESHMAC([]byte("secret"), randomSecret(t), "m.foo")
	if err != nil {
		t.Fatal(err)
	}

	_, err = DecryptAESHMAC(payload, randomSecret(t), "m.foo")
	if !errors.Is(err, ErrBadMAC) {
		t.Errorf("expected ErrBadMAC with wrong key, got %v", err)
	}
}

func TestAESHMACNameBindsCiphertext(t *testing.T) {
	secret := randomSecret(t)
	payload, err := EncryptAESHMAC([]byte("secret"), secret, "m.foo")
	if err != nil {
		t.Fatal(err)
	}

	// The same payload presented under a different secret name must fail
	// authentication, not decrypt to the foreign plaintext.
	_, err = DecryptAESHMAC(payload, secret, "m.bar")
	if !errors.Is(err, ErrBadMAC) {
		t.Errorf("expected ErrBadMAC for substituted name, got %v", err)
	}
}

func TestAESHMACCorruptionDetected(t *testing.T) {
	secret := randomSecret(t)
	payload, err := EncryptAESHMAC([]byte("some longer plaintext for corruption"), secret, "m.foo")
	if err != nil {
		t.Fatal(err)
	}

	corrupt := func(s string) string {
		raw, err := DecodeBase64(s)
		if err != nil {
			t.Fatal(err)
		}
		raw[0] ^= 0x01
		return EncodeBase64(raw)
	}

	tampered := *payload
	tampered.Ciphertext = corrupt(payload.Ciphertext)
	if _, err := DecryptAESHMAC(&tampered, secret, "m.foo"); !errors.Is(err, ErrBadMAC) {
		t.Errorf("corrupted ciphertext: expected ErrBadMAC, got %v", err)
	}

	tampered = *payload
	tampered.MAC = corrupt(payload.MAC)
	if _, err := DecryptAESHMAC(&tampered, secret, "m.foo"); !errors.Is(err, ErrBadMAC) {
		t.Errorf("corrupted MAC: expected ErrBadMAC, got %v", err)
	}
}

func TestKeyCheckRoundTrip(t *testing.T) {
	secret := randomSecret(t)

	check, err := CalculateKeyCheck(secret)
	if err != nil {
		t.Fatalf("CalculateKeyCheck failed: %v", err)
	}

	ok, err := VerifyKeyCheck(secret, check.IV, check.MAC)
	if err != nil {
		t.Fatalf("VerifyKeyCheck failed: %v", err)
	}
	if !ok {
		t.Error("key check did not verify for the correct key")
	}

	ok, err = VerifyKeyCheck(randomSecret(t), check.IV, check.MAC)
	if err != nil {
		t.Fatalf("VerifyKeyCheck failed: %v", err)
	}
	if ok {
		t.Error("key check verified for the wrong key")
	}
}

func TestEphemeralRoundTrip(t *testing.T) {
	recipient, err := GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}

	plaintext := []byte("escrowed recovery key")
	payload, err := EncryptEphemeral(plaintext, recipient.Public, "m.megolm_backup.v1")
	if err != nil {
		t.Fatalf("EncryptEphemeral failed: %v", err)
	}

	decrypted, err := DecryptEphemeral(payload, recipient.Private, "m.megolm_backup.v1")
	if err != nil {
		t.Fatalf("DecryptEphemeral failed: %v", err)
	}
	if string(decrypted) != string(plaintext) {
		t.Errorf("round-trip mismatch: got %q", decrypted)
	}

	other, err := GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := DecryptEphemeral(payload, other.Private, "m.megolm_backup.v1"); !errors.Is(err, ErrBadMAC) {
		t.Errorf("expected ErrBadMAC with wrong private key, got %v", err)
	}
}

func TestPickleRoundTrip(t *testing.T) {
	key := randomSecret(t)
	state := []byte(`{"chain_index":7,"chain_key":"abc"}`)

	pickled, err := Pickle(state, key)
	if err != nil {
		t.Fatalf("Pickle failed: %v", err)
	}

	unpickled, err := Unpickle(pickled, key)
	if err != nil {
		t.Fatalf("Unpickle failed: %v", err)
	}
	if string(unpickled) != string(state) {
		t.Error("pickle round-trip mismatch")
	}

	if _, err := Unpickle(pickled, randomSecret(t)); err == nil {
		t.Error("expected error unpickling with wrong key")
	}

	pickled[len(pickled)-1] ^= 0xff
	if _, err := Unpickle(pickled, key); err == nil {
		t.Error("expected error unpickling corrupted data")
	}
}

func TestPassphraseDerivationDeterministic(t *testing.T) {
	params, err := NewPassphraseParams()
	if err != nil {
		t.Fatal(err)
	}
	// Keep iterations low in tests; correctness does not depend on cost.
	params.Iterations = 10

	key1, err := DeriveKeyFromPassphrase("correct horse battery staple", params)
	if err != nil {
		t.Fatalf("DeriveKeyFromPassphrase failed: %v", err)
	}
	key2, err := DeriveKeyFromPassphrase("correct horse battery staple", params)
	if err != nil {
		t.Fatal(err)
	}
	if string(key1) != string(key2) {
		t.Error("same passphrase and params derived different keys")
	}

	key3, err := DeriveKeyFromPassphrase("wrong passphrase", params)
	if err != nil {
		t.Fatal(err)
	}
	if string(key1) == string(key3) {
		t.Error("different passphrases derived the same key")
	}
}
