package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// EphemeralPayload is the wire shape of a secret encrypted to a Curve25519
// public key: the sender's ephemeral public key rides along so the holder of
// the matching private key can recompute the shared secret.
type EphemeralPayload struct {
	Ciphertext string `json:"ciphertext"`
	MAC        string `json:"mac"`
	Ephemeral  string `json:"ephemeral"`
}

// deriveEphemeralKeys expands an ECDH shared secret into AES key, HMAC key
// and IV. The IV comes out of the key schedule because the wire format
// carries no separate IV field.
func deriveEphemeralKeys(shared []byte, name string) (aesKey, macKey, iv []byte, err error) {
	zeroSalt := make([]byte, 32)
	reader := hkdf.New(sha256.New, shared, zeroSalt, []byte(name))

	aesKey = make([]byte, 32)
	macKey = make([]byte, 32)
	iv = make([]byte, aes.BlockSize)
	for _, buf := range [][]byte{aesKey, macKey, iv} {
		if _, err := io.ReadFull(reader, buf); err != nil {
			return nil, nil, nil, fmt.Errorf("HKDF expansion failed: %w", err)
		}
	}
	return aesKey, macKey, iv, nil
}

// EncryptEphemeral encrypts plaintext to a recipient Curve25519 public key
// using a fresh ephemeral key pair for the ECDH exchange.
func EncryptEphemeral(plaintext []byte, recipientKey [32]byte, name string) (*EphemeralPayload, error) {
	ephemeral, err := GenerateKeyPair()
	if err != nil {
		return nil, fmt.Errorf("failed to generate ephemeral key: %w", err)
	}
	defer WipeKeyPair(ephemeral)

	shared, err := DeriveSharedSecret(recipientKey, ephemeral.Private)
	if err != nil {
		return nil, err
	}
	defer ZeroBytes(shared[:])

	aesKey, macKey, iv, err := deriveEphemeralKeys(shared[:], name)
	if err != nil {
		return nil, err
	}
	defer ZeroBytes(aesKey)
	defer ZeroBytes(macKey)

	block, err := aes.NewCipher(aesKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	ciphertext := make([]byte, len(plaintext))
	cipher.NewCTR(block, iv).XORKeyStream(ciphertext, plaintext)

	mac := hmac.New(sha256.New, macKey)
	mac.Write(ciphertext)

	return &EphemeralPayload{
		Ciphertext: EncodeBase64(ciphertext),
		MAC:        EncodeBase64(mac.Sum(nil)),
		Ephemeral:  EncodeBase64(ephemeral.Public[:]),
	}, nil
}

// DecryptEphemeral authenticates and decrypts an EphemeralPayload with the
// recipient's Curve25519 private key. MAC check precedes decryption.
func DecryptEphemeral(payload *EphemeralPayload, privateKey [32]byte, name string) ([]byte, error) {
	ephemeralBytes, err := DecodeBase64(payload.Ephemeral)
	if err != nil {
		return nil, fmt.Errorf("malformed ephemeral key: %w", err)
	}
	if len(ephemeralBytes) != 32 {
		return nil, fmt.Errorf("ephemeral key must be 32 bytes, got %d", len(ephemeralBytes))
	}
	ciphertext, err := DecodeBase64(payload.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("malformed ciphertext: %w", err)
	}
	wantMAC, err := DecodeBase64(payload.MAC)
	if err != nil {
		return nil, fmt.Errorf("malformed MAC: %w", err)
	}

	var ephemeralKey [32]byte
	copy(ephemeralKey[:], ephemeralBytes)

	shared, err := DeriveSharedSecret(ephemeralKey, privateKey)
	if err != nil {
		return nil, err
	}
	defer ZeroBytes(shared[:])

	aesKey, macKey, iv, err := deriveEphemeralKeys(shared[:], name)
	if err != nil {
		return nil, err
	}
	defer ZeroBytes(aesKey)
	defer ZeroBytes(macKey)

	mac := hmac.New(sha256.New, macKey)
	mac.Write(ciphertext)
	if !hmac.Equal(mac.Sum(nil), wantMAC) {
		return nil, ErrBadMAC
	}

	block, err := aes.NewCipher(aesKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	plaintext := make([]byte, len(ciphertext))
	cipher.NewCTR(block, iv).XORKeyStream(plaintext, ciphertext)
	return plaintext, nil
}
