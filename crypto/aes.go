package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// AESPayload is the wire shape of an AES-CTR+HMAC-SHA256 encrypted secret:
// base64 IV, ciphertext and MAC. The MAC covers the raw ciphertext bytes.
type AESPayload struct {
	IV         string `json:"iv"`
	Ciphertext string `json:"ciphertext"`
	MAC        string `json:"mac"`
}

// ErrBadMAC is returned when an authenticated decryption fails its MAC
// check. Callers must treat this as "no plaintext exists", never as a
// recoverable condition.
var ErrBadMAC = fmt.Errorf("MAC mismatch")

// deriveAESKeys expands a 32-byte secret into an AES-256 key and an
// HMAC-SHA256 key via HKDF. The name of the secret being encrypted is fed in
// as the HKDF info so that ciphertext produced for one secret name can never
// be substituted for another.
func deriveAESKeys(secret []byte, name string) (aesKey, macKey []byte, err error) {
	zeroSalt := make([]byte, 32)
	reader := hkdf.New(sha256.New, secret, zeroSalt, []byte(name))

	aesKey = make([]byte, 32)
	macKey = make([]byte, 32)
	if _, err := io.ReadFull(reader, aesKey); err != nil {
		return nil, nil, fmt.Errorf("HKDF expansion failed: %w", err)
	}
	if _, err := io.ReadFull(reader, macKey); err != nil {
		return nil, nil, fmt.Errorf("HKDF expansion failed: %w", err)
	}
	return aesKey, macKey, nil
}

// EncryptAESHMAC encrypts plaintext under a 32-byte secret using
// AES-256-CTR with an HMAC-SHA256 tag, binding the ciphertext to name.
func EncryptAESHMAC(plaintext, secret []byte, name string) (*AESPayload, error) {
	if len(secret) != 32 {
		return nil, fmt.Errorf("secret must be 32 bytes, got %d", len(secret))
	}

	aesKey, macKey, err := deriveAESKeys(secret, name)
	if err != nil {
		return nil, err
	}
	defer ZeroBytes(aesKey)
	defer ZeroBytes(macKey)

	iv := make([]byte, aes.BlockSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("failed to generate IV: %w", err)
	}
	// Clear bit 63 of the IV so implementations using a 64-bit counter in
	// the low half cannot overflow it.
	iv[8] &= 0x7f

	block, err := aes.NewCipher(aesKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	ciphertext := make([]byte, len(plaintext))
	cipher.NewCTR(block, iv).XORKeyStream(ciphertext, plaintext)

	mac := hmac.New(sha256.New, macKey)
	mac.Write(ciphertext)

	return &AESPayload{
		IV:         EncodeBase64(iv),
		Ciphertext: EncodeBase64(ciphertext),
		MAC:        EncodeBase64(mac.Sum(nil)),
	}, nil
}

// DecryptAESHMAC authenticates and decrypts an AESPayload. The MAC is
// checked in constant time before any plaintext is produced; a mismatch
// returns ErrBadMAC and no data.
func DecryptAESHMAC(payload *AESPayload, secret []byte, name string) ([]byte, error) {
	if len(secret) != 32 {
		return nil, fmt.Errorf("secret must be 32 bytes, got %d", len(secret))
	}

	iv, err := DecodeBase64(payload.IV)
	if err != nil {
		return nil, fmt.Errorf("malformed IV: %w", err)
	}
	if len(iv) != aes.BlockSize {
		return nil, fmt.Errorf("IV must be %d bytes, got %d", aes.BlockSize, len(iv))
	}
	ciphertext, err := DecodeBase64(payload.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("malformed ciphertext: %w", err)
	}
	wantMAC, err := DecodeBase64(payload.MAC)
	if err != nil {
		return nil, fmt.Errorf("malformed MAC: %w", err)
	}

	aesKey, macKey, err := deriveAESKeys(secret, name)
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

// CalculateKeyCheck produces the MAC-of-zeros check payload stored in a
// secret-storage key descriptor: the result of encrypting 32 zero bytes
// under the key with an empty name. Clients validate candidate keys against
// it before trusting them for decryption.
func CalculateKeyCheck(secret []byte) (*AESPayload, error) {
	return EncryptAESHMAC(make([]byte, 32), secret, "")
}

// VerifyKeyCheck re-derives the key check with the stored IV and compares
// MACs. It reports whether the candidate key matches the descriptor.
func VerifyKeyCheck(secret []byte, storedIV, storedMAC string) (bool, error) {
	if len(secret) != 32 {
		return false, fmt.Errorf("secret must be 32 bytes, got %d", len(secret))
	}

	iv, err := DecodeBase64(storedIV)
	if err != nil {
		return false, fmt.Errorf("malformed IV: %w", err)
	}
	if len(iv) != aes.BlockSize {
		return false, fmt.Errorf("IV must be %d bytes, got %d", aes.BlockSize, len(iv))
	}
	wantMAC, err := DecodeBase64(storedMAC)
	if err != nil {
		return false, fmt.Errorf("malformed MAC: %w", err)
	}

	aesKey, macKey, err := deriveAESKeys(secret, "")
	if err != nil {
		return false, err
	}
	defer ZeroBytes(aesKey)
	defer ZeroBytes(macKey)

	block, err := aes.NewCipher(aesKey)
	if err != nil {
		return false, fmt.Errorf("failed to create cipher: %w", err)
	}

	ciphertext := make([]byte, 32)
	cipher.NewCTR(block, iv).XORKeyStream(ciphertext, make([]byte, 32))

	mac := hmac.New(sha256.New, macKey)
	mac.Write(ciphertext)
	return hmac.Equal(mac.Sum(nil), wantMAC), nil
}
