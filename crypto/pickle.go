package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"fmt"
)

// pickleVersion is the current pickle format version.
// Format: [version:2][nonce:12][ciphertext+tag:N]
const pickleVersion = 1

// Pickle seals opaque state (ratchet sessions, cached private keys) under a
// 32-byte pickle key with AES-256-GCM. The result is safe to hand to any
// persistence layer.
func Pickle(plaintext, pickleKey []byte) ([]byte, error) {
	if len(pickleKey) != 32 {
		return nil, fmt.Errorf("pickle key must be 32 bytes, got %d", len(pickleKey))
	}

	block, err := aes.NewCipher(pickleKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	out := make([]byte, 2, 2+len(nonce)+len(plaintext)+gcm.Overhead())
	binary.BigEndian.PutUint16(out[:2], pickleVersion)
	out = append(out, nonce...)
	out = gcm.Seal(out, nonce, plaintext, nil)
	return out, nil
}

// Unpickle opens a sealed pickle. A wrong key or corrupted data fails the
// GCM tag and returns an error, never garbage.
func Unpickle(pickled, pickleKey []byte) ([]byte, error) {
	if len(pickleKey) != 32 {
		return nil, fmt.Errorf("pickle key must be 32 bytes, got %d", len(pickleKey))
	}
	if len(pickled) < 2 {
		return nil, fmt.Errorf("pickle too short")
	}

	version := binary.BigEndian.Uint16(pickled[:2])
	if version != pickleVersion {
		return nil, fmt.Errorf("unsupported pickle version %d", version)
	}

	block, err := aes.NewCipher(pickleKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	if len(pickled) < 2+gcm.NonceSize() {
		return nil, fmt.Errorf("pickle too short for nonce")
	}
	nonce := pickled[2 : 2+gcm.NonceSize()]
	ciphertext := pickled[2+gcm.NonceSize():]

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to unpickle: %w", err)
	}
	return plaintext, nil
}
