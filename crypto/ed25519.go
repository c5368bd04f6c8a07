package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
)

// SignatureSize is the size of an Ed25519 signature in bytes.
const SignatureSize = ed25519.SignatureSize

// Signature represents an Ed25519 signature.
type Signature [SignatureSize]byte

// SigningKeyPair holds an Ed25519 signing key as a 32-byte seed plus its
// public key. Seeds rather than expanded keys are stored and escrowed so a
// key fits the same 32-byte shape as everything else in the trust core.
type SigningKeyPair struct {
	Public [32]byte
	Seed   [32]byte
}

// GenerateSigningKeyPair creates a new random Ed25519 signing key pair.
func GenerateSigningKeyPair() (*SigningKeyPair, error) {
	seed := make([]byte, ed25519.SeedSize)
	if _, err := rand.Read(seed); err != nil {
		return nil, fmt.Errorf("failed to generate signing key seed: %w", err)
	}
	kp := SigningKeyPairFromSeed(seed)
	ZeroBytes(seed)
	return kp, nil
}

// SigningKeyPairFromSeed reconstructs a signing key pair from a 32-byte seed.
func SigningKeyPairFromSeed(seed []byte) *SigningKeyPair {
	priv := ed25519.NewKeyFromSeed(seed)
	kp := &SigningKeyPair{}
	copy(kp.Seed[:], seed)
	copy(kp.Public[:], priv.Public().(ed25519.PublicKey))
	return kp
}

// Wipe erases the private seed.
func (kp *SigningKeyPair) Wipe() {
	ZeroBytes(kp.Seed[:])
}

// Sign creates an Ed25519 signature for a message using the private seed.
func Sign(message []byte, seed [32]byte) (Signature, error) {
	if len(message) == 0 {
		return Signature{}, errors.New("empty message")
	}

	edPrivateKey := ed25519.NewKeyFromSeed(seed[:])
	signatureBytes := ed25519.Sign(edPrivateKey, message)

	var signature Signature
	copy(signature[:], signatureBytes)
	return signature, nil
}

// Verify checks if a signature is valid for a message and public key.
func Verify(message []byte, signature Signature, publicKey [32]byte) (bool, error) {
	if len(message) == 0 {
		return false, errors.New("empty message")
	}
	return ed25519.Verify(publicKey[:], message, signature[:]), nil
}

// SignJSON computes a detached Ed25519 signature over the canonical JSON
// encoding of obj, excluding any "signatures" and "unsigned" fields. The
// signature is returned base64-encoded, ready to attach under
// signatures[userID]["ed25519:"+keyName].
func SignJSON(obj interface{}, seed [32]byte) (string, error) {
	signable, err := SignableJSON(obj)
	if err != nil {
		return "", err
	}

	sig, err := Sign(signable, seed)
	if err != nil {
		return "", err
	}
	return EncodeBase64(sig[:]), nil
}

// VerifyJSON checks a detached base64 signature against the canonical JSON
// encoding of obj (minus "signatures"/"unsigned").
func VerifyJSON(obj interface{}, signatureB64 string, publicKey [32]byte) (bool, error) {
	signable, err := SignableJSON(obj)
	if err != nil {
		return false, err
	}

	sigBytes, err := DecodeBase64(signatureB64)
	if err != nil {
		return false, fmt.Errorf("malformed signature encoding: %w", err)
	}
	if len(sigBytes) != SignatureSize {
		return false, fmt.Errorf("signature must be %d bytes, got %d", SignatureSize, len(sigBytes))
	}

	var sig Signature
	copy(sig[:], sigBytes)
	return Verify(signable, sig, publicKey)
}
