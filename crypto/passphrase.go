package crypto

import (
	"crypto/rand"
	"crypto/sha512"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// DefaultPBKDF2Iterations follows the same hardening level the rest of
	// the client uses for at-rest key derivation.
	DefaultPBKDF2Iterations = 500000
	// PassphraseSaltSize is the salt length recorded in key descriptors.
	PassphraseSaltSize = 32
)

// PassphraseParams records how a secret-storage key was derived from a
// passphrase, so any device can re-derive the same key.
type PassphraseParams struct {
	Algorithm  string `json:"algorithm"`
	Salt       string `json:"salt"`
	Iterations int    `json:"iterations"`
	Bits       int    `json:"bits,omitempty"`
}

// NewPassphraseParams generates fresh derivation parameters with a random
// salt.
func NewPassphraseParams() (*PassphraseParams, error) {
	salt := make([]byte, PassphraseSaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	return &PassphraseParams{
		Algorithm:  "m.pbkdf2",
		Salt:       EncodeBase64(salt),
		Iterations: DefaultPBKDF2Iterations,
		Bits:       256,
	}, nil
}

// DeriveKeyFromPassphrase stretches a user passphrase into 32 bytes of key
// material according to the stored parameters.
func DeriveKeyFromPassphrase(passphrase string, params *PassphraseParams) ([]byte, error) {
	if params == nil {
		return nil, fmt.Errorf("missing passphrase parameters")
	}
	if params.Algorithm != "m.pbkdf2" {
		return nil, fmt.Errorf("unsupported passphrase algorithm %q", params.Algorithm)
	}
	if params.Iterations <= 0 {
		return nil, fmt.Errorf("invalid iteration count %d", params.Iterations)
	}

	salt, err := DecodeBase64(params.Salt)
	if err != nil {
		return nil, fmt.Errorf("malformed salt: %w", err)
	}

	bits := params.Bits
	if bits == 0 {
		bits = 256
	}
	return pbkdf2.Key([]byte(passphrase), salt, params.Iterations, bits/8, sha512.New), nil
}
