package secretstorage

import (
	"fmt"
	"math/big"
	"strings"
)

// Recovery keys are the human-transcribable form of a 32-byte storage key:
// a two-byte prefix, the key, and a parity byte, base58 encoded and grouped
// in blocks of four.
var recoveryKeyPrefix = []byte{0x8b, 0x01}

const base58Alphabet = "123456789ABCDEFGHJKLMNPQRSTUVWXYZabcdefghijkmnopqrstuvwxyz"

// EncodeRecoveryKey renders a 32-byte storage key as a recovery key string.
func EncodeRecoveryKey(key []byte) (string, error) {
	if len(key) != 32 {
		return "", fmt.Errorf("recovery key material must be 32 bytes, got %d", len(key))
	}

	buf := make([]byte, 0, 35)
	buf = append(buf, recoveryKeyPrefix...)
	buf = append(buf, key...)
	var parity byte
	for _, b := range buf {
		parity ^= b
	}
	buf = append(buf, parity)

	encoded := base58Encode(buf)
	var blocks []string
	for len(encoded) > 4 {
		blocks = append(blocks, encoded[:4])
		encoded = encoded[4:]
	}
	blocks = append(blocks, encoded)
	return strings.Join(blocks, " "), nil
}

// DecodeRecoveryKey parses a recovery key string back into the 32-byte
// storage key, validating prefix and parity. Whitespace is ignored.
func DecodeRecoveryKey(s string) ([]byte, error) {
	compact := strings.Join(strings.Fields(s), "")
	raw, err := base58Decode(compact)
	if err != nil {
		return nil, fmt.Errorf("malformed recovery key: %w", err)
	}
	if len(raw) != 35 {
		return nil, fmt.Errorf("recovery key decodes to %d bytes, want 35", len(raw))
	}
	if raw[0] != recoveryKeyPrefix[0] || raw[1] != recoveryKeyPrefix[1] {
		return nil, fmt.Errorf("recovery key has wrong prefix")
	}
	var parity byte
	for _, b := range raw {
		parity ^= b
	}
	if parity != 0 {
		return nil, fmt.Errorf("recovery key fails parity check")
	}
	key := make([]byte, 32)
	copy(key, raw[2:34])
	return key, nil
}

func base58Encode(input []byte) string {
	n := new(big.Int).SetBytes(input)
	radix := big.NewInt(58)
	mod := new(big.Int)

	var out []byte
	for n.Sign() > 0 {
		n.DivMod(n, radix, mod)
		out = append(out, base58Alphabet[mod.Int64()])
	}
	for _, b := range input {
		if b != 0 {
			break
		}
		out = append(out, base58Alphabet[0])
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return string(out)
}

func base58Decode(s string) ([]byte, error) {
	n := new(big.Int)
	radix := big.NewInt(58)
	for _, r := range s {
		idx := strings.IndexRune(base58Alphabet, r)
		if idx < 0 {
			return nil, fmt.Errorf("invalid character %q", r)
		}
		n.Mul(n, radix)
		n.Add(n, big.NewInt(int64(idx)))
	}

	decoded := n.Bytes()
	var leading int
	for _, r := range s {
		if r != rune(base58Alphabet[0]) {
			break
		}
		leading++
	}
	out := make([]byte, leading+len(decoded))
	copy(out[leading:], decoded)
	return out, nil
}
