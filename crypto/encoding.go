package crypto

import (
	"encoding/base64"
	"strings"
)

// EncodeBase64 encodes bytes as unpadded standard base64, the wire encoding
// used for keys, ciphertexts and MACs throughout the protocol.
func EncodeBase64(data []byte) string {
	return base64.RawStdEncoding.EncodeToString(data)
}

// DecodeBase64 decodes standard base64 with or without padding. Remote
// implementations disagree on padding, so both forms are accepted.
func DecodeBase64(s string) ([]byte, error) {
	return base64.RawStdEncoding.DecodeString(strings.TrimRight(s, "="))
}
