// Package verification implements interactive device verification: the
// request/ready/start negotiation, short-authentication-string comparison
// over an ephemeral ECDH exchange, QR reciprocation, and the MAC exchange
// that finishes with cross-signing signatures. Verification is fail-closed:
// any mismatch cancels the whole transaction.
package verification

// Verification methods.
const (
	MethodSAS         = "m.sas.v1"
	MethodReciprocate = "m.reciprocate.v1"
	MethodQRShow      = "m.qr_code.show.v1"
	MethodQRScan      = "m.qr_code.scan.v1"
)

// SAS protocol parameters. Exactly one choice of each is supported; the
// accept message echoes the selection.
const (
	keyAgreementCurve25519 = "curve25519-hkdf-sha256"
	hashSHA256             = "sha256"
	macHKDFHMACSHA256      = "hkdf-hmac-sha256.v2"
	sasDecimal             = "decimal"
	sasEmoji               = "emoji"
)

// Cancellation codes.
const (
	CodeUser                 = "m.user"
	CodeTimeout              = "m.timeout"
	CodeUnknownTransaction   = "m.unknown_transaction"
	CodeUnknownMethod        = "m.unknown_method"
	CodeUnexpectedMessage    = "m.unexpected_message"
	CodeKeyMismatch          = "m.key_mismatch"
	CodeMismatchedCommitment = "m.mismatched_commitment"
	CodeMismatchedSAS        = "m.mismatched_sas"
	CodeInvalidMessage       = "m.invalid_message"
	CodeAccepted             = "m.accepted"
)

// RequestContent is the m.key.verification.request content.
type RequestContent struct {
	FromDevice    string   `json:"from_device"`
	Methods       []string `json:"methods"`
	TransactionID string   `json:"transaction_id"`
	Timestamp     int64    `json:"timestamp"`
}

// ReadyContent is the m.key.verification.ready content.
type ReadyContent struct {
	FromDevice    string   `json:"from_device"`
	Methods       []string `json:"methods"`
	TransactionID string   `json:"transaction_id"`
}

// StartContent is the m.key.verification.start content. For m.sas.v1 the
// protocol lists are populated; for m.reciprocate.v1 only Secret is.
type StartContent struct {
	FromDevice                 string   `json:"from_device"`
	Method                     string   `json:"method"`
	TransactionID              string   `json:"transaction_id"`
	KeyAgreementProtocols      []string `json:"key_agreement_protocols,omitempty"`
	Hashes                     []string `json:"hashes,omitempty"`
	MessageAuthenticationCodes []string `json:"message_authentication_codes,omitempty"`
	ShortAuthenticationString  []string `json:"short_authentication_string,omitempty"`
	Secret                     string   `json:"secret,omitempty"`
}

// AcceptContent is the m.key.verification.accept content.
type AcceptContent struct {
	TransactionID             string   `json:"transaction_id"`
	Method                    string   `json:"method"`
	KeyAgreementProtocol      string   `json:"key_agreement_protocol"`
	Hash                      string   `json:"hash"`
	MessageAuthenticationCode string   `json:"message_authentication_code"`
	ShortAuthenticationString []string `json:"short_authentication_string"`
	Commitment                string   `json:"commitment"`
}

// KeyContent is the m.key.verification.key content.
type KeyContent struct {
	TransactionID string `json:"transaction_id"`
	Key           string `json:"key"`
}

// MACContent is the m.key.verification.mac content. MAC maps key ids to
// their MACs; Keys is the MAC over the sorted key id list.
type MACContent struct {
	TransactionID string            `json:"transaction_id"`
	MAC           map[string]string `json:"mac"`
	Keys          string            `json:"keys"`
}

// DoneContent is the m.key.verification.done content.
type DoneContent struct {
	TransactionID string `json:"transaction_id"`
}

// CancelContent is the m.key.verification.cancel content.
type CancelContent struct {
	TransactionID string `json:"transaction_id"`
	Code          string `json:"code"`
	Reason        string `json:"reason"`
}
