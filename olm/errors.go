package olm

import "fmt"

// Decryption failure codes. Machine-readable so callers can distinguish
// benign unknown-session noise from messages that must be surfaced as
// tampering.
const (
	CodeMissingCiphertext   = "OLM_MISSING_CIPHERTEXT"
	CodeNotIncluded         = "OLM_NOT_INCLUDED_IN_RECIPIENTS"
	CodeBadEncryptedMessage = "OLM_BAD_ENCRYPTED_MESSAGE"
	CodeNoMatchingSession   = "OLM_NO_MATCHING_SESSION"
	CodeBadPreKeyMessage    = "OLM_BAD_PREKEY_MESSAGE"
	CodeBadRecipient        = "OLM_BAD_RECIPIENT"
	CodeBadRecipientKey     = "OLM_BAD_RECIPIENT_KEY"
	CodeForwardedMessage    = "OLM_FORWARDED_MESSAGE"
	CodeBadRoom             = "OLM_BAD_ROOM"
	CodeBadSenderKey        = "OLM_BAD_SENDER_KEY"
)

// DecryptionError is a decryption failure with a machine-readable code.
type DecryptionError struct {
	Code string
	Msg  string
	Err  error
}

func (e *DecryptionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("olm: %s: %s: %v", e.Code, e.Msg, e.Err)
	}
	return fmt.Sprintf("olm: %s: %s", e.Code, e.Msg)
}

func (e *DecryptionError) Unwrap() error { return e.Err }

func decryptionError(code, format string, args ...interface{}) *DecryptionError {
	return &DecryptionError{Code: code, Msg: fmt.Sprintf(format, args...)}
}
