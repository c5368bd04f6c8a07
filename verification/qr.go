package verification

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"

	"github.com/keryx-im/keryx/crypto"
	"github.com/keryx-im/keryx/transport"
)

// QRMode selects which keys a QR code carries.
type QRMode byte

const (
	// QRModeCrossUser: verifying another user. Keys are our master key and
	// their master key.
	QRModeCrossUser QRMode = 0x00
	// QRModeSelfTrusted: verifying our own device from one that trusts the
	// master key. Keys are the master key and the other device's key.
	QRModeSelfTrusted QRMode = 0x01
	// QRModeSelfUntrusted: verifying from a device that does not yet trust
	// the master key. Keys are our device key and the master key.
	QRModeSelfUntrusted QRMode = 0x02
)

var qrMagic = []byte("KERYX")

const qrVersion = 0x02

// QRCode is the decoded payload of a verification QR code. The embedded
// secret proves to the showing side that the scanner really scanned this
// code; the keys let the scanner verify the peer out of band.
type QRCode struct {
	Mode          QRMode
	TransactionID string
	FirstKey      string
	SecondKey     string
	Secret        []byte
}

// Encode renders the payload bytes embedded in the QR image.
func (q *QRCode) Encode() ([]byte, error) {
	first, err := crypto.DecodeBase64(q.FirstKey)
	if err != nil || len(first) != 32 {
		return nil, fmt.Errorf("malformed first key")
	}
	second, err := crypto.DecodeBase64(q.SecondKey)
	if err != nil || len(second) != 32 {
		return nil, fmt.Errorf("malformed second key")
	}

	var buf bytes.Buffer
	buf.Write(qrMagic)
	buf.WriteByte(qrVersion)
	buf.WriteByte(byte(q.Mode))
	var idLen [2]byte
	binary.BigEndian.PutUint16(idLen[:], uint16(len(q.TransactionID)))
	buf.Write(idLen[:])
	buf.WriteString(q.TransactionID)
	buf.Write(first)
	buf.Write(second)
	buf.Write(q.Secret)
	return buf.Bytes(), nil
}

// DecodeQR parses QR payload bytes.
func DecodeQR(data []byte) (*QRCode, error) {
	if len(data) < len(qrMagic)+2 || !bytes.Equal(data[:len(qrMagic)], qrMagic) {
		return nil, fmt.Errorf("not a verification QR code")
	}
	data = data[len(qrMagic):]
	if data[0] != qrVersion {
		return nil, fmt.Errorf("unsupported QR code version %d", data[0])
	}
	mode := QRMode(data[1])
	data = data[2:]

	if len(data) < 2 {
		return nil, fmt.Errorf("truncated QR code")
	}
	idLen := int(binary.BigEndian.Uint16(data[:2]))
	data = data[2:]
	if len(data) < idLen+64+8 {
		return nil, fmt.Errorf("truncated QR code")
	}
	txid := string(data[:idLen])
	data = data[idLen:]

	return &QRCode{
		Mode:          mode,
		TransactionID: txid,
		FirstKey:      crypto.EncodeBase64(data[:32]),
		SecondKey:     crypto.EncodeBase64(data[32:64]),
		Secret:        append([]byte(nil), data[64:]...),
	}, nil
}

// ShowQR produces the QR payload for this transaction. The caller renders
// it; the peer scans and reciprocates with the embedded secret.
func (t *Transaction) ShowQR(mode QRMode, firstKey, secondKey string) (*QRCode, error) {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()

	if t.state != StateReady {
		return nil, fmt.Errorf("%w: show QR from state %d", ErrWrongState, t.state)
	}
	secret := make([]byte, 16)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("failed to generate QR secret: %w", err)
	}
	t.qrSecret = crypto.EncodeBase64(secret)

	return &QRCode{
		Mode:          mode,
		TransactionID: t.id,
		FirstKey:      firstKey,
		SecondKey:     secondKey,
		Secret:        secret,
	}, nil
}

// ScanQR processes a scanned QR payload for an active transaction. The
// verify callback inspects the embedded keys against what we know about
// the peer; if it accepts, the secret is reciprocated and the transaction
// moves to user confirmation.
func (m *Manager) ScanQR(ctx context.Context, data []byte, verify func(*QRCode) error) (*Transaction, error) {
	q, err := DecodeQR(data)
	if err != nil {
		return nil, err
	}
	t, ok := m.Transaction(q.TransactionID)
	if !ok {
		return nil, fmt.Errorf("QR code references unknown transaction %s", q.TransactionID)
	}
	if verify != nil {
		if err := verify(q); err != nil {
			_ = t.Cancel(ctx, CodeKeyMismatch, err.Error())
			return nil, err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if t.state != StateReady {
		return nil, fmt.Errorf("%w: scan from state %d", ErrWrongState, t.state)
	}
	if err := t.sendLocked(ctx, transport.TypeVerificationStart, StartContent{
		FromDevice:    m.cfg.DeviceID,
		Method:        MethodReciprocate,
		TransactionID: t.id,
		Secret:        crypto.EncodeBase64(q.Secret),
	}); err != nil {
		return nil, err
	}
	t.reciprocated = true
	t.state = StateKeysExchanged
	return t, nil
}
