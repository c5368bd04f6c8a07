// Package device models device identities: the per-device Curve25519 and
// Ed25519 keys published by each of a user's devices, and the directory used
// to look them up by id or by identity key.
package device

import (
	"fmt"
	"sync"

	"github.com/keryx-im/keryx/crypto"
)

// Device is a published device identity. Immutable once stored; a re-upload
// of the same (user, device) pair supersedes the previous entry rather than
// mutating it.
type Device struct {
	UserID      string                       `json:"user_id"`
	DeviceID    string                       `json:"device_id"`
	IdentityKey string                       `json:"identity_key"` // curve25519, base64
	SigningKey  string                       `json:"signing_key"`  // ed25519, base64
	Algorithms  []string                     `json:"algorithms"`
	Signatures  map[string]map[string]string `json:"signatures,omitempty"`
	DisplayName string                       `json:"display_name,omitempty"`
}

// SigningKeyBytes decodes the device's Ed25519 public key.
func (d *Device) SigningKeyBytes() ([32]byte, error) {
	return decodeKey(d.SigningKey, "signing key")
}

// IdentityKeyBytes decodes the device's Curve25519 identity key.
func (d *Device) IdentityKeyBytes() ([32]byte, error) {
	return decodeKey(d.IdentityKey, "identity key")
}

func decodeKey(b64, what string) ([32]byte, error) {
	var key [32]byte
	raw, err := crypto.DecodeBase64(b64)
	if err != nil {
		return key, fmt.Errorf("malformed %s: %w", what, err)
	}
	if len(raw) != 32 {
		return key, fmt.Errorf("%s must be 32 bytes, got %d", what, len(raw))
	}
	copy(key[:], raw)
	return key, nil
}

// SignedKeys returns the map signed by the device's own Ed25519 key when the
// identity was published. Verification of remote devices checks the device
// self-signature over this shape.
func (d *Device) SignedKeys() map[string]interface{} {
	return map[string]interface{}{
		"user_id":    d.UserID,
		"device_id":  d.DeviceID,
		"algorithms": d.Algorithms,
		"keys": map[string]string{
			"curve25519:" + d.DeviceID: d.IdentityKey,
			"ed25519:" + d.DeviceID:    d.SigningKey,
		},
		"signatures": d.Signatures,
	}
}

// VerifySelfSignature checks that the device identity carries a valid
// signature by its own Ed25519 key.
func (d *Device) VerifySelfSignature() error {
	sig, ok := d.Signatures[d.UserID]["ed25519:"+d.DeviceID]
	if !ok {
		return fmt.Errorf("device %s/%s carries no self-signature", d.UserID, d.DeviceID)
	}
	pub, err := d.SigningKeyBytes()
	if err != nil {
		return err
	}
	valid, err := crypto.VerifyJSON(d.SignedKeys(), sig, pub)
	if err != nil {
		return err
	}
	if !valid {
		return fmt.Errorf("device %s/%s self-signature invalid", d.UserID, d.DeviceID)
	}
	return nil
}

// Directory is an in-memory device directory, indexed both by
// (userID, deviceID) and by Curve25519 identity key.
type Directory struct {
	mu         sync.RWMutex
	byUser     map[string]map[string]*Device
	byIdentity map[string]*Device
}

// NewDirectory creates an empty device directory.
func NewDirectory() *Directory {
	return &Directory{
		byUser:     make(map[string]map[string]*Device),
		byIdentity: make(map[string]*Device),
	}
}

// Upsert records a device identity, superseding any previous entry for the
// same (user, device) pair.
func (dir *Directory) Upsert(d *Device) {
	dir.mu.Lock()
	defer dir.mu.Unlock()

	devices, ok := dir.byUser[d.UserID]
	if !ok {
		devices = make(map[string]*Device)
		dir.byUser[d.UserID] = devices
	}
	if old, ok := devices[d.DeviceID]; ok {
		delete(dir.byIdentity, old.IdentityKey)
	}
	devices[d.DeviceID] = d
	dir.byIdentity[d.IdentityKey] = d
}

// Get looks up a device by user and device id.
func (dir *Directory) Get(userID, deviceID string) (*Device, bool) {
	dir.mu.RLock()
	defer dir.mu.RUnlock()
	d, ok := dir.byUser[userID][deviceID]
	return d, ok
}

// GetByIdentityKey looks up a device by its Curve25519 identity key.
func (dir *Directory) GetByIdentityKey(identityKey string) (*Device, bool) {
	dir.mu.RLock()
	defer dir.mu.RUnlock()
	d, ok := dir.byIdentity[identityKey]
	return d, ok
}

// Devices returns all known devices of a user.
func (dir *Directory) Devices(userID string) []*Device {
	dir.mu.RLock()
	defer dir.mu.RUnlock()

	out := make([]*Device, 0, len(dir.byUser[userID]))
	for _, d := range dir.byUser[userID] {
		out = append(out, d)
	}
	return out
}
