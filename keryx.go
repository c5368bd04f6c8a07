// Package keryx is an end-to-end-encryption trust core for federated
// messaging clients: cross-signing identity, server-side secret storage,
// pairwise encrypted sessions, secret gossiping between a user's devices,
// interactive verification, and an ephemeral rendezvous channel for signing
// in new devices.
//
// The Client type wires the subsystems together over a to-device transport
// and an account-data store; each subsystem is also usable on its own.
package keryx

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/keryx-im/keryx/crosssigning"
	"github.com/keryx-im/keryx/device"
	"github.com/keryx-im/keryx/olm"
	"github.com/keryx-im/keryx/olm/ratchet"
	"github.com/keryx-im/keryx/secretsharing"
	"github.com/keryx-im/keryx/secretstorage"
	"github.com/keryx-im/keryx/store"
	"github.com/keryx-im/keryx/transport"
	"github.com/keryx-im/keryx/verification"
)

// Options configures a Client.
type Options struct {
	UserID   string
	DeviceID string

	// AccountData is the server-replicated account-data store. Defaults
	// to an in-memory store.
	AccountData store.AccountDataStore

	// DataDir holds the local encrypted cache. Empty means in-memory.
	DataDir string

	// PickleKey encrypts everything in the local cache. Required.
	PickleKey []byte

	// Claimer claims one-time keys from the network.
	Claimer olm.KeyClaimer

	// Sender delivers to-device events.
	Sender transport.Sender

	// CrossSigning carries the application callbacks for private
	// cross-signing keys.
	CrossSigning crosssigning.Callbacks

	// SecretStorageKey supplies secret storage key material on demand.
	SecretStorageKey secretstorage.KeyCallback

	// SharePolicy governs answering secret requests from own devices.
	// Nil declines all requests.
	SharePolicy secretsharing.SharePolicy

	// OnVerificationRequest is invoked for each incoming verification
	// request so the application can surface it.
	OnVerificationRequest func(*verification.Transaction)
}

// Client is the assembled trust core for one device.
type Client struct {
	userID   string
	deviceID string

	Devices       *device.Directory
	Account       olm.Account
	Olm           *olm.Manager
	CrossSigning  *crosssigning.Identity
	SecretStorage *secretstorage.Manager
	SecretSharing *secretsharing.Manager
	Verification  *verification.Manager
	Dispatcher    *transport.Dispatcher

	local *store.BadgerStore
}

// New assembles a client. The pairwise account is restored from the local
// cache when present, created fresh otherwise.
func New(ctx context.Context, opts Options) (*Client, error) {
	if opts.UserID == "" || opts.DeviceID == "" {
		return nil, fmt.Errorf("keryx: user id and device id are required")
	}
	if len(opts.PickleKey) != 32 {
		return nil, fmt.Errorf("keryx: pickle key must be 32 bytes")
	}
	if opts.AccountData == nil {
		opts.AccountData = store.NewMemoryStore()
	}

	local, err := store.OpenBadger(store.BadgerOptions{
		Dir:       opts.DataDir,
		InMemory:  opts.DataDir == "",
		PickleKey: opts.PickleKey,
	})
	if err != nil {
		return nil, fmt.Errorf("keryx: failed to open local store: %w", err)
	}

	account, err := loadOrCreateAccount(local, opts.PickleKey)
	if err != nil {
		local.Close()
		return nil, err
	}

	c := &Client{
		userID:     opts.UserID,
		deviceID:   opts.DeviceID,
		Devices:    device.NewDirectory(),
		Account:    account,
		Dispatcher: transport.NewDispatcher(),
		local:      local,
	}

	c.Olm = olm.NewManager(opts.UserID, opts.DeviceID, account, opts.Claimer)
	c.Olm.SetStore(local, opts.PickleKey)

	cache, err := crosssigning.NewKeyCache(local, opts.PickleKey)
	if err != nil {
		local.Close()
		return nil, err
	}
	c.CrossSigning, err = crosssigning.New(ctx, opts.UserID, opts.AccountData, cache, opts.CrossSigning)
	if err != nil {
		local.Close()
		return nil, err
	}

	c.SecretStorage = secretstorage.New(opts.AccountData, secretstorage.DefaultRegistry(),
		opts.SecretStorageKey, c.CrossSigning, nil)

	c.SecretSharing = secretsharing.New(opts.UserID, opts.DeviceID, c.Olm, c.Devices,
		opts.Sender, opts.SharePolicy)

	c.Verification = verification.NewManager(verification.Config{
		UserID:     opts.UserID,
		DeviceID:   opts.DeviceID,
		SigningKey: account.SigningKey(),
		MasterKey: func() string {
			return c.CrossSigning.GetID(crosssigning.UsageMaster)
		},
		Devices:   c.Devices,
		Sender:    opts.Sender,
		Signer:    &identitySigner{c},
		OnRequest: opts.OnVerificationRequest,
	})

	c.registerHandlers()
	return c, nil
}

// loadOrCreateAccount restores the pickled account or creates a new one.
func loadOrCreateAccount(local *store.BadgerStore, pickleKey []byte) (olm.Account, error) {
	pickled, err := local.GetBlob("olm-account")
	if errors.Is(err, store.ErrNotFound) {
		account, err := ratchet.NewAccount()
		if err != nil {
			return nil, fmt.Errorf("keryx: failed to create account: %w", err)
		}
		return account, nil
	}
	if err != nil {
		return nil, fmt.Errorf("keryx: failed to read account: %w", err)
	}
	account, err := ratchet.UnpickleAccount(pickled, pickleKey)
	if err != nil {
		return nil, fmt.Errorf("keryx: failed to restore account: %w", err)
	}
	return account, nil
}

// registerHandlers wires the to-device event plumbing.
func (c *Client) registerHandlers() {
	c.Dispatcher.On(transport.TypeSecretRequest, c.SecretSharing.HandleRequest)
	c.Dispatcher.On(transport.TypeRoomEncrypted, c.handleEncrypted)
	c.Verification.RegisterHandlers(c.Dispatcher)
}

// handleEncrypted decrypts an incoming pairwise-encrypted event and routes
// the envelope by its inner type.
func (c *Client) handleEncrypted(ctx context.Context, evt *transport.Event) {
	var content olm.EncryptedContent
	if err := evt.ParseContent(&content); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Client.handleEncrypted",
			"sender":   evt.Sender,
			"error":    err.Error(),
		}).Warn("Malformed encrypted event")
		return
	}
	envelope, err := c.Olm.DecryptMessage(ctx, evt.Sender, &content, "")
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Client.handleEncrypted",
			"sender":   evt.Sender,
			"error":    err.Error(),
		}).Warn("Failed to decrypt to-device event")
		return
	}

	switch envelope.Type {
	case transport.TypeSecretSend:
		c.SecretSharing.HandleSecretSend(ctx, envelope)
	default:
		// Decrypted verification events re-enter the dispatcher.
		c.Dispatcher.Dispatch(ctx, &transport.Event{
			Type:    envelope.Type,
			Sender:  envelope.Sender,
			Content: envelope.Content,
		})
	}
}

// HandleToDeviceEvent feeds one received to-device event into the core.
func (c *Client) HandleToDeviceEvent(ctx context.Context, evt *transport.Event) {
	c.Dispatcher.Dispatch(ctx, evt)
}

// UserID returns the local user id.
func (c *Client) UserID() string { return c.userID }

// DeviceID returns the local device id.
func (c *Client) DeviceID() string { return c.deviceID }

// OwnDevice returns this device's published identity, self-signed.
func (c *Client) OwnDevice() (*device.Device, error) {
	d := &device.Device{
		UserID:      c.userID,
		DeviceID:    c.deviceID,
		IdentityKey: c.Account.IdentityKey(),
		SigningKey:  c.Account.SigningKey(),
		Algorithms:  []string{olm.AlgorithmOlm},
	}
	sig, err := c.Account.SignJSON(d.SignedKeys())
	if err != nil {
		return nil, err
	}
	d.Signatures = map[string]map[string]string{
		c.userID: {"ed25519:" + c.deviceID: sig},
	}
	return d, nil
}

// Close persists the account and closes the local store.
func (c *Client) Close() error {
	if err := c.Olm.PersistAccount(); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Client.Close",
			"error":    err.Error(),
		}).Warn("Failed to persist account")
	}
	return c.local.Close()
}

// identitySigner adapts the cross-signing identity to the verification
// manager's Signer.
type identitySigner struct {
	c *Client
}

func (s *identitySigner) SignDevice(ctx context.Context, d *device.Device) error {
	signed, err := s.c.CrossSigning.SignDevice(ctx, d)
	if err != nil {
		return err
	}
	s.c.Devices.Upsert(signed)
	return nil
}

func (s *identitySigner) SignUser(ctx context.Context, userID string) error {
	keySet := s.c.CrossSigning.UserKeySet(userID)
	if keySet == nil || keySet.Master == nil {
		return fmt.Errorf("keryx: no master key known for %s", userID)
	}
	_, err := s.c.CrossSigning.SignUser(ctx, keySet.Master)
	return err
}
