// Package secretsharing implements gossiping of secrets between a user's
// own devices: requesting a secret from other devices over to-device
// messages, and answering such requests over established pairwise sessions.
// Secrets only ever travel encrypted, and an incoming secret is accepted
// only from a device the request was actually sent to.
package secretsharing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/keryx-im/keryx/device"
	"github.com/keryx-im/keryx/olm"
	"github.com/keryx-im/keryx/transport"
)

const (
	actionRequest      = "request"
	actionCancellation = "request_cancellation"

	// DefaultTimeout bounds how long a request waits for an answer.
	DefaultTimeout = 10 * time.Minute
)

var (
	// ErrTimeout indicates that no device answered in time.
	ErrTimeout = errors.New("secretsharing: request timed out")

	// ErrCancelled indicates a request cancelled by the caller.
	ErrCancelled = errors.New("secretsharing: request cancelled")
)

// RequestContent is the m.secret.request event content.
type RequestContent struct {
	Name               string `json:"name,omitempty"`
	Action             string `json:"action"`
	RequestingDeviceID string `json:"requesting_device_id"`
	RequestID          string `json:"request_id"`
}

// SendContent is the plaintext content of an encrypted m.secret.send event.
type SendContent struct {
	RequestID string `json:"request_id"`
	Secret    string `json:"secret"`
}

// SharePolicy decides whether a requesting device may receive a secret and
// supplies the secret value. GetSecret returning nil declines the name.
type SharePolicy interface {
	ShareWith(d *device.Device, name string) bool
	GetSecret(ctx context.Context, name string) ([]byte, error)
}

// pending is one outstanding request.
type pending struct {
	name      string
	requestID string
	devices   map[string]bool // targeted device ids; empty means wildcard
	result    chan []byte
	done      bool
}

// Manager requests and serves secrets between a user's own devices.
type Manager struct {
	userID   string
	deviceID string
	olm      *olm.Manager
	devices  *device.Directory
	sender   transport.Sender
	policy   SharePolicy
	timeout  time.Duration

	mu      sync.Mutex
	pending map[string]*pending // request id -> request
}

// New creates a sharing manager. policy may be nil, in which case this
// device answers no requests.
func New(userID, deviceID string, olmManager *olm.Manager, devices *device.Directory, sender transport.Sender, policy SharePolicy) *Manager {
	return &Manager{
		userID:   userID,
		deviceID: deviceID,
		olm:      olmManager,
		devices:  devices,
		sender:   sender,
		policy:   policy,
		timeout:  DefaultTimeout,
		pending:  make(map[string]*pending),
	}
}

// SetTimeout overrides the per-request timeout.
func (m *Manager) SetTimeout(d time.Duration) { m.timeout = d }

// Request asks the user's other devices for a secret and waits for the
// first valid answer. With no device ids given the request goes to all of
// the user's devices. The request is cancelled on timeout or context
// cancellation; a late answer for a resolved request is dropped.
func (m *Manager) Request(ctx context.Context, name string, deviceIDs []string) ([]byte, error) {
	requestID := uuid.NewString()
	p := &pending{
		name:      name,
		requestID: requestID,
		devices:   make(map[string]bool, len(deviceIDs)),
		result:    make(chan []byte, 1),
	}
	for _, id := range deviceIDs {
		p.devices[id] = true
	}

	m.mu.Lock()
	m.pending[requestID] = p
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.pending, requestID)
		m.mu.Unlock()
	}()

	content := RequestContent{
		Name:               name,
		Action:             actionRequest,
		RequestingDeviceID: m.deviceID,
		RequestID:          requestID,
	}
	targets := map[string]interface{}{}
	if len(deviceIDs) == 0 {
		targets["*"] = content
	} else {
		for _, id := range deviceIDs {
			targets[id] = content
		}
	}
	if err := m.sender.SendToDevice(ctx, transport.TypeSecretRequest, map[string]map[string]interface{}{
		m.userID: targets,
	}); err != nil {
		return nil, fmt.Errorf("failed to send secret request: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function":   "Manager.Request",
		"name":       name,
		"request_id": requestID,
	}).Debug("Requested secret from own devices")

	timer := time.NewTimer(m.timeout)
	defer timer.Stop()
	select {
	case secret := <-p.result:
		return secret, nil
	case <-timer.C:
		m.cancel(ctx, p)
		return nil, ErrTimeout
	case <-ctx.Done():
		m.cancel(ctx, p)
		return nil, ctx.Err()
	}
}

// cancel marks the request resolved and tells the targeted devices to stop
// working on it.
func (m *Manager) cancel(ctx context.Context, p *pending) {
	m.mu.Lock()
	p.done = true
	m.mu.Unlock()

	content := RequestContent{
		Action:             actionCancellation,
		RequestingDeviceID: m.deviceID,
		RequestID:          p.requestID,
	}
	targets := map[string]interface{}{}
	if len(p.devices) == 0 {
		targets["*"] = content
	} else {
		for id := range p.devices {
			targets[id] = content
		}
	}
	if err := m.sender.SendToDevice(ctx, transport.TypeSecretRequest, map[string]map[string]interface{}{
		m.userID: targets,
	}); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":   "Manager.cancel",
			"request_id": p.requestID,
			"error":      err.Error(),
		}).Warn("Failed to send request cancellation")
	}
}

// HandleRequest answers an incoming m.secret.request. Requests from other
// users, from this device itself, or refused by policy are ignored.
func (m *Manager) HandleRequest(ctx context.Context, evt *transport.Event) {
	if evt.Sender != m.userID {
		return
	}
	var content RequestContent
	if err := evt.ParseContent(&content); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Manager.HandleRequest",
			"error":    err.Error(),
		}).Warn("Malformed secret request")
		return
	}
	if content.Action != actionRequest || content.RequestingDeviceID == m.deviceID {
		return
	}
	if m.policy == nil {
		return
	}

	requester, ok := m.devices.Get(m.userID, content.RequestingDeviceID)
	if !ok {
		logrus.WithFields(logrus.Fields{
			"function":  "Manager.HandleRequest",
			"device_id": content.RequestingDeviceID,
		}).Warn("Secret request from unknown device")
		return
	}
	if !m.policy.ShareWith(requester, content.Name) {
		logrus.WithFields(logrus.Fields{
			"function":  "Manager.HandleRequest",
			"device_id": content.RequestingDeviceID,
			"name":      content.Name,
		}).Info("Refusing to share secret")
		return
	}
	secret, err := m.policy.GetSecret(ctx, content.Name)
	if err != nil || secret == nil {
		return
	}

	if _, err := m.olm.EnsureSessions(ctx, []*device.Device{requester}, false); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":  "Manager.HandleRequest",
			"device_id": content.RequestingDeviceID,
			"error":     err.Error(),
		}).Warn("Failed to ensure session with requester")
		return
	}
	encrypted, err := m.olm.EncryptForDevice(requester, transport.TypeSecretSend, SendContent{
		RequestID: content.RequestID,
		Secret:    string(secret),
	})
	if err != nil || encrypted == nil {
		logrus.WithFields(logrus.Fields{
			"function":  "Manager.HandleRequest",
			"device_id": content.RequestingDeviceID,
		}).Warn("Failed to encrypt secret for requester")
		return
	}
	if err := transport.SendToOneDevice(ctx, m.sender, m.userID, content.RequestingDeviceID,
		transport.TypeRoomEncrypted, encrypted); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":  "Manager.HandleRequest",
			"device_id": content.RequestingDeviceID,
			"error":     err.Error(),
		}).Warn("Failed to send secret")
		return
	}
	logrus.WithFields(logrus.Fields{
		"function":  "Manager.HandleRequest",
		"device_id": content.RequestingDeviceID,
		"name":      content.Name,
	}).Info("Shared secret with own device")
}

// HandleSecretSend resolves a pending request from a decrypted
// m.secret.send envelope. The envelope must come from our own user and from
// a device the request was sent to; anything else is dropped.
func (m *Manager) HandleSecretSend(ctx context.Context, envelope *olm.Envelope) {
	if envelope.Sender != m.userID {
		return
	}
	var content SendContent
	if err := json.Unmarshal(envelope.Content, &content); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Manager.HandleSecretSend",
			"error":    err.Error(),
		}).Warn("Malformed secret send")
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.pending[content.RequestID]
	if !ok || p.done {
		logrus.WithFields(logrus.Fields{
			"function":   "Manager.HandleSecretSend",
			"request_id": content.RequestID,
		}).Debug("Secret send for no pending request")
		return
	}

	// Identify the sender by the identity key the decrypting session
	// vouches for, never by the signing key asserted inside the payload.
	// The asserted key must then agree with that device's published
	// signing key, and the device must have been targeted by the request.
	senderDevice, ok := m.devices.GetByIdentityKey(envelope.SenderIdentityKey)
	if !ok || senderDevice.UserID != m.userID {
		logrus.WithFields(logrus.Fields{
			"function":   "Manager.HandleSecretSend",
			"request_id": content.RequestID,
		}).Warn("Dropping secret from unknown device")
		return
	}
	if senderDevice.SigningKey != envelope.Keys["ed25519"] {
		logrus.WithFields(logrus.Fields{
			"function":   "Manager.HandleSecretSend",
			"request_id": content.RequestID,
			"device_id":  senderDevice.DeviceID,
		}).Warn("Dropping secret claiming another device's signing key")
		return
	}
	if len(p.devices) > 0 && !p.devices[senderDevice.DeviceID] {
		logrus.WithFields(logrus.Fields{
			"function":   "Manager.HandleSecretSend",
			"request_id": content.RequestID,
			"device_id":  senderDevice.DeviceID,
		}).Warn("Dropping unsolicited secret from untargeted device")
		return
	}

	p.done = true
	p.result <- []byte(content.Secret)
}
