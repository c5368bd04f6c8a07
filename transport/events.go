// Package transport carries to-device events between devices: the event
// model and dispatcher the trust core consumes, an in-memory hub for tests
// and local multi-account setups, and a Noise-secured framed link for direct
// device-to-device connections.
package transport

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/sirupsen/logrus"
)

// To-device event types understood by the trust core.
const (
	TypeSecretRequest      = "m.secret.request"
	TypeSecretSend         = "m.secret.send"
	TypeRoomEncrypted      = "m.room.encrypted"
	TypeVerificationReq    = "m.key.verification.request"
	TypeVerificationReady  = "m.key.verification.ready"
	TypeVerificationStart  = "m.key.verification.start"
	TypeVerificationAccept = "m.key.verification.accept"
	TypeVerificationKey    = "m.key.verification.key"
	TypeVerificationMAC    = "m.key.verification.mac"
	TypeVerificationDone   = "m.key.verification.done"
	TypeVerificationCancel = "m.key.verification.cancel"
)

// Event is a delivered to-device event.
type Event struct {
	Type    string          `json:"type"`
	Sender  string          `json:"sender"`
	Content json.RawMessage `json:"content"`
}

// ParseContent unmarshals the event content into out.
func (e *Event) ParseContent(out interface{}) error {
	return json.Unmarshal(e.Content, out)
}

// Sender delivers to-device messages: a map of user id to device id to
// content for one event type. The wildcard device id "*" targets all of a
// user's devices.
type Sender interface {
	SendToDevice(ctx context.Context, eventType string, messages map[string]map[string]interface{}) error
}

// SendToOneDevice is a convenience wrapper for the common single-recipient
// case.
func SendToOneDevice(ctx context.Context, s Sender, userID, deviceID, eventType string, content interface{}) error {
	return s.SendToDevice(ctx, eventType, map[string]map[string]interface{}{
		userID: {deviceID: content},
	})
}

// Dispatcher routes delivered events to registered handlers by event type.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[string][]func(context.Context, *Event)
}

// NewDispatcher creates an empty dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[string][]func(context.Context, *Event))}
}

// On registers a handler for an event type.
func (d *Dispatcher) On(eventType string, fn func(context.Context, *Event)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[eventType] = append(d.handlers[eventType], fn)
}

// Dispatch delivers an event to all handlers registered for its type.
// Unknown event types are logged and dropped.
func (d *Dispatcher) Dispatch(ctx context.Context, evt *Event) {
	d.mu.RLock()
	handlers := d.handlers[evt.Type]
	d.mu.RUnlock()

	if len(handlers) == 0 {
		logrus.WithFields(logrus.Fields{
			"function": "Dispatch",
			"type":     evt.Type,
			"sender":   evt.Sender,
		}).Debug("No handler for to-device event")
		return
	}
	for _, fn := range handlers {
		fn(ctx, evt)
	}
}
