package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// MemoryHub is an in-process to-device message bus. Each registered endpoint
// models one device; SendToDevice from any endpoint delivers synchronously
// into the recipients' queues. Used by tests to run both sides of a protocol
// in one process.
type MemoryHub struct {
	mu        sync.RWMutex
	endpoints map[string]map[string]*Endpoint
}

// NewMemoryHub creates an empty hub.
func NewMemoryHub() *MemoryHub {
	return &MemoryHub{endpoints: make(map[string]map[string]*Endpoint)}
}

// Endpoint is one device's attachment to the hub.
type Endpoint struct {
	hub      *MemoryHub
	userID   string
	deviceID string

	mu     sync.Mutex
	queue  []*Event
	notify chan struct{}
}

// Register attaches a device to the hub and returns its endpoint.
func (h *MemoryHub) Register(userID, deviceID string) *Endpoint {
	ep := &Endpoint{
		hub:      h,
		userID:   userID,
		deviceID: deviceID,
		notify:   make(chan struct{}, 1),
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	devices, ok := h.endpoints[userID]
	if !ok {
		devices = make(map[string]*Endpoint)
		h.endpoints[userID] = devices
	}
	devices[deviceID] = ep
	return ep
}

// SendToDevice implements Sender for an endpoint; the hub stamps the sender.
func (ep *Endpoint) SendToDevice(_ context.Context, eventType string, messages map[string]map[string]interface{}) error {
	for userID, byDevice := range messages {
		for deviceID, content := range byDevice {
			raw, err := json.Marshal(content)
			if err != nil {
				return fmt.Errorf("failed to marshal to-device content: %w", err)
			}
			evt := &Event{Type: eventType, Sender: ep.userID, Content: raw}

			ep.hub.mu.RLock()
			var targets []*Endpoint
			if deviceID == "*" {
				for _, target := range ep.hub.endpoints[userID] {
					targets = append(targets, target)
				}
			} else if target, ok := ep.hub.endpoints[userID][deviceID]; ok {
				targets = append(targets, target)
			}
			ep.hub.mu.RUnlock()

			for _, target := range targets {
				target.enqueue(evt)
			}
		}
	}
	return nil
}

func (ep *Endpoint) enqueue(evt *Event) {
	ep.mu.Lock()
	ep.queue = append(ep.queue, evt)
	ep.mu.Unlock()

	select {
	case ep.notify <- struct{}{}:
	default:
	}
}

// Receive blocks until an event arrives or the context is cancelled.
func (ep *Endpoint) Receive(ctx context.Context) (*Event, error) {
	for {
		ep.mu.Lock()
		if len(ep.queue) > 0 {
			evt := ep.queue[0]
			ep.queue = ep.queue[1:]
			ep.mu.Unlock()
			return evt, nil
		}
		ep.mu.Unlock()

		select {
		case <-ep.notify:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Drain delivers every queued event to the dispatcher and returns the count.
func (ep *Endpoint) Drain(ctx context.Context, d *Dispatcher) int {
	n := 0
	for {
		ep.mu.Lock()
		if len(ep.queue) == 0 {
			ep.mu.Unlock()
			return n
		}
		evt := ep.queue[0]
		ep.queue = ep.queue[1:]
		ep.mu.Unlock()

		d.Dispatch(ctx, evt)
		n++
	}
}
