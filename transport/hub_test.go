package transport

import (
	"context"
	"testing"
	"time"
)

func TestMemoryHubDelivery(t *testing.T) {
	hub := NewMemoryHub()
	alice := hub.Register("@alice:example.org", "ALPHA")
	bob := hub.Register("@bob:example.org", "BRAVO")

	err := SendToOneDevice(context.Background(), alice, "@bob:example.org", "BRAVO",
		TypeSecretRequest, map[string]string{"action": "request"})
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	evt, err := bob.Receive(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if evt.Type != TypeSecretRequest || evt.Sender != "@alice:example.org" {
		t.Errorf("unexpected event: %+v", evt)
	}
}

func TestMemoryHubWildcard(t *testing.T) {
	hub := NewMemoryHub()
	sender := hub.Register("@alice:example.org", "ALPHA")
	d1 := hub.Register("@bob:example.org", "B1")
	d2 := hub.Register("@bob:example.org", "B2")

	err := sender.SendToDevice(context.Background(), TypeVerificationReq, map[string]map[string]interface{}{
		"@bob:example.org": {"*": map[string]string{"from_device": "ALPHA"}},
	})
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	for _, ep := range []*Endpoint{d1, d2} {
		if _, err := ep.Receive(ctx); err != nil {
			t.Fatalf("wildcard delivery missed a device: %v", err)
		}
	}
}

func TestDispatcherRouting(t *testing.T) {
	d := NewDispatcher()
	var got []string
	d.On(TypeSecretSend, func(_ context.Context, evt *Event) {
		got = append(got, evt.Sender)
	})

	d.Dispatch(context.Background(), &Event{Type: TypeSecretSend, Sender: "@a:x"})
	d.Dispatch(context.Background(), &Event{Type: "m.unknown", Sender: "@b:x"})

	if len(got) != 1 || got[0] != "@a:x" {
		t.Errorf("unexpected dispatches: %v", got)
	}
}

func TestEndpointDrain(t *testing.T) {
	hub := NewMemoryHub()
	alice := hub.Register("@alice:example.org", "A1")
	bob := hub.Register("@bob:example.org", "B1")

	for i := 0; i < 3; i++ {
		if err := SendToOneDevice(context.Background(), alice, "@bob:example.org", "B1",
			TypeRoomEncrypted, map[string]int{"n": i}); err != nil {
			t.Fatal(err)
		}
	}

	disp := NewDispatcher()
	count := 0
	disp.On(TypeRoomEncrypted, func(context.Context, *Event) { count++ })

	if n := bob.Drain(context.Background(), disp); n != 3 {
		t.Errorf("Drain returned %d, want 3", n)
	}
	if count != 3 {
		t.Errorf("dispatched %d events, want 3", count)
	}
}
