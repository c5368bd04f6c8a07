package rendezvous

import "context"

// MemoryTransport is an in-process frame transport for tests and local
// pairing flows.
type MemoryTransport struct {
	send chan<- []byte
	recv <-chan []byte
}

// NewMemoryPair returns two connected transports.
func NewMemoryPair() (*MemoryTransport, *MemoryTransport) {
	ab := make(chan []byte, 16)
	ba := make(chan []byte, 16)
	return &MemoryTransport{send: ab, recv: ba}, &MemoryTransport{send: ba, recv: ab}
}

// SendFrame implements Transport.
func (t *MemoryTransport) SendFrame(ctx context.Context, data []byte) error {
	frame := append([]byte(nil), data...)
	select {
	case t.send <- frame:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ReceiveFrame implements Transport.
func (t *MemoryTransport) ReceiveFrame(ctx context.Context) ([]byte, error) {
	select {
	case frame := <-t.recv:
		return frame, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
