package routelink

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/raskyld/routelink/pkg/flow"
)

// Transport carries frames between the two ends of a node link. Frames
// are delivered in the order they were transmitted.
type Transport interface {
	// Activate starts delivering inbound frames to `handler`, one at a
	// time, from a goroutine owned by the transport.
	Activate(handler TransportHandler) error

	// Transmit queues `frame` for the peer, it does not wait for the peer
	// to process it.
	Transmit(frame []byte) error

	// Deactivate stops delivery and releases the transport. It may be
	// called from a handler.
	Deactivate() error
}

// TransportHandler consumes what a `Transport` receives.
type TransportHandler interface {
	// OnTransportMessage returns an error wrapping `ErrProtocolViolation`
	// when the frame is malformed.
	OnTransportMessage(frame []byte) error

	// OnTransportError is called once, when the transport stops for any
	// reason other than `Deactivate`.
	OnTransportError(err error)
}

const pipeBufferSize = 1024

// PipeTransport is one end of an in-process transport.
type PipeTransport struct {
	inbound  *flow.Local
	outbound *flow.Local

	lk     sync.Mutex
	active bool
	cancel context.CancelFunc
}

var _ Transport = (*PipeTransport)(nil)

// NewPipeTransports returns both ends of an in-process transport.
func NewPipeTransports() (*PipeTransport, *PipeTransport) {
	ab := flow.NewLocal(pipeBufferSize)
	ba := flow.NewLocal(pipeBufferSize)
	return &PipeTransport{inbound: ba, outbound: ab}, &PipeTransport{inbound: ab, outbound: ba}
}

func (t *PipeTransport) Activate(handler TransportHandler) error {
	t.lk.Lock()
	defer t.lk.Unlock()
	if t.active {
		return errors.New("transport: already active")
	}
	if t.cancel != nil {
		return ErrShutdown
	}
	t.active = true

	ctx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	go t.receive(ctx, handler)
	return nil
}

func (t *PipeTransport) receive(ctx context.Context, handler TransportHandler) {
	for {
		frame, err := t.inbound.Recv(ctx)
		if err != nil {
			if ctx.Err() == nil {
				handler.OnTransportError(fmt.Errorf("%w: %w", ErrShutdown, err))
			}
			return
		}

		// In-process peers cannot be malicious: a malformed frame is
		// reported by the handler and otherwise skipped.
		_ = handler.OnTransportMessage(frame)
	}
}

func (t *PipeTransport) Transmit(frame []byte) error {
	if err := t.outbound.Send(frame); err != nil {
		return fmt.Errorf("%w: %w", ErrShutdown, err)
	}
	return nil
}

func (t *PipeTransport) Deactivate() error {
	t.lk.Lock()
	if t.cancel == nil {
		t.cancel = func() {}
	}
	cancel := t.cancel
	t.active = false
	t.lk.Unlock()

	cancel()
	return t.outbound.Close()
}
