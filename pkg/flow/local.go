package flow

import (
	"context"
	"sync"
)

// Local is an ordered, in-process flow of frames. Frames are copied on
// `Send` so the caller may reuse its buffer.
type Local struct {
	data    chan []byte
	lk      sync.Mutex
	closed  bool
	closeCh chan struct{}
	wg      sync.WaitGroup
}

func NewLocal(bufferSize uint) *Local {
	return &Local{
		data:    make(chan []byte, bufferSize),
		closeCh: make(chan struct{}),
	}
}

// Recv blocks until a frame is available. Frames sent before `Close` are
// still delivered, then `ErrFlowClosed` is returned.
func (fl *Local) Recv(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case elem, ok := <-fl.data:
		if !ok {
			return nil, ErrFlowClosed
		}
		return elem, nil
	}
}

func (fl *Local) Send(frame []byte) error {
	fl.lk.Lock()
	if fl.closed {
		fl.lk.Unlock()
		return ErrFlowClosed
	}
	fl.wg.Add(1)
	defer fl.wg.Done()
	fl.lk.Unlock()

	cloned := make([]byte, len(frame))
	copy(cloned, frame)

	select {
	case fl.data <- cloned:
		return nil
	case <-fl.closeCh:
		return ErrFlowClosed
	}
}

func (fl *Local) Close() error {
	fl.lk.Lock()
	defer fl.lk.Unlock()
	if fl.closed {
		return nil
	}
	fl.closed = true
	close(fl.closeCh)
	fl.wg.Wait()
	close(fl.data)
	return nil
}
