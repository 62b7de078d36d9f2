package flow

import (
	"context"
	"io"
	"sync"
)

// Sender is a thread-safe frame writer. Frames are written to the
// underlying `io.Writer` by a dedicated goroutine, in the order `Send`
// queued them.
type Sender struct {
	w io.Writer

	writeCh    chan []byte
	closeCh    chan struct{}
	mainLoopWg sync.WaitGroup

	// handle Close sync.
	writer sync.WaitGroup
	err    error
	lk     sync.Mutex
}

func NewSender(w io.Writer, bufferSize uint) *Sender {
	s := &Sender{
		w:       w,
		writeCh: make(chan []byte, bufferSize),
		closeCh: make(chan struct{}),
	}

	s.mainLoopWg.Add(1)
	go s.run()

	return s
}

// Send queues `frame`, it only blocks when the queue is full.
func (s *Sender) Send(ctx context.Context, frame []byte) error {
	s.lk.Lock()
	if s.err != nil {
		err := s.err
		s.lk.Unlock()
		return err
	}
	s.writer.Add(1)
	defer s.writer.Done()
	s.lk.Unlock()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.closeCh:
		// err is written before closeCh is closed.
		return s.err
	case s.writeCh <- frame:
	}

	return nil
}

// Err returns why the sender stopped, nil while it is running.
func (s *Sender) Err() error {
	s.lk.Lock()
	defer s.lk.Unlock()
	return s.err
}

// Close stops accepting frames and waits for the queued ones to be
// written.
func (s *Sender) Close() error {
	s.closeWith(ErrFlowClosed)
	s.mainLoopWg.Wait()
	return nil
}

func (s *Sender) closeWith(cause error) {
	s.lk.Lock()
	defer s.lk.Unlock()
	if s.err != nil {
		return
	}
	s.err = cause
	close(s.closeCh)
	s.writer.Wait()
	close(s.writeCh)
}

func (s *Sender) run() {
	defer s.mainLoopWg.Done()
	failed := false
	for frame := range s.writeCh {
		if failed {
			continue
		}
		if err := WriteFrame(s.w, frame); err != nil {
			failed = true
			go s.closeWith(err)
		}
	}
}
