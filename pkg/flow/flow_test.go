package flow

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFrame_RoundTrip(t *testing.T) {
	var buf bytes.Buffer
	frames := [][]byte{[]byte("hello"), {}, bytes.Repeat([]byte{0xAB}, 300)}
	for _, f := range frames {
		require.NoError(t, WriteFrame(&buf, f))
	}

	r := bufio.NewReader(&buf)
	for _, f := range frames {
		got, err := ReadFrame(r, 0)
		require.NoError(t, err)
		require.Equal(t, f, got)
	}

	_, err := ReadFrame(r, 0)
	require.ErrorIs(t, err, io.EOF)
}

func TestFrame_Limits(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, make([]byte, 128)))
	_, err := ReadFrame(bufio.NewReader(&buf), 64)
	require.ErrorIs(t, err, ErrFrameTooLarge)

	buf.Reset()
	require.NoError(t, WriteFrame(&buf, []byte("truncated")))
	truncated := buf.Bytes()[:buf.Len()-2]
	_, err = ReadFrame(bufio.NewReader(bytes.NewReader(truncated)), 0)
	require.ErrorIs(t, err, io.ErrUnexpectedEOF)

	garbage := bytes.Repeat([]byte{0xFF}, 16)
	_, err = ReadFrame(bufio.NewReader(bytes.NewReader(garbage)), 0)
	require.ErrorIs(t, err, ErrInvalidPrefix)
}

func TestLocal_OrderAndClose(t *testing.T) {
	fl := NewLocal(8)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	payload := []byte("a")
	require.NoError(t, fl.Send(payload))
	payload[0] = 'z'
	require.NoError(t, fl.Send([]byte("b")))
	require.NoError(t, fl.Close())
	require.ErrorIs(t, fl.Send([]byte("c")), ErrFlowClosed)

	got, err := fl.Recv(ctx)
	require.NoError(t, err)
	require.Equal(t, "a", string(got), "frames are copied on send")
	got, err = fl.Recv(ctx)
	require.NoError(t, err)
	require.Equal(t, "b", string(got))

	_, err = fl.Recv(ctx)
	require.ErrorIs(t, err, ErrFlowClosed)
}

type lockedBuffer struct {
	lk  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.lk.Lock()
	defer b.lk.Unlock()
	return b.buf.Write(p)
}

func TestSender_Ordered(t *testing.T) {
	out := &lockedBuffer{}
	s := NewSender(out, 4)

	for i := range 100 {
		require.NoError(t, s.Send(context.Background(), []byte(fmt.Sprintf("frame-%d", i))))
	}
	require.NoError(t, s.Close())
	require.ErrorIs(t, s.Send(context.Background(), []byte("late")), ErrFlowClosed)

	r := bufio.NewReader(&out.buf)
	for i := range 100 {
		got, err := ReadFrame(r, 0)
		require.NoError(t, err)
		require.Equal(t, fmt.Sprintf("frame-%d", i), string(got))
	}
}

type failingWriter struct{}

var errBroken = errors.New("broken pipe")

func (failingWriter) Write([]byte) (int, error) {
	return 0, errBroken
}

func TestSender_StopsOnWriteError(t *testing.T) {
	s := NewSender(failingWriter{}, 1)
	require.NoError(t, s.Send(context.Background(), []byte("doomed")))

	require.Eventually(t, func() bool {
		return errors.Is(s.Err(), errBroken)
	}, 2*time.Second, 10*time.Millisecond)
	require.ErrorIs(t, s.Send(context.Background(), []byte("late")), errBroken)
	require.NoError(t, s.Close())
}
