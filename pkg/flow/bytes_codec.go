package flow

import (
	"bufio"
	"encoding/binary"
	"errors"
	"io"

	"google.golang.org/protobuf/encoding/protowire"
)

// DefaultMaxFrameSize bounds the frames accepted by `ReadFrame` when the
// caller does not provide its own limit.
const DefaultMaxFrameSize = 16 << 20

// WriteFrame writes `frame` prefixed with its varint-encoded length, in a
// single call to `w.Write`.
func WriteFrame(w io.Writer, frame []byte) error {
	buf := make([]byte, 0, binary.MaxVarintLen64+len(frame))
	buf = protowire.AppendVarint(buf, uint64(len(frame)))
	buf = append(buf, frame...)
	_, err := w.Write(buf)
	return err
}

// ReadFrame reads one frame written by `WriteFrame`.
func ReadFrame(r *bufio.Reader, maxSize int) ([]byte, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxFrameSize
	}

	var prefix [binary.MaxVarintLen64]byte
	n := 0
	for {
		b, err := r.ReadByte()
		if err != nil {
			if n > 0 && errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			return nil, err
		}
		if n == len(prefix) {
			return nil, ErrInvalidPrefix
		}
		prefix[n] = b
		n++
		if b < 0x80 {
			break
		}
	}

	size, m := protowire.ConsumeVarint(prefix[:n])
	if m < 0 {
		return nil, errors.Join(ErrInvalidPrefix, protowire.ParseError(m))
	}
	if size > uint64(maxSize) {
		return nil, ErrFrameTooLarge
	}

	buf := make([]byte, size)
	if _, err := io.ReadFull(r, buf); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return buf, nil
}
