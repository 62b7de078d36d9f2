package routelink

import (
	"fmt"

	"github.com/raskyld/routelink/pkg/shm"
	"google.golang.org/protobuf/encoding/protowire"
)

// Control messages are framed as a varint message type followed by
// protobuf-encoded fields. Unknown fields are skipped.

type msgType uint64

const (
	msgConnect msgType = iota + 1
	msgAcceptParcel
	msgRouteClosed
	msgSetRouterLinkState
	msgFlushRouter
	msgAddBlockBuffer
)

func (t msgType) String() string {
	switch t {
	case msgConnect:
		return "connect"
	case msgAcceptParcel:
		return "accept_parcel"
	case msgRouteClosed:
		return "route_closed"
	case msgSetRouterLinkState:
		return "set_router_link_state"
	case msgFlushRouter:
		return "flush_router"
	case msgAddBlockBuffer:
		return "add_block_buffer"
	default:
		return fmt.Sprintf("unknown(%d)", uint64(t))
	}
}

// protocolVersion is exchanged in `Connect`, peers MUST agree on it.
const protocolVersion = 1

type message interface {
	msgType() msgType
	appendFields(b []byte) []byte
	// consumeField returns 0 for fields it does not know about.
	consumeField(num protowire.Number, typ protowire.Type, b []byte) (int, error)
}

type handleType uint64

const (
	handlePortal handleType = iota
	handleBox
)

type connectMsg struct {
	Name    NodeName
	Version uint64
	// Only set by the side which allocated the primary buffer.
	Primary shm.Handle
}

type acceptParcelMsg struct {
	Sublink        SublinkID
	SequenceNumber SequenceNumber
	Data           []byte
	HandleTypes    []handleType
	NewRouters     []RouterDescriptor
	DriverObjects  []shm.Handle
}

type routeClosedMsg struct {
	Sublink        SublinkID
	SequenceLength SequenceNumber
}

type setRouterLinkStateMsg struct {
	Sublink    SublinkID
	Descriptor shm.FragmentDescriptor
}

type flushRouterMsg struct {
	Sublink SublinkID
}

type addBlockBufferMsg struct {
	BufferID  shm.BufferID
	BlockSize uint32
	Memory    shm.Handle
}

func encodeMessage(msg message) []byte {
	b := protowire.AppendVarint(nil, uint64(msg.msgType()))
	return msg.appendFields(b)
}

func decodeMessage(frame []byte) (message, error) {
	typ, n := protowire.ConsumeVarint(frame)
	if n < 0 {
		return nil, fmt.Errorf("%w: %w", ErrProtocolViolation, protowire.ParseError(n))
	}

	var msg message
	switch msgType(typ) {
	case msgConnect:
		msg = &connectMsg{}
	case msgAcceptParcel:
		msg = &acceptParcelMsg{}
	case msgRouteClosed:
		msg = &routeClosedMsg{}
	case msgSetRouterLinkState:
		msg = &setRouterLinkStateMsg{Descriptor: shm.NullDescriptor}
	case msgFlushRouter:
		msg = &flushRouterMsg{}
	case msgAddBlockBuffer:
		msg = &addBlockBufferMsg{}
	default:
		return nil, fmt.Errorf("%w: unknown message type %d", ErrProtocolViolation, typ)
	}

	if err := consumeFields(frame[n:], msg.consumeField); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrProtocolViolation, msgType(typ), err)
	}
	return msg, nil
}

func consumeFields(b []byte, consume func(protowire.Number, protowire.Type, []byte) (int, error)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		m, err := consume(num, typ, b)
		if err != nil {
			return err
		}
		if m == 0 {
			m = protowire.ConsumeFieldValue(num, typ, b)
		}
		if m < 0 {
			return protowire.ParseError(m)
		}
		b = b[m:]
	}
	return nil
}

func consumeVarint(typ protowire.Type, b []byte) (uint64, int, error) {
	if typ != protowire.VarintType {
		return 0, 0, fmt.Errorf("unexpected wire type %d for a varint", typ)
	}
	v, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return 0, 0, protowire.ParseError(n)
	}
	return v, n, nil
}

func consumeBytes(typ protowire.Type, b []byte) ([]byte, int, error) {
	if typ != protowire.BytesType {
		return nil, 0, fmt.Errorf("unexpected wire type %d for bytes", typ)
	}
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return nil, 0, protowire.ParseError(n)
	}
	return v, n, nil
}

func appendVarintField(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendBytesField(b []byte, num protowire.Number, v []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendHandle(b []byte, h shm.Handle) []byte {
	b = appendBytesField(b, 1, []byte(h.Name))
	return appendVarintField(b, 2, h.Size)
}

func decodeHandle(b []byte) (shm.Handle, error) {
	var h shm.Handle
	err := consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			v, n, err := consumeBytes(typ, b)
			h.Name = string(v)
			return n, err
		case 2:
			v, n, err := consumeVarint(typ, b)
			h.Size = v
			return n, err
		}
		return 0, nil
	})
	return h, err
}

func appendDescriptor(b []byte, desc shm.FragmentDescriptor) []byte {
	b = appendVarintField(b, 1, uint64(desc.BufferID))
	b = appendVarintField(b, 2, uint64(desc.Offset))
	return appendVarintField(b, 3, uint64(desc.Size))
}

func decodeDescriptor(b []byte) (shm.FragmentDescriptor, error) {
	desc := shm.NullDescriptor
	err := consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			v, n, err := consumeVarint(typ, b)
			desc.BufferID = shm.BufferID(v)
			return n, err
		case 2:
			v, n, err := consumeVarint(typ, b)
			if v > 1<<32-1 {
				return 0, fmt.Errorf("fragment offset %d overflows", v)
			}
			desc.Offset = uint32(v)
			return n, err
		case 3:
			v, n, err := consumeVarint(typ, b)
			if v > 1<<32-1 {
				return 0, fmt.Errorf("fragment size %d overflows", v)
			}
			desc.Size = uint32(v)
			return n, err
		}
		return 0, nil
	})
	return desc, err
}

func appendRouterDescriptor(b []byte, desc RouterDescriptor) []byte {
	b = appendVarintField(b, 1, uint64(desc.NewSublink))
	b = appendVarintField(b, 2, uint64(desc.NextOutgoingSequenceNumber))
	b = appendVarintField(b, 3, uint64(desc.NextIncomingSequenceNumber))
	b = appendVarintField(b, 4, protowire.EncodeBool(desc.PeerClosed))
	return appendVarintField(b, 5, uint64(desc.ClosedPeerSequenceLength))
}

func decodeRouterDescriptor(b []byte) (RouterDescriptor, error) {
	var desc RouterDescriptor
	err := consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num < 1 || num > 5 {
			return 0, nil
		}
		v, n, err := consumeVarint(typ, b)
		switch num {
		case 1:
			desc.NewSublink = SublinkID(v)
		case 2:
			desc.NextOutgoingSequenceNumber = SequenceNumber(v)
		case 3:
			desc.NextIncomingSequenceNumber = SequenceNumber(v)
		case 4:
			desc.PeerClosed = protowire.DecodeBool(v)
		case 5:
			desc.ClosedPeerSequenceLength = SequenceNumber(v)
		}
		return n, err
	})
	return desc, err
}

func (*connectMsg) msgType() msgType { return msgConnect }

func (msg *connectMsg) appendFields(b []byte) []byte {
	b = appendBytesField(b, 1, msg.Name[:])
	b = appendVarintField(b, 2, msg.Version)
	if msg.Primary.IsValid() {
		b = protowire.AppendTag(b, 3, protowire.BytesType)
		b = protowire.AppendBytes(b, appendHandle(nil, msg.Primary))
	}
	return b
}

func (msg *connectMsg) consumeField(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
	switch num {
	case 1:
		v, n, err := consumeBytes(typ, b)
		if err == nil && len(v) != len(msg.Name) {
			err = fmt.Errorf("node name is %d bytes", len(v))
		}
		copy(msg.Name[:], v)
		return n, err
	case 2:
		v, n, err := consumeVarint(typ, b)
		msg.Version = v
		return n, err
	case 3:
		v, n, err := consumeBytes(typ, b)
		if err != nil {
			return n, err
		}
		msg.Primary, err = decodeHandle(v)
		return n, err
	}
	return 0, nil
}

func (*acceptParcelMsg) msgType() msgType { return msgAcceptParcel }

func (msg *acceptParcelMsg) appendFields(b []byte) []byte {
	b = appendVarintField(b, 1, uint64(msg.Sublink))
	b = appendVarintField(b, 2, uint64(msg.SequenceNumber))
	b = appendBytesField(b, 3, msg.Data)
	for _, t := range msg.HandleTypes {
		b = appendVarintField(b, 4, uint64(t))
	}
	for _, desc := range msg.NewRouters {
		b = appendBytesField(b, 5, appendRouterDescriptor(nil, desc))
	}
	for _, h := range msg.DriverObjects {
		b = appendBytesField(b, 6, appendHandle(nil, h))
	}
	return b
}

func (msg *acceptParcelMsg) consumeField(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
	switch num {
	case 1:
		v, n, err := consumeVarint(typ, b)
		msg.Sublink = SublinkID(v)
		return n, err
	case 2:
		v, n, err := consumeVarint(typ, b)
		msg.SequenceNumber = SequenceNumber(v)
		return n, err
	case 3:
		v, n, err := consumeBytes(typ, b)
		msg.Data = append([]byte(nil), v...)
		return n, err
	case 4:
		v, n, err := consumeVarint(typ, b)
		if err == nil && handleType(v) != handlePortal && handleType(v) != handleBox {
			err = fmt.Errorf("unknown handle type %d", v)
		}
		msg.HandleTypes = append(msg.HandleTypes, handleType(v))
		return n, err
	case 5:
		v, n, err := consumeBytes(typ, b)
		if err != nil {
			return n, err
		}
		desc, err := decodeRouterDescriptor(v)
		msg.NewRouters = append(msg.NewRouters, desc)
		return n, err
	case 6:
		v, n, err := consumeBytes(typ, b)
		if err != nil {
			return n, err
		}
		h, err := decodeHandle(v)
		msg.DriverObjects = append(msg.DriverObjects, h)
		return n, err
	}
	return 0, nil
}

func (*routeClosedMsg) msgType() msgType { return msgRouteClosed }

func (msg *routeClosedMsg) appendFields(b []byte) []byte {
	b = appendVarintField(b, 1, uint64(msg.Sublink))
	return appendVarintField(b, 2, uint64(msg.SequenceLength))
}

func (msg *routeClosedMsg) consumeField(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
	switch num {
	case 1:
		v, n, err := consumeVarint(typ, b)
		msg.Sublink = SublinkID(v)
		return n, err
	case 2:
		v, n, err := consumeVarint(typ, b)
		msg.SequenceLength = SequenceNumber(v)
		return n, err
	}
	return 0, nil
}

func (*setRouterLinkStateMsg) msgType() msgType { return msgSetRouterLinkState }

func (msg *setRouterLinkStateMsg) appendFields(b []byte) []byte {
	b = appendVarintField(b, 1, uint64(msg.Sublink))
	return appendBytesField(b, 2, appendDescriptor(nil, msg.Descriptor))
}

func (msg *setRouterLinkStateMsg) consumeField(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
	switch num {
	case 1:
		v, n, err := consumeVarint(typ, b)
		msg.Sublink = SublinkID(v)
		return n, err
	case 2:
		v, n, err := consumeBytes(typ, b)
		if err != nil {
			return n, err
		}
		msg.Descriptor, err = decodeDescriptor(v)
		return n, err
	}
	return 0, nil
}

func (*flushRouterMsg) msgType() msgType { return msgFlushRouter }

func (msg *flushRouterMsg) appendFields(b []byte) []byte {
	return appendVarintField(b, 1, uint64(msg.Sublink))
}

func (msg *flushRouterMsg) consumeField(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
	if num == 1 {
		v, n, err := consumeVarint(typ, b)
		msg.Sublink = SublinkID(v)
		return n, err
	}
	return 0, nil
}

func (*addBlockBufferMsg) msgType() msgType { return msgAddBlockBuffer }

func (msg *addBlockBufferMsg) appendFields(b []byte) []byte {
	b = appendVarintField(b, 1, uint64(msg.BufferID))
	b = appendVarintField(b, 2, uint64(msg.BlockSize))
	return appendBytesField(b, 3, appendHandle(nil, msg.Memory))
}

func (msg *addBlockBufferMsg) consumeField(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
	switch num {
	case 1:
		v, n, err := consumeVarint(typ, b)
		msg.BufferID = shm.BufferID(v)
		return n, err
	case 2:
		v, n, err := consumeVarint(typ, b)
		if v > 1<<32-1 {
			return 0, fmt.Errorf("block size %d overflows", v)
		}
		msg.BlockSize = uint32(v)
		return n, err
	case 3:
		v, n, err := consumeBytes(typ, b)
		if err != nil {
			return n, err
		}
		msg.Memory, err = decodeHandle(v)
		return n, err
	}
	return 0, nil
}
