package routelink

import (
	"fmt"
	"log/slog"

	"github.com/google/uuid"
)

// LinkSide tags each end of a link, the two ends of one link always have
// opposite sides.
type LinkSide uint8

const (
	LinkSideA LinkSide = iota
	LinkSideB
)

func (side LinkSide) Opposite() LinkSide {
	if side == LinkSideA {
		return LinkSideB
	}
	return LinkSideA
}

func (side LinkSide) IsSideA() bool {
	return side == LinkSideA
}

func (side LinkSide) String() string {
	if side == LinkSideA {
		return "A"
	}
	return "B"
}

// LinkType qualifies the role of a link in a route.
type LinkType uint8

const (
	// LinkTypeCentral links the two routers currently terminating the
	// live path of a route.
	LinkTypeCentral LinkType = iota

	// LinkTypeBridge splices two route segments together.
	LinkTypeBridge

	// LinkTypePeripheralInward links a proxy to the router it proxies for.
	LinkTypePeripheralInward

	// LinkTypePeripheralOutward is the other end of a peripheral inward link.
	LinkTypePeripheralOutward
)

// IsCentral is true for links which carry a `RouterLinkState`.
func (typ LinkType) IsCentral() bool {
	return typ == LinkTypeCentral || typ == LinkTypeBridge
}

func (typ LinkType) IsPeripheral() bool {
	return !typ.IsCentral()
}

func (typ LinkType) String() string {
	switch typ {
	case LinkTypeCentral:
		return "central"
	case LinkTypeBridge:
		return "bridge"
	case LinkTypePeripheralInward:
		return "peripheral-inward"
	case LinkTypePeripheralOutward:
		return "peripheral-outward"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(typ))
	}
}

// SublinkID multiplexes router links over one node link.
type SublinkID uint64

// SequenceNumber orders parcels along a route, starting at zero.
type SequenceNumber uint64

// NodeName is the 128-bit identity of a node.
type NodeName [16]byte

func NewNodeName() NodeName {
	return NodeName(uuid.New())
}

func (name NodeName) IsValid() bool {
	return name != NodeName{}
}

func (name NodeName) String() string {
	return uuid.UUID(name).String()
}

func (name NodeName) LogValue() slog.Value {
	return slog.StringValue(name.String())
}

func ParseNodeName(s string) (NodeName, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return NodeName{}, fmt.Errorf("%w: %w", ErrInvalidNodeName, err)
	}
	return NodeName(id), nil
}
