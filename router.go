package routelink

import (
	"fmt"

	"github.com/raskyld/routelink/pkg/shm"
)

// Router owns one hop of a route and drives exactly one outward
// `RouterLink` at a time. Links only ever call back into routers through
// this interface.
type Router interface {
	// AcceptInboundParcel takes a parcel travelling toward this router's
	// terminal end.
	AcceptInboundParcel(parcel *Parcel) bool

	// AcceptOutboundParcel takes a parcel received over an inward link,
	// which a proxying router forwards along its outward link.
	AcceptOutboundParcel(parcel *Parcel) bool

	// AcceptRouteClosureFrom notifies that the side reached through a
	// link of type `linkType` will never send more than `sequenceLength`
	// parcels.
	AcceptRouteClosureFrom(linkType LinkType, sequenceLength SequenceNumber) bool

	// Flush asks the router to re-evaluate its queued work, typically
	// after a link became usable.
	Flush()

	// SerializeNewRouter describes, in `desc`, a router which will take
	// over this one at the other end of `nodeLink`.
	SerializeNewRouter(nodeLink *NodeLink, desc *RouterDescriptor)

	// BeginProxyingToNewRouter is called once `desc` has been
	// transmitted, this router now forwards to the new one.
	BeginProxyingToNewRouter(nodeLink *NodeLink, desc *RouterDescriptor)

	// SetOutwardLink installs `link`, it fails if the router already has
	// an outward link.
	SetOutwardLink(link RouterLink) bool
}

// RouterDescriptor is the transmissible description of a router created
// on the receiving end of a node link.
type RouterDescriptor struct {
	NewSublink                 SublinkID
	NextOutgoingSequenceNumber SequenceNumber
	NextIncomingSequenceNumber SequenceNumber
	PeerClosed                 bool
	ClosedPeerSequenceLength   SequenceNumber
}

// RouterDeserializer materializes a router received from `nodeLink`.
type RouterDeserializer func(nodeLink *NodeLink, desc RouterDescriptor) (Router, error)

// Attachment is an object carried along with a parcel: either a
// `*Portal` or a `*Box`.
type Attachment interface {
	attachment()
}

// Portal is the terminal handle of a route, attaching it to a parcel
// moves the route end to the receiver.
type Portal struct {
	Router Router
}

func (*Portal) attachment() {}

// Box carries a driver object. Only shared memory regions can be boxed.
type Box struct {
	Memory *shm.Memory
}

func (*Box) attachment() {}

// Parcel is one message sent along a route.
type Parcel struct {
	SequenceNumber SequenceNumber
	Data           []byte
	Objects        []Attachment
}

// ReleaseObjects drops the parcel's ownership of its attachments, once
// they were handed over to another node.
func (p *Parcel) ReleaseObjects() {
	p.Objects = nil
}

// Close releases the driver objects the parcel still owns.
func (p *Parcel) Close() error {
	var err error
	for _, obj := range p.Objects {
		if box, ok := obj.(*Box); ok && box.Memory != nil {
			if cerr := box.Memory.Close(); cerr != nil && err == nil {
				err = cerr
			}
		}
	}
	p.Objects = nil
	return err
}

func (p *Parcel) String() string {
	return fmt.Sprintf("parcel(seq=%d, %d bytes, %d objects)", p.SequenceNumber, len(p.Data), len(p.Objects))
}
