package routelink

import (
	"context"
	"log/slog"
	"sync"

	"github.com/raskyld/routelink/pkg/shm"
)

// Endpoint is the terminal `Router` of a route: it queues the parcels
// sent by the other end until they are retrieved with `Get`.
//
// Attaching an endpoint to a parcel moves it: once the parcel left for
// another node, the endpoint turns into a proxy forwarding both
// directions of the route to its replacement and can no longer be used.
type Endpoint struct {
	logger *slog.Logger

	// sendLk keeps outbound parcels in sequence order.
	sendLk sync.Mutex

	lk           sync.Mutex
	outward      RouterLink
	inbound      *ParcelQueue
	nextOutgoing SequenceNumber
	pending      []*Parcel
	closed       bool
	changed      chan struct{}

	// proxy state, once moved.
	inward          *RemoteRouterLink
	proxying        bool
	closedTowardOut bool
	closedTowardIn  bool
}

var _ Router = (*Endpoint)(nil)

func newEndpoint(node *Node, nextIncoming, nextOutgoing SequenceNumber) *Endpoint {
	return &Endpoint{
		logger:       node.logger,
		inbound:      NewParcelQueue(nextIncoming),
		nextOutgoing: nextOutgoing,
		changed:      make(chan struct{}),
	}
}

// NewEndpointPair opens a route between two endpoints of `node`, joined by
// a central `LocalRouterLink`.
func NewEndpointPair(node *Node) (*Endpoint, *Endpoint) {
	a := newEndpoint(node, 0, 0)
	b := newEndpoint(node, 0, 0)
	ConnectRouters(LinkTypeCentral, a, b)
	return a, b
}

// NewEndpoint returns an endpoint with no outward link yet, typically to
// bind it with `NodeLink.ConnectInitialRouter`. Parcels put meanwhile are
// sent once it is linked.
func NewEndpoint(node *Node) *Endpoint {
	return newEndpoint(node, 0, 0)
}

// DeserializeEndpoint is the default `RouterDeserializer`: endpoints
// received from a node link are linked back to the proxy they replace.
func DeserializeEndpoint(nodeLink *NodeLink, desc RouterDescriptor) (Router, error) {
	e := newEndpoint(nodeLink.Node(), desc.NextIncomingSequenceNumber, desc.NextOutgoingSequenceNumber)
	if desc.PeerClosed {
		e.inbound.SetFinalLength(desc.ClosedPeerSequenceLength)
	}

	link := nodeLink.AddRemoteRouterLink(
		desc.NewSublink,
		shm.FragmentRef[RouterLinkState]{},
		LinkTypePeripheralOutward,
		LinkSideB,
		e,
	)
	if link == nil {
		return nil, ErrSublinkConflict
	}
	e.SetOutwardLink(link)
	return e, nil
}

func (e *Endpoint) notifyLocked() {
	close(e.changed)
	e.changed = make(chan struct{})
}

// Put sends a parcel to the other end of the route.
func (e *Endpoint) Put(data []byte, objects ...Attachment) error {
	e.sendLk.Lock()
	defer e.sendLk.Unlock()

	e.lk.Lock()
	if e.closed || e.proxying {
		e.lk.Unlock()
		return ErrEndpointClosed
	}
	if _, peerClosed := e.inbound.FinalLength(); peerClosed {
		e.lk.Unlock()
		return ErrRouteClosed
	}
	for _, obj := range objects {
		portal, ok := obj.(*Portal)
		if !ok {
			continue
		}
		if portal.Router == Router(e) || (e.outward != nil && e.outward.HasLocalPeer(portal.Router)) {
			e.lk.Unlock()
			return ErrInvalidAttachment
		}
	}

	parcel := &Parcel{
		SequenceNumber: e.nextOutgoing,
		Data:           data,
		Objects:        objects,
	}
	e.nextOutgoing++

	link := e.outward
	if link == nil {
		e.pending = append(e.pending, parcel)
		e.lk.Unlock()
		return nil
	}
	e.lk.Unlock()

	link.AcceptParcel(parcel)
	return nil
}

// Get returns the next parcel sent by the other end. It fails with
// `ErrRouteClosed` once the other end closed and every parcel it sent was
// retrieved.
func (e *Endpoint) Get(ctx context.Context) (*Parcel, error) {
	for {
		e.lk.Lock()
		if e.proxying {
			e.lk.Unlock()
			return nil, ErrEndpointClosed
		}
		if parcel, ok := e.inbound.Pop(); ok {
			e.lk.Unlock()
			return parcel, nil
		}
		if e.inbound.IsComplete() {
			e.lk.Unlock()
			return nil, ErrRouteClosed
		}
		if e.closed {
			e.lk.Unlock()
			return nil, ErrEndpointClosed
		}
		changed := e.changed
		e.lk.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-changed:
		}
	}
}

// Close tells the other end how many parcels were sent and releases the
// parcels never retrieved.
func (e *Endpoint) Close() error {
	e.sendLk.Lock()
	defer e.sendLk.Unlock()

	e.lk.Lock()
	if e.closed || e.proxying {
		e.lk.Unlock()
		return nil
	}
	e.closed = true
	link := e.outward
	length := e.nextOutgoing
	leftovers := e.inbound.Drain()
	e.notifyLocked()
	e.lk.Unlock()

	for _, parcel := range leftovers {
		parcel.Close()
	}
	if link != nil {
		link.AcceptRouteClosure(length)
		link.Deactivate()
	}
	return nil
}

func (e *Endpoint) AcceptInboundParcel(parcel *Parcel) bool {
	e.lk.Lock()
	if e.proxying {
		inward := e.inward
		e.lk.Unlock()
		inward.AcceptParcel(parcel)
		return true
	}
	if e.closed || !e.inbound.Push(parcel) {
		e.lk.Unlock()
		e.logger.Debug("rejected an inbound parcel", "parcel", parcel.String())
		parcel.Close()
		return false
	}
	e.notifyLocked()
	e.lk.Unlock()
	return true
}

func (e *Endpoint) AcceptOutboundParcel(parcel *Parcel) bool {
	e.lk.Lock()
	if !e.proxying {
		e.lk.Unlock()
		parcel.Close()
		return false
	}
	link := e.outward
	if link == nil {
		e.pending = append(e.pending, parcel)
		e.lk.Unlock()
		return true
	}
	e.lk.Unlock()

	link.AcceptParcel(parcel)
	return true
}

func (e *Endpoint) AcceptRouteClosureFrom(linkType LinkType, sequenceLength SequenceNumber) bool {
	e.lk.Lock()
	if !e.proxying {
		ok := e.inbound.SetFinalLength(sequenceLength)
		e.notifyLocked()
		e.lk.Unlock()
		return ok
	}

	var target RouterLink
	if linkType == LinkTypePeripheralInward {
		target = e.outward
		e.closedTowardOut = true
	} else {
		target = e.inward
		e.closedTowardIn = true
	}
	done := e.closedTowardOut && e.closedTowardIn
	outward, inward := e.outward, e.inward
	e.lk.Unlock()

	if target != nil {
		target.AcceptRouteClosure(sequenceLength)
	}
	if done {
		if outward != nil {
			outward.Deactivate()
		}
		inward.Deactivate()
	}
	return true
}

// Flush wakes up `Get` callers and sends the parcels put before the
// outward link was usable.
func (e *Endpoint) Flush() {
	e.lk.Lock()
	link := e.outward
	var pending []*Parcel
	if link != nil {
		pending = e.pending
		e.pending = nil
	}
	e.notifyLocked()
	e.lk.Unlock()

	for _, parcel := range pending {
		link.AcceptParcel(parcel)
	}
}

// SerializeNewRouter binds the sublink of the endpoint replacing this one
// right away, so parcels it sends back are never dropped.
func (e *Endpoint) SerializeNewRouter(nodeLink *NodeLink, desc *RouterDescriptor) {
	sublink := nodeLink.Memory().AllocateSublinkIds(1)

	e.lk.Lock()
	desc.NewSublink = sublink
	desc.NextOutgoingSequenceNumber = e.nextOutgoing
	desc.NextIncomingSequenceNumber = e.inbound.NextSequenceNumber()
	if length, closed := e.inbound.FinalLength(); closed {
		desc.PeerClosed = true
		desc.ClosedPeerSequenceLength = length
	}
	e.lk.Unlock()

	link := nodeLink.AddRemoteRouterLink(
		sublink,
		shm.FragmentRef[RouterLinkState]{},
		LinkTypePeripheralInward,
		LinkSideA,
		e,
	)
	if link == nil {
		e.logger.Error("could not bind the sublink of a moved endpoint", LabelSublink.L(sublink))
		return
	}

	e.lk.Lock()
	e.inward = link
	e.lk.Unlock()
}

// BeginProxyingToNewRouter forwards every parcel queued so far to the
// endpoint which replaced this one.
func (e *Endpoint) BeginProxyingToNewRouter(nodeLink *NodeLink, desc *RouterDescriptor) {
	e.lk.Lock()
	inward := e.inward
	if inward == nil || !inward.IsRemoteLinkTo(nodeLink, desc.NewSublink) {
		e.lk.Unlock()
		panic("began proxying without serializing the new router first")
	}
	e.proxying = true
	e.closedTowardIn = desc.PeerClosed
	queued := e.inbound.Drain()
	e.notifyLocked()
	e.lk.Unlock()

	e.logger.Debug(
		"endpoint moved, proxying",
		LabelPeerName.L(nodeLink.RemoteNodeName()),
		LabelSublink.L(desc.NewSublink),
	)
	for _, parcel := range queued {
		inward.AcceptParcel(parcel)
	}
}

func (e *Endpoint) SetOutwardLink(link RouterLink) bool {
	e.lk.Lock()
	if e.outward != nil {
		e.lk.Unlock()
		return false
	}
	e.outward = link
	pending := e.pending
	e.pending = nil
	closed := e.closed
	length := e.nextOutgoing
	e.lk.Unlock()

	if link.Type().IsCentral() {
		link.MarkSideStable()
	}
	for _, parcel := range pending {
		link.AcceptParcel(parcel)
	}
	if closed {
		link.AcceptRouteClosure(length)
		link.Deactivate()
	}
	return true
}

// OutwardLink returns the link to the other end of the route, nil until
// the endpoint is linked.
func (e *Endpoint) OutwardLink() RouterLink {
	e.lk.Lock()
	defer e.lk.Unlock()
	return e.outward
}
