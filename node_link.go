package routelink

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/routelink/pkg/shm"
)

type sublinkEntry struct {
	link   *RemoteRouterLink
	router Router
}

// NodeLink is one end of a connection between two nodes. It multiplexes
// the remote router links bound to it over a single `Transport`, keyed by
// sublink.
type NodeLink struct {
	node       *Node
	remoteName NodeName
	side       LinkSide
	memory     *NodeLinkMemory
	transport  Transport

	logger *slog.Logger
	msink  metrics.MetricSink
	labels []metrics.Label

	lk       sync.Mutex
	sublinks map[SublinkID]sublinkEntry
	active   bool
	done     bool
}

func newNodeLink(node *Node, remoteName NodeName, side LinkSide, memory *NodeLinkMemory, transport Transport) *NodeLink {
	nl := &NodeLink{
		node:       node,
		remoteName: remoteName,
		side:       side,
		memory:     memory,
		transport:  transport,
		logger: node.logger.With(
			LabelPeerName.L(remoteName),
			LabelLinkSide.L(side.String()),
		),
		msink:    node.msink,
		labels:   withLabels(node.config.metricLabels, LabelPeerName.M(remoteName.String())),
		sublinks: make(map[SublinkID]sublinkEntry),
	}
	memory.SetNodeLink(nl)
	return nl
}

// ConnectNodeLinks connects `a` and `b` over the given transports, `a`
// allocates the primary buffer and ends up on side A.
func ConnectNodeLinks(a, b *Node, trA, trB Transport) (*NodeLink, *NodeLink, error) {
	memA, primary, err := AllocateNodeLinkMemory(a)
	if err != nil {
		return nil, nil, err
	}

	memB, err := AdoptNodeLinkMemory(b, primary)
	if err != nil {
		memA.Close()
		return nil, nil, err
	}

	linkA := newNodeLink(a, b.Name(), LinkSideA, memA, trA)
	linkB := newNodeLink(b, a.Name(), LinkSideB, memB, trB)

	if err := linkA.Activate(); err != nil {
		memA.Close()
		memB.Close()
		return nil, nil, err
	}
	if err := linkB.Activate(); err != nil {
		linkA.Deactivate()
		memB.Close()
		return nil, nil, err
	}
	return linkA, linkB, nil
}

func (nl *NodeLink) Node() *Node {
	return nl.node
}

func (nl *NodeLink) LocalNodeName() NodeName {
	return nl.node.Name()
}

func (nl *NodeLink) RemoteNodeName() NodeName {
	return nl.remoteName
}

func (nl *NodeLink) LinkSide() LinkSide {
	return nl.side
}

func (nl *NodeLink) Memory() *NodeLinkMemory {
	return nl.memory
}

// Activate registers the link on its node and starts processing inbound
// messages.
func (nl *NodeLink) Activate() error {
	nl.lk.Lock()
	if nl.active || nl.done {
		nl.lk.Unlock()
		return ErrLinkDeactivated
	}
	nl.active = true
	nl.lk.Unlock()

	if err := nl.node.addNodeLink(nl); err != nil {
		nl.Deactivate()
		return err
	}
	if err := nl.transport.Activate(nl); err != nil {
		nl.Deactivate()
		return err
	}
	nl.logger.Debug("node link activated")
	return nil
}

// Deactivate forgets every sublink, stops the transport and releases the
// shared memory. It is idempotent.
func (nl *NodeLink) Deactivate() {
	nl.lk.Lock()
	if nl.done {
		nl.lk.Unlock()
		return
	}
	nl.done = true
	nl.active = false
	sublinks := nl.sublinks
	nl.sublinks = make(map[SublinkID]sublinkEntry)
	nl.lk.Unlock()

	for _, entry := range sublinks {
		entry.link.detach()
	}

	if err := nl.transport.Deactivate(); err != nil {
		nl.logger.Debug("transport deactivation failed", LabelError.L(err))
	}
	nl.node.removeNodeLink(nl)
	nl.memory.Close()
	nl.logger.Debug("node link deactivated")
}

// AddRemoteRouterLink binds a new router link to `sublink`. It returns nil
// if the sublink is already bound.
func (nl *NodeLink) AddRemoteRouterLink(
	sublink SublinkID,
	linkState shm.FragmentRef[RouterLinkState],
	typ LinkType,
	side LinkSide,
	router Router,
) *RemoteRouterLink {
	link := &RemoteRouterLink{
		nodeLink: nl,
		sublink:  sublink,
		typ:      typ,
		side:     side,
	}

	nl.lk.Lock()
	if _, exists := nl.sublinks[sublink]; exists || nl.done {
		nl.lk.Unlock()
		linkState.Release()
		return nil
	}
	nl.sublinks[sublink] = sublinkEntry{link: link, router: router}
	nl.lk.Unlock()

	if typ.IsCentral() {
		link.initializeLinkState(linkState)
	} else {
		linkState.Release()
	}
	return link
}

// ConnectInitialRouter binds `router` to the i-th initial portal of the
// connection, whose link state lives at a fixed location of the primary
// buffer.
func (nl *NodeLink) ConnectInitialRouter(i int, router Router) (*RemoteRouterLink, error) {
	state := nl.memory.GetInitialRouterLinkState(i)
	if state.IsNull() {
		return nil, fmt.Errorf("%w: initial portal %d", ErrUnknownSublink, i)
	}

	link := nl.AddRemoteRouterLink(SublinkID(i), state, LinkTypeCentral, nl.side, router)
	if link == nil {
		return nil, fmt.Errorf("%w: %d", ErrSublinkConflict, i)
	}
	if !router.SetOutwardLink(link) {
		link.Deactivate()
		return nil, fmt.Errorf("%w: router already has an outward link", ErrSublinkConflict)
	}
	return link, nil
}

// RemoveRemoteRouterLink unbinds `sublink`, it reports whether it was
// bound.
func (nl *NodeLink) RemoveRemoteRouterLink(sublink SublinkID) bool {
	nl.lk.Lock()
	defer nl.lk.Unlock()
	if _, ok := nl.sublinks[sublink]; !ok {
		return false
	}
	delete(nl.sublinks, sublink)
	return true
}

func (nl *NodeLink) getSublink(sublink SublinkID) (sublinkEntry, bool) {
	nl.lk.Lock()
	defer nl.lk.Unlock()
	entry, ok := nl.sublinks[sublink]
	return entry, ok
}

// GetRouter returns the router bound to `sublink`, nil if there is none.
func (nl *NodeLink) GetRouter(sublink SublinkID) Router {
	entry, ok := nl.getSublink(sublink)
	if !ok {
		return nil
	}
	return entry.router
}

// GetSublink returns the router link bound to `sublink`, nil if there is
// none.
func (nl *NodeLink) GetSublink(sublink SublinkID) *RemoteRouterLink {
	entry, ok := nl.getSublink(sublink)
	if !ok {
		return nil
	}
	return entry.link
}

// Transmit sends a control message to the peer.
func (nl *NodeLink) Transmit(msg message) error {
	nl.lk.Lock()
	done := nl.done
	nl.lk.Unlock()
	if done {
		return ErrLinkDeactivated
	}

	if err := nl.transport.Transmit(encodeMessage(msg)); err != nil {
		nl.msink.IncrCounterWithLabels(
			MetricMessageOutErrorCount,
			1.0,
			withLabels(nl.labels, LabelMsgType.M(msg.msgType().String())),
		)
		return err
	}
	return nil
}

func (nl *NodeLink) OnTransportError(err error) {
	nl.logger.Error("transport failed, deactivating node link", LabelError.L(err))
	nl.Deactivate()
}

func (nl *NodeLink) OnTransportMessage(frame []byte) error {
	msg, err := decodeMessage(frame)
	if err == nil {
		nl.msink.IncrCounterWithLabels(
			MetricMessageInCount,
			1.0,
			withLabels(nl.labels, LabelMsgType.M(msg.msgType().String())),
		)
		err = nl.dispatch(msg)
	}

	if errors.Is(err, ErrProtocolViolation) {
		nl.msink.IncrCounterWithLabels(MetricProtocolViolationCount, 1.0, nl.labels)
		nl.logger.Warn("dropped a message violating the protocol", LabelError.L(err))
	}
	return err
}

func (nl *NodeLink) dispatch(msg message) error {
	switch msg := msg.(type) {
	case *acceptParcelMsg:
		return nl.onAcceptParcel(msg)
	case *routeClosedMsg:
		return nl.onRouteClosed(msg)
	case *setRouterLinkStateMsg:
		return nl.onSetRouterLinkState(msg)
	case *flushRouterMsg:
		return nl.onFlushRouter(msg)
	case *addBlockBufferMsg:
		return nl.onAddBlockBuffer(msg)
	default:
		return fmt.Errorf("%w: unexpected %s message", ErrProtocolViolation, msg.msgType())
	}
}

// lookup finds the sublink a message targets, messages for unknown
// sublinks are dropped since the local router may already be gone.
func (nl *NodeLink) lookup(msg message, sublink SublinkID) (sublinkEntry, bool) {
	entry, ok := nl.getSublink(sublink)
	if !ok {
		nl.msink.IncrCounterWithLabels(
			MetricMessageInDroppedCount,
			1.0,
			withLabels(nl.labels, LabelMsgType.M(msg.msgType().String())),
		)
		nl.logger.Debug(
			"dropped a message for an unknown sublink",
			LabelMsgType.L(msg.msgType().String()),
			LabelSublink.L(strconv.FormatUint(uint64(sublink), 10)),
		)
	}
	return entry, ok
}

func (nl *NodeLink) onAcceptParcel(msg *acceptParcelMsg) error {
	entry, ok := nl.lookup(msg, msg.Sublink)
	if !ok {
		return nil
	}

	var portals, boxes int
	for _, t := range msg.HandleTypes {
		if t == handlePortal {
			portals++
		} else {
			boxes++
		}
	}
	if portals != len(msg.NewRouters) || boxes != len(msg.DriverObjects) {
		return fmt.Errorf(
			"%w: %d handles for %d routers and %d driver objects",
			ErrProtocolViolation, len(msg.HandleTypes), len(msg.NewRouters), len(msg.DriverObjects),
		)
	}

	parcel := &Parcel{
		SequenceNumber: msg.SequenceNumber,
		Data:           msg.Data,
	}

	var nextRouter, nextBox int
	for _, t := range msg.HandleTypes {
		switch t {
		case handlePortal:
			router, err := nl.node.deserializeRouter(nl, msg.NewRouters[nextRouter])
			nextRouter++
			if err != nil {
				parcel.Close()
				return fmt.Errorf("%w: %w", ErrProtocolViolation, err)
			}
			parcel.Objects = append(parcel.Objects, &Portal{Router: router})
		case handleBox:
			mem, err := nl.node.Driver().OpenMemory(msg.DriverObjects[nextBox])
			nextBox++
			if err != nil {
				parcel.Close()
				return fmt.Errorf("%w: %w", ErrProtocolViolation, err)
			}
			mem.TakeOwnership()
			parcel.Objects = append(parcel.Objects, &Box{Memory: mem})
		}
	}

	if entry.link.Type() == LinkTypePeripheralInward {
		entry.router.AcceptOutboundParcel(parcel)
	} else {
		entry.router.AcceptInboundParcel(parcel)
	}
	return nil
}

func (nl *NodeLink) onRouteClosed(msg *routeClosedMsg) error {
	entry, ok := nl.lookup(msg, msg.Sublink)
	if !ok {
		return nil
	}
	entry.router.AcceptRouteClosureFrom(entry.link.Type(), msg.SequenceLength)
	return nil
}

func (nl *NodeLink) onSetRouterLinkState(msg *setRouterLinkStateMsg) error {
	entry, ok := nl.lookup(msg, msg.Sublink)
	if !ok {
		return nil
	}

	link := entry.link
	if !link.Type().IsCentral() {
		return fmt.Errorf("%w: link state for a %s link", ErrProtocolViolation, link.Type())
	}
	if link.side.IsSideA() {
		return fmt.Errorf("%w: side A received a link state", ErrProtocolViolation)
	}
	if link.hasLinkState() {
		return fmt.Errorf("%w: sublink %d already has a link state", ErrProtocolViolation, msg.Sublink)
	}

	state := nl.memory.AdoptFragmentRef(nl.memory.GetFragment(msg.Descriptor))
	if state.IsNull() {
		return fmt.Errorf("%w: invalid link state %s", ErrProtocolViolation, msg.Descriptor)
	}
	link.SetLinkState(state)
	return nil
}

func (nl *NodeLink) onFlushRouter(msg *flushRouterMsg) error {
	entry, ok := nl.lookup(msg, msg.Sublink)
	if !ok {
		return nil
	}
	entry.router.Flush()
	return nil
}

func (nl *NodeLink) onAddBlockBuffer(msg *addBlockBufferMsg) error {
	mem, err := nl.node.Driver().OpenMemory(msg.Memory)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrProtocolViolation, err)
	}

	mapping, err := mem.Map()
	if err != nil {
		mem.Close()
		return fmt.Errorf("%w: %w", ErrProtocolViolation, err)
	}

	if !nl.memory.AddBlockBuffer(msg.BufferID, msg.BlockSize, mem, mapping) {
		mapping.Unmap()
		mem.Close()
		return fmt.Errorf("%w: rejected block buffer %d", ErrProtocolViolation, msg.BufferID)
	}
	return nil
}
