package routelink

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/raskyld/routelink/pkg/shm"
)

// RemoteRouterLink links a local router to a router living on the other
// end of a `NodeLink`, it is identified by the node link and a sublink.
//
// Central and bridge links resolve their `RouterLinkState` lazily: side A
// allocates one in the shared pool and hands it to side B with a
// `SetRouterLinkState` message. Until then, lock attempts fail.
type RemoteRouterLink struct {
	nodeLink *NodeLink
	sublink  SublinkID
	typ      LinkType
	side     LinkSide

	// Readers go through `linkState` only, `lk` serializes writers.
	// `stateLk` is held shared while the state is dereferenced and
	// exclusively by detach, which precedes unmapping it.
	linkState    atomic.Pointer[RouterLinkState]
	sideIsStable atomic.Bool
	stateLk      sync.RWMutex

	lk           sync.Mutex
	linkStateRef shm.FragmentRef[RouterLinkState]
	// set once a non-null state, possibly pending, was handed over.
	hasState    bool
	deactivated bool
}

func (l *RemoteRouterLink) NodeLink() *NodeLink {
	return l.nodeLink
}

func (l *RemoteRouterLink) Sublink() SublinkID {
	return l.sublink
}

func (l *RemoteRouterLink) Side() LinkSide {
	return l.side
}

func (l *RemoteRouterLink) Type() LinkType {
	return l.typ
}

// LinkState returns the resolved state, or nil. The state lives in
// memory shared with the peer and must not be used once the link or its
// node link is deactivated.
func (l *RemoteRouterLink) LinkState() *RouterLinkState {
	return l.linkState.Load()
}

func (l *RemoteRouterLink) withLinkState(fn func(*RouterLinkState) bool) bool {
	l.stateLk.RLock()
	defer l.stateLk.RUnlock()
	state := l.linkState.Load()
	return state != nil && fn(state)
}

func (l *RemoteRouterLink) hasLinkState() bool {
	l.lk.Lock()
	defer l.lk.Unlock()
	return l.hasState
}

func (l *RemoteRouterLink) initializeLinkState(state shm.FragmentRef[RouterLinkState]) {
	if state.IsNull() {
		if l.side.IsSideA() {
			l.allocateAndShareLinkState()
		}
		return
	}
	l.SetLinkState(state)
}

// allocateAndShareLinkState keeps one reference on a fresh state and
// hands a second one to the peer.
func (l *RemoteRouterLink) allocateAndShareLinkState() {
	l.nodeLink.memory.AllocateRouterLinkState(func(state shm.FragmentRef[RouterLinkState]) {
		if state.IsNull() {
			l.nodeLink.logger.Error(
				"no link state could be allocated, the link will never be locked",
				LabelSublink.L(l.sublink),
			)
			return
		}

		shared := state.Clone()
		l.SetLinkState(state)

		err := l.nodeLink.Transmit(&setRouterLinkStateMsg{
			Sublink:    l.sublink,
			Descriptor: shared.Fragment().Descriptor(),
		})
		if err != nil {
			shared.Release()
			return
		}
		shared.ReleaseToDescriptor()
	})
}

// SetLinkState resolves the link state. A pending state is resolved once
// its buffer is mapped on this end, which only side B may ever need.
// Setting an addressable state twice panics.
func (l *RemoteRouterLink) SetLinkState(state shm.FragmentRef[RouterLinkState]) {
	if state.IsNull() {
		return
	}

	if state.IsPending() {
		if l.side.IsSideA() {
			panic(fmt.Sprintf("side A of sublink %d received a pending link state", l.sublink))
		}

		l.lk.Lock()
		l.hasState = true
		l.lk.Unlock()

		memory := l.nodeLink.memory
		desc := state.Fragment().Descriptor()
		memory.WaitForBufferAsync(desc.BufferID, func() {
			resolved := memory.AdoptFragmentRef(memory.GetFragment(desc))
			if !resolved.IsAddressable() {
				l.nodeLink.msink.IncrCounterWithLabels(MetricProtocolViolationCount, 1.0, l.nodeLink.labels)
				l.nodeLink.logger.Warn(
					"dropped a pending link state which resolved to an invalid fragment",
					LabelSublink.L(l.sublink),
					LabelBufferID.L(desc.BufferID),
				)
				return
			}
			l.SetLinkState(resolved)
		})
		return
	}

	l.lk.Lock()
	if !l.linkStateRef.IsNull() {
		l.lk.Unlock()
		panic(fmt.Sprintf("link state of sublink %d was set twice", l.sublink))
	}
	if l.deactivated {
		l.lk.Unlock()
		state.Release()
		return
	}
	l.hasState = true
	l.linkStateRef = state
	l.linkState.Store(state.Get())
	l.lk.Unlock()

	if l.sideIsStable.Load() {
		l.MarkSideStable()
	}

	if router := l.nodeLink.GetRouter(l.sublink); router != nil {
		router.Flush()
	}
}

func (l *RemoteRouterLink) HasLocalPeer(Router) bool {
	return false
}

func (l *RemoteRouterLink) IsRemoteLinkTo(nodeLink *NodeLink, sublink SublinkID) bool {
	return l.nodeLink == nodeLink && l.sublink == sublink
}

// AcceptParcel transmits `parcel` to the peer. Portals it carries are
// moved: their routers start proxying once the message is on its way.
func (l *RemoteRouterLink) AcceptParcel(parcel *Parcel) {
	msg := &acceptParcelMsg{
		Sublink:        l.sublink,
		SequenceNumber: parcel.SequenceNumber,
		Data:           parcel.Data,
	}

	var (
		routers []Router
		boxes   []*shm.Memory
	)
	for _, obj := range parcel.Objects {
		switch obj := obj.(type) {
		case *Portal:
			var desc RouterDescriptor
			obj.Router.SerializeNewRouter(l.nodeLink, &desc)
			routers = append(routers, obj.Router)
			msg.HandleTypes = append(msg.HandleTypes, handlePortal)
			msg.NewRouters = append(msg.NewRouters, desc)
		case *Box:
			boxes = append(boxes, obj.Memory)
			msg.HandleTypes = append(msg.HandleTypes, handleBox)
			msg.DriverObjects = append(msg.DriverObjects, obj.Memory.Handle())
		}
	}

	if err := l.nodeLink.Transmit(msg); err != nil {
		l.nodeLink.logger.Debug(
			"dropped a parcel for a gone peer",
			LabelSublink.L(l.sublink),
			LabelError.L(err),
		)
		// The peer never learns of the sublinks bound for moved portals.
		for _, desc := range msg.NewRouters {
			if link := l.nodeLink.GetSublink(desc.NewSublink); link != nil {
				link.Deactivate()
			}
		}
		parcel.Close()
		return
	}

	for i, router := range routers {
		router.BeginProxyingToNewRouter(l.nodeLink, &msg.NewRouters[i])
	}
	for _, mem := range boxes {
		mem.Release()
	}
	parcel.ReleaseObjects()

	l.nodeLink.msink.IncrCounterWithLabels(MetricParcelOutCount, 1.0, l.nodeLink.labels)
	l.nodeLink.msink.IncrCounterWithLabels(MetricParcelOutBytes, float32(len(parcel.Data)), l.nodeLink.labels)
}

func (l *RemoteRouterLink) AcceptRouteClosure(sequenceLength SequenceNumber) {
	err := l.nodeLink.Transmit(&routeClosedMsg{
		Sublink:        l.sublink,
		SequenceLength: sequenceLength,
	})
	if err != nil {
		l.nodeLink.logger.Debug(
			"dropped a route closure for a gone peer",
			LabelSublink.L(l.sublink),
			LabelError.L(err),
		)
	}
}

// MarkSideStable is remembered until the link state is resolved.
func (l *RemoteRouterLink) MarkSideStable() {
	l.sideIsStable.Store(true)
	l.withLinkState(func(state *RouterLinkState) bool {
		state.SetSideStable(l.side)
		return true
	})
}

func (l *RemoteRouterLink) TryLockForBypass(bypassRequestSource NodeName) bool {
	return l.withLinkState(func(state *RouterLinkState) bool {
		if !state.TryLock(l.side) {
			return false
		}
		state.SetAllowedBypassRequestSource(bypassRequestSource)
		return true
	})
}

func (l *RemoteRouterLink) TryLockForClosure() bool {
	return l.withLinkState(func(state *RouterLinkState) bool {
		return state.TryLock(l.side)
	})
}

func (l *RemoteRouterLink) Unlock() {
	l.withLinkState(func(state *RouterLinkState) bool {
		state.Unlock(l.side)
		return true
	})
}

func (l *RemoteRouterLink) FlushOtherSideIfWaiting() bool {
	reset := l.withLinkState(func(state *RouterLinkState) bool {
		return state.ResetWaitingBit(l.side.Opposite())
	})
	if !reset {
		return false
	}
	if err := l.nodeLink.Transmit(&flushRouterMsg{Sublink: l.sublink}); err != nil {
		l.nodeLink.logger.Debug("could not flush the peer router", LabelSublink.L(l.sublink), LabelError.L(err))
	}
	return true
}

func (l *RemoteRouterLink) CanNodeRequestBypass(source NodeName) bool {
	return source.IsValid() && l.withLinkState(func(state *RouterLinkState) bool {
		return state.IsLockedBySide(l.side.Opposite()) &&
			state.AllowedBypassRequestSource() == source
	})
}

// Deactivate unbinds the sublink from the node link and drops this end's
// reference on the link state.
func (l *RemoteRouterLink) Deactivate() {
	l.nodeLink.RemoveRemoteRouterLink(l.sublink)
	l.detach()
}

// detach waits for in-flight state operations, so the node link may
// unmap its memory as soon as every link is detached.
func (l *RemoteRouterLink) detach() {
	l.stateLk.Lock()
	l.lk.Lock()
	l.deactivated = true
	l.linkState.Store(nil)
	state := l.linkStateRef
	l.linkStateRef = shm.FragmentRef[RouterLinkState]{}
	l.lk.Unlock()
	l.stateLk.Unlock()
	state.Release()
}

func (l *RemoteRouterLink) Describe() string {
	state := "unresolved"
	l.withLinkState(func(s *RouterLinkState) bool {
		state = s.String()
		return true
	})
	return fmt.Sprintf(
		"%s RemoteRouterLink (side %s, sublink %d, peer %s, %s)",
		l.typ, l.side, l.sublink, l.nodeLink.RemoteNodeName(), state,
	)
}
