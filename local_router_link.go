package routelink

import (
	"fmt"
	"sync"
)

type localLinkState struct {
	typ   LinkType
	state RouterLinkState

	lk      sync.Mutex
	routerA Router
	routerB Router
}

func (s *localLinkState) router(side LinkSide) Router {
	s.lk.Lock()
	defer s.lk.Unlock()
	if side.IsSideA() {
		return s.routerA
	}
	return s.routerB
}

// LocalRouterLink links two routers living in this process. Both ends
// share the same `RouterLinkState`, and call directly into the opposite
// router.
type LocalRouterLink struct {
	side   LinkSide
	shared *localLinkState
}

// ConnectRouters links `routerA` and `routerB` with a pair of local links
// and installs them as their outward links. Only central and bridge links
// can be local, and neither router may already have an outward link.
func ConnectRouters(typ LinkType, routerA, routerB Router) (*LocalRouterLink, *LocalRouterLink) {
	if !typ.IsCentral() {
		panic(fmt.Sprintf("a %s link cannot be local", typ))
	}

	shared := &localLinkState{
		typ:     typ,
		routerA: routerA,
		routerB: routerB,
	}
	linkA := &LocalRouterLink{side: LinkSideA, shared: shared}
	linkB := &LocalRouterLink{side: LinkSideB, shared: shared}

	if !routerA.SetOutwardLink(linkA) || !routerB.SetOutwardLink(linkB) {
		panic("connected a router which already has an outward link")
	}
	return linkA, linkB
}

func (l *LocalRouterLink) Side() LinkSide {
	return l.side
}

func (l *LocalRouterLink) Type() LinkType {
	return l.shared.typ
}

func (l *LocalRouterLink) LinkState() *RouterLinkState {
	return &l.shared.state
}

func (l *LocalRouterLink) HasLocalPeer(router Router) bool {
	peer := l.shared.router(l.side.Opposite())
	return peer != nil && peer == router
}

func (l *LocalRouterLink) IsRemoteLinkTo(*NodeLink, SublinkID) bool {
	return false
}

func (l *LocalRouterLink) AcceptParcel(parcel *Parcel) {
	if peer := l.shared.router(l.side.Opposite()); peer != nil {
		peer.AcceptInboundParcel(parcel)
	}
}

func (l *LocalRouterLink) AcceptRouteClosure(sequenceLength SequenceNumber) {
	if peer := l.shared.router(l.side.Opposite()); peer != nil {
		peer.AcceptRouteClosureFrom(l.shared.typ, sequenceLength)
	}
}

func (l *LocalRouterLink) MarkSideStable() {
	l.shared.state.SetSideStable(l.side)
}

func (l *LocalRouterLink) TryLockForBypass(bypassRequestSource NodeName) bool {
	if !l.shared.state.TryLock(l.side) {
		return false
	}
	l.shared.state.SetAllowedBypassRequestSource(bypassRequestSource)
	return true
}

func (l *LocalRouterLink) TryLockForClosure() bool {
	return l.shared.state.TryLock(l.side)
}

func (l *LocalRouterLink) Unlock() {
	l.shared.state.Unlock(l.side)
}

func (l *LocalRouterLink) FlushOtherSideIfWaiting() bool {
	if !l.shared.state.ResetWaitingBit(l.side.Opposite()) {
		return false
	}
	if peer := l.shared.router(l.side.Opposite()); peer != nil {
		peer.Flush()
	}
	return true
}

func (l *LocalRouterLink) CanNodeRequestBypass(source NodeName) bool {
	state := &l.shared.state
	return source.IsValid() &&
		state.IsLockedBySide(l.side.Opposite()) &&
		state.AllowedBypassRequestSource() == source
}

// Deactivate forgets this side's router, the peer's is left untouched.
func (l *LocalRouterLink) Deactivate() {
	l.shared.lk.Lock()
	defer l.shared.lk.Unlock()
	if l.side.IsSideA() {
		l.shared.routerA = nil
	} else {
		l.shared.routerB = nil
	}
}

func (l *LocalRouterLink) Describe() string {
	return fmt.Sprintf("%s LocalRouterLink (side %s, %s)", l.shared.typ, l.side, &l.shared.state)
}
