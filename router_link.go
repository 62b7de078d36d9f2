package routelink

// RouterLink is a router's view of the link to its outward peer. It is
// implemented by `*LocalRouterLink` when both routers live in this
// process, and by `*RemoteRouterLink` across a `NodeLink`.
//
// Every method is safe for concurrent use.
type RouterLink interface {
	Type() LinkType

	// LinkState is nil for peripheral links, and for central links whose
	// state is not resolved yet.
	LinkState() *RouterLinkState

	HasLocalPeer(router Router) bool
	IsRemoteLinkTo(nodeLink *NodeLink, sublink SublinkID) bool

	// AcceptParcel delivers `parcel` toward the peer router. Parcels are
	// silently dropped once the peer is gone.
	AcceptParcel(parcel *Parcel)

	// AcceptRouteClosure tells the peer this side sent exactly
	// `sequenceLength` parcels and will never send more.
	AcceptRouteClosure(sequenceLength SequenceNumber)

	MarkSideStable()
	TryLockForBypass(bypassRequestSource NodeName) bool
	TryLockForClosure() bool
	Unlock()

	// FlushOtherSideIfWaiting prods the peer if it was waiting for this
	// link to become usable, it reports whether a prod was needed.
	FlushOtherSideIfWaiting() bool

	// CanNodeRequestBypass is true iff the peer side holds the lock for
	// bypass on behalf of `source`.
	CanNodeRequestBypass(source NodeName) bool

	// Deactivate stops the link from calling back into any router.
	Deactivate()

	Describe() string
}

var (
	_ RouterLink = (*LocalRouterLink)(nil)
	_ RouterLink = (*RemoteRouterLink)(nil)
)
