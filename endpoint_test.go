package routelink

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestEndpoint_LocalRoute(t *testing.T) {
	node := newTestNode(t)
	a, b := NewEndpointPair(node)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	require.NoError(t, a.Put([]byte("one")))
	require.NoError(t, a.Put([]byte("two")))
	require.NoError(t, b.Put([]byte("back")))

	p, err := b.Get(ctx)
	require.NoError(t, err)
	require.Equal(t, "one", string(p.Data))
	require.EqualValues(t, 0, p.SequenceNumber)

	p, err = b.Get(ctx)
	require.NoError(t, err)
	require.Equal(t, "two", string(p.Data))
	require.EqualValues(t, 1, p.SequenceNumber)

	p, err = a.Get(ctx)
	require.NoError(t, err)
	require.Equal(t, "back", string(p.Data))

	require.Equal(t, LinkTypeCentral, a.OutwardLink().Type())
	require.True(t, a.OutwardLink().LinkState().IsSideStable(LinkSideA))
	require.True(t, a.OutwardLink().LinkState().IsSideStable(LinkSideB))
}

func TestEndpoint_Close(t *testing.T) {
	node := newTestNode(t)
	a, b := NewEndpointPair(node)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	require.NoError(t, a.Put([]byte("last")))
	require.NoError(t, a.Close())
	require.NoError(t, a.Close())
	require.ErrorIs(t, a.Put(nil), ErrEndpointClosed)
	_, err := a.Get(ctx)
	require.ErrorIs(t, err, ErrEndpointClosed)

	require.ErrorIs(t, b.Put([]byte("too late")), ErrRouteClosed)

	p, err := b.Get(ctx)
	require.NoError(t, err)
	require.Equal(t, "last", string(p.Data))

	_, err = b.Get(ctx)
	require.ErrorIs(t, err, ErrRouteClosed)
}

func TestEndpoint_GetWaits(t *testing.T) {
	node := newTestNode(t)
	a, b := NewEndpointPair(node)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := b.Get(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	got := make(chan *Parcel, 1)
	go func() {
		p, err := b.Get(context.Background())
		if err == nil {
			got <- p
		}
	}()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, a.Put([]byte("wake up")))
	select {
	case p := <-got:
		require.Equal(t, "wake up", string(p.Data))
	case <-time.After(2 * time.Second):
		t.Fatalf("Get was never woken up")
	}
}

func TestEndpoint_InvalidAttachment(t *testing.T) {
	node := newTestNode(t)
	a, b := NewEndpointPair(node)

	require.ErrorIs(t, a.Put(nil, &Portal{Router: a}), ErrInvalidAttachment)
	require.ErrorIs(t, a.Put(nil, &Portal{Router: b}), ErrInvalidAttachment)

	// Nothing was consumed from the sequence.
	require.NoError(t, a.Put([]byte("ok")))
	p, err := b.Get(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 0, p.SequenceNumber)
}

func TestEndpoint_PendingUntilLinked(t *testing.T) {
	node := newTestNode(t)
	e := NewEndpoint(node)
	peer := NewEndpoint(node)
	require.Nil(t, e.OutwardLink())

	require.NoError(t, e.Put([]byte("early")))
	ConnectRouters(LinkTypeCentral, e, peer)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	p, err := peer.Get(ctx)
	require.NoError(t, err)
	require.Equal(t, "early", string(p.Data))

	require.False(t, e.SetOutwardLink(peer.OutwardLink()), "already linked")
}

func TestEndpoint_ClosedBeforeLinked(t *testing.T) {
	node := newTestNode(t)
	e := NewEndpoint(node)
	peer := NewEndpoint(node)

	require.NoError(t, e.Put([]byte("bye")))
	require.NoError(t, e.Close())
	ConnectRouters(LinkTypeCentral, e, peer)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	p, err := peer.Get(ctx)
	require.NoError(t, err)
	require.Equal(t, "bye", string(p.Data))
	_, err = peer.Get(ctx)
	require.ErrorIs(t, err, ErrRouteClosed)
}

func TestEndpoint_RejectsOutOfRangeParcels(t *testing.T) {
	node := newTestNode(t)
	e := NewEndpoint(node)

	require.True(t, e.AcceptInboundParcel(&Parcel{SequenceNumber: 1}))
	require.False(t, e.AcceptInboundParcel(&Parcel{SequenceNumber: 1}))
	require.True(t, e.AcceptRouteClosureFrom(LinkTypeCentral, 2))
	require.False(t, e.AcceptInboundParcel(&Parcel{SequenceNumber: 2}))
	require.False(t, e.AcceptOutboundParcel(&Parcel{SequenceNumber: 0}), "only proxies forward outbound parcels")

	require.Panics(t, func() {
		e.BeginProxyingToNewRouter(nil, &RouterDescriptor{})
	})
}
