package routelink

import (
	"errors"
	"testing"
	"time"

	"github.com/raskyld/routelink/pkg/shm"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestNodeLink_Connect(t *testing.T) {
	nlA, nlB := connectTestNodes(t)

	require.Equal(t, LinkSideA, nlA.LinkSide())
	require.Equal(t, LinkSideB, nlB.LinkSide())
	require.Equal(t, nlB.LocalNodeName(), nlA.RemoteNodeName())
	require.Equal(t, nlA.LocalNodeName(), nlB.RemoteNodeName())
	require.Equal(t, []*NodeLink{nlA}, nlA.Node().NodeLinks())
	require.Equal(t, []*NodeLink{nlB}, nlB.Node().NodeLinks())

	// Both ends see the same initial link states.
	nlA.Memory().GetInitialRouterLinkState(4).Get().SetSideStable(LinkSideB)
	require.True(t, nlB.Memory().GetInitialRouterLinkState(4).Get().IsSideStable(LinkSideB))

	_, err := nlA.ConnectInitialRouter(MaxInitialPortals, newMockRouter())
	require.ErrorIs(t, err, ErrUnknownSublink)

	router := newMockRouter()
	_, err = nlA.ConnectInitialRouter(3, router)
	require.NoError(t, err)
	_, err = nlA.ConnectInitialRouter(3, newMockRouter())
	require.ErrorIs(t, err, ErrSublinkConflict)

	linked := &mockRouter{}
	linked.On("SetOutwardLink", mock.Anything).Return(false)
	linked.On("Flush").Maybe()
	_, err = nlA.ConnectInitialRouter(5, linked)
	require.ErrorIs(t, err, ErrSublinkConflict)
	require.Nil(t, nlA.GetSublink(5), "the sublink is released")
}

func TestNodeLink_DispatchByLinkType(t *testing.T) {
	_, nlB := connectTestNodes(t)
	inward, outward := newMockRouter(), newMockRouter()

	inwardSublink := nlB.Memory().AllocateSublinkIds(2)
	outwardSublink := inwardSublink + 1
	require.NotNil(t, nlB.AddRemoteRouterLink(inwardSublink, shm.FragmentRef[RouterLinkState]{}, LinkTypePeripheralInward, LinkSideA, inward))
	require.NotNil(t, nlB.AddRemoteRouterLink(outwardSublink, shm.FragmentRef[RouterLinkState]{}, LinkTypePeripheralOutward, LinkSideB, outward))
	require.Same(t, inward, nlB.GetRouter(inwardSublink).(*mockRouter))

	inward.On("AcceptOutboundParcel", mock.Anything).Return(true).Once()
	outward.On("AcceptInboundParcel", mock.Anything).Return(true).Once()
	outward.On("AcceptRouteClosureFrom", LinkTypePeripheralOutward, SequenceNumber(4)).Return(true).Once()

	require.NoError(t, nlB.OnTransportMessage(encodeMessage(&acceptParcelMsg{Sublink: inwardSublink, Data: []byte("out")})))
	require.NoError(t, nlB.OnTransportMessage(encodeMessage(&acceptParcelMsg{Sublink: outwardSublink, Data: []byte("in")})))
	require.NoError(t, nlB.OnTransportMessage(encodeMessage(&routeClosedMsg{Sublink: outwardSublink, SequenceLength: 4})))
	require.NoError(t, nlB.OnTransportMessage(encodeMessage(&flushRouterMsg{Sublink: inwardSublink})))

	inward.AssertExpectations(t)
	outward.AssertExpectations(t)
	inward.AssertCalled(t, "Flush")

	require.True(t, nlB.RemoveRemoteRouterLink(inwardSublink))
	require.False(t, nlB.RemoveRemoteRouterLink(inwardSublink))
	require.Nil(t, nlB.GetRouter(inwardSublink))
}

func TestNodeLink_UnknownSublinkIsDropped(t *testing.T) {
	_, nlB := connectTestNodes(t)
	require.NoError(t, nlB.OnTransportMessage(encodeMessage(&acceptParcelMsg{Sublink: 999})))
	require.NoError(t, nlB.OnTransportMessage(encodeMessage(&routeClosedMsg{Sublink: 999})))
	require.NoError(t, nlB.OnTransportMessage(encodeMessage(&flushRouterMsg{Sublink: 999})))
	require.NoError(t, nlB.OnTransportMessage(encodeMessage(&setRouterLinkStateMsg{Sublink: 999})))
}

func TestNodeLink_ProtocolViolations(t *testing.T) {
	nlA, nlB := connectTestNodes(t)

	_, err := nlA.ConnectInitialRouter(0, newMockRouter())
	require.NoError(t, err)
	_, err = nlB.ConnectInitialRouter(0, newMockRouter())
	require.NoError(t, err)

	peripheral := nlB.Memory().AllocateSublinkIds(2)
	central := peripheral + 1
	require.NotNil(t, nlB.AddRemoteRouterLink(peripheral, shm.FragmentRef[RouterLinkState]{}, LinkTypePeripheralOutward, LinkSideB, newMockRouter()))
	require.NotNil(t, nlB.AddRemoteRouterLink(central, shm.FragmentRef[RouterLinkState]{}, LinkTypeCentral, LinkSideB, newMockRouter()))

	validState := shm.NewFragmentDescriptor(primaryBufferID, 4096+RouterLinkStateSize, RouterLinkStateSize)

	tests := []struct {
		name string
		to   *NodeLink
		msg  message
	}{
		{"connect after handshake", nlB, &connectMsg{Name: NewNodeName(), Version: protocolVersion}},
		{"handle count mismatch", nlB, &acceptParcelMsg{Sublink: 0, HandleTypes: []handleType{handlePortal}}},
		{"unopenable box", nlB, &acceptParcelMsg{
			Sublink:       0,
			HandleTypes:   []handleType{handleBox},
			DriverObjects: []shm.Handle{{Name: "routelink_does_not_exist", Size: 4096}},
		}},
		{"link state to side A", nlA, &setRouterLinkStateMsg{Sublink: 0, Descriptor: validState}},
		{"link state twice", nlB, &setRouterLinkStateMsg{Sublink: 0, Descriptor: validState}},
		{"link state for a peripheral link", nlB, &setRouterLinkStateMsg{Sublink: peripheral, Descriptor: validState}},
		{"null link state", nlB, &setRouterLinkStateMsg{Sublink: central, Descriptor: shm.NullDescriptor}},
		{"undersized link state", nlB, &setRouterLinkStateMsg{
			Sublink:    central,
			Descriptor: shm.NewFragmentDescriptor(primaryBufferID, 4096, 8),
		}},
		{"misaligned link state", nlB, &setRouterLinkStateMsg{
			Sublink:    central,
			Descriptor: shm.NewFragmentDescriptor(primaryBufferID, 4099, RouterLinkStateSize),
		}},
		{"link state over the primary header", nlB, &setRouterLinkStateMsg{
			Sublink:    central,
			Descriptor: shm.NewFragmentDescriptor(primaryBufferID, 0, RouterLinkStateSize),
		}},
		{"link state over an allocator header", nlB, &setRouterLinkStateMsg{
			Sublink:    central,
			Descriptor: shm.NewFragmentDescriptor(primaryBufferID, 4096, RouterLinkStateSize),
		}},
		{"oversized link state", nlB, &setRouterLinkStateMsg{
			Sublink:    central,
			Descriptor: shm.NewFragmentDescriptor(primaryBufferID, 8192+256, 256),
		}},
		{"unopenable block buffer", nlB, &addBlockBufferMsg{
			BufferID:  40,
			BlockSize: 64,
			Memory:    shm.Handle{Name: "routelink_does_not_exist", Size: 4096},
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var err error
			require.NotPanics(t, func() { err = tt.to.OnTransportMessage(encodeMessage(tt.msg)) })
			require.ErrorIs(t, err, ErrProtocolViolation)
		})
	}

	require.ErrorIs(t, nlB.OnTransportMessage([]byte{0xff}), ErrProtocolViolation)
	require.Nil(t, nlB.GetSublink(central).LinkState(), "rejected states are not applied")
}

func TestNodeLink_DeserializerFailure(t *testing.T) {
	nodeA := newTestNode(t)
	nodeB := newTestNode(t, WithRouterDeserializer(func(*NodeLink, RouterDescriptor) (Router, error) {
		return nil, errors.New("no routers accepted")
	}))
	trA, trB := NewPipeTransports()
	nlA, nlB, err := ConnectNodeLinks(nodeA, nodeB, trA, trB)
	require.NoError(t, err)
	defer nlA.Deactivate()
	defer nlB.Deactivate()

	router := newMockRouter()
	_, err = nlB.ConnectInitialRouter(0, router)
	require.NoError(t, err)

	err = nlB.OnTransportMessage(encodeMessage(&acceptParcelMsg{
		Sublink:     0,
		HandleTypes: []handleType{handlePortal},
		NewRouters:  []RouterDescriptor{{NewSublink: 50}},
	}))
	require.ErrorIs(t, err, ErrProtocolViolation)
	router.AssertNotCalled(t, "AcceptInboundParcel", mock.Anything)
}

func TestNodeLink_Deactivate(t *testing.T) {
	nlA, nlB := connectTestNodes(t)
	linkA, err := nlA.ConnectInitialRouter(0, newMockRouter())
	require.NoError(t, err)

	nlA.Deactivate()
	nlA.Deactivate()

	require.Nil(t, linkA.LinkState())
	require.Nil(t, nlA.GetSublink(0))
	require.Empty(t, nlA.Node().NodeLinks())
	require.ErrorIs(t, nlA.Transmit(&flushRouterMsg{}), ErrLinkDeactivated)
	require.Nil(t, nlA.AddRemoteRouterLink(20, shm.FragmentRef[RouterLinkState]{}, LinkTypeCentral, LinkSideA, newMockRouter()))
	require.ErrorIs(t, nlA.Activate(), ErrLinkDeactivated)

	// The peer notices the transport went away.
	require.Eventually(t, func() bool {
		return len(nlB.Node().NodeLinks()) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestNodeLink_TransportErrorDeactivates(t *testing.T) {
	nlA, _ := connectTestNodes(t)
	nlA.OnTransportError(errors.New("boom"))
	require.Empty(t, nlA.Node().NodeLinks())
	require.ErrorIs(t, nlA.Transmit(&flushRouterMsg{}), ErrLinkDeactivated)
}

func TestNodeLink_BlockBufferIsShared(t *testing.T) {
	nlA, nlB := connectTestNodes(t)

	shared := make(chan struct{})
	nlB.Memory().WaitForBufferAsync(1, func() { close(shared) })

	granted := make(chan bool, 1)
	nlA.Memory().RequestBlockCapacity(4096, func(ok bool) { granted <- ok })

	select {
	case ok := <-granted:
		require.True(t, ok)
	case <-time.After(5 * time.Second):
		t.Fatalf("capacity was never granted")
	}
	select {
	case <-shared:
	case <-time.After(5 * time.Second):
		t.Fatalf("the peer never mapped the new buffer")
	}

	fragment := nlA.Memory().AllocateFragment(4096)
	require.False(t, fragment.IsNull())
	copy(fragment.Bytes(), "from A")
	resolved := nlB.Memory().GetFragment(fragment.Descriptor())
	require.True(t, resolved.IsAddressable())
	require.Equal(t, "from A", string(resolved.Bytes()[:6]))
}
