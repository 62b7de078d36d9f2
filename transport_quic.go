package routelink

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/quic-go/quic-go"
	"github.com/raskyld/routelink/pkg/flow"
)

// ALPN negotiated by node links over QUIC.
const quicNextProto = "routelink"

const (
	quicSendBufferSize = 1024
	handshakeTimeout   = 10 * time.Second

	// Leaves the peer some time to read our last frames before the
	// connection is torn down.
	quicLingerTimeout = 5 * time.Second
)

func quicConfig() *quic.Config {
	return &quic.Config{
		Versions:        []quic.Version{quic.Version2, quic.Version1},
		Allow0RTT:       false,
		MaxIdleTimeout:  1 * time.Minute,
		KeepAlivePeriod: 15 * time.Second,
	}
}

func nodeLinkTLSConfig(tlsConf *tls.Config) (*tls.Config, error) {
	if tlsConf == nil {
		return nil, ErrNoTLSConfig
	}
	tlsConf = tlsConf.Clone()
	tlsConf.NextProtos = []string{quicNextProto}
	return tlsConf, nil
}

// QuicTransport carries the frames of a node link over a single
// bidirectional QUIC stream.
//
// Shared memory regions are named after files of the local host, so both
// ends MUST run on the same host, QUIC only provides the control channel.
type QuicTransport struct {
	host   *Host
	conn   quic.Connection
	stream quic.Stream
	reader *bufio.Reader
	sender *flow.Sender

	logger *slog.Logger
	msink  metrics.MetricSink
	labels []metrics.Label

	activated   atomic.Bool
	deactivated atomic.Bool
}

var _ Transport = (*QuicTransport)(nil)

// PeerHost is the identity the peer authenticated with.
func (t *QuicTransport) PeerHost() *Host {
	return t.host
}

func newQuicTransport(node *Node, host *Host, conn quic.Connection, stream quic.Stream, reader *bufio.Reader, sender *flow.Sender) *QuicTransport {
	peerAddr := conn.RemoteAddr().String()
	return &QuicTransport{
		host:   host,
		conn:   conn,
		stream: stream,
		reader: reader,
		sender: sender,
		logger: node.logger.With(LabelPeerHost.L(host)),
		msink:  node.msink,
		labels: withLabels(node.config.metricLabels, LabelPeerAddr.M(peerAddr)),
	}
}

func (t *QuicTransport) Activate(handler TransportHandler) error {
	if t.deactivated.Load() {
		return ErrShutdown
	}
	if !t.activated.CompareAndSwap(false, true) {
		return errors.New("transport: already active")
	}
	go t.receive(handler)
	return nil
}

func (t *QuicTransport) receive(handler TransportHandler) {
	for {
		frame, err := flow.ReadFrame(t.reader, flow.DefaultMaxFrameSize)
		if err != nil {
			if !t.deactivated.Load() {
				handler.OnTransportError(fmt.Errorf("%w: %w", ErrShutdown, err))
			}
			return
		}

		t.msink.IncrCounterWithLabels(MetricTransportInBytes, float32(len(frame)), t.labels)
		err = handler.OnTransportMessage(frame)
		if errors.Is(err, ErrProtocolViolation) {
			// A remote peer is not trusted to recover from its own
			// malformed frames.
			t.logger.Warn("resetting the stream of a misbehaving peer", LabelError.L(err))
			t.stream.CancelRead(QErrStreamProtocolViolation)
			t.stream.CancelWrite(QErrStreamProtocolViolation)
			if !t.deactivated.Load() {
				handler.OnTransportError(err)
			}
			return
		}
	}
}

func (t *QuicTransport) Transmit(frame []byte) error {
	if len(frame) > flow.DefaultMaxFrameSize {
		return ErrTooLargeFrame
	}
	if err := t.sender.Send(context.Background(), frame); err != nil {
		return fmt.Errorf("%w: %w", ErrStreamWrite, err)
	}
	t.msink.IncrCounterWithLabels(MetricTransportOutBytes, float32(len(frame)), t.labels)
	return nil
}

// Deactivate flushes the queued frames, then closes the stream and stops
// reading from it. The connection itself is closed once the peer hung
// up, or after a grace period.
func (t *QuicTransport) Deactivate() error {
	if !t.deactivated.CompareAndSwap(false, true) {
		return nil
	}

	t.logger.Debug("closing node link stream")
	go func() {
		t.sender.Close()
		t.stream.Close()
		t.stream.CancelRead(QErrStreamShutdown)
		select {
		case <-t.conn.Context().Done():
		case <-time.After(quicLingerTimeout):
		}
		QErrShutdown.Close(t.conn, "node link deactivated")
	}()
	return nil
}

// DialNodeLink connects `node` to the node listening at `addr`. The
// dialing node allocates the primary buffer and ends up on side A.
func DialNodeLink(ctx context.Context, node *Node, addr string, tlsConf *tls.Config) (*NodeLink, error) {
	tlsConf, err := nodeLinkTLSConfig(tlsConf)
	if err != nil {
		return nil, err
	}

	conn, err := quic.DialAddr(ctx, addr, tlsConf, quicConfig())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrHandshake, err)
	}

	link, err := dialHandshake(ctx, node, conn)
	if err != nil {
		QErrHandshake.Close(conn, err.Error())
		node.msink.IncrCounterWithLabels(
			MetricProtocolViolationCount,
			1.0,
			withLabels(node.config.metricLabels, LabelError.M("handshake"), LabelPeerAddr.M(addr)),
		)
		return nil, err
	}
	return link, nil
}

func dialHandshake(ctx context.Context, node *Node, conn quic.Connection) (*NodeLink, error) {
	ctx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()

	host, err := resolvePeerHost(node.config.hostResolver, conn)
	if err != nil {
		return nil, err
	}

	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrHandshake, err)
	}

	memory, primary, err := AllocateNodeLinkMemory(node)
	if err != nil {
		return nil, err
	}

	sender := flow.NewSender(stream, quicSendBufferSize)
	err = sender.Send(ctx, encodeMessage(&connectMsg{
		Name:    node.Name(),
		Version: protocolVersion,
		Primary: primary,
	}))
	if err != nil {
		sender.Close()
		memory.Close()
		return nil, fmt.Errorf("%w: %w", ErrHandshake, err)
	}

	reader := bufio.NewReader(stream)
	peer, err := readConnect(ctx, stream, reader)
	if err != nil {
		sender.Close()
		memory.Close()
		return nil, err
	}

	tr := newQuicTransport(node, host, conn, stream, reader, sender)
	link := newNodeLink(node, peer.Name, LinkSideA, memory, tr)
	if err := link.Activate(); err != nil {
		return nil, err
	}
	return link, nil
}

// readConnect waits for the peer's `Connect` message.
func readConnect(ctx context.Context, stream quic.Stream, reader *bufio.Reader) (*connectMsg, error) {
	if deadline, ok := ctx.Deadline(); ok {
		stream.SetReadDeadline(deadline)
		defer stream.SetReadDeadline(time.Time{})
	}

	frame, err := flow.ReadFrame(reader, flow.DefaultMaxFrameSize)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrHandshake, err)
	}

	msg, err := decodeMessage(frame)
	if err != nil {
		stream.CancelRead(QErrStreamProtocolViolation)
		stream.CancelWrite(QErrStreamProtocolViolation)
		return nil, fmt.Errorf("%w: %w", ErrHandshake, err)
	}

	connect, ok := msg.(*connectMsg)
	if !ok {
		stream.CancelRead(QErrStreamProtocolViolation)
		stream.CancelWrite(QErrStreamProtocolViolation)
		return nil, fmt.Errorf("%w: first message is %s", ErrHandshake, msg.msgType())
	}
	if connect.Version != protocolVersion {
		return nil, fmt.Errorf("%w: peer speaks version %d", ErrHandshake, connect.Version)
	}
	if !connect.Name.IsValid() {
		return nil, fmt.Errorf("%w: %w", ErrHandshake, ErrInvalidNodeName)
	}
	return connect, nil
}

// NodeLinkListener accepts node links dialed with `DialNodeLink`.
type NodeLinkListener struct {
	node   *Node
	ln     *quic.Listener
	logger *slog.Logger
}

// ListenNodeLinks listens for QUIC connections on `addr`, the `tlsConf`
// SHOULD require client certificates.
func ListenNodeLinks(node *Node, addr string, tlsConf *tls.Config) (*NodeLinkListener, error) {
	tlsConf, err := nodeLinkTLSConfig(tlsConf)
	if err != nil {
		return nil, err
	}

	ln, err := quic.ListenAddr(addr, tlsConf, quicConfig())
	if err != nil {
		return nil, fmt.Errorf("transport: failed to allocate QUIC listener: %w", err)
	}

	return &NodeLinkListener{
		node:   node,
		ln:     ln,
		logger: node.logger.With("listener", ln.Addr().String()),
	}, nil
}

func (l *NodeLinkListener) Addr() net.Addr {
	return l.ln.Addr()
}

// Accept returns the next node link which completed its handshake.
// Connections failing the handshake are closed and skipped.
func (l *NodeLinkListener) Accept(ctx context.Context) (*NodeLink, error) {
	for {
		conn, err := l.ln.Accept(ctx)
		if err != nil {
			return nil, err
		}

		link, err := l.acceptHandshake(ctx, conn)
		if err != nil {
			l.logger.Warn(
				"node link handshake failed",
				LabelPeerAddr.L(conn.RemoteAddr().String()),
				LabelError.L(err),
			)
			l.node.msink.IncrCounterWithLabels(
				MetricProtocolViolationCount,
				1.0,
				withLabels(
					l.node.config.metricLabels,
					LabelError.M("handshake"),
					LabelPeerAddr.M(conn.RemoteAddr().String()),
				),
			)
			QErrHandshake.Close(conn, err.Error())
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			continue
		}
		return link, nil
	}
}

func (l *NodeLinkListener) acceptHandshake(ctx context.Context, conn quic.Connection) (*NodeLink, error) {
	ctx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()

	host, err := resolvePeerHost(l.node.config.hostResolver, conn)
	if err != nil {
		return nil, err
	}

	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrHandshake, err)
	}

	reader := bufio.NewReader(stream)
	peer, err := readConnect(ctx, stream, reader)
	if err != nil {
		return nil, err
	}
	if !peer.Primary.IsValid() {
		return nil, fmt.Errorf("%w: dialer sent no primary buffer", ErrHandshake)
	}

	memory, err := AdoptNodeLinkMemory(l.node, peer.Primary)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrHandshake, err)
	}

	sender := flow.NewSender(stream, quicSendBufferSize)
	err = sender.Send(ctx, encodeMessage(&connectMsg{
		Name:    l.node.Name(),
		Version: protocolVersion,
	}))
	if err != nil {
		sender.Close()
		memory.Close()
		return nil, fmt.Errorf("%w: %w", ErrHandshake, err)
	}

	tr := newQuicTransport(l.node, host, conn, stream, reader, sender)
	link := newNodeLink(l.node, peer.Name, LinkSideB, memory, tr)
	if err := link.Activate(); err != nil {
		return nil, err
	}
	return link, nil
}

func (l *NodeLinkListener) Close() error {
	return l.ln.Close()
}
