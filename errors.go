package routelink

import (
	"errors"
	"fmt"

	"github.com/quic-go/quic-go"
)

var (
	ErrInvalidCfg       = errors.New("node: invalid options")
	ErrInvalidNodeName  = errors.New("node: invalid node name")
	ErrNodeClosed       = errors.New("node: node was shut down")
	ErrAllocationFailed = errors.New("node: shared memory allocation failed")

	ErrMemoryLayout     = errors.New("memory: primary buffer has an unexpected layout")
	ErrNoBlockSize      = errors.New("memory: no allocator serves this size")
	ErrCapacityExceeded = errors.New("memory: block capacity limit reached")
	ErrMemoryClosed     = errors.New("memory: node link memory is closed")

	ErrUnknownSublink  = errors.New("link: unknown sublink")
	ErrSublinkConflict = errors.New("link: sublink already bound")
	ErrLinkDeactivated = errors.New("link: node link is deactivated")

	ErrEndpointClosed    = errors.New("route: endpoint closed or moved")
	ErrRouteClosed       = errors.New("route: the other end closed the route")
	ErrInvalidAttachment = errors.New("route: an endpoint cannot travel on its own route")

	ErrShutdown          = errors.New("transport: shutting down")
	ErrStreamWrite       = errors.New("transport: error writing to a stream")
	ErrProtocolViolation = errors.New("transport: protocol violation")
	ErrNoTLSConfig       = errors.New("transport: TlsConfig is required")
	ErrTooLargeFrame     = errors.New("transport: frame was too large could not send")
	ErrHandshake         = errors.New("transport: connect handshake failed")
	ErrHostnameResolve   = errors.New("transport: could not resolve the peer hostname")
)

var (
	QErrStreamProtocolViolation = quic.StreamErrorCode(0xFF)
	QErrStreamShutdown          = quic.StreamErrorCode(0x3)
)

var (
	QErrInternal = QuicApplicationError{
		Code:   0x1,
		Prefix: "internal",
	}
	QErrHandshake = QuicApplicationError{
		Code:   0x2,
		Prefix: "handshake",
	}
	QErrShutdown = QuicApplicationError{
		Code:   0x3,
		Prefix: "shutdown",
	}
)

type QuicApplicationError struct {
	Code   uint64
	Prefix string
}

func (qerr *QuicApplicationError) Close(conn quic.Connection, msg string) error {
	if conn != nil {
		return conn.CloseWithError(
			quic.ApplicationErrorCode(qerr.Code),
			fmt.Sprintf("%s: %s", qerr.Prefix, msg),
		)
	}
	return nil
}
