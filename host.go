package routelink

import (
	"crypto/x509"
	"fmt"
	"log/slog"
	"net"
	"unique"

	"github.com/quic-go/quic-go"
)

type Hostname string

// Host is the authenticated identity of the peer of a QUIC node link.
type Host struct {
	Name unique.Handle[Hostname]
	Addr string
	Port int
}

// HostnameResolver can resolve an hostname from a list of
// `x509.Certificate`, those certificates are the one received from a
// remote peer.
//
// The contract of this function is:
//
// *Implementations* MUST NOT be blocking, since they are invoked on
// the node link handshake critical path.
//
// If the resolution is successful, *Implementations* MUST return an hostname
// and a nil error.
//
// Otherwise, *Implementations* MUST return a human-friendly error string
// as a third argument, which will be sent to the remote peer, so they can
// debug the error.
//
// If they return a non-nil error but an empty third string,
// a `QErrInternal` is returned to the peer instead.
type HostnameResolver func(certs []*x509.Certificate) (Hostname, error, string)

// CommonNameResolver is the default resolver used to resolve the hostname
// from the x509 Subject Common Name of the peer certificate.
func CommonNameResolver(certs []*x509.Certificate) (Hostname, error, string) {
	if len(certs) == 0 {
		return "", ErrHostnameResolve, "it seems like you haven't provided client certificate"
	}

	return Hostname(certs[0].Subject.CommonName), nil, ""
}

// resolvePeerHost closes `conn` if the peer cannot be identified.
func resolvePeerHost(resolver HostnameResolver, conn quic.Connection) (*Host, error) {
	name, err, reason := resolver(conn.ConnectionState().TLS.PeerCertificates)
	if err != nil {
		if reason == "" {
			QErrInternal.Close(conn, "could not resolve your hostname")
		} else {
			QErrHandshake.Close(conn, reason)
		}
		return nil, fmt.Errorf("%w: %w", ErrHandshake, err)
	}

	host := &Host{Name: unique.Make(name)}
	if addr, ok := conn.RemoteAddr().(*net.UDPAddr); ok {
		host.Addr = addr.IP.String()
		host.Port = addr.Port
	} else {
		host.Addr = conn.RemoteAddr().String()
	}
	return host, nil
}

func (host *Host) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("name", string(host.Name.Value())),
		slog.String("addr", host.Addr),
		slog.Int("port", host.Port),
	)
}
