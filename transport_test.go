package routelink

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"log/slog"
	"math/big"
	"net"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/stretchr/testify/require"
)

func generateKeyPair(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate private key: %s", err)
		return nil
	}
	return key
}

func generateCa(t *testing.T, pkey *ecdsa.PrivateKey) []byte {
	t.Helper()
	notBefore := time.Now()
	notAfter := time.Now().Add(1 * time.Hour)

	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		t.Fatalf("failed to generate serialNumber: %s", err)
	}
	tmpl := x509.Certificate{
		Subject: pkix.Name{
			CommonName: "self-signed",
		},
		SerialNumber:          serialNumber,
		NotBefore:             notBefore,
		NotAfter:              notAfter,
		KeyUsage:              x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
		IPAddresses: []net.IP{
			{127, 0, 0, 1},
		},
		IsCA: true,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &pkey.PublicKey, pkey)
	if err != nil {
		t.Fatalf("failed to generate CA: %s", err)
		return nil
	}
	return certDER
}

func generateLeaf(t *testing.T, ca *x509.Certificate, caKP, leafKP *ecdsa.PrivateKey, cn string) []byte {
	t.Helper()
	notBefore := time.Now()
	notAfter := time.Now().Add(1 * time.Hour)

	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		t.Fatalf("failed to generate serialNumber: %s", err)
	}
	tmpl := x509.Certificate{
		Subject: pkix.Name{
			CommonName: cn,
		},
		SerialNumber: serialNumber,
		NotBefore:    notBefore,
		NotAfter:     notAfter,
		IPAddresses: []net.IP{
			{127, 0, 0, 1},
		},
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth},
		IsCA:                  false,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &tmpl, ca, &leafKP.PublicKey, caKP)
	if err != nil {
		t.Fatalf("failed to generate CA: %s", err)
		return nil
	}
	return certDER
}

// mutualTLS returns the configurations of two peers trusting the same CA.
func mutualTLS(t *testing.T) (*tls.Config, *tls.Config) {
	t.Helper()
	caKey := generateKeyPair(t)
	caDER := generateCa(t, caKey)
	ca, err := x509.ParseCertificate(caDER)
	require.NoError(t, err)

	caPool := x509.NewCertPool()
	caPool.AddCert(ca)

	leaf := func(cn string) *tls.Config {
		key := generateKeyPair(t)
		der := generateLeaf(t, ca, caKey, key, cn)
		cert, err := x509.ParseCertificate(der)
		require.NoError(t, err)
		return &tls.Config{
			Certificates: []tls.Certificate{
				{
					Certificate: [][]byte{der},
					Leaf:        cert,
					PrivateKey:  key,
				},
			},
			ClientAuth: tls.RequireAndVerifyClientCert,
			ClientCAs:  caPool,
			RootCAs:    caPool,
		}
	}
	return leaf("node1"), leaf("node2")
}

func testLogHandler(emitter string) slog.Handler {
	return slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level:     slog.LevelDebug,
		AddSource: true,
	}).WithAttrs([]slog.Attr{
		{Key: "emitter", Value: slog.StringValue(emitter)},
	})
}

func TestQuicNodeLink(t *testing.T) {
	tcN1, tcN2 := mutualTLS(t)

	node1Metrics := metrics.NewInmemSink(time.Second, 5*time.Minute)
	node1, err := NewNode(WithLog(testLogHandler("node1")), WithMetricSink(node1Metrics))
	require.NoError(t, err)
	node2, err := NewNode(WithLog(testLogHandler("node2")), WithMetricSink(&metrics.BlackholeSink{}))
	require.NoError(t, err)

	ln, err := ListenNodeLinks(node1, "127.0.0.1:0", tcN1)
	require.NoError(t, err)
	defer ln.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	accepted := make(chan *NodeLink, 1)
	go func() {
		link, err := ln.Accept(ctx)
		if err != nil {
			t.Logf("accept failed: %s", err)
			close(accepted)
			return
		}
		accepted <- link
	}()

	dialed, err := DialNodeLink(ctx, node2, ln.Addr().String(), tcN2)
	require.NoError(t, err)

	var listened *NodeLink
	select {
	case listened = <-accepted:
		require.NotNil(t, listened)
	case <-ctx.Done():
		t.Fatalf("timed out")
	}

	require.Equal(t, LinkSideA, dialed.LinkSide())
	require.Equal(t, LinkSideB, listened.LinkSide())
	require.Equal(t, node1.Name(), dialed.RemoteNodeName())
	require.Equal(t, node2.Name(), listened.RemoteNodeName())
	require.Equal(t, Hostname("node1"), dialed.transport.(*QuicTransport).PeerHost().Name.Value())
	require.Equal(t, Hostname("node2"), listened.transport.(*QuicTransport).PeerHost().Name.Value())

	ep1 := NewEndpoint(node1)
	ep2 := NewEndpoint(node2)
	link1, err := listened.ConnectInitialRouter(0, ep1)
	require.NoError(t, err)
	link2, err := dialed.ConnectInitialRouter(0, ep2)
	require.NoError(t, err)

	t.Run("parcels travel both ways", func(t *testing.T) {
		require.NoError(t, ep2.Put([]byte("hello")))
		require.NoError(t, ep1.Put([]byte("world")))

		p, err := ep1.Get(ctx)
		require.NoError(t, err)
		require.Equal(t, "hello", string(p.Data))

		p, err = ep2.Get(ctx)
		require.NoError(t, err)
		require.Equal(t, "world", string(p.Data))
	})

	t.Run("initial link state is shared", func(t *testing.T) {
		require.NotNil(t, link1.LinkState())
		require.NotNil(t, link2.LinkState())
		require.True(t, link2.TryLockForBypass(node1.Name()))
		require.True(t, link1.CanNodeRequestBypass(node1.Name()))
		require.False(t, link1.TryLockForClosure())
		link2.Unlock()
		require.True(t, link1.TryLockForClosure())
		link1.Unlock()
	})

	t.Run("closure crosses the link", func(t *testing.T) {
		require.NoError(t, ep2.Put([]byte("last")))
		require.NoError(t, ep2.Close())

		p, err := ep1.Get(ctx)
		require.NoError(t, err)
		require.Equal(t, "last", string(p.Data))

		_, err = ep1.Get(ctx)
		require.ErrorIs(t, err, ErrRouteClosed)
	})

	require.NoError(t, node2.Shutdown())
	require.Eventually(t, func() bool {
		return len(node1.NodeLinks()) == 0
	}, 10*time.Second, 50*time.Millisecond)
	require.NoError(t, node1.Shutdown())
}

func TestQuicNodeLink_RequiresTLS(t *testing.T) {
	node, err := NewNode(WithMetricSink(nil))
	require.NoError(t, err)

	_, err = ListenNodeLinks(node, "127.0.0.1:0", nil)
	require.ErrorIs(t, err, ErrNoTLSConfig)

	_, err = DialNodeLink(context.Background(), node, "127.0.0.1:1", nil)
	require.ErrorIs(t, err, ErrNoTLSConfig)
}

func TestQuicNodeLink_HostnameResolution(t *testing.T) {
	_, err, reason := CommonNameResolver(nil)
	require.ErrorIs(t, err, ErrHostnameResolve)
	require.NotEmpty(t, reason)

	tcN1, tcN2 := mutualTLS(t)
	node1, err := NewNode(WithMetricSink(nil))
	require.NoError(t, err)
	defer node1.Shutdown()
	node2, err := NewNode(
		WithMetricSink(nil),
		WithHostnameResolver(func([]*x509.Certificate) (Hostname, error, string) {
			return "", errors.New("nobody is welcome"), "go away"
		}),
	)
	require.NoError(t, err)
	defer node2.Shutdown()

	ln, err := ListenNodeLinks(node1, "127.0.0.1:0", tcN1)
	require.NoError(t, err)
	defer ln.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err = DialNodeLink(ctx, node2, ln.Addr().String(), tcN2)
	require.ErrorIs(t, err, ErrHandshake)
	require.Empty(t, node2.NodeLinks())

	_, err = NewNode(WithHostnameResolver(nil))
	require.ErrorIs(t, err, ErrInvalidCfg)
}

func TestPipeTransport(t *testing.T) {
	a, b := NewPipeTransports()
	ha := newRecordingHandler()
	hb := newRecordingHandler()
	require.NoError(t, a.Activate(ha))
	require.NoError(t, b.Activate(hb))

	require.NoError(t, a.Transmit([]byte("1")))
	require.NoError(t, a.Transmit([]byte("2")))
	require.Eventually(t, func() bool {
		return len(hb.received()) == 2
	}, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, []string{"1", "2"}, hb.received())

	require.NoError(t, a.Deactivate())
	require.ErrorIs(t, a.Transmit([]byte("3")), ErrShutdown)

	select {
	case err := <-hb.errs:
		require.ErrorIs(t, err, ErrShutdown)
	case <-time.After(2 * time.Second):
		t.Fatalf("peer was not notified")
	}

	select {
	case err := <-ha.errs:
		t.Fatalf("deactivated end was notified: %s", err)
	case <-time.After(100 * time.Millisecond):
	}
}

type recordingHandler struct {
	lk     sync.Mutex
	frames []string
	errs   chan error
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{errs: make(chan error, 1)}
}

func (h *recordingHandler) OnTransportMessage(frame []byte) error {
	h.lk.Lock()
	defer h.lk.Unlock()
	h.frames = append(h.frames, string(frame))
	return nil
}

func (h *recordingHandler) OnTransportError(err error) {
	h.errs <- err
}

func (h *recordingHandler) received() []string {
	h.lk.Lock()
	defer h.lk.Unlock()
	return append([]string(nil), h.frames...)
}
