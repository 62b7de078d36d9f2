package routelink

import (
	"errors"
	"log/slog"

	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/routelink/pkg/shm"
)

const defaultMaxBlockCapacity uint64 = 2 << 20

type config struct {
	name             NodeName
	logHandler       slog.Handler
	msink            metrics.MetricSink
	metricLabels     []metrics.Label
	driver           shm.Driver
	maxBlockCapacity uint64
	deserializer     RouterDeserializer
	hostResolver     HostnameResolver
}

// Option to pass to `NewNode`
type Option func(*config) error

// WithLog specifies which `slog.Handler` to use.
func WithLog(handler slog.Handler) Option {
	return func(c *config) error {
		c.logHandler = handler
		return nil
	}
}

// WithNodeName sets the identity advertised to peers during the connect
// handshake. A random name is used otherwise.
func WithNodeName(name NodeName) Option {
	return func(c *config) error {
		if !name.IsValid() {
			return ErrInvalidNodeName
		}
		c.name = name
		return nil
	}
}

// WithMetricSink allows you to chose how to collect the metrics emitted by
// your `Node`.
func WithMetricSink(ms metrics.MetricSink) Option {
	return func(c *config) error {
		if ms == nil {
			ms = &metrics.BlackholeSink{}
		}
		c.msink = ms
		return nil
	}
}

// WithMetricLabels adds static labels to all metrics produced by the Node.
func WithMetricLabels(labels []metrics.Label) Option {
	return func(c *config) error {
		c.metricLabels = labels
		return nil
	}
}

// WithMemoryDriver controls how shared memory regions are created and
// opened.
func WithMemoryDriver(driver shm.Driver) Option {
	return func(c *config) error {
		if driver == nil {
			return errors.New("memory driver must not be nil")
		}
		c.driver = driver
		return nil
	}
}

// WithMaxBlockCapacity caps, per block size, how many bytes of block
// buffers a node link may grow to.
func WithMaxBlockCapacity(bytes uint64) Option {
	return func(c *config) error {
		if bytes == 0 {
			bytes = defaultMaxBlockCapacity
		}
		c.maxBlockCapacity = bytes
		return nil
	}
}

// WithRouterDeserializer controls how routers received through an
// `AcceptParcel` message are materialized on this node.
func WithRouterDeserializer(deserializer RouterDeserializer) Option {
	return func(c *config) error {
		c.deserializer = deserializer
		return nil
	}
}

// WithHostnameResolver specifies how QUIC node links identify their peer
// from its certificates. Defaults to `CommonNameResolver`.
func WithHostnameResolver(resolver HostnameResolver) Option {
	return func(c *config) error {
		if resolver == nil {
			return errors.New("hostname resolver cannot be nil")
		}
		c.hostResolver = resolver
		return nil
	}
}
