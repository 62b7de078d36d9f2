package routelink

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/routelink/pkg/shm"
)

// Node is one participant of the routing layer, it owns the node links
// connecting it to its peers and the shared memory they allocate.
type Node struct {
	config config
	name   NodeName
	logger *slog.Logger
	msink  metrics.MetricSink

	lk       sync.Mutex
	links    map[*NodeLink]struct{}
	shutdown bool

	// in-flight asynchronous allocations.
	wg sync.WaitGroup
}

func NewNode(opts ...Option) (*Node, error) {
	n := &Node{
		links: make(map[*NodeLink]struct{}),
	}

	for _, opt := range opts {
		err := opt(&n.config)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
		}
	}

	if !n.config.name.IsValid() {
		n.config.name = NewNodeName()
	}
	n.name = n.config.name

	if n.config.logHandler != nil {
		n.logger = slog.New(n.config.logHandler)
	} else {
		n.logger = slog.Default()
	}
	n.logger = n.logger.With(LabelNodeName.L(n.name))

	if n.config.msink == nil {
		n.config.msink = metrics.Default()
	}
	n.msink = n.config.msink

	if n.config.driver == nil {
		n.config.driver = shm.DefaultDriver{}
	}
	if n.config.maxBlockCapacity == 0 {
		n.config.maxBlockCapacity = defaultMaxBlockCapacity
	}
	if n.config.deserializer == nil {
		n.config.deserializer = DeserializeEndpoint
	}
	if n.config.hostResolver == nil {
		n.config.hostResolver = CommonNameResolver
	}

	return n, nil
}

func (n *Node) Name() NodeName {
	return n.name
}

func (n *Node) Logger() *slog.Logger {
	return n.logger
}

func (n *Node) Driver() shm.Driver {
	return n.config.driver
}

// AllocateSharedMemory creates a region of `size` bytes in the
// background. `cb` runs exactly once, on another goroutine.
func (n *Node) AllocateSharedMemory(size uint64, cb func(*shm.Memory, error)) {
	n.lk.Lock()
	if n.shutdown {
		n.lk.Unlock()
		go cb(nil, ErrNodeClosed)
		return
	}
	n.wg.Add(1)
	n.lk.Unlock()

	go func() {
		defer n.wg.Done()
		mem, err := n.config.driver.CreateMemory(size)
		if err != nil {
			cb(nil, fmt.Errorf("%w: %w", ErrAllocationFailed, err))
			return
		}
		cb(mem, nil)
	}()
}

func (n *Node) addNodeLink(link *NodeLink) error {
	n.lk.Lock()
	defer n.lk.Unlock()
	if n.shutdown {
		return ErrNodeClosed
	}
	n.links[link] = struct{}{}
	n.msink.IncrCounterWithLabels(
		MetricNodeLinkEstCount,
		1.0,
		withLabels(n.config.metricLabels, LabelPeerName.M(link.RemoteNodeName().String())),
	)
	return nil
}

func (n *Node) removeNodeLink(link *NodeLink) {
	n.lk.Lock()
	defer n.lk.Unlock()
	delete(n.links, link)
}

// NodeLinks returns a snapshot of the active node links.
func (n *Node) NodeLinks() []*NodeLink {
	n.lk.Lock()
	defer n.lk.Unlock()
	links := make([]*NodeLink, 0, len(n.links))
	for link := range n.links {
		links = append(links, link)
	}
	return links
}

func (n *Node) deserializeRouter(nodeLink *NodeLink, desc RouterDescriptor) (Router, error) {
	return n.config.deserializer(nodeLink, desc)
}

// Shutdown deactivates every node link and waits for in-flight
// allocations to complete.
func (n *Node) Shutdown() error {
	n.lk.Lock()
	if n.shutdown {
		n.lk.Unlock()
		return nil
	}
	n.shutdown = true
	links := make([]*NodeLink, 0, len(n.links))
	for link := range n.links {
		links = append(links, link)
	}
	n.lk.Unlock()

	start := time.Now()
	n.logger.Info("shutting down...")

	for _, link := range links {
		link.Deactivate()
	}

	n.logger.Info("shutdown: wait for allocations to finish")
	n.wg.Wait()

	n.logger.Info("shutdown: completed", LabelDuration.L(time.Since(start)))
	return nil
}
