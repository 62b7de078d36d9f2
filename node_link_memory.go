package routelink

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/bits"
	"strconv"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/routelink/pkg/shm"
)

const (
	// MaxInitialPortals is how many routers a node link can connect
	// without allocating anything, their link states live at fixed
	// locations of the primary buffer.
	MaxInitialPortals = 12

	primaryBufferID      shm.BufferID = 0
	primaryBufferSize                 = 64 << 10
	primaryHeaderMagic   uint32       = 0x6b6e6c72
	primaryHeaderVersion uint32       = 1

	initialLinkStatesOffset = 64

	// Smallest fragment handed out by `AllocateFragment`.
	minFragmentSize = 64

	// Block buffers allocated on capacity requests are at least this big.
	blockBufferMinSize = 64 << 10
)

// Block allocators carved out of the primary buffer.
var primaryBlockRegions = []shm.BlockRegion{
	{Offset: 4096, Size: 4096, BlockSize: 64},
	{Offset: 8192, Size: 8192, BlockSize: 256},
	{Offset: 16384, Size: 8192, BlockSize: 512},
	{Offset: 24576, Size: 16384, BlockSize: 1024},
	{Offset: 40960, Size: 16384, BlockSize: 2048},
}

// primaryHeader sits at the start of the primary buffer. Both ends of the
// node link advance the id counters, so ids never collide.
type primaryHeader struct {
	magic         uint32
	version       uint32
	_             uint64
	nextBufferID  atomic.Uint64
	nextSublinkID atomic.Uint64
}

var _ = [1]struct{}{}[unsafe.Sizeof(primaryHeader{})-32]

// NodeLinkMemory owns the shared memory pool of one end of a node link.
//
// The underlying `shm.BufferPool` is safe for concurrent use on its own,
// `lk` only guards the node link back-reference and the capacity requests
// in flight.
type NodeLinkMemory struct {
	node   *Node
	logger *slog.Logger
	msink  metrics.MetricSink
	labels []metrics.Label

	pool    *shm.BufferPool
	primary *shm.Mapping
	header  *primaryHeader

	lk                sync.Mutex
	nodeLink          *NodeLink
	memories          []*shm.Memory
	capacityCallbacks map[uint32][]func(bool)
	closed            bool
}

func newNodeLinkMemory(node *Node) *NodeLinkMemory {
	return &NodeLinkMemory{
		node:              node,
		logger:            node.logger,
		msink:             node.msink,
		labels:            node.config.metricLabels,
		pool:              shm.NewBufferPool(),
		capacityCallbacks: make(map[uint32][]func(bool)),
	}
}

// AllocateNodeLinkMemory creates and initializes a brand new primary
// buffer. The returned handle is meant for the peer's
// `AdoptNodeLinkMemory`.
func AllocateNodeLinkMemory(node *Node) (*NodeLinkMemory, shm.Handle, error) {
	mem, err := node.config.driver.CreateMemory(primaryBufferSize)
	if err != nil {
		return nil, shm.Handle{}, fmt.Errorf("%w: %w", ErrAllocationFailed, err)
	}

	mapping, err := mem.Map()
	if err != nil {
		mem.Close()
		return nil, shm.Handle{}, fmt.Errorf("%w: %w", ErrAllocationFailed, err)
	}

	buf := mapping.Bytes()
	hdr := (*primaryHeader)(unsafe.Pointer(&buf[0]))
	hdr.magic = primaryHeaderMagic
	hdr.version = primaryHeaderVersion
	hdr.nextBufferID.Store(uint64(primaryBufferID) + 1)
	hdr.nextSublinkID.Store(MaxInitialPortals)

	for i := range MaxInitialPortals {
		InitializeRouterLinkState(initialLinkStateFragment(buf, i))
	}

	for _, region := range primaryBlockRegions {
		if err := shm.InitializeBlockRegion(buf, region); err != nil {
			mapping.Unmap()
			mem.Close()
			return nil, shm.Handle{}, fmt.Errorf("%w: %w", ErrMemoryLayout, err)
		}
	}

	m, err := newPrimaryNodeLinkMemory(node, mem, mapping)
	if err != nil {
		return nil, shm.Handle{}, err
	}
	return m, mem.Handle(), nil
}

// AdoptNodeLinkMemory maps a primary buffer initialized by the peer's
// `AllocateNodeLinkMemory`.
func AdoptNodeLinkMemory(node *Node, primary shm.Handle) (*NodeLinkMemory, error) {
	if primary.Size < primaryBufferSize {
		return nil, fmt.Errorf("%w: primary buffer is %d bytes", ErrMemoryLayout, primary.Size)
	}

	mem, err := node.config.driver.OpenMemory(primary)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAllocationFailed, err)
	}

	mapping, err := mem.Map()
	if err != nil {
		mem.Close()
		return nil, fmt.Errorf("%w: %w", ErrAllocationFailed, err)
	}

	hdr := (*primaryHeader)(unsafe.Pointer(&mapping.Bytes()[0]))
	if hdr.magic != primaryHeaderMagic || hdr.version != primaryHeaderVersion {
		mapping.Unmap()
		mem.Close()
		return nil, fmt.Errorf("%w: bad magic or version", ErrMemoryLayout)
	}

	return newPrimaryNodeLinkMemory(node, mem, mapping)
}

func newPrimaryNodeLinkMemory(node *Node, mem *shm.Memory, mapping *shm.Mapping) (*NodeLinkMemory, error) {
	m := newNodeLinkMemory(node)
	if err := m.pool.AddBuffer(primaryBufferID, mapping, primaryBlockRegions...); err != nil {
		mapping.Unmap()
		mem.Close()
		return nil, fmt.Errorf("%w: %w", ErrMemoryLayout, err)
	}
	m.primary = mapping
	m.header = (*primaryHeader)(unsafe.Pointer(&mapping.Bytes()[0]))
	m.memories = append(m.memories, mem)
	return m, nil
}

func initialLinkStateFragment(primary []byte, i int) shm.Fragment {
	offset := uint32(initialLinkStatesOffset + i*RouterLinkStateSize)
	desc := shm.NewFragmentDescriptor(primaryBufferID, offset, RouterLinkStateSize)
	return shm.MappedFragment(desc, primary[offset:offset+RouterLinkStateSize:offset+RouterLinkStateSize])
}

// SetNodeLink binds the node link used to share new buffers with the
// peer. It MUST be called before capacity can be expanded.
func (m *NodeLinkMemory) SetNodeLink(link *NodeLink) {
	m.lk.Lock()
	defer m.lk.Unlock()
	m.nodeLink = link
}

func (m *NodeLinkMemory) getNodeLink() *NodeLink {
	m.lk.Lock()
	defer m.lk.Unlock()
	return m.nodeLink
}

// AllocateNewBufferId returns an id neither end of the link ever used.
func (m *NodeLinkMemory) AllocateNewBufferId() shm.BufferID {
	return shm.BufferID(m.header.nextBufferID.Add(1) - 1)
}

// AllocateSublinkIds reserves `count` contiguous sublinks and returns the
// first one.
func (m *NodeLinkMemory) AllocateSublinkIds(count uint64) SublinkID {
	return SublinkID(m.header.nextSublinkID.Add(count) - count)
}

// GetInitialRouterLinkState returns an unmanaged reference to the i-th
// preallocated link state, which is null if `i` is out of range.
func (m *NodeLinkMemory) GetInitialRouterLinkState(i int) shm.FragmentRef[RouterLinkState] {
	if i < 0 || i >= MaxInitialPortals {
		return shm.FragmentRef[RouterLinkState]{}
	}
	return shm.UnmanagedFragmentRef[RouterLinkState](initialLinkStateFragment(m.primary.Bytes(), i))
}

// GetFragment resolves `desc` against the buffers known to this end.
func (m *NodeLinkMemory) GetFragment(desc shm.FragmentDescriptor) shm.Fragment {
	return m.pool.GetFragment(desc)
}

// AdoptFragmentRef takes over a reference on a link state which was
// handed over by the peer. The reference is null unless `fragment` is a
// link state sized block of an allocator, or a pending fragment which
// could turn out to be one.
func (m *NodeLinkMemory) AdoptFragmentRef(fragment shm.Fragment) shm.FragmentRef[RouterLinkState] {
	if fragment.IsNull() || fragment.Size() != RouterLinkStateSize {
		return shm.FragmentRef[RouterLinkState]{}
	}
	if fragment.IsAddressable() && !m.pool.IsBlock(fragment.Descriptor()) {
		return shm.FragmentRef[RouterLinkState]{}
	}
	return shm.AdoptFragmentRefIfValid[RouterLinkState](m, fragment)
}

// AddBlockBuffer registers a buffer laid out as a single allocator of
// `blockSize` blocks. `memory` may be nil when the caller keeps the region
// alive by other means, otherwise it is closed along with this object.
func (m *NodeLinkMemory) AddBlockBuffer(id shm.BufferID, blockSize uint32, memory *shm.Memory, mapping *shm.Mapping) bool {
	m.lk.Lock()
	if m.closed {
		m.lk.Unlock()
		return false
	}
	m.lk.Unlock()

	logger := m.logger.With(LabelBufferID.L(id), LabelBlockSize.L(blockSize))
	if err := m.pool.AddBlockBuffer(id, blockSize, mapping); err != nil {
		logger.Warn("could not add block buffer", LabelError.L(err))
		return false
	}

	if memory != nil {
		m.lk.Lock()
		m.memories = append(m.memories, memory)
		m.lk.Unlock()
	}

	blockLabel := LabelBlockSize.M(strconv.FormatUint(uint64(blockSize), 10))
	m.msink.IncrCounterWithLabels(MetricBlockBufferAddedCount, 1.0, withLabels(m.labels, blockLabel))
	m.msink.SetGaugeWithLabels(
		MetricBlockCapacityBytes,
		float32(m.pool.GetTotalBlockCapacity(blockSize)),
		withLabels(m.labels, blockLabel),
	)
	logger.Debug("added block buffer")
	return true
}

// AllocateFragment allocates at least `size` bytes. It returns a null
// fragment when no capacity is available.
func (m *NodeLinkMemory) AllocateFragment(size uint32) shm.Fragment {
	if size == 0 || size > 1<<31 {
		return shm.NullFragment()
	}

	blockSize := fragmentBlockSize(size)
	fragment := m.pool.AllocateBlock(blockSize)
	blockLabel := LabelBlockSize.M(strconv.FormatUint(uint64(blockSize), 10))
	if fragment.IsNull() {
		m.msink.IncrCounterWithLabels(MetricFragmentAllocErrorCount, 1.0, withLabels(m.labels, blockLabel))
		return fragment
	}
	m.msink.IncrCounterWithLabels(MetricFragmentAllocCount, 1.0, withLabels(m.labels, blockLabel))
	return fragment
}

// FreeFragment returns a fragment allocated by either end of the link.
func (m *NodeLinkMemory) FreeFragment(fragment shm.Fragment) bool {
	if !m.pool.FreeBlock(fragment) {
		return false
	}
	m.msink.IncrCounterWithLabels(MetricFragmentFreeCount, 1.0, m.labels)
	return true
}

var _ shm.FragmentReleaser = (*NodeLinkMemory)(nil)

func fragmentBlockSize(size uint32) uint32 {
	if size <= minFragmentSize {
		return minFragmentSize
	}
	return 1 << bits.Len32(size-1)
}

// TryAllocateRouterLinkState allocates and constructs a fresh link state
// if capacity is immediately available, the reference is null otherwise.
func (m *NodeLinkMemory) TryAllocateRouterLinkState() shm.FragmentRef[RouterLinkState] {
	fragment := m.AllocateFragment(RouterLinkStateSize)
	if fragment.IsNull() {
		return shm.FragmentRef[RouterLinkState]{}
	}
	InitializeRouterLinkState(fragment)
	m.msink.IncrCounterWithLabels(MetricLinkStateAllocCount, 1.0, m.labels)
	return shm.AdoptFragmentRef[RouterLinkState](m, fragment)
}

// AllocateRouterLinkState allocates a link state, expanding capacity if
// needed. `cb` may run synchronously, it receives a null reference only
// if capacity could not be expanded.
func (m *NodeLinkMemory) AllocateRouterLinkState(cb func(shm.FragmentRef[RouterLinkState])) {
	state := m.TryAllocateRouterLinkState()
	if !state.IsNull() {
		cb(state)
		return
	}

	m.RequestBlockCapacity(RouterLinkStateSize, func(ok bool) {
		if !ok {
			m.logger.Error("could not expand capacity for a router link state")
			cb(shm.FragmentRef[RouterLinkState]{})
			return
		}
		m.AllocateRouterLinkState(cb)
	})
}

func (m *NodeLinkMemory) CanExpandBlockCapacity(blockSize uint32) bool {
	return m.checkBlockCapacity(blockSize) == nil
}

func (m *NodeLinkMemory) checkBlockCapacity(blockSize uint32) error {
	m.lk.Lock()
	closed := m.closed
	m.lk.Unlock()

	switch {
	case closed:
		return ErrMemoryClosed
	case blockSize < shm.MinBlockSize || blockBufferSize(blockSize) > math.MaxUint32:
		return fmt.Errorf("%w: %d", ErrNoBlockSize, blockSize)
	case m.pool.GetTotalBlockCapacity(blockSize) >= m.node.config.maxBlockCapacity:
		return fmt.Errorf("%w: %d", ErrCapacityExceeded, blockSize)
	}
	return nil
}

// blockBufferSize is the size of the buffers allocated to expand the
// capacity of `blockSize` blocks.
func blockBufferSize(blockSize uint32) uint64 {
	return max(blockBufferMinSize, 16*uint64(blockSize))
}

// RequestBlockCapacity allocates a new block buffer for `blockSize` and
// shares it with the peer. Requests for a block size which is already
// being expanded are coalesced. `cb` runs on another goroutine.
func (m *NodeLinkMemory) RequestBlockCapacity(blockSize uint32, cb func(bool)) {
	blockSize = fragmentBlockSize(blockSize)
	if err := m.checkBlockCapacity(blockSize); err != nil {
		m.logger.Debug("rejected a capacity request", LabelBlockSize.L(blockSize), LabelError.L(err))
		m.msink.IncrCounterWithLabels(
			MetricCapacityRequestErrorCount,
			1.0,
			withLabels(m.labels, LabelError.M("capacity_limit")),
		)
		go cb(false)
		return
	}

	m.lk.Lock()
	if callbacks, inFlight := m.capacityCallbacks[blockSize]; inFlight {
		m.capacityCallbacks[blockSize] = append(callbacks, cb)
		m.lk.Unlock()
		return
	}
	m.capacityCallbacks[blockSize] = []func(bool){cb}
	m.lk.Unlock()

	m.msink.IncrCounterWithLabels(
		MetricCapacityRequestCount,
		1.0,
		withLabels(m.labels, LabelBlockSize.M(strconv.FormatUint(uint64(blockSize), 10))),
	)

	m.node.AllocateSharedMemory(blockBufferSize(blockSize), func(mem *shm.Memory, err error) {
		ok := true
		if err == nil {
			err = m.addNewBlockBuffer(blockSize, mem)
		}
		if err != nil {
			ok = false
			m.logger.Error(
				"failed to expand block capacity",
				LabelBlockSize.L(blockSize),
				LabelError.L(err),
			)
			m.msink.IncrCounterWithLabels(
				MetricCapacityRequestErrorCount,
				1.0,
				withLabels(m.labels, LabelError.M("allocation")),
			)
		}

		m.lk.Lock()
		callbacks := m.capacityCallbacks[blockSize]
		delete(m.capacityCallbacks, blockSize)
		m.lk.Unlock()

		for _, cb := range callbacks {
			cb(ok)
		}
	})
}

func (m *NodeLinkMemory) addNewBlockBuffer(blockSize uint32, mem *shm.Memory) error {
	mapping, err := mem.Map()
	if err != nil {
		mem.Close()
		return err
	}

	if err := shm.InitializeBlockRegion(mapping.Bytes(), shm.BlockRegion{
		Size:      uint32(mapping.Size()),
		BlockSize: blockSize,
	}); err != nil {
		mapping.Unmap()
		mem.Close()
		return err
	}

	id := m.AllocateNewBufferId()
	if !m.AddBlockBuffer(id, blockSize, mem, mapping) {
		mapping.Unmap()
		mem.Close()
		return fmt.Errorf("%w: buffer %d", ErrMemoryClosed, id)
	}

	if link := m.getNodeLink(); link != nil {
		err := link.Transmit(&addBlockBufferMsg{
			BufferID:  id,
			BlockSize: blockSize,
			Memory:    mem.Handle(),
		})
		if err != nil {
			// The buffer is still usable locally, the peer will simply
			// see pending fragments for it.
			m.logger.Warn("could not share block buffer", LabelBufferID.L(id), LabelError.L(err))
		}
	}
	return nil
}

// WaitForBufferAsync runs `cb` once buffer `id` is known to this end, or
// right away if it already is.
func (m *NodeLinkMemory) WaitForBufferAsync(id shm.BufferID, cb func()) {
	m.pool.WaitForBufferAsync(id, cb)
}

// Close unmaps every buffer and releases the regions this end owns.
func (m *NodeLinkMemory) Close() error {
	m.lk.Lock()
	if m.closed {
		m.lk.Unlock()
		return nil
	}
	m.closed = true
	m.nodeLink = nil
	memories := m.memories
	m.memories = nil
	m.lk.Unlock()

	errs := []error{m.pool.Close()}
	for _, mem := range memories {
		errs = append(errs, mem.Close())
	}
	return errors.Join(errs...)
}
