package shm

import (
	"errors"
	"fmt"
	"math"
	"slices"
	"sync"
)

var ErrBufferExists = errors.New("shm: buffer already registered")

// BlockRegion describes a `BlockAllocator` embedded in a buffer.
type BlockRegion struct {
	Offset    uint32
	Size      uint32
	BlockSize uint32
}

// InitializeBlockRegion lays out a fresh allocator in `buf`.
func InitializeBlockRegion(buf []byte, region BlockRegion) error {
	if uint64(region.Offset)+uint64(region.Size) > uint64(len(buf)) {
		return fmt.Errorf("%w: region exceeds buffer", ErrInvalidBlockLayout)
	}
	a, err := NewBlockAllocator(buf[region.Offset:region.Offset+region.Size], region.BlockSize)
	if err != nil {
		return err
	}
	a.Initialize()
	return nil
}

type poolAllocator struct {
	*BlockAllocator
	bufferID BufferID
	offset   uint32
	size     uint32
}

func (a *poolAllocator) contains(f Fragment) bool {
	return f.BufferID() == a.bufferID &&
		f.Offset() >= a.offset &&
		uint64(f.Offset())+uint64(f.Size()) <= uint64(a.offset)+uint64(a.size)
}

// BufferPool tracks the shared buffers mapped by one end of a node link
// and sub-allocates blocks from them. It is safe for concurrent use.
type BufferPool struct {
	lk         sync.RWMutex
	mappings   map[BufferID]*Mapping
	allocators map[uint32][]*poolAllocator
	waiters    map[BufferID][]func()
}

func NewBufferPool() *BufferPool {
	return &BufferPool{
		mappings:   make(map[BufferID]*Mapping),
		allocators: make(map[uint32][]*poolAllocator),
		waiters:    make(map[BufferID][]func()),
	}
}

// AddBuffer registers a mapped buffer along with the block allocators it
// embeds. Allocator regions MUST already be initialized. The pool owns
// `mapping` once this returns successfully.
func (p *BufferPool) AddBuffer(id BufferID, mapping *Mapping, regions ...BlockRegion) error {
	if id == InvalidBufferID {
		return fmt.Errorf("%w: invalid buffer id", ErrInvalidBlockLayout)
	}

	buf := mapping.Bytes()
	allocs := make([]*poolAllocator, 0, len(regions))
	for _, region := range regions {
		if uint64(region.Offset)+uint64(region.Size) > uint64(len(buf)) {
			return fmt.Errorf("%w: region exceeds buffer %d", ErrInvalidBlockLayout, id)
		}
		a, err := NewBlockAllocator(buf[region.Offset:region.Offset+region.Size], region.BlockSize)
		if err != nil {
			return err
		}
		if err := a.Validate(); err != nil {
			return err
		}
		allocs = append(allocs, &poolAllocator{
			BlockAllocator: a,
			bufferID:       id,
			offset:         region.Offset,
			size:           region.Size,
		})
	}

	p.lk.Lock()
	if _, exists := p.mappings[id]; exists {
		p.lk.Unlock()
		return fmt.Errorf("%w: %d", ErrBufferExists, id)
	}
	p.mappings[id] = mapping
	for _, a := range allocs {
		p.allocators[a.blockSize] = append(p.allocators[a.blockSize], a)
	}
	waiters := p.waiters[id]
	delete(p.waiters, id)
	p.lk.Unlock()

	for _, cb := range waiters {
		cb()
	}
	return nil
}

// AddBlockBuffer registers a buffer entirely laid out as one allocator of
// `blockSize` blocks.
func (p *BufferPool) AddBlockBuffer(id BufferID, blockSize uint32, mapping *Mapping) error {
	size := uint64(mapping.Size())
	if size > math.MaxUint32 {
		size = math.MaxUint32
	}
	return p.AddBuffer(id, mapping, BlockRegion{
		Offset:    0,
		Size:      uint32(size),
		BlockSize: blockSize,
	})
}

func (p *BufferPool) HasBuffer(id BufferID) bool {
	p.lk.RLock()
	defer p.lk.RUnlock()
	_, ok := p.mappings[id]
	return ok
}

// GetFragment resolves `desc`. The result is null if `desc` is null or
// out of the bounds of its buffer, and pending if the buffer is unknown.
func (p *BufferPool) GetFragment(desc FragmentDescriptor) Fragment {
	if desc.IsNull() || desc.Size == 0 {
		return NullFragment()
	}

	p.lk.RLock()
	mapping, ok := p.mappings[desc.BufferID]
	p.lk.RUnlock()
	if !ok {
		return PendingFragment(desc)
	}

	buf := mapping.Bytes()
	if desc.End() > uint64(len(buf)) {
		return NullFragment()
	}
	return MappedFragment(desc, buf[desc.Offset:desc.End():desc.End()])
}

// IsBlock reports whether `desc` is exactly one block of an allocator of
// the pool. Headers, and memory outside of any allocator, are not blocks.
func (p *BufferPool) IsBlock(desc FragmentDescriptor) bool {
	if desc.IsNull() {
		return false
	}

	p.lk.RLock()
	allocs := p.allocators[desc.Size]
	p.lk.RUnlock()

	for _, a := range allocs {
		if a.bufferID != desc.BufferID || desc.Offset < a.offset {
			continue
		}
		rel := desc.Offset - a.offset
		if rel%a.blockSize != 0 {
			continue
		}
		if idx := rel / a.blockSize; idx >= 1 && idx < a.numBlocks {
			return true
		}
	}
	return false
}

// AllocateBlock allocates one block of exactly `blockSize` bytes, it
// returns a null fragment when no capacity is left.
func (p *BufferPool) AllocateBlock(blockSize uint32) Fragment {
	p.lk.RLock()
	allocs := p.allocators[blockSize]
	p.lk.RUnlock()

	for _, a := range allocs {
		off, ok := a.Allocate()
		if !ok {
			continue
		}
		desc := NewFragmentDescriptor(a.bufferID, a.offset+off, blockSize)
		return MappedFragment(desc, a.Block(off))
	}
	return NullFragment()
}

// FreeBlock returns a block previously obtained from `AllocateBlock`, by
// either end of the link.
func (p *BufferPool) FreeBlock(f Fragment) bool {
	if f.IsNull() {
		return false
	}

	p.lk.RLock()
	allocs := p.allocators[f.Size()]
	p.lk.RUnlock()

	for _, a := range allocs {
		if a.contains(f) {
			return a.Free(f.Offset() - a.offset)
		}
	}
	return false
}

// BlockSizes returns the sorted list of block sizes served by the pool.
func (p *BufferPool) BlockSizes() []uint32 {
	p.lk.RLock()
	sizes := make([]uint32, 0, len(p.allocators))
	for size := range p.allocators {
		sizes = append(sizes, size)
	}
	p.lk.RUnlock()
	slices.Sort(sizes)
	return sizes
}

// GetTotalBlockCapacity returns how many bytes of `blockSize` blocks the
// pool can hold, allocated or not.
func (p *BufferPool) GetTotalBlockCapacity(blockSize uint32) uint64 {
	p.lk.RLock()
	defer p.lk.RUnlock()
	var total uint64
	for _, a := range p.allocators[blockSize] {
		total += uint64(a.Capacity()) * uint64(blockSize)
	}
	return total
}

// WaitForBufferAsync runs `cb` once buffer `id` is registered. It runs
// synchronously if the buffer is already known.
func (p *BufferPool) WaitForBufferAsync(id BufferID, cb func()) {
	p.lk.Lock()
	if _, ok := p.mappings[id]; ok {
		p.lk.Unlock()
		cb()
		return
	}
	p.waiters[id] = append(p.waiters[id], cb)
	p.lk.Unlock()
}

// Close unmaps every buffer. Waiters are dropped.
func (p *BufferPool) Close() error {
	p.lk.Lock()
	mappings := p.mappings
	p.mappings = make(map[BufferID]*Mapping)
	p.allocators = make(map[uint32][]*poolAllocator)
	p.waiters = make(map[BufferID][]func())
	p.lk.Unlock()

	var errs []error
	for _, m := range mappings {
		errs = append(errs, m.Unmap())
	}
	return errors.Join(errs...)
}
