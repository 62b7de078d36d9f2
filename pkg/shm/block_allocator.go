package shm

import (
	"errors"
	"fmt"
	"sync/atomic"
	"unsafe"
)

var ErrInvalidBlockLayout = errors.New("shm: invalid block allocator layout")

// MinBlockSize is the smallest block a `BlockAllocator` can manage, the
// first block of a region stores the allocator header.
const MinBlockSize = 32

// blockAllocatorHeader lives in the first block of the managed region.
type blockAllocatorHeader struct {
	// low 32 bits: index of the first free block, 0 when exhausted.
	// high 32 bits: tag bumped on every update to defeat ABA.
	freeHead  atomic.Uint64
	blockSize uint32
	numBlocks uint32
	allocated atomic.Int32
	_         uint32
}

// BlockAllocator hands out fixed-size blocks from a region of shared
// memory. Its whole state lives in the region, so allocators built over
// the same memory in different processes cooperate without locks.
type BlockAllocator struct {
	region    []byte
	blockSize uint32
	numBlocks uint32
}

// NewBlockAllocator creates a view over `region`. The region MUST either
// be `Initialize`d by the caller or have been initialized by a peer.
func NewBlockAllocator(region []byte, blockSize uint32) (*BlockAllocator, error) {
	if blockSize < MinBlockSize || blockSize&(blockSize-1) != 0 {
		return nil, fmt.Errorf("%w: block size %d", ErrInvalidBlockLayout, blockSize)
	}
	numBlocks := uint64(len(region)) / uint64(blockSize)
	if numBlocks < 2 || numBlocks > 1<<31 {
		return nil, fmt.Errorf("%w: %d bytes cannot hold %d-byte blocks", ErrInvalidBlockLayout, len(region), blockSize)
	}
	if uintptr(unsafe.Pointer(&region[0]))%8 != 0 {
		return nil, fmt.Errorf("%w: region is misaligned", ErrInvalidBlockLayout)
	}
	return &BlockAllocator{
		region:    region[:numBlocks*uint64(blockSize)],
		blockSize: blockSize,
		numBlocks: uint32(numBlocks),
	}, nil
}

// Initialize lays out the free-list. It MUST be called exactly once, by
// the process which created the region, before the region is shared.
func (a *BlockAllocator) Initialize() {
	hdr := a.header()
	hdr.blockSize = a.blockSize
	hdr.numBlocks = a.numBlocks
	hdr.allocated.Store(0)
	for i := uint32(1); i < a.numBlocks; i++ {
		next := i + 1
		if next == a.numBlocks {
			next = 0
		}
		a.next(i).Store(next)
	}
	hdr.freeHead.Store(1)
}

// Validate checks the region was laid out for this allocator geometry.
func (a *BlockAllocator) Validate() error {
	hdr := a.header()
	if hdr.blockSize != a.blockSize || hdr.numBlocks != a.numBlocks {
		return fmt.Errorf(
			"%w: header describes %d blocks of %d bytes",
			ErrInvalidBlockLayout, hdr.numBlocks, hdr.blockSize,
		)
	}
	return nil
}

func (a *BlockAllocator) BlockSize() uint32 {
	return a.blockSize
}

// Capacity is the number of allocatable blocks.
func (a *BlockAllocator) Capacity() uint32 {
	return a.numBlocks - 1
}

// Allocated is the number of live blocks, across all processes.
func (a *BlockAllocator) Allocated() int32 {
	return a.header().allocated.Load()
}

// Allocate returns the offset of a free block within the region.
func (a *BlockAllocator) Allocate() (uint32, bool) {
	hdr := a.header()
	for {
		head := hdr.freeHead.Load()
		idx := uint32(head)
		if idx == 0 || idx >= a.numBlocks {
			return 0, false
		}
		next := a.next(idx).Load()
		tag := head>>32 + 1
		if hdr.freeHead.CompareAndSwap(head, tag<<32|uint64(next)) {
			hdr.allocated.Add(1)
			return idx * a.blockSize, true
		}
	}
}

// Free returns the block at `offset` to the free-list.
func (a *BlockAllocator) Free(offset uint32) bool {
	if offset%a.blockSize != 0 {
		return false
	}
	idx := offset / a.blockSize
	if idx == 0 || idx >= a.numBlocks {
		return false
	}

	hdr := a.header()
	for {
		head := hdr.freeHead.Load()
		a.next(idx).Store(uint32(head))
		tag := head>>32 + 1
		if hdr.freeHead.CompareAndSwap(head, tag<<32|uint64(idx)) {
			hdr.allocated.Add(-1)
			return true
		}
	}
}

// Block returns the memory of the block at `offset`.
func (a *BlockAllocator) Block(offset uint32) []byte {
	return a.region[offset : offset+a.blockSize : offset+a.blockSize]
}

func (a *BlockAllocator) header() *blockAllocatorHeader {
	return (*blockAllocatorHeader)(unsafe.Pointer(&a.region[0]))
}

func (a *BlockAllocator) next(idx uint32) *atomic.Uint32 {
	return (*atomic.Uint32)(unsafe.Pointer(&a.region[idx*a.blockSize]))
}
