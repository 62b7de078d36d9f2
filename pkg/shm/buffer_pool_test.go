package shm

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func newBlockMapping(t *testing.T, size uint64, blockSize uint32) *Mapping {
	t.Helper()
	mem, err := CreateMemory(size)
	require.NoError(t, err)
	t.Cleanup(func() { mem.Close() })

	mapping, err := mem.Map()
	require.NoError(t, err)
	require.NoError(t, InitializeBlockRegion(mapping.Bytes(), BlockRegion{
		Size:      uint32(size),
		BlockSize: blockSize,
	}))
	return mapping
}

func TestBufferPool_GetFragment(t *testing.T) {
	pool := NewBufferPool()
	defer pool.Close()

	require.True(t, pool.GetFragment(NullDescriptor).IsNull())

	desc := NewFragmentDescriptor(7, 64, 64)
	pending := pool.GetFragment(desc)
	require.True(t, pending.IsPending())
	require.Equal(t, desc, pending.Descriptor())

	require.NoError(t, pool.AddBlockBuffer(7, 64, newBlockMapping(t, 4096, 64)))

	resolved := pool.GetFragment(desc)
	require.True(t, resolved.IsAddressable())
	require.Len(t, resolved.Bytes(), 64)

	outOfBounds := pool.GetFragment(NewFragmentDescriptor(7, 4090, 64))
	require.True(t, outOfBounds.IsNull())
}

func TestBufferPool_AllocateAndFree(t *testing.T) {
	pool := NewBufferPool()
	defer pool.Close()
	require.NoError(t, pool.AddBlockBuffer(1, 256, newBlockMapping(t, 4096, 256)))

	require.True(t, pool.AllocateBlock(64).IsNull(), "no 64-byte allocator registered")

	var blocks []Fragment
	for {
		f := pool.AllocateBlock(256)
		if f.IsNull() {
			break
		}
		blocks = append(blocks, f)
	}
	require.Len(t, blocks, 15)
	require.Equal(t, uint64(15*256), pool.GetTotalBlockCapacity(256))

	require.True(t, pool.FreeBlock(blocks[3]))
	again := pool.AllocateBlock(256)
	require.Equal(t, blocks[3].Descriptor(), again.Descriptor())

	require.Error(t, pool.AddBlockBuffer(1, 256, newBlockMapping(t, 4096, 256)))
	require.Equal(t, []uint32{256}, pool.BlockSizes())
}

func TestBufferPool_WaitForBufferAsync(t *testing.T) {
	pool := NewBufferPool()
	defer pool.Close()

	calls := 0
	pool.WaitForBufferAsync(3, func() { calls++ })
	pool.WaitForBufferAsync(3, func() { calls++ })
	require.Equal(t, 0, calls)

	require.NoError(t, pool.AddBlockBuffer(3, 64, newBlockMapping(t, 4096, 64)))
	require.Equal(t, 2, calls)

	pool.WaitForBufferAsync(3, func() { calls++ })
	require.Equal(t, 3, calls, "known buffers run the callback synchronously")
}

type countingReleaser struct {
	freed []Fragment
}

func (r *countingReleaser) FreeFragment(f Fragment) bool {
	r.freed = append(r.freed, f)
	return true
}

type refCountedThing struct {
	RefCountedFragment
	value uint32
}

func TestFragmentRef_Lifecycle(t *testing.T) {
	pool := NewBufferPool()
	defer pool.Close()
	require.NoError(t, pool.AddBlockBuffer(0, 64, newBlockMapping(t, 4096, 64)))

	f := pool.AllocateBlock(64)
	(*refCountedThing)(f.Pointer()).InitializeRefs()

	releaser := &countingReleaser{}
	first := AdoptFragmentRef[refCountedThing](releaser, f)
	require.Equal(t, int32(1), first.Get().RefCount())

	second := first.Clone()
	require.Equal(t, int32(2), first.Get().RefCount())

	first.Release()
	require.True(t, first.IsNull())
	require.Empty(t, releaser.freed)

	second.Release()
	require.Len(t, releaser.freed, 1)
	require.Equal(t, f.Descriptor(), releaser.freed[0].Descriptor())
}

func TestFragmentRef_PendingAndUnmanaged(t *testing.T) {
	var null FragmentRef[refCountedThing]
	require.True(t, null.IsNull())
	require.Nil(t, null.Get())

	desc := NewFragmentDescriptor(9, 0, 64)
	pending := AdoptFragmentRef[refCountedThing](&countingReleaser{}, PendingFragment(desc))
	require.True(t, pending.IsPending())
	require.Nil(t, pending.Get())
	require.Equal(t, desc, pending.ReleaseToDescriptor())
	require.True(t, pending.IsNull())

	require.Panics(t, func() {
		NewFragmentRef[refCountedThing](nil, PendingFragment(desc))
	})

	buf := alignedBuffer(t, 64)
	unmanaged := UnmanagedFragmentRef[refCountedThing](MappedFragment(NewFragmentDescriptor(0, 0, 64), buf))
	unmanaged.Get().value = 42
	clone := unmanaged.Clone()
	clone.Release()
	require.Equal(t, uint32(42), unmanaged.Get().value)
	require.Equal(t, int32(0), unmanaged.Get().RefCount(), "unmanaged refs never touch the count")
}

func TestBufferPool_IsBlock(t *testing.T) {
	pool := NewBufferPool()
	defer pool.Close()
	require.NoError(t, pool.AddBlockBuffer(3, 64, newBlockMapping(t, 4096, 64)))

	tests := []struct {
		name string
		desc FragmentDescriptor
		want bool
	}{
		{"first block", NewFragmentDescriptor(3, 64, 64), true},
		{"last block", NewFragmentDescriptor(3, 4096-64, 64), true},
		{"allocator header", NewFragmentDescriptor(3, 0, 64), false},
		{"between blocks", NewFragmentDescriptor(3, 96, 64), false},
		{"wrong block size", NewFragmentDescriptor(3, 128, 128), false},
		{"past the allocator", NewFragmentDescriptor(3, 4096, 64), false},
		{"unknown buffer", NewFragmentDescriptor(4, 64, 64), false},
		{"null", NullDescriptor, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, pool.IsBlock(tt.desc))
		})
	}

	allocated := pool.AllocateBlock(64)
	require.True(t, pool.IsBlock(allocated.Descriptor()))
}

func TestFragmentRef_AdoptIfValid(t *testing.T) {
	pool := NewBufferPool()
	defer pool.Close()
	require.NoError(t, pool.AddBlockBuffer(0, 64, newBlockMapping(t, 4096, 64)))
	releaser := &countingReleaser{}

	misaligned := pool.GetFragment(NewFragmentDescriptor(0, 65, 64))
	require.True(t, misaligned.IsAddressable())
	require.False(t, FragmentFits[refCountedThing](misaligned))
	require.True(t, AdoptFragmentRefIfValid[refCountedThing](releaser, misaligned).IsNull())
	require.Panics(t, func() { AdoptFragmentRef[refCountedThing](releaser, misaligned) })

	tooSmall := pool.GetFragment(NewFragmentDescriptor(0, 64, 4))
	require.True(t, AdoptFragmentRefIfValid[refCountedThing](releaser, tooSmall).IsNull())

	require.True(t, AdoptFragmentRefIfValid[refCountedThing](releaser, NullFragment()).IsNull())
	require.True(t, AdoptFragmentRefIfValid[refCountedThing](releaser, PendingFragment(NewFragmentDescriptor(9, 3, 64))).IsNull())

	pending := AdoptFragmentRefIfValid[refCountedThing](releaser, PendingFragment(NewFragmentDescriptor(9, 64, 64)))
	require.True(t, pending.IsPending())

	valid := AdoptFragmentRefIfValid[refCountedThing](releaser, pool.GetFragment(NewFragmentDescriptor(0, 128, 64)))
	require.True(t, valid.IsAddressable())
	require.Empty(t, releaser.freed)
}
