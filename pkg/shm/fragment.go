package shm

import (
	"fmt"
	"math"
	"unsafe"
)

// BufferID identifies one shared buffer known to both ends of a node link.
type BufferID uint64

const InvalidBufferID BufferID = math.MaxUint64

// FragmentDescriptor is a location-independent description of a chunk of
// a shared buffer.
type FragmentDescriptor struct {
	BufferID BufferID
	Offset   uint32
	Size     uint32
}

// NullDescriptor describes no memory at all.
var NullDescriptor = FragmentDescriptor{BufferID: InvalidBufferID}

func NewFragmentDescriptor(id BufferID, offset, size uint32) FragmentDescriptor {
	return FragmentDescriptor{BufferID: id, Offset: offset, Size: size}
}

func (d FragmentDescriptor) IsNull() bool {
	return d.BufferID == InvalidBufferID
}

func (d FragmentDescriptor) End() uint64 {
	return uint64(d.Offset) + uint64(d.Size)
}

func (d FragmentDescriptor) String() string {
	if d.IsNull() {
		return "fragment(null)"
	}
	return fmt.Sprintf("fragment(buffer=%d, offset=%d, size=%d)", d.BufferID, d.Offset, d.Size)
}

// Fragment is a `FragmentDescriptor` possibly resolved against a buffer
// mapped in this process.
//
// A Fragment is either:
//
//   - null: it describes no memory;
//   - pending: its buffer is not (yet) mapped by this process;
//   - addressable: its memory can be dereferenced.
type Fragment struct {
	desc FragmentDescriptor
	mem  []byte
}

func NullFragment() Fragment {
	return Fragment{desc: NullDescriptor}
}

func PendingFragment(desc FragmentDescriptor) Fragment {
	return Fragment{desc: desc}
}

// MappedFragment resolves `desc` to `mem`, which MUST be exactly the
// described bytes.
func MappedFragment(desc FragmentDescriptor, mem []byte) Fragment {
	if len(mem) != int(desc.Size) || desc.IsNull() {
		panic(fmt.Sprintf("shm: %d bytes do not match %s", len(mem), desc))
	}
	return Fragment{desc: desc, mem: mem}
}

func (f Fragment) Descriptor() FragmentDescriptor {
	return f.desc
}

func (f Fragment) BufferID() BufferID {
	return f.desc.BufferID
}

func (f Fragment) Offset() uint32 {
	return f.desc.Offset
}

func (f Fragment) Size() uint32 {
	return f.desc.Size
}

func (f Fragment) IsNull() bool {
	return f.desc.IsNull()
}

func (f Fragment) IsPending() bool {
	return !f.desc.IsNull() && f.mem == nil
}

func (f Fragment) IsAddressable() bool {
	return f.mem != nil
}

// Bytes returns the fragment memory, nil unless addressable.
func (f Fragment) Bytes() []byte {
	return f.mem
}

// Pointer returns the address of the fragment, nil unless addressable.
func (f Fragment) Pointer() unsafe.Pointer {
	if f.mem == nil {
		return nil
	}
	return unsafe.Pointer(&f.mem[0])
}

func (f Fragment) String() string {
	switch {
	case f.IsNull():
		return f.desc.String()
	case f.IsPending():
		return "pending " + f.desc.String()
	default:
		return f.desc.String()
	}
}
