package shm

import (
	"fmt"
	"reflect"
	"sync/atomic"
	"unsafe"
)

// RefCountedFragment MUST be the first field of any type managed through
// a `FragmentRef`. The counter lives inside the shared fragment, so both
// processes can hold references without a central authority.
type RefCountedFragment struct {
	refs atomic.Int32
}

// InitializeRefs sets the count to one, the caller owns that reference.
func (r *RefCountedFragment) InitializeRefs() {
	r.refs.Store(1)
}

func (r *RefCountedFragment) AcquireRef() {
	r.refs.Add(1)
}

// ReleaseRef returns the number of remaining references.
func (r *RefCountedFragment) ReleaseRef() int32 {
	return r.refs.Add(-1)
}

func (r *RefCountedFragment) RefCount() int32 {
	return r.refs.Load()
}

// FragmentReleaser frees fragments whose last reference was released.
type FragmentReleaser interface {
	FreeFragment(Fragment) bool
}

// FragmentRef is an owning reference to a `T` living in a `Fragment`.
//
// The zero value is a null reference. References built with a nil
// releaser are unmanaged: releasing them never frees the fragment.
type FragmentRef[T any] struct {
	releaser FragmentReleaser
	fragment Fragment
}

// AdoptFragmentRef takes ownership of a reference previously acquired on
// `fragment`, the count is left untouched. Pending fragments can be
// adopted, the reference is then resolved later.
func AdoptFragmentRef[T any](releaser FragmentReleaser, fragment Fragment) FragmentRef[T] {
	checkFragmentFits[T](fragment)
	return FragmentRef[T]{releaser: releaser, fragment: fragment}
}

// AdoptFragmentRefIfValid is like `AdoptFragmentRef` for fragments which
// come from an untrusted peer: it returns a null reference instead of
// panicking when an addressable fragment cannot hold a `T`.
func AdoptFragmentRefIfValid[T any](releaser FragmentReleaser, fragment Fragment) FragmentRef[T] {
	if fragment.IsNull() || !FragmentFits[T](fragment) {
		return FragmentRef[T]{}
	}
	return FragmentRef[T]{releaser: releaser, fragment: fragment}
}

// NewFragmentRef acquires a new reference on an addressable fragment.
func NewFragmentRef[T any](releaser FragmentReleaser, fragment Fragment) FragmentRef[T] {
	if !fragment.IsAddressable() {
		panic(fmt.Sprintf("shm: cannot acquire a new reference on %s", fragment))
	}
	checkFragmentFits[T](fragment)
	(*RefCountedFragment)(fragment.Pointer()).AcquireRef()
	return FragmentRef[T]{releaser: releaser, fragment: fragment}
}

// UnmanagedFragmentRef references a fragment which is never freed.
func UnmanagedFragmentRef[T any](fragment Fragment) FragmentRef[T] {
	checkFragmentFits[T](fragment)
	return FragmentRef[T]{fragment: fragment}
}

func (r FragmentRef[T]) Fragment() Fragment {
	if r.fragment.desc == (FragmentDescriptor{}) && r.fragment.mem == nil {
		return NullFragment()
	}
	return r.fragment
}

func (r FragmentRef[T]) IsNull() bool {
	return r.Fragment().IsNull()
}

func (r FragmentRef[T]) IsPending() bool {
	return r.fragment.IsPending() && !r.IsNull()
}

func (r FragmentRef[T]) IsAddressable() bool {
	return r.fragment.IsAddressable()
}

func (r FragmentRef[T]) IsManaged() bool {
	return r.releaser != nil
}

// Get returns nil unless the reference is addressable.
func (r FragmentRef[T]) Get() *T {
	return (*T)(r.fragment.Pointer())
}

// Clone acquires an additional reference.
func (r FragmentRef[T]) Clone() FragmentRef[T] {
	if r.IsNull() {
		return FragmentRef[T]{}
	}
	if !r.IsManaged() {
		return r
	}
	return NewFragmentRef[T](r.releaser, r.fragment)
}

// Release drops this reference, freeing the fragment if it was the last
// managed one.
func (r *FragmentRef[T]) Release() {
	fragment, releaser := r.fragment, r.releaser
	*r = FragmentRef[T]{}
	if releaser == nil || !fragment.IsAddressable() {
		return
	}
	if (*RefCountedFragment)(fragment.Pointer()).ReleaseRef() == 0 {
		releaser.FreeFragment(fragment)
	}
}

// ReleaseToDescriptor gives up this reference without touching the count,
// typically to hand it over to the other end of a node link.
func (r *FragmentRef[T]) ReleaseToDescriptor() FragmentDescriptor {
	desc := r.Fragment().Descriptor()
	*r = FragmentRef[T]{}
	return desc
}

// FragmentFits reports whether `fragment` is large and aligned enough to
// hold a `T`. Pending fragments are checked against their descriptor.
func FragmentFits[T any](fragment Fragment) bool {
	var zero T
	if uintptr(fragment.Size()) < unsafe.Sizeof(zero) {
		return false
	}
	if !fragment.IsAddressable() {
		return uintptr(fragment.Offset())%unsafe.Alignof(zero) == 0
	}
	return uintptr(fragment.Pointer())%unsafe.Alignof(zero) == 0
}

func checkFragmentFits[T any](fragment Fragment) {
	if !fragment.IsAddressable() || FragmentFits[T](fragment) {
		return
	}
	var zero T
	if uintptr(fragment.Size()) < unsafe.Sizeof(zero) {
		panic(fmt.Sprintf(
			"shm: %s is too small for %s", fragment, reflect.TypeFor[T]().String()))
	}
	panic(fmt.Sprintf(
		"shm: %s is misaligned for %s", fragment, reflect.TypeFor[T]().String()))
}
