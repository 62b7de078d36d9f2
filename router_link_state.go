package routelink

import (
	"encoding/binary"
	"fmt"
	"strings"
	"sync/atomic"
	"unsafe"

	"github.com/raskyld/routelink/pkg/shm"
)

// RouterLinkStateSize is the size of the block holding a
// `RouterLinkState` in shared memory.
const RouterLinkStateSize = 64

const (
	statusSideAStable   uint32 = 1 << 0
	statusSideBStable   uint32 = 1 << 1
	statusLockedBySideA uint32 = 1 << 2
	statusLockedBySideB uint32 = 1 << 3
	statusSideAWaiting  uint32 = 1 << 4
	statusSideBWaiting  uint32 = 1 << 5

	statusStable         = statusSideAStable | statusSideBStable
	statusLockedByEither = statusLockedBySideA | statusLockedBySideB
)

// RouterLinkState coordinates structural changes (bypass, closure)
// between the two sides of a central or bridge link.
//
// It is plain data: it either lives in the heap of one process, shared
// by a `LocalRouterLink` pair, or in a shared memory block reachable by
// both ends of a `RemoteRouterLink`. Every field is accessed atomically.
type RouterLinkState struct {
	shm.RefCountedFragment

	status atomic.Uint32

	// Only meaningful while locked by a side for bypass.
	allowedBypassRequestSource [2]atomic.Uint64

	_ [40]byte
}

var _ = [1]struct{}{}[unsafe.Sizeof(RouterLinkState{})-RouterLinkStateSize]

// InitializeRouterLinkState constructs a state in place at the start of
// an addressable fragment. The caller owns the single reference.
func InitializeRouterLinkState(fragment shm.Fragment) *RouterLinkState {
	if !fragment.IsAddressable() || fragment.Size() < RouterLinkStateSize {
		panic(fmt.Sprintf("cannot construct a RouterLinkState in %s", fragment))
	}
	clear(fragment.Bytes()[:RouterLinkStateSize])
	state := (*RouterLinkState)(fragment.Pointer())
	state.InitializeRefs()
	return state
}

func stableBit(side LinkSide) uint32 {
	if side.IsSideA() {
		return statusSideAStable
	}
	return statusSideBStable
}

func lockedBit(side LinkSide) uint32 {
	if side.IsSideA() {
		return statusLockedBySideA
	}
	return statusLockedBySideB
}

func waitingBit(side LinkSide) uint32 {
	if side.IsSideA() {
		return statusSideAWaiting
	}
	return statusSideBWaiting
}

// SetSideStable records that `side` will not change its outward link
// anymore without going through the lock. This is never undone.
func (s *RouterLinkState) SetSideStable(side LinkSide) {
	s.status.Or(stableBit(side))
}

func (s *RouterLinkState) IsSideStable(side LinkSide) bool {
	return s.status.Load()&stableBit(side) != 0
}

// TryLock acquires the link for `side`. It only succeeds when both sides
// are stable and nobody holds the lock. When `side` is stable but its
// peer is not, `side` is flagged as waiting so the peer flushes it once
// it becomes stable.
func (s *RouterLinkState) TryLock(side LinkSide) bool {
	thisStable := stableBit(side)
	otherStable := stableBit(side.Opposite())
	thisWaiting := waitingBit(side)

	for {
		current := s.status.Load()
		if current&statusLockedByEither != 0 || current&thisStable == 0 {
			return false
		}

		if current&otherStable == 0 {
			if current&thisWaiting != 0 || s.status.CompareAndSwap(current, current|thisWaiting) {
				return false
			}
			continue
		}

		if s.status.CompareAndSwap(current, current|lockedBit(side)) {
			return true
		}
	}
}

// Unlock releases a lock held by `side`. Releasing a lock `side` does
// not hold is a contract violation.
//
// The bypass source is cleared before the lock bit, a closure lock taken
// next must not inherit it.
func (s *RouterLinkState) Unlock(side LinkSide) {
	locked := lockedBit(side)
	if s.status.Load()&locked == 0 {
		panic(fmt.Sprintf("side %s unlocked a RouterLinkState it does not hold (%s)", side, describeStatus(s.status.Load())))
	}
	s.allowedBypassRequestSource[0].Store(0)
	s.allowedBypassRequestSource[1].Store(0)
	for {
		current := s.status.Load()
		if current&locked == 0 {
			panic(fmt.Sprintf("side %s unlocked a RouterLinkState it does not hold (%s)", side, describeStatus(current)))
		}
		if s.status.CompareAndSwap(current, current&^locked) {
			return
		}
	}
}

func (s *RouterLinkState) IsLockedBySide(side LinkSide) bool {
	return s.status.Load()&lockedBit(side) != 0
}

// ResetWaitingBit clears the waiting flag of `side` and reports whether
// it was set. The flag is only consumed once the link is stable and
// unlocked, so each registered wait yields a single wake-up.
func (s *RouterLinkState) ResetWaitingBit(side LinkSide) bool {
	waiting := waitingBit(side)
	for {
		current := s.status.Load()
		if current&statusStable != statusStable ||
			current&statusLockedByEither != 0 ||
			current&waiting == 0 {
			return false
		}
		if s.status.CompareAndSwap(current, current&^waiting) {
			return true
		}
	}
}

func (s *RouterLinkState) SetAllowedBypassRequestSource(name NodeName) {
	s.allowedBypassRequestSource[0].Store(binary.LittleEndian.Uint64(name[:8]))
	s.allowedBypassRequestSource[1].Store(binary.LittleEndian.Uint64(name[8:]))
}

func (s *RouterLinkState) AllowedBypassRequestSource() NodeName {
	var name NodeName
	binary.LittleEndian.PutUint64(name[:8], s.allowedBypassRequestSource[0].Load())
	binary.LittleEndian.PutUint64(name[8:], s.allowedBypassRequestSource[1].Load())
	return name
}

func (s *RouterLinkState) String() string {
	return describeStatus(s.status.Load())
}

func describeStatus(status uint32) string {
	var flags []string
	for _, f := range []struct {
		bit  uint32
		name string
	}{
		{statusSideAStable, "a-stable"},
		{statusSideBStable, "b-stable"},
		{statusLockedBySideA, "locked-by-a"},
		{statusLockedBySideB, "locked-by-b"},
		{statusSideAWaiting, "a-waiting"},
		{statusSideBWaiting, "b-waiting"},
	} {
		if status&f.bit != 0 {
			flags = append(flags, f.name)
		}
	}
	if len(flags) == 0 {
		return "unstable"
	}
	return strings.Join(flags, "|")
}
