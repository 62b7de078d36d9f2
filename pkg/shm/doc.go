// Package shm provides the shared memory primitives used by node links:
// OS regions and their mappings, location-independent fragments, a
// lock-free block allocator laid out inside shared buffers, and the
// reference counting of objects living in those buffers.
//
// Nothing in this package stores Go pointers into shared memory; every
// structure placed in a buffer is plain data accessed through atomics.
package shm
