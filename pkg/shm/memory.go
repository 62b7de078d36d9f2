package shm

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
)

var (
	ErrUnsupported   = errors.New("shm: shared memory is not supported on this platform")
	ErrInvalidSize   = errors.New("shm: invalid region size")
	ErrInvalidHandle = errors.New("shm: invalid memory handle")
	ErrClosed        = errors.New("shm: memory region closed")
)

const regionPrefix = "routelink_"

// Handle is the transmissible description of a `Memory` region. Any
// process on the same host can use it to `OpenMemory` the region.
type Handle struct {
	Name string
	Size uint64
}

func (h Handle) IsValid() bool {
	return h.Name != "" && h.Size > 0
}

// Memory is an OS shared memory region, backed by a file living in
// `/dev/shm` when available.
//
// The process which created the region owns its name: closing it unlinks
// the backing file. Mappings that are still alive keep the pages around.
type Memory struct {
	handle  Handle
	file    *os.File
	path    string
	creator bool

	lk     sync.Mutex
	closed bool
}

// Driver creates and opens shared memory regions.
type Driver interface {
	CreateMemory(size uint64) (*Memory, error)
	OpenMemory(h Handle) (*Memory, error)
}

// DefaultDriver backs regions with files in `/dev/shm`, or the temporary
// directory when `/dev/shm` is not usable.
type DefaultDriver struct{}

var _ Driver = DefaultDriver{}

func (DefaultDriver) CreateMemory(size uint64) (*Memory, error) {
	return CreateMemory(size)
}

func (DefaultDriver) OpenMemory(h Handle) (*Memory, error) {
	return OpenMemory(h)
}

// CreateMemory allocates a brand new zero-filled region of `size` bytes.
func CreateMemory(size uint64) (*Memory, error) {
	if size == 0 {
		return nil, ErrInvalidSize
	}

	name := regionPrefix + uuid.NewString()
	path := regionPath(name)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("shm: failed to create region %s: %w", name, err)
	}

	if err := file.Truncate(int64(size)); err != nil {
		file.Close()
		os.Remove(path)
		return nil, fmt.Errorf("shm: failed to resize region %s: %w", name, err)
	}

	return &Memory{
		handle:  Handle{Name: name, Size: size},
		file:    file,
		path:    path,
		creator: true,
	}, nil
}

// OpenMemory opens a region created by another `Memory`, possibly in
// another process.
func OpenMemory(h Handle) (*Memory, error) {
	if !h.IsValid() || filepath.Base(h.Name) != h.Name {
		return nil, ErrInvalidHandle
	}

	path := regionPath(h.Name)
	file, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("shm: failed to open region %s: %w", h.Name, err)
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("shm: failed to stat region %s: %w", h.Name, err)
	}
	if uint64(info.Size()) < h.Size {
		file.Close()
		return nil, fmt.Errorf("%w: region %s is %d bytes, expected %d", ErrInvalidHandle, h.Name, info.Size(), h.Size)
	}

	return &Memory{
		handle: h,
		file:   file,
		path:   path,
	}, nil
}

func (m *Memory) Handle() Handle {
	return m.handle
}

func (m *Memory) Size() uint64 {
	return m.handle.Size
}

// Map maps the whole region into the address space of this process.
func (m *Memory) Map() (*Mapping, error) {
	m.lk.Lock()
	defer m.lk.Unlock()
	if m.closed {
		return nil, ErrClosed
	}

	mem, err := mapFile(m.file, int(m.handle.Size))
	if err != nil {
		return nil, err
	}
	return &Mapping{mem: mem}, nil
}

func (m *Memory) Close() error {
	m.lk.Lock()
	defer m.lk.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true

	err := m.file.Close()
	if m.creator {
		err = errors.Join(err, os.Remove(m.path))
	}
	return err
}

// TakeOwnership makes this handle responsible for unlinking the region
// name on `Close`, typically after a peer handed the region over.
func (m *Memory) TakeOwnership() {
	m.lk.Lock()
	defer m.lk.Unlock()
	m.creator = true
}

// Release closes the local descriptor without unlinking the region, so
// whoever opens it next can take ownership of its name.
func (m *Memory) Release() error {
	m.lk.Lock()
	defer m.lk.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	return m.file.Close()
}

// Mapping is a region of shared memory mapped in this process.
type Mapping struct {
	lk  sync.Mutex
	mem []byte
}

// Bytes returns the mapped memory, it MUST NOT be used after `Unmap`.
func (m *Mapping) Bytes() []byte {
	return m.mem
}

func (m *Mapping) Size() int {
	return len(m.mem)
}

func (m *Mapping) Unmap() error {
	m.lk.Lock()
	defer m.lk.Unlock()
	if m.mem == nil {
		return nil
	}
	err := unmapFile(m.mem)
	m.mem = nil
	return err
}

func regionPath(name string) string {
	info, err := os.Stat("/dev/shm")
	if err == nil && info.IsDir() {
		return filepath.Join("/dev/shm", name)
	}
	return filepath.Join(os.TempDir(), name)
}
