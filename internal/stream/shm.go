package stream

import (
	"errors"
	"sync"
)

// Region is a shared-memory area that carries a stream's audio frames.
type Region interface {
	Key() int32
	Bytes() []byte
	Release() error
}

// Allocator hands out shared-memory regions.
type Allocator interface {
	Allocate(size int) (Region, error)
}

var errRegionReleased = errors.New("shm region already released")

// HeapAllocator backs regions with process memory. It is used when the daemon
// runs without SysV IPC and throughout the tests.
type HeapAllocator struct {
	mu      sync.Mutex
	nextKey int32
	live    map[int32]struct{}
}

func NewHeapAllocator() *HeapAllocator {
	return &HeapAllocator{nextKey: 1, live: make(map[int32]struct{})}
}

func (a *HeapAllocator) Allocate(size int) (Region, error) {
	if size <= 0 {
		return nil, errors.New("shm size must be positive")
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	key := a.nextKey
	a.nextKey++
	a.live[key] = struct{}{}
	return &heapRegion{alloc: a, key: key, data: make([]byte, size)}, nil
}

// Live is the number of regions not yet released.
func (a *HeapAllocator) Live() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.live)
}

type heapRegion struct {
	alloc *HeapAllocator
	key   int32
	data  []byte
}

func (r *heapRegion) Key() int32    { return r.key }
func (r *heapRegion) Bytes() []byte { return r.data }

func (r *heapRegion) Release() error {
	r.alloc.mu.Lock()
	defer r.alloc.mu.Unlock()
	if _, ok := r.alloc.live[r.key]; !ok {
		return errRegionReleased
	}
	delete(r.alloc.live, r.key)
	r.data = nil
	return nil
}

// NewAllocator returns the allocator named by kind: "heap" or "sysv".
func NewAllocator(kind string) (Allocator, error) {
	switch kind {
	case "", "heap":
		return NewHeapAllocator(), nil
	case "sysv":
		return sysvAllocator()
	default:
		return nil, errors.New("shm allocator must be one of heap|sysv")
	}
}
