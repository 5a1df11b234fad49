package sandbox

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// arenaMetadataSize reserves the head of each module's arena for
// bookkeeping the hybrid allocator itself does not occupy with module
// data, mirroring the fixed metadata region carved out of the original
// shared arena layout.
const arenaMetadataSize = 4096

// AllocFlags mark allocation intent.
type AllocFlags uint32

const (
	FlagZeroed AllocFlags = 1 << iota
	FlagShared
)

// AllocRequest describes one arena allocation.
type AllocRequest struct {
	Size  uint32
	Flags AllocFlags
}

// arena is a bounded, per-module memory region combining a slab allocator
// for small objects and a buddy allocator for larger blocks. Two modules
// never share an arena: each module's []byte backing store is distinct,
// satisfying the "arenas are disjoint" invariant by construction rather
// than by runtime check.
type arena struct {
	owner string
	bytes []byte
	limit uint32

	slab  *slabAllocator
	buddy *buddyAllocator

	totalAllocated uint64
	totalFreed     uint64
	allocCount     uint64

	mu sync.RWMutex
}

// newArena creates a bounded arena of limit bytes for the given module.
// A third of usable space backs the slab allocator (small, fixed-size
// objects), the rest backs the buddy allocator (larger blocks).
func newArena(owner string, limit uint32) (*arena, error) {
	if limit <= arenaMetadataSize {
		return nil, fmt.Errorf("sandbox: arena limit %d too small for module %s", limit, owner)
	}

	usable := limit - arenaMetadataSize
	slabSize := usable / 3
	buddySize := usable - slabSize
	if slabSize < slabPageSize {
		slabSize = 0
		buddySize = usable
	}

	a := &arena{
		owner: owner,
		bytes: make([]byte, limit),
		limit: limit,
	}
	if slabSize > 0 {
		a.slab = newSlabAllocator(a.bytes, arenaMetadataSize, slabSize)
	}
	a.buddy = newBuddyAllocator(a.bytes, arenaMetadataSize+slabSize, buddySize)
	return a, nil
}

// allocate routes a request to the slab or buddy sub-allocator by size.
func (a *arena) allocate(req AllocRequest) (uint32, error) {
	var offset uint32
	var err error

	if req.Size <= 256 && a.slab != nil {
		offset, err = a.slab.allocate(req.Size)
	} else {
		offset, err = a.buddy.allocate(req.Size)
	}
	if err != nil {
		return 0, err
	}

	if req.Flags&FlagZeroed != 0 {
		a.mu.Lock()
		for i := uint32(0); i < req.Size && offset+i < uint32(len(a.bytes)); i++ {
			a.bytes[offset+i] = 0
		}
		a.mu.Unlock()
	}

	atomic.AddUint64(&a.totalAllocated, uint64(req.Size))
	atomic.AddUint64(&a.allocCount, 1)
	return offset, nil
}

func (a *arena) free(offset uint32, size uint32) error {
	var err error
	if size <= 256 && a.slab != nil {
		err = a.slab.free(offset)
	} else {
		err = a.buddy.free(offset)
	}
	if err == nil {
		atomic.AddUint64(&a.totalFreed, uint64(size))
	}
	return err
}

// inUse returns the live (allocated minus freed) byte count.
func (a *arena) inUse() uint64 {
	return atomic.LoadUint64(&a.totalAllocated) - atomic.LoadUint64(&a.totalFreed)
}

func (a *arena) read(offset, size uint32) ([]byte, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if uint64(offset)+uint64(size) > uint64(len(a.bytes)) {
		return nil, fmt.Errorf("sandbox: read [%d,%d) exceeds arena bounds for %s", offset, offset+size, a.owner)
	}
	out := make([]byte, size)
	copy(out, a.bytes[offset:offset+size])
	return out, nil
}

func (a *arena) write(offset uint32, data []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if uint64(offset)+uint64(len(data)) > uint64(len(a.bytes)) {
		return fmt.Errorf("sandbox: write [%d,%d) exceeds arena bounds for %s", offset, offset+uint32(len(data)), a.owner)
	}
	copy(a.bytes[offset:], data)
	return nil
}
