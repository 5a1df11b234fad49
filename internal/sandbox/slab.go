package sandbox

import (
	"fmt"
	"sync"
)

// slabAllocator handles small, fixed-size-class allocations (8B-256B)
// within one module's arena, using bitmap-tracked fixed-size pages.
const slabPageSize = 4096

var slabSizeClasses = [10]uint32{8, 16, 24, 32, 48, 64, 96, 128, 192, 256}

type slabAllocator struct {
	arena      []byte
	baseOffset uint32
	totalSize  uint32

	caches [10]*slabCache

	mu sync.RWMutex
}

type slabCache struct {
	objectSize uint32
	pages      []*slabPage

	allocated uint32
	capacity  uint32

	mu sync.Mutex
}

type slabPage struct {
	offset     uint32
	freeCount  uint16
	totalCount uint16
	bitmap     uint64
}

func newSlabAllocator(arena []byte, baseOffset, totalSize uint32) *slabAllocator {
	sa := &slabAllocator{arena: arena, baseOffset: baseOffset, totalSize: totalSize}
	for i := range sa.caches {
		sa.caches[i] = &slabCache{objectSize: slabSizeClasses[i], pages: make([]*slabPage, 0, 4)}
	}
	return sa
}

func (sa *slabAllocator) allocate(size uint32) (uint32, error) {
	if size > 256 {
		return 0, fmt.Errorf("sandbox: size %d too large for slab allocator", size)
	}
	return sa.caches[sa.sizeClass(size)].allocate(sa)
}

func (sa *slabAllocator) free(offset uint32) error {
	page, cache := sa.findPage(offset)
	if page == nil {
		return fmt.Errorf("sandbox: invalid slab offset %d", offset)
	}
	return cache.free(page, offset)
}

func (sa *slabAllocator) sizeClass(size uint32) int {
	for i, s := range slabSizeClasses {
		if size <= s {
			return i
		}
	}
	return len(slabSizeClasses) - 1
}

func (sa *slabAllocator) findPage(offset uint32) (*slabPage, *slabCache) {
	for _, cache := range sa.caches {
		cache.mu.Lock()
		for _, page := range cache.pages {
			if offset >= page.offset && offset < page.offset+slabPageSize {
				cache.mu.Unlock()
				return page, cache
			}
		}
		cache.mu.Unlock()
	}
	return nil, nil
}

func (sc *slabCache) allocate(sa *slabAllocator) (uint32, error) {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	for _, page := range sc.pages {
		if page.freeCount > 0 {
			return sc.allocateFromPage(page)
		}
	}

	page, err := sc.allocateNewPage(sa)
	if err != nil {
		return 0, err
	}
	return sc.allocateFromPage(page)
}

func (sc *slabCache) allocateFromPage(page *slabPage) (uint32, error) {
	for i := uint16(0); i < page.totalCount; i++ {
		if page.bitmap&(1<<i) != 0 {
			page.bitmap &^= 1 << i
			page.freeCount--
			sc.allocated++
			return page.offset + uint32(i)*sc.objectSize, nil
		}
	}
	return 0, fmt.Errorf("sandbox: slab page has no free objects")
}

func (sc *slabCache) allocateNewPage(sa *slabAllocator) (*slabPage, error) {
	sa.mu.Lock()
	defer sa.mu.Unlock()

	used := uint32(len(sc.pages)) * slabPageSize
	if used >= sa.totalSize {
		return nil, fmt.Errorf("sandbox: slab allocator out of arena space")
	}

	offset := sa.baseOffset + used
	objectsPerPage := uint16(slabPageSize / sc.objectSize)

	page := &slabPage{
		offset:     offset,
		freeCount:  objectsPerPage,
		totalCount: objectsPerPage,
		bitmap:     (1 << objectsPerPage) - 1,
	}
	sc.pages = append(sc.pages, page)
	sc.capacity += uint32(objectsPerPage)
	return page, nil
}

func (sc *slabCache) free(page *slabPage, offset uint32) error {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	rel := offset - page.offset
	if rel%sc.objectSize != 0 {
		return fmt.Errorf("sandbox: invalid slab offset alignment")
	}
	idx := uint16(rel / sc.objectSize)
	if idx >= page.totalCount {
		return fmt.Errorf("sandbox: slab object index out of range")
	}
	if page.bitmap&(1<<idx) != 0 {
		return fmt.Errorf("sandbox: double free at offset %d", offset)
	}
	page.bitmap |= 1 << idx
	page.freeCount++
	sc.allocated--
	return nil
}

type slabStats struct {
	objectSize  uint32
	allocated   uint32
	capacity    uint32
	utilization float32
}

func (sa *slabAllocator) stats() []slabStats {
	out := make([]slabStats, len(sa.caches))
	for i, cache := range sa.caches {
		cache.mu.Lock()
		util := float32(0)
		if cache.capacity > 0 {
			util = float32(cache.allocated) / float32(cache.capacity) * 100
		}
		out[i] = slabStats{objectSize: cache.objectSize, allocated: cache.allocated, capacity: cache.capacity, utilization: util}
		cache.mu.Unlock()
	}
	return out
}
