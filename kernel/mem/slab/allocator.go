package slab

import (
	"github.com/mrjbom/OS/kernel"
	"github.com/mrjbom/OS/kernel/kfmt"
	"github.com/mrjbom/OS/kernel/mem"
	"github.com/mrjbom/OS/kernel/mem/pmm"
)

// largeObjectThreshold is the smallest generic object size that uses the
// Large size type.
const largeObjectThreshold = 512

var (
	// genericSizes lists the object sizes of the generic caches.
	genericSizes = [...]uintptr{16, 32, 64, 128, 256, 512, 1024, 2048}

	errUnsupportedSize = &kernel.Error{Module: "slab", Message: "no generic cache serves the requested size"}
	errBadAlignRequest = &kernel.Error{Module: "slab", Message: "alignment must be a power of two no larger than the object size class"}
)

// Allocator owns the SlabInfo cache, the slab info table and a set of generic
// power-of-two caches.
type Allocator struct {
	table       InfoTable
	infoBackend InfoCacheBackend
	backend     PMMBackend
	infoCache   Cache[SlabInfo]
	caches      [len(genericSizes)]ObjectCache
}

// Init sets up the SlabInfo cache and the generic caches. Slabs are allocated
// from pages according to priority. The slab info table is placed at the
// virtual address tableAddr and covers every page up to highestPage. Each
// cache is exercised with an allocation and a free before Init returns.
func (a *Allocator) Init(pages PageAllocator, priority pmm.Priority, tableAddr, highestPage uintptr) *kernel.Error {
	pageSize := uintptr(mem.PageSize)

	a.table.Init(tableAddr, highestPage)
	a.infoBackend = NewInfoCacheBackend(pages, priority)
	if err := a.infoCache.Init(pageSize, pageSize, Small, &a.infoBackend); err != nil {
		return err
	}

	a.backend = NewPMMBackend(pages, priority, &a.infoCache, &a.table)
	for i, size := range genericSizes {
		sizeType := Small
		if size >= largeObjectThreshold {
			sizeType = Large
		}

		if err := a.caches[i].Init(size, size, pageSize, pageSize, sizeType, &a.backend); err != nil {
			return err
		}
	}

	if err := smokeTest(&a.infoCache.ObjectCache); err != nil {
		return err
	}

	for i := range a.caches {
		if err := smokeTest(&a.caches[i]); err != nil {
			return err
		}
	}

	kfmt.Printf("[slab] %d generic caches ready, info table: %d entries\n", len(genericSizes), a.table.Entries())
	return nil
}

func smokeTest(c *ObjectCache) *kernel.Error {
	addr := c.AllocAddr()
	if addr == 0 {
		return ErrOutOfMemory
	}
	c.FreeAddr(addr)
	return nil
}

// InfoCache returns the cache that serves SlabInfo records.
func (a *Allocator) InfoCache() *Cache[SlabInfo] {
	return &a.infoCache
}

// Table returns the slab info table.
func (a *Allocator) Table() *InfoTable {
	return &a.table
}

// Backend returns the backend shared by the generic caches. Callers may use
// it for their own caches.
func (a *Allocator) Backend() MemoryBackend {
	return &a.backend
}

// CacheFor returns the smallest generic cache whose objects can hold size
// bytes or nil if size is zero or larger than the largest class.
func (a *Allocator) CacheFor(size uintptr) *ObjectCache {
	if size == 0 {
		return nil
	}

	for i, classSize := range genericSizes {
		if size <= classSize {
			return &a.caches[i]
		}
	}
	return nil
}

// Alloc returns an object of at least size bytes, aligned to its size class.
func (a *Allocator) Alloc(size uintptr) (uintptr, *kernel.Error) {
	c := a.CacheFor(size)
	if c == nil {
		panic(errUnsupportedSize)
	}

	addr := c.AllocAddr()
	if addr == 0 {
		return 0, ErrOutOfMemory
	}
	return addr, nil
}

// Free returns an object obtained by Alloc with the same size.
func (a *Allocator) Free(addr, size uintptr) {
	c := a.CacheFor(size)
	if c == nil {
		panic(errUnsupportedSize)
	}
	c.FreeAddr(addr)
}

// Allocate implements mem.Allocator for sizes up to the largest class.
func (a *Allocator) Allocate(size, align uintptr) (uintptr, *kernel.Error) {
	if align == 0 || align&(align-1) != 0 {
		panic(errBadAlignRequest)
	}

	if size == 0 {
		return align, nil
	}

	if size < align {
		size = align
	}

	c := a.CacheFor(size)
	if c != nil && align > c.ObjectSize() {
		panic(errBadAlignRequest)
	}
	return a.Alloc(size)
}

// Deallocate implements mem.Allocator.
func (a *Allocator) Deallocate(addr, size, align uintptr) {
	if size == 0 {
		return
	}

	if size < align {
		size = align
	}
	a.Free(addr, size)
}
