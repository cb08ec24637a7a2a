package slab

import (
	"github.com/mrjbom/OS/kernel"
	"github.com/mrjbom/OS/kernel/mem"
	"github.com/mrjbom/OS/kernel/mem/cpmm"
	"github.com/mrjbom/OS/kernel/mem/pmm"
)

var errInfoCacheRecursion = &kernel.Error{Module: "slab", Message: "the SlabInfo cache cannot allocate SlabInfo records"}

// MemoryBackend supplies slab memory and stores out-of-band slab bookkeeping
// for a cache. All addresses are virtual.
type MemoryBackend interface {
	// AllocSlab returns slabSize bytes aligned to pageSize or 0.
	AllocSlab(slabSize, pageSize uintptr) uintptr

	// FreeSlab releases a slab obtained by AllocSlab.
	FreeSlab(addr, slabSize, pageSize uintptr)

	// AllocSlabInfo returns storage for a SlabInfo record or 0.
	AllocSlabInfo() uintptr

	// FreeSlabInfo releases a record obtained by AllocSlabInfo.
	FreeSlabInfo(addr uintptr)

	// SaveSlabInfoPtr associates the slab page at pageAddr with the
	// SlabInfo record at info.
	SaveSlabInfoPtr(pageAddr, info uintptr)

	// GetSlabInfoPtr returns the record saved for pageAddr.
	GetSlabInfoPtr(pageAddr uintptr) uintptr

	// DeleteSlabInfoPtr drops the association for pageAddr.
	DeleteSlabInfoPtr(pageAddr uintptr)
}

// PageAllocator is the physical page source used by the backends. It is
// implemented by pmm.Manager.
type PageAllocator interface {
	Alloc(p pmm.Priority, size mem.Size) (uintptr, *kernel.Error)
	Free(addr uintptr)
}

// pageSource obtains slabs from the physical memory manager and maps them
// through the CPMM.
type pageSource struct {
	pages    PageAllocator
	priority pmm.Priority
}

func (s *pageSource) AllocSlab(slabSize, _ uintptr) uintptr {
	phys, err := s.pages.Alloc(s.priority, mem.Size(slabSize))
	if err != nil {
		return 0
	}
	return cpmm.PhysToVirt(phys)
}

func (s *pageSource) FreeSlab(addr, _, _ uintptr) {
	s.pages.Free(cpmm.VirtToPhys(addr))
}

// PMMBackend is the default backend: slabs come from the physical memory
// manager, SlabInfo records from the SlabInfo cache and page lookups go
// through an InfoTable.
type PMMBackend struct {
	pageSource

	infoCache *Cache[SlabInfo]
	table     *InfoTable
}

// NewPMMBackend returns a backend that allocates slabs from pages using the
// given zone priority.
func NewPMMBackend(pages PageAllocator, priority pmm.Priority, infoCache *Cache[SlabInfo], table *InfoTable) PMMBackend {
	return PMMBackend{
		pageSource: pageSource{pages: pages, priority: priority},
		infoCache:  infoCache,
		table:      table,
	}
}

// AllocSlabInfo implements MemoryBackend.
func (b *PMMBackend) AllocSlabInfo() uintptr {
	return b.infoCache.AllocAddr()
}

// FreeSlabInfo implements MemoryBackend.
func (b *PMMBackend) FreeSlabInfo(addr uintptr) {
	b.infoCache.FreeAddr(addr)
}

// SaveSlabInfoPtr implements MemoryBackend.
func (b *PMMBackend) SaveSlabInfoPtr(pageAddr, info uintptr) {
	b.table.Save(cpmm.VirtToPhys(pageAddr), info)
}

// GetSlabInfoPtr implements MemoryBackend.
func (b *PMMBackend) GetSlabInfoPtr(pageAddr uintptr) uintptr {
	return b.table.Get(cpmm.VirtToPhys(pageAddr))
}

// DeleteSlabInfoPtr implements MemoryBackend. Stale slots are never read
// once their slab is gone so nothing is cleared.
func (b *PMMBackend) DeleteSlabInfoPtr(pageAddr uintptr) {
	b.table.Delete(cpmm.VirtToPhys(pageAddr))
}

// InfoCacheBackend serves the SlabInfo cache itself. That cache must use the
// Small size type; any attempt to allocate out-of-band records through this
// backend would recurse and is fatal.
type InfoCacheBackend struct {
	pageSource
}

// NewInfoCacheBackend returns a backend that allocates slabs from pages using
// the given zone priority.
func NewInfoCacheBackend(pages PageAllocator, priority pmm.Priority) InfoCacheBackend {
	return InfoCacheBackend{pageSource: pageSource{pages: pages, priority: priority}}
}

// AllocSlabInfo implements MemoryBackend.
func (b *InfoCacheBackend) AllocSlabInfo() uintptr { panic(errInfoCacheRecursion) }

// FreeSlabInfo implements MemoryBackend.
func (b *InfoCacheBackend) FreeSlabInfo(uintptr) { panic(errInfoCacheRecursion) }

// SaveSlabInfoPtr implements MemoryBackend.
func (b *InfoCacheBackend) SaveSlabInfoPtr(uintptr, uintptr) { panic(errInfoCacheRecursion) }

// GetSlabInfoPtr implements MemoryBackend.
func (b *InfoCacheBackend) GetSlabInfoPtr(uintptr) uintptr { panic(errInfoCacheRecursion) }

// DeleteSlabInfoPtr implements MemoryBackend.
func (b *InfoCacheBackend) DeleteSlabInfoPtr(uintptr) { panic(errInfoCacheRecursion) }
