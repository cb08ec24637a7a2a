package heap

import (
	"github.com/mrjbom/OS/kernel"
	"github.com/mrjbom/OS/kernel/mem"
	"github.com/mrjbom/OS/kernel/mem/cpmm"
	"github.com/mrjbom/OS/kernel/mem/pmm"
)

var errBadSystemSize = &kernel.Error{Module: "heap", Message: "system block size must be a power of two of at least one page"}

// PageAllocator is the physical page source of a PMMSystem. It is implemented
// by pmm.Manager.
type PageAllocator interface {
	Alloc(p pmm.Priority, size mem.Size) (uintptr, *kernel.Error)
	Free(addr uintptr)
}

// PMMSystem is a SystemAllocator that hands out physical memory from the
// page allocator through its CPMM mirror.
type PMMSystem struct {
	pages    PageAllocator
	priority pmm.Priority
}

// NewPMMSystem returns a system allocator that requests blocks from pages
// using the given zone priority.
func NewPMMSystem(pages PageAllocator, priority pmm.Priority) PMMSystem {
	return PMMSystem{pages: pages, priority: priority}
}

func checkSystemSize(size uintptr) {
	if size < uintptr(mem.PageSize) || !isPowerOfTwo(size) {
		panic(errBadSystemSize)
	}
}

// Alloc implements SystemAllocator.
func (s *PMMSystem) Alloc(size uintptr) (uintptr, uintptr) {
	checkSystemSize(size)

	phys, err := s.pages.Alloc(s.priority, mem.Size(size))
	if err != nil {
		return 0, 0
	}
	return cpmm.PhysToVirt(phys), size
}

// Remap implements SystemAllocator. Blocks are never resized in place; with
// canMove set a new block is allocated and the contents are copied over.
func (s *PMMSystem) Remap(addr, oldSize, newSize uintptr, canMove bool) uintptr {
	checkSystemSize(oldSize)
	checkSystemSize(newSize)

	if !canMove {
		return 0
	}

	newAddr, _ := s.Alloc(newSize)
	if newAddr == 0 {
		return 0
	}

	kernel.Memcopy(addr, newAddr, minUintptr(oldSize, newSize))
	s.Free(addr, oldSize)
	return newAddr
}

// Free implements SystemAllocator.
func (s *PMMSystem) Free(addr, size uintptr) bool {
	checkSystemSize(size)
	s.pages.Free(cpmm.VirtToPhys(addr))
	return true
}

// PageSize implements SystemAllocator.
func (s *PMMSystem) PageSize() uintptr {
	return uintptr(mem.PageSize)
}
