package mem

import "github.com/mrjbom/OS/kernel"

// Allocator is the capability handed to data structures that need variable
// sized storage. Addresses are virtual addresses that can be dereferenced by
// the kernel.
type Allocator interface {
	// Allocate reserves size bytes aligned to align. A zero size returns
	// a non-dereferenceable address that is a multiple of align.
	Allocate(size, align uintptr) (uintptr, *kernel.Error)

	// Deallocate releases a block obtained by Allocate with the same size
	// and align arguments.
	Deallocate(addr, size, align uintptr)
}
