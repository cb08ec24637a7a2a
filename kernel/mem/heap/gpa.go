package heap

import (
	"github.com/mrjbom/OS/kernel"
	"github.com/mrjbom/OS/kernel/mem"
	"github.com/mrjbom/OS/kernel/sync"
)

var (
	// ErrOutOfMemory is returned when the heap cannot obtain memory from
	// its system allocator.
	ErrOutOfMemory = &kernel.Error{Module: "heap", Message: "out of memory"}

	errNotInitialized = &kernel.Error{Module: "heap", Message: "the general purpose heap is not initialized"}

	heapLock   sync.Spinlock
	globalHeap Dlmalloc
	heapReady  bool
)

// Init sets up the general purpose heap on top of sys. Calling it again
// discards the previous heap.
func Init(sys SystemAllocator) {
	heapLock.Acquire()
	globalHeap.Init(sys)
	heapReady = true
	heapLock.Release()
}

// HeapStats returns the counters of the general purpose heap.
func HeapStats() Stats {
	heapLock.Acquire()
	defer heapLock.Release()
	return globalHeap.Stats()
}

// GeneralPurposeAllocator is a mem.Allocator backed by the global heap. Its
// zero value is ready to use once Init has been called.
type GeneralPurposeAllocator struct{}

var _ mem.Allocator = GeneralPurposeAllocator{}

func lockHeap() {
	heapLock.Acquire()
	if !heapReady {
		heapLock.Release()
		panic(errNotInitialized)
	}
}

func checkAlign(align uintptr) {
	if !isPowerOfTwo(align) {
		panic(errBadAlign)
	}
}

// Allocate returns size bytes aligned to align. A zero size allocation
// returns align itself, a non-null address that must not be dereferenced.
func (GeneralPurposeAllocator) Allocate(size, align uintptr) (uintptr, *kernel.Error) {
	checkAlign(align)
	if size == 0 {
		return align, nil
	}

	lockHeap()
	var addr uintptr
	if align <= chunkAlign {
		addr = globalHeap.Malloc(size)
	} else {
		addr = globalHeap.Memalign(align, size)
	}
	heapLock.Release()

	if addr == 0 {
		return 0, ErrOutOfMemory
	}
	return addr, nil
}

// Deallocate releases memory obtained from Allocate or Reallocate with the
// same size and align.
func (GeneralPurposeAllocator) Deallocate(addr, size, align uintptr) {
	checkAlign(align)
	if size == 0 {
		return
	}

	lockHeap()
	globalHeap.Free(addr)
	heapLock.Release()
}

// Reallocate resizes a block obtained from Allocate. The contents up to the
// smaller of the two sizes are preserved. On failure the original block is
// left untouched.
func (a GeneralPurposeAllocator) Reallocate(addr, oldSize, align, newSize uintptr) (uintptr, *kernel.Error) {
	checkAlign(align)

	switch {
	case oldSize == 0:
		return a.Allocate(newSize, align)
	case newSize == 0:
		a.Deallocate(addr, oldSize, align)
		return align, nil
	case align > chunkAlign:
		newAddr, err := a.Allocate(newSize, align)
		if err != nil {
			return 0, err
		}
		kernel.Memcopy(addr, newAddr, minUintptr(oldSize, newSize))
		a.Deallocate(addr, oldSize, align)
		return newAddr, nil
	}

	lockHeap()
	newAddr := globalHeap.Realloc(addr, newSize)
	heapLock.Release()

	if newAddr == 0 {
		return 0, ErrOutOfMemory
	}
	return newAddr, nil
}
