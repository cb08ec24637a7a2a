// Package mm brings up the kernel memory managers in dependency order: the
// physical memory manager, the slab allocator that sits on top of it and the
// general purpose heap.
package mm

import (
	"github.com/mrjbom/OS/kernel"
	"github.com/mrjbom/OS/kernel/kfmt"
	"github.com/mrjbom/OS/kernel/mem"
	"github.com/mrjbom/OS/kernel/mem/bootmap"
	"github.com/mrjbom/OS/kernel/mem/cpmm"
	"github.com/mrjbom/OS/kernel/mem/heap"
	"github.com/mrjbom/OS/kernel/mem/pmm"
	"github.com/mrjbom/OS/kernel/mem/slab"
)

var (
	// SlabPriority is the zone order used for slab pages.
	SlabPriority = pmm.Priority{pmm.ZoneHigh, pmm.ZoneDMA32, pmm.ZoneISADMA}

	// HeapPriority is the zone order used for heap segments.
	HeapPriority = pmm.Priority{pmm.ZoneHigh, pmm.ZoneDMA32, pmm.ZoneISADMA}

	physMem   pmm.Manager
	slabAlloc slab.Allocator
	heapSys   heap.PMMSystem
	ready     bool

	errNotReady = &kernel.Error{Module: "mm", Message: "memory managers are not initialized"}
)

// Init sets up all memory managers from the boot memory map. Failures while
// collecting or bootstrapping physical memory are fatal and cause a panic.
func Init(bm *bootmap.Map) *kernel.Error {
	physMem = pmm.Manager{}
	slabAlloc = slab.Allocator{}
	ready = false

	kfmt.Printf("[mm] collecting physical memory\n")
	physMem.Collect(bm)

	highestPage := physMem.HighestUsablePage()
	tableSize := slab.InfoTableSize(highestPage)
	tableAddr := cpmm.PhysToVirt(physMem.CarveEarly(tableSize))
	kfmt.Printf("[mm] slab info table: %d KiB\n", uint64(tableSize/mem.Kb))

	kfmt.Printf("[mm] bootstrapping zone allocators\n")
	physMem.Bootstrap()
	physMem.PrintZones()

	kfmt.Printf("[mm] initializing slab allocator\n")
	if err := slabAlloc.Init(&physMem, SlabPriority, tableAddr, highestPage); err != nil {
		return err
	}

	kfmt.Printf("[mm] initializing heap\n")
	heapSys = heap.NewPMMSystem(&physMem, HeapPriority)
	heap.Init(&heapSys)

	ready = true
	return nil
}

func mustBeReady() {
	if !ready {
		panic(errNotReady)
	}
}

// PMM returns the physical memory manager.
func PMM() *pmm.Manager {
	mustBeReady()
	return &physMem
}

// Slab returns the slab allocator.
func Slab() *slab.Allocator {
	mustBeReady()
	return &slabAlloc
}

// Heap returns the general purpose allocator.
func Heap() heap.GeneralPurposeAllocator {
	mustBeReady()
	return heap.GeneralPurposeAllocator{}
}
