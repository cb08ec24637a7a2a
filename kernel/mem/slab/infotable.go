package slab

import (
	"unsafe"

	"github.com/mrjbom/OS/kernel"
	"github.com/mrjbom/OS/kernel/mem"
	"github.com/mrjbom/OS/kernel/mem/pmm"
)

var errInfoTableRange = &kernel.Error{Module: "slab", Message: "page is outside of the slab info table"}

// InfoTable maps every physical page up to the highest usable page to the
// SlabInfo record of the slab that owns it. Each slot is only touched by the
// cache that currently owns the page so the table needs no lock.
type InfoTable struct {
	base    uintptr
	entries uint64
}

// InfoTableSize returns the number of bytes needed for a table covering
// every page up to and including highestPage.
func InfoTableSize(highestPage uintptr) mem.Size {
	return mem.Size(uint64(pmm.FrameFromAddress(highestPage))+1) << mem.PointerShift
}

// Init places the table at the virtual address addr, which must point to at
// least InfoTableSize(highestPage) bytes. Slots are not cleared.
func (t *InfoTable) Init(addr, highestPage uintptr) {
	t.base = addr
	t.entries = uint64(pmm.FrameFromAddress(highestPage)) + 1
}

// Entries returns the number of slots in the table.
func (t *InfoTable) Entries() uint64 {
	return t.entries
}

// Save stores info in the slot of the physical page physPage.
func (t *InfoTable) Save(physPage, info uintptr) {
	*t.slot(physPage) = info
}

// Get returns the value stored in the slot of the physical page physPage.
func (t *InfoTable) Get(physPage uintptr) uintptr {
	return *t.slot(physPage)
}

// Delete only checks that physPage is covered by the table. A slot is
// rewritten before its page joins another slab.
func (t *InfoTable) Delete(physPage uintptr) {
	t.slot(physPage)
}

func (t *InfoTable) slot(physPage uintptr) *uintptr {
	frame := pmm.FrameFromAddress(physPage)
	if uint64(frame) >= t.entries {
		panic(errInfoTableRange)
	}
	return (*uintptr)(unsafe.Pointer(t.base + uintptr(frame)<<mem.PointerShift))
}
