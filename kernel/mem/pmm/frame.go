// Package pmm contains the zoned physical memory manager: it turns the boot
// memory map into per-zone region lists and serves page allocations from one
// buddy allocator per zone.
package pmm

import "github.com/mrjbom/OS/kernel/mem"

// Frame describes a physical memory page index.
type Frame uintptr

// FrameFromAddress returns the frame that contains physAddr.
func FrameFromAddress(physAddr uintptr) Frame {
	return Frame(physAddr >> mem.PageShift)
}

// Address returns the physical address of the first byte of the frame.
func (f Frame) Address() uintptr {
	return uintptr(f) << mem.PageShift
}
