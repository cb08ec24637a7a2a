// Package cpmm translates between physical addresses and their mirror in the
// complete physical memory mapping: a virtual region set up by the boot
// collaborator that maps all of physical memory, with caching enabled, at a
// constant offset. Nothing in this package creates mappings.
package cpmm

import "unsafe"

// DefaultOffset is the virtual address at which physical address zero is
// mirrored.
const DefaultOffset = uintptr(0xFFFF_A000_0000_0000)

// offset is written once at boot (or by a simulator before the memory manager
// is initialized) and only read afterwards.
var offset = DefaultOffset

// Offset returns the active mirror offset.
func Offset() uintptr {
	return offset
}

// SetOffset replaces the mirror offset. It must be called before any
// translation takes place; hosts that simulate physical memory use it to point
// the mirror at their backing store.
func SetOffset(off uintptr) {
	offset = off
}

// PhysToVirt returns the mirror address for physAddr.
func PhysToVirt(physAddr uintptr) uintptr {
	return physAddr + offset
}

// VirtToPhys converts a mirror address back to its physical address.
func VirtToPhys(virtAddr uintptr) uintptr {
	return virtAddr - offset
}

// Bytes overlays a byte slice on the mirror of the physical range
// [physAddr, physAddr+size).
func Bytes(physAddr, size uintptr) []byte {
	if size == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(PhysToVirt(physAddr))), size)
}
