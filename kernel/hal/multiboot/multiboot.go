// Package multiboot extracts the physical memory map from the multiboot2
// information block passed in by the boot loader.
package multiboot

import (
	"unsafe"

	"github.com/mrjbom/OS/kernel/mem/bootmap"
)

type tagType uint32

// nolint
const (
	tagMbSectionEnd tagType = iota
	tagBootCmdLine
	tagBootLoaderName
	tagModules
	tagBasicMemoryInfo
	tagBiosBootDevice
	tagMemoryMap
	tagVbeInfo
	tagFramebufferInfo
	tagElfSymbols
	tagApmTable
)

// tagHeader describes the header the precedes each tag.
type tagHeader struct {
	tagType tagType

	// The size of the tag including the header but *not* including any
	// padding. Each tag starts at a 8-byte aligned address.
	size uint32
}

// mmapHeader describes the header for a memory map specification.
type mmapHeader struct {
	entrySize    uint32
	entryVersion uint32
}

// MemoryEntryType defines the type of a MemoryMapEntry.
type MemoryEntryType uint32

const (
	// MemAvailable indicates that the memory region is available for use.
	MemAvailable MemoryEntryType = iota + 1

	// MemReserved indicates that the memory region is not available for use.
	MemReserved

	// MemAcpiReclaimable indicates a memory region that holds ACPI info that
	// can be reused by the OS.
	MemAcpiReclaimable

	// MemNvs indicates memory that must be preserved when hibernating.
	MemNvs

	// MemBad indicates memory reported as defective.
	MemBad

	// Any value >= memUnknown will be mapped to MemReserved.
	memUnknown
)

// MemoryMapEntry describes a memory region entry, namely its physical address,
// its length and its type.
type MemoryMapEntry struct {
	PhysAddress uint64
	Length      uint64
	Type        MemoryEntryType
}

var (
	infoData uintptr

	// bootMap is filled by MemoryMap. It lives in the kernel image as no
	// heap is available when the memory map is parsed.
	bootMap bootmap.Map
)

// MemRegionVisitor defies a visitor function that gets invoked by VisitMemRegions
// for each memory region provided by the boot loader. The visitor must return true
// to continue or false to abort the scan.
type MemRegionVisitor func(entry *MemoryMapEntry) bool

// SetInfoPtr updates the internal multiboot information pointer to the given
// value. This function must be invoked before invoking any other function
// exported by this package.
func SetInfoPtr(ptr uintptr) {
	infoData = ptr
}

// VisitMemRegions will invoke the supplied visitor for each memory region that
// is defined by the multiboot info data that we received from the bootloader.
func VisitMemRegions(visitor MemRegionVisitor) {
	curPtr, size := findTagByType(tagMemoryMap)
	if size == 0 {
		return
	}

	// curPtr points to the memory map header (2 dwords long)
	ptrMapHeader := (*mmapHeader)(unsafe.Pointer(curPtr))
	endPtr := curPtr + uintptr(size)
	curPtr += 8

	var entry MemoryMapEntry
	for curPtr < endPtr {
		entry = *(*MemoryMapEntry)(unsafe.Pointer(curPtr))

		// Mark unknown entry types as reserved
		if entry.Type == 0 || entry.Type >= memUnknown {
			entry.Type = MemReserved
		}

		if !visitor(&entry) {
			return
		}

		curPtr += uintptr(ptrMapHeader.entrySize)
	}
}

// MemoryMap converts the multiboot memory map into a bootmap.Map and marks
// the physical range [kernelStart, kernelEnd) occupied by the kernel image so
// it never ends up in the usable set. The returned map is backed by a static
// buffer and is overwritten by subsequent calls. MemoryMap panics if the map
// has no room left to record the kernel image.
func MemoryMap(kernelStart, kernelEnd uint64) *bootmap.Map {
	bootMap = bootmap.Map{}

	VisitMemRegions(func(entry *MemoryMapEntry) bool {
		// Entries past the map capacity are dropped; the firmware never
		// reports that many in practice.
		return bootMap.Add(entry.PhysAddress, entry.PhysAddress+entry.Length, kindOf(entry.Type)) == nil
	})

	if err := bootMap.Exclude(kernelStart, kernelEnd, bootmap.KernelImage); err != nil {
		panic(err)
	}
	return &bootMap
}

func kindOf(t MemoryEntryType) bootmap.Kind {
	switch t {
	case MemAvailable:
		return bootmap.Usable
	case MemAcpiReclaimable:
		return bootmap.AcpiReclaimable
	case MemNvs:
		return bootmap.Nvs
	case MemBad:
		return bootmap.BadMemory
	default:
		return bootmap.Reserved
	}
}

// findTagByType scans the multiboot info data looking for the start of of the
// specified type. It returns a pointer to the tag contents start offset and
// the content length exluding the tag header.
//
// If the tag is not present in the multiboot info, findTagSection will return
// back (0,0).
func findTagByType(tagType tagType) (uintptr, uint32) {
	var ptrTagHeader *tagHeader

	curPtr := infoData + 8
	for ptrTagHeader = (*tagHeader)(unsafe.Pointer(curPtr)); ptrTagHeader.tagType != tagMbSectionEnd; ptrTagHeader = (*tagHeader)(unsafe.Pointer(curPtr)) {
		if ptrTagHeader.tagType == tagType {
			return curPtr + 8, ptrTagHeader.size - 8
		}

		// Tags are aligned at 8-byte aligned addresses
		curPtr += uintptr(int32(ptrTagHeader.size+7) & ^7)
	}

	return 0, 0
}
