// Package slab implements object caches that pack same-sized objects into
// slabs of whole pages obtained from the physical memory manager.
//
// Each slab is described by a SlabInfo record. Caches with the Small size
// type keep the record at the tail of their single-page slabs; Large caches
// allocate it from a dedicated SlabInfo cache and register every slab page in
// a physical-page-indexed table so that an object address can be mapped back
// to its slab in constant time.
package slab

import (
	"unsafe"

	"github.com/mrjbom/OS/kernel"
)

// SizeType selects where a cache keeps its slab bookkeeping.
type SizeType uint8

const (
	// Small caches use single-page slabs and keep the SlabInfo record in
	// the last bytes of the slab.
	Small SizeType = iota

	// Large caches allocate SlabInfo records out of band and look them up
	// through the slab info table.
	Large
)

// String implements fmt.Stringer for SizeType.
func (t SizeType) String() string {
	if t == Small {
		return "small"
	}
	return "large"
}

type listID uint8

const (
	listFree listID = iota
	listPartial
	listFull
	listCount
)

// SlabInfo describes a single slab. It lives in memory managed by the slab
// allocator and only contains addresses, never Go pointers.
type SlabInfo struct {
	next, prev uintptr

	// slab is the address of the first object in the slab.
	slab uintptr

	// freeHead points to the first free object. Each free object stores
	// the address of the next one in its first word.
	freeHead uintptr

	inUse    uint32
	capacity uint32
	list     listID
}

const (
	// minObjectSize is the room needed for the free list link.
	minObjectSize = unsafe.Sizeof(uintptr(0))

	// infoSpace is the tail area reserved for SlabInfo in Small slabs.
	infoSpace = (unsafe.Sizeof(SlabInfo{}) + minObjectSize - 1) &^ (minObjectSize - 1)
)

var (
	// ErrOutOfMemory is returned when a slab cannot be obtained.
	ErrOutOfMemory = &kernel.Error{Module: "slab", Message: "out of memory"}
)

func infoAt(addr uintptr) *SlabInfo {
	return (*SlabInfo)(unsafe.Pointer(addr))
}

// slabList is an intrusive doubly linked list of SlabInfo records.
type slabList struct {
	head  uintptr
	count uint32
}

func (l *slabList) push(addr uintptr) {
	info := infoAt(addr)
	info.prev = 0
	info.next = l.head
	if l.head != 0 {
		infoAt(l.head).prev = addr
	}
	l.head = addr
	l.count++
}

func (l *slabList) remove(addr uintptr) {
	info := infoAt(addr)
	if info.prev != 0 {
		infoAt(info.prev).next = info.next
	} else {
		l.head = info.next
	}
	if info.next != 0 {
		infoAt(info.next).prev = info.prev
	}
	info.next, info.prev = 0, 0
	l.count--
}
