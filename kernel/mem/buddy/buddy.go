// Package buddy implements a page granularity binary buddy allocator whose
// bookkeeping lives in a caller supplied metadata buffer.
//
// The allocator tracks a complete binary tree laid over the arena rounded up
// to a power of two pages. Level 0 holds the root and the deepest level holds
// one node per page. Every node records the largest free order inside its
// subtree plus one; 0 means nothing is free. A node that carries the maximum
// value for its level is completely free and so are all of its descendants,
// while a node with value 0 whose parent region was handed out as a unit marks
// the start of an allocated block.
//
// Nodes are bit packed: each level only uses as many bits as its maximum
// value requires so the metadata for a 4 GiB arena stays below 512 KiB.
package buddy

import (
	"math/bits"

	"github.com/mrjbom/OS/kernel"
	"github.com/mrjbom/OS/kernel/mem"
)

// maxLevels bounds the tree depth; 2^63 pages is far beyond any arena.
const maxLevels = 64

var (
	errBadPageSize      = &kernel.Error{Module: "buddy", Message: "page size must be a power of two"}
	errBadArenaStart    = &kernel.Error{Module: "buddy", Message: "arena start must be a non-zero page aligned address"}
	errBadArenaSize     = &kernel.Error{Module: "buddy", Message: "arena size must be a non-zero multiple of the page size"}
	errMetadataTooSmall = &kernel.Error{Module: "buddy", Message: "metadata buffer is smaller than the size reported by SizeofAlignment"}
	errBadSize          = &kernel.Error{Module: "buddy", Message: "allocation size must be a power of two and at least one page"}
	errBadAddress       = &kernel.Error{Module: "buddy", Message: "address is outside the arena or not page aligned"}
	errBadRange         = &kernel.Error{Module: "buddy", Message: "range is outside the arena"}
	errNotAllocated     = &kernel.Error{Module: "buddy", Message: "address does not belong to an allocated block"}
	errMoveUnsupported  = &kernel.Error{Module: "buddy", Message: "realloc cannot move block contents"}
)

// geometry describes the shape of the packed tree for a given arena.
type geometry struct {
	depth     uint8
	levelBits [maxLevels]uint8
	levelOff  [maxLevels]uint64
	totalBits uint64
}

func newGeometry(pages uint64) geometry {
	var g geometry
	if pages > 1 {
		g.depth = uint8(bits.Len64(pages - 1))
	}

	for level := uint8(0); level <= g.depth; level++ {
		g.levelBits[level] = uint8(bits.Len8(g.depth - level + 1))
		g.levelOff[level] = g.totalBits
		g.totalBits += uint64(g.levelBits[level]) << level
	}

	return g
}

// metadataBytes returns the buffer size for the geometry. The extra byte
// lets accessors always read a 16-bit window.
func (g *geometry) metadataBytes() uint64 {
	return (g.totalBits+7)/8 + 1
}

// SizeofAlignment returns the number of metadata bytes required to manage an
// arena of arenaSize bytes with the given page size.
func SizeofAlignment(arenaSize, pageSize mem.Size) mem.Size {
	if pageSize == 0 || arenaSize == 0 {
		return 0
	}

	pages := uint64((arenaSize + pageSize - 1) / pageSize)
	g := newGeometry(pages)
	return mem.Size(g.metadataBytes())
}

// Allocator is a buddy allocator for a single contiguous arena. The zero value
// is unusable until Init succeeds. Allocator is not safe for concurrent use.
type Allocator struct {
	geometry

	meta       []byte
	arenaStart uintptr
	arenaSize  mem.Size
	pageSize   mem.Size
	pageShift  uint8
	pages      uint64
}

// Init prepares the allocator to manage [arenaStart, arenaStart+arenaSize)
// using metadata as its bookkeeping buffer. After Init the whole arena is
// free; callers that only want to hand out parts of it reserve the arena and
// release the usable ranges.
func (a *Allocator) Init(metadata []byte, arenaStart uintptr, arenaSize, pageSize mem.Size) *kernel.Error {
	if !mem.IsPowerOfTwo(pageSize) {
		return errBadPageSize
	}

	if arenaStart == 0 || arenaStart&uintptr(pageSize-1) != 0 {
		return errBadArenaStart
	}

	if arenaSize == 0 || arenaSize&(pageSize-1) != 0 {
		return errBadArenaSize
	}

	if mem.Size(len(metadata)) < SizeofAlignment(arenaSize, pageSize) {
		return errMetadataTooSmall
	}

	a.pages = uint64(arenaSize / pageSize)
	a.geometry = newGeometry(a.pages)
	a.meta = metadata
	a.arenaStart = arenaStart
	a.arenaSize = arenaSize
	a.pageSize = pageSize
	a.pageShift = uint8(bits.TrailingZeros64(uint64(pageSize)))

	a.fill(0, 0)

	// Pages that only exist because the tree is rounded up to a power of
	// two are never handed out.
	if virtPages := uint64(1) << a.depth; virtPages > a.pages {
		a.markRange(0, 0, a.pages, virtPages, false)
	}

	return nil
}

// ArenaStart returns the first address managed by the allocator.
func (a *Allocator) ArenaStart() uintptr { return a.arenaStart }

// ArenaSize returns the size of the managed arena.
func (a *Allocator) ArenaSize() mem.Size { return a.arenaSize }

// Contains returns true if addr falls inside the arena.
func (a *Allocator) Contains(addr uintptr) bool {
	return addr >= a.arenaStart && uint64(addr-a.arenaStart) < uint64(a.arenaSize)
}

// ReserveRange marks every page overlapping [addr, addr+size) as allocated.
func (a *Allocator) ReserveRange(addr uintptr, size mem.Size) {
	first, last := a.pageRange(addr, size)
	if first < last {
		a.markRange(0, 0, first, last, false)
	}
}

// ReleaseRange marks every page overlapping [addr, addr+size) as free,
// regardless of how the pages were previously accounted for. It is meant for
// populating the allocator at boot and must not be used on blocks obtained by
// Malloc.
func (a *Allocator) ReleaseRange(addr uintptr, size mem.Size) {
	first, last := a.pageRange(addr, size)
	if first < last {
		a.markRange(0, 0, first, last, true)
	}
}

// Malloc allocates a block of size bytes which must be a power of two no
// smaller than the page size. The returned block is aligned to its size
// relative to the arena start. Malloc returns 0 if no block is available.
func (a *Allocator) Malloc(size mem.Size) uintptr {
	order, ok := a.orderOf(size)
	if !ok {
		panic(errBadSize)
	}

	if order > a.depth {
		return 0
	}

	need := order + 1
	if a.get(0, 0) < need {
		return 0
	}

	var (
		level  uint8
		n      uint64
		target = a.depth - order
	)

	for level < target {
		n <<= 1
		level++
		if a.get(level, n) < need {
			n++
		}
	}

	a.set(level, n, 0)
	a.updateAncestors(level, n)

	return a.arenaStart + uintptr((n<<order)<<a.pageShift)
}

// Free releases a block returned by Malloc.
func (a *Allocator) Free(addr uintptr) {
	level, n := a.findBlock(addr)
	a.fill(level, n)
	a.updateAncestors(level, n)
}

// BlockSize returns the size of the allocated block starting at addr.
func (a *Allocator) BlockSize(addr uintptr) mem.Size {
	level, _ := a.findBlock(addr)
	return a.pageSize << (a.depth - level)
}

// Realloc replaces the block at addr with a block of newSize bytes. Block
// contents are not preserved so ignoreData must be set; the allocator has no
// way to copy physical memory. If no block of newSize bytes is available the
// original block is kept and Realloc returns 0.
func (a *Allocator) Realloc(addr uintptr, newSize mem.Size, ignoreData bool) uintptr {
	if !ignoreData {
		panic(errMoveUnsupported)
	}

	if _, ok := a.orderOf(newSize); !ok {
		panic(errBadSize)
	}

	oldSize := a.BlockSize(addr)
	a.Free(addr)

	newAddr := a.Malloc(newSize)
	if newAddr == 0 {
		a.ReserveRange(addr, oldSize)
	}

	return newAddr
}

// FreeBytes returns the number of bytes that are currently available.
func (a *Allocator) FreeBytes() mem.Size {
	if a.meta == nil {
		return 0
	}
	return mem.Size(a.freePages(0, 0)) << a.pageShift
}

func (a *Allocator) freePages(level uint8, n uint64) uint64 {
	switch a.get(level, n) {
	case 0:
		return 0
	case a.full(level):
		return uint64(1) << (a.depth - level)
	}

	return a.freePages(level+1, n<<1) + a.freePages(level+1, n<<1+1)
}

// findBlock locates the allocated block that starts at addr and returns its
// tree coordinates.
func (a *Allocator) findBlock(addr uintptr) (uint8, uint64) {
	if !a.Contains(addr) || addr&uintptr(a.pageSize-1) != 0 {
		panic(errBadAddress)
	}

	page := uint64(addr-a.arenaStart) >> a.pageShift
	for level := int(a.depth); level >= 0; level-- {
		shift := a.depth - uint8(level)
		if a.get(uint8(level), page>>shift) != 0 {
			continue
		}

		if page&(uint64(1)<<shift-1) != 0 {
			break
		}
		return uint8(level), page >> shift
	}

	panic(errNotAllocated)
}

// orderOf returns log2(size/pageSize) for valid allocation sizes.
func (a *Allocator) orderOf(size mem.Size) (uint8, bool) {
	if size < a.pageSize || !mem.IsPowerOfTwo(size) {
		return 0, false
	}
	return uint8(bits.TrailingZeros64(uint64(size)) - int(a.pageShift)), true
}

// pageRange converts a byte range to the page interval [first, last) relative
// to the arena start.
func (a *Allocator) pageRange(addr uintptr, size mem.Size) (uint64, uint64) {
	if size == 0 {
		return 0, 0
	}

	end := uint64(addr) + uint64(size)
	if addr < a.arenaStart || end > uint64(a.arenaStart)+uint64(a.arenaSize) {
		panic(errBadRange)
	}

	first := uint64(addr-a.arenaStart) >> a.pageShift
	last := (end - uint64(a.arenaStart) + uint64(a.pageSize) - 1) >> a.pageShift
	return first, last
}

// markRange frees or reserves the pages [lo, hi) inside the subtree rooted at
// (level, n).
func (a *Allocator) markRange(level uint8, n, lo, hi uint64, free bool) {
	shift := a.depth - level
	nodeLo, nodeHi := n<<shift, (n+1)<<shift
	if hi <= nodeLo || lo >= nodeHi {
		return
	}

	if lo <= nodeLo && hi >= nodeHi {
		full := a.full(level)
		if a.get(level, n) != full {
			a.fill(level, n)
		}
		if !free {
			a.set(level, n, 0)
		}
		return
	}

	left, right := n<<1, n<<1+1

	// An allocated block that is partially affected is split into two
	// allocated halves first.
	if a.get(level, n) == 0 {
		a.set(level+1, left, 0)
		a.set(level+1, right, 0)
	}

	a.markRange(level+1, left, lo, hi, free)
	a.markRange(level+1, right, lo, hi, free)
	a.update(level, n)
}

// fill marks the subtree rooted at (level, n) as completely free.
func (a *Allocator) fill(level uint8, n uint64) {
	for l, count := level, uint64(1); l <= a.depth; l, count = l+1, count<<1 {
		full := a.full(l)
		first := n << (l - level)
		for i := uint64(0); i < count; i++ {
			a.set(l, first+i, full)
		}
	}
}

func (a *Allocator) updateAncestors(level uint8, n uint64) {
	for level > 0 {
		level--
		n >>= 1
		a.update(level, n)
	}
}

// update recomputes an inner node from its children.
func (a *Allocator) update(level uint8, n uint64) {
	left, right := a.get(level+1, n<<1), a.get(level+1, n<<1+1)
	childFull := a.full(level + 1)

	switch {
	case left == childFull && right == childFull:
		a.set(level, n, a.full(level))
	case left > right:
		a.set(level, n, left)
	default:
		a.set(level, n, right)
	}
}

// full returns the value of a completely free node at level.
func (a *Allocator) full(level uint8) uint8 {
	return a.depth - level + 1
}

func (a *Allocator) get(level uint8, n uint64) uint8 {
	bitPos := a.levelOff[level] + n*uint64(a.levelBits[level])
	idx, shift := bitPos>>3, bitPos&7
	window := uint16(a.meta[idx]) | uint16(a.meta[idx+1])<<8
	return uint8(window>>shift) & (1<<a.levelBits[level] - 1)
}

func (a *Allocator) set(level uint8, n uint64, value uint8) {
	bitPos := a.levelOff[level] + n*uint64(a.levelBits[level])
	idx, shift := bitPos>>3, bitPos&7
	mask := uint16(1<<a.levelBits[level]-1) << shift
	window := uint16(a.meta[idx]) | uint16(a.meta[idx+1])<<8
	window = window&^mask | uint16(value)<<shift&mask
	a.meta[idx] = byte(window)
	a.meta[idx+1] = byte(window >> 8)
}
