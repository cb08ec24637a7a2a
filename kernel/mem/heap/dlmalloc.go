// Package heap provides the general purpose allocator of the kernel: a
// boundary tag heap in the style of dlmalloc that grows by requesting
// power-of-two blocks from a SystemAllocator.
package heap

import (
	"math/bits"
	"unsafe"

	"github.com/mrjbom/OS/kernel"
)

const (
	// chunkAlign is the alignment of every chunk and every returned
	// address.
	chunkAlign = 16

	// chunkOverhead is the header size: the previous chunk footer and the
	// size/flags word.
	chunkOverhead = 16

	// minChunkSize leaves room for the free list links.
	minChunkSize = 32

	flagPInUse = uintptr(1)
	flagCInUse = uintptr(2)
	flagDirect = uintptr(4)
	flagMask   = flagPInUse | flagCInUse | flagDirect

	smallBinCount = 32
	largeBinCount = 32

	// minLargeSize is the smallest chunk size kept in a large bin.
	minLargeSize = smallBinCount << 4

	// minSegmentSize is the smallest block requested from the system for
	// a heap segment.
	minSegmentSize = 64 * 1024

	// directThreshold is the request size from which memory is obtained
	// directly from the system instead of a segment.
	directThreshold = 256 * 1024

	maxSegments = 256

	maxRequest = uintptr(1) << 48
)

var (
	errNotInUse = &kernel.Error{Module: "heap", Message: "address is not an allocated heap chunk"}
	errBadAlign = &kernel.Error{Module: "heap", Message: "alignment must be a non-zero power of two"}

	errCorruptChunk   = &kernel.Error{Module: "heap", Message: "chunk size or flags are inconsistent"}
	errAdjacentFree   = &kernel.Error{Module: "heap", Message: "two adjacent free chunks"}
	errFreeAccounting = &kernel.Error{Module: "heap", Message: "binned bytes do not match the free chunks"}
)

// SystemAllocator supplies the memory the heap is carved from. Addresses are
// virtual and page aligned.
type SystemAllocator interface {
	// Alloc returns a block of at least size bytes and its actual size or
	// (0, 0) on failure.
	Alloc(size uintptr) (uintptr, uintptr)

	// Remap resizes a block returned by Alloc. If canMove is false the
	// block must be resized in place. It returns the new block address or
	// 0 on failure, in which case the old block is untouched.
	Remap(addr, oldSize, newSize uintptr, canMove bool) uintptr

	// Free releases a block returned by Alloc or Remap.
	Free(addr, size uintptr) bool

	// PageSize returns the system page size.
	PageSize() uintptr
}

// Stats describes the memory held by a Dlmalloc instance.
type Stats struct {
	// SystemBytes is the memory obtained from the system allocator.
	SystemBytes uintptr

	// InUseBytes is the size of all allocated chunks including headers.
	InUseBytes uintptr

	// FreeBytes is the size of all binned free chunks.
	FreeBytes uintptr

	Segments     int
	DirectChunks int
	Allocations  int
}

type segment struct {
	base, size uintptr
}

// chunk is the address of a chunk header. An allocated chunk has the layout
//
//	+0   size of the previous chunk if that chunk is free
//	+8   size of this chunk | flags
//	+16  payload
//
// Free chunks keep their free list links in the first two payload words.
type chunk uintptr

func word(addr uintptr) *uintptr {
	return (*uintptr)(unsafe.Pointer(addr))
}

func (c chunk) prevFoot() uintptr { return *word(uintptr(c)) }
func (c chunk) setPrevFoot(v uintptr) { *word(uintptr(c)) = v }
func (c chunk) head() uintptr { return *word(uintptr(c) + 8) }
func (c chunk) setHead(v uintptr) { *word(uintptr(c) + 8) = v }
func (c chunk) size() uintptr { return c.head() &^ flagMask }
func (c chunk) inUse() bool { return c.head()&flagCInUse != 0 }
func (c chunk) prevInUse() bool { return c.head()&flagPInUse != 0 }
func (c chunk) next() chunk { return chunk(uintptr(c) + c.size()) }
func (c chunk) mem() uintptr { return uintptr(c) + chunkOverhead }
func (c chunk) fd() chunk { return chunk(*word(uintptr(c) + 16)) }
func (c chunk) setFd(v chunk) { *word(uintptr(c) + 16) = uintptr(v) }
func (c chunk) bk() chunk { return chunk(*word(uintptr(c) + 24)) }
func (c chunk) setBk(v chunk) { *word(uintptr(c) + 24) = uintptr(v) }

func chunkFromMem(addr uintptr) chunk { return chunk(addr - chunkOverhead) }
func alignUp(v, align uintptr) uintptr { return (v + align - 1) &^ (align - 1) }
func isPowerOfTwo(v uintptr) bool { return v != 0 && v&(v-1) == 0 }
func nextPowerOfTwo(v uintptr) uintptr { return uintptr(1) << bits.Len(uint(v-1)) }
func minUintptr(a, b uintptr) uintptr {
	if a < b {
		return a
	}
	return b
}

// requestSize converts a request to the size of the chunk that serves it.
func requestSize(req uintptr) uintptr {
	size := alignUp(req+chunkOverhead, chunkAlign)
	if size < minChunkSize {
		size = minChunkSize
	}
	return size
}

func largeIndex(size uintptr) int {
	idx := bits.Len(uint(size)) - 10
	if idx >= largeBinCount {
		idx = largeBinCount - 1
	}
	return idx
}

// Dlmalloc is a boundary tag allocator. Free chunks are kept in exact-size
// small bins and power-of-two large bins whose occupancy is tracked in
// bitmaps. Memory comes from the system in segments that end with an in-use
// fence header; a segment that becomes completely free is returned.
// Dlmalloc is not safe for concurrent use.
type Dlmalloc struct {
	sys SystemAllocator

	smallMap  uint32
	largeMap  uint32
	smallBins [smallBinCount]chunk
	largeBins [largeBinCount]chunk

	segments [maxSegments]segment
	segCount int

	stats Stats
}

// Init resets the allocator to an empty heap backed by sys.
func (d *Dlmalloc) Init(sys SystemAllocator) {
	*d = Dlmalloc{sys: sys}
}

// Stats returns the allocator counters.
func (d *Dlmalloc) Stats() Stats {
	s := d.stats
	s.Segments = d.segCount
	return s
}

// Malloc returns a 16-byte aligned block of at least size bytes or 0.
func (d *Dlmalloc) Malloc(size uintptr) uintptr {
	if size > maxRequest {
		return 0
	}

	if size >= directThreshold {
		return d.directAlloc(size, chunkAlign)
	}

	nb := requestSize(size)
	c := d.findFit(nb)
	if c == 0 {
		if !d.addSegment(nb) {
			return 0
		}
		c = d.findFit(nb)
	}

	d.unlinkChunk(c)
	d.useChunk(c, nb)
	d.stats.Allocations++
	return c.mem()
}

// Free releases a block returned by Malloc, Realloc or Memalign. Freeing 0
// is a no-op.
func (d *Dlmalloc) Free(addr uintptr) {
	if addr == 0 {
		return
	}

	c := chunkFromMem(addr)
	if !c.inUse() {
		panic(errNotInUse)
	}

	d.stats.Allocations--
	if c.head()&flagDirect != 0 {
		d.directFree(c)
		return
	}

	d.freeChunk(c)
}

// Realloc resizes the block at addr, moving it if required. Realloc(0, n)
// behaves like Malloc and Realloc(addr, 0) like Free. On failure 0 is
// returned and the original block is left untouched.
func (d *Dlmalloc) Realloc(addr, size uintptr) uintptr {
	if size == 0 {
		d.Free(addr)
		return 0
	}

	if addr == 0 {
		return d.Malloc(size)
	}

	if size > maxRequest {
		return 0
	}

	c := chunkFromMem(addr)
	if !c.inUse() {
		panic(errNotInUse)
	}

	if c.head()&flagDirect != 0 {
		if newAddr := d.remapDirect(c, size); newAddr != 0 {
			return newAddr
		}
	} else if size < directThreshold && d.resizeInPlace(c, requestSize(size)) {
		return addr
	}

	newAddr := d.Malloc(size)
	if newAddr == 0 {
		return 0
	}

	kernel.Memcopy(addr, newAddr, minUintptr(c.size()-chunkOverhead, size))
	d.Free(addr)
	return newAddr
}

// Memalign returns a block of at least size bytes aligned to align.
func (d *Dlmalloc) Memalign(align, size uintptr) uintptr {
	if !isPowerOfTwo(align) {
		panic(errBadAlign)
	}

	if align <= chunkAlign {
		return d.Malloc(size)
	}

	if size > maxRequest {
		return 0
	}

	nb := requestSize(size)
	if nb+align+minChunkSize >= directThreshold {
		return d.directAlloc(size, align)
	}

	addr := d.Malloc(nb + align + minChunkSize)
	if addr == 0 {
		return 0
	}

	c := chunkFromMem(addr)
	if addr&(align-1) != 0 {
		aligned := alignUp(addr, align)
		if aligned-addr < minChunkSize {
			aligned += align
		}

		// Give the leading part back as a free chunk.
		lead := aligned - addr
		nc := chunk(uintptr(c) + lead)
		nc.setHead((c.size() - lead) | flagPInUse | flagCInUse)
		c.setHead(lead | c.head()&flagPInUse | flagCInUse)
		d.freeChunk(c)
		c = nc
	}

	d.trim(c, nb)
	return c.mem()
}

// resizeInPlace shrinks c or grows it into a free successor. It returns
// false if the chunk cannot be resized without moving.
func (d *Dlmalloc) resizeInPlace(c chunk, nb uintptr) bool {
	if nb <= c.size() {
		d.trim(c, nb)
		return true
	}

	next := c.next()
	if next.inUse() || c.size()+next.size() < nb {
		return false
	}

	d.unlinkChunk(next)
	d.stats.InUseBytes += next.size()
	c.setHead((c.size() + next.size()) | c.head()&(flagPInUse|flagCInUse))
	after := c.next()
	after.setHead(after.head() | flagPInUse)

	d.trim(c, nb)
	return true
}

// trim splits the tail of the in-use chunk c past nb bytes into a free chunk
// if it is large enough to stand on its own.
func (d *Dlmalloc) trim(c chunk, nb uintptr) {
	size := c.size()
	if size-nb < minChunkSize {
		return
	}

	c.setHead(nb | c.head()&flagPInUse | flagCInUse)
	rem := chunk(uintptr(c) + nb)
	rem.setHead((size - nb) | flagPInUse | flagCInUse)
	d.freeChunk(rem)
}

// findFit returns a free chunk of at least nb bytes or 0.
func (d *Dlmalloc) findFit(nb uintptr) chunk {
	start := 0
	if nb < minLargeSize {
		idx := uint(nb >> 4)
		if candidates := d.smallMap >> idx << idx; candidates != 0 {
			return d.smallBins[bits.TrailingZeros32(candidates)]
		}
	} else {
		idx := largeIndex(nb)
		var best chunk
		for c := d.largeBins[idx]; c != 0; c = c.fd() {
			if size := c.size(); size >= nb && (best == 0 || size < best.size()) {
				best = c
			}
		}
		if best != 0 {
			return best
		}
		start = idx + 1
	}

	if candidates := d.largeMap >> uint(start) << uint(start); candidates != 0 {
		return d.largeBins[bits.TrailingZeros32(candidates)]
	}
	return 0
}

// useChunk marks the unlinked free chunk c as allocated, splitting off any
// remainder past nb bytes.
func (d *Dlmalloc) useChunk(c chunk, nb uintptr) {
	size := c.size()
	if size-nb >= minChunkSize {
		rem := chunk(uintptr(c) + nb)
		rem.setHead((size - nb) | flagPInUse)
		rem.next().setPrevFoot(size - nb)
		d.insertChunk(rem)
		size = nb
	} else {
		next := c.next()
		next.setHead(next.head() | flagPInUse)
	}

	c.setHead(size | c.head()&flagPInUse | flagCInUse)
	d.stats.InUseBytes += size
}

// freeChunk releases the in-use chunk c, coalescing it with free neighbours
// and returning its segment to the system once the segment is empty.
func (d *Dlmalloc) freeChunk(c chunk) {
	size := c.size()
	d.stats.InUseBytes -= size

	if !c.prevInUse() {
		prevSize := c.prevFoot()
		c = chunk(uintptr(c) - prevSize)
		d.unlinkChunk(c)
		size += prevSize
	}

	next := chunk(uintptr(c) + size)
	if !next.inUse() {
		d.unlinkChunk(next)
		size += next.size()
		next = chunk(uintptr(c) + size)
	}

	c.setHead(size | flagPInUse)
	next.setPrevFoot(size)
	next.setHead(next.head() &^ flagPInUse)

	for i := 0; i < d.segCount; i++ {
		seg := d.segments[i]
		if uintptr(c) == seg.base && size == seg.size-chunkOverhead {
			d.releaseSegment(i)
			return
		}
	}

	d.insertChunk(c)
}

// addSegment obtains a segment large enough for a chunk of nb bytes and
// bins its free space.
func (d *Dlmalloc) addSegment(nb uintptr) bool {
	if d.segCount == maxSegments {
		return false
	}

	segSize := nextPowerOfTwo(nb + chunkOverhead)
	if segSize < minSegmentSize {
		segSize = minSegmentSize
	}

	base, got := d.sys.Alloc(segSize)
	if base == 0 {
		return false
	}

	d.segments[d.segCount] = segment{base: base, size: got}
	d.segCount++
	d.stats.SystemBytes += got

	c := chunk(base)
	size := got - chunkOverhead
	c.setPrevFoot(0)
	c.setHead(size | flagPInUse)

	fence := chunk(base + size)
	fence.setPrevFoot(size)
	fence.setHead(flagCInUse)

	d.insertChunk(c)
	return true
}

func (d *Dlmalloc) releaseSegment(i int) {
	seg := d.segments[i]
	d.segCount--
	d.segments[i] = d.segments[d.segCount]
	d.stats.SystemBytes -= seg.size
	d.sys.Free(seg.base, seg.size)
}

// directAlloc serves a request with its own system block. The chunk header
// is placed so that the payload is aligned; its footer word holds the offset
// from the block start.
func (d *Dlmalloc) directAlloc(size, align uintptr) uintptr {
	var extra uintptr
	if align > chunkAlign {
		extra = align - chunkAlign
	}

	sysSize := nextPowerOfTwo(alignUp(size+chunkOverhead+extra, d.sys.PageSize()))
	base, got := d.sys.Alloc(sysSize)
	if base == 0 {
		return 0
	}

	off := alignUp(base+chunkOverhead, align) - chunkOverhead - base
	c := chunk(base + off)
	c.setPrevFoot(off)
	c.setHead((got - off) | flagCInUse | flagDirect)

	d.stats.SystemBytes += got
	d.stats.InUseBytes += got - off
	d.stats.DirectChunks++
	d.stats.Allocations++
	return c.mem()
}

func (d *Dlmalloc) directFree(c chunk) {
	off := c.prevFoot()
	total := c.size() + off

	d.stats.SystemBytes -= total
	d.stats.InUseBytes -= c.size()
	d.stats.DirectChunks--
	d.sys.Free(uintptr(c)-off, total)
}

// remapDirect resizes a direct chunk through the system allocator. It returns
// 0 if the chunk has to be moved by copying instead.
func (d *Dlmalloc) remapDirect(c chunk, size uintptr) uintptr {
	if size < directThreshold || c.prevFoot() != 0 {
		return 0
	}

	oldSize := c.size()
	newSize := nextPowerOfTwo(alignUp(size+chunkOverhead, d.sys.PageSize()))
	if newSize == oldSize {
		return c.mem()
	}

	base := d.sys.Remap(uintptr(c), oldSize, newSize, true)
	if base == 0 {
		return 0
	}

	nc := chunk(base)
	nc.setPrevFoot(0)
	nc.setHead(newSize | flagCInUse | flagDirect)

	d.stats.SystemBytes += newSize - oldSize
	d.stats.InUseBytes += newSize - oldSize
	return nc.mem()
}

func (d *Dlmalloc) binFor(size uintptr) (*chunk, *uint32, uint32) {
	if size < minLargeSize {
		idx := size >> 4
		return &d.smallBins[idx], &d.smallMap, uint32(1) << idx
	}

	idx := largeIndex(size)
	return &d.largeBins[idx], &d.largeMap, uint32(1) << uint(idx)
}

func (d *Dlmalloc) insertChunk(c chunk) {
	head, binMap, bit := d.binFor(c.size())

	c.setBk(0)
	c.setFd(*head)
	if *head != 0 {
		(*head).setBk(c)
	}
	*head = c
	*binMap |= bit

	d.stats.FreeBytes += c.size()
}

func (d *Dlmalloc) unlinkChunk(c chunk) {
	head, binMap, bit := d.binFor(c.size())

	fd, bk := c.fd(), c.bk()
	if bk == 0 {
		*head = fd
	} else {
		bk.setFd(fd)
	}
	if fd != 0 {
		fd.setBk(bk)
	}

	if *head == 0 {
		*binMap &^= bit
	}

	d.stats.FreeBytes -= c.size()
}

// Validate walks every segment and checks the chunk boundary tags. It is
// meant for tests and debugging.
func (d *Dlmalloc) Validate() *kernel.Error {
	var free uintptr

	for i := 0; i < d.segCount; i++ {
		seg := d.segments[i]
		end := seg.base + seg.size - chunkOverhead
		prevFree := false

		c := chunk(seg.base)
		for uintptr(c) < end {
			size := c.size()
			if size < minChunkSize || size&(chunkAlign-1) != 0 || uintptr(c)+size > end {
				return errCorruptChunk
			}

			if c.prevInUse() == prevFree {
				return errCorruptChunk
			}

			if !c.inUse() {
				if prevFree {
					return errAdjacentFree
				}
				if c.next().prevFoot() != size {
					return errCorruptChunk
				}
				free += size
			}

			prevFree = !c.inUse()
			c = c.next()
		}

		if uintptr(c) != end || c.head() != flagCInUse|pinUseFlag(!prevFree) {
			return errCorruptChunk
		}
	}

	if free != d.stats.FreeBytes {
		return errFreeAccounting
	}
	return nil
}

func pinUseFlag(prevInUse bool) uintptr {
	if prevInUse {
		return flagPInUse
	}
	return 0
}
