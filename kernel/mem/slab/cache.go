package slab

import (
	"unsafe"

	"github.com/mrjbom/OS/kernel"
	"github.com/mrjbom/OS/kernel/sync"
)

var (
	errBadPageSize    = &kernel.Error{Module: "slab", Message: "page size must be a power of two"}
	errBadSlabSize    = &kernel.Error{Module: "slab", Message: "slab size must be a power of two multiple of the page size"}
	errSmallSlabSize  = &kernel.Error{Module: "slab", Message: "small caches require single page slabs"}
	errBadAlign       = &kernel.Error{Module: "slab", Message: "object alignment must be a power of two"}
	errObjectTooLarge = &kernel.Error{Module: "slab", Message: "object does not fit in a slab"}
	errNilBackend     = &kernel.Error{Module: "slab", Message: "cache requires a memory backend"}
	errForeignObject  = &kernel.Error{Module: "slab", Message: "address is not an object of this cache"}
)

// CacheStats is a snapshot of the state of a cache.
type CacheStats struct {
	ObjectSize     uintptr
	SlabSize       uintptr
	ObjectsPerSlab uint32
	FreeSlabs      uint32
	PartialSlabs   uint32
	FullSlabs      uint32
	ObjectsInUse   uint64
}

// Slabs returns the total number of slabs held by the cache.
func (s CacheStats) Slabs() uint32 {
	return s.FreeSlabs + s.PartialSlabs + s.FullSlabs
}

// ObjectCache serves fixed-size objects addressed by their virtual address.
// At most one completely free slab is kept around; further empty slabs are
// handed back to the backend.
type ObjectCache struct {
	lock sync.Spinlock

	objSize  uintptr
	slabSize uintptr
	pageSize uintptr
	capacity uint32
	sizeType SizeType
	backend  MemoryBackend

	lists [listCount]slabList
	inUse uint64
}

// Init validates the cache geometry and prepares an empty cache. The object
// size is raised to hold a free list link and rounded up to align; objects
// whose size is a power of two are aligned to their size.
func (c *ObjectCache) Init(objSize, align, slabSize, pageSize uintptr, sizeType SizeType, backend MemoryBackend) *kernel.Error {
	switch {
	case backend == nil:
		return errNilBackend
	case pageSize == 0 || pageSize&(pageSize-1) != 0:
		return errBadPageSize
	case slabSize < pageSize || slabSize&(slabSize-1) != 0:
		return errBadSlabSize
	case sizeType == Small && slabSize != pageSize:
		return errSmallSlabSize
	}

	if align < minObjectSize {
		align = minObjectSize
	}
	if align&(align-1) != 0 {
		return errBadAlign
	}

	if objSize < minObjectSize {
		objSize = minObjectSize
	}
	if objSize&(objSize-1) == 0 && objSize <= pageSize && objSize > align {
		align = objSize
	}
	objSize = (objSize + align - 1) &^ (align - 1)

	usable := slabSize
	if sizeType == Small {
		usable -= infoSpace
	}

	capacity := usable / objSize
	if capacity == 0 {
		return errObjectTooLarge
	}

	*c = ObjectCache{
		objSize:  objSize,
		slabSize: slabSize,
		pageSize: pageSize,
		capacity: uint32(capacity),
		sizeType: sizeType,
		backend:  backend,
	}
	return nil
}

// ObjectSize returns the size of the objects served by the cache.
func (c *ObjectCache) ObjectSize() uintptr {
	return c.objSize
}

// AllocAddr returns the address of a free object or 0 if no slab could be
// obtained from the backend.
func (c *ObjectCache) AllocAddr() uintptr {
	c.lock.Acquire()

	info := c.lists[listPartial].head
	if info == 0 {
		info = c.lists[listFree].head
	}
	if info == 0 {
		if info = c.grow(); info == 0 {
			c.lock.Release()
			return 0
		}
	}

	s := infoAt(info)
	obj := s.freeHead
	s.freeHead = *(*uintptr)(unsafe.Pointer(obj))
	s.inUse++
	c.inUse++

	switch {
	case s.inUse == s.capacity:
		c.move(info, listFull)
	case s.list == listFree:
		c.move(info, listPartial)
	}

	c.lock.Release()
	return obj
}

// FreeAddr returns an object obtained by AllocAddr to the cache.
func (c *ObjectCache) FreeAddr(addr uintptr) {
	// The slab address and capacity of a live slab never change so the
	// object can be validated before taking the lock.
	info := c.infoFor(addr)
	s := infoAt(info)
	off := addr - s.slab
	if addr < s.slab || off >= uintptr(s.capacity)*c.objSize || off%c.objSize != 0 {
		panic(errForeignObject)
	}

	c.lock.Acquire()

	*(*uintptr)(unsafe.Pointer(addr)) = s.freeHead
	s.freeHead = addr
	s.inUse--
	c.inUse--

	if s.list == listFull {
		c.move(info, listPartial)
	}

	if s.inUse == 0 {
		c.move(info, listFree)
		if c.lists[listFree].count > 1 {
			c.release(info)
		}
	}

	c.lock.Release()
}

// Stats returns a snapshot of the cache state.
func (c *ObjectCache) Stats() CacheStats {
	c.lock.Acquire()
	defer c.lock.Release()

	return CacheStats{
		ObjectSize:     c.objSize,
		SlabSize:       c.slabSize,
		ObjectsPerSlab: c.capacity,
		FreeSlabs:      c.lists[listFree].count,
		PartialSlabs:   c.lists[listPartial].count,
		FullSlabs:      c.lists[listFull].count,
		ObjectsInUse:   c.inUse,
	}
}

// grow obtains a new slab from the backend, threads its objects into a free
// list and puts it on the free slab list.
func (c *ObjectCache) grow() uintptr {
	slab := c.backend.AllocSlab(c.slabSize, c.pageSize)
	if slab == 0 {
		return 0
	}

	var info uintptr
	if c.sizeType == Small {
		info = slab + c.slabSize - infoSpace
	} else {
		if info = c.backend.AllocSlabInfo(); info == 0 {
			c.backend.FreeSlab(slab, c.slabSize, c.pageSize)
			return 0
		}

		for page := slab; page < slab+c.slabSize; page += c.pageSize {
			c.backend.SaveSlabInfoPtr(page, info)
		}
	}

	var next uintptr
	for i := uintptr(c.capacity); i > 0; i-- {
		obj := slab + (i-1)*c.objSize
		*(*uintptr)(unsafe.Pointer(obj)) = next
		next = obj
	}

	*infoAt(info) = SlabInfo{
		slab:     slab,
		freeHead: next,
		capacity: c.capacity,
		list:     listFree,
	}
	c.lists[listFree].push(info)

	return info
}

// release hands an empty slab back to the backend.
func (c *ObjectCache) release(info uintptr) {
	c.lists[listFree].remove(info)

	slab := infoAt(info).slab
	if c.sizeType == Large {
		for page := slab; page < slab+c.slabSize; page += c.pageSize {
			c.backend.DeleteSlabInfoPtr(page)
		}
		c.backend.FreeSlabInfo(info)
	}

	c.backend.FreeSlab(slab, c.slabSize, c.pageSize)
}

// infoFor locates the SlabInfo record of the slab that contains addr.
func (c *ObjectCache) infoFor(addr uintptr) uintptr {
	if addr == 0 {
		panic(errForeignObject)
	}

	page := addr &^ (c.pageSize - 1)
	if c.sizeType == Small {
		return page + c.slabSize - infoSpace
	}

	info := c.backend.GetSlabInfoPtr(page)
	if info == 0 {
		panic(errForeignObject)
	}
	return info
}

func (c *ObjectCache) move(info uintptr, to listID) {
	s := infoAt(info)
	c.lists[s.list].remove(info)
	c.lists[to].push(info)
	s.list = to
}

// Cache is a typed view over an ObjectCache. T must not contain Go pointers
// as objects live in memory the garbage collector does not scan.
type Cache[T any] struct {
	ObjectCache
}

// Init prepares the cache for objects of type T.
func (c *Cache[T]) Init(slabSize, pageSize uintptr, sizeType SizeType, backend MemoryBackend) *kernel.Error {
	var zero T
	return c.ObjectCache.Init(unsafe.Sizeof(zero), unsafe.Alignof(zero), slabSize, pageSize, sizeType, backend)
}

// Alloc returns a zeroed object or nil if the cache could not grow.
func (c *Cache[T]) Alloc() *T {
	addr := c.AllocAddr()
	if addr == 0 {
		return nil
	}

	kernel.Memset(addr, 0, c.objSize)
	return (*T)(unsafe.Pointer(addr))
}

// Free returns obj to the cache.
func (c *Cache[T]) Free(obj *T) {
	c.FreeAddr(uintptr(unsafe.Pointer(obj)))
}
