package pmm

import (
	"github.com/mrjbom/OS/kernel"
	"github.com/mrjbom/OS/kernel/kfmt"
	"github.com/mrjbom/OS/kernel/mem"
	"github.com/mrjbom/OS/kernel/mem/bootmap"
	"github.com/mrjbom/OS/kernel/mem/buddy"
	"github.com/mrjbom/OS/kernel/mem/cpmm"
	"github.com/mrjbom/OS/kernel/sync"
)

const (
	// isaDMAMetadataSize and dma32MetadataSize are large enough to manage
	// the full span of their zones.
	isaDMAMetadataSize = 3 * mem.Kb
	dma32MetadataSize  = 513 * mem.Kb
)

// State tracks the bootstrap progress of a Manager.
type State uint8

const (
	// StateUninitialized is the state of a zero Manager.
	StateUninitialized State = iota

	// StateCollecting means that the region lists are populated and early
	// carving is possible.
	StateCollecting

	// StateBootstrapping means that zone allocators are being set up.
	StateBootstrapping

	// StateReady means that allocation requests can be served.
	StateReady
)

// String implements fmt.Stringer for State.
func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateCollecting:
		return "collecting"
	case StateBootstrapping:
		return "bootstrapping"
	case StateReady:
		return "ready"
	default:
		return "unknown"
	}
}

var (
	// ErrOutOfMemory is returned when none of the requested zones can
	// satisfy an allocation.
	ErrOutOfMemory = &kernel.Error{Module: "pmm", Message: "out of memory"}

	errBadState       = &kernel.Error{Module: "pmm", Message: "operation not permitted in the current manager state"}
	errBadAllocSize   = &kernel.Error{Module: "pmm", Message: "allocation size must be a power of two and at least one page"}
	errForeignAddress = &kernel.Error{Module: "pmm", Message: "address does not belong to an initialized zone"}
	errCarveFailed    = &kernel.Error{Module: "pmm", Message: "no usable region is large enough for early carving"}
	errBadCarveSize   = &kernel.Error{Module: "pmm", Message: "early carving requires a non-zero size"}

	// carveDonors lists the zones CarveEarly takes memory from.
	carveDonors = Priority{ZoneDMA32, ZoneISADMA, ZoneHigh}

	// highMetadataDonors lists the zones that may host the HIGH zone
	// allocator metadata.
	highMetadataDonors = Priority{ZoneDMA32, ZoneISADMA}
)

type zoneAllocator struct {
	lock        sync.Spinlock
	buddy       buddy.Allocator
	initialized bool
}

// Manager is the physical memory manager. It must be driven through Collect,
// optionally CarveEarly, and Bootstrap before serving allocations. Each zone
// is guarded by its own lock; no operation holds more than one zone lock.
type Manager struct {
	state   State
	regions Regions

	// carved records the ranges removed from the region lists before the
	// zone allocators were set up.
	carved RegionList

	zones [zoneCount]zoneAllocator

	isaDMAMetadata [isaDMAMetadataSize]byte
	dma32Metadata  [dma32MetadataSize]byte
}

// State returns the bootstrap state of the manager.
func (m *Manager) State() State {
	return m.state
}

// Collect populates the region lists from the boot memory map. A map without
// usable memory in any zone is fatal.
func (m *Manager) Collect(bm *bootmap.Map) {
	m.mustBeIn(StateUninitialized)

	if err := collect(bm, &m.regions); err != nil {
		panic(err)
	}

	printRegions("usable memory", &m.regions.All)
	m.state = StateCollecting
}

// CarveEarly permanently removes size bytes (rounded up to whole pages) from
// the front of the first region that can hold them, trying the DMA32, ISA-DMA
// and HIGH zones in that order. It returns the physical address of the carved
// range. Carving is only possible before Bootstrap.
func (m *Manager) CarveEarly(size mem.Size) uintptr {
	m.mustBeIn(StateCollecting)

	if size == 0 {
		panic(errBadCarveSize)
	}

	addr := m.carve(size, carveDonors)
	if addr == 0 {
		panic(errCarveFailed)
	}
	return addr
}

// carve shrinks the first donor region that fits size and keeps the zone and
// ALL lists consistent.
func (m *Manager) carve(size mem.Size, donors Priority) uintptr {
	size = mem.AlignUp(size, mem.PageSize)

	for _, z := range donors {
		list := &m.regions.Zones[z]
		for i := 0; i < list.Len(); i++ {
			r := list.At(i)
			if r.Size() < size {
				continue
			}

			first := r.FirstPage
			last := first + uintptr(size-mem.PageSize)
			list.Exclude(first, last)
			m.regions.All.Exclude(first, last)
			m.carved.Push(UsableRegion{FirstPage: first, LastPage: last})

			kfmt.Printf("[pmm] carved %d KiB at 0x%x from zone %s\n", uint64(size/mem.Kb), first, z.String())
			return first
		}
	}

	return 0
}

// Bootstrap sets up the allocator of every zone that received usable
// regions. The HIGH zone keeps its metadata in memory carved from the DMA32
// or ISA-DMA zones, so carving happens before any zone releases its ranges.
func (m *Manager) Bootstrap() {
	m.mustBeIn(StateCollecting)
	m.state = StateBootstrapping

	var highMeta []byte
	if span := m.zoneSpan(ZoneHigh); span != 0 {
		size := mem.AlignUp(buddy.SizeofAlignment(span, mem.PageSize), mem.PageSize)
		addr := m.carve(size, highMetadataDonors)
		if addr == 0 {
			panic(errCarveFailed)
		}
		highMeta = cpmm.Bytes(addr, uintptr(size))
	}

	m.initZone(ZoneISADMA, m.isaDMAMetadata[:])
	m.initZone(ZoneDMA32, m.dma32Metadata[:])
	m.initZone(ZoneHigh, highMeta)

	var initialized int
	for z := range m.zones {
		if m.zones[z].initialized {
			initialized++
		}
	}

	if initialized == 0 {
		panic(errNoUsableMemory)
	}

	m.state = StateReady
}

// zoneSpan returns the size of the range between the first and last usable
// page of a zone.
func (m *Manager) zoneSpan(z Zone) mem.Size {
	list := &m.regions.Zones[z]
	if list.Len() == 0 {
		return 0
	}

	return mem.Size(list.At(list.Len()-1).LastPage-list.At(0).FirstPage) + mem.PageSize
}

// initZone creates the zone allocator, marks its whole span as allocated and
// then releases each usable region in ascending order.
func (m *Manager) initZone(z Zone, metadata []byte) {
	list := &m.regions.Zones[z]
	span := m.zoneSpan(z)
	if span == 0 {
		kfmt.Printf("[pmm] zone %s: no usable memory\n", z.String())
		return
	}

	za := &m.zones[z]
	arenaStart := list.At(0).FirstPage
	if err := za.buddy.Init(metadata, arenaStart, span, mem.PageSize); err != nil {
		panic(err)
	}

	za.buddy.ReserveRange(arenaStart, span)
	list.Visit(func(r UsableRegion) bool {
		za.buddy.ReleaseRange(r.FirstPage, r.Size())
		return true
	})

	za.initialized = true
	kfmt.Printf("[pmm] zone %s: %d KiB free\n", z.String(), uint64(za.buddy.FreeBytes()/mem.Kb))
}

// Alloc allocates size bytes from the first zone in p that can satisfy the
// request. Uninitialized zones are skipped. size must be a power of two no
// smaller than a page.
func (m *Manager) Alloc(p Priority, size mem.Size) (uintptr, *kernel.Error) {
	m.mustBeIn(StateReady)

	if err := p.Validate(); err != nil {
		panic(err)
	}

	if size < mem.PageSize || !mem.IsPowerOfTwo(size) {
		panic(errBadAllocSize)
	}

	for _, z := range p {
		za := &m.zones[z]
		if !za.initialized {
			continue
		}

		za.lock.Acquire()
		addr := za.buddy.Malloc(size)
		za.lock.Release()

		if addr != 0 {
			return addr, nil
		}
	}

	return 0, ErrOutOfMemory
}

// Free releases a block obtained by Alloc. The owning zone is derived from
// the address.
func (m *Manager) Free(addr uintptr) {
	m.mustBeIn(StateReady)

	za := m.owner(addr)
	za.lock.Acquire()
	za.buddy.Free(addr)
	za.lock.Release()
}

// Realloc replaces the block at addr with a block of newSize bytes from the
// same zone. Block contents are not preserved so ignoreData must be set. On
// failure the original block stays allocated.
func (m *Manager) Realloc(addr uintptr, newSize mem.Size, ignoreData bool) (uintptr, *kernel.Error) {
	m.mustBeIn(StateReady)

	if newSize < mem.PageSize || !mem.IsPowerOfTwo(newSize) {
		panic(errBadAllocSize)
	}

	za := m.owner(addr)
	za.lock.Acquire()
	newAddr := za.buddy.Realloc(addr, newSize, ignoreData)
	za.lock.Release()

	if newAddr == 0 {
		return 0, ErrOutOfMemory
	}
	return newAddr, nil
}

func (m *Manager) owner(addr uintptr) *zoneAllocator {
	z, ok := ZoneOf(addr)
	if !ok || !m.zones[z].initialized || !m.zones[z].buddy.Contains(addr) {
		panic(errForeignAddress)
	}

	// The zone arena spans the holes between usable regions; those pages
	// stay reserved in the buddy and must never reach it through Free.
	if !m.regions.Zones[z].Contains(addr) {
		panic(errForeignAddress)
	}
	return &m.zones[z]
}

func (m *Manager) mustBeIn(s State) {
	if m.state != s {
		panic(errBadState)
	}
}

// Regions returns the list of all usable regions.
func (m *Manager) Regions() *RegionList {
	return &m.regions.All
}

// ZoneRegions returns the usable regions that belong to z.
func (m *Manager) ZoneRegions(z Zone) *RegionList {
	return &m.regions.Zones[z]
}

// Carved returns the ranges removed by early carving.
func (m *Manager) Carved() *RegionList {
	return &m.carved
}

// ZoneInitialized returns true if z has an allocator.
func (m *Manager) ZoneInitialized(z Zone) bool {
	return m.zones[z].initialized
}

// FreeBytes returns the number of free bytes in z.
func (m *Manager) FreeBytes(z Zone) mem.Size {
	za := &m.zones[z]
	if !za.initialized {
		return 0
	}

	za.lock.Acquire()
	defer za.lock.Release()
	return za.buddy.FreeBytes()
}

// HighestUsablePage returns the address of the last usable page or 0 if no
// regions have been collected.
func (m *Manager) HighestUsablePage() uintptr {
	all := &m.regions.All
	if all.Len() == 0 {
		return 0
	}
	return all.At(all.Len() - 1).LastPage
}

// PrintZones dumps the region lists and zone usage through kfmt.
func (m *Manager) PrintZones() {
	printRegions("usable memory", &m.regions.All)
	for z := ZoneISADMA; z < zoneCount; z++ {
		printRegions(z.String(), &m.regions.Zones[z])
		if m.zones[z].initialized {
			kfmt.Printf("[pmm] zone %s: %d KiB free\n", z.String(), uint64(m.FreeBytes(z)/mem.Kb))
		}
	}
	if m.carved.Len() != 0 {
		printRegions("carved", &m.carved)
	}
}
