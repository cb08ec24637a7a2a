package pmm

import (
	"github.com/mrjbom/OS/kernel"
	"github.com/mrjbom/OS/kernel/mem"
)

// Zone identifies one of the statically bounded physical address ranges
// that own a buddy allocator.
type Zone uint8

const (
	// ZoneISADMA covers [1M, 16M) and is reachable by ISA DMA engines.
	ZoneISADMA Zone = iota

	// ZoneDMA32 covers [16M, 4G) and is reachable by 32-bit DMA engines.
	ZoneDMA32

	// ZoneHigh covers [4G, 1T).
	ZoneHigh

	zoneCount
)

var (
	// zoneBounds holds the first and last page of each zone.
	zoneBounds = [zoneCount]struct{ first, last uintptr }{
		ZoneISADMA: {0x100000, 0xFFF000},
		ZoneDMA32:  {0x1000000, 0xFFFFF000},
		ZoneHigh:   {0x1_0000_0000, 0xFF_FFFF_F000},
	}

	zoneNames = [zoneCount]string{
		ZoneISADMA: "ISA-DMA",
		ZoneDMA32:  "DMA32",
		ZoneHigh:   "HIGH",
	}

	errUnknownZone   = &kernel.Error{Module: "pmm", Message: "unknown zone in priority list"}
	errRepeatedZone  = &kernel.Error{Module: "pmm", Message: "zone listed more than once in priority list"}
	errEmptyPriority = &kernel.Error{Module: "pmm", Message: "priority list is empty"}
)

// FirstPage returns the lowest page address that belongs to the zone.
func (z Zone) FirstPage() uintptr {
	return zoneBounds[z].first
}

// LastPage returns the highest page address that belongs to the zone.
func (z Zone) LastPage() uintptr {
	return zoneBounds[z].last
}

// String implements fmt.Stringer for Zone.
func (z Zone) String() string {
	if z >= zoneCount {
		return "unknown"
	}
	return zoneNames[z]
}

// clip intersects r with the zone bounds. The second return value is false if
// they do not overlap.
func (z Zone) clip(r UsableRegion) (UsableRegion, bool) {
	bounds := UsableRegion{FirstPage: z.FirstPage(), LastPage: z.LastPage()}
	if !r.Overlaps(bounds) {
		return UsableRegion{}, false
	}

	if r.FirstPage < bounds.FirstPage {
		r.FirstPage = bounds.FirstPage
	}
	if r.LastPage > bounds.LastPage {
		r.LastPage = bounds.LastPage
	}
	return r, true
}

// ZoneOf returns the zone whose address range contains addr.
func ZoneOf(addr uintptr) (Zone, bool) {
	for z := ZoneISADMA; z < zoneCount; z++ {
		if addr >= z.FirstPage() && addr <= z.LastPage()+uintptr(mem.PageSize-1) {
			return z, true
		}
	}
	return 0, false
}

// Priority is the ordered list of zones an allocation request may be served
// from.
type Priority []Zone

// Validate checks that the priority list is non-empty and names each known
// zone at most once.
func (p Priority) Validate() *kernel.Error {
	if len(p) == 0 {
		return errEmptyPriority
	}

	var seen [zoneCount]bool
	for _, z := range p {
		if z >= zoneCount {
			return errUnknownZone
		}
		if seen[z] {
			return errRepeatedZone
		}
		seen[z] = true
	}

	return nil
}
