package pmm

import (
	"github.com/mrjbom/OS/kernel"
	"github.com/mrjbom/OS/kernel/kfmt"
	"github.com/mrjbom/OS/kernel/mem"
	"github.com/mrjbom/OS/kernel/mem/bootmap"
)

// MinRegionPages is the smallest number of whole pages a usable boot map
// entry must provide after clipping in order to be collected.
const MinRegionPages = 1

var (
	// usableFloor is the lowest physical address handed to any zone; the
	// first megabyte is left to firmware and legacy devices.
	usableFloor = uint64(ZoneISADMA.FirstPage())

	// usableCeiling is the first physical address past the HIGH zone.
	usableCeiling = uint64(ZoneHigh.LastPage()) + uint64(mem.PageSize)

	errNoUsableMemory = &kernel.Error{Module: "pmm", Message: "no usable memory found in any zone"}
)

// Regions holds the output of the region collector: every usable region plus
// its clipped fragments per zone. All lists are sorted and free of overlaps.
type Regions struct {
	All   RegionList
	Zones [zoneCount]RegionList
}

// collect filters the usable entries of the boot memory map, page aligns and
// sorts them and then partitions them between the zones. A region straddling
// a zone boundary contributes one clipped fragment to each zone it overlaps.
func collect(m *bootmap.Map, rs *Regions) *kernel.Error {
	rs.All.Reset()
	for z := range rs.Zones {
		rs.Zones[z].Reset()
	}

	m.Visit(func(e bootmap.Region) bool {
		if e.Kind != bootmap.Usable {
			return true
		}

		start, end := e.Start, e.End
		if end <= usableFloor || start >= usableCeiling {
			kfmt.Printf("[pmm] dropping region [0x%x - 0x%x): outside of all zones\n", start, end)
			return true
		}

		if start < usableFloor {
			start = usableFloor
		}
		if end > usableCeiling {
			end = usableCeiling
		}

		first := uint64(mem.AlignUp(mem.Size(start), mem.PageSize))
		limit := uint64(mem.AlignDown(mem.Size(end), mem.PageSize))
		if limit <= first || (limit-first)>>mem.PageShift < MinRegionPages {
			kfmt.Printf("[pmm] dropping region [0x%x - 0x%x): smaller than %d page(s)\n", e.Start, e.End, MinRegionPages)
			return true
		}

		rs.All.Push(UsableRegion{
			FirstPage: uintptr(first),
			LastPage:  uintptr(limit - uint64(mem.PageSize)),
		})
		return true
	})

	rs.All.Sort()
	mergeOverlaps(&rs.All)

	if rs.All.Len() == 0 {
		return errNoUsableMemory
	}

	rs.All.Visit(func(r UsableRegion) bool {
		for z := ZoneISADMA; z < zoneCount; z++ {
			if frag, ok := z.clip(r); ok {
				rs.Zones[z].Push(frag)
			}
		}
		return true
	})

	return nil
}

// mergeOverlaps joins regions of a sorted list that share pages. Boot loaders
// occasionally report the same usable range twice.
func mergeOverlaps(l *RegionList) {
	for i := 1; i < l.Len(); i++ {
		prev, cur := l.At(i-1), l.At(i)
		if !prev.Overlaps(cur) {
			continue
		}

		if cur.LastPage > prev.LastPage {
			l.regions[i-1].LastPage = cur.LastPage
		}
		l.remove(i)
		i--
	}
}

// printRegions dumps a region list through kfmt.
func printRegions(name string, l *RegionList) {
	kfmt.Printf("[pmm] %s: %d region(s), %d KiB\n", name, l.Len(), uint64(l.TotalSize()/mem.Kb))
	l.Visit(func(r UsableRegion) bool {
		kfmt.Printf("\t[0x%16x - 0x%16x] pages: %d\n", r.FirstPage, r.LastPage, r.Pages())
		return true
	})
}
