package pmm

import (
	"github.com/mrjbom/OS/kernel"
	"github.com/mrjbom/OS/kernel/mem"
)

// MaxRegions is the capacity of a RegionList.
const MaxRegions = 128

var errRegionListFull = &kernel.Error{Module: "pmm", Message: "region list capacity exceeded"}

// UsableRegion describes the page aligned, inclusive physical range
// [FirstPage, LastPage].
type UsableRegion struct {
	FirstPage uintptr
	LastPage  uintptr
}

// Size returns the region size in bytes.
func (r UsableRegion) Size() mem.Size {
	return mem.Size(r.LastPage-r.FirstPage) + mem.PageSize
}

// Pages returns the number of pages in the region.
func (r UsableRegion) Pages() uint64 {
	return uint64(r.LastPage-r.FirstPage)>>mem.PageShift + 1
}

// Contains returns true if addr falls inside the region.
func (r UsableRegion) Contains(addr uintptr) bool {
	return addr >= r.FirstPage && addr-r.FirstPage < uintptr(r.Size())
}

// Overlaps returns true if the two regions share at least one page.
func (r UsableRegion) Overlaps(other UsableRegion) bool {
	return r.FirstPage <= other.LastPage && other.FirstPage <= r.LastPage
}

// RegionList is a fixed-capacity list of usable regions. It is filled while
// no heap exists, so all storage is inline.
type RegionList struct {
	regions [MaxRegions]UsableRegion
	count   int
}

// Len returns the number of regions in the list.
func (l *RegionList) Len() int {
	return l.count
}

// At returns the region at index i.
func (l *RegionList) At(i int) UsableRegion {
	return l.regions[i]
}

// Push appends a region to the list. Exceeding the list capacity is fatal.
func (l *RegionList) Push(r UsableRegion) {
	if l.count == MaxRegions {
		panic(errRegionListFull)
	}

	l.regions[l.count] = r
	l.count++
}

// Reset removes all regions from the list.
func (l *RegionList) Reset() {
	l.count = 0
}

// Visit invokes visitor for each region until it returns false.
func (l *RegionList) Visit(visitor func(UsableRegion) bool) {
	for i := 0; i < l.count; i++ {
		if !visitor(l.regions[i]) {
			return
		}
	}
}

// Sort orders the list by ascending FirstPage.
func (l *RegionList) Sort() {
	for i := 1; i < l.count; i++ {
		r := l.regions[i]
		j := i - 1
		for ; j >= 0 && l.regions[j].FirstPage > r.FirstPage; j-- {
			l.regions[j+1] = l.regions[j]
		}
		l.regions[j+1] = r
	}
}

// Contains returns true if addr falls inside any region of the list.
func (l *RegionList) Contains(addr uintptr) bool {
	for i := 0; i < l.count; i++ {
		if l.regions[i].Contains(addr) {
			return true
		}
	}
	return false
}

// TotalSize returns the sum of all region sizes.
func (l *RegionList) TotalSize() mem.Size {
	var total mem.Size
	for i := 0; i < l.count; i++ {
		total += l.regions[i].Size()
	}
	return total
}

// Exclude removes the pages [first, last] from every region of a sorted list.
// Regions that become empty are dropped and regions that contain the range
// in their middle are split in two.
func (l *RegionList) Exclude(first, last uintptr) {
	for i := 0; i < l.count; i++ {
		r := l.regions[i]
		if r.LastPage < first || r.FirstPage > last {
			continue
		}

		switch {
		case r.FirstPage >= first && r.LastPage <= last:
			l.remove(i)
			i--
		case r.FirstPage < first && r.LastPage > last:
			l.regions[i].LastPage = first - uintptr(mem.PageSize)
			l.insert(i+1, UsableRegion{FirstPage: last + uintptr(mem.PageSize), LastPage: r.LastPage})
			i++
		case r.FirstPage < first:
			l.regions[i].LastPage = first - uintptr(mem.PageSize)
		default:
			l.regions[i].FirstPage = last + uintptr(mem.PageSize)
		}
	}
}

func (l *RegionList) remove(i int) {
	copy(l.regions[i:l.count], l.regions[i+1:l.count])
	l.count--
}

func (l *RegionList) insert(i int, r UsableRegion) {
	if l.count == MaxRegions {
		panic(errRegionListFull)
	}

	copy(l.regions[i+1:l.count+1], l.regions[i:l.count])
	l.regions[i] = r
	l.count++
}
