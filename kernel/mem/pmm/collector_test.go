package pmm

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/mrjbom/OS/kernel/mem"
	"github.com/mrjbom/OS/kernel/mem/bootmap"
)

func newMap(t *testing.T, regions ...bootmap.Region) *bootmap.Map {
	t.Helper()

	var m bootmap.Map
	for _, r := range regions {
		if err := m.Add(r.Start, r.End, r.Kind); err != nil {
			t.Fatal(err)
		}
	}
	return &m
}

func TestCollect(t *testing.T) {
	specs := []struct {
		descr    string
		input    []bootmap.Region
		expAll   []UsableRegion
		expZones [zoneCount][]UsableRegion
	}{
		{
			"qemu 128M",
			[]bootmap.Region{
				{Start: 0, End: 0x9FC00, Kind: bootmap.Usable},
				{Start: 0x9FC00, End: 0xA0000, Kind: bootmap.Reserved},
				{Start: 0xF0000, End: 0x100000, Kind: bootmap.Reserved},
				{Start: 0x100000, End: 0x7FE0000, Kind: bootmap.Usable},
				{Start: 0x7FE0000, End: 0x8000000, Kind: bootmap.Reserved},
				{Start: 0xFFFC0000, End: 0x100000000, Kind: bootmap.Reserved},
			},
			[]UsableRegion{{0x100000, 0x7FDF000}},
			[zoneCount][]UsableRegion{
				ZoneISADMA: {{0x100000, 0xFFF000}},
				ZoneDMA32:  {{0x1000000, 0x7FDF000}},
				ZoneHigh:   {},
			},
		},
		{
			"region straddling the ISA-DMA/DMA32 boundary",
			[]bootmap.Region{
				{Start: 0xFFE000, End: 0x1002000, Kind: bootmap.Usable},
			},
			[]UsableRegion{{0xFFE000, 0x1001000}},
			[zoneCount][]UsableRegion{
				ZoneISADMA: {{0xFFE000, 0xFFF000}},
				ZoneDMA32:  {{0x1000000, 0x1001000}},
				ZoneHigh:   {},
			},
		},
		{
			"region straddling the DMA32/HIGH boundary",
			[]bootmap.Region{
				{Start: 0xFFFF0000, End: 0x1_0001_0000, Kind: bootmap.Usable},
			},
			[]UsableRegion{{0xFFFF0000, 0x1_0000_F000}},
			[zoneCount][]UsableRegion{
				ZoneISADMA: {},
				ZoneDMA32:  {{0xFFFF0000, 0xFFFFF000}},
				ZoneHigh:   {{0x1_0000_0000, 0x1_0000_F000}},
			},
		},
		{
			"unsorted, unaligned and overlapping entries",
			[]bootmap.Region{
				{Start: 0x1_0000_0000, End: 0x1_4000_0000, Kind: bootmap.Usable},
				{Start: 0x200800, End: 0x205000, Kind: bootmap.Usable},
				{Start: 0x100000, End: 0x102000, Kind: bootmap.Usable},
				{Start: 0x101000, End: 0x103000, Kind: bootmap.Usable},
				// less than a page
				{Start: 0x300000, End: 0x300800, Kind: bootmap.Usable},
				// unaligned on both ends, no whole page inside
				{Start: 0x400800, End: 0x401800, Kind: bootmap.Usable},
				{Start: 0x500000, End: 0x600000, Kind: bootmap.Reserved},
				{Start: 0x600000, End: 0x700000, Kind: bootmap.KernelImage},
				// straddles the HIGH ceiling
				{Start: 0xFF_FFF0_0000, End: 0x100_0010_0000, Kind: bootmap.Usable},
				// beyond the HIGH ceiling
				{Start: 0x100_0020_0000, End: 0x100_0040_0000, Kind: bootmap.Usable},
			},
			[]UsableRegion{
				{0x100000, 0x102000},
				{0x201000, 0x204000},
				{0x1_0000_0000, 0x1_3FFF_F000},
				{0xFF_FFF0_0000, 0xFF_FFFF_F000},
			},
			[zoneCount][]UsableRegion{
				ZoneISADMA: {{0x100000, 0x102000}, {0x201000, 0x204000}},
				ZoneDMA32:  {},
				ZoneHigh:   {{0x1_0000_0000, 0x1_3FFF_F000}, {0xFF_FFF0_0000, 0xFF_FFFF_F000}},
			},
		},
	}

	for _, spec := range specs {
		t.Run(spec.descr, func(t *testing.T) {
			var rs Regions
			if err := collect(newMap(t, spec.input...), &rs); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			if diff := cmp.Diff(spec.expAll, regionsOf(&rs.All)); diff != "" {
				t.Errorf("ALL list mismatch (-want +got):\n%s", diff)
			}

			for z := ZoneISADMA; z < zoneCount; z++ {
				if diff := cmp.Diff(spec.expZones[z], regionsOf(&rs.Zones[z])); diff != "" {
					t.Errorf("zone %s list mismatch (-want +got):\n%s", z, diff)
				}
			}

			assertPartition(t, &rs)
		})
	}
}

func TestCollectNoUsableMemory(t *testing.T) {
	specs := [][]bootmap.Region{
		nil,
		{{Start: 0x100000, End: 0x8000000, Kind: bootmap.Reserved}},
		{{Start: 0, End: 0x9FC00, Kind: bootmap.Usable}},
		{{Start: 0x100_0000_0000, End: 0x200_0000_0000, Kind: bootmap.Usable}},
	}

	for specIndex, input := range specs {
		var rs Regions
		if err := collect(newMap(t, input...), &rs); err != errNoUsableMemory {
			t.Errorf("[spec %d] expected errNoUsableMemory; got %v", specIndex, err)
		}
	}

	var m Manager
	expPanic(t, errNoUsableMemory, func() {
		m.Collect(newMap(t))
	})
}

// assertPartition checks that every usable page belongs to exactly one zone
// fragment and that all lists are page aligned, sorted and free of overlaps.
func assertPartition(t *testing.T, rs *Regions) {
	t.Helper()

	lists := []*RegionList{&rs.All, &rs.Zones[ZoneISADMA], &rs.Zones[ZoneDMA32], &rs.Zones[ZoneHigh]}
	for listIndex, l := range lists {
		for i := 0; i < l.Len(); i++ {
			r := l.At(i)
			if !mem.IsPageAligned(r.FirstPage) || !mem.IsPageAligned(r.LastPage) || r.FirstPage > r.LastPage {
				t.Errorf("[list %d] region %d [%x, %x] is not aligned or inverted", listIndex, i, r.FirstPage, r.LastPage)
			}
			if i > 0 && l.At(i-1).LastPage >= r.FirstPage {
				t.Errorf("[list %d] regions %d and %d are unsorted or overlapping", listIndex, i-1, i)
			}
		}
	}

	var zoneTotal mem.Size
	for z := ZoneISADMA; z < zoneCount; z++ {
		rs.Zones[z].Visit(func(r UsableRegion) bool {
			if r.FirstPage < z.FirstPage() || r.LastPage > z.LastPage() {
				t.Errorf("zone %s fragment [%x, %x] crosses the zone bounds", z, r.FirstPage, r.LastPage)
			}

			var owners int
			rs.All.Visit(func(all UsableRegion) bool {
				if all.FirstPage <= r.FirstPage && all.LastPage >= r.LastPage {
					owners++
				}
				return true
			})
			if owners != 1 {
				t.Errorf("zone %s fragment [%x, %x] is covered by %d ALL regions", z, r.FirstPage, r.LastPage, owners)
			}
			return true
		})
		zoneTotal += rs.Zones[z].TotalSize()
	}

	if allTotal := rs.All.TotalSize(); zoneTotal != allTotal {
		t.Errorf("expected zone lists to cover %d bytes; got %d", allTotal, zoneTotal)
	}
}
