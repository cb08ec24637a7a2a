package pmm

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/mrjbom/OS/kernel/mem"
)

func regionsOf(l *RegionList) []UsableRegion {
	out := []UsableRegion{}
	l.Visit(func(r UsableRegion) bool {
		out = append(out, r)
		return true
	})
	return out
}

func listOf(regions ...UsableRegion) *RegionList {
	var l RegionList
	for _, r := range regions {
		l.Push(r)
	}
	return &l
}

func TestUsableRegion(t *testing.T) {
	r := UsableRegion{FirstPage: 0x100000, LastPage: 0x103000}

	if exp, got := 4*mem.PageSize, r.Size(); got != exp {
		t.Errorf("expected size %d; got %d", exp, got)
	}

	if exp, got := uint64(4), r.Pages(); got != exp {
		t.Errorf("expected %d pages; got %d", exp, got)
	}

	specs := []struct {
		addr uintptr
		exp  bool
	}{
		{0xFFFFF, false},
		{0x100000, true},
		{0x103FFF, true},
		{0x104000, false},
	}

	for specIndex, spec := range specs {
		if got := r.Contains(spec.addr); got != spec.exp {
			t.Errorf("[spec %d] expected Contains(%x) to return %t; got %t", specIndex, spec.addr, spec.exp, got)
		}
	}

	if !r.Overlaps(UsableRegion{FirstPage: 0x103000, LastPage: 0x200000}) {
		t.Error("expected regions sharing their boundary page to overlap")
	}

	if r.Overlaps(UsableRegion{FirstPage: 0x104000, LastPage: 0x200000}) {
		t.Error("expected adjacent regions not to overlap")
	}
}

func TestRegionListSort(t *testing.T) {
	l := listOf(
		UsableRegion{0x5000, 0x5000},
		UsableRegion{0x1000, 0x2000},
		UsableRegion{0x9000, 0xA000},
		UsableRegion{0x3000, 0x3000},
	)

	l.Sort()

	exp := []UsableRegion{
		{0x1000, 0x2000},
		{0x3000, 0x3000},
		{0x5000, 0x5000},
		{0x9000, 0xA000},
	}

	if diff := cmp.Diff(exp, regionsOf(l)); diff != "" {
		t.Fatalf("sorted list mismatch (-want +got):\n%s", diff)
	}

	if exp, got := 6*mem.PageSize, l.TotalSize(); got != exp {
		t.Fatalf("expected total size %d; got %d", exp, got)
	}
}

func TestRegionListExclude(t *testing.T) {
	specs := []struct {
		first, last uintptr
		exp         []UsableRegion
	}{
		// shrink front
		{0x1000, 0x1000, []UsableRegion{{0x2000, 0x4000}, {0x8000, 0xA000}}},
		// shrink back
		{0x4000, 0x7000, []UsableRegion{{0x1000, 0x3000}, {0x8000, 0xA000}}},
		// split
		{0x2000, 0x3000, []UsableRegion{{0x1000, 0x1000}, {0x4000, 0x4000}, {0x8000, 0xA000}}},
		// remove
		{0x8000, 0xA000, []UsableRegion{{0x1000, 0x4000}}},
		// spanning several regions
		{0x3000, 0x8000, []UsableRegion{{0x1000, 0x2000}, {0x9000, 0xA000}}},
		// no overlap
		{0x5000, 0x7000, []UsableRegion{{0x1000, 0x4000}, {0x8000, 0xA000}}},
	}

	for specIndex, spec := range specs {
		l := listOf(UsableRegion{0x1000, 0x4000}, UsableRegion{0x8000, 0xA000})
		l.Exclude(spec.first, spec.last)

		if diff := cmp.Diff(spec.exp, regionsOf(l)); diff != "" {
			t.Errorf("[spec %d] region list mismatch (-want +got):\n%s", specIndex, diff)
		}
	}
}

func TestRegionListContains(t *testing.T) {
	l := listOf(
		UsableRegion{FirstPage: 0x1000000, LastPage: 0x1003000},
		UsableRegion{FirstPage: 0x1008000, LastPage: 0x100b000},
	)

	specs := []struct {
		addr uintptr
		exp  bool
	}{
		{0x1000000, true},
		{0x1003fff, true},
		{0x1004000, false},
		{0x1007fff, false},
		{0x1008000, true},
		{0x100b010, true},
		{0x100c000, false},
		{0xfff000, false},
	}

	for specIndex, spec := range specs {
		if got := l.Contains(spec.addr); got != spec.exp {
			t.Errorf("[spec %d] expected Contains(%x) to return %t; got %t", specIndex, spec.addr, spec.exp, got)
		}
	}
}

func TestRegionListCapacity(t *testing.T) {
	var l RegionList
	for i := 0; i < MaxRegions; i++ {
		l.Push(UsableRegion{FirstPage: uintptr(i) * 0x10000, LastPage: uintptr(i)*0x10000 + 0x2000})
	}

	expPanic(t, errRegionListFull, func() {
		l.Push(UsableRegion{})
	})

	expPanic(t, errRegionListFull, func() {
		l.Exclude(0x1000, 0x1000)
	})
}
