package pmm

import (
	"testing"

	"github.com/mrjbom/OS/kernel"
)

func TestZoneOf(t *testing.T) {
	specs := []struct {
		addr    uintptr
		expZone Zone
		expOK   bool
	}{
		{0x0, 0, false},
		{0xFFFFF, 0, false},
		{0x100000, ZoneISADMA, true},
		{0xFFFFFF, ZoneISADMA, true},
		{0x1000000, ZoneDMA32, true},
		{0xFFFFFFFF, ZoneDMA32, true},
		{0x1_0000_0000, ZoneHigh, true},
		{0xFF_FFFF_FFFF, ZoneHigh, true},
		{0x100_0000_0000, 0, false},
	}

	for specIndex, spec := range specs {
		z, ok := ZoneOf(spec.addr)
		if ok != spec.expOK || (ok && z != spec.expZone) {
			t.Errorf("[spec %d] expected ZoneOf(%x) to return (%s, %t); got (%s, %t)", specIndex, spec.addr, spec.expZone, spec.expOK, z, ok)
		}
	}
}

func TestZoneString(t *testing.T) {
	specs := []struct {
		zone Zone
		exp  string
	}{
		{ZoneISADMA, "ISA-DMA"},
		{ZoneDMA32, "DMA32"},
		{ZoneHigh, "HIGH"},
		{zoneCount, "unknown"},
	}

	for specIndex, spec := range specs {
		if got := spec.zone.String(); got != spec.exp {
			t.Errorf("[spec %d] expected %q; got %q", specIndex, spec.exp, got)
		}
	}
}

func TestPriorityValidate(t *testing.T) {
	specs := []struct {
		p      Priority
		expErr *kernel.Error
	}{
		{Priority{ZoneHigh, ZoneDMA32, ZoneISADMA}, nil},
		{Priority{ZoneISADMA}, nil},
		{Priority{}, errEmptyPriority},
		{Priority{ZoneDMA32, ZoneDMA32}, errRepeatedZone},
		{Priority{ZoneHigh, Zone(7)}, errUnknownZone},
	}

	for specIndex, spec := range specs {
		if err := spec.p.Validate(); err != spec.expErr {
			t.Errorf("[spec %d] expected error %v; got %v", specIndex, spec.expErr, err)
		}
	}
}
