package slab

import (
	"testing"
	"unsafe"

	"github.com/mrjbom/OS/kernel/mem"
)

func TestInfoTableSize(t *testing.T) {
	specs := []struct {
		highestPage uintptr
		exp         mem.Size
	}{
		{0, 8},
		{0x3000, 32},
		// 2 MiB per GiB of RAM
		{uintptr(mem.Gb - mem.PageSize), 2 * mem.Mb},
	}

	for specIndex, spec := range specs {
		if got := InfoTableSize(spec.highestPage); got != spec.exp {
			t.Errorf("[spec %d] expected %d; got %d", specIndex, spec.exp, got)
		}
	}
}

func TestInfoTable(t *testing.T) {
	var (
		slots [16]uintptr
		table InfoTable
	)

	table.Init(uintptr(unsafe.Pointer(&slots[0])), 15<<mem.PageShift)

	if exp, got := uint64(16), table.Entries(); got != exp {
		t.Fatalf("expected %d entries; got %d", exp, got)
	}

	table.Save(3<<mem.PageShift, 0xdead)
	table.Save(15<<mem.PageShift, 0xbeef)

	if slots[3] != 0xdead || slots[15] != 0xbeef {
		t.Fatalf("expected slots to be updated; got %x and %x", slots[3], slots[15])
	}

	if got := table.Get(3<<mem.PageShift + 0x123); got != 0xdead {
		t.Fatalf("expected lookup by any address in the page to return 0xdead; got %x", got)
	}

	table.Delete(3 << mem.PageShift)
	if got := table.Get(3 << mem.PageShift); got != 0xdead {
		t.Fatalf("expected Delete to leave the slot untouched; got %x", got)
	}

	for _, fn := range []func(){
		func() { table.Save(16<<mem.PageShift, 1) },
		func() { table.Get(16 << mem.PageShift) },
		func() { table.Delete(1 << 40) },
	} {
		expPanic(t, errInfoTableRange, fn)
	}
}
