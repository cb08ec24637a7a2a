package heap

import (
	"testing"
	"unsafe"

	"github.com/mrjbom/OS/internal/simram"
	"github.com/mrjbom/OS/kernel"
	"github.com/mrjbom/OS/kernel/mem"
	"github.com/mrjbom/OS/kernel/mem/bootmap"
	"github.com/mrjbom/OS/kernel/mem/pmm"
)

const (
	ramBase = uintptr(0x1000000)
	ramSize = 16 * mem.Mb
)

var testPriority = pmm.Priority{pmm.ZoneDMA32}

// setupPMM brings up a physical memory manager over simulated DMA32 memory
// and returns it together with the number of free bytes after boot.
func setupPMM(t *testing.T) (*pmm.Manager, mem.Size) {
	t.Helper()

	ram, err := simram.New(ramBase, ramSize)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ram.Close() })

	var bm bootmap.Map
	bm.Add(uint64(ramBase), uint64(ramBase)+uint64(ramSize), bootmap.Usable)

	m := new(pmm.Manager)
	m.Collect(&bm)
	m.Bootstrap()

	return m, m.FreeBytes(pmm.ZoneDMA32)
}

// limitSystem fails every Alloc once its budget is spent.
type limitSystem struct {
	SystemAllocator
	left int
}

func (s *limitSystem) Alloc(size uintptr) (uintptr, uintptr) {
	if s.left == 0 {
		return 0, 0
	}
	s.left--
	return s.SystemAllocator.Alloc(size)
}

func bytesAt(addr, size uintptr) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), size)
}

func fill(addr, size uintptr, v byte) {
	kernel.Memset(addr, v, size)
}

func holds(addr, size uintptr, v byte) bool {
	for _, b := range bytesAt(addr, size) {
		if b != v {
			return false
		}
	}
	return true
}

func expPanic(t *testing.T, exp *kernel.Error, fn func()) {
	t.Helper()

	defer func() {
		if err := recover(); err != exp {
			t.Errorf("expected to panic with %v; got %v", exp, err)
		}
	}()

	fn()
}

func assertEmpty(t *testing.T, d *Dlmalloc, m *pmm.Manager, expFree mem.Size) {
	t.Helper()

	if err := d.Validate(); err != nil {
		t.Fatalf("heap validation failed: %v", err)
	}

	if exp, got := (Stats{}), d.Stats(); got != exp {
		t.Errorf("expected empty heap stats %+v; got %+v", exp, got)
	}

	if got := m.FreeBytes(pmm.ZoneDMA32); got != expFree {
		t.Errorf("expected all system memory to be returned (%d free bytes); got %d", expFree, got)
	}
}

func TestDlmallocMixedWorkload(t *testing.T) {
	m, initialFree := setupPMM(t)
	sys := NewPMMSystem(m, testPriority)

	var d Dlmalloc
	d.Init(&sys)

	type block struct {
		addr, size uintptr
		tag        byte
	}

	var (
		live []block
		seed = uint32(7)
	)
	next := func() uint32 {
		seed = seed*1103515245 + 12345
		return seed >> 8
	}

	for i := 0; i < 400; i++ {
		size := uintptr(next()%3000) + 1
		addr := d.Malloc(size)
		if addr == 0 {
			t.Fatalf("[alloc %d] Malloc(%d) failed", i, size)
		}
		if addr&(chunkAlign-1) != 0 {
			t.Fatalf("[alloc %d] expected a 16-byte aligned address; got 0x%x", i, addr)
		}

		tag := byte(i)
		fill(addr, size, tag)
		live = append(live, block{addr, size, tag})

		if i%3 == 2 {
			victim := int(next()) % len(live)
			b := live[victim]
			if !holds(b.addr, b.size, b.tag) {
				t.Fatalf("[alloc %d] block at 0x%x was overwritten", i, b.addr)
			}
			d.Free(b.addr)
			live = append(live[:victim], live[victim+1:]...)
		}
	}

	if err := d.Validate(); err != nil {
		t.Fatalf("heap validation failed: %v", err)
	}

	if exp, got := len(live), d.Stats().Allocations; got != exp {
		t.Errorf("expected %d live allocations; got %d", exp, got)
	}

	for _, b := range live {
		if !holds(b.addr, b.size, b.tag) {
			t.Fatalf("block at 0x%x was overwritten", b.addr)
		}
		d.Free(b.addr)
	}

	assertEmpty(t, &d, m, initialFree)
}

func TestDlmallocCoalescing(t *testing.T) {
	m, initialFree := setupPMM(t)
	sys := NewPMMSystem(m, testPriority)

	var d Dlmalloc
	d.Init(&sys)

	a, b, c := d.Malloc(100), d.Malloc(100), d.Malloc(100)
	keep := d.Malloc(100)

	d.Free(a)
	d.Free(c)
	d.Free(b)
	if err := d.Validate(); err != nil {
		t.Fatal(err)
	}

	// a, b and c merge into one chunk that is handed out again as a whole.
	if got := d.Malloc(3*requestSize(100) - chunkOverhead); got != a {
		t.Errorf("expected the merged chunk at 0x%x; got 0x%x", a, got)
	}

	if exp, got := 1, d.Stats().Segments; got != exp {
		t.Errorf("expected %d segment; got %d", exp, got)
	}

	d.Free(a)
	d.Free(keep)
	assertEmpty(t, &d, m, initialFree)
}

func TestDlmallocSegments(t *testing.T) {
	m, initialFree := setupPMM(t)
	sys := NewPMMSystem(m, testPriority)

	var d Dlmalloc
	d.Init(&sys)

	// Each request needs most of a minimum sized segment.
	var addrs [4]uintptr
	for i := range addrs {
		if addrs[i] = d.Malloc(40 * 1024); addrs[i] == 0 {
			t.Fatalf("[alloc %d] Malloc failed", i)
		}
	}

	stats := d.Stats()
	if exp := len(addrs); stats.Segments != exp {
		t.Errorf("expected %d segments; got %d", exp, stats.Segments)
	}
	if exp := uintptr(len(addrs) * minSegmentSize); stats.SystemBytes != exp {
		t.Errorf("expected %d system bytes; got %d", exp, stats.SystemBytes)
	}

	d.Free(addrs[1])
	if exp, got := len(addrs)-1, d.Stats().Segments; got != exp {
		t.Errorf("expected an empty segment to be released leaving %d; got %d", exp, got)
	}

	// A request larger than the minimum segment size gets a bigger segment.
	big := d.Malloc(100 * 1024)
	if big == 0 {
		t.Fatal("Malloc failed")
	}
	if exp, got := uintptr((len(addrs)-1)*minSegmentSize+128*1024), d.Stats().SystemBytes; got != exp {
		t.Errorf("expected %d system bytes; got %d", exp, got)
	}

	d.Free(big)
	for i, addr := range addrs {
		if i != 1 {
			d.Free(addr)
		}
	}
	assertEmpty(t, &d, m, initialFree)
}

func TestDlmallocDirectChunks(t *testing.T) {
	m, initialFree := setupPMM(t)
	sys := NewPMMSystem(m, testPriority)

	var d Dlmalloc
	d.Init(&sys)

	addr := d.Malloc(300 * 1024)
	if addr == 0 {
		t.Fatal("Malloc failed")
	}
	fill(addr, 300*1024, 0xaa)

	stats := d.Stats()
	if stats.DirectChunks != 1 || stats.Segments != 0 || stats.SystemBytes != 512*1024 {
		t.Errorf("expected one 512 KiB direct chunk and no segments; got %+v", stats)
	}

	// Growing goes through Remap and keeps the contents.
	addr = d.Realloc(addr, 600*1024)
	if addr == 0 {
		t.Fatal("Realloc failed")
	}
	if !holds(addr, 300*1024, 0xaa) {
		t.Error("expected Realloc to preserve the contents of a direct chunk")
	}
	if exp, got := uintptr(1024*1024), d.Stats().SystemBytes; got != exp {
		t.Errorf("expected %d system bytes; got %d", exp, got)
	}

	// Shrinking below the threshold moves the data into a segment.
	addr = d.Realloc(addr, 100)
	if addr == 0 {
		t.Fatal("Realloc failed")
	}
	if !holds(addr, 100, 0xaa) {
		t.Error("expected Realloc to preserve the contents")
	}
	stats = d.Stats()
	if stats.DirectChunks != 0 || stats.Segments != 1 {
		t.Errorf("expected the block to live in a segment; got %+v", stats)
	}

	d.Free(addr)
	assertEmpty(t, &d, m, initialFree)
}

func TestDlmallocRealloc(t *testing.T) {
	m, initialFree := setupPMM(t)
	sys := NewPMMSystem(m, testPriority)

	var d Dlmalloc
	d.Init(&sys)

	if got := d.Realloc(0, 0); got != 0 {
		t.Errorf("expected Realloc(0, 0) to return 0; got 0x%x", got)
	}

	a := d.Realloc(0, 64)
	fill(a, 64, 0x11)

	if got := d.Realloc(a, 1000); got != a {
		t.Errorf("expected the chunk to grow into its free successor at 0x%x; got 0x%x", a, got)
	}
	fill(a, 1000, 0x22)

	b := d.Malloc(64)
	moved := d.Realloc(a, 5000)
	if moved == a || moved == 0 {
		t.Fatalf("expected the chunk to move; got 0x%x", moved)
	}
	if !holds(moved, 1000, 0x22) {
		t.Error("expected Realloc to preserve the contents")
	}

	if got := d.Realloc(moved, 16); got != moved {
		t.Errorf("expected shrinking to keep the address 0x%x; got 0x%x", moved, got)
	}
	if !holds(moved, 16, 0x22) {
		t.Error("expected shrinking to preserve the prefix")
	}

	if err := d.Validate(); err != nil {
		t.Fatal(err)
	}

	if got := d.Realloc(moved, 0); got != 0 {
		t.Errorf("expected Realloc(addr, 0) to return 0; got 0x%x", got)
	}
	d.Free(b)
	assertEmpty(t, &d, m, initialFree)
}

func TestDlmallocMemalign(t *testing.T) {
	m, initialFree := setupPMM(t)
	sys := NewPMMSystem(m, testPriority)

	var d Dlmalloc
	d.Init(&sys)

	specs := []struct {
		align, size uintptr
	}{
		{8, 10},
		{32, 10},
		{64, 100},
		{256, 1},
		{4096, 3000},
		{64 * 1024, 300 * 1024},
	}

	var addrs []uintptr
	for specIndex, spec := range specs {
		addr := d.Memalign(spec.align, spec.size)
		if addr == 0 {
			t.Fatalf("[spec %d] Memalign failed", specIndex)
		}
		if addr&(spec.align-1) != 0 || addr&(chunkAlign-1) != 0 {
			t.Errorf("[spec %d] expected address 0x%x to be aligned to %d", specIndex, addr, spec.align)
		}
		fill(addr, spec.size, byte(specIndex))
		addrs = append(addrs, addr)

		if err := d.Validate(); err != nil {
			t.Fatalf("[spec %d] heap validation failed: %v", specIndex, err)
		}
	}

	for specIndex, addr := range addrs {
		if !holds(addr, specs[specIndex].size, byte(specIndex)) {
			t.Errorf("[spec %d] block was overwritten", specIndex)
		}
		d.Free(addr)
	}
	assertEmpty(t, &d, m, initialFree)

	expPanic(t, errBadAlign, func() { d.Memalign(48, 16) })
}

func TestDlmallocOutOfMemory(t *testing.T) {
	m, initialFree := setupPMM(t)
	pmmSys := NewPMMSystem(m, testPriority)
	sys := &limitSystem{SystemAllocator: &pmmSys, left: 1}

	var d Dlmalloc
	d.Init(sys)

	a := d.Malloc(100)
	if a == 0 {
		t.Fatal("Malloc failed")
	}
	fill(a, 100, 0x5a)

	if got := d.Malloc(100 * 1024); got != 0 {
		t.Errorf("expected Malloc to fail; got 0x%x", got)
	}
	if got := d.Malloc(300 * 1024); got != 0 {
		t.Errorf("expected a direct Malloc to fail; got 0x%x", got)
	}
	if got := d.Realloc(a, 200*1024); got != 0 {
		t.Errorf("expected Realloc to fail; got 0x%x", got)
	}
	if !holds(a, 100, 0x5a) {
		t.Error("expected a failed Realloc to leave the block untouched")
	}

	d.Free(a)
	assertEmpty(t, &d, m, initialFree)
}

func TestDlmallocFreeErrors(t *testing.T) {
	m, _ := setupPMM(t)
	sys := NewPMMSystem(m, testPriority)

	var d Dlmalloc
	d.Init(&sys)

	d.Free(0)

	a, b := d.Malloc(32), d.Malloc(32)
	d.Free(a)
	expPanic(t, errNotInUse, func() { d.Free(a) })
	expPanic(t, errNotInUse, func() { d.Realloc(a, 64) })
	d.Free(b)
}
