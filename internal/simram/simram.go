// Package simram backs a physical address range with anonymous host memory
// and points the CPMM translation at it, so that kernel memory management code
// can run unmodified inside tests and host tools.
package simram

import (
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/mrjbom/OS/kernel/mem"
	"github.com/mrjbom/OS/kernel/mem/cpmm"
)

// RAM is a simulated physical memory range. Only one RAM should be active at
// a time as the CPMM offset is process wide.
type RAM struct {
	physBase   uintptr
	size       mem.Size
	backing    []byte
	prevOffset uintptr
}

// New maps size bytes of host memory to act as physical memory starting at
// physBase. Pages are committed lazily so sparse layouts with large holes are
// cheap.
func New(physBase uintptr, size mem.Size) (*RAM, error) {
	if size == 0 || size&(mem.PageSize-1) != 0 {
		return nil, errors.Errorf("simulated RAM size %d is not a non-zero multiple of the page size", size)
	}

	if !mem.IsPageAligned(physBase) {
		return nil, errors.Errorf("simulated RAM base %#x is not page aligned", physBase)
	}

	backing, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_NORESERVE)
	if err != nil {
		return nil, errors.Wrapf(err, "mapping %d bytes of simulated RAM", size)
	}

	r := &RAM{
		physBase:   physBase,
		size:       size,
		backing:    backing,
		prevOffset: cpmm.Offset(),
	}

	cpmm.SetOffset(uintptr(unsafe.Pointer(&backing[0])) - physBase)
	return r, nil
}

// PhysBase returns the first simulated physical address.
func (r *RAM) PhysBase() uintptr { return r.physBase }

// Size returns the size of the simulated range.
func (r *RAM) Size() mem.Size { return r.size }

// Contains returns true if the physical range [phys, phys+size) is backed.
func (r *RAM) Contains(phys uintptr, size mem.Size) bool {
	return phys >= r.physBase && uint64(phys-r.physBase)+uint64(size) <= uint64(r.size)
}

// Bytes returns the host view of the physical range [phys, phys+size).
func (r *RAM) Bytes(phys uintptr, size mem.Size) []byte {
	if !r.Contains(phys, size) {
		panic(errors.Errorf("physical range [%#x, %#x) is not backed by simulated RAM", phys, uint64(phys)+uint64(size)))
	}

	off := phys - r.physBase
	return r.backing[off : off+uintptr(size)]
}

// Close unmaps the backing memory and restores the previous CPMM offset.
func (r *RAM) Close() error {
	if r.backing == nil {
		return nil
	}

	cpmm.SetOffset(r.prevOffset)
	err := unix.Munmap(r.backing)
	r.backing = nil
	return errors.Wrap(err, "unmapping simulated RAM")
}
