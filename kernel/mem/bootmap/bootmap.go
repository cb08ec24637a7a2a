// Package bootmap holds the physical memory map handed over by the boot
// loader in a form the physical memory manager can consume.
package bootmap

import "github.com/mrjbom/OS/kernel"

// MaxEntries is the capacity of a Map.
const MaxEntries = 256

// Kind classifies a memory map entry.
type Kind uint8

const (
	// Usable memory can be handed to the allocators.
	Usable Kind = iota + 1

	// Reserved memory must never be touched.
	Reserved

	// AcpiReclaimable memory holds ACPI tables and can be reused once
	// they have been parsed.
	AcpiReclaimable

	// Nvs memory must be preserved across sleep states.
	Nvs

	// KernelImage covers the loaded kernel image, including its static
	// allocator metadata buffers.
	KernelImage

	// BadMemory was reported as defective by the firmware.
	BadMemory
)

// String implements fmt.Stringer for Kind.
func (k Kind) String() string {
	switch k {
	case Usable:
		return "usable"
	case Reserved:
		return "reserved"
	case AcpiReclaimable:
		return "ACPI (reclaimable)"
	case Nvs:
		return "NVS"
	case KernelImage:
		return "kernel image"
	case BadMemory:
		return "bad memory"
	default:
		return "unknown"
	}
}

// Region describes the physical range [Start, End) and its kind.
type Region struct {
	Start uint64
	End   uint64
	Kind  Kind
}

// Size returns the length of the region in bytes.
func (r Region) Size() uint64 {
	if r.End <= r.Start {
		return 0
	}
	return r.End - r.Start
}

// Map is a fixed-capacity memory map. Entries keep the order in which they
// were added; they may be unsorted and may overlap.
type Map struct {
	entries [MaxEntries]Region
	count   int
}

var errMapFull = &kernel.Error{Module: "bootmap", Message: "memory map capacity exceeded"}

// Add appends an entry to the map. Empty regions are ignored.
func (m *Map) Add(start, end uint64, kind Kind) *kernel.Error {
	if end <= start {
		return nil
	}

	if m.count == MaxEntries {
		return errMapFull
	}

	m.entries[m.count] = Region{Start: start, End: end, Kind: kind}
	m.count++
	return nil
}

// Len returns the number of entries in the map.
func (m *Map) Len() int {
	return m.count
}

// At returns the entry at index i.
func (m *Map) At(i int) Region {
	return m.entries[i]
}

// Visit invokes visitor for each entry until it returns false.
func (m *Map) Visit(visitor func(Region) bool) {
	for i := 0; i < m.count; i++ {
		if !visitor(m.entries[i]) {
			return
		}
	}
}

// Exclude carves [start, end) out of every usable entry it overlaps and
// records the range as a separate entry of the given kind. Usable entries that
// straddle the range are split in two. If the map runs out of capacity the
// usable entries are still trimmed, the tails that did not fit are dropped
// and errMapFull is returned.
func (m *Map) Exclude(start, end uint64, kind Kind) *kernel.Error {
	if end <= start {
		return nil
	}

	// Trim first, append afterwards.
	var (
		tails     [MaxEntries]Region
		tailCount int
	)
	for i := 0; i < m.count; i++ {
		r := m.entries[i]
		if r.Kind != Usable || r.End <= start || r.Start >= end {
			continue
		}

		switch {
		case r.Start >= start && r.End <= end:
			copy(m.entries[i:m.count], m.entries[i+1:m.count])
			m.count--
			i--
		case r.Start < start && r.End > end:
			m.entries[i].End = start
			tails[tailCount] = Region{Start: end, End: r.End, Kind: Usable}
			tailCount++
		case r.Start < start:
			m.entries[i].End = start
		default:
			m.entries[i].Start = end
		}
	}

	for i := 0; i < tailCount; i++ {
		if err := m.Add(tails[i].Start, tails[i].End, Usable); err != nil {
			return err
		}
	}
	return m.Add(start, end, kind)
}

// UsableBytes returns the sum of the sizes of all usable entries.
func (m *Map) UsableBytes() uint64 {
	var total uint64
	for i := 0; i < m.count; i++ {
		if m.entries[i].Kind == Usable {
			total += m.entries[i].Size()
		}
	}
	return total
}
