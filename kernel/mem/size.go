// Package mem defines the size and alignment vocabulary shared by the memory
// management packages.
package mem

import "math/bits"

// Size represents a memory block size in bytes.
type Size uint64

// Common memory block sizes.
const (
	Byte Size = 1
	Kb        = 1024 * Byte
	Mb        = 1024 * Kb
	Gb        = 1024 * Mb
	Tb        = 1024 * Gb
)

// Pages returns the number of pages that are required for storing this size.
func (s Size) Pages() uint64 {
	return uint64(AlignUp(s, PageSize) >> PageShift)
}

// IsPowerOfTwo returns true if s is a non-zero power of two.
func IsPowerOfTwo(s Size) bool {
	return s != 0 && s&(s-1) == 0
}

// NextPowerOfTwo returns the smallest power of two that is >= s. A zero
// size yields 1.
func NextPowerOfTwo(s Size) Size {
	if s <= 1 {
		return 1
	}
	return Size(1) << bits.Len64(uint64(s-1))
}

// AlignUp rounds s up to a multiple of align which must be a power of two.
func AlignUp(s, align Size) Size {
	return (s + align - 1) &^ (align - 1)
}

// AlignDown rounds s down to a multiple of align which must be a power of two.
func AlignDown(s, align Size) Size {
	return s &^ (align - 1)
}

// IsPageAligned returns true if addr is a multiple of PageSize.
func IsPageAligned(addr uintptr) bool {
	return addr&uintptr(PageSize-1) == 0
}
