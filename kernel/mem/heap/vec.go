package heap

import (
	"unsafe"

	"github.com/mrjbom/OS/kernel"
	"github.com/mrjbom/OS/kernel/mem"
)

const minVecCap = 4

var errVecIndex = &kernel.Error{Module: "heap", Message: "vector index out of range"}

// Vec is a growable array whose backing store comes from a mem.Allocator
// instead of the Go heap. T must not contain Go pointers.
type Vec[T any] struct {
	alloc mem.Allocator
	data  uintptr
	len   int
	cap   int
}

// NewVec returns an empty vector that allocates from a.
func NewVec[T any](a mem.Allocator) Vec[T] {
	return Vec[T]{alloc: a}
}

func (v *Vec[T]) elemSize() uintptr {
	var zero T
	return unsafe.Sizeof(zero)
}

func (v *Vec[T]) elemAlign() uintptr {
	var zero T
	return unsafe.Alignof(zero)
}

func (v *Vec[T]) ptr(i int) *T {
	return (*T)(unsafe.Pointer(v.data + uintptr(i)*v.elemSize()))
}

// Len returns the number of elements.
func (v *Vec[T]) Len() int { return v.len }

// Cap returns the number of elements that fit without growing.
func (v *Vec[T]) Cap() int { return v.cap }

// Reserve grows the backing store to hold at least n elements.
func (v *Vec[T]) Reserve(n int) *kernel.Error {
	if n <= v.cap {
		return nil
	}

	newCap := v.cap * 2
	if newCap < minVecCap {
		newCap = minVecCap
	}
	for newCap < n {
		newCap *= 2
	}

	size := v.elemSize()
	data, err := v.alloc.Allocate(uintptr(newCap)*size, v.elemAlign())
	if err != nil {
		return err
	}

	if v.cap != 0 {
		kernel.Memcopy(v.data, data, uintptr(v.len)*size)
		v.alloc.Deallocate(v.data, uintptr(v.cap)*size, v.elemAlign())
	}

	v.data, v.cap = data, newCap
	return nil
}

// Push appends x.
func (v *Vec[T]) Push(x T) *kernel.Error {
	if err := v.Reserve(v.len + 1); err != nil {
		return err
	}

	*v.ptr(v.len) = x
	v.len++
	return nil
}

// Pop removes and returns the last element.
func (v *Vec[T]) Pop() (T, bool) {
	if v.len == 0 {
		var zero T
		return zero, false
	}

	v.len--
	return *v.ptr(v.len), true
}

// At returns element i.
func (v *Vec[T]) At(i int) T {
	if i < 0 || i >= v.len {
		panic(errVecIndex)
	}
	return *v.ptr(i)
}

// Set replaces element i.
func (v *Vec[T]) Set(i int, x T) {
	if i < 0 || i >= v.len {
		panic(errVecIndex)
	}
	*v.ptr(i) = x
}

// Slice returns a view of the elements that is valid until the next call
// that grows or releases the vector.
func (v *Vec[T]) Slice() []T {
	if v.len == 0 {
		return nil
	}
	return unsafe.Slice(v.ptr(0), v.len)
}

// Release returns the backing store to the allocator and empties the vector.
func (v *Vec[T]) Release() {
	if v.cap != 0 {
		v.alloc.Deallocate(v.data, uintptr(v.cap)*v.elemSize(), v.elemAlign())
	}
	v.data, v.len, v.cap = 0, 0, 0
}
