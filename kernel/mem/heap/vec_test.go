package heap

import (
	"testing"

	"github.com/mrjbom/OS/kernel"
)

type failingAllocator struct{}

func (failingAllocator) Allocate(uintptr, uintptr) (uintptr, *kernel.Error) {
	return 0, ErrOutOfMemory
}

func (failingAllocator) Deallocate(uintptr, uintptr, uintptr) {}

type pair struct {
	key   uint32
	value uint64
}

func TestVec(t *testing.T) {
	setupHeap(t)

	v := NewVec[pair](GeneralPurposeAllocator{})
	if v.Len() != 0 || v.Cap() != 0 || v.Slice() != nil {
		t.Fatal("expected an empty vector")
	}

	for i := 0; i < 100; i++ {
		if err := v.Push(pair{uint32(i), uint64(i) * 3}); err != nil {
			t.Fatalf("[push %d] unexpected error: %v", i, err)
		}
	}

	if exp, got := 100, v.Len(); got != exp {
		t.Errorf("expected length %d; got %d", exp, got)
	}
	if exp, got := 128, v.Cap(); got != exp {
		t.Errorf("expected capacity %d; got %d", exp, got)
	}

	for i, p := range v.Slice() {
		if exp := (pair{uint32(i), uint64(i) * 3}); p != exp || v.At(i) != exp {
			t.Fatalf("[elem %d] expected %+v; got %+v", i, exp, p)
		}
	}

	v.Set(10, pair{1, 1})
	if exp, got := (pair{1, 1}), v.At(10); got != exp {
		t.Errorf("expected %+v; got %+v", exp, got)
	}

	if p, ok := v.Pop(); !ok || p.key != 99 {
		t.Errorf("expected to pop element 99; got %+v, %t", p, ok)
	}

	expPanic(t, errVecIndex, func() { v.At(99) })
	expPanic(t, errVecIndex, func() { v.Set(-1, pair{}) })

	v.Release()
	if v.Len() != 0 || v.Cap() != 0 {
		t.Error("expected Release to empty the vector")
	}
	if _, ok := v.Pop(); ok {
		t.Error("expected Pop on an empty vector to fail")
	}

	if got := HeapStats().Allocations; got != 0 {
		t.Errorf("expected the vector to return its memory; got %d live allocations", got)
	}
}

func TestVecAllocationFailure(t *testing.T) {
	v := NewVec[uint64](failingAllocator{})
	if err := v.Push(1); err != ErrOutOfMemory {
		t.Errorf("expected ErrOutOfMemory; got %v", err)
	}
	if v.Len() != 0 {
		t.Errorf("expected the vector to stay empty; got length %d", v.Len())
	}
}
