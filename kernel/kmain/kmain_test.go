package kmain

import (
	"testing"

	"github.com/mrjbom/OS/kernel"
	"github.com/mrjbom/OS/kernel/cpu"
	"github.com/mrjbom/OS/kernel/hal/multiboot"
	"github.com/mrjbom/OS/kernel/kfmt"
	"github.com/mrjbom/OS/kernel/mem/bootmap"
	"github.com/mrjbom/OS/kernel/mm"
)

func TestKmain(t *testing.T) {
	defer func() {
		disableInterruptsFn = cpu.DisableInterrupts
		setInfoPtrFn = multiboot.SetInfoPtr
		memoryMapFn = multiboot.MemoryMap
		mmInitFn = mm.Init
		panicFn = kfmt.Panic
	}()

	var (
		bootMap  bootmap.Map
		calls    []string
		panicked interface{}
		infoPtr  uintptr
		gotRange [2]uint64
	)

	disableInterruptsFn = func() { calls = append(calls, "cli") }
	setInfoPtrFn = func(ptr uintptr) {
		calls = append(calls, "multiboot")
		infoPtr = ptr
	}
	memoryMapFn = func(start, end uint64) *bootmap.Map {
		calls = append(calls, "memory map")
		gotRange = [2]uint64{start, end}
		return &bootMap
	}
	panicFn = func(e interface{}) { panicked = e }

	initErr := &kernel.Error{Module: "mm", Message: "init failed"}
	specs := []struct {
		initErr  *kernel.Error
		expPanic *kernel.Error
	}{
		{nil, errKmainReturned},
		{initErr, initErr},
	}

	for specIndex, spec := range specs {
		calls, panicked = nil, nil
		mmInitFn = func(m *bootmap.Map) *kernel.Error {
			if m != &bootMap {
				t.Errorf("[spec %d] expected mm.Init to receive the multiboot memory map", specIndex)
			}
			calls = append(calls, "mm")
			return spec.initErr
		}

		Kmain(0xbadf00d, 0x100000, 0x200000)

		if panicked != spec.expPanic {
			t.Errorf("[spec %d] expected Kmain to panic with %v; got %v", specIndex, spec.expPanic, panicked)
		}

		expCalls := []string{"cli", "multiboot", "memory map", "mm"}
		if len(calls) != len(expCalls) {
			t.Fatalf("[spec %d] expected calls %v; got %v", specIndex, expCalls, calls)
		}
		for i := range expCalls {
			if calls[i] != expCalls[i] {
				t.Errorf("[spec %d] expected call %d to be %q; got %q", specIndex, i, expCalls[i], calls[i])
			}
		}

		if infoPtr != 0xbadf00d || gotRange != [2]uint64{0x100000, 0x200000} {
			t.Errorf("[spec %d] unexpected arguments: info 0x%x, kernel image %v", specIndex, infoPtr, gotRange)
		}
	}
}
