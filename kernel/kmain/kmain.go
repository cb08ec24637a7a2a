package kmain

import (
	"github.com/mrjbom/OS/kernel"
	"github.com/mrjbom/OS/kernel/cpu"
	"github.com/mrjbom/OS/kernel/hal/multiboot"
	"github.com/mrjbom/OS/kernel/kfmt"
	"github.com/mrjbom/OS/kernel/mm"
)

var (
	errKmainReturned = &kernel.Error{Module: "kmain", Message: "Kmain returned"}

	// The following functions are mocked by tests and are automatically
	// inlined by the compiler.
	disableInterruptsFn = cpu.DisableInterrupts
	setInfoPtrFn        = multiboot.SetInfoPtr
	memoryMapFn         = multiboot.MemoryMap
	mmInitFn            = mm.Init
	panicFn             = kfmt.Panic
)

// Kmain is the only Go symbol that is visible (exported) from the rt0 initialization
// code. This function is invoked by the rt0 assembly code after setting up the GDT
// and setting up a a minimal g0 struct that allows Go code using the 4K stack
// allocated by the assembly code.
//
// The rt0 code passes the address of the multiboot info payload provided by the
// bootloader as well as the physical addresses for the kernel start/end.
//
// Kmain is not expected to return. If it does, the rt0 code will halt the CPU.
//
//go:noinline
func Kmain(multibootInfoPtr, kernelStart, kernelEnd uintptr) {
	disableInterruptsFn()
	setInfoPtrFn(multibootInfoPtr)

	kfmt.Printf("[kmain] kernel image at 0x%x - 0x%x\n", kernelStart, kernelEnd)

	bootMap := memoryMapFn(uint64(kernelStart), uint64(kernelEnd))
	if err := mmInitFn(bootMap); err != nil {
		panicFn(err)
		return
	}

	// Use kfmt.Panic instead of panic to prevent the compiler from
	// treating it as dead-code and eliminating it.
	panicFn(errKmainReturned)
}
