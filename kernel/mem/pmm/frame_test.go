package pmm

import (
	"testing"

	"github.com/mrjbom/OS/kernel/mem"
)

func TestFrameMethods(t *testing.T) {
	for frameIndex := uint64(0); frameIndex < 128; frameIndex++ {
		frame := Frame(frameIndex)

		if exp, got := uintptr(frameIndex<<mem.PageShift), frame.Address(); got != exp {
			t.Errorf("expected frame (%d, index: %d) call to Address() to return %x; got %x", frame, frameIndex, exp, got)
		}

		if got := FrameFromAddress(frame.Address() + 123); got != frame {
			t.Errorf("expected FrameFromAddress to return frame %d; got %d", frame, got)
		}
	}
}
