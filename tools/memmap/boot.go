package main

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	cli "github.com/urfave/cli/v2"

	"github.com/mrjbom/OS/internal/simram"
	"github.com/mrjbom/OS/kernel/mem"
	"github.com/mrjbom/OS/kernel/mem/bootmap"
	"github.com/mrjbom/OS/kernel/mem/heap"
	"github.com/mrjbom/OS/kernel/mem/pmm"
	"github.com/mrjbom/OS/kernel/mm"
)

var (
	// lowestUsable and highestUsable bound the memory the collector
	// accepts.
	lowestUsable  = uint64(pmm.ZoneISADMA.FirstPage())
	highestUsable = uint64(pmm.ZoneHigh.LastPage()) + uint64(mem.PageSize)
)

func bootCommand() *cli.Command {
	return &cli.Command{
		Name:  "boot",
		Usage: "back a memory map with simulated RAM and bootstrap all memory managers",
		Flags: append(mapFlags(), &cli.Uint64Flag{
			Name:  ramFlagName,
			Usage: "maximum amount of simulated RAM in MiB",
			Value: 8192,
		}),
		Action: bootAction,
	}
}

// simulatedRange returns the page aligned range that covers every usable
// region the collector would accept.
func simulatedRange(bm *bootmap.Map) (uint64, uint64, error) {
	var start, end uint64
	bm.Visit(func(r bootmap.Region) bool {
		if r.Kind != bootmap.Usable {
			return true
		}

		first, last := r.Start, r.End
		if first < lowestUsable {
			first = lowestUsable
		}
		if last > highestUsable {
			last = highestUsable
		}
		if first >= last {
			return true
		}

		if end == 0 || first < start {
			start = first
		}
		if last > end {
			end = last
		}
		return true
	})

	if end == 0 {
		return 0, 0, errors.New("memory map has no usable memory")
	}

	pageSize := uint64(mem.PageSize)
	return start &^ (pageSize - 1), (end + pageSize - 1) &^ (pageSize - 1), nil
}

func bootAction(c *cli.Context) error {
	bm, err := loadMap(c)
	if err != nil {
		return err
	}

	start, end, err := simulatedRange(bm)
	if err != nil {
		return err
	}

	if limit := c.Uint64(ramFlagName) * uint64(mem.Mb); end-start > limit {
		return errors.Errorf("memory map needs %d MiB of simulated RAM; limit is %d MiB", (end-start)/uint64(mem.Mb), c.Uint64(ramFlagName))
	}

	ram, err := simram.New(uintptr(start), mem.Size(end-start))
	if err != nil {
		return err
	}
	defer ram.Close()

	logger.WithFields(logrus.Fields{
		"start": fmt.Sprintf("%#x", start),
		"end":   fmt.Sprintf("%#x", end),
	}).Debug("simulated RAM ready")

	if err := runKernel("memory manager bootstrap", func() {
		if kerr := mm.Init(bm); kerr != nil {
			panic(kerr)
		}
	}); err != nil {
		return err
	}

	w := c.App.Writer
	for _, z := range zones {
		if !mm.PMM().ZoneInitialized(z) {
			fmt.Fprintf(w, "zone %s: not present\n", z)
			continue
		}
		fmt.Fprintf(w, "zone %s: %d KiB free\n", z, mm.PMM().FreeBytes(z)/mem.Kb)
	}
	printRegionList(w, "carved", mm.PMM().Carved())

	if err := runKernel("allocation smoke test", smokeTest); err != nil {
		return err
	}

	fmt.Fprintln(w, "smoke test passed")
	return nil
}

// smokeTest allocates and frees memory through every allocator layer.
func smokeTest() {
	for _, z := range zones {
		if !mm.PMM().ZoneInitialized(z) {
			continue
		}

		addr, err := mm.PMM().Alloc(pmm.Priority{z}, mem.PageSize)
		if err != nil {
			panic(err)
		}
		logger.WithField("zone", z.String()).Debugf("allocated page at %#x", addr)
		mm.PMM().Free(addr)
	}

	for size := uintptr(16); size <= 2048; size <<= 1 {
		addr, err := mm.Slab().Alloc(size)
		if err != nil {
			panic(err)
		}
		mm.Slab().Free(addr, size)
	}

	gpa := mm.Heap()
	addr, err := gpa.Allocate(1<<20, uintptr(mem.PageSize))
	if err != nil {
		panic(err)
	}
	gpa.Deallocate(addr, 1<<20, uintptr(mem.PageSize))

	v := heap.NewVec[uint64](gpa)
	for i := uint64(0); i < 10000; i++ {
		if err := v.Push(i); err != nil {
			panic(err)
		}
	}
	logger.WithField("stats", fmt.Sprintf("%+v", heap.HeapStats())).Debug("heap after vector test")
	v.Release()
}
