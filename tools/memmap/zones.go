package main

import (
	"fmt"
	"io"

	cli "github.com/urfave/cli/v2"

	"github.com/mrjbom/OS/kernel/mem/pmm"
)

var zones = []pmm.Zone{pmm.ZoneISADMA, pmm.ZoneDMA32, pmm.ZoneHigh}

func zonesCommand() *cli.Command {
	return &cli.Command{
		Name:   "zones",
		Usage:  "collect the usable regions of a memory map and split them into zones",
		Flags:  mapFlags(),
		Action: zonesAction,
	}
}

func zonesAction(c *cli.Context) error {
	bm, err := loadMap(c)
	if err != nil {
		return err
	}

	var m pmm.Manager
	if err := runKernel("collecting regions", func() { m.Collect(bm) }); err != nil {
		return err
	}

	w := c.App.Writer
	printRegionList(w, "ALL", m.Regions())
	for _, z := range zones {
		printRegionList(w, z.String(), m.ZoneRegions(z))
	}
	return nil
}

func printRegionList(w io.Writer, name string, list *pmm.RegionList) {
	fmt.Fprintf(w, "%s: %d region(s), %d KiB\n", name, list.Len(), list.TotalSize()/1024)
	list.Visit(func(r pmm.UsableRegion) bool {
		fmt.Fprintf(w, "  [%#016x - %#016x] %d page(s)\n", r.FirstPage, r.LastPage, r.Pages())
		return true
	})
}
