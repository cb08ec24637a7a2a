// Command memmap runs the kernel memory manager against a boot memory map on
// the host. It can print how the map is split into zones or back the map with
// simulated RAM and run the complete memory manager bootstrap.
package main

import (
	"io"
	"os"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	cli "github.com/urfave/cli/v2"

	"github.com/mrjbom/OS/kernel"
	"github.com/mrjbom/OS/kernel/kfmt"
	"github.com/mrjbom/OS/kernel/mem/bootmap"
	"github.com/mrjbom/OS/tools/memmap/mapfile"
)

const (
	mapFlagName    = "map"
	formatFlagName = "format"
	debugFlagName  = "debug"
	ramFlagName    = "ram"
)

var (
	logger = logrus.New()

	// kernelLog receives kfmt output while a command runs.
	kernelLog io.WriteCloser
)

func mapFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:     mapFlagName,
			Usage:    "memory map file (TOML or BIOS-e820 kernel log)",
			Required: true,
		},
		&cli.StringFlag{
			Name:  formatFlagName,
			Usage: "memory map format: auto, toml or e820",
			Value: string(mapfile.FormatAuto),
		},
	}
}

func app() *cli.App {
	return &cli.App{
		Name:  "memmap",
		Usage: "inspect how the kernel memory manager handles a boot memory map",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  debugFlagName,
				Usage: "show kernel log output",
			},
		},
		Commands: []*cli.Command{
			zonesCommand(),
			bootCommand(),
		},
		Before: setupLogging,
		After:  closeLogging,
	}
}

func setupLogging(c *cli.Context) error {
	logger.SetOutput(c.App.ErrWriter)
	logger.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true})
	logger.SetLevel(logrus.InfoLevel)
	if c.Bool(debugFlagName) {
		logger.SetLevel(logrus.DebugLevel)
	}

	kernelLog = logger.WriterLevel(logrus.DebugLevel)
	kfmt.SetOutputSink(&kfmt.PrefixWriter{Sink: kernelLog, Prefix: []byte("kernel: ")})
	return nil
}

func closeLogging(*cli.Context) error {
	kfmt.SetOutputSink(nil)
	if kernelLog != nil {
		return kernelLog.Close()
	}
	return nil
}

func loadMap(c *cli.Context) (*bootmap.Map, error) {
	m, err := mapfile.Load(c.String(mapFlagName), mapfile.Format(c.String(formatFlagName)))
	if err != nil {
		return nil, err
	}

	logger.WithFields(logrus.Fields{
		"entries": m.Len(),
		"usable":  m.UsableBytes(),
	}).Debug("loaded memory map")
	return m, nil
}

// runKernel calls fn and turns a kernel panic into an error.
func runKernel(op string, fn func()) (err error) {
	defer func() {
		switch r := recover().(type) {
		case nil:
		case *kernel.Error:
			err = errors.Errorf("%s: [%s] %s", op, r.Module, r.Message)
		default:
			panic(r)
		}
	}()

	fn()
	return nil
}

func main() {
	if err := app().Run(os.Args); err != nil {
		logger.Fatal(err)
	}
}
