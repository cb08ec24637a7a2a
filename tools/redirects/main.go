// Command redirects finds the go:redirect-from directives in the kernel
// sources and patches the matching runtime symbols in the kernel image so
// that calls such as runtime.gopanic end up in kernel code.
package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	cli "github.com/urfave/cli/v2"
)

const (
	rootFlagName   = "root"
	kernelFlagName = "kernel-dir"
)

func app() *cli.App {
	return &cli.App{
		Name:  "redirects",
		Usage: "manage the runtime symbol redirect table of the kernel image",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  rootFlagName,
				Usage: "module root containing go.mod",
				Value: ".",
			},
			&cli.StringFlag{
				Name:  kernelFlagName,
				Usage: "kernel source folder relative to the module root",
				Value: "kernel",
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "count",
				Usage:  "print the number of redirects",
				Action: countAction,
			},
			{
				Name:      "populate-table",
				Usage:     "write the redirect table into a kernel image",
				ArgsUsage: "KERNEL_IMAGE",
				Action:    populateAction,
			},
		},
	}
}

func collect(c *cli.Context) ([]*redirect, error) {
	return findRedirects(c.String(rootFlagName), c.String(kernelFlagName))
}

func countAction(c *cli.Context) error {
	redirects, err := collect(c)
	if err != nil {
		return err
	}

	fmt.Fprintf(c.App.Writer, "%d", len(redirects))
	return nil
}

func populateAction(c *cli.Context) error {
	if c.NArg() != 1 {
		return cli.Exit("populate-table requires the path to the kernel image as an argument", 1)
	}
	imgFile := c.Args().First()

	redirects, err := collect(c)
	if err != nil {
		return err
	}

	if err := resolveSymbols(redirects, imgFile); err != nil {
		return err
	}

	for _, r := range redirects {
		logrus.WithFields(logrus.Fields{
			"src": r.src,
			"dst": r.dst,
		}).Debug("redirect")
	}

	return writeTable(redirects, imgFile)
}

func main() {
	if err := app().Run(os.Args); err != nil {
		logrus.Fatalf("[redirects] %s", err)
	}
}
