package main

import (
	"fmt"
	"io"

	"github.com/common-nighthawk/go-figure"
	"github.com/fxnlabs/aclrt/pkg/acl"
	"github.com/urfave/cli/v2"
)

func infoCommand(e *env) *cli.Command {
	return &cli.Command{
		Name:  "info",
		Usage: "Show the devices of the configured platform",
		Action: func(c *cli.Context) error {
			p, err := acl.NewPlatform(e.cfg, e.log)
			if err != nil {
				return err
			}
			defer p.Close()
			return printInfo(c.App.Writer, p)
		},
	}
}

func printInfo(w io.Writer, p *acl.Platform) error {
	fmt.Fprint(w, figure.NewFigure("aclrt", "", true).String())
	fmt.Fprintln(w)
	fmt.Fprintf(w, "devices: %d\n", p.DeviceCount())
	for id := 0; id < p.DeviceCount(); id++ {
		info, err := p.DeviceInfo(id)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "  [%d] %s  memory %d MiB (%d MiB free)  driver %s\n",
			info.ID, info.Name, info.TotalMemory>>20, info.AvailableMemory>>20, info.DriverVersion)
	}
	return nil
}
