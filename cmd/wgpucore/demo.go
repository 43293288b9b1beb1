package main

import (
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/born-ml/wgpucore/internal/backend"
	"github.com/born-ml/wgpucore/internal/selftest"
)

func demoCommand(a *app) *cli.Command {
	return &cli.Command{
		Name:  "demo",
		Usage: "Run matmul, activations and elementwise ops and check the results",
		Action: func(c *cli.Context) error {
			out := c.App.Writer
			b, err := a.open(c.Context)
			if err != nil {
				return err
			}
			defer b.Close()

			if b.Fallback != nil {
				fmt.Fprintf(out, "GPU acceleration unavailable (%v), using the CPU backend.\n", b.Fallback)
			}
			fmt.Fprintf(out, "Device %d: %s [%s]\n", b.Device.Ordinal(), b.Device.AdapterInfo().Name, b.Device.Driver())

			report, err := selftest.Run(c.Context, b.Device, a.log)
			if err != nil {
				return err
			}
			for _, check := range report.Checks {
				fmt.Fprintln(out, check)
			}
			if !report.Passed() {
				return cli.Exit(fmt.Sprintf("%d of %d checks failed", len(report.Failed()), len(report.Checks)), 1)
			}

			where := "GPU"
			if b.Kind == backend.KindCPU {
				where = "CPU"
			}
			fmt.Fprintf(out, "All operations completed successfully on %s!\n", where)
			return nil
		},
	}
}
