package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/born-ml/wgpucore/internal/backend/webgpu"
	"github.com/born-ml/wgpucore/internal/config"
)

func infoCommand(a *app) *cli.Command {
	return &cli.Command{
		Name:  "info",
		Usage: "List adapters and the limits they grant",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "env", Usage: "Also list environment overrides"},
		},
		Action: func(c *cli.Context) error {
			out := c.App.Writer
			adapters, err := webgpu.ListAdapters(c.Context, a.options()...)
			if webgpu.IsFallback(err) {
				a.log.Warn("no GPU adapter", zap.Error(err))
				fmt.Fprintln(out, "No WebGPU adapter found; kernels will run on the CPU backend.")
			} else if err != nil {
				return err
			}

			for _, ad := range adapters {
				fmt.Fprintf(out, "Adapter %d: %s\n", ad.Ordinal, ad.Info.Name)
				w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
				fmt.Fprintf(w, "  vendor\t%s (0x%04x)\n", ad.Info.Vendor, ad.Info.VendorID)
				fmt.Fprintf(w, "  backend\t%s %s\n", ad.Info.Backend, ad.Info.AdapterType)
				fmt.Fprintf(w, "  profile\t%s\n", ad.Profile)
				fmt.Fprintf(w, "  max buffer size\t%d\n", ad.Limits.MaxBufferSize)
				fmt.Fprintf(w, "  max storage binding\t%d\n", ad.Limits.MaxStorageBufferBindingSize)
				fmt.Fprintf(w, "  max workgroups/dim\t%d\n", ad.Limits.MaxComputeWorkgroupsPerDimension)
				fmt.Fprintf(w, "  max invocations\t%d\n", ad.Limits.MaxComputeInvocationsPerWorkgroup)
				fmt.Fprintf(w, "  workgroup storage\t%d\n", ad.Limits.MaxComputeWorkgroupStorageSize)
				if err := w.Flush(); err != nil {
					return err
				}
			}

			if c.Bool("env") {
				w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
				for _, v := range config.EnvVars() {
					fmt.Fprintf(w, "%s\t%q\t%s\n", v.Name, v.Value, v.Description)
				}
				return w.Flush()
			}
			return nil
		},
	}
}
