package main

import (
	"fmt"
	"time"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

func benchCommand(a *app) *cli.Command {
	return &cli.Command{
		Name:  "bench",
		Usage: "Time square matrix multiplications",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "size", Value: 512, Usage: "Matrix dimension"},
			&cli.IntFlag{Name: "iterations", Value: 10, Usage: "Multiplications to time"},
			&cli.BoolFlag{Name: "metrics", Usage: "Print device metrics afterwards"},
		},
		Action: func(c *cli.Context) error {
			n, iters := c.Int("size"), c.Int("iterations")
			if n <= 0 || iters <= 0 {
				return cli.Exit("size and iterations must be positive", 2)
			}

			b, err := a.open(c.Context)
			if err != nil {
				return err
			}
			defer b.Close()
			dev := b.Device

			x, err := dev.Uniform(-1, 1, n*n)
			if err != nil {
				return err
			}
			defer x.Release()
			y, err := dev.Uniform(-1, 1, n*n)
			if err != nil {
				return err
			}
			defer y.Release()
			if err := x.Reshape(n, n); err != nil {
				return err
			}
			if err := y.Reshape(n, n); err != nil {
				return err
			}

			// First call compiles the pipeline.
			z, err := dev.MatMul(x, y)
			if err != nil {
				return err
			}
			z.Release()
			if err := dev.Synchronize(); err != nil {
				return err
			}

			start := time.Now()
			for i := 0; i < iters; i++ {
				z, err := dev.MatMul(x, y)
				if err != nil {
					return err
				}
				z.Release()
			}
			if err := dev.Synchronize(); err != nil {
				return err
			}
			elapsed := time.Since(start)

			per := elapsed / time.Duration(iters)
			gflops := 2 * float64(n) * float64(n) * float64(n) * float64(iters) / elapsed.Seconds() / 1e9
			a.log.Info("bench finished",
				zap.Int("size", n),
				zap.Int("iterations", iters),
				zap.Duration("elapsed", elapsed))

			out := c.App.Writer
			fmt.Fprintf(out, "%s matmul %dx%d: %s/op, %.2f GFLOP/s\n", b.Kind, n, n, per, gflops)
			stats := dev.MemoryStats()
			fmt.Fprintf(out, "memory: peak %d bytes, pool hits %d, misses %d\n", stats.PeakBytes, stats.Pool.Hits, stats.Pool.Misses)

			if c.Bool("metrics") && a.cfg.Metrics.Enabled {
				if _, err := dev.Metrics().WriteTo(out); err != nil {
					return err
				}
			}
			return nil
		},
	}
}
