// Command wgpucore inspects GPU adapters and runs the compute kernels.
package main

import (
	"context"
	"fmt"
	"os"
	"runtime"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/born-ml/wgpucore/internal/backend"
	"github.com/born-ml/wgpucore/internal/backend/webgpu"
	"github.com/born-ml/wgpucore/internal/config"
	"github.com/born-ml/wgpucore/internal/logger"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

type app struct {
	cfg *config.Config
	log *zap.Logger
}

// open selects the compute backend and compiles the configured warmup
// kernels.
func (a *app) open(ctx context.Context) (*backend.Backend, error) {
	b, err := backend.Select(ctx, a.cfg.Mode(), a.cfg.Device.Ordinal, a.log, a.cfg.Options()...)
	if err != nil {
		return nil, err
	}
	ops, err := a.cfg.WarmupOps()
	if err != nil {
		b.Close()
		return nil, err
	}
	if err := b.Warmup(ctx, ops); err != nil {
		b.Close()
		return nil, err
	}
	return b, nil
}

func (a *app) options() []webgpu.Option {
	return append(a.cfg.Options(), webgpu.WithLogger(a.log))
}

func newApp() *cli.App {
	a := &app{log: zap.NewNop()}
	var configPath string

	return &cli.App{
		Name:    "wgpucore",
		Usage:   "Run tensor kernels on WebGPU devices",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "config",
				Usage:       "Path to a YAML config file",
				EnvVars:     []string{"WGPUCORE_CONFIG"},
				Destination: &configPath,
			},
			&cli.StringFlag{
				Name:  "backend",
				Usage: "Compute backend: auto, webgpu or cpu",
			},
			&cli.IntFlag{
				Name:  "ordinal",
				Usage: "Adapter ordinal",
			},
			&cli.StringFlag{
				Name:  "verbosity",
				Usage: "Log level: debug, info, warn or error",
			},
		},
		Before: func(c *cli.Context) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if c.IsSet("backend") {
				cfg.Device.Backend = c.String("backend")
			}
			if c.IsSet("ordinal") {
				cfg.Device.Ordinal = c.Int("ordinal")
			}
			if c.IsSet("verbosity") {
				cfg.Logger.Verbosity = c.String("verbosity")
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			build := logger.New
			if cfg.Logger.Development {
				build = logger.NewDevelopment
			}
			zapLogger, err := build(cfg.Logger.Verbosity)
			if err != nil {
				return err
			}
			a.cfg = cfg
			a.log = zapLogger.Named("cli")
			return nil
		},
		After: func(*cli.Context) error {
			_ = a.log.Sync()
			return nil
		},
		Commands: []*cli.Command{
			infoCommand(a),
			demoCommand(a),
			benchCommand(a),
			{
				Name:  "version",
				Usage: "Print the version",
				Action: func(c *cli.Context) error {
					fmt.Fprintf(c.App.Writer, "wgpucore %s (%s %s/%s)\n", version, runtime.Version(), runtime.GOOS, runtime.GOARCH)
					return nil
				},
			},
		},
	}
}

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
