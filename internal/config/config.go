// Package config loads wgpucore settings from a YAML file and the
// environment.
package config

import (
	"errors"
	"fmt"
	"os"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/born-ml/wgpucore/internal/backend"
	"github.com/born-ml/wgpucore/internal/backend/webgpu"
	"github.com/born-ml/wgpucore/internal/kernels"
)

// Config is the settings tree read from YAML. Load layers the file and the
// WGPUCORE_* environment over Default.
type Config struct {
	Device struct {
		// Backend is "auto", "webgpu" or "cpu".
		Backend string `yaml:"backend"`
		Ordinal int    `yaml:"ordinal"`
		// Profile is "auto", "default" or "conservative".
		Profile string `yaml:"profile"`
		Seed    uint64 `yaml:"seed"`
	} `yaml:"device"`
	Kernels struct {
		TiledMatMulThreshold int `yaml:"tiledMatMulThreshold"`
		// Warmup names kernels compiled at startup, e.g. "matmul".
		Warmup []string `yaml:"warmup"`
	} `yaml:"kernels"`
	Memory struct {
		// BudgetMB caps live device memory; 0 means no cap.
		BudgetMB uint64 `yaml:"budgetMB"`
		PoolSize int    `yaml:"poolSize"`
	} `yaml:"memory"`
	Logger struct {
		Verbosity   string `yaml:"verbosity"`
		Development bool   `yaml:"development"`
	} `yaml:"logger"`
	Metrics struct {
		Enabled bool `yaml:"enabled"`
	} `yaml:"metrics"`
}

// Default returns the built-in settings.
func Default() *Config {
	var c Config
	c.Device.Backend = "auto"
	c.Device.Profile = "auto"
	c.Device.Seed = webgpu.DefaultSeed
	c.Kernels.TiledMatMulThreshold = webgpu.DefaultTiledMatMulThreshold
	c.Memory.PoolSize = webgpu.DefaultPoolSize
	c.Logger.Verbosity = "info"
	c.Metrics.Enabled = true
	return &c
}

// LoadConfig reads path over the defaults. Keys missing from the file keep
// their default value.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	config := Default()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return config, nil
}

// Load reads path when it is not empty, then applies environment overrides
// and validates the result.
func Load(path string) (*Config, error) {
	config := Default()
	if path != "" {
		var err error
		if config, err = LoadConfig(path); err != nil {
			return nil, err
		}
	}
	if err := config.ApplyEnv(); err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Validate reports every invalid setting.
func (c *Config) Validate() error {
	var errs []error
	if _, err := backend.ParseMode(c.Device.Backend); err != nil {
		errs = append(errs, err)
	}
	if _, err := webgpu.ParseProfile(c.Device.Profile); err != nil {
		errs = append(errs, err)
	}
	if c.Device.Ordinal < 0 {
		errs = append(errs, fmt.Errorf("device.ordinal must not be negative, got %d", c.Device.Ordinal))
	}
	if c.Kernels.TiledMatMulThreshold < 0 {
		errs = append(errs, fmt.Errorf("kernels.tiledMatMulThreshold must not be negative, got %d", c.Kernels.TiledMatMulThreshold))
	}
	if _, err := c.WarmupOps(); err != nil {
		errs = append(errs, err)
	}
	if c.Memory.PoolSize < 0 {
		errs = append(errs, fmt.Errorf("memory.poolSize must not be negative, got %d", c.Memory.PoolSize))
	}
	if _, err := zap.ParseAtomicLevel(c.Logger.Verbosity); err != nil {
		errs = append(errs, fmt.Errorf("logger.verbosity: %w", err))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// Mode returns the configured backend mode.
func (c *Config) Mode() backend.Mode {
	m, _ := backend.ParseMode(c.Device.Backend)
	return m
}

// WarmupOps parses Kernels.Warmup.
func (c *Config) WarmupOps() ([]webgpu.Op, error) {
	ops := make([]webgpu.Op, 0, len(c.Kernels.Warmup))
	for _, name := range c.Kernels.Warmup {
		op, err := kernels.ParseOp(name)
		if err != nil {
			return nil, fmt.Errorf("kernels.warmup: %w", err)
		}
		ops = append(ops, op)
	}
	return ops, nil
}

// Options converts the device settings. The logger and metrics registerer
// are left to the caller.
func (c *Config) Options() []webgpu.Option {
	profile, _ := webgpu.ParseProfile(c.Device.Profile)
	return []webgpu.Option{
		webgpu.WithProfile(profile),
		webgpu.WithSeed(c.Device.Seed),
		webgpu.WithTiledMatMulThreshold(c.Kernels.TiledMatMulThreshold),
		webgpu.WithMemoryBudget(c.Memory.BudgetMB << 20),
		webgpu.WithPoolSize(c.Memory.PoolSize),
	}
}
