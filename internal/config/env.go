package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Environment variables that override the file.
const (
	EnvBackend      = "WGPUCORE_BACKEND"
	EnvOrdinal      = "WGPUCORE_ORDINAL"
	EnvProfile      = "WGPUCORE_PROFILE"
	EnvSeed         = "WGPUCORE_SEED"
	EnvLogLevel     = "WGPUCORE_LOG_LEVEL"
	EnvMemoryBudget = "WGPUCORE_MEMORY_BUDGET_MB"
)

// EnvVar describes one override.
type EnvVar struct {
	Name        string
	Value       string
	Description string
}

// Var returns the trimmed value of key with surrounding quotes removed.
func Var(key string) string {
	return strings.Trim(strings.TrimSpace(os.Getenv(key)), "\"'")
}

// EnvVars lists the overrides and their current values.
func EnvVars() []EnvVar {
	return []EnvVar{
		{EnvBackend, Var(EnvBackend), "Compute backend: auto, webgpu or cpu"},
		{EnvOrdinal, Var(EnvOrdinal), "Adapter ordinal"},
		{EnvProfile, Var(EnvProfile), "Limit profile: auto, default or conservative"},
		{EnvSeed, Var(EnvSeed), "Random seed"},
		{EnvLogLevel, Var(EnvLogLevel), "Log level: debug, info, warn or error"},
		{EnvMemoryBudget, Var(EnvMemoryBudget), "Device memory budget in MiB, 0 for none"},
	}
}

// ApplyEnv overrides settings from the environment. Unset variables leave
// the setting alone; malformed numbers are errors.
func (c *Config) ApplyEnv() error {
	var errs []error
	if s := Var(EnvBackend); s != "" {
		c.Device.Backend = s
	}
	if s := Var(EnvProfile); s != "" {
		c.Device.Profile = s
	}
	if s := Var(EnvLogLevel); s != "" {
		c.Logger.Verbosity = s
	}
	if s := Var(EnvOrdinal); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", EnvOrdinal, err))
		} else {
			c.Device.Ordinal = n
		}
	}
	if s := Var(EnvSeed); s != "" {
		n, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", EnvSeed, err))
		} else {
			c.Device.Seed = n
		}
	}
	if s := Var(EnvMemoryBudget); s != "" {
		n, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", EnvMemoryBudget, err))
		} else {
			c.Memory.BudgetMB = n
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}
