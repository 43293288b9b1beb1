// Package soft is a pure-Go implementation of the hal interfaces.
//
// It executes the kernel catalog on the CPU by kernel ID, honoring the same
// dispatch grid, binding layout and queue ordering a GPU would, which makes it
// the CPU fallback of the backend and its deterministic test device. Submitted
// work runs on a per-device worker goroutine, so completion is only observable
// through a map or a fence, exactly as on hardware.
package soft

import (
	"context"
	"fmt"
	"runtime"
	"sync/atomic"

	"github.com/born-ml/wgpucore/internal/hal"
	"github.com/born-ml/wgpucore/internal/kernels"
)

// Options configures the simulated adapters.
type Options struct {
	// Adapters is the number of adapters to expose (default 1).
	Adapters int
	// NoAdapter makes enumeration fail as on a machine without a GPU.
	NoAdapter bool
	// Limits reported by every adapter (default hal.DefaultLimits).
	Limits hal.Limits
	// MemoryBudget caps the bytes a device may hold; 0 means unlimited.
	MemoryBudget uint64
	// FailDeviceRequest makes every RequestDevice call fail.
	FailDeviceRequest bool
	// RejectKernels lists kernels whose compilation fails.
	RejectKernels []kernels.ID
}

// Driver is the software driver.
type Driver struct {
	opts         Options
	compilations atomic.Int64
	dispatches   atomic.Int64
	openEncoders atomic.Int64
}

// New creates a software driver.
func New(opts Options) *Driver {
	if opts.Adapters <= 0 {
		opts.Adapters = 1
	}
	if opts.Limits == (hal.Limits{}) {
		opts.Limits = hal.DefaultLimits()
	}
	return &Driver{opts: opts}
}

// Name implements hal.Driver.
func (d *Driver) Name() string { return "soft" }

// Compilations returns the number of pipelines compiled by all devices.
func (d *Driver) Compilations() int64 { return d.compilations.Load() }

// Dispatches returns the number of compute dispatches executed.
func (d *Driver) Dispatches() int64 { return d.dispatches.Load() }

// OpenEncoders returns the number of command encoders not yet released.
func (d *Driver) OpenEncoders() int64 { return d.openEncoders.Load() }

// Adapters implements hal.Driver.
func (d *Driver) Adapters(ctx context.Context) ([]hal.Adapter, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if d.opts.NoAdapter {
		return nil, fmt.Errorf("soft: %w", hal.ErrNoAdapter)
	}
	out := make([]hal.Adapter, d.opts.Adapters)
	for i := range out {
		out[i] = &adapter{driver: d, index: i}
	}
	return out, nil
}

type adapter struct {
	driver *Driver
	index  int
}

func (a *adapter) Info() hal.AdapterInfo {
	return hal.AdapterInfo{
		Name:         fmt.Sprintf("Software Adapter %d", a.index),
		Vendor:       "born-ml",
		Architecture: runtime.GOARCH,
		Description:  "pure Go kernel interpreter",
		Backend:      "cpu",
		AdapterType:  "cpu",
	}
}

func (a *adapter) Limits() hal.Limits { return a.driver.opts.Limits }

func (a *adapter) RequestDevice(ctx context.Context, required hal.Limits) (hal.Device, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if a.driver.opts.FailDeviceRequest {
		return nil, fmt.Errorf("soft: %w: adapter refused the request", hal.ErrDeviceRequest)
	}
	if ok, reason := a.Limits().Satisfies(required); !ok {
		return nil, fmt.Errorf("soft: %w: %s", hal.ErrDeviceRequest, reason)
	}
	return newDevice(a.driver, required), nil
}

func (a *adapter) Release() {}
