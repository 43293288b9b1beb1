// Package backend selects the compute backend once at startup.
//
// The choice is a closed variant: a WebGPU device on the platform driver, or
// the same device API on the pure-Go driver. Callers hold the returned
// *Backend and pass it down; there is no process-wide current backend.
package backend

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/born-ml/wgpucore/internal/backend/webgpu"
	"github.com/born-ml/wgpucore/internal/hal/soft"
)

// Kind is the backend in use.
type Kind uint8

// Backend kinds.
const (
	KindWebGPU Kind = iota
	KindCPU
)

func (k Kind) String() string {
	switch k {
	case KindWebGPU:
		return "webgpu"
	case KindCPU:
		return "cpu"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Mode is the configured preference.
type Mode uint8

// Selection modes.
const (
	// ModeAuto tries WebGPU and falls back to the CPU when GPU acceleration
	// is unavailable.
	ModeAuto Mode = iota
	// ModeWebGPU requires WebGPU.
	ModeWebGPU
	// ModeCPU skips the GPU.
	ModeCPU
)

func (m Mode) String() string {
	switch m {
	case ModeAuto:
		return "auto"
	case ModeWebGPU:
		return "webgpu"
	case ModeCPU:
		return "cpu"
	default:
		return fmt.Sprintf("mode(%d)", uint8(m))
	}
}

// ParseMode parses "auto", "webgpu" (or "gpu") and "cpu".
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "auto":
		return ModeAuto, nil
	case "webgpu", "gpu":
		return ModeWebGPU, nil
	case "cpu":
		return ModeCPU, nil
	default:
		return 0, fmt.Errorf("backend: unknown mode %q", s)
	}
}

// Backend is the selected backend and its device.
type Backend struct {
	Kind   Kind
	Device *webgpu.Device
	// Fallback is the error that made ModeAuto fall back to the CPU.
	Fallback error
}

// Select opens the backend for mode. It uses the suspending device API
// internally, so it is safe to call from a browser goroutine.
func Select(ctx context.Context, mode Mode, ordinal int, log *zap.Logger, opts ...webgpu.Option) (*Backend, error) {
	if log == nil {
		log = zap.NewNop()
	}
	opts = append([]webgpu.Option{webgpu.WithLogger(log)}, opts...)

	if mode == ModeCPU {
		return openCPU(ctx, nil, opts)
	}

	dev, err := awaitDevice(ctx, webgpu.NewAsync(ctx, ordinal, opts...))
	switch {
	case err == nil:
		return &Backend{Kind: KindWebGPU, Device: dev}, nil
	case mode == ModeAuto && webgpu.IsFallback(err):
		log.Warn("GPU acceleration unavailable, falling back", zap.Stringer("backend", KindCPU), zap.Error(err))
		return openCPU(ctx, err, opts)
	default:
		return nil, err
	}
}

func openCPU(ctx context.Context, cause error, opts []webgpu.Option) (*Backend, error) {
	opts = append(opts, webgpu.WithDriver(soft.New(soft.Options{})))
	dev, err := awaitDevice(ctx, webgpu.NewAsync(ctx, 0, opts...))
	if err != nil {
		return nil, fmt.Errorf("backend: open cpu device: %w", err)
	}
	return &Backend{Kind: KindCPU, Device: dev, Fallback: cause}, nil
}

// awaitDevice waits for f. When ctx ends first, a device that still opens
// afterwards has no owner, so it is released as soon as it arrives.
func awaitDevice(ctx context.Context, f *webgpu.Future[*webgpu.Device]) (*webgpu.Device, error) {
	dev, err := f.Await(ctx)
	if err != nil && ctx.Err() != nil {
		f.Then(func(d *webgpu.Device, _ error) {
			if d != nil {
				d.Release()
			}
		})
	}
	return dev, err
}

// Warmup compiles the named kernels ahead of their first use.
func (b *Backend) Warmup(ctx context.Context, ops []webgpu.Op) error {
	if len(ops) == 0 {
		return nil
	}
	_, err := b.Device.PrepareAsync(ctx, ops...).Await(ctx)
	return err
}

// Close releases the device.
func (b *Backend) Close() {
	if b.Device != nil {
		b.Device.Release()
	}
}
