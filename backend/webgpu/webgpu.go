// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package webgpu provides GPU storage and compute kernels on top of WebGPU.
//
// WebGPU is a cross-platform compute API that works on:
//   - Windows (via wgpu-native/D3D12)
//   - macOS and Linux (via wgpu-native/Metal and Vulkan)
//   - Web browsers (via wasm)
//
// Example:
//
//	import "github.com/born-ml/wgpucore/backend/webgpu"
//
//	func main() {
//	    dev, err := webgpu.New(0)
//	    if err != nil {
//	        log.Fatal(err)
//	    }
//	    defer dev.Release()
//
//	    a, _ := dev.UploadFloat32([]float32{1, 2, 3, 4}, 2, 2)
//	    b, _ := dev.UploadFloat32([]float32{5, 6, 7, 8}, 2, 2)
//	    c, _ := dev.MatMul(a, b)
//	    out, _ := c.ToFloat32() // [19 22 43 50]
//	}
//
// In the browser every blocking call fails with ErrUnsupportedOperation; use
// the Async variants and await the returned Future instead.
package webgpu

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	internalwebgpu "github.com/born-ml/wgpucore/internal/backend/webgpu"
)

type (
	// Device is an open GPU device with its pipeline cache and buffer pool.
	Device = internalwebgpu.Device
	// Storage is a typed buffer owned by a Device.
	Storage = internalwebgpu.Storage
	// Future is the result of an asynchronous call.
	Future[T any] = internalwebgpu.Future[T]
	// Option configures New and NewAsync.
	Option = internalwebgpu.Option
	// Options is the resolved configuration.
	Options = internalwebgpu.Options
	// Profile selects the limits requested from the adapter.
	Profile = internalwebgpu.Profile
	// PipelineState is the compile state of one kernel.
	PipelineState = internalwebgpu.PipelineState
	// MemoryStats reports device memory use.
	MemoryStats = internalwebgpu.MemoryStats
	// AdapterDescription describes one enumerated adapter.
	AdapterDescription = internalwebgpu.AdapterDescription
	// Error is the error type returned by the backend.
	Error = internalwebgpu.Error
	// Op names a kernel operation.
	Op = internalwebgpu.Op
	// DataType is a storage element type.
	DataType = internalwebgpu.DataType
)

// Error kinds, matched with errors.Is.
var (
	ErrDeviceUnavailable    = internalwebgpu.ErrDeviceUnavailable
	ErrDeviceRequestFailed  = internalwebgpu.ErrDeviceRequestFailed
	ErrUnsupportedOperation = internalwebgpu.ErrUnsupportedOperation
	ErrShapeOrTypeMismatch  = internalwebgpu.ErrShapeOrTypeMismatch
	ErrCompilationFailed    = internalwebgpu.ErrCompilationFailed
	ErrCrossDeviceBinding   = internalwebgpu.ErrCrossDeviceBinding
	ErrAllocationFailed     = internalwebgpu.ErrAllocationFailed
	ErrReleased             = internalwebgpu.ErrReleased
)

// Profiles.
const (
	ProfileAuto         = internalwebgpu.ProfileAuto
	ProfileDefault      = internalwebgpu.ProfileDefault
	ProfileConservative = internalwebgpu.ProfileConservative
)

// Operations.
const (
	OpAdd    = internalwebgpu.OpAdd
	OpSub    = internalwebgpu.OpSub
	OpMul    = internalwebgpu.OpMul
	OpDiv    = internalwebgpu.OpDiv
	OpReLU   = internalwebgpu.OpReLU
	OpGELU   = internalwebgpu.OpGELU
	OpTanh   = internalwebgpu.OpTanh
	OpExp    = internalwebgpu.OpExp
	OpLog    = internalwebgpu.OpLog
	OpMatMul = internalwebgpu.OpMatMul
)

// Element types.
const (
	Float32 = internalwebgpu.Float32
	Float16 = internalwebgpu.Float16
)

// New opens the adapter at ordinal. It blocks, so it fails with
// ErrUnsupportedOperation in the browser.
func New(ordinal int, opts ...Option) (*Device, error) {
	return internalwebgpu.New(ordinal, opts...)
}

// NewAsync opens the adapter at ordinal without blocking. A device that
// opens after the caller stopped awaiting must still be released; use Then.
func NewAsync(ctx context.Context, ordinal int, opts ...Option) *Future[*Device] {
	return internalwebgpu.NewAsync(ctx, ordinal, opts...)
}

// IsAvailable reports whether an adapter can be found. It always reports
// false in the browser, where the check would block.
func IsAvailable() bool {
	return internalwebgpu.IsAvailable()
}

// ListAdapters describes every adapter.
func ListAdapters(ctx context.Context) ([]AdapterDescription, error) {
	return internalwebgpu.ListAdapters(ctx)
}

// IsFallback reports whether err means the caller should use the CPU.
func IsFallback(err error) bool {
	return internalwebgpu.IsFallback(err)
}

// ParseProfile parses "auto", "default" or "conservative".
func ParseProfile(s string) (Profile, error) {
	return internalwebgpu.ParseProfile(s)
}

// WithProfile selects the limit profile.
func WithProfile(p Profile) Option { return internalwebgpu.WithProfile(p) }

// WithSeed seeds the device random generator.
func WithSeed(seed uint64) Option { return internalwebgpu.WithSeed(seed) }

// WithTiledMatMulThreshold sets the smallest dimension that uses the tiled
// matmul kernel; 0 disables it.
func WithTiledMatMulThreshold(n int) Option {
	return internalwebgpu.WithTiledMatMulThreshold(n)
}

// WithMemoryBudget caps live device memory in bytes; 0 means no cap.
func WithMemoryBudget(bytes uint64) Option { return internalwebgpu.WithMemoryBudget(bytes) }

// WithPoolSize sets the idle buffers kept per size class; 0 disables reuse.
func WithPoolSize(n int) Option { return internalwebgpu.WithPoolSize(n) }

// WithLogger sets the device logger.
func WithLogger(l *zap.Logger) Option { return internalwebgpu.WithLogger(l) }

// WithRegisterer registers the device metrics with r.
func WithRegisterer(r prometheus.Registerer) Option { return internalwebgpu.WithRegisterer(r) }
