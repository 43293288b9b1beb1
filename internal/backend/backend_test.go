package backend

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/born-ml/wgpucore/internal/backend/webgpu"
	"github.com/born-ml/wgpucore/internal/hal"
	"github.com/born-ml/wgpucore/internal/hal/soft"
)

// slowDriver holds enumeration until gate closes and ignores cancellation
// from then on, like a native driver stuck in a blocking request.
type slowDriver struct {
	hal.Driver
	gate     chan struct{}
	released chan struct{}
}

func (d *slowDriver) Adapters(context.Context) ([]hal.Adapter, error) {
	<-d.gate
	adapters, err := d.Driver.Adapters(context.Background())
	for i, a := range adapters {
		adapters[i] = &slowAdapter{Adapter: a, released: d.released}
	}
	return adapters, err
}

type slowAdapter struct {
	hal.Adapter
	released chan struct{}
}

func (a *slowAdapter) RequestDevice(_ context.Context, required hal.Limits) (hal.Device, error) {
	dev, err := a.Adapter.RequestDevice(context.Background(), required)
	if err != nil {
		return nil, err
	}
	return &trackedDevice{Device: dev, released: a.released}, nil
}

type trackedDevice struct {
	hal.Device
	released chan struct{}
}

func (d *trackedDevice) Release() {
	d.Device.Release()
	close(d.released)
}

func TestParseMode(t *testing.T) {
	tests := []struct {
		in   string
		want Mode
	}{
		{"", ModeAuto},
		{"auto", ModeAuto},
		{"WebGPU", ModeWebGPU},
		{"gpu", ModeWebGPU},
		{" cpu ", ModeCPU},
	}
	for _, tt := range tests {
		got, err := ParseMode(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
	_, err := ParseMode("cuda")
	assert.Error(t, err)
}

func TestSelectFallsBackWithoutAdapter(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	noGPU := webgpu.WithDriver(soft.New(soft.Options{NoAdapter: true}))

	b, err := Select(context.Background(), ModeAuto, 0, zap.New(core), noGPU)
	require.NoError(t, err)
	defer b.Close()

	assert.Equal(t, KindCPU, b.Kind)
	assert.ErrorIs(t, b.Fallback, webgpu.ErrDeviceUnavailable)
	assert.Equal(t, "soft", b.Device.Driver())
	assert.Equal(t, 1, logs.FilterMessage("GPU acceleration unavailable, falling back").Len())
}

func TestSelectFallsBackOnRefusedDevice(t *testing.T) {
	refused := webgpu.WithDriver(soft.New(soft.Options{FailDeviceRequest: true}))

	b, err := Select(context.Background(), ModeAuto, 0, nil, refused)
	require.NoError(t, err)
	defer b.Close()
	assert.Equal(t, KindCPU, b.Kind)
	assert.ErrorIs(t, b.Fallback, webgpu.ErrDeviceRequestFailed)
}

func TestSelectWebGPURequired(t *testing.T) {
	noGPU := webgpu.WithDriver(soft.New(soft.Options{NoAdapter: true}))

	_, err := Select(context.Background(), ModeWebGPU, 0, nil, noGPU)
	require.ErrorIs(t, err, webgpu.ErrDeviceUnavailable)
}

func TestSelectUsesGPUWhenPresent(t *testing.T) {
	gpu := webgpu.WithDriver(soft.New(soft.Options{}))

	b, err := Select(context.Background(), ModeAuto, 0, nil, gpu)
	require.NoError(t, err)
	defer b.Close()
	assert.Equal(t, KindWebGPU, b.Kind)
	assert.NoError(t, b.Fallback)
}

func TestSelectReleasesDeviceOpenedAfterCancel(t *testing.T) {
	drv := &slowDriver{
		Driver:   soft.New(soft.Options{}),
		gate:     make(chan struct{}),
		released: make(chan struct{}),
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := Select(ctx, ModeWebGPU, 0, nil, webgpu.WithDriver(drv))
	require.ErrorIs(t, err, context.DeadlineExceeded)

	close(drv.gate)
	select {
	case <-drv.released:
	case <-time.After(5 * time.Second):
		t.Fatal("device opened after the deadline was never released")
	}
}

func TestSelectCPU(t *testing.T) {
	b, err := Select(context.Background(), ModeCPU, 3, nil, webgpu.WithSeed(1))
	require.NoError(t, err)
	defer b.Close()
	assert.Equal(t, KindCPU, b.Kind)
	assert.Equal(t, "cpu", b.Kind.String())
	assert.NoError(t, b.Fallback)

	require.NoError(t, b.Warmup(context.Background(), []webgpu.Op{webgpu.OpMatMul}))
	assert.Equal(t, webgpu.PipelineReady, b.Device.PipelineState(webgpu.OpMatMul, webgpu.Float32))
}
