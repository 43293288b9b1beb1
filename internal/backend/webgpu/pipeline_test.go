package webgpu

import (
	"context"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/wgpucore/internal/hal"
	"github.com/born-ml/wgpucore/internal/hal/soft"
	"github.com/born-ml/wgpucore/internal/kernels"
)

func TestKernelCompiledOnce(t *testing.T) {
	dev, drv := openSoft(t, soft.Options{})
	a := upload(t, dev, []float32{1, 2, 3})
	b := upload(t, dev, []float32{4, 5, 6})

	assert.Equal(t, PipelineUncompiled, dev.PipelineState(OpAdd, Float32))

	first, err := dev.Add(a, b)
	require.NoError(t, err)
	defer first.Release()
	second, err := dev.Add(a, b)
	require.NoError(t, err)
	defer second.Release()

	assert.Equal(t, values(t, first), values(t, second))
	assert.Equal(t, int64(1), drv.Compilations())
	assert.Equal(t, int64(2), drv.Dispatches())
	assert.Equal(t, PipelineReady, dev.PipelineState(OpAdd, Float32))

	m := dev.Metrics()
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PipelineCompilations.WithLabelValues("add_float32", "ready")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Dispatches.WithLabelValues("add_float32")))
}

func TestConcurrentFirstUseCompilesOnce(t *testing.T) {
	dev, drv := openSoft(t, soft.Options{})
	a := upload(t, dev, []float32{-1, 1})

	var wg sync.WaitGroup
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := dev.ReLU(a)
			if assert.NoError(t, err) {
				out.Release()
			}
		}()
	}
	wg.Wait()
	require.NoError(t, dev.Synchronize())

	assert.Equal(t, int64(1), drv.Compilations())
	assert.Equal(t, int64(16), drv.Dispatches())
}

func TestFailedCompilationIsCached(t *testing.T) {
	dev, drv := openSoft(t, soft.Options{RejectKernels: []kernels.ID{kernels.GELUF32}})
	a := upload(t, dev, []float32{1})

	_, err := dev.GELU(a)
	require.ErrorIs(t, err, ErrCompilationFailed)
	require.ErrorIs(t, err, hal.ErrCompile)
	assert.False(t, IsFallback(err))
	assert.Equal(t, PipelineFailed, dev.PipelineState(OpGELU, Float32))

	_, err = dev.GELU(a)
	require.ErrorIs(t, err, ErrCompilationFailed)
	assert.Zero(t, drv.Dispatches())

	failed := dev.Metrics().PipelineCompilations.WithLabelValues("gelu_float32", "failed")
	assert.Equal(t, 1.0, testutil.ToFloat64(failed))

	// Other kernels are unaffected.
	out, err := dev.Tanh(a)
	require.NoError(t, err)
	out.Release()
}

func TestTiledKernelFailureIsSeparate(t *testing.T) {
	dev, _ := openSoft(t, soft.Options{RejectKernels: []kernels.ID{kernels.MatMulTiledF32}}, WithTiledMatMulThreshold(2))
	a := upload(t, dev, []float32{1, 2, 3, 4}, 2, 2)
	v := upload(t, dev, []float32{1, 2}, 1, 2)

	_, err := dev.MatMul(a, a)
	require.ErrorIs(t, err, ErrCompilationFailed)
	assert.Equal(t, PipelineFailed, dev.PipelineState(OpMatMulTiled, Float32))

	// min(M, K, N) below the threshold takes the baseline kernel.
	out, err := dev.MatMul(v, a)
	require.NoError(t, err)
	defer out.Release()
	assert.Equal(t, []float32{7, 10}, values(t, out))
}

func TestPrepare(t *testing.T) {
	dev, drv := openSoft(t, soft.Options{})

	require.NoError(t, dev.Prepare(context.Background(), OpAdd, OpMatMul))
	assert.Equal(t, int64(2), drv.Compilations())
	assert.Equal(t, PipelineReady, dev.PipelineState(OpMatMul, Float32))

	_, err := dev.PrepareAsync(context.Background(), OpAdd, OpExp).Await(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(3), drv.Compilations())
}

func TestPrepareCanceledLeavesKernelUncompiled(t *testing.T) {
	dev, drv := openSoft(t, soft.Options{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := dev.Prepare(ctx, OpLog)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, PipelineUncompiled, dev.PipelineState(OpLog, Float32))
	assert.Zero(t, drv.Compilations())

	require.NoError(t, dev.Prepare(context.Background(), OpLog))
	assert.Equal(t, PipelineReady, dev.PipelineState(OpLog, Float32))
}

func TestSharedRegisterer(t *testing.T) {
	reg := prometheus.NewRegistry()
	drv := soft.New(soft.Options{Adapters: 2})

	d0, err := New(0, WithDriver(drv), WithRegisterer(reg))
	require.NoError(t, err)
	defer d0.Release()
	d1, err := New(1, WithDriver(drv), WithRegisterer(reg))
	require.NoError(t, err)
	defer d1.Release()

	require.NoError(t, d0.Prepare(context.Background(), OpAdd))
	require.NoError(t, d1.Prepare(context.Background(), OpAdd))

	n, err := testutil.GatherAndCount(reg, "wgpucore_pipeline_compilations_total")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestPipelineStateString(t *testing.T) {
	assert.Equal(t, "uncompiled", PipelineUncompiled.String())
	assert.Equal(t, "compiling", PipelineCompiling.String())
	assert.Equal(t, "ready", PipelineReady.String())
	assert.Equal(t, "failed", PipelineFailed.String())
}
