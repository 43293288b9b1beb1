package webgpu

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/wgpucore/internal/kernels"
	"github.com/born-ml/wgpucore/internal/tensor"
)

// gpuApprox absorbs the reduced precision of hardware transcendentals.
var gpuApprox = cmpopts.EquateApprox(1e-4, 1e-5)

// openGPU opens adapter 0 of the platform driver, skipping when the machine
// has no usable GPU.
func openGPU(t *testing.T, opts ...Option) *Device {
	t.Helper()
	if testing.Short() {
		t.Skip("GPU tests skipped in short mode")
	}
	if !IsAvailable() {
		t.Skip("no WebGPU adapter")
	}
	dev, err := New(0, opts...)
	if IsFallback(err) {
		t.Skipf("adapter refused: %v", err)
	}
	require.NoError(t, err)
	t.Cleanup(dev.Release)
	t.Logf("adapter %q via %s", dev.AdapterInfo().Name, dev.Driver())
	return dev
}

func TestGPUOpenAndReadback(t *testing.T) {
	dev := openGPU(t)
	assert.NotEqual(t, "soft", dev.Driver())

	in := []float32{1.5, -2, 0, 3.25, 1e-3}
	s := upload(t, dev, in)
	assert.Equal(t, in, values(t, s))

	z, err := dev.Zeros(7, Float32)
	require.NoError(t, err)
	defer z.Release()
	assert.Equal(t, make([]float32, 7), values(t, z))
	require.NoError(t, dev.Synchronize())
}

func TestGPUMatMul2x2(t *testing.T) {
	dev := openGPU(t)
	a := upload(t, dev, []float32{1, 2, 3, 4}, 2, 2)
	b := upload(t, dev, []float32{5, 6, 7, 8}, 2, 2)

	c, err := dev.MatMul(a, b)
	require.NoError(t, err)
	defer c.Release()
	assert.Equal(t, tensor.Shape{2, 2}, c.Shape())
	assert.Equal(t, []float32{19, 22, 43, 50}, values(t, c))
}

func TestGPUMatMulMatchesReference(t *testing.T) {
	r := rand.New(rand.NewPCG(3, 4))
	tests := []struct {
		name    string
		m, k, n int
		tiled   int
	}{
		{"baseline", 33, 17, 65, 0},
		{"tiled", 70, 65, 67, 16},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dev := openGPU(t, WithTiledMatMulThreshold(tt.tiled))
			av := randomSlice(r, tt.m*tt.k)
			bv := randomSlice(r, tt.k*tt.n)
			a := upload(t, dev, av, tt.m, tt.k)
			b := upload(t, dev, bv, tt.k, tt.n)

			c, err := dev.MatMul(a, b)
			require.NoError(t, err)
			defer c.Release()

			want := referenceMatMul(av, bv, tt.m, tt.k, tt.n)
			if diff := cmp.Diff(want, values(t, c), gpuApprox); diff != "" {
				t.Errorf("matmul mismatch (-want +got):\n%s", diff)
			}
			wantKernel := kernels.MatMulF32
			if tt.tiled > 0 {
				wantKernel = kernels.MatMulTiledF32
			}
			assert.Equal(t, PipelineReady, dev.pipelines.state(wantKernel))
		})
	}
}

func TestGPUElementwiseFoldedGrid(t *testing.T) {
	dev := openGPU(t)
	dev.limits.MaxComputeWorkgroupsPerDimension = 4

	n := 10*kernels.ElementwiseWorkgroupSize - 3
	in := make([]float32, n)
	for i := range in {
		in[i] = float32(i)
	}
	a := upload(t, dev, in)
	out, err := dev.Add(a, a)
	require.NoError(t, err)
	defer out.Release()

	got := values(t, out)
	require.Len(t, got, n)
	for i, v := range got {
		if v != 2*float32(i) {
			t.Fatalf("element %d = %v, want %v", i, v, 2*float32(i))
		}
	}
}

func TestGPUActivations(t *testing.T) {
	dev := openGPU(t)
	in := []float32{-2, -1, -0.5, 0, 0.5, 1, 2}
	a := upload(t, dev, in)

	gelu := func(x float64) float64 {
		return 0.5 * x * (1 + math.Tanh(math.Sqrt(2/math.Pi)*(x+0.044715*x*x*x)))
	}
	tests := []struct {
		name string
		fn   func(*Storage) (*Storage, error)
		ref  func(float64) float64
	}{
		{"relu", dev.ReLU, func(x float64) float64 { return math.Max(x, 0) }},
		{"gelu", dev.GELU, gelu},
		{"tanh", dev.Tanh, math.Tanh},
		{"exp", dev.Exp, math.Exp},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := tt.fn(a)
			require.NoError(t, err)
			defer out.Release()

			want := make([]float32, len(in))
			for i, x := range in {
				want[i] = float32(tt.ref(float64(x)))
			}
			if diff := cmp.Diff(want, values(t, out), gpuApprox); diff != "" {
				t.Errorf("%s mismatch (-want +got):\n%s", tt.name, diff)
			}
		})
	}

	pos := upload(t, dev, []float32{1, math.E, 10})
	out, err := dev.Log(pos)
	require.NoError(t, err)
	defer out.Release()
	if diff := cmp.Diff([]float32{0, 1, float32(math.Log(10))}, values(t, out), gpuApprox); diff != "" {
		t.Errorf("log mismatch (-want +got):\n%s", diff)
	}
}
