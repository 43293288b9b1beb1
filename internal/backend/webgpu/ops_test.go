package webgpu

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/born-ml/wgpucore/internal/hal/soft"
	"github.com/born-ml/wgpucore/internal/kernels"
	"github.com/born-ml/wgpucore/internal/tensor"
)

func upload(t *testing.T, dev *Device, data []float32, shape ...int) *Storage {
	t.Helper()
	s, err := dev.UploadFloat32(data, shape...)
	require.NoError(t, err)
	t.Cleanup(s.Release)
	return s
}

func values(t *testing.T, s *Storage) []float32 {
	t.Helper()
	got, err := s.ToFloat32()
	require.NoError(t, err)
	return got
}

func randomSlice(r *rand.Rand, n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = r.Float32()*2 - 1
	}
	return out
}

// referenceMatMul computes a @ b in float64 with gonum.
func referenceMatMul(a, b []float32, m, k, n int) []float32 {
	var c mat.Dense
	c.Mul(mat.NewDense(m, k, widen(a)), mat.NewDense(k, n, widen(b)))
	out := make([]float32, 0, m*n)
	for _, v := range c.RawMatrix().Data {
		out = append(out, float32(v))
	}
	return out
}

func TestMatMul2x2(t *testing.T) {
	dev, _ := openSoft(t, soft.Options{})
	a := upload(t, dev, []float32{1, 2, 3, 4}, 2, 2)
	b := upload(t, dev, []float32{5, 6, 7, 8}, 2, 2)

	c, err := dev.MatMul(a, b)
	require.NoError(t, err)
	defer c.Release()

	assert.Equal(t, tensor.Shape{2, 2}, c.Shape())
	assert.Equal(t, []float32{19, 22, 43, 50}, values(t, c))
}

func TestMatMulMatchesReference(t *testing.T) {
	r := rand.New(rand.NewPCG(1, 2))
	approx := cmpopts.EquateApprox(1e-4, 1e-5)

	tests := []struct {
		name    string
		m, k, n int
		tiled   int
	}{
		{"square baseline", 32, 32, 32, 0},
		{"rectangular baseline", 17, 5, 33, 0},
		{"row vector", 1, 64, 3, 0},
		{"square tiled", 64, 64, 64, 64},
		{"rectangular tiled", 70, 80, 90, 64},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dev, _ := openSoft(t, soft.Options{}, WithTiledMatMulThreshold(tt.tiled))
			av := randomSlice(r, tt.m*tt.k)
			bv := randomSlice(r, tt.k*tt.n)
			a := upload(t, dev, av, tt.m, tt.k)
			b := upload(t, dev, bv, tt.k, tt.n)

			c, err := dev.MatMul(a, b)
			require.NoError(t, err)
			defer c.Release()

			want := referenceMatMul(av, bv, tt.m, tt.k, tt.n)
			if diff := cmp.Diff(want, values(t, c), approx); diff != "" {
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

func TestMatMulEmptyInnerDimension(t *testing.T) {
	dev, _ := openSoft(t, soft.Options{})
	a, err := dev.Zeros(0, Float32)
	require.NoError(t, err)
	defer a.Release()
	require.NoError(t, a.Reshape(2, 0))
	b, err := dev.Zeros(0, Float32)
	require.NoError(t, err)
	defer b.Release()
	require.NoError(t, b.Reshape(0, 3))

	c, err := dev.MatMul(a, b)
	require.NoError(t, err)
	defer c.Release()
	assert.Equal(t, make([]float32, 6), values(t, c))
}

func TestMatMulShapeErrors(t *testing.T) {
	dev, _ := openSoft(t, soft.Options{})
	a := upload(t, dev, make([]float32, 6), 2, 3)
	b := upload(t, dev, make([]float32, 6), 2, 3)
	flat := upload(t, dev, make([]float32, 6))

	_, err := dev.MatMul(a, b)
	require.ErrorIs(t, err, ErrShapeOrTypeMismatch)
	_, err = dev.MatMul(flat, b)
	require.ErrorIs(t, err, ErrShapeOrTypeMismatch)
}

func TestMatMulGridLimit(t *testing.T) {
	dev, _ := openSoft(t, soft.Options{})
	dev.limits.MaxComputeWorkgroupsPerDimension = 1

	a := upload(t, dev, make([]float32, 17), 17, 1)
	b := upload(t, dev, make([]float32, 1), 1, 1)
	_, err := dev.MatMul(a, b)
	require.ErrorIs(t, err, ErrShapeOrTypeMismatch)
}

func TestBinaryOps(t *testing.T) {
	dev, _ := openSoft(t, soft.Options{})
	a := upload(t, dev, []float32{1, 2, 3, 4})
	b := upload(t, dev, []float32{4, 3, 2, 1})

	tests := []struct {
		fn   func(a, b *Storage) (*Storage, error)
		want []float32
	}{
		{dev.Add, []float32{5, 5, 5, 5}},
		{dev.Sub, []float32{-3, -1, 1, 3}},
		{dev.Mul, []float32{4, 6, 6, 4}},
		{dev.Div, []float32{0.25, 2.0 / 3, 1.5, 4}},
	}
	for _, tt := range tests {
		out, err := tt.fn(a, b)
		require.NoError(t, err)
		assert.Equal(t, tt.want, values(t, out))
		out.Release()
	}
}

func TestBinaryAlgebra(t *testing.T) {
	r := rand.New(rand.NewPCG(3, 4))
	dev, _ := openSoft(t, soft.Options{})
	// Spans several workgroups and leaves a partial one.
	n := 3*kernels.ElementwiseWorkgroupSize + 17
	a := upload(t, dev, randomSlice(r, n))
	b := upload(t, dev, randomSlice(r, n))

	ab, err := dev.Add(a, b)
	require.NoError(t, err)
	defer ab.Release()
	ba, err := dev.Add(b, a)
	require.NoError(t, err)
	defer ba.Release()
	assert.Equal(t, values(t, ab), values(t, ba))

	amb, err := dev.Sub(a, b)
	require.NoError(t, err)
	defer amb.Release()
	bma, err := dev.Sub(b, a)
	require.NoError(t, err)
	defer bma.Release()
	neg := values(t, bma)
	for i := range neg {
		neg[i] = -neg[i]
	}
	assert.Equal(t, values(t, amb), neg)
}

func TestBinaryPreservesShape(t *testing.T) {
	dev, _ := openSoft(t, soft.Options{})
	a := upload(t, dev, []float32{1, 2, 3, 4, 5, 6}, 2, 3)
	b := upload(t, dev, []float32{1, 1, 1, 1, 1, 1}, 3, 2)

	out, err := dev.Mul(a, b)
	require.NoError(t, err)
	defer out.Release()
	assert.Equal(t, tensor.Shape{2, 3}, out.Shape())
}

func TestBinaryMismatch(t *testing.T) {
	dev, _ := openSoft(t, soft.Options{})
	a := upload(t, dev, []float32{1, 2, 3})
	b := upload(t, dev, []float32{1, 2})

	_, err := dev.Add(a, b)
	require.ErrorIs(t, err, ErrShapeOrTypeMismatch)

	h, err := dev.Upload(make([]byte, 6), 3, Float16)
	require.NoError(t, err)
	defer h.Release()
	_, err = dev.Add(a, h)
	require.ErrorIs(t, err, ErrShapeOrTypeMismatch)

	_, err = dev.Binary(OpReLU, a, a)
	require.ErrorIs(t, err, ErrUnsupportedOperation)
	_, err = dev.Unary(OpAdd, a)
	require.ErrorIs(t, err, ErrUnsupportedOperation)
	_, err = dev.Unary(OpMatMul, a)
	require.ErrorIs(t, err, ErrUnsupportedOperation)
	_, err = dev.Add(a, nil)
	require.ErrorIs(t, err, ErrShapeOrTypeMismatch)
}

func TestFloat16KernelUnsupported(t *testing.T) {
	dev, drv := openSoft(t, soft.Options{})
	h, err := dev.Upload(make([]byte, 8), 4, Float16)
	require.NoError(t, err)
	defer h.Release()

	_, err = dev.ReLU(h)
	require.ErrorIs(t, err, ErrCompilationFailed)
	_, err = dev.Add(h, h)
	require.ErrorIs(t, err, ErrCompilationFailed)
	require.NoError(t, h.Reshape(2, 2))
	_, err = dev.MatMul(h, h)
	require.ErrorIs(t, err, ErrCompilationFailed)

	assert.Equal(t, PipelineFailed, dev.PipelineState(OpReLU, Float16))
	assert.Zero(t, drv.Compilations())
}

func TestCrossDeviceBinding(t *testing.T) {
	drv := soft.New(soft.Options{Adapters: 2})
	d0, err := New(0, WithDriver(drv))
	require.NoError(t, err)
	defer d0.Release()
	d1, err := New(1, WithDriver(drv))
	require.NoError(t, err)
	defer d1.Release()

	a := upload(t, d0, []float32{1, 2, 3, 4}, 2, 2)
	b := upload(t, d1, []float32{1, 2, 3, 4}, 2, 2)

	_, err = d0.Add(a, b)
	require.ErrorIs(t, err, ErrCrossDeviceBinding)
	_, err = d1.ReLU(a)
	require.ErrorIs(t, err, ErrCrossDeviceBinding)
	_, err = d0.MatMul(a, b)
	require.ErrorIs(t, err, ErrCrossDeviceBinding)
	assert.Zero(t, drv.Dispatches())
}

func TestReLU(t *testing.T) {
	dev, _ := openSoft(t, soft.Options{})
	a := upload(t, dev, []float32{-2, -1, 0, 1, 2})

	out, err := dev.ReLU(a)
	require.NoError(t, err)
	defer out.Release()
	assert.Equal(t, []float32{0, 0, 0, 1, 2}, values(t, out))
}

func TestReLUProperty(t *testing.T) {
	r := rand.New(rand.NewPCG(5, 6))
	dev, _ := openSoft(t, soft.Options{})
	in := randomSlice(r, 1000)
	out, err := dev.ReLU(upload(t, dev, in))
	require.NoError(t, err)
	defer out.Release()

	for i, y := range values(t, out) {
		if in[i] <= 0 {
			assert.Zero(t, y)
		} else {
			assert.Equal(t, in[i], y)
		}
	}
}

func TestTanhBounded(t *testing.T) {
	dev, _ := openSoft(t, soft.Options{})
	in := []float32{-1e30, -100, -20, -1, 0, 1, 20, 100, 1e30}
	out, err := dev.Tanh(upload(t, dev, in))
	require.NoError(t, err)
	defer out.Release()

	for _, y := range values(t, out) {
		assert.Greater(t, y, float32(-1))
		assert.Less(t, y, float32(1))
	}
}

func TestUnaryOps(t *testing.T) {
	dev, _ := openSoft(t, soft.Options{})
	in := []float32{-2, -1, 0, 1, 2}
	a := upload(t, dev, in)

	gelu := func(x float64) float64 {
		return 0.5 * x * (1 + math.Tanh(math.Sqrt(2/math.Pi)*(x+0.044715*x*x*x)))
	}
	tests := []struct {
		name string
		fn   func(*Storage) (*Storage, error)
		ref  func(float64) float64
	}{
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
			if diff := cmp.Diff(want, values(t, out), cmpopts.EquateApprox(1e-5, 1e-6)); diff != "" {
				t.Errorf("%s mismatch (-want +got):\n%s", tt.name, diff)
			}
		})
	}

	pos := upload(t, dev, []float32{1, math.E, 10})
	out, err := dev.Log(pos)
	require.NoError(t, err)
	defer out.Release()
	if diff := cmp.Diff([]float32{0, 1, float32(math.Log(10))}, values(t, out), cmpopts.EquateApprox(1e-6, 1e-6)); diff != "" {
		t.Errorf("log mismatch (-want +got):\n%s", diff)
	}
}

func TestZeroLengthOps(t *testing.T) {
	dev, drv := openSoft(t, soft.Options{})
	a := upload(t, dev, []float32{})

	out, err := dev.Add(a, a)
	require.NoError(t, err)
	defer out.Release()
	assert.Equal(t, 0, out.Count())
	assert.Empty(t, values(t, out))

	r, err := dev.ReLU(a)
	require.NoError(t, err)
	defer r.Release()
	assert.Zero(t, drv.Dispatches())
}

func TestElementwiseFoldedGrid(t *testing.T) {
	dev, _ := openSoft(t, soft.Options{})
	dev.limits.MaxComputeWorkgroupsPerDimension = 4

	// 10 workgroups fold into a 4x3 grid; the last invocations must not write.
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

func TestElementwiseTooLarge(t *testing.T) {
	dev, _ := openSoft(t, soft.Options{})
	dev.limits.MaxComputeWorkgroupsPerDimension = 2

	a := upload(t, dev, make([]float32, 5*kernels.ElementwiseWorkgroupSize))
	_, err := dev.ReLU(a)
	require.ErrorIs(t, err, ErrShapeOrTypeMismatch)
}

func TestDispatchOrder(t *testing.T) {
	dev, _ := openSoft(t, soft.Options{})
	one := upload(t, dev, []float32{1, 1, 1})
	acc := upload(t, dev, []float32{0, 0, 0}).Retain()

	for range 10 {
		next, err := dev.Add(acc, one)
		require.NoError(t, err)
		acc.Release()
		acc = next
	}
	defer acc.Release()
	assert.Equal(t, []float32{10, 10, 10}, values(t, acc))
}
