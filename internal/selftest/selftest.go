// Package selftest runs a fixed set of operations on a device and checks
// the results against host-side references.
package selftest

import (
	"context"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/floats/scalar"
	"gonum.org/v1/gonum/mat"

	"github.com/born-ml/wgpucore/internal/backend/webgpu"
)

// suiteOps are the kernels the suite dispatches.
var suiteOps = []webgpu.Op{
	webgpu.OpMatMul,
	webgpu.OpMatMulTiled,
	webgpu.OpReLU,
	webgpu.OpGELU,
	webgpu.OpTanh,
	webgpu.OpAdd,
	webgpu.OpMul,
}

// Tolerance is the relative and absolute tolerance of approximate checks.
const Tolerance = 1e-4

// Check is the outcome of one operation.
type Check struct {
	Name     string
	Got      []float32
	Want     []float32
	Err      error
	Duration time.Duration
}

// Passed reports whether the operation succeeded with the expected values.
func (c Check) Passed() bool {
	if c.Err != nil || len(c.Got) != len(c.Want) {
		return false
	}
	return floats.EqualFunc(widen(c.Got), widen(c.Want), func(a, b float64) bool {
		return scalar.EqualWithinAbsOrRel(a, b, Tolerance, Tolerance)
	})
}

func (c Check) String() string {
	switch {
	case c.Err != nil:
		return fmt.Sprintf("FAIL %s: %v", c.Name, c.Err)
	case !c.Passed():
		return fmt.Sprintf("FAIL %s: got %v, want %v", c.Name, preview(c.Got), preview(c.Want))
	default:
		return fmt.Sprintf("ok   %s %v (%s)", c.Name, preview(c.Got), c.Duration.Round(time.Microsecond))
	}
}

// Report collects the checks of one run.
type Report struct {
	Driver  string
	Adapter string
	Checks  []Check
}

// Passed reports whether every check passed.
func (r *Report) Passed() bool {
	return len(r.Failed()) == 0
}

// Failed returns the checks that did not pass.
func (r *Report) Failed() []Check {
	var out []Check
	for _, c := range r.Checks {
		if !c.Passed() {
			out = append(out, c)
		}
	}
	return out
}

type runner struct {
	ctx context.Context
	dev *webgpu.Device
	log *zap.Logger
}

// Run executes the suite on dev. It only uses the suspending readback API,
// so it can run inside the browser. A non-nil error means the suite could
// not start; failed operations are reported as checks.
func Run(ctx context.Context, dev *webgpu.Device, log *zap.Logger) (*Report, error) {
	if log == nil {
		log = zap.NewNop()
	}
	r := &runner{ctx: ctx, dev: dev, log: log.Named("selftest")}
	report := &Report{Driver: dev.Driver(), Adapter: dev.AdapterInfo().Name}

	// The browser cannot compile on first use. Failures are cached and
	// surface through the check that dispatches the kernel.
	for _, op := range suiteOps {
		if _, err := dev.PrepareAsync(ctx, op).Await(ctx); err != nil {
			r.log.Debug("prepare failed", zap.Stringer("op", op), zap.Error(err))
		}
	}

	span := []float32{-2, -1, 0, 1, 2}
	left := []float32{1, 2, 3, 4}
	right := []float32{4, 3, 2, 1}

	report.Checks = append(report.Checks,
		r.matmul("matmul 2x2", []float32{1, 2, 3, 4}, []float32{5, 6, 7, 8}, 2, 2, 2, []float32{19, 22, 43, 50}),
		r.unary("relu", dev.ReLU, span, hostMap(span, func(x float64) float64 { return math.Max(x, 0) })),
		r.unary("gelu", dev.GELU, span, hostMap(span, gelu)),
		r.unary("tanh", dev.Tanh, span, hostMap(span, math.Tanh)),
		r.binary("add", dev.Add, left, right, []float32{5, 5, 5, 5}),
		r.binary("mul", dev.Mul, left, right, []float32{4, 6, 6, 4}),
		r.reference(64, 48, 32),
	)

	for _, c := range report.Checks {
		if c.Passed() {
			r.log.Debug("check passed", zap.String("check", c.Name), zap.Duration("elapsed", c.Duration))
		} else {
			r.log.Warn("check failed", zap.String("check", c.Name), zap.Error(c.Err))
		}
	}
	return report, nil
}

func (r *runner) read(s *webgpu.Storage) ([]float32, error) {
	return s.ToFloat32Async(r.ctx).Await(r.ctx)
}

func (r *runner) upload(data []float32, shape ...int) (*webgpu.Storage, error) {
	return r.dev.UploadFloat32(data, shape...)
}

func (r *runner) run(name string, want []float32, fn func() (*webgpu.Storage, error)) Check {
	start := time.Now()
	c := Check{Name: name, Want: want}
	out, err := fn()
	if err == nil {
		c.Got, err = r.read(out)
		out.Release()
	}
	c.Err = err
	c.Duration = time.Since(start)
	return c
}

func (r *runner) unary(name string, op func(*webgpu.Storage) (*webgpu.Storage, error), in, want []float32) Check {
	return r.run(name, want, func() (*webgpu.Storage, error) {
		a, err := r.upload(in)
		if err != nil {
			return nil, err
		}
		defer a.Release()
		return op(a)
	})
}

func (r *runner) binary(name string, op func(a, b *webgpu.Storage) (*webgpu.Storage, error), x, y, want []float32) Check {
	return r.run(name, want, func() (*webgpu.Storage, error) {
		a, err := r.upload(x)
		if err != nil {
			return nil, err
		}
		defer a.Release()
		b, err := r.upload(y)
		if err != nil {
			return nil, err
		}
		defer b.Release()
		return op(a, b)
	})
}

func (r *runner) matmul(name string, x, y []float32, m, k, n int, want []float32) Check {
	return r.run(name, want, func() (*webgpu.Storage, error) {
		a, err := r.upload(x, m, k)
		if err != nil {
			return nil, err
		}
		defer a.Release()
		b, err := r.upload(y, k, n)
		if err != nil {
			return nil, err
		}
		defer b.Release()
		return r.dev.MatMul(a, b)
	})
}

// reference multiplies seeded random matrices on the device and compares
// with gonum.
func (r *runner) reference(m, k, n int) Check {
	name := fmt.Sprintf("matmul %dx%d @ %dx%d vs reference", m, k, k, n)
	x, err := r.random(m * k)
	if err != nil {
		return Check{Name: name, Err: err}
	}
	y, err := r.random(k * n)
	if err != nil {
		return Check{Name: name, Err: err}
	}

	var c mat.Dense
	c.Mul(mat.NewDense(m, k, widen(x)), mat.NewDense(k, n, widen(y)))
	want := make([]float32, 0, m*n)
	for _, v := range c.RawMatrix().Data {
		want = append(want, float32(v))
	}
	return r.matmul(name, x, y, m, k, n, want)
}

func (r *runner) random(count int) ([]float32, error) {
	s, err := r.dev.Uniform(-1, 1, count)
	if err != nil {
		return nil, err
	}
	defer s.Release()
	return r.read(s)
}

func gelu(x float64) float64 {
	return 0.5 * x * (1 + math.Tanh(math.Sqrt(2/math.Pi)*(x+0.044715*x*x*x)))
}

func hostMap(in []float32, fn func(float64) float64) []float32 {
	out := make([]float32, len(in))
	for i, x := range in {
		out[i] = float32(fn(float64(x)))
	}
	return out
}

func widen(v []float32) []float64 {
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = float64(x)
	}
	return out
}

func preview(v []float32) string {
	if len(v) <= 8 {
		return fmt.Sprint(v)
	}
	return fmt.Sprintf("%v... (%d values)", v[:8], len(v))
}
