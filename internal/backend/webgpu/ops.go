package webgpu

import (
	"context"
	"math"

	"github.com/born-ml/wgpucore/internal/kernels"
	"github.com/born-ml/wgpucore/internal/tensor"
)

// Op names a kernel operation.
type Op = kernels.Op

// Operations.
const (
	OpAdd  = kernels.OpAdd
	OpSub  = kernels.OpSub
	OpMul  = kernels.OpMul
	OpDiv  = kernels.OpDiv
	OpReLU = kernels.OpReLU
	OpGELU = kernels.OpGELU
	OpTanh = kernels.OpTanh
	OpExp  = kernels.OpExp
	OpLog  = kernels.OpLog

	OpMatMul      = kernels.OpMatMul
	OpMatMulTiled = kernels.OpMatMulTiled
)

// DataType is a storage element type.
type DataType = tensor.DataType

// Element types.
const (
	Float32 = tensor.Float32
	Float16 = tensor.Float16
)

// checkOperands verifies that every operand is alive and lives on d.
func (d *Device) checkOperands(op string, operands ...*Storage) error {
	if err := d.checkLive(op); err != nil {
		return err
	}
	for _, s := range operands {
		if s == nil {
			return errorf(op, ErrShapeOrTypeMismatch, "nil operand")
		}
		if s.dev != d {
			return errorf(op, ErrCrossDeviceBinding, "operand on device %d, dispatching on device %d", s.dev.id, d.id)
		}
		if err := s.checkLive(op); err != nil {
			return err
		}
	}
	return nil
}

// Binary computes a op b elementwise. Operands must have the same count and
// dtype; there is no broadcasting. The result has the shape of a.
func (d *Device) Binary(op Op, a, b *Storage) (*Storage, error) {
	name := op.String()
	if op.Class() != kernels.ClassBinary {
		return nil, errorf(name, ErrUnsupportedOperation, "%s is not a binary operation", op)
	}
	if err := d.checkOperands(name, a, b); err != nil {
		return nil, err
	}
	if a.dtype != b.dtype {
		return nil, errorf(name, ErrShapeOrTypeMismatch, "dtypes %s and %s", a.dtype, b.dtype)
	}
	if a.count != b.count {
		return nil, errorf(name, ErrShapeOrTypeMismatch, "counts %d and %d", a.count, b.count)
	}
	return d.elementwise(name, op, a.shape, a, b)
}

// Unary computes op(a) elementwise.
func (d *Device) Unary(op Op, a *Storage) (*Storage, error) {
	name := op.String()
	if op.Class() != kernels.ClassUnary || op >= OpMatMul {
		return nil, errorf(name, ErrUnsupportedOperation, "%s is not a unary operation", op)
	}
	if err := d.checkOperands(name, a); err != nil {
		return nil, err
	}
	return d.elementwise(name, op, a.shape, a)
}

func (d *Device) elementwise(name string, op Op, shape tensor.Shape, inputs ...*Storage) (*Storage, error) {
	dt := inputs[0].dtype
	count := inputs[0].count

	id, err := kernels.Resolve(op, dt)
	if err != nil {
		return nil, newError(name, ErrCompilationFailed, err)
	}
	if uint64(count) > math.MaxUint32 || tensor.ByteSize(count, dt) > d.limits.MaxStorageBufferBindingSize {
		return nil, errorf(name, ErrShapeOrTypeMismatch, "%d elements exceed the binding limit", count)
	}
	x, y, ok := elementwiseGrid(uint64(count), d.limits.MaxComputeWorkgroupsPerDimension)
	if !ok {
		return nil, errorf(name, ErrShapeOrTypeMismatch, "%d elements exceed the dispatch grid", count)
	}

	out, err := d.newStorage(name, count, dt, shape.Clone(), allocEmpty, nil)
	if err != nil {
		return nil, err
	}
	if count == 0 {
		return out, nil
	}

	operands := append(append([]*Storage(nil), inputs...), out)
	if err := d.dispatch(context.Background(), name, id, operands, uniforms(uint32(count)), x, y); err != nil {
		out.Release()
		return nil, err
	}
	return out, nil
}

// MatMul computes a @ b for a shaped [M, K] and b shaped [K, N], with a
// float32 accumulator. The tiled kernel is used once min(M, K, N) reaches
// the device's tiled threshold.
func (d *Device) MatMul(a, b *Storage) (*Storage, error) {
	const name = "matmul"
	if err := d.checkOperands(name, a, b); err != nil {
		return nil, err
	}
	if a.dtype != b.dtype {
		return nil, errorf(name, ErrShapeOrTypeMismatch, "dtypes %s and %s", a.dtype, b.dtype)
	}
	m, k, ok := a.shape.Matrix()
	if !ok {
		return nil, errorf(name, ErrShapeOrTypeMismatch, "left operand has shape %s, want [M, K]", a.shape)
	}
	k2, n, ok := b.shape.Matrix()
	if !ok {
		return nil, errorf(name, ErrShapeOrTypeMismatch, "right operand has shape %s, want [K, N]", b.shape)
	}
	if k != k2 {
		return nil, errorf(name, ErrShapeOrTypeMismatch, "inner dimensions %d and %d (shapes %s and %s)", k, k2, a.shape, b.shape)
	}

	op := OpMatMul
	if t := d.opts.TiledMatMulThreshold; t > 0 && min(m, k, n) >= t {
		op = OpMatMulTiled
	}
	id, err := kernels.Resolve(op, a.dtype)
	if err != nil {
		return nil, newError(name, ErrCompilationFailed, err)
	}
	for _, dim := range []int{m, k, n} {
		if uint64(dim) > math.MaxUint32 {
			return nil, errorf(name, ErrShapeOrTypeMismatch, "dimension %d exceeds 32 bits", dim)
		}
	}
	if tensor.ByteSize(m*n, a.dtype) > d.limits.MaxStorageBufferBindingSize {
		return nil, errorf(name, ErrShapeOrTypeMismatch, "[%d, %d] output exceeds the binding limit", m, n)
	}
	x, y, ok := matmulGrid(uint64(m), uint64(n), d.limits.MaxComputeWorkgroupsPerDimension)
	if !ok {
		return nil, errorf(name, ErrShapeOrTypeMismatch, "[%d, %d] output exceeds the dispatch grid", m, n)
	}

	// An empty inner dimension sums nothing: the product is all zeros.
	mode := allocEmpty
	if k == 0 {
		mode = allocZeroed
	}
	out, err := d.newStorage(name, m*n, a.dtype, tensor.Shape{m, n}, mode, nil)
	if err != nil {
		return nil, err
	}
	if m*n == 0 || k == 0 {
		return out, nil
	}

	params := uniforms(uint32(m), uint32(k), uint32(n))
	if err := d.dispatch(context.Background(), name, id, []*Storage{a, b, out}, params, x, y); err != nil {
		out.Release()
		return nil, err
	}
	return out, nil
}

// Add returns a + b.
func (d *Device) Add(a, b *Storage) (*Storage, error) { return d.Binary(OpAdd, a, b) }

// Sub returns a - b.
func (d *Device) Sub(a, b *Storage) (*Storage, error) { return d.Binary(OpSub, a, b) }

// Mul returns a * b.
func (d *Device) Mul(a, b *Storage) (*Storage, error) { return d.Binary(OpMul, a, b) }

// Div returns a / b.
func (d *Device) Div(a, b *Storage) (*Storage, error) { return d.Binary(OpDiv, a, b) }

// ReLU returns max(a, 0).
func (d *Device) ReLU(a *Storage) (*Storage, error) { return d.Unary(OpReLU, a) }

// GELU returns the tanh approximation of GELU:
// 0.5 * x * (1 + tanh(sqrt(2/pi) * (x + 0.044715 * x^3))).
func (d *Device) GELU(a *Storage) (*Storage, error) { return d.Unary(OpGELU, a) }

// Tanh returns tanh(a), strictly inside (-1, 1).
func (d *Device) Tanh(a *Storage) (*Storage, error) { return d.Unary(OpTanh, a) }

// Exp returns e^a.
func (d *Device) Exp(a *Storage) (*Storage, error) { return d.Unary(OpExp, a) }

// Log returns the natural logarithm of a.
func (d *Device) Log(a *Storage) (*Storage, error) { return d.Unary(OpLog, a) }
