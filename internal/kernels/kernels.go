// Package kernels is the fixed catalog of WGSL compute programs.
//
// Kernel identity is the closed enumeration ID: one variant per supported
// operation and data type. Every ID maps to exactly one Program, so a cache
// indexed by ID covers the whole key space.
package kernels

import (
	"errors"
	"fmt"

	"github.com/born-ml/wgpucore/internal/tensor"
)

// ErrUnsupported is returned by Resolve when no kernel exists for an
// operation and data type pair.
var ErrUnsupported = errors.New("kernels: no kernel for operation and dtype")

// Workgroup shapes the catalog is written against.
const (
	// ElementwiseWorkgroupSize is the 1-D workgroup width of binary and unary kernels.
	ElementwiseWorkgroupSize = 256
	// MatMulTile is the edge of the 2-D matmul workgroup (16x16 invocations).
	MatMulTile = 16
)

// Op is a logical operation independent of data type.
type Op uint8

// Operations exposed by the catalog.
const (
	OpAdd Op = iota
	OpSub
	OpMul
	OpDiv
	OpReLU
	OpGELU
	OpTanh
	OpExp
	OpLog
	OpMatMul
	OpMatMulTiled
	numOps
)

var opNames = [numOps]string{
	OpAdd:         "add",
	OpSub:         "sub",
	OpMul:         "mul",
	OpDiv:         "div",
	OpReLU:        "relu",
	OpGELU:        "gelu",
	OpTanh:        "tanh",
	OpExp:         "exp",
	OpLog:         "log",
	OpMatMul:      "matmul",
	OpMatMulTiled: "matmul_tiled",
}

func (o Op) String() string {
	if o >= numOps {
		return fmt.Sprintf("op(%d)", uint8(o))
	}
	return opNames[o]
}

// ParseOp returns the operation named s, as printed by Op.String.
func ParseOp(s string) (Op, error) {
	for o, name := range opNames {
		if name == s {
			return Op(o), nil
		}
	}
	return 0, fmt.Errorf("kernels: unknown op %q", s)
}

// Class groups operations by binding layout and grid shape.
type Class uint8

// Kernel classes.
const (
	ClassBinary Class = iota
	ClassUnary
	ClassMatMul
)

// Class returns the kernel class of o.
func (o Op) Class() Class {
	switch o {
	case OpAdd, OpSub, OpMul, OpDiv:
		return ClassBinary
	case OpMatMul, OpMatMulTiled:
		return ClassMatMul
	default:
		return ClassUnary
	}
}

// ID identifies one compiled program. The numbering follows Op so that
// float32 kernels resolve without a table lookup.
type ID uint8

// Kernel identities. Only float32 kernels exist today; a new dtype adds a
// new block of IDs and a new branch in Resolve.
const (
	AddF32 ID = iota
	SubF32
	MulF32
	DivF32
	ReLUF32
	GELUF32
	TanhF32
	ExpF32
	LogF32
	MatMulF32
	MatMulTiledF32

	// NumIDs is the size of the key space.
	NumIDs
)

// Resolve maps an operation and data type to its kernel.
func Resolve(op Op, dt tensor.DataType) (ID, error) {
	if op >= numOps {
		return 0, fmt.Errorf("%w: unknown op %s", ErrUnsupported, op)
	}
	switch dt {
	case tensor.Float32:
		return ID(op), nil
	default:
		return 0, fmt.Errorf("%w: %s/%s", ErrUnsupported, op, dt)
	}
}

// Op returns the operation computed by the kernel.
func (id ID) Op() Op {
	return Op(id % ID(numOps))
}

// DType returns the element type the kernel reads and writes.
func (id ID) DType() tensor.DataType {
	return tensor.Float32
}

// Valid reports whether id is inside the catalog.
func (id ID) Valid() bool {
	return id < NumIDs
}

func (id ID) String() string {
	if !id.Valid() {
		return fmt.Sprintf("kernel(%d)", uint8(id))
	}
	return id.Op().String() + "_" + id.DType().String()
}

// Program is everything a driver needs to build a pipeline.
type Program struct {
	ID         ID
	Label      string
	Source     string
	EntryPoint string
	// Workgroup is the fixed @workgroup_size of the entry point.
	Workgroup [3]uint32
	// Bindings is the number of @group(0) bindings, uniform block included.
	Bindings int
	// SharedMemory is the workgroup storage the kernel declares, in bytes.
	SharedMemory uint32
}

// Invocations returns the number of invocations per workgroup.
func (p Program) Invocations() uint32 {
	return p.Workgroup[0] * p.Workgroup[1] * p.Workgroup[2]
}

// Lookup returns the program for id.
func Lookup(id ID) (Program, error) {
	if !id.Valid() {
		return Program{}, fmt.Errorf("%w: %s", ErrUnsupported, id)
	}
	return catalog[id], nil
}

// All returns every program in ID order.
func All() []Program {
	out := make([]Program, NumIDs)
	copy(out, catalog[:])
	return out
}
