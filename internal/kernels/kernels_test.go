package kernels

import (
	"strings"
	"testing"

	"github.com/born-ml/wgpucore/internal/tensor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveFloat32(t *testing.T) {
	tests := []struct {
		op   Op
		want ID
	}{
		{OpAdd, AddF32},
		{OpSub, SubF32},
		{OpMul, MulF32},
		{OpDiv, DivF32},
		{OpReLU, ReLUF32},
		{OpGELU, GELUF32},
		{OpTanh, TanhF32},
		{OpExp, ExpF32},
		{OpLog, LogF32},
		{OpMatMul, MatMulF32},
		{OpMatMulTiled, MatMulTiledF32},
	}

	for _, tt := range tests {
		t.Run(tt.op.String(), func(t *testing.T) {
			id, err := Resolve(tt.op, tensor.Float32)
			require.NoError(t, err)
			assert.Equal(t, tt.want, id)
			assert.Equal(t, tt.op, id.Op())
			assert.Equal(t, tensor.Float32, id.DType())
		})
	}
}

func TestResolveUnsupported(t *testing.T) {
	_, err := Resolve(OpAdd, tensor.Float16)
	require.ErrorIs(t, err, ErrUnsupported)

	_, err = Resolve(Op(200), tensor.Float32)
	require.ErrorIs(t, err, ErrUnsupported)
}

func TestCatalogComplete(t *testing.T) {
	programs := All()
	require.Len(t, programs, int(NumIDs))

	for i, p := range programs {
		assert.Equal(t, ID(i), p.ID)
		assert.NotEmpty(t, p.Source, "kernel %s has no source", p.ID)
		assert.Equal(t, "main", p.EntryPoint)
		assert.Contains(t, p.Source, "@compute")
		assert.Contains(t, p.Source, "fn main")
		assert.Equal(t, p.ID.String(), p.Label)
	}
}

func TestWorkgroupShapes(t *testing.T) {
	for _, p := range All() {
		switch p.ID.Op().Class() {
		case ClassBinary:
			assert.Equal(t, [3]uint32{256, 1, 1}, p.Workgroup)
			assert.Equal(t, 4, p.Bindings)
		case ClassUnary:
			assert.Equal(t, [3]uint32{256, 1, 1}, p.Workgroup)
			assert.Equal(t, 3, p.Bindings)
		case ClassMatMul:
			assert.Equal(t, [3]uint32{16, 16, 1}, p.Workgroup)
			assert.Equal(t, uint32(256), p.Invocations())
		}
	}

	tiled, err := Lookup(MatMulTiledF32)
	require.NoError(t, err)
	assert.Equal(t, uint32(2048), tiled.SharedMemory)
	assert.Contains(t, tiled.Source, "var<workgroup>")
	assert.Contains(t, tiled.Source, "workgroupBarrier")
}

func TestElementwiseSourcesSubstituted(t *testing.T) {
	for _, p := range All() {
		if p.ID.Op().Class() == ClassMatMul {
			continue
		}
		assert.NotContains(t, p.Source, "%!", "bad format verb in %s", p.ID)
		assert.Contains(t, p.Source, "@workgroup_size(256)")
		assert.Contains(t, p.Source, "num_groups.x * 256u")
	}

	gelu, err := Lookup(GELUF32)
	require.NoError(t, err)
	assert.True(t, strings.Contains(gelu.Source, "0.044715"), "gelu must use the tanh approximation")
}

func TestLookupInvalid(t *testing.T) {
	_, err := Lookup(NumIDs)
	require.ErrorIs(t, err, ErrUnsupported)
	assert.False(t, NumIDs.Valid())
	assert.Equal(t, "add_float32", AddF32.String())
	assert.Equal(t, "matmul_tiled_float32", MatMulTiledF32.String())
}

func TestParseOp(t *testing.T) {
	for o := OpAdd; o < numOps; o++ {
		got, err := ParseOp(o.String())
		require.NoError(t, err)
		assert.Equal(t, o, got)
	}
	_, err := ParseOp("softmax")
	assert.Error(t, err)
}
