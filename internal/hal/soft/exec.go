package soft

import (
	"encoding/binary"
	"math"

	"github.com/born-ml/wgpucore/internal/kernels"
)

// kernelFunc runs one dispatch. bufs is indexed by binding slot.
type kernelFunc func(bufs []*buffer, grid [3]uint32)

var kernelTable = [kernels.NumIDs]kernelFunc{
	kernels.AddF32:         binaryKernel(func(a, b float32) float32 { return a + b }),
	kernels.SubF32:         binaryKernel(func(a, b float32) float32 { return a - b }),
	kernels.MulF32:         binaryKernel(func(a, b float32) float32 { return a * b }),
	kernels.DivF32:         binaryKernel(func(a, b float32) float32 { return a / b }),
	kernels.ReLUF32:        unaryKernel(relu),
	kernels.GELUF32:        unaryKernel(gelu),
	kernels.TanhF32:        unaryKernel(safeTanh),
	kernels.ExpF32:         unaryKernel(func(x float32) float32 { return float32(math.Exp(float64(x))) }),
	kernels.LogF32:         unaryKernel(func(x float32) float32 { return float32(math.Log(float64(x))) }),
	kernels.MatMulF32:      matmulKernel,
	kernels.MatMulTiledF32: matmulKernel,
}

func kernelFor(id kernels.ID) kernelFunc {
	if !id.Valid() {
		return nil
	}
	return kernelTable[id]
}

const tanhBound = float32(0.99999994)

func relu(x float32) float32 {
	if x > 0 {
		return x
	}
	return 0
}

func clamp(x, lo, hi float32) float32 {
	return max(lo, min(x, hi))
}

func safeTanh(x float32) float32 {
	t := float32(math.Tanh(float64(clamp(x, -10, 10))))
	return clamp(t, -tanhBound, tanhBound)
}

func gelu(x float32) float32 {
	inner := float32(0.7978845608028654) * (x + float32(0.044715)*x*x*x)
	return 0.5 * x * (1 + float32(math.Tanh(float64(clamp(inner, -10, 10)))))
}

func f32At(data []byte, i uint64) float32 {
	return math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
}

func putF32(data []byte, i uint64, v float32) {
	binary.LittleEndian.PutUint32(data[i*4:], math.Float32bits(v))
}

func u32At(data []byte, i int) uint32 {
	return binary.LittleEndian.Uint32(data[i*4:])
}

// forEachInvocation walks the folded elementwise grid and calls fn for every
// in-bounds global index.
func forEachInvocation(grid [3]uint32, size uint32, fn func(i uint64)) {
	width := uint64(grid[0]) * kernels.ElementwiseWorkgroupSize
	for gy := uint64(0); gy < uint64(grid[1]); gy++ {
		for gx := uint64(0); gx < width; gx++ {
			idx := gx + gy*width
			if idx < uint64(size) {
				fn(idx)
			}
		}
	}
}

func binaryKernel(op func(a, b float32) float32) kernelFunc {
	return func(bufs []*buffer, grid [3]uint32) {
		a, b, out := bufs[0].data, bufs[1].data, bufs[2].data
		size := u32At(bufs[3].data, 0)
		forEachInvocation(grid, size, func(i uint64) {
			putF32(out, i, op(f32At(a, i), f32At(b, i)))
		})
	}
}

func unaryKernel(op func(x float32) float32) kernelFunc {
	return func(bufs []*buffer, grid [3]uint32) {
		in, out := bufs[0].data, bufs[1].data
		size := u32At(bufs[2].data, 0)
		forEachInvocation(grid, size, func(i uint64) {
			putF32(out, i, op(f32At(in, i)))
		})
	}
}

// matmulKernel serves both matmul programs: the tiled variant only pads
// with zeros, so it accumulates the same terms in the same k order.
func matmulKernel(bufs []*buffer, grid [3]uint32) {
	a, b, out := bufs[0].data, bufs[1].data, bufs[2].data
	params := bufs[3].data
	m, k, n := uint64(u32At(params, 0)), uint64(u32At(params, 1)), uint64(u32At(params, 2))

	rows := uint64(grid[1]) * kernels.MatMulTile
	cols := uint64(grid[0]) * kernels.MatMulTile
	for row := uint64(0); row < rows && row < m; row++ {
		for col := uint64(0); col < cols && col < n; col++ {
			var sum float32
			for kk := uint64(0); kk < k; kk++ {
				sum += f32At(a, row*k+kk) * f32At(b, kk*n+col)
			}
			putF32(out, row*n+col, sum)
		}
	}
}
