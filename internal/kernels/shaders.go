package kernels

import "fmt"

// Elementwise kernels index a 2-D grid of 1-D workgroups so that buffers
// with more than 65535*256 elements still fit the per-dimension dispatch
// limit. The host folds the group count into (x, y) and the kernel unfolds it.

// binaryTemplate performs result[i] = a[i] <op> b[i].
const binaryTemplate = `
@group(0) @binding(0) var<storage, read> a: array<f32>;
@group(0) @binding(1) var<storage, read> b: array<f32>;
@group(0) @binding(2) var<storage, read_write> result: array<f32>;

struct Params {
    size: u32,
}
@group(0) @binding(3) var<uniform> params: Params;

@compute @workgroup_size(%d)
fn main(@builtin(global_invocation_id) global_id: vec3<u32>,
        @builtin(num_workgroups) num_groups: vec3<u32>) {
    let idx = global_id.x + global_id.y * num_groups.x * %du;
    if (idx < params.size) {
        result[idx] = %s;
    }
}
`

// unaryTemplate performs result[i] = f(input[i]).
const unaryTemplate = `
@group(0) @binding(0) var<storage, read> input: array<f32>;
@group(0) @binding(1) var<storage, read_write> result: array<f32>;

struct Params {
    size: u32,
}
@group(0) @binding(2) var<uniform> params: Params;

// Largest f32 below 1.0; keeps tanh strictly inside (-1, 1).
const TANH_BOUND: f32 = 0.99999994;

fn safe_tanh(x: f32) -> f32 {
    // Some backends overflow exp() inside tanh for large |x|.
    return clamp(tanh(clamp(x, -10.0, 10.0)), -TANH_BOUND, TANH_BOUND);
}

// GELU, tanh approximation: 0.5 * x * (1 + tanh(sqrt(2/pi) * (x + 0.044715 * x^3))).
fn gelu(x: f32) -> f32 {
    let inner = 0.7978845608028654 * (x + 0.044715 * x * x * x);
    return 0.5 * x * (1.0 + tanh(clamp(inner, -10.0, 10.0)));
}

@compute @workgroup_size(%d)
fn main(@builtin(global_invocation_id) global_id: vec3<u32>,
        @builtin(num_workgroups) num_groups: vec3<u32>) {
    let idx = global_id.x + global_id.y * num_groups.x * %du;
    if (idx < params.size) {
        let x = input[idx];
        result[idx] = %s;
    }
}
`

// matmulShader performs C = A @ B, one output element per invocation.
// A is [M, K], B is [K, N], C is [M, N]; the accumulator stays f32.
const matmulShader = `
@group(0) @binding(0) var<storage, read> a: array<f32>;
@group(0) @binding(1) var<storage, read> b: array<f32>;
@group(0) @binding(2) var<storage, read_write> result: array<f32>;

struct Params {
    M: u32,  // rows of A and C
    K: u32,  // cols of A, rows of B
    N: u32,  // cols of B and C
}
@group(0) @binding(3) var<uniform> params: Params;

@compute @workgroup_size(16, 16)
fn main(@builtin(global_invocation_id) global_id: vec3<u32>) {
    let row = global_id.y;
    let col = global_id.x;

    if (row >= params.M || col >= params.N) {
        return;
    }

    var sum: f32 = 0.0;
    for (var k: u32 = 0u; k < params.K; k = k + 1u) {
        sum = sum + a[row * params.K + k] * b[k * params.N + col];
    }

    result[row * params.N + col] = sum;
}
`

// matmulTiledShader computes the same product through 16x16 tiles staged in
// workgroup memory. Out-of-range tile cells are zero so the k-order of the
// accumulation matches matmulShader.
const matmulTiledShader = `
@group(0) @binding(0) var<storage, read> a: array<f32>;
@group(0) @binding(1) var<storage, read> b: array<f32>;
@group(0) @binding(2) var<storage, read_write> result: array<f32>;

struct Params {
    M: u32,
    K: u32,
    N: u32,
}
@group(0) @binding(3) var<uniform> params: Params;

const TILE: u32 = 16u;

var<workgroup> tile_a: array<array<f32, 16>, 16>;
var<workgroup> tile_b: array<array<f32, 16>, 16>;

@compute @workgroup_size(16, 16)
fn main(@builtin(global_invocation_id) global_id: vec3<u32>,
        @builtin(local_invocation_id) local_id: vec3<u32>) {
    let row = global_id.y;
    let col = global_id.x;
    let lr = local_id.y;
    let lc = local_id.x;

    var sum: f32 = 0.0;
    let tiles = (params.K + TILE - 1u) / TILE;
    for (var t: u32 = 0u; t < tiles; t = t + 1u) {
        let a_col = t * TILE + lc;
        if (row < params.M && a_col < params.K) {
            tile_a[lr][lc] = a[row * params.K + a_col];
        } else {
            tile_a[lr][lc] = 0.0;
        }
        let b_row = t * TILE + lr;
        if (b_row < params.K && col < params.N) {
            tile_b[lr][lc] = b[b_row * params.N + col];
        } else {
            tile_b[lr][lc] = 0.0;
        }
        workgroupBarrier();

        for (var k: u32 = 0u; k < TILE; k = k + 1u) {
            sum = sum + tile_a[lr][k] * tile_b[k][lc];
        }
        workgroupBarrier();
    }

    if (row < params.M && col < params.N) {
        result[row * params.N + col] = sum;
    }
}
`

var binaryExprs = map[Op]string{
	OpAdd: "a[idx] + b[idx]",
	OpSub: "a[idx] - b[idx]",
	OpMul: "a[idx] * b[idx]",
	OpDiv: "a[idx] / b[idx]",
}

var unaryExprs = map[Op]string{
	OpReLU: "max(x, 0.0)",
	OpGELU: "gelu(x)",
	OpTanh: "safe_tanh(x)",
	OpExp:  "exp(x)",
	OpLog:  "log(x)",
}

var catalog = buildCatalog()

func buildCatalog() [NumIDs]Program {
	var c [NumIDs]Program
	for id := ID(0); id < NumIDs; id++ {
		op := id.Op()
		p := Program{
			ID:         id,
			Label:      id.String(),
			EntryPoint: "main",
		}
		switch op.Class() {
		case ClassBinary:
			p.Source = fmt.Sprintf(binaryTemplate, ElementwiseWorkgroupSize, ElementwiseWorkgroupSize, binaryExprs[op])
			p.Workgroup = [3]uint32{ElementwiseWorkgroupSize, 1, 1}
			p.Bindings = 4
		case ClassUnary:
			p.Source = fmt.Sprintf(unaryTemplate, ElementwiseWorkgroupSize, ElementwiseWorkgroupSize, unaryExprs[op])
			p.Workgroup = [3]uint32{ElementwiseWorkgroupSize, 1, 1}
			p.Bindings = 3
		case ClassMatMul:
			p.Workgroup = [3]uint32{MatMulTile, MatMulTile, 1}
			p.Bindings = 4
			if op == OpMatMulTiled {
				p.Source = matmulTiledShader
				p.SharedMemory = 2 * MatMulTile * MatMulTile * 4
			} else {
				p.Source = matmulShader
			}
		}
		c[id] = p
	}
	return c
}
