package webgpu

import (
	"context"
	"encoding/binary"

	"github.com/born-ml/wgpucore/internal/hal"
	"github.com/born-ml/wgpucore/internal/kernels"
)

// uniformSize is the size of every kernel parameter block. WGSL uniform
// structs are padded to 16 bytes.
const uniformSize = 16

// submit encodes one command list and submits it. Encoding and submission
// are serialized per device so command lists reach the queue whole and in
// call order.
func (d *Device) submit(record func(hal.CommandEncoder) error) error {
	d.submitMu.Lock()
	defer d.submitMu.Unlock()

	if d.released.Load() {
		return newError("submit", ErrReleased, nil)
	}
	enc, err := d.dev.CreateCommandEncoder()
	if err != nil {
		return err
	}
	defer enc.Release()
	if err := record(enc); err != nil {
		return err
	}
	cmd, err := enc.Finish()
	if err != nil {
		return err
	}
	d.queue.Submit(cmd)
	return nil
}

// elementwiseGrid returns the (x, y) workgroup counts covering n elements
// with 1-D workgroups. Counts above the per-dimension limit fold into y; the
// kernels unfold with num_workgroups.
func elementwiseGrid(n uint64, maxPerDim uint32) (x, y uint32, ok bool) {
	groups := (n + kernels.ElementwiseWorkgroupSize - 1) / kernels.ElementwiseWorkgroupSize
	limit := uint64(maxPerDim)
	if groups <= limit {
		return uint32(groups), 1, true
	}
	rows := (groups + limit - 1) / limit
	if rows > limit {
		return 0, 0, false
	}
	cols := (groups + rows - 1) / rows
	return uint32(cols), uint32(rows), true
}

// matmulGrid returns the workgroup counts for an M x N output, one 16x16
// workgroup per output tile.
func matmulGrid(m, n uint64, maxPerDim uint32) (x, y uint32, ok bool) {
	gx := (n + kernels.MatMulTile - 1) / kernels.MatMulTile
	gy := (m + kernels.MatMulTile - 1) / kernels.MatMulTile
	if gx > uint64(maxPerDim) || gy > uint64(maxPerDim) {
		return 0, 0, false
	}
	return uint32(gx), uint32(gy), true
}

func uniforms(vals ...uint32) []byte {
	out := make([]byte, uniformSize)
	for i, v := range vals {
		binary.LittleEndian.PutUint32(out[i*4:], v)
	}
	return out
}

// dispatch binds operands in slot order (inputs, output, parameters),
// records one compute pass and submits it. It returns once the work is
// queued. In the browser a kernel that was never compiled is an error: the
// compilation would block, so it has to go through PrepareAsync first.
func (d *Device) dispatch(ctx context.Context, op string, id kernels.ID, operands []*Storage, params []byte, x, y uint32) error {
	if _, ok := d.pipelines.lookup(id); sandboxed && !ok {
		return errorf(op, ErrUnsupportedOperation, "kernel %s is not compiled; call PrepareAsync before using it in the browser", id)
	}
	pipeline, err := d.pipelines.get(ctx, id)
	if err != nil {
		return err
	}

	uniform, err := d.createBuffer(op, uniformSize, hal.BufferUsageUniform|hal.BufferUsageCopyDst, params)
	if err != nil {
		return err
	}
	// Queued work keeps the buffer alive after release.
	defer d.destroyBuffer(uniform)

	bindings := make([]hal.Binding, 0, len(operands)+1)
	for i, s := range operands {
		bindings = append(bindings, hal.Binding{Slot: uint32(i), Buffer: s.buf, Size: hal.AlignSize(s.byteSize)})
	}
	bindings = append(bindings, hal.Binding{Slot: uint32(len(operands)), Buffer: uniform, Size: uniformSize})

	err = d.submit(func(enc hal.CommandEncoder) error {
		return enc.Dispatch(pipeline, bindings, x, y, 1)
	})
	if err != nil {
		return classify(op, ErrUnsupportedOperation, err)
	}
	d.metrics.Dispatches.WithLabelValues(id.String()).Inc()
	return nil
}
