//go:build windows

// Package native drives GPUs through go-webgpu, a zero-CGO binding to
// wgpu-native loaded at runtime.
//
// The binding exposes neither adapter enumeration nor limit queries, so the
// driver reports the single preferred adapter with the WebGPU default limits,
// which is also what RequestDevice(nil) grants.
package native

import (
	"context"
	"fmt"
	"unsafe"

	"github.com/go-webgpu/webgpu/wgpu"

	"github.com/born-ml/wgpucore/internal/hal"
	"github.com/born-ml/wgpucore/internal/kernels"
)

// Driver is the go-webgpu driver.
type Driver struct{}

// New returns the native driver.
func New() *Driver { return &Driver{} }

// Name implements hal.Driver.
func (*Driver) Name() string { return "native" }

// Adapters implements hal.Driver. A missing wgpu_native library surfaces as
// hal.ErrNoAdapter rather than a panic.
func (*Driver) Adapters(ctx context.Context) (out []hal.Adapter, err error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	defer func() {
		if r := recover(); r != nil {
			out = nil
			err = fmt.Errorf("native: %w: library not available: %v", hal.ErrNoAdapter, r)
		}
	}()

	instance, instErr := wgpu.CreateInstance(nil)
	if instErr != nil || instance == nil {
		return nil, fmt.Errorf("native: %w: instance unavailable: %v", hal.ErrNoAdapter, instErr)
	}
	adapter, reqErr := instance.RequestAdapter(&wgpu.RequestAdapterOptions{
		PowerPreference: wgpu.PowerPreferenceHighPerformance,
	})
	if reqErr != nil || adapter == nil {
		adapter, reqErr = instance.RequestAdapter(nil)
	}
	if reqErr != nil || adapter == nil {
		instance.Release()
		return nil, fmt.Errorf("native: %w: %v", hal.ErrNoAdapter, reqErr)
	}
	return []hal.Adapter{&nativeAdapter{instance: instance, adapter: adapter}}, nil
}

type nativeAdapter struct {
	instance *wgpu.Instance
	adapter  *wgpu.Adapter
}

var unknownInfo = hal.AdapterInfo{Name: "unknown", Backend: "wgpu-native"}

func (a *nativeAdapter) Info() (info hal.AdapterInfo) {
	defer func() {
		if r := recover(); r != nil {
			info = unknownInfo
		}
	}()
	raw, err := a.adapter.GetInfo()
	if err != nil || raw == nil {
		return unknownInfo
	}
	return hal.AdapterInfo{
		Name:         raw.Device,
		Vendor:       raw.Vendor,
		Architecture: raw.Architecture,
		Description:  raw.Description,
		Backend:      fmt.Sprint(raw.BackendType),
		AdapterType:  fmt.Sprint(raw.AdapterType),
		VendorID:     uint32(raw.VendorID),
		DeviceID:     uint32(raw.DeviceID),
	}
}

func (a *nativeAdapter) Limits() hal.Limits { return hal.DefaultLimits() }

func (a *nativeAdapter) RequestDevice(ctx context.Context, required hal.Limits) (out hal.Device, err error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if ok, reason := a.Limits().Satisfies(required); !ok {
		return nil, fmt.Errorf("native: %w: %s", hal.ErrDeviceRequest, reason)
	}
	defer func() {
		if r := recover(); r != nil {
			out = nil
			err = fmt.Errorf("native: %w: %v", hal.ErrDeviceRequest, r)
		}
	}()

	device, reqErr := a.adapter.RequestDevice(nil)
	if reqErr != nil {
		return nil, fmt.Errorf("native: %w: %v", hal.ErrDeviceRequest, reqErr)
	}
	queue := device.GetQueue()
	if queue == nil {
		device.Release()
		return nil, fmt.Errorf("native: %w: no queue", hal.ErrDeviceRequest)
	}
	return &nativeDevice{device: device, queue: queue, limits: required}, nil
}

func (a *nativeAdapter) Release() {
	a.adapter.Release()
	a.instance.Release()
}

type nativeDevice struct {
	device *wgpu.Device
	queue  *wgpu.Queue
	limits hal.Limits
}

func (d *nativeDevice) Queue() hal.Queue { return d }

// Submit implements hal.Queue. Bind groups recorded by the encoder live until
// the commands are handed to the queue.
func (d *nativeDevice) Submit(cmds ...hal.CommandBuffer) {
	buffers := make([]*wgpu.CommandBuffer, 0, len(cmds))
	var groups []*wgpu.BindGroup
	for _, c := range cmds {
		cb, ok := c.(*commandBuffer)
		if !ok {
			continue
		}
		buffers = append(buffers, cb.cmd)
		groups = append(groups, cb.bindGroups...)
	}
	if len(buffers) > 0 {
		d.queue.Submit(buffers...)
	}
	for _, b := range buffers {
		b.Release()
	}
	for _, g := range groups {
		g.Release()
	}
}

func (d *nativeDevice) CreateBuffer(desc hal.BufferDescriptor) (out hal.Buffer, err error) {
	if desc.Size > d.limits.MaxBufferSize {
		return nil, fmt.Errorf("native: %w: %d bytes exceeds maxBufferSize %d", hal.ErrOutOfMemory, desc.Size, d.limits.MaxBufferSize)
	}
	defer func() {
		if r := recover(); r != nil {
			out = nil
			err = fmt.Errorf("native: %w: %v", hal.ErrOutOfMemory, r)
		}
	}()

	bd := &wgpu.BufferDescriptor{
		Usage: wgpu.BufferUsage(desc.Usage),
		Size:  desc.Size,
	}
	if desc.Contents != nil {
		bd.MappedAtCreation = wgpu.True
	}
	buf := d.device.CreateBuffer(bd)
	if buf == nil {
		return nil, fmt.Errorf("native: %w: %d bytes", hal.ErrOutOfMemory, desc.Size)
	}
	if desc.Contents != nil {
		ptr := buf.GetMappedRange(0, desc.Size)
		//nolint:gosec // unsafe.Slice over the mapped range
		copy(unsafe.Slice((*byte)(ptr), desc.Size), desc.Contents)
		buf.Unmap()
	}
	return &nativeBuffer{dev: d, buf: buf, size: desc.Size, usage: desc.Usage}, nil
}

func (d *nativeDevice) CreatePipeline(ctx context.Context, prog kernels.Program) (out hal.Pipeline, err error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	defer func() {
		if r := recover(); r != nil {
			out = nil
			err = fmt.Errorf("native: %w: %s: %v", hal.ErrCompile, prog.Label, r)
		}
	}()

	shader := d.device.CreateShaderModuleWGSL(prog.Source)
	if shader == nil {
		return nil, fmt.Errorf("native: %w: %s: shader module rejected", hal.ErrCompile, prog.Label)
	}
	pipeline := d.device.CreateComputePipelineSimple(nil, shader, prog.EntryPoint)
	if pipeline == nil {
		shader.Release()
		return nil, fmt.Errorf("native: %w: %s: pipeline rejected", hal.ErrCompile, prog.Label)
	}
	return &nativePipeline{id: prog.ID, shader: shader, pipeline: pipeline}, nil
}

func (d *nativeDevice) CreateCommandEncoder() (hal.CommandEncoder, error) {
	enc := d.device.CreateCommandEncoder(nil)
	if enc == nil {
		return nil, fmt.Errorf("native: command encoder unavailable")
	}
	return &nativeEncoder{dev: d, enc: enc}, nil
}

func (d *nativeDevice) Release() {
	d.device.Release()
}

type nativeBuffer struct {
	dev   *nativeDevice
	buf   *wgpu.Buffer
	size  uint64
	usage hal.BufferUsage
}

func (b *nativeBuffer) Size() uint64 { return b.size }

func (b *nativeBuffer) Usage() hal.BufferUsage { return b.usage }

// MapRead blocks inside the binding until the map completes; the context is
// only consulted before the call.
func (b *nativeBuffer) MapRead(ctx context.Context, offset, size uint64) error {
	if !b.usage.Has(hal.BufferUsageMapRead) {
		return hal.ErrBufferNotMappable
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := b.buf.MapAsync(b.dev.device, wgpu.MapModeRead, offset, size); err != nil {
		return fmt.Errorf("native: map: %w", err)
	}
	return nil
}

func (b *nativeBuffer) MappedRange(offset, size uint64) []byte {
	ptr := b.buf.GetMappedRange(offset, size)
	if ptr == nil {
		return nil
	}
	//nolint:gosec // unsafe.Slice over the mapped range
	return unsafe.Slice((*byte)(ptr), size)
}

func (b *nativeBuffer) Unmap() { b.buf.Unmap() }

func (b *nativeBuffer) Release() { b.buf.Release() }

type nativePipeline struct {
	id       kernels.ID
	shader   *wgpu.ShaderModule
	pipeline *wgpu.ComputePipeline
}

func (p *nativePipeline) Kernel() kernels.ID { return p.id }

func (p *nativePipeline) Release() {
	p.pipeline.Release()
	p.shader.Release()
}

type nativeEncoder struct {
	dev        *nativeDevice
	enc        *wgpu.CommandEncoder
	bindGroups []*wgpu.BindGroup
	finished   bool
}

func (e *nativeEncoder) CopyBufferToBuffer(src hal.Buffer, srcOffset uint64, dst hal.Buffer, dstOffset, size uint64) {
	e.enc.CopyBufferToBuffer(src.(*nativeBuffer).buf, srcOffset, dst.(*nativeBuffer).buf, dstOffset, size)
}

func (e *nativeEncoder) Dispatch(p hal.Pipeline, bindings []hal.Binding, x, y, z uint32) error {
	np, ok := p.(*nativePipeline)
	if !ok {
		return fmt.Errorf("native: foreign pipeline %T", p)
	}
	entries := make([]wgpu.BindGroupEntry, 0, len(bindings))
	for _, bd := range bindings {
		nb, ok := bd.Buffer.(*nativeBuffer)
		if !ok || nb.dev != e.dev {
			return fmt.Errorf("native: binding %d is not a buffer of this device", bd.Slot)
		}
		entries = append(entries, wgpu.BufferBindingEntry(bd.Slot, nb.buf, 0, bd.Size))
	}

	layout := np.pipeline.GetBindGroupLayout(0)
	group := e.dev.device.CreateBindGroupSimple(layout, entries)
	layout.Release()
	if group == nil {
		return fmt.Errorf("native: bind group rejected for %s", np.id)
	}
	e.bindGroups = append(e.bindGroups, group)

	pass := e.enc.BeginComputePass(nil)
	pass.SetPipeline(np.pipeline)
	pass.SetBindGroup(0, group, nil)
	pass.DispatchWorkgroups(x, y, z)
	pass.End()
	pass.Release()
	return nil
}

func (e *nativeEncoder) Finish() (hal.CommandBuffer, error) {
	cmd := e.enc.Finish(nil)
	if cmd == nil {
		return nil, fmt.Errorf("native: finish failed")
	}
	e.finished = true
	return &commandBuffer{cmd: cmd, bindGroups: e.bindGroups}, nil
}

// Release frees the encoder. Bind groups of an unfinished encoder are freed
// with it; after Finish they belong to the command buffer.
func (e *nativeEncoder) Release() {
	if e.enc == nil {
		return
	}
	if !e.finished {
		for _, g := range e.bindGroups {
			g.Release()
		}
	}
	e.bindGroups = nil
	e.enc.Release()
	e.enc = nil
}

type commandBuffer struct {
	cmd        *wgpu.CommandBuffer
	bindGroups []*wgpu.BindGroup
}
