//go:build !windows && !js

// Package portable drives GPUs through openfluke/webgpu, the cgo binding to
// wgpu-native used on Linux and macOS.
package portable

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/openfluke/webgpu/wgpu"

	"github.com/born-ml/wgpucore/internal/hal"
	"github.com/born-ml/wgpucore/internal/kernels"
)

// pollInterval paces Device.Poll while a map is pending.
const pollInterval = time.Millisecond

// Driver is the openfluke/webgpu driver.
type Driver struct{}

// New returns the portable driver.
func New() *Driver { return &Driver{} }

// Name implements hal.Driver.
func (*Driver) Name() string { return "portable" }

// Adapters implements hal.Driver. Enumerated adapters come first; when the
// platform enumerates nothing the power-preference chain is tried.
func (*Driver) Adapters(ctx context.Context) (out []hal.Adapter, err error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	defer func() {
		if r := recover(); r != nil {
			out = nil
			err = fmt.Errorf("portable: %w: %v", hal.ErrNoAdapter, r)
		}
	}()

	instance := wgpu.CreateInstance(nil)
	if instance == nil {
		return nil, fmt.Errorf("portable: %w: instance unavailable", hal.ErrNoAdapter)
	}
	inst := &sharedInstance{instance: instance}

	for _, a := range instance.EnumerateAdapters(nil) {
		if a != nil {
			out = append(out, inst.adapter(a))
		}
	}
	if len(out) > 0 {
		return out, nil
	}

	var lastErr error
	for _, opts := range []*wgpu.RequestAdapterOptions{
		{PowerPreference: wgpu.PowerPreferenceHighPerformance},
		{PowerPreference: wgpu.PowerPreferenceLowPower},
		nil,
	} {
		a, reqErr := instance.RequestAdapter(opts)
		if reqErr == nil && a != nil {
			return []hal.Adapter{inst.adapter(a)}, nil
		}
		lastErr = reqErr
	}
	instance.Release()
	return nil, fmt.Errorf("portable: %w: %v", hal.ErrNoAdapter, lastErr)
}

// sharedInstance releases the instance with its last adapter.
type sharedInstance struct {
	instance *wgpu.Instance
	refs     atomic.Int32
}

func (s *sharedInstance) adapter(a *wgpu.Adapter) *portableAdapter {
	s.refs.Add(1)
	return &portableAdapter{inst: s, adapter: a}
}

type portableAdapter struct {
	inst    *sharedInstance
	adapter *wgpu.Adapter
}

func (a *portableAdapter) Info() hal.AdapterInfo {
	info := a.adapter.GetInfo()
	return hal.AdapterInfo{
		Name:        info.Name,
		Vendor:      info.VendorName,
		Description: info.DriverDescription,
		Backend:     fmt.Sprint(info.BackendType),
		AdapterType: fmt.Sprint(info.AdapterType),
		VendorID:    uint32(info.VendorId),
		DeviceID:    uint32(info.DeviceId),
	}
}

func (a *portableAdapter) Limits() hal.Limits {
	sup := a.adapter.GetLimits().Limits
	return hal.Limits{
		MaxBufferSize:                     sup.MaxBufferSize,
		MaxStorageBufferBindingSize:       sup.MaxStorageBufferBindingSize,
		MaxComputeWorkgroupsPerDimension:  sup.MaxComputeWorkgroupsPerDimension,
		MaxComputeInvocationsPerWorkgroup: sup.MaxComputeInvocationsPerWorkgroup,
		MaxComputeWorkgroupSizeX:          sup.MaxComputeWorkgroupSizeX,
		MaxComputeWorkgroupSizeY:          sup.MaxComputeWorkgroupSizeY,
		MaxComputeWorkgroupStorageSize:    sup.MaxComputeWorkgroupStorageSize,
	}
}

// RequestDevice asks for the WebGPU default limits, raised where the
// profile needs more.
func (a *portableAdapter) RequestDevice(ctx context.Context, required hal.Limits) (hal.Device, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if ok, reason := a.Limits().Satisfies(required); !ok {
		return nil, fmt.Errorf("portable: %w: %s", hal.ErrDeviceRequest, reason)
	}

	lim := requiredLimits(required)
	device, err := a.adapter.RequestDevice(&wgpu.DeviceDescriptor{
		Label:          "wgpucore",
		RequiredLimits: &wgpu.RequiredLimits{Limits: lim},
	})
	if err != nil {
		return nil, fmt.Errorf("portable: %w: %v", hal.ErrDeviceRequest, err)
	}
	queue := device.GetQueue()
	if queue == nil {
		device.Release()
		return nil, fmt.Errorf("portable: %w: no queue", hal.ErrDeviceRequest)
	}
	return &portableDevice{device: device, queue: queue, limits: required}, nil
}

// requiredLimits starts from wgpu.DefaultLimits and raises the fields the
// profile sets. A profile value below the default never lowers it.
func requiredLimits(required hal.Limits) wgpu.Limits {
	lim := wgpu.DefaultLimits()
	lim.MaxBufferSize = max(lim.MaxBufferSize, required.MaxBufferSize)
	lim.MaxStorageBufferBindingSize = max(lim.MaxStorageBufferBindingSize, required.MaxStorageBufferBindingSize)
	lim.MaxComputeWorkgroupsPerDimension = max(lim.MaxComputeWorkgroupsPerDimension, required.MaxComputeWorkgroupsPerDimension)
	lim.MaxComputeInvocationsPerWorkgroup = max(lim.MaxComputeInvocationsPerWorkgroup, required.MaxComputeInvocationsPerWorkgroup)
	lim.MaxComputeWorkgroupSizeX = max(lim.MaxComputeWorkgroupSizeX, required.MaxComputeWorkgroupSizeX)
	lim.MaxComputeWorkgroupSizeY = max(lim.MaxComputeWorkgroupSizeY, required.MaxComputeWorkgroupSizeY)
	lim.MaxComputeWorkgroupStorageSize = max(lim.MaxComputeWorkgroupStorageSize, required.MaxComputeWorkgroupStorageSize)
	return lim
}

func (a *portableAdapter) Release() {
	a.adapter.Release()
	if a.inst.refs.Add(-1) == 0 {
		a.inst.instance.Release()
	}
}

type portableDevice struct {
	device *wgpu.Device
	queue  *wgpu.Queue
	limits hal.Limits
}

func (d *portableDevice) Queue() hal.Queue { return d }

// Submit implements hal.Queue.
func (d *portableDevice) Submit(cmds ...hal.CommandBuffer) {
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
	for _, cmd := range buffers {
		cmd.Release()
	}
	for _, g := range groups {
		g.Release()
	}
}

func (d *portableDevice) CreateBuffer(desc hal.BufferDescriptor) (hal.Buffer, error) {
	if desc.Size > d.limits.MaxBufferSize {
		return nil, fmt.Errorf("portable: %w: %d bytes exceeds maxBufferSize %d", hal.ErrOutOfMemory, desc.Size, d.limits.MaxBufferSize)
	}

	var (
		buf *wgpu.Buffer
		err error
	)
	if desc.Contents != nil {
		contents := desc.Contents
		if uint64(len(contents)) < desc.Size {
			contents = make([]byte, desc.Size)
			copy(contents, desc.Contents)
		}
		buf, err = d.device.CreateBufferInit(&wgpu.BufferInitDescriptor{
			Label:    desc.Label,
			Contents: contents,
			Usage:    wgpu.BufferUsage(desc.Usage),
		})
	} else {
		buf, err = d.device.CreateBuffer(&wgpu.BufferDescriptor{
			Label: desc.Label,
			Size:  desc.Size,
			Usage: wgpu.BufferUsage(desc.Usage),
		})
	}
	if err != nil {
		return nil, fmt.Errorf("portable: %w: %v", hal.ErrOutOfMemory, err)
	}
	return &portableBuffer{dev: d, buf: buf, size: desc.Size, usage: desc.Usage}, nil
}

func (d *portableDevice) CreatePipeline(ctx context.Context, prog kernels.Program) (hal.Pipeline, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	mod, err := d.device.CreateShaderModule(&wgpu.ShaderModuleDescriptor{
		Label:          prog.Label,
		WGSLDescriptor: &wgpu.ShaderModuleWGSLDescriptor{Code: prog.Source},
	})
	if err != nil {
		return nil, fmt.Errorf("portable: %w: %s: %v", hal.ErrCompile, prog.Label, err)
	}
	pipeline, err := d.device.CreateComputePipeline(&wgpu.ComputePipelineDescriptor{
		Label:   prog.Label,
		Compute: wgpu.ProgrammableStageDescriptor{Module: mod, EntryPoint: prog.EntryPoint},
	})
	if err != nil {
		mod.Release()
		return nil, fmt.Errorf("portable: %w: %s: %v", hal.ErrCompile, prog.Label, err)
	}
	return &portablePipeline{id: prog.ID, module: mod, pipeline: pipeline}, nil
}

func (d *portableDevice) CreateCommandEncoder() (hal.CommandEncoder, error) {
	enc, err := d.device.CreateCommandEncoder(nil)
	if err != nil {
		return nil, fmt.Errorf("portable: command encoder: %w", err)
	}
	return &portableEncoder{dev: d, enc: enc}, nil
}

func (d *portableDevice) Release() {
	d.queue.Release()
	d.device.Release()
}

type portableBuffer struct {
	dev   *portableDevice
	buf   *wgpu.Buffer
	size  uint64
	usage hal.BufferUsage
}

func (b *portableBuffer) Size() uint64 { return b.size }

func (b *portableBuffer) Usage() hal.BufferUsage { return b.usage }

// MapRead requests the map and polls the device until the callback fires or
// ctx ends.
func (b *portableBuffer) MapRead(ctx context.Context, offset, size uint64) error {
	if !b.usage.Has(hal.BufferUsageMapRead) {
		return hal.ErrBufferNotMappable
	}
	done := make(chan struct{})
	var mapErr error
	err := b.buf.MapAsync(wgpu.MapModeRead, offset, size, func(status wgpu.BufferMapAsyncStatus) {
		if status != wgpu.BufferMapAsyncStatusSuccess {
			mapErr = fmt.Errorf("portable: map failed: %v", status)
		}
		close(done)
	})
	if err != nil {
		return fmt.Errorf("portable: map: %w", err)
	}

	for {
		b.dev.device.Poll(false, nil)
		select {
		case <-done:
			return mapErr
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

func (b *portableBuffer) MappedRange(offset, size uint64) []byte {
	return b.buf.GetMappedRange(uint(offset), uint(size))
}

func (b *portableBuffer) Unmap() { b.buf.Unmap() }

// Release drops the handle. Submitted work that binds the buffer keeps it
// alive until it completes.
func (b *portableBuffer) Release() {
	b.buf.Release()
}

type portablePipeline struct {
	id       kernels.ID
	module   *wgpu.ShaderModule
	pipeline *wgpu.ComputePipeline
}

func (p *portablePipeline) Kernel() kernels.ID { return p.id }

func (p *portablePipeline) Release() {
	p.pipeline.Release()
	p.module.Release()
}

type portableEncoder struct {
	dev        *portableDevice
	enc        *wgpu.CommandEncoder
	bindGroups []*wgpu.BindGroup
	finished   bool
}

func (e *portableEncoder) CopyBufferToBuffer(src hal.Buffer, srcOffset uint64, dst hal.Buffer, dstOffset, size uint64) {
	e.enc.CopyBufferToBuffer(src.(*portableBuffer).buf, srcOffset, dst.(*portableBuffer).buf, dstOffset, size)
}

func (e *portableEncoder) Dispatch(p hal.Pipeline, bindings []hal.Binding, x, y, z uint32) error {
	pp, ok := p.(*portablePipeline)
	if !ok {
		return fmt.Errorf("portable: foreign pipeline %T", p)
	}
	entries := make([]wgpu.BindGroupEntry, 0, len(bindings))
	for _, bd := range bindings {
		pb, ok := bd.Buffer.(*portableBuffer)
		if !ok || pb.dev != e.dev {
			return fmt.Errorf("portable: binding %d is not a buffer of this device", bd.Slot)
		}
		entries = append(entries, wgpu.BindGroupEntry{Binding: bd.Slot, Buffer: pb.buf, Size: bd.Size})
	}

	layout := pp.pipeline.GetBindGroupLayout(0)
	group, err := e.dev.device.CreateBindGroup(&wgpu.BindGroupDescriptor{
		Label:   pp.id.String(),
		Layout:  layout,
		Entries: entries,
	})
	layout.Release()
	if err != nil {
		return fmt.Errorf("portable: bind group for %s: %w", pp.id, err)
	}
	e.bindGroups = append(e.bindGroups, group)

	pass := e.enc.BeginComputePass(nil)
	pass.SetPipeline(pp.pipeline)
	pass.SetBindGroup(0, group, nil)
	pass.DispatchWorkgroups(x, y, z)
	pass.End()
	pass.Release()
	return nil
}

func (e *portableEncoder) Finish() (hal.CommandBuffer, error) {
	cmd, err := e.enc.Finish(nil)
	if err != nil {
		return nil, fmt.Errorf("portable: finish: %w", err)
	}
	e.finished = true
	return &commandBuffer{cmd: cmd, bindGroups: e.bindGroups}, nil
}

func (e *portableEncoder) Release() {
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
