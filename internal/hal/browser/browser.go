//go:build js && wasm

// Package browser drives navigator.gpu from a js/wasm build.
//
// Every promise-returning WebGPU call is awaited on a channel, so callers must
// run on their own goroutine and never inside a js.FuncOf callback.
package browser

import (
	"context"
	"fmt"
	"syscall/js"

	"github.com/born-ml/wgpucore/internal/hal"
	"github.com/born-ml/wgpucore/internal/kernels"
)

// mapModeRead is GPUMapMode.READ.
const mapModeRead = 0x0001

// Driver is the navigator.gpu driver.
type Driver struct{}

// New returns the browser driver.
func New() *Driver { return &Driver{} }

// Name implements hal.Driver.
func (*Driver) Name() string { return "browser" }

// Adapters implements hal.Driver.
func (*Driver) Adapters(ctx context.Context) ([]hal.Adapter, error) {
	gpu := js.Global().Get("navigator").Get("gpu")
	if !present(gpu) {
		return nil, fmt.Errorf("browser: %w: navigator.gpu is not available", hal.ErrNoAdapter)
	}
	for _, pref := range []string{"high-performance", "low-power"} {
		a, err := await(ctx, gpu.Call("requestAdapter", map[string]any{"powerPreference": pref}))
		if err != nil {
			if ctx.Err() != nil {
				return nil, err
			}
			continue
		}
		if present(a) {
			return []hal.Adapter{&browserAdapter{adapter: a}}, nil
		}
	}
	return nil, fmt.Errorf("browser: %w: requestAdapter returned null", hal.ErrNoAdapter)
}

type browserAdapter struct {
	adapter js.Value
}

func (a *browserAdapter) Info() hal.AdapterInfo {
	info := a.adapter.Get("info")
	if !present(info) {
		return hal.AdapterInfo{Name: "WebGPU adapter", Backend: "browser"}
	}
	return hal.AdapterInfo{
		Name:         str(info.Get("device")),
		Vendor:       str(info.Get("vendor")),
		Architecture: str(info.Get("architecture")),
		Description:  str(info.Get("description")),
		Backend:      "browser",
	}
}

func (a *browserAdapter) Limits() hal.Limits {
	l := a.adapter.Get("limits")
	return hal.Limits{
		MaxBufferSize:                     uint64(l.Get("maxBufferSize").Float()),
		MaxStorageBufferBindingSize:       uint64(l.Get("maxStorageBufferBindingSize").Float()),
		MaxComputeWorkgroupsPerDimension:  uint32(l.Get("maxComputeWorkgroupsPerDimension").Int()),
		MaxComputeInvocationsPerWorkgroup: uint32(l.Get("maxComputeInvocationsPerWorkgroup").Int()),
		MaxComputeWorkgroupSizeX:          uint32(l.Get("maxComputeWorkgroupSizeX").Int()),
		MaxComputeWorkgroupSizeY:          uint32(l.Get("maxComputeWorkgroupSizeY").Int()),
		MaxComputeWorkgroupStorageSize:    uint32(l.Get("maxComputeWorkgroupStorageSize").Int()),
	}
}

func (a *browserAdapter) RequestDevice(ctx context.Context, required hal.Limits) (hal.Device, error) {
	if ok, reason := a.Limits().Satisfies(required); !ok {
		return nil, fmt.Errorf("browser: %w: %s", hal.ErrDeviceRequest, reason)
	}
	desc := map[string]any{
		"label": "wgpucore",
		"requiredLimits": map[string]any{
			"maxBufferSize":                     required.MaxBufferSize,
			"maxStorageBufferBindingSize":       required.MaxStorageBufferBindingSize,
			"maxComputeWorkgroupsPerDimension":  required.MaxComputeWorkgroupsPerDimension,
			"maxComputeInvocationsPerWorkgroup": required.MaxComputeInvocationsPerWorkgroup,
			"maxComputeWorkgroupSizeX":          required.MaxComputeWorkgroupSizeX,
			"maxComputeWorkgroupSizeY":          required.MaxComputeWorkgroupSizeY,
			"maxComputeWorkgroupStorageSize":    required.MaxComputeWorkgroupStorageSize,
		},
	}
	dev, err := await(ctx, a.adapter.Call("requestDevice", desc))
	if err != nil {
		return nil, fmt.Errorf("browser: %w: %v", hal.ErrDeviceRequest, err)
	}
	return &browserDevice{device: dev, queue: dev.Get("queue"), limits: required}, nil
}

func (a *browserAdapter) Release() {}

type browserDevice struct {
	device js.Value
	queue  js.Value
	limits hal.Limits
}

func (d *browserDevice) Queue() hal.Queue { return d }

// Submit implements hal.Queue.
func (d *browserDevice) Submit(cmds ...hal.CommandBuffer) {
	list := make([]any, 0, len(cmds))
	for _, c := range cmds {
		if cb, ok := c.(js.Value); ok {
			list = append(list, cb)
		}
	}
	if len(list) > 0 {
		d.queue.Call("submit", list)
	}
}

func (d *browserDevice) CreateBuffer(desc hal.BufferDescriptor) (out hal.Buffer, err error) {
	if desc.Size > d.limits.MaxBufferSize {
		return nil, fmt.Errorf("browser: %w: %d bytes exceeds maxBufferSize %d", hal.ErrOutOfMemory, desc.Size, d.limits.MaxBufferSize)
	}
	defer func() {
		if r := recover(); r != nil {
			out = nil
			err = fmt.Errorf("browser: %w: %v", hal.ErrOutOfMemory, r)
		}
	}()

	buf := d.device.Call("createBuffer", map[string]any{
		"label":            desc.Label,
		"size":             desc.Size,
		"usage":            uint32(desc.Usage),
		"mappedAtCreation": desc.Contents != nil,
	})
	if desc.Contents != nil {
		view := js.Global().Get("Uint8Array").New(buf.Call("getMappedRange"))
		js.CopyBytesToJS(view, desc.Contents)
		buf.Call("unmap")
	}
	return &browserBuffer{dev: d, buf: buf, size: desc.Size, usage: desc.Usage}, nil
}

// CreatePipeline compiles through createComputePipelineAsync so compilation
// never stalls the page.
func (d *browserDevice) CreatePipeline(ctx context.Context, prog kernels.Program) (hal.Pipeline, error) {
	module := d.device.Call("createShaderModule", map[string]any{
		"label": prog.Label,
		"code":  prog.Source,
	})
	if info, err := await(ctx, module.Call("getCompilationInfo")); err == nil {
		msgs := info.Get("messages")
		for i := 0; i < msgs.Length(); i++ {
			if m := msgs.Index(i); str(m.Get("type")) == "error" {
				return nil, fmt.Errorf("browser: %w: %s:%d: %s", hal.ErrCompile, prog.Label, m.Get("lineNum").Int(), str(m.Get("message")))
			}
		}
	} else if ctx.Err() != nil {
		return nil, err
	}

	pipeline, err := await(ctx, d.device.Call("createComputePipelineAsync", map[string]any{
		"label":  prog.Label,
		"layout": "auto",
		"compute": map[string]any{
			"module":     module,
			"entryPoint": prog.EntryPoint,
		},
	}))
	if err != nil {
		if ctx.Err() != nil {
			return nil, err
		}
		return nil, fmt.Errorf("browser: %w: %s: %v", hal.ErrCompile, prog.Label, err)
	}
	return &browserPipeline{id: prog.ID, pipeline: pipeline}, nil
}

func (d *browserDevice) CreateCommandEncoder() (hal.CommandEncoder, error) {
	return &browserEncoder{dev: d, enc: d.device.Call("createCommandEncoder")}, nil
}

func (d *browserDevice) Release() {
	d.device.Call("destroy")
}

type browserBuffer struct {
	dev   *browserDevice
	buf   js.Value
	size  uint64
	usage hal.BufferUsage
}

func (b *browserBuffer) Size() uint64 { return b.size }

func (b *browserBuffer) Usage() hal.BufferUsage { return b.usage }

func (b *browserBuffer) MapRead(ctx context.Context, offset, size uint64) error {
	if !b.usage.Has(hal.BufferUsageMapRead) {
		return hal.ErrBufferNotMappable
	}
	if _, err := await(ctx, b.buf.Call("mapAsync", mapModeRead, offset, size)); err != nil {
		return fmt.Errorf("browser: map: %w", err)
	}
	return nil
}

// MappedRange copies the mapped range out of the JS heap.
func (b *browserBuffer) MappedRange(offset, size uint64) []byte {
	view := js.Global().Get("Uint8Array").New(b.buf.Call("getMappedRange", offset, size))
	out := make([]byte, size)
	js.CopyBytesToGo(out, view)
	return out
}

func (b *browserBuffer) Unmap() { b.buf.Call("unmap") }

func (b *browserBuffer) Release() { b.buf.Call("destroy") }

type browserPipeline struct {
	id       kernels.ID
	pipeline js.Value
}

func (p *browserPipeline) Kernel() kernels.ID { return p.id }

func (p *browserPipeline) Release() {}

type browserEncoder struct {
	dev *browserDevice
	enc js.Value
}

func (e *browserEncoder) CopyBufferToBuffer(src hal.Buffer, srcOffset uint64, dst hal.Buffer, dstOffset, size uint64) {
	e.enc.Call("copyBufferToBuffer", src.(*browserBuffer).buf, srcOffset, dst.(*browserBuffer).buf, dstOffset, size)
}

func (e *browserEncoder) Dispatch(p hal.Pipeline, bindings []hal.Binding, x, y, z uint32) error {
	bp, ok := p.(*browserPipeline)
	if !ok {
		return fmt.Errorf("browser: foreign pipeline %T", p)
	}
	entries := make([]any, 0, len(bindings))
	for _, bd := range bindings {
		bb, ok := bd.Buffer.(*browserBuffer)
		if !ok || bb.dev != e.dev {
			return fmt.Errorf("browser: binding %d is not a buffer of this device", bd.Slot)
		}
		entries = append(entries, map[string]any{
			"binding":  bd.Slot,
			"resource": map[string]any{"buffer": bb.buf, "size": bd.Size},
		})
	}
	group := e.dev.device.Call("createBindGroup", map[string]any{
		"layout":  bp.pipeline.Call("getBindGroupLayout", 0),
		"entries": entries,
	})

	pass := e.enc.Call("beginComputePass")
	pass.Call("setPipeline", bp.pipeline)
	pass.Call("setBindGroup", 0, group)
	pass.Call("dispatchWorkgroups", x, y, z)
	pass.Call("end")
	return nil
}

func (e *browserEncoder) Finish() (hal.CommandBuffer, error) {
	return e.enc.Call("finish"), nil
}

// Release drops the handle; the JS encoder is collected by the browser.
func (e *browserEncoder) Release() { e.enc = js.Undefined() }

func present(v js.Value) bool {
	return !v.IsUndefined() && !v.IsNull()
}

func str(v js.Value) string {
	if !present(v) {
		return ""
	}
	return v.String()
}

// await suspends until p settles or ctx ends. The callbacks release
// themselves, so an abandoned promise may still settle safely.
func await(ctx context.Context, p js.Value) (js.Value, error) {
	type result struct {
		v   js.Value
		err error
	}
	ch := make(chan result, 1)

	var onResolve, onReject js.Func
	release := func() {
		onResolve.Release()
		onReject.Release()
	}
	onResolve = js.FuncOf(func(_ js.Value, args []js.Value) any {
		v := js.Undefined()
		if len(args) > 0 {
			v = args[0]
		}
		ch <- result{v: v}
		release()
		return nil
	})
	onReject = js.FuncOf(func(_ js.Value, args []js.Value) any {
		msg := "promise rejected"
		if len(args) > 0 {
			msg = args[0].Call("toString").String()
		}
		ch <- result{err: fmt.Errorf("%s", msg)}
		release()
		return nil
	})
	p.Call("then", onResolve, onReject)

	select {
	case r := <-ch:
		return r.v, r.err
	case <-ctx.Done():
		return js.Undefined(), ctx.Err()
	}
}
