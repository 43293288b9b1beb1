package soft

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/born-ml/wgpucore/internal/hal"
	"github.com/born-ml/wgpucore/internal/kernels"
)

var errDeviceReleased = errors.New("soft: device released")

// queueDepth bounds the number of pending command lists before Submit waits
// for the worker.
const queueDepth = 256

type device struct {
	driver *Driver
	limits hal.Limits

	mu     sync.Mutex
	used   uint64
	closed bool

	work chan func()
	done chan struct{}
}

func newDevice(driver *Driver, limits hal.Limits) *device {
	d := &device{
		driver: driver,
		limits: limits,
		work:   make(chan func(), queueDepth),
		done:   make(chan struct{}),
	}
	go d.run()
	return d
}

// run executes submitted work in submission order.
func (d *device) run() {
	defer close(d.done)
	for fn := range d.work {
		fn()
	}
}

func (d *device) enqueue(fn func()) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return errDeviceReleased
	}
	d.work <- fn
	return nil
}

func (d *device) Queue() hal.Queue { return d }

// Submit implements hal.Queue.
func (d *device) Submit(cmds ...hal.CommandBuffer) {
	for _, c := range cmds {
		cb, ok := c.(*commandBuffer)
		if !ok {
			continue
		}
		ops := cb.ops
		_ = d.enqueue(func() {
			for _, op := range ops {
				op()
			}
		})
	}
}

func (d *device) CreateBuffer(desc hal.BufferDescriptor) (hal.Buffer, error) {
	size := desc.Size
	if desc.Contents != nil && uint64(len(desc.Contents)) > size {
		return nil, fmt.Errorf("soft: contents (%d bytes) exceed buffer size %d", len(desc.Contents), size)
	}
	if size > d.limits.MaxBufferSize {
		return nil, fmt.Errorf("soft: %w: %d bytes exceeds maxBufferSize %d", hal.ErrOutOfMemory, size, d.limits.MaxBufferSize)
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, errDeviceReleased
	}
	if budget := d.driver.opts.MemoryBudget; budget > 0 && d.used+size > budget {
		used := d.used
		d.mu.Unlock()
		return nil, fmt.Errorf("soft: %w: %d bytes requested, %d of %d in use", hal.ErrOutOfMemory, size, used, budget)
	}
	d.used += size
	d.mu.Unlock()

	b := &buffer{
		dev:   d,
		data:  make([]byte, size),
		usage: desc.Usage,
	}
	copy(b.data, desc.Contents)
	return b, nil
}

func (d *device) free(size uint64) {
	d.mu.Lock()
	d.used -= size
	d.mu.Unlock()
}

func (d *device) CreatePipeline(ctx context.Context, prog kernels.Program) (hal.Pipeline, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	for _, id := range d.driver.opts.RejectKernels {
		if id == prog.ID {
			return nil, fmt.Errorf("soft: %w: %s rejected", hal.ErrCompile, prog.Label)
		}
	}
	if prog.Invocations() > d.limits.MaxComputeInvocationsPerWorkgroup ||
		prog.Workgroup[0] > d.limits.MaxComputeWorkgroupSizeX ||
		prog.Workgroup[1] > d.limits.MaxComputeWorkgroupSizeY {
		return nil, fmt.Errorf("soft: %w: %s workgroup %v exceeds device limits", hal.ErrCompile, prog.Label, prog.Workgroup)
	}
	if prog.SharedMemory > d.limits.MaxComputeWorkgroupStorageSize {
		return nil, fmt.Errorf("soft: %w: %s needs %d bytes of workgroup storage", hal.ErrCompile, prog.Label, prog.SharedMemory)
	}
	fn := kernelFor(prog.ID)
	if fn == nil || prog.Source == "" {
		return nil, fmt.Errorf("soft: %w: no implementation for %s", hal.ErrCompile, prog.Label)
	}
	d.driver.compilations.Add(1)
	return &pipeline{prog: prog, fn: fn}, nil
}

func (d *device) CreateCommandEncoder() (hal.CommandEncoder, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, errDeviceReleased
	}
	d.driver.openEncoders.Add(1)
	return &encoder{dev: d}, nil
}

// Release stops the worker after the pending work drains.
func (d *device) Release() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.work)
	d.mu.Unlock()
	<-d.done
}

type buffer struct {
	dev      *device
	data     []byte
	usage    hal.BufferUsage
	mapped   atomic.Bool
	released atomic.Bool
}

func (b *buffer) Size() uint64 { return uint64(len(b.data)) }

func (b *buffer) Usage() hal.BufferUsage { return b.usage }

func (b *buffer) MappedRange(offset, size uint64) []byte {
	if !b.mapped.Load() {
		return nil
	}
	return b.data[offset : offset+size]
}

func (b *buffer) Unmap() { b.mapped.Store(false) }

func (b *buffer) MapRead(ctx context.Context, offset, size uint64) error {
	if !b.usage.Has(hal.BufferUsageMapRead) {
		return hal.ErrBufferNotMappable
	}
	if offset+size > uint64(len(b.data)) {
		return fmt.Errorf("soft: map range [%d, %d) outside buffer of %d bytes", offset, offset+size, len(b.data))
	}
	ready := make(chan struct{})
	if err := b.dev.enqueue(func() { close(ready) }); err != nil {
		return err
	}
	select {
	case <-ready:
		b.mapped.Store(true)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *buffer) Release() {
	if b.released.CompareAndSwap(false, true) {
		b.dev.free(uint64(len(b.data)))
	}
}

type pipeline struct {
	prog kernels.Program
	fn   kernelFunc
}

func (p *pipeline) Kernel() kernels.ID { return p.prog.ID }

func (p *pipeline) Release() {}

type encoder struct {
	dev      *device
	ops      []func()
	finished bool
	released bool
}

func (e *encoder) Release() {
	if e.released {
		return
	}
	e.released = true
	e.ops = nil
	e.dev.driver.openEncoders.Add(-1)
}

func (e *encoder) CopyBufferToBuffer(src hal.Buffer, srcOffset uint64, dst hal.Buffer, dstOffset, size uint64) {
	s, d := src.(*buffer), dst.(*buffer)
	e.ops = append(e.ops, func() {
		copy(d.data[dstOffset:dstOffset+size], s.data[srcOffset:srcOffset+size])
	})
}

func (e *encoder) Dispatch(p hal.Pipeline, bindings []hal.Binding, x, y, z uint32) error {
	pl, ok := p.(*pipeline)
	if !ok {
		return fmt.Errorf("soft: foreign pipeline %T", p)
	}
	if len(bindings) != pl.prog.Bindings {
		return fmt.Errorf("soft: %s expects %d bindings, got %d", pl.prog.Label, pl.prog.Bindings, len(bindings))
	}
	maxGroups := e.dev.limits.MaxComputeWorkgroupsPerDimension
	if x > maxGroups || y > maxGroups || z > maxGroups {
		return fmt.Errorf("soft: dispatch (%d, %d, %d) exceeds %d workgroups per dimension", x, y, z, maxGroups)
	}

	bufs := make([]*buffer, len(bindings))
	for _, bd := range bindings {
		b, ok := bd.Buffer.(*buffer)
		if !ok || b.dev != e.dev {
			return fmt.Errorf("soft: binding %d is not a buffer of this device", bd.Slot)
		}
		if int(bd.Slot) >= len(bufs) {
			return fmt.Errorf("soft: binding slot %d out of range", bd.Slot)
		}
		bufs[bd.Slot] = b
	}

	grid := [3]uint32{x, y, z}
	driver := e.dev.driver
	e.ops = append(e.ops, func() {
		pl.fn(bufs, grid)
		driver.dispatches.Add(1)
	})
	return nil
}

func (e *encoder) Finish() (hal.CommandBuffer, error) {
	if e.finished {
		return nil, errors.New("soft: encoder already finished")
	}
	e.finished = true
	ops := e.ops
	e.ops = nil
	return &commandBuffer{ops: ops}, nil
}

type commandBuffer struct {
	ops []func()
}
