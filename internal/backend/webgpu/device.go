// Package webgpu implements the WebGPU compute backend: devices, storages,
// the pipeline cache and kernel dispatch.
//
// Every operation that waits on the GPU has two forms. The blocking form
// (New, Synchronize, Storage.ToHost) is for native callers and fails with
// ErrUnsupportedOperation in the browser. The suspending form (NewAsync,
// SynchronizeAsync, Storage.ToHostAsync) returns a Future and works
// everywhere. Both run the same context-aware code.
package webgpu

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/born-ml/wgpucore/internal/hal"
	"github.com/born-ml/wgpucore/internal/metrics"
)

// sandboxed reports whether blocking entry points are forbidden.
var sandboxed = sandboxedBuild

var nextDeviceID atomic.Uint64

// Device is one logical GPU device with a single queue.
type Device struct {
	id      uint64
	ordinal int
	label   uuid.UUID
	opts    Options
	log     *zap.Logger
	metrics *metrics.Metrics

	driver  string
	adapter hal.Adapter
	info    hal.AdapterInfo
	limits  hal.Limits
	dev     hal.Device
	queue   hal.Queue

	pipelines *pipelineCache
	pool      *BufferPool
	rng       *generator

	// submitMu serializes command encoding and submission.
	submitMu sync.Mutex
	fence    hal.Buffer

	mem struct {
		sync.Mutex
		live          uint64
		peak          uint64
		total         uint64
		activeBuffers int64
	}

	released atomic.Bool
}

// New opens the device at ordinal and waits until it is ready. It is not
// available in the browser, where it returns ErrUnsupportedOperation
// without touching the GPU.
func New(ordinal int, opts ...Option) (*Device, error) {
	if sandboxed {
		return nil, errorf("new", ErrUnsupportedOperation, "blocking device creation is not available in the browser; use NewAsync")
	}
	return open(context.Background(), ordinal, buildOptions(opts))
}

// NewAsync opens the device at ordinal without blocking the caller.
// Abandoning Await does not stop the open: a device that arrives later
// belongs to the future, and whoever gave up on it must release it, e.g.
// with f.Then(func(d *Device, _ error) { if d != nil { d.Release() } }).
func NewAsync(ctx context.Context, ordinal int, opts ...Option) *Future[*Device] {
	if ordinal < 0 {
		return resolved[*Device](nil, errorf("open", ErrDeviceUnavailable, "negative ordinal %d", ordinal))
	}
	o := buildOptions(opts)
	return async(ctx, func(ctx context.Context) (*Device, error) {
		return open(ctx, ordinal, o)
	})
}

func open(ctx context.Context, ordinal int, o Options) (*Device, error) {
	log := o.Logger.Named("webgpu")

	adapters, err := o.Driver.Adapters(ctx)
	if err != nil {
		log.Warn("no GPU adapter", zap.String("driver", o.Driver.Name()), zap.Error(err))
		return nil, classify("open", ErrDeviceUnavailable, err)
	}
	if ordinal < 0 || ordinal >= len(adapters) {
		releaseAdapters(adapters, -1)
		return nil, errorf("open", ErrDeviceUnavailable, "ordinal %d out of range (%d adapters)", ordinal, len(adapters))
	}
	adapter := adapters[ordinal]
	releaseAdapters(adapters, ordinal)

	required := o.Profile.limits()
	if ok, reason := adapter.Limits().Satisfies(required); !ok {
		adapter.Release()
		return nil, errorf("open", ErrDeviceRequestFailed, "adapter cannot meet the %s profile: %s", o.Profile, reason)
	}
	dev, err := adapter.RequestDevice(ctx, required)
	if err != nil {
		adapter.Release()
		return nil, classify("open", ErrDeviceRequestFailed, err)
	}

	id := nextDeviceID.Add(1)
	d := &Device{
		id:      id,
		ordinal: ordinal,
		label:   uuid.New(),
		opts:    o,
		driver:  o.Driver.Name(),
		adapter: adapter,
		info:    adapter.Info(),
		limits:  required,
		dev:     dev,
		queue:   dev.Queue(),
		pool:    NewBufferPool(o.PoolSize),
		rng:     newGenerator(o.Seed),
		metrics: metrics.New(o.Registerer, strconv.FormatUint(id, 10)),
	}
	d.log = log.With(zap.Uint64("device", id), zap.String("session", d.label.String()))
	d.pipelines = newPipelineCache(dev, d.metrics, d.log)

	d.fence, err = dev.CreateBuffer(hal.BufferDescriptor{
		Label: "fence",
		Size:  hal.CopyAlignment,
		Usage: hal.BufferUsageStorage | hal.BufferUsageCopySrc,
	})
	if err != nil {
		dev.Release()
		adapter.Release()
		return nil, classify("open", ErrAllocationFailed, err)
	}

	d.log.Info("device ready",
		zap.String("driver", d.driver),
		zap.String("adapter", d.info.Name),
		zap.String("backend", d.info.Backend),
		zap.Int("ordinal", ordinal),
		zap.Stringer("profile", o.Profile),
	)
	return d, nil
}

func releaseAdapters(adapters []hal.Adapter, keep int) {
	for i, a := range adapters {
		if i != keep {
			a.Release()
		}
	}
}

// ID returns the process-unique device number.
func (d *Device) ID() uint64 { return d.id }

// Ordinal returns the adapter index the device was opened on.
func (d *Device) Ordinal() int { return d.ordinal }

// Label returns the session UUID of the device, for log correlation.
func (d *Device) Label() string { return d.label.String() }

// Driver returns the name of the driver backing the device.
func (d *Device) Driver() string { return d.driver }

// AdapterInfo describes the adapter.
func (d *Device) AdapterInfo() hal.AdapterInfo { return d.info }

// Limits returns the limits granted to the device.
func (d *Device) Limits() hal.Limits { return d.limits }

// Metrics returns the device collectors.
func (d *Device) Metrics() *metrics.Metrics { return d.metrics }

func (d *Device) checkLive(op string) error {
	if d.released.Load() {
		return newError(op, ErrReleased, nil)
	}
	return nil
}

// Synchronize waits until every submitted command has completed. It is not
// available in the browser.
func (d *Device) Synchronize() error {
	if sandboxed {
		return errorf("synchronize", ErrUnsupportedOperation, "blocking wait is not available in the browser; use SynchronizeAsync")
	}
	return d.synchronize(context.Background())
}

// SynchronizeAsync waits for submitted work without blocking the caller.
func (d *Device) SynchronizeAsync(ctx context.Context) *Future[struct{}] {
	return async(ctx, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, d.synchronize(ctx)
	})
}

// synchronize submits a copy of the fence word and maps the copy: the map
// completes only after everything submitted before it.
func (d *Device) synchronize(ctx context.Context) error {
	if err := d.checkLive("synchronize"); err != nil {
		return err
	}
	_, err := d.readBuffer(ctx, d.fence, hal.CopyAlignment)
	if err != nil {
		return classify("synchronize", ErrDeviceUnavailable, err)
	}
	return nil
}

// SetSeed replaces the random generator state. Existing storages are not
// affected.
func (d *Device) SetSeed(seed uint64) {
	d.rng.reseed(seed)
	d.log.Debug("seed set", zap.Uint64("seed", seed))
}

// MemoryStats reports device memory use.
type MemoryStats struct {
	// LiveBytes is held by buffers that exist, idle pooled buffers included.
	LiveBytes uint64
	// PeakBytes is the highest LiveBytes seen.
	PeakBytes uint64
	// TotalAllocatedBytes is the sum of every buffer ever created.
	TotalAllocatedBytes uint64
	// ActiveBuffers is the number of buffers that exist.
	ActiveBuffers int64
	// Pool reports buffer reuse.
	Pool PoolStats
}

// MemoryStats returns current memory statistics.
func (d *Device) MemoryStats() MemoryStats {
	d.mem.Lock()
	s := MemoryStats{
		LiveBytes:           d.mem.live,
		PeakBytes:           d.mem.peak,
		TotalAllocatedBytes: d.mem.total,
		ActiveBuffers:       d.mem.activeBuffers,
	}
	d.mem.Unlock()
	s.Pool = d.pool.Stats()
	return s
}

// Release frees pooled buffers, pipelines and the device. Storages still
// alive become unusable. Calling Release twice is a no-op.
func (d *Device) Release() {
	if !d.released.CompareAndSwap(false, true) {
		return
	}
	d.submitMu.Lock()
	defer d.submitMu.Unlock()

	for _, buf := range d.pool.Drain() {
		d.destroyBuffer(buf)
	}
	d.pipelines.release()
	d.fence.Release()
	d.dev.Release()
	d.adapter.Release()
	d.log.Debug("device released")
}
