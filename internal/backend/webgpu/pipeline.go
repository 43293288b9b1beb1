package webgpu

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/born-ml/wgpucore/internal/hal"
	"github.com/born-ml/wgpucore/internal/kernels"
	"github.com/born-ml/wgpucore/internal/metrics"
)

// PipelineState is the lifecycle of one cache entry. Ready and Failed are
// terminal.
type PipelineState uint8

// Pipeline states.
const (
	PipelineUncompiled PipelineState = iota
	PipelineCompiling
	PipelineReady
	PipelineFailed
)

func (s PipelineState) String() string {
	switch s {
	case PipelineUncompiled:
		return "uncompiled"
	case PipelineCompiling:
		return "compiling"
	case PipelineReady:
		return "ready"
	case PipelineFailed:
		return "failed"
	default:
		return "unknown"
	}
}

type pipelineEntry struct {
	state    PipelineState
	pipeline hal.Pipeline
	err      error
}

// pipelineCache compiles each kernel at most once per device. Lookups are
// an array index; concurrent first uses share one compilation.
type pipelineCache struct {
	dev     hal.Device
	metrics *metrics.Metrics
	log     *zap.Logger

	mu      sync.RWMutex
	entries [kernels.NumIDs]pipelineEntry
	group   singleflight.Group
}

func newPipelineCache(dev hal.Device, m *metrics.Metrics, log *zap.Logger) *pipelineCache {
	return &pipelineCache{dev: dev, metrics: m, log: log.Named("pipelines")}
}

func (c *pipelineCache) state(id kernels.ID) PipelineState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.entries[id].state
}

func (c *pipelineCache) lookup(id kernels.ID) (pipelineEntry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e := c.entries[id]
	return e, e.state == PipelineReady || e.state == PipelineFailed
}

// get returns the pipeline for id, compiling it on first use. A failed
// compilation is remembered and returned again without retrying. A canceled
// wait leaves the entry uncompiled.
func (c *pipelineCache) get(ctx context.Context, id kernels.ID) (hal.Pipeline, error) {
	if !id.Valid() {
		return nil, errorf("compile", ErrCompilationFailed, "unknown kernel %s", id)
	}
	for {
		if e, ok := c.lookup(id); ok {
			return e.pipeline, e.err
		}

		_, err, _ := c.group.Do(id.String(), func() (any, error) {
			c.mu.Lock()
			if e := c.entries[id]; e.state == PipelineReady || e.state == PipelineFailed {
				c.mu.Unlock()
				return nil, nil
			}
			c.entries[id].state = PipelineCompiling
			c.mu.Unlock()

			return nil, c.compile(ctx, id)
		})
		if err == nil {
			continue
		}
		// The shared compilation ran under another caller's context. Retry
		// unless it was ours that ended.
		if ctx.Err() != nil || !(errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
			return nil, err
		}
	}
}

func (c *pipelineCache) compile(ctx context.Context, id kernels.ID) error {
	prog, err := kernels.Lookup(id)
	if err == nil {
		start := time.Now()
		var p hal.Pipeline
		p, err = c.dev.CreatePipeline(ctx, prog)
		elapsed := time.Since(start)

		if err == nil {
			c.metrics.PipelineCompileSeconds.Observe(elapsed.Seconds())
			c.metrics.PipelineCompilations.WithLabelValues(id.String(), "ready").Inc()
			c.log.Debug("kernel compiled", zap.Stringer("kernel", id), zap.Duration("elapsed", elapsed))
			c.set(id, pipelineEntry{state: PipelineReady, pipeline: p})
			return nil
		}
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		c.set(id, pipelineEntry{state: PipelineUncompiled})
		return ctxErr
	}
	c.metrics.PipelineCompilations.WithLabelValues(id.String(), "failed").Inc()
	c.log.Warn("kernel compilation failed", zap.Stringer("kernel", id), zap.Error(err))
	c.set(id, pipelineEntry{state: PipelineFailed, err: newError("compile", ErrCompilationFailed, err)})
	return nil
}

func (c *pipelineCache) set(id kernels.ID, e pipelineEntry) {
	c.mu.Lock()
	c.entries[id] = e
	c.mu.Unlock()
}

func (c *pipelineCache) release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.entries {
		if p := c.entries[i].pipeline; p != nil {
			p.Release()
		}
		c.entries[i] = pipelineEntry{}
	}
}

// PipelineState reports the cache state of the kernel for op and dt.
func (d *Device) PipelineState(op Op, dt DataType) PipelineState {
	id, err := kernels.Resolve(op, dt)
	if err != nil {
		return PipelineFailed
	}
	return d.pipelines.state(id)
}

// Prepare compiles the kernels for ops on float32 ahead of their first use.
// It blocks, so in the browser it returns ErrUnsupportedOperation.
func (d *Device) Prepare(ctx context.Context, ops ...Op) error {
	if sandboxed {
		return errorf("prepare", ErrUnsupportedOperation, "blocking compilation is not available in the browser; use PrepareAsync")
	}
	return d.prepare(ctx, ops)
}

func (d *Device) prepare(ctx context.Context, ops []Op) error {
	if err := d.checkLive("prepare"); err != nil {
		return err
	}
	for _, op := range ops {
		id, err := kernels.Resolve(op, Float32)
		if err != nil {
			return newError("prepare", ErrCompilationFailed, err)
		}
		if _, err := d.pipelines.get(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// PrepareAsync is the suspending form of Prepare.
func (d *Device) PrepareAsync(ctx context.Context, ops ...Op) *Future[struct{}] {
	return async(ctx, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, d.prepare(ctx, ops)
	})
}
