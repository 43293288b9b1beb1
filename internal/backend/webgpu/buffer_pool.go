package webgpu

import (
	"sync"

	"github.com/born-ml/wgpucore/internal/hal"
)

// SizeClass groups pooled buffers by size.
type SizeClass int

const (
	// SmallBuffer holds buffers under 4KB.
	SmallBuffer SizeClass = iota
	// MediumBuffer holds buffers from 4KB to 1MB.
	MediumBuffer
	// LargeBuffer holds buffers of 1MB and more.
	LargeBuffer

	numSizeClasses
)

const (
	smallThreshold  = 4 * 1024    // 4KB
	mediumThreshold = 1024 * 1024 // 1MB

	// DefaultPoolSize is the number of idle buffers kept per size class.
	DefaultPoolSize = 100
)

// BufferPool keeps released storage buffers for reuse. It never allocates:
// a miss tells the caller to create a buffer itself, which keeps memory
// accounting in one place.
type BufferPool struct {
	mu          sync.Mutex
	idle        [numSizeClasses][]hal.Buffer
	maxPerClass int

	hits     uint64
	misses   uint64
	returned uint64
	dropped  uint64
}

// PoolStats reports pool activity.
type PoolStats struct {
	Hits      uint64 // Acquire calls served from the pool
	Misses    uint64 // Acquire calls that found nothing
	Returned  uint64 // buffers accepted by Release
	Dropped   uint64 // buffers refused because the class was full
	Idle      int    // buffers waiting for reuse
	IdleBytes uint64
}

// NewBufferPool returns a pool keeping up to maxPerClass idle buffers per
// size class. A non-positive maxPerClass disables pooling.
func NewBufferPool(maxPerClass int) *BufferPool {
	return &BufferPool{maxPerClass: maxPerClass}
}

func classOf(size uint64) SizeClass {
	if size < smallThreshold {
		return SmallBuffer
	}
	if size < mediumThreshold {
		return MediumBuffer
	}
	return LargeBuffer
}

// Acquire removes and returns an idle buffer of at least size bytes with all
// usage bits. Buffers more than twice the request are left alone so a small
// tensor never pins a large allocation.
func (p *BufferPool) Acquire(size uint64, usage hal.BufferUsage) (hal.Buffer, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	class := classOf(size)
	pool := p.idle[class]
	for i, buf := range pool {
		if buf.Size() >= size && buf.Size() <= 2*size && buf.Usage().Has(usage) {
			p.idle[class] = append(pool[:i], pool[i+1:]...)
			p.hits++
			return buf, true
		}
	}
	p.misses++
	return nil, false
}

// Release offers buf for reuse. It reports false when the class is full; the
// caller then owns buf and must destroy it.
func (p *BufferPool) Release(buf hal.Buffer) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	class := classOf(buf.Size())
	if len(p.idle[class]) >= p.maxPerClass {
		p.dropped++
		return false
	}
	p.idle[class] = append(p.idle[class], buf)
	p.returned++
	return true
}

// Drain empties the pool and hands the idle buffers to the caller.
func (p *BufferPool) Drain() []hal.Buffer {
	p.mu.Lock()
	defer p.mu.Unlock()

	var out []hal.Buffer
	for c := range p.idle {
		out = append(out, p.idle[c]...)
		p.idle[c] = nil
	}
	return out
}

// Stats returns a snapshot of pool activity.
func (p *BufferPool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := PoolStats{Hits: p.hits, Misses: p.misses, Returned: p.returned, Dropped: p.dropped}
	for _, class := range p.idle {
		s.Idle += len(class)
		for _, buf := range class {
			s.IdleBytes += buf.Size()
		}
	}
	return s
}
