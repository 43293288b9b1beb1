package webgpu

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/wgpucore/internal/hal"
)

type fakeBuffer struct {
	size  uint64
	usage hal.BufferUsage
}

func (b *fakeBuffer) Size() uint64 { return b.size }
func (b *fakeBuffer) Usage() hal.BufferUsage { return b.usage }
func (b *fakeBuffer) MapRead(context.Context, uint64, uint64) error { return nil }
func (b *fakeBuffer) MappedRange(uint64, uint64) []byte { return nil }
func (b *fakeBuffer) Unmap() {}
func (b *fakeBuffer) Release() {}

func TestSizeClass(t *testing.T) {
	tests := []struct {
		size uint64
		want SizeClass
	}{
		{4, SmallBuffer},
		{4095, SmallBuffer},
		{4096, MediumBuffer},
		{1<<20 - 1, MediumBuffer},
		{1 << 20, LargeBuffer},
		{1 << 30, LargeBuffer},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, classOf(tt.size), "size %d", tt.size)
	}
}

func TestBufferPoolAcquireRelease(t *testing.T) {
	pool := NewBufferPool(4)

	_, ok := pool.Acquire(1024, storageUsage)
	assert.False(t, ok)

	buf := &fakeBuffer{size: 1024, usage: storageUsage}
	require.True(t, pool.Release(buf))

	got, ok := pool.Acquire(1024, storageUsage)
	require.True(t, ok)
	assert.Same(t, buf, got)

	_, ok = pool.Acquire(1024, storageUsage)
	assert.False(t, ok)

	st := pool.Stats()
	assert.Equal(t, uint64(1), st.Hits)
	assert.Equal(t, uint64(2), st.Misses)
	assert.Equal(t, uint64(1), st.Returned)
	assert.Zero(t, st.Idle)
}

func TestBufferPoolSizeMatching(t *testing.T) {
	pool := NewBufferPool(4)
	big := &fakeBuffer{size: 3000, usage: storageUsage}
	require.True(t, pool.Release(big))

	// More than twice the request: left in the pool.
	_, ok := pool.Acquire(1000, storageUsage)
	assert.False(t, ok)
	// Too small.
	_, ok = pool.Acquire(3500, storageUsage)
	assert.False(t, ok)

	got, ok := pool.Acquire(2000, storageUsage)
	require.True(t, ok)
	assert.Same(t, big, got)
}

func TestBufferPoolUsageMatching(t *testing.T) {
	pool := NewBufferPool(4)
	require.True(t, pool.Release(&fakeBuffer{size: 64, usage: hal.BufferUsageStorage}))

	_, ok := pool.Acquire(64, storageUsage)
	assert.False(t, ok)
	_, ok = pool.Acquire(64, hal.BufferUsageStorage)
	assert.True(t, ok)
}

func TestBufferPoolLimit(t *testing.T) {
	pool := NewBufferPool(2)
	for range 2 {
		require.True(t, pool.Release(&fakeBuffer{size: 64, usage: storageUsage}))
	}
	assert.False(t, pool.Release(&fakeBuffer{size: 64, usage: storageUsage}))
	// Other classes have their own room.
	assert.True(t, pool.Release(&fakeBuffer{size: 8192, usage: storageUsage}))

	st := pool.Stats()
	assert.Equal(t, uint64(1), st.Dropped)
	assert.Equal(t, 3, st.Idle)
	assert.Equal(t, uint64(64+64+8192), st.IdleBytes)
}

func TestBufferPoolDisabled(t *testing.T) {
	pool := NewBufferPool(0)
	assert.False(t, pool.Release(&fakeBuffer{size: 64, usage: storageUsage}))
}

func TestBufferPoolDrain(t *testing.T) {
	pool := NewBufferPool(4)
	pool.Release(&fakeBuffer{size: 64, usage: storageUsage})
	pool.Release(&fakeBuffer{size: 1 << 20, usage: storageUsage})

	assert.Len(t, pool.Drain(), 2)
	assert.Empty(t, pool.Drain())
	assert.Zero(t, pool.Stats().Idle)
}
