package hal

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDefaultSatisfiesConservative(t *testing.T) {
	ok, reason := DefaultLimits().Satisfies(ConservativeLimits())
	assert.True(t, ok, reason)
}

func TestConservativeDoesNotSatisfyDefault(t *testing.T) {
	ok, reason := ConservativeLimits().Satisfies(DefaultLimits())
	assert.False(t, ok)
	assert.Contains(t, reason, "maxBufferSize")
}

func TestSatisfiesNamesFirstUnmetLimit(t *testing.T) {
	have := DefaultLimits()
	have.MaxComputeWorkgroupStorageSize = 1024

	ok, reason := have.Satisfies(DefaultLimits())
	assert.False(t, ok)
	assert.Contains(t, reason, "maxComputeWorkgroupStorageSize")
	assert.Contains(t, reason, "1024")
}

func TestAlignSize(t *testing.T) {
	tests := []struct {
		in, want uint64
	}{
		{0, 4},
		{1, 4},
		{4, 4},
		{6, 8},
		{1024, 1024},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, AlignSize(tt.in), "AlignSize(%d)", tt.in)
	}
}

func TestBufferUsageHas(t *testing.T) {
	u := BufferUsageStorage | BufferUsageCopySrc
	assert.True(t, u.Has(BufferUsageStorage))
	assert.True(t, u.Has(BufferUsageStorage|BufferUsageCopySrc))
	assert.False(t, u.Has(BufferUsageMapRead))
}
