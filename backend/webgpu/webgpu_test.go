package webgpu

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorKinds(t *testing.T) {
	err := fmt.Errorf("startup: %w", &Error{Op: "open", Kind: ErrDeviceUnavailable})
	assert.True(t, errors.Is(err, ErrDeviceUnavailable))
	assert.True(t, IsFallback(err))
	assert.False(t, IsFallback(&Error{Op: "matmul", Kind: ErrShapeOrTypeMismatch}))
}

func TestParseProfile(t *testing.T) {
	p, err := ParseProfile("conservative")
	require.NoError(t, err)
	assert.Equal(t, ProfileConservative, p)
	assert.Equal(t, "conservative", p.String())

	_, err = ParseProfile("huge")
	assert.Error(t, err)
}
