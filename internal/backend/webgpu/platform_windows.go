//go:build windows

package webgpu

import (
	"github.com/born-ml/wgpucore/internal/hal"
	"github.com/born-ml/wgpucore/internal/hal/native"
)

const sandboxedBuild = false

func defaultDriver() hal.Driver { return native.New() }
