//go:build !windows && !js

package webgpu

import (
	"github.com/born-ml/wgpucore/internal/hal"
	"github.com/born-ml/wgpucore/internal/hal/portable"
)

const sandboxedBuild = false

func defaultDriver() hal.Driver { return portable.New() }
