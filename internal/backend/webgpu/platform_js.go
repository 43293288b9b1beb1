//go:build js && wasm

package webgpu

import (
	"github.com/born-ml/wgpucore/internal/hal"
	"github.com/born-ml/wgpucore/internal/hal/browser"
)

// The browser runs Go on the page's event loop; blocking entry points fail
// fast instead of stalling it.
const sandboxedBuild = true

func defaultDriver() hal.Driver { return browser.New() }
