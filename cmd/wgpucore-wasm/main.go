//go:build js && wasm

// Command wgpucore-wasm exposes the kernel self-test to JavaScript.
//
// Every export that touches the GPU returns a Promise; the work runs on its
// own goroutine so the page's event loop keeps turning while WebGPU promises
// resolve.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"syscall/js"

	"go.uber.org/zap"

	"github.com/born-ml/wgpucore/internal/backend"
	"github.com/born-ml/wgpucore/internal/backend/webgpu"
	"github.com/born-ml/wgpucore/internal/logger"
	"github.com/born-ml/wgpucore/internal/selftest"
)

var version = "dev"

type checkResult struct {
	Name   string    `json:"name"`
	Passed bool      `json:"passed"`
	Got    []float32 `json:"got,omitempty"`
	Want   []float32 `json:"want,omitempty"`
	Error  string    `json:"error,omitempty"`
	Micros int64     `json:"micros"`
}

type demoResult struct {
	Backend  string        `json:"backend"`
	Adapter  string        `json:"adapter"`
	Fallback string        `json:"fallback,omitempty"`
	Passed   bool          `json:"passed"`
	Checks   []checkResult `json:"checks"`
}

// promise runs fn on a new goroutine and settles a JavaScript Promise with
// its result.
func promise(fn func(ctx context.Context) (any, error)) js.Value {
	var handler js.Func
	handler = js.FuncOf(func(this js.Value, args []js.Value) any {
		resolve, reject := args[0], args[1]
		go func() {
			defer handler.Release()
			v, err := fn(context.Background())
			if err != nil {
				reject.Invoke(js.Global().Get("Error").New(err.Error()))
				return
			}
			resolve.Invoke(v)
		}()
		return nil
	})
	return js.Global().Get("Promise").New(handler)
}

func runDemo(log *zap.Logger) js.Func {
	return js.FuncOf(func(this js.Value, args []js.Value) any {
		return promise(func(ctx context.Context) (any, error) {
			b, err := backend.Select(ctx, backend.ModeAuto, 0, log)
			if err != nil {
				return nil, err
			}
			defer b.Close()

			report, err := selftest.Run(ctx, b.Device, log)
			if err != nil {
				return nil, err
			}
			res := demoResult{
				Backend: b.Kind.String(),
				Adapter: report.Adapter,
				Passed:  report.Passed(),
			}
			if b.Fallback != nil {
				res.Fallback = b.Fallback.Error()
			}
			for _, c := range report.Checks {
				cr := checkResult{
					Name:   c.Name,
					Passed: c.Passed(),
					Got:    c.Got,
					Want:   c.Want,
					Micros: c.Duration.Microseconds(),
				}
				if c.Err != nil {
					cr.Error = c.Err.Error()
				}
				res.Checks = append(res.Checks, cr)
			}
			data, err := json.Marshal(res)
			if err != nil {
				return nil, err
			}
			return string(data), nil
		})
	})
}

// blockingProbe shows that the blocking constructor refuses to run on the
// page's thread.
func blockingProbe() js.Func {
	return js.FuncOf(func(this js.Value, args []js.Value) any {
		dev, err := webgpu.New(0)
		if err == nil {
			dev.Release()
			return "blocking open succeeded"
		}
		if errors.Is(err, webgpu.ErrUnsupportedOperation) {
			return fmt.Sprintf("blocking open refused as expected: %v", err)
		}
		return fmt.Sprintf("blocking open failed: %v", err)
	})
}

func main() {
	log, err := logger.NewDevelopment("info")
	if err != nil {
		log = logger.Nop()
	}
	log = log.Named("wasm")

	js.Global().Set("wgpucoreRunDemo", runDemo(log))
	js.Global().Set("wgpucoreBlockingProbe", blockingProbe())
	js.Global().Set("wgpucoreVersion", js.FuncOf(func(js.Value, []js.Value) any { return version }))

	log.Info("wgpucore wasm module ready", zap.String("version", version))
	select {}
}
