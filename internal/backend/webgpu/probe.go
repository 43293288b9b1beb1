package webgpu

import (
	"context"

	"github.com/born-ml/wgpucore/internal/hal"
)

// AdapterDescription is one adapter as reported by ListAdapters.
type AdapterDescription struct {
	Ordinal int
	Info    hal.AdapterInfo
	Limits  hal.Limits
	// Profile is the most capable profile the adapter satisfies, or
	// ProfileAuto when it satisfies neither.
	Profile Profile
}

// IsAvailable reports whether the platform driver finds at least one
// adapter. A missing native library reports false. In the browser it
// always reports false; use ListAdaptersAsync.
func IsAvailable(opts ...Option) bool {
	if sandboxed {
		return false
	}
	adapters, err := listAdapters(context.Background(), buildOptions(opts))
	return err == nil && len(adapters) > 0
}

// ListAdapters describes every adapter of the driver in ordinal order. It
// blocks, so in the browser it returns ErrUnsupportedOperation.
func ListAdapters(ctx context.Context, opts ...Option) ([]AdapterDescription, error) {
	if sandboxed {
		return nil, errorf("list_adapters", ErrUnsupportedOperation, "blocking adapter enumeration is not available in the browser; use ListAdaptersAsync")
	}
	return listAdapters(ctx, buildOptions(opts))
}

func listAdapters(ctx context.Context, o Options) ([]AdapterDescription, error) {
	adapters, err := o.Driver.Adapters(ctx)
	if err != nil {
		return nil, classify("list_adapters", ErrDeviceUnavailable, err)
	}
	defer releaseAdapters(adapters, -1)

	out := make([]AdapterDescription, len(adapters))
	for i, a := range adapters {
		lim := a.Limits()
		out[i] = AdapterDescription{Ordinal: i, Info: a.Info(), Limits: lim}
		switch {
		case satisfies(lim, hal.DefaultLimits()):
			out[i].Profile = ProfileDefault
		case satisfies(lim, hal.ConservativeLimits()):
			out[i].Profile = ProfileConservative
		}
	}
	return out, nil
}

// ListAdaptersAsync is the suspending form of ListAdapters.
func ListAdaptersAsync(ctx context.Context, opts ...Option) *Future[[]AdapterDescription] {
	o := buildOptions(opts)
	return async(ctx, func(ctx context.Context) ([]AdapterDescription, error) {
		return listAdapters(ctx, o)
	})
}

func satisfies(have, required hal.Limits) bool {
	ok, _ := have.Satisfies(required)
	return ok
}
