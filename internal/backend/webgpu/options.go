package webgpu

import (
	"fmt"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/born-ml/wgpucore/internal/hal"
)

// Profile selects the limits requested from the adapter.
type Profile uint8

// Limit profiles.
const (
	// ProfileAuto is ProfileConservative in the browser and ProfileDefault
	// elsewhere.
	ProfileAuto Profile = iota
	// ProfileDefault requests the WebGPU default limits.
	ProfileDefault
	// ProfileConservative requests the smaller limits every browser grants.
	ProfileConservative
)

func (p Profile) String() string {
	switch p {
	case ProfileAuto:
		return "auto"
	case ProfileDefault:
		return "default"
	case ProfileConservative:
		return "conservative"
	default:
		return fmt.Sprintf("profile(%d)", uint8(p))
	}
}

// ParseProfile parses "auto", "default" or "conservative".
func ParseProfile(s string) (Profile, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "auto":
		return ProfileAuto, nil
	case "default":
		return ProfileDefault, nil
	case "conservative":
		return ProfileConservative, nil
	default:
		return 0, fmt.Errorf("webgpu: unknown limit profile %q", s)
	}
}

// limits resolves the profile for the current build.
func (p Profile) limits() hal.Limits {
	switch p {
	case ProfileDefault:
		return hal.DefaultLimits()
	case ProfileConservative:
		return hal.ConservativeLimits()
	default:
		if sandboxed {
			return hal.ConservativeLimits()
		}
		return hal.DefaultLimits()
	}
}

// DefaultSeed seeds the random generator of a new device.
const DefaultSeed uint64 = 299792458

// DefaultTiledMatMulThreshold is the smallest min(M, K, N) that selects the
// tiled matmul kernel.
const DefaultTiledMatMulThreshold = 64

// Options configures a Device.
type Options struct {
	// Driver overrides the platform driver.
	Driver hal.Driver
	// Logger receives device events. Defaults to a no-op logger.
	Logger *zap.Logger
	// Registerer receives the device metrics. Nil keeps them in a private
	// registry reachable through Device.Metrics.
	Registerer prometheus.Registerer
	// Profile selects the requested limits.
	Profile Profile
	// Seed is the initial random seed.
	Seed uint64
	// TiledMatMulThreshold selects the tiled matmul kernel when
	// min(M, K, N) reaches it. Zero or less disables tiling.
	TiledMatMulThreshold int
	// MemoryBudget caps the bytes of device buffers alive at once, pooled
	// buffers included. Zero means no cap.
	MemoryBudget uint64
	// PoolSize is the number of idle buffers kept per size class.
	PoolSize int
}

// Option mutates Options.
type Option func(*Options)

func defaultOptions() Options {
	return Options{
		Logger:               zap.NewNop(),
		Profile:              ProfileAuto,
		Seed:                 DefaultSeed,
		TiledMatMulThreshold: DefaultTiledMatMulThreshold,
		PoolSize:             DefaultPoolSize,
	}
}

func buildOptions(opts []Option) Options {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.Driver == nil {
		o.Driver = defaultDriver()
	}
	return o
}

// WithDriver uses d instead of the platform driver.
func WithDriver(d hal.Driver) Option {
	return func(o *Options) { o.Driver = d }
}

// WithLogger sets the device logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *Options) { o.Logger = l }
}

// WithRegisterer registers the device metrics with r.
func WithRegisterer(r prometheus.Registerer) Option {
	return func(o *Options) { o.Registerer = r }
}

// WithProfile sets the limit profile.
func WithProfile(p Profile) Option {
	return func(o *Options) { o.Profile = p }
}

// WithSeed sets the initial random seed.
func WithSeed(seed uint64) Option {
	return func(o *Options) { o.Seed = seed }
}

// WithTiledMatMulThreshold sets the tiled matmul threshold.
func WithTiledMatMulThreshold(n int) Option {
	return func(o *Options) { o.TiledMatMulThreshold = n }
}

// WithMemoryBudget caps live device memory at bytes.
func WithMemoryBudget(bytes uint64) Option {
	return func(o *Options) { o.MemoryBudget = bytes }
}

// WithPoolSize sets the idle buffers kept per size class.
func WithPoolSize(n int) Option {
	return func(o *Options) { o.PoolSize = n }
}
