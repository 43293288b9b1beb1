package webgpu

import (
	"math"
	"math/rand/v2"
	"sync"

	"github.com/born-ml/wgpucore/internal/tensor"
)

// pcgStream is the fixed PCG increment seed paired with the user seed.
const pcgStream = 0x9e3779b97f4a7c15

// generator is the per-device random source. Values are drawn on the host
// and uploaded.
type generator struct {
	mu  sync.Mutex
	pcg *rand.PCG
	rnd *rand.Rand
}

func newGenerator(seed uint64) *generator {
	pcg := rand.NewPCG(seed, pcgStream)
	return &generator{pcg: pcg, rnd: rand.New(pcg)}
}

func (g *generator) reseed(seed uint64) {
	g.mu.Lock()
	g.pcg.Seed(seed, pcgStream)
	g.mu.Unlock()
}

func (g *generator) uniform(low, high float32, count int) []float32 {
	g.mu.Lock()
	defer g.mu.Unlock()

	out := make([]float32, count)
	span := float64(high) - float64(low)
	for i := range out {
		v := float32(float64(low) + g.rnd.Float64()*span)
		if v >= high && high > low {
			// Rounding to float32 can reach the open bound.
			v = math.Nextafter32(high, low)
		}
		out[i] = v
	}
	return out
}

// normal uses the Box-Muller transform, two values per pair of draws.
func (g *generator) normal(mean, std float32, count int) []float32 {
	g.mu.Lock()
	defer g.mu.Unlock()

	out := make([]float32, count)
	for i := 0; i < count; i += 2 {
		u1 := 1 - g.rnd.Float64() // (0, 1]: log(u1) is finite
		u2 := g.rnd.Float64()
		r := math.Sqrt(-2 * math.Log(u1))
		out[i] = mean + std*float32(r*math.Cos(2*math.Pi*u2))
		if i+1 < count {
			out[i+1] = mean + std*float32(r*math.Sin(2*math.Pi*u2))
		}
	}
	return out
}

// Uniform returns count float32 values drawn uniformly from [low, high).
func (d *Device) Uniform(low, high float32, count int) (*Storage, error) {
	const op = "uniform"
	if err := d.checkLive(op); err != nil {
		return nil, err
	}
	if count < 0 {
		return nil, errorf(op, ErrShapeOrTypeMismatch, "negative element count %d", count)
	}
	if !(low <= high) || math.IsInf(float64(high-low), 0) {
		return nil, errorf(op, ErrShapeOrTypeMismatch, "invalid range [%g, %g)", low, high)
	}
	data := d.rng.uniform(low, high, count)
	return d.newStorage(op, count, tensor.Float32, nil, allocUpload, encodeFloat32(data))
}

// Normal returns count float32 values drawn from N(mean, std²).
func (d *Device) Normal(mean, std float32, count int) (*Storage, error) {
	const op = "normal"
	if err := d.checkLive(op); err != nil {
		return nil, err
	}
	if count < 0 {
		return nil, errorf(op, ErrShapeOrTypeMismatch, "negative element count %d", count)
	}
	if !(std >= 0) {
		return nil, errorf(op, ErrShapeOrTypeMismatch, "invalid standard deviation %g", std)
	}
	data := d.rng.normal(mean, std, count)
	return d.newStorage(op, count, tensor.Float32, nil, allocUpload, encodeFloat32(data))
}
