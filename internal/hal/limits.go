package hal

import "fmt"

// Limits is the subset of WebGPU device limits the backend depends on.
type Limits struct {
	MaxBufferSize                     uint64
	MaxStorageBufferBindingSize       uint64
	MaxComputeWorkgroupsPerDimension  uint32
	MaxComputeInvocationsPerWorkgroup uint32
	MaxComputeWorkgroupSizeX          uint32
	MaxComputeWorkgroupSizeY          uint32
	MaxComputeWorkgroupStorageSize    uint32
}

// DefaultLimits returns the WebGPU default limits every conformant native
// adapter supports.
func DefaultLimits() Limits {
	return Limits{
		MaxBufferSize:                     256 << 20,
		MaxStorageBufferBindingSize:       128 << 20,
		MaxComputeWorkgroupsPerDimension:  65535,
		MaxComputeInvocationsPerWorkgroup: 256,
		MaxComputeWorkgroupSizeX:          256,
		MaxComputeWorkgroupSizeY:          256,
		MaxComputeWorkgroupStorageSize:    16384,
	}
}

// ConservativeLimits is the lowest-common-denominator profile requested in
// browsers: smaller buffers, and only what the kernel catalog needs.
func ConservativeLimits() Limits {
	return Limits{
		MaxBufferSize:                     128 << 20,
		MaxStorageBufferBindingSize:       128 << 20,
		MaxComputeWorkgroupsPerDimension:  65535,
		MaxComputeInvocationsPerWorkgroup: 256,
		MaxComputeWorkgroupSizeX:          256,
		MaxComputeWorkgroupSizeY:          16,
		MaxComputeWorkgroupStorageSize:    8192,
	}
}

// Satisfies reports whether l meets every field of required. The returned
// string names the first unmet limit.
func (l Limits) Satisfies(required Limits) (bool, string) {
	checks := []struct {
		name      string
		have, req uint64
	}{
		{"maxBufferSize", l.MaxBufferSize, required.MaxBufferSize},
		{"maxStorageBufferBindingSize", l.MaxStorageBufferBindingSize, required.MaxStorageBufferBindingSize},
		{"maxComputeWorkgroupsPerDimension", uint64(l.MaxComputeWorkgroupsPerDimension), uint64(required.MaxComputeWorkgroupsPerDimension)},
		{"maxComputeInvocationsPerWorkgroup", uint64(l.MaxComputeInvocationsPerWorkgroup), uint64(required.MaxComputeInvocationsPerWorkgroup)},
		{"maxComputeWorkgroupSizeX", uint64(l.MaxComputeWorkgroupSizeX), uint64(required.MaxComputeWorkgroupSizeX)},
		{"maxComputeWorkgroupSizeY", uint64(l.MaxComputeWorkgroupSizeY), uint64(required.MaxComputeWorkgroupSizeY)},
		{"maxComputeWorkgroupStorageSize", uint64(l.MaxComputeWorkgroupStorageSize), uint64(required.MaxComputeWorkgroupStorageSize)},
	}
	for _, c := range checks {
		if c.have < c.req {
			return false, fmt.Sprintf("%s: adapter supports %d, %d required", c.name, c.have, c.req)
		}
	}
	return true, ""
}
