// Package tensor provides the element types and shapes shared by the compute backend.
package tensor

// DataType represents runtime type information for device buffers.
// Only fixed-width numeric types are representable.
type DataType int

// Supported data types.
const (
	Float32 DataType = iota
	// Float16 is storage-only: it can be uploaded and downloaded but no
	// kernel is compiled for it.
	Float16
)

// Size returns the byte width of one element, or 0 for an unknown type.
func (dt DataType) Size() int {
	switch dt {
	case Float32:
		return 4
	case Float16:
		return 2
	default:
		return 0
	}
}

// Valid reports whether dt is a known data type.
func (dt DataType) Valid() bool {
	return dt.Size() > 0
}

// String returns a human-readable name for the data type.
func (dt DataType) String() string {
	switch dt {
	case Float32:
		return "float32"
	case Float16:
		return "float16"
	default:
		return "unknown"
	}
}

// ByteSize returns count elements of dt in bytes.
func ByteSize(count int, dt DataType) uint64 {
	//nolint:gosec // G115: count is validated non-negative by callers.
	return uint64(count) * uint64(dt.Size())
}
