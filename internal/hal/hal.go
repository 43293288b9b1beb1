// Package hal is the thin hardware abstraction the compute backend is written
// against. A Driver enumerates adapters, an Adapter opens a Device, and a Device
// creates buffers, pipelines and command encoders whose command buffers are
// submitted to its single Queue.
//
// Drivers: native (go-webgpu, Windows), portable (openfluke/webgpu,
// Linux/macOS), browser (navigator.gpu, js/wasm) and soft (pure Go).
package hal

import (
	"context"
	"errors"

	"github.com/born-ml/wgpucore/internal/kernels"
)

// Driver errors. Drivers wrap them so callers can classify failures.
var (
	ErrNoAdapter         = errors.New("hal: no compatible adapter")
	ErrDeviceRequest     = errors.New("hal: device request failed")
	ErrOutOfMemory       = errors.New("hal: out of device memory")
	ErrCompile           = errors.New("hal: pipeline compilation failed")
	ErrBufferNotMappable = errors.New("hal: buffer is not mappable for read")
)

// BufferUsage is a bit set with WebGPU's numeric values.
type BufferUsage uint32

// Buffer usage flags.
const (
	BufferUsageMapRead  BufferUsage = 0x0001
	BufferUsageMapWrite BufferUsage = 0x0002
	BufferUsageCopySrc  BufferUsage = 0x0004
	BufferUsageCopyDst  BufferUsage = 0x0008
	BufferUsageUniform  BufferUsage = 0x0040
	BufferUsageStorage  BufferUsage = 0x0080
)

// Has reports whether all bits of flag are set.
func (u BufferUsage) Has(flag BufferUsage) bool {
	return u&flag == flag
}

// CopyAlignment is the required alignment of buffer sizes and copy ranges.
const CopyAlignment = 4

// AlignSize rounds size up to CopyAlignment, with a minimum of one word.
func AlignSize(size uint64) uint64 {
	if size < CopyAlignment {
		return CopyAlignment
	}
	return (size + CopyAlignment - 1) &^ (CopyAlignment - 1)
}

// AdapterInfo describes a physical adapter.
type AdapterInfo struct {
	Name         string
	Vendor       string
	Architecture string
	Description  string
	Backend      string
	AdapterType  string
	VendorID     uint32
	DeviceID     uint32
}

// Driver enumerates adapters for one GPU API.
type Driver interface {
	Name() string
	// Adapters returns the usable adapters in preference order. It returns an
	// error wrapping ErrNoAdapter when none exist.
	Adapters(ctx context.Context) ([]Adapter, error)
}

// Adapter is one physical device.
type Adapter interface {
	Info() AdapterInfo
	Limits() Limits
	// RequestDevice opens a logical device guaranteeing the required limits.
	RequestDevice(ctx context.Context, required Limits) (Device, error)
	Release()
}

// BufferDescriptor describes a buffer to create. A non-nil Contents creates
// the buffer mapped and initialized with it.
type BufferDescriptor struct {
	Label    string
	Size     uint64
	Usage    BufferUsage
	Contents []byte
}

// Device is one logical device with a single queue.
type Device interface {
	Queue() Queue
	CreateBuffer(desc BufferDescriptor) (Buffer, error)
	// CreatePipeline compiles prog. It may suspend until compilation completes.
	CreatePipeline(ctx context.Context, prog kernels.Program) (Pipeline, error)
	CreateCommandEncoder() (CommandEncoder, error)
	Release()
}

// Buffer is a region of device memory.
type Buffer interface {
	Size() uint64
	Usage() BufferUsage
	// MapRead maps [offset, offset+size) for reading once all previously
	// submitted work touching the buffer completes.
	MapRead(ctx context.Context, offset, size uint64) error
	// MappedRange returns a view of the mapped range, valid until Unmap.
	MappedRange(offset, size uint64) []byte
	Unmap()
	Release()
}

// Pipeline is a compiled, dispatch-ready program.
type Pipeline interface {
	Kernel() kernels.ID
	Release()
}

// Binding attaches a buffer range to a @binding slot of group 0.
type Binding struct {
	Slot   uint32
	Buffer Buffer
	Size   uint64
}

// CommandEncoder records commands into a CommandBuffer.
type CommandEncoder interface {
	CopyBufferToBuffer(src Buffer, srcOffset uint64, dst Buffer, dstOffset, size uint64)
	Dispatch(p Pipeline, bindings []Binding, x, y, z uint32) error
	Finish() (CommandBuffer, error)
	// Release frees the encoder. After Finish it only drops the handle; the
	// command buffer keeps what it recorded.
	Release()
}

// CommandBuffer is an opaque, finished command list.
type CommandBuffer interface{}

// Queue executes command buffers in submission order.
type Queue interface {
	Submit(cmds ...CommandBuffer)
}
