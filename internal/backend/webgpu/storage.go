package webgpu

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"sync/atomic"

	"github.com/x448/float16"
	"go.uber.org/zap"

	"github.com/born-ml/wgpucore/internal/hal"
	"github.com/born-ml/wgpucore/internal/tensor"
)

// storageUsage is the usage of every tensor buffer: bindable, and a copy
// source and destination for readback and uploads.
const storageUsage = hal.BufferUsageStorage | hal.BufferUsageCopySrc | hal.BufferUsageCopyDst

// Storage is a device buffer holding count elements of one dtype.
//
// A Storage starts with one reference. Retain adds one, Release drops one,
// and the buffer returns to the device when the last reference is gone.
type Storage struct {
	dev      *Device
	buf      hal.Buffer
	count    int
	dtype    tensor.DataType
	byteSize uint64
	shape    tensor.Shape
	refs     atomic.Int32
}

// Device returns the owning device.
func (s *Storage) Device() *Device { return s.dev }

// Count returns the number of elements.
func (s *Storage) Count() int { return s.count }

// DType returns the element type.
func (s *Storage) DType() tensor.DataType { return s.dtype }

// ByteSize returns Count * DType.Size.
func (s *Storage) ByteSize() uint64 { return s.byteSize }

// Shape returns a copy of the row-major shape.
func (s *Storage) Shape() tensor.Shape { return s.shape.Clone() }

// Reshape sets a new shape with the same number of elements.
func (s *Storage) Reshape(shape ...int) error {
	sh := tensor.Shape(shape)
	if err := sh.Validate(); err != nil {
		return newError("reshape", ErrShapeOrTypeMismatch, err)
	}
	if sh.NumElements() != s.count {
		return errorf("reshape", ErrShapeOrTypeMismatch, "shape %s holds %d elements, storage has %d", sh, sh.NumElements(), s.count)
	}
	s.shape = sh.Clone()
	return nil
}

// Retain adds a reference and returns s. A released storage stays
// released: its buffer may already back another storage, so every later
// use still fails with ErrReleased.
func (s *Storage) Retain() *Storage {
	for {
		n := s.refs.Load()
		if n <= 0 {
			return s
		}
		if s.refs.CompareAndSwap(n, n+1) {
			return s
		}
	}
}

// Release drops a reference. The last one hands the buffer back to the
// device pool. Extra calls are ignored.
func (s *Storage) Release() {
	for {
		n := s.refs.Load()
		if n <= 0 {
			return
		}
		if s.refs.CompareAndSwap(n, n-1) {
			if n == 1 {
				s.dev.recycle(s.buf)
			}
			return
		}
	}
}

func (s *Storage) checkLive(op string) error {
	if s.refs.Load() <= 0 {
		return newError(op, ErrReleased, nil)
	}
	return s.dev.checkLive(op)
}

// ToHost copies the storage to host memory. It is not available in the
// browser.
func (s *Storage) ToHost() ([]byte, error) {
	if sandboxed {
		return nil, errorf("to_host", ErrUnsupportedOperation, "blocking readback is not available in the browser; use ToHostAsync")
	}
	return s.toHost(context.Background())
}

// ToHostAsync copies the storage to host memory without blocking the caller.
func (s *Storage) ToHostAsync(ctx context.Context) *Future[[]byte] {
	return async(ctx, s.toHost)
}

func (s *Storage) toHost(ctx context.Context) ([]byte, error) {
	if err := s.checkLive("to_host"); err != nil {
		return nil, err
	}
	if s.byteSize == 0 {
		return []byte{}, nil
	}
	data, err := s.dev.readBuffer(ctx, s.buf, s.byteSize)
	if err != nil {
		return nil, classify("to_host", ErrAllocationFailed, err)
	}
	return data, nil
}

// ToFloat32 reads the storage as float32 values. Float16 storages are
// widened.
func (s *Storage) ToFloat32() ([]float32, error) {
	data, err := s.ToHost()
	if err != nil {
		return nil, err
	}
	return decodeFloat32(data, s.dtype), nil
}

// ToFloat32Async is the suspending form of ToFloat32.
func (s *Storage) ToFloat32Async(ctx context.Context) *Future[[]float32] {
	return async(ctx, func(ctx context.Context) ([]float32, error) {
		data, err := s.toHost(ctx)
		if err != nil {
			return nil, err
		}
		return decodeFloat32(data, s.dtype), nil
	})
}

// ToFloat16 reads a float16 storage.
func (s *Storage) ToFloat16() ([]float16.Float16, error) {
	if s.dtype != tensor.Float16 {
		return nil, errorf("to_float16", ErrShapeOrTypeMismatch, "storage holds %s", s.dtype)
	}
	data, err := s.ToHost()
	if err != nil {
		return nil, err
	}
	out := make([]float16.Float16, len(data)/2)
	for i := range out {
		out[i] = float16.Frombits(binary.LittleEndian.Uint16(data[i*2:]))
	}
	return out, nil
}

func decodeFloat32(data []byte, dt tensor.DataType) []float32 {
	switch dt {
	case tensor.Float16:
		out := make([]float32, len(data)/2)
		for i := range out {
			out[i] = float16.Frombits(binary.LittleEndian.Uint16(data[i*2:])).Float32()
		}
		return out
	default:
		out := make([]float32, len(data)/4)
		for i := range out {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
		}
		return out
	}
}

func encodeFloat32(data []float32) []byte {
	out := make([]byte, hal.AlignSize(uint64(len(data))*4))
	for i, v := range data {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(v))
	}
	return out
}

func encodeFloat16(data []float16.Float16) []byte {
	out := make([]byte, hal.AlignSize(uint64(len(data))*2))
	for i, v := range data {
		binary.LittleEndian.PutUint16(out[i*2:], v.Bits())
	}
	return out
}

type allocMode uint8

const (
	allocEmpty allocMode = iota
	allocZeroed
	allocUpload
)

// Zeros allocates count zero-filled elements.
func (d *Device) Zeros(count int, dt tensor.DataType) (*Storage, error) {
	return d.newStorage("zeros", count, dt, nil, allocZeroed, nil)
}

// Empty allocates count elements with unspecified contents. The buffer may
// come from the pool.
func (d *Device) Empty(count int, dt tensor.DataType) (*Storage, error) {
	return d.newStorage("empty", count, dt, nil, allocEmpty, nil)
}

// Upload copies data, count elements of dt, into a new storage. data is not
// modified.
func (d *Device) Upload(data []byte, count int, dt tensor.DataType) (*Storage, error) {
	if count >= 0 && uint64(len(data)) != tensor.ByteSize(count, dt) {
		return nil, errorf("upload", ErrShapeOrTypeMismatch, "%d bytes for %d %s elements", len(data), count, dt)
	}
	contents := make([]byte, hal.AlignSize(uint64(len(data))))
	copy(contents, data)
	return d.newStorage("upload", count, dt, nil, allocUpload, contents)
}

// UploadFloat32 uploads data with an optional shape, [len(data)] by default.
func (d *Device) UploadFloat32(data []float32, shape ...int) (*Storage, error) {
	sh, err := shapeFor("upload", len(data), shape)
	if err != nil {
		return nil, err
	}
	return d.newStorage("upload", len(data), tensor.Float32, sh, allocUpload, encodeFloat32(data))
}

// UploadFloat16 uploads half-precision data with an optional shape.
func (d *Device) UploadFloat16(data []float16.Float16, shape ...int) (*Storage, error) {
	sh, err := shapeFor("upload", len(data), shape)
	if err != nil {
		return nil, err
	}
	return d.newStorage("upload", len(data), tensor.Float16, sh, allocUpload, encodeFloat16(data))
}

func shapeFor(op string, count int, shape []int) (tensor.Shape, error) {
	if len(shape) == 0 {
		return tensor.Shape{count}, nil
	}
	sh := tensor.Shape(shape).Clone()
	if err := sh.Validate(); err != nil {
		return nil, newError(op, ErrShapeOrTypeMismatch, err)
	}
	if sh.NumElements() != count {
		return nil, errorf(op, ErrShapeOrTypeMismatch, "shape %s holds %d elements, got %d values", sh, sh.NumElements(), count)
	}
	return sh, nil
}

func (d *Device) newStorage(op string, count int, dt tensor.DataType, shape tensor.Shape, mode allocMode, contents []byte) (*Storage, error) {
	if err := d.checkLive(op); err != nil {
		return nil, err
	}
	if count < 0 {
		return nil, errorf(op, ErrShapeOrTypeMismatch, "negative element count %d", count)
	}
	if !dt.Valid() {
		return nil, errorf(op, ErrShapeOrTypeMismatch, "unsupported dtype %s", dt)
	}
	if shape == nil {
		shape = tensor.Shape{count}
	}

	byteSize := tensor.ByteSize(count, dt)
	size := hal.AlignSize(byteSize)

	var (
		buf hal.Buffer
		err error
	)
	switch mode {
	case allocEmpty:
		if pooled, ok := d.pool.Acquire(size, storageUsage); ok {
			d.metrics.PoolHits.Inc()
			buf = pooled
			break
		}
		d.metrics.PoolMisses.Inc()
		buf, err = d.createBuffer(op, size, storageUsage, nil)
	case allocZeroed:
		// New WebGPU buffers are zero-initialized; pooled ones are not.
		buf, err = d.createBuffer(op, size, storageUsage, nil)
	case allocUpload:
		buf, err = d.createBuffer(op, size, storageUsage, contents)
	}
	if err != nil {
		return nil, err
	}

	s := &Storage{
		dev:      d,
		buf:      buf,
		count:    count,
		dtype:    dt,
		byteSize: byteSize,
		shape:    shape,
	}
	s.refs.Store(1)
	return s, nil
}

// createBuffer allocates within the memory budget. When the driver or the
// budget refuses, idle pooled buffers are freed and the allocation retried
// once.
func (d *Device) createBuffer(op string, size uint64, usage hal.BufferUsage, contents []byte) (hal.Buffer, error) {
	buf, err := d.tryCreateBuffer(size, usage, contents)
	if err != nil && d.trimPool() > 0 {
		buf, err = d.tryCreateBuffer(size, usage, contents)
	}
	if err != nil {
		d.log.Warn("allocation failed", zap.String("op", op), zap.Uint64("bytes", size), zap.Error(err))
		return nil, classify(op, ErrAllocationFailed, err)
	}
	return buf, nil
}

func (d *Device) tryCreateBuffer(size uint64, usage hal.BufferUsage, contents []byte) (hal.Buffer, error) {
	if err := d.reserve(size); err != nil {
		return nil, err
	}
	buf, err := d.dev.CreateBuffer(hal.BufferDescriptor{Size: size, Usage: usage, Contents: contents})
	if err != nil {
		d.unreserve(size)
		return nil, err
	}
	return buf, nil
}

func (d *Device) reserve(size uint64) error {
	d.mem.Lock()
	defer d.mem.Unlock()

	if budget := d.opts.MemoryBudget; budget > 0 && d.mem.live+size > budget {
		return fmt.Errorf("%w: %d bytes requested, %d of %d budget in use", hal.ErrOutOfMemory, size, d.mem.live, budget)
	}
	d.mem.live += size
	d.mem.total += size
	d.mem.activeBuffers++
	d.mem.peak = max(d.mem.peak, d.mem.live)
	d.metrics.StorageBytes.Set(float64(d.mem.live))
	return nil
}

func (d *Device) unreserve(size uint64) {
	d.mem.Lock()
	defer d.mem.Unlock()

	d.mem.live -= size
	d.mem.activeBuffers--
	d.metrics.StorageBytes.Set(float64(d.mem.live))
}

func (d *Device) destroyBuffer(buf hal.Buffer) {
	size := buf.Size()
	buf.Release()
	d.unreserve(size)
}

// trimPool frees every idle pooled buffer and returns how many there were.
func (d *Device) trimPool() int {
	idle := d.pool.Drain()
	for _, buf := range idle {
		d.destroyBuffer(buf)
	}
	return len(idle)
}

// recycle takes back the buffer of a released storage.
func (d *Device) recycle(buf hal.Buffer) {
	if d.released.Load() || !d.pool.Release(buf) {
		d.destroyBuffer(buf)
	}
}

// readBuffer copies byteSize bytes of src to the host through a staging
// buffer owned by this call.
func (d *Device) readBuffer(ctx context.Context, src hal.Buffer, byteSize uint64) ([]byte, error) {
	size := hal.AlignSize(byteSize)
	staging, err := d.createBuffer("readback", size, hal.BufferUsageMapRead|hal.BufferUsageCopyDst, nil)
	if err != nil {
		return nil, err
	}
	defer d.destroyBuffer(staging)

	if err := d.submit(func(enc hal.CommandEncoder) error {
		enc.CopyBufferToBuffer(src, 0, staging, 0, size)
		return nil
	}); err != nil {
		return nil, err
	}

	if err := staging.MapRead(ctx, 0, size); err != nil {
		return nil, err
	}
	out := make([]byte, byteSize)
	copy(out, staging.MappedRange(0, size))
	staging.Unmap()

	d.metrics.Readbacks.Inc()
	return out, nil
}
