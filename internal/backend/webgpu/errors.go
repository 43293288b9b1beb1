package webgpu

import (
	"context"
	"errors"
	"fmt"

	"github.com/born-ml/wgpucore/internal/hal"
	"github.com/born-ml/wgpucore/internal/kernels"
)

// Error kinds. Every error returned by the package matches exactly one of
// them with errors.Is.
var (
	// ErrDeviceUnavailable means no adapter exists, the ordinal is out of
	// range, or the GPU library could not be loaded.
	ErrDeviceUnavailable = errors.New("device unavailable")
	// ErrDeviceRequestFailed means an adapter exists but refused the device
	// or could not meet the requested limits.
	ErrDeviceRequestFailed = errors.New("device request failed")
	// ErrUnsupportedOperation means the call is not allowed in this
	// environment, such as a blocking call in the browser.
	ErrUnsupportedOperation = errors.New("unsupported operation")
	// ErrShapeOrTypeMismatch means operand counts, shapes or dtypes disagree.
	ErrShapeOrTypeMismatch = errors.New("shape or type mismatch")
	// ErrCompilationFailed means a kernel did not compile or does not exist
	// for the dtype.
	ErrCompilationFailed = errors.New("compilation failed")
	// ErrCrossDeviceBinding means an operand lives on another device.
	ErrCrossDeviceBinding = errors.New("cross-device binding")
	// ErrAllocationFailed means the device or the memory budget refused a
	// buffer.
	ErrAllocationFailed = errors.New("allocation failed")
	// ErrReleased means the device or storage was already released.
	ErrReleased = errors.New("use of released resource")
)

// Error is the error type returned by the backend.
type Error struct {
	Op   string // operation, e.g. "matmul"
	Kind error  // one of the Err* kinds
	Err  error  // underlying cause, may be nil
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("webgpu: %s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("webgpu: %s: %v: %v", e.Op, e.Kind, e.Err)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error { return e.Err }

// Is matches the error kind.
func (e *Error) Is(target error) bool { return target == e.Kind }

func newError(op string, kind, err error) *Error {
	return &Error{Op: op, Kind: kind, Err: err}
}

func errorf(op string, kind error, format string, args ...any) *Error {
	return &Error{Op: op, Kind: kind, Err: fmt.Errorf(format, args...)}
}

// classify wraps a driver error with the matching kind. Context errors pass
// through untouched so callers see context.Canceled as such.
func classify(op string, fallback, err error) error {
	var e *Error
	switch {
	case err == nil:
		return nil
	case errors.As(err, &e):
		return err
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("webgpu: %s: %w", op, err)
	case errors.Is(err, hal.ErrNoAdapter):
		return newError(op, ErrDeviceUnavailable, err)
	case errors.Is(err, hal.ErrDeviceRequest):
		return newError(op, ErrDeviceRequestFailed, err)
	case errors.Is(err, hal.ErrOutOfMemory):
		return newError(op, ErrAllocationFailed, err)
	case errors.Is(err, hal.ErrCompile), errors.Is(err, kernels.ErrUnsupported):
		return newError(op, ErrCompilationFailed, err)
	default:
		return newError(op, fallback, err)
	}
}

// IsFallback reports whether err means GPU acceleration is unavailable and a
// caller should fall back to the CPU.
func IsFallback(err error) bool {
	return errors.Is(err, ErrDeviceUnavailable) ||
		errors.Is(err, ErrDeviceRequestFailed) ||
		errors.Is(err, ErrUnsupportedOperation)
}
