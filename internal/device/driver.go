// Package device is the driver layer the runtime sits on: device slots,
// device memory, kernel execution and the device-subsystem view of process
// identity. Everything here is synchronous; ordering and asynchrony are the
// runtime's business.
package device

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrNotInitialized = errors.New("driver not initialized")
	ErrInvalidDevice  = errors.New("invalid device id")
	ErrUnknownProcess = errors.New("process not attached to driver")
	ErrOutOfMemory    = errors.New("device memory exhausted")
	ErrInvalidSize    = errors.New("invalid allocation size")
	ErrBufferFreed    = errors.New("buffer already freed")
	ErrUnknownKernel  = errors.New("unknown kernel")
	ErrKernelExists   = errors.New("kernel already registered")
	ErrExecution      = errors.New("device execution failed")
)

const (
	PageSize     = 4 << 10
	HugePageSize = 2 << 20
)

// AllocPolicy selects the page granularity of a device allocation.
type AllocPolicy int

const (
	// HugeFirst rounds to huge pages and falls back to normal pages when the
	// huge rounding does not fit.
	HugeFirst AllocPolicy = iota
	HugeOnly
	NormalOnly
)

func (p AllocPolicy) String() string {
	switch p {
	case HugeFirst:
		return "huge-first"
	case HugeOnly:
		return "huge-only"
	case NormalOnly:
		return "normal-only"
	default:
		return fmt.Sprintf("AllocPolicy(%d)", int(p))
	}
}

// DeviceInfo contains information about one device slot.
type DeviceInfo struct {
	ID                int    `json:"id"`
	Name              string `json:"name"`
	TotalMemory       int64  `json:"totalMemory"`     // in bytes
	AvailableMemory   int64  `json:"availableMemory"` // in bytes
	ComputeCapability string `json:"computeCapability"`
	DriverVersion     string `json:"driverVersion"`
}

// KernelArgs are the operands of one kernel invocation. Buffers are device
// buffers; Params are scalar parameters whose meaning is kernel specific.
type KernelArgs struct {
	Buffers []*Buffer
	Params  []int64
}

// Kernel runs to completion on a device. A returned error is reported to the
// caller as a hardware-level execution failure.
type Kernel func(ctx context.Context, args KernelArgs) error

// Driver is the narrow synchronous interface of the kernel-mode driver.
//
// Implementation notes:
//   - Every method must be safe for concurrent use; several runtimes (one
//     per process) share one driver.
//   - Process identity is the driver's own: Attach hands out the id the
//     device subsystem uses, which is not the OS pid.
//   - Resetting a device or detaching a process releases everything that
//     process allocated on it.
type Driver interface {
	// Init prepares the driver. Must be called once before any other call.
	Init() error

	// Finalize releases every device allocation and detaches all processes.
	Finalize() error

	// Attach registers a process and returns its device-subsystem pid.
	Attach() (uint32, error)

	// Detach releases the process and every allocation it still holds.
	Detach(tgid uint32) error

	DeviceCount() int

	// OpenDevice binds a device slot to a process.
	OpenDevice(tgid uint32, id int) error

	// ResetDevice releases the binding and every allocation the process holds
	// on the device.
	ResetDevice(tgid uint32, id int) error

	DeviceInfo(id int) (DeviceInfo, error)

	// Alloc reserves device memory for a process.
	Alloc(tgid uint32, id int, size int64, policy AllocPolicy) (*Buffer, error)

	Free(b *Buffer) error

	// Launch runs one kernel on device id and returns when it has finished.
	Launch(ctx context.Context, id int, name string, args KernelArgs) error

	RegisterKernel(name string, k Kernel) error

	HasKernel(name string) bool
}
