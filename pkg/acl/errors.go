package acl

import (
	"context"
	"errors"
	"fmt"

	"github.com/fxnlabs/aclrt/internal/device"
	"github.com/fxnlabs/aclrt/internal/ipc"
	"github.com/fxnlabs/aclrt/internal/worker"
)

// Code classifies every error the runtime returns.
type Code int

const (
	Success Code = iota
	InvalidHandle
	InvalidArgument
	NotFound
	NotAuthorized
	Timeout
	DeviceExecutionFailed
	AlreadyExported
	ResourceExhausted
	InternalError
)

func (c Code) String() string {
	switch c {
	case Success:
		return "success"
	case InvalidHandle:
		return "invalid handle"
	case InvalidArgument:
		return "invalid argument"
	case NotFound:
		return "not found"
	case NotAuthorized:
		return "not authorized"
	case Timeout:
		return "timeout"
	case DeviceExecutionFailed:
		return "device execution failed"
	case AlreadyExported:
		return "already exported"
	case ResourceExhausted:
		return "resource exhausted"
	case InternalError:
		return "internal error"
	default:
		return fmt.Sprintf("Code(%d)", int(c))
	}
}

// Error is the error type of every runtime call. Match on the code with
// errors.Is(err, acl.ErrNotAuthorized) and friends, or use CodeOf.
type Error struct {
	Code Code
	Op   string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Op == "" && e.Err == nil:
		return e.Code.String()
	case e.Err == nil:
		return e.Op + ": " + e.Code.String()
	default:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Code, e.Err)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the bare code sentinels below.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Op == "" && t.Err == nil && t.Code == e.Code
}

var (
	ErrInvalidHandle         = &Error{Code: InvalidHandle}
	ErrInvalidArgument       = &Error{Code: InvalidArgument}
	ErrNotFound              = &Error{Code: NotFound}
	ErrNotAuthorized         = &Error{Code: NotAuthorized}
	ErrTimeout               = &Error{Code: Timeout}
	ErrDeviceExecutionFailed = &Error{Code: DeviceExecutionFailed}
	ErrAlreadyExported       = &Error{Code: AlreadyExported}
	ErrResourceExhausted     = &Error{Code: ResourceExhausted}
	ErrInternal              = &Error{Code: InternalError}
)

// Causes carried inside an *Error.
var (
	ErrFinalized         = errors.New("runtime finalized")
	ErrDeviceNotSet      = errors.New("device not set")
	ErrContextDestroyed  = errors.New("context destroyed")
	ErrStreamDestroyed   = errors.New("stream destroyed")
	ErrDefaultStream     = errors.New("default stream is owned by its context")
	ErrCommandDropped    = errors.New("command dropped: stream poisoned by an earlier failure")
	ErrCommandCancelled  = errors.New("command cancelled by forced stream destruction")
	ErrFailureObserved   = errors.New("failure mode must be set before any command fails")
	ErrEventNotRecorded  = errors.New("event was never recorded")
	ErrEventIncomplete   = errors.New("event has not completed")
	ErrEventDestroyed    = errors.New("event destroyed")
	ErrMemoryFreed       = errors.New("memory freed")
	ErrNotHostMemory     = errors.New("memory is not host accessible")
	ErrWrongContext      = errors.New("memory belongs to another context")
	ErrCopyKind          = errors.New("copy kind does not match memory residency")
	ErrOutOfRange        = errors.New("size exceeds memory region")
	ErrNotExportable     = errors.New("only device memory allocated by this process can be exported")
	ErrPinnedExhausted   = errors.New("host pinned memory exhausted")
	ErrNilArgument       = errors.New("nil argument")
	ErrUnknownFailure    = errors.New("unknown failure mode")
	ErrForeignCallback   = errors.New("host callback failed")
	ErrContextNotCurrent = errors.New("no current context")
)

func newError(code Code, op string, err error) *Error {
	return &Error{Code: code, Op: op, Err: err}
}

// wrap classifies err from a lower layer and attaches op. Errors that
// already carry a code keep it.
func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	return newError(classify(err), op, err)
}

func classify(err error) Code {
	switch {
	case errors.Is(err, device.ErrExecution),
		errors.Is(err, worker.ErrPanic):
		return DeviceExecutionFailed
	case errors.Is(err, device.ErrOutOfMemory):
		return ResourceExhausted
	case errors.Is(err, device.ErrInvalidDevice),
		errors.Is(err, device.ErrUnknownKernel),
		errors.Is(err, device.ErrInvalidSize),
		errors.Is(err, ipc.ErrInvalidKey):
		return InvalidArgument
	case errors.Is(err, device.ErrNotInitialized),
		errors.Is(err, device.ErrUnknownProcess),
		errors.Is(err, device.ErrBufferFreed),
		errors.Is(err, ipc.ErrHandleClosed),
		errors.Is(err, worker.ErrStopped):
		return InvalidHandle
	case errors.Is(err, ipc.ErrNotFound):
		return NotFound
	case errors.Is(err, ipc.ErrNotAuthorized):
		return NotAuthorized
	case errors.Is(err, ipc.ErrAlreadyExported),
		errors.Is(err, ipc.ErrKeyInUse):
		return AlreadyExported
	case errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		return Timeout
	default:
		return InternalError
	}
}

// CodeOf returns the code carried by err. Nil is Success; errors that did
// not come from the runtime are InternalError.
func CodeOf(err error) Code {
	if err == nil {
		return Success
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return classify(err)
}
