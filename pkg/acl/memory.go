package acl

import (
	"fmt"
	"sync/atomic"

	"github.com/fxnlabs/aclrt/internal/device"
	"github.com/fxnlabs/aclrt/internal/ipc"
)

// Residency says where a memory region lives.
type Residency int

const (
	HostNormal Residency = iota
	HostPinned
	DeviceResident
)

func (r Residency) String() string {
	switch r {
	case HostNormal:
		return "host"
	case HostPinned:
		return "host-pinned"
	case DeviceResident:
		return "device"
	default:
		return fmt.Sprintf("Residency(%d)", int(r))
	}
}

func (r Residency) onHost() bool {
	return r == HostNormal || r == HostPinned
}

// MemcpyKind is the direction of a copy.
type MemcpyKind int

const (
	HostToHost MemcpyKind = iota
	HostToDevice
	DeviceToHost
	DeviceToDevice
	// MemcpyDefault infers the direction from the residencies.
	MemcpyDefault
)

func (k MemcpyKind) String() string {
	switch k {
	case HostToHost:
		return "H2H"
	case HostToDevice:
		return "H2D"
	case DeviceToHost:
		return "D2H"
	case DeviceToDevice:
		return "D2D"
	case MemcpyDefault:
		return "default"
	default:
		return fmt.Sprintf("MemcpyKind(%d)", int(k))
	}
}

// Memory is a region of host or device memory. Device memory is either
// allocated by its context or imported through IPC.
type Memory struct {
	ctx       *Context
	residency Residency
	policy    device.AllocPolicy
	size      int64

	host   []byte
	buf    *device.Buffer
	handle *ipc.Handle

	freed atomic.Bool
}

// HostMemory wraps caller-owned bytes as a HostNormal region usable as a copy
// operand. Closing it is a no-op.
func HostMemory(b []byte) *Memory {
	return &Memory{residency: HostNormal, size: int64(len(b)), host: b}
}

func (m *Memory) Size() int64                { return m.size }
func (m *Memory) Residency() Residency       { return m.residency }
func (m *Memory) Policy() device.AllocPolicy { return m.policy }

// Imported reports whether the region was obtained with IpcImport.
func (m *Memory) Imported() bool { return m.handle != nil }

// Bytes exposes host-resident memory. Device memory is reachable only
// through copies and kernels.
func (m *Memory) Bytes() ([]byte, error) {
	if m == nil {
		return nil, newError(InvalidArgument, "memory.bytes", ErrNilArgument)
	}
	if m.freed.Load() {
		return nil, newError(InvalidHandle, "memory.bytes", ErrMemoryFreed)
	}
	if !m.residency.onHost() {
		return nil, newError(InvalidArgument, "memory.bytes", ErrNotHostMemory)
	}
	return m.host, nil
}

// Close frees the region. For imported memory only the import is released;
// the exporter's memory stays allocated.
func (m *Memory) Close() error {
	if m.ctx == nil {
		return nil
	}
	return m.ctx.Free(m)
}

// deviceBuffer resolves device memory to the physical buffer behind it.
func (m *Memory) deviceBuffer() (*device.Buffer, error) {
	if m.freed.Load() {
		return nil, ErrMemoryFreed
	}
	if m.handle != nil {
		return m.handle.Buffer()
	}
	if m.buf.Freed() {
		return nil, ErrMemoryFreed
	}
	return m.buf, nil
}

// contents returns the bytes the copy engine reads and writes.
func (m *Memory) contents() ([]byte, error) {
	if m.residency.onHost() {
		if m.freed.Load() {
			return nil, ErrMemoryFreed
		}
		return m.host, nil
	}
	buf, err := m.deviceBuffer()
	if err != nil {
		return nil, err
	}
	b := buf.Bytes()
	if b == nil {
		return nil, ErrMemoryFreed
	}
	return b, nil
}

// checkOperand validates memory passed to a stream of runtime rt.
func checkOperand(op string, rt *Runtime, m *Memory) error {
	if m == nil {
		return newError(InvalidArgument, op, ErrNilArgument)
	}
	if m.freed.Load() {
		return newError(InvalidHandle, op, ErrMemoryFreed)
	}
	if m.ctx != nil && m.ctx.dev.rt != rt {
		return newError(InvalidArgument, op, ErrWrongContext)
	}
	if m.residency == DeviceResident {
		if _, err := m.deviceBuffer(); err != nil {
			return wrap(op, err)
		}
	}
	return nil
}

// checkCopy validates a copy of n bytes from src to dst at submission time.
func checkCopy(op string, rt *Runtime, dst, src *Memory, n int64, kind MemcpyKind) error {
	if err := checkOperand(op, rt, dst); err != nil {
		return err
	}
	if err := checkOperand(op, rt, src); err != nil {
		return err
	}
	if n < 0 || n > dst.size || n > src.size {
		return newError(InvalidArgument, op,
			fmt.Errorf("%w: copy of %d bytes, dst %d, src %d", ErrOutOfRange, n, dst.size, src.size))
	}
	var wantSrcHost, wantDstHost bool
	switch kind {
	case MemcpyDefault:
		return nil
	case HostToHost:
		wantSrcHost, wantDstHost = true, true
	case HostToDevice:
		wantSrcHost, wantDstHost = true, false
	case DeviceToHost:
		wantSrcHost, wantDstHost = false, true
	case DeviceToDevice:
		wantSrcHost, wantDstHost = false, false
	default:
		return newError(InvalidArgument, op, fmt.Errorf("%w: %s", ErrCopyKind, kind))
	}
	if src.residency.onHost() != wantSrcHost || dst.residency.onHost() != wantDstHost {
		return newError(InvalidArgument, op,
			fmt.Errorf("%w: %s from %s to %s", ErrCopyKind, kind, src.residency, dst.residency))
	}
	return nil
}

// checkSet validates a fill of n bytes of dst.
func checkSet(op string, rt *Runtime, dst *Memory, n int64) error {
	if err := checkOperand(op, rt, dst); err != nil {
		return err
	}
	if n < 0 || n > dst.size {
		return newError(InvalidArgument, op, fmt.Errorf("%w: fill of %d bytes, region %d", ErrOutOfRange, n, dst.size))
	}
	return nil
}
