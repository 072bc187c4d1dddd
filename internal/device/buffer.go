package device

import "sync/atomic"

// Buffer is one device allocation. The backing bytes are the physical memory:
// every handle that refers to the same Buffer sees the same contents.
type Buffer struct {
	id       uint64
	device   int
	owner    uint32
	policy   AllocPolicy
	reserved int64
	data     []byte
	freed    atomic.Bool
}

func (b *Buffer) ID() uint64          { return b.id }
func (b *Buffer) Device() int         { return b.device }
func (b *Buffer) Owner() uint32       { return b.owner }
func (b *Buffer) Policy() AllocPolicy { return b.policy }

// Size is the requested size in bytes.
func (b *Buffer) Size() int64 { return int64(len(b.data)) }

// Reserved is the size after page rounding, as charged to the device.
func (b *Buffer) Reserved() int64 { return b.reserved }

func (b *Buffer) Freed() bool { return b.freed.Load() }

// Bytes exposes device memory to the driver's execution engine and to the
// runtime's copy engine. It returns nil once the buffer is freed.
func (b *Buffer) Bytes() []byte {
	if b.freed.Load() {
		return nil
	}
	return b.data
}
