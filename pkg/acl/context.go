package acl

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/fxnlabs/aclrt/internal/device"
	"go.uber.org/zap"
)

// Context is an execution scope on one device. It owns a default stream and
// every stream, event and memory region created through it.
type Context struct {
	id     uint64
	dev    *Device
	logger *zap.Logger

	defaultStream *Stream

	mu        sync.Mutex
	streams   map[*Stream]struct{}
	events    map[*Event]struct{}
	memory    map[*Memory]struct{}
	destroyed bool
}

func newContext(d *Device) (*Context, error) {
	id := d.rt.nextContextID.Add(1)
	c := &Context{
		id:      id,
		dev:     d,
		logger:  d.logger.With(zap.Uint64("context", id)),
		streams: make(map[*Stream]struct{}),
		events:  make(map[*Event]struct{}),
		memory:  make(map[*Memory]struct{}),
	}
	s, err := newStream(c, true, WithName(fmt.Sprintf("default-%d", id)))
	if err != nil {
		return nil, err
	}
	c.defaultStream = s
	c.streams[s] = struct{}{}
	return c, nil
}

func (c *Context) ID() uint64      { return c.id }
func (c *Context) Device() *Device { return c.dev }

// DefaultStream returns the stream created with the context. It lives until
// the context is destroyed.
func (c *Context) DefaultStream() *Stream {
	return c.defaultStream
}

func (c *Context) isDestroyed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.destroyed
}

func (c *Context) CreateStream(opts ...StreamOption) (*Stream, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed {
		return nil, newError(InvalidHandle, "context.create_stream", ErrContextDestroyed)
	}
	s, err := newStream(c, false, opts...)
	if err != nil {
		return nil, err
	}
	c.streams[s] = struct{}{}
	return s, nil
}

func (c *Context) forgetStream(s *Stream) {
	c.mu.Lock()
	delete(c.streams, s)
	c.mu.Unlock()
}

func (c *Context) CreateEvent() (*Event, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed {
		return nil, newError(InvalidHandle, "context.create_event", ErrContextDestroyed)
	}
	e := &Event{id: c.dev.rt.nextEventID.Add(1), ctx: c}
	c.events[e] = struct{}{}
	return e, nil
}

func (c *Context) forgetEvent(e *Event) {
	c.mu.Lock()
	delete(c.events, e)
	c.mu.Unlock()
}

// track registers memory with the context unless it is being destroyed.
func (c *Context) track(op string, m *Memory) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed {
		return newError(InvalidHandle, op, ErrContextDestroyed)
	}
	c.memory[m] = struct{}{}
	return nil
}

// Malloc allocates device memory on the context's device.
func (c *Context) Malloc(size int64, policy device.AllocPolicy) (*Memory, error) {
	const op = "context.malloc"
	if c.isDestroyed() {
		return nil, newError(InvalidHandle, op, ErrContextDestroyed)
	}
	rt := c.dev.rt
	buf, err := rt.platform.driver.Alloc(rt.tgid, c.dev.id, size, policy)
	if err != nil {
		return nil, wrap(op, err)
	}
	m := &Memory{ctx: c, residency: DeviceResident, policy: policy, size: size, buf: buf}
	if err := c.track(op, m); err != nil {
		_ = rt.platform.driver.Free(buf)
		return nil, err
	}
	return m, nil
}

// MallocHost allocates page-locked host memory, charged against the
// machine's pinned memory budget.
func (c *Context) MallocHost(size int64) (*Memory, error) {
	const op = "context.malloc_host"
	if size <= 0 {
		return nil, newError(InvalidArgument, op, fmt.Errorf("%w: %d", device.ErrInvalidSize, size))
	}
	if c.isDestroyed() {
		return nil, newError(InvalidHandle, op, ErrContextDestroyed)
	}
	p := c.dev.rt.platform
	if err := p.reservePinned(size); err != nil {
		return nil, newError(ResourceExhausted, op, err)
	}
	m := &Memory{ctx: c, residency: HostPinned, size: size, host: make([]byte, size)}
	if err := c.track(op, m); err != nil {
		p.releasePinned(size)
		return nil, err
	}
	return m, nil
}

// Free releases memory allocated or imported through this context. Freeing
// exported memory closes its export.
func (c *Context) Free(m *Memory) error {
	const op = "context.free"
	if m == nil {
		return newError(InvalidArgument, op, ErrNilArgument)
	}
	if m.ctx != c {
		return newError(InvalidArgument, op, ErrWrongContext)
	}
	c.mu.Lock()
	_, ok := c.memory[m]
	delete(c.memory, m)
	c.mu.Unlock()
	if !ok {
		return newError(InvalidHandle, op, ErrMemoryFreed)
	}
	return wrap(op, c.release(m))
}

func (c *Context) release(m *Memory) error {
	if !m.freed.CompareAndSwap(false, true) {
		return nil
	}
	p := c.dev.rt.platform
	switch {
	case m.handle != nil:
		return m.handle.Release()
	case m.residency == DeviceResident:
		p.registry.CloseBuffer(m.buf)
		if err := p.driver.Free(m.buf); err != nil && !errors.Is(err, device.ErrBufferFreed) {
			return err
		}
	case m.residency == HostPinned:
		p.releasePinned(m.size)
	}
	return nil
}

// Memcpy copies n bytes on the default stream and returns once the copy has
// settled. Execution errors are returned directly.
func (c *Context) Memcpy(dst, src *Memory, n int64, kind MemcpyKind) error {
	t, err := c.defaultStream.MemcpyAsync(dst, src, n, kind)
	if err != nil {
		return err
	}
	return t.Wait(context.Background())
}

// Memset fills n bytes of dst on the default stream and waits for it.
func (c *Context) Memset(dst *Memory, value byte, n int64) error {
	t, err := c.defaultStream.MemsetAsync(dst, value, n)
	if err != nil {
		return err
	}
	return t.Wait(context.Background())
}

// Synchronize waits for every stream of the context and returns the first
// error.
func (c *Context) Synchronize(ctx context.Context) error {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return newError(InvalidHandle, "context.synchronize", ErrContextDestroyed)
	}
	streams := make([]*Stream, 0, len(c.streams))
	for s := range c.streams {
		streams = append(streams, s)
	}
	c.mu.Unlock()

	var firstErr error
	for _, s := range streams {
		err := s.Synchronize(ctx)
		if errors.Is(err, ErrStreamDestroyed) {
			continue
		}
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Destroy force-destroys every stream of the context, invalidates its events
// and frees its memory. Later calls are no-ops.
func (c *Context) Destroy() error {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return nil
	}
	c.destroyed = true
	streams := make([]*Stream, 0, len(c.streams))
	for s := range c.streams {
		streams = append(streams, s)
	}
	events := make([]*Event, 0, len(c.events))
	for e := range c.events {
		events = append(events, e)
	}
	memory := make([]*Memory, 0, len(c.memory))
	for m := range c.memory {
		memory = append(memory, m)
	}
	c.events = make(map[*Event]struct{})
	c.memory = make(map[*Memory]struct{})
	c.mu.Unlock()

	for _, s := range streams {
		s.destroy(true)
	}
	for _, e := range events {
		e.markDestroyed()
	}
	var firstErr error
	for _, m := range memory {
		if err := c.release(m); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	c.dev.forget(c)
	c.dev.rt.forgetContext(c)
	c.logger.Debug("context destroyed",
		zap.Int("streams", len(streams)),
		zap.Int("events", len(events)),
		zap.Int("memory", len(memory)))
	return wrap("context.destroy", firstErr)
}
