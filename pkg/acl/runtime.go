package acl

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fxnlabs/aclrt/internal/worker"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Runtime is one process's view of the platform. It owns the callback
// workers and the explicit current-device/current-context selection.
type Runtime struct {
	platform    *Platform
	logger      *zap.Logger
	tgid        uint32
	callbacks   *worker.Pool
	syncTimeout time.Duration

	nextContextID atomic.Uint64
	nextStreamID  atomic.Uint64
	nextEventID   atomic.Uint64

	mu         sync.Mutex
	devices    map[int]*Device
	current    *Device
	currentCtx *Context
	finalized  bool
}

func newRuntime(p *Platform, tgid uint32) *Runtime {
	log := p.logger.Named("runtime").With(zap.Uint32("pid", tgid))
	rt := &Runtime{
		platform:    p,
		logger:      log,
		tgid:        tgid,
		callbacks:   worker.New(p.cfg.Runtime.CallbackWorkers, p.cfg.Runtime.CallbackQueue, log),
		syncTimeout: p.cfg.Runtime.SyncTimeout,
		devices:     make(map[int]*Device),
	}
	log.Info("runtime initialized", zap.Int("callback_workers", p.cfg.Runtime.CallbackWorkers))
	return rt
}

// BareTgid returns the pid the device subsystem knows this process by. It is
// the identity to hand to an exporter for its import whitelist.
func (rt *Runtime) BareTgid() uint32 {
	return rt.tgid
}

// Platform returns the machine this runtime is attached to.
func (rt *Runtime) Platform() *Platform {
	return rt.platform
}

func (rt *Runtime) checkLocked(op string) error {
	if rt.finalized {
		return newError(InvalidHandle, op, ErrFinalized)
	}
	return nil
}

func (rt *Runtime) alive(op string) error {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.checkLocked(op)
}

// SetDevice binds device id to the process and makes it current. Calling it
// again for the same id returns the same handle.
func (rt *Runtime) SetDevice(id int) (*Device, error) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if err := rt.checkLocked("runtime.set_device"); err != nil {
		return nil, err
	}
	if d, ok := rt.devices[id]; ok {
		rt.current = d
		return d, nil
	}
	if err := rt.platform.driver.OpenDevice(rt.tgid, id); err != nil {
		return nil, wrap("runtime.set_device", err)
	}
	d := newDevice(rt, id)
	rt.devices[id] = d
	rt.current = d
	rt.logger.Info("device set", zap.Int("device", id))
	return d, nil
}

// CurrentDevice returns the device selected by the last SetDevice.
func (rt *Runtime) CurrentDevice() (*Device, error) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if err := rt.checkLocked("runtime.current_device"); err != nil {
		return nil, err
	}
	if rt.current == nil {
		return nil, newError(InvalidHandle, "runtime.current_device", ErrDeviceNotSet)
	}
	return rt.current, nil
}

// SetCurrentContext records c as the process's current context and its
// device as the current device.
func (rt *Runtime) SetCurrentContext(c *Context) error {
	if c == nil {
		return newError(InvalidArgument, "runtime.set_current_context", ErrNilArgument)
	}
	if c.dev.rt != rt {
		return newError(InvalidHandle, "runtime.set_current_context", ErrWrongContext)
	}
	if c.isDestroyed() {
		return newError(InvalidHandle, "runtime.set_current_context", ErrContextDestroyed)
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if err := rt.checkLocked("runtime.set_current_context"); err != nil {
		return err
	}
	rt.currentCtx = c
	rt.current = c.dev
	return nil
}

// CurrentContext returns the context selected by SetCurrentContext.
func (rt *Runtime) CurrentContext() (*Context, error) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if err := rt.checkLocked("runtime.current_context"); err != nil {
		return nil, err
	}
	if rt.currentCtx == nil {
		return nil, newError(InvalidHandle, "runtime.current_context", ErrContextNotCurrent)
	}
	return rt.currentCtx, nil
}

func (rt *Runtime) forgetContext(c *Context) {
	rt.mu.Lock()
	if rt.currentCtx == c {
		rt.currentCtx = nil
	}
	rt.mu.Unlock()
}

// ResetDeviceForce destroys every context on the device, force-destroying
// their streams, and releases the process's memory on it.
func (rt *Runtime) ResetDeviceForce(id int) error {
	rt.mu.Lock()
	if err := rt.checkLocked("runtime.reset_device"); err != nil {
		rt.mu.Unlock()
		return err
	}
	d, ok := rt.devices[id]
	if !ok {
		rt.mu.Unlock()
		return newError(InvalidArgument, "runtime.reset_device", ErrDeviceNotSet)
	}
	delete(rt.devices, id)
	if rt.current == d {
		rt.current = nil
	}
	if rt.currentCtx != nil && rt.currentCtx.dev == d {
		rt.currentCtx = nil
	}
	rt.mu.Unlock()

	return d.reset()
}

// Finalize resets every device the process set, stops the callback workers
// and detaches from the driver. Later calls are no-ops.
func (rt *Runtime) Finalize() error {
	rt.mu.Lock()
	if rt.finalized {
		rt.mu.Unlock()
		return nil
	}
	rt.finalized = true
	devices := make([]*Device, 0, len(rt.devices))
	for _, d := range rt.devices {
		devices = append(devices, d)
	}
	rt.devices = make(map[int]*Device)
	rt.current = nil
	rt.currentCtx = nil
	rt.mu.Unlock()

	var g errgroup.Group
	for _, d := range devices {
		g.Go(d.reset)
	}
	err := g.Wait()

	if n := rt.platform.registry.CloseOwnedBy(rt.tgid); n > 0 {
		rt.logger.Info("closed exports left open at finalize", zap.Int("count", n))
	}
	rt.callbacks.Stop()
	if derr := rt.platform.driver.Detach(rt.tgid); derr != nil && err == nil {
		err = derr
	}
	rt.platform.forget(rt)
	rt.logger.Info("runtime finalized")
	return wrap("runtime.finalize", err)
}

// withDefaultTimeout applies runtime.syncTimeout to waits that carry no
// deadline of their own.
func (rt *Runtime) withDefaultTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if _, ok := ctx.Deadline(); ok || rt.syncTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, rt.syncTimeout)
}
