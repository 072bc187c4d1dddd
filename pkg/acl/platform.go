// Package acl is the application-facing runtime: devices, contexts, streams,
// events, device memory and cross-process memory sharing.
//
// A Platform stands for one machine: the driver and the export table that
// every process on it shares. Each Runtime is one process attached to the
// platform. Handles are explicit; nothing depends on which goroutine calls.
package acl

import (
	"fmt"
	"sync"

	"github.com/fxnlabs/aclrt/internal/config"
	"github.com/fxnlabs/aclrt/internal/device"
	"github.com/fxnlabs/aclrt/internal/ipc"
	"github.com/fxnlabs/aclrt/internal/logger"
	"github.com/fxnlabs/aclrt/internal/metrics"
	"go.uber.org/zap"
)

// Platform owns the driver and the machine-wide IPC table.
type Platform struct {
	cfg      *config.Config
	logger   *zap.Logger
	driver   device.Driver
	registry *ipc.Registry

	mu       sync.Mutex
	runtimes map[*Runtime]struct{}
	closed   bool

	pinnedMu   sync.Mutex
	pinnedUsed int64
}

// NewPlatform builds the driver selected by cfg and initializes it.
func NewPlatform(cfg *config.Config, log *zap.Logger) (*Platform, error) {
	log = logger.OrNop(log)
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, newError(InvalidArgument, "platform.new", err)
	}
	drv, err := device.New(cfg, log.Named("driver"))
	if err != nil {
		return nil, newError(InvalidArgument, "platform.new", err)
	}
	return NewPlatformWithDriver(cfg, drv, log)
}

// NewPlatformWithDriver uses an already constructed driver.
func NewPlatformWithDriver(cfg *config.Config, drv device.Driver, log *zap.Logger) (*Platform, error) {
	log = logger.OrNop(log)
	if cfg == nil {
		cfg = config.Default()
	}
	policy, err := ipc.ParsePolicy(cfg.IPC.DefaultPolicy)
	if err != nil {
		return nil, newError(InvalidArgument, "platform.new", err)
	}
	if err := drv.Init(); err != nil {
		return nil, wrap("platform.new", fmt.Errorf("driver init: %w", err))
	}
	return &Platform{
		cfg:      cfg,
		logger:   log,
		driver:   drv,
		registry: ipc.NewRegistry(policy, cfg.IPC.MaxKeyLength, log),
		runtimes: make(map[*Runtime]struct{}),
	}, nil
}

// RegisterKernel makes a kernel available to every runtime on the platform.
func (p *Platform) RegisterKernel(name string, k device.Kernel) error {
	if err := p.driver.RegisterKernel(name, k); err != nil {
		return newError(InvalidArgument, "platform.register_kernel", err)
	}
	return nil
}

// DeviceCount returns the number of device slots on the machine.
func (p *Platform) DeviceCount() int {
	return p.driver.DeviceCount()
}

// DeviceInfo describes a device slot without binding to it.
func (p *Platform) DeviceInfo(id int) (device.DeviceInfo, error) {
	info, err := p.driver.DeviceInfo(id)
	return info, wrap("platform.device_info", err)
}

// IPCStats reports the open exports and imports across all processes.
func (p *Platform) IPCStats() ipc.Stats {
	return p.registry.Stats()
}

// NewRuntime initializes the runtime for one process.
func (p *Platform) NewRuntime() (*Runtime, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, newError(InvalidHandle, "runtime.init", ErrFinalized)
	}
	tgid, err := p.driver.Attach()
	if err != nil {
		return nil, wrap("runtime.init", err)
	}
	rt := newRuntime(p, tgid)
	p.runtimes[rt] = struct{}{}
	return rt, nil
}

func (p *Platform) forget(rt *Runtime) {
	p.mu.Lock()
	delete(p.runtimes, rt)
	p.mu.Unlock()
}

// Close finalizes every runtime still attached and then the driver.
func (p *Platform) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	runtimes := make([]*Runtime, 0, len(p.runtimes))
	for rt := range p.runtimes {
		runtimes = append(runtimes, rt)
	}
	p.mu.Unlock()

	var firstErr error
	for _, rt := range runtimes {
		if err := rt.Finalize(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := p.driver.Finalize(); err != nil && firstErr == nil {
		firstErr = wrap("platform.close", err)
	}
	return firstErr
}

func (p *Platform) reservePinned(size int64) error {
	p.pinnedMu.Lock()
	defer p.pinnedMu.Unlock()
	if p.pinnedUsed+size > p.cfg.Device.HostPinnedBytes {
		return fmt.Errorf("%w: need %d bytes, %d available", ErrPinnedExhausted, size, p.cfg.Device.HostPinnedBytes-p.pinnedUsed)
	}
	p.pinnedUsed += size
	metrics.HostPinnedUsedBytes.Set(float64(p.pinnedUsed))
	return nil
}

func (p *Platform) releasePinned(size int64) {
	p.pinnedMu.Lock()
	defer p.pinnedMu.Unlock()
	p.pinnedUsed -= size
	metrics.HostPinnedUsedBytes.Set(float64(p.pinnedUsed))
}
