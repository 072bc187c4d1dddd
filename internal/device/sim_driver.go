package device

import (
	"context"
	"fmt"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/fxnlabs/aclrt/internal/metrics"
	"go.uber.org/zap"
)

// tgidBase keeps simulated device-subsystem pids far away from real OS pids,
// so code that mixes them up fails loudly in tests.
const tgidBase uint32 = 0x40000000

// simDevice is one device slot of the simulated driver and its memory arena.
type simDevice struct {
	id       int
	mu       sync.Mutex
	capacity int64
	used     int64
	buffers  map[uint64]*Buffer
	openedBy map[uint32]struct{}
}

// reserve charges an allocation of size bytes against the arena and returns
// the rounded size (must hold lock).
func (d *simDevice) reserve(size int64, policy AllocPolicy) (int64, error) {
	var reserved int64
	switch policy {
	case NormalOnly:
		reserved = roundUp(size, PageSize)
	case HugeOnly:
		reserved = roundUp(size, HugePageSize)
	case HugeFirst:
		reserved = roundUp(size, HugePageSize)
		if d.used+reserved > d.capacity {
			reserved = roundUp(size, PageSize)
		}
	default:
		return 0, fmt.Errorf("unknown allocation policy %s", policy)
	}
	if d.used+reserved > d.capacity {
		return 0, fmt.Errorf("%w: device %d needs %d bytes, %d available", ErrOutOfMemory, d.id, reserved, d.capacity-d.used)
	}
	d.used += reserved
	return reserved, nil
}

// release drops a buffer from the arena (must hold lock).
func (d *simDevice) release(b *Buffer) {
	if _, ok := d.buffers[b.id]; !ok {
		return
	}
	delete(d.buffers, b.id)
	d.used -= b.reserved
	b.freed.Store(true)
}

func (d *simDevice) publishUsage() {
	metrics.DeviceMemoryUsedBytes.WithLabelValues(strconv.Itoa(d.id)).Set(float64(d.used))
}

// SimDriver implements Driver in host memory. Kernels are Go functions run
// on the calling goroutine.
type SimDriver struct {
	logger      *zap.Logger
	memoryBytes int64

	mu          sync.RWMutex
	initialized bool
	devices     []*simDevice
	procs       map[uint32]struct{}
	nextTgid    uint32
	kernels     map[string]Kernel

	nextBufferID atomic.Uint64
}

// NewSimDriver creates a simulated driver with count devices of memoryBytes
// each. The built-in kernels are registered immediately.
func NewSimDriver(count int, memoryBytes int64, logger *zap.Logger) *SimDriver {
	d := &SimDriver{
		logger:      logger,
		memoryBytes: memoryBytes,
		devices:     make([]*simDevice, count),
		procs:       make(map[uint32]struct{}),
		nextTgid:    tgidBase,
		kernels:     make(map[string]Kernel),
	}
	for i := range d.devices {
		d.devices[i] = &simDevice{
			id:       i,
			capacity: memoryBytes,
			buffers:  make(map[uint64]*Buffer),
			openedBy: make(map[uint32]struct{}),
		}
	}
	for name, k := range builtinKernels() {
		d.kernels[name] = k
	}
	return d
}

// Init prepares the driver for use
func (d *SimDriver) Init() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.initialized {
		return nil
	}
	d.initialized = true
	d.logger.Info("simulated driver initialized",
		zap.Int("devices", len(d.devices)),
		zap.Int64("memory_bytes", d.memoryBytes))
	return nil
}

// Finalize releases every allocation and forgets all processes.
func (d *SimDriver) Finalize() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.initialized {
		return nil
	}
	for _, dev := range d.devices {
		dev.mu.Lock()
		for _, b := range dev.buffers {
			dev.release(b)
		}
		dev.openedBy = make(map[uint32]struct{})
		dev.publishUsage()
		dev.mu.Unlock()
	}
	d.procs = make(map[uint32]struct{})
	d.initialized = false
	d.logger.Info("simulated driver finalized")
	return nil
}

func (d *SimDriver) Attach() (uint32, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.initialized {
		return 0, ErrNotInitialized
	}
	d.nextTgid++
	tgid := d.nextTgid
	d.procs[tgid] = struct{}{}
	d.logger.Debug("process attached", zap.Uint32("pid", tgid))
	return tgid, nil
}

func (d *SimDriver) Detach(tgid uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.procs[tgid]; !ok {
		return fmt.Errorf("%w: pid %d", ErrUnknownProcess, tgid)
	}
	for _, dev := range d.devices {
		d.releaseOwned(dev, tgid)
	}
	delete(d.procs, tgid)
	d.logger.Debug("process detached", zap.Uint32("pid", tgid))
	return nil
}

func (d *SimDriver) DeviceCount() int {
	return len(d.devices)
}

// lookup validates the driver state, the process and the device id.
func (d *SimDriver) lookup(tgid uint32, id int) (*simDevice, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if !d.initialized {
		return nil, ErrNotInitialized
	}
	if _, ok := d.procs[tgid]; !ok {
		return nil, fmt.Errorf("%w: pid %d", ErrUnknownProcess, tgid)
	}
	if id < 0 || id >= len(d.devices) {
		return nil, fmt.Errorf("%w: %d (have %d)", ErrInvalidDevice, id, len(d.devices))
	}
	return d.devices[id], nil
}

func (d *SimDriver) OpenDevice(tgid uint32, id int) error {
	dev, err := d.lookup(tgid, id)
	if err != nil {
		return err
	}
	dev.mu.Lock()
	dev.openedBy[tgid] = struct{}{}
	dev.mu.Unlock()
	return nil
}

func (d *SimDriver) ResetDevice(tgid uint32, id int) error {
	dev, err := d.lookup(tgid, id)
	if err != nil {
		return err
	}
	d.releaseOwned(dev, tgid)
	d.logger.Debug("device reset", zap.Int("device", id), zap.Uint32("pid", tgid))
	return nil
}

func (d *SimDriver) releaseOwned(dev *simDevice, tgid uint32) {
	dev.mu.Lock()
	defer dev.mu.Unlock()
	for _, b := range dev.buffers {
		if b.owner == tgid {
			dev.release(b)
		}
	}
	delete(dev.openedBy, tgid)
	dev.publishUsage()
}

// DeviceInfo returns device information for a simulated device
func (d *SimDriver) DeviceInfo(id int) (DeviceInfo, error) {
	if id < 0 || id >= len(d.devices) {
		return DeviceInfo{}, fmt.Errorf("%w: %d", ErrInvalidDevice, id)
	}
	dev := d.devices[id]
	dev.mu.Lock()
	available := dev.capacity - dev.used
	dev.mu.Unlock()
	return DeviceInfo{
		ID:                id,
		Name:              fmt.Sprintf("SimNPU-%d (%s)", id, runtime.GOARCH),
		TotalMemory:       dev.capacity,
		AvailableMemory:   available,
		ComputeCapability: "sim",
		DriverVersion:     runtime.Version(),
	}, nil
}

func (d *SimDriver) Alloc(tgid uint32, id int, size int64, policy AllocPolicy) (*Buffer, error) {
	if size <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidSize, size)
	}
	dev, err := d.lookup(tgid, id)
	if err != nil {
		return nil, err
	}

	dev.mu.Lock()
	defer dev.mu.Unlock()
	reserved, err := dev.reserve(size, policy)
	if err != nil {
		return nil, err
	}
	b := &Buffer{
		id:       d.nextBufferID.Add(1),
		device:   id,
		owner:    tgid,
		policy:   policy,
		reserved: reserved,
		data:     make([]byte, size),
	}
	dev.buffers[b.id] = b
	dev.publishUsage()
	return b, nil
}

func (d *SimDriver) Free(b *Buffer) error {
	if b == nil {
		return fmt.Errorf("%w: nil buffer", ErrBufferFreed)
	}
	if b.device < 0 || b.device >= len(d.devices) {
		return fmt.Errorf("%w: %d", ErrInvalidDevice, b.device)
	}
	dev := d.devices[b.device]
	dev.mu.Lock()
	defer dev.mu.Unlock()
	if _, ok := dev.buffers[b.id]; !ok {
		return fmt.Errorf("%w: buffer %d", ErrBufferFreed, b.id)
	}
	dev.release(b)
	dev.publishUsage()
	return nil
}

// Launch runs kernel name synchronously. Any failure inside the kernel,
// including access to a freed buffer, is an execution failure.
func (d *SimDriver) Launch(ctx context.Context, id int, name string, args KernelArgs) error {
	d.mu.RLock()
	initialized := d.initialized
	k, ok := d.kernels[name]
	d.mu.RUnlock()
	if !initialized {
		return ErrNotInitialized
	}
	if id < 0 || id >= len(d.devices) {
		return fmt.Errorf("%w: %d", ErrInvalidDevice, id)
	}
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownKernel, name)
	}
	for i, b := range args.Buffers {
		if b == nil || b.Freed() {
			return fmt.Errorf("%w: kernel %s: operand %d is not valid device memory", ErrExecution, name, i)
		}
	}
	if err := runKernel(ctx, k, args); err != nil {
		return fmt.Errorf("%w: kernel %s on device %d: %v", ErrExecution, name, id, err)
	}
	return nil
}

// runKernel reports a kernel panic as an error so it fails the command
// instead of the process.
func runKernel(ctx context.Context, k Kernel, args KernelArgs) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("kernel panicked: %v", r)
		}
	}()
	return k(ctx, args)
}

func (d *SimDriver) RegisterKernel(name string, k Kernel) error {
	if name == "" || k == nil {
		return fmt.Errorf("kernel registration needs a name and a function")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.kernels[name]; ok {
		return fmt.Errorf("%w: %q", ErrKernelExists, name)
	}
	d.kernels[name] = k
	return nil
}

func (d *SimDriver) HasKernel(name string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.kernels[name]
	return ok
}

func roundUp(n, align int64) int64 {
	return (n + align - 1) / align * align
}
