package acl

import (
	"sync"

	"github.com/fxnlabs/aclrt/internal/device"
	"go.uber.org/zap"
)

// Device is a process's binding to one device slot, obtained from
// Runtime.SetDevice.
type Device struct {
	rt     *Runtime
	id     int
	logger *zap.Logger

	mu       sync.Mutex
	contexts map[*Context]struct{}
	released bool
}

func newDevice(rt *Runtime, id int) *Device {
	return &Device{
		rt:       rt,
		id:       id,
		logger:   rt.logger.With(zap.Int("device", id)),
		contexts: make(map[*Context]struct{}),
	}
}

func (d *Device) ID() int { return d.id }

func (d *Device) Info() (device.DeviceInfo, error) {
	info, err := d.rt.platform.driver.DeviceInfo(d.id)
	return info, wrap("device.info", err)
}

// CreateContext creates a context with its default stream on the device.
func (d *Device) CreateContext() (*Context, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.released {
		return nil, newError(InvalidHandle, "device.create_context", ErrDeviceNotSet)
	}
	c, err := newContext(d)
	if err != nil {
		return nil, err
	}
	d.contexts[c] = struct{}{}
	d.logger.Debug("context created", zap.Uint64("context", c.id))
	return c, nil
}

func (d *Device) forget(c *Context) {
	d.mu.Lock()
	delete(d.contexts, c)
	d.mu.Unlock()
}

// reset destroys every context and returns the process's remaining device
// memory to the driver.
func (d *Device) reset() error {
	d.mu.Lock()
	if d.released {
		d.mu.Unlock()
		return nil
	}
	d.released = true
	contexts := make([]*Context, 0, len(d.contexts))
	for c := range d.contexts {
		contexts = append(contexts, c)
	}
	d.mu.Unlock()

	var firstErr error
	for _, c := range contexts {
		if err := c.Destroy(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := d.rt.platform.driver.ResetDevice(d.rt.tgid, d.id); err != nil && firstErr == nil {
		firstErr = wrap("device.reset", err)
	}
	d.logger.Info("device reset", zap.Int("contexts", len(contexts)))
	return firstErr
}
