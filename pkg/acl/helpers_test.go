package acl

import (
	"testing"
	"time"

	"github.com/fxnlabs/aclrt/internal/config"
	"github.com/fxnlabs/aclrt/internal/device"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Device.Count = 2
	cfg.Device.MemoryBytes = 64 << 20
	cfg.Device.HostPinnedBytes = 4 << 20
	cfg.Runtime.CallbackWorkers = 2
	cfg.Runtime.CallbackQueue = 8
	return cfg
}

func newTestPlatform(t *testing.T, cfg *config.Config) *Platform {
	t.Helper()
	if cfg == nil {
		cfg = testConfig()
	}
	p, err := NewPlatform(cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, p.Close()) })
	return p
}

func newTestRuntime(t *testing.T, p *Platform) *Runtime {
	t.Helper()
	rt, err := p.NewRuntime()
	require.NoError(t, err)
	return rt
}

func newTestContext(t *testing.T, rt *Runtime, dev int) *Context {
	t.Helper()
	d, err := rt.SetDevice(dev)
	require.NoError(t, err)
	c, err := d.CreateContext()
	require.NoError(t, err)
	return c
}

// setup returns a runtime and a context on device 0 of a fresh platform.
func setup(t *testing.T) (*Runtime, *Context) {
	t.Helper()
	rt := newTestRuntime(t, newTestPlatform(t, nil))
	return rt, newTestContext(t, rt, 0)
}

// gate is a host callback that holds a stream until opened.
type gate struct {
	started chan struct{}
	release chan struct{}
}

func newGate() *gate {
	return &gate{started: make(chan struct{}), release: make(chan struct{})}
}

func (g *gate) callback() error {
	close(g.started)
	<-g.release
	return nil
}

func (g *gate) open() { close(g.release) }

// block submits the gate to s and waits until it is running.
func (g *gate) block(t *testing.T, s *Stream) *Task {
	t.Helper()
	task, err := s.LaunchCallback(g.callback)
	require.NoError(t, err)
	select {
	case <-g.started:
	case <-time.After(5 * time.Second):
		t.Fatal("gate callback never started")
	}
	return task
}

func deviceInt32(t *testing.T, c *Context, m *Memory) int32 {
	t.Helper()
	out := make([]byte, 4)
	require.NoError(t, c.Memcpy(HostMemory(out), m, 4, DeviceToHost))
	return device.GetInt32(out)
}

func putDeviceInt32(t *testing.T, c *Context, m *Memory, v int32) {
	t.Helper()
	in := make([]byte, 4)
	device.PutInt32(in, v)
	require.NoError(t, c.Memcpy(m, HostMemory(in), 4, HostToDevice))
}
