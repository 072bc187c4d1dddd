package acl

import (
	"context"
	"testing"

	"github.com/fxnlabs/aclrt/internal/config"
	"github.com/fxnlabs/aclrt/internal/device"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestRuntime_SetDevice(t *testing.T) {
	rt := newTestRuntime(t, newTestPlatform(t, nil))

	_, err := rt.CurrentDevice()
	assert.ErrorIs(t, err, ErrDeviceNotSet)

	d0, err := rt.SetDevice(0)
	require.NoError(t, err)
	again, err := rt.SetDevice(0)
	require.NoError(t, err)
	assert.Same(t, d0, again)

	d1, err := rt.SetDevice(1)
	require.NoError(t, err)
	cur, err := rt.CurrentDevice()
	require.NoError(t, err)
	assert.Same(t, d1, cur)
	assert.Equal(t, 1, cur.ID())

	info, err := d1.Info()
	require.NoError(t, err)
	assert.Equal(t, 1, info.ID)

	_, err = rt.SetDevice(7)
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestRuntime_CurrentContext(t *testing.T) {
	p := newTestPlatform(t, nil)
	rt := newTestRuntime(t, p)

	_, err := rt.CurrentContext()
	assert.ErrorIs(t, err, ErrContextNotCurrent)

	c0 := newTestContext(t, rt, 0)
	c1 := newTestContext(t, rt, 1)
	require.NoError(t, rt.SetCurrentContext(c0))
	cur, err := rt.CurrentContext()
	require.NoError(t, err)
	assert.Same(t, c0, cur)
	dev, err := rt.CurrentDevice()
	require.NoError(t, err)
	assert.Same(t, c0.Device(), dev)

	// Destroying the current context clears the selection.
	require.NoError(t, c0.Destroy())
	_, err = rt.CurrentContext()
	assert.ErrorIs(t, err, ErrContextNotCurrent)
	assert.ErrorIs(t, rt.SetCurrentContext(c0), ErrContextDestroyed)

	other := newTestContext(t, newTestRuntime(t, p), 0)
	assert.ErrorIs(t, rt.SetCurrentContext(other), ErrWrongContext)
	assert.ErrorIs(t, rt.SetCurrentContext(nil), ErrNilArgument)
	require.NoError(t, rt.SetCurrentContext(c1))
}

func TestRuntime_ResetDeviceForce(t *testing.T) {
	rt := newTestRuntime(t, newTestPlatform(t, nil))
	c := newTestContext(t, rt, 0)
	s, err := c.CreateStream()
	require.NoError(t, err)
	mem, err := c.Malloc(device.HugePageSize, device.HugeOnly)
	require.NoError(t, err)

	info, err := c.Device().Info()
	require.NoError(t, err)
	assert.Equal(t, info.TotalMemory-device.HugePageSize, info.AvailableMemory)

	g := newGate()
	g.block(t, s)
	queued, err := s.Barrier()
	require.NoError(t, err)

	reset := make(chan error, 1)
	go func() { reset <- rt.ResetDeviceForce(0) }()
	assert.ErrorIs(t, queued.Wait(context.Background()), ErrCommandCancelled)
	g.open()
	require.NoError(t, <-reset)

	_, err = s.Barrier()
	assert.ErrorIs(t, err, ErrStreamDestroyed)
	_, err = c.CreateStream()
	assert.ErrorIs(t, err, ErrContextDestroyed)
	_, err = c.Device().CreateContext()
	assert.ErrorIs(t, err, ErrInvalidHandle)
	assert.ErrorIs(t, c.Memcpy(mem, HostMemory(make([]byte, 4)), 4, HostToDevice), ErrMemoryFreed)

	info, err = rt.Platform().DeviceInfo(0)
	require.NoError(t, err)
	assert.Equal(t, info.TotalMemory, info.AvailableMemory)

	_, err = rt.CurrentDevice()
	assert.ErrorIs(t, err, ErrDeviceNotSet)
	assert.ErrorIs(t, rt.ResetDeviceForce(0), ErrInvalidArgument)

	// The slot can be set again after a reset.
	d, err := rt.SetDevice(0)
	require.NoError(t, err)
	_, err = d.CreateContext()
	assert.NoError(t, err)
}

func TestRuntime_Finalize(t *testing.T) {
	p := newTestPlatform(t, nil)
	rt := newTestRuntime(t, p)
	c := newTestContext(t, rt, 0)
	_, err := c.Malloc(1024, device.NormalOnly)
	require.NoError(t, err)
	_, err = newTestContext(t, rt, 1).Malloc(1024, device.NormalOnly)
	require.NoError(t, err)

	require.NoError(t, rt.Finalize())
	require.NoError(t, rt.Finalize())

	for id := 0; id < p.DeviceCount(); id++ {
		info, err := p.DeviceInfo(id)
		require.NoError(t, err)
		assert.Equal(t, info.TotalMemory, info.AvailableMemory)
	}
	_, err = rt.SetDevice(0)
	assert.ErrorIs(t, err, ErrFinalized)
	assert.Equal(t, InvalidHandle, CodeOf(err))
	_, err = rt.CurrentContext()
	assert.ErrorIs(t, err, ErrFinalized)
	_, err = c.CreateEvent()
	assert.ErrorIs(t, err, ErrContextDestroyed)
}

func TestContext_Destroy(t *testing.T) {
	_, c := setup(t)
	s, err := c.CreateStream()
	require.NoError(t, err)
	e, err := c.CreateEvent()
	require.NoError(t, err)
	pinned, err := c.MallocHost(64)
	require.NoError(t, err)
	_, err = s.Launch(device.KernelSpin, KernelArgs{Params: []int64{500}})
	require.NoError(t, err)

	require.NoError(t, c.Destroy())
	require.NoError(t, c.Destroy())

	_, err = s.Barrier()
	assert.ErrorIs(t, err, ErrInvalidHandle)
	_, err = c.DefaultStream().Barrier()
	assert.ErrorIs(t, err, ErrInvalidHandle)
	_, err = e.Query()
	assert.ErrorIs(t, err, ErrEventDestroyed)
	_, err = pinned.Bytes()
	assert.ErrorIs(t, err, ErrMemoryFreed)
	_, err = c.MallocHost(64)
	assert.ErrorIs(t, err, ErrContextDestroyed)
	_, err = c.Malloc(64, device.NormalOnly)
	assert.ErrorIs(t, err, ErrContextDestroyed)
	assert.ErrorIs(t, c.Synchronize(context.Background()), ErrContextDestroyed)
}

func TestContext_Synchronize(t *testing.T) {
	_, c := setup(t)
	stop, err := c.CreateStream(WithFailureMode(StopOnFailure))
	require.NoError(t, err)
	cont, err := c.CreateStream()
	require.NoError(t, err)

	_, err = cont.Launch(device.KernelFault, KernelArgs{})
	require.NoError(t, err)
	require.NoError(t, c.Synchronize(context.Background()))

	_, err = stop.Launch(device.KernelFault, KernelArgs{})
	require.NoError(t, err)
	assert.ErrorIs(t, c.Synchronize(context.Background()), ErrDeviceExecutionFailed)
}

func TestPlatform_Close(t *testing.T) {
	p, err := NewPlatform(testConfig(), zap.NewNop())
	require.NoError(t, err)
	rt, err := p.NewRuntime()
	require.NoError(t, err)
	newTestContext(t, rt, 0)

	require.NoError(t, p.Close())
	require.NoError(t, p.Close())
	_, err = rt.SetDevice(0)
	assert.ErrorIs(t, err, ErrFinalized)
	_, err = p.NewRuntime()
	assert.ErrorIs(t, err, ErrInvalidHandle)
}

func TestPlatform_Config(t *testing.T) {
	cfg := testConfig()
	cfg.Device.Driver = "cuda"
	_, err := NewPlatform(cfg, nil)
	assert.ErrorIs(t, err, ErrInvalidArgument)

	cfg = testConfig()
	cfg.IPC.DefaultPolicy = "maybe"
	_, err = NewPlatform(cfg, nil)
	assert.ErrorIs(t, err, ErrInvalidArgument)

	p, err := NewPlatform(nil, nil)
	require.NoError(t, err)
	defer p.Close()
	assert.Equal(t, config.Default().Device.Count, p.DeviceCount())
}

func TestPlatform_RegisterKernel(t *testing.T) {
	p := newTestPlatform(t, nil)
	require.NoError(t, p.RegisterKernel("negate", func(_ context.Context, args device.KernelArgs) error {
		data := args.Buffers[0].Bytes()
		for i := 0; i+4 <= len(data); i += 4 {
			device.PutInt32(data[i:], -device.GetInt32(data[i:]))
		}
		return nil
	}))
	assert.ErrorIs(t, p.RegisterKernel(device.KernelFill, func(context.Context, device.KernelArgs) error { return nil }), ErrInvalidArgument)

	rt := newTestRuntime(t, p)
	c := newTestContext(t, rt, 0)
	mem, err := c.Malloc(4, device.NormalOnly)
	require.NoError(t, err)
	putDeviceInt32(t, c, mem, 9)
	task, err := c.DefaultStream().Launch("negate", KernelArgs{Memory: []*Memory{mem}})
	require.NoError(t, err)
	require.NoError(t, task.Wait(context.Background()))
	assert.Equal(t, int32(-9), deviceInt32(t, c, mem))
}
