package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/fxnlabs/aclrt/internal/config"
	"github.com/fxnlabs/aclrt/internal/device"
	"github.com/fxnlabs/aclrt/pkg/acl"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

type scenario struct {
	name string
	run  func(p *acl.Platform) error
}

var scenarios = []scenario{
	{"stream ordering", checkOrdering},
	{"stop on failure", checkStopOnFailure},
	{"continue on failure", checkContinueOnFailure},
	{"event lifecycle", checkEventLifecycle},
	{"ipc whitelist", checkIPCWhitelist},
	{"ipc close", checkIPCClose},
	{"memcpy round trip", checkRoundTrip},
}

func selftestCommand(e *env) *cli.Command {
	return &cli.Command{
		Name:  "selftest",
		Usage: "Run the runtime's behavioural checks against a simulated platform",
		Action: func(c *cli.Context) error {
			if failed := runSelftest(c.App.Writer, e.cfg, e.log); failed > 0 {
				return cli.Exit(fmt.Sprintf("%d of %d checks failed", failed, len(scenarios)), 1)
			}
			return nil
		},
	}
}

// runSelftest runs every scenario on its own platform and returns the number
// of failures.
func runSelftest(w io.Writer, cfg *config.Config, log *zap.Logger) int {
	failed := 0
	for _, sc := range scenarios {
		err := runScenario(sc, cfg, log)
		if err != nil {
			failed++
			fmt.Fprintf(w, "FAIL  %-20s %v\n", sc.name, err)
			log.Warn("selftest check failed", zap.String("check", sc.name), zap.Error(err))
			continue
		}
		fmt.Fprintf(w, "PASS  %s\n", sc.name)
	}
	return failed
}

func runScenario(sc scenario, cfg *config.Config, log *zap.Logger) error {
	p, err := acl.NewPlatform(cfg, log.Named("selftest"))
	if err != nil {
		return err
	}
	err = sc.run(p)
	if cerr := p.Close(); err == nil {
		err = cerr
	}
	return err
}

func openContext(p *acl.Platform, dev int) (*acl.Runtime, *acl.Context, error) {
	rt, err := p.NewRuntime()
	if err != nil {
		return nil, nil, err
	}
	d, err := rt.SetDevice(dev)
	if err != nil {
		return nil, nil, err
	}
	c, err := d.CreateContext()
	if err != nil {
		return nil, nil, err
	}
	return rt, c, nil
}

func readInt32(c *acl.Context, m *acl.Memory) (int32, error) {
	out := make([]byte, 4)
	if err := c.Memcpy(acl.HostMemory(out), m, 4, acl.DeviceToHost); err != nil {
		return 0, err
	}
	return device.GetInt32(out), nil
}

func writeInt32(c *acl.Context, m *acl.Memory, v int32) error {
	in := make([]byte, 4)
	device.PutInt32(in, v)
	return c.Memcpy(m, acl.HostMemory(in), 4, acl.HostToDevice)
}

func checkOrdering(p *acl.Platform) error {
	_, c, err := openContext(p, 0)
	if err != nil {
		return err
	}
	s, err := c.CreateStream()
	if err != nil {
		return err
	}
	const n = 64
	var mu sync.Mutex
	order := make([]int, 0, n)
	for i := 0; i < n; i++ {
		i := i
		if _, err := s.LaunchCallback(func() error {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			return nil
		}); err != nil {
			return err
		}
	}
	if err := s.Synchronize(context.Background()); err != nil {
		return err
	}
	for i, v := range order {
		if v != i {
			return fmt.Errorf("command %d completed at position %d", v, i)
		}
	}
	return nil
}

// runFailureSequence adds 1, faults, then adds 10 and returns the counter.
func runFailureSequence(p *acl.Platform, mode acl.FailureMode) (int32, error, error) {
	_, c, err := openContext(p, 0)
	if err != nil {
		return 0, nil, err
	}
	s, err := c.CreateStream(acl.WithFailureMode(mode))
	if err != nil {
		return 0, nil, err
	}
	counter, err := c.Malloc(4, device.NormalOnly)
	if err != nil {
		return 0, nil, err
	}
	if err := c.Memset(counter, 0, 4); err != nil {
		return 0, nil, err
	}
	add := func(v int64) error {
		_, err := s.Launch(device.KernelAddI32, acl.KernelArgs{Memory: []*acl.Memory{counter}, Params: []int64{v}})
		return err
	}
	if err := add(1); err != nil {
		return 0, nil, err
	}
	if _, err := s.Launch(device.KernelFault, acl.KernelArgs{}); err != nil {
		return 0, nil, err
	}
	if err := add(10); err != nil {
		return 0, nil, err
	}
	syncErr := s.Synchronize(context.Background())
	v, err := readInt32(c, counter)
	return v, syncErr, err
}

func checkStopOnFailure(p *acl.Platform) error {
	v, syncErr, err := runFailureSequence(p, acl.StopOnFailure)
	if err != nil {
		return err
	}
	if !errors.Is(syncErr, acl.ErrDeviceExecutionFailed) {
		return fmt.Errorf("synchronize returned %v, want device execution failure", syncErr)
	}
	if v != 1 {
		return fmt.Errorf("counter is %d, want 1", v)
	}
	return nil
}

func checkContinueOnFailure(p *acl.Platform) error {
	v, syncErr, err := runFailureSequence(p, acl.ContinueOnFailure)
	if err != nil {
		return err
	}
	if syncErr != nil {
		return fmt.Errorf("synchronize returned %v, want success", syncErr)
	}
	if v != 11 {
		return fmt.Errorf("counter is %d, want 11", v)
	}
	return nil
}

func checkEventLifecycle(p *acl.Platform) error {
	_, c, err := openContext(p, 0)
	if err != nil {
		return err
	}
	s, err := c.CreateStream()
	if err != nil {
		return err
	}
	e, err := c.CreateEvent()
	if err != nil {
		return err
	}
	if q, err := e.Query(); err != nil || q != acl.Incomplete {
		return fmt.Errorf("fresh event reports %v (%v)", q, err)
	}
	release := make(chan struct{})
	if _, err := s.LaunchCallback(func() error {
		<-release
		return nil
	}); err != nil {
		return err
	}
	if err := e.Record(s); err != nil {
		close(release)
		return err
	}
	q, err := e.Query()
	close(release)
	if err != nil || q != acl.Incomplete {
		return fmt.Errorf("event recorded behind pending work reports %v (%v)", q, err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.Synchronize(ctx); err != nil {
		return err
	}
	if e.Status() != acl.EventRecordedComplete {
		return fmt.Errorf("event status %s after synchronize", e.Status())
	}
	return nil
}

func checkIPCWhitelist(p *acl.Platform) error {
	exporter, ec, err := openContext(p, 0)
	if err != nil {
		return err
	}
	importer, ic, err := openContext(p, 0)
	if err != nil {
		return err
	}
	stranger, sc, err := openContext(p, 0)
	if err != nil {
		return err
	}
	mem, err := ec.Malloc(4, device.HugeFirst)
	if err != nil {
		return err
	}
	if err := writeInt32(ec, mem, 123); err != nil {
		return err
	}
	key, err := exporter.IpcExport(mem, "")
	if err != nil {
		return err
	}
	if err := exporter.IpcSetImportPid(key, importer.BareTgid()); err != nil {
		return err
	}
	if _, err := stranger.IpcImport(sc, key); !errors.Is(err, acl.ErrNotAuthorized) {
		return fmt.Errorf("import by a process outside the whitelist returned %v", err)
	}
	shared, err := importer.IpcImport(ic, key)
	if err != nil {
		return err
	}
	v, err := readInt32(ic, shared)
	if err != nil {
		return err
	}
	if v != 123 {
		return fmt.Errorf("importer read %d, want 123", v)
	}
	return nil
}

func checkIPCClose(p *acl.Platform) error {
	exporter, ec, err := openContext(p, 0)
	if err != nil {
		return err
	}
	importer, ic, err := openContext(p, 0)
	if err != nil {
		return err
	}
	first, err := ec.Malloc(4, device.NormalOnly)
	if err != nil {
		return err
	}
	key, err := exporter.IpcExport(first, "selftest-close")
	if err != nil {
		return err
	}
	if err := exporter.IpcClose(key); err != nil {
		return err
	}
	if err := exporter.IpcClose(key); !errors.Is(err, acl.ErrNotFound) {
		return fmt.Errorf("second close returned %v", err)
	}
	if _, err := importer.IpcImport(ic, key); !errors.Is(err, acl.ErrNotFound) {
		return fmt.Errorf("import after close returned %v", err)
	}

	second, err := ec.Malloc(4, device.NormalOnly)
	if err != nil {
		return err
	}
	if err := writeInt32(ec, second, 2); err != nil {
		return err
	}
	if _, err := exporter.IpcExport(second, key); err != nil {
		return err
	}
	if err := exporter.IpcSetImportPid(key, importer.BareTgid()); err != nil {
		return err
	}
	m, err := importer.IpcImport(ic, key)
	if err != nil {
		return err
	}
	if v, err := readInt32(ic, m); err != nil || v != 2 {
		return fmt.Errorf("reused key resolved to %d (%v), want the new export", v, err)
	}
	return nil
}

func checkRoundTrip(p *acl.Platform) error {
	_, c, err := openContext(p, 0)
	if err != nil {
		return err
	}
	want := make([]byte, 1<<12)
	for i := range want {
		want[i] = byte(i*7 + 3)
	}
	dev, err := c.Malloc(int64(len(want)), device.HugeFirst)
	if err != nil {
		return err
	}

	// Synchronous copies.
	got := make([]byte, len(want))
	if err := c.Memcpy(dev, acl.HostMemory(want), int64(len(want)), acl.HostToDevice); err != nil {
		return err
	}
	if err := c.Memcpy(acl.HostMemory(got), dev, int64(len(got)), acl.DeviceToHost); err != nil {
		return err
	}
	if !bytes.Equal(want, got) {
		return errors.New("synchronous round trip changed the data")
	}

	// Asynchronous copies followed by an explicit synchronize.
	s, err := c.CreateStream()
	if err != nil {
		return err
	}
	if err := c.Memset(dev, 0, int64(len(want))); err != nil {
		return err
	}
	got = make([]byte, len(want))
	if _, err := s.MemcpyAsync(dev, acl.HostMemory(want), int64(len(want)), acl.HostToDevice); err != nil {
		return err
	}
	if _, err := s.MemcpyAsync(acl.HostMemory(got), dev, int64(len(got)), acl.DeviceToHost); err != nil {
		return err
	}
	if err := s.Synchronize(context.Background()); err != nil {
		return err
	}
	if !bytes.Equal(want, got) {
		return errors.New("asynchronous round trip changed the data")
	}
	return nil
}
