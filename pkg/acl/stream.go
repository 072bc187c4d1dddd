package acl

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fxnlabs/aclrt/internal/device"
	"github.com/fxnlabs/aclrt/internal/metrics"
	"go.uber.org/zap"
)

// FailureMode decides what a stream does after a command fails.
type FailureMode int

const (
	// ContinueOnFailure attempts every command regardless of earlier
	// failures.
	ContinueOnFailure FailureMode = iota
	// StopOnFailure poisons the stream at the first failure. Later commands
	// are accepted but settle as Failed without running. Poison is only
	// cleared by destroying the stream.
	StopOnFailure
)

func (m FailureMode) String() string {
	switch m {
	case ContinueOnFailure:
		return "continue"
	case StopOnFailure:
		return "stop"
	default:
		return fmt.Sprintf("FailureMode(%d)", int(m))
	}
}

type streamOptions struct {
	mode FailureMode
	name string
}

// StreamOption configures CreateStream.
type StreamOption func(*streamOptions)

func WithFailureMode(mode FailureMode) StreamOption {
	return func(o *streamOptions) { o.mode = mode }
}

func WithName(name string) StreamOption {
	return func(o *streamOptions) { o.name = name }
}

// Stream is an ordered command queue. Submission never blocks; one goroutine
// per stream executes the queue in order.
type Stream struct {
	id        uint64
	name      string
	ctx       *Context
	logger    *zap.Logger
	isDefault bool

	mu       sync.Mutex
	cond     *sync.Cond
	queue    []*command
	seq      uint64
	tail     *Task
	mode     FailureMode
	failed   bool
	poisoned bool
	firstErr error
	firstSeq uint64
	closed   bool

	abort     chan struct{}
	abortOnce sync.Once
	exited    chan struct{}
}

func newStream(c *Context, isDefault bool, opts ...StreamOption) (*Stream, error) {
	o := streamOptions{mode: ContinueOnFailure}
	for _, opt := range opts {
		opt(&o)
	}
	if o.mode != ContinueOnFailure && o.mode != StopOnFailure {
		return nil, newError(InvalidArgument, "stream.create", fmt.Errorf("%w: %s", ErrUnknownFailure, o.mode))
	}
	id := c.dev.rt.nextStreamID.Add(1)
	if o.name == "" {
		o.name = fmt.Sprintf("stream-%d", id)
	}
	s := &Stream{
		id:        id,
		name:      o.name,
		ctx:       c,
		logger:    c.logger.With(zap.String("stream", o.name)),
		isDefault: isDefault,
		mode:      o.mode,
		abort:     make(chan struct{}),
		exited:    make(chan struct{}),
	}
	s.cond = sync.NewCond(&s.mu)
	metrics.StreamsActive.Inc()
	go s.run()
	return s, nil
}

func (s *Stream) ID() uint64        { return s.id }
func (s *Stream) Name() string      { return s.name }
func (s *Stream) Context() *Context { return s.ctx }

func (s *Stream) rt() *Runtime { return s.ctx.dev.rt }

// run is the interpreter loop. It exits once the stream is closed and the
// queue is empty.
func (s *Stream) run() {
	defer close(s.exited)
	for {
		cmd, ok := s.next()
		if !ok {
			return
		}
		s.execute(cmd)
	}
}

func (s *Stream) next() (*command, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.queue) == 0 {
		if s.closed {
			return nil, false
		}
		s.cond.Wait()
	}
	cmd := s.queue[0]
	s.queue[0] = nil
	s.queue = s.queue[1:]
	return cmd, true
}

func (s *Stream) execute(cmd *command) {
	s.mu.Lock()
	poisoned := s.poisoned
	s.mu.Unlock()
	if poisoned {
		s.settle(cmd, Failed, newError(DeviceExecutionFailed, "stream.execute", ErrCommandDropped))
		return
	}

	cmd.task.status.Store(int32(Running))
	start := time.Now()
	err := s.dispatch(cmd)
	metrics.CommandDuration.WithLabelValues(cmd.kind.String()).Observe(time.Since(start).Seconds())

	switch {
	case err == nil:
		s.settle(cmd, Completed, nil)
	case errors.Is(err, ErrCommandCancelled):
		s.settle(cmd, Failed, err)
	default:
		s.fail(cmd, wrap("stream.execute", err))
	}
}

func (s *Stream) dispatch(cmd *command) error {
	switch cmd.kind {
	case KernelLaunch:
		bufs := make([]*device.Buffer, len(cmd.args.Memory))
		for i, m := range cmd.args.Memory {
			b, err := m.deviceBuffer()
			if err != nil {
				return fmt.Errorf("%w: operand %d: %w", device.ErrExecution, i, err)
			}
			bufs[i] = b
		}
		return s.rt().platform.driver.Launch(context.Background(), s.ctx.dev.id, cmd.kernel,
			device.KernelArgs{Buffers: bufs, Params: cmd.args.Params})
	case MemCopy:
		dst, err := cmd.dst.contents()
		if err != nil {
			return fmt.Errorf("%w: copy destination: %w", device.ErrExecution, err)
		}
		src, err := cmd.src.contents()
		if err != nil {
			return fmt.Errorf("%w: copy source: %w", device.ErrExecution, err)
		}
		copy(dst[:cmd.n], src[:cmd.n])
		return nil
	case MemSet:
		dst, err := cmd.dst.contents()
		if err != nil {
			return fmt.Errorf("%w: fill destination: %w", device.ErrExecution, err)
		}
		for i := range dst[:cmd.n] {
			dst[i] = cmd.value
		}
		return nil
	case EventRecord, Barrier:
		return nil
	case HostCallback:
		return s.runCallback(cmd.callback)
	case StreamWait:
		if cmd.rec == nil {
			return nil
		}
		select {
		case <-cmd.rec.done:
			return nil
		case <-s.abort:
			return newError(InvalidHandle, "stream.wait_event", ErrCommandCancelled)
		}
	default:
		return newError(InternalError, "stream.execute", fmt.Errorf("unknown command kind %s", cmd.kind))
	}
}

// fail records an execution failure. Poison is set before the task settles
// so that anyone woken by it already sees the stream poisoned.
func (s *Stream) fail(cmd *command, err error) {
	s.mu.Lock()
	s.failed = true
	if s.firstErr == nil {
		s.firstErr = err
		s.firstSeq = cmd.task.seq
	}
	poison := s.mode == StopOnFailure && !s.poisoned
	if poison {
		s.poisoned = true
	}
	s.mu.Unlock()

	if poison {
		metrics.StreamsPoisoned.Inc()
		s.logger.Error("stream poisoned", zap.Uint64("seq", cmd.task.seq), zap.Error(err))
	} else {
		s.logger.Debug("command failed", zap.Uint64("seq", cmd.task.seq), zap.Stringer("kind", cmd.kind), zap.Error(err))
	}
	s.settle(cmd, Failed, err)
}

// settle finishes a task. Event markers complete whatever the outcome so
// their waiters are released.
func (s *Stream) settle(cmd *command, status TaskStatus, err error) {
	if cmd.kind == EventRecord && cmd.rec != nil {
		cmd.rec.complete()
	}
	metrics.CommandsSettled.WithLabelValues(cmd.kind.String(), settleLabel(status, err)).Inc()
	cmd.task.settle(status, err)
}

// settleLabel splits failed commands into those that ran and those that
// never did.
func settleLabel(status TaskStatus, err error) string {
	switch {
	case status != Failed:
		return status.String()
	case errors.Is(err, ErrCommandDropped):
		return "dropped"
	case errors.Is(err, ErrCommandCancelled):
		return "cancelled"
	default:
		return status.String()
	}
}

func (s *Stream) enqueue(op string, cmd *command) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, newError(InvalidHandle, op, ErrStreamDestroyed)
	}
	s.seq++
	cmd.task = newTask(s.seq, cmd.kind)
	s.queue = append(s.queue, cmd)
	s.tail = cmd.task
	s.cond.Signal()
	metrics.CommandsSubmitted.WithLabelValues(cmd.kind.String()).Inc()
	return cmd.task, nil
}

// Launch enqueues kernel with the given operands. Every memory operand must
// be device memory.
func (s *Stream) Launch(kernel string, args KernelArgs) (*Task, error) {
	const op = "stream.launch"
	if !s.rt().platform.driver.HasKernel(kernel) {
		return nil, newError(InvalidArgument, op, fmt.Errorf("%w: %q", device.ErrUnknownKernel, kernel))
	}
	for _, m := range args.Memory {
		if err := checkOperand(op, s.rt(), m); err != nil {
			return nil, err
		}
		if m.residency != DeviceResident {
			return nil, newError(InvalidArgument, op, fmt.Errorf("kernel operand is %s memory", m.residency))
		}
	}
	args = KernelArgs{
		Memory: append([]*Memory(nil), args.Memory...),
		Params: append([]int64(nil), args.Params...),
	}
	return s.enqueue(op, &command{kind: KernelLaunch, kernel: kernel, args: args})
}

// MemcpyAsync enqueues a copy of n bytes from src to dst.
func (s *Stream) MemcpyAsync(dst, src *Memory, n int64, kind MemcpyKind) (*Task, error) {
	if err := checkCopy("stream.memcpy_async", s.rt(), dst, src, n, kind); err != nil {
		return nil, err
	}
	return s.enqueue("stream.memcpy_async", &command{kind: MemCopy, dst: dst, src: src, n: n})
}

// MemsetAsync enqueues setting the first n bytes of dst to value.
func (s *Stream) MemsetAsync(dst *Memory, value byte, n int64) (*Task, error) {
	if err := checkSet("stream.memset_async", s.rt(), dst, n); err != nil {
		return nil, err
	}
	return s.enqueue("stream.memset_async", &command{kind: MemSet, dst: dst, value: value, n: n})
}

// Barrier enqueues a no-op whose settlement marks every earlier command as
// settled.
func (s *Stream) Barrier() (*Task, error) {
	return s.enqueue("stream.barrier", &command{kind: Barrier})
}

// WaitEvent holds back commands submitted after it until e completes. The
// caller is never blocked. An event that was never recorded is satisfied.
func (s *Stream) WaitEvent(e *Event) (*Task, error) {
	if e == nil {
		return nil, newError(InvalidArgument, "stream.wait_event", ErrNilArgument)
	}
	rec, err := e.current("stream.wait_event")
	if err != nil {
		return nil, err
	}
	return s.enqueue("stream.wait_event", &command{kind: StreamWait, rec: rec})
}

// Synchronize waits for every command submitted before the call. Under
// StopOnFailure it returns the first failure; under ContinueOnFailure
// failures are only visible per task. Without a deadline on ctx the
// runtime's sync timeout applies.
func (s *Stream) Synchronize(ctx context.Context) error {
	s.mu.Lock()
	tail, closed := s.tail, s.closed
	s.mu.Unlock()
	if closed {
		return newError(InvalidHandle, "stream.synchronize", ErrStreamDestroyed)
	}
	if tail == nil {
		return nil
	}
	return s.syncThrough(ctx, tail)
}

// syncThrough waits for tail and reports a StopOnFailure failure only if it
// belongs to tail or an earlier command.
func (s *Stream) syncThrough(ctx context.Context, tail *Task) error {
	ctx, cancel := s.rt().withDefaultTimeout(ctx)
	defer cancel()
	select {
	case <-tail.done:
	case <-ctx.Done():
		return newError(Timeout, "stream.synchronize", ctx.Err())
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mode == StopOnFailure && s.firstErr != nil && s.firstSeq <= tail.seq {
		return s.firstErr
	}
	return nil
}

// SynchronizeWithTimeout is Synchronize with a relative deadline.
func (s *Stream) SynchronizeWithTimeout(d time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	return s.Synchronize(ctx)
}

// Query reports whether every submitted command has settled.
func (s *Stream) Query() bool {
	s.mu.Lock()
	tail := s.tail
	s.mu.Unlock()
	if tail == nil {
		return true
	}
	select {
	case <-tail.done:
		return true
	default:
		return false
	}
}

// SetFailureMode changes the policy for commands that fail from now on. It
// is rejected once the stream has seen a failure.
func (s *Stream) SetFailureMode(mode FailureMode) error {
	if mode != ContinueOnFailure && mode != StopOnFailure {
		return newError(InvalidArgument, "stream.set_failure_mode", fmt.Errorf("%w: %s", ErrUnknownFailure, mode))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return newError(InvalidHandle, "stream.set_failure_mode", ErrStreamDestroyed)
	}
	if s.failed {
		return newError(InvalidArgument, "stream.set_failure_mode", ErrFailureObserved)
	}
	s.mode = mode
	return nil
}

func (s *Stream) FailureMode() FailureMode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

// Poisoned reports the sticky failure state of a StopOnFailure stream.
func (s *Stream) Poisoned() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.poisoned
}

// Destroy stops accepting commands, waits for the queue to drain and
// releases the stream.
func (s *Stream) Destroy() error {
	if s.isDefault {
		return newError(InvalidArgument, "stream.destroy", ErrDefaultStream)
	}
	if !s.destroy(false) {
		return newError(InvalidHandle, "stream.destroy", ErrStreamDestroyed)
	}
	return nil
}

// DestroyForce cancels commands that have not started, waits for the one in
// flight and releases the stream.
func (s *Stream) DestroyForce() error {
	if s.isDefault {
		return newError(InvalidArgument, "stream.destroy_force", ErrDefaultStream)
	}
	if !s.destroy(true) {
		return newError(InvalidHandle, "stream.destroy_force", ErrStreamDestroyed)
	}
	return nil
}

// destroy reports false when the stream was already destroyed. It still
// waits for the interpreter to exit in that case.
func (s *Stream) destroy(force bool) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		<-s.exited
		return false
	}
	s.closed = true
	var cancelled []*command
	if force {
		cancelled = s.queue
		s.queue = nil
	}
	s.cond.Broadcast()
	s.mu.Unlock()

	if force {
		s.abortOnce.Do(func() { close(s.abort) })
	}
	for _, cmd := range cancelled {
		s.settle(cmd, Failed, newError(InvalidHandle, "stream.destroy_force", ErrCommandCancelled))
	}
	<-s.exited

	metrics.StreamsActive.Dec()
	s.ctx.forgetStream(s)
	s.logger.Debug("stream destroyed", zap.Bool("force", force), zap.Int("cancelled", len(cancelled)))
	return true
}
