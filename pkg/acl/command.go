package acl

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"
)

// CommandKind enumerates what a stream can execute.
type CommandKind int

const (
	KernelLaunch CommandKind = iota
	MemCopy
	MemSet
	EventRecord
	HostCallback
	Barrier
	StreamWait
)

func (k CommandKind) String() string {
	switch k {
	case KernelLaunch:
		return "kernel"
	case MemCopy:
		return "memcpy"
	case MemSet:
		return "memset"
	case EventRecord:
		return "event_record"
	case HostCallback:
		return "callback"
	case Barrier:
		return "barrier"
	case StreamWait:
		return "stream_wait"
	default:
		return fmt.Sprintf("CommandKind(%d)", int(k))
	}
}

// TaskStatus is the completion state of one submitted command.
type TaskStatus int32

const (
	Pending TaskStatus = iota
	Running
	Completed
	Failed
)

func (s TaskStatus) String() string {
	switch s {
	case Pending:
		return "pending"
	case Running:
		return "running"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("TaskStatus(%d)", int(s))
	}
}

// Task tracks one command from submission to settlement.
type Task struct {
	seq       uint64
	kind      CommandKind
	submitted time.Time
	status    atomic.Int32
	err       error
	done      chan struct{}
}

func newTask(seq uint64, kind CommandKind) *Task {
	return &Task{seq: seq, kind: kind, submitted: time.Now(), done: make(chan struct{})}
}

// Seq is the submission index within the stream, starting at 1.
func (t *Task) Seq() uint64       { return t.seq }
func (t *Task) Kind() CommandKind { return t.kind }

// Submitted is when the command entered its stream's queue.
func (t *Task) Submitted() time.Time { return t.submitted }

func (t *Task) Status() TaskStatus {
	return TaskStatus(t.status.Load())
}

// Done is closed once the task is Completed or Failed.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Err returns the failure of a settled task, nil otherwise.
func (t *Task) Err() error {
	select {
	case <-t.done:
		return t.err
	default:
		return nil
	}
}

// Wait blocks until the task settles and returns its error. Expiry of ctx
// returns Timeout and leaves the task running.
func (t *Task) Wait(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case <-t.done:
		return t.err
	case <-ctx.Done():
		return newError(Timeout, "task.wait", ctx.Err())
	}
}

func (t *Task) settle(status TaskStatus, err error) {
	t.err = err
	t.status.Store(int32(status))
	close(t.done)
}

// KernelArgs are the operands of Stream.Launch: device memory regions and
// scalar parameters.
type KernelArgs struct {
	Memory []*Memory
	Params []int64
}

// command is one queue entry. Which payload fields are set depends on kind.
type command struct {
	kind CommandKind
	task *Task

	// KernelLaunch
	kernel string
	args   KernelArgs

	// MemCopy and MemSet
	dst, src *Memory
	n        int64
	value    byte

	// EventRecord marks rec complete; StreamWait waits for it.
	rec *recording

	// HostCallback
	callback CallbackFunc
}
