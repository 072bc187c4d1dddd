package acl

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// EventStatus is the lifecycle state of an event.
type EventStatus int

const (
	EventCreated EventStatus = iota
	EventRecordedIncomplete
	EventRecordedComplete
)

func (s EventStatus) String() string {
	switch s {
	case EventCreated:
		return "created"
	case EventRecordedIncomplete:
		return "recorded-incomplete"
	case EventRecordedComplete:
		return "recorded-complete"
	default:
		return fmt.Sprintf("EventStatus(%d)", int(s))
	}
}

// Completion is the answer of Event.Query.
type Completion int

const (
	Incomplete Completion = iota
	Complete
)

func (c Completion) String() string {
	if c == Complete {
		return "complete"
	}
	return "incomplete"
}

// recording is one Record call. The stream completes it when its marker
// settles; a newer recording of the same event does not affect older ones.
type recording struct {
	gen    uint64
	stream *Stream
	done   chan struct{}
	once   sync.Once
	at     time.Time
}

func newRecording(gen uint64, s *Stream) *recording {
	return &recording{gen: gen, stream: s, done: make(chan struct{})}
}

func (r *recording) complete() {
	r.once.Do(func() {
		r.at = time.Now()
		close(r.done)
	})
}

func (r *recording) completed() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

// Event observes the progress of a stream up to the point it was recorded.
type Event struct {
	id  uint64
	ctx *Context

	mu        sync.Mutex
	cur       *recording
	gen       uint64
	destroyed bool
}

func (e *Event) ID() uint64 { return e.id }

// current returns the latest recording, nil when never recorded.
func (e *Event) current(op string) (*recording, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.destroyed {
		return nil, newError(InvalidHandle, op, ErrEventDestroyed)
	}
	return e.cur, nil
}

// Status reports the event's lifecycle state without blocking.
func (e *Event) Status() EventStatus {
	e.mu.Lock()
	rec := e.cur
	e.mu.Unlock()
	switch {
	case rec == nil:
		return EventCreated
	case rec.completed():
		return EventRecordedComplete
	default:
		return EventRecordedIncomplete
	}
}

// Query never blocks. An event that was never recorded is Incomplete.
func (e *Event) Query() (Completion, error) {
	rec, err := e.current("event.query")
	if err != nil {
		return Incomplete, err
	}
	if rec != nil && rec.completed() {
		return Complete, nil
	}
	return Incomplete, nil
}

// Record binds the event to the current tail of s. Any earlier binding is
// discarded.
func (e *Event) Record(s *Stream) error {
	if s == nil {
		return newError(InvalidArgument, "event.record", ErrNilArgument)
	}
	if s.rt() != e.ctx.dev.rt {
		return newError(InvalidArgument, "event.record", ErrWrongContext)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.destroyed {
		return newError(InvalidHandle, "event.record", ErrEventDestroyed)
	}
	rec := newRecording(e.gen+1, s)
	if _, err := s.enqueue("event.record", &command{kind: EventRecord, rec: rec}); err != nil {
		return err
	}
	e.gen = rec.gen
	e.cur = rec
	return nil
}

// Stream returns the stream the event was last recorded into.
func (e *Event) Stream() *Stream {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cur == nil {
		return nil
	}
	return e.cur.stream
}

// Synchronize blocks until the latest recording completes. Without a
// deadline on ctx the runtime's sync timeout applies.
func (e *Event) Synchronize(ctx context.Context) error {
	rec, err := e.current("event.synchronize")
	if err != nil {
		return err
	}
	if rec == nil {
		return newError(InvalidArgument, "event.synchronize", ErrEventNotRecorded)
	}
	ctx, cancel := e.ctx.dev.rt.withDefaultTimeout(ctx)
	defer cancel()
	select {
	case <-rec.done:
		return nil
	case <-ctx.Done():
		return newError(Timeout, "event.synchronize", ctx.Err())
	}
}

// Destroy releases the event. Pending markers still complete harmlessly.
func (e *Event) Destroy() error {
	if !e.markDestroyed() {
		return newError(InvalidHandle, "event.destroy", ErrEventDestroyed)
	}
	e.ctx.forgetEvent(e)
	return nil
}

func (e *Event) markDestroyed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.destroyed {
		return false
	}
	e.destroyed = true
	return true
}

// EventElapsedTime returns the time between the completion of start and the
// completion of end. Both must be recorded and complete.
func EventElapsedTime(start, end *Event) (time.Duration, error) {
	if start == nil || end == nil {
		return 0, newError(InvalidArgument, "event.elapsed_time", ErrNilArgument)
	}
	a, err := start.current("event.elapsed_time")
	if err != nil {
		return 0, err
	}
	b, err := end.current("event.elapsed_time")
	if err != nil {
		return 0, err
	}
	if a == nil || b == nil {
		return 0, newError(InvalidArgument, "event.elapsed_time", ErrEventNotRecorded)
	}
	if !a.completed() || !b.completed() {
		return 0, newError(InvalidArgument, "event.elapsed_time", ErrEventIncomplete)
	}
	return b.at.Sub(a.at), nil
}
