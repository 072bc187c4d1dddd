// Package worker runs host callbacks on a fixed set of goroutines owned by
// the runtime. Streams hand work over through a channel and wait for the
// result, so a callback runs exactly once and never on a stream's own
// goroutine.
package worker

import (
	"errors"
	"fmt"
	"sync"

	"github.com/fxnlabs/aclrt/internal/metrics"
	"go.uber.org/zap"
)

var (
	ErrStopped = errors.New("worker pool stopped")
	ErrPanic   = errors.New("callback panicked")
)

type job struct {
	fn     func() error
	result chan error
}

// Pool is a fixed-size set of callback workers.
type Pool struct {
	logger *zap.Logger
	jobs   chan job
	wg     sync.WaitGroup

	mu      sync.RWMutex
	stopped bool
}

// New starts workers goroutines fed by a queue of the given depth.
func New(workers, queue int, logger *zap.Logger) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if queue < 0 {
		queue = 0
	}
	p := &Pool{
		logger: logger.Named("callback"),
		jobs:   make(chan job, queue),
	}
	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.run()
	}
	return p
}

func (p *Pool) run() {
	defer p.wg.Done()
	for j := range p.jobs {
		j.result <- p.invoke(j.fn)
		close(j.result)
	}
}

func (p *Pool) invoke(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrPanic, r)
			metrics.Callbacks.WithLabelValues("panic").Inc()
			p.logger.Error("host callback panicked", zap.Any("panic", r))
		}
	}()
	if err = fn(); err != nil {
		metrics.Callbacks.WithLabelValues("error").Inc()
		return err
	}
	metrics.Callbacks.WithLabelValues("ok").Inc()
	return nil
}

// Submit queues fn and returns a channel that receives its result once. It
// blocks only while the queue is full.
func (p *Pool) Submit(fn func() error) (<-chan error, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return nil, ErrStopped
	}
	result := make(chan error, 1)
	p.jobs <- job{fn: fn, result: result}
	return result, nil
}

// Stop rejects new work, lets accepted work finish and waits for the
// workers to exit. It is safe to call more than once.
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	close(p.jobs)
	p.mu.Unlock()
	p.wg.Wait()
}
