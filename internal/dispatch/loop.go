// Package dispatch provides the main execution context: a single-worker
// queue on which all sign-in state is mutated, in submission order.
package dispatch

// file: internal/dispatch/loop.go

import (
	"context"
	"fmt"
	"sync"

	"github.com/alitto/pond"
	"github.com/cockroachdb/errors"
	"github.com/dkoosis/emailsignin/internal/logging"
)

// DefaultQueueSize bounds the number of tasks waiting for the loop.
const DefaultQueueSize = 256

// ErrStopped is returned when work is submitted after Stop.
var ErrStopped = errors.New("dispatch loop stopped")

// ErrQueueFull is returned when the loop cannot accept more work.
var ErrQueueFull = errors.New("dispatch loop queue full")

// Loop runs tasks one at a time on a single pond worker.
// Tasks must not call Call on the same loop; that would deadlock.
type Loop struct {
	pool   *pond.WorkerPool
	logger logging.Logger

	mu      sync.RWMutex
	stopped bool
}

// NewLoop starts a loop with room for queueSize pending tasks.
func NewLoop(queueSize int, logger logging.Logger) *Loop {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	l := &Loop{logger: logging.OrNoop(logger).WithField("component", "dispatch_loop")}
	l.pool = pond.New(1, queueSize,
		pond.MinWorkers(1),
		pond.PanicHandler(func(p interface{}) {
			l.logger.Error("Panic in dispatched task.", "panic", fmt.Sprintf("%v", p))
		}),
	)
	return l
}

// Post enqueues fn without waiting for it to run.
func (l *Loop) Post(fn func()) error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.stopped {
		return ErrStopped
	}
	if !l.pool.TrySubmit(fn) {
		l.logger.Error("Dispatch queue full, task dropped.")
		return ErrQueueFull
	}
	return nil
}

// Call runs fn on the loop and waits for its result. If ctx ends first the
// task may still run later; its result is discarded.
func (l *Loop) Call(ctx context.Context, fn func() error) error {
	result := make(chan error, 1)
	if err := l.Post(func() { result <- fn() }); err != nil {
		return err
	}
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop drains queued tasks and shuts the worker down. Later Posts fail.
func (l *Loop) Stop() {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return
	}
	l.stopped = true
	l.mu.Unlock()

	l.pool.StopAndWait()
	l.logger.Debug("Dispatch loop stopped.")
}

// Stopped reports whether Stop has been called.
func (l *Loop) Stopped() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.stopped
}
