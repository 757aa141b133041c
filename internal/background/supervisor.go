// Package background runs fire-and-forget work on supervised goroutines.
//
// Tasks never block the caller and their errors never reach it; each task's
// completion is logged, panics are recovered, and Wait lets shutdown, the CLI,
// and tests drain whatever is still in flight.
package background

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

const defaultTaskTimeout = 5 * time.Minute

// Task is a unit of background work. The context it receives is detached
// from the request that spawned it and bounded by the supervisor's timeout.
type Task func(ctx context.Context) error

// Supervisor tracks background tasks.
type Supervisor struct {
	logger  *zap.Logger
	timeout time.Duration
	wg      sync.WaitGroup
	running atomic.Int64
	failed  atomic.Int64
}

// New constructs a Supervisor. A non-positive timeout uses five minutes.
func New(logger *zap.Logger, timeout time.Duration) *Supervisor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = defaultTaskTimeout
	}
	return &Supervisor{logger: logger, timeout: timeout}
}

// Go starts fn on its own goroutine and returns immediately. Values carried by
// parent (request IDs and the like) remain visible to fn, but its cancellation
// does not propagate.
func (s *Supervisor) Go(parent context.Context, name string, fn Task) {
	if parent == nil {
		parent = context.Background()
	}
	s.wg.Add(1)
	s.running.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.running.Add(-1)

		ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), s.timeout)
		defer cancel()

		start := time.Now()
		err := s.run(ctx, fn)
		fields := []zap.Field{zap.String("task", name), zap.Duration("duration", time.Since(start))}
		if err != nil {
			s.failed.Add(1)
			s.logger.Warn("background task failed", append(fields, zap.Error(err))...)
			return
		}
		s.logger.Debug("background task finished", fields...)
	}()
}

func (s *Supervisor) run(ctx context.Context, fn Task) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic: %v", rec)
		}
	}()
	return fn(ctx)
}

// Wait blocks until every task has finished or ctx is done.
func (s *Supervisor) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for background tasks: %w", errors.Join(ctx.Err(), fmt.Errorf("%d still running", s.running.Load())))
	}
}

// Running returns the number of tasks in flight.
func (s *Supervisor) Running() int64 {
	return s.running.Load()
}

// Failed returns how many tasks have ended with an error since start.
func (s *Supervisor) Failed() int64 {
	return s.failed.Load()
}
