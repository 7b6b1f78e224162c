// Package scheduler runs tasks one at a time on a single worker goroutine.
// Code that only runs inside tasks needs no locking.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/postalsys/alpd/internal/logging"
	"github.com/postalsys/alpd/internal/recovery"
)

// ErrStopped is returned when posting to a stopped scheduler.
var ErrStopped = errors.New("scheduler stopped")

// Priority orders pending tasks. Higher priorities run first; tasks of the
// same priority run in posting order.
type Priority uint8

// Priorities
const (
	PriorityNormal Priority = iota
	PriorityHigh
)

// Task is a unit of work.
type Task func()

// Scheduler is a prioritized single-consumer task queue.
type Scheduler struct {
	logger *slog.Logger

	mu      sync.Mutex
	queues  [2][]Task
	stopped bool

	wake     chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a scheduler. Call Start or Run to process tasks.
func New(logger *slog.Logger) *Scheduler {
	return &Scheduler{
		logger: logging.Component(logger, "scheduler"),
		wake:   make(chan struct{}, 1),
		stopCh: make(chan struct{}),
	}
}

// Post queues a task. It never blocks.
func (s *Scheduler) Post(p Priority, t Task) error {
	if p > PriorityHigh {
		p = PriorityHigh
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return ErrStopped
	}
	s.queues[p] = append(s.queues[p], t)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return nil
}

// Do runs t on the worker and waits for it to finish. It must not be called
// from a task.
func (s *Scheduler) Do(ctx context.Context, t Task) error {
	done := make(chan struct{})
	if err := s.Post(PriorityNormal, func() {
		defer close(done)
		t()
	}); err != nil {
		return err
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.stopCh:
		return ErrStopped
	}
}

// Pending returns the number of queued tasks.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queues[PriorityNormal]) + len(s.queues[PriorityHigh])
}

// Start runs the worker in the background until Stop.
func (s *Scheduler) Start() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer recovery.RecoverWithLog(s.logger, "scheduler.worker")
		s.Run(context.Background())
	}()
}

// Run processes tasks until ctx is done or Stop is called.
func (s *Scheduler) Run(ctx context.Context) error {
	for {
		if t := s.next(); t != nil {
			_ = recovery.Run(s.logger, "scheduler.task", t)
			continue
		}

		select {
		case <-s.wake:
		case <-s.stopCh:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *Scheduler) next() Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil
	}
	for p := PriorityHigh; ; p-- {
		if q := s.queues[p]; len(q) > 0 {
			t := q[0]
			q[0] = nil
			s.queues[p] = q[1:]
			return t
		}
		if p == PriorityNormal {
			return nil
		}
	}
}

// Stop stops the worker and drops pending tasks. It waits for a running
// task to return.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.stopped = true
		dropped := len(s.queues[PriorityNormal]) + len(s.queues[PriorityHigh])
		s.queues = [2][]Task{}
		s.mu.Unlock()

		if dropped > 0 {
			s.logger.Debug("dropping pending tasks", logging.KeyCount, dropped)
		}
		close(s.stopCh)
	})
	s.wg.Wait()
}
