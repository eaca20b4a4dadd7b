// Package scheduler runs the periodic checks of a monitor session.
//
// A Scheduler is owned by exactly one monitor. Tasks are registered before
// Start; Stop cancels and waits for every task and may be called any number
// of times.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/getsentry/sentry-go"

	"examguard/internal/logging"
)

var (
	ErrStarted     = errors.New("scheduler: already started")
	ErrStopped     = errors.New("scheduler: stopped")
	ErrUnknownTask = errors.New("scheduler: unknown task")
	ErrDuplicate   = errors.New("scheduler: duplicate task")
	ErrInterval    = errors.New("scheduler: interval must be positive")
)

// TaskFunc is one run of a periodic task.
type TaskFunc func(ctx context.Context)

type task struct {
	name      string
	interval  time.Duration
	fn        TaskFunc
	immediate bool
	inFlight atomic.Bool
	runs     atomic.Int64
	skipped  atomic.Int64
}

// TaskStats are per-task counters.
type TaskStats struct {
	Name     string
	Interval time.Duration
	Runs     int64
	Skipped  int64
}

// Scheduler holds the periodic tasks of one session.
type Scheduler struct {
	mu      sync.Mutex
	tasks   map[string]*task
	order   []string
	started bool
	stopped bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	logger  *slog.Logger
}

// New creates an empty scheduler.
func New(logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = logging.Default().Logger
	}
	return &Scheduler{
		tasks:  make(map[string]*task),
		logger: logger,
	}
}

// TaskOption adjusts a registered task.
type TaskOption func(*task)

// RunAtStart makes the task run once as soon as the scheduler starts,
// before its first tick.
func RunAtStart() TaskOption {
	return func(t *task) { t.immediate = true }
}

// Register adds a task. Tasks cannot be added after Start.
func (s *Scheduler) Register(name string, interval time.Duration, fn TaskFunc, opts ...TaskOption) error {
	if interval <= 0 {
		return fmt.Errorf("%w: %s", ErrInterval, name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return ErrStopped
	}
	if s.started {
		return ErrStarted
	}
	if _, ok := s.tasks[name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicate, name)
	}
	t := &task{name: name, interval: interval, fn: fn}
	for _, opt := range opts {
		opt(t)
	}
	s.tasks[name] = t
	s.order = append(s.order, name)
	return nil
}

// Start launches every registered task on its own ticker.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return ErrStopped
	}
	if s.started {
		return ErrStarted
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.started = true

	for _, name := range s.order {
		t := s.tasks[name]
		s.wg.Add(1)
		go s.loop(t)
	}
	s.logger.Debug("scheduler started", "tasks", len(s.order))
	return nil
}

func (s *Scheduler) loop(t *task) {
	defer s.wg.Done()

	if t.immediate && s.ctx.Err() == nil {
		s.run(s.ctx, t)
	}

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.run(s.ctx, t)
		}
	}
}

// run executes t unless a previous run is still in flight. A panicking task
// is recovered and reported; the next tick runs normally.
func (s *Scheduler) run(ctx context.Context, t *task) bool {
	if !t.inFlight.CompareAndSwap(false, true) {
		t.skipped.Add(1)
		return false
	}
	defer t.inFlight.Store(false)
	defer func() {
		if r := recover(); r != nil {
			sentry.CurrentHub().Recover(r)
			s.logger.Error("task panicked", "task", t.name, "panic", r)
		}
	}()

	t.runs.Add(1)
	t.fn(ctx)
	return true
}

// Trigger runs the named task once, synchronously. It reports whether the
// task ran; false means a run was already in flight.
func (s *Scheduler) Trigger(name string) (bool, error) {
	s.mu.Lock()
	t, ok := s.tasks[name]
	stopped := s.stopped
	ctx := s.ctx
	s.mu.Unlock()

	if !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownTask, name)
	}
	if stopped {
		return false, ErrStopped
	}
	if ctx == nil {
		ctx = context.Background()
	}
	return s.run(ctx, t), nil
}

// Stop cancels all tasks and waits for running ones to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Debug("scheduler stopped")
}

// Running reports whether the scheduler has started and not stopped.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started && !s.stopped
}

// Tasks returns the registered task names in registration order.
func (s *Scheduler) Tasks() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.order...)
}

// Stats returns the counters of every task.
func (s *Scheduler) Stats() []TaskStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]TaskStats, 0, len(s.order))
	for _, name := range s.order {
		t := s.tasks[name]
		out = append(out, TaskStats{
			Name:     name,
			Interval: t.interval,
			Runs:     t.runs.Load(),
			Skipped:  t.skipped.Load(),
		})
	}
	return out
}
