// Package scheduler runs the periodic maintenance tasks: grid
// recalculation, order reconciliation, bracket checks, and balance
// refresh. Each task ticks independently and never overlaps itself.
package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"gridbot/logger"
)

// Task is one periodic maintenance job.
type Task struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
}

type task struct {
	Task
	inflight atomic.Bool
}

// Scheduler drives registered tasks on their cadences.
type Scheduler struct {
	mu      sync.Mutex
	tasks   []*task
	started bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an empty scheduler.
func New() *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{ctx: ctx, cancel: cancel}
}

// Register adds a task. Must be called before Start.
func (s *Scheduler) Register(t Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		logger.Errorf("scheduler: cannot register %s after start", t.Name)
		return
	}
	if t.Interval <= 0 {
		t.Interval = time.Minute
	}
	s.tasks = append(s.tasks, &task{Task: t})
}

// Start launches one goroutine per task. Each task runs once immediately,
// then on its interval.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	for _, t := range s.tasks {
		s.wg.Add(1)
		go s.run(t)
	}
	logger.Infof("scheduler started with %d tasks", len(s.tasks))
}

// Stop cancels all tasks and waits for in-flight runs to finish.
func (s *Scheduler) Stop() {
	s.cancel()
	s.wg.Wait()
	logger.Info("scheduler stopped")
}

func (s *Scheduler) run(t *task) {
	defer s.wg.Done()

	s.spawn(t)

	ticker := time.NewTicker(t.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.spawn(t)
		}
	}
}

func (s *Scheduler) spawn(t *task) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.execute(t)
	}()
}

// execute runs the task unless its previous run is still going. A slow
// run skips ticks instead of stacking up.
func (s *Scheduler) execute(t *task) {
	if !t.inflight.CompareAndSwap(false, true) {
		logger.Warnf("task %s still running, skipping tick", t.Name)
		return
	}
	defer t.inflight.Store(false)

	start := time.Now()
	if err := t.Run(s.ctx); err != nil {
		if s.ctx.Err() != nil {
			return
		}
		logger.Errorf("task %s failed after %s: %v", t.Name, time.Since(start).Round(time.Millisecond), err)
	}
}
