// Package sched runs named background tasks on fixed intervals. The pool
// uses it for health checks and idle cleanup; the optimizer for resource
// sampling.
package sched

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nineking424/nificdc-sub004/internal/logger"
)

// Task is a periodic job. The context is cancelled when the runner stops.
type Task func(ctx context.Context)

type job struct {
	name     string
	interval time.Duration
	fn       Task
}

// Runner executes registered tasks on their intervals until stopped. Tasks
// run on their own goroutines; a panicking task is logged and keeps its
// schedule.
type Runner struct {
	mu      sync.Mutex
	jobs    []job
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// NewRunner creates an empty runner.
func NewRunner() *Runner {
	return &Runner{}
}

// Add registers a task. Adding after Start returns an error.
func (r *Runner) Add(name string, interval time.Duration, fn Task) error {
	if interval <= 0 {
		return fmt.Errorf("task %s: interval must be positive", name)
	}
	if fn == nil {
		return fmt.Errorf("task %s: nil func", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return fmt.Errorf("task %s: runner already started", name)
	}
	r.jobs = append(r.jobs, job{name: name, interval: interval, fn: fn})
	return nil
}

// Start launches every registered task. The parent context bounds the
// runner's lifetime in addition to Stop.
func (r *Runner) Start(parent context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return fmt.Errorf("runner already started")
	}
	r.started = true

	ctx, cancel := context.WithCancel(parent)
	r.cancel = cancel

	for _, j := range r.jobs {
		r.wg.Add(1)
		go r.loop(ctx, j)
	}
	logger.Logger.Debug("scheduler started", "tasks", len(r.jobs))
	return nil
}

func (r *Runner) loop(ctx context.Context, j job) {
	defer r.wg.Done()
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.run(ctx, j)
		}
	}
}

func (r *Runner) run(ctx context.Context, j job) {
	defer func() {
		if rec := recover(); rec != nil {
			logger.Logger.Error("scheduled task panicked",
				"task", j.name,
				"panic", fmt.Sprint(rec))
		}
	}()
	j.fn(ctx)
}

// Stop cancels all tasks and waits for in-flight runs to finish.
func (r *Runner) Stop() {
	r.mu.Lock()
	cancel := r.cancel
	r.cancel = nil
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	r.wg.Wait()
}
