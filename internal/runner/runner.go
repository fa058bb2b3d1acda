// Package runner executes the scheduled background tasks of the service,
// chiefly the periodic inbox poll.
package runner

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
)

// Task is a scheduled background job.
type Task interface {
	Name() string
	// Schedule is a six-field cron expression (with seconds).
	Schedule() string
	Run(ctx context.Context) error
	// Timeout bounds a single execution.
	Timeout() time.Duration
}

// Runner drives registered tasks on their cron schedules.
type Runner struct {
	cron   *cron.Cron
	tasks  []Task
	logger *log.Logger
	wg     sync.WaitGroup
}

// RunnerOption customizes the runner.
type RunnerOption func(*Runner)

// WithLogger overrides the runner log destination.
func WithLogger(logger *log.Logger) RunnerOption {
	return func(r *Runner) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// NewRunner builds an empty runner. Register tasks with Add before Start.
func NewRunner(opts ...RunnerOption) *Runner {
	r := &Runner{
		cron:   cron.New(cron.WithSeconds()),
		logger: log.New(os.Stdout, "", log.LstdFlags),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Add registers a task for scheduling.
func (r *Runner) Add(task Task) {
	r.tasks = append(r.tasks, task)
}

// Start schedules every registered task and blocks until a termination
// signal arrives or ctx is cancelled.
func (r *Runner) Start(ctx context.Context) error {
	for _, task := range r.tasks {
		task := task
		_, err := r.cron.AddFunc(task.Schedule(), func() {
			r.execute(ctx, task)
		})
		if err != nil {
			return fmt.Errorf("schedule task %s: %w", task.Name(), err)
		}
		r.logger.Printf("runner: scheduled %s (%s)", task.Name(), task.Schedule())
	}

	r.cron.Start()
	return r.waitForShutdown(ctx)
}

func (r *Runner) execute(ctx context.Context, task Task) {
	r.wg.Add(1)
	defer r.wg.Done()

	taskCtx, cancel := context.WithTimeout(ctx, task.Timeout())
	defer cancel()

	start := time.Now()
	if err := task.Run(taskCtx); err != nil {
		r.logger.Printf("runner: %s failed after %v: %v", task.Name(), time.Since(start), err)
		return
	}
	r.logger.Printf("runner: %s completed in %v", task.Name(), time.Since(start))
}

// Stop drains in-flight tasks and halts the scheduler.
func (r *Runner) Stop() {
	ctx := r.cron.Stop()
	r.wg.Wait()
	<-ctx.Done()
	r.logger.Printf("runner: stopped")
}

func (r *Runner) waitForShutdown(ctx context.Context) error {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case sig := <-sigChan:
		r.logger.Printf("runner: received %v", sig)
		r.Stop()
		return nil
	case <-ctx.Done():
		r.Stop()
		return ctx.Err()
	}
}
