package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel/attribute"

	"qualitybots/internal/models"
	"qualitybots/internal/tracing"
)

// Handler runs one task. Returning an error schedules a retry unless the
// error is Permanent or attempts are exhausted.
type Handler func(ctx context.Context, args json.RawMessage) error

type RunnerConfig struct {
	WorkerID      string
	PollInterval  time.Duration
	LeaseDuration time.Duration
	ReapInterval  time.Duration
	Concurrency   int
	ExecTimeout   time.Duration
}

func (c RunnerConfig) withDefaults() RunnerConfig {
	if c.WorkerID == "" {
		c.WorkerID = "tasks"
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.LeaseDuration <= 0 {
		c.LeaseDuration = 5 * time.Minute
	}
	if c.ReapInterval <= 0 {
		c.ReapInterval = time.Minute
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 8
	}
	if c.ExecTimeout <= 0 || c.ExecTimeout > c.LeaseDuration {
		c.ExecTimeout = c.LeaseDuration
	}
	return c
}

type Runner struct {
	cfg      RunnerConfig
	queue    *Queue
	logger   *slog.Logger
	handlers map[string]Handler
	slots    chan struct{}
	wg       sync.WaitGroup
	mu       sync.RWMutex
}

func NewRunner(q *Queue, cfg RunnerConfig, logger *slog.Logger) *Runner {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		cfg:      cfg,
		queue:    q,
		logger:   logger,
		handlers: map[string]Handler{},
		slots:    make(chan struct{}, cfg.Concurrency),
	}
}

func (r *Runner) Register(name string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = h
}

func (r *Runner) handler(name string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	return h, ok
}

func (r *Runner) Start(ctx context.Context) error {
	r.logger.Info("Starting task runner", "worker_id", r.cfg.WorkerID, "concurrency", r.cfg.Concurrency)

	go r.runReaper(ctx)

	pollJitter := time.Duration(rand.Intn(200)) * time.Millisecond
	ticker := time.NewTicker(r.cfg.PollInterval + pollJitter)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("Task runner received shutdown signal, waiting for tasks to finish...")
			r.wg.Wait()
			r.logger.Info("All tasks finished")
			return nil
		case <-ticker.C:
			for {
				if ctx.Err() != nil {
					break
				}
				processed, err := r.processNext(ctx)
				if err != nil {
					r.logger.Error("Error processing task", "error", err)
					break
				}
				if !processed {
					break
				}
			}
		}
	}
}

func (r *Runner) runReaper(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			count, err := r.queue.store.ReclaimTasks(ctx, r.queue.now())
			if err != nil {
				r.logger.Error("Failed to reclaim expired task leases", "error", err)
			} else if count > 0 {
				tasksReclaimed.Add(float64(count))
				r.logger.Info("Reclaimed expired task leases", "count", count)
			}
		}
	}
}

func (r *Runner) processNext(ctx context.Context) (bool, error) {
	select {
	case r.slots <- struct{}{}:
	case <-ctx.Done():
		return false, nil
	}

	task, err := r.claim(ctx, r.queue.now())
	if err != nil {
		<-r.slots
		if errors.Is(err, ErrNoTasks) {
			return false, nil
		}
		return false, err
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer func() { <-r.slots }()
		r.execute(ctx, task)
	}()
	return true, nil
}

func (r *Runner) claim(ctx context.Context, now time.Time) (*models.Task, error) {
	start := time.Now()
	task, err := r.queue.store.ClaimTask(ctx, r.cfg.WorkerID, now, r.cfg.LeaseDuration)
	claimDuration.Observe(time.Since(start).Seconds())
	return task, err
}

// Drain runs every task due within horizon synchronously, including tasks
// deferred by the handlers it runs, and returns how many it executed.
func (r *Runner) Drain(ctx context.Context, horizon time.Duration) (int, error) {
	ran := 0
	for ctx.Err() == nil {
		task, err := r.claim(ctx, r.queue.now().Add(horizon))
		if errors.Is(err, ErrNoTasks) {
			return ran, nil
		}
		if err != nil {
			return ran, err
		}
		r.execute(ctx, task)
		ran++
	}
	return ran, ctx.Err()
}

func (r *Runner) execute(ctx context.Context, task *models.Task) {
	logger := r.logger.With("task_id", task.ID, "task", task.Name)
	logger.Debug("Processing task", "attempt", task.Attempts)

	startExec := time.Now()
	execErr := r.invoke(ctx, task)
	execDuration.WithLabelValues(task.Name).Observe(time.Since(startExec).Seconds())

	completionCtx, completionCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer completionCancel()

	if execErr == nil {
		if err := r.queue.store.CompleteTask(completionCtx, task.ID, r.cfg.WorkerID); err != nil {
			logger.Error("Failed to mark task done", "error", err)
		}
		tasksCompleted.WithLabelValues(task.Name, string(models.TaskDone)).Inc()
		return
	}

	shouldRetry := !IsPermanent(execErr) && task.Attempts < task.MaxAttempts
	wait := retryDelay(task.Attempts)
	nextRun := r.queue.now().Add(wait)
	if err := r.queue.store.FailTask(completionCtx, task.ID, r.cfg.WorkerID, summarizeError(execErr), shouldRetry, nextRun); err != nil {
		logger.Error("Failed to record task failure", "error", err)
	}
	if shouldRetry {
		logger.Warn("Task failed, will retry", "attempt", task.Attempts, "retry_in", wait, "error", execErr)
		tasksCompleted.WithLabelValues(task.Name, "RETRY").Inc()
		return
	}
	logger.Error("Task failed permanently", "attempt", task.Attempts, "error", execErr)
	tasksCompleted.WithLabelValues(task.Name, string(models.TaskFailed)).Inc()
}

func (r *Runner) invoke(ctx context.Context, task *models.Task) (err error) {
	h, ok := r.handler(task.Name)
	if !ok {
		return Permanent(fmt.Errorf("no handler registered for task %q", task.Name))
	}
	execCtx, cancel := context.WithTimeout(ctx, r.cfg.ExecTimeout)
	defer cancel()
	execCtx, span := tracing.StartSpan(execCtx, "task."+task.Name,
		attribute.Int64("task.id", task.ID),
		attribute.Int("task.attempt", task.Attempts),
	)
	defer func() { tracing.End(span, err) }()
	defer func() {
		if p := recover(); p != nil {
			err = Permanent(fmt.Errorf("task %s panicked: %v", task.Name, p))
		}
	}()
	return h(execCtx, task.Args)
}

const maxRetryDelay = 10 * time.Minute

// retryDelay is 2^attempts seconds, capped at maxRetryDelay.
func retryDelay(attempts int) time.Duration {
	b := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(time.Second),
		backoff.WithMultiplier(2),
		backoff.WithRandomizationFactor(0),
		backoff.WithMaxInterval(maxRetryDelay),
		backoff.WithMaxElapsedTime(0),
	)
	wait := b.NextBackOff()
	for i := 0; i < attempts; i++ {
		wait = b.NextBackOff()
	}
	return wait
}
