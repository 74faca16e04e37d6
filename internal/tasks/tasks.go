// Package tasks is a durable deferred-task queue: handlers are registered by
// name, tasks carry JSON args and a not-before time, and delivery is
// at-least-once.
package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"qualitybots/internal/models"
	"qualitybots/internal/store"
)

var ErrNoTasks = store.ErrNoTasks

const DefaultMaxAttempts = 5

// Deferrer is what components use to schedule follow-up work.
type Deferrer interface {
	Defer(ctx context.Context, name string, args any, opts ...Option) (bool, error)
}

type Option func(*models.Task)

// WithDelay postpones the first attempt.
func WithDelay(d time.Duration) Option {
	return func(t *models.Task) {
		t.RunAfter = t.RunAfter.Add(d)
	}
}

// WithDedupKey drops the task if another READY or RUNNING task has the same key.
func WithDedupKey(key string) Option {
	return func(t *models.Task) {
		t.DedupKey = key
	}
}

func WithMaxAttempts(n int) Option {
	return func(t *models.Task) {
		if n > 0 {
			t.MaxAttempts = n
		}
	}
}

type Queue struct {
	store store.Store
	now   func() time.Time
}

func NewQueue(st store.Store) *Queue {
	return &Queue{store: st, now: time.Now}
}

// Defer schedules name with args marshalled to JSON. It reports false when
// the dedup key suppressed the task.
func (q *Queue) Defer(ctx context.Context, name string, args any, opts ...Option) (bool, error) {
	payload, err := json.Marshal(args)
	if err != nil {
		return false, fmt.Errorf("marshal %s args: %w", name, err)
	}
	task := &models.Task{
		Name:        name,
		Args:        payload,
		Status:      models.TaskReady,
		RunAfter:    q.now(),
		MaxAttempts: DefaultMaxAttempts,
	}
	for _, opt := range opts {
		opt(task)
	}
	created, err := q.store.EnqueueTask(ctx, task)
	if err != nil {
		return false, fmt.Errorf("defer %s: %w", name, err)
	}
	if created {
		tasksDeferred.WithLabelValues(name).Inc()
	}
	return created, nil
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks a handler error as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Decode unmarshals task args into T.
func Decode[T any](raw json.RawMessage) (T, error) {
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, Permanent(fmt.Errorf("decode task args: %w", err))
	}
	return v, nil
}

const maxLastErrorLen = 1024

// summarizeError bounds the message persisted as a task's last error without
// splitting a UTF-8 sequence.
func summarizeError(err error) string {
	msg := err.Error()
	if len(msg) <= maxLastErrorLen {
		return msg
	}
	cut := maxLastErrorLen
	for cut > 0 && !utf8.RuneStart(msg[cut]) {
		cut--
	}
	return msg[:cut]
}
