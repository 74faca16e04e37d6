package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"

	"qualitybots/internal/models"
	"qualitybots/internal/store"
)

func newTestRunner(t *testing.T) (*Runner, *Queue, *store.Memory) {
	t.Helper()
	st := store.NewMemory()
	q := NewQueue(st)
	r := NewRunner(q, RunnerConfig{WorkerID: "test-runner"}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	return r, q, st
}

type greeting struct {
	Name string `json:"name"`
}

func TestDeferDedupAndDelay(t *testing.T) {
	r, q, st := newTestRunner(t)
	ctx := context.Background()

	var got []string
	r.Register("greet", func(ctx context.Context, raw json.RawMessage) error {
		args, err := Decode[greeting](raw)
		if err != nil {
			return err
		}
		got = append(got, args.Name)
		return nil
	})

	created, err := q.Defer(ctx, "greet", greeting{Name: "a"}, WithDedupKey("run/greet"), WithDelay(30*time.Second))
	if err != nil || !created {
		t.Fatalf("expected task created, got %v %v", created, err)
	}
	created, err = q.Defer(ctx, "greet", greeting{Name: "b"}, WithDedupKey("run/greet"))
	if err != nil {
		t.Fatalf("defer duplicate: %v", err)
	}
	if created {
		t.Fatal("expected duplicate dedup key to be suppressed")
	}

	ran, err := r.Drain(ctx, 0)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if ran != 0 {
		t.Fatalf("expected delayed task to wait, ran %d", ran)
	}

	ran, err = r.Drain(ctx, time.Minute)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if ran != 1 || len(got) != 1 || got[0] != "a" {
		t.Fatalf("expected one greet for a, ran %d got %v", ran, got)
	}

	counts, _ := st.CountTasksByStatus(ctx)
	if counts[models.TaskDone] != 1 {
		t.Fatalf("expected task DONE, got %v", counts)
	}

	created, err = q.Defer(ctx, "greet", greeting{Name: "c"}, WithDedupKey("run/greet"))
	if err != nil || !created {
		t.Fatalf("expected dedup key reusable after completion, got %v %v", created, err)
	}
}

func TestRunnerRetriesUntilMaxAttempts(t *testing.T) {
	r, q, st := newTestRunner(t)
	ctx := context.Background()

	var calls int32
	r.Register("flaky", func(ctx context.Context, raw json.RawMessage) error {
		atomic.AddInt32(&calls, 1)
		return errors.New("provider unavailable")
	})
	if _, err := q.Defer(ctx, "flaky", nil, WithMaxAttempts(3)); err != nil {
		t.Fatalf("defer: %v", err)
	}

	if _, err := r.Drain(ctx, time.Hour); err != nil {
		t.Fatalf("drain: %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls)
	}
	tasks, err := st.ListTasks(ctx, models.TaskFailed, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(tasks) != 1 || tasks[0].LastError != "provider unavailable" {
		t.Fatalf("expected one failed task with last error, got %+v", tasks)
	}
}

func TestRunnerPermanentErrorStopsRetries(t *testing.T) {
	r, q, st := newTestRunner(t)
	ctx := context.Background()

	var calls int32
	r.Register("bad", func(ctx context.Context, raw json.RawMessage) error {
		atomic.AddInt32(&calls, 1)
		return Permanent(errors.New("malformed"))
	})
	if _, err := q.Defer(ctx, "bad", nil); err != nil {
		t.Fatalf("defer: %v", err)
	}
	if _, err := q.Defer(ctx, "unregistered", nil); err != nil {
		t.Fatalf("defer: %v", err)
	}

	if _, err := r.Drain(ctx, time.Hour); err != nil {
		t.Fatalf("drain: %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected a single attempt, got %d", calls)
	}
	counts, _ := st.CountTasksByStatus(ctx)
	if counts[models.TaskFailed] != 2 {
		t.Fatalf("expected both tasks FAILED, got %v", counts)
	}
}

func TestRunnerRecoversPanics(t *testing.T) {
	r, q, st := newTestRunner(t)
	ctx := context.Background()
	r.Register("boom", func(ctx context.Context, raw json.RawMessage) error {
		panic("nil map")
	})
	if _, err := q.Defer(ctx, "boom", nil); err != nil {
		t.Fatalf("defer: %v", err)
	}
	if _, err := r.Drain(ctx, 0); err != nil {
		t.Fatalf("drain: %v", err)
	}
	counts, _ := st.CountTasksByStatus(ctx)
	if counts[models.TaskFailed] != 1 {
		t.Fatalf("expected panicking task FAILED, got %v", counts)
	}
}

func TestRunnerStartProcessesAndStops(t *testing.T) {
	st := store.NewMemory()
	q := NewQueue(st)
	r := NewRunner(q, RunnerConfig{WorkerID: "loop", PollInterval: 10 * time.Millisecond}, slog.New(slog.NewTextHandler(io.Discard, nil)))

	done := make(chan struct{})
	r.Register("ping", func(ctx context.Context, raw json.RawMessage) error {
		close(done)
		return nil
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if _, err := q.Defer(ctx, "ping", nil); err != nil {
		t.Fatalf("defer: %v", err)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- r.Start(ctx) }()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for task")
	}
	cancel()
	if err := <-errCh; err != nil {
		t.Fatalf("start: %v", err)
	}
}

func TestRetryDelay(t *testing.T) {
	cases := []struct {
		attempts int
		want     time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{3, 8 * time.Second},
		{9, 512 * time.Second},
		{10, maxRetryDelay},
		{40, maxRetryDelay},
	}
	for _, tc := range cases {
		if got := retryDelay(tc.attempts); got != tc.want {
			t.Fatalf("retryDelay(%d) = %v, want %v", tc.attempts, got, tc.want)
		}
	}
}

func TestPermanentWrapping(t *testing.T) {
	base := errors.New("base")
	err := Permanent(base)
	if !IsPermanent(err) || !errors.Is(err, base) {
		t.Fatal("expected permanent error to wrap base")
	}
	if IsPermanent(base) || Permanent(nil) != nil {
		t.Fatal("unexpected permanent classification")
	}
}

func TestSummarizeErrorTruncates(t *testing.T) {
	short := errors.New("boom")
	if got := summarizeError(short); got != "boom" {
		t.Fatalf("expected short error unchanged, got %q", got)
	}
	long := errors.New(strings.Repeat("a", maxLastErrorLen-1) + "é" + "tail")
	got := summarizeError(long)
	if len(got) > maxLastErrorLen || !utf8.ValidString(got) {
		t.Fatalf("expected valid truncated string, got len %d", len(got))
	}
	if got != strings.Repeat("a", maxLastErrorLen-1) {
		t.Fatalf("expected cut before the multi-byte rune")
	}
}
