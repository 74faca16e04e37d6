package store

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"qualitybots/internal/db"
	"qualitybots/internal/models"
)

func TestPostgresIntegration(t *testing.T) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL not set, skipping integration test")
	}

	ctx := context.Background()
	pool, err := db.NewPool(ctx, dsn)
	if err != nil {
		t.Fatalf("failed to connect to DB: %v", err)
	}
	defer pool.Close()
	if err := db.EnsureSchema(ctx, pool); err != nil {
		t.Fatalf("schema: %v", err)
	}
	for _, table := range []string{"work_items", "machines", "deferred_tasks"} {
		pool.Exec(ctx, "DELETE FROM "+table)
	}

	s := NewPostgres(pool)
	base := time.Now().UTC().Truncate(time.Millisecond)
	items := []*models.WorkItem{
		newItem("pg-b", base.Add(2*time.Second), 5),
		newItem("pg-a", base.Add(time.Second), 0),
	}
	n, err := s.InsertWorkItems(ctx, items)
	if err != nil || n != 2 {
		t.Fatalf("expected 2 inserted, got %d (%v)", n, err)
	}
	if n, _ := s.InsertWorkItems(ctx, items); n != 0 {
		t.Fatalf("expected re-insert to be a no-op, got %d", n)
	}

	first, err := s.LeaseWorkItem(ctx, "run-1", "chrome/121.0", "vm-1", base)
	if err != nil {
		t.Fatalf("lease: %v", err)
	}
	if first.ID != "pg-a" {
		t.Fatalf("expected oldest item first, got %s", first.ID)
	}

	updated, err := s.UpdateWorkItem(ctx, first.ID, func(w *models.WorkItem) error {
		w.Status = models.StatusFinished
		w.ClientID = ""
		return nil
	})
	if err != nil || updated.Status != models.StatusFinished {
		t.Fatalf("update: %v %+v", err, updated)
	}

	ok, err := s.EnqueueTask(ctx, &models.Task{Name: "noop", DedupKey: "pg", RunAfter: base, MaxAttempts: 3})
	if err != nil || !ok {
		t.Fatalf("enqueue: %v", err)
	}
	task, err := s.ClaimTask(ctx, "w", base.Add(time.Second), time.Minute)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := s.CompleteTask(ctx, task.ID, "wrong"); !errors.Is(err, ErrLeaseLost) {
		t.Fatalf("expected fencing failure, got %v", err)
	}
	if err := s.CompleteTask(ctx, task.ID, "w"); err != nil {
		t.Fatalf("complete: %v", err)
	}
}
