package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"qualitybots/internal/db"
	"qualitybots/internal/models"
)

// check is one invariant expressed as a query returning the number of
// offending rows.
type check struct {
	name  string
	query string
	args  []any
	// warn checks are expected to be transient and do not fail the run.
	warn bool
}

func checks(now time.Time, unresponsive time.Duration) []check {
	active := []string{string(models.MachineProvisioned), string(models.MachineInitializing), string(models.MachineRunning)}
	return []check{
		{
			name: "in-progress items leased by a retired machine",
			query: `SELECT count(*) FROM work_items w
				LEFT JOIN machines m ON m.client_id = w.client_id
				WHERE w.status = $1 AND (m.client_id IS NULL OR NOT (m.status = ANY($2)))`,
			args: []any{string(models.StatusInProgress), active},
			warn: true,
		},
		{
			name:  "queued items holding a client id",
			query: `SELECT count(*) FROM work_items WHERE status = $1 AND client_id <> ''`,
			args:  []any{string(models.StatusQueued)},
		},
		{
			name:  "items with negative retry budget",
			query: `SELECT count(*) FROM work_items WHERE retry_count < 0`,
		},
		{
			name:  "queued items of expired runs",
			query: `SELECT count(*) FROM work_items w JOIN runs r ON r.token = w.token WHERE r.expired_at IS NOT NULL AND w.status = $1`,
			args:  []any{string(models.StatusQueued)},
		},
		{
			name:  "active machines past the unresponsive threshold",
			query: `SELECT count(*) FROM machines WHERE status = ANY($1) AND updated_time < $2`,
			args:  []any{active, now.Add(-unresponsive)},
			warn:  true,
		},
		{
			name:  "machines beyond the retry limit",
			query: `SELECT count(*) FROM machines WHERE retry_count > $1 AND status = ANY($2)`,
			args:  []any{models.MaxMachineRetries, active},
		},
		{
			name:  "deferred tasks with expired leases",
			query: `SELECT count(*) FROM deferred_tasks WHERE status = $1 AND leased_until < $2`,
			args:  []any{string(models.TaskRunning), now},
			warn:  true,
		},
		{
			name:  "deferred tasks that exceeded max attempts",
			query: `SELECT count(*) FROM deferred_tasks WHERE attempts > max_attempts AND status <> $1`,
			args:  []any{string(models.TaskDone)},
		},
		{
			name:  "renders compared more than once",
			query: `SELECT count(*) FROM (SELECT test_render_id FROM comparisons GROUP BY test_render_id HAVING count(*) > 1) d`,
		},
		{
			name:  "scores outside [0, 100]",
			query: `SELECT count(*) FROM comparisons WHERE computed_at IS NOT NULL AND (score < 0 OR score > 100)`,
		},
		{
			name: "scored comparisons still holding test layout",
			query: `SELECT count(DISTINCT c.id) FROM comparisons c
				JOIN chunks k ON k.owner_id = c.test_render_id AND k.kind = $1
				WHERE c.computed_at IS NOT NULL`,
			args: []any{string(models.ChunkLayout)},
		},
	}
}

func main() {
	dsn := flag.String("dsn", os.Getenv("DATABASE_URL"), "Postgres DSN")
	unresponsive := flag.Duration("unresponsive-after", models.MaxUnresponsiveMinutes*time.Minute, "Machine silence treated as stale")
	flag.Parse()

	if *dsn == "" {
		log.Fatal("DATABASE_URL is required")
	}

	ctx := context.Background()
	pool, err := db.NewPool(ctx, *dsn)
	if err != nil {
		log.Fatalf("Failed to connect: %v", err)
	}
	defer pool.Close()

	var runs, items int
	if err := pool.QueryRow(ctx, "SELECT count(*) FROM runs").Scan(&runs); err != nil {
		log.Fatal(err)
	}
	if err := pool.QueryRow(ctx, "SELECT count(*) FROM work_items").Scan(&items); err != nil {
		log.Fatal(err)
	}
	fmt.Printf("Runs: %d, work items: %d\n", runs, items)

	failed := 0
	for _, c := range checks(time.Now(), *unresponsive) {
		var n int
		if err := pool.QueryRow(ctx, c.query, c.args...).Scan(&n); err != nil {
			log.Fatalf("%s: %v", c.name, err)
		}
		switch {
		case n == 0:
			fmt.Printf("[PASS] No %s\n", c.name)
		case c.warn:
			fmt.Printf("[WARN] Found %d %s\n", n, c.name)
		default:
			fmt.Printf("[FAIL] Found %d %s\n", n, c.name)
			failed++
		}
	}
	if failed > 0 {
		os.Exit(1)
	}
}
