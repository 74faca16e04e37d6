package health

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"qualitybots/internal/cache"
	"qualitybots/internal/models"
	"qualitybots/internal/orchestrator"
	"qualitybots/internal/queue"
	"qualitybots/internal/store"
	"qualitybots/internal/tasks"
)

var base = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

func newTestMonitor(t *testing.T, lock cache.Cache) (*Monitor, *queue.Service, *store.Memory) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st := store.NewMemory()
	q := queue.NewService(st, nil, nil, logger)
	mon := NewMonitor(st, q, tasks.NewQueue(st), lock, nil, Config{}, logger)
	mon.SetClock(func() time.Time { return base })
	return mon, q, st
}

func addMachine(t *testing.T, st *store.Memory, id string, status models.MachineStatus, retries int, updated time.Time) {
	t.Helper()
	if _, err := st.InsertMachines(context.Background(), []*models.Machine{{
		ClientID:       id,
		VMService:      models.VMServiceFake,
		OS:             models.OSWindows,
		Browser:        models.BrowserChrome,
		Channel:        models.ChannelStable,
		BrowserVersion: "120.0.6099.71",
		Status:         status,
		RetryCount:     retries,
		Token:          "run-1",
		CreationTime:   updated,
		UpdatedTime:    updated,
	}}); err != nil {
		t.Fatalf("insert machine: %v", err)
	}
}

func leaseFor(t *testing.T, q *queue.Service, clientID string, n int) {
	t.Helper()
	ctx := context.Background()
	items := make([]*models.WorkItem, n)
	for i := range items {
		items[i] = &models.WorkItem{
			URL:            clientID + "/" + string(rune('a'+i)),
			Token:          "run-1",
			OS:             models.OSWindows,
			Browser:        models.BrowserChrome,
			Channel:        models.ChannelStable,
			BrowserVersion: "120.0.6099.71",
		}
	}
	if _, err := q.Enqueue(ctx, items); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	for i := 0; i < n; i++ {
		if _, err := q.LeaseNext(ctx, "run-1", "chrome/120.0.6099.71", clientID); err != nil {
			t.Fatalf("lease: %v", err)
		}
	}
}

func readyTasks(t *testing.T, st *store.Memory) map[string][]*models.Task {
	t.Helper()
	list, err := st.ListTasks(context.Background(), models.TaskReady, 0)
	if err != nil {
		t.Fatalf("list tasks: %v", err)
	}
	byName := map[string][]*models.Task{}
	for _, task := range list {
		byName[task.Name] = append(byName[task.Name], task)
	}
	return byName
}

func TestSweepRebootsAndRetires(t *testing.T) {
	mon, q, st := newTestMonitor(t, nil)
	ctx := context.Background()
	stale := base.Add(-30 * time.Minute)

	addMachine(t, st, "m-reboot", models.MachineRunning, 2, stale)
	addMachine(t, st, "m-retire", models.MachineInitializing, models.MaxMachineRetries, stale)
	addMachine(t, st, "m-fresh", models.MachineRunning, 0, base.Add(-5*time.Minute))
	addMachine(t, st, "m-done", models.MachineTerminated, 0, stale)
	leaseFor(t, q, "m-reboot", 2)

	res, err := mon.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if res.Stale != 2 || res.Rebooted != 1 || res.Retired != 1 || res.Requeued != 2 {
		t.Fatalf("unexpected sweep result: %+v", res)
	}

	rebooted, _ := st.GetMachine(ctx, "m-reboot")
	if rebooted.Status != models.MachineInitializing || rebooted.RetryCount != 3 || !rebooted.UpdatedTime.Equal(base) {
		t.Fatalf("unexpected rebooted machine: %+v", rebooted)
	}
	retired, _ := st.GetMachine(ctx, "m-retire")
	if retired.Status != models.MachineFailed {
		t.Fatalf("expected FAILED, got %s", retired.Status)
	}
	fresh, _ := st.GetMachine(ctx, "m-fresh")
	if fresh.Status != models.MachineRunning || fresh.RetryCount != 0 {
		t.Fatalf("fresh machine was touched: %+v", fresh)
	}

	counts, _ := st.CountWorkItemsByStatus(ctx, "run-1")
	if counts[models.StatusQueued] != 2 || counts[models.StatusInProgress] != 0 {
		t.Fatalf("expected leased items requeued, got %v", counts)
	}

	byName := readyTasks(t, st)
	if len(byName[orchestrator.TaskRebootMachine]) != 1 || len(byName[orchestrator.TaskTerminateMachine]) != 1 {
		t.Fatalf("unexpected deferred tasks: %v", byName)
	}
	args, err := tasks.Decode[orchestrator.TerminateMachineArgs](byName[orchestrator.TaskTerminateMachine][0].Args)
	if err != nil || args.ClientID != "m-retire" || args.Status != models.MachineFailed {
		t.Fatalf("unexpected terminate args: %+v err=%v", args, err)
	}
}

func TestSweepIsIdempotent(t *testing.T) {
	mon, _, st := newTestMonitor(t, nil)
	ctx := context.Background()
	addMachine(t, st, "m-1", models.MachineRunning, 0, base.Add(-time.Hour))

	if res, err := mon.Sweep(ctx); err != nil || res.Rebooted != 1 {
		t.Fatalf("first sweep: %+v err=%v", res, err)
	}
	res, err := mon.Sweep(ctx)
	if err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	if res.Stale != 0 || res.Rebooted != 0 {
		t.Fatalf("second sweep acted again: %+v", res)
	}
	m, _ := st.GetMachine(ctx, "m-1")
	if m.RetryCount != 1 {
		t.Fatalf("expected a single retry, got %d", m.RetryCount)
	}
	if n := len(readyTasks(t, st)[orchestrator.TaskRebootMachine]); n != 1 {
		t.Fatalf("expected one reboot task, got %d", n)
	}
}

func TestConcurrentSweepsClaimOnce(t *testing.T) {
	mon, _, st := newTestMonitor(t, nil)
	ctx := context.Background()
	for _, id := range []string{"m-1", "m-2", "m-3", "m-4"} {
		addMachine(t, st, id, models.MachineRunning, 0, base.Add(-time.Hour))
	}

	var wg sync.WaitGroup
	results := make([]Result, 4)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := mon.Sweep(ctx)
			if err != nil {
				t.Errorf("sweep: %v", err)
			}
			results[i] = res
		}(i)
	}
	wg.Wait()

	rebooted := 0
	for _, res := range results {
		rebooted += res.Rebooted
	}
	if rebooted != 4 {
		t.Fatalf("expected each machine rebooted once, got %d", rebooted)
	}
	for _, id := range []string{"m-1", "m-2", "m-3", "m-4"} {
		m, _ := st.GetMachine(ctx, id)
		if m.RetryCount != 1 {
			t.Fatalf("machine %s retried %d times", id, m.RetryCount)
		}
	}
}

func TestSweepSkipsWhenLockHeld(t *testing.T) {
	lock := cache.NewLocal(16, time.Hour)
	mon, _, st := newTestMonitor(t, lock)
	ctx := context.Background()
	addMachine(t, st, "m-1", models.MachineRunning, 0, base.Add(-time.Hour))

	if ok, _ := lock.Lock(ctx, sweepLockKey, "other-instance", time.Minute); !ok {
		t.Fatal("expected to take the lock")
	}
	res, err := mon.Sweep(ctx)
	if err != nil || res.Stale != 0 {
		t.Fatalf("expected skipped sweep, got %+v err=%v", res, err)
	}

	if _, err := lock.Unlock(ctx, sweepLockKey, "other-instance"); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	res, err = mon.Sweep(ctx)
	if err != nil || res.Rebooted != 1 {
		t.Fatalf("expected sweep after unlock, got %+v err=%v", res, err)
	}
	if ok, _ := lock.Lock(ctx, sweepLockKey, "other-instance", time.Minute); !ok {
		t.Fatal("sweep did not release its lock")
	}
}

func TestStartRejectsBadSchedule(t *testing.T) {
	mon, _, _ := newTestMonitor(t, nil)
	if err := mon.Start(context.Background(), "not a schedule"); err == nil {
		t.Fatal("expected schedule error")
	}
}

func TestStartStopsOnCancel(t *testing.T) {
	mon, _, _ := newTestMonitor(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- mon.Start(ctx, "@every 1h") }()
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("start: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("monitor did not stop")
	}
}
