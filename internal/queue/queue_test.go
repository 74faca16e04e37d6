package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"qualitybots/internal/events"
	"qualitybots/internal/models"
	"qualitybots/internal/store"
)

type touchRecorder struct {
	mu      sync.Mutex
	touched []string
}

func (r *touchRecorder) Touch(ctx context.Context, clientID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.touched = append(r.touched, clientID)
	return nil
}

func newTestService(t *testing.T) (*Service, *store.Memory, *touchRecorder) {
	t.Helper()
	st := store.NewMemory()
	toucher := &touchRecorder{}
	svc := NewService(st, toucher, events.NewBroker(10), nil)
	return svc, st, toucher
}

func chromeItem(url string, created time.Time) *models.WorkItem {
	return &models.WorkItem{
		URL:            url,
		Token:          "run-1",
		OS:             models.OSWindows,
		Browser:        models.BrowserChrome,
		Channel:        "beta",
		BrowserVersion: "121.0.6167.8",
		CreationTime:   created,
	}
}

const leaseKey = "chrome/121.0.6167.8"

func TestEnqueueAppliesDefaultsAndIsIdempotent(t *testing.T) {
	svc, st, _ := newTestService(t)
	ctx := context.Background()
	now := time.Now()

	items := []*models.WorkItem{chromeItem("http://a", now), chromeItem("http://b", now)}
	inserted, err := svc.Enqueue(ctx, items)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if inserted != 2 {
		t.Fatalf("expected 2 inserted, got %d", inserted)
	}
	got, err := st.GetWorkItem(ctx, items[0].ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != models.StatusQueued || got.RetryCount != models.DefaultRetryCount || got.Priority != models.DefaultPriority {
		t.Fatalf("unexpected defaults: %+v", got)
	}

	again, err := svc.Enqueue(ctx, []*models.WorkItem{chromeItem("http://a", now)})
	if err != nil {
		t.Fatalf("re-enqueue: %v", err)
	}
	if again != 0 {
		t.Fatalf("expected duplicate enqueue to insert nothing, got %d", again)
	}
}

func TestEnqueueWithRetryCount(t *testing.T) {
	svc, st, _ := newTestService(t)
	ctx := context.Background()
	now := time.Now()

	withBudget := chromeItem("http://a", now)
	withBudget.RetryCount = 7
	if _, err := svc.Enqueue(ctx, []*models.WorkItem{withBudget}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if got, _ := st.GetWorkItem(ctx, withBudget.ID); got.RetryCount != 7 {
		t.Fatalf("expected explicit retry count kept, got %d", got.RetryCount)
	}

	noRetries := []*models.WorkItem{chromeItem("http://b", now), chromeItem("http://c", now)}
	noRetries[1].RetryCount = 5
	if _, err := svc.Enqueue(ctx, noRetries, WithRetryCount(0)); err != nil {
		t.Fatalf("enqueue without retries: %v", err)
	}
	for _, item := range noRetries {
		got, err := st.GetWorkItem(ctx, item.ID)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got.RetryCount != 0 {
			t.Fatalf("expected no retries for %s, got %d", item.URL, got.RetryCount)
		}
	}

	negative := chromeItem("http://d", now)
	if _, err := svc.Enqueue(ctx, []*models.WorkItem{negative}, WithRetryCount(-2)); err != nil {
		t.Fatalf("enqueue negative: %v", err)
	}
	if got, _ := st.GetWorkItem(ctx, negative.ID); got.RetryCount != 0 {
		t.Fatalf("expected negative retry count clamped to 0, got %d", got.RetryCount)
	}
}

func TestLeaseNextIsFIFOWithPriorityTiebreak(t *testing.T) {
	svc, _, toucher := newTestService(t)
	ctx := context.Background()
	t0 := time.Now().Add(-time.Hour)

	older := chromeItem("http://older", t0)
	lowPrio := chromeItem("http://low", t0.Add(time.Minute))
	highPrio := chromeItem("http://high", t0.Add(time.Minute))
	highPrio.Priority = 5
	if _, err := svc.Enqueue(ctx, []*models.WorkItem{lowPrio, highPrio, older}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	var order []string
	for i := 0; i < 3; i++ {
		item, err := svc.LeaseNext(ctx, "run-1", leaseKey, "m-1")
		if err != nil {
			t.Fatalf("lease %d: %v", i, err)
		}
		if item.ClientID != "m-1" || item.Status != models.StatusInProgress || item.StartTime == nil {
			t.Fatalf("unexpected leased item: %+v", item)
		}
		order = append(order, item.URL)
	}
	want := []string{"http://older", "http://high", "http://low"}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("expected order %v, got %v", want, order)
		}
	}
	if _, err := svc.LeaseNext(ctx, "run-1", leaseKey, "m-1"); !errors.Is(err, ErrNoWorkItems) {
		t.Fatalf("expected ErrNoWorkItems, got %v", err)
	}
	if len(toucher.touched) != 3 {
		t.Fatalf("expected 3 heartbeats, got %d", len(toucher.touched))
	}
}

func TestLeaseNextScopesByTokenAndLeaseKey(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	item := chromeItem("http://a", time.Now())
	if _, err := svc.Enqueue(ctx, []*models.WorkItem{item}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := svc.LeaseNext(ctx, "run-2", leaseKey, "m-1"); !errors.Is(err, ErrNoWorkItems) {
		t.Fatalf("expected other run to see nothing, got %v", err)
	}
	if _, err := svc.LeaseNext(ctx, "run-1", "firefox/120.0", "m-1"); !errors.Is(err, ErrNoWorkItems) {
		t.Fatalf("expected other lease key to see nothing, got %v", err)
	}
}

func TestFinishRetryMonotonicity(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	item := chromeItem("http://a", time.Now())
	if _, err := svc.Enqueue(ctx, []*models.WorkItem{item}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	prevRetries := models.DefaultRetryCount
	prevPriority := models.DefaultPriority
	for attempt := 0; attempt < models.DefaultRetryCount; attempt++ {
		leased, err := svc.LeaseNext(ctx, "run-1", leaseKey, "m-1")
		if err != nil {
			t.Fatalf("lease attempt %d: %v", attempt, err)
		}
		finished, err := svc.Finish(ctx, leased.ID, "m-1", models.ResultUploadError)
		if err != nil {
			t.Fatalf("finish attempt %d: %v", attempt, err)
		}
		if finished.Status != models.StatusQueued {
			t.Fatalf("expected requeue on attempt %d, got %s", attempt, finished.Status)
		}
		if finished.RetryCount != prevRetries-1 || finished.Priority != prevPriority-1 {
			t.Fatalf("expected retry %d priority %d, got %d %d", prevRetries-1, prevPriority-1, finished.RetryCount, finished.Priority)
		}
		if finished.ClientID != "" || finished.LastClientID != "m-1" {
			t.Fatalf("expected lease cleared with last client kept, got %+v", finished)
		}
		prevRetries, prevPriority = finished.RetryCount, finished.Priority
	}

	leased, err := svc.LeaseNext(ctx, "run-1", leaseKey, "m-1")
	if err != nil {
		t.Fatalf("final lease: %v", err)
	}
	final, err := svc.Finish(ctx, leased.ID, "m-1", models.ResultUploadError)
	if err != nil {
		t.Fatalf("final finish: %v", err)
	}
	if final.Status != models.StatusUploadError || final.RetryCount != 0 {
		t.Fatalf("expected terminal UPLOAD_ERROR with 0 retries, got %s %d", final.Status, final.RetryCount)
	}
	if final.EndTime == nil {
		t.Fatal("expected end time on terminal item")
	}
}

func TestFinishTerminalMapping(t *testing.T) {
	tests := []struct {
		result models.FinishResult
		want   models.WorkItemStatus
	}{
		{result: models.ResultSuccess, want: models.StatusFinished},
		{result: models.ResultFailed, want: models.StatusUnknownError},
		{result: models.ResultUploadError, want: models.StatusUploadError},
		{result: models.ResultTimeoutError, want: models.StatusTimeoutError},
	}
	for _, tt := range tests {
		svc, _, _ := newTestService(t)
		ctx := context.Background()
		item := chromeItem("http://a", time.Now())
		if _, err := svc.Enqueue(ctx, []*models.WorkItem{item}, WithRetryCount(0)); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
		leased, err := svc.LeaseNext(ctx, "run-1", leaseKey, "m-1")
		if err != nil {
			t.Fatalf("lease: %v", err)
		}
		got, err := svc.Finish(ctx, leased.ID, "m-1", tt.result)
		if err != nil {
			t.Fatalf("finish %s: %v", tt.result, err)
		}
		if got.Status != tt.want {
			t.Fatalf("expected %s for %s, got %s", tt.want, tt.result, got.Status)
		}
	}
}

func TestFinishRejectsForeignOrIdleItems(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	item := chromeItem("http://a", time.Now())
	if _, err := svc.Enqueue(ctx, []*models.WorkItem{item}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := svc.Finish(ctx, item.ID, "m-1", models.ResultSuccess); !errors.Is(err, ErrNotInProgress) {
		t.Fatalf("expected ErrNotInProgress for queued item, got %v", err)
	}
	if _, err := svc.LeaseNext(ctx, "run-1", leaseKey, "m-1"); err != nil {
		t.Fatalf("lease: %v", err)
	}
	if _, err := svc.Finish(ctx, item.ID, "m-2", models.ResultSuccess); !errors.Is(err, ErrNotInProgress) {
		t.Fatalf("expected ErrNotInProgress for other worker, got %v", err)
	}
	if _, err := svc.Finish(ctx, item.ID, "m-1", "exploded"); !errors.Is(err, ErrInvalidResult) {
		t.Fatalf("expected ErrInvalidResult, got %v", err)
	}
	got, err := svc.Finish(ctx, item.ID, "m-1", models.ResultSuccess)
	if err != nil {
		t.Fatalf("finish: %v", err)
	}
	if got.Status != models.StatusFinished || got.ClientID != "" {
		t.Fatalf("unexpected finished item: %+v", got)
	}
	if _, err := svc.Finish(ctx, item.ID, "m-1", models.ResultSuccess); !errors.Is(err, ErrNotInProgress) {
		t.Fatalf("expected second finish to be rejected, got %v", err)
	}
}

func TestRequeueLeasedByMovesOnlyThatMachine(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	now := time.Now()
	items := []*models.WorkItem{chromeItem("http://a", now), chromeItem("http://b", now.Add(time.Second))}
	if _, err := svc.Enqueue(ctx, items); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := svc.LeaseNext(ctx, "run-1", leaseKey, "m-1"); err != nil {
		t.Fatalf("lease: %v", err)
	}
	if _, err := svc.LeaseNext(ctx, "run-1", leaseKey, "m-2"); err != nil {
		t.Fatalf("lease: %v", err)
	}

	moved, err := svc.RequeueLeasedBy(ctx, "m-1")
	if err != nil {
		t.Fatalf("requeue: %v", err)
	}
	if moved != 1 {
		t.Fatalf("expected 1 requeued, got %d", moved)
	}
	first, _ := svc.store.GetWorkItem(ctx, items[0].ID)
	second, _ := svc.store.GetWorkItem(ctx, items[1].ID)
	if first.Status != models.StatusQueued || first.RetryCount != models.DefaultRetryCount-1 {
		t.Fatalf("unexpected requeued item: %+v", first)
	}
	if second.Status != models.StatusInProgress || second.ClientID != "m-2" {
		t.Fatalf("expected other machine's item untouched: %+v", second)
	}

	again, err := svc.Requeue(ctx, items[0].ID)
	if err != nil {
		t.Fatalf("requeue idle: %v", err)
	}
	if again.RetryCount != first.RetryCount {
		t.Fatal("expected requeue of a queued item to be a no-op")
	}
}

func TestExpireRun(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	now := time.Now()
	items := []*models.WorkItem{
		chromeItem("http://a", now),
		chromeItem("http://b", now.Add(time.Second)),
		chromeItem("http://c", now.Add(2*time.Second)),
	}
	if _, err := svc.Enqueue(ctx, items); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	leased, err := svc.LeaseNext(ctx, "run-1", leaseKey, "m-1")
	if err != nil {
		t.Fatalf("lease: %v", err)
	}
	if _, err := svc.Finish(ctx, leased.ID, "m-1", models.ResultSuccess); err != nil {
		t.Fatalf("finish: %v", err)
	}
	if _, err := svc.LeaseNext(ctx, "run-1", leaseKey, "m-1"); err != nil {
		t.Fatalf("lease: %v", err)
	}

	expired, err := svc.ExpireRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("expire: %v", err)
	}
	if expired != 2 {
		t.Fatalf("expected 2 expired, got %d", expired)
	}
	counts, err := svc.store.CountWorkItemsByStatus(ctx, "run-1")
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if counts[models.StatusExpired] != 2 || counts[models.StatusFinished] != 1 {
		t.Fatalf("unexpected counts: %v", counts)
	}
}

func TestConcurrentLeaseIsExclusive(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	now := time.Now()
	var items []*models.WorkItem
	for i := 0; i < 30; i++ {
		items = append(items, chromeItem(fmt.Sprintf("http://site/%d", i), now.Add(time.Duration(i)*time.Millisecond)))
	}
	if _, err := svc.Enqueue(ctx, items); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	var mu sync.Mutex
	seen := map[string]int{}
	var wg sync.WaitGroup
	for w := 0; w < 6; w++ {
		wg.Add(1)
		go func(worker string) {
			defer wg.Done()
			for {
				item, err := svc.LeaseNext(ctx, "run-1", leaseKey, worker)
				if errors.Is(err, ErrNoWorkItems) {
					return
				}
				if err != nil {
					t.Errorf("lease: %v", err)
					return
				}
				mu.Lock()
				seen[item.ID]++
				mu.Unlock()
			}
		}(string(rune('A' + w)))
	}
	wg.Wait()
	if len(seen) != len(items) {
		t.Fatalf("expected %d distinct leases, got %d", len(items), len(seen))
	}
	for id, n := range seen {
		if n != 1 {
			t.Fatalf("item %s leased %d times", id, n)
		}
	}
}
