package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"qualitybots/internal/events"
	"qualitybots/internal/models"
	"qualitybots/internal/store"
)

var (
	ErrNoWorkItems   = store.ErrNoWorkItems
	ErrNotInProgress = errors.New("work item is not in progress for this worker")
	ErrInvalidResult = errors.New("invalid finish result")
)

const expireBatchSize = 500

// MachineToucher refreshes the heartbeat of the machine that leased or finished an item.
type MachineToucher interface {
	Touch(ctx context.Context, clientID string) error
}

// Service hands work items to worker machines under the lease/retry protocol.
type Service struct {
	store    store.Store
	machines MachineToucher
	events   events.Publisher
	logger   *slog.Logger
	now      func() time.Time
}

func NewService(st store.Store, machines MachineToucher, publisher events.Publisher, logger *slog.Logger) *Service {
	if publisher == nil {
		publisher = events.NoopPublisher{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:    st,
		machines: machines,
		events:   publisher,
		logger:   logger,
		now:      time.Now,
	}
}

// SetClock overrides the time source. Tests only.
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

type enqueueOptions struct {
	retryCount *int
}

type EnqueueOption func(*enqueueOptions)

// WithRetryCount gives every item of the batch exactly n retries, zero
// included. Negative values are treated as zero.
func WithRetryCount(n int) EnqueueOption {
	return func(o *enqueueOptions) {
		n = max(n, 0)
		o.retryCount = &n
	}
}

// Enqueue inserts items as QUEUED. Items whose dedup key already exists are
// skipped; the return value counts only new rows. Without WithRetryCount an
// item with no retry budget gets DefaultRetryCount.
func (s *Service) Enqueue(ctx context.Context, items []*models.WorkItem, opts ...EnqueueOption) (int, error) {
	if len(items) == 0 {
		return 0, nil
	}
	var o enqueueOptions
	for _, opt := range opts {
		opt(&o)
	}
	now := s.now()
	for _, item := range items {
		if item.ID == "" {
			item.ID = uuid.NewString()
		}
		item.Status = models.StatusQueued
		item.ClientID = ""
		switch {
		case o.retryCount != nil:
			item.RetryCount = *o.retryCount
		case item.RetryCount <= 0:
			item.RetryCount = models.DefaultRetryCount
		}
		if item.CreationTime.IsZero() {
			item.CreationTime = now
		}
		item.UpdatedAt = now
	}
	inserted, err := s.store.InsertWorkItems(ctx, items)
	if err != nil {
		return inserted, fmt.Errorf("enqueue work items: %w", err)
	}
	itemsEnqueued.Add(float64(inserted))
	return inserted, nil
}

// LeaseNext gives workerID the oldest queued item of the run for leaseKey.
func (s *Service) LeaseNext(ctx context.Context, token, leaseKey, workerID string) (*models.WorkItem, error) {
	start := time.Now()
	item, err := s.store.LeaseWorkItem(ctx, token, leaseKey, workerID, s.now())
	leaseDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		if errors.Is(err, store.ErrNoWorkItems) {
			leasesTotal.WithLabelValues("empty").Inc()
			return nil, ErrNoWorkItems
		}
		return nil, fmt.Errorf("lease work item: %w", err)
	}
	leasesTotal.WithLabelValues("leased").Inc()
	s.touch(ctx, workerID)
	s.events.Publish(events.Event{
		Level:    "info",
		Type:     events.TypeItemLeased,
		Message:  "Work item leased",
		Token:    token,
		ClientID: workerID,
		ItemID:   item.ID,
	})
	return item, nil
}

// Finish records the worker's result. A failure requeues the item while
// retries remain and otherwise moves it to the result's terminal status.
func (s *Service) Finish(ctx context.Context, itemID, workerID string, result models.FinishResult) (*models.WorkItem, error) {
	terminal, ok := result.TerminalStatus()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrInvalidResult, result)
	}
	now := s.now()
	item, err := s.store.UpdateWorkItem(ctx, itemID, func(item *models.WorkItem) error {
		if item.Status != models.StatusInProgress || item.ClientID != workerID {
			return ErrNotInProgress
		}
		if result == models.ResultSuccess {
			finishItem(item, models.StatusFinished, now)
			return nil
		}
		retryOrFail(item, terminal, now)
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrNotInProgress) {
			finishesTotal.WithLabelValues(string(result), "rejected").Inc()
		}
		return nil, fmt.Errorf("finish work item %s: %w", itemID, err)
	}
	finishesTotal.WithLabelValues(string(result), string(item.Status)).Inc()
	s.touch(ctx, workerID)
	s.events.Publish(events.Event{
		Level:    levelFor(item.Status),
		Type:     events.TypeItemFinished,
		Message:  "Work item finished",
		Token:    item.Token,
		ClientID: workerID,
		ItemID:   item.ID,
		Metadata: map[string]string{"result": string(result), "status": string(item.Status)},
	})
	return item, nil
}

// Requeue treats an in-progress item as failed with an unknown error. Items in
// any other state are returned unchanged.
func (s *Service) Requeue(ctx context.Context, itemID string) (*models.WorkItem, error) {
	item, _, err := s.requeue(ctx, itemID, "")
	return item, err
}

func (s *Service) requeue(ctx context.Context, itemID, clientID string) (*models.WorkItem, bool, error) {
	now := s.now()
	changed := false
	item, err := s.store.UpdateWorkItem(ctx, itemID, func(item *models.WorkItem) error {
		if item.Status != models.StatusInProgress {
			return errUnchanged
		}
		if clientID != "" && item.ClientID != clientID {
			return errUnchanged
		}
		retryOrFail(item, models.StatusUnknownError, now)
		changed = true
		return nil
	})
	if errors.Is(err, errUnchanged) {
		item, err = s.store.GetWorkItem(ctx, itemID)
		return item, false, err
	}
	if err != nil {
		return nil, false, fmt.Errorf("requeue work item %s: %w", itemID, err)
	}
	if changed {
		requeuesTotal.WithLabelValues(string(item.Status)).Inc()
		s.events.Publish(events.Event{
			Level:    levelFor(item.Status),
			Type:     events.TypeItemRequeued,
			Message:  "Work item requeued",
			Token:    item.Token,
			ClientID: item.LastClientID,
			ItemID:   item.ID,
			Metadata: map[string]string{"status": string(item.Status)},
		})
	}
	return item, changed, nil
}

var errUnchanged = errors.New("unchanged")

// RequeueLeasedBy requeues every item clientID currently holds and returns how many moved.
func (s *Service) RequeueLeasedBy(ctx context.Context, clientID string) (int, error) {
	if clientID == "" {
		return 0, nil
	}
	items, err := s.store.ListWorkItems(ctx, store.WorkItemFilter{
		ClientID: clientID,
		Statuses: []models.WorkItemStatus{models.StatusInProgress},
	})
	if err != nil {
		return 0, fmt.Errorf("list items leased by %s: %w", clientID, err)
	}
	moved := 0
	for _, leased := range items {
		_, changed, err := s.requeue(ctx, leased.ID, clientID)
		if err != nil {
			s.logger.Warn("Failed to requeue work item", "item_id", leased.ID, "client_id", clientID, "error", err)
			continue
		}
		if changed {
			moved++
		}
	}
	if moved > 0 {
		s.logger.Info("Requeued work items of machine", "client_id", clientID, "count", moved)
	}
	return moved, nil
}

// ExpireRun moves every QUEUED or IN_PROGRESS item of the run to EXPIRED.
func (s *Service) ExpireRun(ctx context.Context, token string) (int, error) {
	now := s.now()
	expired := 0
	var after int64
	for {
		batch, err := s.store.ListWorkItems(ctx, store.WorkItemFilter{
			Token:    token,
			Statuses: []models.WorkItemStatus{models.StatusQueued, models.StatusInProgress},
			AfterSeq: after,
			Limit:    expireBatchSize,
		})
		if err != nil {
			return expired, fmt.Errorf("list active items of run %s: %w", token, err)
		}
		if len(batch) == 0 {
			break
		}
		for _, active := range batch {
			after = active.Seq
			_, err := s.store.UpdateWorkItem(ctx, active.ID, func(item *models.WorkItem) error {
				if !item.Status.Active() {
					return errUnchanged
				}
				item.LastClientID = lastClient(item)
				item.ClientID = ""
				item.Status = models.StatusExpired
				item.EndTime = &now
				item.UpdatedAt = now
				return nil
			})
			if errors.Is(err, errUnchanged) {
				continue
			}
			if err != nil {
				return expired, fmt.Errorf("expire work item %s: %w", active.ID, err)
			}
			expired++
		}
		if len(batch) < expireBatchSize {
			break
		}
	}
	return expired, nil
}

func (s *Service) touch(ctx context.Context, clientID string) {
	if s.machines == nil || clientID == "" {
		return
	}
	if err := s.machines.Touch(ctx, clientID); err != nil {
		s.logger.Warn("Failed to touch machine", "client_id", clientID, "error", err)
	}
}

func finishItem(item *models.WorkItem, status models.WorkItemStatus, now time.Time) {
	item.Status = status
	item.LastClientID = lastClient(item)
	item.ClientID = ""
	item.EndTime = &now
	if item.StartTime != nil {
		item.DurationMs = now.Sub(*item.StartTime).Milliseconds()
	}
	item.UpdatedAt = now
}

// retryOrFail spends one retry and requeues at lower priority, or moves the
// item to terminal once retries are exhausted.
func retryOrFail(item *models.WorkItem, terminal models.WorkItemStatus, now time.Time) {
	if item.RetryCount <= 0 {
		item.RetryCount = 0
		finishItem(item, terminal, now)
		return
	}
	item.RetryCount--
	item.Priority--
	item.Status = models.StatusQueued
	item.LastClientID = lastClient(item)
	item.ClientID = ""
	item.StartTime = nil
	item.UpdatedAt = now
}

func lastClient(item *models.WorkItem) string {
	if item.ClientID != "" {
		return item.ClientID
	}
	return item.LastClientID
}

func levelFor(status models.WorkItemStatus) string {
	switch status {
	case models.StatusFinished, models.StatusQueued:
		return "info"
	default:
		return "warn"
	}
}
