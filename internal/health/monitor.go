// Package health reclaims machines that stopped reporting: their leased work
// goes back to the queue and the machine is rebooted or retired.
package health

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"qualitybots/internal/cache"
	"qualitybots/internal/events"
	"qualitybots/internal/models"
	"qualitybots/internal/orchestrator"
	"qualitybots/internal/store"
	"qualitybots/internal/tasks"
)

const (
	DefaultSchedule = "@every 5m"
	sweepLockKey    = "health:sweep"
)

var errNotStale = errors.New("machine is no longer stale")

type Requeuer interface {
	RequeueLeasedBy(ctx context.Context, clientID string) (int, error)
}

type Config struct {
	// UnresponsiveAfter is how long a machine may go without a heartbeat.
	UnresponsiveAfter time.Duration
	MaxRetries        int
	// LockTTL bounds how long one sweep holds the cluster-wide lock.
	LockTTL time.Duration
	Owner   string
}

type Result struct {
	Stale    int `json:"stale"`
	Rebooted int `json:"rebooted"`
	Retired  int `json:"retired"`
	Requeued int `json:"requeued"`
	Skipped  int `json:"skipped"`
}

type Monitor struct {
	store  store.Store
	queue  Requeuer
	tasks  tasks.Deferrer
	lock   cache.Cache
	events events.Publisher
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
}

// NewMonitor builds a monitor. lock may be nil, in which case concurrent
// sweeps rely on the per-machine claim alone.
func NewMonitor(st store.Store, queue Requeuer, deferrer tasks.Deferrer, lock cache.Cache, publisher events.Publisher, cfg Config, logger *slog.Logger) *Monitor {
	if cfg.UnresponsiveAfter <= 0 {
		cfg.UnresponsiveAfter = models.MaxUnresponsiveMinutes * time.Minute
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = models.MaxMachineRetries
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 2 * time.Minute
	}
	if cfg.Owner == "" {
		cfg.Owner = "health-monitor"
	}
	if publisher == nil {
		publisher = events.NoopPublisher{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		store:  st,
		queue:  queue,
		tasks:  deferrer,
		lock:   lock,
		events: publisher,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
	}
}

// SetClock overrides the time source. Tests only.
func (m *Monitor) SetClock(now func() time.Time) {
	m.now = now
}

// Sweep handles every active machine whose heartbeat is older than
// UnresponsiveAfter. Each machine is claimed by refreshing its updated time,
// so a machine is acted on by at most one sweep per staleness window.
func (m *Monitor) Sweep(ctx context.Context) (Result, error) {
	var res Result
	if m.lock != nil {
		ok, err := m.lock.Lock(ctx, sweepLockKey, m.cfg.Owner, m.cfg.LockTTL)
		if err != nil {
			return res, fmt.Errorf("acquire sweep lock: %w", err)
		}
		if !ok {
			m.logger.Info("Sweep already running elsewhere, skipping")
			return res, nil
		}
		defer func() {
			if _, err := m.lock.Unlock(context.WithoutCancel(ctx), sweepLockKey, m.cfg.Owner); err != nil {
				m.logger.Warn("Failed to release sweep lock", "error", err)
			}
		}()
	}

	start := time.Now()
	defer func() { sweepDuration.Observe(time.Since(start).Seconds()) }()

	cutoff := m.now().Add(-m.cfg.UnresponsiveAfter)
	stale, err := m.store.ListMachines(ctx, store.MachineFilter{
		Statuses:      models.ActiveMachineStatuses,
		UpdatedBefore: cutoff,
	})
	if err != nil {
		return res, fmt.Errorf("list stale machines: %w", err)
	}
	res.Stale = len(stale)

	for _, candidate := range stale {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if err := m.reclaim(ctx, candidate.ClientID, cutoff, &res); err != nil {
			return res, err
		}
	}
	if res.Stale > 0 {
		m.logger.Info("Swept unresponsive machines", "stale", res.Stale, "rebooted", res.Rebooted,
			"retired", res.Retired, "requeued", res.Requeued, "skipped", res.Skipped)
	}
	return res, nil
}

func (m *Monitor) reclaim(ctx context.Context, clientID string, cutoff time.Time, res *Result) error {
	now := m.now()
	retire := false
	claimed, err := m.store.UpdateMachine(ctx, clientID, func(mc *models.Machine) error {
		if !mc.Status.Active() || !mc.UpdatedTime.Before(cutoff) {
			return errNotStale
		}
		mc.UpdatedTime = now
		if mc.RetryCount >= m.cfg.MaxRetries {
			retire = true
			mc.Status = models.MachineFailed
			return nil
		}
		mc.RetryCount++
		mc.Status = models.MachineInitializing
		return nil
	})
	if errors.Is(err, errNotStale) || errors.Is(err, store.ErrNotFound) {
		res.Skipped++
		return nil
	}
	if err != nil {
		return fmt.Errorf("claim machine %s: %w", clientID, err)
	}
	logger := m.logger.With("client_id", clientID, "token", claimed.Token)

	requeued, err := m.queue.RequeueLeasedBy(ctx, clientID)
	if err != nil {
		return fmt.Errorf("requeue items of %s: %w", clientID, err)
	}
	res.Requeued += requeued

	if retire {
		_, err = m.tasks.Defer(ctx, orchestrator.TaskTerminateMachine,
			orchestrator.TerminateMachineArgs{ClientID: clientID, Status: models.MachineFailed},
			tasks.WithDedupKey(orchestrator.TerminateDedupKey(claimed.Token, clientID)))
		if err != nil {
			return fmt.Errorf("defer retirement of %s: %w", clientID, err)
		}
		res.Retired++
		machinesReclaimed.WithLabelValues("retired").Inc()
		logger.Warn("Retiring unresponsive machine", "retries", claimed.RetryCount, "requeued", requeued)
	} else {
		_, err = m.tasks.Defer(ctx, orchestrator.TaskRebootMachine,
			orchestrator.MachineArgs{ClientID: clientID},
			tasks.WithDedupKey(fmt.Sprintf("%s/reboot/%d", clientID, claimed.RetryCount)))
		if err != nil {
			return fmt.Errorf("defer reboot of %s: %w", clientID, err)
		}
		res.Rebooted++
		machinesReclaimed.WithLabelValues("rebooted").Inc()
		logger.Warn("Rebooting unresponsive machine", "retry", claimed.RetryCount, "requeued", requeued)
	}

	m.events.Publish(events.Event{
		Level:    "warn",
		Type:     events.TypeMachineStale,
		Message:  "Machine stopped reporting",
		Token:    claimed.Token,
		ClientID: clientID,
		Metadata: map[string]string{
			"status":   string(claimed.Status),
			"requeued": fmt.Sprint(requeued),
		},
	})
	return nil
}

// Start runs Sweep on schedule until ctx is cancelled. Overlapping runs are
// skipped.
func (m *Monitor) Start(ctx context.Context, schedule string) error {
	if schedule == "" {
		schedule = DefaultSchedule
	}
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.AddFunc(schedule, func() {
		if _, err := m.Sweep(ctx); err != nil && ctx.Err() == nil {
			m.logger.Error("Health sweep failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", schedule, err)
	}
	m.logger.Info("Health monitor started", "schedule", schedule)
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}
