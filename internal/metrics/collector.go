package metrics

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"qualitybots/internal/models"
)

const (
	defaultInterval = 15 * time.Second
	queryTimeout    = 5 * time.Second
)

var (
	workItemsGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "qualitybots_work_items",
		Help: "Number of work items by status.",
	}, []string{"status"})
	machinesGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "qualitybots_machines",
		Help: "Number of machines by status.",
	}, []string{"status"})
	tasksGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "qualitybots_deferred_tasks",
		Help: "Number of deferred tasks by status.",
	}, []string{"status"})
)

// Counts is the subset of the store the collector reads.
type Counts interface {
	CountWorkItemsByStatus(ctx context.Context, token string) (map[models.WorkItemStatus]int64, error)
	CountMachinesByStatus(ctx context.Context, token string) (map[models.MachineStatus]int64, error)
	CountTasksByStatus(ctx context.Context) (map[models.TaskStatus]int64, error)
}

func StartCollector(ctx context.Context, counts Counts, interval time.Duration, logger *slog.Logger) {
	if interval <= 0 {
		interval = defaultInterval
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			Collect(ctx, counts, logger)
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}

// Collect refreshes every gauge once.
func Collect(ctx context.Context, counts Counts, logger *slog.Logger) {
	if err := collectWorkItems(ctx, counts); err != nil {
		logWarn(logger, "Work item metrics collection failed", err)
	}
	if err := collectMachines(ctx, counts); err != nil {
		logWarn(logger, "Machine metrics collection failed", err)
	}
	if err := collectTasks(ctx, counts); err != nil {
		logWarn(logger, "Task metrics collection failed", err)
	}
}

func collectWorkItems(ctx context.Context, counts Counts) error {
	queryCtx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	byStatus, err := counts.CountWorkItemsByStatus(queryCtx, "")
	if err != nil {
		return err
	}
	for _, status := range []models.WorkItemStatus{
		models.StatusQueued, models.StatusInProgress, models.StatusFinished,
		models.StatusUnknownError, models.StatusUploadError, models.StatusTimeoutError,
		models.StatusExpired,
	} {
		workItemsGauge.WithLabelValues(string(status)).Set(float64(byStatus[status]))
	}
	return nil
}

func collectMachines(ctx context.Context, counts Counts) error {
	queryCtx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	byStatus, err := counts.CountMachinesByStatus(queryCtx, "")
	if err != nil {
		return err
	}
	for _, status := range models.AllMachineStatuses {
		machinesGauge.WithLabelValues(string(status)).Set(float64(byStatus[status]))
	}
	return nil
}

func collectTasks(ctx context.Context, counts Counts) error {
	queryCtx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	byStatus, err := counts.CountTasksByStatus(queryCtx)
	if err != nil {
		return err
	}
	for _, status := range []models.TaskStatus{models.TaskReady, models.TaskRunning, models.TaskDone, models.TaskFailed} {
		tasksGauge.WithLabelValues(string(status)).Set(float64(byStatus[status]))
	}
	return nil
}

func logWarn(logger *slog.Logger, message string, err error) {
	if logger == nil || err == nil {
		return
	}
	logger.Warn(message, "error", err)
}
