// Package store persists work items, machines, runs, renders, comparisons and
// deferred tasks. Every mutation is a single-entity read-modify-write.
package store

import (
	"context"
	"errors"
	"time"

	"qualitybots/internal/models"
)

var (
	ErrNotFound    = errors.New("not found")
	ErrNoWorkItems = errors.New("no work items available")
	ErrNoTasks     = errors.New("no tasks available")
	ErrLeaseLost   = errors.New("task lease lost or task not running")
	ErrExists      = errors.New("already exists")
)

type WorkItemFilter struct {
	Token    string
	Statuses []models.WorkItemStatus
	ClientID string
	LeaseKey string
	AfterSeq int64
	Limit    int
}

type MachineFilter struct {
	Token         string
	Statuses      []models.MachineStatus
	UpdatedBefore time.Time
	ProvisionKey  string
	After         string
	Limit         int
}

type RenderFilter struct {
	Token       string
	URL         string
	Site        string
	IsReference *bool
	Compared    *bool
	Limit       int
}

type ComparisonFilter struct {
	Token         string
	URL           string
	RenderID      string
	ExcludeIgnore bool
	OnlyComputed  bool
	Limit         int
}

// Store is implemented by Memory and Postgres. Update* methods run fn on the
// current row inside a transaction; an error from fn aborts the write and is
// returned unchanged.
type Store interface {
	InsertWorkItems(ctx context.Context, items []*models.WorkItem) (int, error)
	LeaseWorkItem(ctx context.Context, token, leaseKey, clientID string, now time.Time) (*models.WorkItem, error)
	GetWorkItem(ctx context.Context, id string) (*models.WorkItem, error)
	UpdateWorkItem(ctx context.Context, id string, fn func(*models.WorkItem) error) (*models.WorkItem, error)
	ListWorkItems(ctx context.Context, filter WorkItemFilter) ([]*models.WorkItem, error)
	CountWorkItemsByStatus(ctx context.Context, token string) (map[models.WorkItemStatus]int64, error)

	InsertMachines(ctx context.Context, machines []*models.Machine) (int, error)
	GetMachine(ctx context.Context, clientID string) (*models.Machine, error)
	UpdateMachine(ctx context.Context, clientID string, fn func(*models.Machine) error) (*models.Machine, error)
	ListMachines(ctx context.Context, filter MachineFilter) ([]*models.Machine, error)
	CountMachinesByStatus(ctx context.Context, token string) (map[models.MachineStatus]int64, error)

	InsertRun(ctx context.Context, run *models.Run) error
	GetRun(ctx context.Context, token string) (*models.Run, error)
	UpdateRun(ctx context.Context, token string, fn func(*models.Run) error) (*models.Run, error)

	InsertRender(ctx context.Context, render *models.PageRender) error
	GetRender(ctx context.Context, id string) (*models.PageRender, error)
	UpdateRender(ctx context.Context, id string, fn func(*models.PageRender) error) (*models.PageRender, error)
	ListRenders(ctx context.Context, filter RenderFilter) ([]*models.PageRender, error)
	DeleteRender(ctx context.Context, id string) error

	PutChunk(ctx context.Context, chunk *models.Chunk) error
	GetChunk(ctx context.Context, ownerID string, kind models.ChunkKind, index int) (*models.Chunk, error)
	ListChunks(ctx context.Context, ownerID string, kind models.ChunkKind) ([]*models.Chunk, error)
	CountChunks(ctx context.Context, ownerID string, kind models.ChunkKind) (int, error)
	DeleteChunks(ctx context.Context, ownerID string, kind models.ChunkKind) (int64, error)

	InsertComparison(ctx context.Context, cmp *models.Comparison) error
	GetComparison(ctx context.Context, id string) (*models.Comparison, error)
	UpdateComparison(ctx context.Context, id string, fn func(*models.Comparison) error) (*models.Comparison, error)
	ListComparisons(ctx context.Context, filter ComparisonFilter) ([]*models.Comparison, error)
	DeleteComparison(ctx context.Context, id string) error

	UpsertBrowserScore(ctx context.Context, score *models.BrowserScore) error
	ListBrowserScores(ctx context.Context, token string) ([]*models.BrowserScore, error)

	EnqueueTask(ctx context.Context, task *models.Task) (bool, error)
	ClaimTask(ctx context.Context, workerID string, now time.Time, lease time.Duration) (*models.Task, error)
	CompleteTask(ctx context.Context, id int64, workerID string) error
	FailTask(ctx context.Context, id int64, workerID, lastError string, retry bool, runAfter time.Time) error
	ReclaimTasks(ctx context.Context, now time.Time) (int64, error)
	CountTasksByStatus(ctx context.Context) (map[models.TaskStatus]int64, error)
	ListTasks(ctx context.Context, status models.TaskStatus, limit int) ([]*models.Task, error)

	Ping(ctx context.Context) error
	Close()
}
