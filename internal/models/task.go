package models

import (
	"encoding/json"
	"time"
)

type TaskStatus string

const (
	TaskReady   TaskStatus = "READY"
	TaskRunning TaskStatus = "RUNNING"
	TaskDone    TaskStatus = "DONE"
	TaskFailed  TaskStatus = "FAILED"
)

// Task is a deferred call: a named operation with JSON arguments that may not run
// before RunAfter.
type Task struct {
	ID          int64           `db:"id" json:"id"`
	Name        string          `db:"name" json:"name"`
	Args        json.RawMessage `db:"args" json:"args"`
	DedupKey    string          `db:"dedup_key" json:"dedup_key,omitempty"`
	Status      TaskStatus      `db:"status" json:"status"`
	RunAfter    time.Time       `db:"run_after" json:"run_after"`
	Attempts    int             `db:"attempts" json:"attempts"`
	MaxAttempts int             `db:"max_attempts" json:"max_attempts"`
	LeasedBy    string          `db:"leased_by" json:"leased_by,omitempty"`
	LeasedUntil *time.Time      `db:"leased_until" json:"leased_until,omitempty"`
	LastError   string          `db:"last_error" json:"last_error,omitempty"`
	CreatedAt   time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time       `db:"updated_at" json:"updated_at"`
}
