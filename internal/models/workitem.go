package models

import (
	"strings"
	"time"
)

type WorkItemStatus string

const (
	StatusQueued       WorkItemStatus = "QUEUED"
	StatusInProgress   WorkItemStatus = "IN_PROGRESS"
	StatusFinished     WorkItemStatus = "FINISHED"
	StatusUploadError  WorkItemStatus = "UPLOAD_ERROR"
	StatusTimeoutError WorkItemStatus = "TIMEOUT_ERROR"
	StatusUnknownError WorkItemStatus = "UNKNOWN_ERROR"
	StatusExpired      WorkItemStatus = "EXPIRED"
)

// Active reports whether the item can still be leased or finished.
func (s WorkItemStatus) Active() bool {
	return s == StatusQueued || s == StatusInProgress
}

const (
	DefaultRetryCount = 3
	DefaultPriority   = 0
)

// FinishResult is the outcome a worker reports for a leased item.
type FinishResult string

const (
	ResultSuccess      FinishResult = "success"
	ResultFailed       FinishResult = "failed"
	ResultUploadError  FinishResult = "upload_error"
	ResultTimeoutError FinishResult = "timeout_error"
)

// TerminalStatus maps a failure result onto the status used once retries run out.
func (r FinishResult) TerminalStatus() (WorkItemStatus, bool) {
	switch r {
	case ResultSuccess:
		return StatusFinished, true
	case ResultFailed:
		return StatusUnknownError, true
	case ResultUploadError:
		return StatusUploadError, true
	case ResultTimeoutError:
		return StatusTimeoutError, true
	}
	return "", false
}

type WorkItem struct {
	ID             string         `db:"id" json:"id"`
	Seq            int64          `db:"seq" json:"seq"`
	URL            string         `db:"url" json:"url"`
	ConfigRef      string         `db:"config_ref" json:"config_ref"`
	Token          string         `db:"token" json:"token"`
	ClientID       string         `db:"client_id" json:"client_id,omitempty"`
	LastClientID   string         `db:"last_client_id" json:"last_client_id,omitempty"`
	ClientInfo     string         `db:"client_info" json:"client_info,omitempty"`
	Status         WorkItemStatus `db:"status" json:"status"`
	OS             string         `db:"os" json:"os"`
	Browser        string         `db:"browser" json:"browser"`
	Channel        string         `db:"channel" json:"channel"`
	BrowserVersion string         `db:"browser_version" json:"browser_version"`
	Priority       int            `db:"priority" json:"priority"`
	RetryCount     int            `db:"retry_count" json:"retry_count"`
	CreationTime   time.Time      `db:"creation_time" json:"creation_time"`
	StartTime      *time.Time     `db:"start_time" json:"start_time,omitempty"`
	EndTime        *time.Time     `db:"end_time" json:"end_time,omitempty"`
	DurationMs     int64          `db:"duration_ms" json:"duration_ms,omitempty"`
	UpdatedAt      time.Time      `db:"updated_at" json:"updated_at"`
}

// LeaseKey is the queue partition a worker pulls from: "<browser>/<version>".
func (w *WorkItem) LeaseKey() string {
	return LeaseKey(w.Browser, w.BrowserVersion)
}

// DedupKey identifies an item within a run so repeated batch inserts are no-ops.
func (w *WorkItem) DedupKey() string {
	return strings.Join([]string{w.Token, w.URL, w.ConfigRef, w.OS, w.Browser, w.Channel}, "|")
}

func LeaseKey(browser, version string) string {
	return strings.ToLower(browser) + "/" + version
}

// URLEntry is one corpus URL with the url-config references it is tested under.
type URLEntry struct {
	URL        string   `json:"url" yaml:"url"`
	ConfigRefs []string `json:"config_refs,omitempty" yaml:"config_refs"`
}
