package web

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

const (
	DefaultAuthLimit      = 30
	DefaultAuthWindow     = time.Minute
	DefaultAuthMaxEntries = 1000
)

// authLimiter counts rejected credentials per client host in fixed windows.
// Hosts beyond maxEntries are evicted least-recently-seen first.
type authLimiter struct {
	mu      sync.Mutex
	limit   int
	window  time.Duration
	entries *expirable.LRU[string, *authWindow]
}

type authWindow struct {
	start time.Time
	count int
}

func newAuthLimiter(limit int, window time.Duration, maxEntries int) *authLimiter {
	if limit <= 0 {
		limit = DefaultAuthLimit
	}
	if window <= 0 {
		window = DefaultAuthWindow
	}
	if maxEntries <= 0 {
		maxEntries = DefaultAuthMaxEntries
	}
	return &authLimiter{
		limit:   limit,
		window:  window,
		entries: expirable.NewLRU[string, *authWindow](maxEntries, nil, 2*window),
	}
}

// allow records one failed attempt from key and reports whether the host is
// still under its limit.
func (l *authLimiter) allow(key string, now time.Time) bool {
	if l == nil {
		return true
	}
	if key == "" {
		key = "unknown"
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.entries.Get(key)
	if !ok || now.Sub(w.start) >= l.window {
		w = &authWindow{start: now}
	}
	// Add refreshes the entry's expiry.
	l.entries.Add(key, w)
	if w.count >= l.limit {
		return false
	}
	w.count++
	return true
}
