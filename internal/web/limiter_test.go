package web

import (
	"testing"
	"time"
)

func TestAuthLimiterWindow(t *testing.T) {
	l := newAuthLimiter(2, time.Minute, 10)
	now := time.Now()

	if !l.allow("198.51.100.1", now) || !l.allow("198.51.100.1", now) {
		t.Fatal("expected first two attempts to pass")
	}
	if l.allow("198.51.100.1", now.Add(time.Second)) {
		t.Fatal("expected third attempt in window to be limited")
	}
	if !l.allow("198.51.100.2", now) {
		t.Fatal("expected other host to have its own budget")
	}
	if !l.allow("198.51.100.1", now.Add(time.Minute)) {
		t.Fatal("expected a new window to reset the count")
	}
}

func TestAuthLimiterEvictsOldestHost(t *testing.T) {
	l := newAuthLimiter(1, time.Minute, 2)
	now := time.Now()

	l.allow("a", now)
	l.allow("b", now)
	l.allow("c", now)
	if l.entries.Len() != 2 {
		t.Fatalf("expected 2 tracked hosts, got %d", l.entries.Len())
	}
	if !l.allow("a", now) {
		t.Fatal("expected evicted host to start a fresh window")
	}
}

func TestAuthLimiterNil(t *testing.T) {
	var l *authLimiter
	if !l.allow("x", time.Now()) {
		t.Fatal("expected nil limiter to allow")
	}
}
