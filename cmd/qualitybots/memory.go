package main

import (
	"bufio"
	"context"
	"log/slog"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"
)

// startMemoryLogger logs heap and RSS figures every interval until ctx ends.
func startMemoryLogger(ctx context.Context, logger *slog.Logger, interval time.Duration) {
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			logMemoryStats(logger)
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}

func logMemoryStats(logger *slog.Logger) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	attrs := []any{
		"heap_alloc_bytes", m.HeapAlloc,
		"heap_inuse_bytes", m.HeapInuse,
		"num_gc", m.NumGC,
		"goroutines", runtime.NumGoroutine(),
	}
	if rss, ok := rssBytes(); ok {
		attrs = append(attrs, "rss_bytes", rss)
	}
	logger.Info("Memory usage", attrs...)
}

// rssBytes reads VmRSS from procfs; other platforms report nothing.
func rssBytes() (uint64, bool) {
	f, err := os.Open("/proc/self/status")
	if err != nil {
		return 0, false
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		rest, ok := strings.CutPrefix(sc.Text(), "VmRSS:")
		if !ok {
			continue
		}
		fields := strings.Fields(rest)
		if len(fields) == 0 {
			return 0, false
		}
		kb, err := strconv.ParseUint(fields[0], 10, 64)
		if err != nil {
			return 0, false
		}
		return kb * 1024, true
	}
	return 0, false
}
