package main

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"qualitybots/internal/config"
)

func TestIsLoopbackAddr(t *testing.T) {
	cases := map[string]bool{
		"127.0.0.1:8080": true,
		"localhost:8080": true,
		"[::1]:8080":     true,
		":8080":          false,
		"10.0.0.5:8080":  false,
		"garbage":        false,
	}
	for addr, want := range cases {
		if got := isLoopbackAddr(addr); got != want {
			t.Fatalf("isLoopbackAddr(%q) = %v, want %v", addr, got, want)
		}
	}
}

func TestReadRunRequestJSONAndYAML(t *testing.T) {
	dir := t.TempDir()
	jsonPath := filepath.Join(dir, "run.json")
	if err := os.WriteFile(jsonPath, []byte(`{"urls":[{"url":"http://a.example"}],"browsers":["chrome"],"oses":["win"],"max_hours":0.2,"retry_count":0}`), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	req, err := readRunRequest(jsonPath)
	if err != nil {
		t.Fatalf("read json: %v", err)
	}
	if len(req.URLs) != 1 || req.URLs[0].URL != "http://a.example" || req.MaxHours != 0.2 || req.RetryCount == nil || *req.RetryCount != 0 {
		t.Fatalf("unexpected request: %+v", req)
	}

	yamlPath := filepath.Join(dir, "run.yaml")
	content := `
urls:
  - url: http://b.example
    config_refs: [home]
browsers: [chrome, firefox]
oses: [win]
channels: [stable, beta]
`
	if err := os.WriteFile(yamlPath, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	req, err = readRunRequest(yamlPath)
	if err != nil {
		t.Fatalf("read yaml: %v", err)
	}
	if len(req.Browsers) != 2 || len(req.Channels) != 2 || req.URLs[0].ConfigRefs[0] != "home" || req.RetryCount != nil {
		t.Fatalf("unexpected request: %+v", req)
	}
}

func TestServerOptionsRejectsBadAllowlist(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.AllowCIDRs = []string{"not-a-cidr"}
	if _, err := serverOptions(cfg); err == nil {
		t.Fatal("expected error for invalid allowlist")
	}

	cfg.AllowCIDRs = []string{"10.0.0.0/8"}
	opts, err := serverOptions(cfg)
	if err != nil {
		t.Fatalf("server options: %v", err)
	}
	if opts.Allowlist == nil || opts.TLS != nil {
		t.Fatalf("unexpected options: %+v", opts)
	}
}

func TestBuildAppInMemory(t *testing.T) {
	cfg := config.DefaultConfig()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	a, err := buildApp(context.Background(), cfg, logger)
	if err != nil {
		t.Fatalf("build app: %v", err)
	}
	defer a.close()
	if !a.inMemory {
		t.Fatal("expected in-memory store without a DSN")
	}
	if err := a.store.Ping(context.Background()); err != nil {
		t.Fatalf("ping: %v", err)
	}
}

func TestBuildProviderUnknown(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.VMService = "gce"
	if _, err := buildProvider(cfg); err == nil {
		t.Fatal("expected error for unknown vm service")
	}
}
