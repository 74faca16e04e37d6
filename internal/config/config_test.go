package config

import (
	"flag"
	"io"
	"reflect"
	"testing"
	"time"
)

func TestLoadAllowsEmptyDatabaseURL(t *testing.T) {
	t.Setenv("DATABASE_URL", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if cfg.DatabaseURL != "" {
		t.Fatalf("expected empty DatabaseURL, got %q", cfg.DatabaseURL)
	}
	if cfg.MaxHours != 120 || cfg.BatchSize != 200 || cfg.SweepSchedule != "@every 5m" {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
}

func TestLoadInvalidMaxHours(t *testing.T) {
	t.Setenv("QB_MAX_HOURS", "not-a-number")

	if _, err := Load(); err == nil {
		t.Fatal("expected error for invalid QB_MAX_HOURS")
	}
}

func TestLoadInvalidDuration(t *testing.T) {
	t.Setenv("QB_UNRESPONSIVE_AFTER", "soon")

	if _, err := Load(); err == nil {
		t.Fatal("expected error for invalid QB_UNRESPONSIVE_AFTER")
	}
}

func TestLoadListsFromEnv(t *testing.T) {
	t.Setenv("QB_ALLOW_CIDRS", "10.0.0.0/8, 127.0.0.1,,")
	t.Setenv("QB_EC2_IMAGES", "WIN=ami-1, linux=ami-2")
	t.Setenv("QB_MAX_HOURS", "0.5")
	t.Setenv("QB_TERMINATE_INSTANCES", "true")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	if want := []string{"10.0.0.0/8", "127.0.0.1"}; !reflect.DeepEqual(cfg.AllowCIDRs, want) {
		t.Fatalf("expected %v, got %v", want, cfg.AllowCIDRs)
	}
	if want := map[string]string{"win": "ami-1", "linux": "ami-2"}; !reflect.DeepEqual(cfg.EC2Images, want) {
		t.Fatalf("expected %v, got %v", want, cfg.EC2Images)
	}
	if cfg.MaxHours != 0.5 {
		t.Fatalf("expected max hours 0.5, got %v", cfg.MaxHours)
	}
	if !cfg.TerminateInstances {
		t.Fatal("expected terminate instances")
	}
}

func TestLoadRejectsMalformedImages(t *testing.T) {
	t.Setenv("QB_EC2_IMAGES", "win")

	if _, err := Load(); err == nil {
		t.Fatal("expected error for malformed QB_EC2_IMAGES")
	}
}

func TestBindFlagsOverridesEnv(t *testing.T) {
	t.Setenv("QB_SWEEP_SCHEDULE", "@every 1m")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	cfg.BindFlags(fs)

	args := []string{"--sweep-schedule", "@hourly", "--allow-cidrs", "192.168.0.0/16,::1", "--startup-delay", "0s"}
	if err := fs.Parse(args); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	if cfg.SweepSchedule != "@hourly" {
		t.Fatalf("expected flag to win, got %q", cfg.SweepSchedule)
	}
	if want := []string{"192.168.0.0/16", "::1"}; !reflect.DeepEqual(cfg.AllowCIDRs, want) {
		t.Fatalf("expected %v, got %v", want, cfg.AllowCIDRs)
	}
	if cfg.StartupDelay != 0 {
		t.Fatalf("expected startup delay 0, got %v", cfg.StartupDelay)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults", func(*Config) {}, false},
		{"zero max hours", func(c *Config) { c.MaxHours = 0 }, true},
		{"unknown vm service", func(c *Config) { c.VMService = "gce" }, true},
		{"ec2 without images", func(c *Config) { c.VMService = VMServiceEC2 }, true},
		{"ec2 with images", func(c *Config) {
			c.VMService = VMServiceEC2
			c.EC2Images = map[string]string{"win": "ami-1"}
		}, false},
		{"cert without key", func(c *Config) { c.TLSCert = "cert.pem" }, true},
		{"zero concurrency", func(c *Config) { c.TaskConcurrency = 0 }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestDefaultStartupDelay(t *testing.T) {
	if got := DefaultConfig().StartupDelay; got != 30*time.Second {
		t.Fatalf("expected 30s, got %v", got)
	}
}
