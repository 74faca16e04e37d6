package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// VM services understood by the provisioner.
const (
	VMServiceEC2  = "ec2"
	VMServiceFake = "fake"
)

type Config struct {
	DatabaseURL string // empty selects the in-memory store
	RedisURL    string // empty selects the in-process cache
	InstanceID  string
	LogLevel    string

	HTTPAddr       string
	AdminToken     string
	WorkerToken    string
	AllowCIDRs     []string
	AuthLimit      int
	AuthWindow     time.Duration
	AuthMaxEntries int
	TLSCert        string
	TLSKey         string
	TLSClientCA    string

	TraceExporter    string // "stdout" or "none"
	TraceSampleRatio float64

	TaskPollInterval  time.Duration
	TaskLeaseDuration time.Duration
	TaskConcurrency   int
	MetricsInterval   time.Duration

	SweepSchedule     string
	UnresponsiveAfter time.Duration
	MaxMachineRetries int

	MaxHours           float64
	StartupDelay       time.Duration
	BatchSize          int
	InstanceSize       string
	TerminateInstances bool // false stops retired VMs instead of destroying them

	VMService          string
	EC2Region          string
	EC2AccessKeyID     string
	EC2SecretAccessKey string
	EC2Images          map[string]string // os -> AMI id
	EC2SecurityGroups  []string
	EC2KeyName         string
	EC2SubnetID        string

	MinIOEndpoint  string // empty keeps blobs in memory
	MinIOAccessKey string
	MinIOSecretKey string
	MinIOBucket    string
	MinIOUseSSL    bool

	ChromeFeedURL  string
	FirefoxFeedURL string
	CacheTTL       time.Duration

	ShutdownTimeout   time.Duration
	MemoryLogInterval time.Duration // 0 disables the memory logger
}

func DefaultConfig() *Config {
	return &Config{
		InstanceID:        defaultInstanceID(),
		LogLevel:          "info",
		HTTPAddr:          ":8080",
		AuthLimit:         30,
		AuthWindow:        time.Minute,
		AuthMaxEntries:    1000,
		TraceExporter:     "none",
		TraceSampleRatio:  1,
		TaskPollInterval:  time.Second,
		TaskLeaseDuration: 5 * time.Minute,
		TaskConcurrency:   8,
		MetricsInterval:   15 * time.Second,
		SweepSchedule:     "@every 5m",
		UnresponsiveAfter: 20 * time.Minute,
		MaxMachineRetries: 10,
		MaxHours:          120,
		StartupDelay:      30 * time.Second,
		BatchSize:         200,
		InstanceSize:      "m1.medium",
		VMService:         VMServiceFake,
		EC2Region:         "us-east-1",
		MinIOBucket:       "qualitybots",
		CacheTTL:          time.Hour,
		ShutdownTimeout:   30 * time.Second,
	}
}

// Load returns defaults overlaid with the environment.
func Load() (*Config, error) {
	cfg := DefaultConfig()
	if err := ApplyEnv(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) BindFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.DatabaseURL, "dsn", c.DatabaseURL, "Postgres connection string (empty for in-memory)")
	fs.StringVar(&c.RedisURL, "redis-url", c.RedisURL, "Redis URL for the shared cache and sweep lock")
	fs.StringVar(&c.InstanceID, "instance-id", c.InstanceID, "Unique id of this process")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "Log level (debug|info|warn|error)")
	fs.StringVar(&c.HTTPAddr, "addr", c.HTTPAddr, "HTTP listen address")
	fs.StringVar(&c.AdminToken, "admin-token", c.AdminToken, "Bearer token for admin and ops routes")
	fs.StringVar(&c.WorkerToken, "worker-token", c.WorkerToken, "Bearer token for worker routes")
	fs.Func("allow-cidrs", "Comma-separated CIDRs allowed on admin routes", func(value string) error {
		c.AllowCIDRs = splitList(value)
		return nil
	})
	fs.StringVar(&c.TLSCert, "tls-cert", c.TLSCert, "TLS certificate file")
	fs.StringVar(&c.TLSKey, "tls-key", c.TLSKey, "TLS key file")
	fs.StringVar(&c.TLSClientCA, "tls-client-ca", c.TLSClientCA, "CA bundle for client certificates")
	fs.StringVar(&c.TraceExporter, "trace-exporter", c.TraceExporter, "Trace exporter (stdout|none)")
	fs.DurationVar(&c.TaskPollInterval, "poll-interval", c.TaskPollInterval, "Interval to poll for deferred tasks")
	fs.DurationVar(&c.TaskLeaseDuration, "lease-duration", c.TaskLeaseDuration, "Deferred task lease duration")
	fs.IntVar(&c.TaskConcurrency, "concurrency", c.TaskConcurrency, "Deferred tasks run in parallel")
	fs.StringVar(&c.SweepSchedule, "sweep-schedule", c.SweepSchedule, "Cron schedule of the health sweep")
	fs.DurationVar(&c.UnresponsiveAfter, "unresponsive-after", c.UnresponsiveAfter, "Silence after which a machine is stale")
	fs.IntVar(&c.MaxMachineRetries, "max-machine-retries", c.MaxMachineRetries, "Reboots before a machine is retired")
	fs.Float64Var(&c.MaxHours, "max-hours", c.MaxHours, "Default wall-clock budget of a run")
	fs.DurationVar(&c.StartupDelay, "startup-delay", c.StartupDelay, "Delay before a new run's tasks execute")
	fs.StringVar(&c.InstanceSize, "instance-size", c.InstanceSize, "VM instance type")
	fs.BoolVar(&c.TerminateInstances, "terminate-instances", c.TerminateInstances, "Destroy retired VMs instead of stopping them")
	fs.StringVar(&c.VMService, "vm-service", c.VMService, "VM provider (ec2|fake)")
	fs.StringVar(&c.MinIOEndpoint, "minio-endpoint", c.MinIOEndpoint, "MinIO endpoint for screenshots and logs")
	fs.DurationVar(&c.ShutdownTimeout, "shutdown-timeout", c.ShutdownTimeout, "Time to wait for tasks on shutdown")
	fs.DurationVar(&c.MemoryLogInterval, "memory-log-interval", c.MemoryLogInterval, "Interval between memory usage logs (0 to disable)")
}

// ApplyEnv overlays DATABASE_URL, REDIS_URL and QB_* variables onto cfg.
func ApplyEnv(cfg *Config) error {
	setString(&cfg.DatabaseURL, "DATABASE_URL")
	setString(&cfg.RedisURL, "REDIS_URL")
	setString(&cfg.InstanceID, "QB_INSTANCE_ID")
	setString(&cfg.LogLevel, "QB_LOG_LEVEL")
	setString(&cfg.HTTPAddr, "QB_HTTP_ADDR")
	setString(&cfg.AdminToken, "QB_ADMIN_TOKEN")
	setString(&cfg.WorkerToken, "QB_WORKER_TOKEN")
	if v := os.Getenv("QB_ALLOW_CIDRS"); v != "" {
		cfg.AllowCIDRs = splitList(v)
	}
	setString(&cfg.TLSCert, "QB_TLS_CERT")
	setString(&cfg.TLSKey, "QB_TLS_KEY")
	setString(&cfg.TLSClientCA, "QB_TLS_CLIENT_CA")
	setString(&cfg.TraceExporter, "QB_TRACE_EXPORTER")
	setString(&cfg.SweepSchedule, "QB_SWEEP_SCHEDULE")
	setString(&cfg.InstanceSize, "QB_INSTANCE_SIZE")
	setString(&cfg.VMService, "QB_VM_SERVICE")
	setString(&cfg.EC2Region, "QB_EC2_REGION")
	setString(&cfg.EC2AccessKeyID, "QB_EC2_ACCESS_KEY_ID")
	setString(&cfg.EC2SecretAccessKey, "QB_EC2_SECRET_ACCESS_KEY")
	setString(&cfg.EC2KeyName, "QB_EC2_KEY_NAME")
	setString(&cfg.EC2SubnetID, "QB_EC2_SUBNET_ID")
	if v := os.Getenv("QB_EC2_SECURITY_GROUPS"); v != "" {
		cfg.EC2SecurityGroups = splitList(v)
	}
	if v := os.Getenv("QB_EC2_IMAGES"); v != "" {
		images, err := parseImages(v)
		if err != nil {
			return fmt.Errorf("invalid QB_EC2_IMAGES: %w", err)
		}
		cfg.EC2Images = images
	}
	setString(&cfg.MinIOEndpoint, "MINIO_ENDPOINT")
	setString(&cfg.MinIOAccessKey, "MINIO_ACCESS_KEY")
	setString(&cfg.MinIOSecretKey, "MINIO_SECRET_KEY")
	setString(&cfg.MinIOBucket, "MINIO_BUCKET")
	setString(&cfg.ChromeFeedURL, "QB_CHROME_FEED_URL")
	setString(&cfg.FirefoxFeedURL, "QB_FIREFOX_FEED_URL")

	for _, d := range []struct {
		name string
		dst  *time.Duration
	}{
		{"QB_AUTH_WINDOW", &cfg.AuthWindow},
		{"QB_POLL_INTERVAL", &cfg.TaskPollInterval},
		{"QB_LEASE_DURATION", &cfg.TaskLeaseDuration},
		{"QB_METRICS_INTERVAL", &cfg.MetricsInterval},
		{"QB_UNRESPONSIVE_AFTER", &cfg.UnresponsiveAfter},
		{"QB_STARTUP_DELAY", &cfg.StartupDelay},
		{"QB_CACHE_TTL", &cfg.CacheTTL},
		{"QB_SHUTDOWN_TIMEOUT", &cfg.ShutdownTimeout},
		{"QB_MEMORY_LOG_INTERVAL", &cfg.MemoryLogInterval},
	} {
		if err := setDuration(d.dst, d.name); err != nil {
			return err
		}
	}
	for _, i := range []struct {
		name string
		dst  *int
	}{
		{"QB_AUTH_LIMIT", &cfg.AuthLimit},
		{"QB_AUTH_MAX_ENTRIES", &cfg.AuthMaxEntries},
		{"QB_CONCURRENCY", &cfg.TaskConcurrency},
		{"QB_MAX_MACHINE_RETRIES", &cfg.MaxMachineRetries},
		{"QB_BATCH_SIZE", &cfg.BatchSize},
	} {
		if err := setInt(i.dst, i.name); err != nil {
			return err
		}
	}
	if err := setFloat(&cfg.MaxHours, "QB_MAX_HOURS"); err != nil {
		return err
	}
	if err := setFloat(&cfg.TraceSampleRatio, "QB_TRACE_SAMPLE_RATIO"); err != nil {
		return err
	}
	if err := setBool(&cfg.TerminateInstances, "QB_TERMINATE_INSTANCES"); err != nil {
		return err
	}
	return setBool(&cfg.MinIOUseSSL, "MINIO_USE_SSL")
}

// Validate rejects combinations the server cannot start with.
func (c *Config) Validate() error {
	if c.MaxHours <= 0 {
		return fmt.Errorf("max hours must be positive, got %v", c.MaxHours)
	}
	if c.TaskConcurrency < 1 {
		return fmt.Errorf("concurrency must be >= 1, got %d", c.TaskConcurrency)
	}
	switch c.VMService {
	case VMServiceEC2, VMServiceFake:
	default:
		return fmt.Errorf("unknown vm service %q", c.VMService)
	}
	if c.VMService == VMServiceEC2 && len(c.EC2Images) == 0 {
		return fmt.Errorf("vm service ec2 requires at least one image")
	}
	if (c.TLSCert == "") != (c.TLSKey == "") {
		return fmt.Errorf("tls cert and key must be set together")
	}
	return nil
}

func defaultInstanceID() string {
	hostname, _ := os.Hostname()
	return fmt.Sprintf("qualitybots-%s-%d", hostname, os.Getpid())
}

func setString(dst *string, name string) {
	if v := os.Getenv(name); v != "" {
		*dst = v
	}
}

func setDuration(dst *time.Duration, name string) error {
	v := os.Getenv(name)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", name, err)
	}
	*dst = d
	return nil
}

func setInt(dst *int, name string) error {
	v := os.Getenv(name)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", name, err)
	}
	*dst = n
	return nil
}

func setFloat(dst *float64, name string) error {
	v := os.Getenv(name)
	if v == "" {
		return nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", name, err)
	}
	*dst = f
	return nil
}

func setBool(dst *bool, name string) error {
	v := os.Getenv(name)
	if v == "" {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", name, err)
	}
	*dst = b
	return nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// parseImages reads "win=ami-1,linux=ami-2".
func parseImages(raw string) (map[string]string, error) {
	images := map[string]string{}
	for _, pair := range splitList(raw) {
		name, ami, ok := strings.Cut(pair, "=")
		name, ami = strings.TrimSpace(name), strings.TrimSpace(ami)
		if !ok || name == "" || ami == "" {
			return nil, fmt.Errorf("expected os=ami, got %q", pair)
		}
		images[strings.ToLower(name)] = ami
	}
	return images, nil
}
