package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

var defaultConfigFilenames = []string{
	"qualitybots.yaml",
	"qualitybots.yml",
	"qualitybots.toml",
	".qualitybots.yaml",
	".qualitybots.yml",
	".qualitybots.toml",
}

type FileConfig struct {
	DSN      string             `yaml:"dsn" toml:"dsn"`
	RedisURL string             `yaml:"redis_url" toml:"redis_url"`
	LogLevel string             `yaml:"log_level" toml:"log_level"`
	Server   ServerFileConfig   `yaml:"server" toml:"server"`
	Tasks    TasksFileConfig    `yaml:"tasks" toml:"tasks"`
	Health   HealthFileConfig   `yaml:"health" toml:"health"`
	Runs     RunsFileConfig     `yaml:"runs" toml:"runs"`
	Machines MachinesFileConfig `yaml:"machines" toml:"machines"`
	Blob     BlobFileConfig     `yaml:"blob" toml:"blob"`
	Channels ChannelsFileConfig `yaml:"channels" toml:"channels"`
	Tracing  TracingFileConfig  `yaml:"tracing" toml:"tracing"`
}

type ServerFileConfig struct {
	Addr            string   `yaml:"addr" toml:"addr"`
	AdminToken      string   `yaml:"admin_token" toml:"admin_token"`
	WorkerToken     string   `yaml:"worker_token" toml:"worker_token"`
	AllowCIDRs      []string `yaml:"allow_cidrs" toml:"allow_cidrs"`
	AuthLimit       *int     `yaml:"auth_limit" toml:"auth_limit"`
	AuthWindow      string   `yaml:"auth_window" toml:"auth_window"`
	AuthMaxEntries  *int     `yaml:"auth_max_entries" toml:"auth_max_entries"`
	TLSCert         string   `yaml:"tls_cert" toml:"tls_cert"`
	TLSKey          string   `yaml:"tls_key" toml:"tls_key"`
	TLSClientCA     string   `yaml:"tls_client_ca" toml:"tls_client_ca"`
	ShutdownTimeout string   `yaml:"shutdown_timeout" toml:"shutdown_timeout"`
}

type TasksFileConfig struct {
	PollInterval    string `yaml:"poll_interval" toml:"poll_interval"`
	LeaseDuration   string `yaml:"lease_duration" toml:"lease_duration"`
	Concurrency     *int   `yaml:"concurrency" toml:"concurrency"`
	MetricsInterval string `yaml:"metrics_interval" toml:"metrics_interval"`
}

type HealthFileConfig struct {
	Schedule          string `yaml:"schedule" toml:"schedule"`
	UnresponsiveAfter string `yaml:"unresponsive_after" toml:"unresponsive_after"`
	MaxRetries        *int   `yaml:"max_retries" toml:"max_retries"`
}

type RunsFileConfig struct {
	MaxHours     *float64 `yaml:"max_hours" toml:"max_hours"`
	StartupDelay string   `yaml:"startup_delay" toml:"startup_delay"`
	BatchSize    *int     `yaml:"batch_size" toml:"batch_size"`
}

type MachinesFileConfig struct {
	VMService          string        `yaml:"vm_service" toml:"vm_service"`
	InstanceSize       string        `yaml:"instance_size" toml:"instance_size"`
	TerminateInstances *bool         `yaml:"terminate_instances" toml:"terminate_instances"`
	EC2                EC2FileConfig `yaml:"ec2" toml:"ec2"`
}

type EC2FileConfig struct {
	Region          string            `yaml:"region" toml:"region"`
	AccessKeyID     string            `yaml:"access_key_id" toml:"access_key_id"`
	SecretAccessKey string            `yaml:"secret_access_key" toml:"secret_access_key"`
	Images          map[string]string `yaml:"images" toml:"images"`
	SecurityGroups  []string          `yaml:"security_groups" toml:"security_groups"`
	KeyName         string            `yaml:"key_name" toml:"key_name"`
	SubnetID        string            `yaml:"subnet_id" toml:"subnet_id"`
}

type BlobFileConfig struct {
	Endpoint  string `yaml:"endpoint" toml:"endpoint"`
	AccessKey string `yaml:"access_key" toml:"access_key"`
	SecretKey string `yaml:"secret_key" toml:"secret_key"`
	Bucket    string `yaml:"bucket" toml:"bucket"`
	UseSSL    *bool  `yaml:"use_ssl" toml:"use_ssl"`
}

type ChannelsFileConfig struct {
	ChromeFeedURL  string `yaml:"chrome_feed_url" toml:"chrome_feed_url"`
	FirefoxFeedURL string `yaml:"firefox_feed_url" toml:"firefox_feed_url"`
	CacheTTL       string `yaml:"cache_ttl" toml:"cache_ttl"`
}

type TracingFileConfig struct {
	Exporter    string   `yaml:"exporter" toml:"exporter"`
	SampleRatio *float64 `yaml:"sample_ratio" toml:"sample_ratio"`
}

func ResolveConfigPath(args []string) (string, error) {
	path, ok, err := parseConfigFlag(args)
	if err != nil {
		return "", err
	}
	if ok {
		return path, nil
	}
	if env := os.Getenv("QUALITYBOTS_CONFIG"); env != "" {
		return env, nil
	}
	for _, name := range defaultConfigFilenames {
		if fileExists(name) {
			return name, nil
		}
	}
	return "", nil
}

func LoadFileConfig(path string) (*FileConfig, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg FileConfig
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse yaml config: %w", err)
		}
	case ".toml":
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse toml config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config extension: %s", filepath.Ext(path))
	}

	return &cfg, nil
}

func ApplyFileConfig(cfg *Config, fileCfg *FileConfig) error {
	if fileCfg == nil {
		return nil
	}

	setIf(&cfg.DatabaseURL, fileCfg.DSN)
	setIf(&cfg.RedisURL, fileCfg.RedisURL)
	setIf(&cfg.LogLevel, fileCfg.LogLevel)

	srv := fileCfg.Server
	setIf(&cfg.HTTPAddr, srv.Addr)
	setIf(&cfg.AdminToken, srv.AdminToken)
	setIf(&cfg.WorkerToken, srv.WorkerToken)
	if len(srv.AllowCIDRs) > 0 {
		cfg.AllowCIDRs = append([]string{}, srv.AllowCIDRs...)
	}
	if srv.AuthLimit != nil {
		cfg.AuthLimit = *srv.AuthLimit
	}
	if srv.AuthMaxEntries != nil {
		cfg.AuthMaxEntries = *srv.AuthMaxEntries
	}
	setIf(&cfg.TLSCert, srv.TLSCert)
	setIf(&cfg.TLSKey, srv.TLSKey)
	setIf(&cfg.TLSClientCA, srv.TLSClientCA)

	if fileCfg.Tasks.Concurrency != nil {
		cfg.TaskConcurrency = *fileCfg.Tasks.Concurrency
	}
	if fileCfg.Health.MaxRetries != nil {
		cfg.MaxMachineRetries = *fileCfg.Health.MaxRetries
	}
	setIf(&cfg.SweepSchedule, fileCfg.Health.Schedule)

	if fileCfg.Runs.MaxHours != nil {
		if *fileCfg.Runs.MaxHours <= 0 {
			return fmt.Errorf("runs.max_hours must be positive")
		}
		cfg.MaxHours = *fileCfg.Runs.MaxHours
	}
	if fileCfg.Runs.BatchSize != nil {
		cfg.BatchSize = *fileCfg.Runs.BatchSize
	}

	m := fileCfg.Machines
	setIf(&cfg.VMService, m.VMService)
	setIf(&cfg.InstanceSize, m.InstanceSize)
	if m.TerminateInstances != nil {
		cfg.TerminateInstances = *m.TerminateInstances
	}
	setIf(&cfg.EC2Region, m.EC2.Region)
	setIf(&cfg.EC2AccessKeyID, m.EC2.AccessKeyID)
	setIf(&cfg.EC2SecretAccessKey, m.EC2.SecretAccessKey)
	setIf(&cfg.EC2KeyName, m.EC2.KeyName)
	setIf(&cfg.EC2SubnetID, m.EC2.SubnetID)
	if len(m.EC2.Images) > 0 {
		cfg.EC2Images = make(map[string]string, len(m.EC2.Images))
		for name, ami := range m.EC2.Images {
			cfg.EC2Images[strings.ToLower(name)] = ami
		}
	}
	if len(m.EC2.SecurityGroups) > 0 {
		cfg.EC2SecurityGroups = append([]string{}, m.EC2.SecurityGroups...)
	}

	setIf(&cfg.MinIOEndpoint, fileCfg.Blob.Endpoint)
	setIf(&cfg.MinIOAccessKey, fileCfg.Blob.AccessKey)
	setIf(&cfg.MinIOSecretKey, fileCfg.Blob.SecretKey)
	setIf(&cfg.MinIOBucket, fileCfg.Blob.Bucket)
	if fileCfg.Blob.UseSSL != nil {
		cfg.MinIOUseSSL = *fileCfg.Blob.UseSSL
	}

	setIf(&cfg.ChromeFeedURL, fileCfg.Channels.ChromeFeedURL)
	setIf(&cfg.FirefoxFeedURL, fileCfg.Channels.FirefoxFeedURL)
	setIf(&cfg.TraceExporter, fileCfg.Tracing.Exporter)
	if fileCfg.Tracing.SampleRatio != nil {
		cfg.TraceSampleRatio = *fileCfg.Tracing.SampleRatio
	}

	for _, d := range []struct {
		field string
		value string
		dst   *time.Duration
	}{
		{"server.auth_window", srv.AuthWindow, &cfg.AuthWindow},
		{"server.shutdown_timeout", srv.ShutdownTimeout, &cfg.ShutdownTimeout},
		{"tasks.poll_interval", fileCfg.Tasks.PollInterval, &cfg.TaskPollInterval},
		{"tasks.lease_duration", fileCfg.Tasks.LeaseDuration, &cfg.TaskLeaseDuration},
		{"tasks.metrics_interval", fileCfg.Tasks.MetricsInterval, &cfg.MetricsInterval},
		{"health.unresponsive_after", fileCfg.Health.UnresponsiveAfter, &cfg.UnresponsiveAfter},
		{"runs.startup_delay", fileCfg.Runs.StartupDelay, &cfg.StartupDelay},
		{"channels.cache_ttl", fileCfg.Channels.CacheTTL, &cfg.CacheTTL},
	} {
		if d.value == "" {
			continue
		}
		parsed, err := parseDurationField(d.field, d.value)
		if err != nil {
			return err
		}
		*d.dst = parsed
	}

	return nil
}

func setIf(dst *string, value string) {
	if value != "" {
		*dst = value
	}
}

func parseConfigFlag(args []string) (string, bool, error) {
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--config" || arg == "-config" {
			if i+1 >= len(args) || args[i+1] == "" {
				return "", true, fmt.Errorf("missing value for --config")
			}
			return args[i+1], true, nil
		}
		if strings.HasPrefix(arg, "--config=") {
			value := strings.TrimPrefix(arg, "--config=")
			if value == "" {
				return "", true, fmt.Errorf("missing value for --config")
			}
			return value, true, nil
		}
	}
	return "", false, nil
}

func parseDurationField(field, value string) (time.Duration, error) {
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", field, err)
	}
	return parsed, nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
