package main

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"qualitybots/internal/config"
	"qualitybots/internal/db"
	"qualitybots/internal/logging"
	"qualitybots/internal/metrics"
	"qualitybots/internal/orchestrator"
	"qualitybots/internal/tracing"
	"qualitybots/internal/web"
)

const Version = "0.1.0"

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	if os.Args[1] == "--version" || os.Args[1] == "version" {
		fmt.Printf("qualitybots version %s\n", Version)
		return
	}

	switch os.Args[1] {
	case "serve":
		runServe(os.Args[2:])
	case "tasks":
		runTasks(os.Args[2:])
	case "sweep":
		runSweep(os.Args[2:])
	case "start-run":
		runStartRun(os.Args[2:])
	case "expire-run":
		runExpireRun(os.Args[2:])
	case "scores":
		runScores(os.Args[2:])
	case "migrate":
		runMigrate(os.Args[2:])
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Println("usage: qualitybots <serve|tasks|sweep|start-run|expire-run|scores|migrate|version> [args]")
}

// loadConfig layers defaults, the config file, the environment and finally
// the subcommand flags. extra binds subcommand-specific flags.
func loadConfig(name string, args []string, extra func(fs *flag.FlagSet)) *config.Config {
	configPath, err := config.ResolveConfigPath(args)
	if err != nil {
		log.Fatal(err)
	}
	fileCfg, err := config.LoadFileConfig(configPath)
	if err != nil {
		log.Fatal(err)
	}

	cfg := config.DefaultConfig()
	if err := config.ApplyFileConfig(cfg, fileCfg); err != nil {
		log.Fatal(err)
	}
	if err := config.ApplyEnv(cfg); err != nil {
		log.Fatal(err)
	}

	fs := flag.NewFlagSet(name, flag.ExitOnError)
	fs.String("config", configPath, "Path to qualitybots config file")
	cfg.BindFlags(fs)
	if extra != nil {
		extra(fs)
	}
	if err := fs.Parse(args); err != nil {
		log.Fatal(err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal(err)
	}
	return cfg
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func startTracing(ctx context.Context, cfg *config.Config, logger *slog.Logger) func() {
	shutdown, err := tracing.Init(ctx, cfg.TraceExporter, "qualitybots", cfg.InstanceID, cfg.TraceSampleRatio)
	if err != nil {
		log.Fatal(err)
	}
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdown(ctx); err != nil {
			logger.Warn("Tracer shutdown error", "error", err)
		}
	}
}

func runServe(args []string) {
	var migrate bool
	cfg := loadConfig("serve", args, func(fs *flag.FlagSet) {
		fs.BoolVar(&migrate, "migrate", false, "Create the schema before serving")
	})
	logger := logging.Init(cfg.InstanceID, cfg.LogLevel)

	ctx, cancel := signalContext()
	defer cancel()
	defer startTracing(ctx, cfg, logger)()

	if migrate && cfg.DatabaseURL != "" {
		if err := ensureSchema(ctx, cfg.DatabaseURL); err != nil {
			log.Fatal(err)
		}
	}

	a, err := buildApp(ctx, cfg, logger)
	if err != nil {
		log.Fatal(err)
	}
	defer a.close()

	opts, err := serverOptions(cfg)
	if err != nil {
		log.Fatal(err)
	}
	clientAuth := opts.TLS != nil && opts.TLS.ClientAuth == tls.RequireAndVerifyClientCert
	if cfg.AdminToken == "" && !isLoopbackAddr(cfg.HTTPAddr) && opts.Allowlist == nil && !clientAuth {
		logger.Warn("Admin routes have no auth; bind to localhost or set --admin-token", "addr", cfg.HTTPAddr)
	}
	if cfg.WorkerToken == "" {
		logger.Warn("Worker routes have no auth; set --worker-token", "addr", cfg.HTTPAddr)
	}

	server := web.NewServer(web.Deps{
		Store:    a.store,
		Runs:     a.orch,
		Items:    a.queue,
		Machines: a.pool,
		Results:  a.results,
		Scores:   a.scores,
		Sweeper:  a.monitor,
		Events:   a.broker,
	}, opts, logger)

	metrics.StartCollector(ctx, a.store, cfg.MetricsInterval, logger)
	startMemoryLogger(ctx, logger, cfg.MemoryLogInterval)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.Start(gctx) })
	g.Go(func() error { return a.runner.Start(gctx) })
	g.Go(func() error { return a.monitor.Start(gctx, cfg.SweepSchedule) })
	if err := g.Wait(); err != nil {
		logger.Error("Server stopped", "error", err)
		os.Exit(1)
	}
	logger.Info("Shutdown complete")
}

func serverOptions(cfg *config.Config) (web.Options, error) {
	allowlist, err := web.ParseAllowlist(cfg.AllowCIDRs)
	if err != nil {
		return web.Options{}, err
	}
	if cfg.AuthLimit <= 0 || cfg.AuthWindow <= 0 || cfg.AuthMaxEntries <= 0 {
		return web.Options{}, fmt.Errorf("auth limit, window and max entries must be positive")
	}
	tlsConfig, err := web.TLSFiles{Cert: cfg.TLSCert, Key: cfg.TLSKey, ClientCA: cfg.TLSClientCA}.Load()
	if err != nil {
		return web.Options{}, err
	}
	return web.Options{
		Addr:            cfg.HTTPAddr,
		AdminToken:      cfg.AdminToken,
		WorkerToken:     cfg.WorkerToken,
		AuthLimit:       cfg.AuthLimit,
		AuthWindow:      cfg.AuthWindow,
		AuthMaxEntries:  cfg.AuthMaxEntries,
		Allowlist:       allowlist,
		TLS:             tlsConfig,
		ShutdownTimeout: cfg.ShutdownTimeout,
	}, nil
}

func isLoopbackAddr(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil || host == "" {
		return false
	}
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// runTasks executes deferred tasks and the health sweep without serving HTTP.
func runTasks(args []string) {
	var noSweep bool
	cfg := loadConfig("tasks", args, func(fs *flag.FlagSet) {
		fs.BoolVar(&noSweep, "no-sweep", false, "Do not schedule the health sweep")
	})
	logger := logging.Init(cfg.InstanceID, cfg.LogLevel)
	ctx, cancel := signalContext()
	defer cancel()
	defer startTracing(ctx, cfg, logger)()

	a, err := buildApp(ctx, cfg, logger)
	if err != nil {
		log.Fatal(err)
	}
	defer a.close()
	if a.inMemory {
		logger.Warn("Task runner on the in-memory store only sees its own tasks")
	}
	startMemoryLogger(ctx, logger, cfg.MemoryLogInterval)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.runner.Start(gctx) })
	if !noSweep {
		g.Go(func() error { return a.monitor.Start(gctx, cfg.SweepSchedule) })
	}
	if err := g.Wait(); err != nil {
		log.Fatal(err)
	}
}

func runSweep(args []string) {
	cfg := loadConfig("sweep", args, nil)
	logger := logging.Init(cfg.InstanceID, cfg.LogLevel)
	ctx, cancel := signalContext()
	defer cancel()

	a := mustBuildPersistent(ctx, cfg, logger)
	defer a.close()

	res, err := a.monitor.Sweep(ctx)
	if err != nil {
		log.Fatal(err)
	}
	printJSON(res)
}

func runStartRun(args []string) {
	var file string
	var browsers, oses, chans string
	var maxHours float64
	retries := -1
	cfg := loadConfig("start-run", args, func(fs *flag.FlagSet) {
		fs.StringVar(&file, "file", "", "YAML or JSON run request (urls, browsers, oses, channels)")
		fs.StringVar(&browsers, "browsers", "", "Comma-separated browsers, overrides the file")
		fs.StringVar(&oses, "oses", "", "Comma-separated operating systems, overrides the file")
		fs.StringVar(&chans, "channels", "", "Comma-separated channels, overrides the file")
		fs.Float64Var(&maxHours, "run-hours", 0, "Wall-clock budget of this run in hours")
		fs.IntVar(&retries, "retries", -1, "Retry budget of every work item (-1 keeps the file or default)")
	})
	if file == "" {
		log.Fatal("--file is required")
	}
	req, err := readRunRequest(file)
	if err != nil {
		log.Fatal(err)
	}
	if browsers != "" {
		req.Browsers = strings.Split(browsers, ",")
	}
	if oses != "" {
		req.OSes = strings.Split(oses, ",")
	}
	if chans != "" {
		req.Channels = strings.Split(chans, ",")
	}
	if maxHours > 0 {
		req.MaxHours = maxHours
	}
	if retries >= 0 {
		req.RetryCount = &retries
	}

	logger := logging.Init(cfg.InstanceID, cfg.LogLevel)
	ctx, cancel := signalContext()
	defer cancel()
	defer startTracing(ctx, cfg, logger)()

	a := mustBuildPersistent(ctx, cfg, logger)
	defer a.close()

	run, err := a.orch.StartRun(ctx, *req)
	if err != nil {
		log.Fatal(err)
	}
	printJSON(run)
}

// readRunRequest parses path as YAML; JSON documents parse the same way.
func readRunRequest(path string) (*orchestrator.StartRunRequest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read run request: %w", err)
	}
	var req orchestrator.StartRunRequest
	if err := yaml.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("parse run request: %w", err)
	}
	return &req, nil
}

func runExpireRun(args []string) {
	var token string
	cfg := loadConfig("expire-run", args, func(fs *flag.FlagSet) {
		fs.StringVar(&token, "token", "", "Run token to expire")
	})
	if token == "" {
		log.Fatal("--token is required")
	}
	logger := logging.Init(cfg.InstanceID, cfg.LogLevel)
	ctx, cancel := signalContext()
	defer cancel()

	a := mustBuildPersistent(ctx, cfg, logger)
	defer a.close()

	res, err := a.orch.ExpireRun(ctx, token)
	if err != nil {
		log.Fatal(err)
	}
	printJSON(res)
}

func runScores(args []string) {
	var tokens string
	cfg := loadConfig("scores", args, func(fs *flag.FlagSet) {
		fs.StringVar(&tokens, "token", "", "Run token, or comma-separated tokens for a weighted average")
	})
	list := strings.FieldsFunc(tokens, func(r rune) bool { return r == ',' })
	if len(list) == 0 {
		log.Fatal("--token is required")
	}
	logger := logging.Init(cfg.InstanceID, cfg.LogLevel)
	ctx, cancel := signalContext()
	defer cancel()

	a := mustBuildPersistent(ctx, cfg, logger)
	defer a.close()

	if len(list) == 1 {
		res, err := a.scores.ComputeAverageScore(ctx, list[0])
		if err != nil {
			log.Fatal(err)
		}
		printJSON(res)
		return
	}
	res, err := a.scores.ComputeMultiRunAverage(ctx, list)
	if err != nil {
		log.Fatal(err)
	}
	printJSON(res)
}

func runMigrate(args []string) {
	cfg := loadConfig("migrate", args, nil)
	if cfg.DatabaseURL == "" {
		log.Fatal("DSN required (use --dsn, DATABASE_URL, or config file)")
	}
	ctx, cancel := signalContext()
	defer cancel()
	if err := ensureSchema(ctx, cfg.DatabaseURL); err != nil {
		log.Fatal(err)
	}
	fmt.Println("Schema up to date.")
}

func ensureSchema(ctx context.Context, dsn string) error {
	pool, err := db.NewPool(ctx, dsn)
	if err != nil {
		return err
	}
	defer pool.Close()
	return db.EnsureSchema(ctx, pool)
}

// mustBuildPersistent builds the app for one-shot commands, which are
// meaningless against a process-local store.
func mustBuildPersistent(ctx context.Context, cfg *config.Config, logger *slog.Logger) *app {
	if cfg.DatabaseURL == "" {
		log.Fatal("DSN required (use --dsn, DATABASE_URL, or config file)")
	}
	a, err := buildApp(ctx, cfg, logger)
	if err != nil {
		log.Fatal(err)
	}
	return a
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		log.Fatal(err)
	}
}
