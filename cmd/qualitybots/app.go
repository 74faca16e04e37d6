package main

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"qualitybots/internal/blob"
	"qualitybots/internal/cache"
	"qualitybots/internal/channels"
	"qualitybots/internal/cloud"
	"qualitybots/internal/config"
	"qualitybots/internal/db"
	"qualitybots/internal/events"
	"qualitybots/internal/health"
	"qualitybots/internal/machines"
	"qualitybots/internal/orchestrator"
	"qualitybots/internal/queue"
	"qualitybots/internal/reducer"
	"qualitybots/internal/scores"
	"qualitybots/internal/store"
	"qualitybots/internal/tasks"
)

const feedTimeout = 10 * time.Second

// app holds every service of one process. close releases connections in
// reverse order of acquisition.
type app struct {
	store    store.Store
	cache    cache.Cache
	broker   *events.Broker
	queue    *queue.Service
	pool     *machines.Pool
	orch     *orchestrator.Orchestrator
	results  *reducer.Service
	scores   *scores.Aggregator
	monitor  *health.Monitor
	runner   *tasks.Runner
	closers  []func()
	inMemory bool
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func buildApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	a := &app{broker: events.NewBroker(200)}
	ok := false
	defer func() {
		if !ok {
			a.close()
		}
	}()

	if cfg.DatabaseURL == "" {
		logger.Warn("No DSN configured; using the in-memory store")
		a.store = store.NewMemory()
		a.inMemory = true
	} else {
		pgPool, err := db.NewPool(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		pg := store.NewPostgres(pgPool)
		a.closers = append(a.closers, pg.Close)
		a.store = pg
	}

	if cfg.RedisURL == "" {
		a.cache = cache.NewLocal(0, cfg.CacheTTL)
	} else {
		rc, err := cache.NewRedis(ctx, cfg.RedisURL, "qualitybots:")
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() { _ = rc.Close() })
		a.cache = rc
	}

	blobs, err := buildBlobs(ctx, cfg)
	if err != nil {
		return nil, err
	}
	provider, err := buildProvider(cfg)
	if err != nil {
		return nil, err
	}
	logger.Info("Using VM service", "vm_service", provider.Name())

	httpClient := channels.NewHTTPClient(feedTimeout)
	resolver := channels.NewRegistry(a.cache, cfg.CacheTTL, logger,
		channels.NewChromeSource(cfg.ChromeFeedURL, httpClient),
		channels.NewFirefoxSource(cfg.FirefoxFeedURL, "", httpClient),
	)

	a.pool = machines.NewPool(a.store, provider, blobs, a.broker, machines.Config{
		InstanceSize:       cfg.InstanceSize,
		TerminateInstances: cfg.TerminateInstances,
	}, logger)
	a.queue = queue.NewService(a.store, a.pool, a.broker, logger)

	taskQueue := tasks.NewQueue(a.store)
	a.runner = tasks.NewRunner(taskQueue, tasks.RunnerConfig{
		WorkerID:      cfg.InstanceID,
		PollInterval:  cfg.TaskPollInterval,
		LeaseDuration: cfg.TaskLeaseDuration,
		Concurrency:   cfg.TaskConcurrency,
	}, logger)

	a.orch = orchestrator.New(a.store, a.queue, a.pool, resolver, taskQueue, a.broker, orchestrator.Config{
		MaxHours:     cfg.MaxHours,
		StartupDelay: cfg.StartupDelay,
		BatchSize:    cfg.BatchSize,
		InstanceSize: cfg.InstanceSize,
	}, logger)
	a.orch.RegisterHandlers(a.runner)

	a.results = reducer.NewService(a.store, blobs, taskQueue, a.broker, logger)
	a.results.RegisterHandlers(a.runner)

	a.scores = scores.NewAggregator(a.store, logger)
	a.monitor = health.NewMonitor(a.store, a.queue, taskQueue, a.cache, a.broker, health.Config{
		UnresponsiveAfter: cfg.UnresponsiveAfter,
		MaxRetries:        cfg.MaxMachineRetries,
		Owner:             cfg.InstanceID,
	}, logger)

	ok = true
	return a, nil
}

func buildBlobs(ctx context.Context, cfg *config.Config) (blob.Store, error) {
	if cfg.MinIOEndpoint == "" {
		return blob.NewMemory(), nil
	}
	return blob.NewMinIO(ctx, blob.MinIOConfig{
		Endpoint:  cfg.MinIOEndpoint,
		AccessKey: cfg.MinIOAccessKey,
		SecretKey: cfg.MinIOSecretKey,
		Bucket:    cfg.MinIOBucket,
		UseSSL:    cfg.MinIOUseSSL,
	})
}

func buildProvider(cfg *config.Config) (cloud.Provider, error) {
	switch strings.ToLower(cfg.VMService) {
	case config.VMServiceEC2:
		return cloud.NewEC2Provider(cloud.EC2Config{
			Region:          cfg.EC2Region,
			AccessKeyID:     cfg.EC2AccessKeyID,
			SecretAccessKey: cfg.EC2SecretAccessKey,
			Images:          cfg.EC2Images,
			SecurityGroups:  cfg.EC2SecurityGroups,
			KeyName:         cfg.EC2KeyName,
			SubnetID:        cfg.EC2SubnetID,
		})
	case config.VMServiceFake, "":
		return cloud.NewFake(), nil
	default:
		return nil, fmt.Errorf("unknown vm service %q", cfg.VMService)
	}
}
