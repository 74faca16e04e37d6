// Package orchestrator starts and expires test runs. A run start persists the
// run and fans its work item creation and machine provisioning out as
// deferred tasks.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"qualitybots/internal/channels"
	"qualitybots/internal/events"
	"qualitybots/internal/machines"
	"qualitybots/internal/models"
	"qualitybots/internal/queue"
	"qualitybots/internal/store"
	"qualitybots/internal/tasks"
	"qualitybots/internal/tracing"
	"qualitybots/internal/useragent"
)

const (
	MinutesPerURL      = 3
	MaxHours           = 120
	MinMachines        = 2
	ItemBatchSize      = 200
	StartupDelay       = 30 * time.Second
	resolveConcurrency = 8
)

var (
	ErrReferenceUnresolved = errors.New("reference configuration could not be resolved")
	ErrNoURLs              = errors.New("run has no urls")
	ErrInvalidRequest      = errors.New("invalid run request")
	ErrRunExpired          = errors.New("run is expired")
)

type Config struct {
	// MaxHours is the wall-clock budget a run's machines are sized for.
	MaxHours     float64
	StartupDelay time.Duration
	BatchSize    int
	InstanceSize string
}

type StartRunRequest struct {
	URLs     []models.URLEntry `json:"urls" yaml:"urls"`
	Browsers []string          `json:"browsers" yaml:"browsers"`
	OSes     []string          `json:"oses" yaml:"oses"`
	Channels []string          `json:"channels" yaml:"channels"`
	MaxHours float64           `json:"max_hours,omitempty" yaml:"max_hours"`
	// RetryCount overrides the retry budget of every item. Nil means DefaultRetryCount.
	RetryCount *int `json:"retry_count,omitempty" yaml:"retry_count"`
}

type Orchestrator struct {
	store    store.Store
	queue    *queue.Service
	pool     *machines.Pool
	resolver channels.Resolver
	tasks    tasks.Deferrer
	events   events.Publisher
	logger   *slog.Logger
	cfg      Config
	now      func() time.Time
}

func New(st store.Store, q *queue.Service, pool *machines.Pool, resolver channels.Resolver, deferrer tasks.Deferrer, publisher events.Publisher, cfg Config, logger *slog.Logger) *Orchestrator {
	if cfg.MaxHours <= 0 {
		cfg.MaxHours = MaxHours
	}
	if cfg.StartupDelay <= 0 {
		cfg.StartupDelay = StartupDelay
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = ItemBatchSize
	}
	if cfg.InstanceSize == "" {
		cfg.InstanceSize = machines.DefaultInstanceSize
	}
	if publisher == nil {
		publisher = events.NoopPublisher{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		store:    st,
		queue:    q,
		pool:     pool,
		resolver: resolver,
		tasks:    deferrer,
		events:   publisher,
		logger:   logger,
		cfg:      cfg,
		now:      time.Now,
	}
}

// CalculateNeededMachines sizes each configuration's pool so the run fits in
// maxHours at MinutesPerURL, never below MinMachines.
func CalculateNeededMachines(urls int, maxHours float64) int {
	if maxHours <= 0 {
		maxHours = MaxHours
	}
	needed := int(math.Ceil(float64(urls) * MinutesPerURL / (maxHours * 60)))
	return max(needed, MinMachines)
}

func (o *Orchestrator) StartRun(ctx context.Context, req StartRunRequest) (run *models.Run, err error) {
	ctx, span := tracing.StartSpan(ctx, "orchestrator.StartRun",
		attribute.Int("run.urls", len(req.URLs)),
		attribute.StringSlice("run.browsers", req.Browsers),
	)
	defer func() { tracing.End(span, err) }()

	if len(req.URLs) == 0 {
		return nil, ErrNoURLs
	}
	browsers := normalizeList(req.Browsers)
	oses := normalizeList(req.OSes)
	chans := normalizeList(req.Channels)
	if len(chans) == 0 {
		chans = []string{models.ChannelStable}
	}
	if len(browsers) == 0 || len(oses) == 0 {
		return nil, fmt.Errorf("%w: browsers and oses are required", ErrInvalidRequest)
	}
	if req.RetryCount != nil && *req.RetryCount < 0 {
		return nil, fmt.Errorf("%w: negative retry count %d", ErrInvalidRequest, *req.RetryCount)
	}

	maxHours := lo.Ternary(req.MaxHours > 0, req.MaxHours, o.cfg.MaxHours)
	perConfig := CalculateNeededMachines(len(req.URLs), maxHours)
	token := uuid.NewString()
	logger := o.logger.With("token", token)

	reference, err := o.resolve(ctx, oses[0], browsers[0], models.ChannelStable)
	if err != nil {
		return nil, fmt.Errorf("%w: %s/%s/%s: %v", ErrReferenceUnresolved, oses[0], browsers[0], models.ChannelStable, err)
	}

	configs, err := o.resolveMatrix(ctx, logger, oses, browsers, chans)
	if err != nil {
		return nil, err
	}
	if !lo.ContainsBy(configs, func(c models.Configuration) bool { return sameCell(c, reference) }) {
		configs = append([]models.Configuration{reference}, configs...)
	}

	run = &models.Run{
		Token:             token,
		CreatedAt:         o.now(),
		URLCount:          len(req.URLs),
		MachinesPerConfig: perConfig,
		Configurations:    configs,
		Reference:         reference,
		ClientInfo:        models.NewClientInfo(reference),
	}
	if err := o.store.InsertRun(ctx, run); err != nil {
		return nil, fmt.Errorf("persist run: %w", err)
	}

	for batch, urls := range lo.Chunk(req.URLs, o.cfg.BatchSize) {
		_, err := o.tasks.Defer(ctx, TaskCreateWorkItems, createWorkItemsArgs{Token: token, Batch: batch, URLs: urls, RetryCount: req.RetryCount},
			tasks.WithDedupKey(fmt.Sprintf("%s/items/%d", token, batch)),
			tasks.WithDelay(o.cfg.StartupDelay))
		if err != nil {
			return nil, fmt.Errorf("defer work item batch %d: %w", batch, err)
		}
	}
	for _, cfg := range configs {
		key := provisionKey(token, cfg)
		_, err := o.tasks.Defer(ctx, TaskProvisionMachines, provisionMachinesArgs{
			Token:         token,
			Configuration: cfg,
			Count:         perConfig,
			ProvisionKey:  key,
		}, tasks.WithDedupKey(key), tasks.WithDelay(o.cfg.StartupDelay))
		if err != nil {
			return nil, fmt.Errorf("defer provisioning of %s: %w", key, err)
		}
	}

	runsStarted.Inc()
	logger.Info("Started run", "urls", len(req.URLs), "configurations", len(configs), "machines_per_config", perConfig)
	o.events.Publish(events.Event{
		Level:   "info",
		Type:    events.TypeRunStarted,
		Message: "Run started",
		Token:   token,
		Metadata: map[string]string{
			"urls":      fmt.Sprint(len(req.URLs)),
			"reference": reference.LeaseKey(),
		},
	})
	return run, nil
}

func (o *Orchestrator) resolve(ctx context.Context, os, browser, channel string) (models.Configuration, error) {
	version, err := o.resolver.GetVersionForChannel(ctx, browser, os, channel)
	if err != nil {
		return models.Configuration{}, err
	}
	url, err := o.resolver.GetURLForChannel(ctx, browser, os, channel)
	if err != nil {
		return models.Configuration{}, err
	}
	return models.Configuration{OS: os, Browser: browser, Channel: channel, Version: version, InstallerURL: url}, nil
}

// resolveMatrix resolves every (os, browser, channel) cell concurrently.
// Unresolvable cells are logged and left out.
func (o *Orchestrator) resolveMatrix(ctx context.Context, logger *slog.Logger, oses, browsers, chans []string) ([]models.Configuration, error) {
	type cell struct{ os, browser, channel string }
	var cells []cell
	for _, os := range oses {
		for _, browser := range browsers {
			for _, channel := range chans {
				cells = append(cells, cell{os, browser, channel})
			}
		}
	}

	resolved := make([]*models.Configuration, len(cells))
	var mu sync.Mutex
	var skipped []string
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(resolveConcurrency)
	for i, c := range cells {
		g.Go(func() error {
			cfg, err := o.resolve(gctx, c.os, c.browser, c.channel)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				logger.Warn("Skipping unresolvable configuration", "os", c.os, "browser", c.browser, "channel", c.channel, "error", err)
				mu.Lock()
				skipped = append(skipped, c.os+"/"+c.browser+"/"+c.channel)
				mu.Unlock()
				return nil
			}
			resolved[i] = &cfg
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("resolve configurations: %w", err)
	}
	if len(skipped) > 0 {
		configsSkipped.Add(float64(len(skipped)))
	}
	return lo.FilterMap(resolved, func(c *models.Configuration, _ int) (models.Configuration, bool) {
		if c == nil {
			return models.Configuration{}, false
		}
		return *c, true
	}), nil
}

type ExpireResult struct {
	ItemsExpired     int `json:"items_expired"`
	MachinesRetiring int `json:"machines_retiring"`
}

// ExpireRun cancels a run: its active machines are retired as EXPIRED through
// deferred tasks and its outstanding work items are expired.
func (o *Orchestrator) ExpireRun(ctx context.Context, token string) (res ExpireResult, err error) {
	ctx, span := tracing.StartSpan(ctx, "orchestrator.ExpireRun", attribute.String("run.token", token))
	defer func() { tracing.End(span, err) }()

	if _, err := o.store.GetRun(ctx, token); err != nil {
		return res, fmt.Errorf("expire run %s: %w", token, err)
	}
	active, err := o.store.ListMachines(ctx, store.MachineFilter{Token: token, Statuses: models.ActiveMachineStatuses})
	if err != nil {
		return res, fmt.Errorf("list machines of run %s: %w", token, err)
	}
	for _, m := range active {
		created, err := o.tasks.Defer(ctx, TaskTerminateMachine,
			TerminateMachineArgs{ClientID: m.ClientID, Status: models.MachineExpired},
			tasks.WithDedupKey(TerminateDedupKey(token, m.ClientID)))
		if err != nil {
			return res, fmt.Errorf("defer expiry of machine %s: %w", m.ClientID, err)
		}
		if created {
			res.MachinesRetiring++
		}
	}
	res.ItemsExpired, err = o.queue.ExpireRun(ctx, token)
	if err != nil {
		return res, err
	}
	now := o.now()
	if _, err := o.store.UpdateRun(ctx, token, func(r *models.Run) error {
		if r.ExpiredAt == nil {
			r.ExpiredAt = &now
		}
		return nil
	}); err != nil {
		return res, fmt.Errorf("mark run %s expired: %w", token, err)
	}

	runsExpired.Inc()
	o.logger.Info("Expired run", "token", token, "items", res.ItemsExpired, "machines", res.MachinesRetiring)
	o.events.Publish(events.Event{
		Level:   "info",
		Type:    events.TypeRunExpired,
		Message: "Run expired",
		Token:   token,
		Metadata: map[string]string{
			"items":    fmt.Sprint(res.ItemsExpired),
			"machines": fmt.Sprint(res.MachinesRetiring),
		},
	})
	return res, nil
}

// AcceptWork leases the next item for the machine's browser. When nothing is
// left it schedules the machine's own termination and returns nil, nil.
func (o *Orchestrator) AcceptWork(ctx context.Context, token, clientID, userAgent string) (*models.WorkItem, error) {
	info, err := useragent.Parse(userAgent)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	item, err := o.queue.LeaseNext(ctx, token, info.LeaseKey(), clientID)
	if errors.Is(err, queue.ErrNoWorkItems) {
		o.logger.Info("No work left for machine, scheduling termination", "token", token, "client_id", clientID, "lease_key", info.LeaseKey())
		if _, err := o.tasks.Defer(ctx, TaskTerminateMachine,
			TerminateMachineArgs{ClientID: clientID, Status: models.MachineTerminated},
			tasks.WithDedupKey(TerminateDedupKey(token, clientID)),
			tasks.WithDelay(o.cfg.StartupDelay)); err != nil {
			return nil, fmt.Errorf("defer termination of %s: %w", clientID, err)
		}
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return item, nil
}

type RunStatus struct {
	Run      *models.Run                     `json:"run"`
	Items    map[models.WorkItemStatus]int64 `json:"items"`
	Machines map[models.MachineStatus]int64  `json:"machines"`
}

func (o *Orchestrator) Inspect(ctx context.Context, token string) (*RunStatus, error) {
	run, err := o.store.GetRun(ctx, token)
	if err != nil {
		return nil, err
	}
	items, err := o.store.CountWorkItemsByStatus(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("count items of run %s: %w", token, err)
	}
	machineCounts, err := o.store.CountMachinesByStatus(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("count machines of run %s: %w", token, err)
	}
	return &RunStatus{Run: run, Items: items, Machines: machineCounts}, nil
}

func provisionKey(token string, cfg models.Configuration) string {
	return fmt.Sprintf("%s/machines/%s/%s/%s", token, cfg.OS, cfg.Browser, cfg.Channel)
}

func sameCell(a, b models.Configuration) bool {
	return a.OS == b.OS && a.Browser == b.Browser && a.Channel == b.Channel
}

func normalizeList(in []string) []string {
	out := lo.FilterMap(in, func(s string, _ int) (string, bool) {
		s = strings.ToLower(strings.TrimSpace(s))
		return s, s != ""
	})
	return lo.Uniq(out)
}
