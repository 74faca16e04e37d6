// Package machines manages the fleet of worker VMs: provisioning, power state,
// heartbeats and the install callbacks the VMs send back.
package machines

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/samber/lo"

	"qualitybots/internal/blob"
	"qualitybots/internal/cloud"
	"qualitybots/internal/events"
	"qualitybots/internal/models"
	"qualitybots/internal/store"
)

const (
	DefaultInstanceSize = "c1.medium"
	providerAttempts    = 3
)

type LogKind string

const (
	LogInit LogKind = "init"
	LogRun  LogKind = "run"
)

type Config struct {
	InstanceSize string
	// TerminateInstances destroys VMs on retirement; otherwise they are stopped.
	TerminateInstances bool
	// RetryInitialInterval seeds the provider backoff.
	RetryInitialInterval time.Duration
}

type ProvisionRequest struct {
	Token        string
	OS           string
	Browser      string
	Channel      string
	Version      string
	InstallerURL string
	Count        int
	InstanceSize string
	ProvisionKey string
}

// userData is handed to the VM at boot so it can install its browser and
// start leasing work.
type userData struct {
	Channel      string `json:"channel"`
	OS           string `json:"os"`
	Token        string `json:"token"`
	DownloadInfo string `json:"download_info"`
}

type Pool struct {
	store    store.Store
	provider cloud.Provider
	blobs    blob.Store
	events   events.Publisher
	logger   *slog.Logger
	cfg      Config
	now      func() time.Time
}

func NewPool(st store.Store, provider cloud.Provider, blobs blob.Store, publisher events.Publisher, cfg Config, logger *slog.Logger) *Pool {
	if cfg.InstanceSize == "" {
		cfg.InstanceSize = DefaultInstanceSize
	}
	if cfg.RetryInitialInterval <= 0 {
		cfg.RetryInitialInterval = 500 * time.Millisecond
	}
	if publisher == nil {
		publisher = events.NoopPublisher{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		store:    st,
		provider: provider,
		blobs:    blobs,
		events:   publisher,
		logger:   logger,
		cfg:      cfg,
		now:      time.Now,
	}
}

// UserDataOS is the os name the VM bootstrap script expects.
func UserDataOS(os string) string {
	if os == models.OSWindows {
		return "win"
	}
	return os
}

// Provision creates req.Count machines. Machines already recorded under the
// provision key are returned as-is, so a retried provisioning task is a no-op.
func (p *Pool) Provision(ctx context.Context, req ProvisionRequest) ([]*models.Machine, error) {
	if req.Count <= 0 {
		return nil, nil
	}
	if req.ProvisionKey != "" {
		existing, err := p.store.ListMachines(ctx, store.MachineFilter{ProvisionKey: req.ProvisionKey})
		if err != nil {
			return nil, fmt.Errorf("list machines for %s: %w", req.ProvisionKey, err)
		}
		if len(existing) > 0 {
			p.logger.Info("Machines already provisioned", "provision_key", req.ProvisionKey, "count", len(existing))
			return existing, nil
		}
	}

	size := lo.Ternary(req.InstanceSize != "", req.InstanceSize, p.cfg.InstanceSize)
	data, err := json.Marshal(userData{
		Channel:      req.Channel,
		OS:           UserDataOS(req.OS),
		Token:        req.Token,
		DownloadInfo: req.InstallerURL,
	})
	if err != nil {
		return nil, fmt.Errorf("encode user data: %w", err)
	}
	create := cloud.CreateRequest{
		ClientToken:  req.ProvisionKey,
		OS:           req.OS,
		InstanceType: size,
		UserData:     string(data),
		Count:        req.Count,
		Tags: map[string]string{
			"qualitybots:token":   req.Token,
			"qualitybots:os":      req.OS,
			"qualitybots:browser": req.Browser,
			"qualitybots:channel": req.Channel,
		},
	}

	var ids []string
	var partialErr error
	op := func() error {
		created, err := p.provider.CreateInstances(ctx, create)
		if err == nil {
			ids = created
			return nil
		}
		if len(created) > 0 {
			ids, partialErr = created, err
			return nil
		}
		if errors.Is(err, cloud.ErrInvalidRequest) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		p.logger.Warn("Provisioning failed, retrying", "provision_key", req.ProvisionKey, "retry_in", wait, "error", err)
	}
	if err := backoff.RetryNotify(op, p.backoff(ctx), notify); err != nil {
		provisionFailures.WithLabelValues(req.OS, req.Browser).Inc()
		p.events.Publish(events.Event{
			Level:   "error",
			Type:    events.TypeProvisionFailed,
			Message: "Provisioning failed",
			Token:   req.Token,
			Metadata: map[string]string{
				"os": req.OS, "browser": req.Browser, "channel": req.Channel, "error": err.Error(),
			},
		})
		return nil, fmt.Errorf("provision %d %s/%s machines: %w", req.Count, req.OS, req.Browser, err)
	}
	if partialErr != nil {
		p.logger.Error("Provider created fewer machines than requested; continuing without compensation",
			"provision_key", req.ProvisionKey, "requested", req.Count, "created", len(ids), "error", partialErr)
	}

	now := p.now()
	machines := lo.Map(ids, func(id string, _ int) *models.Machine {
		return &models.Machine{
			ClientID:       id,
			VMService:      p.provider.Name(),
			OS:             req.OS,
			Browser:        req.Browser,
			Channel:        req.Channel,
			BrowserVersion: req.Version,
			Status:         models.MachineProvisioned,
			Token:          req.Token,
			InstallerURL:   req.InstallerURL,
			ProvisionKey:   req.ProvisionKey,
			CreationTime:   now,
			UpdatedTime:    now,
		}
	})
	if _, err := p.store.InsertMachines(ctx, machines); err != nil {
		return nil, fmt.Errorf("record provisioned machines: %w", err)
	}
	machinesProvisioned.WithLabelValues(p.provider.Name(), req.OS, req.Browser).Add(float64(len(machines)))
	p.logger.Info("Provisioned machines", "token", req.Token, "os", req.OS, "browser", req.Browser,
		"channel", req.Channel, "count", len(machines))
	return machines, nil
}

func (p *Pool) backoff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.cfg.RetryInitialInterval
	return backoff.WithContext(backoff.WithMaxRetries(b, providerAttempts-1), ctx)
}

// retry runs a provider power-state call with the same bounded backoff as provisioning.
func (p *Pool) retry(ctx context.Context, op string, ids []string, call func(context.Context, []string) error) error {
	if len(ids) == 0 {
		return nil
	}
	err := backoff.RetryNotify(func() error {
		err := call(ctx, ids)
		if errors.Is(err, cloud.ErrInvalidRequest) {
			return backoff.Permanent(err)
		}
		return err
	}, p.backoff(ctx), func(err error, wait time.Duration) {
		p.logger.Warn("Provider call failed, retrying", "op", op, "count", len(ids), "retry_in", wait, "error", err)
	})
	if err != nil {
		return fmt.Errorf("%s %d machines: %w", op, len(ids), err)
	}
	return nil
}

func (p *Pool) Start(ctx context.Context, ids []string) error {
	return p.retry(ctx, "start", ids, p.provider.StartInstances)
}

func (p *Pool) Stop(ctx context.Context, ids []string) error {
	return p.retry(ctx, "stop", ids, p.provider.StopInstances)
}

func (p *Pool) Reboot(ctx context.Context, ids []string) error {
	return p.retry(ctx, "reboot", ids, p.provider.RebootInstances)
}

// Terminate stops or destroys the VMs, depending on configuration, and then
// records status. A machine already further along the lifecycle keeps its status.
func (p *Pool) Terminate(ctx context.Context, ids []string, status models.MachineStatus) error {
	if len(ids) == 0 {
		return nil
	}
	if status.Active() {
		return fmt.Errorf("terminate with active status %s", status)
	}
	if p.cfg.TerminateInstances {
		if err := p.retry(ctx, "terminate", ids, p.provider.TerminateInstances); err != nil {
			return err
		}
	} else if err := p.Stop(ctx, ids); err != nil {
		return err
	}

	now := p.now()
	for _, id := range ids {
		m, err := p.store.UpdateMachine(ctx, id, func(m *models.Machine) error {
			if m.Status.Rank() < status.Rank() {
				m.Status = status
			}
			m.UpdatedTime = now
			return nil
		})
		if errors.Is(err, store.ErrNotFound) {
			p.logger.Warn("Terminated machine has no record", "client_id", id)
			continue
		}
		if err != nil {
			return fmt.Errorf("record termination of %s: %w", id, err)
		}
		p.transitioned(m, "Machine retired")
	}
	return nil
}

func (p *Pool) GetAll(ctx context.Context, filter store.MachineFilter) ([]*models.Machine, error) {
	return p.store.ListMachines(ctx, filter)
}

func (p *Pool) Get(ctx context.Context, clientID string) (*models.Machine, error) {
	return p.store.GetMachine(ctx, clientID)
}

// Touch refreshes the heartbeat and nudges an active machine to RUNNING.
func (p *Pool) Touch(ctx context.Context, clientID string) error {
	now := p.now()
	nudged := false
	m, err := p.store.UpdateMachine(ctx, clientID, func(m *models.Machine) error {
		m.UpdatedTime = now
		if m.Status.Active() && m.Status != models.MachineRunning {
			m.Status = models.MachineRunning
			nudged = true
		}
		return nil
	})
	if errors.Is(err, store.ErrNotFound) {
		p.logger.Warn("Heartbeat from unknown machine", "client_id", clientID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("touch machine %s: %w", clientID, err)
	}
	if nudged {
		p.transitioned(m, "Machine running")
	}
	return nil
}

// InitializationStarted is called by the VM when its bootstrap script begins.
func (p *Pool) InitializationStarted(ctx context.Context, clientID string) (*models.Machine, error) {
	return p.setStatus(ctx, clientID, models.MachineInitializing, "Machine initializing")
}

// InstallSucceeded stores the install log and marks the machine RUNNING.
func (p *Pool) InstallSucceeded(ctx context.Context, clientID string, log []byte) (*models.Machine, error) {
	if len(log) > 0 {
		if _, err := p.UploadLog(ctx, clientID, LogInit, log); err != nil {
			return nil, err
		}
	}
	return p.setStatus(ctx, clientID, models.MachineRunning, "Machine installed browser")
}

// InstallFailed stores the install log and reboots the machine for another
// attempt, or retires it as FAILED once MaxMachineRetries reboots are spent.
func (p *Pool) InstallFailed(ctx context.Context, clientID string, log []byte) (*models.Machine, error) {
	if len(log) > 0 {
		if _, err := p.UploadLog(ctx, clientID, LogInit, log); err != nil {
			return nil, err
		}
	}
	now := p.now()
	retire := false
	m, err := p.store.UpdateMachine(ctx, clientID, func(m *models.Machine) error {
		if !m.Status.Active() {
			return errInactive
		}
		m.UpdatedTime = now
		if m.RetryCount >= models.MaxMachineRetries {
			retire = true
			return nil
		}
		m.RetryCount++
		m.Status = models.MachineInitializing
		return nil
	})
	if errors.Is(err, errInactive) {
		return p.store.GetMachine(ctx, clientID)
	}
	if err != nil {
		return nil, fmt.Errorf("record install failure of %s: %w", clientID, err)
	}
	if retire {
		p.logger.Warn("Machine exhausted install retries", "client_id", clientID, "retries", m.RetryCount)
		if err := p.Terminate(ctx, []string{clientID}, models.MachineFailed); err != nil {
			return nil, err
		}
		return p.store.GetMachine(ctx, clientID)
	}
	p.logger.Warn("Machine install failed, rebooting", "client_id", clientID, "retry", m.RetryCount)
	if err := p.Reboot(ctx, []string{clientID}); err != nil {
		return nil, err
	}
	return m, nil
}

var (
	errInactive       = errors.New("machine is not active")
	ErrUnknownLogKind = errors.New("unknown log kind")
)

// UploadLog stores a VM log and records its blob key on the machine.
func (p *Pool) UploadLog(ctx context.Context, clientID string, kind LogKind, data []byte) (string, error) {
	if p.blobs == nil {
		return "", fmt.Errorf("upload %s log: no blob store configured", kind)
	}
	if kind != LogInit && kind != LogRun {
		return "", fmt.Errorf("upload log: %w %q", ErrUnknownLogKind, kind)
	}
	if _, err := p.store.GetMachine(ctx, clientID); err != nil {
		return "", fmt.Errorf("upload %s log: %w", kind, err)
	}
	key := fmt.Sprintf("machines/%s/%s.log", clientID, kind)
	if err := p.blobs.Put(ctx, key, data, "text/plain"); err != nil {
		return "", fmt.Errorf("upload %s log: %w", kind, err)
	}
	_, err := p.store.UpdateMachine(ctx, clientID, func(m *models.Machine) error {
		if kind == LogInit {
			m.InitLogKey = key
		} else {
			m.RunLogKey = key
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("record %s log key: %w", kind, err)
	}
	return key, nil
}

func (p *Pool) setStatus(ctx context.Context, clientID string, status models.MachineStatus, message string) (*models.Machine, error) {
	now := p.now()
	changed := false
	m, err := p.store.UpdateMachine(ctx, clientID, func(m *models.Machine) error {
		m.UpdatedTime = now
		if m.Status.Active() && m.Status != status {
			m.Status = status
			changed = true
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("set machine %s %s: %w", clientID, status, err)
	}
	if changed {
		p.transitioned(m, message)
	}
	return m, nil
}

func (p *Pool) transitioned(m *models.Machine, message string) {
	machineTransitions.WithLabelValues(string(m.Status)).Inc()
	p.events.Publish(events.Event{
		Level:    lo.Ternary(m.Status == models.MachineFailed, "warn", "info"),
		Type:     events.TypeMachineState,
		Message:  message,
		Token:    m.Token,
		ClientID: m.ClientID,
		Metadata: map[string]string{"status": string(m.Status)},
	})
}
