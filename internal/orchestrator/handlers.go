package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"qualitybots/internal/machines"
	"qualitybots/internal/models"
	"qualitybots/internal/queue"
	"qualitybots/internal/store"
	"qualitybots/internal/tasks"
)

const (
	TaskCreateWorkItems   = "create_work_items"
	TaskProvisionMachines = "provision_machines"
	TaskTerminateMachine  = "terminate_machine"
	TaskRebootMachine     = "reboot_machine"
	TaskRequeueWorkItems  = "requeue_work_items"
)

type Registrar interface {
	Register(name string, h tasks.Handler)
}

type createWorkItemsArgs struct {
	Token      string            `json:"token"`
	Batch      int               `json:"batch"`
	URLs       []models.URLEntry `json:"urls"`
	RetryCount *int              `json:"retry_count,omitempty"`
}

type provisionMachinesArgs struct {
	Token         string               `json:"token"`
	Configuration models.Configuration `json:"configuration"`
	Count         int                  `json:"count"`
	ProvisionKey  string               `json:"provision_key"`
}

// TerminateMachineArgs retires one machine with a non-active status.
type TerminateMachineArgs struct {
	ClientID string               `json:"client_id"`
	Status   models.MachineStatus `json:"status"`
}

// MachineArgs names a single machine. Used by reboot_machine and requeue_work_items.
type MachineArgs struct {
	ClientID string `json:"client_id"`
}

// TerminateDedupKey keys a machine's termination so it is scheduled once.
func TerminateDedupKey(token, clientID string) string {
	return fmt.Sprintf("%s/terminate/%s", token, clientID)
}

func (o *Orchestrator) RegisterHandlers(r Registrar) {
	r.Register(TaskCreateWorkItems, o.handleCreateWorkItems)
	r.Register(TaskProvisionMachines, o.handleProvisionMachines)
	r.Register(TaskTerminateMachine, o.handleTerminateMachine)
	r.Register(TaskRebootMachine, o.handleRebootMachine)
	r.Register(TaskRequeueWorkItems, o.handleRequeueWorkItems)
}

// activeRun loads the run and reports ErrRunExpired as a permanent failure
// so follow-up tasks of a cancelled run stop quietly.
func (o *Orchestrator) activeRun(ctx context.Context, token string) (*models.Run, error) {
	run, err := o.store.GetRun(ctx, token)
	if errors.Is(err, store.ErrNotFound) {
		return nil, tasks.Permanent(err)
	}
	if err != nil {
		return nil, err
	}
	if run.ExpiredAt != nil {
		return nil, ErrRunExpired
	}
	return run, nil
}

// handleCreateWorkItems creates one item per (url, url config, configuration).
// Re-running a batch inserts nothing new.
func (o *Orchestrator) handleCreateWorkItems(ctx context.Context, raw json.RawMessage) error {
	args, err := tasks.Decode[createWorkItemsArgs](raw)
	if err != nil {
		return err
	}
	run, err := o.activeRun(ctx, args.Token)
	if errors.Is(err, ErrRunExpired) {
		o.logger.Info("Skipping work item batch of expired run", "token", args.Token, "batch", args.Batch)
		return nil
	}
	if err != nil {
		return err
	}

	now := o.now()
	var items []*models.WorkItem
	for _, entry := range args.URLs {
		refs := entry.ConfigRefs
		if len(refs) == 0 {
			refs = []string{""}
		}
		for _, ref := range refs {
			for _, cfg := range run.Configurations {
				items = append(items, &models.WorkItem{
					URL:            entry.URL,
					ConfigRef:      ref,
					Token:          run.Token,
					ClientInfo:     run.ClientInfo,
					OS:             cfg.OS,
					Browser:        cfg.Browser,
					Channel:        cfg.Channel,
					BrowserVersion: cfg.Version,
					Priority:       models.DefaultPriority,
					RetryCount:     models.DefaultRetryCount,
					CreationTime:   now,
				})
			}
		}
	}
	var opts []queue.EnqueueOption
	if args.RetryCount != nil {
		opts = append(opts, queue.WithRetryCount(*args.RetryCount))
	}
	inserted, err := o.queue.Enqueue(ctx, items, opts...)
	if err != nil {
		return err
	}
	o.logger.Info("Created work items", "token", run.Token, "batch", args.Batch, "inserted", inserted, "candidates", len(items))
	return nil
}

func (o *Orchestrator) handleProvisionMachines(ctx context.Context, raw json.RawMessage) error {
	args, err := tasks.Decode[provisionMachinesArgs](raw)
	if err != nil {
		return err
	}
	if _, err := o.activeRun(ctx, args.Token); errors.Is(err, ErrRunExpired) {
		o.logger.Info("Skipping provisioning for expired run", "token", args.Token, "provision_key", args.ProvisionKey)
		return nil
	} else if err != nil {
		return err
	}
	cfg := args.Configuration
	_, err = o.pool.Provision(ctx, machines.ProvisionRequest{
		Token:        args.Token,
		OS:           cfg.OS,
		Browser:      cfg.Browser,
		Channel:      cfg.Channel,
		Version:      cfg.Version,
		InstallerURL: cfg.InstallerURL,
		Count:        args.Count,
		InstanceSize: o.cfg.InstanceSize,
		ProvisionKey: args.ProvisionKey,
	})
	return err
}

// handleTerminateMachine requeues whatever the machine still holds, then
// retires it with the requested status.
func (o *Orchestrator) handleTerminateMachine(ctx context.Context, raw json.RawMessage) error {
	args, err := tasks.Decode[TerminateMachineArgs](raw)
	if err != nil {
		return err
	}
	if args.Status.Active() {
		return tasks.Permanent(fmt.Errorf("terminate_machine with active status %q", args.Status))
	}
	if _, err := o.queue.RequeueLeasedBy(ctx, args.ClientID); err != nil {
		return err
	}
	return o.pool.Terminate(ctx, []string{args.ClientID}, args.Status)
}

func (o *Orchestrator) handleRebootMachine(ctx context.Context, raw json.RawMessage) error {
	args, err := tasks.Decode[MachineArgs](raw)
	if err != nil {
		return err
	}
	m, err := o.store.GetMachine(ctx, args.ClientID)
	if err != nil {
		return tasks.Permanent(err)
	}
	if !m.Status.Active() {
		o.logger.Info("Skipping reboot of retired machine", "client_id", m.ClientID, "status", m.Status)
		return nil
	}
	return o.pool.Reboot(ctx, []string{args.ClientID})
}

func (o *Orchestrator) handleRequeueWorkItems(ctx context.Context, raw json.RawMessage) error {
	args, err := tasks.Decode[MachineArgs](raw)
	if err != nil {
		return err
	}
	_, err = o.queue.RequeueLeasedBy(ctx, args.ClientID)
	return err
}
