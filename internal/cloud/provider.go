// Package cloud is the narrow VM provider interface the machine pool drives.
package cloud

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrPartialCreate accompanies the ids that were created when fewer
	// instances than requested came up.
	ErrPartialCreate = errors.New("provider created fewer instances than requested")
	// ErrInvalidRequest marks provider rejections that retrying cannot fix.
	ErrInvalidRequest = errors.New("provider rejected request")
)

type CreateRequest struct {
	// ClientToken makes the call idempotent at the provider.
	ClientToken  string
	OS           string
	InstanceType string
	UserData     string
	Count        int
	Tags         map[string]string
}

type Instance struct {
	ID         string
	State      string
	LaunchTime time.Time
	Tags       map[string]string
}

type Provider interface {
	Name() string
	// CreateInstances may return both ids and an error on partial success.
	CreateInstances(ctx context.Context, req CreateRequest) ([]string, error)
	StartInstances(ctx context.Context, ids []string) error
	StopInstances(ctx context.Context, ids []string) error
	RebootInstances(ctx context.Context, ids []string) error
	TerminateInstances(ctx context.Context, ids []string) error
	ListInstances(ctx context.Context, tags map[string]string) ([]Instance, error)
}
