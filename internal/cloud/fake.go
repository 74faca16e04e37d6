package cloud

import (
	"context"
	"fmt"
	"sync"
	"time"

	"qualitybots/internal/models"
)

// Fake is an in-memory Provider for tests and local runs.
type Fake struct {
	mu        sync.Mutex
	seq       int
	instances map[string]*Instance
	tokens    map[string][]string

	// FailCreates makes the next n CreateInstances calls fail outright.
	FailCreates int
	// MaxCreate caps how many instances a single call creates.
	MaxCreate int
	Calls     []string
}

func NewFake() *Fake {
	return &Fake{
		instances: map[string]*Instance{},
		tokens:    map[string][]string{},
	}
}

func (f *Fake) Name() string { return models.VMServiceFake }

func (f *Fake) CreateInstances(ctx context.Context, req CreateRequest) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls = append(f.Calls, "create")
	if f.FailCreates > 0 {
		f.FailCreates--
		return nil, fmt.Errorf("run instances: capacity unavailable")
	}
	if ids, ok := f.tokens[req.ClientToken]; ok && req.ClientToken != "" {
		return append([]string(nil), ids...), nil
	}
	n := req.Count
	if f.MaxCreate > 0 && n > f.MaxCreate {
		n = f.MaxCreate
	}
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		f.seq++
		id := fmt.Sprintf("fake-%04d", f.seq)
		tags := map[string]string{}
		for k, v := range req.Tags {
			tags[k] = v
		}
		f.instances[id] = &Instance{ID: id, State: "running", LaunchTime: time.Now(), Tags: tags}
		ids = append(ids, id)
	}
	if req.ClientToken != "" {
		f.tokens[req.ClientToken] = ids
	}
	if n < req.Count {
		return ids, fmt.Errorf("%w: %d of %d", ErrPartialCreate, n, req.Count)
	}
	return ids, nil
}

func (f *Fake) setState(op string, ids []string, state string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls = append(f.Calls, op)
	for _, id := range ids {
		if inst, ok := f.instances[id]; ok {
			inst.State = state
		}
	}
	return nil
}

func (f *Fake) StartInstances(ctx context.Context, ids []string) error {
	return f.setState("start", ids, "running")
}

func (f *Fake) StopInstances(ctx context.Context, ids []string) error {
	return f.setState("stop", ids, "stopped")
}

func (f *Fake) RebootInstances(ctx context.Context, ids []string) error {
	return f.setState("reboot", ids, "running")
}

func (f *Fake) TerminateInstances(ctx context.Context, ids []string) error {
	return f.setState("terminate", ids, "terminated")
}

func (f *Fake) ListInstances(ctx context.Context, tags map[string]string) ([]Instance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Instance
	for _, inst := range f.instances {
		match := true
		for k, v := range tags {
			if inst.Tags[k] != v {
				match = false
				break
			}
		}
		if match {
			out = append(out, *inst)
		}
	}
	return out, nil
}

// State returns the provider-side state of id, or "" if unknown.
func (f *Fake) State(id string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if inst, ok := f.instances[id]; ok {
		return inst.State
	}
	return ""
}
