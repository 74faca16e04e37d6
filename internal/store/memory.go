package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/samber/lo"

	"qualitybots/internal/models"
)

// Memory is an in-process Store. A single mutex serializes every operation,
// which gives each read-modify-write the same atomicity Postgres provides.
type Memory struct {
	mu          sync.Mutex
	seq         int64
	items       map[string]*models.WorkItem
	itemKeys    map[string]string
	machines    map[string]*models.Machine
	runs        map[string]*models.Run
	renders     map[string]*models.PageRender
	chunks      map[chunkKey]*models.Chunk
	comparisons map[string]*models.Comparison
	scores      map[string]*models.BrowserScore
	tasks       map[int64]*models.Task
	taskSeq     int64
}

type chunkKey struct {
	owner string
	kind  models.ChunkKind
	index int
}

func NewMemory() *Memory {
	return &Memory{
		items:       map[string]*models.WorkItem{},
		itemKeys:    map[string]string{},
		machines:    map[string]*models.Machine{},
		runs:        map[string]*models.Run{},
		renders:     map[string]*models.PageRender{},
		chunks:      map[chunkKey]*models.Chunk{},
		comparisons: map[string]*models.Comparison{},
		scores:      map[string]*models.BrowserScore{},
		tasks:       map[int64]*models.Task{},
	}
}

func (m *Memory) Ping(ctx context.Context) error { return nil }

func (m *Memory) Close() {}

func (m *Memory) InsertWorkItems(ctx context.Context, items []*models.WorkItem) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inserted := 0
	for _, item := range items {
		key := item.DedupKey()
		if _, ok := m.itemKeys[key]; ok {
			continue
		}
		if _, ok := m.items[item.ID]; ok {
			return inserted, fmt.Errorf("work item %s: %w", item.ID, ErrExists)
		}
		m.seq++
		c := *item
		c.Seq = m.seq
		item.Seq = c.Seq
		m.items[c.ID] = &c
		m.itemKeys[key] = c.ID
		inserted++
	}
	return inserted, nil
}

func (m *Memory) LeaseWorkItem(ctx context.Context, token, leaseKey, clientID string, now time.Time) (*models.WorkItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var best *models.WorkItem
	for _, item := range m.items {
		if item.Token != token || item.Status != models.StatusQueued || item.LeaseKey() != leaseKey {
			continue
		}
		if best == nil || leaseBefore(item, best) {
			best = item
		}
	}
	if best == nil {
		return nil, ErrNoWorkItems
	}
	start := now
	best.Status = models.StatusInProgress
	best.ClientID = clientID
	best.LastClientID = clientID
	best.StartTime = &start
	best.UpdatedAt = now
	c := *best
	return &c, nil
}

// leaseBefore orders by creation time, then priority (higher first), then insertion order.
func leaseBefore(a, b *models.WorkItem) bool {
	if !a.CreationTime.Equal(b.CreationTime) {
		return a.CreationTime.Before(b.CreationTime)
	}
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	return a.Seq < b.Seq
}

func (m *Memory) GetWorkItem(ctx context.Context, id string) (*models.WorkItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.items[id]
	if !ok {
		return nil, fmt.Errorf("work item %s: %w", id, ErrNotFound)
	}
	c := *item
	return &c, nil
}

func (m *Memory) UpdateWorkItem(ctx context.Context, id string, fn func(*models.WorkItem) error) (*models.WorkItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.items[id]
	if !ok {
		return nil, fmt.Errorf("work item %s: %w", id, ErrNotFound)
	}
	c := *item
	if err := fn(&c); err != nil {
		return nil, err
	}
	c.ID, c.Seq = item.ID, item.Seq
	*item = c
	out := c
	return &out, nil
}

func (m *Memory) ListWorkItems(ctx context.Context, filter WorkItemFilter) ([]*models.WorkItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*models.WorkItem, 0)
	for _, item := range m.items {
		if filter.Token != "" && item.Token != filter.Token {
			continue
		}
		if len(filter.Statuses) > 0 && !lo.Contains(filter.Statuses, item.Status) {
			continue
		}
		if filter.ClientID != "" && item.ClientID != filter.ClientID {
			continue
		}
		if filter.LeaseKey != "" && item.LeaseKey() != filter.LeaseKey {
			continue
		}
		if item.Seq <= filter.AfterSeq {
			continue
		}
		c := *item
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (m *Memory) CountWorkItemsByStatus(ctx context.Context, token string) (map[models.WorkItemStatus]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := map[models.WorkItemStatus]int64{}
	for _, item := range m.items {
		if token == "" || item.Token == token {
			counts[item.Status]++
		}
	}
	return counts, nil
}

func (m *Memory) InsertMachines(ctx context.Context, machines []*models.Machine) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inserted := 0
	for _, machine := range machines {
		if _, ok := m.machines[machine.ClientID]; ok {
			continue
		}
		c := *machine
		m.machines[c.ClientID] = &c
		inserted++
	}
	return inserted, nil
}

func (m *Memory) GetMachine(ctx context.Context, clientID string) (*models.Machine, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	machine, ok := m.machines[clientID]
	if !ok {
		return nil, fmt.Errorf("machine %s: %w", clientID, ErrNotFound)
	}
	c := *machine
	return &c, nil
}

func (m *Memory) UpdateMachine(ctx context.Context, clientID string, fn func(*models.Machine) error) (*models.Machine, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	machine, ok := m.machines[clientID]
	if !ok {
		return nil, fmt.Errorf("machine %s: %w", clientID, ErrNotFound)
	}
	c := *machine
	if err := fn(&c); err != nil {
		return nil, err
	}
	c.ClientID = machine.ClientID
	*machine = c
	out := c
	return &out, nil
}

func (m *Memory) ListMachines(ctx context.Context, filter MachineFilter) ([]*models.Machine, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*models.Machine, 0)
	for _, machine := range m.machines {
		if filter.Token != "" && machine.Token != filter.Token {
			continue
		}
		if len(filter.Statuses) > 0 && !lo.Contains(filter.Statuses, machine.Status) {
			continue
		}
		if !filter.UpdatedBefore.IsZero() && !machine.UpdatedTime.Before(filter.UpdatedBefore) {
			continue
		}
		if filter.ProvisionKey != "" && machine.ProvisionKey != filter.ProvisionKey {
			continue
		}
		if filter.After != "" && machine.ClientID <= filter.After {
			continue
		}
		c := *machine
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClientID < out[j].ClientID })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (m *Memory) CountMachinesByStatus(ctx context.Context, token string) (map[models.MachineStatus]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := map[models.MachineStatus]int64{}
	for _, machine := range m.machines {
		if token == "" || machine.Token == token {
			counts[machine.Status]++
		}
	}
	return counts, nil
}

func (m *Memory) InsertRun(ctx context.Context, run *models.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[run.Token]; ok {
		return fmt.Errorf("run %s: %w", run.Token, ErrExists)
	}
	c := cloneRun(run)
	m.runs[run.Token] = c
	return nil
}

func (m *Memory) GetRun(ctx context.Context, token string) (*models.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[token]
	if !ok {
		return nil, fmt.Errorf("run %s: %w", token, ErrNotFound)
	}
	return cloneRun(run), nil
}

func (m *Memory) UpdateRun(ctx context.Context, token string, fn func(*models.Run) error) (*models.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[token]
	if !ok {
		return nil, fmt.Errorf("run %s: %w", token, ErrNotFound)
	}
	c := cloneRun(run)
	if err := fn(c); err != nil {
		return nil, err
	}
	c.Token = run.Token
	m.runs[token] = c
	return cloneRun(c), nil
}

func cloneRun(run *models.Run) *models.Run {
	c := *run
	c.Configurations = append([]models.Configuration(nil), run.Configurations...)
	return &c
}

func (m *Memory) InsertRender(ctx context.Context, render *models.PageRender) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.renders[render.ID]; ok {
		return fmt.Errorf("render %s: %w", render.ID, ErrExists)
	}
	m.renders[render.ID] = cloneRender(render)
	return nil
}

func (m *Memory) GetRender(ctx context.Context, id string) (*models.PageRender, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	render, ok := m.renders[id]
	if !ok {
		return nil, fmt.Errorf("render %s: %w", id, ErrNotFound)
	}
	return cloneRender(render), nil
}

func (m *Memory) UpdateRender(ctx context.Context, id string, fn func(*models.PageRender) error) (*models.PageRender, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	render, ok := m.renders[id]
	if !ok {
		return nil, fmt.Errorf("render %s: %w", id, ErrNotFound)
	}
	c := cloneRender(render)
	if err := fn(c); err != nil {
		return nil, err
	}
	c.ID = render.ID
	m.renders[id] = c
	return cloneRender(c), nil
}

func (m *Memory) ListRenders(ctx context.Context, filter RenderFilter) ([]*models.PageRender, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*models.PageRender, 0)
	for _, r := range m.renders {
		if filter.Token != "" && r.Token != filter.Token {
			continue
		}
		if filter.URL != "" && r.URL != filter.URL {
			continue
		}
		if filter.Site != "" && r.Site != filter.Site {
			continue
		}
		if filter.IsReference != nil && r.IsReference != *filter.IsReference {
			continue
		}
		if filter.Compared != nil && r.Compared != *filter.Compared {
			continue
		}
		out = append(out, cloneRender(r))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (m *Memory) DeleteRender(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.renders[id]; !ok {
		return fmt.Errorf("render %s: %w", id, ErrNotFound)
	}
	delete(m.renders, id)
	return nil
}

func cloneRender(r *models.PageRender) *models.PageRender {
	c := *r
	c.DynamicContent = append([]int(nil), r.DynamicContent...)
	if r.Metadata != nil {
		c.Metadata = make(map[string]string, len(r.Metadata))
		for k, v := range r.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

func (m *Memory) PutChunk(ctx context.Context, chunk *models.Chunk) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *chunk
	c.Content = append([]byte(nil), chunk.Content...)
	m.chunks[chunkKey{chunk.OwnerID, chunk.Kind, chunk.Index}] = &c
	return nil
}

func (m *Memory) GetChunk(ctx context.Context, ownerID string, kind models.ChunkKind, index int) (*models.Chunk, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	chunk, ok := m.chunks[chunkKey{ownerID, kind, index}]
	if !ok {
		return nil, fmt.Errorf("chunk %s/%s/%d: %w", ownerID, kind, index, ErrNotFound)
	}
	c := *chunk
	return &c, nil
}

func (m *Memory) ListChunks(ctx context.Context, ownerID string, kind models.ChunkKind) ([]*models.Chunk, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*models.Chunk, 0)
	for key, chunk := range m.chunks {
		if key.owner == ownerID && key.kind == kind {
			c := *chunk
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out, nil
}

func (m *Memory) CountChunks(ctx context.Context, ownerID string, kind models.ChunkKind) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for key := range m.chunks {
		if key.owner == ownerID && key.kind == kind {
			n++
		}
	}
	return n, nil
}

func (m *Memory) DeleteChunks(ctx context.Context, ownerID string, kind models.ChunkKind) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for key := range m.chunks {
		if key.owner == ownerID && key.kind == kind {
			delete(m.chunks, key)
			n++
		}
	}
	return n, nil
}

func (m *Memory) InsertComparison(ctx context.Context, cmp *models.Comparison) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.comparisons[cmp.ID]; ok {
		return fmt.Errorf("comparison %s: %w", cmp.ID, ErrExists)
	}
	m.comparisons[cmp.ID] = cloneComparison(cmp)
	return nil
}

func (m *Memory) GetComparison(ctx context.Context, id string) (*models.Comparison, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cmp, ok := m.comparisons[id]
	if !ok {
		return nil, fmt.Errorf("comparison %s: %w", id, ErrNotFound)
	}
	return cloneComparison(cmp), nil
}

func (m *Memory) UpdateComparison(ctx context.Context, id string, fn func(*models.Comparison) error) (*models.Comparison, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cmp, ok := m.comparisons[id]
	if !ok {
		return nil, fmt.Errorf("comparison %s: %w", id, ErrNotFound)
	}
	c := cloneComparison(cmp)
	if err := fn(c); err != nil {
		return nil, err
	}
	c.ID = cmp.ID
	m.comparisons[id] = c
	return cloneComparison(c), nil
}

func (m *Memory) ListComparisons(ctx context.Context, filter ComparisonFilter) ([]*models.Comparison, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*models.Comparison, 0)
	for _, cmp := range m.comparisons {
		if filter.Token != "" && cmp.Token != filter.Token {
			continue
		}
		if filter.URL != "" && cmp.URL != filter.URL {
			continue
		}
		if filter.RenderID != "" && cmp.TestRenderID != filter.RenderID && cmp.RefRenderID != filter.RenderID {
			continue
		}
		if filter.ExcludeIgnore && cmp.Ignore {
			continue
		}
		if filter.OnlyComputed && !cmp.Computed() {
			continue
		}
		out = append(out, cloneComparison(cmp))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (m *Memory) DeleteComparison(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.comparisons[id]; !ok {
		return fmt.Errorf("comparison %s: %w", id, ErrNotFound)
	}
	delete(m.comparisons, id)
	return nil
}

func cloneComparison(cmp *models.Comparison) *models.Comparison {
	c := *cmp
	c.Bugs = append([]string(nil), cmp.Bugs...)
	c.DeltaIndex = append([]int(nil), cmp.DeltaIndex...)
	return &c
}

func (m *Memory) UpsertBrowserScore(ctx context.Context, score *models.BrowserScore) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *score
	m.scores[score.Token+"|"+score.Browser] = &c
	return nil
}

func (m *Memory) ListBrowserScores(ctx context.Context, token string) ([]*models.BrowserScore, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*models.BrowserScore, 0)
	for _, s := range m.scores {
		if s.Token == token {
			c := *s
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Browser < out[j].Browser })
	return out, nil
}

func (m *Memory) EnqueueTask(ctx context.Context, task *models.Task) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if task.DedupKey != "" {
		for _, t := range m.tasks {
			if t.DedupKey == task.DedupKey && (t.Status == models.TaskReady || t.Status == models.TaskRunning) {
				return false, nil
			}
		}
	}
	m.taskSeq++
	c := *task
	c.ID = m.taskSeq
	c.Status = models.TaskReady
	task.ID = c.ID
	m.tasks[c.ID] = &c
	return true, nil
}

func (m *Memory) ClaimTask(ctx context.Context, workerID string, now time.Time, lease time.Duration) (*models.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var best *models.Task
	for _, t := range m.tasks {
		if t.Status != models.TaskReady || t.RunAfter.After(now) {
			continue
		}
		if best == nil || t.RunAfter.Before(best.RunAfter) || (t.RunAfter.Equal(best.RunAfter) && t.ID < best.ID) {
			best = t
		}
	}
	if best == nil {
		return nil, ErrNoTasks
	}
	until := now.Add(lease)
	best.Status = models.TaskRunning
	best.Attempts++
	best.LeasedBy = workerID
	best.LeasedUntil = &until
	best.UpdatedAt = now
	c := *best
	return &c, nil
}

func (m *Memory) CompleteTask(ctx context.Context, id int64, workerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok || t.Status != models.TaskRunning || t.LeasedBy != workerID {
		return ErrLeaseLost
	}
	t.Status = models.TaskDone
	t.LeasedBy = ""
	t.LeasedUntil = nil
	t.LastError = ""
	t.UpdatedAt = time.Now()
	return nil
}

func (m *Memory) FailTask(ctx context.Context, id int64, workerID, lastError string, retry bool, runAfter time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok || t.Status != models.TaskRunning || t.LeasedBy != workerID {
		return ErrLeaseLost
	}
	t.Status = models.TaskFailed
	if retry {
		t.Status = models.TaskReady
		t.RunAfter = runAfter
	}
	t.LastError = lastError
	t.LeasedBy = ""
	t.LeasedUntil = nil
	t.UpdatedAt = time.Now()
	return nil
}

func (m *Memory) ReclaimTasks(ctx context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, t := range m.tasks {
		if t.Status != models.TaskRunning || t.LeasedUntil == nil || !t.LeasedUntil.Before(now) {
			continue
		}
		if t.Attempts < t.MaxAttempts {
			t.Status = models.TaskReady
		} else {
			t.Status = models.TaskFailed
		}
		t.LastError = "lease_expiry: task runner lost or crashed"
		t.LeasedBy = ""
		t.LeasedUntil = nil
		t.UpdatedAt = now
		n++
	}
	return n, nil
}

func (m *Memory) CountTasksByStatus(ctx context.Context) (map[models.TaskStatus]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := map[models.TaskStatus]int64{}
	for _, t := range m.tasks {
		counts[t.Status]++
	}
	return counts, nil
}

func (m *Memory) ListTasks(ctx context.Context, status models.TaskStatus, limit int) ([]*models.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*models.Task, 0, len(m.tasks))
	for _, t := range m.tasks {
		if status != "" && t.Status != status {
			continue
		}
		c := *t
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
