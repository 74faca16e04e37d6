package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/samber/lo"

	"qualitybots/internal/models"
)

type Postgres struct {
	pool *pgxpool.Pool
}

func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

func (p *Postgres) Ping(ctx context.Context) error { return p.pool.Ping(ctx) }

func (p *Postgres) Close() { p.pool.Close() }

type scanner interface {
	Scan(dest ...any) error
}

func (p *Postgres) withTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func notFound(err error, what string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return err
}

// where accumulates positional conditions for the List* queries.
type where struct {
	conds []string
	args  []any
}

func (w *where) add(cond string, arg any) {
	w.args = append(w.args, arg)
	w.conds = append(w.conds, strings.ReplaceAll(cond, "?", fmt.Sprintf("$%d", len(w.args))))
}

func (w *where) sql() string {
	if len(w.conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(w.conds, " AND ")
}

func limitClause(limit int) string {
	if limit <= 0 {
		return ""
	}
	return fmt.Sprintf(" LIMIT %d", limit)
}

const workItemColumns = `id, seq, url, config_ref, token, client_id, last_client_id, client_info,
	status, os, browser, channel, browser_version, priority, retry_count,
	creation_time, start_time, end_time, duration_ms, updated_at`

func scanWorkItem(row scanner) (*models.WorkItem, error) {
	var w models.WorkItem
	err := row.Scan(
		&w.ID, &w.Seq, &w.URL, &w.ConfigRef, &w.Token, &w.ClientID, &w.LastClientID, &w.ClientInfo,
		&w.Status, &w.OS, &w.Browser, &w.Channel, &w.BrowserVersion, &w.Priority, &w.RetryCount,
		&w.CreationTime, &w.StartTime, &w.EndTime, &w.DurationMs, &w.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &w, nil
}

func (p *Postgres) InsertWorkItems(ctx context.Context, items []*models.WorkItem) (int, error) {
	if len(items) == 0 {
		return 0, nil
	}
	batch := &pgx.Batch{}
	for _, w := range items {
		batch.Queue(`
			INSERT INTO work_items (id, dedup_key, url, config_ref, token, lease_key, client_info, status,
				os, browser, channel, browser_version, priority, retry_count, creation_time, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $15)
			ON CONFLICT (dedup_key) DO NOTHING
		`, w.ID, w.DedupKey(), w.URL, w.ConfigRef, w.Token, w.LeaseKey(), w.ClientInfo, w.Status,
			w.OS, w.Browser, w.Channel, w.BrowserVersion, w.Priority, w.RetryCount, w.CreationTime)
	}
	br := p.pool.SendBatch(ctx, batch)
	defer br.Close()
	inserted := 0
	for range items {
		tag, err := br.Exec()
		if err != nil {
			return inserted, err
		}
		inserted += int(tag.RowsAffected())
	}
	return inserted, nil
}

// LeaseWorkItem claims the oldest queued item for the lease key, skipping rows
// another transaction is already leasing.
func (p *Postgres) LeaseWorkItem(ctx context.Context, token, leaseKey, clientID string, now time.Time) (*models.WorkItem, error) {
	query := `
		WITH candidate AS (
			SELECT id FROM work_items
			WHERE token = $1 AND lease_key = $2 AND status = 'QUEUED'
			ORDER BY creation_time ASC, priority DESC, seq ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE work_items
		SET status = 'IN_PROGRESS',
		    client_id = $3,
		    last_client_id = $3,
		    start_time = $4,
		    updated_at = $4
		FROM candidate
		WHERE work_items.id = candidate.id
		RETURNING ` + prefixColumns("work_items.", workItemColumns)
	item, err := scanWorkItem(p.pool.QueryRow(ctx, query, token, leaseKey, clientID, now))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNoWorkItems
		}
		return nil, err
	}
	return item, nil
}

func prefixColumns(prefix, columns string) string {
	parts := strings.Split(columns, ",")
	for i, part := range parts {
		parts[i] = prefix + strings.TrimSpace(part)
	}
	return strings.Join(parts, ", ")
}

func (p *Postgres) GetWorkItem(ctx context.Context, id string) (*models.WorkItem, error) {
	item, err := scanWorkItem(p.pool.QueryRow(ctx, `SELECT `+workItemColumns+` FROM work_items WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "work item "+id)
	}
	return item, nil
}

func (p *Postgres) UpdateWorkItem(ctx context.Context, id string, fn func(*models.WorkItem) error) (*models.WorkItem, error) {
	var out *models.WorkItem
	err := p.withTx(ctx, func(tx pgx.Tx) error {
		item, err := scanWorkItem(tx.QueryRow(ctx, `SELECT `+workItemColumns+` FROM work_items WHERE id = $1 FOR UPDATE`, id))
		if err != nil {
			return notFound(err, "work item "+id)
		}
		if err := fn(item); err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `
			UPDATE work_items
			SET client_id = $2, last_client_id = $3, client_info = $4, status = $5, priority = $6,
			    retry_count = $7, start_time = $8, end_time = $9, duration_ms = $10, updated_at = $11
			WHERE id = $1
		`, id, item.ClientID, item.LastClientID, item.ClientInfo, item.Status, item.Priority,
			item.RetryCount, item.StartTime, item.EndTime, item.DurationMs, item.UpdatedAt)
		out = item
		return err
	})
	return out, err
}

func (p *Postgres) ListWorkItems(ctx context.Context, filter WorkItemFilter) ([]*models.WorkItem, error) {
	w := &where{}
	if filter.Token != "" {
		w.add("token = ?", filter.Token)
	}
	if len(filter.Statuses) > 0 {
		w.add("status = ANY(?)", lo.Map(filter.Statuses, func(s models.WorkItemStatus, _ int) string { return string(s) }))
	}
	if filter.ClientID != "" {
		w.add("client_id = ?", filter.ClientID)
	}
	if filter.LeaseKey != "" {
		w.add("lease_key = ?", filter.LeaseKey)
	}
	if filter.AfterSeq > 0 {
		w.add("seq > ?", filter.AfterSeq)
	}
	rows, err := p.pool.Query(ctx, `SELECT `+workItemColumns+` FROM work_items`+w.sql()+` ORDER BY seq`+limitClause(filter.Limit), w.args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]*models.WorkItem, 0)
	for rows.Next() {
		item, err := scanWorkItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

func (p *Postgres) CountWorkItemsByStatus(ctx context.Context, token string) (map[models.WorkItemStatus]int64, error) {
	counts := map[models.WorkItemStatus]int64{}
	err := p.countBy(ctx, `SELECT status, COUNT(*) FROM work_items WHERE ($1 = '' OR token = $1) GROUP BY status`,
		func(status string, n int64) { counts[models.WorkItemStatus(status)] = n }, token)
	return counts, err
}

func (p *Postgres) countBy(ctx context.Context, query string, put func(string, int64), args ...any) error {
	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return err
		}
		put(status, count)
	}
	return rows.Err()
}

const machineColumns = `client_id, vm_service, os, browser, channel, browser_version, status, retry_count,
	token, installer_url, provision_key, init_log_key, run_log_key, creation_time, updated_time`

func scanMachine(row scanner) (*models.Machine, error) {
	var m models.Machine
	err := row.Scan(
		&m.ClientID, &m.VMService, &m.OS, &m.Browser, &m.Channel, &m.BrowserVersion, &m.Status, &m.RetryCount,
		&m.Token, &m.InstallerURL, &m.ProvisionKey, &m.InitLogKey, &m.RunLogKey, &m.CreationTime, &m.UpdatedTime,
	)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (p *Postgres) InsertMachines(ctx context.Context, machines []*models.Machine) (int, error) {
	if len(machines) == 0 {
		return 0, nil
	}
	batch := &pgx.Batch{}
	for _, m := range machines {
		batch.Queue(`
			INSERT INTO machines (`+machineColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
			ON CONFLICT (client_id) DO NOTHING
		`, m.ClientID, m.VMService, m.OS, m.Browser, m.Channel, m.BrowserVersion, m.Status, m.RetryCount,
			m.Token, m.InstallerURL, m.ProvisionKey, m.InitLogKey, m.RunLogKey, m.CreationTime, m.UpdatedTime)
	}
	br := p.pool.SendBatch(ctx, batch)
	defer br.Close()
	inserted := 0
	for range machines {
		tag, err := br.Exec()
		if err != nil {
			return inserted, err
		}
		inserted += int(tag.RowsAffected())
	}
	return inserted, nil
}

func (p *Postgres) GetMachine(ctx context.Context, clientID string) (*models.Machine, error) {
	m, err := scanMachine(p.pool.QueryRow(ctx, `SELECT `+machineColumns+` FROM machines WHERE client_id = $1`, clientID))
	if err != nil {
		return nil, notFound(err, "machine "+clientID)
	}
	return m, nil
}

func (p *Postgres) UpdateMachine(ctx context.Context, clientID string, fn func(*models.Machine) error) (*models.Machine, error) {
	var out *models.Machine
	err := p.withTx(ctx, func(tx pgx.Tx) error {
		m, err := scanMachine(tx.QueryRow(ctx, `SELECT `+machineColumns+` FROM machines WHERE client_id = $1 FOR UPDATE`, clientID))
		if err != nil {
			return notFound(err, "machine "+clientID)
		}
		if err := fn(m); err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `
			UPDATE machines
			SET status = $2, retry_count = $3, init_log_key = $4, run_log_key = $5, updated_time = $6,
			    installer_url = $7, browser_version = $8
			WHERE client_id = $1
		`, clientID, m.Status, m.RetryCount, m.InitLogKey, m.RunLogKey, m.UpdatedTime, m.InstallerURL, m.BrowserVersion)
		out = m
		return err
	})
	return out, err
}

func (p *Postgres) ListMachines(ctx context.Context, filter MachineFilter) ([]*models.Machine, error) {
	w := &where{}
	if filter.Token != "" {
		w.add("token = ?", filter.Token)
	}
	if len(filter.Statuses) > 0 {
		w.add("status = ANY(?)", lo.Map(filter.Statuses, func(s models.MachineStatus, _ int) string { return string(s) }))
	}
	if !filter.UpdatedBefore.IsZero() {
		w.add("updated_time < ?", filter.UpdatedBefore)
	}
	if filter.ProvisionKey != "" {
		w.add("provision_key = ?", filter.ProvisionKey)
	}
	if filter.After != "" {
		w.add("client_id > ?", filter.After)
	}
	rows, err := p.pool.Query(ctx, `SELECT `+machineColumns+` FROM machines`+w.sql()+` ORDER BY client_id`+limitClause(filter.Limit), w.args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]*models.Machine, 0)
	for rows.Next() {
		m, err := scanMachine(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (p *Postgres) CountMachinesByStatus(ctx context.Context, token string) (map[models.MachineStatus]int64, error) {
	counts := map[models.MachineStatus]int64{}
	err := p.countBy(ctx, `SELECT status, COUNT(*) FROM machines WHERE ($1 = '' OR token = $1) GROUP BY status`,
		func(status string, n int64) { counts[models.MachineStatus(status)] = n }, token)
	return counts, err
}

func scanRun(row scanner) (*models.Run, error) {
	var r models.Run
	var configs, ref []byte
	if err := row.Scan(&r.Token, &r.CreatedAt, &r.URLCount, &r.MachinesPerConfig, &configs, &ref, &r.ClientInfo, &r.ExpiredAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(configs, &r.Configurations); err != nil {
		return nil, fmt.Errorf("decode run configurations: %w", err)
	}
	if err := json.Unmarshal(ref, &r.Reference); err != nil {
		return nil, fmt.Errorf("decode run reference: %w", err)
	}
	return &r, nil
}

const runColumns = `token, created_at, url_count, machines_per_config, configurations, reference, client_info, expired_at`

func (p *Postgres) InsertRun(ctx context.Context, run *models.Run) error {
	configs, err := json.Marshal(run.Configurations)
	if err != nil {
		return err
	}
	ref, err := json.Marshal(run.Reference)
	if err != nil {
		return err
	}
	tag, err := p.pool.Exec(ctx, `
		INSERT INTO runs (`+runColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (token) DO NOTHING
	`, run.Token, run.CreatedAt, run.URLCount, run.MachinesPerConfig, configs, ref, run.ClientInfo, run.ExpiredAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("run %s: %w", run.Token, ErrExists)
	}
	return nil
}

func (p *Postgres) GetRun(ctx context.Context, token string) (*models.Run, error) {
	run, err := scanRun(p.pool.QueryRow(ctx, `SELECT `+runColumns+` FROM runs WHERE token = $1`, token))
	if err != nil {
		return nil, notFound(err, "run "+token)
	}
	return run, nil
}

func (p *Postgres) UpdateRun(ctx context.Context, token string, fn func(*models.Run) error) (*models.Run, error) {
	var out *models.Run
	err := p.withTx(ctx, func(tx pgx.Tx) error {
		run, err := scanRun(tx.QueryRow(ctx, `SELECT `+runColumns+` FROM runs WHERE token = $1 FOR UPDATE`, token))
		if err != nil {
			return notFound(err, "run "+token)
		}
		if err := fn(run); err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `UPDATE runs SET expired_at = $2, machines_per_config = $3 WHERE token = $1`,
			token, run.ExpiredAt, run.MachinesPerConfig)
		out = run
		return err
	})
	return out, err
}

const renderColumns = `id, token, work_item_id, url, site, os, browser, channel, version, is_reference, compared,
	width, height, nodes_table, dynamic_content, screenshot_key, metadata, created_at`

func scanRender(row scanner) (*models.PageRender, error) {
	var r models.PageRender
	var dynamic, metadata []byte
	err := row.Scan(&r.ID, &r.Token, &r.WorkItemID, &r.URL, &r.Site, &r.OS, &r.Browser, &r.Channel, &r.Version,
		&r.IsReference, &r.Compared, &r.Width, &r.Height, &r.NodesTable, &dynamic, &r.ScreenshotKey, &metadata, &r.CreatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(dynamic, &r.DynamicContent); err != nil {
		return nil, fmt.Errorf("decode dynamic content: %w", err)
	}
	if err := json.Unmarshal(metadata, &r.Metadata); err != nil {
		return nil, fmt.Errorf("decode render metadata: %w", err)
	}
	return &r, nil
}

func renderJSON(r *models.PageRender) ([]byte, []byte, error) {
	dynamic, err := json.Marshal(lo.Ternary(r.DynamicContent == nil, []int{}, r.DynamicContent))
	if err != nil {
		return nil, nil, err
	}
	metadata, err := json.Marshal(lo.Ternary(r.Metadata == nil, map[string]string{}, r.Metadata))
	if err != nil {
		return nil, nil, err
	}
	return dynamic, metadata, nil
}

func (p *Postgres) InsertRender(ctx context.Context, r *models.PageRender) error {
	dynamic, metadata, err := renderJSON(r)
	if err != nil {
		return err
	}
	tag, err := p.pool.Exec(ctx, `
		INSERT INTO page_renders (`+renderColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
		ON CONFLICT (id) DO NOTHING
	`, r.ID, r.Token, r.WorkItemID, r.URL, r.Site, r.OS, r.Browser, r.Channel, r.Version, r.IsReference, r.Compared,
		r.Width, r.Height, r.NodesTable, dynamic, r.ScreenshotKey, metadata, r.CreatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("render %s: %w", r.ID, ErrExists)
	}
	return nil
}

func (p *Postgres) GetRender(ctx context.Context, id string) (*models.PageRender, error) {
	r, err := scanRender(p.pool.QueryRow(ctx, `SELECT `+renderColumns+` FROM page_renders WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "render "+id)
	}
	return r, nil
}

func (p *Postgres) UpdateRender(ctx context.Context, id string, fn func(*models.PageRender) error) (*models.PageRender, error) {
	var out *models.PageRender
	err := p.withTx(ctx, func(tx pgx.Tx) error {
		r, err := scanRender(tx.QueryRow(ctx, `SELECT `+renderColumns+` FROM page_renders WHERE id = $1 FOR UPDATE`, id))
		if err != nil {
			return notFound(err, "render "+id)
		}
		if err := fn(r); err != nil {
			return err
		}
		dynamic, metadata, err := renderJSON(r)
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `
			UPDATE page_renders
			SET compared = $2, width = $3, height = $4, nodes_table = $5, dynamic_content = $6,
			    screenshot_key = $7, metadata = $8, is_reference = $9
			WHERE id = $1
		`, id, r.Compared, r.Width, r.Height, r.NodesTable, dynamic, r.ScreenshotKey, metadata, r.IsReference)
		out = r
		return err
	})
	return out, err
}

func (p *Postgres) ListRenders(ctx context.Context, filter RenderFilter) ([]*models.PageRender, error) {
	w := &where{}
	if filter.Token != "" {
		w.add("token = ?", filter.Token)
	}
	if filter.URL != "" {
		w.add("url = ?", filter.URL)
	}
	if filter.Site != "" {
		w.add("site = ?", filter.Site)
	}
	if filter.IsReference != nil {
		w.add("is_reference = ?", *filter.IsReference)
	}
	if filter.Compared != nil {
		w.add("compared = ?", *filter.Compared)
	}
	rows, err := p.pool.Query(ctx, `SELECT `+renderColumns+` FROM page_renders`+w.sql()+` ORDER BY created_at, id`+limitClause(filter.Limit), w.args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]*models.PageRender, 0)
	for rows.Next() {
		r, err := scanRender(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (p *Postgres) DeleteRender(ctx context.Context, id string) error {
	tag, err := p.pool.Exec(ctx, `DELETE FROM page_renders WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("render %s: %w", id, ErrNotFound)
	}
	return nil
}

func (p *Postgres) PutChunk(ctx context.Context, c *models.Chunk) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO chunks (owner_id, kind, idx, content, length)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (owner_id, kind, idx) DO UPDATE
		SET content = EXCLUDED.content, length = EXCLUDED.length
	`, c.OwnerID, c.Kind, c.Index, c.Content, c.Length)
	return err
}

func (p *Postgres) GetChunk(ctx context.Context, ownerID string, kind models.ChunkKind, index int) (*models.Chunk, error) {
	var c models.Chunk
	err := p.pool.QueryRow(ctx, `
		SELECT owner_id, kind, idx, content, length FROM chunks
		WHERE owner_id = $1 AND kind = $2 AND idx = $3
	`, ownerID, kind, index).Scan(&c.OwnerID, &c.Kind, &c.Index, &c.Content, &c.Length)
	if err != nil {
		return nil, notFound(err, fmt.Sprintf("chunk %s/%s/%d", ownerID, kind, index))
	}
	return &c, nil
}

func (p *Postgres) ListChunks(ctx context.Context, ownerID string, kind models.ChunkKind) ([]*models.Chunk, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT owner_id, kind, idx, content, length FROM chunks
		WHERE owner_id = $1 AND kind = $2 ORDER BY idx
	`, ownerID, kind)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]*models.Chunk, 0)
	for rows.Next() {
		var c models.Chunk
		if err := rows.Scan(&c.OwnerID, &c.Kind, &c.Index, &c.Content, &c.Length); err != nil {
			return nil, err
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}

func (p *Postgres) CountChunks(ctx context.Context, ownerID string, kind models.ChunkKind) (int, error) {
	var n int
	err := p.pool.QueryRow(ctx, `SELECT COUNT(*) FROM chunks WHERE owner_id = $1 AND kind = $2`, ownerID, kind).Scan(&n)
	return n, err
}

func (p *Postgres) DeleteChunks(ctx context.Context, ownerID string, kind models.ChunkKind) (int64, error) {
	tag, err := p.pool.Exec(ctx, `DELETE FROM chunks WHERE owner_id = $1 AND kind = $2`, ownerID, kind)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

const comparisonColumns = `id, token, url, test_render_id, ref_render_id, test_browser, test_channel, test_version,
	ref_browser, ref_channel, ref_version, score, compare_key, ignore, comments, bugs, delta_index,
	elem_count_test, elem_count_ref, unmatched_test, unmatched_ref, created_at, computed_at`

func scanComparison(row scanner) (*models.Comparison, error) {
	var c models.Comparison
	var bugs, deltaIndex []byte
	err := row.Scan(&c.ID, &c.Token, &c.URL, &c.TestRenderID, &c.RefRenderID, &c.TestBrowser, &c.TestChannel, &c.TestVersion,
		&c.RefBrowser, &c.RefChannel, &c.RefVersion, &c.Score, &c.CompareKey, &c.Ignore, &c.Comments, &bugs, &deltaIndex,
		&c.ElemCountTest, &c.ElemCountRef, &c.UnmatchedTest, &c.UnmatchedRef, &c.CreatedAt, &c.ComputedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(bugs, &c.Bugs); err != nil {
		return nil, fmt.Errorf("decode bugs: %w", err)
	}
	if err := json.Unmarshal(deltaIndex, &c.DeltaIndex); err != nil {
		return nil, fmt.Errorf("decode delta index: %w", err)
	}
	return &c, nil
}

func comparisonJSON(c *models.Comparison) ([]byte, []byte, error) {
	bugs, err := json.Marshal(lo.Ternary(c.Bugs == nil, []string{}, c.Bugs))
	if err != nil {
		return nil, nil, err
	}
	deltaIndex, err := json.Marshal(lo.Ternary(c.DeltaIndex == nil, []int{}, c.DeltaIndex))
	if err != nil {
		return nil, nil, err
	}
	return bugs, deltaIndex, nil
}

func (p *Postgres) InsertComparison(ctx context.Context, c *models.Comparison) error {
	bugs, deltaIndex, err := comparisonJSON(c)
	if err != nil {
		return err
	}
	tag, err := p.pool.Exec(ctx, `
		INSERT INTO comparisons (`+comparisonColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23)
		ON CONFLICT (id) DO NOTHING
	`, c.ID, c.Token, c.URL, c.TestRenderID, c.RefRenderID, c.TestBrowser, c.TestChannel, c.TestVersion,
		c.RefBrowser, c.RefChannel, c.RefVersion, c.Score, c.CompareKey, c.Ignore, c.Comments, bugs, deltaIndex,
		c.ElemCountTest, c.ElemCountRef, c.UnmatchedTest, c.UnmatchedRef, c.CreatedAt, c.ComputedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("comparison %s: %w", c.ID, ErrExists)
	}
	return nil
}

func (p *Postgres) GetComparison(ctx context.Context, id string) (*models.Comparison, error) {
	c, err := scanComparison(p.pool.QueryRow(ctx, `SELECT `+comparisonColumns+` FROM comparisons WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "comparison "+id)
	}
	return c, nil
}

func (p *Postgres) UpdateComparison(ctx context.Context, id string, fn func(*models.Comparison) error) (*models.Comparison, error) {
	var out *models.Comparison
	err := p.withTx(ctx, func(tx pgx.Tx) error {
		c, err := scanComparison(tx.QueryRow(ctx, `SELECT `+comparisonColumns+` FROM comparisons WHERE id = $1 FOR UPDATE`, id))
		if err != nil {
			return notFound(err, "comparison "+id)
		}
		if err := fn(c); err != nil {
			return err
		}
		bugs, deltaIndex, err := comparisonJSON(c)
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `
			UPDATE comparisons
			SET score = $2, ignore = $3, comments = $4, bugs = $5, delta_index = $6,
			    elem_count_test = $7, elem_count_ref = $8, unmatched_test = $9, unmatched_ref = $10, computed_at = $11
			WHERE id = $1
		`, id, c.Score, c.Ignore, c.Comments, bugs, deltaIndex,
			c.ElemCountTest, c.ElemCountRef, c.UnmatchedTest, c.UnmatchedRef, c.ComputedAt)
		out = c
		return err
	})
	return out, err
}

func (p *Postgres) ListComparisons(ctx context.Context, filter ComparisonFilter) ([]*models.Comparison, error) {
	w := &where{}
	if filter.Token != "" {
		w.add("token = ?", filter.Token)
	}
	if filter.URL != "" {
		w.add("url = ?", filter.URL)
	}
	if filter.RenderID != "" {
		w.args = append(w.args, filter.RenderID)
		w.conds = append(w.conds, fmt.Sprintf("(test_render_id = $%d OR ref_render_id = $%d)", len(w.args), len(w.args)))
	}
	if filter.ExcludeIgnore {
		w.conds = append(w.conds, "ignore = FALSE")
	}
	if filter.OnlyComputed {
		w.conds = append(w.conds, "score >= 0")
	}
	rows, err := p.pool.Query(ctx, `SELECT `+comparisonColumns+` FROM comparisons`+w.sql()+` ORDER BY created_at, id`+limitClause(filter.Limit), w.args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]*models.Comparison, 0)
	for rows.Next() {
		c, err := scanComparison(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (p *Postgres) DeleteComparison(ctx context.Context, id string) error {
	tag, err := p.pool.Exec(ctx, `DELETE FROM comparisons WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("comparison %s: %w", id, ErrNotFound)
	}
	return nil
}

func (p *Postgres) UpsertBrowserScore(ctx context.Context, s *models.BrowserScore) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO browser_scores (token, browser, layout_score, num_urls, date)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (token, browser) DO UPDATE
		SET layout_score = EXCLUDED.layout_score, num_urls = EXCLUDED.num_urls, date = EXCLUDED.date
	`, s.Token, s.Browser, s.LayoutScore, s.NumURLs, s.Date)
	return err
}

func (p *Postgres) ListBrowserScores(ctx context.Context, token string) ([]*models.BrowserScore, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT token, browser, layout_score, num_urls, date FROM browser_scores
		WHERE token = $1 ORDER BY browser
	`, token)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]*models.BrowserScore, 0)
	for rows.Next() {
		var s models.BrowserScore
		if err := rows.Scan(&s.Token, &s.Browser, &s.LayoutScore, &s.NumURLs, &s.Date); err != nil {
			return nil, err
		}
		out = append(out, &s)
	}
	return out, rows.Err()
}

const taskColumns = `id, name, args, COALESCE(dedup_key, ''), status, run_after, attempts, max_attempts,
	leased_by, leased_until, last_error, created_at, updated_at`

func scanTask(row scanner) (*models.Task, error) {
	var t models.Task
	err := row.Scan(&t.ID, &t.Name, &t.Args, &t.DedupKey, &t.Status, &t.RunAfter, &t.Attempts, &t.MaxAttempts,
		&t.LeasedBy, &t.LeasedUntil, &t.LastError, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// EnqueueTask inserts a READY task. A task whose dedup key matches a READY or
// RUNNING task is dropped and false is returned.
func (p *Postgres) EnqueueTask(ctx context.Context, t *models.Task) (bool, error) {
	var dedup *string
	if t.DedupKey != "" {
		dedup = &t.DedupKey
	}
	args := t.Args
	if len(args) == 0 {
		args = []byte("{}")
	}
	err := p.pool.QueryRow(ctx, `
		INSERT INTO deferred_tasks (name, args, dedup_key, status, run_after, max_attempts)
		VALUES ($1, $2, $3, 'READY', $4, $5)
		ON CONFLICT (dedup_key) WHERE status IN ('READY', 'RUNNING') DO NOTHING
		RETURNING id
	`, t.Name, args, dedup, t.RunAfter, t.MaxAttempts).Scan(&t.ID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (p *Postgres) ClaimTask(ctx context.Context, workerID string, now time.Time, lease time.Duration) (*models.Task, error) {
	query := `
		WITH candidate AS (
			SELECT id FROM deferred_tasks
			WHERE status = 'READY' AND run_after <= $1
			ORDER BY run_after, id
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE deferred_tasks
		SET status = 'RUNNING',
		    attempts = attempts + 1,
		    leased_by = $2,
		    leased_until = $3,
		    updated_at = $1
		FROM candidate
		WHERE deferred_tasks.id = candidate.id
		RETURNING deferred_tasks.id, name, args, COALESCE(dedup_key, ''), status, run_after, attempts, max_attempts,
			leased_by, leased_until, last_error, created_at, updated_at
	`
	t, err := scanTask(p.pool.QueryRow(ctx, query, now, workerID, now.Add(lease)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNoTasks
		}
		return nil, err
	}
	return t, nil
}

func (p *Postgres) CompleteTask(ctx context.Context, id int64, workerID string) error {
	tag, err := p.pool.Exec(ctx, `
		UPDATE deferred_tasks
		SET status = 'DONE', leased_by = '', leased_until = NULL, last_error = '', updated_at = NOW()
		WHERE id = $1 AND leased_by = $2 AND status = 'RUNNING'
	`, id, workerID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrLeaseLost
	}
	return nil
}

func (p *Postgres) FailTask(ctx context.Context, id int64, workerID, lastError string, retry bool, runAfter time.Time) error {
	status := models.TaskFailed
	if retry {
		status = models.TaskReady
	}
	tag, err := p.pool.Exec(ctx, `
		UPDATE deferred_tasks
		SET status = $3,
		    run_after = CASE WHEN $3 = 'READY' THEN $4 ELSE run_after END,
		    last_error = $5,
		    leased_by = '',
		    leased_until = NULL,
		    updated_at = NOW()
		WHERE id = $1 AND leased_by = $2 AND status = 'RUNNING'
	`, id, workerID, status, runAfter, lastError)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrLeaseLost
	}
	return nil
}

// ReclaimTasks recovers tasks whose runner stopped renewing the lease.
func (p *Postgres) ReclaimTasks(ctx context.Context, now time.Time) (int64, error) {
	tag, err := p.pool.Exec(ctx, `
		WITH expired AS (
			SELECT id FROM deferred_tasks
			WHERE status = 'RUNNING' AND leased_until < $1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE deferred_tasks
		SET status = CASE WHEN attempts < max_attempts THEN 'READY' ELSE 'FAILED' END,
		    last_error = 'lease_expiry: task runner lost or crashed',
		    leased_by = '',
		    leased_until = NULL,
		    updated_at = $1
		FROM expired
		WHERE deferred_tasks.id = expired.id
	`, now)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (p *Postgres) CountTasksByStatus(ctx context.Context) (map[models.TaskStatus]int64, error) {
	counts := map[models.TaskStatus]int64{}
	err := p.countBy(ctx, `SELECT status, COUNT(*) FROM deferred_tasks GROUP BY status`,
		func(status string, n int64) { counts[models.TaskStatus(status)] = n })
	return counts, err
}

func (p *Postgres) ListTasks(ctx context.Context, status models.TaskStatus, limit int) ([]*models.Task, error) {
	rows, err := p.pool.Query(ctx, `SELECT `+taskColumns+` FROM deferred_tasks WHERE ($1 = '' OR status = $1) ORDER BY id`+limitClause(limit), string(status))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]*models.Task, 0)
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
