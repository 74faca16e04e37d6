package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

func NewPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

// EnsureSchema creates every table and index the Postgres store relies on.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	for _, q := range schema {
		if _, err := pool.Exec(ctx, q); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS work_items (
		id TEXT PRIMARY KEY,
		seq BIGSERIAL,
		dedup_key TEXT NOT NULL UNIQUE,
		url TEXT NOT NULL,
		config_ref TEXT NOT NULL DEFAULT '',
		token TEXT NOT NULL,
		lease_key TEXT NOT NULL,
		client_id TEXT NOT NULL DEFAULT '',
		last_client_id TEXT NOT NULL DEFAULT '',
		client_info TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		os TEXT NOT NULL,
		browser TEXT NOT NULL,
		channel TEXT NOT NULL,
		browser_version TEXT NOT NULL,
		priority INT NOT NULL DEFAULT 0,
		retry_count INT NOT NULL DEFAULT 3,
		creation_time TIMESTAMPTZ NOT NULL,
		start_time TIMESTAMPTZ,
		end_time TIMESTAMPTZ,
		duration_ms BIGINT NOT NULL DEFAULT 0,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);`,
	`CREATE INDEX IF NOT EXISTS idx_work_items_lease
		ON work_items (token, lease_key, creation_time, priority DESC, seq)
		WHERE status = 'QUEUED';`,
	`CREATE INDEX IF NOT EXISTS idx_work_items_client ON work_items (client_id) WHERE status = 'IN_PROGRESS';`,
	`CREATE INDEX IF NOT EXISTS idx_work_items_token_seq ON work_items (token, seq);`,
	`CREATE TABLE IF NOT EXISTS machines (
		client_id TEXT PRIMARY KEY,
		vm_service TEXT NOT NULL,
		os TEXT NOT NULL,
		browser TEXT NOT NULL,
		channel TEXT NOT NULL,
		browser_version TEXT NOT NULL,
		status TEXT NOT NULL,
		retry_count INT NOT NULL DEFAULT 0,
		token TEXT NOT NULL,
		installer_url TEXT NOT NULL DEFAULT '',
		provision_key TEXT NOT NULL DEFAULT '',
		init_log_key TEXT NOT NULL DEFAULT '',
		run_log_key TEXT NOT NULL DEFAULT '',
		creation_time TIMESTAMPTZ NOT NULL,
		updated_time TIMESTAMPTZ NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS idx_machines_status_updated ON machines (status, updated_time);`,
	`CREATE INDEX IF NOT EXISTS idx_machines_token ON machines (token);`,
	`CREATE INDEX IF NOT EXISTS idx_machines_provision_key ON machines (provision_key);`,
	`CREATE TABLE IF NOT EXISTS runs (
		token TEXT PRIMARY KEY,
		created_at TIMESTAMPTZ NOT NULL,
		url_count INT NOT NULL,
		machines_per_config INT NOT NULL,
		configurations JSONB NOT NULL,
		reference JSONB NOT NULL,
		client_info TEXT NOT NULL,
		expired_at TIMESTAMPTZ
	);`,
	`CREATE TABLE IF NOT EXISTS page_renders (
		id TEXT PRIMARY KEY,
		token TEXT NOT NULL,
		work_item_id TEXT NOT NULL DEFAULT '',
		url TEXT NOT NULL,
		site TEXT NOT NULL,
		os TEXT NOT NULL DEFAULT '',
		browser TEXT NOT NULL,
		channel TEXT NOT NULL DEFAULT '',
		version TEXT NOT NULL,
		is_reference BOOLEAN NOT NULL DEFAULT FALSE,
		compared BOOLEAN NOT NULL DEFAULT FALSE,
		width INT NOT NULL DEFAULT 0,
		height INT NOT NULL DEFAULT 0,
		nodes_table TEXT NOT NULL DEFAULT '',
		dynamic_content JSONB NOT NULL DEFAULT '[]',
		screenshot_key TEXT NOT NULL DEFAULT '',
		metadata JSONB NOT NULL DEFAULT '{}',
		created_at TIMESTAMPTZ NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS idx_page_renders_pairing ON page_renders (token, is_reference, compared);`,
	`CREATE TABLE IF NOT EXISTS chunks (
		owner_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		idx INT NOT NULL,
		content BYTEA NOT NULL,
		length INT NOT NULL DEFAULT 0,
		PRIMARY KEY (owner_id, kind, idx)
	);`,
	`CREATE TABLE IF NOT EXISTS comparisons (
		id TEXT PRIMARY KEY,
		token TEXT NOT NULL,
		url TEXT NOT NULL,
		test_render_id TEXT NOT NULL,
		ref_render_id TEXT NOT NULL,
		test_browser TEXT NOT NULL,
		test_channel TEXT NOT NULL DEFAULT '',
		test_version TEXT NOT NULL,
		ref_browser TEXT NOT NULL,
		ref_channel TEXT NOT NULL DEFAULT '',
		ref_version TEXT NOT NULL,
		score DOUBLE PRECISION NOT NULL DEFAULT -1,
		compare_key TEXT NOT NULL,
		ignore BOOLEAN NOT NULL DEFAULT FALSE,
		comments TEXT NOT NULL DEFAULT '',
		bugs JSONB NOT NULL DEFAULT '[]',
		delta_index JSONB NOT NULL DEFAULT '[]',
		elem_count_test INT NOT NULL DEFAULT 0,
		elem_count_ref INT NOT NULL DEFAULT 0,
		unmatched_test INT NOT NULL DEFAULT 0,
		unmatched_ref INT NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL,
		computed_at TIMESTAMPTZ
	);`,
	`CREATE INDEX IF NOT EXISTS idx_comparisons_token ON comparisons (token);`,
	`CREATE INDEX IF NOT EXISTS idx_comparisons_compare_key ON comparisons (compare_key);`,
	`CREATE TABLE IF NOT EXISTS browser_scores (
		token TEXT NOT NULL,
		browser TEXT NOT NULL,
		layout_score DOUBLE PRECISION NOT NULL,
		num_urls INT NOT NULL,
		date TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (token, browser)
	);`,
	`CREATE TABLE IF NOT EXISTS deferred_tasks (
		id BIGSERIAL PRIMARY KEY,
		name TEXT NOT NULL,
		args JSONB NOT NULL DEFAULT '{}',
		dedup_key TEXT,
		status TEXT NOT NULL,
		run_after TIMESTAMPTZ NOT NULL,
		attempts INT NOT NULL DEFAULT 0,
		max_attempts INT NOT NULL DEFAULT 5,
		leased_by TEXT NOT NULL DEFAULT '',
		leased_until TIMESTAMPTZ,
		last_error TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_deferred_tasks_dedup
		ON deferred_tasks (dedup_key) WHERE status IN ('READY', 'RUNNING');`,
	`CREATE INDEX IF NOT EXISTS idx_deferred_tasks_ready ON deferred_tasks (run_after, id) WHERE status = 'READY';`,
}
