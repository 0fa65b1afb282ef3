package sqlite

import (
	"context"
	"database/sql"
)

// migrations is the ordered schema history. Names follow the sortable
// timestamp-prefix convention; the Migrator sorts by name before running.
var migrations = []Migration{
	{
		Name: "20240910120000_create_accounts",
		Up: func(ctx context.Context, db *sql.DB) (MigrationStatus, error) {
			ok, err := tableExists(ctx, db, "accounts")
			if err != nil {
				return StatusFailed, err
			}
			if ok {
				return StatusSkipped, nil
			}
			_, err = db.ExecContext(ctx, `
				CREATE TABLE accounts (
					id              TEXT PRIMARY KEY,
					email           TEXT NOT NULL UNIQUE,
					plan_name       TEXT NOT NULL,
					token_remaining INTEGER NOT NULL,
					topup_remaining INTEGER NOT NULL,
					status          INTEGER NOT NULL DEFAULT 1,
					created_at      TEXT NOT NULL,
					updated_at      TEXT NOT NULL
				);
				CREATE INDEX idx_accounts_email ON accounts(email);
				CREATE INDEX idx_accounts_status ON accounts(status);
			`)
			if err != nil {
				return StatusFailed, err
			}
			return StatusExecuted, nil
		},
		Down: func(ctx context.Context, db *sql.DB) error {
			_, err := db.ExecContext(ctx, `DROP TABLE IF EXISTS accounts`)
			return err
		},
	},
	{
		Name: "20240910120500_create_api_keys",
		Up: func(ctx context.Context, db *sql.DB) (MigrationStatus, error) {
			ok, err := tableExists(ctx, db, "api_keys")
			if err != nil {
				return StatusFailed, err
			}
			if ok {
				return StatusSkipped, nil
			}
			_, err = db.ExecContext(ctx, `
				CREATE TABLE api_keys (
					key_hash      TEXT PRIMARY KEY,
					account_id    TEXT NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
					key_indicator TEXT NOT NULL,
					label         TEXT NOT NULL,
					created_at    TEXT NOT NULL,
					expires_at    TEXT,
					last_used_at  TEXT
				);
				CREATE INDEX idx_api_keys_account ON api_keys(account_id);
			`)
			if err != nil {
				return StatusFailed, err
			}
			return StatusExecuted, nil
		},
		Down: func(ctx context.Context, db *sql.DB) error {
			_, err := db.ExecContext(ctx, `DROP TABLE IF EXISTS api_keys`)
			return err
		},
	},
	{
		Name: "20240910121000_create_sessions",
		Up: func(ctx context.Context, db *sql.DB) (MigrationStatus, error) {
			ok, err := tableExists(ctx, db, "sessions")
			if err != nil {
				return StatusFailed, err
			}
			if ok {
				return StatusSkipped, nil
			}
			_, err = db.ExecContext(ctx, `
				CREATE TABLE sessions (
					account_id TEXT NOT NULL,
					session_id TEXT NOT NULL,
					kind       TEXT NOT NULL CHECK (kind IN ('SESSION','CONV')),
					data       TEXT NOT NULL,
					created_at TEXT NOT NULL,
					PRIMARY KEY (account_id, session_id, kind)
				);
				CREATE INDEX idx_sessions_created_at ON sessions(created_at);
			`)
			if err != nil {
				return StatusFailed, err
			}
			return StatusExecuted, nil
		},
		Down: func(ctx context.Context, db *sql.DB) error {
			_, err := db.ExecContext(ctx, `DROP TABLE IF EXISTS sessions`)
			return err
		},
	},
	{
		Name: "20240910121500_create_usage_metrics",
		Up: func(ctx context.Context, db *sql.DB) (MigrationStatus, error) {
			ok, err := tableExists(ctx, db, "usage_metrics")
			if err != nil {
				return StatusFailed, err
			}
			if ok {
				return StatusSkipped, nil
			}
			_, err = db.ExecContext(ctx, `
				CREATE TABLE usage_metrics (
					id            INTEGER PRIMARY KEY AUTOINCREMENT,
					account_id    TEXT NOT NULL,
					session_id    TEXT NOT NULL,
					provider      TEXT NOT NULL,
					input_tokens  INTEGER NOT NULL,
					output_tokens INTEGER NOT NULL,
					total_tokens  INTEGER NOT NULL,
					created_at    TEXT NOT NULL
				);
				CREATE INDEX idx_usage_metrics_account ON usage_metrics(account_id);
				CREATE INDEX idx_usage_metrics_provider ON usage_metrics(provider);
				CREATE INDEX idx_usage_metrics_created_at ON usage_metrics(created_at);
			`)
			if err != nil {
				return StatusFailed, err
			}
			return StatusExecuted, nil
		},
		Down: func(ctx context.Context, db *sql.DB) error {
			_, err := db.ExecContext(ctx, `DROP TABLE IF EXISTS usage_metrics`)
			return err
		},
	},
	{
		// Added after the fact for the per-account time-window rollups.
		Name: "20241118093000_usage_account_time_index",
		Up: func(ctx context.Context, db *sql.DB) (MigrationStatus, error) {
			ok, err := indexExists(ctx, db, "idx_usage_metrics_account_time")
			if err != nil {
				return StatusFailed, err
			}
			if ok {
				return StatusSkipped, nil
			}
			_, err = db.ExecContext(ctx,
				`CREATE INDEX idx_usage_metrics_account_time ON usage_metrics(account_id, created_at)`)
			if err != nil {
				return StatusFailed, err
			}
			return StatusExecuted, nil
		},
		Down: func(ctx context.Context, db *sql.DB) error {
			_, err := db.ExecContext(ctx, `DROP INDEX IF EXISTS idx_usage_metrics_account_time`)
			return err
		},
	},
}
