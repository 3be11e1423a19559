package postgres

import (
	"context"
	"database/sql"
)

// Migrate applies the schema. Statements are idempotent so re-running on
// startup is safe.
func Migrate(ctx context.Context, db *sql.DB) error {
	const schema = `
		CREATE TABLE IF NOT EXISTS upload_sessions (
			id TEXT PRIMARY KEY,
			file_name TEXT NOT NULL,
			file_size BIGINT NOT NULL,
			file_hash TEXT NOT NULL,
			total_chunks INT NOT NULL,
			uploaded TEXT NOT NULL,
			client_id TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			expires_at TIMESTAMPTZ NOT NULL,
			completed BOOLEAN NOT NULL DEFAULT FALSE,
			completed_at TIMESTAMPTZ
		);

		CREATE INDEX IF NOT EXISTS idx_upload_sessions_expires_at ON upload_sessions (expires_at);

		CREATE TABLE IF NOT EXISTS analysis_jobs (
			id TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			file_name TEXT NOT NULL,
			file_hash TEXT NOT NULL,
			file_size BIGINT NOT NULL,
			owner_id TEXT NOT NULL DEFAULT '',
			api_key_id TEXT NOT NULL DEFAULT '',
			client_addr TEXT NOT NULL DEFAULT '',
			force_rescan BOOLEAN NOT NULL DEFAULT FALSE,
			badge_token TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL,
			expires_at TIMESTAMPTZ NOT NULL,
			started_at TIMESTAMPTZ,
			completed_at TIMESTAMPTZ,
			temp_path TEXT NOT NULL DEFAULT '',
			temp_cleaned BOOLEAN NOT NULL DEFAULT FALSE,
			result BYTEA,
			error TEXT NOT NULL DEFAULT '',
			retry_count INT NOT NULL DEFAULT 0
		);

		CREATE INDEX IF NOT EXISTS idx_analysis_jobs_expires_at ON analysis_jobs (expires_at);
		CREATE INDEX IF NOT EXISTS idx_analysis_jobs_file_hash ON analysis_jobs (file_hash);

		CREATE TABLE IF NOT EXISTS scanned_files (
			file_hash TEXT PRIMARY KEY,
			file_name TEXT NOT NULL,
			file_size BIGINT NOT NULL,
			score DOUBLE PRECISION NOT NULL DEFAULT 0,
			features TEXT NOT NULL DEFAULT '[]',
			metadata TEXT NOT NULL DEFAULT '{}',
			owner_id TEXT NOT NULL DEFAULT '',
			scan_count INT NOT NULL DEFAULT 0,
			first_scanned_at TIMESTAMPTZ NOT NULL,
			last_scanned_at TIMESTAMPTZ NOT NULL
		);

		CREATE TABLE IF NOT EXISTS badges (
			id TEXT PRIMARY KEY,
			owner_id TEXT NOT NULL,
			file_hash TEXT NOT NULL DEFAULT '',
			token_salt TEXT NOT NULL DEFAULT '',
			token_hash TEXT NOT NULL DEFAULT '',
			auto_update BOOLEAN NOT NULL DEFAULT FALSE,
			update_count INT NOT NULL DEFAULT 0,
			updated_at TIMESTAMPTZ NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_badges_owner_auto ON badges (owner_id) WHERE auto_update;
	`

	_, err := db.ExecContext(ctx, schema)

	return err
}
