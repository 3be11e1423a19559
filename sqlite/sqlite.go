// Package sqlite provides sqlite-backed repositories for upload sessions,
// analysis jobs, scanned files and badges.
package sqlite

import (
	"database/sql"
	"time"

	_ "modernc.org/sqlite" // sqlite driver
)

// Store owns the database handle shared by the repositories.
type Store struct {
	db *sql.DB
}

func New(path string) (*Store, error) {
	db, err := initDatabase(path)
	if err != nil {
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Sessions() *SessionRepository {
	return &SessionRepository{db: s.db}
}

func (s *Store) Jobs() *JobRepository {
	return &JobRepository{db: s.db}
}

func (s *Store) Files() *FileRepository {
	return &FileRepository{db: s.db}
}

func (s *Store) Badges() *BadgeRepository {
	return &BadgeRepository{db: s.db}
}

type scannable interface {
	Scan(dest ...any) error
}

func initDatabase(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(30 * time.Minute)

	pragmas := []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA cache_size=1000",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return nil, err
		}
	}

	if err := db.Ping(); err != nil {
		return nil, err
	}

	return db, createSchema(db)
}

func createSchema(db *sql.DB) error {
	const schema = `
		CREATE TABLE IF NOT EXISTS upload_sessions (
			id TEXT PRIMARY KEY,
			file_name TEXT NOT NULL,
			file_size INT NOT NULL,
			file_hash TEXT NOT NULL,
			total_chunks INT NOT NULL,
			uploaded TEXT NOT NULL,
			client_id TEXT NOT NULL,
			created_at INT NOT NULL,
			expires_at INT NOT NULL,
			completed INT NOT NULL DEFAULT 0,
			completed_at INT
		);

		CREATE TABLE IF NOT EXISTS analysis_jobs (
			id TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			file_name TEXT NOT NULL,
			file_hash TEXT NOT NULL,
			file_size INT NOT NULL,
			owner_id TEXT NOT NULL DEFAULT '',
			api_key_id TEXT NOT NULL DEFAULT '',
			client_addr TEXT NOT NULL DEFAULT '',
			force_rescan INT NOT NULL DEFAULT 0,
			badge_token TEXT NOT NULL DEFAULT '',
			created_at INT NOT NULL,
			expires_at INT NOT NULL,
			started_at INT,
			completed_at INT,
			temp_path TEXT NOT NULL DEFAULT '',
			temp_cleaned INT NOT NULL DEFAULT 0,
			result BLOB,
			error TEXT NOT NULL DEFAULT '',
			retry_count INT NOT NULL DEFAULT 0
		);

		CREATE TABLE IF NOT EXISTS scanned_files (
			file_hash TEXT PRIMARY KEY,
			file_name TEXT NOT NULL,
			file_size INT NOT NULL,
			score REAL NOT NULL DEFAULT 0,
			features TEXT NOT NULL DEFAULT '[]',
			metadata TEXT NOT NULL DEFAULT '{}',
			owner_id TEXT NOT NULL DEFAULT '',
			scan_count INT NOT NULL DEFAULT 0,
			first_scanned_at INT NOT NULL,
			last_scanned_at INT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS badges (
			id TEXT PRIMARY KEY,
			owner_id TEXT NOT NULL,
			file_hash TEXT NOT NULL DEFAULT '',
			token_salt TEXT NOT NULL DEFAULT '',
			token_hash TEXT NOT NULL DEFAULT '',
			auto_update INT NOT NULL DEFAULT 0,
			update_count INT NOT NULL DEFAULT 0,
			updated_at INT NOT NULL
		);
	`

	_, err := db.Exec(schema)

	return err
}

func nullableUnix(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}

	return sql.NullInt64{Int64: t.Unix(), Valid: true}
}

func unixPtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}

	t := time.Unix(v.Int64, 0).UTC()

	return &t
}
