// Package postgres provides PostgreSQL-backed repositories, for multi-node
// deployments where workers and the upload front end share one database.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // PostgreSQL driver

	"github.com/dropscan/dropscan/models"
)

// Store owns the database handle shared by the repositories.
type Store struct {
	db *sql.DB
}

// New creates a Store on an open connection. Schema management is handled by
// migrations, not here.
func New(db *sql.DB) (*Store, error) {
	if err := db.Ping(); err != nil {
		return nil, err
	}

	return &Store{db: db}, nil
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

type SessionRepository struct {
	db *sql.DB
}

func (r *SessionRepository) Get(ctx context.Context, id string) (models.UploadSession, error) {
	const q = `SELECT id, file_name, file_size, file_hash, total_chunks, uploaded, client_id,
	                  created_at, expires_at, completed, completed_at
	           FROM upload_sessions WHERE id = $1`

	return rowToSession(r.db.QueryRowContext(ctx, q, id))
}

func (r *SessionRepository) Create(ctx context.Context, session *models.UploadSession) error {
	flags, err := json.Marshal(session.Uploaded)
	if err != nil {
		return err
	}

	const q = `INSERT INTO upload_sessions
	           (id, file_name, file_size, file_hash, total_chunks, uploaded, client_id, created_at, expires_at, completed, completed_at)
	           VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

	_, err = r.db.ExecContext(ctx, q,
		session.ID, session.FileName, session.FileSize, session.FileHash,
		session.TotalChunks, string(flags), session.ClientID,
		session.CreatedAt, session.ExpiresAt, session.Completed, session.CompletedAt,
	)

	return err
}

func (r *SessionRepository) Update(ctx context.Context, session *models.UploadSession) error {
	flags, err := json.Marshal(session.Uploaded)
	if err != nil {
		return err
	}

	const q = `UPDATE upload_sessions
	           SET uploaded = $1, completed = $2, completed_at = $3, expires_at = $4
	           WHERE id = $5`

	res, err := r.db.ExecContext(ctx, q,
		string(flags), session.Completed, session.CompletedAt, session.ExpiresAt, session.ID,
	)
	if err != nil {
		return err
	}

	return requireRow(res)
}

func (r *SessionRepository) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM upload_sessions WHERE id = $1`, id)
	if err != nil {
		return err
	}

	return requireRow(res)
}

func (r *SessionRepository) SelectExpired(ctx context.Context, now time.Time) ([]models.UploadSession, error) {
	const q = `SELECT id, file_name, file_size, file_hash, total_chunks, uploaded, client_id,
	                  created_at, expires_at, completed, completed_at
	           FROM upload_sessions WHERE expires_at < $1`

	rows, err := r.db.QueryContext(ctx, q, now)
	if err != nil {
		return nil, err
	}

	defer rows.Close()

	var ans []models.UploadSession

	for rows.Next() {
		session, err := rowToSession(rows)
		if err != nil {
			return nil, err
		}

		ans = append(ans, session)
	}

	return ans, rows.Err()
}

func rowToSession(row scannable) (models.UploadSession, error) {
	var (
		s     models.UploadSession
		flags string
	)

	err := row.Scan(
		&s.ID, &s.FileName, &s.FileSize, &s.FileHash, &s.TotalChunks,
		&flags, &s.ClientID, &s.CreatedAt, &s.ExpiresAt, &s.Completed, &s.CompletedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.UploadSession{}, models.ErrNotFound
		}

		return models.UploadSession{}, err
	}

	if err := json.Unmarshal([]byte(flags), &s.Uploaded); err != nil {
		return models.UploadSession{}, err
	}

	return s, nil
}

type JobRepository struct {
	db *sql.DB
}

const jobColumns = `id, status, file_name, file_hash, file_size, owner_id, api_key_id, client_addr,
	force_rescan, badge_token, created_at, expires_at, started_at, completed_at,
	temp_path, temp_cleaned, result, error, retry_count`

func (r *JobRepository) Get(ctx context.Context, id string) (models.AnalysisJob, error) {
	q := `SELECT ` + jobColumns + ` FROM analysis_jobs WHERE id = $1`

	return rowToJob(r.db.QueryRowContext(ctx, q, id))
}

func (r *JobRepository) Create(ctx context.Context, job *models.AnalysisJob) error {
	const q = `INSERT INTO analysis_jobs
	           (id, status, file_name, file_hash, file_size, owner_id, api_key_id, client_addr,
	            force_rescan, badge_token, created_at, expires_at, started_at, completed_at,
	            temp_path, temp_cleaned, result, error, retry_count)
	           VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)`

	_, err := r.db.ExecContext(ctx, q,
		job.ID, job.Status, job.FileName, job.FileHash, job.FileSize,
		job.OwnerID, job.APIKeyID, job.ClientAddr, job.ForceRescan, job.BadgeToken,
		job.CreatedAt, job.ExpiresAt, job.StartedAt, job.CompletedAt,
		job.TempPath, job.TempCleaned, job.Result, job.Error, job.RetryCount,
	)

	return err
}

func (r *JobRepository) Update(ctx context.Context, job *models.AnalysisJob) error {
	const q = `UPDATE analysis_jobs
	           SET status = $1, started_at = $2, completed_at = $3, temp_cleaned = $4,
	               result = $5, error = $6, retry_count = $7
	           WHERE id = $8`

	res, err := r.db.ExecContext(ctx, q,
		job.Status, job.StartedAt, job.CompletedAt, job.TempCleaned,
		job.Result, job.Error, job.RetryCount, job.ID,
	)
	if err != nil {
		return err
	}

	return requireRow(res)
}

func (r *JobRepository) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM analysis_jobs WHERE id = $1`, id)
	if err != nil {
		return err
	}

	return requireRow(res)
}

func (r *JobRepository) SelectExpired(ctx context.Context, now time.Time) ([]models.AnalysisJob, error) {
	q := `SELECT ` + jobColumns + ` FROM analysis_jobs WHERE expires_at < $1`

	rows, err := r.db.QueryContext(ctx, q, now)
	if err != nil {
		return nil, err
	}

	defer rows.Close()

	var ans []models.AnalysisJob

	for rows.Next() {
		job, err := rowToJob(rows)
		if err != nil {
			return nil, err
		}

		ans = append(ans, job)
	}

	return ans, rows.Err()
}

func rowToJob(row scannable) (models.AnalysisJob, error) {
	var j models.AnalysisJob

	err := row.Scan(
		&j.ID, &j.Status, &j.FileName, &j.FileHash, &j.FileSize,
		&j.OwnerID, &j.APIKeyID, &j.ClientAddr, &j.ForceRescan, &j.BadgeToken,
		&j.CreatedAt, &j.ExpiresAt, &j.StartedAt, &j.CompletedAt,
		&j.TempPath, &j.TempCleaned, &j.Result, &j.Error, &j.RetryCount,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.AnalysisJob{}, models.ErrNotFound
		}

		return models.AnalysisJob{}, err
	}

	return j, nil
}

type FileRepository struct {
	db *sql.DB
}

func (r *FileRepository) Get(ctx context.Context, fileHash string) (models.ScannedFile, error) {
	const q = `SELECT file_hash, file_name, file_size, score, features, metadata, owner_id,
	                  scan_count, first_scanned_at, last_scanned_at
	           FROM scanned_files WHERE file_hash = $1`

	return rowToFile(r.db.QueryRowContext(ctx, q, fileHash))
}

func (r *FileRepository) Upsert(ctx context.Context, file *models.ScannedFile) error {
	features, err := json.Marshal(file.Features)
	if err != nil {
		return err
	}

	metadata, err := json.Marshal(file.Metadata)
	if err != nil {
		return err
	}

	const q = `INSERT INTO scanned_files
	           (file_hash, file_name, file_size, score, features, metadata, owner_id, scan_count, first_scanned_at, last_scanned_at)
	           VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	           ON CONFLICT (file_hash) DO UPDATE SET
	               file_name = EXCLUDED.file_name,
	               file_size = EXCLUDED.file_size,
	               score = EXCLUDED.score,
	               features = EXCLUDED.features,
	               metadata = EXCLUDED.metadata,
	               owner_id = EXCLUDED.owner_id,
	               scan_count = EXCLUDED.scan_count,
	               last_scanned_at = EXCLUDED.last_scanned_at`

	_, err = r.db.ExecContext(ctx, q,
		file.FileHash, file.FileName, file.FileSize, file.Score,
		string(features), string(metadata), file.OwnerID, file.ScanCount,
		file.FirstScannedAt, file.LastScannedAt,
	)

	return err
}

func (r *FileRepository) IncrementScanCount(ctx context.Context, fileHash, ownerID string, scannedAt time.Time) (models.ScannedFile, error) {
	const q = `UPDATE scanned_files
	           SET scan_count = scan_count + 1,
	               last_scanned_at = $1,
	               owner_id = CASE WHEN owner_id = '' AND $2 != '' THEN $2 ELSE owner_id END
	           WHERE file_hash = $3
	           RETURNING file_hash, file_name, file_size, score, features, metadata, owner_id,
	                     scan_count, first_scanned_at, last_scanned_at`

	file, err := rowToFile(r.db.QueryRowContext(ctx, q, scannedAt, ownerID, fileHash))
	if err != nil {
		return models.ScannedFile{}, err
	}

	return file, nil
}

func rowToFile(row scannable) (models.ScannedFile, error) {
	var (
		f        models.ScannedFile
		features string
		metadata string
	)

	err := row.Scan(
		&f.FileHash, &f.FileName, &f.FileSize, &f.Score,
		&features, &metadata, &f.OwnerID, &f.ScanCount,
		&f.FirstScannedAt, &f.LastScannedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.ScannedFile{}, models.ErrNotFound
		}

		return models.ScannedFile{}, err
	}

	if err := json.Unmarshal([]byte(features), &f.Features); err != nil {
		return models.ScannedFile{}, err
	}

	if err := json.Unmarshal([]byte(metadata), &f.Metadata); err != nil {
		return models.ScannedFile{}, err
	}

	return f, nil
}

type BadgeRepository struct {
	db *sql.DB
}

func (r *BadgeRepository) SelectAutoUpdate(ctx context.Context, ownerID string) ([]models.Badge, error) {
	const q = `SELECT id, owner_id, file_hash, token_salt, token_hash, auto_update, update_count, updated_at
	           FROM badges WHERE owner_id = $1 AND auto_update`

	rows, err := r.db.QueryContext(ctx, q, ownerID)
	if err != nil {
		return nil, err
	}

	defer rows.Close()

	var ans []models.Badge

	for rows.Next() {
		var b models.Badge

		err := rows.Scan(
			&b.ID, &b.OwnerID, &b.FileHash, &b.TokenSalt, &b.TokenHash,
			&b.AutoUpdate, &b.UpdateCount, &b.UpdatedAt,
		)
		if err != nil {
			return nil, err
		}

		ans = append(ans, b)
	}

	return ans, rows.Err()
}

func (r *BadgeRepository) SetFileHash(ctx context.Context, badgeID, fileHash string, updatedAt time.Time) error {
	const q = `UPDATE badges
	           SET file_hash = $1, update_count = update_count + 1, updated_at = $2
	           WHERE id = $3`

	res, err := r.db.ExecContext(ctx, q, fileHash, updatedAt, badgeID)
	if err != nil {
		return err
	}

	return requireRow(res)
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}

	if n == 0 {
		return models.ErrNotFound
	}

	return nil
}
