package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/dropscan/dropscan/models"
)

type JobRepository struct {
	db *sql.DB
}

const jobColumns = `id, status, file_name, file_hash, file_size, owner_id, api_key_id, client_addr,
	force_rescan, badge_token, created_at, expires_at, started_at, completed_at,
	temp_path, temp_cleaned, result, error, retry_count`

func (r *JobRepository) Get(ctx context.Context, id string) (models.AnalysisJob, error) {
	q := `SELECT ` + jobColumns + ` FROM analysis_jobs WHERE id = ?`

	return rowToJob(r.db.QueryRowContext(ctx, q, id))
}

func (r *JobRepository) Create(ctx context.Context, job *models.AnalysisJob) error {
	const q = `INSERT INTO analysis_jobs
	           (id, status, file_name, file_hash, file_size, owner_id, api_key_id, client_addr,
	            force_rescan, badge_token, created_at, expires_at, started_at, completed_at,
	            temp_path, temp_cleaned, result, error, retry_count)
	           VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := r.db.ExecContext(ctx, q,
		job.ID,
		job.Status,
		job.FileName,
		job.FileHash,
		job.FileSize,
		job.OwnerID,
		job.APIKeyID,
		job.ClientAddr,
		boolToInt(job.ForceRescan),
		job.BadgeToken,
		job.CreatedAt.Unix(),
		job.ExpiresAt.Unix(),
		nullableUnix(job.StartedAt),
		nullableUnix(job.CompletedAt),
		job.TempPath,
		boolToInt(job.TempCleaned),
		job.Result,
		job.Error,
		job.RetryCount,
	)

	return err
}

func (r *JobRepository) Update(ctx context.Context, job *models.AnalysisJob) error {
	const q = `UPDATE analysis_jobs
	           SET status = ?, started_at = ?, completed_at = ?, temp_cleaned = ?,
	               result = ?, error = ?, retry_count = ?
	           WHERE id = ?`

	res, err := r.db.ExecContext(ctx, q,
		job.Status,
		nullableUnix(job.StartedAt),
		nullableUnix(job.CompletedAt),
		boolToInt(job.TempCleaned),
		job.Result,
		job.Error,
		job.RetryCount,
		job.ID,
	)
	if err != nil {
		return err
	}

	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return models.ErrNotFound
	}

	return nil
}

func (r *JobRepository) Delete(ctx context.Context, id string) error {
	const q = `DELETE FROM analysis_jobs WHERE id = ?`

	res, err := r.db.ExecContext(ctx, q, id)
	if err != nil {
		return err
	}

	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return models.ErrNotFound
	}

	return nil
}

func (r *JobRepository) SelectExpired(ctx context.Context, now time.Time) ([]models.AnalysisJob, error) {
	q := `SELECT ` + jobColumns + ` FROM analysis_jobs WHERE expires_at < ?`

	rows, err := r.db.QueryContext(ctx, q, now.Unix())
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
	var (
		j           models.AnalysisJob
		forceRescan int
		tempCleaned int
		createdAt   int64
		expiresAt   int64
		startedAt   sql.NullInt64
		completedAt sql.NullInt64
	)

	err := row.Scan(
		&j.ID, &j.Status, &j.FileName, &j.FileHash, &j.FileSize,
		&j.OwnerID, &j.APIKeyID, &j.ClientAddr, &forceRescan, &j.BadgeToken,
		&createdAt, &expiresAt, &startedAt, &completedAt,
		&j.TempPath, &tempCleaned, &j.Result, &j.Error, &j.RetryCount,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.AnalysisJob{}, models.ErrNotFound
		}

		return models.AnalysisJob{}, err
	}

	j.ForceRescan = forceRescan != 0
	j.TempCleaned = tempCleaned != 0
	j.CreatedAt = time.Unix(createdAt, 0).UTC()
	j.ExpiresAt = time.Unix(expiresAt, 0).UTC()
	j.StartedAt = unixPtr(startedAt)
	j.CompletedAt = unixPtr(completedAt)

	return j, nil
}
