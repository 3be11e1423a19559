package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/dropscan/dropscan/models"
)

type SessionRepository struct {
	db *sql.DB
}

func (r *SessionRepository) Get(ctx context.Context, id string) (models.UploadSession, error) {
	const q = `SELECT id, file_name, file_size, file_hash, total_chunks, uploaded, client_id,
	                  created_at, expires_at, completed, completed_at
	           FROM upload_sessions WHERE id = ?`

	return rowToSession(r.db.QueryRowContext(ctx, q, id))
}

func (r *SessionRepository) Create(ctx context.Context, session *models.UploadSession) error {
	flags, err := json.Marshal(session.Uploaded)
	if err != nil {
		return err
	}

	const q = `INSERT INTO upload_sessions
	           (id, file_name, file_size, file_hash, total_chunks, uploaded, client_id, created_at, expires_at, completed, completed_at)
	           VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = r.db.ExecContext(ctx, q,
		session.ID,
		session.FileName,
		session.FileSize,
		session.FileHash,
		session.TotalChunks,
		string(flags),
		session.ClientID,
		session.CreatedAt.Unix(),
		session.ExpiresAt.Unix(),
		boolToInt(session.Completed),
		nullableUnix(session.CompletedAt),
	)

	return err
}

func (r *SessionRepository) Update(ctx context.Context, session *models.UploadSession) error {
	flags, err := json.Marshal(session.Uploaded)
	if err != nil {
		return err
	}

	const q = `UPDATE upload_sessions
	           SET uploaded = ?, completed = ?, completed_at = ?, expires_at = ?
	           WHERE id = ?`

	res, err := r.db.ExecContext(ctx, q,
		string(flags),
		boolToInt(session.Completed),
		nullableUnix(session.CompletedAt),
		session.ExpiresAt.Unix(),
		session.ID,
	)
	if err != nil {
		return err
	}

	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return models.ErrNotFound
	}

	return nil
}

func (r *SessionRepository) Delete(ctx context.Context, id string) error {
	const q = `DELETE FROM upload_sessions WHERE id = ?`

	res, err := r.db.ExecContext(ctx, q, id)
	if err != nil {
		return err
	}

	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return models.ErrNotFound
	}

	return nil
}

func (r *SessionRepository) SelectExpired(ctx context.Context, now time.Time) ([]models.UploadSession, error) {
	const q = `SELECT id, file_name, file_size, file_hash, total_chunks, uploaded, client_id,
	                  created_at, expires_at, completed, completed_at
	           FROM upload_sessions WHERE expires_at < ?`

	rows, err := r.db.QueryContext(ctx, q, now.Unix())
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
		s           models.UploadSession
		flags       string
		createdAt   int64
		expiresAt   int64
		completed   int
		completedAt sql.NullInt64
	)

	err := row.Scan(
		&s.ID, &s.FileName, &s.FileSize, &s.FileHash, &s.TotalChunks,
		&flags, &s.ClientID, &createdAt, &expiresAt, &completed, &completedAt,
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

	s.CreatedAt = time.Unix(createdAt, 0).UTC()
	s.ExpiresAt = time.Unix(expiresAt, 0).UTC()
	s.Completed = completed != 0
	s.CompletedAt = unixPtr(completedAt)

	return s, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}

	return 0
}
