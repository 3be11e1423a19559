package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/dropscan/dropscan/models"
)

type FileRepository struct {
	db *sql.DB
}

func (r *FileRepository) Get(ctx context.Context, fileHash string) (models.ScannedFile, error) {
	const q = `SELECT file_hash, file_name, file_size, score, features, metadata, owner_id,
	                  scan_count, first_scanned_at, last_scanned_at
	           FROM scanned_files WHERE file_hash = ?`

	return rowToFile(r.db.QueryRowContext(ctx, q, fileHash))
}

func (r *FileRepository) Upsert(ctx context.Context, file *models.ScannedFile) error {
	features, err := json.Marshal(orEmptyList(file.Features))
	if err != nil {
		return err
	}

	metadata, err := json.Marshal(orEmptyMap(file.Metadata))
	if err != nil {
		return err
	}

	const q = `INSERT INTO scanned_files
	           (file_hash, file_name, file_size, score, features, metadata, owner_id, scan_count, first_scanned_at, last_scanned_at)
	           VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	           ON CONFLICT (file_hash) DO UPDATE SET
	               file_name = excluded.file_name,
	               file_size = excluded.file_size,
	               score = excluded.score,
	               features = excluded.features,
	               metadata = excluded.metadata,
	               owner_id = excluded.owner_id,
	               scan_count = excluded.scan_count,
	               last_scanned_at = excluded.last_scanned_at`

	_, err = r.db.ExecContext(ctx, q,
		file.FileHash,
		file.FileName,
		file.FileSize,
		file.Score,
		string(features),
		string(metadata),
		file.OwnerID,
		file.ScanCount,
		file.FirstScannedAt.Unix(),
		file.LastScannedAt.Unix(),
	)

	return err
}

func (r *FileRepository) IncrementScanCount(ctx context.Context, fileHash, ownerID string, scannedAt time.Time) (models.ScannedFile, error) {
	const q = `UPDATE scanned_files
	           SET scan_count = scan_count + 1,
	               last_scanned_at = ?,
	               owner_id = CASE WHEN owner_id = '' AND ? != '' THEN ? ELSE owner_id END
	           WHERE file_hash = ?`

	res, err := r.db.ExecContext(ctx, q, scannedAt.Unix(), ownerID, ownerID, fileHash)
	if err != nil {
		return models.ScannedFile{}, err
	}

	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return models.ScannedFile{}, models.ErrNotFound
	}

	return r.Get(ctx, fileHash)
}

func rowToFile(row scannable) (models.ScannedFile, error) {
	var (
		f              models.ScannedFile
		features       string
		metadata       string
		firstScannedAt int64
		lastScannedAt  int64
	)

	err := row.Scan(
		&f.FileHash, &f.FileName, &f.FileSize, &f.Score,
		&features, &metadata, &f.OwnerID, &f.ScanCount,
		&firstScannedAt, &lastScannedAt,
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

	f.FirstScannedAt = time.Unix(firstScannedAt, 0).UTC()
	f.LastScannedAt = time.Unix(lastScannedAt, 0).UTC()

	return f, nil
}

func orEmptyList(v []string) []string {
	if v == nil {
		return []string{}
	}

	return v
}

func orEmptyMap(v map[string]string) map[string]string {
	if v == nil {
		return map[string]string{}
	}

	return v
}
