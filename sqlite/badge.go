package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/dropscan/dropscan/models"
)

type BadgeRepository struct {
	db *sql.DB
}

// Insert creates a badge record. Badge CRUD beyond what analysis needs lives
// with the account service; this exists for provisioning and tests.
func (r *BadgeRepository) Insert(ctx context.Context, badge *models.Badge) error {
	const q = `INSERT INTO badges
	           (id, owner_id, file_hash, token_salt, token_hash, auto_update, update_count, updated_at)
	           VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := r.db.ExecContext(ctx, q,
		badge.ID,
		badge.OwnerID,
		badge.FileHash,
		badge.TokenSalt,
		badge.TokenHash,
		boolToInt(badge.AutoUpdate),
		badge.UpdateCount,
		badge.UpdatedAt.Unix(),
	)

	return err
}

func (r *BadgeRepository) SelectAutoUpdate(ctx context.Context, ownerID string) ([]models.Badge, error) {
	const q = `SELECT id, owner_id, file_hash, token_salt, token_hash, auto_update, update_count, updated_at
	           FROM badges WHERE owner_id = ? AND auto_update = 1`

	rows, err := r.db.QueryContext(ctx, q, ownerID)
	if err != nil {
		return nil, err
	}

	defer rows.Close()

	var ans []models.Badge

	for rows.Next() {
		badge, err := rowToBadge(rows)
		if err != nil {
			return nil, err
		}

		ans = append(ans, badge)
	}

	return ans, rows.Err()
}

func (r *BadgeRepository) SetFileHash(ctx context.Context, badgeID, fileHash string, updatedAt time.Time) error {
	const q = `UPDATE badges
	           SET file_hash = ?, update_count = update_count + 1, updated_at = ?
	           WHERE id = ?`

	res, err := r.db.ExecContext(ctx, q, fileHash, updatedAt.Unix(), badgeID)
	if err != nil {
		return err
	}

	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return models.ErrNotFound
	}

	return nil
}

func rowToBadge(row scannable) (models.Badge, error) {
	var (
		b          models.Badge
		autoUpdate int
		updatedAt  int64
	)

	err := row.Scan(
		&b.ID, &b.OwnerID, &b.FileHash, &b.TokenSalt, &b.TokenHash,
		&autoUpdate, &b.UpdateCount, &updatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return models.Badge{}, models.ErrNotFound
		}

		return models.Badge{}, err
	}

	b.AutoUpdate = autoUpdate != 0
	b.UpdatedAt = time.Unix(updatedAt, 0).UTC()

	return b, nil
}
