package models

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"time"
)

// Badge links an owner-facing badge to the hash of its most recently
// analyzed file. Badges with auto-update enabled carry a salted token hash;
// presenting the matching token during analysis re-points the badge at the
// new file.
type Badge struct {
	ID          string
	OwnerID     string
	FileHash    string
	TokenSalt   string
	TokenHash   string
	AutoUpdate  bool
	UpdateCount int
	UpdatedAt   time.Time
}

// VerifyToken checks the presented token against the stored salt and hash
// using a constant-time comparison.
func (b *Badge) VerifyToken(token string) bool {
	if token == "" || b.TokenHash == "" {
		return false
	}

	sum := sha256.Sum256([]byte(b.TokenSalt + token))
	computed := hex.EncodeToString(sum[:])

	return subtle.ConstantTimeCompare([]byte(computed), []byte(b.TokenHash)) == 1
}

// HashBadgeToken produces the stored hash for a badge token and salt.
func HashBadgeToken(salt, token string) string {
	sum := sha256.Sum256([]byte(salt + token))
	return hex.EncodeToString(sum[:])
}

type BadgeRepository interface {
	SelectAutoUpdate(ctx context.Context, ownerID string) ([]Badge, error)
	// SetFileHash points the badge at a new file hash and increments its
	// update counter.
	SetFileHash(ctx context.Context, badgeID, fileHash string, updatedAt time.Time) error
}
