package models

import (
	"context"
	"errors"
	"regexp"
	"time"
)

// UploadSession tracks one chunked-upload attempt for one logical file.
// The Uploaded slice has one entry per chunk; index i is true iff chunk i
// has been persisted and hash-verified.
type UploadSession struct {
	ID          string
	FileName    string
	FileSize    int64
	FileHash    string
	TotalChunks int
	Uploaded    []bool
	ClientID    string
	CreatedAt   time.Time
	ExpiresAt   time.Time
	Completed   bool
	CompletedAt *time.Time
}

// sessionIDRe matches the UUID format produced by Initiate. Anything else is
// rejected before it can reach the filesystem as a path component.
var sessionIDRe = regexp.MustCompile(`^[a-fA-F0-9]{8}-[a-fA-F0-9]{4}-[a-fA-F0-9]{4}-[a-fA-F0-9]{4}-[a-fA-F0-9]{12}$`)

// ValidSessionID reports whether id is a well-formed session identifier.
func ValidSessionID(id string) bool {
	return sessionIDRe.MatchString(id)
}

func (s *UploadSession) Validate() error {
	if !ValidSessionID(s.ID) {
		return errors.New("invalid session id")
	}

	if s.FileName == "" {
		return errors.New("missing file name")
	}

	if s.TotalChunks < 1 {
		return errors.New("total chunks must be at least 1")
	}

	if len(s.Uploaded) != s.TotalChunks {
		return errors.New("uploaded flags length mismatch")
	}

	if s.ClientID == "" {
		return errors.New("missing client id")
	}

	return nil
}

// AllUploaded reports whether every chunk has been stored and verified.
func (s *UploadSession) AllUploaded() bool {
	for _, ok := range s.Uploaded {
		if !ok {
			return false
		}
	}

	return true
}

// IsExpired reports whether the session is past its expiry at the given time.
func (s *UploadSession) IsExpired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

type SessionRepository interface {
	Get(ctx context.Context, id string) (UploadSession, error)
	Create(ctx context.Context, session *UploadSession) error
	Update(ctx context.Context, session *UploadSession) error
	Delete(ctx context.Context, id string) error
	SelectExpired(ctx context.Context, now time.Time) ([]UploadSession, error)
}
