package models

import (
	"context"
	"errors"
	"time"
)

const (
	JobStatusPending    = "pending"
	JobStatusProcessing = "processing"
	JobStatusCompleted  = "completed"
	JobStatusFailed     = "failed"
)

// AnalysisJob is one unit of background analysis work tied to a content hash
// and the requester context that submitted it.
type AnalysisJob struct {
	ID          string
	Status      string
	FileName    string
	FileHash    string
	FileSize    int64
	OwnerID     string
	APIKeyID    string
	ClientAddr  string
	ForceRescan bool
	BadgeToken  string
	CreatedAt   time.Time
	ExpiresAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
	TempPath    string
	TempCleaned bool
	Result      []byte
	Error       string
	RetryCount  int
}

func (j *AnalysisJob) Validate() error {
	if j.ID == "" {
		return errors.New("missing id")
	}

	if j.Status == "" {
		return errors.New("missing status")
	}

	if j.FileName == "" {
		return errors.New("missing file name")
	}

	if j.FileHash == "" {
		return errors.New("missing file hash")
	}

	if j.CreatedAt.IsZero() {
		return errors.New("missing created at")
	}

	return nil
}

// IsTerminal reports whether the job reached a final state. Terminal jobs
// never transition again.
func (j *AnalysisJob) IsTerminal() bool {
	return j.Status == JobStatusCompleted || j.Status == JobStatusFailed
}

func (j *AnalysisJob) IsExpired(now time.Time) bool {
	return now.After(j.ExpiresAt)
}

type JobRepository interface {
	Get(ctx context.Context, id string) (AnalysisJob, error)
	Create(ctx context.Context, job *AnalysisJob) error
	Update(ctx context.Context, job *AnalysisJob) error
	Delete(ctx context.Context, id string) error
	SelectExpired(ctx context.Context, now time.Time) ([]AnalysisJob, error)
}
