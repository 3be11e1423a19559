// Package memory provides in-process repository implementations, used by
// tests and single-node runs.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/dropscan/dropscan/models"
)

type SessionRepository struct {
	mu    sync.RWMutex
	items map[string]models.UploadSession
}

func NewSessionRepository() *SessionRepository {
	return &SessionRepository{items: make(map[string]models.UploadSession)}
}

func (r *SessionRepository) Get(_ context.Context, id string) (models.UploadSession, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	session, ok := r.items[id]
	if !ok {
		return models.UploadSession{}, models.ErrNotFound
	}

	return copySession(session), nil
}

func (r *SessionRepository) Create(_ context.Context, session *models.UploadSession) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.items[session.ID]; ok {
		return models.ErrAlreadyExists
	}

	r.items[session.ID] = copySession(*session)

	return nil
}

func (r *SessionRepository) Update(_ context.Context, session *models.UploadSession) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.items[session.ID]; !ok {
		return models.ErrNotFound
	}

	r.items[session.ID] = copySession(*session)

	return nil
}

func (r *SessionRepository) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.items[id]; !ok {
		return models.ErrNotFound
	}

	delete(r.items, id)

	return nil
}

func (r *SessionRepository) SelectExpired(_ context.Context, now time.Time) ([]models.UploadSession, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var expired []models.UploadSession

	for _, session := range r.items {
		if session.IsExpired(now) {
			expired = append(expired, copySession(session))
		}
	}

	return expired, nil
}

// copySession clones the uploaded-flag slice so callers never alias the
// stored record.
func copySession(s models.UploadSession) models.UploadSession {
	flags := make([]bool, len(s.Uploaded))
	copy(flags, s.Uploaded)
	s.Uploaded = flags

	return s
}

type JobRepository struct {
	mu    sync.RWMutex
	items map[string]models.AnalysisJob
}

func NewJobRepository() *JobRepository {
	return &JobRepository{items: make(map[string]models.AnalysisJob)}
}

func (r *JobRepository) Get(_ context.Context, id string) (models.AnalysisJob, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	job, ok := r.items[id]
	if !ok {
		return models.AnalysisJob{}, models.ErrNotFound
	}

	return job, nil
}

func (r *JobRepository) Create(_ context.Context, job *models.AnalysisJob) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.items[job.ID]; ok {
		return models.ErrAlreadyExists
	}

	r.items[job.ID] = *job

	return nil
}

func (r *JobRepository) Update(_ context.Context, job *models.AnalysisJob) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.items[job.ID]; !ok {
		return models.ErrNotFound
	}

	r.items[job.ID] = *job

	return nil
}

func (r *JobRepository) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.items[id]; !ok {
		return models.ErrNotFound
	}

	delete(r.items, id)

	return nil
}

func (r *JobRepository) SelectExpired(_ context.Context, now time.Time) ([]models.AnalysisJob, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var expired []models.AnalysisJob

	for _, job := range r.items {
		if job.IsExpired(now) {
			expired = append(expired, job)
		}
	}

	return expired, nil
}

type FileRepository struct {
	mu    sync.RWMutex
	items map[string]models.ScannedFile
}

func NewFileRepository() *FileRepository {
	return &FileRepository{items: make(map[string]models.ScannedFile)}
}

func (r *FileRepository) Get(_ context.Context, fileHash string) (models.ScannedFile, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	file, ok := r.items[fileHash]
	if !ok {
		return models.ScannedFile{}, models.ErrNotFound
	}

	return file, nil
}

func (r *FileRepository) Upsert(_ context.Context, file *models.ScannedFile) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.items[file.FileHash] = *file

	return nil
}

func (r *FileRepository) IncrementScanCount(_ context.Context, fileHash, ownerID string, scannedAt time.Time) (models.ScannedFile, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	file, ok := r.items[fileHash]
	if !ok {
		return models.ScannedFile{}, models.ErrNotFound
	}

	file.ScanCount++
	file.LastScannedAt = scannedAt

	if file.OwnerID == "" && ownerID != "" {
		file.OwnerID = ownerID
	}

	r.items[fileHash] = file

	return file, nil
}

type BadgeRepository struct {
	mu    sync.RWMutex
	items map[string]models.Badge
}

func NewBadgeRepository() *BadgeRepository {
	return &BadgeRepository{items: make(map[string]models.Badge)}
}

func (r *BadgeRepository) Put(badge models.Badge) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.items[badge.ID] = badge
}

func (r *BadgeRepository) Get(id string) (models.Badge, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	badge, ok := r.items[id]

	return badge, ok
}

func (r *BadgeRepository) SelectAutoUpdate(_ context.Context, ownerID string) ([]models.Badge, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var badges []models.Badge

	for _, badge := range r.items {
		if badge.OwnerID == ownerID && badge.AutoUpdate {
			badges = append(badges, badge)
		}
	}

	return badges, nil
}

func (r *BadgeRepository) SetFileHash(_ context.Context, badgeID, fileHash string, updatedAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	badge, ok := r.items[badgeID]
	if !ok {
		return models.ErrNotFound
	}

	badge.FileHash = fileHash
	badge.UpdateCount++
	badge.UpdatedAt = updatedAt

	r.items[badgeID] = badge

	return nil
}
