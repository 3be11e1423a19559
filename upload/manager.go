// Package upload implements chunked-upload sessions: initiation, verified
// chunk storage, completion tracking and final reassembly.
package upload

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/dropscan/dropscan/filehash"
	"github.com/dropscan/dropscan/models"
)

// ErrHashMismatch is returned by Assemble when the reassembled file does not
// match the hash declared at initiation. The attempt is unrecoverable; the
// caller must restart the session.
var ErrHashMismatch = errors.New("assembled file hash mismatch")

const (
	chunkFilePattern  = "chunk_%06d"
	assembledFileName = "assembled.bin"
	defaultSessionTTL = 24 * time.Hour
)

// Manager orchestrates the lifecycle of chunked-upload sessions. Operations
// on the same session are serialized through a per-session lock; different
// sessions proceed fully in parallel.
type Manager struct {
	repo       models.SessionRepository
	dataFolder string
	sessionTTL time.Duration
	locks      *lockRegistry
	logger     *zap.Logger
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithSessionTTL sets how long a session may stay open before the expiry
// sweep removes it.
func WithSessionTTL(ttl time.Duration) ManagerOption {
	return func(m *Manager) {
		m.sessionTTL = ttl
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) ManagerOption {
	return func(m *Manager) {
		m.logger = logger
	}
}

// NewManager creates a Manager storing chunks under dataFolder, one
// directory per session.
func NewManager(repo models.SessionRepository, dataFolder string, opts ...ManagerOption) *Manager {
	m := &Manager{
		repo:       repo,
		dataFolder: dataFolder,
		sessionTTL: defaultSessionTTL,
		locks:      newLockRegistry(),
		logger:     zap.NewNop(),
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

// Initiate creates a new upload session and its empty chunk directory,
// returning the fresh session id.
func (m *Manager) Initiate(ctx context.Context, fileName string, fileSize int64, fileHash string, totalChunks int, clientID string) (string, error) {
	if totalChunks < 1 {
		return "", fmt.Errorf("total chunks must be at least 1, got %d", totalChunks)
	}

	now := time.Now().UTC()

	session := models.UploadSession{
		ID:          uuid.New().String(),
		FileName:    fileName,
		FileSize:    fileSize,
		FileHash:    fileHash,
		TotalChunks: totalChunks,
		Uploaded:    make([]bool, totalChunks),
		ClientID:    clientID,
		CreatedAt:   now,
		ExpiresAt:   now.Add(m.sessionTTL),
	}

	if err := session.Validate(); err != nil {
		return "", err
	}

	if err := os.MkdirAll(m.sessionDir(session.ID), 0o755); err != nil {
		return "", fmt.Errorf("failed to create session directory: %w", err)
	}

	if err := m.repo.Create(ctx, &session); err != nil {
		return "", err
	}

	m.logger.Info("upload session initiated",
		zap.String("session", session.ID),
		zap.String("file", fileName),
		zap.Int("chunks", totalChunks),
	)

	return session.ID, nil
}

// StoreChunk writes one chunk under the per-session lock after verifying its
// content hash against chunkHash. It returns true on success and on the
// harmless replay of an already-stored chunk, false when the hash does not
// match (the partial file is removed and the chunk must be re-uploaded).
func (m *Manager) StoreChunk(ctx context.Context, sessionID, clientID string, index int, chunk []byte, chunkHash string) (bool, error) {
	if !models.ValidSessionID(sessionID) {
		return false, models.ErrNotFound
	}

	lock := m.locks.acquire(sessionID)
	defer m.locks.release(sessionID, lock)

	session, err := m.loadSession(ctx, sessionID, clientID)
	if err != nil {
		return false, err
	}

	if index < 0 || index >= session.TotalChunks {
		return false, fmt.Errorf("chunk index %d out of range [0,%d)", index, session.TotalChunks)
	}

	if session.Uploaded[index] {
		// Idempotent replay: the chunk is already on disk and verified.
		return true, nil
	}

	path := m.chunkPath(sessionID, index)

	if err := os.WriteFile(path, chunk, 0o644); err != nil {
		return false, fmt.Errorf("failed to write chunk %d: %w", index, err)
	}

	if filehash.SumBytes(chunk) != chunkHash {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			m.logger.Warn("failed to remove rejected chunk",
				zap.String("session", sessionID),
				zap.Int("index", index),
				zap.Error(err),
			)
		}

		m.logger.Info("chunk hash mismatch",
			zap.String("session", sessionID),
			zap.Int("index", index),
		)

		return false, nil
	}

	session.Uploaded[index] = true

	if err := m.repo.Update(ctx, &session); err != nil {
		return false, err
	}

	return true, nil
}

// IsChunkUploaded reports whether chunk index has been stored and verified.
func (m *Manager) IsChunkUploaded(ctx context.Context, sessionID string, index int) (bool, error) {
	session, err := m.repo.Get(ctx, sessionID)
	if err != nil {
		return false, err
	}

	if index < 0 || index >= session.TotalChunks {
		return false, nil
	}

	return session.Uploaded[index], nil
}

// MissingChunks returns the indices not yet uploaded, for status responses.
func (m *Manager) MissingChunks(ctx context.Context, sessionID string) ([]int, error) {
	session, err := m.repo.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	var missing []int

	for i, ok := range session.Uploaded {
		if !ok {
			missing = append(missing, i)
		}
	}

	return missing, nil
}

// Complete marks the session completed once every chunk is uploaded. It
// returns true if the session is (or already was) completed, false while
// chunks are still missing.
func (m *Manager) Complete(ctx context.Context, sessionID, clientID string) (bool, error) {
	if !models.ValidSessionID(sessionID) {
		return false, models.ErrNotFound
	}

	lock := m.locks.acquire(sessionID)
	defer m.locks.release(sessionID, lock)

	session, err := m.loadSession(ctx, sessionID, clientID)
	if err != nil {
		return false, err
	}

	if session.Completed {
		return true, nil
	}

	if !session.AllUploaded() {
		return false, nil
	}

	now := time.Now().UTC()
	session.Completed = true
	session.CompletedAt = &now

	if err := m.repo.Update(ctx, &session); err != nil {
		return false, err
	}

	m.logger.Info("upload session completed", zap.String("session", sessionID))

	return true, nil
}

// Assemble concatenates the chunk files strictly in index order into one
// final file and verifies the whole-file hash declared at initiation. The
// returned path stays valid until Cleanup. Re-entry after a successful
// assembly returns the existing file unchanged.
func (m *Manager) Assemble(ctx context.Context, sessionID, clientID string) (string, error) {
	if !models.ValidSessionID(sessionID) {
		return "", models.ErrNotFound
	}

	lock := m.locks.acquire(sessionID)
	defer m.locks.release(sessionID, lock)

	session, err := m.loadSession(ctx, sessionID, clientID)
	if err != nil {
		return "", err
	}

	if !session.Completed {
		return "", models.ErrNotCompleted
	}

	outPath := filepath.Join(m.sessionDir(sessionID), assembledFileName)

	if _, err := os.Stat(outPath); err == nil {
		return outPath, nil
	}

	if err := m.concatChunks(&session, outPath); err != nil {
		return "", err
	}

	sum, err := filehash.SumFile(outPath)
	if err != nil {
		return "", err
	}

	if sum != session.FileHash {
		if err := os.Remove(outPath); err != nil && !os.IsNotExist(err) {
			m.logger.Warn("failed to remove mismatched assembly",
				zap.String("session", sessionID),
				zap.Error(err),
			)
		}

		m.logger.Info("assembled file hash mismatch",
			zap.String("session", sessionID),
			zap.String("declared", session.FileHash),
			zap.String("computed", sum),
		)

		return "", ErrHashMismatch
	}

	return outPath, nil
}

func (m *Manager) concatChunks(session *models.UploadSession, outPath string) error {
	out, err := os.Create(outPath)
	if err != nil {
		return fmt.Errorf("failed to create assembled file: %w", err)
	}

	w := bufio.NewWriter(out)

	for i := 0; i < session.TotalChunks; i++ {
		if err := m.appendChunk(w, session.ID, i); err != nil {
			out.Close()
			os.Remove(outPath)

			return err
		}
	}

	if err := w.Flush(); err != nil {
		out.Close()
		os.Remove(outPath)

		return fmt.Errorf("failed to flush assembled file: %w", err)
	}

	if err := out.Close(); err != nil {
		os.Remove(outPath)

		return fmt.Errorf("failed to close assembled file: %w", err)
	}

	return nil
}

func (m *Manager) appendChunk(w io.Writer, sessionID string, index int) error {
	f, err := os.Open(m.chunkPath(sessionID, index))
	if err != nil {
		return fmt.Errorf("missing chunk %d: %w", index, err)
	}

	defer f.Close()

	if _, err := io.Copy(w, f); err != nil {
		return fmt.Errorf("failed to copy chunk %d: %w", index, err)
	}

	return nil
}

// Cleanup removes the session's chunk directory and record. It is safe to
// call any number of times; a second call is a no-op.
func (m *Manager) Cleanup(ctx context.Context, sessionID string) error {
	if !models.ValidSessionID(sessionID) {
		return nil
	}

	lock := m.locks.acquire(sessionID)
	defer m.locks.release(sessionID, lock)

	if err := os.RemoveAll(m.sessionDir(sessionID)); err != nil {
		return fmt.Errorf("failed to remove session directory: %w", err)
	}

	if err := m.repo.Delete(ctx, sessionID); err != nil && !errors.Is(err, models.ErrNotFound) {
		return err
	}

	return nil
}

// CleanupExpired sweeps every session past its expiry. Individual failures
// are aggregated so one bad session does not stop the sweep.
func (m *Manager) CleanupExpired(ctx context.Context) error {
	expired, err := m.repo.SelectExpired(ctx, time.Now().UTC())
	if err != nil {
		return err
	}

	var errs error

	for i := range expired {
		if err := m.Cleanup(ctx, expired[i].ID); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("session %s: %w", expired[i].ID, err))
		}
	}

	if len(expired) > 0 {
		m.logger.Info("expired upload sessions cleaned", zap.Int("count", len(expired)))
	}

	return errs
}

// loadSession fetches the session, treating expired records as missing and
// enforcing that the caller owns the session.
func (m *Manager) loadSession(ctx context.Context, sessionID, clientID string) (models.UploadSession, error) {
	session, err := m.repo.Get(ctx, sessionID)
	if err != nil {
		return models.UploadSession{}, err
	}

	if session.IsExpired(time.Now().UTC()) {
		return models.UploadSession{}, models.ErrNotFound
	}

	if clientID != session.ClientID {
		return models.UploadSession{}, models.ErrAccessDenied
	}

	return session, nil
}

func (m *Manager) sessionDir(sessionID string) string {
	return filepath.Join(m.dataFolder, sessionID)
}

func (m *Manager) chunkPath(sessionID string, index int) string {
	return filepath.Join(m.sessionDir(sessionID), fmt.Sprintf(chunkFilePattern, index))
}
