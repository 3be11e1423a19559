// Package analysis orchestrates background analysis jobs: creating them from
// uploaded streams, bridging synchronous callers to the worker queue with a
// bounded wait, and running the worker-side state machine.
package analysis

import (
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
	"github.com/dropscan/dropscan/signal"
	"github.com/dropscan/dropscan/tlmt"
)

// Queue is the background queue collaborator. Delivery is at-least-once; the
// Pending-only guard in ProcessJob makes duplicate deliveries harmless.
type Queue interface {
	Enqueue(ctx context.Context, jobID string) error
}

const (
	defaultJobTTL    = 24 * time.Hour
	defaultSignalTTL = time.Minute

	pollStart  = 100 * time.Millisecond
	pollFactor = 1.5
	pollCap    = time.Second
)

// Orchestrator owns the analysis-job lifecycle on both sides of the queue.
type Orchestrator struct {
	jobs       models.JobRepository
	files      models.FileRepository
	badges     models.BadgeRepository
	engine     models.Engine
	queue      Queue
	signals    signal.Cache
	telemetry  tlmt.Telemetry
	tempFolder string
	jobTTL     time.Duration
	signalTTL  time.Duration
	logger     *zap.Logger
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithJobTTL sets how long job records survive before the expiry sweep.
func WithJobTTL(ttl time.Duration) Option {
	return func(o *Orchestrator) {
		o.jobTTL = ttl
	}
}

// WithSignalTTL sets the lifetime of completion-signal cache entries.
func WithSignalTTL(ttl time.Duration) Option {
	return func(o *Orchestrator) {
		o.signalTTL = ttl
	}
}

// WithTelemetry sets the telemetry sink for scan events.
func WithTelemetry(t tlmt.Telemetry) Option {
	return func(o *Orchestrator) {
		o.telemetry = t
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *Orchestrator) {
		o.logger = logger
	}
}

// NewOrchestrator creates an Orchestrator writing temp artifacts under
// tempFolder, one file per job.
func NewOrchestrator(
	jobs models.JobRepository,
	files models.FileRepository,
	badges models.BadgeRepository,
	engine models.Engine,
	queue Queue,
	signals signal.Cache,
	tempFolder string,
	opts ...Option,
) *Orchestrator {
	o := &Orchestrator{
		jobs:       jobs,
		files:      files,
		badges:     badges,
		engine:     engine,
		queue:      queue,
		signals:    signals,
		telemetry:  tlmt.NewNoop(),
		tempFolder: tempFolder,
		jobTTL:     defaultJobTTL,
		signalTTL:  defaultSignalTTL,
		logger:     zap.NewNop(),
	}

	for _, opt := range opts {
		opt(o)
	}

	return o
}

// CreateParams carries the requester context for a new job.
type CreateParams struct {
	FileName    string
	FileSize    int64
	OwnerID     string
	APIKeyID    string
	ClientAddr  string
	ForceRescan bool
	BadgeToken  string
}

// CreateJob copies the stream to a fresh temp artifact, computing its
// content hash on the way through, and persists a pending job record. The
// call is bounded by stream size, never by analysis time.
func (o *Orchestrator) CreateJob(ctx context.Context, r io.Reader, params CreateParams) (models.AnalysisJob, error) {
	if err := os.MkdirAll(o.tempFolder, 0o755); err != nil {
		return models.AnalysisJob{}, fmt.Errorf("failed to create temp folder: %w", err)
	}

	id := uuid.New().String()
	tempPath := filepath.Join(o.tempFolder, id+".tmp")

	f, err := os.Create(tempPath)
	if err != nil {
		return models.AnalysisJob{}, fmt.Errorf("failed to create temp artifact: %w", err)
	}

	sum, err := filehash.Sum(io.TeeReader(r, f))
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}

	if err != nil {
		os.Remove(tempPath)

		return models.AnalysisJob{}, fmt.Errorf("failed to persist upload stream: %w", err)
	}

	now := time.Now().UTC()

	job := models.AnalysisJob{
		ID:          id,
		Status:      models.JobStatusPending,
		FileName:    params.FileName,
		FileHash:    sum,
		FileSize:    params.FileSize,
		OwnerID:     params.OwnerID,
		APIKeyID:    params.APIKeyID,
		ClientAddr:  params.ClientAddr,
		ForceRescan: params.ForceRescan,
		BadgeToken:  params.BadgeToken,
		CreatedAt:   now,
		ExpiresAt:   now.Add(o.jobTTL),
		TempPath:    tempPath,
	}

	if err := o.jobs.Create(ctx, &job); err != nil {
		os.Remove(tempPath)

		return models.AnalysisJob{}, err
	}

	o.logger.Info("analysis job created",
		zap.String("job", job.ID),
		zap.String("hash", job.FileHash),
		zap.String("file", job.FileName),
	)

	return job, nil
}

// Enqueue submits the job id to the background queue. Delivery guarantees
// beyond submission belong to the queue itself.
func (o *Orchestrator) Enqueue(ctx context.Context, job *models.AnalysisJob) error {
	return o.queue.Enqueue(ctx, job.ID)
}

// WaitForCompletion polls until the job reaches a terminal state or timeout
// elapses. Each iteration first checks the cheap completion signal, then
// falls back to the job record. Timing out is a defined outcome, not an
// error: the last fetched record is returned even if still non-terminal, and
// the job keeps running on the worker side regardless. Caller cancellation
// aborts only the wait.
func (o *Orchestrator) WaitForCompletion(ctx context.Context, jobID string, timeout time.Duration) (models.AnalysisJob, error) {
	deadline := time.Now().Add(timeout)
	interval := pollStart

	var last models.AnalysisJob

	for {
		if _, ok, err := o.signals.Get(ctx, signalKey(jobID)); err == nil && ok {
			return o.jobs.Get(ctx, jobID)
		}

		job, err := o.jobs.Get(ctx, jobID)
		if err != nil {
			return models.AnalysisJob{}, err
		}

		last = job

		if job.IsTerminal() {
			return job, nil
		}

		if time.Now().After(deadline) {
			return last, nil
		}

		select {
		case <-ctx.Done():
			return last, ctx.Err()
		case <-time.After(interval):
		}

		interval = time.Duration(float64(interval) * pollFactor)
		if interval > pollCap {
			interval = pollCap
		}
	}
}

// ProcessJob is the worker-side entry point, invoked by the queue. It runs
// the full state machine for one job: validate, dedupe or analyze, persist
// the terminal state, signal completion and clean the temp artifact. A
// non-pending job is a duplicate delivery and is skipped.
func (o *Orchestrator) ProcessJob(ctx context.Context, jobID string) error {
	job, err := o.jobs.Get(ctx, jobID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil
		}

		return err
	}

	if job.Status != models.JobStatusPending {
		return nil
	}

	now := time.Now().UTC()
	job.Status = models.JobStatusProcessing
	job.StartedAt = &now

	if err := o.jobs.Update(ctx, &job); err != nil {
		return err
	}

	// Whatever happens below, the job must end terminal and the signal must
	// be written, so no waiter hangs past its timeout because the worker
	// crashed mid-flight.
	defer func() {
		if r := recover(); r != nil {
			o.finalizeFailed(ctx, &job, fmt.Sprintf("worker panic: %v", r), now)
			panic(r)
		}
	}()

	result, err := o.runJob(ctx, &job)
	if err != nil {
		o.finalizeFailed(ctx, &job, err.Error(), now)

		return fmt.Errorf("job %s: %w", job.ID, err)
	}

	if err := o.finalizeCompleted(ctx, &job, result, now); err != nil {
		return err
	}

	return nil
}

// runJob performs steps 3-5 of the processing state machine and returns the
// terminal result.
func (o *Orchestrator) runJob(ctx context.Context, job *models.AnalysisJob) (*models.ScanResult, error) {
	if _, err := os.Stat(job.TempPath); err != nil {
		return nil, fmt.Errorf("temp artifact missing: %w", err)
	}

	processable, err := o.engine.CanProcess(ctx, job.TempPath)
	if err != nil {
		return nil, fmt.Errorf("engine rejected artifact: %w", err)
	}

	if !processable {
		// A legitimate outcome, not a failure.
		return &models.ScanResult{
			Outcome:  models.OutcomeUnsupported,
			FileHash: job.FileHash,
			FileName: job.FileName,
		}, nil
	}

	existing, err := o.files.Get(ctx, job.FileHash)

	switch {
	case errors.Is(err, models.ErrNotFound):
		return o.analyzeNew(ctx, job)
	case err != nil:
		return nil, err
	case job.ForceRescan:
		return o.reanalyze(ctx, job)
	default:
		return o.skipKnown(ctx, job, existing)
	}
}

func (o *Orchestrator) analyzeNew(ctx context.Context, job *models.AnalysisJob) (*models.ScanResult, error) {
	report, err := o.engine.Analyze(ctx, job.TempPath)
	if err != nil {
		return nil, fmt.Errorf("analysis failed: %w", err)
	}

	now := time.Now().UTC()

	file := models.ScannedFile{
		FileHash:       job.FileHash,
		FileName:       job.FileName,
		FileSize:       job.FileSize,
		Score:          report.Score,
		Features:       report.Features,
		Metadata:       report.Metadata,
		OwnerID:        job.OwnerID,
		ScanCount:      1,
		FirstScannedAt: now,
		LastScannedAt:  now,
	}

	if err := o.files.Upsert(ctx, &file); err != nil {
		return nil, err
	}

	o.applyBadgeToken(ctx, job)

	return &models.ScanResult{
		Outcome:   models.OutcomeAnalyzed,
		FileHash:  job.FileHash,
		FileName:  job.FileName,
		Score:     report.Score,
		Features:  report.Features,
		Metadata:  report.Metadata,
		ScanCount: 1,
	}, nil
}

func (o *Orchestrator) reanalyze(ctx context.Context, job *models.AnalysisJob) (*models.ScanResult, error) {
	report, err := o.engine.Analyze(ctx, job.TempPath)
	if err != nil {
		return nil, fmt.Errorf("analysis failed: %w", err)
	}

	now := time.Now().UTC()

	file, err := o.files.IncrementScanCount(ctx, job.FileHash, job.OwnerID, now)
	if err != nil {
		return nil, err
	}

	file.Score = report.Score
	file.Features = report.Features
	file.Metadata = report.Metadata
	file.LastScannedAt = now

	if err := o.files.Upsert(ctx, &file); err != nil {
		return nil, err
	}

	return &models.ScanResult{
		Outcome:   models.OutcomeRescanned,
		FileHash:  job.FileHash,
		FileName:  job.FileName,
		Score:     report.Score,
		Features:  report.Features,
		Metadata:  report.Metadata,
		ScanCount: file.ScanCount,
	}, nil
}

func (o *Orchestrator) skipKnown(ctx context.Context, job *models.AnalysisJob, existing models.ScannedFile) (*models.ScanResult, error) {
	file, err := o.files.IncrementScanCount(ctx, job.FileHash, job.OwnerID, time.Now().UTC())
	if err != nil {
		return nil, err
	}

	return &models.ScanResult{
		Outcome:   models.OutcomeKnown,
		FileHash:  existing.FileHash,
		FileName:  existing.FileName,
		Score:     existing.Score,
		Features:  existing.Features,
		Metadata:  existing.Metadata,
		ScanCount: file.ScanCount,
	}, nil
}

// applyBadgeToken re-points every badge of the job owner whose stored token
// hash matches the presented token at the newly analyzed file. Non-matches
// are untouched; no token means no-op. Badge failures never fail the job.
func (o *Orchestrator) applyBadgeToken(ctx context.Context, job *models.AnalysisJob) {
	if job.BadgeToken == "" || job.OwnerID == "" {
		return
	}

	badges, err := o.badges.SelectAutoUpdate(ctx, job.OwnerID)
	if err != nil {
		o.logger.Warn("failed to load badges", zap.String("job", job.ID), zap.Error(err))

		return
	}

	now := time.Now().UTC()

	for i := range badges {
		if !badges[i].VerifyToken(job.BadgeToken) {
			continue
		}

		if err := o.badges.SetFileHash(ctx, badges[i].ID, job.FileHash, now); err != nil {
			o.logger.Warn("failed to update badge",
				zap.String("job", job.ID),
				zap.String("badge", badges[i].ID),
				zap.Error(err),
			)
		}
	}
}

func (o *Orchestrator) finalizeCompleted(ctx context.Context, job *models.AnalysisJob, result *models.ScanResult, startedAt time.Time) error {
	// The task context may already be cancelled by now; the terminal state
	// and the signal must still be written.
	ctx = context.WithoutCancel(ctx)

	payload, err := models.SerializeResult(result)
	if err != nil {
		o.finalizeFailed(ctx, job, err.Error(), startedAt)

		return err
	}

	now := time.Now().UTC()
	job.Status = models.JobStatusCompleted
	job.Result = payload
	job.Error = ""
	job.CompletedAt = &now

	o.cleanTempArtifact(job)

	if err := o.jobs.Update(ctx, job); err != nil {
		return err
	}

	o.writeSignal(ctx, job)

	o.sendEvent(ctx, "scan.completed", map[string]any{
		"outcome":     result.Outcome,
		"duration_ms": now.Sub(startedAt).Milliseconds(),
		"size_bytes":  job.FileSize,
	})

	o.logger.Info("analysis job completed",
		zap.String("job", job.ID),
		zap.String("outcome", result.Outcome),
	)

	return nil
}

// finalizeFailed marks the job failed and writes the completion signal. It
// must not itself fail the caller: errors here are logged and swallowed so
// the original failure propagates.
func (o *Orchestrator) finalizeFailed(ctx context.Context, job *models.AnalysisJob, msg string, startedAt time.Time) {
	// A cancelled task context is a common way to get here; detach so the
	// failed state and the signal still reach the store.
	ctx = context.WithoutCancel(ctx)

	now := time.Now().UTC()
	job.Status = models.JobStatusFailed
	job.Error = msg
	job.Result = nil
	job.CompletedAt = &now
	job.RetryCount++

	o.cleanTempArtifact(job)

	if err := o.jobs.Update(ctx, job); err != nil {
		o.logger.Error("failed to persist failed job", zap.String("job", job.ID), zap.Error(err))
	}

	o.writeSignal(ctx, job)

	o.sendEvent(ctx, "scan.failed", map[string]any{
		"error":       msg,
		"duration_ms": now.Sub(startedAt).Milliseconds(),
	})

	o.logger.Warn("analysis job failed", zap.String("job", job.ID), zap.String("error", msg))
}

// cleanTempArtifact deletes the job's temp file. Idempotent: a missing file
// is fine.
func (o *Orchestrator) cleanTempArtifact(job *models.AnalysisJob) {
	if job.TempCleaned {
		return
	}

	if err := os.Remove(job.TempPath); err != nil && !os.IsNotExist(err) {
		o.logger.Warn("failed to remove temp artifact", zap.String("job", job.ID), zap.Error(err))

		return
	}

	job.TempCleaned = true
}

func (o *Orchestrator) writeSignal(ctx context.Context, job *models.AnalysisJob) {
	if err := o.signals.Set(ctx, signalKey(job.ID), job.Status, o.signalTTL); err != nil {
		o.logger.Warn("failed to write completion signal", zap.String("job", job.ID), zap.Error(err))
	}
}

func (o *Orchestrator) sendEvent(ctx context.Context, name string, props map[string]any) {
	if err := o.telemetry.Send(ctx, tlmt.NewEvent(name, props)); err != nil {
		o.logger.Debug("telemetry send failed", zap.Error(err))
	}
}

// CleanupExpiredJobs sweeps job records past their expiry, deleting any temp
// artifact not yet cleaned before removing the record.
func (o *Orchestrator) CleanupExpiredJobs(ctx context.Context) error {
	expired, err := o.jobs.SelectExpired(ctx, time.Now().UTC())
	if err != nil {
		return err
	}

	var errs error

	for i := range expired {
		job := expired[i]

		o.cleanTempArtifact(&job)

		if err := o.jobs.Delete(ctx, job.ID); err != nil && !errors.Is(err, models.ErrNotFound) {
			errs = multierr.Append(errs, fmt.Errorf("job %s: %w", job.ID, err))
		}
	}

	if len(expired) > 0 {
		o.logger.Info("expired analysis jobs cleaned", zap.Int("count", len(expired)))
	}

	return errs
}

func signalKey(jobID string) string {
	return "analysis:done:" + jobID
}
