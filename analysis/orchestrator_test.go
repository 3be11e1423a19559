package analysis_test

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dropscan/dropscan/analysis"
	"github.com/dropscan/dropscan/filehash"
	"github.com/dropscan/dropscan/memory"
	"github.com/dropscan/dropscan/models"
	"github.com/dropscan/dropscan/signal"
)

type stubEngine struct {
	processable  bool
	report       *models.Report
	canErr       error
	analyzeErr   error
	analyzeCalls atomic.Int32
	panicOnce    bool
}

func (e *stubEngine) CanProcess(context.Context, string) (bool, error) {
	return e.processable, e.canErr
}

func (e *stubEngine) Analyze(context.Context, string) (*models.Report, error) {
	e.analyzeCalls.Add(1)

	if e.panicOnce {
		e.panicOnce = false
		panic("engine blew up")
	}

	if e.analyzeErr != nil {
		return nil, e.analyzeErr
	}

	return e.report, nil
}

type recordingQueue struct {
	ids []string
}

func (q *recordingQueue) Enqueue(_ context.Context, jobID string) error {
	q.ids = append(q.ids, jobID)

	return nil
}

type fixture struct {
	orch    *analysis.Orchestrator
	jobs    *memory.JobRepository
	files   *memory.FileRepository
	badges  *memory.BadgeRepository
	engine  *stubEngine
	queue   *recordingQueue
	signals signal.Cache
}

func newFixture(t *testing.T, opts ...analysis.Option) *fixture {
	t.Helper()

	f := &fixture{
		jobs:   memory.NewJobRepository(),
		files:  memory.NewFileRepository(),
		badges: memory.NewBadgeRepository(),
		engine: &stubEngine{
			processable: true,
			report: &models.Report{
				Score:    0.42,
				Features: []string{"text"},
				Metadata: map[string]string{"lang": "en"},
			},
		},
		queue:   &recordingQueue{},
		signals: signal.NewMemory(),
	}

	f.orch = analysis.NewOrchestrator(
		f.jobs, f.files, f.badges, f.engine, f.queue, f.signals, t.TempDir(), opts...,
	)

	return f
}

func (f *fixture) createJob(t *testing.T, content string, params analysis.CreateParams) models.AnalysisJob {
	t.Helper()

	if params.FileName == "" {
		params.FileName = "sample.bin"
	}

	params.FileSize = int64(len(content))

	job, err := f.orch.CreateJob(context.Background(), strings.NewReader(content), params)
	require.NoError(t, err)

	return job
}

func TestCreateJob(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	content := "file under analysis"
	job := f.createJob(t, content, analysis.CreateParams{OwnerID: "owner-1"})

	assert.Equal(t, models.JobStatusPending, job.Status)
	assert.Equal(t, filehash.SumBytes([]byte(content)), job.FileHash)
	assert.Equal(t, "owner-1", job.OwnerID)
	assert.False(t, job.ExpiresAt.Before(job.CreatedAt))

	// The temp artifact holds exactly the streamed bytes.
	data, err := os.ReadFile(job.TempPath)
	require.NoError(t, err)
	assert.Equal(t, content, string(data))

	stored, err := f.jobs.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, job.FileHash, stored.FileHash)
}

func TestEnqueue(t *testing.T) {
	f := newFixture(t)

	job := f.createJob(t, "queued content", analysis.CreateParams{})
	require.NoError(t, f.orch.Enqueue(context.Background(), &job))

	assert.Equal(t, []string{job.ID}, f.queue.ids)
}

func TestProcessJobNewFile(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	content := "never seen before"
	job := f.createJob(t, content, analysis.CreateParams{OwnerID: "owner-1"})

	require.NoError(t, f.orch.ProcessJob(ctx, job.ID))

	processed, err := f.jobs.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, processed.Status)
	assert.NotNil(t, processed.StartedAt)
	assert.NotNil(t, processed.CompletedAt)
	assert.NoFileExists(t, processed.TempPath)

	result, err := models.DeserializeResult(processed.Result)
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeAnalyzed, result.Outcome)
	assert.Equal(t, 0.42, result.Score)
	assert.Equal(t, 1, result.ScanCount)

	file, err := f.files.Get(ctx, job.FileHash)
	require.NoError(t, err)
	assert.Equal(t, 1, file.ScanCount)
	assert.Equal(t, "owner-1", file.OwnerID)

	// Completion signal is in place for waiters.
	_, ok, err := f.signals.Get(ctx, "analysis:done:"+job.ID)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestProcessJobKnownFileSkipsEngine(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	content := "same bytes twice"

	first := f.createJob(t, content, analysis.CreateParams{})
	require.NoError(t, f.orch.ProcessJob(ctx, first.ID))
	require.Equal(t, int32(1), f.engine.analyzeCalls.Load())

	second := f.createJob(t, content, analysis.CreateParams{OwnerID: "owner-2"})
	require.NoError(t, f.orch.ProcessJob(ctx, second.ID))

	// The second delivery of the same content must not re-run the engine.
	assert.Equal(t, int32(1), f.engine.analyzeCalls.Load())

	processed, err := f.jobs.Get(ctx, second.ID)
	require.NoError(t, err)

	result, err := models.DeserializeResult(processed.Result)
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeKnown, result.Outcome)
	assert.Equal(t, 2, result.ScanCount)

	// An anonymous record picks up the owner of the later scan.
	file, err := f.files.Get(ctx, first.FileHash)
	require.NoError(t, err)
	assert.Equal(t, "owner-2", file.OwnerID)
}

func TestProcessJobForceRescan(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	content := "rescan me"

	first := f.createJob(t, content, analysis.CreateParams{})
	require.NoError(t, f.orch.ProcessJob(ctx, first.ID))

	f.engine.report = &models.Report{Score: 0.99, Features: []string{"updated"}}

	second := f.createJob(t, content, analysis.CreateParams{ForceRescan: true})
	require.NoError(t, f.orch.ProcessJob(ctx, second.ID))

	assert.Equal(t, int32(2), f.engine.analyzeCalls.Load())

	processed, err := f.jobs.Get(ctx, second.ID)
	require.NoError(t, err)

	result, err := models.DeserializeResult(processed.Result)
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeRescanned, result.Outcome)
	assert.Equal(t, 0.99, result.Score)
	assert.Equal(t, 2, result.ScanCount)

	file, err := f.files.Get(ctx, first.FileHash)
	require.NoError(t, err)
	assert.Equal(t, 0.99, file.Score)
	assert.Equal(t, []string{"updated"}, file.Features)
}

func TestProcessJobUnsupportedContent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.engine.processable = false

	job := f.createJob(t, "binary soup", analysis.CreateParams{})
	require.NoError(t, f.orch.ProcessJob(ctx, job.ID))

	processed, err := f.jobs.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, processed.Status)

	result, err := models.DeserializeResult(processed.Result)
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeUnsupported, result.Outcome)

	// Unsupported content leaves no scanned-file record behind.
	_, err = f.files.Get(ctx, job.FileHash)
	assert.ErrorIs(t, err, models.ErrNotFound)
	assert.Equal(t, int32(0), f.engine.analyzeCalls.Load())
}

func TestProcessJobEngineFailure(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.engine.analyzeErr = errors.New("parser crashed")

	job := f.createJob(t, "poison pill", analysis.CreateParams{})

	err := f.orch.ProcessJob(ctx, job.ID)
	require.Error(t, err)

	processed, getErr := f.jobs.Get(ctx, job.ID)
	require.NoError(t, getErr)
	assert.Equal(t, models.JobStatusFailed, processed.Status)
	assert.Contains(t, processed.Error, "parser crashed")
	assert.Nil(t, processed.Result)
	assert.NotNil(t, processed.CompletedAt)
	assert.Equal(t, 1, processed.RetryCount)
	assert.NoFileExists(t, processed.TempPath)

	// Failure still signals completion so no waiter hangs.
	value, ok, err := f.signals.Get(ctx, "analysis:done:"+job.ID)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, models.JobStatusFailed, value)
}

func TestProcessJobEnginePanic(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.engine.panicOnce = true

	job := f.createJob(t, "panic fuel", analysis.CreateParams{})

	require.Panics(t, func() {
		_ = f.orch.ProcessJob(ctx, job.ID)
	})

	processed, err := f.jobs.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, processed.Status)
	assert.Contains(t, processed.Error, "worker panic")

	_, ok, err := f.signals.Get(ctx, "analysis:done:"+job.ID)
	require.NoError(t, err)
	assert.True(t, ok)
}

// ctxCheckedJobs refuses writes once the context is done, the way a
// pgx-backed repository would.
type ctxCheckedJobs struct {
	*memory.JobRepository
}

func (r *ctxCheckedJobs) Update(ctx context.Context, job *models.AnalysisJob) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	return r.JobRepository.Update(ctx, job)
}

type cancellingEngine struct {
	cancel context.CancelFunc
}

func (cancellingEngine) CanProcess(context.Context, string) (bool, error) {
	return true, nil
}

func (e cancellingEngine) Analyze(ctx context.Context, _ string) (*models.Report, error) {
	e.cancel()

	return nil, ctx.Err()
}

func TestProcessJobCancelledContextStillEndsTerminal(t *testing.T) {
	jobs := &ctxCheckedJobs{JobRepository: memory.NewJobRepository()}
	signals := signal.NewMemory()

	taskCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	orch := analysis.NewOrchestrator(
		jobs, memory.NewFileRepository(), memory.NewBadgeRepository(),
		cancellingEngine{cancel: cancel}, &recordingQueue{}, signals, t.TempDir(),
	)

	job, err := orch.CreateJob(context.Background(), strings.NewReader("dies mid analysis"), analysis.CreateParams{FileName: "slow.bin"})
	require.NoError(t, err)

	// The task context is cancelled while the engine is running, as on a
	// task timeout or a server shutdown.
	require.Error(t, orch.ProcessJob(taskCtx, job.ID))

	got, err := jobs.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, got.Status)
	assert.NotNil(t, got.CompletedAt)

	_, ok, err := signals.Get(context.Background(), "analysis:done:"+job.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	// A waiter arriving afterwards is released immediately.
	waited, err := orch.WaitForCompletion(context.Background(), job.ID, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, waited.Status)
}

func TestProcessJobDuplicateDelivery(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	job := f.createJob(t, "deliver twice", analysis.CreateParams{})
	require.NoError(t, f.orch.ProcessJob(ctx, job.ID))
	require.NoError(t, f.orch.ProcessJob(ctx, job.ID))

	assert.Equal(t, int32(1), f.engine.analyzeCalls.Load())
}

func TestProcessJobMissingRecord(t *testing.T) {
	f := newFixture(t)

	// An unknown id is a stale queue entry, not an error.
	require.NoError(t, f.orch.ProcessJob(context.Background(), "11111111-2222-3333-4444-555555555555"))
}

func TestProcessJobMissingTempArtifact(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	job := f.createJob(t, "soon gone", analysis.CreateParams{})
	require.NoError(t, os.Remove(job.TempPath))

	err := f.orch.ProcessJob(ctx, job.ID)
	require.Error(t, err)

	processed, getErr := f.jobs.Get(ctx, job.ID)
	require.NoError(t, getErr)
	assert.Equal(t, models.JobStatusFailed, processed.Status)
}

func TestProcessJobBadgeToken(t *testing.T) {
	ctx := context.Background()

	newBadge := func(id, owner, token string) models.Badge {
		return models.Badge{
			ID:         id,
			OwnerID:    owner,
			TokenSalt:  "salt-" + id,
			TokenHash:  models.HashBadgeToken("salt-"+id, token),
			AutoUpdate: true,
		}
	}

	t.Run("matching token re-points badge", func(t *testing.T) {
		f := newFixture(t)
		f.badges.Put(newBadge("badge-1", "owner-1", "tok-match"))

		job := f.createJob(t, "badge content", analysis.CreateParams{OwnerID: "owner-1", BadgeToken: "tok-match"})
		require.NoError(t, f.orch.ProcessJob(ctx, job.ID))

		badge, ok := f.badges.Get("badge-1")
		require.True(t, ok)
		assert.Equal(t, job.FileHash, badge.FileHash)
		assert.Equal(t, 1, badge.UpdateCount)
	})

	t.Run("wrong token leaves badge untouched", func(t *testing.T) {
		f := newFixture(t)
		f.badges.Put(newBadge("badge-1", "owner-1", "tok-real"))

		job := f.createJob(t, "badge content", analysis.CreateParams{OwnerID: "owner-1", BadgeToken: "tok-wrong"})
		require.NoError(t, f.orch.ProcessJob(ctx, job.ID))

		badge, ok := f.badges.Get("badge-1")
		require.True(t, ok)
		assert.Empty(t, badge.FileHash)
		assert.Zero(t, badge.UpdateCount)
	})

	t.Run("other owner's badges never considered", func(t *testing.T) {
		f := newFixture(t)
		f.badges.Put(newBadge("badge-1", "owner-2", "tok-match"))

		job := f.createJob(t, "badge content", analysis.CreateParams{OwnerID: "owner-1", BadgeToken: "tok-match"})
		require.NoError(t, f.orch.ProcessJob(ctx, job.ID))

		badge, ok := f.badges.Get("badge-1")
		require.True(t, ok)
		assert.Empty(t, badge.FileHash)
	})
}

func TestWaitForCompletion(t *testing.T) {
	ctx := context.Background()

	t.Run("terminal job returns immediately", func(t *testing.T) {
		f := newFixture(t)

		job := f.createJob(t, "already done", analysis.CreateParams{})
		require.NoError(t, f.orch.ProcessJob(ctx, job.ID))

		start := time.Now()
		got, err := f.orch.WaitForCompletion(ctx, job.ID, 5*time.Second)
		require.NoError(t, err)
		assert.Equal(t, models.JobStatusCompleted, got.Status)
		assert.Less(t, time.Since(start), time.Second)
	})

	t.Run("timeout returns pending job without error", func(t *testing.T) {
		f := newFixture(t)

		job := f.createJob(t, "slow job", analysis.CreateParams{})

		got, err := f.orch.WaitForCompletion(ctx, job.ID, 50*time.Millisecond)
		require.NoError(t, err)
		assert.Equal(t, models.JobStatusPending, got.Status)
		assert.Equal(t, job.ID, got.ID)
	})

	t.Run("waiter observes completion mid-wait", func(t *testing.T) {
		f := newFixture(t)

		job := f.createJob(t, "finishes mid wait", analysis.CreateParams{})

		go func() {
			time.Sleep(150 * time.Millisecond)
			_ = f.orch.ProcessJob(context.Background(), job.ID)
		}()

		got, err := f.orch.WaitForCompletion(ctx, job.ID, 5*time.Second)
		require.NoError(t, err)
		assert.Equal(t, models.JobStatusCompleted, got.Status)
	})

	t.Run("failed job releases waiter", func(t *testing.T) {
		f := newFixture(t)
		f.engine.analyzeErr = errors.New("broken")

		job := f.createJob(t, "will fail", analysis.CreateParams{})

		go func() {
			time.Sleep(150 * time.Millisecond)
			_ = f.orch.ProcessJob(context.Background(), job.ID)
		}()

		got, err := f.orch.WaitForCompletion(ctx, job.ID, 5*time.Second)
		require.NoError(t, err)
		assert.Equal(t, models.JobStatusFailed, got.Status)
	})

	t.Run("caller cancellation aborts the wait", func(t *testing.T) {
		f := newFixture(t)

		job := f.createJob(t, "never finishes", analysis.CreateParams{})

		waitCtx, cancel := context.WithCancel(ctx)

		go func() {
			time.Sleep(50 * time.Millisecond)
			cancel()
		}()

		_, err := f.orch.WaitForCompletion(waitCtx, job.ID, 5*time.Second)
		assert.ErrorIs(t, err, context.Canceled)
	})

	t.Run("unknown job", func(t *testing.T) {
		f := newFixture(t)

		_, err := f.orch.WaitForCompletion(ctx, "11111111-2222-3333-4444-555555555555", 50*time.Millisecond)
		assert.ErrorIs(t, err, models.ErrNotFound)
	})
}

// timedJobs records when each Get happens, to observe the poll pacing.
type timedJobs struct {
	*memory.JobRepository
	mu   sync.Mutex
	gets []time.Time
}

func (r *timedJobs) Get(ctx context.Context, id string) (models.AnalysisJob, error) {
	r.mu.Lock()
	r.gets = append(r.gets, time.Now())
	r.mu.Unlock()

	return r.JobRepository.Get(ctx, id)
}

func TestWaitForCompletionPollPacing(t *testing.T) {
	ctx := context.Background()

	jobs := &timedJobs{JobRepository: memory.NewJobRepository()}

	orch := analysis.NewOrchestrator(
		jobs, memory.NewFileRepository(), memory.NewBadgeRepository(),
		&stubEngine{processable: true}, &recordingQueue{}, signal.NewMemory(), t.TempDir(),
	)

	job, err := orch.CreateJob(ctx, strings.NewReader("stays pending"), analysis.CreateParams{FileName: "slow.bin"})
	require.NoError(t, err)

	const timeout = 900 * time.Millisecond

	start := time.Now()
	got, err := orch.WaitForCompletion(ctx, job.ID, timeout)
	elapsed := time.Since(start)

	require.NoError(t, err)
	assert.Equal(t, models.JobStatusPending, got.Status)

	// The wait runs out the full timeout and overshoots by at most one
	// capped interval (plus scheduling slack).
	assert.GreaterOrEqual(t, elapsed, timeout)
	assert.Less(t, elapsed, timeout+1500*time.Millisecond)

	jobs.mu.Lock()
	gets := append([]time.Time(nil), jobs.gets...)
	jobs.mu.Unlock()

	require.GreaterOrEqual(t, len(gets), 3)

	// Successive polls are never tighter than the starting interval and
	// never further apart than the cap.
	for i := 1; i < len(gets); i++ {
		gap := gets[i].Sub(gets[i-1])
		assert.GreaterOrEqual(t, gap, 90*time.Millisecond)
		assert.LessOrEqual(t, gap, 1300*time.Millisecond)
	}
}

func TestCleanupExpiredJobs(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, analysis.WithJobTTL(-time.Minute))

	expired := f.createJob(t, "old job", analysis.CreateParams{})

	require.NoError(t, f.orch.CleanupExpiredJobs(ctx))

	_, err := f.jobs.Get(ctx, expired.ID)
	assert.ErrorIs(t, err, models.ErrNotFound)
	assert.NoFileExists(t, expired.TempPath)
}
