// Package runner wires the worker-side process: repositories, queue server,
// orchestrator, upload manager and the periodic expiry sweeps.
package runner

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/hibiken/asynq"
	goredis "github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dropscan/dropscan/analysis"
	"github.com/dropscan/dropscan/models"
	"github.com/dropscan/dropscan/postgres"
	"github.com/dropscan/dropscan/redis"
	"github.com/dropscan/dropscan/redis/config"
	"github.com/dropscan/dropscan/redis/tasks"
	"github.com/dropscan/dropscan/signal"
	"github.com/dropscan/dropscan/sqlite"
	"github.com/dropscan/dropscan/tlmt"
	"github.com/dropscan/dropscan/tlmt/goposthog"
	"github.com/dropscan/dropscan/upload"
)

type Config struct {
	DataFolder       string
	TempFolder       string
	DatabasePath     string
	Dsn              string
	SessionTTL       time.Duration
	JobTTL           time.Duration
	SweepSpec        string
	TaskTimeout      time.Duration
	DisableTelemetry bool
}

// ParseConfig reads configuration from flags, with environment fallbacks for
// the secrets.
func ParseConfig() Config {
	var cfg Config

	flag.StringVar(&cfg.DataFolder, "data-folder", "dropscan-data", "directory for chunk-upload sessions")
	flag.StringVar(&cfg.TempFolder, "temp-folder", os.TempDir(), "directory for job temp artifacts")
	flag.StringVar(&cfg.DatabasePath, "db", "dropscan.db", "sqlite database path (used when -dsn is empty)")
	flag.StringVar(&cfg.Dsn, "dsn", os.Getenv("DROPSCAN_DSN"), "postgres connection string")
	flag.DurationVar(&cfg.SessionTTL, "session-ttl", 24*time.Hour, "upload session lifetime")
	flag.DurationVar(&cfg.JobTTL, "job-ttl", 24*time.Hour, "analysis job record lifetime")
	flag.StringVar(&cfg.SweepSpec, "sweep-spec", "@every 10m", "cron spec for expiry sweeps")
	flag.DurationVar(&cfg.TaskTimeout, "task-timeout", 10*time.Minute, "per-task processing timeout")
	flag.BoolVar(&cfg.DisableTelemetry, "disable-telemetry", false, "disable anonymous usage telemetry")
	flag.Parse()

	return cfg
}

// Runner owns the lifecycle of one worker process.
type Runner struct {
	cfg          Config
	logger       *zap.Logger
	manager      *upload.Manager
	orchestrator *analysis.Orchestrator
	queueClient  *redis.Client
	queueServer  *redis.Server
	handler      *tasks.Handler
	sweeper      *cron.Cron
	db           interface{ Close() error }
}

// New builds a fully wired Runner. The analysis engine is injected: its
// implementation ships separately from this core.
func New(cfg Config, engine models.Engine) (*Runner, error) {
	logger, err := zap.NewProduction()
	if err != nil {
		return nil, err
	}

	sessions, jobs, files, badges, closer, err := buildRepositories(cfg)
	if err != nil {
		return nil, err
	}

	redisCfg, err := config.NewRedisConfig()
	if err != nil {
		return nil, fmt.Errorf("redis config: %w", err)
	}

	queueClient, err := redis.NewClient(redisCfg)
	if err != nil {
		return nil, err
	}

	queueServer, err := redis.NewServer(redisCfg, logger)
	if err != nil {
		return nil, err
	}

	signals := signal.NewRedis(goredis.NewClient(&goredis.Options{
		Addr:     redisCfg.GetRedisAddr(),
		Password: redisCfg.Password,
		DB:       redisCfg.DB,
	}))

	manager := upload.NewManager(sessions, cfg.DataFolder,
		upload.WithSessionTTL(cfg.SessionTTL),
		upload.WithLogger(logger),
	)

	orchestrator := analysis.NewOrchestrator(
		jobs, files, badges, engine, queueClient, signals, cfg.TempFolder,
		analysis.WithJobTTL(cfg.JobTTL),
		analysis.WithTelemetry(setupTelemetry(cfg, logger)),
		analysis.WithLogger(logger),
	)

	return &Runner{
		cfg:          cfg,
		logger:       logger,
		manager:      manager,
		orchestrator: orchestrator,
		queueClient:  queueClient,
		queueServer:  queueServer,
		handler:      tasks.NewHandler(orchestrator, tasks.WithTaskTimeout(cfg.TaskTimeout)),
		sweeper:      cron.New(),
		db:           closer,
	}, nil
}

// Manager exposes the chunk upload manager to the embedding transport layer.
func (r *Runner) Manager() *upload.Manager {
	return r.manager
}

// Orchestrator exposes the analysis orchestrator to the embedding transport
// layer.
func (r *Runner) Orchestrator() *analysis.Orchestrator {
	return r.orchestrator
}

// Run starts the queue server and the expiry sweeps, blocking until ctx is
// cancelled.
func (r *Runner) Run(ctx context.Context) error {
	mux := asynq.NewServeMux()
	mux.Handle(tasks.TypeAnalyzeFile, r.handler)
	mux.Handle(tasks.TypeHealthCheck, r.handler)
	mux.Handle(tasks.TypeConnectionTest, r.handler)

	if _, err := r.sweeper.AddFunc(r.cfg.SweepSpec, func() {
		sweepCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()

		if err := r.manager.CleanupExpired(sweepCtx); err != nil {
			r.logger.Warn("session sweep failed", zap.Error(err))
		}

		if err := r.orchestrator.CleanupExpiredJobs(sweepCtx); err != nil {
			r.logger.Warn("job sweep failed", zap.Error(err))
		}
	}); err != nil {
		return fmt.Errorf("failed to schedule sweeps: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return r.queueServer.Start(mux)
	})

	g.Go(func() error {
		r.sweeper.Start()
		<-ctx.Done()

		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}

	<-ctx.Done()

	return r.Close(context.Background())
}

// Close shuts everything down, waiting for in-flight tasks.
func (r *Runner) Close(ctx context.Context) error {
	stopped := r.sweeper.Stop()
	<-stopped.Done()

	if err := r.queueServer.Shutdown(ctx); err != nil {
		r.logger.Warn("queue server shutdown failed", zap.Error(err))
	}

	if err := r.queueClient.Close(); err != nil {
		r.logger.Warn("queue client close failed", zap.Error(err))
	}

	if r.db != nil {
		if err := r.db.Close(); err != nil {
			r.logger.Warn("store close failed", zap.Error(err))
		}
	}

	return r.logger.Sync()
}

func buildRepositories(cfg Config) (
	models.SessionRepository,
	models.JobRepository,
	models.FileRepository,
	models.BadgeRepository,
	interface{ Close() error },
	error,
) {
	if cfg.Dsn != "" {
		db, err := sql.Open("pgx", cfg.Dsn)
		if err != nil {
			return nil, nil, nil, nil, nil, err
		}

		if err := postgres.Migrate(context.Background(), db); err != nil {
			db.Close()

			return nil, nil, nil, nil, nil, err
		}

		store, err := postgres.New(db)
		if err != nil {
			db.Close()

			return nil, nil, nil, nil, nil, err
		}

		return store.Sessions(), store.Jobs(), store.Files(), store.Badges(), db, nil
	}

	store, err := sqlite.New(cfg.DatabasePath)
	if err != nil {
		return nil, nil, nil, nil, nil, err
	}

	return store.Sessions(), store.Jobs(), store.Files(), store.Badges(), store, nil
}

var (
	telemetryOnce sync.Once
	telemetry     tlmt.Telemetry
)

func setupTelemetry(cfg Config, logger *zap.Logger) tlmt.Telemetry {
	telemetryOnce.Do(func() {
		key := os.Getenv("DROPSCAN_POSTHOG_KEY")

		if cfg.DisableTelemetry || key == "" {
			telemetry = tlmt.NewNoop()

			return
		}

		val, err := goposthog.New(key, "https://eu.i.posthog.com")
		if err != nil {
			logger.Warn("telemetry disabled", zap.Error(err))
			telemetry = tlmt.NewNoop()

			return
		}

		telemetry = val
	})

	return telemetry
}
