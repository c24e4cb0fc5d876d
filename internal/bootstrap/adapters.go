package bootstrap

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
	"github.com/target/voice-message-api/config"
	"github.com/target/voice-message-api/internal/adapters/reaper"
	"github.com/target/voice-message-api/internal/core"
	"github.com/target/voice-message-api/internal/observability/statsd"
	"github.com/target/voice-message-api/internal/service"
	"github.com/target/voice-message-api/internal/service/failurenotifier"
)

// OutboxDispatcherConfig contains configuration for the outbox dispatcher.
type OutboxDispatcherConfig struct {
	Dispatcher *service.OutboxDispatcher
	Logger     *slog.Logger
}

// RunOutboxDispatcher runs the outbox dispatcher until ctx is cancelled.
func RunOutboxDispatcher(ctx context.Context, cfg OutboxDispatcherConfig) error {
	if cfg.Dispatcher == nil {
		return errors.New("outbox dispatcher is not configured")
	}
	if cfg.Logger != nil {
		cfg.Logger.InfoContext(ctx, "starting outbox dispatcher")
	}
	return cfg.Dispatcher.Run(ctx)
}

// ReaperConfig contains configuration for reaper.
type ReaperConfig struct {
	DB              *sql.DB
	Repo            core.SubmissionRepository
	Logger          *slog.Logger
	Config          config.ReaperConfig
	Metrics         statsd.Sink
	FailureNotifier *failurenotifier.Service
	Nudge           func()
	// Redis, when set, elects one reaper across replicas.
	Redis       redis.UniversalClient
	LeasePrefix string
}

// RunReaper starts the reaper service.
func RunReaper(ctx context.Context, cfg ReaperConfig) error {
	runner, err := reaper.NewRunner(reaper.RunnerOptions{
		DB:              cfg.DB,
		Repo:            cfg.Repo,
		Config:          cfg.Config,
		Logger:          cfg.Logger,
		Metrics:         cfg.Metrics,
		FailureNotifier: cfg.FailureNotifier,
		Nudge:           cfg.Nudge,
		Redis:           cfg.Redis,
		LeasePrefix:     cfg.LeasePrefix,
	})
	if err != nil {
		return fmt.Errorf("create reaper runner: %w", err)
	}

	return runner.Run(ctx)
}
