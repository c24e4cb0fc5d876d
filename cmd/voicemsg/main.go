// Command voicemsg serves the voice message API and runs the background workers
// selected by SERVICES.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/target/voice-message-api/internal/bootstrap"
)

func main() {
	logger := bootstrap.InitLogger()
	if err := serve(context.Background(), logger); err != nil {
		logger.Error("voicemsg exited", "error", err)
		os.Exit(1) //nolint:forbidigo // non-zero status tells the supervisor to restart us
	}
}

func serve(ctx context.Context, logger *slog.Logger) error {
	cfg, err := bootstrap.LoadConfig()
	if err != nil {
		return err
	}
	if err := bootstrap.ValidateServiceConfig(&cfg); err != nil {
		return err
	}
	logger = bootstrap.ConfigureLogger(cfg.LogLevel, cfg.IsDev)
	logger.InfoContext(ctx, "starting voice-message-api",
		"services", bootstrap.GetEnabledServices(&cfg),
		"store_backend", cfg.Store.Backend,
		"object_store_backend", cfg.ObjectStore.Backend,
		"events_enabled", cfg.Events.Enabled)

	infra, err := bootstrap.ConnectInfrastructure(&cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := infra.Close(); cerr != nil {
			logger.WarnContext(ctx, "release infrastructure", "error", cerr)
		}
	}()

	switch {
	case infra.DB == nil:
	case cfg.Postgres.RunMigrationsOnStart:
		if err := bootstrap.RunMigrations(ctx, infra.DB, logger); err != nil {
			return err
		}
	default:
		logger.InfoContext(ctx, "startup migrations disabled; run voicemsg-admin migrate")
	}

	services, err := bootstrap.NewServices(ctx, &bootstrap.ServiceDeps{
		Config:      &cfg,
		DB:          infra.DB,
		RedisClient: infra.Redis,
		Logger:      logger,
	})
	if err != nil {
		return fmt.Errorf("init services: %w", err)
	}
	defer services.Close(logger)

	return bootstrap.RunServicesWithShutdown(&bootstrap.ServiceOrchestrationConfig{
		Config:      &cfg,
		Services:    services,
		DB:          infra.DB,
		RedisClient: infra.Redis,
		Logger:      logger,
	})
}
