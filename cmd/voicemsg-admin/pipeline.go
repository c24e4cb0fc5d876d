package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/target/voice-message-api/internal/bootstrap"
	"github.com/target/voice-message-api/internal/service"
)

const defaultPipelineTimeout = 2 * time.Minute

func parseTimeoutFlag(name string, args []string) (time.Duration, error) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	timeout := fs.Duration("timeout", defaultPipelineTimeout, "Maximum duration for the command")
	if err := fs.Parse(args); err != nil {
		return 0, err
	}
	if *timeout <= 0 {
		return 0, errors.New("--timeout must be greater than zero")
	}
	return *timeout, nil
}

// pipelineContext bounds a command; parent is already cancelled on SIGINT/SIGTERM.
func pipelineContext(parent context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, timeout)
}

// runDrainOutbox publishes every pending status event with the same wiring the
// outbox-dispatcher service uses, then exits.
func runDrainOutbox(cmdCtx *commandContext, args []string) error {
	timeout, err := parseTimeoutFlag("drain-outbox", args)
	if err != nil {
		return err
	}

	infra, err := connectStore(cmdCtx.Logger, &cmdCtx.Config)
	if err != nil {
		return err
	}
	defer closeLogged(cmdCtx.Logger, infra)

	ctx, cancel := pipelineContext(cmdCtx.Ctx, timeout)
	defer cancel()

	if !cmdCtx.Config.Events.Enabled {
		cmdCtx.Logger.Warn("event bus disabled; pending events will only be logged and then marked published")
	}

	services, err := bootstrap.NewServices(ctx, &bootstrap.ServiceDeps{
		Config:      &cmdCtx.Config,
		DB:          infra.DB,
		RedisClient: infra.Redis,
		Logger:      cmdCtx.Logger,
	})
	if err != nil {
		return fmt.Errorf("init services: %w", err)
	}
	defer services.Close(cmdCtx.Logger)

	published, err := services.Outbox.DispatchOnce(ctx)
	if err != nil {
		return fmt.Errorf("drain outbox: %w", err)
	}
	return writef(cmdCtx.Out, "Published %d status event(s).\n", published)
}

// runReap runs a single reaper pass against the configured store.
func runReap(cmdCtx *commandContext, args []string) error {
	timeout, err := parseTimeoutFlag("reap", args)
	if err != nil {
		return err
	}

	infra, err := connectStore(cmdCtx.Logger, &cmdCtx.Config)
	if err != nil {
		return err
	}
	defer closeLogged(cmdCtx.Logger, infra)

	reaper, err := service.MustNewReaperService(service.ReaperServiceOptions{
		Repo:   infra.Repo,
		Config: cmdCtx.Config.Reaper,
		Logger: cmdCtx.Logger,
	})
	if err != nil {
		return err
	}

	ctx, cancel := pipelineContext(cmdCtx.Ctx, timeout)
	defer cancel()

	if err := reaper.RunOnce(ctx); err != nil {
		return fmt.Errorf("reap: %w", err)
	}
	return writeln(cmdCtx.Out, "Reaper pass completed; run drain-outbox to publish the resulting events.")
}
