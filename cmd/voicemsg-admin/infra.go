package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/target/voice-message-api/config"
	"github.com/target/voice-message-api/internal/bootstrap"
	"github.com/target/voice-message-api/internal/core"
)

var errMemoryStore = errors.New("store backend is memory; nothing persists between processes (set STORE_BACKEND)")

// storeInfra is the store repository plus the clients backing it.
type storeInfra struct {
	*bootstrap.Infrastructure
	Repo core.SubmissionRepository
}

// connectStore opens whatever the configured store backend needs and builds the repository.
func connectStore(logger *slog.Logger, cfg *config.AppConfig) (*storeInfra, error) {
	if !cfg.NeedsDatabase() && !cfg.NeedsRedis() {
		return nil, errMemoryStore
	}
	infra, err := bootstrap.ConnectInfrastructure(cfg, logger)
	if err != nil {
		return nil, err
	}
	repo, err := bootstrap.BuildStore(cfg.Store, infra.DB, infra.Redis)
	if err != nil {
		return nil, errors.Join(err, infra.Close())
	}
	return &storeInfra{Infrastructure: infra, Repo: repo}, nil
}

func closeLogged(logger *slog.Logger, c io.Closer) {
	if err := c.Close(); err != nil {
		logger.Warn("close failed", "error", err)
	}
}

func writef(w io.Writer, format string, args ...any) error {
	_, err := fmt.Fprintf(w, format, args...)
	return err
}

func write(w io.Writer, args ...any) error {
	_, err := fmt.Fprint(w, args...)
	return err
}

func writeln(w io.Writer, args ...any) error {
	if len(args) == 0 {
		_, err := fmt.Fprintln(w)
		return err
	}
	_, err := fmt.Fprintln(w, args...)
	return err
}
