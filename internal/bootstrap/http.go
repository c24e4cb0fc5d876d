package bootstrap

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/target/voice-message-api/config"
	httpx "github.com/target/voice-message-api/internal/http"
	"github.com/target/voice-message-api/internal/service"
)

// apiHandler assembles the router and its middleware. Requests pass through
// Recover, then Logging, then Compression, so logged sizes are compressed sizes.
func apiHandler(cfg config.HTTPConfig, svc ServiceContainer, logger *slog.Logger) http.Handler {
	var h http.Handler = httpx.NewRouter(httpx.RouterServices{
		Messages:     svc.Submissions,
		AudioURLTTL:  cfg.AudioURLTTL,
		MaxBodyBytes: cfg.MaxBodyBytes,
		Ready:        svc.Ready,
		Logger:       logger,
	})
	if cfg.CompressionEnabled {
		h = httpx.Compression(httpx.CompressionConfig{
			Level:   cfg.CompressionLevel,
			MinSize: cfg.CompressionMinSize,
			Logger:  logger,
		})(h)
	}
	return httpx.Recover(logger)(httpx.Logging(logger)(h))
}

func newHTTPServer(cfg config.HTTPConfig, handler http.Handler) *http.Server {
	cfg.Sanitize()
	addr := cfg.Addr
	if addr == "" {
		addr = ":8080"
	}
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
	}
}

// StartHTTPServer begins serving the API in the background. Listener failures
// other than a clean close are sent to errCh when it is non-nil.
func StartHTTPServer(cfg *config.AppConfig, svc ServiceContainer, logger *slog.Logger, errCh chan<- error) *http.Server {
	if cfg == nil {
		cfg = &config.AppConfig{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	srv := newHTTPServer(cfg.HTTP, apiHandler(cfg.HTTP, svc, logger))
	go func() {
		logger.Info("http server listening",
			"addr", srv.Addr,
			"compression", cfg.HTTP.CompressionEnabled,
			"write_timeout", srv.WriteTimeout)
		err := srv.ListenAndServe()
		if err == nil || errors.Is(err, http.ErrServerClosed) {
			return
		}
		logger.Error("http server failed", "error", err)
		if errCh != nil {
			select {
			case errCh <- err:
			default:
			}
		}
	}()
	return srv
}

// ShutdownHTTPServer stops accepting requests, then waits for in-flight
// asynchronous submissions, both within timeout.
func ShutdownHTTPServer(ctx context.Context, srv *http.Server, submissions *service.SubmissionService, timeout time.Duration, logger *slog.Logger) error {
	if srv == nil {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	logger.Info("draining http server", "timeout", timeout)
	if err := srv.Shutdown(ctx); err != nil {
		return err
	}
	if submissions != nil {
		if err := submissions.Wait(ctx); err != nil {
			logger.Warn("in-flight submissions outlived shutdown", "error", err)
		}
	}
	logger.Info("http server stopped")
	return nil
}
