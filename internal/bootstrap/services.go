package bootstrap

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/target/voice-message-api/config"
	"github.com/target/voice-message-api/internal/adapters/natsbus"
	"github.com/target/voice-message-api/internal/adapters/objectstore"
	"github.com/target/voice-message-api/internal/adapters/synthesis"
	"github.com/target/voice-message-api/internal/core"
	"github.com/target/voice-message-api/internal/data"
	"github.com/target/voice-message-api/internal/observability/notify/pagerduty"
	"github.com/target/voice-message-api/internal/observability/notify/slack"
	"github.com/target/voice-message-api/internal/observability/statsd"
	"github.com/target/voice-message-api/internal/service"
	"github.com/target/voice-message-api/internal/service/failurenotifier"
)

// natsClientName identifies the process in NATS connection listings.
const natsClientName = "voice-message-api"

// ServiceContainer holds all application services.
type ServiceContainer struct {
	Submissions   *service.SubmissionService
	Outbox        *service.OutboxDispatcher
	Repo          core.SubmissionRepository
	Observability ObservabilityContainer
	Ready         func(ctx context.Context) error

	closers []namedCloser
}

// ObservabilityContainer groups shared observability dependencies.
type ObservabilityContainer struct {
	MetricsSink     *statsd.Client
	MetricsConfig   config.ObservabilityMetricsConfig
	FailureNotifier *failurenotifier.Service
	NotifierConfig  config.ObservabilityNotificationsConfig
}

// sink returns the metrics sink as an interface, keeping a nil client a nil interface.
//
//nolint:ireturn // statsd.Sink is the port services depend on.
func (o ObservabilityContainer) sink() statsd.Sink {
	if o.MetricsSink == nil {
		return nil
	}
	return o.MetricsSink
}

type namedCloser struct {
	name  string
	close func() error
}

// Close releases clients opened by NewServices in reverse order of creation.
func (c *ServiceContainer) Close(logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	for i := len(c.closers) - 1; i >= 0; i-- {
		cl := c.closers[i]
		if err := cl.close(); err != nil {
			logger.Error("close failed", "resource", cl.name, "error", err)
		}
	}
	c.closers = nil
}

func (c *ServiceContainer) addCloser(name string, fn func() error) {
	c.closers = append(c.closers, namedCloser{name: name, close: fn})
}

// ServiceDeps groups dependencies for service initialization.
type ServiceDeps struct {
	Config      *config.AppConfig
	DB          *sql.DB
	RedisClient redis.UniversalClient
	Logger      *slog.Logger
}

// buildObservability configures metrics and notification adapters.
func buildObservability(logger *slog.Logger, cfg config.ObservabilityConfig) ObservabilityContainer {
	obsLogger := logger
	if obsLogger == nil {
		obsLogger = slog.Default()
	}

	var metricsSink *statsd.Client
	if cfg.Metrics.IsEnabled() {
		client, err := statsd.NewClient(statsd.Config{
			Enabled:       true,
			Address:       cfg.Metrics.StatsdAddress,
			Prefix:        cfg.Metrics.Prefix,
			GlobalTags:    cfg.Metrics.Tags,
			FlushInterval: cfg.Metrics.FlushInterval,
			Logger:        obsLogger,
		})
		if err != nil {
			obsLogger.Error("failed to initialise statsd client", "error", err)
		} else {
			metricsSink = client
		}
	}

	return ObservabilityContainer{
		MetricsSink:     metricsSink,
		MetricsConfig:   cfg.Metrics,
		FailureNotifier: buildFailureNotifier(obsLogger, metricsSink, cfg.Notifications),
		NotifierConfig:  cfg.Notifications,
	}
}

func buildFailureNotifier(
	logger *slog.Logger,
	metricsSink *statsd.Client,
	cfg config.ObservabilityNotificationsConfig,
) *failurenotifier.Service {
	baseLogger := logger
	if baseLogger == nil {
		baseLogger = slog.Default()
	}
	opts := failurenotifier.Options{
		Logger: baseLogger.With("component", "failure_notifier"),
		// Sinks retry internally, so the per-delivery budget covers every attempt.
		DeliveryTimeout: cfg.Timeout * time.Duration(cfg.RetryLimit+1),
		DedupeWindow:    cfg.DedupeWindow,
	}
	if metricsSink != nil {
		opts.Metrics = metricsSink
	}

	if !cfg.Enabled {
		return failurenotifier.NewService(opts)
	}

	sinks := make([]failurenotifier.SinkRegistration, 0, 2)

	if cfg.Slack.Enabled {
		client, err := slack.NewClient(slack.Config{
			WebhookURL:       cfg.Slack.WebhookURL,
			Channel:          cfg.Slack.Channel,
			Username:         cfg.Slack.Username,
			Timeout:          cfg.Timeout,
			RetryLimit:       cfg.RetryLimit,
			MessageURLPrefix: cfg.Slack.MessageURLPrefix,
		})
		if err != nil {
			baseLogger.Error("failed to initialise slack notifier", "error", err)
		} else {
			sinks = append(sinks, failurenotifier.SinkRegistration{
				Name:        "slack",
				Sink:        client,
				MinSeverity: cfg.Slack.MinSeverity,
			})
		}
	}

	if cfg.PagerDuty.Enabled {
		client, err := pagerduty.NewClient(pagerduty.Config{
			RoutingKey: cfg.PagerDuty.RoutingKey,
			Source:     cfg.PagerDuty.Source,
			Component:  cfg.PagerDuty.Component,
			Timeout:    cfg.Timeout,
			RetryLimit: cfg.RetryLimit,
		})
		if err != nil {
			baseLogger.Error("failed to initialise pagerduty notifier", "error", err)
		} else {
			sinks = append(sinks, failurenotifier.SinkRegistration{
				Name:        "pagerduty",
				Sink:        client,
				MinSeverity: cfg.PagerDuty.MinSeverity,
			})
		}
	}

	opts.Sinks = sinks
	return failurenotifier.NewService(opts)
}

// withMessageURLPrefix defaults the Slack link prefix to the API's message resource.
func withMessageURLPrefix(cfg config.ObservabilityConfig, baseURL string) config.ObservabilityConfig {
	if cfg.Notifications.Slack.MessageURLPrefix == "" && strings.TrimSpace(baseURL) != "" {
		cfg.Notifications.Slack.MessageURLPrefix = strings.TrimRight(strings.TrimSpace(baseURL), "/") + "/api/v1/messages"
	}
	return cfg
}

// BuildStore selects the MessageStore backend. Postgres and Redis reuse the
// connections opened by the entrypoint.
//
//nolint:ireturn // the backend is chosen at runtime.
func BuildStore(cfg config.StoreConfig, db *sql.DB, rdb redis.UniversalClient) (core.SubmissionRepository, error) {
	switch cfg.Backend {
	case config.StoreBackendPostgres:
		if db == nil {
			return nil, errors.New("postgres store selected but no database connection is available")
		}
		return data.NewSubmissionRepo(db), nil
	case config.StoreBackendRedis:
		if rdb == nil {
			return nil, errors.New("redis store selected but no redis client is available")
		}
		return data.NewRedisSubmissionRepoWithPrefix(rdb, cfg.RedisKeyPrefix), nil
	case config.StoreBackendMemory, "":
		return data.NewMemorySubmissionRepo(), nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}

// buildObjectStore selects the ObjectStore backend.
//
//nolint:ireturn // the backend is chosen at runtime.
func buildObjectStore(ctx context.Context, c *ServiceContainer, cfg config.ObjectStoreConfig) (core.ObjectStore, error) {
	switch cfg.Backend {
	case config.ObjectStoreBackendS3:
		store, err := objectstore.NewS3Store(ctx, objectstore.S3Config{
			Bucket:          cfg.Bucket,
			Region:          cfg.Region,
			Endpoint:        cfg.Endpoint,
			UsePathStyle:    cfg.UsePathStyle,
			AccessKeyID:     cfg.AccessKeyID,
			SecretAccessKey: cfg.SecretAccessKey,
			KeyPrefix:       cfg.KeyPrefix,
		})
		if err != nil {
			return nil, err
		}
		return store, nil
	case config.ObjectStoreBackendGCS:
		store, err := objectstore.NewGCSStore(ctx, objectstore.GCSConfig{
			Bucket:    cfg.Bucket,
			KeyPrefix: cfg.KeyPrefix,
		})
		if err != nil {
			return nil, err
		}
		c.addCloser("gcs", store.Close)
		return store, nil
	case config.ObjectStoreBackendMemory, "":
		return objectstore.NewMemoryStore(cfg.Bucket, cfg.MemoryBaseURL), nil
	default:
		return nil, fmt.Errorf("unknown object store backend %q", cfg.Backend)
	}
}

// buildPublisher connects to NATS JetStream when events are enabled and otherwise
// falls back to writing events to the log.
//
//nolint:ireturn // the publisher is chosen at runtime.
func buildPublisher(c *ServiceContainer, cfg config.EventsConfig, logger *slog.Logger) (core.EventPublisher, error) {
	if !cfg.Enabled {
		logger.Info("event bus disabled; status events will be logged")
		return natsbus.NewLogPublisher(logger), nil
	}

	nc, js, err := natsbus.Connect(natsbus.ConnOptions{
		URL:    cfg.URL,
		Name:   natsClientName,
		Logger: logger,
	})
	if err != nil {
		return nil, err
	}
	c.addCloser("nats", func() error {
		return nc.Drain()
	})

	pub, err := natsbus.NewPublisher(js, natsbus.Config{
		Topic:           cfg.Topic,
		Partitions:      cfg.Partitions,
		Replicas:        cfg.Replicas,
		DuplicateWindow: cfg.DuplicateWindow,
		MaxAge:          cfg.MaxAge,
	})
	if err != nil {
		return nil, fmt.Errorf("create event publisher: %w", err)
	}
	logger.Info("event bus connected", "topic", cfg.Topic, "partitions", cfg.Partitions)
	return pub, nil
}

func buildCollaborators(ctx context.Context, c *ServiceContainer, deps *ServiceDeps, logger *slog.Logger) (service.Collaborators, error) {
	cfg := deps.Config

	store, err := BuildStore(cfg.Store, deps.DB, deps.RedisClient)
	if err != nil {
		return service.Collaborators{}, fmt.Errorf("build message store: %w", err)
	}

	synth, err := synthesis.NewClient(synthesis.Config{
		Endpoint: cfg.Synthesis.Endpoint,
		APIKey:   cfg.Synthesis.APIKey,
		Model:    cfg.Synthesis.Model,
		Voice:    cfg.Synthesis.Voice,
		MaxBytes: cfg.Synthesis.MaxBytes,
		Timeout:  cfg.Synthesis.Timeout,
	})
	if err != nil {
		return service.Collaborators{}, fmt.Errorf("build speech synthesizer: %w", err)
	}

	objects, err := buildObjectStore(ctx, c, cfg.ObjectStore)
	if err != nil {
		return service.Collaborators{}, fmt.Errorf("build object store: %w", err)
	}

	events, err := buildPublisher(c, cfg.Events, logger)
	if err != nil {
		return service.Collaborators{}, fmt.Errorf("build event publisher: %w", err)
	}

	return service.Collaborators{
		Store:       store,
		Synthesizer: synth,
		Objects:     objects,
		Events:      events,
	}, nil
}

// NewServices wires the submission pipeline and its outbox dispatcher. On error every
// client opened so far is closed again.
func NewServices(ctx context.Context, deps *ServiceDeps) (ServiceContainer, error) {
	if deps == nil || deps.Config == nil {
		return ServiceContainer{}, errors.New("service deps with config are required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	container := ServiceContainer{
		Observability: buildObservability(logger, withMessageURLPrefix(deps.Config.Observability, deps.Config.HTTP.BaseURL)),
	}
	if sink := container.Observability.MetricsSink; sink != nil {
		container.addCloser("statsd", sink.Close)
	}

	collab, err := buildCollaborators(ctx, &container, deps, logger)
	if err != nil {
		container.Close(logger)
		return ServiceContainer{}, err
	}

	dispatcher, err := service.MustNewOutboxDispatcher(service.OutboxDispatcherOptions{
		Collaborators: collab,
		Config:        deps.Config.Outbox,
		Logger:        logger,
		Metrics:       container.Observability.sink(),
	})
	if err != nil {
		container.Close(logger)
		return ServiceContainer{}, err
	}

	submissions, err := service.MustNewSubmissionService(service.SubmissionServiceOptions{
		Collaborators:   collab,
		Logger:          logger,
		Metrics:         container.Observability.sink(),
		FailureNotifier: container.Observability.FailureNotifier,
		Nudge:           dispatcher.Nudge,
	})
	if err != nil {
		container.Close(logger)
		return ServiceContainer{}, err
	}

	container.Submissions = submissions
	container.Outbox = dispatcher
	container.Repo = collab.Store
	container.Ready = readinessCheck(deps.DB, deps.RedisClient)
	return container, nil
}

// readinessCheck pings whichever store clients were opened.
func readinessCheck(db *sql.DB, rdb redis.UniversalClient) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		if db != nil {
			if err := db.PingContext(ctx); err != nil {
				return fmt.Errorf("postgres: %w", err)
			}
		}
		if rdb != nil {
			if err := rdb.Ping(ctx).Err(); err != nil {
				return fmt.Errorf("redis: %w", err)
			}
		}
		return nil
	}
}

// ServiceOrchestrationConfig contains configuration for service orchestration.
type ServiceOrchestrationConfig struct {
	Config      *config.AppConfig
	Services    ServiceContainer
	DB          *sql.DB
	RedisClient redis.UniversalClient
	Logger      *slog.Logger
}

const (
	// shutdownWaitTimeout is the maximum time to wait for services to stop gracefully.
	shutdownWaitTimeout = 15 * time.Second
)

// serviceStartupDeps groups dependencies for service startup.
type serviceStartupDeps struct {
	ctx             context.Context
	cfg             *ServiceOrchestrationConfig
	logger          *slog.Logger
	enabledServices map[config.ServiceMode]bool
	errCh           chan error
}

// backgroundService describes a startable background component.
type backgroundService struct {
	mode  config.ServiceMode
	name  string
	start func(context.Context) error
}

// backgroundServiceHandle tracks a running background service.
type backgroundServiceHandle struct {
	mode config.ServiceMode
	name string
	done <-chan struct{}
}

// startHTTPServerIfEnabled starts the HTTP server if enabled.
func startHTTPServerIfEnabled(deps *serviceStartupDeps) *http.Server {
	if deps == nil || deps.cfg == nil || !deps.enabledServices[config.ServiceModeHTTP] {
		return nil
	}
	return StartHTTPServer(deps.cfg.Config, deps.cfg.Services, deps.logger, deps.errCh)
}

func launchBackground(ctx context.Context, deps *serviceStartupDeps, descriptor backgroundService) <-chan struct{} {
	if deps == nil || !deps.enabledServices[descriptor.mode] {
		return nil
	}
	logger := deps.logger
	if logger == nil {
		logger = slog.Default()
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := descriptor.start(ctx); err != nil {
			errMsg := fmt.Errorf("%s failed: %w", descriptor.name, err)
			select {
			case deps.errCh <- errMsg:
			case <-ctx.Done():
			default:
				logger.WarnContext(ctx, "dropping background service error", "service", descriptor.name, "error", errMsg)
			}
		}
	}()

	logger.InfoContext(ctx, "background service started", "service", descriptor.name, "mode", descriptor.mode)
	return done
}

func startBackgroundServices(deps *serviceStartupDeps, services []backgroundService) []backgroundServiceHandle {
	if deps == nil {
		return nil
	}
	handles := make([]backgroundServiceHandle, 0, len(services))

	for _, svc := range services {
		done := launchBackground(deps.ctx, deps, svc)
		if done == nil {
			continue
		}

		handles = append(handles, backgroundServiceHandle{
			mode: svc.mode,
			name: svc.name,
			done: done,
		})
	}

	return handles
}

func newOutboxBackgroundService(deps *serviceStartupDeps) backgroundService {
	return backgroundService{
		mode: config.ServiceModeOutboxDispatcher,
		name: "outbox dispatcher",
		start: func(ctx context.Context) error {
			if deps == nil || deps.cfg == nil {
				return nil
			}
			return RunOutboxDispatcher(ctx, OutboxDispatcherConfig{
				Dispatcher: deps.cfg.Services.Outbox,
				Logger:     deps.logger,
			})
		},
	}
}

func newReaperBackgroundService(deps *serviceStartupDeps) backgroundService {
	return backgroundService{
		mode: config.ServiceModeReaper,
		name: "reaper",
		start: func(ctx context.Context) error {
			if deps == nil || deps.cfg == nil {
				return nil
			}
			var (
				reaperCfg   config.ReaperConfig
				leasePrefix string
			)
			if deps.cfg.Config != nil {
				reaperCfg = deps.cfg.Config.Reaper
				leasePrefix = deps.cfg.Config.Store.RedisKeyPrefix
			}
			var nudge func()
			if deps.cfg.Services.Outbox != nil {
				nudge = deps.cfg.Services.Outbox.Nudge
			}
			return RunReaper(ctx, ReaperConfig{
				DB:              deps.cfg.DB,
				Repo:            deps.cfg.Services.Repo,
				Logger:          deps.logger,
				Config:          reaperCfg,
				Metrics:         deps.cfg.Services.Observability.sink(),
				FailureNotifier: deps.cfg.Services.Observability.FailureNotifier,
				Nudge:           nudge,
				Redis:           deps.cfg.RedisClient,
				LeasePrefix:     leasePrefix,
			})
		},
	}
}

func buildBackgroundServices(deps *serviceStartupDeps) []backgroundService {
	if deps == nil {
		return nil
	}
	return []backgroundService{
		newOutboxBackgroundService(deps),
		newReaperBackgroundService(deps),
	}
}

// ServiceStartupResult holds the results of starting all services.
type ServiceStartupResult struct {
	HTTPServer *http.Server
	Background []backgroundServiceHandle
}

// startServices starts all enabled services and returns their completion channels.
func startServices(deps *serviceStartupDeps) ServiceStartupResult {
	return ServiceStartupResult{
		HTTPServer: startHTTPServerIfEnabled(deps),
		Background: startBackgroundServices(deps, buildBackgroundServices(deps)),
	}
}

// RunServicesWithShutdown starts all enabled services and manages their lifecycle.
// This function blocks until a shutdown signal is received or a service fails.
func RunServicesWithShutdown(cfg *ServiceOrchestrationConfig) error {
	if cfg == nil {
		return errors.New("service orchestration config is required")
	}
	ctx := context.Background()
	serviceCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	if cfg.Config == nil {
		return errors.New("service orchestration config missing AppConfig")
	}

	// Determine which services are enabled
	enabledServices, err := cfg.Config.GetEnabledServices()
	if err != nil {
		return fmt.Errorf("determine enabled services: %w", err)
	}
	errCh := make(chan error, errorChannelBufferSize(enabledServices))

	result := startServices(&serviceStartupDeps{
		ctx:             serviceCtx,
		cfg:             cfg,
		logger:          logger,
		enabledServices: enabledServices,
		errCh:           errCh,
	})

	return waitForShutdown(shutdownConfig{
		ctx:             serviceCtx,
		cancel:          cancel,
		errCh:           errCh,
		httpServer:      result.HTTPServer,
		submissions:     cfg.Services.Submissions,
		httpGracePeriod: cfg.Config.HTTP.ShutdownTimeout,
		logger:          logger,
		backgrounds:     result.Background,
	})
}

func errorChannelCapacity(enabled map[config.ServiceMode]bool) int {
	count := 0
	for _, mode := range config.ValidServiceModes() {
		if enabled[mode] {
			count++
		}
	}
	return count
}

func errorChannelBufferSize(enabled map[config.ServiceMode]bool) int {
	size := errorChannelCapacity(enabled) + 1
	if size < 1 {
		return 1
	}
	return size
}

// shutdownConfig contains dependencies for graceful shutdown.
type shutdownConfig struct {
	ctx             context.Context
	cancel          context.CancelFunc
	errCh           <-chan error
	httpServer      *http.Server
	submissions     *service.SubmissionService
	httpGracePeriod time.Duration
	logger          *slog.Logger
	backgrounds     []backgroundServiceHandle
}

// waitForShutdown waits for shutdown signal or service error.
func waitForShutdown(cfg shutdownConfig) error {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case <-quit:
		cfg.logger.Info("shutting down services...")
		cfg.cancel() // Cancel service context before waiting
		return gracefulStop(cfg)
	case err := <-cfg.errCh:
		cfg.logger.Error("service error", "error", err)
		cfg.cancel() // Cancel service context before waiting
		if stopErr := gracefulStop(cfg); stopErr != nil {
			cfg.logger.Error("graceful stop failed", "error", stopErr)
		}
		return err
	}
}

// gracefulStop attempts to gracefully stop all services.
func gracefulStop(cfg shutdownConfig) error {
	if cfg.httpServer != nil {
		// The service context is already cancelled; shutdown gets its own deadline.
		if err := ShutdownHTTPServer(context.WithoutCancel(cfg.ctx), cfg.httpServer,
			cfg.submissions, cfg.httpGracePeriod, cfg.logger); err != nil {
			return err
		}
	}

	// Wait for background services to finish
	for _, svc := range cfg.backgrounds {
		waitForService(svc.done, svc.name, cfg.logger)
	}

	return nil
}

// waitForService waits for a service to finish with timeout.
func waitForService(done <-chan struct{}, name string, logger *slog.Logger) {
	if done == nil {
		return
	}
	select {
	case <-done:
		logger.Info(name + " stopped")
	case <-time.After(shutdownWaitTimeout):
		logger.Warn("timeout waiting for " + name + " to stop")
	}
}
