package config

import (
	"os"
	"strings"
)

// AppConfig is the main application configuration struct that composes
// domain-specific configuration from separate files.
//
// Configuration is loaded from environment variables using the
// github.com/caarlos0/env library. See individual domain config
// files for details on available environment variables:
//   - database.go: Postgres, Redis and store backend selection
//   - http.go: HTTP server configuration
//   - pipeline.go: Speech synthesis, object storage and event bus
//   - services.go: Service mode, outbox dispatcher and reaper configuration
//   - observability.go: Metrics and failure notifications
type AppConfig struct {
	// IsDev controls development mode behavior (text logs, verbose errors).
	// Set DEV=true or NODE_ENV=development for development mode.
	IsDev bool `env:"DEV" envDefault:"false"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	// Database configuration
	Postgres DBConfig    `envPrefix:"DB_"`
	Redis    RedisConfig `envPrefix:"REDIS_"`
	Store    StoreConfig `envPrefix:"STORE_"`

	// HTTP server configuration
	HTTP HTTPConfig

	// Pipeline collaborators
	Synthesis   SynthesisConfig   `envPrefix:"TTS_"`
	ObjectStore ObjectStoreConfig `envPrefix:"OBJECT_STORE_"`
	Events      EventsConfig      `envPrefix:"EVENTS_"`

	// Service mode configuration
	Services string `env:"SERVICES" envDefault:"http,outbox-dispatcher"`

	// Outbox dispatcher configuration
	Outbox OutboxConfig `envPrefix:"OUTBOX_"`

	// Reaper configuration
	Reaper ReaperConfig

	// Observability configuration
	Observability ObservabilityConfig
}

// Sanitize applies guardrails to configuration values loaded from env.
// This should be called after loading configuration from environment variables.
func (c *AppConfig) Sanitize() {
	c.HTTP.Sanitize()
	c.Postgres.Sanitize()
	c.Store.Sanitize()
	c.Synthesis.Sanitize()
	c.ObjectStore.Sanitize()
	c.Events.Sanitize()
	c.Outbox.Sanitize()
	c.Reaper.Sanitize()
	c.Observability.Sanitize()

	c.LogLevel = strings.ToLower(strings.TrimSpace(c.LogLevel))

	// Check NODE_ENV for dev mode
	c.detectDevMode()
}

// detectDevMode checks both DEV and NODE_ENV environment variables.
// This is called by Sanitize() to ensure IsDev is set correctly.
func (c *AppConfig) detectDevMode() {
	if !c.IsDev {
		nodeEnv := strings.ToLower(os.Getenv("NODE_ENV"))
		c.IsDev = nodeEnv == "development" || nodeEnv == "dev"
	}
}

// GetEnabledServices returns the enabled services based on the Services field.
func (c *AppConfig) GetEnabledServices() (map[ServiceMode]bool, error) {
	return ParseServices(c.Services)
}

// IsHTTPServerEnabled returns true if the HTTP server service is enabled.
func (c *AppConfig) IsHTTPServerEnabled() bool {
	return c.serviceEnabled(ServiceModeHTTP)
}

// IsOutboxDispatcherEnabled returns true if the outbox dispatcher service is enabled.
func (c *AppConfig) IsOutboxDispatcherEnabled() bool {
	return c.serviceEnabled(ServiceModeOutboxDispatcher)
}

// IsReaperEnabled returns true if the reaper service is enabled.
func (c *AppConfig) IsReaperEnabled() bool {
	return c.serviceEnabled(ServiceModeReaper)
}

func (c *AppConfig) serviceEnabled(mode ServiceMode) bool {
	services, err := c.GetEnabledServices()
	if err != nil {
		return false
	}
	return services[mode]
}

// NeedsDatabase reports whether the configured store backend needs Postgres.
func (c *AppConfig) NeedsDatabase() bool {
	return c.Store.Backend == StoreBackendPostgres
}

// NeedsRedis reports whether the configured store backend needs Redis.
func (c *AppConfig) NeedsRedis() bool {
	return c.Store.Backend == StoreBackendRedis
}
