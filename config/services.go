package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ServiceMode represents the available service modes.
type ServiceMode string

const (
	// ServiceModeHTTP runs the HTTP server.
	ServiceModeHTTP ServiceMode = "http"
	// ServiceModeOutboxDispatcher publishes stored status events to the bus.
	ServiceModeOutboxDispatcher ServiceMode = "outbox-dispatcher"
	// ServiceModeReaper fails stuck submissions and purges published events.
	ServiceModeReaper ServiceMode = "reaper"
)

// ValidServiceModes returns all valid service mode names.
func ValidServiceModes() []ServiceMode {
	return []ServiceMode{
		ServiceModeHTTP,
		ServiceModeOutboxDispatcher,
		ServiceModeReaper,
	}
}

// ParseServices parses a comma-delimited string of service names and returns the enabled services.
// It validates that all service names are valid and returns an error if any are invalid.
func ParseServices(servicesStr string) (map[ServiceMode]bool, error) {
	services := make(map[ServiceMode]bool)

	if servicesStr == "" {
		return services, errors.New("at least one service must be specified")
	}

	parts := strings.Split(servicesStr, ",")
	for _, part := range parts {
		serviceName := strings.TrimSpace(part)
		if serviceName == "" {
			continue
		}

		mode := ServiceMode(serviceName)
		switch mode {
		case ServiceModeHTTP,
			ServiceModeOutboxDispatcher,
			ServiceModeReaper:
			services[mode] = true
		default:
			return nil, fmt.Errorf(
				"invalid service name: %q (valid options: http, outbox-dispatcher, reaper)",
				serviceName,
			)
		}
	}

	if len(services) == 0 {
		return nil, errors.New("at least one valid service must be specified")
	}

	return services, nil
}

// OutboxConfig contains outbox dispatcher configuration.
type OutboxConfig struct {
	// Interval is the fallback poll interval; transitions also wake the dispatcher directly.
	Interval time.Duration `env:"INTERVAL" envDefault:"1s"`

	// BatchSize is the maximum number of events read per pass.
	BatchSize int `env:"BATCH_SIZE" envDefault:"100"`

	// Concurrency is the number of submissions whose events are published in parallel.
	// Events of one submission are always published sequentially.
	Concurrency int `env:"CONCURRENCY" envDefault:"4"`

	// PublishTimeout bounds a single publish acknowledgement.
	PublishTimeout time.Duration `env:"PUBLISH_TIMEOUT" envDefault:"5s"`
}

// Sanitize applies guardrails to outbox configuration values.
func (o *OutboxConfig) Sanitize() {
	if o.Interval < 100*time.Millisecond {
		o.Interval = 100 * time.Millisecond
	}
	if o.BatchSize < 1 {
		o.BatchSize = 1
	}
	if o.BatchSize > 1000 {
		o.BatchSize = 1000
	}
	if o.Concurrency < 1 {
		o.Concurrency = 1
	}
	if o.PublishTimeout <= 0 {
		o.PublishTimeout = 5 * time.Second
	}
}

// ReaperConfig contains reaper service configuration.
type ReaperConfig struct {
	// Interval is the reaper tick interval.
	Interval time.Duration `env:"REAPER_INTERVAL" envDefault:"5m"`

	// StaleAfter is how long a submission may sit in RECEIVED or PROCESSING before it is
	// failed. A process that crashed mid-pipeline cannot resume it.
	StaleAfter time.Duration `env:"REAPER_STALE_AFTER" envDefault:"15m"`

	// OutboxRetention is how long published status events are kept before deletion.
	OutboxRetention time.Duration `env:"REAPER_OUTBOX_RETENTION" envDefault:"168h"` // 7 days

	// BatchSize is the maximum number of rows to process per operation.
	// Batching prevents long locks and I/O spikes on large tables.
	BatchSize int `env:"REAPER_BATCH_SIZE" envDefault:"500"`
}

// Sanitize applies guardrails to reaper configuration values.
func (r *ReaperConfig) Sanitize() {
	// Enforce minimum intervals to prevent excessive database load
	if r.Interval < 1*time.Minute {
		r.Interval = 1 * time.Minute
	}
	if r.StaleAfter < 5*time.Minute {
		r.StaleAfter = 5 * time.Minute
	}
	if r.OutboxRetention < 1*time.Hour {
		r.OutboxRetention = 1 * time.Hour
	}

	// Enforce batch size bounds to prevent excessive locks or inefficiency
	if r.BatchSize < 1 {
		r.BatchSize = 1
	}
	if r.BatchSize > 500 {
		r.BatchSize = 500
	}
}
