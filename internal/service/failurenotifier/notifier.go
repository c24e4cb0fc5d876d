// Package failurenotifier fans terminal submission failures out to alerting sinks
// (Slack, PagerDuty). Each sink can be restricted to a minimum severity, repeated
// alerts for the same submission and stage are suppressed inside a dedupe window,
// and every delivery runs under its own timeout.
package failurenotifier

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/target/voice-message-api/internal/observability/notify"
	"github.com/target/voice-message-api/internal/observability/statsd"
	"golang.org/x/sync/errgroup"
)

const (
	defaultDeliveryTimeout = 10 * time.Second
	defaultDedupeWindow    = 15 * time.Minute
)

// SinkRegistration pairs a sink with the name used in logs and metric tags.
// MinSeverity filters out payloads below the given level; empty accepts all.
type SinkRegistration struct {
	Name        string
	Sink        notify.Sink
	MinSeverity string
}

// Options configures the failure notifier service.
type Options struct {
	Logger  *slog.Logger
	Metrics statsd.Sink
	Sinks   []SinkRegistration
	// DeliveryTimeout bounds each sink call, retries included. Defaults to 10s.
	DeliveryTimeout time.Duration
	// DedupeWindow suppresses repeat alerts for the same submission and stage.
	// Negative disables suppression; zero uses the 15m default.
	DedupeWindow time.Duration
	Clock        func() time.Time
}

// Report summarises one fan-out by sink name.
type Report struct {
	Delivered []string
	Failed    []string
	Filtered  []string
	// Suppressed is true when the payload was a duplicate and no sink was called.
	Suppressed bool
}

// Service dispatches failure events to all registered sinks.
type Service struct {
	logger  *slog.Logger
	metrics statsd.Sink
	sinks   []SinkRegistration
	timeout time.Duration
	window  time.Duration
	now     func() time.Time

	mu   sync.Mutex
	seen map[string]time.Time
}

// NewService constructs a failure notifier. Nil sinks are dropped.
func NewService(opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default().With("component", "failure_notifier")
	}
	now := opts.Clock
	if now == nil {
		now = time.Now
	}
	timeout := opts.DeliveryTimeout
	if timeout <= 0 {
		timeout = defaultDeliveryTimeout
	}
	window := opts.DedupeWindow
	if window == 0 {
		window = defaultDedupeWindow
	}

	sinks := make([]SinkRegistration, 0, len(opts.Sinks))
	for i, entry := range opts.Sinks {
		if entry.Sink == nil {
			continue
		}
		if entry.Name == "" {
			entry.Name = "sink_" + strconv.Itoa(i)
		}
		sinks = append(sinks, entry)
	}

	return &Service{
		logger:  logger,
		metrics: opts.Metrics,
		sinks:   sinks,
		timeout: timeout,
		window:  window,
		now:     now,
		seen:    make(map[string]time.Time),
	}
}

// Enabled reports whether the notifier has any active sinks.
func (s *Service) Enabled() bool {
	return s != nil && len(s.sinks) > 0
}

// NotifySubmissionFailure delivers payload to every eligible sink concurrently and
// waits for all of them. Delivery errors are logged and counted, never returned:
// alerting must not change the outcome of the pipeline step that failed.
func (s *Service) NotifySubmissionFailure(ctx context.Context, payload notify.SubmissionFailurePayload) Report {
	var report Report
	if !s.Enabled() {
		return report
	}
	if payload.Severity == "" {
		payload.Severity = notify.SeverityCritical
	}
	if payload.OccurredAt.IsZero() {
		payload.OccurredAt = s.now().UTC()
	}
	if s.duplicate(payload) {
		report.Suppressed = true
		s.logger.DebugContext(ctx, "failure notification suppressed",
			"message_id", payload.SubmissionID,
			"stage", payload.Stage,
		)
		return report
	}

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	record := func(list *[]string, name string) {
		mu.Lock()
		*list = append(*list, name)
		mu.Unlock()
	}
	for _, entry := range s.sinks {
		if !notify.SeverityAtLeast(payload.Severity, entry.MinSeverity) {
			record(&report.Filtered, entry.Name)
			continue
		}
		g.Go(func() error {
			if err := s.deliver(ctx, entry, payload); err != nil {
				record(&report.Failed, entry.Name)
				return nil
			}
			record(&report.Delivered, entry.Name)
			return nil
		})
	}
	_ = g.Wait()
	return report
}

func (s *Service) deliver(ctx context.Context, entry SinkRegistration, payload notify.SubmissionFailurePayload) error {
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
	defer cancel()

	start := s.now()
	err := entry.Sink.SendSubmissionFailure(dctx, payload)
	result := "success"
	if err != nil {
		result = "error"
		s.logger.ErrorContext(ctx, "failure notifier delivery error",
			"sink", entry.Name,
			"message_id", payload.SubmissionID,
			"stage", payload.Stage,
			"severity", payload.Severity,
			"error", err,
		)
	}
	if s.metrics != nil {
		tags := map[string]string{"sink": entry.Name, "result": result}
		s.metrics.Count("notify.delivery", 1, tags)
		s.metrics.Timing("notify.delivery_duration", s.now().Sub(start), tags)
	}
	return err
}

// duplicate records payload and reports whether the same submission and stage was
// already alerted inside the dedupe window. Expired keys are pruned on each call.
func (s *Service) duplicate(payload notify.SubmissionFailurePayload) bool {
	if s.window < 0 || payload.SubmissionID == "" {
		return false
	}
	key := payload.SubmissionID + "|" + payload.Stage
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()
	for k, at := range s.seen {
		if now.Sub(at) >= s.window {
			delete(s.seen, k)
		}
	}
	if _, ok := s.seen[key]; ok {
		return true
	}
	s.seen[key] = now
	return false
}
