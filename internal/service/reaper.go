package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"
	"github.com/target/voice-message-api/config"
	"github.com/target/voice-message-api/internal/core"
	"github.com/target/voice-message-api/internal/domain/model"
	obserrors "github.com/target/voice-message-api/internal/observability/errors"
	"github.com/target/voice-message-api/internal/observability/metrics"
	"github.com/target/voice-message-api/internal/observability/notify"
	"github.com/target/voice-message-api/internal/observability/statsd"
	"github.com/target/voice-message-api/internal/service/failurenotifier"
)

// ReaperServiceOptions groups dependencies for ReaperService.
type ReaperServiceOptions struct {
	Repo            core.SubmissionRepository // Required: submission store and outbox
	Config          config.ReaperConfig       // Required: reaper configuration
	Logger          *slog.Logger              // Optional: structured logger
	Metrics         statsd.Sink               // Optional: metrics sink (StatsD-compatible)
	FailureNotifier *failurenotifier.Service  // Optional: notified for every reaped submission
	Nudge           func()                    // Optional: wakes the outbox dispatcher after reaping
	Clock           func() time.Time          // Optional: defaults to time.Now
	// Gate, when set, is consulted before every scheduled pass; a false result skips
	// the pass. Replicas use it to elect a single reaper. RunOnce ignores it.
	Gate func(ctx context.Context) (bool, error)
}

// ReaperService provides submission cleanup operations.
//
// This service manages:
// - Failing submissions stuck in RECEIVED or PROCESSING, whose pipeline died with its process.
// - Deleting published status events to keep the outbox small.
type ReaperService struct {
	repo            core.SubmissionRepository
	config          config.ReaperConfig
	logger          *slog.Logger
	metrics         statsd.Sink
	failureNotifier *failurenotifier.Service
	nudge           func()
	now             func() time.Time
	gate            func(ctx context.Context) (bool, error)
}

// NewReaperService constructs a new ReaperService.
func NewReaperService(opts ReaperServiceOptions) (*ReaperService, error) {
	if opts.Repo == nil {
		return nil, errors.New("SubmissionRepository is required")
	}

	var logger *slog.Logger
	if opts.Logger != nil {
		logger = opts.Logger.With("component", "reaper_service")
		logger.Debug("ReaperService initialized",
			"interval", opts.Config.Interval,
			"stale_after", opts.Config.StaleAfter,
			"outbox_retention", opts.Config.OutboxRetention,
			"batch_size", opts.Config.BatchSize,
		)
	}

	now := opts.Clock
	if now == nil {
		now = time.Now
	}
	nudge := opts.Nudge
	if nudge == nil {
		nudge = func() {}
	}

	return &ReaperService{
		repo:            opts.Repo,
		config:          opts.Config,
		logger:          logger,
		metrics:         opts.Metrics,
		failureNotifier: opts.FailureNotifier,
		nudge:           nudge,
		now:             now,
		gate:            opts.Gate,
	}, nil
}

// MustNewReaperService constructs a new ReaperService, wrapping construction errors.
func MustNewReaperService(opts ReaperServiceOptions) (*ReaperService, error) {
	svc, err := NewReaperService(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create ReaperService: %w", err)
	}
	return svc, nil
}

// Run reaps once after a random start delay of up to a tenth of the interval, so
// replicas started together do not sweep in lockstep, and then on every tick. It
// returns nil when ctx is cancelled.
func (s *ReaperService) Run(ctx context.Context) error {
	s.logInfo(ctx, "starting reaper service", "interval", s.config.Interval)

	if spread := s.config.Interval / 10; spread > 0 {
		delay := time.NewTimer(rand.N(spread))
		select {
		case <-ctx.Done():
			delay.Stop()
			return nil
		case <-delay.C:
		}
	}

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()
	for {
		s.scheduledPass(ctx)
		select {
		case <-ctx.Done():
			s.logInfo(ctx, "reaper service stopping", "reason", context.Cause(ctx))
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil
			}
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (s *ReaperService) scheduledPass(ctx context.Context) {
	if s.gate != nil {
		ok, err := s.gate(ctx)
		if err != nil {
			s.logPassError(ctx, fmt.Errorf("reaper gate: %w", err))
			return
		}
		if !ok {
			if s.metrics != nil {
				s.metrics.Count("reaper.cleanup", 1, map[string]string{"result": "skipped"})
			}
			return
		}
	}
	s.logPassError(ctx, s.runCleanup(ctx))
}

// RunOnce performs a single cleanup pass: stale submissions are failed and old
// published events are purged.
func (s *ReaperService) RunOnce(ctx context.Context) error {
	return s.runCleanup(ctx)
}

// passResult is the outcome of one cleanup operation within a pass.
type passResult struct {
	operation string
	count     int64
	err       error
}

// runCleanup runs every cleanup operation even when an earlier one fails. A pass
// in which every failure is a context cancellation reports context.Canceled.
func (s *ReaperService) runCleanup(ctx context.Context) error {
	start := s.now()
	ops := []struct {
		operation, label string
		fn               func(context.Context) (int64, error)
	}{
		{"fail_stale", "fail stale submissions", s.failStaleSubmissions},
		{"purge_outbox", "purge published events", s.purgePublishedEvents},
	}

	results := make([]passResult, 0, len(ops))
	var errs []error
	onlyCanceled := true
	for _, op := range ops {
		count, err := op.fn(ctx)
		results = append(results, passResult{operation: op.operation, count: count, err: err})
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", op.label, err))
			onlyCanceled = onlyCanceled && isContextCancellation(err)
		}
	}
	s.emitPassMetrics(results, s.now().Sub(start))

	switch {
	case len(errs) == 0:
		return nil
	case onlyCanceled:
		return context.Canceled
	default:
		return fmt.Errorf("cleanup failed: %w", errors.Join(errs...))
	}
}

// failStaleSubmissions fails submissions created before the stale cutoff that never reached a
// terminal status. A RECEIVED record is moved through PROCESSING first so every record
// follows the same transition graph and emits the same event sequence.
// Loops until a batch makes no progress to handle large backlogs.
func (s *ReaperService) failStaleSubmissions(ctx context.Context) (int64, error) {
	cutoff := s.now().Add(-s.config.StaleAfter)
	var totalCount int64
	for _, status := range []model.SubmissionStatus{
		model.SubmissionStatusReceived,
		model.SubmissionStatusProcessing,
	} {
		for {
			count, full, err := s.failStaleBatch(ctx, status, cutoff)
			totalCount += count
			if err != nil {
				return totalCount, err
			}
			if count == 0 || !full {
				break
			}
			// Check context between batches
			if ctx.Err() != nil {
				return totalCount, ctx.Err()
			}
		}
	}

	if totalCount > 0 {
		s.nudge()
		if s.logger != nil {
			s.logger.InfoContext(ctx, "failed stale submissions",
				"count", totalCount,
				"stale_after", s.config.StaleAfter,
			)
		}
	}

	return totalCount, nil
}

func (s *ReaperService) failStaleBatch(
	ctx context.Context,
	status model.SubmissionStatus,
	cutoff time.Time,
) (int64, bool, error) {
	recs, err := s.repo.List(ctx, model.SubmissionListOptions{
		Status:        &status,
		CreatedBefore: &cutoff,
		Limit:         s.config.BatchSize,
	})
	if err != nil {
		return 0, false, err
	}

	var count int64
	for _, rec := range recs {
		failed, err := s.failSubmission(ctx, rec)
		if err != nil {
			if errors.Is(err, model.ErrVersionConflict) {
				// The pipeline moved it meanwhile; a later tick sees the new state.
				continue
			}
			return count, false, err
		}
		count++
		s.notifyReaped(ctx, failed)
	}
	return count, len(recs) == s.config.BatchSize, nil
}

func (s *ReaperService) failSubmission(ctx context.Context, rec *model.Submission) (*model.Submission, error) {
	cur := rec
	if cur.Status == model.SubmissionStatusReceived {
		next := cur.Clone()
		if err := next.MarkProcessing(s.now()); err != nil {
			return nil, err
		}
		saved, err := s.repo.Save(ctx, next, model.NewStatusEvent(uuid.NewString(), next, next.UpdatedAt))
		if err != nil {
			return nil, err
		}
		cur = saved
	}

	next := cur.Clone()
	msg := fmt.Sprintf("processing abandoned: no terminal status after %s", s.config.StaleAfter)
	if err := next.MarkFailed(msg, s.now()); err != nil {
		return nil, err
	}
	return s.repo.Save(ctx, next, model.NewStatusEvent(uuid.NewString(), next, next.UpdatedAt))
}

func (s *ReaperService) notifyReaped(ctx context.Context, rec *model.Submission) {
	metrics.EmitSubmissionTransition(s.metrics, metrics.SubmissionMetric{
		Transition: string(model.SubmissionStatusFailed),
		Stage:      string(stageReap),
		Result:     metrics.ResultSuccess,
		Duration:   rec.UpdatedAt.Sub(rec.CreatedAt),
	})
	if s.failureNotifier == nil {
		return
	}
	s.failureNotifier.NotifySubmissionFailure(ctx, notify.SubmissionFailurePayload{
		SubmissionID: rec.ID,
		RequestedBy:  rec.RequestedBy,
		Stage:        string(stageReap),
		Error:        derefString(rec.ErrorMessage),
		ErrorClass:   "stale",
		Severity:     notify.SeverityWarning,
		OccurredAt:   rec.UpdatedAt,
	})
}

// purgePublishedEvents deletes published outbox entries older than the retention window.
// Loops until no more rows are affected to handle large datasets in batches.
func (s *ReaperService) purgePublishedEvents(ctx context.Context) (int64, error) {
	cutoff := s.now().Add(-s.config.OutboxRetention)
	var totalCount int64
	for {
		count, err := s.repo.DeletePublishedBefore(ctx, cutoff, s.config.BatchSize)
		if err != nil {
			return totalCount, err
		}
		totalCount += count
		if count == 0 {
			break
		}
		// Check context between batches
		if ctx.Err() != nil {
			return totalCount, ctx.Err()
		}
	}

	if totalCount > 0 && s.logger != nil {
		s.logger.InfoContext(ctx, "purged published status events",
			"count", totalCount,
			"retention", s.config.OutboxRetention,
		)
	}

	return totalCount, nil
}

// emitPassMetrics reports the pass as a whole and each operation. Cancellation is
// not counted as an error.
func (s *ReaperService) emitPassMetrics(results []passResult, elapsed time.Duration) {
	if s.metrics == nil {
		return
	}

	var (
		total    int64
		firstErr error
	)
	for _, r := range results {
		err := r.err
		if isContextCancellation(err) {
			err = nil
		}
		total += r.count
		if firstErr == nil {
			firstErr = err
		}

		tags := map[string]string{"operation": r.operation, "result": passOutcome(r.count, err)}
		if err != nil {
			tags["error_class"] = obserrors.Classify(err)
		}
		s.metrics.Count("reaper.cleanup_operation", 1, tags)
		if err == nil && r.count > 0 {
			s.metrics.Count("reaper.records_processed", r.count, metrics.CloneTags(tags))
		}
	}

	tags := map[string]string{"result": passOutcome(total, firstErr)}
	if firstErr != nil {
		tags["error_class"] = obserrors.Classify(firstErr)
	}
	s.metrics.Count("reaper.cleanup", 1, tags)
	if elapsed > 0 {
		s.metrics.Timing("reaper.cleanup_duration", elapsed, metrics.CloneTags(tags))
	}
	if firstErr == nil {
		s.metrics.Gauge("reaper.last_success_epoch", float64(s.now().Unix()), nil)
	}
}

func passOutcome(count int64, err error) string {
	switch {
	case err != nil:
		return metrics.ResultError
	case count == 0:
		return metrics.ResultNoop
	default:
		return metrics.ResultSuccess
	}
}

func (s *ReaperService) logPassError(ctx context.Context, err error) {
	if err == nil || s.logger == nil {
		return
	}
	if isContextCancellation(err) {
		s.logger.DebugContext(ctx, "reaper pass cancelled", "error", err)
		return
	}
	s.logger.ErrorContext(ctx, "reaper pass failed", "error", err)
}

func (s *ReaperService) logInfo(ctx context.Context, msg string, args ...any) {
	if s.logger != nil {
		s.logger.InfoContext(ctx, msg, args...)
	}
}

func isContextCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
