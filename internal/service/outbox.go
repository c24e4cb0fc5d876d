package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/target/voice-message-api/config"
	"github.com/target/voice-message-api/internal/core"
	"github.com/target/voice-message-api/internal/domain/model"
	"github.com/target/voice-message-api/internal/observability/metrics"
	"github.com/target/voice-message-api/internal/observability/statsd"
	"golang.org/x/sync/errgroup"
)

// OutboxDispatcherOptions groups dependencies for OutboxDispatcher.
type OutboxDispatcherOptions struct {
	Collaborators Collaborators       // Required: Store (outbox side) and Events
	Config        config.OutboxConfig // Required: dispatcher configuration
	Logger        *slog.Logger        // Optional: structured logger
	Metrics       statsd.Sink         // Optional: metrics sink (StatsD-compatible)
	Clock         func() time.Time    // Optional: defaults to time.Now
}

// OutboxDispatcher publishes status events that the store recorded alongside each transition.
//
// Entries are read in commit order and grouped by submission. Groups publish in parallel,
// but the events of one submission go out strictly in sequence: the first failure in a
// group holds back every later event of that submission until the next pass. Delivery is
// at-least-once; consumers deduplicate on eventId.
type OutboxDispatcher struct {
	outbox  core.OutboxRepository
	events  core.EventPublisher
	config  config.OutboxConfig
	logger  *slog.Logger
	metrics statsd.Sink
	now     func() time.Time
	wake    chan struct{}
}

// NewOutboxDispatcher constructs a new OutboxDispatcher.
func NewOutboxDispatcher(opts OutboxDispatcherOptions) (*OutboxDispatcher, error) {
	var errs []error
	if opts.Collaborators.Store == nil {
		errs = append(errs, errors.New("store is required"))
	}
	if opts.Collaborators.Events == nil {
		errs = append(errs, errors.New("event publisher is required"))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}

	cfg := opts.Config
	cfg.Sanitize()

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Clock
	if now == nil {
		now = time.Now
	}

	return &OutboxDispatcher{
		outbox:  opts.Collaborators.Store,
		events:  opts.Collaborators.Events,
		config:  cfg,
		logger:  logger.With("component", "outbox_dispatcher"),
		metrics: opts.Metrics,
		now:     now,
		wake:    make(chan struct{}, 1),
	}, nil
}

// MustNewOutboxDispatcher constructs a new OutboxDispatcher, wrapping construction errors.
func MustNewOutboxDispatcher(opts OutboxDispatcherOptions) (*OutboxDispatcher, error) {
	d, err := NewOutboxDispatcher(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create OutboxDispatcher: %w", err)
	}
	return d, nil
}

// Nudge wakes the dispatch loop without waiting for the next tick. It never blocks.
func (d *OutboxDispatcher) Nudge() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Run dispatches on every tick and nudge until ctx is cancelled.
// Returns nil on graceful shutdown (context.Canceled), error otherwise.
func (d *OutboxDispatcher) Run(ctx context.Context) error {
	d.logger.InfoContext(ctx, "starting outbox dispatcher",
		"interval", d.config.Interval,
		"batch_size", d.config.BatchSize,
		"concurrency", d.config.Concurrency,
	)

	ticker := time.NewTicker(d.config.Interval)
	defer ticker.Stop()

	d.dispatchAndLog(ctx)

	for {
		select {
		case <-ctx.Done():
			d.logger.InfoContext(ctx, "outbox dispatcher stopping", "reason", ctx.Err())
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil
			}
			return ctx.Err()
		case <-ticker.C:
			d.dispatchAndLog(ctx)
		case <-d.wake:
			d.dispatchAndLog(ctx)
		}
	}
}

func (d *OutboxDispatcher) dispatchAndLog(ctx context.Context) {
	if _, err := d.DispatchOnce(ctx); err != nil {
		if isContextCancellation(err) {
			d.logger.Debug("outbox dispatch cancelled by context", "error", err)
			return
		}
		d.logger.ErrorContext(ctx, "outbox dispatch failed", "error", err)
	}
}

// DispatchOnce drains the outbox in batches and returns the number of events published.
// It stops early when a batch had publish failures so the failing events are retried on
// the next pass instead of in a tight loop.
func (d *OutboxDispatcher) DispatchOnce(ctx context.Context) (int, error) {
	total := 0
	for {
		res, err := d.dispatchBatch(ctx)
		total += res.published
		if err != nil {
			return total, err
		}
		if res.fetched < d.config.BatchSize || res.failed > 0 {
			return total, nil
		}
		if ctx.Err() != nil {
			return total, ctx.Err()
		}
	}
}

type batchResult struct {
	fetched   int
	published int
	failed    int
}

func (d *OutboxDispatcher) dispatchBatch(ctx context.Context) (batchResult, error) {
	start := time.Now()
	entries, err := d.outbox.FetchUnpublished(ctx, d.config.BatchSize)
	if err != nil {
		metrics.EmitOutboxBatch(d.metrics, metrics.OutboxBatchMetric{Err: err})
		return batchResult{}, fmt.Errorf("fetch unpublished: %w", err)
	}
	res := batchResult{fetched: len(entries)}
	if len(entries) == 0 {
		metrics.EmitOutboxBatch(d.metrics, metrics.OutboxBatchMetric{})
		return res, nil
	}

	var (
		mu   sync.Mutex
		seqs = make([]int64, 0, len(entries))
	)
	var g errgroup.Group
	g.SetLimit(d.config.Concurrency)
	for _, group := range groupByMessage(entries) {
		g.Go(func() error {
			done := d.publishGroup(ctx, group)
			mu.Lock()
			seqs = append(seqs, done...)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	res.published = len(seqs)
	res.failed = len(entries) - len(seqs)

	var markErr error
	if len(seqs) > 0 {
		slices.Sort(seqs)
		// Marking must not be skipped because the caller is shutting down; the events
		// are already on the bus.
		if err := d.outbox.MarkPublished(context.WithoutCancel(ctx), seqs, d.now()); err != nil {
			markErr = fmt.Errorf("mark published: %w", err)
			res.published = 0
		}
	}

	metrics.EmitOutboxBatch(d.metrics, metrics.OutboxBatchMetric{
		Fetched:   res.fetched,
		Published: res.published,
		Failed:    res.failed,
		Elapsed:   time.Since(start),
		Err:       markErr,
	})
	return res, markErr
}

// publishGroup publishes one submission's events in order and returns the sequence
// numbers that were acknowledged. It stops at the first failure.
func (d *OutboxDispatcher) publishGroup(ctx context.Context, group []model.OutboxEntry) []int64 {
	done := make([]int64, 0, len(group))
	for _, entry := range group {
		if ctx.Err() != nil {
			return done
		}
		pctx, cancel := context.WithTimeout(ctx, d.config.PublishTimeout)
		err := d.events.Publish(pctx, entry.Event)
		cancel()
		if err != nil {
			d.logger.WarnContext(ctx, "status event publish failed, holding back later events",
				"message_id", entry.Event.MessageID,
				"event_id", entry.Event.EventID,
				"status", entry.Event.Status,
				"seq", entry.Seq,
				"held_back", len(group)-len(done)-1,
				"error", err,
			)
			return done
		}
		done = append(done, entry.Seq)
	}
	return done
}

// groupByMessage splits entries per submission, preserving sequence order within each
// group and first-appearance order across groups.
func groupByMessage(entries []model.OutboxEntry) [][]model.OutboxEntry {
	index := make(map[string]int)
	var groups [][]model.OutboxEntry
	for _, e := range entries {
		i, ok := index[e.Event.MessageID]
		if !ok {
			i = len(groups)
			index[e.Event.MessageID] = i
			groups = append(groups, nil)
		}
		groups[i] = append(groups[i], e)
	}
	return groups
}
