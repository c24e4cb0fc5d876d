package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/target/voice-message-api/internal/core"
	"github.com/target/voice-message-api/internal/domain/model"
	apperrors "github.com/target/voice-message-api/internal/errors"
	obserrors "github.com/target/voice-message-api/internal/observability/errors"
	"github.com/target/voice-message-api/internal/observability/metrics"
	"github.com/target/voice-message-api/internal/observability/notify"
	"github.com/target/voice-message-api/internal/observability/statsd"
	"github.com/target/voice-message-api/internal/service/failurenotifier"
)

// Collaborators bundles the ports the submission pipeline talks to. Handles are passed
// explicitly at construction; nothing in the pipeline reaches for a global client.
type Collaborators struct {
	Store       core.SubmissionRepository // Required: records plus their status-event outbox
	Synthesizer core.SpeechSynthesizer    // Required: text to audio
	Objects     core.ObjectStore          // Required: audio storage and presigning
	Events      core.EventPublisher       // Required by the outbox dispatcher only
}

func (c Collaborators) validateForPipeline() error {
	var errs []error
	if c.Store == nil {
		errs = append(errs, errors.New("store is required"))
	}
	if c.Synthesizer == nil {
		errs = append(errs, errors.New("synthesizer is required"))
	}
	if c.Objects == nil {
		errs = append(errs, errors.New("object store is required"))
	}
	return errors.Join(errs...)
}

// SubmissionServiceOptions groups dependencies for SubmissionService.
type SubmissionServiceOptions struct {
	Collaborators   Collaborators            // Required: Store, Synthesizer and Objects
	Logger          *slog.Logger             // Optional: structured logger
	Metrics         statsd.Sink              // Optional: metrics sink (StatsD-compatible)
	FailureNotifier *failurenotifier.Service // Optional: failure notification fan-out
	Nudge           func()                   // Optional: wakes the outbox dispatcher after a persisted transition
	Clock           func() time.Time         // Optional: defaults to time.Now
	NewID           func() string            // Optional: defaults to uuid.NewString
}

// SubmitRequest is the input of one text-to-speech submission.
type SubmitRequest struct {
	Text        string
	RequestedBy string
	VoiceType   *string
}

// SubmitResult carries the terminal record of an asynchronous submission.
type SubmitResult struct {
	Submission *model.Submission
	Err        error
}

// SubmissionService drives a submission through RECEIVED -> PROCESSING -> COMPLETED | FAILED.
//
// Each persisted transition carries its status event into the store's outbox; publication
// happens out of band in OutboxDispatcher. Failures after the record reaches PROCESSING are
// absorbed into a FAILED record instead of being returned.
type SubmissionService struct {
	collab          Collaborators
	logger          *slog.Logger
	metrics         statsd.Sink
	failureNotifier *failurenotifier.Service
	nudge           func()
	now             func() time.Time
	newID           func() string

	inflight sync.WaitGroup
}

// NewSubmissionService constructs a new SubmissionService.
func NewSubmissionService(opts SubmissionServiceOptions) (*SubmissionService, error) {
	if err := opts.Collaborators.validateForPipeline(); err != nil {
		return nil, err
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Clock
	if now == nil {
		now = time.Now
	}
	newID := opts.NewID
	if newID == nil {
		newID = uuid.NewString
	}
	nudge := opts.Nudge
	if nudge == nil {
		nudge = func() {}
	}

	return &SubmissionService{
		collab:          opts.Collaborators,
		logger:          logger.With("component", "submission_service"),
		metrics:         opts.Metrics,
		failureNotifier: opts.FailureNotifier,
		nudge:           nudge,
		now:             now,
		newID:           newID,
	}, nil
}

// MustNewSubmissionService constructs a new SubmissionService, wrapping construction errors.
func MustNewSubmissionService(opts SubmissionServiceOptions) (*SubmissionService, error) {
	svc, err := NewSubmissionService(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create SubmissionService: %w", err)
	}
	return svc, nil
}

// Submit runs the full pipeline and returns the terminal record. An error is returned only
// when the record cannot be created or moved to PROCESSING; later failures end in FAILED.
// Once the record exists the pipeline ignores ctx cancellation, so a caller that goes away
// cannot strand it in RECEIVED or PROCESSING.
func (s *SubmissionService) Submit(ctx context.Context, req SubmitRequest) (*model.Submission, error) {
	rec, err := s.create(ctx, req)
	if err != nil {
		return nil, err
	}
	return s.process(context.WithoutCancel(ctx), rec)
}

// SubmitAsync persists the RECEIVED record and continues the pipeline on its own goroutine.
// The returned channel receives exactly one result and is then closed. The pipeline is
// detached from ctx cancellation so an abandoned request still reaches a terminal state.
func (s *SubmissionService) SubmitAsync(ctx context.Context, req SubmitRequest) (*model.Submission, <-chan SubmitResult, error) {
	rec, err := s.create(ctx, req)
	if err != nil {
		return nil, nil, err
	}

	out := make(chan SubmitResult, 1)
	pctx := context.WithoutCancel(ctx)
	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		defer close(out)
		final, err := s.process(pctx, rec.Clone())
		out <- SubmitResult{Submission: final, Err: err}
	}()
	return rec, out, nil
}

// Wait blocks until all asynchronous pipelines have finished or ctx is done.
func (s *SubmissionService) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Get returns the current record for id. Unknown ids yield a NotFound AppError.
func (s *SubmissionService) Get(ctx context.Context, id string) (*model.Submission, error) {
	rec, err := s.collab.Store.Fetch(ctx, id)
	if err != nil {
		return nil, mapStoreError(err, id)
	}
	return rec, nil
}

// List returns records matching opts, newest first.
func (s *SubmissionService) List(ctx context.Context, opts model.SubmissionListOptions) ([]*model.Submission, error) {
	opts.Normalize()
	if err := opts.Validate(); err != nil {
		return nil, apperrors.Validation(err.Error())
	}
	recs, err := s.collab.Store.List(ctx, opts)
	if err != nil {
		return nil, apperrors.MapDBError(err)
	}
	return recs, nil
}

// GetAudioURL returns a presigned URL for the stored audio valid for ttl. A record without
// a storage location (anything but COMPLETED) is a validation error.
func (s *SubmissionService) GetAudioURL(ctx context.Context, id string, ttl time.Duration) (string, error) {
	if ttl < time.Second || ttl > model.MaxAudioURLTTL {
		return "", apperrors.ValidationField("ttl", "ttl must be between 1s and 168h")
	}
	loc, err := s.storedLocation(ctx, id)
	if err != nil {
		return "", err
	}
	url, err := s.collab.Objects.Presign(ctx, loc, ttl)
	if err != nil {
		return "", mapObjectError(err, loc)
	}
	return url, nil
}

// Audio returns the stored audio bytes and their content type.
func (s *SubmissionService) Audio(ctx context.Context, id string) ([]byte, string, error) {
	loc, err := s.storedLocation(ctx, id)
	if err != nil {
		return nil, "", err
	}
	data, err := s.collab.Objects.Download(ctx, loc)
	if err != nil {
		return nil, "", mapObjectError(err, loc)
	}
	return data, model.AudioContentType, nil
}

func (s *SubmissionService) storedLocation(ctx context.Context, id string) (model.StorageLocation, error) {
	rec, err := s.Get(ctx, id)
	if err != nil {
		return model.StorageLocation{}, err
	}
	loc, ok := rec.Location()
	if !ok {
		return model.StorageLocation{}, apperrors.Validationf(
			"submission %s has no stored audio (status %s)", id, rec.Status)
	}
	return loc, nil
}

// create allocates the id and persists the RECEIVED record together with its event.
func (s *SubmissionService) create(ctx context.Context, req SubmitRequest) (*model.Submission, error) {
	rec := model.NewSubmission(s.newID(), req.Text, req.RequestedBy, req.VoiceType, s.now())
	stored, err := s.collab.Store.Create(ctx, rec, s.eventFor(rec))
	if err != nil {
		s.emitTransition(model.SubmissionStatusReceived, stageCreate, 0, err)
		return nil, mapStoreError(err, rec.ID)
	}
	s.emitTransition(model.SubmissionStatusReceived, stageCreate, 0, nil)
	s.nudge()
	s.logger.DebugContext(ctx, "submission received", "message_id", stored.ID, "requested_by", stored.RequestedBy)
	return stored, nil
}

// process runs steps 2 through 6 for a RECEIVED record.
func (s *SubmissionService) process(ctx context.Context, rec *model.Submission) (*model.Submission, error) {
	started := s.now()

	processing, err := s.transition(ctx, rec, func(next *model.Submission) error {
		return next.MarkProcessing(s.now())
	})
	if err != nil {
		s.emitTransition(model.SubmissionStatusProcessing, stageProcessing, 0, err)
		return nil, mapStoreError(err, rec.ID)
	}
	s.emitTransition(model.SubmissionStatusProcessing, stageProcessing, 0, nil)

	synthesized := s.synthesize(ctx, processing.OriginalText)
	uploaded := andThen(synthesized, func(audio []byte) stageResult[storedAudio] {
		return s.upload(ctx, audio)
	})

	// The terminal write must land even if the caller went away mid-pipeline.
	final, err := s.finalize(context.WithoutCancel(ctx), processing, uploaded)
	if err != nil {
		return nil, err
	}

	elapsed := s.now().Sub(started)
	if final.Status == model.SubmissionStatusCompleted {
		s.emitTransition(final.Status, stageFinalize, elapsed, nil)
		s.logger.InfoContext(ctx, "submission completed",
			"message_id", final.ID,
			"bytes", derefInt64(final.FileSizeBytes),
			"duration", elapsed,
		)
	}
	return final, nil
}

type storedAudio struct {
	location model.StorageLocation
	size     int64
}

func (s *SubmissionService) synthesize(ctx context.Context, text string) stageResult[[]byte] {
	audio, err := s.collab.Synthesizer.Synthesize(ctx, text)
	if err != nil {
		return failedAt[[]byte](stageSynthesize, err)
	}
	return succeeded(audio)
}

func (s *SubmissionService) upload(ctx context.Context, audio []byte) stageResult[storedAudio] {
	loc, err := s.collab.Objects.Upload(ctx, audio, model.AudioContentType)
	if err != nil {
		return failedAt[storedAudio](stageUpload, err)
	}
	metrics.EmitAudioBytes(s.metrics, len(audio))
	return succeeded(storedAudio{location: loc, size: int64(len(audio))})
}

// finalize persists COMPLETED for a successful upload, or FAILED for any failed stage,
// including a failed COMPLETED write.
func (s *SubmissionService) finalize(
	ctx context.Context,
	processing *model.Submission,
	uploaded stageResult[storedAudio],
) (*model.Submission, error) {
	if uploaded.ok() {
		audio := uploaded.value
		completed, err := s.transition(ctx, processing, func(next *model.Submission) error {
			return next.MarkCompleted(audio.location, model.AudioContentType, audio.size, s.now())
		})
		if err == nil {
			return completed, nil
		}
		if current, ok := s.supersededBy(ctx, processing.ID, err); ok {
			s.logger.WarnContext(ctx, "submission finished elsewhere, stored audio is orphaned",
				"message_id", processing.ID,
				"status", current.Status,
				"bucket", audio.location.Bucket,
				"key", audio.location.Key,
			)
			return current, nil
		}
		uploaded = failedAt[storedAudio](stageFinalize, err)
	}

	failed, err := s.transition(ctx, processing, func(next *model.Submission) error {
		return next.MarkFailed(uploaded.err.Error(), s.now())
	})
	if err != nil {
		if current, ok := s.supersededBy(ctx, processing.ID, err); ok {
			return current, nil
		}
		s.logger.ErrorContext(ctx, "could not persist failed submission",
			"message_id", processing.ID,
			"stage", uploaded.stage,
			"cause", uploaded.err,
			"error", err,
		)
		return nil, mapStoreError(err, processing.ID)
	}

	s.recordFailure(ctx, failed, uploaded.stage, uploaded.err, s.now().Sub(processing.CreatedAt))
	return failed, nil
}

// transition applies mutate to a copy of rec and saves it with the matching status event.
func (s *SubmissionService) transition(
	ctx context.Context,
	rec *model.Submission,
	mutate func(next *model.Submission) error,
) (*model.Submission, error) {
	next := rec.Clone()
	if err := mutate(next); err != nil {
		return nil, err
	}
	saved, err := s.collab.Store.Save(ctx, next, s.eventFor(next))
	if err != nil {
		return nil, err
	}
	s.nudge()
	return saved, nil
}

// supersededBy reports the current record when a save lost a version race to a writer that
// already finalized the submission (for example the reaper).
func (s *SubmissionService) supersededBy(ctx context.Context, id string, err error) (*model.Submission, bool) {
	if !errors.Is(err, model.ErrVersionConflict) {
		return nil, false
	}
	current, fetchErr := s.collab.Store.Fetch(ctx, id)
	if fetchErr != nil || !current.Status.Terminal() {
		return nil, false
	}
	return current, true
}

func (s *SubmissionService) eventFor(rec *model.Submission) model.StatusEvent {
	return model.NewStatusEvent(uuid.NewString(), rec, rec.UpdatedAt)
}

func (s *SubmissionService) recordFailure(
	ctx context.Context,
	rec *model.Submission,
	st stage,
	cause error,
	elapsed time.Duration,
) {
	s.emitTransition(model.SubmissionStatusFailed, st, elapsed, cause)
	s.logger.WarnContext(ctx, "submission failed",
		"message_id", rec.ID,
		"stage", st,
		"error_code", apperrors.GetCode(cause),
		"error", cause,
	)

	if s.failureNotifier == nil {
		return
	}
	payload := notify.SubmissionFailurePayload{
		SubmissionID: rec.ID,
		RequestedBy:  rec.RequestedBy,
		Stage:        string(st),
		Error:        derefString(rec.ErrorMessage),
		ErrorClass:   obserrors.Classify(cause),
		OccurredAt:   rec.UpdatedAt,
	}
	if code := apperrors.GetCode(cause); code != "" {
		payload.Metadata = map[string]string{"error_code": string(code)}
	}
	s.failureNotifier.NotifySubmissionFailure(ctx, payload)
}

func (s *SubmissionService) emitTransition(status model.SubmissionStatus, st stage, d time.Duration, err error) {
	result := metrics.ResultSuccess
	if err != nil {
		result = metrics.ResultError
	}
	metrics.EmitSubmissionTransition(s.metrics, metrics.SubmissionMetric{
		Transition: string(status),
		Stage:      string(st),
		Result:     result,
		Duration:   d,
		Err:        err,
	})
}

// mapStoreError converts store sentinels into application errors.
func mapStoreError(err error, id string) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, model.ErrSubmissionNotFound):
		return apperrors.NotFoundf("submission %s not found", id)
	case errors.Is(err, model.ErrSubmissionExists):
		return apperrors.Wrapf(err, apperrors.ErrCodeConflict, "submission %s already exists", id)
	case errors.Is(err, model.ErrVersionConflict):
		return apperrors.Wrapf(err, apperrors.ErrCodeConflict, "submission %s was modified concurrently", id)
	case errors.Is(err, model.ErrInvalidTransition):
		return apperrors.Wrap(err, apperrors.ErrCodeConflict, "invalid status transition")
	default:
		return apperrors.MapDBError(err)
	}
}

// mapObjectError converts object store sentinels into application errors; adapter
// AppErrors (storage) pass through.
func mapObjectError(err error, loc model.StorageLocation) error {
	if errors.Is(err, model.ErrObjectNotFound) {
		return apperrors.NotFoundf("stored audio %s/%s not found", loc.Bucket, loc.Key)
	}
	if apperrors.GetCode(err) != "" {
		return err
	}
	return apperrors.Storage(err, "object store request failed")
}

func derefString(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

func derefInt64(p *int64) int64 {
	if p == nil {
		return 0
	}
	return *p
}
