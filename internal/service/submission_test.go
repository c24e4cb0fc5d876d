package service

import (
	"context"
	"errors"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/target/voice-message-api/internal/adapters/objectstore"
	"github.com/target/voice-message-api/internal/data"
	"github.com/target/voice-message-api/internal/domain/model"
	apperrors "github.com/target/voice-message-api/internal/errors"
	"github.com/target/voice-message-api/internal/mocks"
	"github.com/target/voice-message-api/internal/observability/notify"
	"github.com/target/voice-message-api/internal/service/failurenotifier"
	"go.uber.org/mock/gomock"
)

const audioKeyPattern = `^audio/[0-9a-f-]{36}\.mp3$`

// stepClock advances by step on every reading so each transition gets a distinct time.
type stepClock struct {
	mu   sync.Mutex
	t    time.Time
	step time.Duration
}

func newStepClock() *stepClock {
	return &stepClock{t: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC), step: time.Second}
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(c.step)
	return c.t
}

type metricCall struct {
	name  string
	value int64
	tags  map[string]string
}

type recordingSink struct {
	mu     sync.Mutex
	counts []metricCall
	gauges map[string]float64
}

func (r *recordingSink) Count(name string, value int64, tags map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counts = append(r.counts, metricCall{name: name, value: value, tags: tags})
}

func (r *recordingSink) Gauge(name string, value float64, _ map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.gauges == nil {
		r.gauges = map[string]float64{}
	}
	r.gauges[name] = value
}

func (r *recordingSink) Timing(string, time.Duration, map[string]string) {}

func (r *recordingSink) find(name string, match map[string]string) []metricCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []metricCall
	for _, c := range r.counts {
		if c.name != name {
			continue
		}
		ok := true
		for k, v := range match {
			if c.tags[k] != v {
				ok = false
				break
			}
		}
		if ok {
			out = append(out, c)
		}
	}
	return out
}

type pipelineFixture struct {
	store    *data.MemorySubmissionRepo
	objects  *objectstore.MemoryStore
	synth    *mocks.MockSpeechSynthesizer
	metrics  *recordingSink
	failures *[]notify.SubmissionFailurePayload
	nudges   *atomic.Int64
	svc      *SubmissionService
}

func newPipelineFixture(t *testing.T, tweak ...func(*SubmissionServiceOptions)) *pipelineFixture {
	t.Helper()
	ctrl := gomock.NewController(t)

	f := &pipelineFixture{
		store:    data.NewMemorySubmissionRepo(),
		objects:  objectstore.NewMemoryStore("voice-test", "http://files.local/"),
		synth:    mocks.NewMockSpeechSynthesizer(ctrl),
		metrics:  &recordingSink{},
		failures: &[]notify.SubmissionFailurePayload{},
		nudges:   &atomic.Int64{},
	}

	var mu sync.Mutex
	notifier := failurenotifier.NewService(failurenotifier.Options{
		Sinks: []failurenotifier.SinkRegistration{{
			Name: "capture",
			Sink: notify.SinkFunc(func(_ context.Context, p notify.SubmissionFailurePayload) error {
				mu.Lock()
				defer mu.Unlock()
				*f.failures = append(*f.failures, p)
				return nil
			}),
		}},
	})

	opts := SubmissionServiceOptions{
		Collaborators: Collaborators{
			Store:       f.store,
			Synthesizer: f.synth,
			Objects:     f.objects,
		},
		Metrics:         f.metrics,
		FailureNotifier: notifier,
		Nudge:           func() { f.nudges.Add(1) },
		Clock:           newStepClock().Now,
	}
	for _, fn := range tweak {
		fn(&opts)
	}

	svc, err := NewSubmissionService(opts)
	require.NoError(t, err)
	f.svc = svc
	return f
}

func (f *pipelineFixture) events(t *testing.T, id string) []model.StatusEvent {
	t.Helper()
	entries, err := f.store.FetchUnpublished(context.Background(), 1000)
	require.NoError(t, err)
	var out []model.StatusEvent
	for _, e := range entries {
		if e.Event.MessageID == id {
			out = append(out, e.Event)
		}
	}
	return out
}

func statuses(events []model.StatusEvent) []model.SubmissionStatus {
	out := make([]model.SubmissionStatus, 0, len(events))
	for _, e := range events {
		out = append(out, e.Status)
	}
	return out
}

func TestNewSubmissionService(t *testing.T) {
	ctrl := gomock.NewController(t)

	t.Run("requires pipeline collaborators", func(t *testing.T) {
		_, err := NewSubmissionService(SubmissionServiceOptions{})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "store is required")
		assert.Contains(t, err.Error(), "synthesizer is required")
		assert.Contains(t, err.Error(), "object store is required")

		_, err = MustNewSubmissionService(SubmissionServiceOptions{})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to create SubmissionService")
	})

	t.Run("events are optional for the pipeline", func(t *testing.T) {
		svc, err := NewSubmissionService(SubmissionServiceOptions{
			Collaborators: Collaborators{
				Store:       mocks.NewMockSubmissionRepository(ctrl),
				Synthesizer: mocks.NewMockSpeechSynthesizer(ctrl),
				Objects:     mocks.NewMockObjectStore(ctrl),
			},
		})
		require.NoError(t, err)
		assert.NotNil(t, svc.logger)
		assert.NotNil(t, svc.now)
	})
}

func TestSubmit_CompletesPipeline(t *testing.T) {
	f := newPipelineFixture(t)
	ctx := context.Background()
	f.synth.EXPECT().Synthesize(gomock.Any(), "Hello world").Return([]byte("12345"), nil)

	rec, err := f.svc.Submit(ctx, SubmitRequest{Text: "Hello world", RequestedBy: "alice"})
	require.NoError(t, err)

	assert.Equal(t, model.SubmissionStatusCompleted, rec.Status)
	assert.Equal(t, "alice", rec.RequestedBy)
	assert.Equal(t, "Hello world", rec.OriginalText)
	require.NotNil(t, rec.FileSizeBytes)
	assert.Equal(t, int64(5), *rec.FileSizeBytes)
	require.NotNil(t, rec.ContentType)
	assert.Equal(t, model.AudioContentType, *rec.ContentType)
	require.NotNil(t, rec.S3ObjectKey)
	assert.Regexp(t, audioKeyPattern, *rec.S3ObjectKey)
	assert.Equal(t, "voice-test", *rec.S3BucketName)
	require.NotNil(t, rec.ProcessedAt)
	assert.Nil(t, rec.ErrorMessage)
	require.NoError(t, rec.Validate())
	assert.NoError(t, uuid.Validate(rec.ID))

	loc, ok := rec.Location()
	require.True(t, ok)
	audio, err := f.objects.Download(ctx, loc)
	require.NoError(t, err)
	assert.Equal(t, []byte("12345"), audio)

	events := f.events(t, rec.ID)
	assert.Equal(t, []model.SubmissionStatus{
		model.SubmissionStatusReceived,
		model.SubmissionStatusProcessing,
		model.SubmissionStatusCompleted,
	}, statuses(events))
	for i := 1; i < len(events); i++ {
		assert.False(t, events[i].Timestamp.Before(events[i-1].Timestamp), "updatedAt must not decrease")
		assert.NotEqual(t, events[i].EventID, events[i-1].EventID)
	}
	last := events[len(events)-1]
	assert.Equal(t, rec.S3ObjectKey, last.S3ObjectKey)
	assert.Equal(t, rec.UpdatedAt, last.Timestamp)

	assert.Equal(t, int64(3), f.nudges.Load())
	assert.Len(t, f.metrics.find("submission.transition", map[string]string{"result": "success"}), 3)
	assert.Equal(t, float64(5), f.metrics.gauges["submission.audio_bytes"])
	assert.Empty(t, *f.failures)
}

func TestSubmit_UpstreamFailureEndsFailed(t *testing.T) {
	f := newPipelineFixture(t)
	ctx := context.Background()
	f.synth.EXPECT().
		Synthesize(gomock.Any(), "x").
		Return(nil, apperrors.Upstream(errors.New("503 Service Unavailable"), "synthesis request failed"))

	rec, err := f.svc.Submit(ctx, SubmitRequest{Text: "x", RequestedBy: "bob"})
	require.NoError(t, err, "pipeline failures are absorbed")

	assert.Equal(t, model.SubmissionStatusFailed, rec.Status)
	require.NotNil(t, rec.ErrorMessage)
	assert.Contains(t, *rec.ErrorMessage, "synthesis request failed")
	assert.Nil(t, rec.S3BucketName)
	assert.Nil(t, rec.S3ObjectKey)
	assert.Nil(t, rec.ContentType)
	assert.Nil(t, rec.FileSizeBytes)
	assert.Nil(t, rec.ProcessedAt)
	require.NoError(t, rec.Validate())

	events := f.events(t, rec.ID)
	assert.Equal(t, []model.SubmissionStatus{
		model.SubmissionStatusReceived,
		model.SubmissionStatusProcessing,
		model.SubmissionStatusFailed,
	}, statuses(events))
	assert.Equal(t, rec.ErrorMessage, events[2].ErrorMessage)

	require.Len(t, *f.failures, 1)
	payload := (*f.failures)[0]
	assert.Equal(t, rec.ID, payload.SubmissionID)
	assert.Equal(t, "bob", payload.RequestedBy)
	assert.Equal(t, "synthesize", payload.Stage)
	assert.Equal(t, "app_upstream", payload.ErrorClass)
	assert.Equal(t, "upstream", payload.Metadata["error_code"])

	failed := f.metrics.find("submission.transition", map[string]string{
		"transition": "FAILED",
		"result":     "error",
		"stage":      "synthesize",
	})
	require.Len(t, failed, 1)
	assert.Equal(t, "app_upstream", failed[0].tags["error_class"])
}

func TestSubmit_OversizeAndUploadFailures(t *testing.T) {
	t.Run("oversize audio", func(t *testing.T) {
		f := newPipelineFixture(t)
		f.synth.EXPECT().Synthesize(gomock.Any(), gomock.Any()).
			Return(nil, apperrors.Oversizef("synthesized audio exceeds %d bytes", 10))

		rec, err := f.svc.Submit(context.Background(), SubmitRequest{Text: "long"})
		require.NoError(t, err)
		assert.Equal(t, model.SubmissionStatusFailed, rec.Status)
		assert.Contains(t, *rec.ErrorMessage, "exceeds 10 bytes")
	})

	t.Run("upload failure", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		objects := mocks.NewMockObjectStore(ctrl)
		f := newPipelineFixture(t, func(o *SubmissionServiceOptions) {
			o.Collaborators.Objects = objects
		})
		f.synth.EXPECT().Synthesize(gomock.Any(), "hi").Return([]byte("abc"), nil)
		objects.EXPECT().
			Upload(gomock.Any(), []byte("abc"), model.AudioContentType).
			Return(model.StorageLocation{}, apperrors.Storage(errors.New("access denied"), "put object failed"))

		rec, err := f.svc.Submit(context.Background(), SubmitRequest{Text: "hi"})
		require.NoError(t, err)
		assert.Equal(t, model.SubmissionStatusFailed, rec.Status)
		assert.Contains(t, *rec.ErrorMessage, "put object failed")
		assert.Nil(t, rec.S3ObjectKey)
		require.Len(t, *f.failures, 1)
		assert.Equal(t, "upload", (*f.failures)[0].Stage)
	})
}

func TestSubmit_ForwardsEmptyTextAndDefaultsRequester(t *testing.T) {
	f := newPipelineFixture(t)
	f.synth.EXPECT().Synthesize(gomock.Any(), "").Return([]byte{0x1}, nil)

	voice := "nova"
	rec, err := f.svc.Submit(context.Background(), SubmitRequest{VoiceType: &voice})
	require.NoError(t, err)
	assert.Equal(t, model.SubmissionStatusCompleted, rec.Status)
	assert.Equal(t, model.DefaultRequester, rec.RequestedBy)
	require.NotNil(t, rec.VoiceType)
	assert.Equal(t, "nova", *rec.VoiceType)
}

func TestSubmit_PersistenceFailuresBeforeProcessing(t *testing.T) {
	ctx := context.Background()

	t.Run("create fails", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		store := mocks.NewMockSubmissionRepository(ctrl)
		synth := mocks.NewMockSpeechSynthesizer(ctrl)
		svc, err := NewSubmissionService(SubmissionServiceOptions{
			Collaborators: Collaborators{Store: store, Synthesizer: synth, Objects: mocks.NewMockObjectStore(ctrl)},
		})
		require.NoError(t, err)

		store.EXPECT().Create(gomock.Any(), gomock.Any(), gomock.Any()).Return(nil, errors.New("connection refused"))

		rec, err := svc.Submit(ctx, SubmitRequest{Text: "hello"})
		require.Error(t, err)
		assert.Nil(t, rec)
	})

	t.Run("duplicate id is a conflict", func(t *testing.T) {
		f := newPipelineFixture(t, func(o *SubmissionServiceOptions) {
			o.NewID = func() string { return "fixed-id" }
		})
		f.synth.EXPECT().Synthesize(gomock.Any(), gomock.Any()).Return([]byte("a"), nil)

		_, err := f.svc.Submit(ctx, SubmitRequest{Text: "one"})
		require.NoError(t, err)
		_, err = f.svc.Submit(ctx, SubmitRequest{Text: "two"})
		require.Error(t, err)
		assert.True(t, apperrors.IsConflict(err))
	})

	t.Run("processing save fails", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		store := mocks.NewMockSubmissionRepository(ctrl)
		svc, err := NewSubmissionService(SubmissionServiceOptions{
			Collaborators: Collaborators{
				Store:       store,
				Synthesizer: mocks.NewMockSpeechSynthesizer(ctrl),
				Objects:     mocks.NewMockObjectStore(ctrl),
			},
		})
		require.NoError(t, err)

		store.EXPECT().Create(gomock.Any(), gomock.Any(), gomock.Any()).
			DoAndReturn(func(_ context.Context, rec *model.Submission, _ model.StatusEvent) (*model.Submission, error) {
				out := rec.Clone()
				out.Version = 1
				return out, nil
			})
		store.EXPECT().Save(gomock.Any(), gomock.Any(), gomock.Any()).Return(nil, context.DeadlineExceeded)

		_, err = svc.Submit(ctx, SubmitRequest{Text: "hello"})
		require.Error(t, err)
		assert.True(t, apperrors.IsTimeout(err))
	})
}

func TestSubmit_CompletedWriteFailureFallsBackToFailed(t *testing.T) {
	ctrl := gomock.NewController(t)
	store := mocks.NewMockSubmissionRepository(ctrl)
	synth := mocks.NewMockSpeechSynthesizer(ctrl)
	objects := mocks.NewMockObjectStore(ctrl)
	svc, err := NewSubmissionService(SubmissionServiceOptions{
		Collaborators: Collaborators{Store: store, Synthesizer: synth, Objects: objects},
		Clock:         newStepClock().Now,
	})
	require.NoError(t, err)

	bump := func(_ context.Context, rec *model.Submission, evt model.StatusEvent) (*model.Submission, error) {
		require.NoError(t, model.CheckEventFor(rec, evt))
		out := rec.Clone()
		out.Version++
		return out, nil
	}
	var saved []model.SubmissionStatus
	gomock.InOrder(
		store.EXPECT().Create(gomock.Any(), gomock.Any(), gomock.Any()).DoAndReturn(bump),
		store.EXPECT().Save(gomock.Any(), gomock.Any(), gomock.Any()).DoAndReturn(
			func(ctx context.Context, rec *model.Submission, evt model.StatusEvent) (*model.Submission, error) {
				saved = append(saved, rec.Status)
				return bump(ctx, rec, evt)
			}),
		synth.EXPECT().Synthesize(gomock.Any(), "hello").Return([]byte("audio"), nil),
		objects.EXPECT().Upload(gomock.Any(), []byte("audio"), model.AudioContentType).
			Return(model.StorageLocation{Bucket: "b", Key: "audio/k.mp3"}, nil),
		store.EXPECT().Save(gomock.Any(), gomock.Any(), gomock.Any()).DoAndReturn(
			func(_ context.Context, rec *model.Submission, _ model.StatusEvent) (*model.Submission, error) {
				saved = append(saved, rec.Status)
				return nil, errors.New("disk full")
			}),
		store.EXPECT().Save(gomock.Any(), gomock.Any(), gomock.Any()).DoAndReturn(
			func(ctx context.Context, rec *model.Submission, evt model.StatusEvent) (*model.Submission, error) {
				saved = append(saved, rec.Status)
				return bump(ctx, rec, evt)
			}),
	)

	rec, err := svc.Submit(context.Background(), SubmitRequest{Text: "hello"})
	require.NoError(t, err)
	assert.Equal(t, model.SubmissionStatusFailed, rec.Status)
	assert.Equal(t, "disk full", *rec.ErrorMessage)
	assert.Nil(t, rec.S3ObjectKey)
	assert.Equal(t, []model.SubmissionStatus{
		model.SubmissionStatusProcessing,
		model.SubmissionStatusCompleted,
		model.SubmissionStatusFailed,
	}, saved)
}

func TestSubmit_LosesVersionRaceToReaper(t *testing.T) {
	const id = "msg-reaped"
	f := newPipelineFixture(t, func(o *SubmissionServiceOptions) {
		o.NewID = func() string { return id }
	})
	ctx := context.Background()

	f.synth.EXPECT().Synthesize(gomock.Any(), "slow").DoAndReturn(func(ctx context.Context, _ string) ([]byte, error) {
		cur, err := f.store.Fetch(ctx, id)
		require.NoError(t, err)
		require.NoError(t, cur.MarkFailed("stale", cur.UpdatedAt.Add(time.Minute)))
		_, err = f.store.Save(ctx, cur, model.NewStatusEvent(uuid.NewString(), cur, cur.UpdatedAt))
		require.NoError(t, err)
		return []byte("late"), nil
	})

	rec, err := f.svc.Submit(ctx, SubmitRequest{Text: "slow"})
	require.NoError(t, err)
	assert.Equal(t, model.SubmissionStatusFailed, rec.Status)
	assert.Equal(t, "stale", *rec.ErrorMessage)
	assert.Equal(t, []model.SubmissionStatus{
		model.SubmissionStatusReceived,
		model.SubmissionStatusProcessing,
		model.SubmissionStatusFailed,
	}, statuses(f.events(t, id)))
}

func TestSubmitAsync(t *testing.T) {
	f := newPipelineFixture(t)
	release := make(chan struct{})
	f.synth.EXPECT().Synthesize(gomock.Any(), "later").DoAndReturn(func(ctx context.Context, _ string) ([]byte, error) {
		<-release
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return []byte("ok"), nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	rec, results, err := f.svc.SubmitAsync(ctx, SubmitRequest{Text: "later"})
	require.NoError(t, err)
	assert.Equal(t, model.SubmissionStatusReceived, rec.Status)

	// The request that started the pipeline goes away; the pipeline carries on.
	cancel()
	close(release)

	res, ok := <-results
	require.True(t, ok)
	require.NoError(t, res.Err)
	assert.Equal(t, rec.ID, res.Submission.ID)
	assert.Equal(t, model.SubmissionStatusCompleted, res.Submission.Status)

	_, open := <-results
	assert.False(t, open)

	waitCtx, waitCancel := context.WithTimeout(context.Background(), time.Second)
	defer waitCancel()
	require.NoError(t, f.svc.Wait(waitCtx))
}

func TestSubmit_ConcurrentSubmissionsAreIndependent(t *testing.T) {
	f := newPipelineFixture(t)
	f.synth.EXPECT().Synthesize(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, text string) ([]byte, error) {
			if text == "fail" {
				return nil, apperrors.Upstream(errors.New("429"), "rate limited")
			}
			return []byte(text), nil
		}).
		Times(20)

	var wg sync.WaitGroup
	results := make([]*model.Submission, 20)
	for i := range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			text := "text-" + strconv.Itoa(i)
			if i%5 == 0 {
				text = "fail"
			}
			rec, err := f.svc.Submit(context.Background(), SubmitRequest{Text: text})
			assert.NoError(t, err)
			results[i] = rec
		}()
	}
	wg.Wait()

	seen := map[string]bool{}
	for _, rec := range results {
		require.NotNil(t, rec)
		assert.False(t, seen[rec.ID], "ids must be unique")
		seen[rec.ID] = true
		assert.True(t, rec.Status.Terminal())
		require.NoError(t, rec.Validate())
		assert.Len(t, f.events(t, rec.ID), 3)
	}
}

func TestGet(t *testing.T) {
	f := newPipelineFixture(t)
	ctx := context.Background()
	f.synth.EXPECT().Synthesize(gomock.Any(), gomock.Any()).Return([]byte("abc"), nil)

	rec, err := f.svc.Submit(ctx, SubmitRequest{Text: "get me"})
	require.NoError(t, err)

	first, err := f.svc.Get(ctx, rec.ID)
	require.NoError(t, err)
	second, err := f.svc.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, first, second, "get is idempotent")
	assert.Equal(t, rec, first)

	_, err = f.svc.Get(ctx, "unknown-id")
	require.Error(t, err)
	assert.True(t, apperrors.IsNotFound(err))
}

func seedSubmission(t *testing.T, store *data.MemorySubmissionRepo, status model.SubmissionStatus) *model.Submission {
	t.Helper()
	ctx := context.Background()
	now := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	rec := model.NewSubmission(uuid.NewString(), "seed", "carol", nil, now)
	stored, err := store.Create(ctx, rec, model.NewStatusEvent(uuid.NewString(), rec, now))
	require.NoError(t, err)
	if status == model.SubmissionStatusReceived {
		return stored
	}
	require.NoError(t, stored.MarkProcessing(now.Add(time.Second)))
	stored, err = store.Save(ctx, stored, model.NewStatusEvent(uuid.NewString(), stored, stored.UpdatedAt))
	require.NoError(t, err)
	return stored
}

func TestGetAudioURL(t *testing.T) {
	ctx := context.Background()

	t.Run("not yet completed is a bad request", func(t *testing.T) {
		f := newPipelineFixture(t)
		for _, st := range []model.SubmissionStatus{model.SubmissionStatusReceived, model.SubmissionStatusProcessing} {
			rec := seedSubmission(t, f.store, st)
			_, err := f.svc.GetAudioURL(ctx, rec.ID, 15*time.Minute)
			require.Error(t, err)
			assert.True(t, apperrors.IsValidation(err), "status %s", st)
		}
	})

	t.Run("failed submission has no audio", func(t *testing.T) {
		f := newPipelineFixture(t)
		f.synth.EXPECT().Synthesize(gomock.Any(), gomock.Any()).Return(nil, apperrors.Upstream(errors.New("503 service unavailable"), "down"))
		rec, err := f.svc.Submit(ctx, SubmitRequest{Text: "x"})
		require.NoError(t, err)

		_, err = f.svc.GetAudioURL(ctx, rec.ID, time.Minute)
		assert.True(t, apperrors.IsValidation(err))
	})

	t.Run("completed returns a url valid for the ttl", func(t *testing.T) {
		f := newPipelineFixture(t)
		f.synth.EXPECT().Synthesize(gomock.Any(), gomock.Any()).Return([]byte("12345"), nil)
		rec, err := f.svc.Submit(ctx, SubmitRequest{Text: "Hello world", RequestedBy: "alice"})
		require.NoError(t, err)

		before := time.Now()
		signed, err := f.svc.GetAudioURL(ctx, rec.ID, 15*time.Minute)
		after := time.Now()
		require.NoError(t, err)

		assert.Contains(t, signed, *rec.S3ObjectKey)
		u, err := url.Parse(signed)
		require.NoError(t, err)
		assert.Equal(t, "900", u.Query().Get("ttl"))
		expires, err := strconv.ParseInt(u.Query().Get("expires"), 10, 64)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, expires, before.Add(15*time.Minute).Unix())
		assert.LessOrEqual(t, expires, after.Add(15*time.Minute).Unix())
	})

	t.Run("presign receives location and ttl", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		objects := mocks.NewMockObjectStore(ctrl)
		f := newPipelineFixture(t, func(o *SubmissionServiceOptions) { o.Collaborators.Objects = objects })
		loc := model.StorageLocation{Bucket: "voice", Key: "audio/11111111-2222-3333-4444-555555555555.mp3"}

		f.synth.EXPECT().Synthesize(gomock.Any(), gomock.Any()).Return([]byte("12345"), nil)
		objects.EXPECT().Upload(gomock.Any(), gomock.Any(), model.AudioContentType).Return(loc, nil)
		rec, err := f.svc.Submit(ctx, SubmitRequest{Text: "hi"})
		require.NoError(t, err)

		objects.EXPECT().Presign(gomock.Any(), loc, 15*time.Minute).Return("https://signed/"+loc.Key, nil)
		signed, err := f.svc.GetAudioURL(ctx, rec.ID, 15*time.Minute)
		require.NoError(t, err)
		assert.Equal(t, "https://signed/"+loc.Key, signed)

		objects.EXPECT().Presign(gomock.Any(), loc, time.Minute).Return("", model.ErrObjectNotFound)
		_, err = f.svc.GetAudioURL(ctx, rec.ID, time.Minute)
		assert.True(t, apperrors.IsNotFound(err))

		objects.EXPECT().Presign(gomock.Any(), loc, time.Minute).Return("", apperrors.Storage(errors.New("sign"), "presign failed"))
		_, err = f.svc.GetAudioURL(ctx, rec.ID, time.Minute)
		assert.True(t, apperrors.IsStorage(err))
	})

	t.Run("unknown id and bad ttl", func(t *testing.T) {
		f := newPipelineFixture(t)
		_, err := f.svc.GetAudioURL(ctx, "unknown-id", time.Minute)
		assert.True(t, apperrors.IsNotFound(err))

		_, err = f.svc.GetAudioURL(ctx, "unknown-id", 0)
		assert.True(t, apperrors.IsValidation(err))
		assert.Equal(t, "ttl", apperrors.GetField(err))
	})
}

func TestAudio(t *testing.T) {
	f := newPipelineFixture(t)
	ctx := context.Background()
	f.synth.EXPECT().Synthesize(gomock.Any(), gomock.Any()).Return([]byte("mp3-bytes"), nil)

	rec, err := f.svc.Submit(ctx, SubmitRequest{Text: "play"})
	require.NoError(t, err)

	data, contentType, err := f.svc.Audio(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, []byte("mp3-bytes"), data)
	assert.Equal(t, model.AudioContentType, contentType)

	pending := seedSubmission(t, f.store, model.SubmissionStatusReceived)
	_, _, err = f.svc.Audio(ctx, pending.ID)
	assert.True(t, apperrors.IsValidation(err))
}

func TestList(t *testing.T) {
	f := newPipelineFixture(t)
	ctx := context.Background()
	seedSubmission(t, f.store, model.SubmissionStatusReceived)
	seedSubmission(t, f.store, model.SubmissionStatusProcessing)

	status := model.SubmissionStatusProcessing
	recs, err := f.svc.List(ctx, model.SubmissionListOptions{Status: &status})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, model.SubmissionStatusProcessing, recs[0].Status)

	all, err := f.svc.List(ctx, model.SubmissionListOptions{Limit: -1})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	bogus := model.SubmissionStatus("DONE")
	_, err = f.svc.List(ctx, model.SubmissionListOptions{Status: &bogus})
	assert.True(t, apperrors.IsValidation(err))
}

func TestStageResult(t *testing.T) {
	boom := errors.New("boom")
	calls := 0
	next := func(n int) stageResult[string] {
		calls++
		return succeeded(strconv.Itoa(n))
	}

	ok := andThen(succeeded(7), next)
	assert.True(t, ok.ok())
	assert.Equal(t, "7", ok.value)

	failed := andThen(failedAt[int](stageSynthesize, boom), next)
	assert.False(t, failed.ok())
	assert.Equal(t, stageSynthesize, failed.stage)
	assert.ErrorIs(t, failed.err, boom)
	assert.Equal(t, 1, calls, "a failed result short-circuits later stages")
}

// cancelAfterCreateStore cancels the caller's context once the RECEIVED record is stored
// and refuses writes made under a cancelled context.
type cancelAfterCreateStore struct {
	*data.MemorySubmissionRepo
	cancel context.CancelFunc
}

func (s *cancelAfterCreateStore) Create(ctx context.Context, rec *model.Submission, evt model.StatusEvent) (*model.Submission, error) {
	out, err := s.MemorySubmissionRepo.Create(ctx, rec, evt)
	s.cancel()
	return out, err
}

func (s *cancelAfterCreateStore) Save(ctx context.Context, rec *model.Submission, evt model.StatusEvent) (*model.Submission, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.MemorySubmissionRepo.Save(ctx, rec, evt)
}

func TestSubmit_CallerCancelAfterCreateStillTerminates(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	store := &cancelAfterCreateStore{MemorySubmissionRepo: data.NewMemorySubmissionRepo(), cancel: cancel}

	f := newPipelineFixture(t, func(o *SubmissionServiceOptions) { o.Collaborators.Store = store })
	f.synth.EXPECT().Synthesize(gomock.Any(), "hello").
		DoAndReturn(func(ctx context.Context, _ string) ([]byte, error) {
			require.NoError(t, ctx.Err())
			return []byte("abc"), nil
		})

	rec, err := f.svc.Submit(ctx, SubmitRequest{Text: "hello"})
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, model.SubmissionStatusCompleted, rec.Status)

	stored, err := store.Fetch(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SubmissionStatusCompleted, stored.Status)
}

func TestSubmit_NilCauseUpstreamErrorEndsFailed(t *testing.T) {
	f := newPipelineFixture(t)
	f.synth.EXPECT().Synthesize(gomock.Any(), gomock.Any()).Return(nil, apperrors.Upstream(nil, "synthesis rejected"))

	var rec *model.Submission
	var err error
	require.NotPanics(t, func() {
		rec, err = f.svc.Submit(context.Background(), SubmitRequest{Text: "x"})
	})
	require.NoError(t, err)
	assert.Equal(t, model.SubmissionStatusFailed, rec.Status)
	require.NotNil(t, rec.ErrorMessage)
	assert.Contains(t, *rec.ErrorMessage, "synthesis rejected")
}

func TestGetAudioURL_TTLBounds(t *testing.T) {
	ctx := context.Background()
	f := newPipelineFixture(t)
	f.synth.EXPECT().Synthesize(gomock.Any(), gomock.Any()).Return([]byte("12345"), nil)
	rec, err := f.svc.Submit(ctx, SubmitRequest{Text: "bounds"})
	require.NoError(t, err)

	for _, ttl := range []time.Duration{500 * time.Millisecond, model.MaxAudioURLTTL + time.Second, 30 * 24 * time.Hour} {
		_, err := f.svc.GetAudioURL(ctx, rec.ID, ttl)
		require.Error(t, err, "ttl %s", ttl)
		assert.True(t, apperrors.IsValidation(err), "ttl %s", ttl)
		assert.False(t, apperrors.IsStorage(err), "ttl %s", ttl)
		assert.Equal(t, "ttl", apperrors.GetField(err))
	}

	_, err = f.svc.GetAudioURL(ctx, rec.ID, model.MaxAudioURLTTL)
	require.NoError(t, err)
}
