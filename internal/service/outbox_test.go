package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/target/voice-message-api/config"
	"github.com/target/voice-message-api/internal/data"
	"github.com/target/voice-message-api/internal/domain/model"
	"github.com/target/voice-message-api/internal/mocks"
	"go.uber.org/mock/gomock"
)

// recordingPublisher captures published events and fails the events listed in failOnce
// the first time they are seen.
type recordingPublisher struct {
	mu        sync.Mutex
	published []model.StatusEvent
	failOnce  map[string]bool
}

func (p *recordingPublisher) Publish(_ context.Context, evt model.StatusEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failOnce[evt.EventID] {
		delete(p.failOnce, evt.EventID)
		return errors.New("nats: timeout")
	}
	p.published = append(p.published, evt)
	return nil
}

func (p *recordingPublisher) byMessage() map[string][]model.SubmissionStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := map[string][]model.SubmissionStatus{}
	for _, e := range p.published {
		out[e.MessageID] = append(out[e.MessageID], e.Status)
	}
	return out
}

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.published)
}

// seedFailedHistory writes RECEIVED, PROCESSING and FAILED for one submission and returns
// the stored events in order.
func seedFailedHistory(t *testing.T, store *data.MemorySubmissionRepo) []model.StatusEvent {
	t.Helper()
	ctx := context.Background()
	now := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)

	rec := model.NewSubmission(uuid.NewString(), "hello", "dave", nil, now)
	evts := []model.StatusEvent{model.NewStatusEvent(uuid.NewString(), rec, now)}
	stored, err := store.Create(ctx, rec, evts[0])
	require.NoError(t, err)

	require.NoError(t, stored.MarkProcessing(now.Add(time.Second)))
	evts = append(evts, model.NewStatusEvent(uuid.NewString(), stored, stored.UpdatedAt))
	stored, err = store.Save(ctx, stored, evts[1])
	require.NoError(t, err)

	require.NoError(t, stored.MarkFailed("synthesis upstream returned 503", now.Add(2*time.Second)))
	evts = append(evts, model.NewStatusEvent(uuid.NewString(), stored, stored.UpdatedAt))
	_, err = store.Save(ctx, stored, evts[2])
	require.NoError(t, err)
	return evts
}

func newTestDispatcher(t *testing.T, store *data.MemorySubmissionRepo, pub *recordingPublisher, cfg config.OutboxConfig) *OutboxDispatcher {
	t.Helper()
	d, err := NewOutboxDispatcher(OutboxDispatcherOptions{
		Collaborators: Collaborators{Store: store, Events: pub},
		Config:        cfg,
	})
	require.NoError(t, err)
	return d
}

func TestNewOutboxDispatcher(t *testing.T) {
	_, err := NewOutboxDispatcher(OutboxDispatcherOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store is required")
	assert.Contains(t, err.Error(), "event publisher is required")

	_, err = MustNewOutboxDispatcher(OutboxDispatcherOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to create OutboxDispatcher")

	d, err := NewOutboxDispatcher(OutboxDispatcherOptions{
		Collaborators: Collaborators{Store: data.NewMemorySubmissionRepo(), Events: &recordingPublisher{}},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, d.config.BatchSize, "zero config is sanitized")
	assert.Equal(t, 1, d.config.Concurrency)
	assert.Positive(t, d.config.PublishTimeout)
}

func TestOutboxDispatcher_PublishesPerMessageInOrder(t *testing.T) {
	ctx := context.Background()
	store := data.NewMemorySubmissionRepo()
	want := map[string][]model.SubmissionStatus{}
	for range 3 {
		evts := seedFailedHistory(t, store)
		want[evts[0].MessageID] = statuses(evts)
	}

	pub := &recordingPublisher{}
	sink := &recordingSink{}
	d, err := NewOutboxDispatcher(OutboxDispatcherOptions{
		Collaborators: Collaborators{Store: store, Events: pub},
		Config:        config.OutboxConfig{Interval: time.Second, BatchSize: 4, Concurrency: 3, PublishTimeout: time.Second},
		Metrics:       sink,
	})
	require.NoError(t, err)

	n, err := d.DispatchOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 9, n)
	assert.Equal(t, want, pub.byMessage())

	remaining, err := store.FetchUnpublished(ctx, 100)
	require.NoError(t, err)
	assert.Empty(t, remaining)

	var published int64
	for _, c := range sink.find("outbox.published", nil) {
		published += c.value
	}
	assert.Equal(t, int64(9), published)

	// A second pass finds nothing to do.
	n, err = d.DispatchOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, 9, pub.count())
}

func TestOutboxDispatcher_HoldsBackAfterFailure(t *testing.T) {
	ctx := context.Background()
	store := data.NewMemorySubmissionRepo()
	a := seedFailedHistory(t, store)
	b := seedFailedHistory(t, store)

	pub := &recordingPublisher{failOnce: map[string]bool{a[1].EventID: true}}
	sink := &recordingSink{}
	d, err := NewOutboxDispatcher(OutboxDispatcherOptions{
		Collaborators: Collaborators{Store: store, Events: pub},
		Config:        config.OutboxConfig{Interval: time.Second, BatchSize: 100, Concurrency: 2, PublishTimeout: time.Second},
		Metrics:       sink,
	})
	require.NoError(t, err)

	n, err := d.DispatchOnce(ctx)
	require.NoError(t, err, "publish failures are absorbed")
	assert.Equal(t, 4, n)

	got := pub.byMessage()
	assert.Equal(t, []model.SubmissionStatus{model.SubmissionStatusReceived}, got[a[0].MessageID])
	assert.Equal(t, statuses(b), got[b[0].MessageID])

	remaining, err := store.FetchUnpublished(ctx, 100)
	require.NoError(t, err)
	require.Len(t, remaining, 2)
	assert.Equal(t, a[1].EventID, remaining[0].Event.EventID)
	assert.Equal(t, a[2].EventID, remaining[1].Event.EventID)

	failed := sink.find("outbox.publish_failed", nil)
	require.Len(t, failed, 1)
	assert.Equal(t, int64(2), failed[0].value)

	n, err = d.DispatchOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, statuses(a), pub.byMessage()[a[0].MessageID])
}

func TestOutboxDispatcher_FetchError(t *testing.T) {
	ctrl := gomock.NewController(t)
	repo := mocks.NewMockSubmissionRepository(ctrl)
	repo.EXPECT().FetchUnpublished(gomock.Any(), 10).Return(nil, errors.New("connection refused"))

	sink := &recordingSink{}
	d, err := NewOutboxDispatcher(OutboxDispatcherOptions{
		Collaborators: Collaborators{Store: repo, Events: mocks.NewMockEventPublisher(ctrl)},
		Config:        config.OutboxConfig{BatchSize: 10, Concurrency: 1},
		Metrics:       sink,
	})
	require.NoError(t, err)

	_, err = d.DispatchOnce(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "fetch unpublished")
	assert.Len(t, sink.find("outbox.batch", map[string]string{"result": "error"}), 1)
}

func TestOutboxDispatcher_MarkPublishedError(t *testing.T) {
	ctrl := gomock.NewController(t)
	repo := mocks.NewMockSubmissionRepository(ctrl)
	events := mocks.NewMockEventPublisher(ctrl)

	entry := model.OutboxEntry{Seq: 7, Event: model.StatusEvent{EventID: "e-7", MessageID: "m-1", Status: model.SubmissionStatusReceived}}
	gomock.InOrder(
		repo.EXPECT().FetchUnpublished(gomock.Any(), 10).Return([]model.OutboxEntry{entry}, nil),
		events.EXPECT().Publish(gomock.Any(), entry.Event).Return(nil),
		repo.EXPECT().MarkPublished(gomock.Any(), []int64{7}, gomock.Any()).Return(errors.New("deadlock detected")),
	)

	d, err := NewOutboxDispatcher(OutboxDispatcherOptions{
		Collaborators: Collaborators{Store: repo, Events: events},
		Config:        config.OutboxConfig{BatchSize: 10, Concurrency: 1},
	})
	require.NoError(t, err)

	n, err := d.DispatchOnce(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mark published")
	assert.Zero(t, n)
}

func TestOutboxDispatcher_RunWakesOnNudge(t *testing.T) {
	store := data.NewMemorySubmissionRepo()
	pub := &recordingPublisher{}
	d := newTestDispatcher(t, store, pub, config.OutboxConfig{
		Interval:       time.Hour,
		BatchSize:      10,
		Concurrency:    2,
		PublishTimeout: time.Second,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	evts := seedFailedHistory(t, store)
	d.Nudge()
	d.Nudge() // coalesced, never blocks

	require.Eventually(t, func() bool {
		return pub.count() == len(evts)
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, statuses(evts), pub.byMessage()[evts[0].MessageID])

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher did not stop")
	}
}

func TestGroupByMessage(t *testing.T) {
	entry := func(seq int64, id string) model.OutboxEntry {
		return model.OutboxEntry{Seq: seq, Event: model.StatusEvent{MessageID: id}}
	}
	groups := groupByMessage([]model.OutboxEntry{
		entry(1, "a"), entry(2, "b"), entry(3, "a"), entry(4, "c"), entry(5, "b"),
	})
	require.Len(t, groups, 3)
	seqs := func(g []model.OutboxEntry) []int64 {
		var out []int64
		for _, e := range g {
			out = append(out, e.Seq)
		}
		return out
	}
	assert.Equal(t, []int64{1, 3}, seqs(groups[0]))
	assert.Equal(t, []int64{2, 5}, seqs(groups[1]))
	assert.Equal(t, []int64{4}, seqs(groups[2]))
}
