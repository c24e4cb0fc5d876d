package reaper

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/target/voice-message-api/config"
	"github.com/target/voice-message-api/internal/data"
	"github.com/target/voice-message-api/internal/testutil"
)

func TestNewRunner_RequiresRepoOrDB(t *testing.T) {
	_, err := NewRunner(RunnerOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "submission repository or database connection is required")
}

func TestRunner_RunStopsOnCancel(t *testing.T) {
	runner, err := NewRunner(RunnerOptions{
		Repo:   data.NewMemorySubmissionRepo(),
		Config: config.ReaperConfig{Interval: time.Minute, StaleAfter: 15 * time.Minute, BatchSize: 10},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done := make(chan error, 1)
	go func() { done <- runner.Run(ctx) }()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("runner did not stop after cancellation")
	}
}

func TestLease_SingleHolder(t *testing.T) {
	client := testutil.SetupTestRedis(t)
	ctx := context.Background()
	require.NoError(t, client.Del(ctx, "{voicemsg-test}:reaper:lease").Err())

	a := NewLease(client, "{voicemsg-test}:reaper:lease", time.Minute)
	b := NewLease(client, "{voicemsg-test}:reaper:lease", time.Minute)

	ok, err := a.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = b.Acquire(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "second replica must not take a held lease")

	ok, err = a.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok, "holder renews")

	require.NoError(t, b.Release(ctx), "releasing a lease held by someone else is a no-op")
	ok, err = b.Acquire(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, a.Release(ctx))
	ok, err = b.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLease_Expires(t *testing.T) {
	client := testutil.SetupTestRedis(t)
	ctx := context.Background()
	require.NoError(t, client.Del(ctx, "{voicemsg-test}:reaper:expiring").Err())

	a := NewLease(client, "{voicemsg-test}:reaper:expiring", time.Second)
	b := NewLease(client, "{voicemsg-test}:reaper:expiring", time.Second)

	ok, err := a.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	require.Eventually(t, func() bool {
		ok, err := b.Acquire(ctx)
		return err == nil && ok
	}, 3*time.Second, 100*time.Millisecond)
}

func TestRunner_WithLease(t *testing.T) {
	client := testutil.SetupTestRedis(t)
	runner, err := NewRunner(RunnerOptions{
		Repo:        data.NewMemorySubmissionRepo(),
		Config:      config.ReaperConfig{Interval: time.Minute},
		Redis:       client,
		LeasePrefix: "{voicemsg-test}",
	})
	require.NoError(t, err)
	require.NotNil(t, runner.lease)
	assert.Equal(t, "{voicemsg-test}:reaper:lease", runner.lease.key)
	assert.Equal(t, 54*time.Second, runner.lease.ttl)
}
