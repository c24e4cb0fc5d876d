package data

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/target/voice-message-api/internal/core"
	"github.com/target/voice-message-api/internal/domain/model"
	"github.com/target/voice-message-api/internal/testutil"
)

// runSubmissionStoreContract exercises the behaviour every store backend must share.
func runSubmissionStoreContract(t *testing.T, repo core.SubmissionRepository) {
	t.Helper()
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Millisecond)

	newRecord := func(who string, at time.Time) (*model.Submission, model.StatusEvent) {
		rec := model.NewSubmission(uuid.NewString(), "Hello world", who, nil, at)
		return rec, model.NewStatusEvent(uuid.NewString(), rec, at)
	}

	t.Run("create fetch and save advance the version", func(t *testing.T) {
		rec, evt := newRecord("alice", base)
		created, err := repo.Create(ctx, rec, evt)
		require.NoError(t, err)
		assert.Equal(t, int64(1), created.Version)

		_, err = repo.Create(ctx, rec, model.NewStatusEvent(uuid.NewString(), rec, base))
		require.ErrorIs(t, err, model.ErrSubmissionExists)

		got, err := repo.Fetch(ctx, rec.ID)
		require.NoError(t, err)
		assert.Equal(t, rec.ID, got.ID)
		assert.Equal(t, model.SubmissionStatusReceived, got.Status)

		require.NoError(t, got.MarkProcessing(base.Add(time.Second)))
		saved, err := repo.Save(ctx, got, model.NewStatusEvent(uuid.NewString(), got, base.Add(time.Second)))
		require.NoError(t, err)
		assert.Equal(t, int64(2), saved.Version)

		// got still carries version 1; saving it again is stale.
		require.NoError(t, got.MarkFailed("boom", base.Add(2*time.Second)))
		_, err = repo.Save(ctx, got, model.NewStatusEvent(uuid.NewString(), got, base.Add(2*time.Second)))
		require.ErrorIs(t, err, model.ErrVersionConflict)

		require.NoError(t, saved.MarkFailed("boom", base.Add(2*time.Second)))
		final, err := repo.Save(ctx, saved, model.NewStatusEvent(uuid.NewString(), saved, base.Add(2*time.Second)))
		require.NoError(t, err)
		assert.Equal(t, int64(3), final.Version)
		assert.Equal(t, model.SubmissionStatusFailed, final.Status)
	})

	t.Run("fetch unknown id", func(t *testing.T) {
		for _, id := range []string{uuid.NewString(), "unknown-id", ""} {
			_, err := repo.Fetch(ctx, id)
			require.ErrorIs(t, err, model.ErrSubmissionNotFound, "id %q", id)
		}
	})

	t.Run("save unknown id", func(t *testing.T) {
		rec, _ := newRecord("bob", base)
		require.NoError(t, rec.MarkProcessing(base))
		_, err := repo.Save(ctx, rec, model.NewStatusEvent(uuid.NewString(), rec, base))
		require.ErrorIs(t, err, model.ErrSubmissionNotFound)
	})

	t.Run("concurrent saves of one version admit a single winner", func(t *testing.T) {
		rec, evt := newRecord("carol", base)
		_, err := repo.Create(ctx, rec, evt)
		require.NoError(t, err)

		const writers = 8
		var (
			wg        sync.WaitGroup
			mu        sync.Mutex
			wins      int
			conflicts int
		)
		for range writers {
			wg.Add(1)
			go func() {
				defer wg.Done()
				cp := rec.Clone()
				cp.Version = 1
				if err := cp.MarkProcessing(base.Add(time.Second)); err != nil {
					return
				}
				_, err := repo.Save(ctx, cp, model.NewStatusEvent(uuid.NewString(), cp, base.Add(time.Second)))
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					wins++
				case errors.Is(err, model.ErrVersionConflict):
					conflicts++
				default:
					t.Errorf("unexpected save error: %v", err)
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, 1, wins)
		assert.Equal(t, writers-1, conflicts)
	})

	t.Run("list filters", func(t *testing.T) {
		who := fmt.Sprintf("lister-%d", time.Now().UnixNano())
		var ids []string
		for i := range 3 {
			rec, evt := newRecord(who, base.Add(time.Duration(i)*time.Minute))
			_, err := repo.Create(ctx, rec, evt)
			require.NoError(t, err)
			ids = append(ids, rec.ID)
		}

		out, err := repo.List(ctx, model.SubmissionListOptions{RequestedBy: &who})
		require.NoError(t, err)
		require.Len(t, out, 3)
		assert.Equal(t, ids[2], out[0].ID, "newest first")

		page, err := repo.List(ctx, model.SubmissionListOptions{RequestedBy: &who, Limit: 1, Offset: 1})
		require.NoError(t, err)
		require.Len(t, page, 1)
		assert.Equal(t, ids[1], page[0].ID)

		from := base.Add(30 * time.Second)
		to := base.Add(90 * time.Second)
		window, err := repo.List(ctx, model.SubmissionListOptions{
			RequestedBy: &who, CreatedAfter: &from, CreatedBefore: &to,
		})
		require.NoError(t, err)
		require.Len(t, window, 1)
		assert.Equal(t, ids[1], window[0].ID)

		received := model.SubmissionStatusReceived
		byStatus, err := repo.List(ctx, model.SubmissionListOptions{Status: &received, Limit: 500})
		require.NoError(t, err)
		found := 0
		for _, s := range byStatus {
			assert.Equal(t, model.SubmissionStatusReceived, s.Status)
			if s.RequestedBy == who {
				found++
			}
		}
		assert.Equal(t, 3, found)
	})

	t.Run("outbox drains in order and purges", func(t *testing.T) {
		pending, err := repo.FetchUnpublished(ctx, 1000)
		require.NoError(t, err)
		require.NotEmpty(t, pending)
		for i := 1; i < len(pending); i++ {
			assert.Less(t, pending[i-1].Seq, pending[i].Seq)
		}

		seqs := make([]int64, len(pending))
		for i, e := range pending {
			seqs[i] = e.Seq
		}
		require.NoError(t, repo.MarkPublished(ctx, seqs, base))

		again, err := repo.FetchUnpublished(ctx, 1000)
		require.NoError(t, err)
		assert.Empty(t, again)

		n, err := repo.DeletePublishedBefore(ctx, base.Add(time.Hour), 10_000)
		require.NoError(t, err)
		assert.Equal(t, int64(len(pending)), n)
	})
}

func TestMemorySubmissionRepo_Contract(t *testing.T) {
	runSubmissionStoreContract(t, NewMemorySubmissionRepo())
}

func TestRedisSubmissionRepo_Contract(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	client := testutil.SetupTestRedis(t)

	runSubmissionStoreContract(t, NewRedisSubmissionRepoWithPrefix(client, "{voicemsg-test}"))
}

func TestSubmissionRepo_Contract_Postgres(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithEphemeralDB(t, func(db *sql.DB) {
		runSubmissionStoreContract(t, NewSubmissionRepo(db))
	})
}

func TestMemorySubmissionRepo_ReturnsCopies(t *testing.T) {
	repo := NewMemorySubmissionRepo()
	ctx := context.Background()
	now := time.Now().UTC()
	rec := model.NewSubmission("id-1", "text", "", nil, now)

	_, err := repo.Create(ctx, rec, model.NewStatusEvent("evt-1", rec, now))
	require.NoError(t, err)

	rec.OriginalText = "mutated"
	got, err := repo.Fetch(ctx, "id-1")
	require.NoError(t, err)
	assert.Equal(t, "text", got.OriginalText)
	assert.Equal(t, model.DefaultRequester, got.RequestedBy)

	got.OriginalText = "mutated again"
	again, err := repo.Fetch(ctx, "id-1")
	require.NoError(t, err)
	assert.Equal(t, "text", again.OriginalText)
}

func TestMemorySubmissionRepo_Canceled(t *testing.T) {
	repo := NewMemorySubmissionRepo()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := repo.Fetch(ctx, "x")
	require.ErrorIs(t, err, context.Canceled)
}
