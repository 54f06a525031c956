package task

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docsurge/docsurge/internal/review"
)

func setupStore(t *testing.T) *Store {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewStore(client, zerolog.Nop())
}

func TestStore_SaveGetDelete(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	task := &Task{
		ID:        "t-1",
		Agent:     review.KindRedundancy,
		Status:    StatusPending,
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, store.Save(ctx, task))

	got, err := store.Get(ctx, "t-1")
	require.NoError(t, err)
	assert.Equal(t, review.KindRedundancy, got.Agent)
	assert.Equal(t, StatusPending, got.Status)

	ids, err := store.List(ctx)
	require.NoError(t, err)
	assert.Contains(t, ids, "t-1")

	require.NoError(t, store.Delete(ctx, "t-1"))
	_, err = store.Get(ctx, "t-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_GetUnknown(t *testing.T) {
	store := setupStore(t)
	_, err := store.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = store.GetResult(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_ResultRoundTrip(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	result := &Result{
		Unified:  []byte(`{"报告":{"一":{"status":"modified"}}}`),
		Chapters: []review.FlatChapter{{OriginalText: "旧", EditText: "新", Comment: "去重"}},
		Rebuilt:  "# 报告\n## 一\n新\n",
		Summary:  "共修改 1 处",
	}
	require.NoError(t, store.SaveResult(ctx, "t-1", result))

	got, err := store.GetResult(ctx, "t-1")
	require.NoError(t, err)
	assert.JSONEq(t, string(result.Unified), string(got.Unified))
	require.Len(t, got.Chapters, 1)
	assert.Equal(t, "新", got.Chapters[0].EditText)
	assert.Equal(t, result.Rebuilt, got.Rebuilt)
}

func TestStore_SweepRemovesOldTerminalTasks(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	old := now.Add(-48 * time.Hour)
	recent := now.Add(-1 * time.Hour)

	for _, tc := range []struct {
		id          string
		status      Status
		completedAt *time.Time
	}{
		{"old-completed", StatusCompleted, &old},
		{"old-failed", StatusFailed, &old},
		{"recent-completed", StatusCompleted, &recent},
		{"still-processing", StatusProcessing, nil},
	} {
		require.NoError(t, store.Save(ctx, &Task{
			ID:          tc.id,
			Agent:       review.KindTable,
			Status:      tc.status,
			CreatedAt:   old,
			CompletedAt: tc.completedAt,
		}))
	}

	removed, err := store.Sweep(ctx, 24*time.Hour, now)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	_, err = store.Get(ctx, "old-completed")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = store.Get(ctx, "old-failed")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = store.Get(ctx, "recent-completed")
	assert.NoError(t, err)
	_, err = store.Get(ctx, "still-processing")
	assert.NoError(t, err)
}
