package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/docsurge/docsurge/internal/metrics"
)

// ErrNotFound is returned when a task ID is unknown.
var ErrNotFound = errors.New("task not found")

const (
	taskKeyPrefix = "docsurge:task:"
	indexKey      = "docsurge:tasks"
)

// Store persists tasks and results in Redis. Tasks live until an explicit
// delete or a sweep; Redis TTLs are deliberately not used so a sweep can
// report what it removed.
type Store struct {
	redis  *redis.Client
	logger zerolog.Logger
}

// NewStore creates a task store on the given Redis client.
func NewStore(client *redis.Client, logger zerolog.Logger) *Store {
	return &Store{
		redis:  client,
		logger: logger.With().Str("component", "task_store").Logger(),
	}
}

func taskKey(id string) string   { return taskKeyPrefix + id }
func resultKey(id string) string { return taskKeyPrefix + id + ":result" }

// Save writes the task snapshot and registers it in the index set.
func (s *Store) Save(ctx context.Context, t *Task) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}

	pipe := s.redis.TxPipeline()
	pipe.Set(ctx, taskKey(t.ID), data, 0)
	pipe.SAdd(ctx, indexKey, t.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save task %s: %w", t.ID, err)
	}
	return nil
}

// Get fetches a task snapshot.
func (s *Store) Get(ctx context.Context, id string) (*Task, error) {
	data, err := s.redis.Get(ctx, taskKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task %s: %w", id, err)
	}

	var t Task
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("unmarshal task %s: %w", id, err)
	}
	return &t, nil
}

// SaveResult persists a completed run's result.
func (s *Store) SaveResult(ctx context.Context, id string, r *Result) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	if err := s.redis.Set(ctx, resultKey(id), data, 0).Err(); err != nil {
		return fmt.Errorf("save result %s: %w", id, err)
	}
	return nil
}

// GetResult fetches a completed run's result.
func (s *Store) GetResult(ctx context.Context, id string) (*Result, error) {
	data, err := s.redis.Get(ctx, resultKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get result %s: %w", id, err)
	}

	var r Result
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("unmarshal result %s: %w", id, err)
	}
	return &r, nil
}

// Delete removes a task, its result, and its index entry.
func (s *Store) Delete(ctx context.Context, id string) error {
	pipe := s.redis.TxPipeline()
	pipe.Del(ctx, taskKey(id), resultKey(id))
	pipe.SRem(ctx, indexKey, id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("delete task %s: %w", id, err)
	}
	return nil
}

// List returns every known task ID.
func (s *Store) List(ctx context.Context) ([]string, error) {
	ids, err := s.redis.SMembers(ctx, indexKey).Result()
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	return ids, nil
}

// Sweep removes terminal tasks whose completion timestamp is older than the
// retention window and returns how many were removed. Index entries whose
// task key has vanished are pruned along the way.
func (s *Store) Sweep(ctx context.Context, retention time.Duration, now time.Time) (int, error) {
	ids, err := s.List(ctx)
	if err != nil {
		return 0, err
	}

	cutoff := now.Add(-retention)
	removed := 0
	for _, id := range ids {
		t, err := s.Get(ctx, id)
		if errors.Is(err, ErrNotFound) {
			s.redis.SRem(ctx, indexKey, id)
			continue
		}
		if err != nil {
			return removed, err
		}
		if !t.Terminal() || t.CompletedAt == nil || t.CompletedAt.After(cutoff) {
			continue
		}
		if err := s.Delete(ctx, id); err != nil {
			return removed, err
		}
		removed++
	}

	metrics.CleanupRunsTotal.WithLabelValues().Inc()
	metrics.TasksSweptTotal.WithLabelValues().Add(float64(removed))
	s.logger.Info().Int("removed", removed).Dur("retention", retention).Msg("task sweep finished")
	return removed, nil
}
