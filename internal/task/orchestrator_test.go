package task

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docsurge/docsurge/internal/markdown"
	"github.com/docsurge/docsurge/internal/review"
)

// fakeAgent scripts an agent run for orchestrator tests.
type fakeAgent struct {
	kind review.Kind
	run  func(ctx context.Context, req review.Request, progress review.ProgressFunc) (*review.Result, error)
}

func (f *fakeAgent) Kind() review.Kind { return f.kind }

func (f *fakeAgent) Run(ctx context.Context, req review.Request, progress review.ProgressFunc) (*review.Result, error) {
	return f.run(ctx, req, progress)
}

// okResult builds a small completed result over the request's document.
func okResult(req review.Request) *review.Result {
	doc := markdown.Parse(req.Content, markdown.Options{Logger: zerolog.Nop()})
	unified := review.BuildUnified(doc, nil)
	return &review.Result{
		Unified:  unified,
		Chapters: []review.FlatChapter{},
		Summary:  "共审查 1 个章节，修改 0 处",
	}
}

type testHarness struct {
	orch *Orchestrator
	dir  string
}

func setupOrchestrator(t *testing.T, cfg OrchestratorConfig, agent review.Agent) *testHarness {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	dir := t.TempDir()
	orch := NewOrchestrator(cfg,
		NewStore(client, zerolog.Nop()),
		map[review.Kind]review.Agent{agent.Kind(): agent},
		NewArtifactWriter(dir, zerolog.Nop()),
		NewHub(),
		zerolog.Nop(),
	)
	orch.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		orch.Stop(ctx)
	})
	return &testHarness{orch: orch, dir: dir}
}

// waitTerminal polls until the task reaches a terminal state.
func waitTerminal(t *testing.T, orch *Orchestrator, id string) *Task {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case <-deadline:
			t.Fatalf("task %s never reached a terminal state", id)
		case <-time.After(10 * time.Millisecond):
		}
		got, err := orch.GetTask(context.Background(), id)
		require.NoError(t, err)
		if got.Terminal() {
			return got
		}
	}
}

func artifactCount(t *testing.T, dir string) int {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	return len(entries)
}

func TestOrchestrator_AsyncLifecycle(t *testing.T) {
	agent := &fakeAgent{kind: review.KindRedundancy, run: func(_ context.Context, req review.Request, progress review.ProgressFunc) (*review.Result, error) {
		progress.Emit(10, "分析中", 0, 0)
		progress.Emit(30, "分析完成", 0, 0)
		progress.Emit(95, "整理结果", 0, 0)
		return okResult(req), nil
	}}
	h := setupOrchestrator(t, OrchestratorConfig{}, agent)

	submitted, err := h.orch.Submit(context.Background(), review.KindRedundancy, review.Request{Content: "# A\n## B\n内容\n"})
	require.NoError(t, err)
	assert.Equal(t, StatusPending, submitted.Status)
	assert.NotEmpty(t, submitted.ID)

	final := waitTerminal(t, h.orch, submitted.ID)
	assert.Equal(t, StatusCompleted, final.Status)
	assert.Equal(t, 100, final.Progress)
	assert.NotEmpty(t, final.Summary)
	require.NotEmpty(t, final.UnifiedPath)

	// The unified artifact is two-space-indented JSON on disk.
	data, err := os.ReadFile(final.UnifiedPath)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(filepath.Base(final.UnifiedPath), submitted.ID+"_"))
	assert.Contains(t, string(data), "\n  ")

	result, err := h.orch.GetResult(context.Background(), submitted.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, result.Unified)
}

func TestOrchestrator_SyncDelivery(t *testing.T) {
	agent := &fakeAgent{kind: review.KindTable, run: func(_ context.Context, req review.Request, _ review.ProgressFunc) (*review.Result, error) {
		return okResult(req), nil
	}}
	h := setupOrchestrator(t, OrchestratorConfig{}, agent)

	final, result, err := h.orch.RunSync(context.Background(), review.KindTable, review.Request{Content: "# A\n## B\n内容\n"}, nil)
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, StatusCompleted, final.Status)
	assert.Equal(t, 100, final.Progress)
}

func TestOrchestrator_ProgressIsMonotonicInEvents(t *testing.T) {
	agent := &fakeAgent{kind: review.KindThesis, run: func(_ context.Context, req review.Request, progress review.ProgressFunc) (*review.Result, error) {
		// A misbehaving agent emits out-of-order progress.
		progress.Emit(50, "a", 0, 0)
		progress.Emit(20, "b", 0, 0)
		progress.Emit(80, "c", 0, 0)
		return okResult(req), nil
	}}
	h := setupOrchestrator(t, OrchestratorConfig{}, agent)

	events, cancel := h.orch.Subscribe()
	defer cancel()

	var mu sync.Mutex
	var seen []int
	go func() {
		for ev := range events {
			mu.Lock()
			seen = append(seen, ev.Progress)
			mu.Unlock()
		}
	}()

	submitted, err := h.orch.Submit(context.Background(), review.KindThesis, review.Request{Content: "# A\n## B\n内容\n"})
	require.NoError(t, err)
	final := waitTerminal(t, h.orch, submitted.ID)
	assert.Equal(t, StatusCompleted, final.Status)

	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, seen)
	for i := 1; i < len(seen); i++ {
		assert.GreaterOrEqual(t, seen[i], seen[i-1], "published progress must never decrease")
	}
	assert.Equal(t, 100, seen[len(seen)-1])
}

func TestOrchestrator_StreamProgressIsMonotonic(t *testing.T) {
	agent := &fakeAgent{kind: review.KindEvidence, run: func(_ context.Context, req review.Request, progress review.ProgressFunc) (*review.Result, error) {
		// Section rewrites finish out of order and report stale steps.
		progress.Emit(65, "改写完成 (2/4)", 2, 4)
		progress.Emit(52, "改写完成 (1/4)", 1, 4)
		progress.Emit(78, "改写完成 (3/4)", 3, 4)
		return okResult(req), nil
	}}
	h := setupOrchestrator(t, OrchestratorConfig{}, agent)

	var seen []int
	final, result, err := h.orch.RunSync(context.Background(), review.KindEvidence, review.Request{Content: "# A\n## B\n内容\n"}, func(p int, _ string, _, _ int) {
		seen = append(seen, p)
	})
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, StatusCompleted, final.Status)
	assert.Equal(t, []int{65, 78}, seen, "stale progress must not reach stream clients")
}

func TestOrchestrator_ConcurrentProgressEmission(t *testing.T) {
	agent := &fakeAgent{kind: review.KindTable, run: func(_ context.Context, req review.Request, progress review.ProgressFunc) (*review.Result, error) {
		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func(n int) {
				defer wg.Done()
				progress.Emit(40+n*6, fmt.Sprintf("改写完成 (%d/8)", n+1), n+1, 8)
			}(i)
		}
		wg.Wait()
		return okResult(req), nil
	}}
	h := setupOrchestrator(t, OrchestratorConfig{}, agent)

	var mu sync.Mutex
	var seen []int
	_, result, err := h.orch.RunSync(context.Background(), review.KindTable, review.Request{Content: "# A\n## B\n内容\n"}, func(p int, _ string, _, _ int) {
		mu.Lock()
		seen = append(seen, p)
		mu.Unlock()
	})
	require.NoError(t, err)
	require.NotNil(t, result)

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, seen)
	for i := 1; i < len(seen); i++ {
		assert.Greater(t, seen[i], seen[i-1], "concurrent emits must be serialized and floored")
	}
}

func TestOrchestrator_SyncRunsShareWorkerBound(t *testing.T) {
	var active, peak int32
	agent := &fakeAgent{kind: review.KindRedundancy, run: func(_ context.Context, req review.Request, _ review.ProgressFunc) (*review.Result, error) {
		cur := atomic.AddInt32(&active, 1)
		defer atomic.AddInt32(&active, -1)
		for {
			prev := atomic.LoadInt32(&peak)
			if cur <= prev || atomic.CompareAndSwapInt32(&peak, prev, cur) {
				break
			}
		}
		time.Sleep(30 * time.Millisecond)
		return okResult(req), nil
	}}
	h := setupOrchestrator(t, OrchestratorConfig{MaxWorkers: 1, QueueSize: 8}, agent)

	// Async work holds the only slot while sync calls compete for it.
	submitted, err := h.orch.Submit(context.Background(), review.KindRedundancy, review.Request{Content: "# A\n## B\n内容\n"})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			final, _, err := h.orch.RunSync(context.Background(), review.KindRedundancy, review.Request{Content: "# A\n## B\n内容\n"}, nil)
			require.NoError(t, err)
			assert.Equal(t, StatusCompleted, final.Status)
		}()
	}
	wg.Wait()
	waitTerminal(t, h.orch, submitted.ID)

	assert.Equal(t, int32(1), atomic.LoadInt32(&peak), "sync and async runs together must respect MaxWorkers")
}

func TestOrchestrator_CancellationLeavesNoArtifacts(t *testing.T) {
	started := make(chan struct{})
	agent := &fakeAgent{kind: review.KindEvidence, run: func(ctx context.Context, _ review.Request, _ review.ProgressFunc) (*review.Result, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	h := setupOrchestrator(t, OrchestratorConfig{}, agent)

	submitted, err := h.orch.Submit(context.Background(), review.KindEvidence, review.Request{Content: "# A\n## B\n内容\n"})
	require.NoError(t, err)

	<-started
	require.NoError(t, h.orch.Cancel(context.Background(), submitted.ID))

	final := waitTerminal(t, h.orch, submitted.ID)
	assert.Equal(t, StatusFailed, final.Status)
	assert.Equal(t, ErrKindCancelled, final.ErrorKind)
	assert.Equal(t, 0, artifactCount(t, h.dir), "cancelled tasks must write no artifacts")
}

func TestOrchestrator_TimeoutFailsTask(t *testing.T) {
	agent := &fakeAgent{kind: review.KindRedundancy, run: func(ctx context.Context, _ review.Request, _ review.ProgressFunc) (*review.Result, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	h := setupOrchestrator(t, OrchestratorConfig{TaskTimeout: 50 * time.Millisecond}, agent)

	submitted, err := h.orch.Submit(context.Background(), review.KindRedundancy, review.Request{Content: "# A\n"})
	require.NoError(t, err)

	final := waitTerminal(t, h.orch, submitted.ID)
	assert.Equal(t, StatusFailed, final.Status)
	assert.Equal(t, ErrKindTimeout, final.ErrorKind)
}

func TestOrchestrator_QueueFullRejects(t *testing.T) {
	release := make(chan struct{})
	agent := &fakeAgent{kind: review.KindRedundancy, run: func(ctx context.Context, req review.Request, _ review.ProgressFunc) (*review.Result, error) {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return okResult(req), nil
	}}
	h := setupOrchestrator(t, OrchestratorConfig{MaxWorkers: 1, QueueSize: 1}, agent)
	defer close(release)

	// First task occupies the worker, second fills the queue.
	_, err := h.orch.Submit(context.Background(), review.KindRedundancy, review.Request{Content: "# A\n"})
	require.NoError(t, err)

	// Give the worker a moment to pick up the first task.
	time.Sleep(50 * time.Millisecond)

	_, err = h.orch.Submit(context.Background(), review.KindRedundancy, review.Request{Content: "# B\n"})
	require.NoError(t, err)

	_, err = h.orch.Submit(context.Background(), review.KindRedundancy, review.Request{Content: "# C\n"})
	assert.ErrorIs(t, err, ErrQueueFull)
}

func TestOrchestrator_CancelQueuedTask(t *testing.T) {
	release := make(chan struct{})
	agent := &fakeAgent{kind: review.KindRedundancy, run: func(ctx context.Context, req review.Request, _ review.ProgressFunc) (*review.Result, error) {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return okResult(req), nil
	}}
	h := setupOrchestrator(t, OrchestratorConfig{MaxWorkers: 1, QueueSize: 4}, agent)
	defer close(release)

	_, err := h.orch.Submit(context.Background(), review.KindRedundancy, review.Request{Content: "# A\n"})
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)

	queued, err := h.orch.Submit(context.Background(), review.KindRedundancy, review.Request{Content: "# B\n"})
	require.NoError(t, err)

	require.NoError(t, h.orch.Cancel(context.Background(), queued.ID))
	got, err := h.orch.GetTask(context.Background(), queued.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, ErrKindCancelled, got.ErrorKind)
}

func TestOrchestrator_UnknownAgent(t *testing.T) {
	agent := &fakeAgent{kind: review.KindRedundancy, run: func(_ context.Context, req review.Request, _ review.ProgressFunc) (*review.Result, error) {
		return okResult(req), nil
	}}
	h := setupOrchestrator(t, OrchestratorConfig{}, agent)

	_, err := h.orch.Submit(context.Background(), review.KindEvidence, review.Request{Content: "# A\n"})
	assert.Error(t, err)
}

func TestOrchestrator_CleanupSweeps(t *testing.T) {
	agent := &fakeAgent{kind: review.KindRedundancy, run: func(_ context.Context, req review.Request, _ review.ProgressFunc) (*review.Result, error) {
		return okResult(req), nil
	}}
	h := setupOrchestrator(t, OrchestratorConfig{CleanupAfter: time.Nanosecond}, agent)

	submitted, err := h.orch.Submit(context.Background(), review.KindRedundancy, review.Request{Content: "# A\n## B\n内容\n"})
	require.NoError(t, err)
	waitTerminal(t, h.orch, submitted.ID)

	time.Sleep(10 * time.Millisecond)
	removed, err := h.orch.Cleanup(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = h.orch.GetTask(context.Background(), submitted.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}
