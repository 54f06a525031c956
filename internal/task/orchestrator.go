package task

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/docsurge/docsurge/internal/metrics"
	"github.com/docsurge/docsurge/internal/review"
)

// ErrQueueFull is returned when the worker pool's queue is saturated; the
// API layer maps it to 503.
var ErrQueueFull = errors.New("task queue is full")

// ErrNotCancellable is returned when cancelling a task that already reached a
// terminal state.
var ErrNotCancellable = errors.New("task is not cancellable")

// OrchestratorConfig bounds the process-wide pipeline runtime.
type OrchestratorConfig struct {
	MaxWorkers   int
	QueueSize    int
	TaskTimeout  time.Duration
	CleanupAfter time.Duration
}

func (c *OrchestratorConfig) setDefaults() {
	if c.MaxWorkers <= 0 {
		c.MaxWorkers = 4
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 32
	}
	if c.TaskTimeout <= 0 {
		c.TaskTimeout = 10 * time.Minute
	}
	if c.CleanupAfter <= 0 {
		c.CleanupAfter = 24 * time.Hour
	}
}

// Orchestrator owns the task table and drives agent runs through a bounded
// worker pool in the three delivery modes.
type Orchestrator struct {
	cfg     OrchestratorConfig
	store   *Store
	agents  map[review.Kind]review.Agent
	writer  *ArtifactWriter
	hub     *Hub
	sinks   []EventSink
	history HistoryIndexer
	logger  zerolog.Logger

	queue   chan *job
	slots   chan struct{} // global execution bound shared by all delivery modes
	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup

	mu       sync.Mutex
	cancels  map[string]context.CancelFunc
	progress map[string]int // monotonic floor per in-flight task
}

type job struct {
	task     *Task
	req      review.Request
	progress review.ProgressFunc // extra per-step callback, stream mode only
	done     chan struct{}
}

// NewOrchestrator wires the orchestrator. hub may not be nil; sinks and
// history are optional.
func NewOrchestrator(cfg OrchestratorConfig, store *Store, agents map[review.Kind]review.Agent, writer *ArtifactWriter, hub *Hub, logger zerolog.Logger) *Orchestrator {
	cfg.setDefaults()
	baseCtx, stop := context.WithCancel(context.Background())
	return &Orchestrator{
		cfg:      cfg,
		store:    store,
		agents:   agents,
		writer:   writer,
		hub:      hub,
		logger:   logger.With().Str("component", "orchestrator").Logger(),
		queue:    make(chan *job, cfg.QueueSize),
		slots:    make(chan struct{}, cfg.MaxWorkers),
		baseCtx:  baseCtx,
		stop:     stop,
		cancels:  make(map[string]context.CancelFunc),
		progress: make(map[string]int),
	}
}

// AddSink registers an external event sink (e.g. the Kafka producer).
func (o *Orchestrator) AddSink(sink EventSink) { o.sinks = append(o.sinks, sink) }

// SetHistoryIndexer registers the optional review-history indexer.
func (o *Orchestrator) SetHistoryIndexer(h HistoryIndexer) { o.history = h }

// Start launches the worker pool.
func (o *Orchestrator) Start() {
	for i := 0; i < o.cfg.MaxWorkers; i++ {
		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			for {
				select {
				case <-o.baseCtx.Done():
					return
				case j := <-o.queue:
					metrics.TasksQueued.WithLabelValues().Dec()
					select {
					case o.slots <- struct{}{}:
					case <-o.baseCtx.Done():
						return
					}
					o.execute(j)
					<-o.slots
				}
			}
		}()
	}
	o.logger.Info().Int("workers", o.cfg.MaxWorkers).Int("queue", o.cfg.QueueSize).Msg("orchestrator started")
}

// Stop cancels all in-flight tasks and waits for the workers to drain, up to
// the given context.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.stop()
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Submit creates an async task and enqueues it. Returns ErrQueueFull when
// the pool cannot take more work.
func (o *Orchestrator) Submit(ctx context.Context, kind review.Kind, req review.Request) (*Task, error) {
	t, j, err := o.newTask(ctx, kind, req, nil)
	if err != nil {
		return nil, err
	}

	select {
	case o.queue <- j:
		metrics.TasksQueued.WithLabelValues().Inc()
		metrics.TasksSubmittedTotal.WithLabelValues(string(kind), "async").Inc()
		return t, nil
	default:
		o.store.Delete(ctx, t.ID)
		metrics.TasksRejectedTotal.WithLabelValues("queue_full").Inc()
		return nil, ErrQueueFull
	}
}

// RunSync creates a task and executes it in the caller's goroutine, blocking
// until the terminal state. progress is optional and feeds the stream
// delivery mode. Backpressure applies: a saturated queue rejects sync work
// too, and a sync run occupies one of the MaxWorkers execution slots so the
// global bound of concurrent LLM calls holds across delivery modes.
func (o *Orchestrator) RunSync(ctx context.Context, kind review.Kind, req review.Request, progress review.ProgressFunc) (*Task, *Result, error) {
	if len(o.queue) >= o.cfg.QueueSize {
		metrics.TasksRejectedTotal.WithLabelValues("queue_full").Inc()
		return nil, nil, ErrQueueFull
	}

	select {
	case o.slots <- struct{}{}:
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	case <-o.baseCtx.Done():
		return nil, nil, o.baseCtx.Err()
	}
	defer func() { <-o.slots }()

	t, j, err := o.newTask(ctx, kind, req, progress)
	if err != nil {
		return nil, nil, err
	}
	mode := "sync"
	if progress != nil {
		mode = "stream"
	}
	metrics.TasksSubmittedTotal.WithLabelValues(string(kind), mode).Inc()

	o.execute(j)

	final, err := o.store.Get(ctx, t.ID)
	if err != nil {
		return nil, nil, err
	}
	if final.Status == StatusFailed {
		return final, nil, nil
	}
	result, err := o.store.GetResult(ctx, t.ID)
	if err != nil {
		return final, nil, err
	}
	return final, result, nil
}

func (o *Orchestrator) newTask(ctx context.Context, kind review.Kind, req review.Request, progress review.ProgressFunc) (*Task, *job, error) {
	if _, ok := o.agents[kind]; !ok {
		return nil, nil, fmt.Errorf("no agent registered for %q", kind)
	}

	t := &Task{
		ID:        uuid.NewString(),
		Agent:     kind,
		Title:     req.Title,
		Status:    StatusPending,
		CreatedAt: time.Now().UTC(),
	}
	if err := o.store.Save(ctx, t); err != nil {
		return nil, nil, err
	}
	o.publish(t, "任务已创建")
	return t, &job{task: t, req: req, progress: progress, done: make(chan struct{})}, nil
}

// GetTask returns a task snapshot.
func (o *Orchestrator) GetTask(ctx context.Context, id string) (*Task, error) {
	return o.store.Get(ctx, id)
}

// GetResult returns a completed task's result.
func (o *Orchestrator) GetResult(ctx context.Context, id string) (*Result, error) {
	return o.store.GetResult(ctx, id)
}

// Cancel aborts a pending or processing task, or deletes a terminal one.
func (o *Orchestrator) Cancel(ctx context.Context, id string) error {
	t, err := o.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if t.Terminal() {
		return o.store.Delete(ctx, id)
	}

	o.mu.Lock()
	cancel, running := o.cancels[id]
	o.mu.Unlock()

	if running {
		cancel()
		return nil
	}

	// Still queued: mark it failed so the worker skips it on dequeue.
	o.finish(t, StatusFailed, ErrKindCancelled, "任务已取消")
	return nil
}

// Cleanup sweeps terminal tasks older than the retention window.
func (o *Orchestrator) Cleanup(ctx context.Context) (int, error) {
	return o.store.Sweep(ctx, o.cfg.CleanupAfter, time.Now().UTC())
}

// Subscribe exposes the lifecycle event feed.
func (o *Orchestrator) Subscribe() (<-chan Event, func()) {
	return o.hub.Subscribe()
}

// execute drives one task from pending to a terminal state.
func (o *Orchestrator) execute(j *job) {
	defer close(j.done)
	t := j.task

	// A cancel may have landed while the job sat in the queue.
	if cur, err := o.store.Get(o.baseCtx, t.ID); err == nil && cur.Terminal() {
		return
	}

	ctx, cancel := context.WithTimeout(o.baseCtx, o.cfg.TaskTimeout)
	defer cancel()

	o.mu.Lock()
	o.cancels[t.ID] = cancel
	o.progress[t.ID] = 0
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		delete(o.cancels, t.ID)
		delete(o.progress, t.ID)
		o.mu.Unlock()
	}()

	now := time.Now().UTC()
	t.Status = StatusProcessing
	t.StartedAt = &now
	t.Message = "任务开始处理"
	o.save(t)
	o.publish(t, t.Message)
	metrics.TasksActive.WithLabelValues().Inc()
	defer metrics.TasksActive.WithLabelValues().Dec()

	agent := o.agents[t.Agent]
	start := time.Now()

	// progressMu serializes the floor check with the store write and the
	// stream emit: concurrent section goroutines may report out of order, and
	// published progress must never decrease.
	var progressMu sync.Mutex
	result, err := agent.Run(ctx, j.req, func(p int, msg string, current, total int) {
		progressMu.Lock()
		defer progressMu.Unlock()
		if !o.advanceProgress(t.ID, p) {
			return
		}
		t.Progress = p
		t.Message = msg
		o.save(t)
		o.publish(t, msg)
		j.progress.Emit(p, msg, current, total)
	})

	metrics.TaskDuration.WithLabelValues(string(t.Agent)).Observe(time.Since(start).Seconds())

	if err != nil {
		o.fail(t, ctx, err)
		return
	}

	stored, err := NewResult(result)
	if err != nil {
		o.finish(t, StatusFailed, ErrKindInternal, fmt.Sprintf("序列化结果失败: %v", err))
		return
	}
	if err := o.store.SaveResult(o.baseCtx, t.ID, stored); err != nil {
		o.finish(t, StatusFailed, ErrKindInternal, fmt.Sprintf("保存结果失败: %v", err))
		return
	}

	unifiedPath, rebuiltPath, err := o.writer.Write(t.ID, stored)
	if err != nil {
		o.finish(t, StatusFailed, ErrKindProcessing, fmt.Sprintf("写入产物失败: %v", err))
		return
	}

	t.UnifiedPath = unifiedPath
	t.RebuiltPath = rebuiltPath
	t.Summary = result.Summary
	if result.Message != "" {
		t.Message = result.Message
	} else {
		t.Message = "任务完成"
	}
	o.finish(t, StatusCompleted, "", t.Message)

	if o.history != nil {
		if err := o.history.IndexReview(o.baseCtx, t); err != nil {
			o.logger.Warn().Err(err).Str("task_id", t.ID).Msg("review history indexing failed")
		}
	}
}

// fail classifies a run error into the machine-stable kinds.
func (o *Orchestrator) fail(t *Task, ctx context.Context, err error) {
	kind := ErrKindProcessing
	msg := err.Error()

	var analysisErr *review.AnalysisError
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		kind = ErrKindTimeout
		msg = "任务超时"
	case errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled):
		kind = ErrKindCancelled
		msg = "任务已取消"
	case errors.As(err, &analysisErr):
		kind = ErrKindAnalysis
	}

	o.logger.Error().Err(err).Str("task_id", t.ID).Str("kind", kind).Msg("task failed")
	o.finish(t, StatusFailed, kind, msg)
}

// finish moves the task into a terminal state and publishes the transition.
func (o *Orchestrator) finish(t *Task, status Status, errKind, msg string) {
	now := time.Now().UTC()
	t.Status = status
	t.CompletedAt = &now
	t.Message = msg
	if status == StatusCompleted {
		t.Progress = 100
	} else {
		t.Error = msg
		t.ErrorKind = errKind
	}
	o.save(t)
	o.publish(t, msg)
	metrics.TasksCompletedTotal.WithLabelValues(string(t.Agent), string(status)).Inc()
}

// advanceProgress raises the task's progress floor, rejecting stale values.
func (o *Orchestrator) advanceProgress(id string, p int) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if p <= o.progress[id] {
		return false
	}
	o.progress[id] = p
	return true
}

func (o *Orchestrator) save(t *Task) {
	if err := o.store.Save(o.baseCtx, t); err != nil {
		o.logger.Error().Err(err).Str("task_id", t.ID).Msg("task save failed")
	}
}

func (o *Orchestrator) publish(t *Task, msg string) {
	ev := Event{
		TaskID:    t.ID,
		Agent:     t.Agent,
		Status:    t.Status,
		Progress:  t.Progress,
		Message:   msg,
		Timestamp: time.Now().UTC(),
	}
	o.hub.Publish(ev)
	for _, sink := range o.sinks {
		if err := sink.PublishTaskEvent(o.baseCtx, ev); err != nil {
			o.logger.Warn().Err(err).Str("task_id", t.ID).Msg("event sink publish failed")
		}
	}
}
