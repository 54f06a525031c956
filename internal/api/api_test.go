package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docsurge/docsurge/internal/config"
	"github.com/docsurge/docsurge/internal/markdown"
	"github.com/docsurge/docsurge/internal/review"
	"github.com/docsurge/docsurge/internal/task"
)

type fakeAgent struct {
	kind review.Kind
	run  func(ctx context.Context, req review.Request, progress review.ProgressFunc) (*review.Result, error)
}

func (f *fakeAgent) Kind() review.Kind { return f.kind }

func (f *fakeAgent) Run(ctx context.Context, req review.Request, progress review.ProgressFunc) (*review.Result, error) {
	return f.run(ctx, req, progress)
}

// passthroughRun completes immediately with an unmodified unified view.
func passthroughRun(_ context.Context, req review.Request, progress review.ProgressFunc) (*review.Result, error) {
	progress.Emit(10, "开始分析文档", 0, 0)
	progress.Emit(95, "整理审查结果", 0, 0)
	doc := markdown.Parse(req.Content, markdown.Options{Logger: zerolog.Nop()})
	unified := review.BuildUnified(doc, nil)
	return &review.Result{
		Unified:  unified,
		Chapters: []review.FlatChapter{},
		Summary:  fmt.Sprintf("共审查 %d 个章节，修改 0 处", unified.RecordCount()),
	}, nil
}

type harness struct {
	srv  *httptest.Server
	orch *task.Orchestrator
	cfg  *config.Config
}

func setup(t *testing.T, mutate func(cfg *config.Config, oc *task.OrchestratorConfig), agents ...review.Agent) *harness {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	cfg := config.Default()
	cfg.API.Websockets = true
	oc := task.OrchestratorConfig{}
	if mutate != nil {
		mutate(cfg, &oc)
	}

	if len(agents) == 0 {
		agents = []review.Agent{&fakeAgent{kind: review.KindRedundancy, run: passthroughRun}}
	}
	byKind := make(map[review.Kind]review.Agent, len(agents))
	for _, a := range agents {
		byKind[a.Kind()] = a
	}

	orch := task.NewOrchestrator(oc,
		task.NewStore(client, zerolog.Nop()),
		byKind,
		task.NewArtifactWriter(t.TempDir(), zerolog.Nop()),
		task.NewHub(),
		zerolog.Nop(),
	)
	orch.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		orch.Stop(ctx)
	})

	server := NewServer(orch, client, cfg, zerolog.Nop())
	srv := httptest.NewServer(server.Handler())
	t.Cleanup(srv.Close)

	return &harness{srv: srv, orch: orch, cfg: cfg}
}

func postJSON(t *testing.T, url string, body interface{}) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, into interface{}) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(into))
}

const sampleDoc = "# 报告\n## 一\n第一节内容。\n## 二\n第二节内容。\n"

func TestSyncReview(t *testing.T) {
	h := setup(t, nil)

	resp := postJSON(t, h.srv.URL+"/api/review/redundancy", review.Request{Content: sampleDoc})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body reviewResponse
	decodeBody(t, resp, &body)
	assert.NotEmpty(t, body.TaskID)
	assert.Equal(t, task.StatusCompleted, body.Status)
	assert.Contains(t, body.Summary, "共审查")
	assert.NotEmpty(t, body.Unified)
	assert.NotNil(t, body.Chapters)
}

func TestSyncReview_EmptyDocument(t *testing.T) {
	h := setup(t, nil)

	resp := postJSON(t, h.srv.URL+"/api/review/redundancy", review.Request{Content: "   "})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var body APIErrorResponse
	decodeBody(t, resp, &body)
	assert.Equal(t, "文档内容不能为空", body.Error.Message)
	assert.Equal(t, ErrCodeEmptyDocument, body.Error.Code)
	assert.NotEmpty(t, body.Error.RequestID)
}

func TestSyncReview_OversizeDocument(t *testing.T) {
	h := setup(t, func(cfg *config.Config, _ *task.OrchestratorConfig) {
		cfg.Review.SyncMaxBytes = 64
	})

	resp := postJSON(t, h.srv.URL+"/api/review/redundancy",
		review.Request{Content: strings.Repeat("长文档内容。", 100)})
	require.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)

	var body APIErrorResponse
	decodeBody(t, resp, &body)
	assert.Equal(t, ErrCodeDocumentTooLarge, body.Error.Code)
}

func TestUnknownAgent(t *testing.T) {
	h := setup(t, nil)

	resp := postJSON(t, h.srv.URL+"/api/review/grammar", review.Request{Content: sampleDoc})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func waitCompleted(t *testing.T, h *harness, id string) *task.Task {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case <-deadline:
			t.Fatalf("task %s never completed", id)
		case <-time.After(10 * time.Millisecond):
		}
		got, err := h.orch.GetTask(context.Background(), id)
		require.NoError(t, err)
		if got.Terminal() {
			require.Equal(t, task.StatusCompleted, got.Status)
			return got
		}
	}
}

func TestAsyncLifecycle(t *testing.T) {
	h := setup(t, nil)

	resp := postJSON(t, h.srv.URL+"/api/review/redundancy/tasks", review.Request{Content: sampleDoc})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var submitted submitResponse
	decodeBody(t, resp, &submitted)
	assert.Equal(t, task.StatusPending, submitted.Status)
	require.NotEmpty(t, submitted.TaskID)

	waitCompleted(t, h, submitted.TaskID)

	// Snapshot
	resp, err := http.Get(h.srv.URL + "/api/tasks/" + submitted.TaskID)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var snapshot task.Task
	decodeBody(t, resp, &snapshot)
	assert.Equal(t, 100, snapshot.Progress)

	// Unified view keeps the document's H1.
	resp, err = http.Get(h.srv.URL + "/api/tasks/" + submitted.TaskID + "/unified")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var unified map[string]map[string]review.SectionRecord
	decodeBody(t, resp, &unified)
	assert.Contains(t, unified, "报告")

	// Flat view
	resp, err = http.Get(h.srv.URL + "/api/tasks/" + submitted.TaskID + "/flat")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var flat struct {
		Chapters []review.FlatChapter `json:"chapters"`
	}
	decodeBody(t, resp, &flat)
	assert.Empty(t, flat.Chapters)

	// No rebuilt document for an unmodified run.
	resp, err = http.Get(h.srv.URL + "/api/tasks/" + submitted.TaskID + "/rebuilt")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	// Deleting a terminal task removes it.
	req, err := http.NewRequest(http.MethodDelete, h.srv.URL+"/api/tasks/"+submitted.TaskID, nil)
	require.NoError(t, err)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(h.srv.URL + "/api/tasks/" + submitted.TaskID)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestTaskNotFound(t *testing.T) {
	h := setup(t, nil)

	resp, err := http.Get(h.srv.URL + "/api/tasks/nope")
	require.NoError(t, err)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	var body APIErrorResponse
	decodeBody(t, resp, &body)
	assert.Equal(t, ErrCodeNotFound, body.Error.Code)
}

func TestQueueSaturationRejects(t *testing.T) {
	release := make(chan struct{})
	blocking := &fakeAgent{kind: review.KindRedundancy, run: func(ctx context.Context, req review.Request, p review.ProgressFunc) (*review.Result, error) {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return passthroughRun(ctx, req, p)
	}}
	h := setup(t, func(_ *config.Config, oc *task.OrchestratorConfig) {
		oc.MaxWorkers = 1
		oc.QueueSize = 1
	}, blocking)
	defer close(release)

	// First submission occupies the worker, second fills the queue.
	resp := postJSON(t, h.srv.URL+"/api/review/redundancy/tasks", review.Request{Content: sampleDoc})
	resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	time.Sleep(50 * time.Millisecond)

	resp = postJSON(t, h.srv.URL+"/api/review/redundancy/tasks", review.Request{Content: sampleDoc})
	resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp = postJSON(t, h.srv.URL+"/api/review/redundancy", review.Request{Content: sampleDoc})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestCleanupEndpoint(t *testing.T) {
	h := setup(t, func(_ *config.Config, oc *task.OrchestratorConfig) {
		oc.CleanupAfter = time.Nanosecond
	})

	resp := postJSON(t, h.srv.URL+"/api/review/redundancy", review.Request{Content: sampleDoc})
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	time.Sleep(10 * time.Millisecond)
	resp = postJSON(t, h.srv.URL+"/api/admin/cleanup", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]int
	decodeBody(t, resp, &body)
	assert.Equal(t, 1, body["removed"])
}

func TestStreamReview(t *testing.T) {
	h := setup(t, nil)

	data, err := json.Marshal(review.Request{Content: sampleDoc})
	require.NoError(t, err)
	resp, err := http.Post(h.srv.URL+"/api/review/redundancy/stream", "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var events []string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "event:") {
			events = append(events, strings.TrimSpace(strings.TrimPrefix(line, "event:")))
		}
		if len(events) > 0 && events[len(events)-1] == "end" {
			break
		}
	}

	assert.Contains(t, events, "progress")
	assert.Contains(t, events, "result")
	assert.Equal(t, "end", events[len(events)-1])
}

func TestHealthEndpoints(t *testing.T) {
	h := setup(t, nil)

	for _, path := range []string{"/health", "/health/live", "/health/ready"} {
		resp, err := http.Get(h.srv.URL + path)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
	}
}

func TestTaskFeedWebSocket(t *testing.T) {
	h := setup(t, nil)

	wsURL := "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/ws/tasks"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	resp := postJSON(t, h.srv.URL+"/api/review/redundancy/tasks", review.Request{Content: sampleDoc})
	resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)

	var ev task.Event
	require.NoError(t, json.Unmarshal(msg, &ev))
	assert.NotEmpty(t, ev.TaskID)
	assert.Equal(t, review.KindRedundancy, ev.Agent)
}
