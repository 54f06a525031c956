package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/docsurge/docsurge/internal/review"
	"github.com/docsurge/docsurge/internal/task"
)

// reviewResponse is the synchronous delivery payload: the terminal task plus
// its full result.
type reviewResponse struct {
	TaskID   string               `json:"task_id"`
	Status   task.Status          `json:"status"`
	Summary  string               `json:"summary,omitempty"`
	Message  string               `json:"message,omitempty"`
	Unified  json.RawMessage      `json:"unified_sections,omitempty"`
	Chapters []review.FlatChapter `json:"chapters"`
	Rebuilt  string               `json:"rebuilt,omitempty"`
}

// submitResponse acknowledges an async submission.
type submitResponse struct {
	TaskID string      `json:"task_id"`
	Status task.Status `json:"status"`
}

// agentFromPath validates the {agent} path segment.
func (s *Server) agentFromPath(w http.ResponseWriter, r *http.Request) (review.Kind, bool) {
	kind, err := review.ParseKind(r.PathValue("agent"))
	if err != nil {
		writeAPIError(w, r, http.StatusNotFound,
			"未知的审查类型", ErrCodeNotFound, err.Error())
		return "", false
	}
	return kind, true
}

// decodeRequest reads and validates the review request body. Validation
// failures are written to the client and reported as ok=false; no task is
// created for an invalid document.
func (s *Server) decodeRequest(w http.ResponseWriter, r *http.Request, maxBytes int) (review.Request, bool) {
	var req review.Request

	r.Body = http.MaxBytesReader(w, r.Body, int64(maxBytes)+4096)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeAPIError(w, r, http.StatusRequestEntityTooLarge,
				"文档内容超出大小限制", ErrCodeDocumentTooLarge, "")
			return req, false
		}
		writeAPIError(w, r, http.StatusBadRequest,
			"请求体不是合法的 JSON", ErrCodeInvalidParameter, err.Error())
		return req, false
	}

	if strings.TrimSpace(req.Content) == "" {
		writeAPIError(w, r, http.StatusBadRequest,
			"文档内容不能为空", ErrCodeEmptyDocument, "")
		return req, false
	}
	if len(req.Content) > maxBytes {
		writeAPIError(w, r, http.StatusRequestEntityTooLarge,
			"文档内容超出大小限制", ErrCodeDocumentTooLarge, "")
		return req, false
	}
	return req, true
}

// handleSyncReview runs a review in the request goroutine and returns the
// full result when the task reaches a terminal state.
func (s *Server) handleSyncReview(w http.ResponseWriter, r *http.Request) {
	kind, ok := s.agentFromPath(w, r)
	if !ok {
		return
	}
	req, ok := s.decodeRequest(w, r, s.cfg.Review.SyncMaxBytes)
	if !ok {
		return
	}

	final, result, err := s.orch.RunSync(r.Context(), kind, req, nil)
	if err != nil {
		s.writeSubmitError(w, r, err)
		return
	}
	if final.Status == task.StatusFailed {
		s.writeTaskFailure(w, r, final)
		return
	}

	respondJSON(w, http.StatusOK, reviewResponse{
		TaskID:   final.ID,
		Status:   final.Status,
		Summary:  result.Summary,
		Message:  result.Message,
		Unified:  result.Unified,
		Chapters: result.Chapters,
		Rebuilt:  result.Rebuilt,
	})
}

// handleAsyncSubmit enqueues a task and returns immediately.
func (s *Server) handleAsyncSubmit(w http.ResponseWriter, r *http.Request) {
	kind, ok := s.agentFromPath(w, r)
	if !ok {
		return
	}
	req, ok := s.decodeRequest(w, r, s.cfg.Review.AsyncMaxBytes)
	if !ok {
		return
	}

	t, err := s.orch.Submit(r.Context(), kind, req)
	if err != nil {
		s.writeSubmitError(w, r, err)
		return
	}
	respondJSON(w, http.StatusAccepted, submitResponse{TaskID: t.ID, Status: t.Status})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	t, ok := s.taskFromPath(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, t)
}

// handleGetUnified serves the stored unified-sections JSON. The raw bytes are
// written as stored so the chapter ordering survives.
func (s *Server) handleGetUnified(w http.ResponseWriter, r *http.Request) {
	result, ok := s.resultFromPath(w, r)
	if !ok {
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(result.Unified)
}

func (s *Server) handleGetFlat(w http.ResponseWriter, r *http.Request) {
	result, ok := s.resultFromPath(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"chapters": result.Chapters})
}

func (s *Server) handleGetRebuilt(w http.ResponseWriter, r *http.Request) {
	t, ok := s.taskFromPath(w, r)
	if !ok {
		return
	}
	result, ok := s.resultFromPath(w, r)
	if !ok {
		return
	}
	if result.Rebuilt == "" {
		writeAPIError(w, r, http.StatusNotFound,
			"该任务未生成重建文档", ErrCodeNotFound, "")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{
		"content":   result.Rebuilt,
		"file_path": t.RebuiltPath,
	})
}

// handleDeleteTask cancels a running task or deletes a terminal one.
func (s *Server) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("task_id")
	if err := s.orch.Cancel(r.Context(), id); err != nil {
		if errors.Is(err, task.ErrNotFound) {
			writeAPIError(w, r, http.StatusNotFound, "任务不存在", ErrCodeNotFound, "")
			return
		}
		writeAPIError(w, r, http.StatusInternalServerError,
			"取消任务失败", ErrCodeInternalError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"task_id": id, "status": "cancelled"})
}

// handleCleanup sweeps terminal tasks past the retention window.
func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	removed, err := s.orch.Cleanup(r.Context())
	if err != nil {
		writeAPIError(w, r, http.StatusInternalServerError,
			"清理任务失败", ErrCodeInternalError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]int{"removed": removed})
}

func (s *Server) taskFromPath(w http.ResponseWriter, r *http.Request) (*task.Task, bool) {
	t, err := s.orch.GetTask(r.Context(), r.PathValue("task_id"))
	if err != nil {
		if errors.Is(err, task.ErrNotFound) {
			writeAPIError(w, r, http.StatusNotFound, "任务不存在", ErrCodeNotFound, "")
		} else {
			writeAPIError(w, r, http.StatusInternalServerError,
				"读取任务失败", ErrCodeInternalError, err.Error())
		}
		return nil, false
	}
	return t, true
}

func (s *Server) resultFromPath(w http.ResponseWriter, r *http.Request) (*task.Result, bool) {
	result, err := s.orch.GetResult(r.Context(), r.PathValue("task_id"))
	if err != nil {
		if errors.Is(err, task.ErrNotFound) {
			writeAPIError(w, r, http.StatusNotFound, "任务结果不存在", ErrCodeNotFound, "")
		} else {
			writeAPIError(w, r, http.StatusInternalServerError,
				"读取任务结果失败", ErrCodeInternalError, err.Error())
		}
		return nil, false
	}
	return result, true
}

// writeSubmitError maps submission failures onto HTTP statuses.
func (s *Server) writeSubmitError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, task.ErrQueueFull) {
		writeAPIError(w, r, http.StatusServiceUnavailable,
			"服务繁忙，请稍后重试", ErrCodeServiceUnavailable, "task queue is full")
		return
	}
	writeAPIError(w, r, http.StatusInternalServerError,
		"任务创建失败", ErrCodeInternalError, err.Error())
}

// writeTaskFailure maps a failed task's error kind onto HTTP statuses for
// synchronous delivery.
func (s *Server) writeTaskFailure(w http.ResponseWriter, r *http.Request, t *task.Task) {
	status := http.StatusInternalServerError
	code := ErrCodeInternalError
	switch t.ErrorKind {
	case task.ErrKindTimeout:
		status = http.StatusGatewayTimeout
		code = ErrCodeTimeout
	case task.ErrKindAnalysis, task.ErrKindProcessing, task.ErrKindCancelled:
		code = ErrCodeInternalError
	}
	writeAPIError(w, r, status, t.Error, code, t.ErrorKind)
}
