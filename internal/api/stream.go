package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/r3labs/sse/v2"

	"github.com/docsurge/docsurge/internal/review"
	"github.com/docsurge/docsurge/internal/task"
)

// SSE frame payloads. The stream contract is progress* → result → end on
// success, or error → end on failure.
type progressFrame struct {
	Status         string `json:"status"`
	Message        string `json:"message"`
	Progress       int    `json:"progress"`
	CurrentChapter int    `json:"current_chapter,omitempty"`
	TotalChapters  int    `json:"total_chapters,omitempty"`
}

type resultFrame struct {
	Chapters []review.FlatChapter `json:"chapters"`
	Summary  string               `json:"summary"`
}

type endFrame struct {
	Status   task.Status `json:"status"`
	Progress int         `json:"progress"`
}

type errorFrame struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// handleStreamReview runs a review while streaming progress over SSE. The
// request connection carries the event stream; the run is cancelled when the
// client goes away.
func (s *Server) handleStreamReview(w http.ResponseWriter, r *http.Request) {
	kind, ok := s.agentFromPath(w, r)
	if !ok {
		return
	}
	req, ok := s.decodeRequest(w, r, s.cfg.Review.AsyncMaxBytes)
	if !ok {
		return
	}

	streamID := uuid.NewString()
	s.sse.CreateStream(streamID)
	defer s.sse.RemoveStream(streamID)

	go s.runStream(r, kind, req, streamID)

	// Replay delivers any events published before the subscription attached.
	q := r.URL.Query()
	q.Set("stream", streamID)
	r.URL.RawQuery = q.Encode()
	s.sse.ServeHTTP(w, r)
}

func (s *Server) runStream(r *http.Request, kind review.Kind, req review.Request, streamID string) {
	progress := review.ProgressFunc(func(p int, msg string, current, total int) {
		s.publishFrame(streamID, "progress", progressFrame{
			Status:         string(task.StatusProcessing),
			Message:        msg,
			Progress:       p,
			CurrentChapter: current,
			TotalChapters:  total,
		})
	})

	final, result, err := s.orch.RunSync(r.Context(), kind, req, progress)
	switch {
	case err != nil:
		code := ErrCodeInternalError
		if errors.Is(err, task.ErrQueueFull) {
			code = ErrCodeServiceUnavailable
		}
		s.publishFrame(streamID, "error", errorFrame{Error: code, Message: err.Error()})
		s.publishFrame(streamID, "end", endFrame{Status: task.StatusFailed})
	case final.Status == task.StatusFailed:
		s.publishFrame(streamID, "error", errorFrame{Error: final.ErrorKind, Message: final.Error})
		s.publishFrame(streamID, "end", endFrame{Status: task.StatusFailed, Progress: final.Progress})
	default:
		s.publishFrame(streamID, "result", resultFrame{Chapters: result.Chapters, Summary: result.Summary})
		s.publishFrame(streamID, "end", endFrame{Status: final.Status, Progress: 100})
	}
}

func (s *Server) publishFrame(streamID, event string, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		s.logger.Error().Err(err).Str("event", event).Msg("SSE frame marshal failed")
		return
	}
	s.sse.Publish(streamID, &sse.Event{Event: []byte(event), Data: data})
}
