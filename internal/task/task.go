// Package task tracks review tasks end to end: the Redis-backed task table,
// the worker-pool orchestrator, lifecycle events, and artifact persistence.
package task

import (
	"encoding/json"
	"time"

	"github.com/docsurge/docsurge/internal/review"
)

// Status is the task lifecycle state.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Error kinds carried by failed tasks. Machine-stable; the human message
// lives in Task.Error.
const (
	ErrKindCancelled  = "cancelled"
	ErrKindTimeout    = "timeout"
	ErrKindAnalysis   = "analysis_failed"
	ErrKindProcessing = "processing_failed"
	ErrKindInternal   = "internal"
)

// Task is one tracked review run.
type Task struct {
	ID          string      `json:"task_id"`
	Agent       review.Kind `json:"agent"`
	Title       string      `json:"document_title,omitempty"`
	Status      Status      `json:"status"`
	Progress    int         `json:"progress"`
	Message     string      `json:"message,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
	StartedAt   *time.Time  `json:"started_at,omitempty"`
	CompletedAt *time.Time  `json:"completed_at,omitempty"`
	Summary     string      `json:"summary,omitempty"`
	Error       string      `json:"error,omitempty"`
	ErrorKind   string      `json:"error_kind,omitempty"`
	UnifiedPath string      `json:"unified_path,omitempty"`
	RebuiltPath string      `json:"rebuilt_path,omitempty"`
}

// Terminal reports whether the task has reached a final state.
func (t *Task) Terminal() bool {
	return t.Status == StatusCompleted || t.Status == StatusFailed
}

// Result is the persisted form of a completed run. The unified sections are
// kept as raw JSON: their ordered shape serializes one way and does not need
// to be decoded again server-side.
type Result struct {
	Unified  json.RawMessage      `json:"unified_sections"`
	Chapters []review.FlatChapter `json:"chapters"`
	Rebuilt  string               `json:"rebuilt,omitempty"`
	Summary  string               `json:"summary"`
	Message  string               `json:"message,omitempty"`
}

// NewResult freezes an agent result for storage.
func NewResult(r *review.Result) (*Result, error) {
	unified, err := json.Marshal(r.Unified)
	if err != nil {
		return nil, err
	}
	chapters := r.Chapters
	if chapters == nil {
		chapters = []review.FlatChapter{}
	}
	return &Result{
		Unified:  unified,
		Chapters: chapters,
		Rebuilt:  r.Rebuilt,
		Summary:  r.Summary,
		Message:  r.Message,
	}, nil
}

// Event is one lifecycle transition, published to the in-process hub and the
// optional Kafka topic.
type Event struct {
	TaskID    string      `json:"task_id"`
	Agent     review.Kind `json:"agent"`
	Status    Status      `json:"status"`
	Progress  int         `json:"progress"`
	Message   string      `json:"message,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}
