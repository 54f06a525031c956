// Package review implements the four document-review agents and the shared
// analyze → modify pipeline they run on.
package review

import (
	"fmt"

	"github.com/docsurge/docsurge/internal/search"
)

// Kind identifies a review agent.
type Kind string

const (
	KindRedundancy Kind = "redundancy"
	KindTable      Kind = "table"
	KindThesis     Kind = "thesis"
	KindEvidence   Kind = "evidence"
)

// ParseKind validates an agent name from a request path.
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindRedundancy, KindTable, KindThesis, KindEvidence:
		return Kind(s), nil
	}
	return "", fmt.Errorf("unknown review agent: %q", s)
}

// Status classifies the outcome of one section record.
type Status string

const (
	StatusModified       Status = "modified"        // redundancy rewrite applied
	StatusTableOptimized Status = "table_optimized" // prose converted to a table
	StatusIdentified     Status = "identified"      // flagged but not rewritten
	StatusCorrected      Status = "corrected"       // thesis-consistency rewrite
	StatusEnhanced       Status = "enhanced"        // evidence folded in
	StatusNoEvidence     Status = "no_evidence"     // claim kept, nothing found
	StatusSuccess        Status = "success"         // untouched
	StatusFailed         Status = "failed"          // rewrite failed, original kept
)

// Request is one document submitted for review.
type Request struct {
	Content  string `json:"document_content"`
	Title    string `json:"document_title,omitempty"`
	Filename string `json:"filename,omitempty"`
}

// Instruction is one analyzer directive: rewrite the section named by
// Subtitle following the free-text Suggestion.
type Instruction struct {
	Subtitle   string `json:"subtitle"`
	Suggestion string `json:"suggestion"`
}

// UnsupportedClaim is one factual statement the evidence analyzer flagged as
// lacking support.
type UnsupportedClaim struct {
	ClaimID        string   `json:"claim_id"`
	ClaimText      string   `json:"claim_text"`
	SectionTitle   string   `json:"section_title"`
	SearchKeywords []string `json:"search_keywords"`
	Context        string   `json:"context"`
	Confidence     float64  `json:"confidence"`
}

// Evidence-result statuses.
const (
	EvidenceSuccess = "success"
	EvidencePartial = "partial"
	EvidenceFailed  = "failed"
)

// EvidenceResult is the scored outcome of the search stage for one claim.
type EvidenceResult struct {
	ClaimID      string          `json:"claim_id"`
	ClaimText    string          `json:"claim_text"`
	SectionTitle string          `json:"section_title"`
	SearchQuery  string          `json:"search_query"`
	Sources      []search.Source `json:"sources"`
	Confidence   float64         `json:"confidence"`
	Status       string          `json:"status"`
}

// SectionRecord is the per-section output element shared by all agents.
type SectionRecord struct {
	OriginalContent    string `json:"original_content"`
	Suggestion         string `json:"suggestion"`
	RegeneratedContent string `json:"regenerated_content"`
	WordCount          int    `json:"word_count"`
	Status             Status `json:"status"`
	Error              string `json:"error,omitempty"`
}

// FlatChapter is one entry of the front-end projection of UnifiedSections.
type FlatChapter struct {
	OriginalText string `json:"original_text"`
	EditText     string `json:"edit_text"`
	Comment      string `json:"comment"`
}

// Result is everything a completed agent run produced.
type Result struct {
	Unified  *Unified         `json:"unified_sections"`
	Chapters []FlatChapter    `json:"chapters"`
	Rebuilt  string           `json:"rebuilt,omitempty"`
	Evidence []EvidenceResult `json:"evidence,omitempty"`
	Summary  string           `json:"summary"`
	Message  string           `json:"message,omitempty"`
}

// AnalysisError is a task-fatal failure of the analyzer stage.
type AnalysisError struct {
	Agent Kind
	Err   error
}

func (e *AnalysisError) Error() string {
	return fmt.Sprintf("%s analysis failed: %v", e.Agent, e.Err)
}

func (e *AnalysisError) Unwrap() error { return e.Err }

// ProcessingError is a task-fatal failure outside the per-section recovery
// paths, e.g. a parser invariant violation.
type ProcessingError struct {
	Agent Kind
	Stage string
	Err   error
}

func (e *ProcessingError) Error() string {
	return fmt.Sprintf("%s processing failed at %s: %v", e.Agent, e.Stage, e.Err)
}

func (e *ProcessingError) Unwrap() error { return e.Err }

// ProgressFunc receives progress updates while an agent runs. progress is a
// percentage; current/total describe the per-section band and are zero
// elsewhere. A nil ProgressFunc is a no-op.
type ProgressFunc func(progress int, message string, current, total int)

// Emit calls the function when it is non-nil.
func (f ProgressFunc) Emit(progress int, message string, current, total int) {
	if f != nil {
		f(progress, message, current, total)
	}
}
