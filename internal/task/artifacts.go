package task

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/docsurge/docsurge/internal/metrics"
)

// ArtifactWriter persists the artifact pair of a completed task: the
// unified-sections JSON and, when the agent rebuilt the document, the
// Markdown. Filenames carry the task ID and a monotonic timestamp; files are
// written once and never rewritten.
type ArtifactWriter struct {
	dir    string
	logger zerolog.Logger
}

// NewArtifactWriter creates a writer rooted at dir.
func NewArtifactWriter(dir string, logger zerolog.Logger) *ArtifactWriter {
	return &ArtifactWriter{
		dir:    dir,
		logger: logger.With().Str("component", "artifacts").Logger(),
	}
}

// Write persists the result and returns the unified path and, when a rebuilt
// document exists, the rebuilt path.
func (w *ArtifactWriter) Write(taskID string, r *Result) (unifiedPath, rebuiltPath string, err error) {
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return "", "", fmt.Errorf("create output dir: %w", err)
	}

	stamp := time.Now().UnixNano()

	var indented []byte
	indented, err = indentJSON(r.Unified)
	if err != nil {
		return "", "", fmt.Errorf("indent unified sections: %w", err)
	}
	unifiedPath = filepath.Join(w.dir, fmt.Sprintf("%s_%d_unified.json", taskID, stamp))
	if err = os.WriteFile(unifiedPath, indented, 0o644); err != nil {
		return "", "", fmt.Errorf("write unified artifact: %w", err)
	}
	metrics.ArtifactsWrittenTotal.WithLabelValues("unified").Inc()

	if r.Rebuilt != "" {
		rebuiltPath = filepath.Join(w.dir, fmt.Sprintf("%s_%d_rebuilt.md", taskID, stamp))
		if err = os.WriteFile(rebuiltPath, []byte(r.Rebuilt), 0o644); err != nil {
			return "", "", fmt.Errorf("write rebuilt artifact: %w", err)
		}
		metrics.ArtifactsWrittenTotal.WithLabelValues("rebuilt").Inc()
	}

	w.logger.Info().
		Str("task_id", taskID).
		Str("unified", unifiedPath).
		Str("rebuilt", rebuiltPath).
		Msg("artifacts written")
	return unifiedPath, rebuiltPath, nil
}

// indentJSON reformats compact JSON with two-space indentation, preserving
// key order.
func indentJSON(raw json.RawMessage) ([]byte, error) {
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
