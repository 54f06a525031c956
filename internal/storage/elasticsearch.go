// Package storage holds optional durable backends beyond the Redis task
// store. Elasticsearch keeps a searchable history of finished reviews.
package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"
	"github.com/rs/zerolog"

	"github.com/docsurge/docsurge/internal/metrics"
	"github.com/docsurge/docsurge/internal/task"
)

const defaultIndex = "docsurge-reviews"

// ESClient indexes completed review tasks into Elasticsearch so operators
// can search past reviews by agent, title or status.
type ESClient struct {
	client *elasticsearch.Client
	index  string
	logger zerolog.Logger
}

// reviewDoc is the indexed shape of a finished task.
type reviewDoc struct {
	TaskID      string     `json:"task_id"`
	Agent       string     `json:"agent"`
	Title       string     `json:"title,omitempty"`
	Summary     string     `json:"summary,omitempty"`
	Status      string     `json:"status"`
	ErrorKind   string     `json:"error_kind,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	DurationMS  int64      `json:"duration_ms"`
}

// NewESClient connects to Elasticsearch and verifies the cluster responds.
func NewESClient(url, index string, logger zerolog.Logger) (*ESClient, error) {
	if index == "" {
		index = defaultIndex
	}

	cfg := elasticsearch.Config{
		Addresses:     []string{url},
		RetryOnStatus: []int{502, 503, 504, 429},
		RetryBackoff: func(i int) time.Duration {
			return time.Duration(i) * 100 * time.Millisecond
		},
		MaxRetries: 3,
	}

	client, err := elasticsearch.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("create Elasticsearch client: %w", err)
	}

	res, err := client.Info()
	if err != nil {
		return nil, fmt.Errorf("ping Elasticsearch at %s: %w", url, err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return nil, fmt.Errorf("Elasticsearch ping returned %s", res.Status())
	}

	es := &ESClient{
		client: client,
		index:  index,
		logger: logger.With().Str("component", "elasticsearch").Logger(),
	}
	es.logger.Info().Str("url", url).Str("index", index).Msg("Elasticsearch client ready")
	return es, nil
}

// IndexReview implements task.HistoryIndexer. Indexing is best-effort; the
// caller logs failures but a lost history entry never fails the task.
func (e *ESClient) IndexReview(ctx context.Context, t *task.Task) error {
	doc := reviewDoc{
		TaskID:      t.ID,
		Agent:       string(t.Agent),
		Title:       t.Title,
		Summary:     t.Summary,
		Status:      string(t.Status),
		ErrorKind:   t.ErrorKind,
		CompletedAt: t.CompletedAt,
	}
	if t.StartedAt != nil && t.CompletedAt != nil {
		doc.DurationMS = t.CompletedAt.Sub(*t.StartedAt).Milliseconds()
	}

	body, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal review document: %w", err)
	}

	req := esapi.IndexRequest{
		Index:      e.index,
		DocumentID: t.ID,
		Body:       bytes.NewReader(body),
	}
	res, err := req.Do(ctx, e.client)
	if err != nil {
		metrics.IndexErrorsTotal.WithLabelValues().Inc()
		return fmt.Errorf("index review %s: %w", t.ID, err)
	}
	defer res.Body.Close()
	if res.IsError() {
		metrics.IndexErrorsTotal.WithLabelValues().Inc()
		return fmt.Errorf("index review %s: %s", t.ID, res.Status())
	}

	metrics.ReviewsIndexedTotal.WithLabelValues().Inc()
	e.logger.Debug().Str("task_id", t.ID).Msg("review indexed")
	return nil
}
