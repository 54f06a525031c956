package task

import (
	"context"
	"sync"

	"github.com/docsurge/docsurge/internal/metrics"
)

// EventSink receives task lifecycle events outside the process, e.g. the
// Kafka producer. Sinks must not block the orchestrator; errors are the
// sink's problem to log.
type EventSink interface {
	PublishTaskEvent(ctx context.Context, ev Event) error
}

// HistoryIndexer receives a summary of every completed review, e.g. the
// Elasticsearch index. Failures are logged, never task-fatal.
type HistoryIndexer interface {
	IndexReview(ctx context.Context, t *Task) error
}

// Hub fans task events out to in-process subscribers (the websocket feed).
// Slow subscribers lose events rather than stalling publishers.
type Hub struct {
	mu   sync.Mutex
	subs map[int]chan Event
	next int
}

// NewHub creates an event hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[int]chan Event)}
}

// Subscribe registers a subscriber. The returned cancel func must be called
// to release the subscription.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.next
	h.next++
	ch := make(chan Event, 64)
	h.subs[id] = ch

	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if sub, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

// Publish delivers the event to every subscriber, dropping it for any whose
// buffer is full.
func (h *Hub) Publish(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subs {
		select {
		case ch <- ev:
		default:
			metrics.WebSocketMessagesDropped.WithLabelValues().Inc()
		}
	}
}

// SubscriberCount returns the number of active subscribers.
func (h *Hub) SubscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}
