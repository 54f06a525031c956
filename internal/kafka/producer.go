// Package kafka publishes task lifecycle events to a Kafka topic for audit
// consumers. The producer is optional and only wired when enabled in config.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	kafkago "github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/compress"

	"github.com/docsurge/docsurge/internal/metrics"
	"github.com/docsurge/docsurge/internal/task"
)

const (
	defaultTopic        = "docsurge.tasks"
	defaultBatchTimeout = 100 * time.Millisecond
	defaultWriteTimeout = 10 * time.Second
)

// Producer writes task events to Kafka, keyed by task ID so one task's
// events stay ordered within a partition.
type Producer struct {
	writer *kafkago.Writer
	logger zerolog.Logger
}

// NewProducer creates a producer for the given brokers and topic.
func NewProducer(brokers []string, topic string, logger zerolog.Logger) (*Producer, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("no Kafka brokers provided")
	}
	if topic == "" {
		topic = defaultTopic
	}

	writer := &kafkago.Writer{
		Addr:         kafkago.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafkago.Hash{},
		Compression:  compress.Snappy,
		BatchTimeout: defaultBatchTimeout,
		WriteTimeout: defaultWriteTimeout,
		RequiredAcks: kafkago.RequireOne,
		Async:        true, // task transitions must not block on the broker
		ErrorLogger:  kafkago.LoggerFunc(logger.Error().Msgf),
	}

	p := &Producer{
		writer: writer,
		logger: logger.With().Str("component", "kafka-producer").Logger(),
	}
	p.logger.Info().Strs("brokers", brokers).Str("topic", topic).Msg("Kafka producer created")
	return p, nil
}

// PublishTaskEvent implements task.EventSink.
func (p *Producer) PublishTaskEvent(ctx context.Context, ev task.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal task event: %w", err)
	}

	err = p.writer.WriteMessages(ctx, kafkago.Message{
		Key:   []byte(ev.TaskID),
		Value: data,
		Time:  ev.Timestamp,
	})
	if err != nil {
		metrics.EventPublishErrorsTotal.WithLabelValues().Inc()
		return fmt.Errorf("publish task event: %w", err)
	}
	metrics.EventsPublishedTotal.WithLabelValues().Inc()
	return nil
}

// Close flushes and closes the underlying writer.
func (p *Producer) Close() error {
	return p.writer.Close()
}
