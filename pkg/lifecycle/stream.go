// Package lifecycle carries the coordination primitives around engine
// cycles: the completion-event stream consumed by downstream observers and
// the session lease lock that keeps multi-replica deployments from
// double-processing a session.
package lifecycle

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

// DefaultTopic is the stream engines report cycle completions on.
const DefaultTopic = "memory.lifecycle"

// Event is one engine-cycle completion record. Stats holds the engine's own
// stats struct and is marshaled as-is.
type Event struct {
	Engine      string    `json:"engine"`
	SessionID   string    `json:"session_id,omitempty"`
	Stats       any       `json:"stats,omitempty"`
	CompletedAt time.Time `json:"completed_at"`
}

// Publisher delivers completion events. Publishing is best-effort at the
// call sites: a failed publish is logged, never fatal to the cycle.
type Publisher interface {
	PublishCompletion(ctx context.Context, event Event) error
	Close() error
}

// KafkaPublisher writes completion events to a Kafka topic, keyed by
// session so per-session events stay ordered within a partition.
type KafkaPublisher struct {
	writer *kafka.Writer
}

// NewKafkaPublisher creates a publisher over the given brokers. An empty
// topic falls back to DefaultTopic.
func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	if topic == "" {
		topic = DefaultTopic
	}
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Topic:                  topic,
			Balancer:               &kafka.LeastBytes{},
			AllowAutoTopicCreation: true,
			BatchTimeout:           50 * time.Millisecond,
		},
	}
}

// PublishCompletion writes one event.
func (p *KafkaPublisher) PublishCompletion(ctx context.Context, event Event) error {
	if event.CompletedAt.IsZero() {
		event.CompletedAt = time.Now().UTC()
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal lifecycle event: %w", err)
	}
	msg := kafka.Message{
		Key:   []byte(event.SessionID),
		Value: payload,
		Time:  event.CompletedAt,
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to publish lifecycle event: %w", err)
	}
	return nil
}

// Close flushes and closes the underlying writer.
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// NoopPublisher drops events. Used when no broker is configured.
type NoopPublisher struct{}

func (NoopPublisher) PublishCompletion(context.Context, Event) error { return nil }
func (NoopPublisher) Close() error                                   { return nil }
