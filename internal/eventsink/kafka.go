// Package eventsink forwards transaction decisions to Kafka for downstream
// consumers.
package eventsink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/confluentinc/confluent-kafka-go/kafka"

	"github.com/vndev/sentinel/internal/logging"
	"github.com/vndev/sentinel/internal/metrics"
	"github.com/vndev/sentinel/internal/sentinel"
)

// DefaultTopic is the Kafka topic decisions are produced to.
const DefaultTopic = "sentinel.decisions"

// TopicHeader carries the dashboard topic the decision was published on.
const TopicHeader = "sentinel-topic"

const sinkName = "kafka"

// flushTimeoutMs bounds how long Close waits for queued messages.
const flushTimeoutMs = 5000

// Producer is the subset of *kafka.Producer used by the publisher.
type Producer interface {
	Produce(msg *kafka.Message, deliveryChan chan kafka.Event) error
	Events() chan kafka.Event
	Flush(timeoutMs int) int
	Close()
}

// KafkaPublisher implements sentinel.Publisher on top of a Kafka producer.
// Produce is asynchronous; delivery failures surface on the event loop
// started by Start.
type KafkaPublisher struct {
	producer Producer
	topic    string
	logger   *slog.Logger
}

// NewKafkaPublisher connects a producer to the given comma-separated
// brokers.
func NewKafkaPublisher(brokers, topic string, logger *slog.Logger) (*KafkaPublisher, error) {
	brokers = strings.TrimSpace(brokers)
	if brokers == "" {
		return nil, errors.New("eventsink: no kafka brokers configured")
	}
	p, err := kafka.NewProducer(&kafka.ConfigMap{
		"bootstrap.servers":      brokers,
		"client.id":              "sentinel",
		"acks":                   "1",
		"linger.ms":              5,
		"queue.buffering.max.ms": 50,
	})
	if err != nil {
		return nil, fmt.Errorf("eventsink: create producer: %w", err)
	}
	return NewWithProducer(p, topic, logger), nil
}

// NewWithProducer wraps an existing producer. An empty topic selects
// DefaultTopic.
func NewWithProducer(p Producer, topic string, logger *slog.Logger) *KafkaPublisher {
	if topic == "" {
		topic = DefaultTopic
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &KafkaPublisher{producer: p, topic: topic, logger: logger}
}

// Topic returns the Kafka topic messages are produced to.
func (k *KafkaPublisher) Topic() string { return k.topic }

// Publish enqueues the decision keyed by card token so every decision for a
// card lands on the same partition. It never blocks on the broker.
func (k *KafkaPublisher) Publish(topic string, d *sentinel.Decision) {
	value, err := json.Marshal(d)
	if err != nil {
		metrics.EventsDroppedTotal.WithLabelValues(sinkName).Inc()
		k.logger.Error("failed to encode decision", "decision_id", d.ID, "error", err)
		return
	}

	err = k.producer.Produce(&kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &k.topic, Partition: kafka.PartitionAny},
		Key:            []byte(d.Transaction.CardToken),
		Value:          value,
		Headers:        []kafka.Header{{Key: TopicHeader, Value: []byte(topic)}},
		Opaque:         d.ID,
	}, nil)
	if err != nil {
		metrics.EventsDroppedTotal.WithLabelValues(sinkName).Inc()
		k.logger.Warn("kafka produce failed, dropping decision", "decision_id", d.ID, "error", err)
		return
	}
	metrics.EventsPublishedTotal.WithLabelValues(sinkName).Inc()
}

// Start drains delivery reports until ctx is cancelled or the producer's
// event channel closes.
func (k *KafkaPublisher) Start(ctx context.Context) {
	events := k.producer.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			k.handleEvent(ev)
		}
	}
}

func (k *KafkaPublisher) handleEvent(ev kafka.Event) {
	switch e := ev.(type) {
	case *kafka.Message:
		if e.TopicPartition.Error != nil {
			metrics.EventsDroppedTotal.WithLabelValues(sinkName).Inc()
			k.logger.Warn("kafka delivery failed",
				"decision_id", e.Opaque,
				"error", e.TopicPartition.Error,
			)
			return
		}
		k.logger.Debug("kafka delivery confirmed",
			"decision_id", e.Opaque,
			"partition", e.TopicPartition.Partition,
			"offset", e.TopicPartition.Offset.String(),
		)
	case kafka.Error:
		k.logger.Error("kafka producer error", "code", e.Code().String(), "error", e)
	}
}

// Close flushes queued messages and releases the producer.
func (k *KafkaPublisher) Close() {
	if remaining := k.producer.Flush(flushTimeoutMs); remaining > 0 {
		k.logger.Warn("kafka flush timed out", "undelivered", remaining)
	}
	k.producer.Close()
}
