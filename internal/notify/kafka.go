// SPDX-FileCopyrightText: 2026 The Powerqual Authors
// SPDX-License-Identifier: Apache-2.0

package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/segmentio/kafka-go"
)

// KafkaSink publishes qualification events to a Kafka topic, keyed by model
// so that per-model event order is preserved across partitions.
type KafkaSink struct {
	writer *kafka.Writer
	logger *slog.Logger
}

var _ Sink = (*KafkaSink)(nil)

// KafkaOptFn is a functional option for configuring a KafkaSink.
type KafkaOptFn func(*KafkaSink)

// WithKafkaLogger sets the logger.
func WithKafkaLogger(logger *slog.Logger) KafkaOptFn {
	return func(s *KafkaSink) {
		s.logger = logger
	}
}

// NewKafkaSink creates a sink writing to the given brokers and topic.
func NewKafkaSink(brokers []string, topic string, opts ...KafkaOptFn) *KafkaSink {
	s := &KafkaSink{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			RequiredAcks: kafka.RequireOne,
			Async:        false,
		},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "kafka-sink", "topic", topic)
	return s
}

// Publish writes the event as a JSON message.
func (s *KafkaSink) Publish(ctx context.Context, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}

	err = s.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(ev.ModelID),
		Value: payload,
	})
	if err != nil {
		return fmt.Errorf("failed to publish event for %s: %w", ev.QualificationID, err)
	}

	s.logger.Debug("Published qualification event",
		"qualification_id", ev.QualificationID,
		"new_status", ev.NewStatus,
	)
	return nil
}

// Close flushes and closes the underlying writer.
func (s *KafkaSink) Close() error {
	return s.writer.Close()
}
