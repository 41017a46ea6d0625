// SPDX-FileCopyrightText: 2026 The Powerqual Authors
// SPDX-License-Identifier: Apache-2.0

// Package notify carries qualification lifecycle events to external sinks.
// The engine guarantees exactly one emission per terminal transition in
// transition order; delivery beyond the sink boundary is the sink's problem.
package notify

import (
	"context"
	"log/slog"
)

// Event is the notification emitted on every terminal state transition of a
// qualification record.
type Event struct {
	EventType          string   `json:"event_type"`
	QualificationID    string   `json:"qualification_id"`
	ModelID            string   `json:"model_id"`
	NewStatus          string   `json:"new_status"`
	Tier               string   `json:"tier,omitempty"`
	DiscountPercentage *float64 `json:"discount_percentage,omitempty"`
}

// Sink receives qualification events.
type Sink interface {
	Publish(ctx context.Context, ev Event) error
}

// SlogSink logs each event. It is the default sink when no external delivery
// is configured.
type SlogSink struct {
	logger *slog.Logger
}

var _ Sink = (*SlogSink)(nil)

// NewSlogSink creates a sink that writes events to the logger.
func NewSlogSink(logger *slog.Logger) *SlogSink {
	return &SlogSink{logger: logger.With("component", "notify")}
}

// Publish logs the event.
func (s *SlogSink) Publish(_ context.Context, ev Event) error {
	attrs := []any{
		"event_type", ev.EventType,
		"qualification_id", ev.QualificationID,
		"model_id", ev.ModelID,
		"new_status", ev.NewStatus,
	}
	if ev.Tier != "" {
		attrs = append(attrs, "tier", ev.Tier)
	}
	if ev.DiscountPercentage != nil {
		attrs = append(attrs, "discount_percentage", *ev.DiscountPercentage)
	}
	s.logger.Info("Qualification event", attrs...)
	return nil
}
