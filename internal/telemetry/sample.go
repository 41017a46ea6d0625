// SPDX-FileCopyrightText: 2026 The Powerqual Authors
// SPDX-License-Identifier: Apache-2.0

package telemetry

import (
	"fmt"
)

// PowerSample is a single instantaneous GPU power reading taken during an
// inference run. Timestamp is in seconds relative to the start of the capture.
type PowerSample struct {
	Timestamp float64 `json:"t"`
	Watts     float64 `json:"w"`
}

// ValidationError reports malformed caller input. The caller must fix the
// offending field and resubmit; validation failures are never retried.
type ValidationError struct {
	Field     string
	Condition string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Condition)
}

// SampleBuffer is an append-only, time-ordered series of power samples
// collected over a single run. The buffer is handed to the engine complete;
// the engine never mutates it after construction.
type SampleBuffer struct {
	samples []PowerSample
}

// NewSampleBuffer creates an empty buffer with the given capacity hint.
func NewSampleBuffer(capacity int) *SampleBuffer {
	return &SampleBuffer{samples: make([]PowerSample, 0, capacity)}
}

// FromSeries builds a buffer from parallel timestamp and watt slices,
// validating ordering and sign. A reversed or shuffled series fails with a
// ValidationError rather than being silently reordered.
func FromSeries(timestamps, watts []float64) (*SampleBuffer, error) {
	if len(timestamps) != len(watts) {
		return nil, &ValidationError{
			Field:     "samples",
			Condition: fmt.Sprintf("timestamp count %d does not match watt count %d", len(timestamps), len(watts)),
		}
	}

	buf := NewSampleBuffer(len(timestamps))
	for i := range timestamps {
		if err := buf.Append(PowerSample{Timestamp: timestamps[i], Watts: watts[i]}); err != nil {
			return nil, err
		}
	}
	return buf, nil
}

// Append adds a sample to the buffer. Samples must arrive in non-decreasing
// timestamp order with non-negative power.
func (b *SampleBuffer) Append(s PowerSample) error {
	if s.Watts < 0 {
		return &ValidationError{
			Field:     "watts",
			Condition: fmt.Sprintf("power must be >= 0, got %g at t=%g", s.Watts, s.Timestamp),
		}
	}

	if n := len(b.samples); n > 0 && s.Timestamp < b.samples[n-1].Timestamp {
		return &ValidationError{
			Field:     "timestamp",
			Condition: fmt.Sprintf("buffer must be time-ordered: %g precedes previous sample at %g", s.Timestamp, b.samples[n-1].Timestamp),
		}
	}

	b.samples = append(b.samples, s)
	return nil
}

// Len returns the number of samples in the buffer.
func (b *SampleBuffer) Len() int {
	return len(b.samples)
}

// At returns the i-th sample.
func (b *SampleBuffer) At(i int) PowerSample {
	return b.samples[i]
}

// Samples returns the underlying sample slice. Callers must treat it as
// read-only.
func (b *SampleBuffer) Samples() []PowerSample {
	return b.samples
}

// Span returns the first and last timestamps. Both are zero for an empty
// buffer.
func (b *SampleBuffer) Span() (start, end float64) {
	if len(b.samples) == 0 {
		return 0, 0
	}
	return b.samples[0].Timestamp, b.samples[len(b.samples)-1].Timestamp
}

// Duration returns the time covered by the buffer in seconds.
func (b *SampleBuffer) Duration() float64 {
	start, end := b.Span()
	return end - start
}

// Slice returns a view over samples [i, j). The view shares storage with the
// parent buffer.
func (b *SampleBuffer) Slice(i, j int) *SampleBuffer {
	return &SampleBuffer{samples: b.samples[i:j]}
}

// Deduped returns a buffer with duplicate timestamps collapsed, keeping the
// first sample of each run. Derivatives are undefined across zero-width
// intervals, so consumers that differentiate call this first.
func (b *SampleBuffer) Deduped() *SampleBuffer {
	if len(b.samples) < 2 {
		return b
	}

	out := make([]PowerSample, 0, len(b.samples))
	out = append(out, b.samples[0])
	for _, s := range b.samples[1:] {
		if s.Timestamp == out[len(out)-1].Timestamp {
			continue
		}
		out = append(out, s)
	}
	return &SampleBuffer{samples: out}
}
