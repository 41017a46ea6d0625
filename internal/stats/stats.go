// SPDX-FileCopyrightText: 2026 The Powerqual Authors
// SPDX-License-Identifier: Apache-2.0

// Package stats computes power and energy aggregates over sample windows.
// All results are immutable values; the Builder is the single place where
// partial state accumulates while a sample buffer streams in.
package stats

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat"

	"github.com/inference-grid/powerqual/internal/telemetry"
)

// DegenerateSignalError reports a statistic that is undefined for the given
// signal, such as CV over a non-positive mean.
type DegenerateSignalError struct {
	Metric string
	Mean   float64
}

func (e *DegenerateSignalError) Error() string {
	return fmt.Sprintf("%s undefined: mean power %g is not positive", e.Metric, e.Mean)
}

// DivisionByZeroError reports an efficiency metric whose denominator is zero.
type DivisionByZeroError struct {
	Metric string
	Field  string
}

func (e *DivisionByZeroError) Error() string {
	return fmt.Sprintf("%s undefined: %s is zero", e.Metric, e.Field)
}

// WindowStats holds the aggregates for one window of samples. Metrics that
// failed to compute are zero; the error returned alongside names them.
type WindowStats struct {
	Mean         float64
	StdDev       float64 // population stddev
	CV           float64
	Peak         float64
	EnergyJoules float64
	Duration     float64
	Samples      int
}

// JoulesPerToken divides the window energy by the token count.
func (s WindowStats) JoulesPerToken(tokens int) (float64, error) {
	if tokens == 0 {
		return 0, &DivisionByZeroError{Metric: "joules_per_token", Field: "tokens_generated"}
	}
	return s.EnergyJoules / float64(tokens), nil
}

// Builder accumulates samples for one window. Zero value is ready to use.
type Builder struct {
	ts []float64
	ws []float64
}

// NewBuilder creates a builder with a capacity hint.
func NewBuilder(capacity int) *Builder {
	return &Builder{
		ts: make([]float64, 0, capacity),
		ws: make([]float64, 0, capacity),
	}
}

// Add appends one sample.
func (b *Builder) Add(s telemetry.PowerSample) {
	b.ts = append(b.ts, s.Timestamp)
	b.ws = append(b.ws, s.Watts)
}

// AddAll appends a run of samples.
func (b *Builder) AddAll(samples []telemetry.PowerSample) {
	for _, s := range samples {
		b.Add(s)
	}
}

// Len returns the number of accumulated samples.
func (b *Builder) Len() int {
	return len(b.ws)
}

// Compute produces the window aggregates. A per-metric failure does not
// abort the computation: all well-defined metrics are still populated and the
// failures come back joined.
func (b *Builder) Compute() (WindowStats, error) {
	n := len(b.ws)
	if n == 0 {
		return WindowStats{}, &DegenerateSignalError{Metric: "mean"}
	}

	mean := stat.Mean(b.ws, nil)
	// Population stddev; the window is the whole population, not a sample of it.
	stddev := math.Sqrt(stat.MomentAbout(2, b.ws, mean, nil))

	s := WindowStats{
		Mean:         mean,
		StdDev:       stddev,
		Peak:         peak(b.ws),
		EnergyJoules: Trapezoid(b.ts, b.ws),
		Duration:     b.ts[n-1] - b.ts[0],
		Samples:      n,
	}

	var retErr error
	if mean > 0 {
		s.CV = stddev / mean
	} else {
		retErr = errors.Join(retErr, &DegenerateSignalError{Metric: "power_cv", Mean: mean})
	}

	return s, retErr
}

// Trapezoid integrates watts over time using the trapezoidal rule, which is
// robust to irregular sampling intervals. Fewer than two samples integrate
// to zero.
func Trapezoid(ts, ws []float64) float64 {
	if len(ws) < 2 {
		return 0
	}

	var joules float64
	for i := 0; i < len(ws)-1; i++ {
		dt := ts[i+1] - ts[i]
		joules += (ws[i] + ws[i+1]) / 2 * dt
	}
	return joules
}

func peak(ws []float64) float64 {
	p := ws[0]
	for _, w := range ws[1:] {
		if w > p {
			p = w
		}
	}
	return p
}
