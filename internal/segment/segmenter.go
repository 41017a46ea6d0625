// SPDX-FileCopyrightText: 2026 The Powerqual Authors
// SPDX-License-Identifier: Apache-2.0

// Package segment partitions a power sample buffer into temporal phases
// (idle, ramp, prefill, decode, fall) using derivative thresholds.
package segment

import (
	"fmt"
	"log/slog"

	"github.com/inference-grid/powerqual/internal/stats"
	"github.com/inference-grid/powerqual/internal/telemetry"
)

// Phase labels one temporal region of an inference run's power trace.
type Phase string

const (
	PhaseIdle    Phase = "idle"
	PhaseRamp    Phase = "ramp"
	PhasePrefill Phase = "prefill"
	PhaseDecode  Phase = "decode"
	PhaseFall    Phase = "fall"
)

// minSegmentationSamples is the smallest buffer for which the inter-sample
// derivative is defined on at least two intervals.
const minSegmentationSamples = 3

// InsufficientSamplesError reports a buffer too short to segment. The
// evaluation attempt is terminal but safe to retry with a longer capture.
type InsufficientSamplesError struct {
	Have int
	Want int
}

func (e *InsufficientSamplesError) Error() string {
	return fmt.Sprintf("samples: segmentation needs at least %d samples, got %d", e.Want, e.Have)
}

// PhaseWindow is one contiguous phase of a run. Windows for a run are
// contiguous, non-overlapping, and cover the buffer span exactly once.
type PhaseWindow struct {
	Phase        Phase    `json:"phase"`
	Start        float64  `json:"start"`
	End          float64  `json:"end"`
	AvgPower     float64  `json:"avg_power"`
	PeakPower    float64  `json:"peak_power"`
	StdDev       float64  `json:"stddev"`
	CV           float64  `json:"cv"`
	EnergyJoules float64  `json:"energy_joules"`
	RampRate     *float64 `json:"ramp_rate_w_per_s,omitempty"` // ramp and fall windows only

	samples []telemetry.PowerSample
}

// Samples returns the window's member samples. Shared boundary samples appear
// in both adjoining windows.
func (w *PhaseWindow) Samples() []telemetry.PowerSample {
	return w.samples
}

// Thresholds configure phase detection. Zero value is not useful; use
// DefaultThresholds as a base.
type Thresholds struct {
	IdleWatts     float64
	RampRateWPerS float64
	FallRateWPerS float64
}

// DefaultThresholds returns the derivative thresholds used when a deployment
// does not override them.
func DefaultThresholds() Thresholds {
	return Thresholds{
		IdleWatts:     50.0,
		RampRateWPerS: 100.0,
		FallRateWPerS: -100.0,
	}
}

// Segmenter classifies inter-sample intervals by their power derivative and
// merges contiguous same-label intervals into phase windows.
type Segmenter struct {
	thresholds Thresholds
	logger     *slog.Logger
}

// OptionFn is a functional option for configuring a Segmenter.
type OptionFn func(*Segmenter)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) OptionFn {
	return func(s *Segmenter) {
		s.logger = logger
	}
}

// New creates a Segmenter with the given thresholds.
func New(th Thresholds, opts ...OptionFn) *Segmenter {
	s := &Segmenter{
		thresholds: th,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "segmenter")
	return s
}

// Segment partitions the buffer into phase windows. Duplicate timestamps are
// collapsed keep-first before differentiating.
func (s *Segmenter) Segment(buf *telemetry.SampleBuffer) ([]PhaseWindow, error) {
	deduped := buf.Deduped()
	samples := deduped.Samples()

	if len(samples) < minSegmentationSamples {
		return nil, &InsufficientSamplesError{Have: len(samples), Want: minSegmentationSamples}
	}

	labels := s.classifyIntervals(samples)
	windows := s.mergeIntervals(samples, labels)
	windows = s.relabelPrefillPeak(windows)

	for i := range windows {
		if err := windows[i].computeStats(); err != nil {
			// CV is undefined over an all-zero idle window; the remaining
			// aggregates are still valid.
			s.logger.Debug("Partial window statistics",
				"phase", windows[i].Phase,
				"start", windows[i].Start,
				"error", err,
			)
		}
	}

	s.logger.Debug("Segmented run", "samples", len(samples), "windows", len(windows))
	return windows, nil
}

// classifyIntervals labels each inter-sample interval. Derivative thresholds
// win over the idle level: a steep rise out of idle is a ramp, not idle.
func (s *Segmenter) classifyIntervals(samples []telemetry.PowerSample) []Phase {
	labels := make([]Phase, len(samples)-1)
	for i := 0; i < len(samples)-1; i++ {
		dt := samples[i+1].Timestamp - samples[i].Timestamp
		dpdt := (samples[i+1].Watts - samples[i].Watts) / dt

		switch {
		case dpdt > s.thresholds.RampRateWPerS:
			labels[i] = PhaseRamp
		case dpdt < s.thresholds.FallRateWPerS:
			labels[i] = PhaseFall
		case samples[i].Watts < s.thresholds.IdleWatts:
			labels[i] = PhaseIdle
		default:
			labels[i] = PhaseDecode
		}
	}
	return labels
}

// mergeIntervals folds contiguous same-label intervals into windows. The
// window over intervals [i, j] spans samples [i, j+1]; adjoining windows
// share their boundary sample.
func (s *Segmenter) mergeIntervals(samples []telemetry.PowerSample, labels []Phase) []PhaseWindow {
	var windows []PhaseWindow

	start := 0
	for i := 1; i <= len(labels); i++ {
		if i < len(labels) && labels[i] == labels[start] {
			continue
		}

		member := samples[start : i+1]
		w := PhaseWindow{
			Phase:   labels[start],
			Start:   member[0].Timestamp,
			End:     member[len(member)-1].Timestamp,
			samples: member,
		}
		if w.Phase == PhaseRamp || w.Phase == PhaseFall {
			rate := (member[len(member)-1].Watts - member[0].Watts) / (w.End - w.Start)
			w.RampRate = &rate
		}
		windows = append(windows, w)
		start = i
	}

	return windows
}

// relabelPrefillPeak finds the first decode window after a ramp and splits
// off its leading sustained maximum as the prefill peak: a local maximum
// whose power exceeds the subsequent steady-state mean by more than one
// stddev of that decode phase.
func (s *Segmenter) relabelPrefillPeak(windows []PhaseWindow) []PhaseWindow {
	idx := -1
	for i := 1; i < len(windows); i++ {
		if windows[i-1].Phase == PhaseRamp && windows[i].Phase == PhaseDecode {
			idx = i
			break
		}
	}
	if idx < 0 {
		return windows
	}

	member := windows[idx].samples
	peakAt := 0
	for i, smp := range member {
		if smp.Watts > member[peakAt].Watts {
			peakAt = i
		}
	}

	// Steady-state stats come from the samples after the peak region.
	tail := member[peakAt+1:]
	if len(tail) < 2 {
		return windows
	}

	b := stats.NewBuilder(len(tail))
	b.AddAll(tail)
	tailStats, err := b.Compute()
	if err != nil || member[peakAt].Watts <= tailStats.Mean+tailStats.StdDev {
		return windows
	}

	// The prefill window is the maximal leading run that stays above
	// mean + stddev of the steady state.
	cut := peakAt
	for cut+1 < len(member)-1 && member[cut+1].Watts > tailStats.Mean+tailStats.StdDev {
		cut++
	}

	prefill := PhaseWindow{
		Phase:   PhasePrefill,
		Start:   member[0].Timestamp,
		End:     member[cut+1].Timestamp,
		samples: member[:cut+2],
	}
	decode := PhaseWindow{
		Phase:   PhaseDecode,
		Start:   member[cut+1].Timestamp,
		End:     member[len(member)-1].Timestamp,
		samples: member[cut+1:],
	}

	out := make([]PhaseWindow, 0, len(windows)+1)
	out = append(out, windows[:idx]...)
	out = append(out, prefill, decode)
	out = append(out, windows[idx+1:]...)
	return out
}

func (w *PhaseWindow) computeStats() error {
	b := stats.NewBuilder(len(w.samples))
	b.AddAll(w.samples)

	ws, err := b.Compute()
	w.AvgPower = ws.Mean
	w.PeakPower = ws.Peak
	w.StdDev = ws.StdDev
	w.CV = ws.CV
	w.EnergyJoules = ws.EnergyJoules
	return err
}

// EnergyByPhase sums window energy per phase label.
func EnergyByPhase(windows []PhaseWindow) map[Phase]float64 {
	out := make(map[Phase]float64, len(windows))
	for _, w := range windows {
		out[w.Phase] += w.EnergyJoules
	}
	return out
}

// DecodeSamples concatenates the member samples of all decode windows, in
// order, for spectral analysis.
func DecodeSamples(windows []PhaseWindow) []telemetry.PowerSample {
	var out []telemetry.PowerSample
	for _, w := range windows {
		if w.Phase != PhaseDecode {
			continue
		}
		out = append(out, w.samples...)
	}
	return out
}
