// SPDX-FileCopyrightText: 2026 The Powerqual Authors
// SPDX-License-Identifier: Apache-2.0

package qualify

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/inference-grid/powerqual/internal/segment"
	"github.com/inference-grid/powerqual/internal/spectral"
	"github.com/inference-grid/powerqual/internal/stats"
	"github.com/inference-grid/powerqual/internal/telemetry"
	"github.com/inference-grid/powerqual/internal/tier"
)

const (
	// DefaultMinVerificationSamples is the re-measurement floor. Verification
	// samples the claim rather than replaying the developer's full run count.
	DefaultMinVerificationSamples = 20

	// DefaultTolerancePercent bounds the declared-vs-measured delta before a
	// record is flagged out of tolerance.
	DefaultTolerancePercent = 10.0
)

// Measurement bundles everything one evaluation of a sample buffer produces.
type Measurement struct {
	Metrics  stats.RunMetrics
	Windows  []segment.PhaseWindow
	Spectral spectral.Result
	Decision tier.Decision
}

// Verifier re-measures a model's power profile and decides qualification.
// It is a pure pipeline over an immutable buffer: no shared state, so any
// number of verifications may run concurrently.
type Verifier struct {
	segmenter      *segment.Segmenter
	classifier     *tier.Classifier
	spectralCfg    spectral.Config
	minSamples     int
	tolerance      float64
	tokensPerQuery int
	logger         *slog.Logger
}

// VerifierOptFn is a functional option for configuring a Verifier.
type VerifierOptFn func(*Verifier)

// WithMinSamples sets the verification sample floor.
func WithMinSamples(n int) VerifierOptFn {
	return func(v *Verifier) {
		v.minSamples = n
	}
}

// WithTolerancePercent sets the declared-vs-measured tolerance.
func WithTolerancePercent(pct float64) VerifierOptFn {
	return func(v *Verifier) {
		v.tolerance = pct
	}
}

// WithSpectralConfig sets the spectral analyzer configuration.
func WithSpectralConfig(cfg spectral.Config) VerifierOptFn {
	return func(v *Verifier) {
		v.spectralCfg = cfg
	}
}

// WithTokensPerQuery sets the query size for the Wh/1k-queries metric.
func WithTokensPerQuery(n int) VerifierOptFn {
	return func(v *Verifier) {
		v.tokensPerQuery = n
	}
}

// WithVerifierLogger sets the logger.
func WithVerifierLogger(logger *slog.Logger) VerifierOptFn {
	return func(v *Verifier) {
		v.logger = logger
	}
}

// NewVerifier creates a Verifier over the given segmenter and classifier.
func NewVerifier(seg *segment.Segmenter, cls *tier.Classifier, opts ...VerifierOptFn) *Verifier {
	v := &Verifier{
		segmenter:      seg,
		classifier:     cls,
		minSamples:     DefaultMinVerificationSamples,
		tolerance:      DefaultTolerancePercent,
		tokensPerQuery: stats.DefaultTokensPerQuery,
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(v)
	}
	v.logger = v.logger.With("component", "verifier")
	return v
}

// Tolerance returns the configured delta tolerance in percent.
func (v *Verifier) Tolerance() float64 {
	return v.tolerance
}

// Measure runs the full pipeline over one buffer: segmentation, whole-run
// statistics, spectral analysis of the decode phase, and tier classification.
// The returned metrics are complete only when err is nil; spectral
// degradation is reported in-band, not as an error.
func (v *Verifier) Measure(ctx context.Context, buf *telemetry.SampleBuffer, tokens int) (*Measurement, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	windows, err := v.segmenter.Segment(buf)
	if err != nil {
		return nil, err
	}

	b := stats.NewBuilder(buf.Len())
	b.AddAll(buf.Deduped().Samples())
	ws, err := b.Compute()
	if err != nil {
		// CV is required for classification; without it the run cannot be
		// tiered at all.
		return nil, fmt.Errorf("run statistics incomplete: %w", err)
	}

	metrics, err := stats.RunMetricsFromWindow(ws, tokens, v.tokensPerQuery)
	if err != nil {
		return nil, fmt.Errorf("run statistics incomplete: %w", err)
	}

	byPhase := segment.EnergyByPhase(windows)
	metrics.PrefillEnergyJoules = byPhase[segment.PhasePrefill]
	metrics.DecodeEnergyJoules = byPhase[segment.PhaseDecode]

	spectrum := spectral.Analyze(segment.DecodeSamples(windows), v.spectralCfg)
	metrics.DominantFrequencyHz = spectrum.DominantFrequencyHz
	metrics.THDPercent = spectrum.THDPercent
	metrics.HFNoiseRMS = spectrum.HFNoiseRMS
	metrics.InsufficientResolution = spectrum.InsufficientResolution

	decision := v.classifier.Classify(metrics.AvgPowerWatts, metrics.PowerCV, metrics.PeakPowerWatts)

	v.logger.Debug("Measured run",
		"samples", metrics.SamplesTested,
		"avg_power_watts", metrics.AvgPowerWatts,
		"power_cv", metrics.PowerCV,
		"tier", decision.Tier,
	)

	return &Measurement{
		Metrics:  metrics,
		Windows:  windows,
		Spectral: spectrum,
		Decision: decision,
	}, nil
}

// Verify re-measures the buffer against the declared metrics and produces a
// terminal outcome. The tier always comes from measured values; an
// out-of-tolerance delta is flagged, never failed. The outcome's timestamps
// are filled in by the service at commit time.
func (v *Verifier) Verify(ctx context.Context, declared DeclaredMetrics, buf *telemetry.SampleBuffer, tokens int) (*Outcome, error) {
	if buf.Len() < v.minSamples {
		return nil, &VerificationDataInsufficientError{Have: buf.Len(), Want: v.minSamples}
	}

	m, err := v.Measure(ctx, buf, tokens)
	if err != nil {
		return nil, err
	}

	deltas := map[string]float64{}
	within := true
	check := func(name string, declaredVal *float64, measured float64, gates bool) {
		if declaredVal == nil || *declaredVal == 0 {
			return
		}
		delta := (measured - *declaredVal) / *declaredVal * 100
		deltas[name] = delta
		if gates && (delta > v.tolerance || delta < -v.tolerance) {
			within = false
		}
	}

	// Only avg power and CV gate the tolerance flag; the rest is context.
	check("avg_power_watts", declared.AvgPowerWatts, m.Metrics.AvgPowerWatts, true)
	check("power_cv", declared.PowerCV, m.Metrics.PowerCV, true)
	check("peak_power_watts", declared.PeakPowerWatts, m.Metrics.PeakPowerWatts, false)
	check("joules_per_token", declared.JoulesPerToken, m.Metrics.JoulesPerToken, false)

	status := StatusNotQualified
	if m.Decision.Qualified {
		status = StatusQualified
	}

	return &Outcome{
		Measured:        m.Metrics,
		Status:          status,
		Tier:            m.Decision.Tier,
		DiscountPercent: m.Decision.DiscountPercent,
		WithinTolerance: within,
		Deltas:          deltas,
		Reasoning:       m.Decision.Reasoning,
	}, nil
}
