// SPDX-FileCopyrightText: 2026 The Powerqual Authors
// SPDX-License-Identifier: Apache-2.0

package stats

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inference-grid/powerqual/internal/telemetry"
)

func buildWindow(t *testing.T, ts, ws []float64) WindowStats {
	t.Helper()

	b := NewBuilder(len(ws))
	for i := range ws {
		b.Add(telemetry.PowerSample{Timestamp: ts[i], Watts: ws[i]})
	}
	s, err := b.Compute()
	require.NoError(t, err)
	return s
}

func TestComputeKnownValues(t *testing.T) {
	s := buildWindow(t,
		[]float64{0, 1, 2, 3, 4},
		[]float64{100, 110, 90, 105, 95},
	)

	assert.Equal(t, 100.0, s.Mean)
	assert.Equal(t, 110.0, s.Peak)
	// Population stddev, not sample stddev: sqrt(250/5)
	assert.InDelta(t, math.Sqrt(50), s.StdDev, 1e-12)
	assert.InDelta(t, math.Sqrt(50)/100, s.CV, 1e-12)
	assert.InDelta(t, 402.5, s.EnergyJoules, 1e-12)
	assert.Equal(t, 4.0, s.Duration)
	assert.Equal(t, 5, s.Samples)
}

func TestCVIsNotTranslationInvariant(t *testing.T) {
	low := buildWindow(t, []float64{0, 1, 2}, []float64{90, 100, 110})
	high := buildWindow(t, []float64{0, 1, 2}, []float64{190, 200, 210})

	// Same absolute spread, double the mean, so half the CV
	assert.InDelta(t, low.StdDev, high.StdDev, 1e-12)
	assert.InDelta(t, low.CV/2, high.CV, 1e-12)
}

func TestTrapezoidIrregularIntervals(t *testing.T) {
	// A long interval carries proportionally more energy
	got := Trapezoid([]float64{0, 1, 3}, []float64{0, 100, 100})
	assert.InDelta(t, 250.0, got, 1e-12)

	assert.Equal(t, 0.0, Trapezoid([]float64{0}, []float64{100}))
	assert.Equal(t, 0.0, Trapezoid(nil, nil))
}

func TestComputeEmptyWindow(t *testing.T) {
	b := NewBuilder(0)
	_, err := b.Compute()

	var derr *DegenerateSignalError
	require.ErrorAs(t, err, &derr)
}

func TestComputeZeroMeanStillReturnsAggregates(t *testing.T) {
	b := NewBuilder(3)
	b.AddAll([]telemetry.PowerSample{
		{Timestamp: 0, Watts: 0},
		{Timestamp: 1, Watts: 0},
		{Timestamp: 2, Watts: 0},
	})

	s, err := b.Compute()
	var derr *DegenerateSignalError
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, "power_cv", derr.Metric)

	// CV failed but the rest of the window is still valid
	assert.Equal(t, 0.0, s.Mean)
	assert.Equal(t, 0.0, s.CV)
	assert.Equal(t, 2.0, s.Duration)
	assert.Equal(t, 3, s.Samples)
}

func TestJoulesPerTokenZeroTokens(t *testing.T) {
	s := WindowStats{EnergyJoules: 100}

	_, err := s.JoulesPerToken(0)
	var derr *DivisionByZeroError
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, "tokens_generated", derr.Field)

	jpt, err := s.JoulesPerToken(500)
	require.NoError(t, err)
	assert.InDelta(t, 0.2, jpt, 1e-12)
}

func TestRunMetricsFromWindow(t *testing.T) {
	ws := WindowStats{
		Mean:         100,
		StdDev:       5,
		CV:           0.05,
		Peak:         120,
		EnergyJoules: 402.5,
		Duration:     4,
		Samples:      5,
	}

	m, err := RunMetricsFromWindow(ws, 1000, 0)
	require.NoError(t, err)

	assert.Equal(t, 100.0, m.AvgPowerWatts)
	assert.Equal(t, 120.0, m.PeakPowerWatts)
	assert.Equal(t, 0.05, m.PowerCV)
	assert.InDelta(t, 0.4025, m.JoulesPerToken, 1e-12)
	assert.InDelta(t, 1/0.4025, m.TokensPerJoule, 1e-12)
	// jpt * 100 tokens/query * 1000 queries / 3600 J per Wh
	assert.InDelta(t, 0.4025*100*1000/3600, m.WhPer1kQueries, 1e-12)
}

func TestRunMetricsFromWindowZeroTokens(t *testing.T) {
	ws := WindowStats{Mean: 100, EnergyJoules: 400, Duration: 4, Samples: 5}

	m, err := RunMetricsFromWindow(ws, 0, 100)
	var derr *DivisionByZeroError
	require.ErrorAs(t, err, &derr)

	// Efficiency metrics stay zero, the rest carries through
	assert.Equal(t, 0.0, m.JoulesPerToken)
	assert.Equal(t, 0.0, m.WhPer1kQueries)
	assert.Equal(t, 100.0, m.AvgPowerWatts)
}

func TestRunMetricsJSONRoundTrip(t *testing.T) {
	m := RunMetrics{
		ModelName:           "llama-7b-int8",
		AvgPowerWatts:       145.33333333333334,
		PeakPowerWatts:      260,
		PowerCV:             0.06898979485566356,
		TotalEnergyJoules:   4205.5,
		DurationSeconds:     29,
		TokensGenerated:     512,
		JoulesPerToken:      8.21388671875,
		TokensPerJoule:      0.12174488284736638,
		WhPer1kQueries:      228.16351996527778,
		SamplesTested:       30,
		DominantFrequencyHz: 0.96875,
		THDPercent:          24.99999999999997,
		HFNoiseRMS:          3.5355339059327378,
	}

	data, err := json.Marshal(m)
	require.NoError(t, err)

	var got RunMetrics
	require.NoError(t, json.Unmarshal(data, &got))

	// Every numeric field survives serialization bit-exact
	assert.Equal(t, m, got)
}
