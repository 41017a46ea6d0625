// SPDX-FileCopyrightText: 2026 The Powerqual Authors
// SPDX-License-Identifier: Apache-2.0

package stats

import (
	"errors"
)

// DefaultTokensPerQuery is the assumed query size for the Wh/1k-queries
// scalability metric.
const DefaultTokensPerQuery = 100

// RunMetrics is the whole-run aggregate handed to the tier classifier and
// persisted on qualification records. Serializing and re-parsing a RunMetrics
// must preserve every numeric field exactly.
type RunMetrics struct {
	ModelName string `json:"model_name,omitempty"`
	RunID     string `json:"run_id,omitempty"`

	AvgPowerWatts     float64 `json:"avg_power_watts"`
	PeakPowerWatts    float64 `json:"peak_power_watts"`
	PowerCV           float64 `json:"power_cv"`
	TotalEnergyJoules float64 `json:"total_energy_joules"`
	DurationSeconds   float64 `json:"duration_seconds"`

	TokensGenerated int     `json:"tokens_generated"`
	JoulesPerToken  float64 `json:"joules_per_token"`
	TokensPerJoule  float64 `json:"tokens_per_joule"`
	WhPer1kQueries  float64 `json:"wh_per_1k_queries"`

	PrefillEnergyJoules float64 `json:"prefill_energy_joules"`
	DecodeEnergyJoules  float64 `json:"decode_energy_joules"`

	SamplesTested int `json:"samples_tested"`

	DominantFrequencyHz    float64 `json:"dominant_frequency_hz"`
	THDPercent             float64 `json:"thd_percent"`
	HFNoiseRMS             float64 `json:"hf_noise_rms"`
	InsufficientResolution bool    `json:"insufficient_resolution,omitempty"`
}

// RunMetricsFromWindow lifts whole-run window aggregates into RunMetrics and
// derives the token-normalized efficiency metrics. tokensPerQuery <= 0 falls
// back to DefaultTokensPerQuery. Metrics whose inputs are degenerate are left
// zero and reported in the joined error; the rest are still returned.
func RunMetricsFromWindow(ws WindowStats, tokens, tokensPerQuery int) (RunMetrics, error) {
	if tokensPerQuery <= 0 {
		tokensPerQuery = DefaultTokensPerQuery
	}

	m := RunMetrics{
		AvgPowerWatts:     ws.Mean,
		PeakPowerWatts:    ws.Peak,
		PowerCV:           ws.CV,
		TotalEnergyJoules: ws.EnergyJoules,
		DurationSeconds:   ws.Duration,
		TokensGenerated:   tokens,
		SamplesTested:     ws.Samples,
	}

	var retErr error
	if ws.Mean <= 0 {
		retErr = errors.Join(retErr, &DegenerateSignalError{Metric: "power_cv", Mean: ws.Mean})
	}

	jpt, err := ws.JoulesPerToken(tokens)
	if err != nil {
		retErr = errors.Join(retErr, err)
	} else {
		m.JoulesPerToken = jpt
		if jpt > 0 {
			m.TokensPerJoule = 1 / jpt
		}
		// Wh per 1000 queries assuming tokensPerQuery tokens per query.
		m.WhPer1kQueries = jpt * float64(tokensPerQuery) * 1000 / 3600
	}

	return m, retErr
}
