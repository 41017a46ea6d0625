// SPDX-FileCopyrightText: 2026 The Powerqual Authors
// SPDX-License-Identifier: Apache-2.0

// Package qualify implements the qualification lifecycle: records, the
// verifier state machine, the service boundary, and the in-memory record
// store.
package qualify

import (
	"time"

	"github.com/inference-grid/powerqual/internal/stats"
	"github.com/inference-grid/powerqual/internal/tier"
)

// Status is the lifecycle state of a qualification record. String values
// preserve the wire wording of the original system's API.
type Status string

const (
	StatusPending      Status = "qualification_pending"
	StatusInProgress   Status = "verification_in_progress"
	StatusQualified    Status = "qualified"
	StatusNotQualified Status = "not_qualified"
	StatusExpired      Status = "expired"
)

// DefaultValidity is how long a qualification grant holds before expiry.
const DefaultValidity = 365 * 24 * time.Hour

// DeclaredMetrics are the developer's claimed power figures at submission.
// Pointer fields distinguish absent from zero.
type DeclaredMetrics struct {
	AvgPowerWatts  *float64 `json:"avg_power_watts" yaml:"avg_power_watts"`
	PowerCV        *float64 `json:"power_cv" yaml:"power_cv"`
	PeakPowerWatts *float64 `json:"peak_power_watts,omitempty" yaml:"peak_power_watts,omitempty"`
	JoulesPerToken *float64 `json:"joules_per_token,omitempty" yaml:"joules_per_token,omitempty"`
	RunCount       int      `json:"run_count,omitempty" yaml:"run_count,omitempty"`
}

// TestEnvironment describes where the declared metrics were measured.
type TestEnvironment struct {
	GPUModel         string  `json:"gpu_model,omitempty" yaml:"gpu_model,omitempty"`
	DriverVersion    string  `json:"driver_version,omitempty" yaml:"driver_version,omitempty"`
	Region           string  `json:"region,omitempty" yaml:"region,omitempty"`
	SamplingRateHz   float64 `json:"sampling_rate_hz,omitempty" yaml:"sampling_rate_hz,omitempty"`
	InferenceRuntime string  `json:"inference_runtime,omitempty" yaml:"inference_runtime,omitempty"`
}

// Record is one qualification request and its outcome. Records are owned by
// the store; every record leaving the store is a deep copy, and records are
// never deleted, only superseded.
type Record struct {
	ID      string `json:"id"`
	ModelID string `json:"model_id"`

	Declared    DeclaredMetrics  `json:"declared_metrics"`
	Environment TestEnvironment  `json:"test_environment,omitempty"`
	Measured    *stats.RunMetrics `json:"measured_metrics,omitempty"`

	Status          Status    `json:"status"`
	Tier            tier.Tier `json:"tier,omitempty"`
	DiscountPercent float64   `json:"discount_percentage"`

	// WithinTolerance is set at verification: false flags a declared-vs-
	// measured mismatch beyond tolerance. Informational only; the tier is
	// always derived from measured truth.
	WithinTolerance *bool              `json:"within_tolerance,omitempty"`
	Deltas          map[string]float64 `json:"delta_percent,omitempty"`
	Reasoning       string             `json:"reasoning,omitempty"`

	SubmittedAt time.Time  `json:"submitted_at"`
	VerifiedAt  *time.Time `json:"verified_at,omitempty"`
	ValidUntil  *time.Time `json:"valid_until,omitempty"`

	// Revision increments on every committed transition and backs the
	// per-session monotonic read guarantee.
	Revision uint64 `json:"revision"`
}

// Clone returns a deep copy safe to hand across the store boundary.
func (r *Record) Clone() *Record {
	out := *r
	if r.Measured != nil {
		m := *r.Measured
		out.Measured = &m
	}
	if r.WithinTolerance != nil {
		wt := *r.WithinTolerance
		out.WithinTolerance = &wt
	}
	if r.Deltas != nil {
		out.Deltas = make(map[string]float64, len(r.Deltas))
		for k, v := range r.Deltas {
			out.Deltas[k] = v
		}
	}
	if r.VerifiedAt != nil {
		t := *r.VerifiedAt
		out.VerifiedAt = &t
	}
	if r.ValidUntil != nil {
		t := *r.ValidUntil
		out.ValidUntil = &t
	}
	return &out
}

// ExpiredBy reports whether a qualified grant has lapsed at the given time.
func (r *Record) ExpiredBy(now time.Time) bool {
	return r.Status == StatusQualified && r.ValidUntil != nil && now.After(*r.ValidUntil)
}

// Summary is the list-view projection of a record.
type Summary struct {
	ID              string     `json:"id"`
	ModelID         string     `json:"model_id"`
	Status          Status     `json:"status"`
	Tier            tier.Tier  `json:"tier,omitempty"`
	DiscountPercent float64    `json:"discount_percentage"`
	SubmittedAt     time.Time  `json:"submitted_at"`
	VerifiedAt      *time.Time `json:"verified_at,omitempty"`
	ValidUntil      *time.Time `json:"valid_until,omitempty"`
}

// Summarize projects a record to its list form.
func (r *Record) Summarize() Summary {
	return Summary{
		ID:              r.ID,
		ModelID:         r.ModelID,
		Status:          r.Status,
		Tier:            r.Tier,
		DiscountPercent: r.DiscountPercent,
		SubmittedAt:     r.SubmittedAt,
		VerifiedAt:      r.VerifiedAt,
		ValidUntil:      r.ValidUntil,
	}
}

// Pricing is the active price position for a model.
type Pricing struct {
	ModelID         string    `json:"model_id"`
	Tier            tier.Tier `json:"tier"`
	DiscountPercent float64   `json:"discount_percentage"`
	RecordID        string    `json:"qualification_id,omitempty"`
}

// DefaultPricing is what a model without an active grant pays.
func DefaultPricing(modelID string) Pricing {
	return Pricing{
		ModelID: modelID,
		Tier:    tier.Tier3HighVariance,
	}
}
