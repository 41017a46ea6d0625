// SPDX-FileCopyrightText: 2026 The Powerqual Authors
// SPDX-License-Identifier: Apache-2.0

package qualify

import (
	"time"

	"github.com/inference-grid/powerqual/internal/stats"
	"github.com/inference-grid/powerqual/internal/tier"
)

// Outcome is the terminal result of one verification, committed to the store
// atomically: either every field lands or the record is untouched.
type Outcome struct {
	Measured        stats.RunMetrics
	Status          Status // StatusQualified or StatusNotQualified
	Tier            tier.Tier
	DiscountPercent float64
	WithinTolerance bool
	Deltas          map[string]float64
	Reasoning       string
	VerifiedAt      time.Time
	ValidUntil      *time.Time // set when qualified
}

// ListFilter selects and pages records.
type ListFilter struct {
	ModelID string
	Status  Status // empty matches all
	Limit   int
	Offset  int
}

// Store persists qualification records. Implementations own the records:
// every returned *Record is a private snapshot, and all mutation happens
// through the transition methods below so the (model_id, status) invariants
// hold under concurrency.
type Store interface {
	// Create inserts a new record (status qualification_pending).
	Create(rec *Record) error

	// Get returns a snapshot of the record, or NotFoundError.
	Get(id string) (*Record, error)

	// List returns matching record snapshots ordered by submission time
	// descending, plus the total match count before paging.
	List(f ListFilter) ([]*Record, int, error)

	// ActiveQualified returns the single qualified record for the model
	// whose grant is still valid at now, or nil when none exists.
	ActiveQualified(modelID string, now time.Time) (*Record, error)

	// BeginVerification transitions the record to verification_in_progress
	// and takes the model's verification lease. It fails with ConflictError
	// while another verification for the same model is in flight, and with
	// InvalidTransitionError from terminal states.
	BeginVerification(id string, now time.Time) (*Record, error)

	// ReleaseVerification drops the in-flight lease without changing the
	// record, so a retryable failure can be attempted again later.
	ReleaseVerification(id string) error

	// Commit applies a terminal outcome and releases the lease. When the
	// outcome is qualified, any previously active grant for the model has
	// its validity truncated to the verification time so at most one grant
	// is active per model.
	Commit(id string, out Outcome) (*Record, error)

	// MarkExpired flips a lapsed qualified record to expired. Returns true
	// with the new snapshot when the flip happened, false when the record
	// was already expired or not eligible.
	MarkExpired(id string, now time.Time) (bool, *Record, error)

	// Close releases store resources.
	Close() error
}
