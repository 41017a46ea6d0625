// SPDX-FileCopyrightText: 2026 The Powerqual Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/utils/ptr"

	"github.com/inference-grid/powerqual/internal/qualify"
	"github.com/inference-grid/powerqual/internal/stats"
	"github.com/inference-grid/powerqual/internal/tier"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "records.db"))
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, s.Close())
	})
	return s
}

func pendingRecord(id, modelID string, submittedAt time.Time) *qualify.Record {
	return &qualify.Record{
		ID:      id,
		ModelID: modelID,
		Declared: qualify.DeclaredMetrics{
			AvgPowerWatts: ptr.To(145.0),
			PowerCV:       ptr.To(0.05),
		},
		Environment: qualify.TestEnvironment{GPUModel: "A100", SamplingRateHz: 10},
		Status:      qualify.StatusPending,
		SubmittedAt: submittedAt,
	}
}

func qualifiedOutcome(verifiedAt, validUntil time.Time) qualify.Outcome {
	return qualify.Outcome{
		Measured: stats.RunMetrics{
			AvgPowerWatts:     145.5,
			PeakPowerWatts:    160,
			PowerCV:           0.047,
			TotalEnergyJoules: 4205,
		},
		Status:          qualify.StatusQualified,
		Tier:            tier.Tier1Efficient,
		DiscountPercent: 20,
		WithinTolerance: true,
		Deltas:          map[string]float64{"avg_power_watts": 0.34},
		Reasoning:       "Excellent power stability (CV=0.047) and low average power (145.5W). Qualifies for Tier 1.",
		VerifiedAt:      verifiedAt,
		ValidUntil:      &validUntil,
	}
}

func TestSQLiteStoreCreateAndGet(t *testing.T) {
	s := newTestStore(t)

	rec := pendingRecord("q1", "m1", epoch)
	require.NoError(t, s.Create(rec))

	got, err := s.Get("q1")
	require.NoError(t, err)
	assert.Equal(t, "m1", got.ModelID)
	assert.Equal(t, qualify.StatusPending, got.Status)
	assert.Equal(t, 145.0, *got.Declared.AvgPowerWatts)
	assert.Equal(t, "A100", got.Environment.GPUModel)
	assert.True(t, got.SubmittedAt.Equal(epoch))
	assert.Nil(t, got.Measured)
	assert.Nil(t, got.ValidUntil)

	_, err = s.Get("missing")
	var nerr *qualify.NotFoundError
	require.ErrorAs(t, err, &nerr)
}

func TestSQLiteStoreFullLifecycle(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Create(pendingRecord("q1", "m1", epoch)))

	got, err := s.BeginVerification("q1", epoch)
	require.NoError(t, err)
	assert.Equal(t, qualify.StatusInProgress, got.Status)
	assert.Equal(t, uint64(1), got.Revision)

	validUntil := epoch.Add(qualify.DefaultValidity)
	got, err = s.Commit("q1", qualifiedOutcome(epoch, validUntil))
	require.NoError(t, err)
	assert.Equal(t, qualify.StatusQualified, got.Status)
	assert.Equal(t, tier.Tier1Efficient, got.Tier)
	assert.Equal(t, 20.0, got.DiscountPercent)
	require.NotNil(t, got.Measured)
	assert.Equal(t, 145.5, got.Measured.AvgPowerWatts)
	require.NotNil(t, got.WithinTolerance)
	assert.True(t, *got.WithinTolerance)
	assert.InDelta(t, 0.34, got.Deltas["avg_power_watts"], 1e-12)
	require.NotNil(t, got.VerifiedAt)
	assert.True(t, got.VerifiedAt.Equal(epoch))
	require.NotNil(t, got.ValidUntil)
	assert.True(t, got.ValidUntil.Equal(validUntil))
	assert.Equal(t, uint64(2), got.Revision)
}

func TestSQLiteStoreLeaseConflict(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Create(pendingRecord("q1", "m1", epoch)))
	require.NoError(t, s.Create(pendingRecord("q2", "m1", epoch.Add(time.Minute))))

	_, err := s.BeginVerification("q1", epoch)
	require.NoError(t, err)

	_, err = s.BeginVerification("q2", epoch)
	var cerr *qualify.ConflictError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, "q1", cerr.RecordID)

	require.NoError(t, s.ReleaseVerification("q1"))
	_, err = s.BeginVerification("q2", epoch)
	require.NoError(t, err)
}

func TestSQLiteStoreCommitSupersedesPriorGrant(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Create(pendingRecord("q1", "m1", epoch)))
	require.NoError(t, s.Create(pendingRecord("q2", "m1", epoch.Add(time.Hour))))

	_, err := s.BeginVerification("q1", epoch)
	require.NoError(t, err)
	_, err = s.Commit("q1", qualifiedOutcome(epoch, epoch.Add(qualify.DefaultValidity)))
	require.NoError(t, err)

	handover := epoch.Add(time.Hour)
	_, err = s.BeginVerification("q2", handover)
	require.NoError(t, err)
	_, err = s.Commit("q2", qualifiedOutcome(handover, handover.Add(qualify.DefaultValidity)))
	require.NoError(t, err)

	first, err := s.Get("q1")
	require.NoError(t, err)
	require.NotNil(t, first.ValidUntil)
	assert.True(t, first.ValidUntil.Equal(handover))

	active, err := s.ActiveQualified("m1", handover.Add(time.Second))
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, "q2", active.ID)
}

func TestSQLiteStoreMarkExpired(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Create(pendingRecord("q1", "m1", epoch)))

	_, err := s.BeginVerification("q1", epoch)
	require.NoError(t, err)
	_, err = s.Commit("q1", qualifiedOutcome(epoch, epoch.Add(time.Hour)))
	require.NoError(t, err)

	flipped, rec, err := s.MarkExpired("q1", epoch.Add(2*time.Hour))
	require.NoError(t, err)
	assert.True(t, flipped)
	assert.Equal(t, qualify.StatusExpired, rec.Status)

	flipped, rec, err = s.MarkExpired("q1", epoch.Add(3*time.Hour))
	require.NoError(t, err)
	assert.False(t, flipped)
	assert.Equal(t, qualify.StatusExpired, rec.Status)

	active, err := s.ActiveQualified("m1", epoch.Add(3*time.Hour))
	require.NoError(t, err)
	assert.Nil(t, active)
}

func TestSQLiteStoreListFiltersAndPaginates(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Create(pendingRecord("q1", "m1", epoch)))
	require.NoError(t, s.Create(pendingRecord("q2", "m2", epoch.Add(time.Minute))))
	require.NoError(t, s.Create(pendingRecord("q3", "m1", epoch.Add(2*time.Minute))))

	recs, total, err := s.List(qualify.ListFilter{})
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	require.Len(t, recs, 3)
	assert.Equal(t, "q3", recs[0].ID)

	recs, total, err = s.List(qualify.ListFilter{ModelID: "m1"})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	require.Len(t, recs, 2)

	recs, total, err = s.List(qualify.ListFilter{Limit: 1, Offset: 1})
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	require.Len(t, recs, 1)
	assert.Equal(t, "q2", recs[0].ID)

	recs, total, err = s.List(qualify.ListFilter{Status: qualify.StatusQualified})
	require.NoError(t, err)
	assert.Zero(t, total)
	assert.Empty(t, recs)
}

func TestSQLiteStorePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "records.db")

	s, err := NewSQLiteStore(path)
	require.NoError(t, err)
	require.NoError(t, s.Create(pendingRecord("q1", "m1", epoch)))
	require.NoError(t, s.Close())

	reopened, err := NewSQLiteStore(path)
	require.NoError(t, err)
	defer func() {
		// ignored on purpose
		_ = reopened.Close()
	}()

	got, err := reopened.Get("q1")
	require.NoError(t, err)
	assert.Equal(t, "m1", got.ModelID)
}
