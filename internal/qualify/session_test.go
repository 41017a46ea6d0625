// SPDX-FileCopyrightText: 2026 The Powerqual Authors
// SPDX-License-Identifier: Apache-2.0

package qualify

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"
)

// laggingStore serves a pinned stale snapshot for one record, standing in for
// a read replica that has not caught up yet.
type laggingStore struct {
	Store
	stale *Record
}

func (s *laggingStore) Get(id string) (*Record, error) {
	if s.stale != nil && s.stale.ID == id {
		return s.stale.Clone(), nil
	}
	return s.Store.Get(id)
}

func TestSessionMonotonicReads(t *testing.T) {
	ctx := context.Background()
	lagging := &laggingStore{Store: NewMemoryStore()}
	clk := clocktesting.NewFakePassiveClock(testEpoch)
	sink := &recordingSink{}
	svc := NewService(lagging, newTestVerifier(), WithSink(sink), WithClock(clk))

	rec, err := svc.Submit(ctx, "llama-7b-int8", goodDeclared(), TestEnvironment{})
	require.NoError(t, err)
	pending, err := svc.GetStatus(ctx, rec.ID)
	require.NoError(t, err)

	_, err = svc.BeginVerification(ctx, rec.ID)
	require.NoError(t, err)
	qualified, err := svc.CompleteVerification(ctx, rec.ID, stableTrace(t, 30, 145), 1000)
	require.NoError(t, err)
	require.Greater(t, qualified.Revision, pending.Revision)

	session := svc.NewSession()

	got, err := session.GetStatus(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusQualified, got.Status)

	// The replica falls behind and starts serving the pending snapshot;
	// within the session the read never regresses
	lagging.stale = pending

	got, err = session.GetStatus(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusQualified, got.Status)
	assert.Equal(t, qualified.Revision, got.Revision)

	// A fresh session carries no high-water mark and sees the lag
	fresh := svc.NewSession()
	got, err = fresh.GetStatus(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
}

func TestSessionPassesThroughNewerRevisions(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	rec, err := svc.Submit(ctx, "llama-7b-int8", goodDeclared(), TestEnvironment{})
	require.NoError(t, err)

	session := svc.NewSession()
	got, err := session.GetStatus(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)

	_, err = svc.BeginVerification(ctx, rec.ID)
	require.NoError(t, err)
	_, err = svc.CompleteVerification(ctx, rec.ID, stableTrace(t, 30, 145), 1000)
	require.NoError(t, err)

	got, err = session.GetStatus(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusQualified, got.Status)
}
