// SPDX-FileCopyrightText: 2026 The Powerqual Authors
// SPDX-License-Identifier: Apache-2.0

package qualify

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore is the in-process record store. All reads serve committed
// snapshots under the same mutex that orders writes, which also gives
// callers monotonic reads for free.
type MemoryStore struct {
	mu       sync.RWMutex
	records  map[string]*Record
	byModel  map[string][]string // model_id -> record ids, submission order
	inflight map[string]string   // model_id -> record id under verification
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records:  make(map[string]*Record),
		byModel:  make(map[string][]string),
		inflight: make(map[string]string),
	}
}

// Create inserts a new pending record.
func (s *MemoryStore) Create(rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.records[rec.ID]; exists {
		return fmt.Errorf("qualification %s already exists", rec.ID)
	}

	s.records[rec.ID] = rec.Clone()
	s.byModel[rec.ModelID] = append(s.byModel[rec.ModelID], rec.ID)
	return nil
}

// Get returns a snapshot of the record.
func (s *MemoryStore) Get(id string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[id]
	if !ok {
		return nil, &NotFoundError{ID: id}
	}
	return rec.Clone(), nil
}

// List returns matching snapshots, newest submission first.
func (s *MemoryStore) List(f ListFilter) ([]*Record, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []*Record
	for _, rec := range s.records {
		if f.ModelID != "" && rec.ModelID != f.ModelID {
			continue
		}
		if f.Status != "" && rec.Status != f.Status {
			continue
		}
		matched = append(matched, rec)
	}

	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].SubmittedAt.Equal(matched[j].SubmittedAt) {
			return matched[i].SubmittedAt.After(matched[j].SubmittedAt)
		}
		return matched[i].ID < matched[j].ID
	})

	total := len(matched)
	matched = page(matched, f.Limit, f.Offset)

	out := make([]*Record, len(matched))
	for i, rec := range matched {
		out[i] = rec.Clone()
	}
	return out, total, nil
}

// ActiveQualified returns the model's unexpired qualified record, if any.
func (s *MemoryStore) ActiveQualified(modelID string, now time.Time) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, id := range s.byModel[modelID] {
		rec := s.records[id]
		if rec.Status != StatusQualified || rec.ExpiredBy(now) {
			continue
		}
		return rec.Clone(), nil
	}
	return nil, nil
}

// BeginVerification takes the model's verification lease and moves the
// record to verification_in_progress.
func (s *MemoryStore) BeginVerification(id string, now time.Time) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return nil, &NotFoundError{ID: id}
	}

	if holder, busy := s.inflight[rec.ModelID]; busy {
		return nil, &ConflictError{ModelID: rec.ModelID, RecordID: holder}
	}

	switch rec.Status {
	case StatusPending:
		rec.Status = StatusInProgress
		rec.Revision++
	case StatusInProgress:
		// Retry of a previously insufficient verification attempt.
	default:
		return nil, &InvalidTransitionError{ID: id, From: rec.Status, To: StatusInProgress}
	}

	s.inflight[rec.ModelID] = id
	return rec.Clone(), nil
}

// ReleaseVerification drops the lease without a state change.
func (s *MemoryStore) ReleaseVerification(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return &NotFoundError{ID: id}
	}
	if s.inflight[rec.ModelID] == id {
		delete(s.inflight, rec.ModelID)
	}
	return nil
}

// Commit applies the terminal outcome atomically and supersedes any prior
// active grant for the model.
func (s *MemoryStore) Commit(id string, out Outcome) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return nil, &NotFoundError{ID: id}
	}
	if rec.Status != StatusInProgress {
		return nil, &InvalidTransitionError{ID: id, From: rec.Status, To: out.Status}
	}

	if out.Status == StatusQualified {
		// At most one active grant per model: truncate the old grant's
		// validity to the moment the new one takes over.
		for _, otherID := range s.byModel[rec.ModelID] {
			other := s.records[otherID]
			if otherID == id || other.Status != StatusQualified {
				continue
			}
			if other.ValidUntil == nil || other.ValidUntil.After(out.VerifiedAt) {
				cutoff := out.VerifiedAt
				other.ValidUntil = &cutoff
				other.Revision++
			}
		}
	}

	measured := out.Measured
	verifiedAt := out.VerifiedAt
	withinTol := out.WithinTolerance

	rec.Measured = &measured
	rec.Status = out.Status
	rec.Tier = out.Tier
	rec.DiscountPercent = out.DiscountPercent
	rec.WithinTolerance = &withinTol
	rec.Deltas = out.Deltas
	rec.Reasoning = out.Reasoning
	rec.VerifiedAt = &verifiedAt
	rec.ValidUntil = out.ValidUntil
	rec.Revision++

	if s.inflight[rec.ModelID] == id {
		delete(s.inflight, rec.ModelID)
	}
	return rec.Clone(), nil
}

// MarkExpired flips a lapsed grant to expired.
func (s *MemoryStore) MarkExpired(id string, now time.Time) (bool, *Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return false, nil, &NotFoundError{ID: id}
	}
	if !rec.ExpiredBy(now) {
		return false, rec.Clone(), nil
	}

	rec.Status = StatusExpired
	rec.Revision++
	return true, rec.Clone(), nil
}

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() error {
	return nil
}

func page(recs []*Record, limit, offset int) []*Record {
	if offset >= len(recs) {
		return nil
	}
	recs = recs[offset:]
	if limit > 0 && limit < len(recs) {
		recs = recs[:limit]
	}
	return recs
}
