// SPDX-FileCopyrightText: 2026 The Powerqual Authors
// SPDX-License-Identifier: Apache-2.0

package qualify

import (
	"context"
	"sync"
)

// Session wraps the service with a monotonic read guarantee: a status read
// through a session never regresses below what that session has already
// observed for the same record, even when served from an older replica
// snapshot. Reads are otherwise eventually consistent and never block on
// in-flight verifications.
type Session struct {
	svc  *Service
	mu   sync.Mutex
	seen map[string]*Record // last snapshot returned, by record id
}

// NewSession opens a read session.
func (s *Service) NewSession() *Session {
	return &Session{
		svc:  s,
		seen: make(map[string]*Record),
	}
}

// GetStatus reads the record, clamped to this session's high-water mark.
func (s *Session) GetStatus(ctx context.Context, id string) (*Record, error) {
	rec, err := s.svc.GetStatus(ctx, id)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if prev, ok := s.seen[id]; ok && rec.Revision < prev.Revision {
		return prev.Clone(), nil
	}
	s.seen[id] = rec.Clone()
	return rec, nil
}
