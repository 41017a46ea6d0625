// SPDX-FileCopyrightText: 2026 The Powerqual Authors
// SPDX-License-Identifier: Apache-2.0

package qualify

import (
	"sync"
	"time"

	"k8s.io/utils/clock"
)

const (
	// DefaultSubmissionLimit caps submissions per caller in the trailing
	// window.
	DefaultSubmissionLimit = 10

	// DefaultSubmissionWindow is the trailing window the limit applies to.
	DefaultSubmissionWindow = 24 * time.Hour
)

// SubmissionLimiter is a trailing-window submission limiter. Deployments
// normally enforce this at the API gateway; the in-process implementation
// exists for standalone use and tests.
type SubmissionLimiter struct {
	limit  int
	window time.Duration
	clock  clock.PassiveClock

	mu      sync.Mutex
	history map[string][]time.Time
}

var _ RateLimiter = (*SubmissionLimiter)(nil)

// LimiterOptFn is a functional option for configuring a SubmissionLimiter.
type LimiterOptFn func(*SubmissionLimiter)

// WithLimiterClock sets the clock, for tests.
func WithLimiterClock(c clock.PassiveClock) LimiterOptFn {
	return func(l *SubmissionLimiter) {
		l.clock = c
	}
}

// NewSubmissionLimiter creates a limiter. Non-positive arguments keep the
// defaults.
func NewSubmissionLimiter(limit int, window time.Duration, opts ...LimiterOptFn) *SubmissionLimiter {
	if limit <= 0 {
		limit = DefaultSubmissionLimit
	}
	if window <= 0 {
		window = DefaultSubmissionWindow
	}

	l := &SubmissionLimiter{
		limit:   limit,
		window:  window,
		clock:   clock.RealClock{},
		history: make(map[string][]time.Time),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Allow records one submission attempt and fails with
// RateLimitExceededError once the caller is over budget.
func (l *SubmissionLimiter) Allow(caller string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	cutoff := now.Add(-l.window)

	kept := l.history[caller][:0]
	for _, t := range l.history[caller] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}

	if len(kept) >= l.limit {
		l.history[caller] = kept
		return &RateLimitExceededError{Caller: caller, Limit: l.limit, Window: l.window}
	}

	l.history[caller] = append(kept, now)
	return nil
}
