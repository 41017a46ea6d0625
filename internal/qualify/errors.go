// SPDX-FileCopyrightText: 2026 The Powerqual Authors
// SPDX-License-Identifier: Apache-2.0

package qualify

import (
	"fmt"
	"time"
)

// NotFoundError reports a lookup for an unknown qualification id.
type NotFoundError struct {
	ID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("qualification %s not found", e.ID)
}

// VerificationDataInsufficientError reports too few re-measurement samples.
// The record stays in verification_in_progress and the attempt is retried
// with more data; this is an explicit retry point, not a terminal failure.
type VerificationDataInsufficientError struct {
	Have int
	Want int
}

func (e *VerificationDataInsufficientError) Error() string {
	return fmt.Sprintf("samples: verification needs at least %d samples, got %d", e.Want, e.Have)
}

// RateLimitExceededError reports a caller over its submission budget. The
// policy itself belongs to the rate-limit collaborator, not the engine.
type RateLimitExceededError struct {
	Caller string
	Limit  int
	Window time.Duration
}

func (e *RateLimitExceededError) Error() string {
	return fmt.Sprintf("caller %s exceeded %d submissions in %s", e.Caller, e.Limit, e.Window)
}

// ConflictError reports a verification attempt racing another one for the
// same model. At most one verification per model is in flight at a time.
type ConflictError struct {
	ModelID  string
	RecordID string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("model %s already has verification %s in flight", e.ModelID, e.RecordID)
}

// InvalidTransitionError reports a state machine violation.
type InvalidTransitionError struct {
	ID   string
	From Status
	To   Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("qualification %s cannot transition from %s to %s", e.ID, e.From, e.To)
}
