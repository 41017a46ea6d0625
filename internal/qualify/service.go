// SPDX-FileCopyrightText: 2026 The Powerqual Authors
// SPDX-License-Identifier: Apache-2.0

package qualify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"k8s.io/utils/clock"

	"github.com/inference-grid/powerqual/internal/notify"
	"github.com/inference-grid/powerqual/internal/telemetry"
)

// EventQualificationCompleted is emitted when verification reaches a
// terminal decision.
const EventQualificationCompleted = "qualification.completed"

// EventQualificationExpired is emitted when a lapsed grant is observed and
// flipped to expired.
const EventQualificationExpired = "qualification.expired"

// RateLimiter is the submission-policy hook. The engine only honors the
// verdict; the policy itself belongs to the excluded rate-limit collaborator.
type RateLimiter interface {
	Allow(caller string) error
}

// Service is the engine's boundary contract: everything the excluded
// HTTP/CLI adapters call into.
type Service struct {
	store    Store
	verifier *Verifier
	sink     notify.Sink
	limiter  RateLimiter
	clock    clock.PassiveClock
	logger   *slog.Logger
	validity time.Duration

	// emitMu serializes terminal commits with their event emission so event
	// order equals transition order.
	emitMu sync.Mutex
}

// ServiceOptFn is a functional option for configuring a Service.
type ServiceOptFn func(*Service)

// WithSink sets the notification sink.
func WithSink(sink notify.Sink) ServiceOptFn {
	return func(s *Service) {
		s.sink = sink
	}
}

// WithRateLimiter sets the submission rate-limit hook.
func WithRateLimiter(l RateLimiter) ServiceOptFn {
	return func(s *Service) {
		s.limiter = l
	}
}

// WithClock sets the clock, for tests.
func WithClock(c clock.PassiveClock) ServiceOptFn {
	return func(s *Service) {
		s.clock = c
	}
}

// WithValidity sets how long a grant holds before expiry.
func WithValidity(d time.Duration) ServiceOptFn {
	return func(s *Service) {
		s.validity = d
	}
}

// WithServiceLogger sets the logger.
func WithServiceLogger(logger *slog.Logger) ServiceOptFn {
	return func(s *Service) {
		s.logger = logger
	}
}

// NewService creates the qualification service over a store and verifier.
func NewService(store Store, verifier *Verifier, opts ...ServiceOptFn) *Service {
	s := &Service{
		store:    store,
		verifier: verifier,
		clock:    clock.RealClock{},
		logger:   slog.Default(),
		validity: DefaultValidity,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "qualify-service")
	if s.sink == nil {
		s.sink = notify.NewSlogSink(s.logger)
	}
	return s
}

// Submit creates a new pending qualification record for the model. Declared
// metrics must include avg_power_watts and power_cv.
func (s *Service) Submit(ctx context.Context, modelID string, declared DeclaredMetrics, env TestEnvironment) (*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if modelID == "" {
		return nil, &telemetry.ValidationError{Field: "model_id", Condition: "must not be empty"}
	}
	if declared.AvgPowerWatts == nil {
		return nil, &telemetry.ValidationError{Field: "declared_metrics.avg_power_watts", Condition: "required"}
	}
	if declared.PowerCV == nil {
		return nil, &telemetry.ValidationError{Field: "declared_metrics.power_cv", Condition: "required"}
	}

	if s.limiter != nil {
		if err := s.limiter.Allow(modelID); err != nil {
			return nil, err
		}
	}

	rec := &Record{
		ID:          uuid.NewString(),
		ModelID:     modelID,
		Declared:    declared,
		Environment: env,
		Status:      StatusPending,
		SubmittedAt: s.clock.Now(),
	}
	if err := s.store.Create(rec); err != nil {
		return nil, err
	}

	s.logger.Info("Qualification submitted", "qualification_id", rec.ID, "model_id", modelID)
	return rec.Clone(), nil
}

// Requalify opens a fresh qualification for a model. The prior record is
// left untouched and stays queryable for audit; the active grant holds until
// the new record reaches qualified.
func (s *Service) Requalify(ctx context.Context, modelID string, updated DeclaredMetrics, env TestEnvironment) (*Record, error) {
	return s.Submit(ctx, modelID, updated, env)
}

// GetStatus returns the record, applying lazy expiry: a grant past its
// valid_until is flipped to expired at read time, no background timer.
func (s *Service) GetStatus(ctx context.Context, id string) (*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	rec, err := s.store.Get(id)
	if err != nil {
		return nil, err
	}
	return s.applyLazyExpiry(ctx, rec)
}

// Page is one page of qualification summaries.
type Page struct {
	Records []Summary `json:"records"`
	Total   int       `json:"total"`
	Limit   int       `json:"limit"`
	Offset  int       `json:"offset"`
}

// List returns a page of record summaries for a model (or all models when
// empty), optionally filtered by status.
func (s *Service) List(ctx context.Context, f ListFilter) (*Page, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	recs, total, err := s.store.List(f)
	if err != nil {
		return nil, err
	}

	page := &Page{
		Records: make([]Summary, 0, len(recs)),
		Total:   total,
		Limit:   f.Limit,
		Offset:  f.Offset,
	}
	for _, rec := range recs {
		rec, err = s.applyLazyExpiry(ctx, rec)
		if err != nil {
			return nil, err
		}
		page.Records = append(page.Records, rec.Summarize())
	}
	return page, nil
}

// ActivePricing returns the model's current tier and discount: the single
// unexpired qualified record, or default tier-3 pricing when none exists.
func (s *Service) ActivePricing(ctx context.Context, modelID string) (Pricing, error) {
	if err := ctx.Err(); err != nil {
		return Pricing{}, err
	}

	rec, err := s.store.ActiveQualified(modelID, s.clock.Now())
	if err != nil {
		return Pricing{}, err
	}
	if rec == nil {
		return DefaultPricing(modelID), nil
	}
	return Pricing{
		ModelID:         modelID,
		Tier:            rec.Tier,
		DiscountPercent: rec.DiscountPercent,
		RecordID:        rec.ID,
	}, nil
}

// BeginVerification marks the record in progress and takes the model's
// verification lease.
func (s *Service) BeginVerification(ctx context.Context, id string) (*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.store.BeginVerification(id, s.clock.Now())
}

// CompleteVerification runs the verifier over the re-measured buffer and
// commits the terminal outcome. On a retryable shortfall the lease is
// released and the record stays in progress. Nothing is committed when the
// context is cancelled: abandonment leaves no partial mutation.
func (s *Service) CompleteVerification(ctx context.Context, id string, buf *telemetry.SampleBuffer, tokens int) (*Record, error) {
	rec, err := s.store.Get(id)
	if err != nil {
		return nil, err
	}
	if rec.Status != StatusInProgress {
		return nil, &InvalidTransitionError{ID: id, From: rec.Status, To: StatusQualified}
	}

	out, err := s.verifier.Verify(ctx, rec.Declared, buf, tokens)
	if err != nil {
		if _, retryable := err.(*VerificationDataInsufficientError); retryable {
			// Explicit retry point: free the lease, keep the record in
			// progress.
			if relErr := s.store.ReleaseVerification(id); relErr != nil {
				s.logger.Warn("Failed to release verification lease", "qualification_id", id, "error", relErr)
			}
		}
		return nil, err
	}

	if err := ctx.Err(); err != nil {
		// Abandoned by the caller: release and leave the record untouched.
		if relErr := s.store.ReleaseVerification(id); relErr != nil {
			s.logger.Warn("Failed to release verification lease", "qualification_id", id, "error", relErr)
		}
		return nil, err
	}

	now := s.clock.Now()
	out.VerifiedAt = now
	if out.Status == StatusQualified {
		until := now.Add(s.validity)
		out.ValidUntil = &until
	}

	s.emitMu.Lock()
	defer s.emitMu.Unlock()

	committed, err := s.store.Commit(id, *out)
	if err != nil {
		return nil, err
	}

	s.emit(ctx, EventQualificationCompleted, committed)
	s.logger.Info("Verification complete",
		"qualification_id", id,
		"model_id", committed.ModelID,
		"status", committed.Status,
		"tier", committed.Tier,
		"within_tolerance", out.WithinTolerance,
	)
	return committed, nil
}

// applyLazyExpiry flips a lapsed grant on read and emits the expiry event
// exactly once, on the read that performed the flip.
func (s *Service) applyLazyExpiry(ctx context.Context, rec *Record) (*Record, error) {
	if !rec.ExpiredBy(s.clock.Now()) {
		return rec, nil
	}

	s.emitMu.Lock()
	defer s.emitMu.Unlock()

	flipped, updated, err := s.store.MarkExpired(rec.ID, s.clock.Now())
	if err != nil {
		return nil, err
	}
	if flipped {
		s.emit(ctx, EventQualificationExpired, updated)
	}
	return updated, nil
}

func (s *Service) emit(ctx context.Context, eventType string, rec *Record) {
	ev := notify.Event{
		EventType:       eventType,
		QualificationID: rec.ID,
		ModelID:         rec.ModelID,
		NewStatus:       string(rec.Status),
	}
	if rec.Status == StatusQualified {
		ev.Tier = string(rec.Tier)
		discount := rec.DiscountPercent
		ev.DiscountPercentage = &discount
	}

	if err := s.sink.Publish(ctx, ev); err != nil {
		s.logger.Error("Failed to publish qualification event",
			"qualification_id", rec.ID,
			"event_type", eventType,
			"error", err,
		)
	}
}
