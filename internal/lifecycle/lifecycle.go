// Package lifecycle owns the fix recommendation state machine: creation
// after admission, review decisions, apply outcomes, and the learning
// fan-out that closes the loop into repository profiles.
package lifecycle

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/cifixd/internal/failure"
	"github.com/fyrsmithlabs/cifixd/internal/logging"
)

// Store is the persistence surface the manager needs.
type Store interface {
	GetFailure(ctx context.Context, id int64) (*failure.Record, error)
	GetRecommendation(ctx context.Context, id string) (*failure.Recommendation, error)
	GetRecommendationByFailure(ctx context.Context, failureID int64) (*failure.Recommendation, error)
	InsertRecommendationIfAbsent(ctx context.Context, rec *failure.Recommendation) (bool, error)
	TransitionRecommendation(ctx context.Context, id string, from, to failure.State, comment string, at time.Time) (bool, error)
	ListRecommendationsByState(ctx context.Context, state failure.State, limit, offset int) ([]*failure.Recommendation, error)
	InsertEvent(ctx context.Context, ev *failure.Event) error
}

// Learner receives review outcomes.
type Learner interface {
	RecordOutcome(ctx context.Context, owner, repo string, approved bool) (*failure.Profile, error)
}

// Manager drives recommendation lifecycle transitions. Safe for
// concurrent use: every transition is an atomic compare-and-set in the
// store, so racing reviewers resolve deterministically.
type Manager struct {
	store   Store
	learner Learner
	logger  *logging.Logger
	now     func() time.Time

	transitions metric.Int64Counter
}

// New creates a Manager.
func New(store Store, learner Learner, logger *logging.Logger) (*Manager, error) {
	if store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if learner == nil {
		return nil, fmt.Errorf("learner cannot be nil")
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	logger = logger.Named("lifecycle")

	m := &Manager{
		store:   store,
		learner: learner,
		logger:  logger,
		now:     time.Now,
	}

	meter := otel.Meter("cifixd/lifecycle")
	var err error
	m.transitions, err = meter.Int64Counter("cifixd.lifecycle.transitions",
		metric.WithDescription("Recommendation state transitions by target state"))
	if err != nil {
		logger.Warn(context.Background(), "failed to create transition counter", zap.Error(err))
	}
	return m, nil
}

// Create records the recommendation for an admitted failure and moves it
// into pending_review. Re-entry for a failure that already has one
// returns the existing recommendation unchanged, mirroring admission's
// idempotency.
func (m *Manager) Create(ctx context.Context, rec *failure.Record, text string, confidence float64, factors map[string]float64, generatedBy string) (*failure.Recommendation, error) {
	if rec == nil || rec.ID == 0 {
		return nil, fmt.Errorf("failure record must be persisted before recommendation creation")
	}
	if text == "" {
		return nil, fmt.Errorf("recommendation text cannot be empty")
	}
	if confidence < 0 || confidence > 1 {
		return nil, fmt.Errorf("confidence %v outside [0, 1]", confidence)
	}
	for name, v := range factors {
		if v < 0 || v > 1 {
			return nil, fmt.Errorf("factor %s value %v outside [0, 1]", name, v)
		}
	}

	now := m.now().UTC()
	candidate := &failure.Recommendation{
		ID:          uuid.NewString(),
		FailureID:   rec.ID,
		Text:        text,
		Confidence:  confidence,
		Factors:     factors,
		State:       failure.StatePendingReview,
		GeneratedBy: generatedBy,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	inserted, err := m.store.InsertRecommendationIfAbsent(ctx, candidate)
	if err != nil {
		return nil, err
	}
	if !inserted {
		existing, getErr := m.store.GetRecommendationByFailure(ctx, rec.ID)
		if getErr != nil {
			return nil, fmt.Errorf("%w: %w", failure.ErrDuplicateRecommendation, getErr)
		}
		return existing, nil
	}

	m.countTransition(ctx, failure.StatePendingReview)
	m.appendEvent(ctx, rec.ID, failure.EventRecommended, "", "")
	m.logger.Info(ctx, "recommendation created",
		zap.String("fix_id", candidate.ID),
		zap.Int64("failure_id", rec.ID),
		zap.Float64("confidence", confidence),
		zap.String("generated_by", generatedBy),
	)
	return candidate, nil
}

// Approve moves a pending recommendation to approved, recording the
// reviewer comment, and feeds the positive outcome to the learner.
// Retrying an identical approve on an already approved fix is a no-op.
func (m *Manager) Approve(ctx context.Context, fixID, comment string) (*failure.Recommendation, error) {
	return m.review(ctx, fixID, failure.StateApproved, comment)
}

// Reject is symmetric to Approve with a negative outcome.
func (m *Manager) Reject(ctx context.Context, fixID, comment string) (*failure.Recommendation, error) {
	return m.review(ctx, fixID, failure.StateRejected, comment)
}

func (m *Manager) review(ctx context.Context, fixID string, target failure.State, comment string) (*failure.Recommendation, error) {
	at := m.now().UTC()
	swapped, err := m.store.TransitionRecommendation(ctx, fixID, failure.StatePendingReview, target, comment, at)
	if err != nil {
		return nil, err
	}

	rec, err := m.store.GetRecommendation(ctx, fixID)
	if err != nil {
		return nil, err
	}
	if !swapped {
		// Identical retry of a committed decision is benign; anything
		// else is a state mismatch.
		if rec.State == target && rec.ReviewComment == comment {
			return rec, nil
		}
		return nil, &failure.InvalidTransitionError{Attempted: target, Current: rec.State}
	}

	m.countTransition(ctx, target)

	approved := target == failure.StateApproved
	eventType := failure.EventRejected
	if approved {
		eventType = failure.EventApproved
	}

	parent, err := m.store.GetFailure(ctx, rec.FailureID)
	if err != nil {
		return nil, err
	}
	m.appendEvent(ctx, parent.ID, eventType, "reviewer", comment)
	if _, learnErr := m.learner.RecordOutcome(ctx, parent.Owner, parent.Repo, approved); learnErr != nil {
		// The decision is committed; a lost counter update is logged
		// rather than surfaced as a failed review.
		m.logger.Error(ctx, "failed to record review outcome",
			zap.String("fix_id", fixID),
			zap.Error(learnErr),
		)
	}

	m.logger.Info(ctx, "review decision recorded",
		zap.String("fix_id", fixID),
		zap.String("state", string(target)),
		zap.String("repo", parent.Key().Slug()),
	)
	return rec, nil
}

// MarkApplied records the outcome of applying an approved fix: applied on
// success, apply_failed otherwise. Both targets are terminal;
// apply_failed does not reopen review.
func (m *Manager) MarkApplied(ctx context.Context, fixID string, succeeded bool) (*failure.Recommendation, error) {
	target := failure.StateApplyFailed
	eventType := failure.EventApplyFailed
	if succeeded {
		target = failure.StateApplied
		eventType = failure.EventApplied
	}

	at := m.now().UTC()
	swapped, err := m.store.TransitionRecommendation(ctx, fixID, failure.StateApproved, target, "", at)
	if err != nil {
		return nil, err
	}

	rec, err := m.store.GetRecommendation(ctx, fixID)
	if err != nil {
		return nil, err
	}
	if !swapped {
		if rec.State == target {
			return rec, nil
		}
		return nil, &failure.InvalidTransitionError{Attempted: target, Current: rec.State}
	}

	m.countTransition(ctx, target)
	m.appendEvent(ctx, rec.FailureID, eventType, "", "")
	m.logger.Info(ctx, "apply outcome recorded",
		zap.String("fix_id", fixID),
		zap.Bool("succeeded", succeeded),
	)
	return rec, nil
}

// Get returns a recommendation by ID.
func (m *Manager) Get(ctx context.Context, fixID string) (*failure.Recommendation, error) {
	return m.store.GetRecommendation(ctx, fixID)
}

// GetPending lists recommendations awaiting review, newest first.
func (m *Manager) GetPending(ctx context.Context, limit, offset int) ([]*failure.Recommendation, error) {
	if limit <= 0 {
		limit = 50
	}
	return m.store.ListRecommendationsByState(ctx, failure.StatePendingReview, limit, offset)
}

func (m *Manager) countTransition(ctx context.Context, target failure.State) {
	if m.transitions == nil {
		return
	}
	m.transitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("state", string(target)),
	))
}

// appendEvent writes an audit entry; audit is advisory and never fails a
// transition.
func (m *Manager) appendEvent(ctx context.Context, failureID int64, eventType, actor, comment string) {
	ev := &failure.Event{
		FailureID: failureID,
		Type:      eventType,
		Actor:     actor,
		Comment:   comment,
		CreatedAt: m.now().UTC(),
	}
	if err := m.store.InsertEvent(ctx, ev); err != nil {
		m.logger.Warn(ctx, "failed to append audit event",
			zap.Int64("failure_id", failureID),
			zap.String("event_type", eventType),
			zap.Error(err),
		)
	}
}
