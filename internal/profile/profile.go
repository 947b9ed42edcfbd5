// Package profile maintains the rolling per-repository learning state:
// language mix, recurring error categories and the approval rate that
// biases confidence scoring.
package profile

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/cifixd/internal/failure"
	"github.com/fyrsmithlabs/cifixd/internal/logging"
)

// Store is the persistence surface the learner needs.
type Store interface {
	GetProfile(ctx context.Context, owner, repo string) (*failure.Profile, error)
	RecordProfileFailure(ctx context.Context, owner, repo string, features failure.FeatureVector, at time.Time) error
	RecordProfileReview(ctx context.Context, owner, repo string, approved bool) error
}

// Learner updates and serves repository profiles. Safe for concurrent
// use; all state lives in the store.
type Learner struct {
	store  Store
	logger *logging.Logger

	outcomes metric.Int64Counter
}

// New creates a Learner over the given store.
func New(store Store, logger *logging.Logger) (*Learner, error) {
	if store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	logger = logger.Named("profile")

	l := &Learner{store: store, logger: logger}

	meter := otel.Meter("cifixd/profile")
	var err error
	l.outcomes, err = meter.Int64Counter("cifixd.profile.outcomes",
		metric.WithDescription("Review outcomes folded into repository profiles"))
	if err != nil {
		logger.Warn(context.Background(), "failed to create outcome counter", zap.Error(err))
	}
	return l, nil
}

// GetProfile returns the profile of owner/repo, zero-valued when the
// repository has no history yet.
func (l *Learner) GetProfile(ctx context.Context, owner, repo string) (*failure.Profile, error) {
	return l.store.GetProfile(ctx, owner, repo)
}

// RecordFailure folds a newly admitted failure into the repository's
// category and language tallies.
func (l *Learner) RecordFailure(ctx context.Context, owner, repo string, features failure.FeatureVector, at time.Time) error {
	if err := l.store.RecordProfileFailure(ctx, owner, repo, features, at); err != nil {
		return fmt.Errorf("failed to record failure for %s/%s: %w", owner, repo, err)
	}
	return nil
}

// RecordOutcome applies a review decision to the repository's approval
// counters and returns the refreshed profile.
func (l *Learner) RecordOutcome(ctx context.Context, owner, repo string, approved bool) (*failure.Profile, error) {
	if err := l.store.RecordProfileReview(ctx, owner, repo, approved); err != nil {
		return nil, fmt.Errorf("failed to record outcome for %s/%s: %w", owner, repo, err)
	}

	if l.outcomes != nil {
		l.outcomes.Add(ctx, 1, metric.WithAttributes(
			attribute.Bool("approved", approved),
		))
	}

	p, err := l.store.GetProfile(ctx, owner, repo)
	if err != nil {
		return nil, err
	}
	rate, _ := p.ApprovalRate()
	l.logger.Info(ctx, "recorded review outcome",
		zap.String("repo", owner+"/"+repo),
		zap.Bool("approved", approved),
		zap.Float64("approval_rate", rate),
	)
	return p, nil
}
