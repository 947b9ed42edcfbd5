package corpus

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/cifixd/internal/failure"
)

type recommendationRow struct {
	ID            string       `db:"id"`
	FailureID     int64        `db:"failure_id"`
	Text          string       `db:"text"`
	Confidence    float64      `db:"confidence"`
	Factors       string       `db:"factors"`
	State         string       `db:"state"`
	GeneratedBy   string       `db:"generated_by"`
	ReviewComment string       `db:"review_comment"`
	ReviewedAt    sql.NullTime `db:"reviewed_at"`
	CreatedAt     time.Time    `db:"created_at"`
	UpdatedAt     time.Time    `db:"updated_at"`
}

func (r *recommendationRow) toRecommendation() (*failure.Recommendation, error) {
	var factors map[string]float64
	if r.Factors != "" {
		if err := json.Unmarshal([]byte(r.Factors), &factors); err != nil {
			return nil, fmt.Errorf("failed to decode factors of recommendation %s: %w", r.ID, err)
		}
	}
	rec := &failure.Recommendation{
		ID:            r.ID,
		FailureID:     r.FailureID,
		Text:          r.Text,
		Confidence:    r.Confidence,
		Factors:       factors,
		State:         failure.State(r.State),
		GeneratedBy:   r.GeneratedBy,
		ReviewComment: r.ReviewComment,
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
	}
	if r.ReviewedAt.Valid {
		t := r.ReviewedAt.Time
		rec.ReviewedAt = &t
	}
	return rec, nil
}

// InsertRecommendationIfAbsent stores rec unless its failure already has
// one. It returns true when the row was inserted; false signals the
// duplicate to the caller, which decides whether that is an error.
func (s *Store) InsertRecommendationIfAbsent(ctx context.Context, rec *failure.Recommendation) (bool, error) {
	factors, err := json.Marshal(rec.Factors)
	if err != nil {
		return false, fmt.Errorf("failed to encode factors: %w", err)
	}

	query := `
		INSERT INTO recommendations (id, failure_id, text, confidence, factors, state, generated_by, review_comment, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (failure_id) DO NOTHING
	`

	var inserted bool
	err = s.withRetry(ctx, "insert recommendation", func() error {
		tx, txErr := s.db.BeginTxx(ctx, nil)
		if txErr != nil {
			return txErr
		}
		defer func() { _ = tx.Rollback() }()

		res, execErr := tx.ExecContext(ctx, query,
			rec.ID, rec.FailureID, rec.Text, rec.Confidence,
			string(factors), string(rec.State), rec.GeneratedBy, rec.ReviewComment,
			rec.CreatedAt, rec.UpdatedAt,
		)
		if execErr != nil {
			return execErr
		}
		n, raErr := res.RowsAffected()
		if raErr != nil {
			return raErr
		}
		inserted = n > 0
		if inserted {
			if stErr := setFailureStateTx(ctx, tx, rec.FailureID, rec.State, rec.UpdatedAt); stErr != nil {
				return stErr
			}
		}
		return tx.Commit()
	})
	if err != nil {
		return false, err
	}
	return inserted, nil
}

// GetRecommendation returns the recommendation with the given ID.
func (s *Store) GetRecommendation(ctx context.Context, id string) (*failure.Recommendation, error) {
	var row recommendationRow
	err := s.withRetry(ctx, "get recommendation", func() error {
		return s.db.GetContext(ctx, &row, `SELECT * FROM recommendations WHERE id = ?`, id)
	})
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("recommendation %s: %w", id, failure.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get recommendation %s: %w", id, err)
	}
	return row.toRecommendation()
}

// GetRecommendationByFailure returns the recommendation belonging to a
// failure, if any.
func (s *Store) GetRecommendationByFailure(ctx context.Context, failureID int64) (*failure.Recommendation, error) {
	var row recommendationRow
	err := s.withRetry(ctx, "get recommendation by failure", func() error {
		return s.db.GetContext(ctx, &row, `SELECT * FROM recommendations WHERE failure_id = ?`, failureID)
	})
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("recommendation for failure %d: %w", failureID, failure.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get recommendation for failure %d: %w", failureID, err)
	}
	return row.toRecommendation()
}

// ListRecommendationsByState returns recommendations in the given state,
// newest first.
func (s *Store) ListRecommendationsByState(ctx context.Context, state failure.State, limit, offset int) ([]*failure.Recommendation, error) {
	query := `
		SELECT * FROM recommendations
		WHERE state = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ? OFFSET ?
	`

	var rows []recommendationRow
	err := s.withRetry(ctx, "list recommendations", func() error {
		rows = rows[:0]
		return s.db.SelectContext(ctx, &rows, query, string(state), limit, offset)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list recommendations: %w", err)
	}

	out := make([]*failure.Recommendation, 0, len(rows))
	for i := range rows {
		rec, convErr := rows[i].toRecommendation()
		if convErr != nil {
			return nil, convErr
		}
		out = append(out, rec)
	}
	return out, nil
}

// TransitionRecommendation atomically moves the recommendation from one
// state to another. The compare-and-set guards against concurrent
// reviewers: it returns false, without error, when the row was not in the
// expected state. The parent failure row mirrors the new state in the
// same transaction.
func (s *Store) TransitionRecommendation(ctx context.Context, id string, from, to failure.State, comment string, at time.Time) (bool, error) {
	var swapped bool
	err := s.withRetry(ctx, "transition recommendation", func() error {
		tx, txErr := s.db.BeginTxx(ctx, nil)
		if txErr != nil {
			return txErr
		}
		defer func() { _ = tx.Rollback() }()

		// Review metadata is written only by review decisions; apply
		// outcomes must not clobber it.
		var res sql.Result
		var execErr error
		if to == failure.StateApproved || to == failure.StateRejected {
			res, execErr = tx.ExecContext(ctx, `
				UPDATE recommendations
				SET state = ?, review_comment = ?, reviewed_at = ?, updated_at = ?
				WHERE id = ? AND state = ?
			`, string(to), comment, at, at, id, string(from))
		} else {
			res, execErr = tx.ExecContext(ctx, `
				UPDATE recommendations
				SET state = ?, updated_at = ?
				WHERE id = ? AND state = ?
			`, string(to), at, id, string(from))
		}
		if execErr != nil {
			return execErr
		}
		n, raErr := res.RowsAffected()
		if raErr != nil {
			return raErr
		}
		swapped = n > 0
		if !swapped {
			return tx.Commit()
		}

		var failureID int64
		if getErr := tx.GetContext(ctx, &failureID,
			`SELECT failure_id FROM recommendations WHERE id = ?`, id); getErr != nil {
			return getErr
		}
		if stErr := setFailureStateTx(ctx, tx, failureID, to, at); stErr != nil {
			return stErr
		}
		return tx.Commit()
	})
	if err != nil {
		return false, err
	}
	return swapped, nil
}
