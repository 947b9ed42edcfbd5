package corpus

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/fyrsmithlabs/cifixd/internal/failure"
)

type failureRow struct {
	ID           int64     `db:"id"`
	Owner        string    `db:"owner"`
	Repo         string    `db:"repo"`
	RunID        int64     `db:"run_id"`
	WorkflowName string    `db:"workflow_name"`
	Conclusion   string    `db:"conclusion"`
	ErrorLog     string    `db:"error_log"`
	Features     string    `db:"features"`
	State        string    `db:"state"`
	CreatedAt    time.Time `db:"created_at"`
	UpdatedAt    time.Time `db:"updated_at"`
}

func (r *failureRow) toRecord() (*failure.Record, error) {
	var fv failure.FeatureVector
	if r.Features != "" {
		if err := json.Unmarshal([]byte(r.Features), &fv); err != nil {
			return nil, fmt.Errorf("failed to decode features of failure %d: %w", r.ID, err)
		}
	}
	return &failure.Record{
		ID:           r.ID,
		Owner:        r.Owner,
		Repo:         r.Repo,
		RunID:        r.RunID,
		WorkflowName: r.WorkflowName,
		Conclusion:   r.Conclusion,
		ErrorLog:     r.ErrorLog,
		Features:     fv,
		State:        failure.State(r.State),
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
	}, nil
}

// InsertFailureIfAbsent admits rec under its (owner, repo, run_id) key.
// It returns true when the row was inserted and fills rec.ID either way;
// on a duplicate key rec is left untouched apart from the ID of the
// existing row.
func (s *Store) InsertFailureIfAbsent(ctx context.Context, rec *failure.Record) (bool, error) {
	features, err := json.Marshal(rec.Features)
	if err != nil {
		return false, fmt.Errorf("failed to encode features: %w", err)
	}

	query := `
		INSERT INTO failures (owner, repo, run_id, workflow_name, conclusion, error_log, features, state, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (owner, repo, run_id) DO NOTHING
	`

	var inserted bool
	err = s.withRetry(ctx, "insert failure", func() error {
		res, execErr := s.db.ExecContext(ctx, query,
			rec.Owner, rec.Repo, rec.RunID,
			rec.WorkflowName, rec.Conclusion, rec.ErrorLog,
			string(features), string(rec.State), rec.CreatedAt, rec.UpdatedAt,
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
			id, idErr := res.LastInsertId()
			if idErr != nil {
				return idErr
			}
			rec.ID = id
			return nil
		}
		return s.db.GetContext(ctx, &rec.ID,
			`SELECT id FROM failures WHERE owner = ? AND repo = ? AND run_id = ?`,
			rec.Owner, rec.Repo, rec.RunID,
		)
	})
	if err != nil {
		return false, err
	}
	return inserted, nil
}

// GetFailure returns the failure with the given ID.
func (s *Store) GetFailure(ctx context.Context, id int64) (*failure.Record, error) {
	var row failureRow
	err := s.withRetry(ctx, "get failure", func() error {
		return s.db.GetContext(ctx, &row, `SELECT * FROM failures WHERE id = ?`, id)
	})
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("failure %d: %w", id, failure.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get failure %d: %w", id, err)
	}
	return row.toRecord()
}

// GetFailureByRunKey returns the failure admitted under key.
func (s *Store) GetFailureByRunKey(ctx context.Context, key failure.RunKey) (*failure.Record, error) {
	var row failureRow
	err := s.withRetry(ctx, "get failure by run key", func() error {
		return s.db.GetContext(ctx, &row,
			`SELECT * FROM failures WHERE owner = ? AND repo = ? AND run_id = ?`,
			key.Owner, key.Repo, key.RunID,
		)
	})
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("failure %s: %w", key, failure.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get failure %s: %w", key, err)
	}
	return row.toRecord()
}

// ListCandidates returns up to limit prior failures, newest first,
// excluding the failure being matched. Similarity only needs the feature
// vectors, so failures still waiting on their recommendation participate
// too.
func (s *Store) ListCandidates(ctx context.Context, excludeFailureID int64, limit int) ([]*failure.Record, error) {
	if limit <= 0 {
		return nil, nil
	}

	query := `
		SELECT * FROM failures
		WHERE id != ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`

	var rows []failureRow
	err := s.withRetry(ctx, "list candidates", func() error {
		rows = rows[:0]
		return s.db.SelectContext(ctx, &rows, query, excludeFailureID, limit)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list candidates: %w", err)
	}

	out := make([]*failure.Record, 0, len(rows))
	for i := range rows {
		rec, convErr := rows[i].toRecord()
		if convErr != nil {
			return nil, convErr
		}
		out = append(out, rec)
	}
	return out, nil
}

// setFailureStateTx mirrors a recommendation transition onto the parent
// failure row inside an open transaction.
func setFailureStateTx(ctx context.Context, tx *sqlx.Tx, failureID int64, state failure.State, now time.Time) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE failures SET state = ?, updated_at = ? WHERE id = ?`,
		string(state), now, failureID,
	)
	return err
}
