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

type profileRow struct {
	Owner         string       `db:"owner"`
	Repo          string       `db:"repo"`
	TotalFailures int64        `db:"total_failures"`
	ApprovedCount int64        `db:"approved_count"`
	RejectedCount int64        `db:"rejected_count"`
	Languages     string       `db:"languages"`
	Categories    string       `db:"categories"`
	LastFailureAt sql.NullTime `db:"last_failure_at"`
}

func (r *profileRow) toProfile() (*failure.Profile, error) {
	p := &failure.Profile{
		Owner:         r.Owner,
		Repo:          r.Repo,
		TotalFailures: r.TotalFailures,
		ApprovedCount: r.ApprovedCount,
		RejectedCount: r.RejectedCount,
	}
	if r.Languages != "" {
		if err := json.Unmarshal([]byte(r.Languages), &p.Languages); err != nil {
			return nil, fmt.Errorf("failed to decode languages of %s/%s: %w", r.Owner, r.Repo, err)
		}
	}
	if r.Categories != "" {
		if err := json.Unmarshal([]byte(r.Categories), &p.Categories); err != nil {
			return nil, fmt.Errorf("failed to decode categories of %s/%s: %w", r.Owner, r.Repo, err)
		}
	}
	if r.LastFailureAt.Valid {
		t := r.LastFailureAt.Time
		p.LastFailureAt = &t
	}
	return p, nil
}

// GetProfile returns the rolling profile of owner/repo. A repository that
// has never failed yields a zero-valued profile rather than an error, so
// scoring can treat absence as cold start.
func (s *Store) GetProfile(ctx context.Context, owner, repo string) (*failure.Profile, error) {
	var row profileRow
	err := s.withRetry(ctx, "get profile", func() error {
		return s.db.GetContext(ctx, &row,
			`SELECT * FROM repo_profiles WHERE owner = ? AND repo = ?`, owner, repo)
	})
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return &failure.Profile{Owner: owner, Repo: repo}, nil
		}
		return nil, fmt.Errorf("failed to get profile %s/%s: %w", owner, repo, err)
	}
	return row.toProfile()
}

// RecordProfileFailure folds one admitted failure into the repository
// profile: bumps the total, the language and category tallies, and the
// last-seen timestamp. The read-modify-write runs in one transaction; the
// single-writer connection makes it safe under concurrent ingest.
func (s *Store) RecordProfileFailure(ctx context.Context, owner, repo string, features failure.FeatureVector, at time.Time) error {
	return s.withRetry(ctx, "record profile failure", func() error {
		tx, txErr := s.db.BeginTxx(ctx, nil)
		if txErr != nil {
			return txErr
		}
		defer func() { _ = tx.Rollback() }()

		var row profileRow
		getErr := tx.GetContext(ctx, &row,
			`SELECT * FROM repo_profiles WHERE owner = ? AND repo = ?`, owner, repo)
		if getErr != nil && !errors.Is(getErr, sql.ErrNoRows) {
			return getErr
		}
		p := &failure.Profile{Owner: owner, Repo: repo}
		if getErr == nil {
			var convErr error
			p, convErr = row.toProfile()
			if convErr != nil {
				return convErr
			}
		}

		p.TotalFailures++
		if features.Language != "" {
			if p.Languages == nil {
				p.Languages = make(map[string]int64)
			}
			p.Languages[features.Language]++
		}
		for _, cat := range features.Categories {
			if p.Categories == nil {
				p.Categories = make(map[failure.ErrorCategory]int64)
			}
			p.Categories[cat]++
		}
		if p.LastFailureAt == nil || at.After(*p.LastFailureAt) {
			p.LastFailureAt = &at
		}

		if upErr := upsertProfileTx(ctx, tx, p); upErr != nil {
			return upErr
		}
		return tx.Commit()
	})
}

// RecordProfileReview bumps the approved or rejected counter after a
// terminal review decision.
func (s *Store) RecordProfileReview(ctx context.Context, owner, repo string, approved bool) error {
	column := "rejected_count"
	if approved {
		column = "approved_count"
	}
	// Repos always have a profile row by review time (admission creates
	// it), but the upsert keeps the counter write self-sufficient.
	query := fmt.Sprintf(`
		INSERT INTO repo_profiles (owner, repo, %[1]s)
		VALUES (?, ?, 1)
		ON CONFLICT (owner, repo) DO UPDATE SET %[1]s = %[1]s + 1
	`, column)

	return s.withRetry(ctx, "record profile review", func() error {
		_, err := s.db.ExecContext(ctx, query, owner, repo)
		return err
	})
}

func upsertProfileTx(ctx context.Context, tx *sqlx.Tx, p *failure.Profile) error {
	languages, err := json.Marshal(orEmptyLangs(p.Languages))
	if err != nil {
		return fmt.Errorf("failed to encode languages: %w", err)
	}
	categories, err := json.Marshal(orEmptyCats(p.Categories))
	if err != nil {
		return fmt.Errorf("failed to encode categories: %w", err)
	}

	var lastFailure any
	if p.LastFailureAt != nil {
		lastFailure = *p.LastFailureAt
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO repo_profiles (owner, repo, total_failures, approved_count, rejected_count, languages, categories, last_failure_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (owner, repo) DO UPDATE SET
			total_failures = excluded.total_failures,
			approved_count = excluded.approved_count,
			rejected_count = excluded.rejected_count,
			languages = excluded.languages,
			categories = excluded.categories,
			last_failure_at = excluded.last_failure_at
	`, p.Owner, p.Repo, p.TotalFailures, p.ApprovedCount, p.RejectedCount,
		string(languages), string(categories), lastFailure)
	return err
}

func orEmptyLangs(m map[string]int64) map[string]int64 {
	if m == nil {
		return map[string]int64{}
	}
	return m
}

func orEmptyCats(m map[failure.ErrorCategory]int64) map[failure.ErrorCategory]int64 {
	if m == nil {
		return map[failure.ErrorCategory]int64{}
	}
	return m
}
