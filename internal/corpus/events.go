package corpus

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/cifixd/internal/failure"
)

// InsertEvent appends an audit event for a failure.
func (s *Store) InsertEvent(ctx context.Context, ev *failure.Event) error {
	err := s.withRetry(ctx, "insert event", func() error {
		res, execErr := s.db.ExecContext(ctx, `
			INSERT INTO events (failure_id, event_type, actor, comment, created_at)
			VALUES (?, ?, ?, ?, ?)
		`, ev.FailureID, ev.Type, ev.Actor, ev.Comment, ev.CreatedAt)
		if execErr != nil {
			return execErr
		}
		id, idErr := res.LastInsertId()
		if idErr != nil {
			return idErr
		}
		ev.ID = id
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to insert event: %w", err)
	}
	return nil
}

// ListEvents returns the audit trail of a failure, oldest first.
func (s *Store) ListEvents(ctx context.Context, failureID int64) ([]*failure.Event, error) {
	var rows []*failure.Event
	err := s.withRetry(ctx, "list events", func() error {
		rows = rows[:0]
		return s.db.SelectContext(ctx, &rows, `
			SELECT id, failure_id, event_type, actor, comment, created_at
			FROM events
			WHERE failure_id = ?
			ORDER BY created_at, id
		`, failureID)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	return rows, nil
}

// RepoFailureCount is one entry of the dashboard's top-failing-repos list.
type RepoFailureCount struct {
	Owner    string `db:"owner" json:"owner"`
	Repo     string `db:"repo" json:"repo"`
	Failures int64  `db:"n" json:"failures"`
}

// DashboardStats is the aggregate view served by the dashboard endpoint.
type DashboardStats struct {
	TotalFailures   int64                           `json:"total_failures"`
	TotalRepos      int64                           `json:"total_repos"`
	RecentFailures  int64                           `json:"recent_failures"`
	TopRepos        []RepoFailureCount              `json:"top_repos"`
	FixesByState    map[failure.State]int64         `json:"fixes_by_state"`
	TopCategories   map[failure.ErrorCategory]int64 `json:"top_categories"`
	AvgConfidence   float64                         `json:"avg_confidence"`
	OracleShare     float64                         `json:"oracle_share"`
	PendingReviews  int64                           `json:"pending_reviews"`
	ApprovalRate    float64                         `json:"approval_rate"`
	HasApprovalRate bool                            `json:"has_approval_rate"`
}

// DashboardStats aggregates corpus-wide counters in a handful of cheap
// queries.
func (s *Store) DashboardStats(ctx context.Context) (*DashboardStats, error) {
	stats := &DashboardStats{
		FixesByState:  make(map[failure.State]int64),
		TopCategories: make(map[failure.ErrorCategory]int64),
	}

	err := s.withRetry(ctx, "dashboard stats", func() error {
		if err := s.db.GetContext(ctx, &stats.TotalFailures,
			`SELECT COUNT(*) FROM failures`); err != nil {
			return err
		}
		if err := s.db.GetContext(ctx, &stats.TotalRepos,
			`SELECT COUNT(DISTINCT owner || '/' || repo) FROM failures`); err != nil {
			return err
		}
		if err := s.db.GetContext(ctx, &stats.RecentFailures,
			`SELECT COUNT(*) FROM failures WHERE created_at >= ?`,
			time.Now().UTC().Add(-24*time.Hour)); err != nil {
			return err
		}
		stats.TopRepos = stats.TopRepos[:0]
		if err := s.db.SelectContext(ctx, &stats.TopRepos, `
			SELECT owner, repo, COUNT(*) AS n
			FROM failures
			GROUP BY owner, repo
			ORDER BY n DESC, owner, repo
			LIMIT 5
		`); err != nil {
			return err
		}

		type stateCount struct {
			State string `db:"state"`
			N     int64  `db:"n"`
		}
		var states []stateCount
		if err := s.db.SelectContext(ctx, &states,
			`SELECT state, COUNT(*) AS n FROM recommendations GROUP BY state`); err != nil {
			return err
		}
		clear(stats.FixesByState)
		for _, sc := range states {
			stats.FixesByState[failure.State(sc.State)] = sc.N
		}
		stats.PendingReviews = stats.FixesByState[failure.StatePendingReview]

		var avg struct {
			Avg sql.NullFloat64 `db:"avg"`
		}
		if err := s.db.GetContext(ctx, &avg,
			`SELECT AVG(confidence) AS avg FROM recommendations`); err != nil {
			return err
		}
		if avg.Avg.Valid {
			stats.AvgConfidence = avg.Avg.Float64
		}

		var total, oracle int64
		if err := s.db.GetContext(ctx, &total,
			`SELECT COUNT(*) FROM recommendations`); err != nil {
			return err
		}
		if err := s.db.GetContext(ctx, &oracle,
			`SELECT COUNT(*) FROM recommendations WHERE generated_by = ?`,
			failure.GeneratedByOracle); err != nil {
			return err
		}
		if total > 0 {
			stats.OracleShare = float64(oracle) / float64(total)
		}

		approved := stats.FixesByState[failure.StateApproved] +
			stats.FixesByState[failure.StateApplied] +
			stats.FixesByState[failure.StateApplyFailed]
		rejected := stats.FixesByState[failure.StateRejected]
		if approved+rejected > 0 {
			stats.ApprovalRate = float64(approved) / float64(approved+rejected)
			stats.HasApprovalRate = true
		}

		return s.aggregateCategories(ctx, stats)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate dashboard stats: %w", err)
	}
	return stats, nil
}

// aggregateCategories folds per-repo category tallies into corpus totals.
func (s *Store) aggregateCategories(ctx context.Context, stats *DashboardStats) error {
	var blobs []string
	if err := s.db.SelectContext(ctx, &blobs,
		`SELECT categories FROM repo_profiles`); err != nil {
		return err
	}
	clear(stats.TopCategories)
	for _, blob := range blobs {
		if blob == "" {
			continue
		}
		var counts map[failure.ErrorCategory]int64
		if err := json.Unmarshal([]byte(blob), &counts); err != nil {
			return fmt.Errorf("failed to decode category tallies: %w", err)
		}
		for cat, n := range counts {
			stats.TopCategories[cat] += n
		}
	}
	return nil
}
