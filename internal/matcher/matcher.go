// Package matcher retrieves the historical failures most similar to a new
// one. Matching is a deterministic weighted-feature comparison over
// category overlap, language and log-size proximity; results are ephemeral
// and feed directly into confidence scoring.
package matcher

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/cifixd/internal/failure"
	"github.com/fyrsmithlabs/cifixd/internal/logging"
)

// Feature weights. Category overlap dominates; language and size are
// secondary signals.
const (
	weightCategories = 0.6
	weightLanguage   = 0.25
	weightLogSize    = 0.15
)

// Match is one scored historical candidate.
type Match struct {
	FailureID int64   `json:"failure_id"`
	Score     float64 `json:"score"`
}

// CandidateSource lists historical failures eligible for matching.
type CandidateSource interface {
	ListCandidates(ctx context.Context, excludeFailureID int64, limit int) ([]*failure.Record, error)
}

// Config holds matcher settings.
type Config struct {
	// TopK is the default number of matches returned.
	TopK int

	// MaxCandidates bounds how many historical records are scored per
	// query.
	MaxCandidates int
}

// DefaultConfig returns matcher settings suitable for most corpora.
func DefaultConfig() Config {
	return Config{TopK: 5, MaxCandidates: 2000}
}

// Matcher scores new failures against the corpus. Safe for concurrent use;
// queries are pure reads.
type Matcher struct {
	source CandidateSource
	cfg    Config
	logger *logging.Logger
}

// New creates a Matcher over the given candidate source.
func New(source CandidateSource, cfg Config, logger *logging.Logger) (*Matcher, error) {
	if source == nil {
		return nil, fmt.Errorf("candidate source cannot be nil")
	}
	if cfg.TopK <= 0 {
		cfg.TopK = DefaultConfig().TopK
	}
	if cfg.MaxCandidates <= 0 {
		cfg.MaxCandidates = DefaultConfig().MaxCandidates
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Matcher{source: source, cfg: cfg, logger: logger.Named("matcher")}, nil
}

// FindSimilar returns up to k historical matches for the query vector,
// best first. An empty corpus or an empty query vector yields an empty
// list, never an error; store failures degrade the same way so matching
// never blocks the pipeline.
func (m *Matcher) FindSimilar(ctx context.Context, query failure.FeatureVector, excludeFailureID int64, k int) []Match {
	if k <= 0 {
		k = m.cfg.TopK
	}
	if query.Empty() {
		return nil
	}

	candidates, err := m.source.ListCandidates(ctx, excludeFailureID, m.cfg.MaxCandidates)
	if err != nil {
		m.logger.Warn(ctx, "candidate listing failed, returning empty match set",
			zap.Int64("exclude_failure_id", excludeFailureID),
			zap.Error(err),
		)
		return nil
	}
	if len(candidates) == 0 {
		return nil
	}

	type scored struct {
		match     Match
		createdAt int64
	}
	results := make([]scored, 0, len(candidates))
	for _, cand := range candidates {
		s := Score(query, cand.Features)
		results = append(results, scored{
			match:     Match{FailureID: cand.ID, Score: s},
			createdAt: cand.CreatedAt.UnixNano(),
		})
	}

	// Equal scores prefer the fresher record; the final ID comparison
	// keeps ordering deterministic across identical timestamps.
	sort.Slice(results, func(i, j int) bool {
		if results[i].match.Score != results[j].match.Score {
			return results[i].match.Score > results[j].match.Score
		}
		if results[i].createdAt != results[j].createdAt {
			return results[i].createdAt > results[j].createdAt
		}
		return results[i].match.FailureID > results[j].match.FailureID
	})

	if len(results) > k {
		results = results[:k]
	}
	out := make([]Match, len(results))
	for i, r := range results {
		out[i] = r.match
	}
	return out
}

// Score computes the similarity of two feature vectors in [0, 1].
func Score(query, candidate failure.FeatureVector) float64 {
	s := weightCategories*categoryOverlap(query.Categories, candidate.Categories) +
		weightLanguage*languageMatch(query.Language, candidate.Language) +
		weightLogSize*logSizeProximity(query.LogBucket, candidate.LogBucket)
	if s > 1 {
		s = 1
	}
	return s
}

// categoryOverlap is the Jaccard index of the two category sets.
func categoryOverlap(a, b []failure.ErrorCategory) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	set := make(map[failure.ErrorCategory]struct{}, len(a))
	for _, c := range a {
		set[c] = struct{}{}
	}
	intersection := 0
	union := len(set)
	seen := make(map[failure.ErrorCategory]struct{}, len(b))
	for _, c := range b {
		if _, dup := seen[c]; dup {
			continue
		}
		seen[c] = struct{}{}
		if _, ok := set[c]; ok {
			intersection++
		} else {
			union++
		}
	}
	return float64(intersection) / float64(union)
}

func languageMatch(a, b string) float64 {
	if a != "" && a == b {
		return 1
	}
	return 0
}

// logSizeProximity decays with bucket distance: identical buckets score 1,
// each bucket apart halves-ish the bonus.
func logSizeProximity(a, b int) float64 {
	d := a - b
	if d < 0 {
		d = -d
	}
	return 1 / float64(1+d)
}
