package matcher

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/cifixd/internal/failure"
)

type stubSource struct {
	records []*failure.Record
	err     error
}

func (s *stubSource) ListCandidates(_ context.Context, exclude int64, limit int) ([]*failure.Record, error) {
	if s.err != nil {
		return nil, s.err
	}
	out := make([]*failure.Record, 0, len(s.records))
	for _, r := range s.records {
		if r.ID == exclude {
			continue
		}
		out = append(out, r)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func record(id int64, createdAt time.Time, fv failure.FeatureVector) *failure.Record {
	return &failure.Record{ID: id, Owner: "acme", Repo: "widget", RunID: id, Features: fv, CreatedAt: createdAt}
}

func TestScore(t *testing.T) {
	depTest := failure.FeatureVector{
		Categories: []failure.ErrorCategory{failure.CategoryDependency, failure.CategoryTest},
		Language:   "go",
		LogBucket:  8,
	}

	tests := []struct {
		name      string
		query     failure.FeatureVector
		candidate failure.FeatureVector
		want      float64
	}{
		{
			name:      "identical vectors",
			query:     depTest,
			candidate: depTest,
			want:      1.0,
		},
		{
			name:  "half category overlap, same language and bucket",
			query: depTest,
			candidate: failure.FeatureVector{
				Categories: []failure.ErrorCategory{failure.CategoryDependency},
				Language:   "go",
				LogBucket:  8,
			},
			// 0.6*0.5 + 0.25*1 + 0.15*1
			want: 0.7,
		},
		{
			name:  "no categories on candidate",
			query: depTest,
			candidate: failure.FeatureVector{
				Language:  "python",
				LogBucket: 8,
			},
			// 0.6*0 + 0.25*0 + 0.15*1
			want: 0.15,
		},
		{
			name:  "bucket two apart",
			query: failure.FeatureVector{LogBucket: 8},
			candidate: failure.FeatureVector{
				LogBucket: 10,
			},
			want: 0.15 / 3,
		},
		{
			name:      "empty language never matches empty",
			query:     failure.FeatureVector{LogBucket: 1},
			candidate: failure.FeatureVector{LogBucket: 1},
			want:      0.15,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, Score(tt.query, tt.candidate), 1e-9)
		})
	}
}

func TestFindSimilarRankingAndTieBreak(t *testing.T) {
	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	goTest := failure.FeatureVector{
		Categories: []failure.ErrorCategory{failure.CategoryTest},
		Language:   "go",
		LogBucket:  6,
	}
	src := &stubSource{records: []*failure.Record{
		// Perfect match, older.
		record(1, base, goTest),
		// Perfect match, newer: wins the tie.
		record(2, base.Add(time.Hour), goTest),
		// Weaker match.
		record(3, base.Add(2*time.Hour), failure.FeatureVector{
			Categories: []failure.ErrorCategory{failure.CategoryDependency},
			Language:   "go",
			LogBucket:  6,
		}),
	}}

	m, err := New(src, DefaultConfig(), nil)
	require.NoError(t, err)

	matches := m.FindSimilar(context.Background(), goTest, 0, 3)
	require.Len(t, matches, 3)
	assert.Equal(t, int64(2), matches[0].FailureID)
	assert.Equal(t, int64(1), matches[1].FailureID)
	assert.Equal(t, int64(3), matches[2].FailureID)
	assert.InDelta(t, 1.0, matches[0].Score, 1e-9)
	assert.Greater(t, matches[1].Score, matches[2].Score)

	// Same snapshot, same inputs, same ranking.
	again := m.FindSimilar(context.Background(), goTest, 0, 3)
	assert.Equal(t, matches, again)

	// k truncates.
	top := m.FindSimilar(context.Background(), goTest, 0, 1)
	require.Len(t, top, 1)
	assert.Equal(t, int64(2), top[0].FailureID)
}

func TestFindSimilarExcludesSelf(t *testing.T) {
	fv := failure.FeatureVector{Categories: []failure.ErrorCategory{failure.CategoryLint}, Language: "go", LogBucket: 4}
	src := &stubSource{records: []*failure.Record{record(42, time.Now(), fv)}}

	m, err := New(src, DefaultConfig(), nil)
	require.NoError(t, err)

	assert.Empty(t, m.FindSimilar(context.Background(), fv, 42, 5))
}

func TestFindSimilarDegradesGracefully(t *testing.T) {
	fv := failure.FeatureVector{Language: "go", LogBucket: 4}

	m, err := New(&stubSource{err: errors.New("store down")}, DefaultConfig(), nil)
	require.NoError(t, err)
	assert.Empty(t, m.FindSimilar(context.Background(), fv, 0, 5))

	m, err = New(&stubSource{}, DefaultConfig(), nil)
	require.NoError(t, err)
	assert.Empty(t, m.FindSimilar(context.Background(), fv, 0, 5), "empty corpus")
	assert.Empty(t, m.FindSimilar(context.Background(), failure.FeatureVector{}, 0, 5), "empty query vector")
}

func TestNewValidation(t *testing.T) {
	_, err := New(nil, DefaultConfig(), nil)
	assert.Error(t, err)

	m, err := New(&stubSource{}, Config{}, nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().TopK, m.cfg.TopK)
	assert.Equal(t, DefaultConfig().MaxCandidates, m.cfg.MaxCandidates)
}
