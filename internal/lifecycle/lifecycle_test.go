package lifecycle

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/cifixd/internal/failure"
)

type mockStore struct {
	mu       sync.Mutex
	failures map[int64]*failure.Record
	recs     map[string]*failure.Recommendation
	byFail   map[int64]string
	events   []*failure.Event
}

func newMockStore() *mockStore {
	return &mockStore{
		failures: make(map[int64]*failure.Record),
		recs:     make(map[string]*failure.Recommendation),
		byFail:   make(map[int64]string),
	}
}

func (m *mockStore) addFailure(id int64) *failure.Record {
	rec := &failure.Record{ID: id, Owner: "acme", Repo: "widget", RunID: id, State: failure.StateNew}
	m.failures[id] = rec
	return rec
}

func (m *mockStore) GetFailure(_ context.Context, id int64) (*failure.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if f, ok := m.failures[id]; ok {
		return f, nil
	}
	return nil, failure.ErrNotFound
}

func (m *mockStore) GetRecommendation(_ context.Context, id string) (*failure.Recommendation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.recs[id]; ok {
		cp := *r
		return &cp, nil
	}
	return nil, failure.ErrNotFound
}

func (m *mockStore) GetRecommendationByFailure(_ context.Context, failureID int64) (*failure.Recommendation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.byFail[failureID]; ok {
		cp := *m.recs[id]
		return &cp, nil
	}
	return nil, failure.ErrNotFound
}

func (m *mockStore) InsertRecommendationIfAbsent(_ context.Context, rec *failure.Recommendation) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byFail[rec.FailureID]; ok {
		return false, nil
	}
	cp := *rec
	m.recs[rec.ID] = &cp
	m.byFail[rec.FailureID] = rec.ID
	return true, nil
}

func (m *mockStore) TransitionRecommendation(_ context.Context, id string, from, to failure.State, comment string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.recs[id]
	if !ok || r.State != from {
		return false, nil
	}
	r.State = to
	r.UpdatedAt = at
	if to == failure.StateApproved || to == failure.StateRejected {
		r.ReviewComment = comment
		t := at
		r.ReviewedAt = &t
	}
	if f, ok := m.failures[r.FailureID]; ok {
		f.State = to
	}
	return true, nil
}

func (m *mockStore) ListRecommendationsByState(_ context.Context, state failure.State, limit, _ int) ([]*failure.Recommendation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*failure.Recommendation
	for _, r := range m.recs {
		if r.State == state && len(out) < limit {
			cp := *r
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *mockStore) InsertEvent(_ context.Context, ev *failure.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	return nil
}

func (m *mockStore) eventTypes() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.events))
	for i, ev := range m.events {
		out[i] = ev.Type
	}
	return out
}

type mockLearner struct {
	mu       sync.Mutex
	outcomes []bool
}

func (m *mockLearner) RecordOutcome(_ context.Context, _, _ string, approved bool) (*failure.Profile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outcomes = append(m.outcomes, approved)
	return &failure.Profile{}, nil
}

func newTestManager(t *testing.T) (*Manager, *mockStore, *mockLearner) {
	t.Helper()
	store := newMockStore()
	learner := &mockLearner{}
	m, err := New(store, learner, nil)
	require.NoError(t, err)
	return m, store, learner
}

func TestCreate(t *testing.T) {
	m, store, _ := newTestManager(t)
	ctx := context.Background()
	f := store.addFailure(1)

	rec, err := m.Create(ctx, f, "pin the version", 0.7, map[string]float64{"similarity_match": 0.9}, failure.GeneratedByOracle)
	require.NoError(t, err)
	assert.Equal(t, failure.StatePendingReview, rec.State)
	assert.NotEmpty(t, rec.ID)
	assert.Equal(t, []string{failure.EventRecommended}, store.eventTypes())

	// Re-entry returns the existing recommendation, no new row.
	again, err := m.Create(ctx, f, "different text", 0.2, nil, failure.GeneratedByFallback)
	require.NoError(t, err)
	assert.Equal(t, rec.ID, again.ID)
	assert.Equal(t, "pin the version", again.Text)
	assert.Len(t, store.recs, 1)
}

func TestCreateValidation(t *testing.T) {
	m, store, _ := newTestManager(t)
	ctx := context.Background()
	f := store.addFailure(1)

	_, err := m.Create(ctx, nil, "x", 0.5, nil, failure.GeneratedByOracle)
	assert.Error(t, err)

	_, err = m.Create(ctx, f, "", 0.5, nil, failure.GeneratedByOracle)
	assert.Error(t, err)

	_, err = m.Create(ctx, f, "x", 1.5, nil, failure.GeneratedByOracle)
	assert.Error(t, err)

	_, err = m.Create(ctx, f, "x", 0.5, map[string]float64{"repo_history": -0.1}, failure.GeneratedByOracle)
	assert.Error(t, err)
}

func TestApproveRejectRace(t *testing.T) {
	m, store, learner := newTestManager(t)
	ctx := context.Background()
	f := store.addFailure(1)
	rec, err := m.Create(ctx, f, "fix it", 0.5, nil, failure.GeneratedByOracle)
	require.NoError(t, err)

	approved, err := m.Approve(ctx, rec.ID, "looks right")
	require.NoError(t, err)
	assert.Equal(t, failure.StateApproved, approved.State)
	assert.Equal(t, "looks right", approved.ReviewComment)
	require.NotNil(t, approved.ReviewedAt)
	assert.Equal(t, []bool{true}, learner.outcomes)

	// The competing reject loses with InvalidTransition.
	_, err = m.Reject(ctx, rec.ID, "nope")
	require.Error(t, err)
	assert.True(t, failure.IsInvalidTransition(err))
	var ite *failure.InvalidTransitionError
	require.ErrorAs(t, err, &ite)
	assert.Equal(t, failure.StateRejected, ite.Attempted)
	assert.Equal(t, failure.StateApproved, ite.Current)

	// Identical retry of the winning decision is a no-op without a
	// second learner update.
	again, err := m.Approve(ctx, rec.ID, "looks right")
	require.NoError(t, err)
	assert.Equal(t, failure.StateApproved, again.State)
	assert.Equal(t, []bool{true}, learner.outcomes)

	// Same target, different comment, after commit: state mismatch.
	_, err = m.Approve(ctx, rec.ID, "actually wait")
	assert.True(t, failure.IsInvalidTransition(err))

	// The parent failure mirrors the state.
	assert.Equal(t, failure.StateApproved, store.failures[1].State)
	assert.Contains(t, store.eventTypes(), failure.EventApproved)
}

func TestReject(t *testing.T) {
	m, store, learner := newTestManager(t)
	ctx := context.Background()
	f := store.addFailure(1)
	rec, err := m.Create(ctx, f, "fix it", 0.5, nil, failure.GeneratedByOracle)
	require.NoError(t, err)

	rejected, err := m.Reject(ctx, rec.ID, "wrong root cause")
	require.NoError(t, err)
	assert.Equal(t, failure.StateRejected, rejected.State)
	assert.Equal(t, []bool{false}, learner.outcomes)
	assert.Contains(t, store.eventTypes(), failure.EventRejected)
}

func TestMarkApplied(t *testing.T) {
	m, store, _ := newTestManager(t)
	ctx := context.Background()
	f := store.addFailure(1)
	rec, err := m.Create(ctx, f, "fix it", 0.5, nil, failure.GeneratedByOracle)
	require.NoError(t, err)

	// Not legal from pending_review.
	_, err = m.MarkApplied(ctx, rec.ID, true)
	assert.True(t, failure.IsInvalidTransition(err))

	_, err = m.Approve(ctx, rec.ID, "ok")
	require.NoError(t, err)

	applied, err := m.MarkApplied(ctx, rec.ID, true)
	require.NoError(t, err)
	assert.Equal(t, failure.StateApplied, applied.State)
	assert.Equal(t, "ok", applied.ReviewComment, "review metadata preserved")

	// Idempotent retry.
	again, err := m.MarkApplied(ctx, rec.ID, true)
	require.NoError(t, err)
	assert.Equal(t, failure.StateApplied, again.State)

	// Terminal: the failed-apply variant now mismatches.
	_, err = m.MarkApplied(ctx, rec.ID, false)
	assert.True(t, failure.IsInvalidTransition(err))
	assert.Contains(t, store.eventTypes(), failure.EventApplied)
}

func TestMarkApplyFailed(t *testing.T) {
	m, store, _ := newTestManager(t)
	ctx := context.Background()
	f := store.addFailure(1)
	rec, err := m.Create(ctx, f, "fix it", 0.5, nil, failure.GeneratedByOracle)
	require.NoError(t, err)
	_, err = m.Approve(ctx, rec.ID, "ok")
	require.NoError(t, err)

	failed, err := m.MarkApplied(ctx, rec.ID, false)
	require.NoError(t, err)
	assert.Equal(t, failure.StateApplyFailed, failed.State)
	assert.Contains(t, store.eventTypes(), failure.EventApplyFailed)
}

func TestGetPending(t *testing.T) {
	m, store, _ := newTestManager(t)
	ctx := context.Background()

	for i := int64(1); i <= 3; i++ {
		f := store.addFailure(i)
		_, err := m.Create(ctx, f, "fix it", 0.5, nil, failure.GeneratedByOracle)
		require.NoError(t, err)
	}

	pending, err := m.GetPending(ctx, 0, 0)
	require.NoError(t, err)
	assert.Len(t, pending, 3)

	_, err = m.Get(ctx, "missing")
	assert.ErrorIs(t, err, failure.ErrNotFound)
}
