package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/cifixd/internal/corpus"
	"github.com/fyrsmithlabs/cifixd/internal/failure"
	"github.com/fyrsmithlabs/cifixd/internal/ingest"
)

type stubIngestor struct {
	rec      *failure.Record
	admitted bool
	err      error
}

func (s *stubIngestor) Ingest(_ context.Context, req ingest.Request) (*failure.Record, bool, error) {
	if s.err != nil {
		return nil, false, s.err
	}
	if err := req.Validate(); err != nil {
		return nil, false, err
	}
	return s.rec, s.admitted, nil
}

type stubLifecycle struct {
	rec     *failure.Recommendation
	pending []*failure.Recommendation
	err     error
}

func (s *stubLifecycle) result() (*failure.Recommendation, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.rec, nil
}

func (s *stubLifecycle) Get(context.Context, string) (*failure.Recommendation, error) {
	return s.result()
}

func (s *stubLifecycle) GetPending(context.Context, int, int) ([]*failure.Recommendation, error) {
	return s.pending, s.err
}

func (s *stubLifecycle) Approve(context.Context, string, string) (*failure.Recommendation, error) {
	return s.result()
}

func (s *stubLifecycle) Reject(context.Context, string, string) (*failure.Recommendation, error) {
	return s.result()
}

func (s *stubLifecycle) MarkApplied(context.Context, string, bool) (*failure.Recommendation, error) {
	return s.result()
}

type stubProfiles struct {
	profile *failure.Profile
	err     error
}

func (s *stubProfiles) GetProfile(_ context.Context, owner, repo string) (*failure.Profile, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &failure.Profile{Owner: owner, Repo: repo}, nil
}

type stubCorpus struct {
	stats   *corpus.DashboardStats
	events  []*failure.Event
	pingErr error
	err     error
}

func (s *stubCorpus) DashboardStats(context.Context) (*corpus.DashboardStats, error) {
	return s.stats, s.err
}

func (s *stubCorpus) ListEvents(context.Context, int64) ([]*failure.Event, error) {
	return s.events, s.err
}

func (s *stubCorpus) Ping(context.Context) error { return s.pingErr }

type fixture struct {
	server    *Server
	ingestor  *stubIngestor
	lifecycle *stubLifecycle
	corpus    *stubCorpus
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		ingestor: &stubIngestor{
			rec:      &failure.Record{ID: 1, Owner: "acme", Repo: "widget", RunID: 100},
			admitted: true,
		},
		lifecycle: &stubLifecycle{
			rec: &failure.Recommendation{ID: "fix-1", FailureID: 1, State: failure.StatePendingReview},
		},
		corpus: &stubCorpus{stats: &corpus.DashboardStats{TotalFailures: 3}},
	}
	srv, err := NewServer(f.ingestor, f.lifecycle, &stubProfiles{}, f.corpus, nil, Config{})
	require.NoError(t, err)
	f.server = srv
	return f
}

func (f *fixture) do(method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set(echoContentType, "application/json")
	}
	rr := httptest.NewRecorder()
	f.server.echo.ServeHTTP(rr, req)
	return rr
}

const echoContentType = "Content-Type"

func TestHealth(t *testing.T) {
	f := newFixture(t)

	rr := f.do(http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rr.Code)

	f.corpus.pingErr = failure.ErrStoreUnavailable
	rr = f.do(http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

func TestIngestEndpoint(t *testing.T) {
	f := newFixture(t)

	rr := f.do(http.MethodPost, "/api/v1/ingest",
		`{"owner":"acme","repo":"widget","run_id":100,"error_log":"boom"}`)
	require.Equal(t, http.StatusCreated, rr.Code)

	var resp IngestResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.True(t, resp.Admitted)
	assert.Equal(t, int64(1), resp.Failure.ID)

	// Duplicate delivery reads as 200, not 201.
	f.ingestor.admitted = false
	rr = f.do(http.MethodPost, "/api/v1/ingest",
		`{"owner":"acme","repo":"widget","run_id":100,"error_log":"boom"}`)
	assert.Equal(t, http.StatusOK, rr.Code)

	// Malformed payload maps to 400.
	rr = f.do(http.MethodPost, "/api/v1/ingest", `{"owner":"","repo":"widget","run_id":100}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestReviewEndpoints(t *testing.T) {
	f := newFixture(t)

	rr := f.do(http.MethodPost, "/api/v1/fixes/fix-1/approve", `{"comment":"looks right"}`)
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = f.do(http.MethodPost, "/api/v1/fixes/fix-1/reject", `{"comment":"nope"}`)
	assert.Equal(t, http.StatusOK, rr.Code)

	// A lost CAS race maps to 409.
	f.lifecycle.err = &failure.InvalidTransitionError{
		Attempted: failure.StateRejected,
		Current:   failure.StateApproved,
	}
	rr = f.do(http.MethodPost, "/api/v1/fixes/fix-1/reject", `{"comment":"nope"}`)
	assert.Equal(t, http.StatusConflict, rr.Code)

	f.lifecycle.err = failure.ErrNotFound
	rr = f.do(http.MethodPost, "/api/v1/fixes/missing/approve", `{"comment":"x"}`)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	f.lifecycle.err = failure.ErrStoreUnavailable
	rr = f.do(http.MethodPost, "/api/v1/fixes/fix-1/approve", `{"comment":"x"}`)
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

func TestApplyEndpoint(t *testing.T) {
	f := newFixture(t)
	f.lifecycle.rec = &failure.Recommendation{ID: "fix-1", State: failure.StateApplied}

	rr := f.do(http.MethodPost, "/api/v1/fixes/fix-1/apply", `{"succeeded":true}`)
	require.Equal(t, http.StatusOK, rr.Code)

	var rec failure.Recommendation
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &rec))
	assert.Equal(t, failure.StateApplied, rec.State)
}

func TestPendingFixes(t *testing.T) {
	f := newFixture(t)

	rr := f.do(http.MethodGet, "/api/v1/fixes/pending", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "[]\n", rr.Body.String(), "empty list, not null")

	f.lifecycle.pending = []*failure.Recommendation{{ID: "fix-1"}, {ID: "fix-2"}}
	rr = f.do(http.MethodGet, "/api/v1/fixes/pending?limit=10", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var fixes []*failure.Recommendation
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &fixes))
	assert.Len(t, fixes, 2)
}

func TestProfileEndpoint(t *testing.T) {
	f := newFixture(t)

	rr := f.do(http.MethodGet, "/api/v1/repos/acme/widget/profile", "")
	require.Equal(t, http.StatusOK, rr.Code)

	var p failure.Profile
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &p))
	assert.Equal(t, "acme", p.Owner)
	assert.Equal(t, "widget", p.Repo)
}

func TestDashboardEndpoint(t *testing.T) {
	f := newFixture(t)

	rr := f.do(http.MethodGet, "/api/v1/dashboard", "")
	require.Equal(t, http.StatusOK, rr.Code)

	var stats corpus.DashboardStats
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &stats))
	assert.Equal(t, int64(3), stats.TotalFailures)
}

func TestEventsEndpoint(t *testing.T) {
	f := newFixture(t)
	f.corpus.events = []*failure.Event{{ID: 1, FailureID: 7, Type: failure.EventAdmitted}}

	rr := f.do(http.MethodGet, "/api/v1/failures/7/events", "")
	require.Equal(t, http.StatusOK, rr.Code)

	rr = f.do(http.MethodGet, "/api/v1/failures/not-a-number/events", "")
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t)
	rr := f.do(http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rr.Code)
}
