package failure

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifierCategories(t *testing.T) {
	c := NewClassifier()

	tests := []struct {
		name string
		log  string
		want []ErrorCategory
	}{
		{
			name: "empty log",
			log:  "",
			want: nil,
		},
		{
			name: "npm dependency error",
			log:  "npm ERR! Could not resolve dependencies for package left-pad",
			want: []ErrorCategory{CategoryDependency},
		},
		{
			name: "go module not found",
			log:  "go mod download: module github.com/acme/widget not found",
			want: []ErrorCategory{CategoryDependency},
		},
		{
			name: "python module not found",
			log:  "ModuleNotFoundError: requests",
			want: []ErrorCategory{CategoryDependency},
		},
		{
			name: "python import error",
			log:  "ImportError: No module named 'requests'",
			want: []ErrorCategory{CategoryDependency},
		},
		{
			name: "compile error",
			log:  "main.go:14:2: undefined: frobnicate\ncompilation error",
			want: []ErrorCategory{CategoryCompile},
		},
		{
			name: "go test failure",
			log:  "--- FAIL: TestThing (0.01s)\nFAIL\texit status 1",
			want: []ErrorCategory{CategoryTest},
		},
		{
			name: "pytest assertion",
			log:  "E   AssertionError: expected 3 but got 4\n2 tests failed",
			want: []ErrorCategory{CategoryTest},
		},
		{
			name: "lint failure",
			log:  "golangci-lint run failed with 3 issues",
			want: []ErrorCategory{CategoryLint},
		},
		{
			name: "docker build failure",
			log:  "ERROR: failed to build image: error response from daemon",
			want: []ErrorCategory{CategoryDocker},
		},
		{
			name: "network timeout",
			log:  "dial tcp 10.0.0.1:443: connection refused",
			want: []ErrorCategory{CategoryTimeout},
		},
		{
			name: "deploy failure",
			log:  "helm upgrade failed: release widget-prod failed",
			want: []ErrorCategory{CategoryDeploy},
		},
		{
			name: "multiple categories in rule order",
			log:  "npm install error: network timed out\n5 tests failed",
			want: []ErrorCategory{CategoryDependency, CategoryTest, CategoryTimeout},
		},
		{
			name: "unrecognized log",
			log:  "everything is fine here, nothing to see",
			want: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, c.Categories(tt.log))
		})
	}
}

func TestClassifierLanguage(t *testing.T) {
	c := NewClassifier()

	tests := []struct {
		name string
		log  string
		want string
	}{
		{"empty", "", ""},
		{"go", "go build ./...\n# github.com/acme/widget\ngoroutine stack trace", "go"},
		{"python", "Traceback (most recent call last):\n  pytest exited 1", "python"},
		{"javascript", "npm ci failed; see node_modules and package.json", "javascript"},
		{"rust", "cargo build\nerror[E0382]: borrow checker rejected", "rust"},
		{"no indicators", "something unusual happened", ""},
		{
			"more hits wins",
			"pip install -r requirements.txt failed while running npm ",
			"python",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, c.Language(tt.log))
		})
	}
}

func TestLogBucket(t *testing.T) {
	assert.Equal(t, 0, LogBucket(0))
	assert.Equal(t, 0, LogBucket(-5))
	assert.Equal(t, 1, LogBucket(1))
	assert.Equal(t, 4, LogBucket(10))
	assert.Equal(t, 10, LogBucket(1000))
	// cap
	assert.Equal(t, 20, LogBucket(1<<25))
}

func TestClassifierExtract(t *testing.T) {
	c := NewClassifier()

	v := c.Extract("--- FAIL: TestThing\ngo test ./... exit status 1\ngo.mod")
	require.Equal(t, []ErrorCategory{CategoryTest}, v.Categories)
	assert.Equal(t, "go", v.Language)
	assert.Greater(t, v.LogBucket, 0)
	assert.False(t, v.Empty())

	assert.True(t, c.Extract("").Empty())
}

func TestRunKeyValidate(t *testing.T) {
	tests := []struct {
		name    string
		key     RunKey
		wantErr string
	}{
		{"valid", RunKey{Owner: "acme", Repo: "widget", RunID: 42}, ""},
		{"missing owner", RunKey{Repo: "widget", RunID: 42}, "owner"},
		{"missing repo", RunKey{Owner: "acme", RunID: 42}, "repo"},
		{"zero run id", RunKey{Owner: "acme", Repo: "widget"}, "run_id"},
		{"negative run id", RunKey{Owner: "acme", Repo: "widget", RunID: -1}, "run_id"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.key.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, strings.Contains(err.Error(), tt.wantErr))
		})
	}
}

func TestStateTransitionsMetadata(t *testing.T) {
	for _, s := range []State{StateNew, StatePendingReview, StateApproved, StateRejected, StateApplied, StateApplyFailed} {
		assert.True(t, s.IsValid(), string(s))
	}
	assert.False(t, State("bogus").IsValid())

	assert.False(t, StateNew.Terminal())
	assert.False(t, StatePendingReview.Terminal())
	assert.False(t, StateApproved.Terminal())
	assert.True(t, StateRejected.Terminal())
	assert.True(t, StateApplied.Terminal())
	assert.True(t, StateApplyFailed.Terminal())
}

func TestProfileApprovalRate(t *testing.T) {
	p := &Profile{}
	_, ok := p.ApprovalRate()
	assert.False(t, ok, "rate undefined with no reviews")

	p.ApprovedCount = 3
	p.RejectedCount = 1
	rate, ok := p.ApprovalRate()
	require.True(t, ok)
	assert.InDelta(t, 0.75, rate, 1e-9)
}
