package oracle

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/cifixd/internal/failure"
)

func TestNewProviderSelection(t *testing.T) {
	o, err := New(Config{Provider: "none"})
	require.NoError(t, err)
	_, err = o.GenerateFix(context.Background(), Request{})
	assert.ErrorIs(t, err, failure.ErrOracleUnavailable)

	o, err = New(Config{})
	require.NoError(t, err, "empty provider means disabled")
	_, err = o.GenerateFix(context.Background(), Request{})
	assert.ErrorIs(t, err, failure.ErrOracleUnavailable)

	_, err = New(Config{Provider: "carrier-pigeon"})
	assert.Error(t, err)

	_, err = New(Config{Provider: "openai", Model: "gpt-4o-mini"})
	assert.Error(t, err, "api key required")

	_, err = New(Config{Provider: "openai", APIKey: "sk-test"})
	assert.Error(t, err, "model required")
}

func TestBuildPrompt(t *testing.T) {
	p := buildPrompt(Request{
		Owner:        "acme",
		Repo:         "widget",
		WorkflowName: "ci",
		ErrorLog:     "ModuleNotFoundError: requests",
		Language:     "python",
		Categories:   []failure.ErrorCategory{failure.CategoryDependency, failure.CategoryTest},
	})

	assert.Contains(t, p, "acme/widget")
	assert.Contains(t, p, "Workflow: ci")
	assert.Contains(t, p, "Primary language: python")
	assert.Contains(t, p, "dependency_failure, test_failure")
	assert.Contains(t, p, "ModuleNotFoundError: requests")
}

func TestFallback(t *testing.T) {
	for _, cat := range failure.AllCategories() {
		text := Fallback([]failure.ErrorCategory{cat})
		assert.NotEmpty(t, text, string(cat))
		assert.NotEqual(t, fallbackDefault, text, string(cat))
	}

	assert.Equal(t, fallbackDefault, Fallback(nil))
	assert.Equal(t, fallbackDefault, Fallback([]failure.ErrorCategory{failure.ErrorCategory("mystery")}))

	// First category decides.
	text := Fallback([]failure.ErrorCategory{failure.CategoryLint, failure.CategoryDocker})
	assert.True(t, strings.Contains(text, "linter"))
}
