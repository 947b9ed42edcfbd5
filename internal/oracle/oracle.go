// Package oracle produces recommendation text for a failure. The primary
// backend is an OpenAI-compatible model reached through langchaingo; it is
// best-effort, and every failure path degrades to a static per-category
// fallback so fix creation never blocks on the model.
package oracle

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/fyrsmithlabs/cifixd/internal/failure"
)

// Request carries the failure context handed to the oracle.
type Request struct {
	Owner        string
	Repo         string
	WorkflowName string
	ErrorLog     string
	Language     string
	Categories   []failure.ErrorCategory
}

// Oracle generates fix recommendation text.
type Oracle interface {
	// GenerateFix returns recommendation text for the failure. Errors are
	// reported as failure.ErrOracleUnavailable wrappings; callers fall
	// back to Fallback.
	GenerateFix(ctx context.Context, req Request) (string, error)
}

// Config holds oracle settings.
type Config struct {
	// Provider selects the backend: "openai" or "none".
	Provider string

	// Model is the model name requested from the provider.
	Model string

	// APIKey authenticates against the provider.
	APIKey string

	// BaseURL overrides the provider endpoint; empty means the provider
	// default.
	BaseURL string

	// Timeout bounds a single generation call.
	Timeout time.Duration
}

// New builds the oracle selected by cfg.Provider. Provider "none" yields
// an oracle that always reports unavailability, which keeps the pipeline
// on the fallback path without special-casing.
func New(cfg Config) (Oracle, error) {
	switch cfg.Provider {
	case "none", "":
		return disabled{}, nil
	case "openai":
		return newLLMOracle(cfg)
	default:
		return nil, fmt.Errorf("unknown oracle provider %q", cfg.Provider)
	}
}

type disabled struct{}

func (disabled) GenerateFix(context.Context, Request) (string, error) {
	return "", fmt.Errorf("oracle disabled: %w", failure.ErrOracleUnavailable)
}

// llmOracle generates suggestions with an OpenAI-compatible chat model.
type llmOracle struct {
	llm     llms.Model
	timeout time.Duration
}

func newLLMOracle(cfg Config) (*llmOracle, error) {
	if cfg.Model == "" {
		return nil, fmt.Errorf("oracle model cannot be empty")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("oracle api key cannot be empty")
	}

	opts := []openai.Option{
		openai.WithModel(cfg.Model),
		openai.WithToken(cfg.APIKey),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
	}

	llm, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("creating OpenAI client: %w", err)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &llmOracle{llm: llm, timeout: timeout}, nil
}

func (o *llmOracle) GenerateFix(ctx context.Context, req Request) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	text, err := llms.GenerateFromSinglePrompt(ctx, o.llm, buildPrompt(req),
		llms.WithTemperature(0.2),
		llms.WithMaxTokens(512),
	)
	if err != nil {
		return "", fmt.Errorf("generation failed: %w: %w", failure.ErrOracleUnavailable, err)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "", fmt.Errorf("empty generation: %w", failure.ErrOracleUnavailable)
	}
	return text, nil
}

func buildPrompt(req Request) string {
	var b strings.Builder
	b.WriteString("You are a CI failure analyst. Propose a concrete, minimal fix for the failing workflow run below.\n")
	fmt.Fprintf(&b, "Repository: %s/%s\n", req.Owner, req.Repo)
	if req.WorkflowName != "" {
		fmt.Fprintf(&b, "Workflow: %s\n", req.WorkflowName)
	}
	if req.Language != "" {
		fmt.Fprintf(&b, "Primary language: %s\n", req.Language)
	}
	if len(req.Categories) > 0 {
		names := make([]string, len(req.Categories))
		for i, c := range req.Categories {
			names[i] = string(c)
		}
		fmt.Fprintf(&b, "Detected categories: %s\n", strings.Join(names, ", "))
	}
	b.WriteString("Error log:\n")
	b.WriteString(req.ErrorLog)
	b.WriteString("\nRespond with the fix steps only, no preamble.")
	return b.String()
}

// fallbackText maps each category to static guidance used when the oracle
// is unavailable.
var fallbackText = map[failure.ErrorCategory]string{
	failure.CategoryDependency: "Verify the failing dependency's version exists in the registry, update the lock file, and clear the dependency cache before retrying.",
	failure.CategoryCompile:    "Review the compiler output for the first reported error, fix it, and rebuild; later errors are usually cascades of the first.",
	failure.CategoryTest:       "Run the failing test locally with verbose output; if it passes in isolation, check for shared state or ordering assumptions between tests.",
	failure.CategoryLint:       "Run the linter locally with auto-fix enabled and commit the resulting changes.",
	failure.CategoryDocker:     "Check the base image tag still exists and that the build context includes every file the Dockerfile copies.",
	failure.CategoryTimeout:    "Retry the run; if timeouts persist, check the availability of external services the job reaches and raise the step timeout.",
	failure.CategoryDeploy:     "Inspect the deployment tool's error output, verify cluster credentials and target environment state, then re-run the deploy step.",
}

const fallbackDefault = "Inspect the error log for the first failing step, reproduce it locally, and address the root cause before re-running the workflow."

// Fallback returns placeholder recommendation text for the failure's
// highest-priority category.
func Fallback(categories []failure.ErrorCategory) string {
	if len(categories) > 0 {
		if text, ok := fallbackText[categories[0]]; ok {
			return text
		}
	}
	return fallbackDefault
}
