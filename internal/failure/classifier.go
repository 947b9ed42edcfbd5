package failure

import (
	"math/bits"
	"regexp"
	"sort"
	"strings"
)

// ErrorCategory labels a class of CI failure detected in an error log.
type ErrorCategory string

const (
	CategoryDependency ErrorCategory = "dependency_failure"
	CategoryCompile    ErrorCategory = "compile_failure"
	CategoryTest       ErrorCategory = "test_failure"
	CategoryLint       ErrorCategory = "lint_failure"
	CategoryDocker     ErrorCategory = "docker_failure"
	CategoryTimeout    ErrorCategory = "infra_timeout"
	CategoryDeploy     ErrorCategory = "deploy_failure"
)

// AllCategories lists every known category in a stable order.
func AllCategories() []ErrorCategory {
	return []ErrorCategory{
		CategoryDependency,
		CategoryCompile,
		CategoryTest,
		CategoryLint,
		CategoryDocker,
		CategoryTimeout,
		CategoryDeploy,
	}
}

type categoryRule struct {
	category ErrorCategory
	patterns []*regexp.Regexp
}

// buildCategoryRules compiles the detection patterns once at package
// init. Rules are evaluated in order and every matching category is
// collected; a log can belong to several categories.
func buildCategoryRules() []categoryRule {
	compile := func(exprs ...string) []*regexp.Regexp {
		out := make([]*regexp.Regexp, 0, len(exprs))
		for _, e := range exprs {
			out = append(out, regexp.MustCompile(`(?i)`+e))
		}
		return out
	}

	return []categoryRule{
		{
			category: CategoryDependency,
			patterns: compile(
				`(npm|yarn|pip|go mod|cargo|bundle|maven|gradle)\b.*\b(err|error|failed|failure)`,
				`(module|package|dependency|requirement).*not found`,
				`(modulenotfounderror|importerror)`,
				`could not resolve dependencies`,
				`no matching distribution found`,
				`unresolved import`,
				`checksum mismatch`,
			),
		},
		{
			category: CategoryCompile,
			patterns: compile(
				`(compilation|compile|build) (error|failed)`,
				`syntax error`,
				`undefined[: ].*(reference|symbol|variable|function)`,
				`cannot find symbol`,
				`type.* is not assignable`,
				`declared (and|but) not used`,
			),
		},
		{
			category: CategoryTest,
			patterns: compile(
				`\d+ (tests? )?(failed|failing)`,
				`test(s)? failed`,
				`assertion(error| failed)`,
				`expected .* (but )?(got|was|received)`,
				`--- FAIL`,
				`panic: .*\[recovered\]`,
			),
		},
		{
			category: CategoryLint,
			patterns: compile(
				`(lint|eslint|golangci-lint|flake8|rubocop|pylint|clippy).*(error|failed|warning)`,
				`code style violation`,
				`(gofmt|goimports|prettier|black) .*(diff|failed|would reformat)`,
			),
		},
		{
			category: CategoryDocker,
			patterns: compile(
				`docker(file)?.*(error|failed)`,
				`error response from daemon`,
				`failed to (build|pull|push) (the )?image`,
				`manifest .*not found`,
				`image.*not found`,
			),
		},
		{
			category: CategoryTimeout,
			patterns: compile(
				`timed? ?out`,
				`deadline exceeded`,
				`connection (refused|reset|closed)`,
				`network (error|unreachable)`,
				`temporary failure in name resolution`,
				`rate limit(ed)? exceeded`,
				`503 service unavailable`,
			),
		},
		{
			category: CategoryDeploy,
			patterns: compile(
				`deploy(ment)?.*(error|failed)`,
				`(helm|kubectl|kubernetes|terraform).*(error|failed)`,
				`rollout.*failed`,
				`release .*failed`,
			),
		},
	}
}

var categoryRules = buildCategoryRules()

// languageIndicators maps a language tag to log tokens that suggest it.
// Detection is scored, not first-match: the tag with the most distinct
// indicator hits wins, ties broken alphabetically for determinism.
var languageIndicators = map[string][]string{
	"go":         {"go.mod", "go.sum", "go build", "go test", "goroutine", "golang", "go vet", "--- fail"},
	"python":     {"pip install", "requirements.txt", "traceback (most recent call last)", "pytest", "setup.py", "pyproject.toml", ".py\"", "modulenotfounderror"},
	"javascript": {"npm ", "yarn ", "node_modules", "package.json", "package-lock.json", "eslint", "webpack", "jest"},
	"java":       {"maven", "gradle", "pom.xml", "java.lang.", "mvn ", "cannot find symbol", ".java:"},
	"rust":       {"cargo ", "cargo.toml", "rustc", "clippy", "borrow checker", ".rs:"},
	"ruby":       {"gemfile", "bundle install", "rubocop", "rspec", ".rb:"},
	"csharp":     {"dotnet ", ".csproj", "nuget", "msbuild", ".cs("},
	"php":        {"composer ", "composer.json", "phpunit", "php fatal error"},
	"docker":     {"dockerfile", "docker build", "docker push", "docker-compose"},
}

// Classifier derives the feature vector of a failure from its error log.
// The zero value is not usable; use NewClassifier.
type Classifier struct {
	rules []categoryRule
}

// NewClassifier returns a classifier with the built-in rule set.
func NewClassifier() *Classifier {
	return &Classifier{rules: categoryRules}
}

// Extract computes the feature vector for the given error log. It never
// fails: an empty or unrecognized log yields an empty vector.
func (c *Classifier) Extract(errorLog string) FeatureVector {
	return FeatureVector{
		Categories: c.Categories(errorLog),
		Language:   c.Language(errorLog),
		LogBucket:  LogBucket(len(errorLog)),
	}
}

// Categories returns the set of categories whose patterns match the log,
// in rule order.
func (c *Classifier) Categories(errorLog string) []ErrorCategory {
	if errorLog == "" {
		return nil
	}
	var out []ErrorCategory
	for _, rule := range c.rules {
		for _, re := range rule.patterns {
			if re.MatchString(errorLog) {
				out = append(out, rule.category)
				break
			}
		}
	}
	return out
}

// Language returns the most likely project language tag, or "" when no
// indicator matches.
func (c *Classifier) Language(errorLog string) string {
	if errorLog == "" {
		return ""
	}
	lower := strings.ToLower(errorLog)

	best := ""
	bestHits := 0
	tags := make([]string, 0, len(languageIndicators))
	for tag := range languageIndicators {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	for _, tag := range tags {
		hits := 0
		for _, ind := range languageIndicators[tag] {
			if strings.Contains(lower, ind) {
				hits++
			}
		}
		if hits > bestHits {
			best = tag
			bestHits = hits
		}
	}
	return best
}

// LogBucket maps an error-log byte length onto a log2 size bucket.
// Empty logs land in bucket 0; buckets are capped so pathological logs
// stay comparable.
func LogBucket(n int) int {
	if n <= 0 {
		return 0
	}
	b := bits.Len(uint(n))
	if b > 20 {
		b = 20
	}
	return b
}
