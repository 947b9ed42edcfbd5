// Package scoring turns similarity matches, repository history and
// recommendation shape into a single success-probability estimate with a
// per-factor breakdown.
package scoring

import (
	"regexp"
	"strings"

	"github.com/fyrsmithlabs/cifixd/internal/failure"
	"github.com/fyrsmithlabs/cifixd/internal/matcher"
)

// Factor names reported in the confidence breakdown.
const (
	FactorSimilarity  = "similarity_match"
	FactorRepoHistory = "repo_history"
	FactorComplexity  = "fix_complexity"
	FactorReliability = "error_type_reliability"
)

// Aggregation weights. They sum to 1, so the weighted average is a plain
// dot product.
const (
	weightSimilarity  = 0.4
	weightRepoHistory = 0.2
	weightComplexity  = 0.25
	weightReliability = 0.15
)

// coldStartHistory is the repo_history factor for repositories with no
// reviewed fixes yet.
const coldStartHistory = 0.5

// reliabilityDefault covers categories absent from the table and failures
// with no detected category.
const reliabilityDefault = 0.5

// categoryReliability maps each category to how reliably suggested fixes
// for it have historically worked out.
var categoryReliability = map[failure.ErrorCategory]float64{
	failure.CategoryLint:       0.9,
	failure.CategoryDependency: 0.8,
	failure.CategoryTest:       0.7,
	failure.CategoryCompile:    0.6,
	failure.CategoryDocker:     0.5,
	failure.CategoryDeploy:     0.5,
	failure.CategoryTimeout:    0.4,
}

// Fallback recommendations carry a confidence penalty so reviewers can
// tell a degraded suggestion from an informed one.
const (
	fallbackMultiplier = 0.6
	fallbackFloor      = 0.05
)

var stepMarker = regexp.MustCompile(`^\s*([-*]|\d+[.)])\s`)

// Scorer computes confidence estimates. The zero value is ready to use;
// scoring is pure and safe for concurrent use.
type Scorer struct{}

// New returns a Scorer.
func New() *Scorer {
	return &Scorer{}
}

// Score combines the four signals into a confidence in [0, 1] plus the
// factor breakdown. An empty match list and a cold-start profile are
// legal inputs and yield defaults rather than errors.
func (s *Scorer) Score(matches []matcher.Match, profile *failure.Profile, recommendationText string, categories []failure.ErrorCategory) (float64, map[string]float64) {
	factors := map[string]float64{
		FactorSimilarity:  topMatchScore(matches),
		FactorRepoHistory: repoHistory(profile),
		FactorComplexity:  Complexity(recommendationText),
		FactorReliability: reliability(categories),
	}

	confidence := weightSimilarity*factors[FactorSimilarity] +
		weightRepoHistory*factors[FactorRepoHistory] +
		weightComplexity*factors[FactorComplexity] +
		weightReliability*factors[FactorReliability]
	return clamp01(confidence), factors
}

// ApplyFallbackPenalty discounts the confidence of a placeholder
// recommendation produced without the oracle.
func ApplyFallbackPenalty(confidence float64) float64 {
	c := confidence * fallbackMultiplier
	if c < fallbackFloor {
		c = fallbackFloor
	}
	return clamp01(c)
}

func topMatchScore(matches []matcher.Match) float64 {
	if len(matches) == 0 {
		return 0
	}
	return clamp01(matches[0].Score)
}

func repoHistory(profile *failure.Profile) float64 {
	if profile == nil {
		return coldStartHistory
	}
	rate, ok := profile.ApprovalRate()
	if !ok {
		return coldStartHistory
	}
	return clamp01(rate)
}

// Complexity scores the shape of a recommendation in [0, 1]: short,
// single-step fixes score high, long multi-step procedures low. Strictly
// non-increasing in both length and step count.
func Complexity(text string) float64 {
	text = strings.TrimSpace(text)
	if text == "" {
		return reliabilityDefault
	}

	steps := 0
	for _, line := range strings.Split(text, "\n") {
		if stepMarker.MatchString(line) {
			steps++
		}
	}

	score := 1.0
	score -= 0.08 * float64(steps)
	switch n := len(text); {
	case n > 800:
		score -= 0.3
	case n > 400:
		score -= 0.2
	case n > 200:
		score -= 0.1
	}
	if score < 0.2 {
		score = 0.2
	}
	return score
}

// reliability reads the table for the first (highest-priority) detected
// category.
func reliability(categories []failure.ErrorCategory) float64 {
	if len(categories) == 0 {
		return reliabilityDefault
	}
	if r, ok := categoryReliability[categories[0]]; ok {
		return r
	}
	return reliabilityDefault
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
