package failure

import (
	"fmt"
	"time"
)

// State is the lifecycle state of a failure's fix recommendation.
type State string

const (
	// StateNew is the state of a freshly admitted failure, before the
	// pipeline has produced a recommendation.
	StateNew State = "new"
	// StatePendingReview means a recommendation exists and awaits a
	// human decision.
	StatePendingReview State = "pending_review"
	// StateApproved means a reviewer accepted the recommendation.
	StateApproved State = "approved"
	// StateRejected means a reviewer declined the recommendation. Terminal.
	StateRejected State = "rejected"
	// StateApplied means the approved fix was applied. Terminal.
	StateApplied State = "applied"
	// StateApplyFailed means applying the approved fix failed. Terminal
	// audit state, distinct from rejection.
	StateApplyFailed State = "apply_failed"
)

// IsValid reports whether s is a known state.
func (s State) IsValid() bool {
	switch s {
	case StateNew, StatePendingReview, StateApproved, StateRejected, StateApplied, StateApplyFailed:
		return true
	}
	return false
}

// Terminal reports whether s ends the learning loop for a fix.
func (s State) Terminal() bool {
	switch s {
	case StateRejected, StateApplied, StateApplyFailed:
		return true
	}
	return false
}

// RunKey is the natural key of a CI run failure. The triple is globally
// unique and drives idempotent admission.
type RunKey struct {
	Owner string `json:"owner"`
	Repo  string `json:"repo"`
	RunID int64  `json:"run_id"`
}

// Validate checks the key is well-formed.
func (k RunKey) Validate() error {
	if k.Owner == "" {
		return fmt.Errorf("owner cannot be empty")
	}
	if k.Repo == "" {
		return fmt.Errorf("repo cannot be empty")
	}
	if k.RunID <= 0 {
		return fmt.Errorf("run_id must be positive, got %d", k.RunID)
	}
	return nil
}

// Slug returns the "owner/repo" form.
func (k RunKey) Slug() string {
	return k.Owner + "/" + k.Repo
}

func (k RunKey) String() string {
	return fmt.Sprintf("%s/%s#%d", k.Owner, k.Repo, k.RunID)
}

// FeatureVector is the denormalized similarity-search projection of a
// failure. Empty vectors are legal (feature extraction is best-effort).
type FeatureVector struct {
	// Categories is the set of detected error categories.
	Categories []ErrorCategory `json:"categories"`

	// Language is the detected primary project language, or "" if unknown.
	Language string `json:"language"`

	// LogBucket is the log2 size bucket of the error log (0 for empty).
	LogBucket int `json:"log_bucket"`
}

// Empty reports whether no feature was extracted.
func (v FeatureVector) Empty() bool {
	return len(v.Categories) == 0 && v.Language == "" && v.LogBucket == 0
}

// Record represents one observed CI run failure.
type Record struct {
	ID           int64         `json:"id" db:"id"`
	Owner        string        `json:"owner" db:"owner"`
	Repo         string        `json:"repo" db:"repo"`
	RunID        int64         `json:"run_id" db:"run_id"`
	WorkflowName string        `json:"workflow_name" db:"workflow_name"`
	Conclusion   string        `json:"conclusion" db:"conclusion"`
	ErrorLog     string        `json:"error_log,omitempty" db:"error_log"`
	Features     FeatureVector `json:"features" db:"-"`
	State        State         `json:"state" db:"state"`
	CreatedAt    time.Time     `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at" db:"updated_at"`
}

// Key returns the record's natural key.
func (r *Record) Key() RunKey {
	return RunKey{Owner: r.Owner, Repo: r.Repo, RunID: r.RunID}
}

// GeneratedBy values recorded on a recommendation.
const (
	GeneratedByOracle   = "oracle"
	GeneratedByFallback = "fallback"
)

// Recommendation is the candidate remediation for a failure, 1:1 with a
// Record. Never deleted; retained for audit and as training data.
type Recommendation struct {
	ID          string             `json:"id" db:"id"`
	FailureID   int64              `json:"failure_id" db:"failure_id"`
	Text        string             `json:"text" db:"text"`
	Confidence  float64            `json:"confidence" db:"confidence"`
	Factors     map[string]float64 `json:"factors" db:"-"`
	State       State              `json:"state" db:"state"`
	GeneratedBy string             `json:"generated_by" db:"generated_by"`

	// ReviewComment and ReviewedAt are set on approve/reject.
	ReviewComment string     `json:"review_comment,omitempty" db:"review_comment"`
	ReviewedAt    *time.Time `json:"reviewed_at,omitempty" db:"reviewed_at"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Applied reports whether the fix reached the applied state.
func (r *Recommendation) Applied() bool {
	return r.State == StateApplied
}

// Profile is the rolling per-repository aggregate consumed by the
// confidence scorer. Counters only grow; the approval rate is recomputed,
// never accumulated.
type Profile struct {
	Owner         string `json:"owner" db:"owner"`
	Repo          string `json:"repo" db:"repo"`
	TotalFailures int64  `json:"total_failures" db:"total_failures"`
	ApprovedCount int64  `json:"approved_count" db:"approved_count"`
	RejectedCount int64  `json:"rejected_count" db:"rejected_count"`

	// Languages maps language tag to failure count.
	Languages map[string]int64 `json:"languages" db:"-"`

	// Categories maps error category to occurrence count.
	Categories map[ErrorCategory]int64 `json:"categories" db:"-"`

	LastFailureAt *time.Time `json:"last_failure_at,omitempty" db:"last_failure_at"`
}

// ApprovalRate returns approved/(approved+rejected) and whether the rate
// is defined. It is undefined until at least one terminal review exists
// (the cold-start case).
func (p *Profile) ApprovalRate() (float64, bool) {
	total := p.ApprovedCount + p.RejectedCount
	if total == 0 {
		return 0, false
	}
	return float64(p.ApprovedCount) / float64(total), true
}

// Event is one audit entry for a failure's lifecycle. Events are
// append-only and never deleted.
type Event struct {
	ID        int64     `json:"id" db:"id"`
	FailureID int64     `json:"failure_id" db:"failure_id"`
	Type      string    `json:"type" db:"event_type"`
	Actor     string    `json:"actor" db:"actor"`
	Comment   string    `json:"comment,omitempty" db:"comment"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Audit event types.
const (
	EventAdmitted    = "admitted"
	EventRecommended = "recommended"
	EventApproved    = "approved"
	EventRejected    = "rejected"
	EventApplied     = "applied"
	EventApplyFailed = "apply_failed"
)
