package failure

import (
	"errors"
	"fmt"
)

// Sentinel errors shared across the pipeline. Callers match them with
// errors.Is; the HTTP layer maps them onto status codes.
var (
	// ErrNotFound means the referenced failure or recommendation does
	// not exist.
	ErrNotFound = errors.New("not found")

	// ErrDuplicateRecommendation means a recommendation already exists
	// for the failure.
	ErrDuplicateRecommendation = errors.New("recommendation already exists")

	// ErrMalformedInput means an ingest payload failed validation.
	ErrMalformedInput = errors.New("malformed input")

	// ErrOracleUnavailable means the suggestion backend could not be
	// reached or returned an unusable response.
	ErrOracleUnavailable = errors.New("oracle unavailable")

	// ErrStoreUnavailable means the corpus store could not serve the
	// request after retries.
	ErrStoreUnavailable = errors.New("store unavailable")
)

// InvalidTransitionError reports a lifecycle transition that is not legal
// from the recommendation's current state.
type InvalidTransitionError struct {
	Attempted State
	Current   State
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition to %q from %q", e.Attempted, e.Current)
}

// IsInvalidTransition reports whether err wraps an InvalidTransitionError.
func IsInvalidTransition(err error) bool {
	var ite *InvalidTransitionError
	return errors.As(err, &ite)
}
