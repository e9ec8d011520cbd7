package memory

import (
	"errors"
	"fmt"
)

// ErrStoreUnavailable wraps backing-store failures. Search paths degrade to
// empty results on it; write paths surface it.
var ErrStoreUnavailable = errors.New("memory store unavailable")

// ErrParseFailure marks LLM output that could not be decoded. Extraction
// paths swallow it and return empty results.
var ErrParseFailure = errors.New("failed to parse model output")

// ErrTimeout marks a collaborator call that ran out its deadline.
var ErrTimeout = errors.New("operation timed out")

// DimensionMismatchError is returned when a vector's length disagrees with
// the index dimension. Fatal to that insert only.
type DimensionMismatchError struct {
	Want int
	Got  int
}

func (e *DimensionMismatchError) Error() string {
	return fmt.Sprintf("embedding dimension mismatch: index expects %d, got %d", e.Want, e.Got)
}

// IsDimensionMismatch reports whether err is a dimension mismatch.
func IsDimensionMismatch(err error) bool {
	var dm *DimensionMismatchError
	return errors.As(err, &dm)
}
