package ir

import (
	"errors"
	"fmt"
)

// InvariantError reports a broken bookkeeping invariant: the store is in a
// state the pipeline can never legally produce. Stages abort on it rather
// than carry on over corrupted state.
type InvariantError struct {
	Code    InvariantCode
	Message string
	Op      Hash
	Details map[string]string
}

// InvariantCode categorizes invariant violations.
type InvariantCode string

const (
	// InvariantCausalOrder: an integrated op precedes one of its prerequisites.
	InvariantCausalOrder InvariantCode = "CAUSAL_ORDER"

	// InvariantScopeStatus: an op's status disagrees with its scope.
	InvariantScopeStatus InvariantCode = "SCOPE_STATUS"

	// InvariantMissingData: an integrated op has no element data.
	InvariantMissingData InvariantCode = "MISSING_DATA"

	// InvariantRegression: a write would move an op backwards.
	InvariantRegression InvariantCode = "REGRESSION"
)

func (e *InvariantError) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("%s: %s (op=%s)", e.Code, e.Message, e.Op.Short())
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// IsInvariant reports whether err wraps an *InvariantError.
func IsInvariant(err error) bool {
	var ie *InvariantError
	return errors.As(err, &ie)
}
