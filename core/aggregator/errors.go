// Package aggregator implements the speculative arithmetic behind delayed
// fields: bounded u128 math, signed deltas, and the per-transaction delta
// history that the executor validates against.
package aggregator

import (
	"fmt"

	"github.com/pkg/errors"
)

// Speculative errors: recoverable at the block level, the transaction is
// simply re-executed.
var (
	// ErrInconsistentRead means a delayed-field read can no longer be
	// served consistently with what the transaction already observed.
	ErrInconsistentRead = errors.New("delayed field speculative read is inconsistent")

	// ErrNotFound means the delayed field has no entry visible to the
	// reading transaction.
	ErrNotFound = errors.New("delayed field not found")

	// ErrDeltaApplicationFailure means a delta could not be applied to
	// the base value within bounds.
	ErrDeltaApplicationFailure = errors.New("delta application failure")

	ErrOverflow  = errors.New("bounded math overflow")
	ErrUnderflow = errors.New("bounded math underflow")
)

// InvariantError reports a code invariant violation: a bug, not a
// speculation artifact. It is never retried.
type InvariantError struct {
	Msg string
}

func (e *InvariantError) Error() string {
	return "code invariant violated: " + e.Msg
}

// InvariantErrorf builds an InvariantError with a formatted message.
func InvariantErrorf(format string, args ...interface{}) error {
	return &InvariantError{Msg: fmt.Sprintf(format, args...)}
}

// IsInvariantError reports whether err (or its cause chain) is an
// invariant violation rather than a speculative error.
func IsInvariantError(err error) bool {
	var ie *InvariantError
	return errors.As(err, &ie)
}

// DependencyError asks the caller to wait for an earlier transaction
// before retrying the read.
type DependencyError struct {
	DepTxnIdx int
}

func (e *DependencyError) Error() string {
	return fmt.Sprintf("read blocked on transaction %d", e.DepTxnIdx)
}

// AsDependency extracts a DependencyError from err, if present.
func AsDependency(err error) (*DependencyError, bool) {
	var de *DependencyError
	if errors.As(err, &de) {
		return de, true
	}
	return nil, false
}
