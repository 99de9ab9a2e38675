// Package errs defines the failure taxonomy shared by the engagement engines.
// Engines wrap these sentinels with context via fmt.Errorf("...: %w", ...) and
// callers classify them with errors.Is.
package errs

import "errors"

var (
	// ErrNotFound reports an unknown entity identifier.
	ErrNotFound = errors.New("engagement: not found")

	// ErrUnauthorized reports a failed role or ownership check.
	ErrUnauthorized = errors.New("engagement: unauthorized")

	// ErrInvalidState reports an operation that is not valid for the
	// entity's current lifecycle state, e.g. voting after the deadline.
	ErrInvalidState = errors.New("engagement: invalid state")

	// ErrValidation reports malformed or out-of-range input.
	ErrValidation = errors.New("engagement: validation failed")

	// ErrInsufficientBalance reports a point debit exceeding the balance.
	ErrInsufficientBalance = errors.New("engagement: insufficient balance")

	// ErrConflict reports concurrent-write contention after retries were
	// exhausted. All engine operations are safe to retry on this error.
	ErrConflict = errors.New("engagement: write conflict")
)
