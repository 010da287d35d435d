// Package cortexerr defines the sentinel errors surfaced at the cortex
// engine boundary. Callers match kinds with errors.Is; internal code wraps
// a sentinel with context via fmt.Errorf("...: %w", ...).
package cortexerr

import "errors"

var (
	// ErrNotFound is returned when an id does not resolve to a stored record.
	ErrNotFound = errors.New("not found")

	// ErrInvalidMemory is returned when a memory fails required-field or
	// type-specific payload validation.
	ErrInvalidMemory = errors.New("invalid memory")

	// ErrArchived is returned when an update targets an archived memory
	// that has not been restored first.
	ErrArchived = errors.New("memory archived")

	// ErrConflict is returned when a mutation collides with concurrent
	// state it did not anticipate (e.g. a superseded-by race).
	ErrConflict = errors.New("conflict")

	// ErrCancelled is returned when an operation's abort signal fires
	// before completion. Storage is left unmodified.
	ErrCancelled = errors.New("cancelled")

	// ErrProviderUnavailable is returned when the embedding provider
	// cannot be reached or fails initialize().
	ErrProviderUnavailable = errors.New("embedding provider unavailable")

	// ErrStorageIO wraps a retryable or terminal storage failure.
	ErrStorageIO = errors.New("storage i/o error")

	// ErrIntegrityViolation is returned when a global invariant would be
	// broken: a supersedes cycle, a duplicate id, a dangling foreign id.
	ErrIntegrityViolation = errors.New("integrity violation")

	// ErrBudgetExceeded is returned when compression cannot fit an item
	// even at L0.
	ErrBudgetExceeded = errors.New("budget exceeded")
)

// ItemError records a per-item outcome inside a bulk operation response,
// matching the {imported, skipped, errors:[{id, error}]} shape mandated for
// bulk APIs.
type ItemError struct {
	ID    string
	Err   error
}

func (e *ItemError) Error() string {
	return e.ID + ": " + e.Err.Error()
}

func (e *ItemError) Unwrap() error { return e.Err }
