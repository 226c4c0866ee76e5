/*
errors.go - Centralized error types for the points engine

PURPOSE:
  All error values in one place for consistency and discoverability.
  Domain packages wrap these with additional context.

ERROR CATEGORIES:
  1. Validation errors - malformed drafts, rejected before any mutation
  2. Balance errors    - spend exceeds available points
  3. Store errors      - persistence failures (retryable; a rolled-back
     transaction leaves no partial state)
*/
package ledger

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrInvalidEntry is returned when a draft fails validation
	// (zero amount, or sign disagreeing with the kind). Nothing is written.
	ErrInvalidEntry = errors.New("invalid ledger entry")

	// ErrInsufficientBalance is returned when a spend exceeds the user's
	// current balance. Expected and frequent; callers should surface a
	// specific message, not a generic failure.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrDuplicateIdempotencyKey is returned when a uniqueness-claimed
	// write already exists. Expected behavior for retries.
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")

	// ErrStoreRequired is returned when an operation needs an extended
	// store capability the configured store does not provide.
	ErrStoreRequired = errors.New("operation requires extended store interface")

	// ErrUserNotFound is returned by reads for users with no ledger history
	// where the caller asked for strict existence. GetBalance does not use
	// it: a user with no entries simply has balance zero.
	ErrUserNotFound = errors.New("user not found")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ValidationError reports a malformed entry draft.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid entry: %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrInvalidEntry }

// InsufficientBalanceError provides details about a balance shortage.
type InsufficientBalanceError struct {
	UserID    UserID
	Available int64
	Requested int64
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance for %s: available %d, requested %d",
		e.UserID, e.Available, e.Requested)
}

func (e *InsufficientBalanceError) Unwrap() error { return ErrInsufficientBalance }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsClientError reports whether the error is due to invalid caller input
// rather than a storage fault.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidEntry) ||
		errors.Is(err, ErrInsufficientBalance) ||
		errors.Is(err, ErrDuplicateIdempotencyKey)
}

// IsRetryable reports whether the operation might succeed if retried.
// Storage failures leave no partial state, so retries are always safe.
func IsRetryable(err error) bool {
	return err != nil && !IsClientError(err)
}
