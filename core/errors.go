/*
errors.go - Centralized error types for the credit and escrow core

PURPOSE:
  All domain errors in one place. Services return these (possibly wrapped
  in a structured error carrying detail); the API layer maps them to HTTP
  status codes and reason codes.

ERROR CATEGORIES:
  1. Credit errors  - Insufficient credits, double view charge, missing rows
  2. Escrow errors  - Invalid transition, expiry, dispute already resolved
  3. Access errors  - A party with no standing attempted the action
  4. Input errors   - Malformed requests

  Anything that is NOT one of these is an infrastructure failure (storage
  unavailable, driver error). Those are wrapped with %w by the store and
  surface as a generic internal error. The atomic unit is rolled back
  either way.

USAGE:
  if errors.Is(err, core.ErrAlreadyViewed) {
      // client already paid for this property
  }

  var insufficient *core.InsufficientCreditsError
  if errors.As(err, &insufficient) {
      fmt.Println(insufficient.Required, insufficient.Available)
  }

SEE ALSO:
  - credits/service.go: Returns credit errors
  - escrow/service.go: Returns escrow errors
  - api/errors.go: HTTP mapping
*/
package core

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrInsufficientCredits is returned when a debit exceeds the available balance.
	// This is an expected business outcome, not an exception.
	ErrInsufficientCredits = errors.New("insufficient credits")

	// ErrAlreadyViewed is returned when a user tries to pay twice for the same property.
	ErrAlreadyViewed = errors.New("property already viewed")

	// ErrPackageNotFound is returned when a package id does not resolve to an active package.
	ErrPackageNotFound = errors.New("credit package not found or inactive")

	// ErrBalanceNotFound is returned when no balance row exists. Distinct from a zero balance.
	ErrBalanceNotFound = errors.New("credit balance not found")

	// ErrTransactionNotFound is returned when a refund target is missing, belongs to
	// another user, is not a usage transaction, or is not completed.
	ErrTransactionNotFound = errors.New("transaction not found")

	// ErrAlreadyRefunded is returned when a usage transaction was already refunded.
	ErrAlreadyRefunded = errors.New("transaction already refunded")

	// ErrInvalidEscrowState is returned when a transition is not allowed from the current state.
	ErrInvalidEscrowState = errors.New("invalid escrow state")

	// ErrEscrowExpired is returned when the payment deadline passed before the action.
	ErrEscrowExpired = errors.New("escrow expired")

	// ErrDisputeAlreadyResolved is returned when resolving a resolved or closed dispute.
	ErrDisputeAlreadyResolved = errors.New("dispute already resolved")

	// ErrUnauthorized is returned when the actor has no standing for the action.
	ErrUnauthorized = errors.New("unauthorized")

	ErrEscrowNotFound  = errors.New("escrow not found")
	ErrDisputeNotFound = errors.New("dispute not found")
	ErrProofNotFound   = errors.New("payment proof not found")

	// ErrInvalidInput is returned when request fields fail validation.
	ErrInvalidInput = errors.New("invalid input")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// InsufficientCreditsError reports both the required and the available amounts
// so a client UI can react without a generic error screen.
type InsufficientCreditsError struct {
	UserID    UserID
	Required  decimal.Decimal
	Available decimal.Decimal
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("insufficient credits. Required: %s, Available: %s",
		e.Required.StringFixed(2), e.Available.StringFixed(2))
}

func (e *InsufficientCreditsError) Unwrap() error {
	return ErrInsufficientCredits
}

// AlreadyViewedError identifies the property that was already paid for.
type AlreadyViewedError struct {
	UserID     UserID
	PropertyID string
}

func (e *AlreadyViewedError) Error() string {
	return fmt.Sprintf("user %s has already viewed property %s", e.UserID, e.PropertyID)
}

func (e *AlreadyViewedError) Unwrap() error {
	return ErrAlreadyViewed
}

// InvalidTransitionError describes a rejected escrow transition.
type InvalidTransitionError struct {
	EscrowID string
	From     string
	Action   string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("escrow %s: cannot %s from status %s", e.EscrowID, e.Action, e.From)
}

func (e *InvalidTransitionError) Unwrap() error {
	return ErrInvalidEscrowState
}

// Invalid wraps ErrInvalidInput with a field-level message.
func Invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrPackageNotFound) ||
		errors.Is(err, ErrBalanceNotFound) ||
		errors.Is(err, ErrTransactionNotFound) ||
		errors.Is(err, ErrEscrowNotFound) ||
		errors.Is(err, ErrDisputeNotFound) ||
		errors.Is(err, ErrProofNotFound)
}

// IsConflict returns true if the error is a state conflict the client can inspect and move past.
func IsConflict(err error) bool {
	return errors.Is(err, ErrAlreadyViewed) ||
		errors.Is(err, ErrAlreadyRefunded) ||
		errors.Is(err, ErrInvalidEscrowState) ||
		errors.Is(err, ErrDisputeAlreadyResolved)
}

// IsClientError returns true if the error is due to the request rather than the system.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidInput) ||
		errors.Is(err, ErrInsufficientCredits) ||
		errors.Is(err, ErrUnauthorized) ||
		errors.Is(err, ErrEscrowExpired) ||
		IsConflict(err)
}

// IsDomainError returns true for every error in the taxonomy above.
// Anything else is an infrastructure failure.
func IsDomainError(err error) bool {
	return IsClientError(err) || IsNotFound(err)
}
