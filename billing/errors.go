/*
errors.go - Caller-visible error taxonomy for the billing ledger

PURPOSE:
  All domain errors in one place for consistency and discoverability.
  Every error here is recoverable: the caller corrects its input (longer
  reason, valid transition, smaller payment) and retries. Storage-layer
  failures are wrapped separately and surface as generic internal errors.

ERROR CATEGORIES:
  1. Generation errors - eligibility, uniqueness, pricing
  2. State machine errors - illegal transitions, missing privilege
  3. Ledger/payment errors - reason validation, overpayment
  4. Dispute errors - double disputes

USAGE:
  if errors.Is(err, billing.ErrInvalidStatus) { ... }

  var tve *billing.InvalidTransitionError
  if errors.As(err, &tve) { render(tve.From, tve.To) }
*/
package billing

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrNotEligible is returned when generation is attempted for an order
	// that is not delivered with confirmed delivery.
	ErrNotEligible = errors.New("order not eligible for invoicing")

	// ErrAlreadyExists is returned when an invoice already exists for the
	// order. At most one invoice per order, always.
	ErrAlreadyExists = errors.New("invoice already exists for order")

	// ErrNoPriceConfigured is returned when neither a lab price nor a
	// platform template price exists for the restoration type.
	ErrNoPriceConfigured = errors.New("no price configured for restoration type")

	// ErrInvalidStatus is returned when an operation requires a status the
	// invoice is not in (e.g. adjustments require locked).
	ErrInvalidStatus = errors.New("operation not allowed in current invoice status")

	// ErrInvalidTransition is returned when a status transition is attempted
	// from a state that does not permit it.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrForbidden is returned when the acting role lacks privilege for the
	// attempted action.
	ErrForbidden = errors.New("role not permitted to perform this action")

	// ErrInvalidReason is returned when a mandatory reason is missing or
	// shorter than MinReasonLength.
	ErrInvalidReason = errors.New("reason missing or too short")

	// ErrOverpaymentRejected is returned when amount_paid would exceed the
	// invoice final total.
	ErrOverpaymentRejected = errors.New("payment exceeds invoice total")

	// ErrAlreadyDisputed is returned when a dispute is raised on an invoice
	// that is already disputed.
	ErrAlreadyDisputed = errors.New("invoice already disputed")

	// ErrInvalidInput is returned for malformed input outside the reason
	// rules, e.g. an unknown adjustment or expense type.
	ErrInvalidInput = errors.New("invalid input")

	// ErrNotFound is returned when a referenced invoice or order does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrConcurrentModification is returned when a guarded status update
	// observes a stale status (compare-and-swap failure). Retryable.
	ErrConcurrentModification = errors.New("concurrent modification detected")
)

// =============================================================================
// STRUCTURED ERRORS - Carry field-level detail for actionable messages
// =============================================================================

// InvalidTransitionError reports a transition rejected by the state machine.
type InvalidTransitionError struct {
	InvoiceID InvoiceID
	From      InvoiceStatus
	To        InvoiceStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition %s -> %s for invoice %s", e.From, e.To, e.InvoiceID)
}

func (e *InvalidTransitionError) Unwrap() error { return ErrInvalidTransition }

// InvalidStatusError reports an operation attempted in the wrong status.
type InvalidStatusError struct {
	InvoiceID InvoiceID
	Current   InvoiceStatus
	Required  []InvoiceStatus
}

func (e *InvalidStatusError) Error() string {
	return fmt.Sprintf("invoice %s is %s, operation requires %v", e.InvoiceID, e.Current, e.Required)
}

func (e *InvalidStatusError) Unwrap() error { return ErrInvalidStatus }

// InvalidReasonError reports a reason that failed validation.
type InvalidReasonError struct {
	Field     string
	MinLength int
	Got       int
}

func (e *InvalidReasonError) Error() string {
	return fmt.Sprintf("%s must be at least %d characters, got %d", e.Field, e.MinLength, e.Got)
}

func (e *InvalidReasonError) Unwrap() error { return ErrInvalidReason }

// OverpaymentError reports a rejected payment amount.
type OverpaymentError struct {
	InvoiceID InvoiceID
	Paid      decimal.Decimal
	Total     decimal.Decimal
}

func (e *OverpaymentError) Error() string {
	return fmt.Sprintf("payment %s exceeds total %s for invoice %s", e.Paid, e.Total, e.InvoiceID)
}

func (e *OverpaymentError) Unwrap() error { return ErrOverpaymentRejected }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsClientError reports whether the error is due to invalid client input
// and maps to a 4xx response.
func IsClientError(err error) bool {
	return errors.Is(err, ErrNotEligible) ||
		errors.Is(err, ErrAlreadyExists) ||
		errors.Is(err, ErrNoPriceConfigured) ||
		errors.Is(err, ErrInvalidStatus) ||
		errors.Is(err, ErrInvalidTransition) ||
		errors.Is(err, ErrForbidden) ||
		errors.Is(err, ErrInvalidReason) ||
		errors.Is(err, ErrInvalidInput) ||
		errors.Is(err, ErrOverpaymentRejected) ||
		errors.Is(err, ErrAlreadyDisputed) ||
		errors.Is(err, ErrNotFound)
}

// IsConflict reports whether the error indicates a state conflict that a
// fresh read may resolve.
func IsConflict(err error) bool {
	return errors.Is(err, ErrAlreadyExists) ||
		errors.Is(err, ErrAlreadyDisputed) ||
		errors.Is(err, ErrInvalidTransition) ||
		errors.Is(err, ErrInvalidStatus) ||
		errors.Is(err, ErrConcurrentModification)
}

// IsRetryable reports whether the error might succeed on immediate retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification)
}
