/*
errors.go - Centralized error types for the costing engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Workflow packages wrap these with additional context.

ERROR CATEGORIES:
  1. Invalid input - rejected before any computation
  2. Concurrency - conditional append lost the race for a key
  3. Policy - optional oversell rejection
  4. Store - persistence failures, wrapped with %w

WHAT IS NOT AN ERROR:
  - Division by zero quantity: defined as WAC 0
  - Reconciliation mismatch: reported in a Report, never returned as error

USAGE:
  if errors.Is(err, costing.ErrConcurrentModification) {
      // refresh the snapshot and retry
  }
*/
package costing

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrInvalidMovement is returned when a movement fails validation.
	// The caller must fix and resubmit; nothing was appended.
	ErrInvalidMovement = errors.New("invalid movement")

	// ErrOutOfOrder is returned when a movement is timestamped before the
	// latest event of its key.
	ErrOutOfOrder = errors.New("movement timestamp before latest event")

	// ErrDuplicateIdempotencyKey is returned when a movement with the same
	// idempotency key was already appended. Expected for retries.
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")

	// ErrConcurrentModification is returned by a store when the latest event
	// of a key changed between read and append.
	ErrConcurrentModification = errors.New("concurrent modification detected")

	// ErrInsufficientStock is returned under OversellReject when an issue
	// exceeds the quantity on hand.
	ErrInsufficientStock = errors.New("insufficient stock")

	// ErrKeyMismatch is returned when an event from another key is handed to
	// a per-key computation.
	ErrKeyMismatch = errors.New("event belongs to another costing key")

	// ErrLockNotObtained is returned by a KeyLocker that gave up waiting.
	ErrLockNotObtained = errors.New("costing key lock not obtained")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ValidationError describes which field of a movement was rejected.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid movement: %s %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrInvalidMovement }

// OutOfOrderError carries the timestamps that conflicted.
type OutOfOrderError struct {
	Key       CostingKey
	Latest    time.Time
	Submitted time.Time
}

func (e *OutOfOrderError) Error() string {
	return fmt.Sprintf("movement for %s at %s is before latest event at %s",
		e.Key, e.Submitted.Format(time.RFC3339Nano), e.Latest.Format(time.RFC3339Nano))
}

func (e *OutOfOrderError) Unwrap() error { return ErrOutOfOrder }

// InsufficientStockError provides details about an oversell.
type InsufficientStockError struct {
	Key       CostingKey
	OnHand    int64
	Requested int64
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for %s: on hand %d, requested %d",
		e.Key, e.OnHand, e.Requested)
}

func (e *InsufficientStockError) Unwrap() error { return ErrInsufficientStock }

// KeyMismatchError names the offending event.
type KeyMismatchError struct {
	Want    CostingKey
	Got     CostingKey
	EventID EventID
}

func (e *KeyMismatchError) Error() string {
	return fmt.Sprintf("event %s belongs to %s, not %s", e.EventID, e.Got, e.Want)
}

func (e *KeyMismatchError) Unwrap() error { return ErrKeyMismatch }

// =============================================================================
// VALIDATION
// =============================================================================

// Validate rejects malformed movements before they reach the calculator.
func (m Movement) Validate() error {
	switch {
	case m.Key.InstallationID == "":
		return &ValidationError{Field: "installation_id", Reason: "is required"}
	case m.Key.ItemID == "":
		return &ValidationError{Field: "item_id", Reason: "is required"}
	case m.Key.LocationID == "":
		return &ValidationError{Field: "location_id", Reason: "is required"}
	case m.EventTimestamp.IsZero():
		return &ValidationError{Field: "event_timestamp", Reason: "is required"}
	case m.EventTimestamp.Unix() <= 0:
		return &ValidationError{Field: "event_timestamp", Reason: "must be after the epoch"}
	case m.QtyDelta == math.MinInt64:
		return &ValidationError{Field: "qty_delta", Reason: "is out of range"}
	}
	if err := ValidateCost("unit_cost", m.UnitCost); err != nil {
		return err
	}
	return ValidateCost("landed_cost_delta", m.LandedCostDelta)
}

// ValidateCost rejects negative cost inputs.
func ValidateCost(field string, d decimal.Decimal) error {
	if d.IsNegative() {
		return &ValidationError{Field: field, Reason: "must not be negative"}
	}
	return nil
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification) || errors.Is(err, ErrLockNotObtained)
}

// IsClientError returns true if the error is due to invalid caller input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidMovement) ||
		errors.Is(err, ErrOutOfOrder) ||
		errors.Is(err, ErrDuplicateIdempotencyKey) ||
		errors.Is(err, ErrInsufficientStock)
}
