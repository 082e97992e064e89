/*
errors.go - Centralized error types for the settlement engine

PURPOSE:
  All error types in one place. Store implementations map their native
  failures (constraint violations, missing rows) onto these so the engines
  stay backend-agnostic.

ERROR CATEGORIES:
  1. Dedup errors - expected under retries and overlapping passes
  2. Record errors - malformed data skipped by the job
  3. Chain errors - referral lookups that terminate a walk

USAGE:
  if errors.Is(err, settle.ErrBonusAlreadyPaid) {
      // level already settled, not a failure
  }
*/
package settle

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrBonusAlreadyPaid is returned by CreateReferralBonus when a record
	// for the same (purchaseId, level) already exists. Expected behavior for
	// re-runs and overlapping passes, not a failure.
	ErrBonusAlreadyPaid = errors.New("referral bonus already paid for this purchase and level")

	// ErrMalformedPurchase is returned when a purchase record cannot be
	// settled (missing or non-positive duration, negative daily income).
	ErrMalformedPurchase = errors.New("malformed purchase record")

	// ErrUserNotFound is returned when a referenced user does not exist.
	ErrUserNotFound = errors.New("user not found")

	// ErrPurchaseNotFound is returned when a referenced purchase does not exist.
	ErrPurchaseNotFound = errors.New("purchase not found")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// MalformedPurchaseError reports which field made a record unsettleable.
// The job counts these as per-record failures without aborting the pass.
type MalformedPurchaseError struct {
	PurchaseID string
	Field      string
	Reason     string
}

func (e *MalformedPurchaseError) Error() string {
	return fmt.Sprintf("malformed purchase %s: %s %s", e.PurchaseID, e.Field, e.Reason)
}

func (e *MalformedPurchaseError) Unwrap() error {
	return ErrMalformedPurchase
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsAlreadyPaid reports whether err is the dedup rejection. Callers treat it
// as "someone else won the race", never as a failure.
func IsAlreadyPaid(err error) bool {
	return errors.Is(err, ErrBonusAlreadyPaid)
}

// IsRecordError reports whether err is a per-record data problem that the
// next pass will hit again (as opposed to a transient store error).
func IsRecordError(err error) bool {
	return errors.Is(err, ErrMalformedPurchase) ||
		errors.Is(err, ErrUserNotFound) ||
		errors.Is(err, ErrPurchaseNotFound)
}
