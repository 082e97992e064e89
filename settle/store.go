/*
store.go - Persistence interface for settlement

PURPOSE:
  Defines the interface between the settlement engines and the database.
  The backing store is treated as a document store: query by field,
  per-document atomic update/increment, and append-only inserts. No
  cross-document transaction is assumed - TxStore is an optional upgrade.

KEY INTERFACES:
  Store:   Per-document reads/writes the engines depend on
  TxStore: Optional all-or-nothing execution across several writes

DEDUP CONTRACT:
  CreateReferralBonus is create-if-absent keyed on (PurchaseID, Level).
  A second create for the same key MUST fail with ErrBonusAlreadyPaid,
  atomically - implementations may not use a read-then-write check.
  This closes the race between overlapping referral passes.

ATOMICITY CONTRACT:
  Every method is atomic for the single document it touches. When the
  implementation also provides TxStore, the engines wrap one settlement's
  writes in WithTx; otherwise they order writes so that a crash mid-sequence
  is healed by the next pass (see accrual.go).

IMPLEMENTATIONS:
  - store/sqlite: Production SQLite store
  - settle/store: In-memory store for testing/dev

SEE ALSO:
  - accrual.go, referral.go: The only writers
  - job.go: The only bulk reader
*/
package settle

import (
	"context"
	"time"
)

// =============================================================================
// STORE - Document-store operations used by the engines
// =============================================================================

// Store is the settlement view of the document store.
type Store interface {
	// PurchasesByStatus returns all purchases with the given status.
	PurchasesByStatus(ctx context.Context, status PurchaseStatus) ([]Purchase, error)

	// FirstPurchasesByStatus returns purchases with the given status that
	// are also flagged as the user's first purchase.
	FirstPurchasesByStatus(ctx context.Context, status PurchaseStatus) ([]Purchase, error)

	// GetPurchase returns a purchase by id, or (nil, nil) when absent.
	GetPurchase(ctx context.Context, id string) (*Purchase, error)

	// GetUser returns a user by id, or (nil, nil) when absent.
	GetUser(ctx context.Context, id string) (*User, error)

	// IncrementBalances atomically adds delta to the user's balances.
	IncrementBalances(ctx context.Context, userID string, delta BalanceDelta) error

	// UpdatePurchaseProgress sets paidDays and status on one purchase.
	// finishedAt is only written when non-nil.
	UpdatePurchaseProgress(ctx context.Context, id string, paidDays int, status PurchaseStatus, finishedAt *time.Time) error

	// CreateReferralBonus inserts a bonus record if and only if no record
	// exists for (bonus.PurchaseID, bonus.Level). Returns ErrBonusAlreadyPaid
	// when the key is taken. The check-and-insert is atomic.
	CreateReferralBonus(ctx context.Context, bonus ReferralBonus) error

	// AppendHistory adds a ledger line. Append-only.
	AppendHistory(ctx context.Context, entry HistoryEntry) error

	// AppendNotification adds a user-facing message. Append-only.
	AppendNotification(ctx context.Context, note Notification) error
}

// =============================================================================
// TRANSACTIONAL STORE - Optional all-or-nothing writes
// =============================================================================

// TxStore wraps Store with transaction support. Engines type-assert for it:
// when present, one settlement's writes commit or roll back together.
type TxStore interface {
	Store

	// WithTx executes fn against a transactional Store view.
	// If fn returns an error the writes are rolled back.
	WithTx(ctx context.Context, fn func(Store) error) error
}

// inTx runs fn inside a store transaction when the store supports it,
// falling back to direct writes otherwise. Callers that fall back rely on
// write ordering for crash recovery.
func inTx(ctx context.Context, s Store, fn func(Store) error) error {
	if ts, ok := s.(TxStore); ok {
		return ts.WithTx(ctx, fn)
	}
	return fn(s)
}
