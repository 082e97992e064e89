/*
accrual.go - Daily income accrual engine

PURPOSE:
  Converts elapsed wall-clock time into owed-but-unpaid days for one
  purchase and settles them: credits the user's saldo and aset, advances
  PaidDays, flips the purchase to finished at the duration cap, and appends
  the history/notification entries.

IDEMPOTENCE:
  payableDays is derived from PaidDays every run:

    elapsed  = floor((now - createdAt) / 1 day), clamped at 0
    payable  = min(elapsed, duration) - paidDays

  payable <= 0 is a no-op, so re-running at the same (or an earlier) now
  never pays twice and never regresses progress. There is no "last run"
  flag to get out of sync - the purchase record is the checkpoint.

WRITE ORDERING:
  All writes for one settlement run inside a store transaction when the
  store supports TxStore. On a plain Store the order is: balance increment,
  progress update, then the informational appends. A crash between the
  increment and the progress update is the one unsafe window of the
  fallback path; both shipped stores are transactional.

SEE ALSO:
  - job.go: Invokes Settle per eligible purchase
  - store.go: Atomicity contract
*/
package settle

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// AccrualOutcome reports what one Settle call did.
type AccrualOutcome struct {
	Updated     bool
	PayableDays int
	Income      decimal.Decimal
	Finished    bool
}

// AccrualEngine settles daily income for approved purchases.
type AccrualEngine struct {
	Store Store
}

// NewAccrualEngine creates an engine writing through the given store.
func NewAccrualEngine(store Store) *AccrualEngine {
	return &AccrualEngine{Store: store}
}

// Settle pays all owed-but-unpaid days on one purchase as of now.
//
// Re-invoking with the same now on the resulting record is a no-op
// (idempotent fixed point). A non-approved purchase is a no-op rather than
// an error, so a record that changed state mid-pass cannot fail the pass.
func (e *AccrualEngine) Settle(ctx context.Context, p Purchase, now time.Time) (AccrualOutcome, error) {
	if p.Status != StatusApproved {
		return AccrualOutcome{}, nil
	}
	if err := validatePurchase(p); err != nil {
		return AccrualOutcome{}, err
	}

	if payableDays(p, now) <= 0 {
		return AccrualOutcome{}, nil
	}

	var out AccrualOutcome
	err := inTx(ctx, e.Store, func(s Store) error {
		// Re-read inside the transaction: an overlapping pass may have
		// advanced PaidDays since this record was queried, and payable
		// days must be derived from the stored progress, never from the
		// snapshot the sweep handed us.
		fresh, err := s.GetPurchase(ctx, p.ID)
		if err != nil {
			return fmt.Errorf("reload purchase: %w", err)
		}
		if fresh != nil {
			p = *fresh
		}
		if p.Status != StatusApproved {
			return nil
		}

		payable := payableDays(p, now)
		if payable <= 0 {
			return nil
		}

		income := p.DailyIncome.Mul(decimal.NewFromInt(int64(payable)))
		newPaidDays := p.PaidDays + payable
		finished := newPaidDays >= p.Duration

		// Balance first, progress second: on the non-transactional fallback
		// a crash after the increment is healed because the next run still
		// sees the old PaidDays and the progress update is derived, while a
		// crash after the progress update only loses informational appends.
		if err := s.IncrementBalances(ctx, p.UserID, BalanceDelta{Saldo: income, Aset: income}); err != nil {
			return fmt.Errorf("credit income: %w", err)
		}

		status := StatusApproved
		var finishedAt *time.Time
		if finished {
			status = StatusFinished
			finishedAt = &now
		}
		if err := s.UpdatePurchaseProgress(ctx, p.ID, newPaidDays, status, finishedAt); err != nil {
			return fmt.Errorf("update progress: %w", err)
		}

		if err := s.AppendHistory(ctx, HistoryEntry{
			ID:        uuid.NewString(),
			UserID:    p.UserID,
			Animal:    p.Animal,
			Amount:    income,
			Type:      EntryIncome,
			CreatedAt: now,
		}); err != nil {
			return fmt.Errorf("append history: %w", err)
		}

		out = AccrualOutcome{
			Updated:     true,
			PayableDays: payable,
			Income:      income,
			Finished:    finished,
		}
		return s.AppendNotification(ctx, incomeNotification(p, income, payable, now))
	})
	if err != nil {
		return AccrualOutcome{}, err
	}
	return out, nil
}

// payableDays computes how many days are owed and unpaid as of now.
// Day counts truncate toward zero; clock skew where now < createdAt
// clamps to 0 elapsed days instead of going negative.
func payableDays(p Purchase, now time.Time) int {
	elapsed := int(now.Sub(p.CreatedAt).Hours() / 24)
	if elapsed < 0 {
		elapsed = 0
	}
	if elapsed > p.Duration {
		elapsed = p.Duration
	}
	return elapsed - p.PaidDays
}

func validatePurchase(p Purchase) error {
	if p.Duration <= 0 {
		return &MalformedPurchaseError{PurchaseID: p.ID, Field: "duration", Reason: "must be positive"}
	}
	if !p.DailyIncome.IsPositive() {
		// A zero rate is indistinguishable from the field missing upstream.
		return &MalformedPurchaseError{PurchaseID: p.ID, Field: "dailyIncome", Reason: "must be positive"}
	}
	if p.PaidDays < 0 || p.PaidDays > p.Duration {
		return &MalformedPurchaseError{PurchaseID: p.ID, Field: "paidDays", Reason: "outside [0, duration]"}
	}
	if p.UserID == "" {
		return &MalformedPurchaseError{PurchaseID: p.ID, Field: "userId", Reason: "missing"}
	}
	return nil
}

func incomeNotification(p Purchase, income decimal.Decimal, days int, now time.Time) Notification {
	return Notification{
		ID:     uuid.NewString(),
		UserID: p.UserID,
		Title:  "Pendapatan Harian",
		Message: fmt.Sprintf("Kamu menerima pendapatan Rp %s untuk %d hari dari %s.",
			income.StringFixed(0), days, p.Animal),
		Type:      EntryIncome,
		CreatedAt: now,
	}
}
