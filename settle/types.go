/*
Package settle provides the core settlement engine.

PURPOSE:
  This package contains the domain types and algorithms for settling two
  financial ledgers over time-bounded investment positions ("purchases"):
  daily income accrual and two-level referral bonuses.

KEY CONCEPTS IN THIS FILE (types.go):
  - Purchase: A position paying fixed daily income for a capped number of days
  - User: Balance holder with an optional sponsor link (InvitedBy)
  - ReferralBonus: One payout per (purchase, level) pair, immutable once written
  - HistoryEntry/Notification: Append-only informational sinks

DESIGN PRINCIPLES:
  1. Precision: Uses decimal.Decimal for all money fields - no float money
  2. Idempotence: Progress lives on the Purchase itself (PaidDays), so
     re-running settlement derives the same fixed point
  3. Injected time: "now" is always a parameter, never read internally

SEE ALSO:
  - store.go: Persistence interface the engines write through
  - accrual.go: Daily income settlement
  - referral.go: Sponsor-chain bonus payout
*/
package settle

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// PURCHASE - A time-bounded investment position
// =============================================================================

type PurchaseStatus string

const (
	StatusPending  PurchaseStatus = "pending"
	StatusApproved PurchaseStatus = "approved"
	StatusFinished PurchaseStatus = "finished"
	StatusRejected PurchaseStatus = "rejected"
)

// Purchase is a user's position entitling it to DailyIncome per day for
// Duration days. Only PaidDays, Status and FinishedAt are mutated here;
// everything else is owned by the upstream purchase/approval flow.
//
// INVARIANT: 0 <= PaidDays <= Duration. Status transitions
// approved -> finished exactly once, when PaidDays reaches Duration.
type Purchase struct {
	ID              string
	UserID          string
	Animal          string // product identifier, opaque to settlement
	Status          PurchaseStatus
	DailyIncome     decimal.Decimal
	Duration        int // total payable days
	PaidDays        int
	IsFirstPurchase bool
	CreatedAt       time.Time
	FinishedAt      *time.Time
}

// =============================================================================
// USER - Balance holder
// =============================================================================

// User holds the three balances settlement credits. InvitedBy is a weak
// reference to the sponsoring user, or empty when the user was not referred.
type User struct {
	ID           string
	Saldo        decimal.Decimal // liquid balance
	Aset         decimal.Decimal // asset/equity balance
	BonusBalance decimal.Decimal // referral earnings
	InvitedBy    string
}

// BalanceDelta describes an atomic per-user increment. Zero fields are
// left untouched by the store.
type BalanceDelta struct {
	Saldo        decimal.Decimal
	Aset         decimal.Decimal
	BonusBalance decimal.Decimal
}

// IsZero reports whether the delta would not change any balance.
func (d BalanceDelta) IsZero() bool {
	return d.Saldo.IsZero() && d.Aset.IsZero() && d.BonusBalance.IsZero()
}

// =============================================================================
// REFERRAL BONUS - One payout per (purchase, level)
// =============================================================================

type BonusStatus string

const (
	BonusReleased BonusStatus = "released"
)

// ReferralBonus records a single sponsor payout. (PurchaseID, Level) is the
// uniqueness key: the store rejects a second record for the same pair, which
// is the dedup gate for the whole referral engine.
type ReferralBonus struct {
	ID         string
	SponsorID  string
	FromUserID string
	PurchaseID string
	Level      int // 1 or 2
	Bonus      decimal.Decimal
	Status     BonusStatus
	CreatedAt  time.Time
}

// =============================================================================
// INFORMATIONAL SINKS - Append-only, no invariants beyond append-once
// =============================================================================

type EntryType string

const (
	EntryIncome        EntryType = "income"
	EntryReferralBonus EntryType = "referral_bonus"
)

// HistoryEntry is a ledger line shown to the user.
type HistoryEntry struct {
	ID        string
	UserID    string
	Animal    string
	Amount    decimal.Decimal
	Type      EntryType
	CreatedAt time.Time
}

// Notification is a human-facing message. Settlement only fills the fields;
// rendering/delivery is external.
type Notification struct {
	ID        string
	UserID    string
	Title     string
	Message   string
	Type      EntryType
	CreatedAt time.Time
}
