/*
referral.go - Two-level referral bonus engine

PURPOSE:
  Pays a fixed bonus to a purchaser's sponsor chain when a first purchase
  is approved. The walk follows User.InvitedBy for at most two hops and
  pays each (purchase, sponsor, level) at most once.

DEDUP:
  The gate is the write itself: CreateReferralBonus is an atomic
  create-if-absent keyed on (purchaseId, level). There is no preceding
  existence query, so overlapping passes cannot both pass a check before
  either writes - exactly one create wins, the loser sees
  ErrBonusAlreadyPaid and skips the level. Dedup is per level: a crash
  after level 1 leaves level 2 payable by the next pass.

CYCLE SAFETY:
  InvitedBy is a potentially cyclic relation. The hard cap at 2 hops is
  the cycle-safety mechanism; no explicit cycle detection is needed.

SEE ALSO:
  - store.go: CreateReferralBonus contract
  - job.go: Invokes PayReferral per eligible first purchase
*/
package settle

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// =============================================================================
// BONUS TABLE - Fixed amounts per level, not derived from purchase price
// =============================================================================

const maxReferralLevel = 2

var bonusByLevel = map[int]decimal.Decimal{
	1: decimal.NewFromInt(20000),
	2: decimal.NewFromInt(5000),
}

// BonusForLevel returns the fixed bonus for a sponsor level, or zero for
// levels outside the table.
func BonusForLevel(level int) decimal.Decimal {
	if b, ok := bonusByLevel[level]; ok {
		return b
	}
	return decimal.Zero
}

// =============================================================================
// ENGINE
// =============================================================================

// ReferralOutcome reports which levels one PayReferral call paid.
type ReferralOutcome struct {
	Paid       bool
	LevelsPaid []int
}

// ReferralEngine pays sponsor bonuses for approved first purchases.
type ReferralEngine struct {
	Store Store
	// Now returns the timestamp stamped on bonus records and notifications.
	// Defaults to time.Now; injected in tests.
	Now func() time.Time
}

// NewReferralEngine creates an engine writing through the given store.
func NewReferralEngine(store Store) *ReferralEngine {
	return &ReferralEngine{Store: store, Now: time.Now}
}

// PayReferral walks the sponsor chain of the purchasing user and settles
// every unpaid level up to the cap. Safe to re-invoke: already-paid levels
// are skipped via the create-if-absent gate. Non-first or non-approved
// purchases are a no-op.
func (e *ReferralEngine) PayReferral(ctx context.Context, p Purchase) (ReferralOutcome, error) {
	if p.Status != StatusApproved || !p.IsFirstPurchase {
		return ReferralOutcome{}, nil
	}

	buyer, err := e.Store.GetUser(ctx, p.UserID)
	if err != nil {
		return ReferralOutcome{}, fmt.Errorf("resolve buyer %s: %w", p.UserID, err)
	}
	if buyer == nil || buyer.InvitedBy == "" {
		// Not referred: nothing owed to anyone.
		return ReferralOutcome{}, nil
	}

	var out ReferralOutcome
	sponsorID := buyer.InvitedBy
	for level := 1; level <= maxReferralLevel && sponsorID != ""; level++ {
		sponsor, err := e.Store.GetUser(ctx, sponsorID)
		if err != nil {
			return out, fmt.Errorf("resolve sponsor %s at level %d: %w", sponsorID, level, err)
		}
		if sponsor == nil {
			// Chain inconsistency terminates the walk, not the pass.
			break
		}

		bonus := BonusForLevel(level)
		if bonus.IsPositive() {
			paid, err := e.payLevel(ctx, p, sponsor.ID, level, bonus)
			if err != nil {
				return out, err
			}
			if paid {
				out.Paid = true
				out.LevelsPaid = append(out.LevelsPaid, level)
			}
		}

		sponsorID = sponsor.InvitedBy
	}

	return out, nil
}

// payLevel settles a single (purchase, sponsor, level) triple. Returns
// (false, nil) when the level was already paid by an earlier or concurrent
// invocation.
func (e *ReferralEngine) payLevel(ctx context.Context, p Purchase, sponsorID string, level int, bonus decimal.Decimal) (bool, error) {
	now := e.Now()

	err := inTx(ctx, e.Store, func(s Store) error {
		// The create is the dedup gate, so it leads the sequence: on the
		// non-transactional fallback a duplicate credit is worse than a
		// lost one, and the record doubles as the write-ahead marker.
		if err := s.CreateReferralBonus(ctx, ReferralBonus{
			ID:         uuid.NewString(),
			SponsorID:  sponsorID,
			FromUserID: p.UserID,
			PurchaseID: p.ID,
			Level:      level,
			Bonus:      bonus,
			Status:     BonusReleased,
			CreatedAt:  now,
		}); err != nil {
			return err
		}

		if err := s.IncrementBalances(ctx, sponsorID, BalanceDelta{BonusBalance: bonus}); err != nil {
			return fmt.Errorf("credit sponsor %s: %w", sponsorID, err)
		}

		return s.AppendNotification(ctx, Notification{
			ID:     uuid.NewString(),
			UserID: sponsorID,
			Title:  "Bonus Referral",
			Message: fmt.Sprintf("Kamu menerima bonus referral level %d sebesar Rp %s.",
				level, bonus.StringFixed(0)),
			Type:      EntryReferralBonus,
			CreatedAt: now,
		})
	})
	if err != nil {
		if IsAlreadyPaid(err) {
			return false, nil
		}
		return false, fmt.Errorf("pay level %d for purchase %s: %w", level, p.ID, err)
	}
	return true, nil
}
