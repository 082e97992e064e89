package settle_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/settlement-engine/settle"
	"github.com/warp/settlement-engine/settle/store"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

var baseTime = time.Date(2025, time.June, 1, 0, 0, 0, 0, time.UTC)

func dec(n int64) decimal.Decimal {
	return decimal.NewFromInt(n)
}

func newTestStore() *store.TxMemory {
	return store.NewTxMemory()
}

func approvedPurchase(id, userID string, daily int64, duration int) settle.Purchase {
	return settle.Purchase{
		ID:          id,
		UserID:      userID,
		Animal:      "ayam",
		Status:      settle.StatusApproved,
		DailyIncome: dec(daily),
		Duration:    duration,
		CreatedAt:   baseTime,
	}
}

func mustGetPurchase(t *testing.T, s settle.Store, id string) settle.Purchase {
	t.Helper()
	p, err := s.GetPurchase(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, p)
	return *p
}

func mustGetUser(t *testing.T, s settle.Store, id string) settle.User {
	t.Helper()
	u, err := s.GetUser(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, u)
	return *u
}

// =============================================================================
// CATCH-UP AND CAP
// =============================================================================

func TestSettle_CatchUp_PaysAllElapsedDays(t *testing.T) {
	// GIVEN: 1000/day for 10 days, nothing paid yet
	// WHEN: Settling 3 days after creation
	// THEN: 3 days are paid in one go

	mem := newTestStore()
	mem.PutUser(settle.User{ID: "user-1"})
	mem.PutPurchase(approvedPurchase("pur-1", "user-1", 1000, 10))
	engine := settle.NewAccrualEngine(mem)

	out, err := engine.Settle(context.Background(), mustGetPurchase(t, mem, "pur-1"), baseTime.AddDate(0, 0, 3))
	require.NoError(t, err)

	assert.True(t, out.Updated)
	assert.Equal(t, 3, out.PayableDays)
	assert.True(t, out.Income.Equal(dec(3000)), "income should be 3000, got %s", out.Income)
	assert.False(t, out.Finished)

	p := mustGetPurchase(t, mem, "pur-1")
	assert.Equal(t, 3, p.PaidDays)
	assert.Equal(t, settle.StatusApproved, p.Status)

	u := mustGetUser(t, mem, "user-1")
	assert.True(t, u.Saldo.Equal(dec(3000)))
	assert.True(t, u.Aset.Equal(dec(3000)))

	require.Len(t, mem.History(), 1)
	assert.True(t, mem.History()[0].Amount.Equal(dec(3000)))
	assert.Equal(t, settle.EntryIncome, mem.History()[0].Type)
	assert.Len(t, mem.Notifications(), 1)
}

func TestSettle_DurationCap_PaysAtMostDurationDays(t *testing.T) {
	// GIVEN: 1000/day for 10 days
	// WHEN: Settling 20 days after creation
	// THEN: Exactly 10 days are paid and the purchase finishes

	mem := newTestStore()
	mem.PutUser(settle.User{ID: "user-1"})
	mem.PutPurchase(approvedPurchase("pur-1", "user-1", 1000, 10))
	engine := settle.NewAccrualEngine(mem)

	now := baseTime.AddDate(0, 0, 20)
	out, err := engine.Settle(context.Background(), mustGetPurchase(t, mem, "pur-1"), now)
	require.NoError(t, err)

	assert.Equal(t, 10, out.PayableDays)
	assert.True(t, out.Income.Equal(dec(10000)), "income should be 10000, got %s", out.Income)
	assert.True(t, out.Finished)

	p := mustGetPurchase(t, mem, "pur-1")
	assert.Equal(t, 10, p.PaidDays)
	assert.Equal(t, settle.StatusFinished, p.Status)
	require.NotNil(t, p.FinishedAt)
	assert.True(t, p.FinishedAt.Equal(now))
}

func TestSettle_PartialDayElapsed_TruncatesTowardZero(t *testing.T) {
	// GIVEN: A purchase created at T
	// WHEN: Settling at T+23h59m
	// THEN: No full day has elapsed, nothing is paid

	mem := newTestStore()
	mem.PutUser(settle.User{ID: "user-1"})
	mem.PutPurchase(approvedPurchase("pur-1", "user-1", 1000, 10))
	engine := settle.NewAccrualEngine(mem)

	out, err := engine.Settle(context.Background(), mustGetPurchase(t, mem, "pur-1"), baseTime.Add(23*time.Hour+59*time.Minute))
	require.NoError(t, err)

	assert.False(t, out.Updated)
	assert.Empty(t, mem.History())
}

// =============================================================================
// IDEMPOTENCE AND MONOTONICITY
// =============================================================================

func TestSettle_Idempotent_SecondRunAtSameNowIsNoOp(t *testing.T) {
	// GIVEN: A purchase already settled at now
	// WHEN: Settling again at the same now
	// THEN: Nothing more is paid - the fixed point holds

	mem := newTestStore()
	mem.PutUser(settle.User{ID: "user-1"})
	mem.PutPurchase(approvedPurchase("pur-1", "user-1", 1000, 10))
	engine := settle.NewAccrualEngine(mem)

	now := baseTime.AddDate(0, 0, 3)
	ctx := context.Background()

	out1, err := engine.Settle(ctx, mustGetPurchase(t, mem, "pur-1"), now)
	require.NoError(t, err)
	require.True(t, out1.Updated)

	out2, err := engine.Settle(ctx, mustGetPurchase(t, mem, "pur-1"), now)
	require.NoError(t, err)

	assert.False(t, out2.Updated)
	assert.Equal(t, 3, mustGetPurchase(t, mem, "pur-1").PaidDays)
	assert.True(t, mustGetUser(t, mem, "user-1").Saldo.Equal(dec(3000)), "saldo paid twice")
	assert.Len(t, mem.History(), 1)
}

func TestSettle_StaleRecord_DoesNotDoublePay(t *testing.T) {
	// GIVEN: A record snapshot taken before another pass settled it
	// WHEN: Settling with the stale snapshot
	// THEN: The in-transaction re-read prevents a second payout

	mem := newTestStore()
	mem.PutUser(settle.User{ID: "user-1"})
	mem.PutPurchase(approvedPurchase("pur-1", "user-1", 1000, 10))
	engine := settle.NewAccrualEngine(mem)

	now := baseTime.AddDate(0, 0, 3)
	ctx := context.Background()
	stale := mustGetPurchase(t, mem, "pur-1")

	_, err := engine.Settle(ctx, stale, now)
	require.NoError(t, err)

	out, err := engine.Settle(ctx, stale, now) // same stale PaidDays=0 snapshot
	require.NoError(t, err)

	assert.False(t, out.Updated)
	assert.True(t, mustGetUser(t, mem, "user-1").Saldo.Equal(dec(3000)))
}

func TestSettle_EarlierNow_NeverRegressesProgress(t *testing.T) {
	// GIVEN: A purchase settled up to day 5
	// WHEN: Settling at an earlier now (scheduler clock went backwards)
	// THEN: PaidDays stays at 5 and nothing is paid

	mem := newTestStore()
	mem.PutUser(settle.User{ID: "user-1"})
	mem.PutPurchase(approvedPurchase("pur-1", "user-1", 1000, 10))
	engine := settle.NewAccrualEngine(mem)
	ctx := context.Background()

	_, err := engine.Settle(ctx, mustGetPurchase(t, mem, "pur-1"), baseTime.AddDate(0, 0, 5))
	require.NoError(t, err)

	out, err := engine.Settle(ctx, mustGetPurchase(t, mem, "pur-1"), baseTime.AddDate(0, 0, 2))
	require.NoError(t, err)

	assert.False(t, out.Updated)
	assert.Equal(t, 5, mustGetPurchase(t, mem, "pur-1").PaidDays)
}

func TestSettle_NowBeforeCreatedAt_ClampsToZero(t *testing.T) {
	// GIVEN: Clock skew where now < createdAt
	// WHEN: Settling
	// THEN: Elapsed days clamp to 0, never negative

	mem := newTestStore()
	mem.PutUser(settle.User{ID: "user-1"})
	mem.PutPurchase(approvedPurchase("pur-1", "user-1", 1000, 10))
	engine := settle.NewAccrualEngine(mem)

	out, err := engine.Settle(context.Background(), mustGetPurchase(t, mem, "pur-1"), baseTime.AddDate(0, 0, -2))
	require.NoError(t, err)

	assert.False(t, out.Updated)
	assert.Equal(t, 0, mustGetPurchase(t, mem, "pur-1").PaidDays)
}

func TestSettle_FinishedPurchase_StaysFinished(t *testing.T) {
	// GIVEN: A purchase that hit its duration cap
	// WHEN: Settling again much later
	// THEN: No further payout, status stays finished

	mem := newTestStore()
	mem.PutUser(settle.User{ID: "user-1"})
	mem.PutPurchase(approvedPurchase("pur-1", "user-1", 1000, 10))
	engine := settle.NewAccrualEngine(mem)
	ctx := context.Background()

	_, err := engine.Settle(ctx, mustGetPurchase(t, mem, "pur-1"), baseTime.AddDate(0, 0, 15))
	require.NoError(t, err)
	require.Equal(t, settle.StatusFinished, mustGetPurchase(t, mem, "pur-1").Status)

	out, err := engine.Settle(ctx, mustGetPurchase(t, mem, "pur-1"), baseTime.AddDate(0, 0, 30))
	require.NoError(t, err)

	assert.False(t, out.Updated)
	assert.Equal(t, settle.StatusFinished, mustGetPurchase(t, mem, "pur-1").Status)
	assert.True(t, mustGetUser(t, mem, "user-1").Saldo.Equal(dec(10000)))
}

// =============================================================================
// VALIDATION AND NO-OPS
// =============================================================================

func TestSettle_NonApprovedPurchase_IsNoOp(t *testing.T) {
	mem := newTestStore()
	mem.PutUser(settle.User{ID: "user-1"})
	p := approvedPurchase("pur-1", "user-1", 1000, 10)
	p.Status = settle.StatusPending
	mem.PutPurchase(p)
	engine := settle.NewAccrualEngine(mem)

	out, err := engine.Settle(context.Background(), p, baseTime.AddDate(0, 0, 3))
	require.NoError(t, err)
	assert.False(t, out.Updated)
}

func TestSettle_MalformedRecord_ReturnsMalformedPurchaseError(t *testing.T) {
	mem := newTestStore()
	mem.PutUser(settle.User{ID: "user-1"})
	engine := settle.NewAccrualEngine(mem)
	now := baseTime.AddDate(0, 0, 3)

	cases := []struct {
		name   string
		mutate func(*settle.Purchase)
	}{
		{"zero duration", func(p *settle.Purchase) { p.Duration = 0 }},
		{"missing daily income", func(p *settle.Purchase) { p.DailyIncome = decimal.Zero }},
		{"negative daily income", func(p *settle.Purchase) { p.DailyIncome = dec(-5) }},
		{"paid days above duration", func(p *settle.Purchase) { p.PaidDays = 11 }},
		{"missing user", func(p *settle.Purchase) { p.UserID = "" }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := approvedPurchase("pur-bad", "user-1", 1000, 10)
			tc.mutate(&p)

			_, err := engine.Settle(context.Background(), p, now)

			require.Error(t, err)
			assert.ErrorIs(t, err, settle.ErrMalformedPurchase)
			var malformed *settle.MalformedPurchaseError
			assert.ErrorAs(t, err, &malformed)
			assert.Empty(t, mem.History(), "malformed record must not write")
		})
	}
}

// =============================================================================
// NON-TRANSACTIONAL FALLBACK
// =============================================================================

func TestSettle_PlainStoreWithoutTx_StillSettles(t *testing.T) {
	// GIVEN: A store without TxStore support
	// WHEN: Settling
	// THEN: The ordered-write fallback produces the same result

	mem := store.NewMemory()
	mem.PutUser(settle.User{ID: "user-1"})
	mem.PutPurchase(approvedPurchase("pur-1", "user-1", 1000, 10))
	engine := settle.NewAccrualEngine(mem)

	out, err := engine.Settle(context.Background(), mustGetPurchase(t, mem, "pur-1"), baseTime.AddDate(0, 0, 3))
	require.NoError(t, err)

	assert.True(t, out.Updated)
	assert.Equal(t, 3, mustGetPurchase(t, mem, "pur-1").PaidDays)
	assert.True(t, mustGetUser(t, mem, "user-1").Saldo.Equal(dec(3000)))
}

func TestSettle_MissingUser_FailsWithoutProgressUpdate(t *testing.T) {
	// Balance-first ordering: when the credit fails, progress must not
	// advance, so the record stays retryable.

	mem := store.NewMemory()
	mem.PutPurchase(approvedPurchase("pur-1", "ghost", 1000, 10))
	engine := settle.NewAccrualEngine(mem)

	_, err := engine.Settle(context.Background(), mustGetPurchase(t, mem, "pur-1"), baseTime.AddDate(0, 0, 3))

	require.Error(t, err)
	assert.True(t, errors.Is(err, settle.ErrUserNotFound))
	assert.Equal(t, 0, mustGetPurchase(t, mem, "pur-1").PaidDays)
}
