// Package store provides in-memory settle.Store implementations.
package store

import (
	"context"
	"sync"
	"time"

	"github.com/warp/settlement-engine/settle"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu            sync.RWMutex
	users         map[string]settle.User
	purchases     map[string]settle.Purchase
	bonuses       map[bonusKey]settle.ReferralBonus
	history       []settle.HistoryEntry
	notifications []settle.Notification
}

// bonusKey is the uniqueness key for referral payouts.
type bonusKey struct {
	PurchaseID string
	Level      int
}

func NewMemory() *Memory {
	return &Memory{
		users:     make(map[string]settle.User),
		purchases: make(map[string]settle.Purchase),
		bonuses:   make(map[bonusKey]settle.ReferralBonus),
	}
}

// =============================================================================
// SEEDING / INSPECTION - Used by tests and dev scenarios
// =============================================================================

func (m *Memory) PutUser(u settle.User) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[u.ID] = u
}

func (m *Memory) PutPurchase(p settle.Purchase) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.purchases[p.ID] = p
}

// History returns a copy of the history sink.
func (m *Memory) History() []settle.HistoryEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]settle.HistoryEntry(nil), m.history...)
}

// Notifications returns a copy of the notification sink.
func (m *Memory) Notifications() []settle.Notification {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]settle.Notification(nil), m.notifications...)
}

// BonusesForPurchase returns all bonus records for one purchase.
func (m *Memory) BonusesForPurchase(purchaseID string) []settle.ReferralBonus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []settle.ReferralBonus
	for k, b := range m.bonuses {
		if k.PurchaseID == purchaseID {
			out = append(out, b)
		}
	}
	return out
}

// =============================================================================
// settle.Store IMPLEMENTATION
// =============================================================================

func (m *Memory) PurchasesByStatus(_ context.Context, status settle.PurchaseStatus) ([]settle.Purchase, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []settle.Purchase
	for _, p := range m.purchases {
		if p.Status == status {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m *Memory) FirstPurchasesByStatus(_ context.Context, status settle.PurchaseStatus) ([]settle.Purchase, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []settle.Purchase
	for _, p := range m.purchases {
		if p.Status == status && p.IsFirstPurchase {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m *Memory) GetPurchase(_ context.Context, id string) (*settle.Purchase, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if p, ok := m.purchases[id]; ok {
		return &p, nil
	}
	return nil, nil
}

func (m *Memory) GetUser(_ context.Context, id string) (*settle.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if u, ok := m.users[id]; ok {
		return &u, nil
	}
	return nil, nil
}

func (m *Memory) IncrementBalances(_ context.Context, userID string, delta settle.BalanceDelta) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.incrementLocked(userID, delta)
}

func (m *Memory) UpdatePurchaseProgress(_ context.Context, id string, paidDays int, status settle.PurchaseStatus, finishedAt *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updateProgressLocked(id, paidDays, status, finishedAt)
}

func (m *Memory) CreateReferralBonus(_ context.Context, bonus settle.ReferralBonus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createBonusLocked(bonus)
}

func (m *Memory) AppendHistory(_ context.Context, entry settle.HistoryEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history = append(m.history, entry)
	return nil
}

func (m *Memory) AppendNotification(_ context.Context, note settle.Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notifications = append(m.notifications, note)
	return nil
}

// =============================================================================
// LOCKED INTERNALS - Shared with the transactional view
// =============================================================================

func (m *Memory) incrementLocked(userID string, delta settle.BalanceDelta) error {
	u, ok := m.users[userID]
	if !ok {
		return settle.ErrUserNotFound
	}
	u.Saldo = u.Saldo.Add(delta.Saldo)
	u.Aset = u.Aset.Add(delta.Aset)
	u.BonusBalance = u.BonusBalance.Add(delta.BonusBalance)
	m.users[userID] = u
	return nil
}

func (m *Memory) updateProgressLocked(id string, paidDays int, status settle.PurchaseStatus, finishedAt *time.Time) error {
	p, ok := m.purchases[id]
	if !ok {
		return settle.ErrPurchaseNotFound
	}
	p.PaidDays = paidDays
	p.Status = status
	if finishedAt != nil {
		t := *finishedAt
		p.FinishedAt = &t
	}
	m.purchases[id] = p
	return nil
}

func (m *Memory) createBonusLocked(bonus settle.ReferralBonus) error {
	k := bonusKey{PurchaseID: bonus.PurchaseID, Level: bonus.Level}
	if _, exists := m.bonuses[k]; exists {
		return settle.ErrBonusAlreadyPaid
	}
	m.bonuses[k] = bonus
	return nil
}

// =============================================================================
// TRANSACTIONAL MEMORY STORE
// =============================================================================

// TxMemory wraps Memory with transaction support, simulated with a
// snapshot + rollback on error.
type TxMemory struct {
	*Memory
}

func NewTxMemory() *TxMemory {
	return &TxMemory{Memory: NewMemory()}
}

func (tm *TxMemory) WithTx(_ context.Context, fn func(settle.Store) error) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	snapshot := tm.snapshot()
	if err := fn(&txMemoryView{parent: tm.Memory}); err != nil {
		tm.restore(snapshot)
		return err
	}
	return nil
}

func (tm *TxMemory) snapshot() memorySnapshot {
	users := make(map[string]settle.User, len(tm.users))
	for k, v := range tm.users {
		users[k] = v
	}
	purchases := make(map[string]settle.Purchase, len(tm.purchases))
	for k, v := range tm.purchases {
		purchases[k] = v
	}
	bonuses := make(map[bonusKey]settle.ReferralBonus, len(tm.bonuses))
	for k, v := range tm.bonuses {
		bonuses[k] = v
	}
	return memorySnapshot{
		users:         users,
		purchases:     purchases,
		bonuses:       bonuses,
		history:       append([]settle.HistoryEntry(nil), tm.history...),
		notifications: append([]settle.Notification(nil), tm.notifications...),
	}
}

func (tm *TxMemory) restore(s memorySnapshot) {
	tm.users = s.users
	tm.purchases = s.purchases
	tm.bonuses = s.bonuses
	tm.history = s.history
	tm.notifications = s.notifications
}

type memorySnapshot struct {
	users         map[string]settle.User
	purchases     map[string]settle.Purchase
	bonuses       map[bonusKey]settle.ReferralBonus
	history       []settle.HistoryEntry
	notifications []settle.Notification
}

// txMemoryView runs against the already-locked parent.
type txMemoryView struct {
	parent *Memory
}

func (tv *txMemoryView) PurchasesByStatus(_ context.Context, status settle.PurchaseStatus) ([]settle.Purchase, error) {
	var out []settle.Purchase
	for _, p := range tv.parent.purchases {
		if p.Status == status {
			out = append(out, p)
		}
	}
	return out, nil
}

func (tv *txMemoryView) FirstPurchasesByStatus(_ context.Context, status settle.PurchaseStatus) ([]settle.Purchase, error) {
	var out []settle.Purchase
	for _, p := range tv.parent.purchases {
		if p.Status == status && p.IsFirstPurchase {
			out = append(out, p)
		}
	}
	return out, nil
}

func (tv *txMemoryView) GetPurchase(_ context.Context, id string) (*settle.Purchase, error) {
	if p, ok := tv.parent.purchases[id]; ok {
		return &p, nil
	}
	return nil, nil
}

func (tv *txMemoryView) GetUser(_ context.Context, id string) (*settle.User, error) {
	if u, ok := tv.parent.users[id]; ok {
		return &u, nil
	}
	return nil, nil
}

func (tv *txMemoryView) IncrementBalances(_ context.Context, userID string, delta settle.BalanceDelta) error {
	return tv.parent.incrementLocked(userID, delta)
}

func (tv *txMemoryView) UpdatePurchaseProgress(_ context.Context, id string, paidDays int, status settle.PurchaseStatus, finishedAt *time.Time) error {
	return tv.parent.updateProgressLocked(id, paidDays, status, finishedAt)
}

func (tv *txMemoryView) CreateReferralBonus(_ context.Context, bonus settle.ReferralBonus) error {
	return tv.parent.createBonusLocked(bonus)
}

func (tv *txMemoryView) AppendHistory(_ context.Context, entry settle.HistoryEntry) error {
	tv.parent.history = append(tv.parent.history, entry)
	return nil
}

func (tv *txMemoryView) AppendNotification(_ context.Context, note settle.Notification) error {
	tv.parent.notifications = append(tv.parent.notifications, note)
	return nil
}
