/*
Package sqlite provides a SQLite-backed implementation of settle.Store.

PURPOSE:
  Production persistence for the settlement engine. The same patterns apply
  to PostgreSQL - only minor SQL dialect differences.

INTERFACES IMPLEMENTED:
  settle.Store:   Document-style reads/writes per record
  settle.TxStore: All-or-nothing execution for one settlement's writes

DEDUP ENFORCEMENT:
  The referral dedup invariant lives in the schema, not in application
  checks: idx_unique_bonus_per_level on referral_bonuses(purchase_id, level)
  makes CreateReferralBonus an atomic create-if-absent. A constraint
  violation is mapped to settle.ErrBonusAlreadyPaid.

MONEY:
  Decimal values are stored as TEXT and parsed with shopspring/decimal.
  Balance increments therefore read-add-write inside a database
  transaction, which keeps the per-document atomicity contract.

WAL MODE:
  SQLite is opened with WAL for better concurrency: multiple readers don't
  block, single writer at a time, better crash recovery.

USAGE:
  store, err := sqlite.New("./data/settlement.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

SEE ALSO:
  - settle/store.go: Interface definitions and contracts
  - settle/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	sqlite3 "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/warp/settlement-engine/settle"
)

// Store implements settle.Store and settle.TxStore over SQLite.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// dbtx is satisfied by both *sql.DB and *sql.Tx.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection: writes are serialized anyway, and ":memory:" opens a
	// separate database per connection otherwise.
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		saldo TEXT NOT NULL DEFAULT '0',
		aset TEXT NOT NULL DEFAULT '0',
		bonus_balance TEXT NOT NULL DEFAULT '0',
		invited_by TEXT
	);

	CREATE TABLE IF NOT EXISTS purchases (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		animal TEXT NOT NULL,
		status TEXT NOT NULL,
		daily_income TEXT NOT NULL DEFAULT '0',
		duration INTEGER NOT NULL,
		paid_days INTEGER NOT NULL DEFAULT 0,
		is_first_purchase INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		finished_at TEXT
	);

	-- Pass eligibility queries (hot path)
	CREATE INDEX IF NOT EXISTS idx_purchases_status
		ON purchases(status);
	CREATE INDEX IF NOT EXISTS idx_purchases_status_first
		ON purchases(status, is_first_purchase);

	CREATE TABLE IF NOT EXISTS referral_bonuses (
		id TEXT PRIMARY KEY,
		sponsor_id TEXT NOT NULL,
		from_user_id TEXT NOT NULL,
		purchase_id TEXT NOT NULL,
		level INTEGER NOT NULL,
		bonus TEXT NOT NULL,
		status TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	-- CRITICAL: at most one payout per (purchase, level). This index IS the
	-- dedup gate - CreateReferralBonus relies on the constraint violation,
	-- never on a preceding existence query.
	CREATE UNIQUE INDEX IF NOT EXISTS idx_unique_bonus_per_level
		ON referral_bonuses(purchase_id, level);

	CREATE INDEX IF NOT EXISTS idx_bonuses_sponsor
		ON referral_bonuses(sponsor_id);

	-- Informational sinks (append-only)
	CREATE TABLE IF NOT EXISTS history (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		animal TEXT,
		amount TEXT NOT NULL,
		type TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_history_user
		ON history(user_id);

	CREATE TABLE IF NOT EXISTS notifications (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		title TEXT NOT NULL,
		message TEXT NOT NULL,
		type TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_notifications_user
		ON notifications(user_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// SEEDING - Used by dev tooling and tests; upstream systems own these rows
// =============================================================================

// SaveUser inserts or replaces a user row.
func (s *Store) SaveUser(ctx context.Context, u settle.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO users (id, saldo, aset, bonus_balance, invited_by)
		VALUES (?, ?, ?, ?, ?)`,
		u.ID, u.Saldo.String(), u.Aset.String(), u.BonusBalance.String(), nullString(u.InvitedBy),
	)
	return err
}

// SavePurchase inserts or replaces a purchase row.
func (s *Store) SavePurchase(ctx context.Context, p settle.Purchase) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO purchases
		(id, user_id, animal, status, daily_income, duration, paid_days, is_first_purchase, created_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.UserID, p.Animal, string(p.Status), p.DailyIncome.String(),
		p.Duration, p.PaidDays, boolToInt(p.IsFirstPurchase),
		p.CreatedAt.UTC().Format(time.RFC3339Nano), nullTime(p.FinishedAt),
	)
	return err
}

// =============================================================================
// settle.Store IMPLEMENTATION
// =============================================================================

func (s *Store) PurchasesByStatus(ctx context.Context, status settle.PurchaseStatus) ([]settle.Purchase, error) {
	return s.queryPurchases(ctx, s.db,
		`SELECT id, user_id, animal, status, daily_income, duration, paid_days, is_first_purchase, created_at, finished_at
		 FROM purchases WHERE status = ?`, string(status))
}

func (s *Store) FirstPurchasesByStatus(ctx context.Context, status settle.PurchaseStatus) ([]settle.Purchase, error) {
	return s.queryPurchases(ctx, s.db,
		`SELECT id, user_id, animal, status, daily_income, duration, paid_days, is_first_purchase, created_at, finished_at
		 FROM purchases WHERE status = ? AND is_first_purchase = 1`, string(status))
}

func (s *Store) GetPurchase(ctx context.Context, id string) (*settle.Purchase, error) {
	return s.getPurchaseTx(ctx, s.db, id)
}

func (s *Store) GetUser(ctx context.Context, id string) (*settle.User, error) {
	return s.getUserTx(ctx, s.db, id)
}

func (s *Store) IncrementBalances(ctx context.Context, userID string, delta settle.BalanceDelta) error {
	// Decimal-as-TEXT cannot be incremented in SQL, so the read-add-write
	// runs in its own transaction to keep the increment atomic.
	return s.WithTx(ctx, func(txs settle.Store) error {
		return txs.IncrementBalances(ctx, userID, delta)
	})
}

func (s *Store) UpdatePurchaseProgress(ctx context.Context, id string, paidDays int, status settle.PurchaseStatus, finishedAt *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updateProgressTx(ctx, s.db, id, paidDays, status, finishedAt)
}

func (s *Store) CreateReferralBonus(ctx context.Context, bonus settle.ReferralBonus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createBonusTx(ctx, s.db, bonus)
}

func (s *Store) AppendHistory(ctx context.Context, entry settle.HistoryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendHistoryTx(ctx, s.db, entry)
}

func (s *Store) AppendNotification(ctx context.Context, note settle.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendNotificationTx(ctx, s.db, note)
}

// =============================================================================
// TRANSACTIONAL STORE (settle.TxStore interface)
// =============================================================================

// WithTx executes fn within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(settle.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{tx: sqlTx, parent: s}); err != nil {
		return err
	}

	return sqlTx.Commit()
}

// txStore runs every operation against one *sql.Tx. It never re-acquires
// the parent mutex - WithTx already holds it.
type txStore struct {
	tx     *sql.Tx
	parent *Store
}

func (ts *txStore) PurchasesByStatus(ctx context.Context, status settle.PurchaseStatus) ([]settle.Purchase, error) {
	return ts.parent.queryPurchases(ctx, ts.tx,
		`SELECT id, user_id, animal, status, daily_income, duration, paid_days, is_first_purchase, created_at, finished_at
		 FROM purchases WHERE status = ?`, string(status))
}

func (ts *txStore) FirstPurchasesByStatus(ctx context.Context, status settle.PurchaseStatus) ([]settle.Purchase, error) {
	return ts.parent.queryPurchases(ctx, ts.tx,
		`SELECT id, user_id, animal, status, daily_income, duration, paid_days, is_first_purchase, created_at, finished_at
		 FROM purchases WHERE status = ? AND is_first_purchase = 1`, string(status))
}

func (ts *txStore) GetPurchase(ctx context.Context, id string) (*settle.Purchase, error) {
	return ts.parent.getPurchaseTx(ctx, ts.tx, id)
}

func (ts *txStore) GetUser(ctx context.Context, id string) (*settle.User, error) {
	return ts.parent.getUserTx(ctx, ts.tx, id)
}

func (ts *txStore) IncrementBalances(ctx context.Context, userID string, delta settle.BalanceDelta) error {
	u, err := ts.parent.getUserTx(ctx, ts.tx, userID)
	if err != nil {
		return err
	}
	if u == nil {
		return settle.ErrUserNotFound
	}

	_, err = ts.tx.ExecContext(ctx,
		`UPDATE users SET saldo = ?, aset = ?, bonus_balance = ? WHERE id = ?`,
		u.Saldo.Add(delta.Saldo).String(),
		u.Aset.Add(delta.Aset).String(),
		u.BonusBalance.Add(delta.BonusBalance).String(),
		userID,
	)
	if err != nil {
		return fmt.Errorf("failed to increment balances: %w", err)
	}
	return nil
}

func (ts *txStore) UpdatePurchaseProgress(ctx context.Context, id string, paidDays int, status settle.PurchaseStatus, finishedAt *time.Time) error {
	return ts.parent.updateProgressTx(ctx, ts.tx, id, paidDays, status, finishedAt)
}

func (ts *txStore) CreateReferralBonus(ctx context.Context, bonus settle.ReferralBonus) error {
	return ts.parent.createBonusTx(ctx, ts.tx, bonus)
}

func (ts *txStore) AppendHistory(ctx context.Context, entry settle.HistoryEntry) error {
	return ts.parent.appendHistoryTx(ctx, ts.tx, entry)
}

func (ts *txStore) AppendNotification(ctx context.Context, note settle.Notification) error {
	return ts.parent.appendNotificationTx(ctx, ts.tx, note)
}

// =============================================================================
// SHARED INTERNALS - Run on either *sql.DB or *sql.Tx
// =============================================================================

func (s *Store) getPurchaseTx(ctx context.Context, db dbtx, id string) (*settle.Purchase, error) {
	purchases, err := s.queryPurchases(ctx, db,
		`SELECT id, user_id, animal, status, daily_income, duration, paid_days, is_first_purchase, created_at, finished_at
		 FROM purchases WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(purchases) == 0 {
		return nil, nil
	}
	return &purchases[0], nil
}

func (s *Store) getUserTx(ctx context.Context, db dbtx, id string) (*settle.User, error) {
	var (
		u         settle.User
		saldo     string
		aset      string
		bonus     string
		invitedBy sql.NullString
	)
	err := db.QueryRowContext(ctx,
		`SELECT id, saldo, aset, bonus_balance, invited_by FROM users WHERE id = ?`, id,
	).Scan(&u.ID, &saldo, &aset, &bonus, &invitedBy)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}

	if u.Saldo, err = decimal.NewFromString(saldo); err != nil {
		return nil, fmt.Errorf("invalid saldo for user %s: %w", id, err)
	}
	if u.Aset, err = decimal.NewFromString(aset); err != nil {
		return nil, fmt.Errorf("invalid aset for user %s: %w", id, err)
	}
	if u.BonusBalance, err = decimal.NewFromString(bonus); err != nil {
		return nil, fmt.Errorf("invalid bonus balance for user %s: %w", id, err)
	}
	u.InvitedBy = invitedBy.String
	return &u, nil
}

func (s *Store) updateProgressTx(ctx context.Context, db dbtx, id string, paidDays int, status settle.PurchaseStatus, finishedAt *time.Time) error {
	res, err := db.ExecContext(ctx,
		`UPDATE purchases SET paid_days = ?, status = ?,
		 finished_at = COALESCE(?, finished_at)
		 WHERE id = ?`,
		paidDays, string(status), nullTime(finishedAt), id,
	)
	if err != nil {
		return fmt.Errorf("failed to update purchase progress: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return settle.ErrPurchaseNotFound
	}
	return nil
}

func (s *Store) createBonusTx(ctx context.Context, db dbtx, bonus settle.ReferralBonus) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO referral_bonuses
		(id, sponsor_id, from_user_id, purchase_id, level, bonus, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		bonus.ID, bonus.SponsorID, bonus.FromUserID, bonus.PurchaseID,
		bonus.Level, bonus.Bonus.String(), string(bonus.Status),
		bonus.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return settle.ErrBonusAlreadyPaid
		}
		return fmt.Errorf("failed to create referral bonus: %w", err)
	}
	return nil
}

func (s *Store) appendHistoryTx(ctx context.Context, db dbtx, entry settle.HistoryEntry) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO history (id, user_id, animal, amount, type, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.UserID, entry.Animal, entry.Amount.String(),
		string(entry.Type), entry.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to append history: %w", err)
	}
	return nil
}

func (s *Store) appendNotificationTx(ctx context.Context, db dbtx, note settle.Notification) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO notifications (id, user_id, title, message, type, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		note.ID, note.UserID, note.Title, note.Message,
		string(note.Type), note.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to append notification: %w", err)
	}
	return nil
}

func (s *Store) queryPurchases(ctx context.Context, db dbtx, query string, args ...any) ([]settle.Purchase, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query purchases: %w", err)
	}
	defer rows.Close()

	var purchases []settle.Purchase
	for rows.Next() {
		p, err := scanPurchase(rows)
		if err != nil {
			return nil, err
		}
		purchases = append(purchases, p)
	}
	return purchases, rows.Err()
}

func scanPurchase(rows *sql.Rows) (settle.Purchase, error) {
	var (
		p          settle.Purchase
		status     string
		income     string
		first      int
		createdAt  string
		finishedAt sql.NullString
	)
	if err := rows.Scan(&p.ID, &p.UserID, &p.Animal, &status, &income,
		&p.Duration, &p.PaidDays, &first, &createdAt, &finishedAt); err != nil {
		return settle.Purchase{}, fmt.Errorf("failed to scan purchase: %w", err)
	}

	p.Status = settle.PurchaseStatus(status)
	p.IsFirstPurchase = first != 0

	var err error
	if p.DailyIncome, err = decimal.NewFromString(income); err != nil {
		return settle.Purchase{}, fmt.Errorf("invalid daily income for purchase %s: %w", p.ID, err)
	}
	if p.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return settle.Purchase{}, fmt.Errorf("invalid created_at for purchase %s: %w", p.ID, err)
	}
	if finishedAt.Valid {
		t, err := time.Parse(time.RFC3339Nano, finishedAt.String)
		if err != nil {
			return settle.Purchase{}, fmt.Errorf("invalid finished_at for purchase %s: %w", p.ID, err)
		}
		p.FinishedAt = &t
	}
	return p, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339Nano), Valid: true}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func isUniqueConstraintError(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrConstraint
	}
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
