/*
Package sqlite provides the SQLite-backed implementation of the credit and
escrow repositories.

PURPOSE:
  One database, two domain views:
  - Store.Credits(): credits.TxStore (balances, ledger, packages, pricing, views)
  - Store.Escrows(): escrow.TxStore  (escrows, event log, disputes, proofs)

APPEND-ONLY ENFORCEMENT:
  Enforced in the schema, not only by convention:
  - credit_transactions: DELETE is rejected; UPDATE is rejected unless the
    row is still pending (pending -> completed/failed/cancelled)
  - escrow_events: UPDATE and DELETE are rejected

KEY TABLES:
  credit_balances:     Cached running total per user
  credit_transactions: Immutable credit ledger
  credit_packages:     Purchasable bundles
  credit_pricing:      Credits required per action
  property_views:      One row per (user, property) already paid for
  escrows:             Escrow aggregates
  escrow_events:       Immutable escrow audit trail
  escrow_disputes:     At most one per escrow
  payment_proofs:      Buyer-uploaded payment evidence

INDEXES:
  - idx_property_views primary key: at-most-once view charge
  - idx_unique_refund: a usage row can be refunded once
  - idx_escrows_deadlines: sweep queries

CONCURRENCY:
  Every WithTx unit holds the store's writer mutex and opens its SQL
  transaction with BEGIN IMMEDIATE (_txlock=immediate), so two units never
  interleave: a balance read inside a unit is a locked read. Escrow
  updates are additionally compare-and-swap on the previous status.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging):
  - Readers don't block the writer
  - Single writer at a time
  - Better crash recovery

USAGE:
  store, err := sqlite.New("./data/property237.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  creditSvc := credits.NewService(store.Credits())
  escrowSvc := escrow.NewService(store.Escrows())

MIGRATION:
  Schema is auto-migrated on New().

SEE ALSO:
  - credits.go: credits.Repository
  - escrow.go: escrow.Repository
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
)

// timeLayout is fixed-width so stored timestamps compare correctly as text.
const timeLayout = "2006-01-02T15:04:05.000000Z07:00"

// Store owns the database handle and the writer lock.
type Store struct {
	db *sql.DB
	mu sync.Mutex

	credits *CreditStore
	escrows *EscrowStore
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// New opens (and migrates) the database at dbPath.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	dsn := dbPath + "?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		// Each connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
		db.SetConnMaxLifetime(0)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	store.credits = &CreditStore{creditRepo: creditRepo{q: db}, parent: store}
	store.escrows = &EscrowStore{escrowRepo: escrowRepo{q: db}, parent: store}
	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Credits() *CreditStore { return s.credits }
func (s *Store) Escrows() *EscrowStore { return s.escrows }

// withTx runs fn inside one SQL transaction under the writer lock.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(sqlTx); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Credit balances (cache of the ledger sum)
	CREATE TABLE IF NOT EXISTS credit_balances (
		user_id TEXT PRIMARY KEY,
		balance TEXT NOT NULL,
		total_purchased TEXT NOT NULL,
		total_spent TEXT NOT NULL,
		total_earned TEXT NOT NULL,
		last_purchase_at TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- Credit ledger (append-only)
	CREATE TABLE IF NOT EXISTS credit_transactions (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		user_id TEXT NOT NULL,
		tx_type TEXT NOT NULL,
		amount TEXT NOT NULL,
		status TEXT NOT NULL,
		balance_before TEXT NOT NULL,
		balance_after TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		reference_id TEXT,
		package_id TEXT,
		payment_method TEXT,
		payment_reference TEXT,
		payment_amount TEXT,
		payment_currency TEXT,
		metadata_json TEXT NOT NULL DEFAULT '{}',
		created_at TEXT NOT NULL,
		completed_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_credit_transactions_user
		ON credit_transactions(user_id, seq DESC);
	CREATE INDEX IF NOT EXISTS idx_credit_transactions_user_type
		ON credit_transactions(user_id, tx_type, status);

	-- A usage row can be refunded once
	CREATE UNIQUE INDEX IF NOT EXISTS idx_unique_refund
		ON credit_transactions(reference_id)
		WHERE tx_type = 'refund';

	CREATE TRIGGER IF NOT EXISTS credit_transactions_no_delete
		BEFORE DELETE ON credit_transactions
		BEGIN
			SELECT RAISE(ABORT, 'credit_transactions is append-only');
		END;

	CREATE TRIGGER IF NOT EXISTS credit_transactions_final_rows
		BEFORE UPDATE ON credit_transactions
		WHEN OLD.status <> 'pending'
		BEGIN
			SELECT RAISE(ABORT, 'final credit transactions are immutable');
		END;

	-- Packages
	CREATE TABLE IF NOT EXISTS credit_packages (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		credits INTEGER NOT NULL CHECK (credits >= 1),
		bonus_credits INTEGER NOT NULL DEFAULT 0 CHECK (bonus_credits >= 0),
		price TEXT NOT NULL,
		currency TEXT NOT NULL,
		is_popular BOOLEAN NOT NULL DEFAULT FALSE,
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		display_order INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- Pricing (one rule per action)
	CREATE TABLE IF NOT EXISTS credit_pricing (
		action TEXT PRIMARY KEY,
		credits_required TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		updated_at TEXT NOT NULL
	);

	-- CRITICAL: a property is paid for at most once per user
	CREATE TABLE IF NOT EXISTS property_views (
		user_id TEXT NOT NULL,
		property_id TEXT NOT NULL,
		transaction_id TEXT REFERENCES credit_transactions(id),
		ip_address TEXT,
		viewed_at TEXT NOT NULL,
		PRIMARY KEY (user_id, property_id)
	);

	-- Escrows
	CREATE TABLE IF NOT EXISTS escrows (
		id TEXT PRIMARY KEY,
		escrow_type TEXT NOT NULL,
		status TEXT NOT NULL,
		buyer_id TEXT NOT NULL,
		seller_id TEXT NOT NULL,
		property_id TEXT,
		amount TEXT NOT NULL,
		currency TEXT NOT NULL,
		terms TEXT NOT NULL DEFAULT '',
		release_conditions TEXT NOT NULL DEFAULT '',
		payment_method TEXT,
		expires_at TEXT,
		release_deadline TEXT,
		transaction_reference TEXT,
		payment_proof_uploaded BOOLEAN NOT NULL DEFAULT FALSE,
		payment_confirmed_by_seller BOOLEAN NOT NULL DEFAULT FALSE,
		released_amount TEXT NOT NULL DEFAULT '0',
		refunded_amount TEXT NOT NULL DEFAULT '0',
		cancel_requested_by TEXT,
		admin_notes TEXT NOT NULL DEFAULT '',
		forced_action_by TEXT,
		created_at TEXT NOT NULL,
		paid_at TEXT,
		confirmed_at TEXT,
		released_at TEXT,
		updated_at TEXT NOT NULL,
		CHECK (buyer_id <> seller_id)
	);

	CREATE INDEX IF NOT EXISTS idx_escrows_buyer ON escrows(buyer_id, created_at DESC);
	CREATE INDEX IF NOT EXISTS idx_escrows_seller ON escrows(seller_id, created_at DESC);
	CREATE INDEX IF NOT EXISTS idx_escrows_deadlines ON escrows(status, expires_at, release_deadline);

	-- Escrow events (append-only)
	CREATE TABLE IF NOT EXISTS escrow_events (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		escrow_id TEXT NOT NULL REFERENCES escrows(id),
		event_type TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		created_by TEXT NOT NULL,
		from_status TEXT NOT NULL,
		to_status TEXT NOT NULL,
		metadata_json TEXT NOT NULL DEFAULT '{}',
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_escrow_events_escrow ON escrow_events(escrow_id, seq);

	CREATE TRIGGER IF NOT EXISTS escrow_events_no_update
		BEFORE UPDATE ON escrow_events
		BEGIN
			SELECT RAISE(ABORT, 'escrow_events is append-only');
		END;

	CREATE TRIGGER IF NOT EXISTS escrow_events_no_delete
		BEFORE DELETE ON escrow_events
		BEGIN
			SELECT RAISE(ABORT, 'escrow_events is append-only');
		END;

	-- Disputes (one per escrow)
	CREATE TABLE IF NOT EXISTS escrow_disputes (
		id TEXT PRIMARY KEY,
		escrow_id TEXT NOT NULL UNIQUE REFERENCES escrows(id),
		opened_by TEXT NOT NULL,
		reason TEXT NOT NULL,
		evidence_description TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		resolution_notes TEXT NOT NULL DEFAULT '',
		resolved_by TEXT,
		seller_share TEXT,
		opened_at TEXT NOT NULL,
		resolved_at TEXT
	);

	-- Payment proofs
	CREATE TABLE IF NOT EXISTS payment_proofs (
		id TEXT PRIMARY KEY,
		escrow_id TEXT NOT NULL REFERENCES escrows(id),
		uploaded_by TEXT NOT NULL,
		file_ref TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		transaction_reference TEXT,
		is_verified BOOLEAN NOT NULL DEFAULT FALSE,
		verified_by TEXT,
		verification_notes TEXT NOT NULL DEFAULT '',
		uploaded_at TEXT NOT NULL,
		verified_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_payment_proofs_escrow ON payment_proofs(escrow_id);
	`
	_, err := s.db.Exec(schema)
	return err
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

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, s)
	}
	return t.UTC()
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseNullTime(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t := parseTime(ns.String)
	return &t
}

func isUniqueConstraintError(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}
