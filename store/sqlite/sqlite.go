/*
Package sqlite provides a SQLite-backed implementation of ledger.TxStore.

PURPOSE:
  Production persistence for the credit ledger. The same patterns apply to
  PostgreSQL - only minor SQL dialect differences (SELECT ... FOR UPDATE
  instead of WAL single-writer semantics).

CONCURRENCY:
  Uses a sync.RWMutex around the database plus SQL transactions. WithTx
  holds the write lock for the whole unit of work, so in-process callers
  get genuine row exclusivity; the conditional decrement
  (remaining_credits >= delta) backstops that guarantee for independent
  processes sharing the file. RowsAffected == 0 on the decrement maps to
  ledger.ErrConcurrentModification.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging):
  - Multiple readers don't block
  - Single writer at a time
  - Better crash recovery

TIME ENCODING:
  All timestamps are RFC3339 UTC TEXT. Lexicographic comparison on those
  strings matches chronological order, which the expiry filters rely on.

MIGRATION:
  Schema is auto-migrated on New(). For production, use a proper migration
  tool (golang-migrate, goose) with versioned migrations.

SEE ALSO:
  - ledger/store.go: Interface definition
  - ledger/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/warp/credit-engine/ledger"
)

// Store implements ledger.TxStore using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

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
	CREATE TABLE IF NOT EXISTS entries (
		id TEXT PRIMARY KEY,
		transaction_no TEXT NOT NULL UNIQUE,
		user_id TEXT NOT NULL,
		user_email TEXT,
		tx_type TEXT NOT NULL,
		scene TEXT NOT NULL,
		credits INTEGER NOT NULL,
		remaining_credits INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL DEFAULT 'ACTIVE',
		expires_at TEXT,
		consumed_detail_json TEXT,
		signup_ip TEXT,
		claim_ip TEXT,
		claim_country TEXT,
		description TEXT,
		metadata_json TEXT,
		created_at TEXT NOT NULL,

		CHECK (remaining_credits >= 0)
	);

	-- Balance calculation and the consumption walk (hot path)
	CREATE INDEX IF NOT EXISTS idx_entries_user_spendable
		ON entries(user_id, tx_type, status, expires_at)
		WHERE remaining_credits > 0;

	-- Entry listing per user
	CREATE INDEX IF NOT EXISTS idx_entries_user_created
		ON entries(user_id, created_at DESC);

	-- IP velocity queries for the first-login bonus
	CREATE INDEX IF NOT EXISTS idx_entries_signup_ip
		ON entries(signup_ip, created_at) WHERE signup_ip != '';
	CREATE INDEX IF NOT EXISTS idx_entries_claim_ip
		ON entries(claim_ip, created_at) WHERE claim_ip != '';

	-- Housekeeping sweep
	CREATE INDEX IF NOT EXISTS idx_entries_status_expires
		ON entries(status, expires_at) WHERE expires_at IS NOT NULL;
	`

	_, err := s.db.Exec(schema)
	return err
}

// dbtx is satisfied by both *sql.DB and *sql.Tx so every query helper can
// run inside or outside a unit of work.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// =============================================================================
// STORE INTERFACE (ledger.Store)
// =============================================================================

func (s *Store) Insert(ctx context.Context, e ledger.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return insertEntry(ctx, s.db, e)
}

func (s *Store) GetByTransactionNo(ctx context.Context, transactionNo string) (*ledger.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getByTransactionNo(ctx, s.db, transactionNo)
}

func (s *Store) SumRemaining(ctx context.Context, userID string, now time.Time) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sumRemaining(ctx, s.db, userID, now)
}

func (s *Store) SelectActiveGrants(ctx context.Context, userID string, now time.Time, limit int) ([]ledger.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return selectActiveGrants(ctx, s.db, userID, now, limit)
}

func (s *Store) DecrementRemaining(ctx context.Context, entryID string, delta int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return decrementRemaining(ctx, s.db, entryID, delta)
}

func (s *Store) CountBonusGrants(ctx context.Context, signupIP, claimIP string, since time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return countBonusGrants(ctx, s.db, signupIP, claimIP, since)
}

func (s *Store) MarkExpired(ctx context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return markExpired(ctx, s.db, now)
}

func (s *Store) SoftDelete(ctx context.Context, entryID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return softDelete(ctx, s.db, entryID)
}

func (s *Store) Entries(ctx context.Context, userID string, limit int) ([]ledger.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listEntries(ctx, s.db, userID, limit)
}

// =============================================================================
// UNIT OF WORK (ledger.TxStore)
// =============================================================================

// WithTx executes fn within one database transaction. The store's write
// lock is held for the duration, serializing concurrent units of work.
func (s *Store) WithTx(ctx context.Context, fn func(ledger.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{tx: sqlTx}); err != nil {
		return err
	}

	return sqlTx.Commit()
}

// txStore runs every operation through the open sql.Tx so reads observe the
// unit of work's own writes.
type txStore struct {
	tx *sql.Tx
}

func (t *txStore) Insert(ctx context.Context, e ledger.Entry) error {
	return insertEntry(ctx, t.tx, e)
}

func (t *txStore) GetByTransactionNo(ctx context.Context, transactionNo string) (*ledger.Entry, error) {
	return getByTransactionNo(ctx, t.tx, transactionNo)
}

func (t *txStore) SumRemaining(ctx context.Context, userID string, now time.Time) (int64, error) {
	return sumRemaining(ctx, t.tx, userID, now)
}

func (t *txStore) SelectActiveGrants(ctx context.Context, userID string, now time.Time, limit int) ([]ledger.Entry, error) {
	return selectActiveGrants(ctx, t.tx, userID, now, limit)
}

func (t *txStore) DecrementRemaining(ctx context.Context, entryID string, delta int64) error {
	return decrementRemaining(ctx, t.tx, entryID, delta)
}

func (t *txStore) CountBonusGrants(ctx context.Context, signupIP, claimIP string, since time.Time) (int, error) {
	return countBonusGrants(ctx, t.tx, signupIP, claimIP, since)
}

func (t *txStore) MarkExpired(ctx context.Context, now time.Time) (int64, error) {
	return markExpired(ctx, t.tx, now)
}

func (t *txStore) SoftDelete(ctx context.Context, entryID string) error {
	return softDelete(ctx, t.tx, entryID)
}

func (t *txStore) Entries(ctx context.Context, userID string, limit int) ([]ledger.Entry, error) {
	return listEntries(ctx, t.tx, userID, limit)
}

// =============================================================================
// QUERY IMPLEMENTATIONS
// =============================================================================

const entryColumns = `id, transaction_no, user_id, user_email, tx_type, scene,
	credits, remaining_credits, status, expires_at, consumed_detail_json,
	signup_ip, claim_ip, claim_country, description, metadata_json, created_at`

// spendableWhere matches the eligibility rule in ledger.Entry.Spendable.
const spendableWhere = `user_id = ? AND tx_type = 'GRANT' AND status = 'ACTIVE'
	AND remaining_credits > 0
	AND (expires_at IS NULL OR expires_at > ?)`

func insertEntry(ctx context.Context, db dbtx, e ledger.Entry) error {
	var detailJSON []byte
	if e.ConsumedDetail != nil {
		detailJSON, _ = json.Marshal(e.ConsumedDetail)
	}
	var metadataJSON []byte
	if e.Metadata != nil {
		metadataJSON, _ = json.Marshal(e.Metadata)
	}

	query := `
		INSERT INTO entries
		(id, transaction_no, user_id, user_email, tx_type, scene, credits,
		 remaining_credits, status, expires_at, consumed_detail_json,
		 signup_ip, claim_ip, claim_country, description, metadata_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := db.ExecContext(ctx, query,
		e.ID,
		e.TransactionNo,
		e.UserID,
		e.UserEmail,
		e.Type,
		e.Scene,
		e.Credits,
		e.RemainingCredits,
		e.Status,
		nullTime(e.ExpiresAt),
		nullString(string(detailJSON)),
		e.SignupIP,
		e.ClaimIP,
		e.ClaimCountry,
		e.Description,
		nullString(string(metadataJSON)),
		e.CreatedAt.UTC().Format(time.RFC3339),
	)

	if err != nil {
		if isUniqueConstraintError(err) {
			return ledger.ErrDuplicateTransactionNo
		}
		return fmt.Errorf("failed to insert entry: %w", err)
	}
	return nil
}

func getByTransactionNo(ctx context.Context, db dbtx, transactionNo string) (*ledger.Entry, error) {
	query := `SELECT ` + entryColumns + ` FROM entries WHERE transaction_no = ?`

	entries, err := queryEntries(ctx, db, query, transactionNo)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, nil
	}
	return &entries[0], nil
}

func sumRemaining(ctx context.Context, db dbtx, userID string, now time.Time) (int64, error) {
	query := `SELECT COALESCE(SUM(remaining_credits), 0) FROM entries WHERE ` + spendableWhere

	var total int64
	err := db.QueryRowContext(ctx, query, userID, formatTime(now)).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to sum remaining credits: %w", err)
	}
	return total, nil
}

func selectActiveGrants(ctx context.Context, db dbtx, userID string, now time.Time, limit int) ([]ledger.Entry, error) {
	// NULL expiry sorts last: those credits have no deadline, so credits
	// that could expire unused are spent first.
	query := `SELECT ` + entryColumns + `
		FROM entries
		WHERE ` + spendableWhere + `
		ORDER BY expires_at IS NULL, expires_at ASC, created_at ASC
		LIMIT ?`

	return queryEntries(ctx, db, query, userID, formatTime(now), limit)
}

func decrementRemaining(ctx context.Context, db dbtx, entryID string, delta int64) error {
	// Relative decrement with a predicate re-check: the defense against
	// lost updates. An absolute overwrite would silently clobber a
	// concurrent decrement.
	query := `
		UPDATE entries
		SET remaining_credits = remaining_credits - ?
		WHERE id = ? AND tx_type = 'GRANT' AND remaining_credits >= ?
	`

	res, err := db.ExecContext(ctx, query, delta, entryID, delta)
	if err != nil {
		return fmt.Errorf("failed to decrement entry %s: %w", entryID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ledger.ErrConcurrentModification
	}
	return nil
}

func countBonusGrants(ctx context.Context, db dbtx, signupIP, claimIP string, since time.Time) (int, error) {
	if signupIP == "" && claimIP == "" {
		return 0, nil
	}

	var arms []string
	var args []any
	if signupIP != "" {
		arms = append(arms, "signup_ip = ?")
		args = append(args, signupIP)
	}
	if claimIP != "" {
		arms = append(arms, "claim_ip = ?")
		args = append(args, claimIP)
	}

	query := `
		SELECT COUNT(*) FROM entries
		WHERE transaction_no LIKE ? AND created_at >= ? AND (` + strings.Join(arms, " OR ") + `)`
	args = append([]any{ledger.BonusTransactionNoPrefix + "%", formatTime(since)}, args...)

	var count int
	if err := db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count bonus grants: %w", err)
	}
	return count, nil
}

func markExpired(ctx context.Context, db dbtx, now time.Time) (int64, error) {
	query := `
		UPDATE entries
		SET status = 'EXPIRED'
		WHERE status = 'ACTIVE' AND expires_at IS NOT NULL AND expires_at <= ?
	`

	res, err := db.ExecContext(ctx, query, formatTime(now))
	if err != nil {
		return 0, fmt.Errorf("failed to mark expired entries: %w", err)
	}
	return res.RowsAffected()
}

func softDelete(ctx context.Context, db dbtx, entryID string) error {
	res, err := db.ExecContext(ctx,
		`UPDATE entries SET status = 'DELETED' WHERE id = ?`, entryID)
	if err != nil {
		return fmt.Errorf("failed to delete entry %s: %w", entryID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ledger.ErrEntryNotFound
	}
	return nil
}

func listEntries(ctx context.Context, db dbtx, userID string, limit int) ([]ledger.Entry, error) {
	query := `SELECT ` + entryColumns + `
		FROM entries
		WHERE user_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?`

	return queryEntries(ctx, db, query, userID, limit)
}

func queryEntries(ctx context.Context, db dbtx, query string, args ...any) ([]ledger.Entry, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query entries: %w", err)
	}
	defer rows.Close()

	var entries []ledger.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func scanEntry(rows *sql.Rows) (ledger.Entry, error) {
	var (
		e            ledger.Entry
		userEmail    sql.NullString
		expiresAt    sql.NullString
		detailJSON   sql.NullString
		signupIP     sql.NullString
		claimIP      sql.NullString
		claimCountry sql.NullString
		description  sql.NullString
		metadataJSON sql.NullString
		createdAt    string
	)

	err := rows.Scan(
		&e.ID, &e.TransactionNo, &e.UserID, &userEmail, &e.Type, &e.Scene,
		&e.Credits, &e.RemainingCredits, &e.Status, &expiresAt, &detailJSON,
		&signupIP, &claimIP, &claimCountry, &description, &metadataJSON, &createdAt,
	)
	if err != nil {
		return e, fmt.Errorf("failed to scan entry: %w", err)
	}

	e.UserEmail = userEmail.String
	e.SignupIP = signupIP.String
	e.ClaimIP = claimIP.String
	e.ClaimCountry = claimCountry.String
	e.Description = description.String

	if expiresAt.Valid {
		t, err := time.Parse(time.RFC3339, expiresAt.String)
		if err != nil {
			return e, fmt.Errorf("failed to parse expires_at: %w", err)
		}
		e.ExpiresAt = &t
	}
	e.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)

	if detailJSON.Valid && detailJSON.String != "" {
		if err := json.Unmarshal([]byte(detailJSON.String), &e.ConsumedDetail); err != nil {
			return e, fmt.Errorf("failed to parse consumed detail: %w", err)
		}
	}
	if metadataJSON.Valid && metadataJSON.String != "" {
		json.Unmarshal([]byte(metadataJSON.String), &e.Metadata)
	}

	return e, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func isUniqueConstraintError(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "duplicate key"))
}
