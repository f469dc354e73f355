/*
Package sqlite provides a SQLite-backed implementation of ledger.Store.

PURPOSE:
  Persists accounts, the pending queue, the applied and rejected logs and
  the ticket ledger in one database file. Several processes (the chat bot,
  the settlement worker, the dashboard) may open the same file.

LOCKING:
  WithTx opens a BEGIN IMMEDIATE transaction (_txlock=immediate), which takes
  SQLite's RESERVED lock up front. That lock is the cross-process mutual
  exclusion: a second writer waits up to _busy_timeout and then fails with a
  storage fault. Within one process a sync.RWMutex serializes access to the
  single connection.

APPEND-ONLY ENFORCEMENT:
  - applied_log and rejected_log only ever see INSERT
  - pending_transactions rows are deleted only by settlement
  - accounts and tickets are upserted

KEY TABLES:
  accounts:             id, display_name, balance, sequence
  pending_transactions: FIFO queue, position is the submission order
  applied_log:          settled requests; tx_id indexed (non-unique)
  rejected_log:         refused requests with code and reason
  tickets:              (item, account_id) -> count

INDEXES:
  - idx_pending_payer_sequence: admission duplicate check (hot path)
  - idx_applied_tx_id:          idempotency index over the full history

USAGE:
  store, err := sqlite.New("ledger.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  l := ledger.NewLedger(store)

MIGRATION:
  Schema is auto-migrated on New().

SEE ALSO:
  - ledger/store.go: Interface definitions
  - ledger/store/memory.go: In-memory implementation for testing
  - store/postgres: PostgreSQL implementation
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/warp/credit-ledger/ledger"
)

// Store implements ledger.Store using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

var _ ledger.Store = (*Store)(nil)

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	dsn := dbPath + "?_foreign_keys=on&_journal_mode=WAL&_txlock=immediate&_busy_timeout=5000"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection: ":memory:" databases are per-connection, and a single
	// writer is all SQLite allows anyway.
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
	CREATE TABLE IF NOT EXISTS accounts (
		id TEXT PRIMARY KEY,
		display_name TEXT NOT NULL,
		balance INTEGER NOT NULL DEFAULT 0,
		sequence INTEGER NOT NULL DEFAULT 0,
		updated_at TEXT NOT NULL
	);

	-- Pending queue (FIFO by position)
	CREATE TABLE IF NOT EXISTS pending_transactions (
		position INTEGER PRIMARY KEY AUTOINCREMENT,
		tx_id TEXT NOT NULL UNIQUE,
		kind TEXT NOT NULL,
		payer_id TEXT NOT NULL,
		payer_name TEXT,
		recipient_id TEXT,
		recipient_name TEXT,
		amount INTEGER NOT NULL,
		sequence INTEGER NOT NULL,
		extra_json TEXT,
		submitted_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_pending_payer_sequence
		ON pending_transactions(payer_id, sequence);

	-- Applied log (append-only)
	CREATE TABLE IF NOT EXISTS applied_log (
		position INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		run_id TEXT NOT NULL,
		tx_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		payer_id TEXT NOT NULL,
		payer_name TEXT,
		recipient_id TEXT,
		recipient_name TEXT,
		amount INTEGER NOT NULL,
		sequence INTEGER NOT NULL,
		extra_json TEXT,
		applied_at TEXT NOT NULL
	);

	-- Not unique: with a bounded duplicate window an old tx_id may be
	-- admitted again; the sequence check still refuses to execute it.
	CREATE INDEX IF NOT EXISTS idx_applied_tx_id
		ON applied_log(tx_id);

	-- Rejected log (append-only)
	CREATE TABLE IF NOT EXISTS rejected_log (
		position INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		run_id TEXT NOT NULL,
		code TEXT NOT NULL,
		reason TEXT NOT NULL,
		tx_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		payer_id TEXT NOT NULL,
		payer_name TEXT,
		recipient_id TEXT,
		recipient_name TEXT,
		amount INTEGER NOT NULL,
		sequence INTEGER NOT NULL,
		extra_json TEXT,
		rejected_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS tickets (
		item TEXT NOT NULL,
		account_id TEXT NOT NULL,
		count INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (item, account_id)
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// =============================================================================
// READS (ledger.Reader)
// =============================================================================

func (s *Store) GetAccount(ctx context.Context, id string) (*ledger.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getAccount(ctx, s.db, id)
}

func (s *Store) ListAccounts(ctx context.Context) ([]ledger.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listAccounts(ctx, s.db)
}

func (s *Store) ListPending(ctx context.Context) ([]ledger.TransactionRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listPending(ctx, s.db)
}

func (s *Store) AppliedTail(ctx context.Context, n int) ([]ledger.AppliedEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return appliedTail(ctx, s.db, n)
}

func (s *Store) RejectedTail(ctx context.Context, n int) ([]ledger.RejectedEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return rejectedTail(ctx, s.db, n)
}

func (s *Store) Tickets(ctx context.Context, item string) (map[string]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return tickets(ctx, s.db, item)
}

func getAccount(ctx context.Context, q querier, id string) (*ledger.Account, error) {
	var a ledger.Account
	err := q.QueryRowContext(ctx,
		`SELECT id, display_name, balance, sequence FROM accounts WHERE id = ?`, id,
	).Scan(&a.ID, &a.DisplayName, &a.Balance, &a.Sequence)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	return &a, nil
}

func listAccounts(ctx context.Context, q querier) ([]ledger.Account, error) {
	rows, err := q.QueryContext(ctx, `SELECT id, display_name, balance, sequence FROM accounts`)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	defer rows.Close()

	var out []ledger.Account
	for rows.Next() {
		var a ledger.Account
		if err := rows.Scan(&a.ID, &a.DisplayName, &a.Balance, &a.Sequence); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

const requestColumns = `tx_id, kind, payer_id, payer_name, recipient_id, recipient_name, amount, sequence, extra_json`

func listPending(ctx context.Context, q querier) ([]ledger.TransactionRequest, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT `+requestColumns+` FROM pending_transactions ORDER BY position ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending: %w", err)
	}
	defer rows.Close()

	var out []ledger.TransactionRequest
	for rows.Next() {
		var req ledger.TransactionRequest
		if err := scanRequest(rows, &req); err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	return out, rows.Err()
}

func appliedTail(ctx context.Context, q querier, n int) ([]ledger.AppliedEntry, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, run_id, applied_at, `+requestColumns+` FROM (
			SELECT * FROM applied_log ORDER BY position DESC LIMIT ?
		) ORDER BY position ASC`, limit(n))
	if err != nil {
		return nil, fmt.Errorf("failed to read applied log: %w", err)
	}
	defer rows.Close()

	var out []ledger.AppliedEntry
	for rows.Next() {
		var e ledger.AppliedEntry
		var at string
		if err := scanRequest(rows, &e.TransactionRequest, &e.ID, &e.RunID, &at); err != nil {
			return nil, err
		}
		e.AppliedAt = parseTime(at)
		out = append(out, e)
	}
	return out, rows.Err()
}

func rejectedTail(ctx context.Context, q querier, n int) ([]ledger.RejectedEntry, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, run_id, rejected_at, code, reason, `+requestColumns+` FROM (
			SELECT * FROM rejected_log ORDER BY position DESC LIMIT ?
		) ORDER BY position ASC`, limit(n))
	if err != nil {
		return nil, fmt.Errorf("failed to read rejected log: %w", err)
	}
	defer rows.Close()

	var out []ledger.RejectedEntry
	for rows.Next() {
		var e ledger.RejectedEntry
		var at string
		if err := scanRequest(rows, &e.Request, &e.ID, &e.RunID, &at, &e.Code, &e.Reason); err != nil {
			return nil, err
		}
		e.RejectedAt = parseTime(at)
		out = append(out, e)
	}
	return out, rows.Err()
}

func tickets(ctx context.Context, q querier, item string) (map[string]int64, error) {
	rows, err := q.QueryContext(ctx, `SELECT account_id, count FROM tickets WHERE item = ?`, item)
	if err != nil {
		return nil, fmt.Errorf("failed to read tickets: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int64)
	for rows.Next() {
		var id string
		var count int64
		if err := rows.Scan(&id, &count); err != nil {
			return nil, err
		}
		out[id] = count
	}
	return out, rows.Err()
}

// =============================================================================
// TRANSACTIONS (ledger.Tx)
// =============================================================================

// WithTx executes fn inside a BEGIN IMMEDIATE transaction.
func (s *Store) WithTx(ctx context.Context, fn func(ledger.Tx) error) error {
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

	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

type txStore struct {
	tx *sql.Tx
}

func (ts *txStore) GetAccount(ctx context.Context, id string) (*ledger.Account, error) {
	return getAccount(ctx, ts.tx, id)
}

func (ts *txStore) ListAccounts(ctx context.Context) ([]ledger.Account, error) {
	return listAccounts(ctx, ts.tx)
}

func (ts *txStore) ListPending(ctx context.Context) ([]ledger.TransactionRequest, error) {
	return listPending(ctx, ts.tx)
}

func (ts *txStore) AppliedTail(ctx context.Context, n int) ([]ledger.AppliedEntry, error) {
	return appliedTail(ctx, ts.tx, n)
}

func (ts *txStore) RejectedTail(ctx context.Context, n int) ([]ledger.RejectedEntry, error) {
	return rejectedTail(ctx, ts.tx, n)
}

func (ts *txStore) Tickets(ctx context.Context, item string) (map[string]int64, error) {
	return tickets(ctx, ts.tx, item)
}

func (ts *txStore) PutAccount(ctx context.Context, a ledger.Account) error {
	_, err := ts.tx.ExecContext(ctx, `
		INSERT INTO accounts (id, display_name, balance, sequence, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			display_name = excluded.display_name,
			balance = excluded.balance,
			sequence = excluded.sequence,
			updated_at = excluded.updated_at`,
		a.ID, a.DisplayName, a.Balance, a.Sequence, now())
	if err != nil {
		return fmt.Errorf("failed to save account: %w", err)
	}
	return nil
}

func (ts *txStore) AppendPending(ctx context.Context, req ledger.TransactionRequest) error {
	extra, err := encodeExtra(req.Extra)
	if err != nil {
		return err
	}
	_, err = ts.tx.ExecContext(ctx, `
		INSERT INTO pending_transactions (`+requestColumns+`, submitted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		req.TxID, req.Kind, req.PayerID, nullString(req.PayerName),
		nullString(req.RecipientID), nullString(req.RecipientName),
		req.Amount, req.Sequence, extra, now())
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("%w: %s", ledger.ErrDuplicateTxID, req.TxID)
		}
		return fmt.Errorf("failed to append pending: %w", err)
	}
	return nil
}

func (ts *txStore) RemovePending(ctx context.Context, txIDs []string) error {
	if len(txIDs) == 0 {
		return nil
	}
	stmt, err := ts.tx.PrepareContext(ctx, `DELETE FROM pending_transactions WHERE tx_id = ?`)
	if err != nil {
		return fmt.Errorf("failed to prepare delete: %w", err)
	}
	defer stmt.Close()

	for _, id := range txIDs {
		if _, err := stmt.ExecContext(ctx, id); err != nil {
			return fmt.Errorf("failed to remove pending %s: %w", id, err)
		}
	}
	return nil
}

func (ts *txStore) HasPendingSequence(ctx context.Context, payerID string, sequence int64) (bool, error) {
	return exists(ctx, ts.tx,
		`SELECT EXISTS(SELECT 1 FROM pending_transactions WHERE payer_id = ? AND sequence = ?)`,
		payerID, sequence)
}

func (ts *txStore) HasPendingTxID(ctx context.Context, txID string) (bool, error) {
	return exists(ctx, ts.tx,
		`SELECT EXISTS(SELECT 1 FROM pending_transactions WHERE tx_id = ?)`, txID)
}

func (ts *txStore) HasApplied(ctx context.Context, txID string, window int) (bool, error) {
	if window <= 0 {
		return exists(ctx, ts.tx, `SELECT EXISTS(SELECT 1 FROM applied_log WHERE tx_id = ?)`, txID)
	}
	return exists(ctx, ts.tx, `
		SELECT EXISTS(SELECT 1 FROM (
			SELECT tx_id FROM applied_log ORDER BY position DESC LIMIT ?
		) WHERE tx_id = ?)`, window, txID)
}

// PendingDebits sums in Go: SQLite's SUM raises "integer overflow" past
// int64 and the result must clamp instead.
func (ts *txStore) PendingDebits(ctx context.Context, payerID string) (int64, error) {
	rows, err := ts.tx.QueryContext(ctx,
		`SELECT amount FROM pending_transactions WHERE payer_id = ?`, payerID)
	if err != nil {
		return 0, fmt.Errorf("failed to sum pending debits: %w", err)
	}
	defer rows.Close()

	var total int64
	for rows.Next() {
		var amount int64
		if err := rows.Scan(&amount); err != nil {
			return 0, fmt.Errorf("failed to scan pending amount: %w", err)
		}
		total = ledger.SaturatingAdd(total, amount)
	}
	return total, rows.Err()
}

func (ts *txStore) AppendApplied(ctx context.Context, e ledger.AppliedEntry) error {
	extra, err := encodeExtra(e.Extra)
	if err != nil {
		return err
	}
	_, err = ts.tx.ExecContext(ctx, `
		INSERT INTO applied_log (id, run_id, applied_at, `+requestColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.RunID, e.AppliedAt.UTC().Format(time.RFC3339Nano),
		e.TxID, e.Kind, e.PayerID, nullString(e.PayerName),
		nullString(e.RecipientID), nullString(e.RecipientName),
		e.Amount, e.Sequence, extra)
	if err != nil {
		return fmt.Errorf("failed to append applied entry: %w", err)
	}
	return nil
}

func (ts *txStore) AppendRejected(ctx context.Context, e ledger.RejectedEntry) error {
	extra, err := encodeExtra(e.Request.Extra)
	if err != nil {
		return err
	}
	req := e.Request
	_, err = ts.tx.ExecContext(ctx, `
		INSERT INTO rejected_log (id, run_id, rejected_at, code, reason, `+requestColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.RunID, e.RejectedAt.UTC().Format(time.RFC3339Nano), e.Code, e.Reason,
		req.TxID, req.Kind, req.PayerID, nullString(req.PayerName),
		nullString(req.RecipientID), nullString(req.RecipientName),
		req.Amount, req.Sequence, extra)
	if err != nil {
		return fmt.Errorf("failed to append rejected entry: %w", err)
	}
	return nil
}

func (ts *txStore) AddTickets(ctx context.Context, item, accountID string, count int64) error {
	_, err := ts.tx.ExecContext(ctx, `
		INSERT INTO tickets (item, account_id, count) VALUES (?, ?, ?)
		ON CONFLICT(item, account_id) DO UPDATE SET count = count + excluded.count`,
		item, accountID, count)
	if err != nil {
		return fmt.Errorf("failed to add tickets: %w", err)
	}
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

// scanRequest scans a row whose trailing columns are requestColumns. Any
// leading columns go into head.
func scanRequest(rows *sql.Rows, req *ledger.TransactionRequest, head ...any) error {
	var payerName, recipientID, recipientName, extra sql.NullString
	dest := append(head,
		&req.TxID, &req.Kind, &req.PayerID, &payerName,
		&recipientID, &recipientName, &req.Amount, &req.Sequence, &extra)
	if err := rows.Scan(dest...); err != nil {
		return fmt.Errorf("failed to scan request: %w", err)
	}
	req.PayerName = payerName.String
	req.RecipientID = recipientID.String
	req.RecipientName = recipientName.String

	var err error
	req.Extra, err = decodeExtra(extra)
	return err
}

func exists(ctx context.Context, q querier, query string, args ...any) (bool, error) {
	var found bool
	if err := q.QueryRowContext(ctx, query, args...).Scan(&found); err != nil {
		return false, fmt.Errorf("failed to check existence: %w", err)
	}
	return found, nil
}

func encodeExtra(extra ledger.Extra) (sql.NullString, error) {
	if len(extra) == 0 {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(extra)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("failed to encode extra: %w", err)
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

// decodeExtra keeps numbers as json.Number so large integers survive.
func decodeExtra(s sql.NullString) (ledger.Extra, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	dec := json.NewDecoder(strings.NewReader(s.String))
	dec.UseNumber()
	var extra ledger.Extra
	if err := dec.Decode(&extra); err != nil {
		return nil, fmt.Errorf("failed to decode extra: %w", err)
	}
	return extra, nil
}

// limit maps "all" (n <= 0) to SQLite's unbounded LIMIT.
func limit(n int) int {
	if n <= 0 {
		return -1
	}
	return n
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func isUniqueConstraintError(err error) bool {
	var sqliteErr sqlite3.Error
	return errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
}
