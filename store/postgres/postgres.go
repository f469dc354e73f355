/*
Package postgres provides a PostgreSQL-backed implementation of ledger.Store.

LOCKING:
  WithTx begins a transaction and takes pg_advisory_xact_lock(lockKey). The
  lock is released on commit or rollback, so every process sharing the
  database serializes admission and settlement behind it, exactly like the
  RESERVED lock of the SQLite store.

SCHEMA:
  Same tables as store/sqlite. Timestamps are TIMESTAMPTZ, extra fields JSONB.

USAGE:
  store, err := postgres.New(ctx, os.Getenv("DB_SOURCE"))
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()
*/
package postgres

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/warp/credit-ledger/ledger"
)

// lockKey identifies the ledger's advisory lock.
const lockKey int64 = 0x6c656467 // "ledg"

type Store struct {
	Db *pgxpool.Pool
}

var _ ledger.Store = (*Store)(nil)

// New connects, pings and migrates.
func New(ctx context.Context, connString string) (*Store, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	s := &Store{Db: pool}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

func (s *Store) Close() {
	s.Db.Close()
}

func (s *Store) migrate(ctx context.Context) error {
	_, err := s.Db.Exec(ctx, `
	CREATE TABLE IF NOT EXISTS accounts (
		id TEXT PRIMARY KEY,
		display_name TEXT NOT NULL,
		balance BIGINT NOT NULL DEFAULT 0,
		sequence BIGINT NOT NULL DEFAULT 0,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);

	CREATE TABLE IF NOT EXISTS pending_transactions (
		position BIGSERIAL PRIMARY KEY,
		tx_id TEXT NOT NULL UNIQUE,
		kind TEXT NOT NULL,
		payer_id TEXT NOT NULL,
		payer_name TEXT NOT NULL DEFAULT '',
		recipient_id TEXT NOT NULL DEFAULT '',
		recipient_name TEXT NOT NULL DEFAULT '',
		amount BIGINT NOT NULL,
		sequence BIGINT NOT NULL,
		extra JSONB,
		submitted_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);
	CREATE INDEX IF NOT EXISTS idx_pending_payer_sequence
		ON pending_transactions(payer_id, sequence);

	CREATE TABLE IF NOT EXISTS applied_log (
		position BIGSERIAL PRIMARY KEY,
		id TEXT NOT NULL UNIQUE,
		run_id TEXT NOT NULL,
		applied_at TIMESTAMPTZ NOT NULL,
		tx_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		payer_id TEXT NOT NULL,
		payer_name TEXT NOT NULL DEFAULT '',
		recipient_id TEXT NOT NULL DEFAULT '',
		recipient_name TEXT NOT NULL DEFAULT '',
		amount BIGINT NOT NULL,
		sequence BIGINT NOT NULL,
		extra JSONB
	);
	CREATE INDEX IF NOT EXISTS idx_applied_tx_id ON applied_log(tx_id);

	CREATE TABLE IF NOT EXISTS rejected_log (
		position BIGSERIAL PRIMARY KEY,
		id TEXT NOT NULL UNIQUE,
		run_id TEXT NOT NULL,
		rejected_at TIMESTAMPTZ NOT NULL,
		code TEXT NOT NULL,
		reason TEXT NOT NULL,
		tx_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		payer_id TEXT NOT NULL,
		payer_name TEXT NOT NULL DEFAULT '',
		recipient_id TEXT NOT NULL DEFAULT '',
		recipient_name TEXT NOT NULL DEFAULT '',
		amount BIGINT NOT NULL,
		sequence BIGINT NOT NULL,
		extra JSONB
	);

	CREATE TABLE IF NOT EXISTS tickets (
		item TEXT NOT NULL,
		account_id TEXT NOT NULL,
		count BIGINT NOT NULL DEFAULT 0,
		PRIMARY KEY (item, account_id)
	);`)
	return err
}

// querier is satisfied by *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// =============================================================================
// READS
// =============================================================================

func (s *Store) GetAccount(ctx context.Context, id string) (*ledger.Account, error) {
	return getAccount(ctx, s.Db, id)
}

func (s *Store) ListAccounts(ctx context.Context) ([]ledger.Account, error) {
	return listAccounts(ctx, s.Db)
}

func (s *Store) ListPending(ctx context.Context) ([]ledger.TransactionRequest, error) {
	return listPending(ctx, s.Db)
}

func (s *Store) AppliedTail(ctx context.Context, n int) ([]ledger.AppliedEntry, error) {
	return appliedTail(ctx, s.Db, n)
}

func (s *Store) RejectedTail(ctx context.Context, n int) ([]ledger.RejectedEntry, error) {
	return rejectedTail(ctx, s.Db, n)
}

func (s *Store) Tickets(ctx context.Context, item string) (map[string]int64, error) {
	return tickets(ctx, s.Db, item)
}

func getAccount(ctx context.Context, q querier, id string) (*ledger.Account, error) {
	var a ledger.Account
	err := q.QueryRow(ctx,
		"SELECT id, display_name, balance, sequence FROM accounts WHERE id = $1", id,
	).Scan(&a.ID, &a.DisplayName, &a.Balance, &a.Sequence)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get account: %w", err)
	}
	return &a, nil
}

func listAccounts(ctx context.Context, q querier) ([]ledger.Account, error) {
	rows, err := q.Query(ctx, "SELECT id, display_name, balance, sequence FROM accounts")
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (ledger.Account, error) {
		var a ledger.Account
		err := row.Scan(&a.ID, &a.DisplayName, &a.Balance, &a.Sequence)
		return a, err
	})
}

const requestColumns = "tx_id, kind, payer_id, payer_name, recipient_id, recipient_name, amount, sequence, extra"

func listPending(ctx context.Context, q querier) ([]ledger.TransactionRequest, error) {
	rows, err := q.Query(ctx, "SELECT "+requestColumns+" FROM pending_transactions ORDER BY position")
	if err != nil {
		return nil, fmt.Errorf("list pending: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (ledger.TransactionRequest, error) {
		var req ledger.TransactionRequest
		err := scanRequest(row, &req)
		return req, err
	})
}

func appliedTail(ctx context.Context, q querier, n int) ([]ledger.AppliedEntry, error) {
	rows, err := q.Query(ctx, `
		SELECT id, run_id, applied_at, `+requestColumns+` FROM (
			SELECT * FROM applied_log ORDER BY position DESC LIMIT $1
		) t ORDER BY position`, limit(n))
	if err != nil {
		return nil, fmt.Errorf("read applied log: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (ledger.AppliedEntry, error) {
		var e ledger.AppliedEntry
		err := scanRequest(row, &e.TransactionRequest, &e.ID, &e.RunID, &e.AppliedAt)
		return e, err
	})
}

func rejectedTail(ctx context.Context, q querier, n int) ([]ledger.RejectedEntry, error) {
	rows, err := q.Query(ctx, `
		SELECT id, run_id, rejected_at, code, reason, `+requestColumns+` FROM (
			SELECT * FROM rejected_log ORDER BY position DESC LIMIT $1
		) t ORDER BY position`, limit(n))
	if err != nil {
		return nil, fmt.Errorf("read rejected log: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (ledger.RejectedEntry, error) {
		var e ledger.RejectedEntry
		var code string
		err := scanRequest(row, &e.Request, &e.ID, &e.RunID, &e.RejectedAt, &code, &e.Reason)
		e.Code = ledger.RejectionCode(code)
		return e, err
	})
}

func tickets(ctx context.Context, q querier, item string) (map[string]int64, error) {
	rows, err := q.Query(ctx, "SELECT account_id, count FROM tickets WHERE item = $1", item)
	if err != nil {
		return nil, fmt.Errorf("read tickets: %w", err)
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
// TRANSACTIONS
// =============================================================================

// WithTx runs fn in a transaction holding the ledger's advisory lock.
func (s *Store) WithTx(ctx context.Context, fn func(ledger.Tx) error) error {
	tx, err := s.Db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(context.WithoutCancel(ctx))

	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", lockKey); err != nil {
		return fmt.Errorf("acquire ledger lock: %w", err)
	}

	if err := fn(&txStore{tx: tx}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

type txStore struct {
	tx pgx.Tx
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
	_, err := ts.tx.Exec(ctx, `
		INSERT INTO accounts (id, display_name, balance, sequence, updated_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (id) DO UPDATE SET
			display_name = EXCLUDED.display_name,
			balance = EXCLUDED.balance,
			sequence = EXCLUDED.sequence,
			updated_at = EXCLUDED.updated_at`,
		a.ID, a.DisplayName, a.Balance, a.Sequence)
	if err != nil {
		return fmt.Errorf("save account: %w", err)
	}
	return nil
}

func (ts *txStore) AppendPending(ctx context.Context, req ledger.TransactionRequest) error {
	extra, err := encodeExtra(req.Extra)
	if err != nil {
		return err
	}
	_, err = ts.tx.Exec(ctx, `
		INSERT INTO pending_transactions (`+requestColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		req.TxID, string(req.Kind), req.PayerID, req.PayerName,
		req.RecipientID, req.RecipientName, req.Amount, req.Sequence, extra)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("%w: %s", ledger.ErrDuplicateTxID, req.TxID)
		}
		return fmt.Errorf("append pending: %w", err)
	}
	return nil
}

func (ts *txStore) RemovePending(ctx context.Context, txIDs []string) error {
	if len(txIDs) == 0 {
		return nil
	}
	if _, err := ts.tx.Exec(ctx, "DELETE FROM pending_transactions WHERE tx_id = ANY($1)", txIDs); err != nil {
		return fmt.Errorf("remove pending: %w", err)
	}
	return nil
}

func (ts *txStore) HasPendingSequence(ctx context.Context, payerID string, sequence int64) (bool, error) {
	return exists(ctx, ts.tx,
		"SELECT EXISTS(SELECT 1 FROM pending_transactions WHERE payer_id = $1 AND sequence = $2)",
		payerID, sequence)
}

func (ts *txStore) HasPendingTxID(ctx context.Context, txID string) (bool, error) {
	return exists(ctx, ts.tx, "SELECT EXISTS(SELECT 1 FROM pending_transactions WHERE tx_id = $1)", txID)
}

func (ts *txStore) HasApplied(ctx context.Context, txID string, window int) (bool, error) {
	if window <= 0 {
		return exists(ctx, ts.tx, "SELECT EXISTS(SELECT 1 FROM applied_log WHERE tx_id = $1)", txID)
	}
	return exists(ctx, ts.tx, `
		SELECT EXISTS(SELECT 1 FROM (
			SELECT tx_id FROM applied_log ORDER BY position DESC LIMIT $1
		) t WHERE tx_id = $2)`, window, txID)
}

func (ts *txStore) PendingDebits(ctx context.Context, payerID string) (int64, error) {
	var total int64
	err := ts.tx.QueryRow(ctx,
		"SELECT LEAST(COALESCE(SUM(amount), 0), 9223372036854775807)::BIGINT FROM pending_transactions WHERE payer_id = $1",
		payerID,
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("sum pending debits: %w", err)
	}
	return total, nil
}

func (ts *txStore) AppendApplied(ctx context.Context, e ledger.AppliedEntry) error {
	extra, err := encodeExtra(e.Extra)
	if err != nil {
		return err
	}
	_, err = ts.tx.Exec(ctx, `
		INSERT INTO applied_log (id, run_id, applied_at, `+requestColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		e.ID, e.RunID, e.AppliedAt,
		e.TxID, string(e.Kind), e.PayerID, e.PayerName,
		e.RecipientID, e.RecipientName, e.Amount, e.Sequence, extra)
	if err != nil {
		return fmt.Errorf("append applied entry: %w", err)
	}
	return nil
}

func (ts *txStore) AppendRejected(ctx context.Context, e ledger.RejectedEntry) error {
	req := e.Request
	extra, err := encodeExtra(req.Extra)
	if err != nil {
		return err
	}
	_, err = ts.tx.Exec(ctx, `
		INSERT INTO rejected_log (id, run_id, rejected_at, code, reason, `+requestColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		e.ID, e.RunID, e.RejectedAt, string(e.Code), e.Reason,
		req.TxID, string(req.Kind), req.PayerID, req.PayerName,
		req.RecipientID, req.RecipientName, req.Amount, req.Sequence, extra)
	if err != nil {
		return fmt.Errorf("append rejected entry: %w", err)
	}
	return nil
}

func (ts *txStore) AddTickets(ctx context.Context, item, accountID string, count int64) error {
	_, err := ts.tx.Exec(ctx, `
		INSERT INTO tickets (item, account_id, count) VALUES ($1, $2, $3)
		ON CONFLICT (item, account_id) DO UPDATE SET count = tickets.count + EXCLUDED.count`,
		item, accountID, count)
	if err != nil {
		return fmt.Errorf("add tickets: %w", err)
	}
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

func scanRequest(row pgx.Row, req *ledger.TransactionRequest, head ...any) error {
	var kind string
	var extra []byte
	dest := append(head,
		&req.TxID, &kind, &req.PayerID, &req.PayerName,
		&req.RecipientID, &req.RecipientName, &req.Amount, &req.Sequence, &extra)
	if err := row.Scan(dest...); err != nil {
		return fmt.Errorf("scan request: %w", err)
	}
	req.Kind = ledger.Kind(kind)

	if len(extra) == 0 {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(extra))
	dec.UseNumber()
	if err := dec.Decode(&req.Extra); err != nil {
		return fmt.Errorf("decode extra: %w", err)
	}
	return nil
}

func exists(ctx context.Context, q querier, query string, args ...any) (bool, error) {
	var found bool
	if err := q.QueryRow(ctx, query, args...).Scan(&found); err != nil {
		return false, fmt.Errorf("check existence: %w", err)
	}
	return found, nil
}

func encodeExtra(extra ledger.Extra) ([]byte, error) {
	if len(extra) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(extra)
	if err != nil {
		return nil, fmt.Errorf("encode extra: %w", err)
	}
	return b, nil
}

// limit maps "all" (n <= 0) to LIMIT NULL.
func limit(n int) *int {
	if n <= 0 {
		return nil
	}
	return &n
}
