/*
store.go - Persistence interface for the ledger state

PURPOSE:
  Defines the boundary between the ledger logic and durable storage. The
  combined state (accounts, pending queue, applied log, rejected log, ticket
  ledger) sits behind ONE lock: every mutation happens inside WithTx, which
  holds that lock across processes and commits all changes atomically.

KEY INTERFACES:
  Reader: consistent read-only queries (leaderboard, log tails, tickets)
  Tx:     the locked critical section (admission and settlement)
  Store:  Reader + WithTx

APPEND-ONLY CONTRACT:
  Applied and rejected logs only have Append methods. No Update, no Delete.
  The pending queue is the only collection that shrinks, and only through
  RemovePending inside a settlement transaction.

IMPLEMENTATIONS:
  - ledger/store/memory.go: In-memory for tests/dev
  - store/sqlite:           SQLite, BEGIN IMMEDIATE as the cross-process lock
  - store/postgres:         PostgreSQL, transaction-scoped advisory lock

SEE ALSO:
  - ledger.go: Uses Store for admission and account operations
  - settlement.go: Uses Tx for the settlement pass
*/
package ledger

import "context"

// Reader exposes read-only queries. Implementations must return copies.
type Reader interface {
	// GetAccount returns nil, nil when the account does not exist.
	GetAccount(ctx context.Context, id string) (*Account, error)

	// ListAccounts returns all accounts in unspecified order.
	ListAccounts(ctx context.Context) ([]Account, error)

	// ListPending returns the pending queue in submission (FIFO) order.
	ListPending(ctx context.Context) ([]TransactionRequest, error)

	// AppliedTail returns the last n applied records, oldest first.
	AppliedTail(ctx context.Context, n int) ([]AppliedEntry, error)

	// RejectedTail returns the last n rejected records, oldest first.
	RejectedTail(ctx context.Context, n int) ([]RejectedEntry, error)

	// Tickets returns account_id -> count for an item.
	Tickets(ctx context.Context, item string) (map[string]int64, error)
}

// Tx is the exclusive, atomic view of the state inside WithTx.
type Tx interface {
	Reader

	// PutAccount inserts or replaces an account.
	PutAccount(ctx context.Context, a Account) error

	// AppendPending appends to the tail of the pending queue.
	AppendPending(ctx context.Context, req TransactionRequest) error

	// RemovePending drops the given tx_ids from the pending queue.
	RemovePending(ctx context.Context, txIDs []string) error

	// HasPendingSequence checks for a queued (payer, sequence) pair.
	HasPendingSequence(ctx context.Context, payerID string, sequence int64) (bool, error)

	// HasPendingTxID checks for a queued tx_id.
	HasPendingTxID(ctx context.Context, txID string) (bool, error)

	// HasApplied checks the applied log for txID. window > 0 limits the scan
	// to the most recent window records; window == 0 checks the full index.
	HasApplied(ctx context.Context, txID string, window int) (bool, error)

	// PendingDebits sums the amount of every queued request from payerID,
	// clamped at math.MaxInt64.
	PendingDebits(ctx context.Context, payerID string) (int64, error)

	// AppendApplied and AppendRejected write audit records. Append-only.
	AppendApplied(ctx context.Context, e AppliedEntry) error
	AppendRejected(ctx context.Context, e RejectedEntry) error

	// AddTickets increments the ticket count of accountID for item.
	AddTickets(ctx context.Context, item, accountID string, count int64) error
}

// Store is the full persistence contract.
type Store interface {
	Reader

	// WithTx executes fn holding the shared lock. If fn returns an error,
	// every change is discarded and that error is returned unchanged.
	WithTx(ctx context.Context, fn func(Tx) error) error
}

// Notifier receives settlement reports after they are committed.
// Implementations run outside the lock and must not block settlement.
type Notifier interface {
	Publish(ctx context.Context, report *SettlementReport) error
}
