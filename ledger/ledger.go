/*
ledger.go - Producer and consumer facing operations

PURPOSE:
  The Ledger is what external collaborators (chat-command handlers, game-event
  handlers, dashboards) talk to. It never depends on chat-platform types.

PRODUCER OPERATIONS:
  GetOrCreateAccount(id, name)  create lazily / refresh display name
  NextSequence(id)              stored sequence + 1
  EffectiveBalance(id)          stored balance - own pending amounts
  Submit(request)               admission gate (admission.go)
  MultiTip(payer, targets)      consecutive-sequence batch of tips

CONSUMER OPERATIONS:
  Account, Leaderboard, AppliedTail, RejectedTail, Tickets, Backlog

LOCKING:
  Every operation that must see accounts and the pending queue together runs
  inside Store.WithTx, so it blocks behind an in-flight settlement pass and
  vice versa.

SEE ALSO:
  - admission.go: Submit
  - settlement.go: Settle
  - worker.go: SettlementWorker
*/
package ledger

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"time"
)

const defaultTailLimit = 20

// Ledger ties the admission gate, account store and settlement together.
type Ledger struct {
	Store Store

	// DuplicateWindow bounds the applied-log duplicate check to the most
	// recent N records. Zero checks the whole tx_id index.
	DuplicateWindow int

	// Now is the clock used for audit timestamps.
	Now func() time.Time
}

// NewLedger creates a ledger over store with an unbounded duplicate index.
func NewLedger(store Store) *Ledger {
	return &Ledger{Store: store, Now: time.Now}
}

func (l *Ledger) now() time.Time {
	if l.Now == nil {
		return time.Now().UTC()
	}
	return l.Now().UTC()
}

// =============================================================================
// ACCOUNTS
// =============================================================================

// GetOrCreateAccount creates the account with zero balance and sequence if
// absent, or updates its display name if it changed. Balance and sequence
// are never touched here.
func (l *Ledger) GetOrCreateAccount(ctx context.Context, id, displayName string) (Account, error) {
	if id == "" {
		return Account{}, fmt.Errorf("%w: empty account id", ErrInvalidRequest)
	}

	var out Account
	err := l.Store.WithTx(ctx, func(tx Tx) error {
		acct, err := tx.GetAccount(ctx, id)
		if err != nil {
			return storageFault("get account", err)
		}

		changed := false
		if acct == nil {
			name := displayName
			if name == "" {
				name = id
			}
			acct = &Account{ID: id, DisplayName: name}
			changed = true
		} else if displayName != "" && acct.DisplayName != displayName {
			acct.DisplayName = displayName
			changed = true
		}

		if changed {
			if err := tx.PutAccount(ctx, *acct); err != nil {
				return storageFault("put account", err)
			}
		}
		out = *acct
		return nil
	})
	if err != nil {
		return Account{}, storageFault("get or create account", err)
	}
	return out, nil
}

// Account returns the stored account or ErrAccountNotFound.
func (l *Ledger) Account(ctx context.Context, id string) (Account, error) {
	acct, err := l.Store.GetAccount(ctx, id)
	if err != nil {
		return Account{}, storageFault("get account", err)
	}
	if acct == nil {
		return Account{}, fmt.Errorf("%w: %s", ErrAccountNotFound, id)
	}
	return *acct, nil
}

// NextSequence returns the sequence a new request from id must carry:
// the stored sequence + 1, or 1 for an unknown account.
func (l *Ledger) NextSequence(ctx context.Context, id string) (int64, error) {
	acct, err := l.Store.GetAccount(ctx, id)
	if err != nil {
		return 0, storageFault("get account", err)
	}
	if acct == nil {
		return 1, nil
	}
	return acct.Sequence + 1, nil
}

// EffectiveBalance is the stored balance minus the amount of every pending
// request the account is paying for, mints included. Pending incoming
// credits are ignored: they may still be rejected.
func (l *Ledger) EffectiveBalance(ctx context.Context, id string) (int64, error) {
	var balance int64
	err := l.Store.WithTx(ctx, func(tx Tx) error {
		acct, err := tx.GetAccount(ctx, id)
		if err != nil {
			return storageFault("get account", err)
		}
		debits, err := tx.PendingDebits(ctx, id)
		if err != nil {
			return storageFault("sum pending debits", err)
		}
		if acct != nil {
			balance = acct.Balance
		}
		balance -= debits
		return nil
	})
	if err != nil {
		return 0, storageFault("effective balance", err)
	}
	return balance, nil
}

// =============================================================================
// READS
// =============================================================================

// Standings is the leaderboard view.
type Standings struct {
	Accounts []Account
	Supply   int64 // sum of all balances, clamped at math.MaxInt64
}

// Leaderboard returns accounts by balance descending, ties by id.
// limit <= 0 returns every account.
func (l *Ledger) Leaderboard(ctx context.Context, limit int) (Standings, error) {
	accounts, err := l.Store.ListAccounts(ctx)
	if err != nil {
		return Standings{}, storageFault("list accounts", err)
	}

	var supply int64
	for _, a := range accounts {
		supply = SaturatingAdd(supply, a.Balance)
	}

	sort.Slice(accounts, func(i, j int) bool {
		if accounts[i].Balance != accounts[j].Balance {
			return accounts[i].Balance > accounts[j].Balance
		}
		return accounts[i].ID < accounts[j].ID
	})
	if limit > 0 && len(accounts) > limit {
		accounts = accounts[:limit]
	}
	return Standings{Accounts: accounts, Supply: supply}, nil
}

// AppliedTail returns the most recent applied records, oldest first.
func (l *Ledger) AppliedTail(ctx context.Context, n int) ([]AppliedEntry, error) {
	if n <= 0 {
		n = defaultTailLimit
	}
	entries, err := l.Store.AppliedTail(ctx, n)
	return entries, storageFault("applied tail", err)
}

// RejectedTail returns the most recent rejected records, oldest first.
func (l *Ledger) RejectedTail(ctx context.Context, n int) ([]RejectedEntry, error) {
	if n <= 0 {
		n = defaultTailLimit
	}
	entries, err := l.Store.RejectedTail(ctx, n)
	return entries, storageFault("rejected tail", err)
}

// Tickets returns the ticket ledger for an item.
func (l *Ledger) Tickets(ctx context.Context, item string) (map[string]int64, error) {
	tickets, err := l.Store.Tickets(ctx, item)
	return tickets, storageFault("tickets", err)
}

// Backlog summarizes the pending queue per payer, sorted by payer id.
// A payer is Stalled when its expected sequence is not queued.
func (l *Ledger) Backlog(ctx context.Context) ([]PayerBacklog, error) {
	var out []PayerBacklog
	err := l.Store.WithTx(ctx, func(tx Tx) error {
		pending, err := tx.ListPending(ctx)
		if err != nil {
			return storageFault("list pending", err)
		}

		byPayer := make(map[string]*PayerBacklog)
		for _, req := range pending {
			b, ok := byPayer[req.PayerID]
			if !ok {
				b = &PayerBacklog{PayerID: req.PayerID}
				byPayer[req.PayerID] = b
			}
			b.Pending++
			b.PendingDebits = SaturatingAdd(b.PendingDebits, req.Amount)
			b.QueuedSequences = append(b.QueuedSequences, req.Sequence)
		}

		for id, b := range byPayer {
			acct, err := tx.GetAccount(ctx, id)
			if err != nil {
				return storageFault("get account", err)
			}
			b.ExpectedSequence = 1
			if acct != nil {
				b.ExpectedSequence = acct.Sequence + 1
			}
			slices.Sort(b.QueuedSequences)
			b.Stalled = !slices.Contains(b.QueuedSequences, b.ExpectedSequence)
			out = append(out, *b)
		}
		return nil
	})
	if err != nil {
		return nil, storageFault("backlog", err)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].PayerID < out[j].PayerID })
	return out, nil
}
