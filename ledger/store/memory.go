// Package store provides an in-memory ledger.Store.
package store

import (
	"context"
	"maps"
	"slices"
	"sync"

	"github.com/warp/credit-ledger/ledger"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory keeps the whole ledger state in process. The mutex stands in for
// the cross-process lock of the SQL stores.
type Memory struct {
	mu       sync.RWMutex
	accounts map[string]ledger.Account
	pending  []ledger.TransactionRequest
	applied  []ledger.AppliedEntry
	rejected []ledger.RejectedEntry
	tickets  map[string]map[string]int64

	// appliedIdx counts applied records per tx_id.
	appliedIdx map[string]int
}

func NewMemory() *Memory {
	return &Memory{
		accounts:   make(map[string]ledger.Account),
		tickets:    make(map[string]map[string]int64),
		appliedIdx: make(map[string]int),
	}
}

var _ ledger.Store = (*Memory)(nil)

// =============================================================================
// READS
// =============================================================================

func (m *Memory) GetAccount(_ context.Context, id string) (*ledger.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getAccountLocked(id), nil
}

func (m *Memory) ListAccounts(_ context.Context) ([]ledger.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listAccountsLocked(), nil
}

func (m *Memory) ListPending(_ context.Context) ([]ledger.TransactionRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listPendingLocked(), nil
}

func (m *Memory) AppliedTail(_ context.Context, n int) ([]ledger.AppliedEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return tail(m.applied, n), nil
}

func (m *Memory) RejectedTail(_ context.Context, n int) ([]ledger.RejectedEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return tail(m.rejected, n), nil
}

func (m *Memory) Tickets(_ context.Context, item string) (map[string]int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.ticketsLocked(item), nil
}

func (m *Memory) getAccountLocked(id string) *ledger.Account {
	a, ok := m.accounts[id]
	if !ok {
		return nil
	}
	return &a
}

func (m *Memory) listAccountsLocked() []ledger.Account {
	out := make([]ledger.Account, 0, len(m.accounts))
	for _, a := range m.accounts {
		out = append(out, a)
	}
	return out
}

func (m *Memory) listPendingLocked() []ledger.TransactionRequest {
	out := make([]ledger.TransactionRequest, len(m.pending))
	for i, req := range m.pending {
		out[i] = cloneRequest(req)
	}
	return out
}

func (m *Memory) ticketsLocked(item string) map[string]int64 {
	out := make(map[string]int64, len(m.tickets[item]))
	maps.Copy(out, m.tickets[item])
	return out
}

func tail[T any](s []T, n int) []T {
	if n <= 0 || n > len(s) {
		n = len(s)
	}
	return slices.Clone(s[len(s)-n:])
}

func cloneRequest(req ledger.TransactionRequest) ledger.TransactionRequest {
	if req.Extra != nil {
		req.Extra = maps.Clone(req.Extra)
	}
	return req
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx executes fn under the write lock.
// It is simulated with a snapshot + rollback on error.
func (m *Memory) WithTx(ctx context.Context, fn func(ledger.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	snap := m.snapshot()
	if err := fn(&txView{m: m}); err != nil {
		m.restore(snap)
		return err
	}
	return nil
}

type memorySnapshot struct {
	accounts   map[string]ledger.Account
	pending    []ledger.TransactionRequest
	applied    int
	rejected   int
	tickets    map[string]map[string]int64
	appliedIdx map[string]int
}

// snapshot copies the mutable state. The logs are append-only, so their
// lengths are enough to roll them back.
func (m *Memory) snapshot() memorySnapshot {
	tickets := make(map[string]map[string]int64, len(m.tickets))
	for item, counts := range m.tickets {
		tickets[item] = maps.Clone(counts)
	}
	return memorySnapshot{
		accounts:   maps.Clone(m.accounts),
		pending:    slices.Clone(m.pending),
		applied:    len(m.applied),
		rejected:   len(m.rejected),
		tickets:    tickets,
		appliedIdx: maps.Clone(m.appliedIdx),
	}
}

func (m *Memory) restore(s memorySnapshot) {
	m.accounts = s.accounts
	m.pending = s.pending
	m.applied = m.applied[:s.applied]
	m.rejected = m.rejected[:s.rejected]
	m.tickets = s.tickets
	m.appliedIdx = s.appliedIdx
}

// txView is the locked view handed to WithTx callbacks.
type txView struct {
	m *Memory
}

func (tv *txView) GetAccount(_ context.Context, id string) (*ledger.Account, error) {
	return tv.m.getAccountLocked(id), nil
}

func (tv *txView) ListAccounts(_ context.Context) ([]ledger.Account, error) {
	return tv.m.listAccountsLocked(), nil
}

func (tv *txView) ListPending(_ context.Context) ([]ledger.TransactionRequest, error) {
	return tv.m.listPendingLocked(), nil
}

func (tv *txView) AppliedTail(_ context.Context, n int) ([]ledger.AppliedEntry, error) {
	return tail(tv.m.applied, n), nil
}

func (tv *txView) RejectedTail(_ context.Context, n int) ([]ledger.RejectedEntry, error) {
	return tail(tv.m.rejected, n), nil
}

func (tv *txView) Tickets(_ context.Context, item string) (map[string]int64, error) {
	return tv.m.ticketsLocked(item), nil
}

func (tv *txView) PutAccount(_ context.Context, a ledger.Account) error {
	tv.m.accounts[a.ID] = a
	return nil
}

func (tv *txView) AppendPending(_ context.Context, req ledger.TransactionRequest) error {
	tv.m.pending = append(tv.m.pending, cloneRequest(req))
	return nil
}

func (tv *txView) RemovePending(_ context.Context, txIDs []string) error {
	drop := make(map[string]bool, len(txIDs))
	for _, id := range txIDs {
		drop[id] = true
	}
	tv.m.pending = slices.DeleteFunc(tv.m.pending, func(req ledger.TransactionRequest) bool {
		return drop[req.TxID]
	})
	return nil
}

func (tv *txView) HasPendingSequence(_ context.Context, payerID string, sequence int64) (bool, error) {
	return slices.ContainsFunc(tv.m.pending, func(req ledger.TransactionRequest) bool {
		return req.PayerID == payerID && req.Sequence == sequence
	}), nil
}

func (tv *txView) HasPendingTxID(_ context.Context, txID string) (bool, error) {
	return slices.ContainsFunc(tv.m.pending, func(req ledger.TransactionRequest) bool {
		return req.TxID == txID
	}), nil
}

func (tv *txView) HasApplied(_ context.Context, txID string, window int) (bool, error) {
	if window <= 0 {
		return tv.m.appliedIdx[txID] > 0, nil
	}
	return slices.ContainsFunc(tail(tv.m.applied, window), func(e ledger.AppliedEntry) bool {
		return e.TxID == txID
	}), nil
}

func (tv *txView) PendingDebits(_ context.Context, payerID string) (int64, error) {
	var total int64
	for _, req := range tv.m.pending {
		if req.PayerID == payerID {
			total = ledger.SaturatingAdd(total, req.Amount)
		}
	}
	return total, nil
}

func (tv *txView) AppendApplied(_ context.Context, e ledger.AppliedEntry) error {
	tv.m.applied = append(tv.m.applied, e)
	tv.m.appliedIdx[e.TxID]++
	return nil
}

func (tv *txView) AppendRejected(_ context.Context, e ledger.RejectedEntry) error {
	tv.m.rejected = append(tv.m.rejected, e)
	return nil
}

func (tv *txView) AddTickets(_ context.Context, item, accountID string, count int64) error {
	counts, ok := tv.m.tickets[item]
	if !ok {
		counts = make(map[string]int64)
		tv.m.tickets[item] = counts
	}
	counts[accountID] += count
	return nil
}
