/*
Package ledger provides the credit ledger core.

PURPOSE:
  Maintains per-user balances of a single fungible credit shared by many
  independent producers (chat commands, game events). Producers never touch
  balances directly: they submit transaction requests into a durable pending
  queue (the mempool), and a single settlement worker applies them.

KEY CONCEPTS IN THIS FILE (types.go):
  - Account: balance + sequence counter per identity
  - TransactionRequest: a producer's intent, identified by a content hash
  - AppliedEntry / RejectedEntry: immutable audit records
  - Kind: transaction kind (tip, mint, reward, bait, buyticket)

INVARIANTS:
  1. Balance is never negative after an applied transaction
  2. Sequence increases by exactly 1 per applied transaction from that payer
  3. A tx_id is applied at most once
  4. Every request leaving the pending queue lands in exactly one audit log

SEE ALSO:
  - ledger.go: Ledger facade (accounts, admission, reads)
  - settlement.go: Settlement pass
  - store.go: Persistence interfaces
*/
package ledger

import (
	"encoding/json"
	"math"
	"time"
)

// =============================================================================
// ACCOUNT
// =============================================================================

// Account is a ledger identity. Created lazily on first reference.
type Account struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	Balance     int64  `json:"balance"`
	Sequence    int64  `json:"sequence"`
}

// =============================================================================
// TRANSACTION REQUEST
// =============================================================================

type Kind string

const (
	KindTip       Kind = "tip"       // user to user
	KindReward    Kind = "reward"    // game bot to user
	KindBait      Kind = "bait"      // user to game bot
	KindMint      Kind = "mint"      // issuance, no recipient
	KindBuyTicket Kind = "buyticket" // transfer + ticket ledger increment
)

// IsTransfer reports whether the kind moves funds from payer to recipient.
func (k Kind) IsTransfer() bool {
	switch k {
	case KindTip, KindReward, KindBait, KindBuyTicket:
		return true
	}
	return false
}

// Keys used in Extra by buyticket requests.
const (
	ExtraItem        = "item"
	ExtraTicketCount = "ticket_count"
)

// Extra carries kind-specific fields. Values survive a JSON round trip,
// so numbers may come back as float64.
type Extra map[string]any

// String returns a non-empty string value for key.
func (e Extra) String(key string) (string, bool) {
	v, ok := e[key].(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

// Int returns an integral value for key. Accepts Go integers, integral
// float64 and json.Number.
func (e Extra) Int(key string) (int64, bool) {
	switch v := e[key].(type) {
	case int:
		return int64(v), true
	case int64:
		return v, true
	case int32:
		return int64(v), true
	case float64:
		if v != math.Trunc(v) || v < -(1<<63) || v >= 1<<63 {
			return 0, false
		}
		return int64(v), true
	case json.Number:
		n, err := v.Int64()
		return n, err == nil
	}
	return 0, false
}

// TransactionRequest is a producer's intended transaction.
//
// TxID is assigned at admission when absent. Sequence 0 means "absent":
// sequences start at 1.
type TransactionRequest struct {
	TxID          string `json:"tx_id,omitempty"`
	Kind          Kind   `json:"kind"`
	PayerID       string `json:"payer_id"`
	PayerName     string `json:"payer_name"`
	RecipientID   string `json:"recipient_id,omitempty"`
	RecipientName string `json:"recipient_name,omitempty"`
	Amount        int64  `json:"amount"`
	Sequence      int64  `json:"sequence"`
	Extra         Extra  `json:"extra,omitempty"`
}

// SaturatingAdd returns a+b for non-negative amounts, clamped at
// math.MaxInt64 instead of wrapping.
func SaturatingAdd(a, b int64) int64 {
	if b > 0 && a > math.MaxInt64-b {
		return math.MaxInt64
	}
	return a + b
}

// =============================================================================
// AUDIT RECORDS - append-only, never mutated
// =============================================================================

// AppliedEntry records a request that settled.
type AppliedEntry struct {
	ID        string    `json:"id"`
	RunID     string    `json:"run_id"`
	AppliedAt time.Time `json:"applied_at"`
	TransactionRequest
}

// RejectedEntry records a request that settlement refused, with the reason.
type RejectedEntry struct {
	ID         string             `json:"id"`
	RunID      string             `json:"run_id"`
	RejectedAt time.Time          `json:"rejected_at"`
	Code       RejectionCode      `json:"code"`
	Reason     string             `json:"reason"`
	Request    TransactionRequest `json:"request"`
}

// =============================================================================
// READ MODELS
// =============================================================================

// PayerBacklog summarizes a payer's pending requests.
type PayerBacklog struct {
	PayerID          string  `json:"payer_id"`
	Pending          int     `json:"pending"`
	PendingDebits    int64   `json:"pending_debits"`
	ExpectedSequence int64   `json:"expected_sequence"`
	QueuedSequences  []int64 `json:"queued_sequences"`
	// Stalled is set when no queued sequence matches the expected one, so
	// nothing for this payer can settle until a new request fills the gap.
	Stalled bool `json:"stalled"`
}

// SettlementReport is the outcome of one settlement pass.
type SettlementReport struct {
	RunID      string          `json:"run_id"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt time.Time       `json:"finished_at"`
	Applied    []AppliedEntry  `json:"applied"`
	Rejected   []RejectedEntry `json:"rejected"`

	// Order lists the record ids of Applied and Rejected in queue order.
	Order []string `json:"order"`
}

// Outcome is one record of a report: exactly one field is set.
type Outcome struct {
	Applied  *AppliedEntry
	Rejected *RejectedEntry
}

// PayerID returns the payer of the underlying request.
func (o Outcome) PayerID() string {
	if o.Applied != nil {
		return o.Applied.PayerID
	}
	return o.Rejected.Request.PayerID
}

// Outcomes returns every record in queue order. Records missing from Order
// follow at the end, applied before rejected.
func (r *SettlementReport) Outcomes() []Outcome {
	byID := make(map[string]Outcome, len(r.Applied)+len(r.Rejected))
	for i := range r.Applied {
		byID[r.Applied[i].ID] = Outcome{Applied: &r.Applied[i]}
	}
	for i := range r.Rejected {
		byID[r.Rejected[i].ID] = Outcome{Rejected: &r.Rejected[i]}
	}

	out := make([]Outcome, 0, len(byID))
	seen := make(map[string]bool, len(byID))
	for _, id := range r.Order {
		if o, ok := byID[id]; ok && !seen[id] {
			out = append(out, o)
			seen[id] = true
		}
	}
	for i := range r.Applied {
		if !seen[r.Applied[i].ID] {
			out = append(out, Outcome{Applied: &r.Applied[i]})
		}
	}
	for i := range r.Rejected {
		if !seen[r.Rejected[i].ID] {
			out = append(out, Outcome{Rejected: &r.Rejected[i]})
		}
	}
	return out
}

// Empty reports whether the pass processed nothing.
func (r *SettlementReport) Empty() bool {
	return len(r.Applied) == 0 && len(r.Rejected) == 0
}
