/*
settlement.go - One settlement pass over the pending queue

PURPOSE:
  Drains the pending queue under the shared lock, applying each request to
  the account store in queue order and converting it into exactly one audit
  record (applied or rejected).

ALGORITHM (per request, in queue order, never reordered by payer):
  1. Resolve/create the payer; refresh its display name (name only)
  2. Expected sequence = payer.sequence + 1
     - sequence absent  -> reject "missing sequence"
     - sequence != expected -> reject "invalid sequence (expected X, got Y)"
  3. Dispatch by kind:
     - tip/bait/reward: balance check, credit recipient, advance sequence
     - mint:            credit payer, advance sequence
     - a credit that would overflow int64 -> reject "amount_overflow"
     - buyticket:       validate item/count, then transfer + ticket increment
     - anything else:   reject "unknown transaction kind"
  4. A panic while planning one request rejects that request only

ATOMICITY:
  Accounts are loaded into a working set and written back once at the end,
  together with the audit records, ticket increments and pending removals,
  inside the same Store transaction. A storage fault aborts the whole batch:
  nothing is persisted and the requests stay pending for the next pass.

NO RETRIES:
  Rejected requests are terminal. A payer whose predecessor was rejected
  stalls until a correctly sequenced request is submitted.
*/
package ledger

import (
	"context"
	"fmt"
	"log"
	"math"
	"time"

	"github.com/warp/credit-ledger/metrics"
)

// Settle performs one full settlement pass.
func (l *Ledger) Settle(ctx context.Context) (*SettlementReport, error) {
	report := &SettlementReport{RunID: newRecordID(prefixRun), StartedAt: l.now()}
	timer := time.Now()

	err := l.Store.WithTx(ctx, func(tx Tx) error {
		pending, err := tx.ListPending(ctx)
		if err != nil {
			return storageFault("list pending", err)
		}
		if len(pending) == 0 {
			return nil
		}

		ws := newWorkingSet(tx)
		processed := make([]string, 0, len(pending))

		for _, req := range pending {
			rej, err := l.settleOne(ctx, ws, req)
			if err != nil {
				return err
			}

			at := l.now()
			if rej != nil {
				id := newRecordID(prefixRejected)
				report.Rejected = append(report.Rejected, RejectedEntry{
					ID:         id,
					RunID:      report.RunID,
					RejectedAt: at,
					Code:       rej.Code,
					Reason:     rej.Message,
					Request:    req,
				})
				log.Printf("[Settlement] Rejected tx %s (payer %s, seq %d, kind %s): %s",
					req.TxID, req.PayerID, req.Sequence, req.Kind, rej.Message)
				report.Order = append(report.Order, id)
			} else {
				id := newRecordID(prefixApplied)
				report.Applied = append(report.Applied, AppliedEntry{
					ID:                 id,
					RunID:              report.RunID,
					AppliedAt:          at,
					TransactionRequest: req,
				})
				report.Order = append(report.Order, id)
			}
			processed = append(processed, req.TxID)
		}

		return l.commit(ctx, tx, ws, report, processed)
	})

	metrics.SettlementDuration.Observe(time.Since(timer).Seconds())
	if err != nil {
		metrics.SettlementFailures.Inc()
		return nil, storageFault("settle", err)
	}

	report.FinishedAt = l.now()
	recordOutcomes(report)
	return report, nil
}

// commit writes the working set and audit records, then empties the
// processed requests from the pending queue.
func (l *Ledger) commit(ctx context.Context, tx Tx, ws *workingSet, report *SettlementReport, processed []string) error {
	for _, id := range ws.order {
		if err := tx.PutAccount(ctx, *ws.accounts[id]); err != nil {
			return storageFault("put account", err)
		}
	}
	for _, t := range ws.tickets {
		if err := tx.AddTickets(ctx, t.item, t.accountID, t.count); err != nil {
			return storageFault("add tickets", err)
		}
	}
	for _, e := range report.Applied {
		if err := tx.AppendApplied(ctx, e); err != nil {
			return storageFault("append applied", err)
		}
	}
	for _, e := range report.Rejected {
		if err := tx.AppendRejected(ctx, e); err != nil {
			return storageFault("append rejected", err)
		}
	}
	if err := tx.RemovePending(ctx, processed); err != nil {
		return storageFault("remove pending", err)
	}
	return nil
}

// settleOne decides the outcome of one request. A nil Rejection and nil
// error means applied. A non-nil error is a storage fault.
func (l *Ledger) settleOne(ctx context.Context, ws *workingSet, req TransactionRequest) (rej *Rejection, err error) {
	defer func() {
		if r := recover(); r != nil {
			rej = reject(RejectInternalFault, "internal fault: %v", r)
			err = nil
		}
	}()

	if req.PayerID == "" {
		return reject(RejectMissingPayer, "missing payer"), nil
	}

	payer, err := ws.account(ctx, req.PayerID, req.PayerName)
	if err != nil {
		return nil, err
	}

	expected := payer.Sequence + 1
	if req.Sequence == 0 {
		return reject(RejectMissingSequence, "missing sequence"), nil
	}
	if req.Sequence != expected {
		if req.Sequence > expected {
			metrics.SequenceGapsTotal.Inc()
		}
		return reject(RejectInvalidSequence, "invalid sequence (expected %d, got %d)", expected, req.Sequence), nil
	}

	switch req.Kind {
	case KindTip, KindBait, KindReward:
		return l.transfer(ctx, ws, payer, req)

	case KindMint:
		if req.Amount <= 0 {
			return reject(RejectInvalidAmount, "invalid amount %d", req.Amount), nil
		}
		if payer.Balance > math.MaxInt64-req.Amount {
			return reject(RejectAmountOverflow, "balance overflow (have %d, mint %d)", payer.Balance, req.Amount), nil
		}
		payer.Balance += req.Amount
		payer.Sequence = req.Sequence
		ws.touch(payer.ID)
		return nil, nil

	case KindBuyTicket:
		item, okItem := req.Extra.String(ExtraItem)
		count, okCount := req.Extra.Int(ExtraTicketCount)
		if !okItem || !okCount || count <= 0 || req.Amount <= 0 {
			return reject(RejectInvalidFields, "invalid buyticket fields"), nil
		}
		rej, err := l.transfer(ctx, ws, payer, req)
		if rej != nil || err != nil {
			return rej, err
		}
		ws.addTickets(item, payer.ID, count)
		return nil, nil
	}

	return reject(RejectUnknownKind, "unknown transaction kind %q", req.Kind), nil
}

// transfer moves req.Amount from payer to the recipient. Every check runs
// before the first mutation.
func (l *Ledger) transfer(ctx context.Context, ws *workingSet, payer *Account, req TransactionRequest) (*Rejection, error) {
	if req.Amount <= 0 {
		return reject(RejectInvalidAmount, "invalid amount %d", req.Amount), nil
	}
	if req.RecipientID == "" {
		return reject(RejectMissingRecipient, "missing recipient"), nil
	}
	if payer.Balance < req.Amount {
		return reject(RejectInsufficientBalance, "insufficient balance (have %d, need %d)", payer.Balance, req.Amount), nil
	}

	recipient, err := ws.account(ctx, req.RecipientID, req.RecipientName)
	if err != nil {
		return nil, err
	}
	if recipient.ID != payer.ID && recipient.Balance > math.MaxInt64-req.Amount {
		return reject(RejectAmountOverflow, "recipient balance overflow (have %d, receive %d)", recipient.Balance, req.Amount), nil
	}

	payer.Balance -= req.Amount
	recipient.Balance += req.Amount
	payer.Sequence = req.Sequence
	ws.touch(payer.ID)
	ws.touch(recipient.ID)
	return nil, nil
}

func recordOutcomes(report *SettlementReport) {
	for _, e := range report.Applied {
		metrics.SettledTotal.WithLabelValues("applied", string(e.Kind)).Inc()
	}
	for _, e := range report.Rejected {
		metrics.SettledTotal.WithLabelValues("rejected", string(e.Request.Kind)).Inc()
		metrics.RejectionsTotal.WithLabelValues(string(e.Code)).Inc()
	}
}

// =============================================================================
// WORKING SET - accounts touched during one pass
// =============================================================================

type ticketGrant struct {
	item      string
	accountID string
	count     int64
}

type workingSet struct {
	tx       Tx
	accounts map[string]*Account
	order    []string // dirty account ids, first-touch order
	dirty    map[string]bool
	tickets  []ticketGrant
}

func newWorkingSet(tx Tx) *workingSet {
	return &workingSet{
		tx:       tx,
		accounts: make(map[string]*Account),
		dirty:    make(map[string]bool),
	}
}

// account loads or creates id, refreshing its display name. Last writer wins
// on the name only.
func (ws *workingSet) account(ctx context.Context, id, name string) (*Account, error) {
	acct, ok := ws.accounts[id]
	if !ok {
		stored, err := ws.tx.GetAccount(ctx, id)
		if err != nil {
			return nil, storageFault(fmt.Sprintf("load account %s", id), err)
		}
		if stored == nil {
			if name == "" {
				name = id
			}
			stored = &Account{ID: id, DisplayName: name}
			ws.accounts[id] = stored
			ws.touch(id)
			return stored, nil
		}
		acct = stored
		ws.accounts[id] = acct
	}

	if name != "" && acct.DisplayName != name {
		acct.DisplayName = name
		ws.touch(id)
	}
	return acct, nil
}

func (ws *workingSet) touch(id string) {
	if !ws.dirty[id] {
		ws.dirty[id] = true
		ws.order = append(ws.order, id)
	}
}

func (ws *workingSet) addTickets(item, accountID string, count int64) {
	ws.tickets = append(ws.tickets, ticketGrant{item: item, accountID: accountID, count: count})
}
