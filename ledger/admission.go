package ledger

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/warp/credit-ledger/metrics"
)

// =============================================================================
// ADMISSION GATE
// =============================================================================

// Submit validates req and appends it to the pending queue.
//
// Under the shared lock, in order:
//  1. assign TxID from the canonical content if absent
//  2. refuse a queued (payer, sequence) duplicate
//  3. refuse a queued tx_id duplicate
//  4. refuse a tx_id already in the applied log
//  5. append and persist
//
// The returned request carries the assigned TxID. Duplicates return an
// *AdmissionError matching ErrAdmissionRejected; nothing is written then.
func (l *Ledger) Submit(ctx context.Context, req TransactionRequest) (TransactionRequest, error) {
	if err := validateRequest(req); err != nil {
		metrics.AdmissionsTotal.WithLabelValues("invalid").Inc()
		return req, err
	}
	if req.TxID == "" {
		id, err := ComputeTxID(req)
		if err != nil {
			metrics.AdmissionsTotal.WithLabelValues("invalid").Inc()
			return req, err
		}
		req.TxID = id
	}

	err := l.Store.WithTx(ctx, func(tx Tx) error {
		return l.admit(ctx, tx, req)
	})
	if err != nil {
		var admErr *AdmissionError
		if errors.As(err, &admErr) {
			metrics.AdmissionsTotal.WithLabelValues(admissionLabel(admErr.Cause)).Inc()
			return req, err
		}
		metrics.AdmissionsTotal.WithLabelValues("error").Inc()
		log.Printf("[Admission] Storage fault for tx %s (payer %s): %v", req.TxID, req.PayerID, err)
		return req, storageFault("submit", err)
	}

	metrics.AdmissionsTotal.WithLabelValues("accepted").Inc()
	return req, nil
}

func (l *Ledger) admit(ctx context.Context, tx Tx, req TransactionRequest) error {
	rejected := func(cause error) error {
		return &AdmissionError{TxID: req.TxID, PayerID: req.PayerID, Sequence: req.Sequence, Cause: cause}
	}

	dup, err := tx.HasPendingSequence(ctx, req.PayerID, req.Sequence)
	if err != nil {
		return storageFault("check pending sequence", err)
	}
	if dup {
		return rejected(ErrDuplicateSequence)
	}

	dup, err = tx.HasPendingTxID(ctx, req.TxID)
	if err != nil {
		return storageFault("check pending tx_id", err)
	}
	if dup {
		return rejected(ErrDuplicateTxID)
	}

	dup, err = tx.HasApplied(ctx, req.TxID, l.DuplicateWindow)
	if err != nil {
		return storageFault("check applied log", err)
	}
	if dup {
		return rejected(ErrAlreadyApplied)
	}

	if err := tx.AppendPending(ctx, req); err != nil {
		return storageFault("append pending", err)
	}
	return nil
}

func validateRequest(req TransactionRequest) error {
	switch {
	case req.PayerID == "":
		return fmt.Errorf("%w: payer_id is required", ErrInvalidRequest)
	case req.Kind == "":
		return fmt.Errorf("%w: kind is required", ErrInvalidRequest)
	case req.Amount <= 0:
		return fmt.Errorf("%w: amount must be positive, got %d", ErrInvalidRequest, req.Amount)
	}
	return nil
}

func admissionLabel(cause error) string {
	switch {
	case errors.Is(cause, ErrDuplicateSequence):
		return "duplicate_sequence"
	case errors.Is(cause, ErrDuplicateTxID):
		return "duplicate_tx_id"
	case errors.Is(cause, ErrAlreadyApplied):
		return "already_applied"
	}
	return "rejected"
}

// =============================================================================
// MULTI-RECIPIENT TIP
// =============================================================================

// TipTarget is one recipient of a MultiTip.
type TipTarget struct {
	RecipientID   string
	RecipientName string
	Amount        int64
}

// SubmitResult reports the admission outcome of one request in a batch.
type SubmitResult struct {
	Request  TransactionRequest
	Accepted bool
	Err      error // admission rejection when not accepted
}

// MultiTip submits one tip per target with consecutive sequences starting at
// NextSequence(payer). A target refused by admission is skipped; the
// sequence still advances. Storage faults stop the batch and are returned
// with the results so far.
func (l *Ledger) MultiTip(ctx context.Context, payerID, payerName string, targets []TipTarget) ([]SubmitResult, error) {
	if len(targets) == 0 {
		return nil, fmt.Errorf("%w: no recipients", ErrInvalidRequest)
	}

	var total int64
	for _, t := range targets {
		if t.Amount <= 0 {
			return nil, fmt.Errorf("%w: amount for %s must be positive", ErrInvalidRequest, t.RecipientID)
		}
		if t.RecipientID == "" {
			return nil, fmt.Errorf("%w: recipient_id is required", ErrInvalidRequest)
		}
		total = SaturatingAdd(total, t.Amount)
	}

	effective, err := l.EffectiveBalance(ctx, payerID)
	if err != nil {
		return nil, err
	}
	if effective < total {
		return nil, fmt.Errorf("%w: need %d, have %d", ErrInsufficientFunds, total, effective)
	}

	seq, err := l.NextSequence(ctx, payerID)
	if err != nil {
		return nil, err
	}

	results := make([]SubmitResult, 0, len(targets))
	for _, t := range targets {
		req := TransactionRequest{
			Kind:          KindTip,
			PayerID:       payerID,
			PayerName:     payerName,
			RecipientID:   t.RecipientID,
			RecipientName: t.RecipientName,
			Amount:        t.Amount,
			Sequence:      seq,
		}
		seq++

		admitted, err := l.Submit(ctx, req)
		switch {
		case err == nil:
			results = append(results, SubmitResult{Request: admitted, Accepted: true})
		case IsAdmissionRejected(err):
			results = append(results, SubmitResult{Request: admitted, Err: err})
		default:
			return results, err
		}
	}
	return results, nil
}
