/*
errors.go - Error taxonomy for the credit ledger

ERROR CATEGORIES:
  1. Admission rejections - duplicate sequence, duplicate tx_id, already
     applied. The caller treats these as "already queued, do nothing".
  2. Settlement rejections - recorded in the rejected log, never returned to
     a live caller. See Rejection and RejectionCode.
  3. Storage faults - I/O failures. The current admission or batch is rolled
     back and the error is surfaced to the operator.

USAGE:
  if _, err := l.Submit(ctx, req); err != nil {
      if ledger.IsAdmissionRejected(err) {
          // already queued or already settled
      }
  }
*/
package ledger

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrAdmissionRejected is the parent of every admission-time duplicate.
	ErrAdmissionRejected = errors.New("ledger: admission rejected")

	// ErrDuplicateSequence: the pending queue already holds (payer, sequence).
	ErrDuplicateSequence = errors.New("ledger: duplicate sequence in pending queue")

	// ErrDuplicateTxID: the pending queue already holds this tx_id.
	ErrDuplicateTxID = errors.New("ledger: duplicate tx_id in pending queue")

	// ErrAlreadyApplied: the tx_id is already in the applied log.
	ErrAlreadyApplied = errors.New("ledger: tx_id already applied")

	// ErrInvalidRequest is returned for requests that can never settle
	// (empty payer, non-positive amount, unencodable extra fields).
	ErrInvalidRequest = errors.New("ledger: invalid request")

	// ErrInsufficientFunds is returned by MultiTip when the payer's effective
	// balance cannot cover the whole batch. Nothing is submitted then.
	ErrInsufficientFunds = errors.New("ledger: insufficient effective balance")

	// ErrAccountNotFound is returned by reads of an unknown account.
	ErrAccountNotFound = errors.New("ledger: account not found")

	// ErrStorage marks I/O failures of the persisted state.
	ErrStorage = errors.New("ledger: storage fault")
)

// =============================================================================
// STRUCTURED ERRORS
// =============================================================================

// AdmissionError describes why a request was not queued.
type AdmissionError struct {
	TxID     string
	PayerID  string
	Sequence int64
	Cause    error // ErrDuplicateSequence, ErrDuplicateTxID or ErrAlreadyApplied
}

func (e *AdmissionError) Error() string {
	return fmt.Sprintf("%v (payer %s, sequence %d, tx %s)", e.Cause, e.PayerID, e.Sequence, e.TxID)
}

func (e *AdmissionError) Unwrap() []error {
	return []error{e.Cause, ErrAdmissionRejected}
}

// StorageError wraps a persistence failure with the operation that hit it.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("ledger: storage fault during %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() []error {
	return []error{e.Err, ErrStorage}
}

// storageFault wraps err unless it already carries ErrStorage.
func storageFault(op string, err error) error {
	if err == nil || errors.Is(err, ErrStorage) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}

// =============================================================================
// SETTLEMENT REJECTIONS
// =============================================================================

type RejectionCode string

const (
	RejectMissingPayer        RejectionCode = "missing_payer"
	RejectMissingSequence     RejectionCode = "missing_sequence"
	RejectInvalidSequence     RejectionCode = "invalid_sequence"
	RejectInvalidAmount       RejectionCode = "invalid_amount"
	RejectInsufficientBalance RejectionCode = "insufficient_balance"
	RejectMissingRecipient    RejectionCode = "missing_recipient"
	RejectInvalidFields       RejectionCode = "invalid_fields"
	RejectUnknownKind         RejectionCode = "unknown_kind"
	RejectAmountOverflow      RejectionCode = "amount_overflow"
	RejectInternalFault       RejectionCode = "internal_fault"
)

// Rejection is a terminal settlement outcome. It is written to the
// rejected log, not returned to producers.
type Rejection struct {
	Code    RejectionCode
	Message string
}

func (r *Rejection) Error() string { return r.Message }

func reject(code RejectionCode, format string, args ...any) *Rejection {
	return &Rejection{Code: code, Message: fmt.Sprintf(format, args...)}
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsAdmissionRejected reports whether err is a duplicate-admission outcome.
func IsAdmissionRejected(err error) bool {
	return errors.Is(err, ErrAdmissionRejected)
}

// IsStorageFault reports whether err came from the persisted state.
func IsStorageFault(err error) bool {
	return errors.Is(err, ErrStorage)
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidRequest) ||
		errors.Is(err, ErrInsufficientFunds) ||
		errors.Is(err, ErrAccountNotFound) ||
		errors.Is(err, ErrAdmissionRejected)
}
