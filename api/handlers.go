/*
handlers.go - HTTP API handlers for the credit ledger

PURPOSE:
  Exposes the ledger to producers (chat commands, game bots) and consumers
  (dashboards). Handles HTTP request/response and JSON serialization, and
  delegates everything else to ledger.Ledger.

ENDPOINTS:
  Accounts:
    GET    /api/accounts                         Leaderboard (?limit=N)
    PUT    /api/accounts/{id}                    Get-or-create, refresh name
    GET    /api/accounts/{id}                    Account details
    GET    /api/accounts/{id}/effective-balance  Balance minus own pending amounts
    GET    /api/accounts/{id}/next-sequence      Sequence for the next request

  Transactions:
    POST   /api/transactions                     Submit to the pending queue
    POST   /api/transactions/multitip            One tip per recipient
    GET    /api/transactions/pending             Backlog per payer

  Audit:
    GET    /api/log/applied                      Applied tail (?limit=N)
    GET    /api/log/rejected                     Rejected tail (?limit=N)
    GET    /api/tickets/{item}                   Ticket ledger for an item

  Admin:
    POST   /api/admin/settle                     Run one settlement pass now

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid input, insufficient effective balance
  - 404: Account not found
  - 409: Admission rejected (duplicate sequence / tx_id, already applied)
  - 500: Storage faults

SECURITY NOTE:
  No authentication. Producers are trusted services on the same host.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/warp/credit-ledger/ledger"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Ledger *ledger.Ledger
	Worker *ledger.SettlementWorker // optional; used by the admin trigger
}

// NewHandler creates a new handler.
func NewHandler(l *ledger.Ledger, w *ledger.SettlementWorker) *Handler {
	return &Handler{Ledger: l, Worker: w}
}

// =============================================================================
// ACCOUNT ENDPOINTS
// =============================================================================

// ListAccounts returns the leaderboard.
// GET /api/accounts?limit=N
func (h *Handler) ListAccounts(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid limit", err)
		return
	}

	standings, err := h.Ledger.Leaderboard(r.Context(), limit)
	if err != nil {
		writeLedgerError(w, "Failed to load leaderboard", err)
		return
	}
	writeJSON(w, http.StatusOK, toLeaderboard(standings))
}

// UpsertAccount creates the account or refreshes its display name.
// PUT /api/accounts/{id}
func (h *Handler) UpsertAccount(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req UpsertAccountRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid request body", err)
			return
		}
	}

	acct, err := h.Ledger.GetOrCreateAccount(r.Context(), id, req.DisplayName)
	if err != nil {
		writeLedgerError(w, "Failed to save account", err)
		return
	}
	writeJSON(w, http.StatusOK, toAccountDTO(acct))
}

// GetAccount returns one account.
// GET /api/accounts/{id}
func (h *Handler) GetAccount(w http.ResponseWriter, r *http.Request) {
	acct, err := h.Ledger.Account(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeLedgerError(w, "Account not found", err)
		return
	}
	writeJSON(w, http.StatusOK, toAccountDTO(acct))
}

// GetEffectiveBalance returns balance minus every pending amount the account pays.
// GET /api/accounts/{id}/effective-balance
func (h *Handler) GetEffectiveBalance(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	balance, err := h.Ledger.EffectiveBalance(r.Context(), id)
	if err != nil {
		writeLedgerError(w, "Failed to compute effective balance", err)
		return
	}
	writeJSON(w, http.StatusOK, EffectiveBalanceDTO{AccountID: id, EffectiveBalance: balance})
}

// GetNextSequence returns the sequence the next request must carry.
// GET /api/accounts/{id}/next-sequence
func (h *Handler) GetNextSequence(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	seq, err := h.Ledger.NextSequence(r.Context(), id)
	if err != nil {
		writeLedgerError(w, "Failed to read sequence", err)
		return
	}
	writeJSON(w, http.StatusOK, NextSequenceDTO{AccountID: id, NextSequence: seq})
}

// =============================================================================
// TRANSACTION ENDPOINTS
// =============================================================================

// SubmitTransaction admits a request into the pending queue.
// POST /api/transactions
func (h *Handler) SubmitTransaction(w http.ResponseWriter, r *http.Request) {
	var body SubmitTransactionRequest
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	req, err := body.toLedger()
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid amount", err)
		return
	}

	admitted, err := h.Ledger.Submit(r.Context(), req)
	if err != nil {
		writeLedgerError(w, "Transaction not admitted", err)
		return
	}

	writeJSON(w, http.StatusAccepted, SubmitResponse{
		TxID:     admitted.TxID,
		PayerID:  admitted.PayerID,
		Sequence: admitted.Sequence,
		Status:   "pending",
	})
}

// MultiTip submits one tip per recipient with consecutive sequences.
// POST /api/transactions/multitip
func (h *Handler) MultiTip(w http.ResponseWriter, r *http.Request) {
	var body MultiTipRequest
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if body.PayerID == "" {
		writeError(w, http.StatusBadRequest, "payer_id is required", nil)
		return
	}

	targets := make([]ledger.TipTarget, 0, len(body.Targets))
	for _, t := range body.Targets {
		amount, err := parseAmount(t.Amount)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid amount", err)
			return
		}
		targets = append(targets, ledger.TipTarget{
			RecipientID:   t.RecipientID,
			RecipientName: t.RecipientName,
			Amount:        amount,
		})
	}

	results, err := h.Ledger.MultiTip(r.Context(), body.PayerID, body.PayerName, targets)
	if err != nil {
		writeLedgerError(w, "Multi-tip failed", err)
		return
	}
	writeJSON(w, http.StatusAccepted, toMultiTipResponse(results))
}

// ListPending returns the pending queue grouped by payer.
// GET /api/transactions/pending
func (h *Handler) ListPending(w http.ResponseWriter, r *http.Request) {
	backlog, err := h.Ledger.Backlog(r.Context())
	if err != nil {
		writeLedgerError(w, "Failed to read pending queue", err)
		return
	}
	if backlog == nil {
		backlog = []ledger.PayerBacklog{}
	}
	writeJSON(w, http.StatusOK, backlog)
}

// =============================================================================
// AUDIT ENDPOINTS
// =============================================================================

// AppliedLog returns the most recent applied records, oldest first.
// GET /api/log/applied?limit=N
func (h *Handler) AppliedLog(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid limit", err)
		return
	}
	entries, err := h.Ledger.AppliedTail(r.Context(), limit)
	if err != nil {
		writeLedgerError(w, "Failed to read applied log", err)
		return
	}
	if entries == nil {
		entries = []ledger.AppliedEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// RejectedLog returns the most recent rejected records, oldest first.
// GET /api/log/rejected?limit=N
func (h *Handler) RejectedLog(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid limit", err)
		return
	}
	entries, err := h.Ledger.RejectedTail(r.Context(), limit)
	if err != nil {
		writeLedgerError(w, "Failed to read rejected log", err)
		return
	}
	if entries == nil {
		entries = []ledger.RejectedEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// Tickets returns account_id -> ticket count for an item.
// GET /api/tickets/{item}
func (h *Handler) Tickets(w http.ResponseWriter, r *http.Request) {
	tickets, err := h.Ledger.Tickets(r.Context(), chi.URLParam(r, "item"))
	if err != nil {
		writeLedgerError(w, "Failed to read tickets", err)
		return
	}
	writeJSON(w, http.StatusOK, tickets)
}

// =============================================================================
// ADMIN ENDPOINTS
// =============================================================================

// TriggerSettlement runs one settlement pass immediately.
// POST /api/admin/settle
func (h *Handler) TriggerSettlement(w http.ResponseWriter, r *http.Request) {
	var (
		report *ledger.SettlementReport
		err    error
	)
	if h.Worker != nil {
		report, err = h.Worker.RunNow(r.Context())
	} else {
		report, err = h.Ledger.Settle(r.Context())
	}
	if err != nil {
		writeLedgerError(w, "Settlement failed", err)
		return
	}

	writeJSON(w, http.StatusOK, SettleResponse{
		RunID:    report.RunID,
		Applied:  len(report.Applied),
		Rejected: len(report.Rejected),
	})
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeLedgerError maps ledger errors onto HTTP statuses.
func writeLedgerError(w http.ResponseWriter, message string, err error) {
	status := http.StatusInternalServerError
	switch {
	case ledger.IsAdmissionRejected(err):
		status = http.StatusConflict
	case errors.Is(err, ledger.ErrAccountNotFound):
		status = http.StatusNotFound
	case ledger.IsClientError(err):
		status = http.StatusBadRequest
	}
	writeError(w, status, message, err)
}

// decodeBody keeps JSON numbers exact so integer extra fields survive.
func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	return dec.Decode(v)
}

func queryInt(r *http.Request, key string, def int) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def, nil
	}
	return strconv.Atoi(raw)
}
