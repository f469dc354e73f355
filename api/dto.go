/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. Amounts arrive as
  decimals so a fractional credit ("1.5") is refused with a clear 400
  instead of being silently truncated by the JSON decoder.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"fmt"
	"math"

	"github.com/shopspring/decimal"
	"github.com/warp/credit-ledger/ledger"
)

// =============================================================================
// ACCOUNTS
// =============================================================================

// AccountDTO represents an account in API responses.
type AccountDTO struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	Balance     int64  `json:"balance"`
	Sequence    int64  `json:"sequence"`
}

func toAccountDTO(a ledger.Account) AccountDTO {
	return AccountDTO{ID: a.ID, DisplayName: a.DisplayName, Balance: a.Balance, Sequence: a.Sequence}
}

// UpsertAccountRequest creates an account or refreshes its display name.
type UpsertAccountRequest struct {
	DisplayName string `json:"display_name"`
}

// StandingDTO is one leaderboard row.
type StandingDTO struct {
	Rank int `json:"rank"`
	AccountDTO
	Share string `json:"share"` // percent of supply, two decimals
}

// LeaderboardResponse is returned by GET /api/accounts.
type LeaderboardResponse struct {
	Supply   int64         `json:"supply"`
	Accounts []StandingDTO `json:"accounts"`
}

func toLeaderboard(s ledger.Standings) LeaderboardResponse {
	resp := LeaderboardResponse{Supply: s.Supply, Accounts: make([]StandingDTO, 0, len(s.Accounts))}
	supply := decimal.NewFromInt(s.Supply)
	for i, a := range s.Accounts {
		share := decimal.Zero
		if s.Supply > 0 {
			share = decimal.NewFromInt(a.Balance).Div(supply).Mul(decimal.NewFromInt(100))
		}
		resp.Accounts = append(resp.Accounts, StandingDTO{
			Rank:       i + 1,
			AccountDTO: toAccountDTO(a),
			Share:      share.StringFixed(2),
		})
	}
	return resp
}

// EffectiveBalanceDTO answers "what can this payer still spend".
type EffectiveBalanceDTO struct {
	AccountID        string `json:"account_id"`
	EffectiveBalance int64  `json:"effective_balance"`
}

// NextSequenceDTO is the sequence a new request from the account must carry.
type NextSequenceDTO struct {
	AccountID    string `json:"account_id"`
	NextSequence int64  `json:"next_sequence"`
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// SubmitTransactionRequest is the body of POST /api/transactions.
type SubmitTransactionRequest struct {
	TxID          string          `json:"tx_id,omitempty"`
	Kind          string          `json:"kind"`
	PayerID       string          `json:"payer_id"`
	PayerName     string          `json:"payer_name"`
	RecipientID   string          `json:"recipient_id,omitempty"`
	RecipientName string          `json:"recipient_name,omitempty"`
	Amount        decimal.Decimal `json:"amount"`
	Sequence      int64           `json:"sequence"`
	Extra         map[string]any  `json:"extra,omitempty"`
}

func (r SubmitTransactionRequest) toLedger() (ledger.TransactionRequest, error) {
	amount, err := parseAmount(r.Amount)
	if err != nil {
		return ledger.TransactionRequest{}, err
	}
	return ledger.TransactionRequest{
		TxID:          r.TxID,
		Kind:          ledger.Kind(r.Kind),
		PayerID:       r.PayerID,
		PayerName:     r.PayerName,
		RecipientID:   r.RecipientID,
		RecipientName: r.RecipientName,
		Amount:        amount,
		Sequence:      r.Sequence,
		Extra:         ledger.Extra(r.Extra),
	}, nil
}

// SubmitResponse acknowledges an admitted request. Settlement happens later.
type SubmitResponse struct {
	TxID     string `json:"tx_id"`
	PayerID  string `json:"payer_id"`
	Sequence int64  `json:"sequence"`
	Status   string `json:"status"`
}

// TipTargetRequest is one recipient of a multi-tip.
type TipTargetRequest struct {
	RecipientID   string          `json:"recipient_id"`
	RecipientName string          `json:"recipient_name"`
	Amount        decimal.Decimal `json:"amount"`
}

// MultiTipRequest is the body of POST /api/transactions/multitip.
type MultiTipRequest struct {
	PayerID   string             `json:"payer_id"`
	PayerName string             `json:"payer_name"`
	Targets   []TipTargetRequest `json:"targets"`
}

// MultiTipItemDTO reports what happened to one target.
type MultiTipItemDTO struct {
	TxID        string `json:"tx_id"`
	RecipientID string `json:"recipient_id"`
	Amount      int64  `json:"amount"`
	Sequence    int64  `json:"sequence"`
	Accepted    bool   `json:"accepted"`
	Reason      string `json:"reason,omitempty"`
}

// MultiTipResponse lists per-target outcomes in submission order.
type MultiTipResponse struct {
	Accepted int               `json:"accepted"`
	Skipped  int               `json:"skipped"`
	Results  []MultiTipItemDTO `json:"results"`
}

func toMultiTipResponse(results []ledger.SubmitResult) MultiTipResponse {
	resp := MultiTipResponse{Results: make([]MultiTipItemDTO, 0, len(results))}
	for _, r := range results {
		item := MultiTipItemDTO{
			TxID:        r.Request.TxID,
			RecipientID: r.Request.RecipientID,
			Amount:      r.Request.Amount,
			Sequence:    r.Request.Sequence,
			Accepted:    r.Accepted,
		}
		if r.Accepted {
			resp.Accepted++
		} else {
			resp.Skipped++
			if r.Err != nil {
				item.Reason = r.Err.Error()
			}
		}
		resp.Results = append(resp.Results, item)
	}
	return resp
}

// SettleResponse summarizes a manual settlement pass.
type SettleResponse struct {
	RunID    string `json:"run_id"`
	Applied  int    `json:"applied"`
	Rejected int    `json:"rejected"`
}

// ErrorResponse is the body of every error reply.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// HELPERS
// =============================================================================

var maxAmount = decimal.NewFromInt(math.MaxInt64)

// parseAmount accepts whole, positive credit amounts that fit in int64.
func parseAmount(d decimal.Decimal) (int64, error) {
	if !d.IsInteger() {
		return 0, fmt.Errorf("%w: amount must be a whole number, got %s", ledger.ErrInvalidRequest, d)
	}
	if !d.IsPositive() {
		return 0, fmt.Errorf("%w: amount must be positive, got %s", ledger.ErrInvalidRequest, d)
	}
	if d.GreaterThan(maxAmount) {
		return 0, fmt.Errorf("%w: amount %s is too large", ledger.ErrInvalidRequest, d)
	}
	return d.IntPart(), nil
}
