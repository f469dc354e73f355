/*
handlers_test.go - HTTP tests for the ledger API

Tests for:
- Admission responses (202 accepted, 409 duplicate, 400 invalid)
- Account reads, leaderboard shares, effective balance
- Admin settlement trigger and audit tails
- Multi-tip
*/
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/credit-ledger/ledger"
	"github.com/warp/credit-ledger/ledger/store"
)

type testServer struct {
	router http.Handler
	ledger *ledger.Ledger
	mem    *store.Memory
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	mem := store.NewMemory()
	l := ledger.NewLedger(mem)
	h := NewHandler(l, ledger.NewSettlementWorker(l, nil))
	return &testServer{router: NewRouter(h, nil), ledger: l, mem: mem}
}

func (s *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func (s *testServer) seed(t *testing.T, accounts ...ledger.Account) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.mem.WithTx(ctx, func(tx ledger.Tx) error {
		for _, a := range accounts {
			if err := tx.PutAccount(ctx, a); err != nil {
				return err
			}
		}
		return nil
	}))
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

func TestSubmitTransaction_AcceptedThenSettled(t *testing.T) {
	// GIVEN: A funded payer
	s := newTestServer(t)
	s.seed(t, ledger.Account{ID: "A", DisplayName: "A", Balance: 1000})

	// WHEN: A tip is submitted
	rec := s.do(t, http.MethodPost, "/api/transactions", map[string]any{
		"kind": "tip", "payer_id": "A", "payer_name": "Alice",
		"recipient_id": "B", "recipient_name": "Bob",
		"amount": 300, "sequence": 1,
	})

	// THEN: It is queued, not yet applied
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	resp := decode[SubmitResponse](t, rec)
	assert.Equal(t, "pending", resp.Status)
	assert.Len(t, resp.TxID, 64)

	rec = s.do(t, http.MethodGet, "/api/accounts/A/effective-balance", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(700), decode[EffectiveBalanceDTO](t, rec).EffectiveBalance)

	rec = s.do(t, http.MethodGet, "/api/transactions/pending", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	backlog := decode[[]ledger.PayerBacklog](t, rec)
	require.Len(t, backlog, 1)
	assert.Equal(t, "A", backlog[0].PayerID)

	// WHEN: An admin triggers settlement
	rec = s.do(t, http.MethodPost, "/api/admin/settle", nil)

	// THEN: One applied, balances moved
	require.Equal(t, http.StatusOK, rec.Code)
	settled := decode[SettleResponse](t, rec)
	assert.Equal(t, 1, settled.Applied)
	assert.Equal(t, 0, settled.Rejected)

	rec = s.do(t, http.MethodGet, "/api/accounts/A", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, AccountDTO{ID: "A", DisplayName: "Alice", Balance: 700, Sequence: 1}, decode[AccountDTO](t, rec))

	rec = s.do(t, http.MethodGet, "/api/accounts/A/next-sequence", nil)
	assert.Equal(t, int64(2), decode[NextSequenceDTO](t, rec).NextSequence)

	rec = s.do(t, http.MethodGet, "/api/log/applied?limit=5", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	applied := decode[[]ledger.AppliedEntry](t, rec)
	require.Len(t, applied, 1)
	assert.Equal(t, resp.TxID, applied[0].TxID)
}

func TestSubmitTransaction_DuplicateIs409(t *testing.T) {
	s := newTestServer(t)
	body := map[string]any{"kind": "mint", "payer_id": "A", "amount": 10, "sequence": 1}

	rec := s.do(t, http.MethodPost, "/api/transactions", body)
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/transactions", body)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "Transaction not admitted", decode[ErrorResponse](t, rec).Error)
}

func TestSubmitTransaction_InvalidInput(t *testing.T) {
	s := newTestServer(t)

	cases := map[string]any{
		"fractional amount": map[string]any{"kind": "tip", "payer_id": "A", "recipient_id": "B", "amount": 1.5, "sequence": 1},
		"zero amount":       map[string]any{"kind": "tip", "payer_id": "A", "recipient_id": "B", "amount": 0, "sequence": 1},
		"missing payer":     map[string]any{"kind": "tip", "recipient_id": "B", "amount": 5, "sequence": 1},
		"missing kind":      map[string]any{"payer_id": "A", "recipient_id": "B", "amount": 5, "sequence": 1},
		"not an object":     []int{1, 2},
	}

	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			rec := s.do(t, http.MethodPost, "/api/transactions", body)
			assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
		})
	}
}

func TestSubmitTransaction_AmountAsString(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, "/api/transactions", map[string]any{
		"kind": "mint", "payer_id": "A", "amount": "25", "sequence": 1,
	})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	pending, err := s.mem.ListPending(context.Background())
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, int64(25), pending[0].Amount)
}

func TestSubmitTransaction_BuyTicketExtraSurvivesDecoding(t *testing.T) {
	s := newTestServer(t)
	s.seed(t, ledger.Account{ID: "A", DisplayName: "A", Balance: 100})

	rec := s.do(t, http.MethodPost, "/api/transactions", map[string]any{
		"kind": "buyticket", "payer_id": "A", "recipient_id": "treasury",
		"amount": 20, "sequence": 1,
		"extra": map[string]any{"item": "raffle", "ticket_count": 4},
	})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	rec = s.do(t, http.MethodPost, "/api/admin/settle", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, decode[SettleResponse](t, rec).Applied)

	rec = s.do(t, http.MethodGet, "/api/tickets/raffle", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, map[string]int64{"A": 4}, decode[map[string]int64](t, rec))
}

func TestRejectedLog_ShowsReason(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, "/api/transactions", map[string]any{
		"kind": "tip", "payer_id": "broke", "recipient_id": "B", "amount": 5, "sequence": 1,
	})
	require.Equal(t, http.StatusAccepted, rec.Code)
	s.do(t, http.MethodPost, "/api/admin/settle", nil)

	rec = s.do(t, http.MethodGet, "/api/log/rejected", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rejected := decode[[]ledger.RejectedEntry](t, rec)
	require.Len(t, rejected, 1)
	assert.Equal(t, ledger.RejectInsufficientBalance, rejected[0].Code)
	assert.Equal(t, "insufficient balance (have 0, need 5)", rejected[0].Reason)
}

// =============================================================================
// MULTI-TIP
// =============================================================================

func TestMultiTip(t *testing.T) {
	s := newTestServer(t)
	s.seed(t, ledger.Account{ID: "A", DisplayName: "A", Balance: 100})

	rec := s.do(t, http.MethodPost, "/api/transactions/multitip", map[string]any{
		"payer_id": "A", "payer_name": "Alice",
		"targets": []map[string]any{
			{"recipient_id": "B", "amount": 10},
			{"recipient_id": "C", "amount": 15},
		},
	})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	resp := decode[MultiTipResponse](t, rec)
	assert.Equal(t, 2, resp.Accepted)
	assert.Equal(t, 0, resp.Skipped)
	require.Len(t, resp.Results, 2)
	assert.Equal(t, int64(1), resp.Results[0].Sequence)
	assert.Equal(t, int64(2), resp.Results[1].Sequence)
}

func TestMultiTip_Errors(t *testing.T) {
	s := newTestServer(t)
	s.seed(t, ledger.Account{ID: "A", DisplayName: "A", Balance: 10})

	// Over the effective balance
	rec := s.do(t, http.MethodPost, "/api/transactions/multitip", map[string]any{
		"payer_id": "A",
		"targets":  []map[string]any{{"recipient_id": "B", "amount": 8}, {"recipient_id": "C", "amount": 8}},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// No payer
	rec = s.do(t, http.MethodPost, "/api/transactions/multitip", map[string]any{
		"targets": []map[string]any{{"recipient_id": "B", "amount": 1}},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Negative amount
	rec = s.do(t, http.MethodPost, "/api/transactions/multitip", map[string]any{
		"payer_id": "A",
		"targets":  []map[string]any{{"recipient_id": "B", "amount": -1}},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// =============================================================================
// ACCOUNTS
// =============================================================================

func TestGetAccount_NotFound(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodGet, "/api/accounts/nobody", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestUpsertAccount(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPut, "/api/accounts/u1", UpsertAccountRequest{DisplayName: "Una"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, AccountDTO{ID: "u1", DisplayName: "Una"}, decode[AccountDTO](t, rec))

	rec = s.do(t, http.MethodPut, "/api/accounts/u1", UpsertAccountRequest{DisplayName: "Uma"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Uma", decode[AccountDTO](t, rec).DisplayName)
}

func TestListAccounts_LeaderboardShares(t *testing.T) {
	s := newTestServer(t)
	s.seed(t,
		ledger.Account{ID: "a", DisplayName: "a", Balance: 100},
		ledger.Account{ID: "b", DisplayName: "b", Balance: 200},
		ledger.Account{ID: "c", DisplayName: "c", Balance: 0},
	)

	rec := s.do(t, http.MethodGet, "/api/accounts?limit=2", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	lb := decode[LeaderboardResponse](t, rec)
	assert.Equal(t, int64(300), lb.Supply)
	require.Len(t, lb.Accounts, 2)
	assert.Equal(t, 1, lb.Accounts[0].Rank)
	assert.Equal(t, "b", lb.Accounts[0].ID)
	assert.Equal(t, "66.67", lb.Accounts[0].Share)
	assert.Equal(t, "33.33", lb.Accounts[1].Share)

	rec = s.do(t, http.MethodGet, "/api/accounts?limit=abc", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListAccounts_EmptySupply(t *testing.T) {
	s := newTestServer(t)
	s.seed(t, ledger.Account{ID: "a", DisplayName: "a"})

	rec := s.do(t, http.MethodGet, "/api/accounts", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	lb := decode[LeaderboardResponse](t, rec)
	require.Len(t, lb.Accounts, 1)
	assert.Equal(t, "0.00", lb.Accounts[0].Share)
}

// =============================================================================
// OPERATIONAL
// =============================================================================

func TestHealthAndMetrics(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "ledger_http_requests_total")
}

func TestTriggerSettlement_WithoutWorker(t *testing.T) {
	mem := store.NewMemory()
	l := ledger.NewLedger(mem)
	router := NewRouter(NewHandler(l, nil), nil)

	req := httptest.NewRequest(http.MethodPost, "/api/admin/settle", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp SettleResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.RunID)
}

func TestSubmitTransaction_AmountOverflow(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, "/api/transactions", map[string]any{
		"kind": "mint", "payer_id": "A", "amount": "92233720368547758070", "sequence": 1,
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
