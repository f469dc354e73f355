package postgres_test

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/credit-ledger/ledger"
	"github.com/warp/credit-ledger/ledger/ledgertest"
	"github.com/warp/credit-ledger/store/postgres"
)

// newStore connects to LEDGER_TEST_POSTGRES and empties every table.
func newStore(t *testing.T) *postgres.Store {
	t.Helper()
	dsn := os.Getenv("LEDGER_TEST_POSTGRES")
	if dsn == "" {
		t.Skip("LEDGER_TEST_POSTGRES not set")
	}

	ctx := context.Background()
	s, err := postgres.New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(s.Close)

	_, err = s.Db.Exec(ctx, `TRUNCATE accounts, pending_transactions, applied_log, rejected_log, tickets`)
	require.NoError(t, err)
	return s
}

func TestPostgres_LedgerScenario(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	l := ledger.NewLedger(s)

	require.NoError(t, s.WithTx(ctx, func(tx ledger.Tx) error {
		return tx.PutAccount(ctx, ledger.Account{ID: "A", DisplayName: "A", Balance: 1000})
	}))

	tip := ledger.TransactionRequest{Kind: ledger.KindTip, PayerID: "A", PayerName: "A", RecipientID: "B", Amount: 300, Sequence: 1}
	_, err := l.Submit(ctx, tip)
	require.NoError(t, err)

	_, err = l.Submit(ctx, tip)
	assert.ErrorIs(t, err, ledger.ErrDuplicateSequence)

	report, err := l.Settle(ctx)
	require.NoError(t, err)
	assert.Len(t, report.Applied, 1)

	_, err = l.Submit(ctx, tip)
	assert.ErrorIs(t, err, ledger.ErrAlreadyApplied)

	a, err := l.Account(ctx, "A")
	require.NoError(t, err)
	assert.Equal(t, int64(700), a.Balance)
	assert.Equal(t, int64(1), a.Sequence)

	_, err = l.Submit(ctx, ledger.TransactionRequest{Kind: ledger.KindTip, PayerID: "A", RecipientID: "B", Amount: 2000, Sequence: 2})
	require.NoError(t, err)
	report, err = l.Settle(ctx)
	require.NoError(t, err)
	require.Len(t, report.Rejected, 1)

	rejected, err := l.RejectedTail(ctx, 1)
	require.NoError(t, err)
	require.Len(t, rejected, 1)
	assert.Equal(t, ledger.RejectInsufficientBalance, rejected[0].Code)
}

func TestPostgres_BuyTicketAndWindow(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	l := ledger.NewLedger(s)
	l.DuplicateWindow = 1

	require.NoError(t, s.WithTx(ctx, func(tx ledger.Tx) error {
		return tx.PutAccount(ctx, ledger.Account{ID: "A", DisplayName: "A", Balance: 100})
	}))

	buy := ledger.TransactionRequest{
		Kind: ledger.KindBuyTicket, PayerID: "A", RecipientID: "treasury", Amount: 10, Sequence: 1,
		Extra: ledger.Extra{ledger.ExtraItem: "raffle", ledger.ExtraTicketCount: 2},
	}
	_, err := l.Submit(ctx, buy)
	require.NoError(t, err)
	_, err = l.Settle(ctx)
	require.NoError(t, err)

	tickets, err := l.Tickets(ctx, "raffle")
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"A": 2}, tickets)

	require.NoError(t, s.WithTx(ctx, func(tx ledger.Tx) error {
		pending, err := tx.ListPending(ctx)
		assert.Empty(t, pending)
		return err
	}))
}

func TestPostgres_Concurrency(t *testing.T) {
	ledgertest.RunConcurrency(t, func(t *testing.T) ledger.Store { return newStore(t) })
}
