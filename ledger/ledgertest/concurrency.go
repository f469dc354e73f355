// Package ledgertest holds store-agnostic checks that every ledger.Store
// backend runs from its own tests.
package ledgertest

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/warp/credit-ledger/ledger"
)

// NewStore returns an empty store. The test owns its cleanup.
type NewStore func(t *testing.T) ledger.Store

// RunConcurrency drives admission, reads and settlement from many
// goroutines against one store.
func RunConcurrency(t *testing.T, newStore NewStore) {
	t.Run("DuplicateSubmitAdmitsOne", func(t *testing.T) {
		testDuplicateSubmitAdmitsOne(t, newStore(t))
	})
	t.Run("SubmitAlongsideSettle", func(t *testing.T) {
		testSubmitAlongsideSettle(t, newStore(t))
	})
}

func testDuplicateSubmitAdmitsOne(t *testing.T, s ledger.Store) {
	// GIVEN: The same request raced from many goroutines
	const racers = 16
	l := ledger.NewLedger(s)
	ctx := context.Background()
	req := ledger.TransactionRequest{Kind: ledger.KindMint, PayerID: "P", PayerName: "P", Amount: 10, Sequence: 1}

	var (
		mu       sync.Mutex
		admitted int
		refused  int
	)
	var g errgroup.Group
	for i := 0; i < racers; i++ {
		g.Go(func() error {
			_, err := l.Submit(ctx, req)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				admitted++
			case ledger.IsAdmissionRejected(err):
				refused++
			default:
				return err
			}
			return nil
		})
	}

	// WHEN: Every racer returns
	require.NoError(t, g.Wait())

	// THEN: Exactly one copy is queued
	assert.Equal(t, 1, admitted)
	assert.Equal(t, racers-1, refused)
	pending, err := s.ListPending(ctx)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func testSubmitAlongsideSettle(t *testing.T, s ledger.Store) {
	// GIVEN: Funded payers tipping each other while passes run
	const (
		payers    = 5
		perPayer  = 20
		startBase = 1000
	)
	ctx := context.Background()
	l := ledger.NewLedger(s)

	ids := make([]string, payers)
	require.NoError(t, s.WithTx(ctx, func(tx ledger.Tx) error {
		for i := range ids {
			ids[i] = fmt.Sprintf("u%d", i)
			if err := tx.PutAccount(ctx, ledger.Account{ID: ids[i], DisplayName: ids[i], Balance: startBase}); err != nil {
				return err
			}
		}
		return nil
	}))

	var (
		mu      sync.Mutex
		reports []*ledger.SettlementReport
	)
	settle := func() error {
		r, err := l.Settle(ctx)
		if err != nil {
			return err
		}
		mu.Lock()
		reports = append(reports, r)
		mu.Unlock()
		return nil
	}

	submitters, sctx := errgroup.WithContext(ctx)
	for i, payer := range ids {
		submitters.Go(func() error {
			for seq := int64(1); seq <= perPayer; seq++ {
				if sctx.Err() != nil {
					return sctx.Err()
				}
				req := ledger.TransactionRequest{
					Kind:        ledger.KindTip,
					PayerID:     payer,
					RecipientID: ids[(i+int(seq))%payers],
					Amount:      10 + seq,
					Sequence:    seq,
				}
				if _, err := l.Submit(sctx, req); err != nil {
					return fmt.Errorf("submit %s/%d: %w", payer, seq, err)
				}
				if _, err := l.EffectiveBalance(sctx, payer); err != nil {
					return err
				}
			}
			return nil
		})
	}

	done := make(chan struct{})
	var settler errgroup.Group
	settler.Go(func() error {
		for {
			select {
			case <-done:
				return nil
			default:
			}
			if err := settle(); err != nil {
				return err
			}
		}
	})

	// WHEN: Submitters finish and a final pass drains the queue
	require.NoError(t, submitters.Wait())
	close(done)
	require.NoError(t, settler.Wait())
	require.NoError(t, settle())

	// THEN: Every request has exactly one outcome
	appliedBy := make(map[string]int64)
	outcomes := 0
	for _, r := range reports {
		for _, e := range r.Applied {
			appliedBy[e.PayerID]++
		}
		outcomes += len(r.Applied) + len(r.Rejected)
	}
	assert.Equal(t, payers*perPayer, outcomes)

	pending, err := s.ListPending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)

	// THEN: Transfers conserved supply and sequences match applied counts
	standings, err := l.Leaderboard(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(payers*startBase), standings.Supply)
	for _, a := range standings.Accounts {
		assert.Equal(t, appliedBy[a.ID], a.Sequence, a.ID)
		assert.GreaterOrEqual(t, a.Balance, int64(0), a.ID)
	}
}
