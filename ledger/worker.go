/*
worker.go - Periodic settlement worker

PURPOSE:
  Runs Settle on a fixed interval (default 5s), publishes each non-empty
  report to the Notifier, and samples the backlog gauges at the start of
  each pass.

DESIGN:
  - One background goroutine driven by a ticker
  - Runs a pass immediately on start
  - A pass always finishes once started: it runs on a context detached from
    cancellation, so stopping the worker never abandons a batch mid-flight
  - A failed pass is logged; the requests stay pending for the next tick

USAGE:
  worker := NewSettlementWorker(l, notifier)
  worker.Start()
  // ... later
  worker.Stop()

  // or, under an errgroup:
  g.Go(func() error { return worker.Run(ctx) })

SEE ALSO:
  - settlement.go: Settle
  - notify/kafka.go: Notifier backed by Kafka
*/
package ledger

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/warp/credit-ledger/metrics"
)

// DefaultSettleInterval is the pause between settlement passes.
const DefaultSettleInterval = 5 * time.Second

// SettlementWorker drives Settle in the background.
type SettlementWorker struct {
	Ledger   *Ledger
	Notifier Notifier // optional
	Interval time.Duration
	Enabled  bool

	cancel context.CancelFunc
	done   chan struct{}
	mu     sync.Mutex
}

// NewSettlementWorker creates a worker with the default interval.
func NewSettlementWorker(l *Ledger, n Notifier) *SettlementWorker {
	return &SettlementWorker{
		Ledger:   l,
		Notifier: n,
		Interval: DefaultSettleInterval,
		Enabled:  true,
	}
}

// Run settles until ctx is cancelled. It returns nil on cancellation.
func (w *SettlementWorker) Run(ctx context.Context) error {
	if !w.Enabled {
		log.Println("[Settlement] Disabled, not starting")
		<-ctx.Done()
		return nil
	}

	interval := w.Interval
	if interval <= 0 {
		interval = DefaultSettleInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log.Printf("[Settlement] Started with interval: %v", interval)

	// Run immediately on start
	_, _ = w.RunNow(ctx)
	for {
		select {
		case <-ticker.C:
			_, _ = w.RunNow(ctx)
		case <-ctx.Done():
			log.Println("[Settlement] Stopped")
			return nil
		}
	}
}

// Start runs the worker in its own goroutine.
func (w *SettlementWorker) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	w.done = make(chan struct{})

	go func() {
		defer close(w.done)
		_ = w.Run(ctx)
	}()
}

// Stop cancels the worker and waits for the in-flight pass to finish.
func (w *SettlementWorker) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.cancel == nil {
		return
	}
	w.cancel()
	<-w.done
	w.cancel = nil
}

// RunNow performs one pass immediately (for admin/testing).
func (w *SettlementWorker) RunNow(ctx context.Context) (*SettlementReport, error) {
	passCtx := context.WithoutCancel(ctx)

	// Sampled before the drain: afterwards the queue is always empty.
	w.refreshBacklog(passCtx)

	report, err := w.Ledger.Settle(passCtx)
	if err != nil {
		log.Printf("[Settlement] Pass failed, requests stay pending: %v", err)
		return nil, err
	}

	if !report.Empty() {
		log.Printf("[Settlement] Run %s: %d applied, %d rejected",
			report.RunID, len(report.Applied), len(report.Rejected))

		if w.Notifier != nil {
			if err := w.Notifier.Publish(passCtx, report); err != nil {
				log.Printf("[Settlement] Publish failed for run %s: %v", report.RunID, err)
			}
		}
	}
	return report, nil
}

func (w *SettlementWorker) refreshBacklog(ctx context.Context) {
	backlog, err := w.Ledger.Backlog(ctx)
	if err != nil {
		log.Printf("[Settlement] Backlog check failed: %v", err)
		return
	}

	var pending, stalled int
	for _, b := range backlog {
		pending += b.Pending
		if b.Stalled {
			stalled++
			log.Printf("[Settlement] Payer %s stalled: expected sequence %d, queued %v",
				b.PayerID, b.ExpectedSequence, b.QueuedSequences)
		}
	}
	metrics.PendingRequests.Set(float64(pending))
	metrics.StalledPayers.Set(float64(stalled))
}
