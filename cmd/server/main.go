/*
main.go - Application entry point

PURPOSE:
  Starts the credit ledger: the HTTP API and the settlement worker, sharing
  one store. Handles configuration, dependency injection, and graceful
  shutdown.

STARTUP SEQUENCE:
  1. Load config from the environment, apply flag overrides
  2. Open the store (sqlite, postgres or memory)
  3. Optionally connect the Kafka notifier
  4. Run the HTTP server and the settlement worker under one errgroup

COMMAND-LINE FLAGS (override the environment):
  -port      HTTP server port              (SERVER_PORT, default 8080)
  -backend   sqlite | postgres | memory    (LEDGER_BACKEND, default sqlite)
  -db        SQLite database path          (LEDGER_DB_PATH)
  -interval  Settlement interval           (LEDGER_SETTLE_INTERVAL, default 5s)
  -window    Duplicate lookback, 0 = all   (LEDGER_DUPLICATE_WINDOW)
  -worker    Run the settlement worker     (default true)

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Let the in-flight settlement pass finish
  4. Close the notifier and the store

EXAMPLES:
  ./server -db="./data/ledger.db"
  ./server -backend=memory -interval=1s
  DB_SOURCE=postgres://... ./server -backend=postgres

SEE ALSO:
  - config/config.go: Environment variables
  - api/server.go: Router configuration
  - ledger/worker.go: Settlement worker
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/warp/credit-ledger/api"
	"github.com/warp/credit-ledger/config"
	"github.com/warp/credit-ledger/ledger"
	memstore "github.com/warp/credit-ledger/ledger/store"
	"github.com/warp/credit-ledger/notify"
	"github.com/warp/credit-ledger/store/postgres"
	"github.com/warp/credit-ledger/store/sqlite"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}

	// Flags
	flag.StringVar(&cfg.Port, "port", cfg.Port, "HTTP server port")
	flag.StringVar(&cfg.Backend, "backend", cfg.Backend, "storage backend: sqlite, postgres or memory")
	flag.StringVar(&cfg.DBPath, "db", cfg.DBPath, "SQLite database path")
	flag.DurationVar(&cfg.SettleInterval, "interval", cfg.SettleInterval, "settlement interval")
	flag.IntVar(&cfg.DuplicateWindow, "window", cfg.DuplicateWindow, "applied-log duplicate lookback (0 = full history)")
	runWorker := flag.Bool("worker", true, "run the settlement worker in this process")
	flag.Parse()

	if err := cfg.Validate(); err != nil {
		log.Fatal(err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer closeStore()

	l := ledger.NewLedger(store)
	l.DuplicateWindow = cfg.DuplicateWindow

	var notifier ledger.Notifier
	if cfg.KafkaBrokers != "" {
		kn, err := notify.NewKafkaNotifier(cfg.KafkaBrokers, cfg.KafkaTopic)
		if err != nil {
			log.Fatalf("Failed to connect notifier: %v", err)
		}
		defer kn.Close()
		notifier = kn
		log.Printf("[Server] Publishing outcomes to Kafka topic %s", cfg.KafkaTopic)
	}

	worker := ledger.NewSettlementWorker(l, notifier)
	worker.Interval = cfg.SettleInterval
	worker.Enabled = *runWorker

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      api.NewRouter(api.NewHandler(l, worker), cfg.CORSOrigins),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Printf("[Server] Starting on http://localhost:%s (%s backend, %s)", cfg.Port, cfg.Backend, cfg.Env)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		return worker.Run(gctx)
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Println("[Server] Shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Fatalf("[Server] Stopped with error: %v", err)
	}
	log.Println("[Server] Stopped")
}

// openStore opens the configured backend and returns its closer.
func openStore(ctx context.Context, cfg *config.Config) (ledger.Store, func(), error) {
	switch cfg.Backend {
	case config.BackendPostgres:
		s, err := postgres.New(ctx, cfg.DBSource)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil

	case config.BackendMemory:
		log.Println("[Server] Using in-memory store; state is lost on exit")
		return memstore.NewMemory(), func() {}, nil

	default:
		s, err := sqlite.New(cfg.DBPath)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { s.Close() }, nil
	}
}
