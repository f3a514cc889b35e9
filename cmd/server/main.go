/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the receipt ledger server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load .env and environment, apply command-line overrides
  2. Build the zap logger
  3. Open the store (SQLite or PostgreSQL)
  4. Optional: Redis sequence allocator, Kafka event publisher
  5. Create ledger, auditor, API handler and router
  6. Serve until SIGINT/SIGTERM, then shut down gracefully

COMMAND-LINE FLAGS (override the environment):
  -addr      HTTP listen address          (HTTP_ADDR, default :8080)
  -driver    sqlite | postgres            (DB_DRIVER, default sqlite)
  -db        SQLite database path         (SQLITE_PATH)
             Use ":memory:" for an in-memory database
  -dev       Development logger

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Stop the auditor, close publisher, allocator and store
  4. Exit

EXAMPLES:
  ./server -db=":memory:" -dev
  DB_DRIVER=postgres DATABASE_URL=postgres://... SEQUENCE_BACKEND=redis ./server

SEE ALSO:
  - config/config.go: Environment variables
  - api/server.go: Router configuration
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/warp/receipt-ledger/api"
	"github.com/warp/receipt-ledger/billing"
	"github.com/warp/receipt-ledger/config"
	"github.com/warp/receipt-ledger/events"
	"github.com/warp/receipt-ledger/sequence"
	"github.com/warp/receipt-ledger/store/postgres"
	"github.com/warp/receipt-ledger/store/sqlite"
)

// backend is what every store implementation provides.
type backend interface {
	billing.TxStore
	billing.Catalog
	billing.AuditStore
	api.CatalogSeeder
	Close() error
}

func main() {
	if err := config.LoadDotEnv(); err != nil {
		fmt.Fprintf(os.Stderr, "load .env: %v\n", err)
	}
	cfg := config.Load()

	// Flags
	addr := flag.String("addr", cfg.HTTPAddr, "HTTP listen address")
	driver := flag.String("driver", cfg.DBDriver, "store driver: sqlite or postgres")
	dbPath := flag.String("db", cfg.SQLitePath, "SQLite database path")
	dev := flag.Bool("dev", false, "development logging")
	flag.Parse()
	cfg.HTTPAddr, cfg.DBDriver, cfg.SQLitePath = *addr, *driver, *dbPath

	logger, err := newLogger(cfg.LogLevel, *dev)
	if err != nil {
		fmt.Fprintf(os.Stderr, "build logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := cfg.Validate(); err != nil {
		logger.Fatal("invalid configuration", zap.Error(err))
	}
	if err := run(cfg, logger); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
	logger.Info("server stopped")
}

func run(cfg config.AppConfig, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize store
	store, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("initialize database: %w", err)
	}
	defer store.Close()
	logger.Info("store ready", zap.String("driver", cfg.DBDriver))

	opts := []billing.Option{
		billing.WithLogger(logger.Named("ledger")),
		billing.WithMaxAttempts(cfg.SubmitMaxAttempts),
	}

	if cfg.SequenceBackend == config.SequenceRedis {
		allocator, err := openRedisAllocator(ctx, cfg, store, logger)
		if err != nil {
			return err
		}
		defer allocator.Close()
		opts = append(opts, billing.WithSequenceAllocator(allocator))
	}

	if len(cfg.KafkaBrokers) > 0 {
		publisher := events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic, logger.Named("events"))
		defer publisher.Close()
		opts = append(opts, billing.WithPublisher(publisher))
		logger.Info("event publishing enabled", zap.Strings("brokers", cfg.KafkaBrokers), zap.String("topic", cfg.KafkaTopic))
	}

	ledger := billing.NewReceiptLedger(store, store, opts...)

	auditor := billing.NewDuplicateAuditor(store, logger.Named("audit"))
	if cfg.AuditInterval > 0 {
		auditor.CheckInterval = cfg.AuditInterval
		auditor.Start()
		defer auditor.Stop()
	}

	handler := api.NewHandler(ledger, store, auditor, logger.Named("api"))
	server := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      api.NewRouter(handler, api.RouterOptions{AllowedOrigins: cfg.AllowedOrigins}),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("server starting", zap.String("addr", cfg.HTTPAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func openStore(ctx context.Context, cfg config.AppConfig) (backend, error) {
	switch cfg.DBDriver {
	case config.DriverPostgres:
		return postgres.New(ctx, cfg.DatabaseURL, postgres.PoolConfig{
			MaxConns:        int32(cfg.DBMaxConns),
			MaxConnLifetime: 30 * time.Minute,
			MaxConnIdleTime: 5 * time.Minute,
		})
	default:
		return sqlite.New(cfg.SQLitePath)
	}
}

// openRedisAllocator connects to Redis and raises its counters above every
// number already stored, so switching backends never re-issues a number.
func openRedisAllocator(ctx context.Context, cfg config.AppConfig, store billing.Store, logger *zap.Logger) (*sequence.RedisAllocator, error) {
	client, err := sequence.NewRedisClient(ctx, cfg.RedisAddr, cfg.RedisPass, cfg.RedisDB, logger)
	if err != nil {
		return nil, err
	}
	allocator := sequence.NewRedisAllocator(client, sequence.DefaultPrefix, logger.Named("sequence"))

	floors, err := billing.IssuedFloors(ctx, store)
	if err != nil {
		allocator.Close()
		return nil, err
	}
	for counter, floor := range floors {
		if _, err := allocator.EnsureFloor(ctx, counter, floor); err != nil {
			allocator.Close()
			return nil, err
		}
	}
	return allocator, nil
}

func newLogger(level string, dev bool) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	cfg := zap.NewProductionConfig()
	if dev {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	return cfg.Build()
}
