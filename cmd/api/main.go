package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"collections/agent"
	"collections/auth"
	"collections/channel"
	"collections/collection"
	"collections/config"
	"collections/db"
	"collections/engine"
	"collections/ledger"
	"collections/logging"
	"collections/policy"
	"collections/promise"
	"collections/reconcile"
	"collections/settlement"
	"collections/telemetry"
)

const shutdownTimeout = 15 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "collections-api: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format, "collections-api")
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rec := telemetry.Noop()
	if cfg.OTelEnabled {
		if rec, err = telemetry.New(otel.GetMeterProvider(), otel.GetTracerProvider()); err != nil {
			return err
		}
	}

	pool, err := db.NewPool(ctx, cfg.DatabaseURL, db.PoolOptions{MaxConns: int32(cfg.DBMaxConns)})
	if err != nil {
		return fmt.Errorf("bootstrap database pool: %w", err)
	}
	defer pool.Close()

	ledgerDB, err := ledger.Open(cfg.LedgerDatabaseURL)
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	defer ledgerDB.Close()

	policies, err := policy.LoadRegistry(cfg.PolicyDir, cfg.DefaultJurisdiction)
	if err != nil {
		return fmt.Errorf("load policies: %w", err)
	}
	logger.Info("policies loaded", zap.Strings("jurisdictions", policies.Codes()), zap.String("default", policies.DefaultCode()))

	cases := collection.NewRepository(pool)
	agents := agent.NewService(agent.NewRepository(pool))
	promises := promise.NewService(pool, promise.NewRepository(pool), cases).
		WithGrace(cfg.PTPGrace).
		WithLogger(logger.Named("promise"))
	settlements := settlement.NewService(pool, settlement.NewRepository(pool), cases, agents, policies).
		WithLogger(logger.Named("settlement"))

	var eng *engine.Engine
	dispatcher := channel.NewDispatcher(channel.NewLogSender(logger.Named("sender")), channel.Options{
		RPS:       cfg.DispatchRPS,
		Workers:   cfg.DispatchWorkers,
		QueueSize: cfg.DispatchQueue,
		Logger:    logger.Named("dispatch"),
		Recorder:  rec,
		OnResult:  func(ctx context.Context, r channel.Result) { eng.HandleDelivery(ctx, r) },
	})
	eng = engine.New(engine.Deps{
		Pool:        pool,
		Cases:       cases,
		Promises:    promises,
		Settlements: settlements,
		Agents:      agents,
		Policies:    policies,
		Dispatcher:  dispatcher,
	}).WithLogger(logger.Named("engine"))
	// queued messages drain on shutdown instead of being dropped with the signal
	dispatcher.Start(context.WithoutCancel(ctx))

	syncer := reconcile.NewSynchronizer(pool, cases, ledger.NewSQLSource(ledgerDB), promises, policies).
		WithLogger(logger.Named("sync")).
		WithRecorder(rec)

	var locker reconcile.Locker
	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer client.Close()
		if err := client.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		locker = reconcile.NewRedisLock(client, "").WithLogger(logger.Named("lock"))
	}
	scheduler := reconcile.NewScheduler(locker, logger.Named("scheduler"))
	if err := scheduler.Register(reconcile.Job{
		Name:     reconcile.JobCaseSync,
		Interval: cfg.SyncInterval,
		Run:      func(ctx context.Context) (any, error) { return syncer.Run(ctx) },
	}); err != nil {
		return err
	}
	if err := scheduler.Register(reconcile.Job{
		Name:     reconcile.JobPromiseSweep,
		Interval: cfg.SweepInterval,
		Run:      func(ctx context.Context) (any, error) { return promises.Sweep(ctx) },
	}); err != nil {
		return err
	}
	scheduler.Start(ctx)

	srv := &Server{
		engine: eng,
		jobs:   scheduler,
		tokens: auth.NewService(agents, cfg.JWTSecret),
		logger: logger.Named("http"),
		now:    time.Now,
	}
	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           srv.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	scheduler.Wait()
	if err := dispatcher.Stop(shutdownCtx); err != nil {
		logger.Warn("dispatcher shutdown", zap.Error(err))
	}
	return nil
}
