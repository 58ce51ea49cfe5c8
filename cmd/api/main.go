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

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"escrowflow/auth"
	"escrowflow/command"
	"escrowflow/config"
	"escrowflow/db"
	"escrowflow/dispute"
	"escrowflow/gateway"
	"escrowflow/gateway/stripegw"
	"escrowflow/ledger/pgstore"
	"escrowflow/lifecycle"
	"escrowflow/logging"
	"escrowflow/outbox"
	"escrowflow/reconcile"
	"escrowflow/scheduler"
	"escrowflow/user"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "escrowflow: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewPool(ctx, cfg.DatabaseURL, db.PoolOptions{})
	if err != nil {
		return fmt.Errorf("bootstrap database pool: %w", err)
	}
	defer pool.Close()
	if err := db.Migrate(ctx, pool); err != nil {
		return err
	}

	store := pgstore.New(pool)
	gw := gateway.NewRetrying(stripegw.New(stripegw.Config{
		SecretKey:     cfg.StripeSecretKey,
		WebhookSecret: cfg.StripeWebhookSecret,
	}), gateway.RetryOptions{
		Timeout:    cfg.GatewayTimeout,
		MaxElapsed: cfg.GatewayBudget,
		MaxTries:   cfg.GatewayMaxTries,
		Logger:     logger.Named("gateway"),
	})

	users := user.NewService(user.NewRepository(pool), store, logger.Named("user"))
	engine := lifecycle.NewEngine(store, gw, users, lifecycle.Options{
		OfferTTL:         cfg.OfferTTL,
		AutoRefundAfter:  cfg.AutoRefundAfter,
		AutoReleaseAfter: cfg.AutoReleaseAfter,
		FeePercent:       cfg.PlatformFeePercent,
		Currency:         cfg.DefaultCurrency,
		BaseURL:          cfg.BaseURL,
		Logger:           logger.Named("lifecycle"),
	})
	disputes := dispute.NewService(engine, logger.Named("dispute"))
	processor := reconcile.NewProcessor(engine, gw, logger.Named("reconcile"))
	sweeper := scheduler.NewSweeper(engine, scheduler.Options{BatchSize: cfg.SweepBatchSize, Logger: logger.Named("scheduler")})
	relay := outbox.NewRelay(store, outbox.NewLogPublisher(logger.Named("notify")), outbox.Options{Logger: logger.Named("outbox")})

	tokens, err := auth.NewService(cfg.JWTSecret, cfg.TokenTTL)
	if err != nil {
		return err
	}
	server := NewServer(command.NewService(engine, disputes, users, logger.Named("command")), processor, tokens, logger.Named("http"))
	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           server.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("http listening", zap.String("addr", cfg.HTTPAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	g.Go(func() error { return sweeper.Run(gctx, cfg.SweepInterval) })
	g.Go(func() error { return relay.Run(gctx, cfg.OutboxInterval) })

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("shutdown complete")
	return nil
}
