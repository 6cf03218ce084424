// Package bootstrap builds the dependency graph shared by the API server and
// the operator CLI. Every client is constructed once here and injected.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"escrowflow/auth"
	"escrowflow/config"
	"escrowflow/db"
	"escrowflow/dispute"
	"escrowflow/escrow"
	"escrowflow/gateway"
	"escrowflow/ledger"
	"escrowflow/outbox"
	"escrowflow/payment"
	"escrowflow/payout"
	"escrowflow/settlement"
	"escrowflow/subscription"
)

// NewLogger returns the JSON logger every binary installs as the default.
func NewLogger(w io.Writer) *slog.Logger {
	if w == nil {
		w = os.Stdout
	}
	logger := slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)
	return logger
}

type Runtime struct {
	Config config.Config
	Logger *slog.Logger

	Pool  *pgxpool.Pool
	Store *ledger.PGStore

	Gateway    *gateway.Stripe
	Webhooks   *gateway.WebhookVerifier
	Auth       *auth.Service
	Credential *auth.ServiceCredential

	Escrow        *escrow.Service
	Payments      *payment.Ingestor
	Reconciler    *settlement.Reconciler
	Disputes      *dispute.Service
	Refunds       *dispute.RefundService
	Payouts       *payout.Service
	Subscriptions *subscription.Manager
	Relay         *outbox.Relay

	closers []func() error
}

// Connect opens only the database. Commands that never reach the gateway
// (migrate) start from here.
func Connect(ctx context.Context, cfg config.Config, logger *slog.Logger) (*Runtime, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, db.PoolOptions{MaxConns: cfg.DBMaxConns, MinConns: cfg.DBMinConns})
	if err != nil {
		return nil, fmt.Errorf("bootstrap: connect postgres: %w", err)
	}
	rt := &Runtime{Config: cfg, Logger: logger, Pool: pool, Store: ledger.NewPGStore(pool)}
	rt.closers = append(rt.closers, func() error { pool.Close(); return nil })
	return rt, nil
}

// Build wires every component.
func Build(ctx context.Context, cfg config.Config, logger *slog.Logger) (*Runtime, error) {
	rt, err := Connect(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	if err := rt.wire(); err != nil {
		_ = rt.Close()
		return nil, err
	}
	return rt, nil
}

func (rt *Runtime) wire() error {
	cfg := rt.Config
	logger := rt.Logger

	gw, err := gateway.NewStripe(gateway.StripeConfig{
		SecretKey:  cfg.StripeSecretKey,
		Currency:   cfg.Currency,
		APIVersion: cfg.StripeAPIVersion,
	})
	if err != nil {
		return fmt.Errorf("bootstrap: gateway: %w", err)
	}
	rt.Gateway = gw
	rt.Webhooks = gateway.NewWebhookVerifier(cfg.StripeWebhookSecret)
	if !rt.Webhooks.Enforced() {
		logger.Warn("webhook signature verification disabled; set STRIPE_WEBHOOK_SECRET")
	}

	if cfg.JWTSecret == "" {
		return errors.New("bootstrap: missing JWT_SECRET")
	}
	rt.Auth = auth.NewService(auth.NewRepository(rt.Pool), cfg.JWTSecret)
	rt.Credential = auth.NewServiceCredential(cfg.ReconcilerCredentialHash)

	plans := make(map[string]subscription.Plan, len(cfg.Plans))
	for tier, p := range cfg.Plans {
		plans[tier] = subscription.Plan{Tier: tier, PriceID: p.PriceID, ProductID: p.ProductID}
	}
	rt.Subscriptions = subscription.NewManager(rt.Store, gw, rt.Auth, subscription.Config{
		Plans:      plans,
		SuccessURL: cfg.SubscriptionSuccessURL,
		CancelURL:  cfg.SubscriptionCancelURL,
	}, logger)

	rt.Escrow = escrow.NewService(rt.Store, gw, rt.Auth, escrow.Config{
		DefaultCommissionRate: cfg.DefaultCommissionRate,
		GatewayTimeout:        cfg.GatewayTimeout,
		SuccessURL:            cfg.CheckoutSuccessURL,
		CancelURL:             cfg.CheckoutCancelURL,
	}, logger)
	rt.Payments = payment.NewIngestor(rt.Store, rt.Subscriptions, cfg.DefaultCommissionRate, logger)

	rt.Reconciler = settlement.NewReconciler(rt.Store, gw, rt.Payments, settlement.Config{
		RetentionWindow:  cfg.RetentionWindow,
		WebhookLossAfter: cfg.WebhookLossAfter,
		AutoAcceptAfter:  cfg.AutoAcceptAfter,
		ConfirmLead:      cfg.BookingConfirmLead,
		StrikeLimit:      cfg.CompanyStrikeLimit,
		PageSize:         cfg.ReconcilePageSize,
		Concurrency:      cfg.ReconcileConcurrency,
		LockTTL:          cfg.LockTTL,
	}, logger)
	if cfg.RedisURL != "" {
		client, err := settlement.ConnectRedis(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("bootstrap: redis: %w", err)
		}
		rt.closers = append(rt.closers, client.Close)
		rt.Reconciler.WithLocker(settlement.NewRedisLock(client, ""))
	}

	rt.Disputes = dispute.NewService(dispute.NewPGRepository(rt.Pool), logger)
	rt.Refunds = dispute.NewRefundService(rt.Store, gw, cfg.GatewayTimeout, logger)
	rt.Reconciler.WithRefunds(rt.Refunds)
	rt.Payouts = payout.NewService(rt.Store, logger)

	return rt.WireRelay()
}

// WireRelay builds the outbox relay only. The relay needs the database and
// the broker, never the gateway.
func (rt *Runtime) WireRelay() error {
	cfg := rt.Config
	logger := rt.Logger
	var publisher outbox.Publisher
	if len(cfg.KafkaBrokers) > 0 {
		kp, err := outbox.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopicPrefix)
		if err != nil {
			return fmt.Errorf("bootstrap: kafka: %w", err)
		}
		rt.closers = append(rt.closers, kp.Close)
		publisher = kp
	} else {
		logger.Warn("no kafka brokers configured; outbox events are only logged")
		publisher = outbox.NewLoggingPublisher(logger)
	}
	rt.Relay = outbox.NewRelay(logger, rt.Store, publisher, cfg.OutboxPollInterval, cfg.OutboxBatchSize)
	return nil
}

// Close releases clients in reverse construction order.
func (rt *Runtime) Close() error {
	var errs []error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	rt.closers = nil
	return errors.Join(errs...)
}

// Serve runs handler on the configured address, with the outbox relay
// alongside, until SIGINT or SIGTERM.
func (rt *Runtime) Serve(ctx context.Context, handler http.Handler) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Addr:              rt.Config.HTTPAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		rt.Logger.Info("http server started", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()
	if rt.Relay != nil {
		go func() { _ = rt.Relay.Run(ctx) }()
	}

	var runErr error
	select {
	case <-ctx.Done():
		rt.Logger.Info("shutdown signal received")
	case runErr = <-errCh:
		rt.Logger.Error("server failure", "error", runErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	return runErr
}
