package main

import (
	"context"
	"flag"
	"os"

	"escrowflow/bootstrap"
	"escrowflow/config"
)

func main() {
	configPath := flag.String("config", os.Getenv("ESCROW_CONFIG"), "path to the YAML config file")
	flag.Parse()

	logger := bootstrap.NewLogger(os.Stdout)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("load config", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()
	rt, err := bootstrap.Build(ctx, cfg, logger)
	if err != nil {
		logger.Error("bootstrap runtime", "error", err)
		os.Exit(1)
	}
	defer rt.Close()

	server := &Server{
		escrowService:       rt.Escrow,
		webhooks:            rt.Webhooks,
		paymentEvents:       rt.Payments,
		reconciler:          rt.Reconciler,
		disputeService:      rt.Disputes,
		refundService:       rt.Refunds,
		subscriptionService: rt.Subscriptions,
		payoutService:       rt.Payouts,
		tokens:              rt.Auth,
		credential:          rt.Credential,
		logger:              logger,
	}

	if err := rt.Serve(ctx, server.routes()); err != nil {
		logger.Error("api stopped", "error", err)
		rt.Close()
		os.Exit(1)
	}
}
