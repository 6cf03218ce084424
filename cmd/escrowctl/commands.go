package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"escrowflow/auth"
	"escrowflow/bootstrap"
	"escrowflow/config"
	"escrowflow/migrations"
	"escrowflow/settlement"
)

func loadConfig(cmd *cobra.Command) (config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	return config.Load(path)
}

func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the embedded schema to the ledger database",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			logger := bootstrap.NewLogger(cmd.ErrOrStderr())
			rt, err := bootstrap.Connect(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer rt.Close()

			if err := migrations.Apply(cmd.Context(), rt.Pool); err != nil {
				return err
			}
			names, _ := migrations.Names()
			fmt.Fprintf(cmd.OutOrStdout(), "applied %d migrations\n", len(names))
			return nil
		},
	}
}

func reconcileCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Run the four settlement sweeps once and print the report",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			logger := bootstrap.NewLogger(cmd.ErrOrStderr())
			rt, err := bootstrap.Build(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer rt.Close()

			report := rt.Reconciler.Run(cmd.Context())
			if err := printReport(cmd, report); err != nil {
				return err
			}
			strict, _ := cmd.Flags().GetBool("strict")
			if strict && report.ErrorCount() > 0 {
				return fmt.Errorf("reconcile: %d item errors", report.ErrorCount())
			}
			return nil
		},
	}
	cmd.Flags().Bool("strict", false, "Exit non-zero when any item failed")
	return cmd
}

func printReport(cmd *cobra.Command, report settlement.Report) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}

func scheduleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Run the reconciler on its cron schedule and relay the outbox until stopped",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if spec, _ := cmd.Flags().GetString("spec"); spec != "" {
				cfg.ReconcileSchedule = spec
			}
			logger := bootstrap.NewLogger(cmd.ErrOrStderr())
			rt, err := bootstrap.Build(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer rt.Close()

			ctx, stop := signalContext(cmd)
			defer stop()

			c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
			_, err = c.AddFunc(cfg.ReconcileSchedule, func() {
				report := rt.Reconciler.Run(ctx)
				logger.Info("scheduled reconcile finished",
					"module", "settlement",
					"operation", "scheduled_run",
					"outcome", "success",
					"skipped", report.Skipped,
					"errors", report.ErrorCount(),
				)
			})
			if err != nil {
				return fmt.Errorf("schedule: invalid spec %q: %w", cfg.ReconcileSchedule, err)
			}
			if cfg.ExpirySchedule != "" {
				_, err = c.AddFunc(cfg.ExpirySchedule, func() {
					report := rt.Reconciler.RunExpiry(ctx)
					logger.Info("scheduled booking expiry finished",
						"module", "settlement",
						"operation", "scheduled_expiry",
						"outcome", "success",
						"skipped", report.Skipped,
						"errors", report.ErrorCount(),
					)
				})
				if err != nil {
					return fmt.Errorf("schedule: invalid expiry spec %q: %w", cfg.ExpirySchedule, err)
				}
			}
			c.Start()
			logger.Info("scheduler started", "spec", cfg.ReconcileSchedule, "expiry_spec", cfg.ExpirySchedule)

			relayErr := rt.Relay.Run(ctx)
			<-c.Stop().Done()
			if relayErr != nil && !errors.Is(relayErr, context.Canceled) {
				return relayErr
			}
			return nil
		},
	}
	cmd.Flags().String("spec", "", "Cron spec overriding the configured reconcile schedule")
	return cmd
}

func relayCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Publish queued outbox events to the broker",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			logger := bootstrap.NewLogger(cmd.ErrOrStderr())
			rt, err := bootstrap.Connect(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer rt.Close()
			if err := rt.WireRelay(); err != nil {
				return err
			}

			if once, _ := cmd.Flags().GetBool("once"); once {
				stats, err := rt.Relay.RunOnce(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "published %d, failed %d\n", stats.Published, stats.Failed)
				return nil
			}

			ctx, stop := signalContext(cmd)
			defer stop()
			if err := rt.Relay.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().Bool("once", false, "Relay a single batch and exit")
	return cmd
}

func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token [user-id]",
		Short: "Sign a bearer token for an operator or the scheduler",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if cfg.JWTSecret == "" {
				return errors.New("token: JWT_SECRET is not set")
			}
			role, _ := cmd.Flags().GetString("role")
			ttl, _ := cmd.Flags().GetDuration("ttl")

			token, err := auth.NewService(nil, cfg.JWTSecret).IssueToken(args[0], auth.Role(role), ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringP("role", "r", string(auth.RoleService), "Role claim (buyer, seller, admin, service)")
	cmd.Flags().Duration("ttl", time.Hour, "Token lifetime")
	return cmd
}

func hashCredentialCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-credential [secret]",
		Short: "Print the bcrypt hash to configure as RECONCILER_CREDENTIAL_HASH",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			hash, err := auth.HashServiceCredential(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hash)
			return nil
		},
	}
}
