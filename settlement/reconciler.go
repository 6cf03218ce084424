// Package settlement runs the scheduled reconciliation job: lock cleanup,
// pending-to-available settlement, lost-webhook recovery, delivery
// auto-acceptance and expiry of bookings nobody answered. Each sweep isolates
// item failures and records them in the run report.
package settlement

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"escrowflow/auth"
	"escrowflow/dispute"
	"escrowflow/gateway"
	"escrowflow/ledger"
	"escrowflow/payment"
)

const lockKey = "settlement-reconciler"

// Store is the Ledger Store surface the sweeps use.
type Store interface {
	ledger.UnitOfWork
	ledger.Sweeps
}

type Gateway interface {
	CreateTransfer(ctx context.Context, params gateway.TransferParams) (gateway.Transfer, error)
	ListTransfers(ctx context.Context, transferGroup string) ([]gateway.Transfer, error)
	PaymentSession(ctx context.Context, ref string) (gateway.PaymentSession, error)
	CapturePaymentIntent(ctx context.Context, intentID string) (gateway.PaymentIntent, error)
}

// Refunds returns the buyer's money for an order, reversing any payout.
type Refunds interface {
	Refund(ctx context.Context, callerID string, role auth.Role, orderID string) (dispute.RefundResult, error)
}

// Payments applies recovered confirmations with the same effect as the
// webhook path.
type Payments interface {
	ApplyPayment(ctx context.Context, p payment.Payment) (payment.Outcome, error)
	MarkFailed(ctx context.Context, orderID, reason string) (payment.Outcome, error)
}

type Config struct {
	RetentionWindow  time.Duration
	WebhookLossAfter time.Duration
	AutoAcceptAfter  time.Duration
	PageSize         int
	MaxPages         int
	Concurrency      int
	LockTTL          time.Duration
	// ConfirmLead is how long before the appointment a pending booking must
	// be confirmed.
	ConfirmLead time.Duration
	// StrikeLimit deactivates a company after that many ignored orders.
	StrikeLimit int
}

func (c Config) withDefaults() Config {
	if c.RetentionWindow <= 0 {
		c.RetentionWindow = 7 * 24 * time.Hour
	}
	if c.WebhookLossAfter <= 0 {
		c.WebhookLossAfter = time.Hour
	}
	if c.AutoAcceptAfter <= 0 {
		c.AutoAcceptAfter = 3 * 24 * time.Hour
	}
	if c.PageSize <= 0 {
		c.PageSize = 200
	}
	if c.MaxPages <= 0 {
		c.MaxPages = 50
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	if c.LockTTL <= 0 {
		c.LockTTL = 30 * time.Minute
	}
	if c.ConfirmLead <= 0 {
		c.ConfirmLead = 24 * time.Hour
	}
	if c.StrikeLimit <= 0 {
		c.StrikeLimit = 3
	}
	return c
}

// ItemError is one item's failure inside a sweep.
type ItemError struct {
	ID    string `json:"id"`
	Error string `json:"error"`
}

type SweepReport struct {
	Name      string      `json:"name"`
	Scanned   int         `json:"scanned"`
	Processed int         `json:"processed"`
	Skipped   int         `json:"skipped"`
	Errors    []ItemError `json:"errors"`
}

// Report is returned for every run, successful or not.
type Report struct {
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	Skipped    bool          `json:"skipped,omitempty"`
	Reason     string        `json:"reason,omitempty"`
	Sweeps     []SweepReport `json:"sweeps"`
}

func (r Report) ErrorCount() int {
	n := 0
	for _, s := range r.Sweeps {
		n += len(s.Errors)
	}
	return n
}

type Reconciler struct {
	store    Store
	gateway  Gateway
	payments Payments
	refunds  Refunds
	locker   Locker
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time
}

func NewReconciler(store Store, gw Gateway, payments Payments, cfg Config, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		store:    store,
		gateway:  gw,
		payments: payments,
		cfg:      cfg.withDefaults(),
		logger:   logger,
		now:      time.Now,
	}
}

// WithClock overrides the clock used for window cutoffs.
func (r *Reconciler) WithClock(now func() time.Time) *Reconciler {
	if now != nil {
		r.now = now
	}
	return r
}

// WithRefunds enables refunding paid orders whose booking expired. Without
// it those bookings are skipped.
func (r *Reconciler) WithRefunds(refunds Refunds) *Reconciler {
	r.refunds = refunds
	return r
}

// WithLocker makes runs single-flight across processes.
func (r *Reconciler) WithLocker(l Locker) *Reconciler {
	r.locker = l
	return r
}

// Run executes the five sweeps in order. It never fails as a whole: item and
// page errors land in the report.
func (r *Reconciler) Run(ctx context.Context) Report {
	return r.run(ctx,
		r.CleanupLocks,
		r.SettleMatured,
		r.ReconcilePendingPayments,
		r.AutoAcceptDeliveries,
		r.ExpireBookings,
	)
}

// RunExpiry runs only the booking expiry sweep, under the same lock as Run,
// for schedules tighter than the daily job.
func (r *Reconciler) RunExpiry(ctx context.Context) Report {
	return r.run(ctx, r.ExpireBookings)
}

func (r *Reconciler) run(ctx context.Context, sweeps ...func(context.Context) SweepReport) Report {
	report := Report{StartedAt: r.now()}

	if r.locker != nil {
		release, ok, err := r.locker.Acquire(ctx, lockKey, r.cfg.LockTTL)
		switch {
		case err != nil:
			r.logger.WarnContext(ctx, "reconciler lock unavailable, running unlocked",
				"module", "settlement",
				"operation", "run",
				"outcome", "degraded",
				"error", err,
			)
		case !ok:
			report.Skipped = true
			report.Reason = "another reconciler run holds the lock"
			report.FinishedAt = r.now()
			r.logger.InfoContext(ctx, "reconciler run skipped",
				"module", "settlement",
				"operation", "run",
				"outcome", "skipped",
			)
			return report
		default:
			defer func() {
				if err := release(context.WithoutCancel(ctx)); err != nil {
					r.logger.WarnContext(ctx, "reconciler lock release failed",
						"module", "settlement",
						"operation", "run",
						"error", err,
					)
				}
			}()
		}
	}

	for _, sweepFn := range sweeps {
		report.Sweeps = append(report.Sweeps, sweepFn(ctx))
	}
	report.FinishedAt = r.now()

	for _, s := range report.Sweeps {
		r.logger.InfoContext(ctx, "reconciler sweep finished",
			"module", "settlement",
			"operation", s.Name,
			"outcome", outcomeOf(s),
			"scanned", s.Scanned,
			"processed", s.Processed,
			"skipped", s.Skipped,
			"errors", len(s.Errors),
		)
	}
	return report
}

func outcomeOf(s SweepReport) string {
	if len(s.Errors) > 0 {
		return "partial"
	}
	return "success"
}

// itemResult is what a sweep handler reports for one item.
type itemResult int

const (
	itemProcessed itemResult = iota
	itemSkipped
)

// sweep pages through fetch with keyset ids and runs handle on each item with
// bounded concurrency. Handler errors are recorded per item and never stop
// the sweep; a page fetch error ends it.
func sweep[T any](ctx context.Context, r *Reconciler, rep *SweepReport,
	fetch func(ctx context.Context, afterID string, limit int) ([]T, error),
	idOf func(T) string,
	handle func(ctx context.Context, item T) (itemResult, error),
) {
	var mu sync.Mutex
	afterID := ""

	for page := 0; page < r.cfg.MaxPages; page++ {
		if err := ctx.Err(); err != nil {
			rep.Errors = append(rep.Errors, ItemError{ID: "run", Error: err.Error()})
			return
		}

		items, err := fetch(ctx, afterID, r.cfg.PageSize)
		if err != nil {
			rep.Errors = append(rep.Errors, ItemError{ID: "page", Error: err.Error()})
			r.logger.ErrorContext(ctx, "reconciler page fetch failed",
				"module", "settlement",
				"operation", rep.Name,
				"outcome", "failure",
				"error", err,
			)
			return
		}
		if len(items) == 0 {
			return
		}
		rep.Scanned += len(items)

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(r.cfg.Concurrency)
		for _, item := range items {
			item := item
			g.Go(func() error {
				res, err := handle(gctx, item)
				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					rep.Errors = append(rep.Errors, ItemError{ID: idOf(item), Error: err.Error()})
					r.logger.ErrorContext(gctx, "reconciler item failed",
						"module", "settlement",
						"operation", rep.Name,
						"outcome", "failure",
						"item_id", idOf(item),
						"error", err,
					)
					return nil
				}
				if res == itemSkipped {
					rep.Skipped++
				} else {
					rep.Processed++
				}
				return nil
			})
		}
		_ = g.Wait()

		if len(items) < r.cfg.PageSize {
			return
		}
		afterID = idOf(items[len(items)-1])
	}
}
