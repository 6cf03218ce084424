// Package payment turns processor confirmations into order and ledger state.
package payment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"escrowflow/apperr"
	"escrowflow/gateway"
	"escrowflow/ledger"
	"escrowflow/money"
)

var (
	// ErrMissingOrderID rejects payment events that cannot be tied to an order.
	ErrMissingOrderID = apperr.New(apperr.KindValidation, "event has no order id")
)

type Outcome string

const (
	OutcomeCredited   Outcome = "credited"
	OutcomeDuplicate  Outcome = "duplicate"
	OutcomeSkipped    Outcome = "skipped"
	OutcomeMarkedFail Outcome = "marked_failed"
	OutcomePlanSynced Outcome = "plan_synced"
	OutcomeIgnored    Outcome = "ignored"
)

const (
	SourceWebhook    = "webhook"
	SourceReconciler = "reconciler"
)

// PlanSyncer applies subscription changes to the seller's plan.
type PlanSyncer interface {
	SyncPlan(ctx context.Context, sub gateway.Subscription) error
}

// Payment is a confirmed charge for one order, from an event or a re-query.
type Payment struct {
	OrderID          string
	SessionRef       string
	PaymentIntentRef string
	// AmountTotal is what was charged, in minor units; zero when unknown.
	AmountTotal    int64
	ReceiptURL     string
	CommissionRate *decimal.Decimal
	Source         string
}

type Ingestor struct {
	store       ledger.UnitOfWork
	plans       PlanSyncer
	defaultRate decimal.Decimal
	logger      *slog.Logger
}

func NewIngestor(store ledger.UnitOfWork, plans PlanSyncer, defaultRate decimal.Decimal, logger *slog.Logger) *Ingestor {
	if defaultRate.IsZero() {
		defaultRate = money.DefaultCommissionRate
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Ingestor{store: store, plans: plans, defaultRate: defaultRate, logger: logger}
}

// Handle dispatches a verified event. Duplicates and stale deliveries are
// reported through the outcome with a nil error.
func (i *Ingestor) Handle(ctx context.Context, evt gateway.Event) (Outcome, error) {
	switch evt.Kind {
	case gateway.EventPaymentSucceeded:
		if evt.OrderID == "" {
			return "", ErrMissingOrderID
		}
		p := Payment{
			OrderID:          evt.OrderID,
			SessionRef:       evt.SessionRef,
			PaymentIntentRef: evt.PaymentIntentRef,
			AmountTotal:      evt.AmountTotal,
			ReceiptURL:       evt.ReceiptURL,
			Source:           SourceWebhook,
		}
		if raw := evt.Metadata["commission_rate"]; raw != "" {
			if rate, err := money.ParseRate(raw); err == nil {
				p.CommissionRate = &rate
			}
		}
		return i.ApplyPayment(ctx, p)

	case gateway.EventPaymentFailed:
		if evt.OrderID == "" {
			return "", ErrMissingOrderID
		}
		return i.MarkFailed(ctx, evt.OrderID, evt.FailureMessage)

	case gateway.EventSubscriptionChanged:
		if i.plans == nil || evt.Subscription == nil {
			return OutcomeIgnored, nil
		}
		if err := i.plans.SyncPlan(ctx, *evt.Subscription); err != nil {
			return "", err
		}
		return OutcomePlanSynced, nil
	}

	i.logger.DebugContext(ctx, "payment event ignored",
		"module", "payment",
		"operation", "handle",
		"outcome", "ignored",
		"event_type", evt.Type,
	)
	return OutcomeIgnored, nil
}

// ApplyPayment marks the order paid and books the seller's pending credit in
// one unit of work. When a credit already exists for the order the ledger side
// is a no-op and the outcome is OutcomeDuplicate.
func (i *Ingestor) ApplyPayment(ctx context.Context, p Payment) (Outcome, error) {
	outcome := OutcomeCredited
	var (
		walletID string
		net      decimal.Decimal
	)

	err := i.store.InTx(ctx, func(tx ledger.Tx) error {
		o, err := tx.OrderForUpdate(ctx, p.OrderID)
		if err != nil {
			return err
		}

		switch o.PaymentStatus {
		case ledger.PaymentRefunded, ledger.PaymentFailed:
			outcome = OutcomeSkipped
			i.logger.WarnContext(ctx, "payment confirmation for closed order",
				"module", "payment",
				"operation", "apply_payment",
				"outcome", "skipped",
				"order_id", o.ID,
				"payment_status", string(o.PaymentStatus),
				"source", p.Source,
			)
			return nil
		case ledger.PaymentPending:
			update := ledger.PaymentUpdate{
				SessionRef:       p.SessionRef,
				PaymentIntentRef: p.PaymentIntentRef,
				ReceiptURL:       p.ReceiptURL,
			}
			if p.AmountTotal > 0 {
				update.AmountTotal = decimal.NewNullDecimal(money.FromMinorUnits(p.AmountTotal))
			}
			if err := tx.MarkOrderPaid(ctx, o.ID, update); err != nil {
				return err
			}
			if err := tx.SetBookingStatus(ctx, o.ID, ledger.BookingConfirmed); err != nil {
				return err
			}
			if err := tx.Enqueue(ctx, ledger.TopicOrderPaid, map[string]any{
				"order_id":     o.ID,
				"amount_total": update.AmountTotal.Decimal.String(),
				"source":       p.Source,
			}); err != nil {
				return err
			}
		}

		existing, err := tx.CreditForOrder(ctx, o.ID)
		if err != nil {
			return err
		}
		if existing != nil {
			outcome = OutcomeDuplicate
			return nil
		}

		rate, err := i.rateFor(ctx, tx, o, p.CommissionRate)
		if err != nil {
			return err
		}
		net = money.SellerNet(o.Price, rate)

		wallet, err := tx.EnsureWallet(ctx, o.SellerID)
		if err != nil {
			return err
		}
		walletID = wallet.ID

		credit, err := tx.InsertCredit(ctx, ledger.Transaction{
			WalletID:    wallet.ID,
			OrderID:     o.ID,
			Amount:      net,
			Description: fmt.Sprintf("sale of order %s", o.ID),
		})
		if err != nil {
			return err
		}
		if err := tx.IncrementPendingBalance(ctx, wallet.ID, net); err != nil {
			return err
		}
		return tx.Enqueue(ctx, ledger.TopicCreditPending, map[string]any{
			"order_id":       o.ID,
			"wallet_id":      wallet.ID,
			"transaction_id": credit.ID,
			"amount":         net.String(),
			"commission":     rate.String(),
		})
	})
	if errors.Is(err, ledger.ErrDuplicateCredit) {
		outcome, err = OutcomeDuplicate, nil
	}
	if err != nil {
		return "", fmt.Errorf("payment: apply %s: %w", p.OrderID, err)
	}

	i.logger.InfoContext(ctx, "payment applied",
		"module", "payment",
		"operation", "apply_payment",
		"outcome", string(outcome),
		"order_id", p.OrderID,
		"wallet_id", walletID,
		"net", net.String(),
		"source", p.Source,
	)
	return outcome, nil
}

func (i *Ingestor) rateFor(ctx context.Context, tx ledger.Tx, o ledger.Order, override *decimal.Decimal) (decimal.Decimal, error) {
	if override != nil {
		return *override, nil
	}
	company, err := tx.CompanyByOwner(ctx, o.SellerID)
	if errors.Is(err, ledger.ErrCompanyNotFound) {
		return i.defaultRate, nil
	}
	if err != nil {
		return decimal.Decimal{}, err
	}
	return money.RateOrDefault(company.CommissionRate, i.defaultRate), nil
}

// MarkFailed moves a pending order to failed. Anything else is left alone.
func (i *Ingestor) MarkFailed(ctx context.Context, orderID, reason string) (Outcome, error) {
	outcome := OutcomeMarkedFail
	err := i.store.InTx(ctx, func(tx ledger.Tx) error {
		o, err := tx.OrderForUpdate(ctx, orderID)
		if err != nil {
			return err
		}
		if !o.PaymentStatus.CanTransition(ledger.PaymentFailed) {
			outcome = OutcomeSkipped
			return nil
		}
		if err := tx.SetOrderPaymentStatus(ctx, o.ID, ledger.PaymentFailed); err != nil {
			return err
		}
		return tx.Enqueue(ctx, ledger.TopicOrderPaymentFailed, map[string]any{
			"order_id": o.ID,
			"reason":   reason,
		})
	})
	if err != nil {
		return "", fmt.Errorf("payment: mark failed %s: %w", orderID, err)
	}

	i.logger.InfoContext(ctx, "payment failure recorded",
		"module", "payment",
		"operation", "mark_failed",
		"outcome", string(outcome),
		"order_id", orderID,
		"reason", reason,
	)
	return outcome, nil
}
