// Package actors drives the real escrow services concurrently against one
// database for the stress test. Each actor loops until stop closes and
// returns an error only when it observes a broken guarantee; transient
// database errors (chaos kills backends) are expected and tolerated.
package actors

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"escrowflow/apperr"
	"escrowflow/auth"
	"escrowflow/dispute"
	"escrowflow/outbox"
	"escrowflow/payment"
	"escrowflow/settlement"
)

// Order is one seeded order an actor may touch.
type Order struct {
	ID       string
	BuyerID  string
	SellerID string
}

func pick(orders []Order) Order {
	return orders[rand.Intn(len(orders))]
}

func stopped(ctx context.Context, stop <-chan struct{}) (bool, error) {
	select {
	case <-ctx.Done():
		return true, ctx.Err()
	case <-stop:
		return true, nil
	default:
		return false, nil
	}
}

func pause(minMS, spreadMS int) {
	time.Sleep(time.Duration(minMS+rand.Intn(spreadMS)) * time.Millisecond)
}

// CreditLog remembers which orders were credited so duplicate credits are
// caught at the moment they happen, not only by the oracles.
type CreditLog struct {
	mu       sync.Mutex
	credited map[string]string
}

func NewCreditLog() *CreditLog {
	return &CreditLog{credited: make(map[string]string)}
}

func (l *CreditLog) record(orderID, source string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if prev, ok := l.credited[orderID]; ok {
		return fmt.Errorf("order %s credited twice (%s then %s)", orderID, prev, source)
	}
	l.credited[orderID] = source
	return nil
}

// WebhookStorm redelivers payment confirmations for random orders, the way
// the processor retries at-least-once delivery.
func WebhookStorm(ctx context.Context, ingest *payment.Ingestor, orders []Order, log *CreditLog, stop <-chan struct{}) error {
	for {
		if done, err := stopped(ctx, stop); done {
			return err
		}
		o := pick(orders)
		outcome, err := ingest.ApplyPayment(ctx, payment.Payment{
			OrderID:          o.ID,
			SessionRef:       "cs_" + o.ID,
			PaymentIntentRef: "pi_" + o.ID,
			AmountTotal:      10000,
			Source:           payment.SourceWebhook,
		})
		if err == nil && outcome == payment.OutcomeCredited {
			if err := log.record(o.ID, payment.SourceWebhook); err != nil {
				return err
			}
		}
		pause(5, 15)
	}
}

// Deliverer advances paid orders through delivery and backdates them past the
// auto-accept and retention windows so the reconciler has work.
func Deliverer(ctx context.Context, pool *pgxpool.Pool, stop <-chan struct{}) error {
	for {
		if done, err := stopped(ctx, stop); done {
			return err
		}
		_, _ = pool.Exec(ctx, `
UPDATE orders SET status = 'delivered', updated_at = now() - interval '4 days'
WHERE id IN (SELECT id FROM orders WHERE payment_status = 'paid' AND status = 'in_progress' ORDER BY random() LIMIT 2)
  AND payment_status = 'paid' AND status = 'in_progress'`)
		_, _ = pool.Exec(ctx, `
UPDATE bookings SET status = 'completed', updated_at = now() - interval '8 days'
WHERE order_id IN (SELECT id FROM orders WHERE payment_status = 'paid' ORDER BY random() LIMIT 2)
  AND status = 'confirmed'`)
		pause(40, 60)
	}
}

// Settler runs the full reconciler back to back. Concurrent settlers overlap
// deliberately; the row locks must keep every credit settled at most once.
func Settler(ctx context.Context, rec *settlement.Reconciler, stop <-chan struct{}) error {
	for {
		if done, err := stopped(ctx, stop); done {
			return err
		}
		_ = rec.Run(ctx)
		pause(50, 100)
	}
}

// Disputer opens disputes as the buyer and later withdraws them.
func Disputer(ctx context.Context, svc *dispute.Service, orders []Order, stop <-chan struct{}) error {
	for {
		if done, err := stopped(ctx, stop); done {
			return err
		}
		o := pick(orders)
		rec, err := svc.Open(ctx, o.BuyerID, o.ID, "stress dispute")
		switch {
		case err == nil:
			pause(20, 80)
			if rand.Intn(3) > 0 {
				_, _ = svc.UpdateStatus(ctx, o.BuyerID, auth.RoleBuyer, rec.ID, dispute.StatusResolved)
			}
		case errors.Is(err, dispute.ErrAlreadyActive):
			// another disputer won the race
		}
		pause(30, 70)
	}
}

// Refunder refunds random orders as an administrator. Rejections for unpaid
// or already refunded orders are the expected answer under contention.
func Refunder(ctx context.Context, svc *dispute.RefundService, orders []Order, stop <-chan struct{}) error {
	for {
		if done, err := stopped(ctx, stop); done {
			return err
		}
		o := pick(orders)
		_, err := svc.Refund(ctx, "admin-stress", auth.RoleAdmin, o.ID)
		if err != nil && errors.Is(err, apperr.ErrIntegrity) {
			return fmt.Errorf("refund %s tripped an integrity guard: %w", o.ID, err)
		}
		pause(150, 150)
	}
}

// FlakyPublisher fails one publish in ten.
type FlakyPublisher struct {
	mu   sync.Mutex
	sent int
}

func (p *FlakyPublisher) Publish(_ context.Context, _ string, _ []byte, _ string) error {
	if rand.Intn(10) == 0 {
		return errors.New("broker unavailable")
	}
	p.mu.Lock()
	p.sent++
	p.mu.Unlock()
	return nil
}

var _ outbox.Publisher = (*FlakyPublisher)(nil)

// Relay drains the outbox in small batches.
func Relay(ctx context.Context, relay *outbox.Relay, stop <-chan struct{}) error {
	for {
		if done, err := stopped(ctx, stop); done {
			return err
		}
		_, _ = relay.RunOnce(ctx)
		pause(80, 40)
	}
}
