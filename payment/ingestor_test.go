package payment

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"escrowflow/gateway"
	"escrowflow/ledger"
	"escrowflow/test/fakes"
)

func newStore(t *testing.T) *fakes.Ledger {
	t.Helper()
	now := time.Date(2024, 5, 10, 9, 0, 0, 0, time.UTC)
	store := fakes.NewLedger(func() time.Time { return now })
	store.PutOrder(ledger.Order{
		ID:        "order-1",
		BuyerID:   "buyer-1",
		SellerID:  "seller-1",
		ServiceID: "svc-1",
		Price:     decimal.RequireFromString("100.00"),
	})
	store.PutBooking(ledger.Booking{OrderID: "order-1", Status: ledger.BookingPending})
	return store
}

func paidEvent() gateway.Event {
	return gateway.Event{
		ID:          "evt_1",
		Type:        "checkout.session.completed",
		Kind:        gateway.EventPaymentSucceeded,
		OrderID:     "order-1",
		SessionRef:  "cs_1",
		AmountTotal: 10000,
	}
}

func TestHandle_DuplicateDeliveryCreditsOnce(t *testing.T) {
	store := newStore(t)
	ing := NewIngestor(store, nil, decimal.Zero, nil)
	ctx := context.Background()

	first, err := ing.Handle(ctx, paidEvent())
	if err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	if first != OutcomeCredited {
		t.Fatalf("first delivery: expected %s got %s", OutcomeCredited, first)
	}

	second, err := ing.Handle(ctx, paidEvent())
	if err != nil {
		t.Fatalf("second delivery: %v", err)
	}
	if second != OutcomeDuplicate {
		t.Fatalf("second delivery: expected %s got %s", OutcomeDuplicate, second)
	}

	credits := store.CreditsFor("order-1")
	if len(credits) != 1 {
		t.Fatalf("expected exactly one credit, got %d", len(credits))
	}
	if store.IncrementCalls != 1 {
		t.Fatalf("expected one pending increment, got %d", store.IncrementCalls)
	}
	wallet, ok := store.WalletFor("seller-1")
	if !ok {
		t.Fatalf("expected wallet for seller")
	}
	if !wallet.PendingBalance.Equal(decimal.RequireFromString("80.00")) {
		t.Fatalf("pending balance: expected 80.00 got %s", wallet.PendingBalance)
	}

	o := store.Order("order-1")
	if o.PaymentStatus != ledger.PaymentPaid || o.SessionRef != "cs_1" {
		t.Fatalf("order not marked paid: %+v", o)
	}
	if !o.AmountTotal.Valid || !o.AmountTotal.Decimal.Equal(decimal.RequireFromString("100")) {
		t.Fatalf("amount total: got %+v", o.AmountTotal)
	}
	if got := store.Booking("order-1").Status; got != ledger.BookingConfirmed {
		t.Fatalf("booking: expected confirmed got %s", got)
	}
}

func TestHandle_RateResolution(t *testing.T) {
	cases := []struct {
		name     string
		metadata map[string]string
		company  *ledger.Company
		want     string
	}{
		{name: "default", want: "80.00"},
		{name: "company rate", company: &ledger.Company{OwnerID: "seller-1", CommissionRate: decimal.NewNullDecimal(decimal.RequireFromString("0.12"))}, want: "88.00"},
		{name: "metadata wins", metadata: map[string]string{"commission_rate": "0.08"}, company: &ledger.Company{OwnerID: "seller-1", CommissionRate: decimal.NewNullDecimal(decimal.RequireFromString("0.12"))}, want: "92.00"},
		{name: "bad metadata ignored", metadata: map[string]string{"commission_rate": "lots"}, want: "80.00"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			store := newStore(t)
			if tc.company != nil {
				store.PutCompany(*tc.company)
			}
			evt := paidEvent()
			evt.Metadata = tc.metadata

			if _, err := NewIngestor(store, nil, decimal.Zero, nil).Handle(context.Background(), evt); err != nil {
				t.Fatalf("handle: %v", err)
			}
			credits := store.CreditsFor("order-1")
			if len(credits) != 1 {
				t.Fatalf("expected one credit, got %d", len(credits))
			}
			if !credits[0].Amount.Equal(decimal.RequireFromString(tc.want)) {
				t.Fatalf("net: expected %s got %s", tc.want, credits[0].Amount)
			}
		})
	}
}

func TestHandle_RejectsEventsWithoutOrder(t *testing.T) {
	store := newStore(t)
	ing := NewIngestor(store, nil, decimal.Zero, nil)

	evt := paidEvent()
	evt.OrderID = ""
	if _, err := ing.Handle(context.Background(), evt); !errors.Is(err, ErrMissingOrderID) {
		t.Fatalf("expected %v got %v", ErrMissingOrderID, err)
	}

	evt.OrderID = "ghost"
	if _, err := ing.Handle(context.Background(), evt); !errors.Is(err, ledger.ErrOrderNotFound) {
		t.Fatalf("expected %v got %v", ledger.ErrOrderNotFound, err)
	}
}

func TestHandle_PartialFailureRollsBackAndRetries(t *testing.T) {
	store := newStore(t)
	ing := NewIngestor(store, nil, decimal.Zero, nil)
	boom := errors.New("connection reset")
	store.Fail = func(op, id string) error {
		if op == "IncrementPendingBalance" {
			return boom
		}
		return nil
	}

	if _, err := ing.Handle(context.Background(), paidEvent()); !errors.Is(err, boom) {
		t.Fatalf("expected injected failure, got %v", err)
	}
	if got := store.Order("order-1").PaymentStatus; got != ledger.PaymentPending {
		t.Fatalf("failed unit of work must roll back order, got %s", got)
	}
	if n := len(store.CreditsFor("order-1")); n != 0 {
		t.Fatalf("failed unit of work must roll back credit, got %d", n)
	}

	store.Fail = nil
	outcome, err := ing.Handle(context.Background(), paidEvent())
	if err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	if outcome != OutcomeCredited {
		t.Fatalf("redelivery: expected %s got %s", OutcomeCredited, outcome)
	}
	if n := len(store.CreditsFor("order-1")); n != 1 {
		t.Fatalf("expected one credit after redelivery, got %d", n)
	}
}

func TestHandle_RefundedOrderIsSkipped(t *testing.T) {
	store := newStore(t)
	o := store.Order("order-1")
	o.PaymentStatus = ledger.PaymentRefunded
	store.PutOrder(o)

	outcome, err := NewIngestor(store, nil, decimal.Zero, nil).Handle(context.Background(), paidEvent())
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if outcome != OutcomeSkipped {
		t.Fatalf("expected %s got %s", OutcomeSkipped, outcome)
	}
	if _, ok := store.WalletFor("seller-1"); ok {
		t.Fatalf("refunded order must not create a wallet credit")
	}
}

func TestHandle_PaymentFailed(t *testing.T) {
	store := newStore(t)
	ing := NewIngestor(store, nil, decimal.Zero, nil)
	evt := gateway.Event{Kind: gateway.EventPaymentFailed, OrderID: "order-1", FailureMessage: "card declined"}

	outcome, err := ing.Handle(context.Background(), evt)
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if outcome != OutcomeMarkedFail {
		t.Fatalf("expected %s got %s", OutcomeMarkedFail, outcome)
	}
	if got := store.Order("order-1").PaymentStatus; got != ledger.PaymentFailed {
		t.Fatalf("expected failed, got %s", got)
	}

	// a late failure on a paid order leaves it alone
	store2 := newStore(t)
	if _, err := NewIngestor(store2, nil, decimal.Zero, nil).Handle(context.Background(), paidEvent()); err != nil {
		t.Fatalf("pay: %v", err)
	}
	outcome, err = NewIngestor(store2, nil, decimal.Zero, nil).Handle(context.Background(), evt)
	if err != nil {
		t.Fatalf("late failure: %v", err)
	}
	if outcome != OutcomeSkipped || store2.Order("order-1").PaymentStatus != ledger.PaymentPaid {
		t.Fatalf("late failure must not unpay the order: %s %s", outcome, store2.Order("order-1").PaymentStatus)
	}
}

type recordingPlans struct {
	got []gateway.Subscription
}

func (r *recordingPlans) SyncPlan(ctx context.Context, sub gateway.Subscription) error {
	r.got = append(r.got, sub)
	return nil
}

func TestHandle_SubscriptionEventsReachPlanSync(t *testing.T) {
	plans := &recordingPlans{}
	ing := NewIngestor(newStore(t), plans, decimal.Zero, nil)

	outcome, err := ing.Handle(context.Background(), gateway.Event{
		Kind:         gateway.EventSubscriptionChanged,
		Subscription: &gateway.Subscription{ID: "sub_1", CustomerID: "cus_1", Status: gateway.SubscriptionActive},
	})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if outcome != OutcomePlanSynced || len(plans.got) != 1 {
		t.Fatalf("expected plan sync, got %s with %d calls", outcome, len(plans.got))
	}

	outcome, err = ing.Handle(context.Background(), gateway.Event{Kind: gateway.EventIgnored, Type: "invoice.paid"})
	if err != nil || outcome != OutcomeIgnored {
		t.Fatalf("expected ignored, got %s %v", outcome, err)
	}
}
