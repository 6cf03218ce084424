package escrow

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"escrowflow/apperr"
	"escrowflow/auth"
	"escrowflow/gateway"
	"escrowflow/ledger"
	"escrowflow/test/fakes"
)

type fakeUsers map[string]auth.User

func (f fakeUsers) GetUserByID(ctx context.Context, userID string) (*auth.User, error) {
	u, ok := f[userID]
	if !ok {
		return nil, auth.ErrUserNotFound
	}
	return &u, nil
}

type fixture struct {
	store *fakes.Ledger
	gw    *fakes.Gateway
	svc   *Service
	order ledger.Order
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	now := time.Date(2024, 5, 10, 9, 0, 0, 0, time.UTC)
	store := fakes.NewLedger(func() time.Time { return now })
	gw := fakes.NewGateway()
	users := fakeUsers{"buyer-1": {ID: "buyer-1", Email: "bia@example.com", FullName: "Bia", Role: auth.RoleBuyer}}

	store.PutCompany(ledger.Company{OwnerID: "seller-1", Name: "Studio", PayoutAccountID: "acct_1"})
	order := store.PutOrder(ledger.Order{
		ID:        "order-1",
		BuyerID:   "buyer-1",
		SellerID:  "seller-1",
		ServiceID: "svc-1",
		Price:     decimal.RequireFromString("100.00"),
	})

	svc := NewService(store, gw, users, Config{SuccessURL: "https://app.test/ok", CancelURL: "https://app.test/cancel"}, nil)
	return fixture{store: store, gw: gw, svc: svc, order: order}
}

func TestInitiate_CreatesManualCaptureHold(t *testing.T) {
	f := newFixture(t)

	hold, err := f.svc.Initiate(context.Background(), "buyer-1", "order-1")
	if err != nil {
		t.Fatalf("initiate: unexpected error: %v", err)
	}
	if hold.ClientSecret == "" || hold.EphemeralKey == "" || hold.CustomerID == "" {
		t.Fatalf("initiate: incomplete hold %+v", hold)
	}

	if len(f.gw.IntentParams) != 1 {
		t.Fatalf("expected one intent, got %d", len(f.gw.IntentParams))
	}
	p := f.gw.IntentParams[0]
	if p.Amount != 10000 {
		t.Fatalf("amount: expected 10000 got %d", p.Amount)
	}
	if p.ApplicationFee != 2000 {
		t.Fatalf("fee: expected 2000 got %d", p.ApplicationFee)
	}
	if p.Destination != "acct_1" {
		t.Fatalf("destination: expected acct_1 got %q", p.Destination)
	}
	if p.TransferGroup != "order-1" {
		t.Fatalf("transfer group: expected order-1 got %q", p.TransferGroup)
	}
	for _, key := range []string{"order_id", "buyer_id", "seller_id", "application_fee_amount"} {
		if p.Metadata[key] == "" {
			t.Fatalf("metadata %q missing: %+v", key, p.Metadata)
		}
	}

	if got := f.store.Order("order-1").PaymentStatus; got != ledger.PaymentPending {
		t.Fatalf("order should stay pending, got %s", got)
	}
}

func TestInitiate_ReusesExistingCustomer(t *testing.T) {
	f := newFixture(t)
	f.gw.Customers["bia@example.com"] = gateway.Customer{ID: "cus_existing", Email: "bia@example.com"}

	hold, err := f.svc.Initiate(context.Background(), "buyer-1", "order-1")
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if hold.CustomerID != "cus_existing" {
		t.Fatalf("expected existing customer, got %q", hold.CustomerID)
	}
	if n := f.gw.CallCount("CreateCustomer"); n != 0 {
		t.Fatalf("expected no customer creation, got %d", n)
	}
}

func TestInitiate_UsesSellerCommissionRate(t *testing.T) {
	f := newFixture(t)
	for id, c := range f.store.Companies {
		c.CommissionRate = decimal.NewNullDecimal(decimal.RequireFromString("0.08"))
		f.store.Companies[id] = c
	}

	if _, err := f.svc.Initiate(context.Background(), "buyer-1", "order-1"); err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if fee := f.gw.IntentParams[0].ApplicationFee; fee != 800 {
		t.Fatalf("fee: expected 800 got %d", fee)
	}
}

func TestInitiate_Rejections(t *testing.T) {
	cases := []struct {
		name    string
		caller  string
		orderID string
		mutate  func(*fakes.Ledger)
		want    error
	}{
		{name: "unauthenticated", caller: "", orderID: "order-1", want: ErrUnauthenticated},
		{name: "missing order", caller: "buyer-1", orderID: "nope", want: ledger.ErrOrderNotFound},
		{name: "not buyer", caller: "someone-else", orderID: "order-1", want: ErrNotBuyer},
		{name: "already paid", caller: "buyer-1", orderID: "order-1", want: ErrAlreadyPaid, mutate: func(l *fakes.Ledger) {
			o := l.Orders["order-1"]
			o.PaymentStatus = ledger.PaymentPaid
			l.Orders["order-1"] = o
		}},
		{name: "refunded", caller: "buyer-1", orderID: "order-1", want: ErrNotPayable, mutate: func(l *fakes.Ledger) {
			o := l.Orders["order-1"]
			o.PaymentStatus = ledger.PaymentRefunded
			l.Orders["order-1"] = o
		}},
		{name: "zero price", caller: "buyer-1", orderID: "order-1", want: ErrInvalidPrice, mutate: func(l *fakes.Ledger) {
			o := l.Orders["order-1"]
			o.Price = decimal.Zero
			l.Orders["order-1"] = o
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			if tc.mutate != nil {
				tc.mutate(f.store)
			}
			_, err := f.svc.Initiate(context.Background(), tc.caller, tc.orderID)
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v got %v", tc.want, err)
			}
			if n := f.gw.CallCount("CreatePaymentIntent"); n != 0 {
				t.Fatalf("expected no intent on rejection, got %d", n)
			}
		})
	}
}

func TestInitiate_SurfacesGatewayErrorVerbatim(t *testing.T) {
	f := newFixture(t)
	f.gw.Errors["CreatePaymentIntent"] = &gateway.Error{Op: "create payment intent", Message: "Your card was declined."}

	_, err := f.svc.Initiate(context.Background(), "buyer-1", "order-1")
	if !errors.Is(err, apperr.ErrGateway) {
		t.Fatalf("expected gateway error, got %v", err)
	}
	if err.Error() != "Your card was declined." {
		t.Fatalf("expected verbatim message, got %q", err.Error())
	}
}

func TestCreateCheckout_RecordsSession(t *testing.T) {
	f := newFixture(t)

	out, err := f.svc.CreateCheckout(context.Background(), "buyer-1", "order-1")
	if err != nil {
		t.Fatalf("checkout: %v", err)
	}
	if out.URL == "" {
		t.Fatalf("expected checkout url")
	}
	if got := f.store.Order("order-1").SessionRef; got != out.SessionID {
		t.Fatalf("session ref: expected %q got %q", out.SessionID, got)
	}
	if fee := f.gw.CheckoutParams[0].ApplicationFee; fee != 2000 {
		t.Fatalf("fee: expected 2000 got %d", fee)
	}
}

func TestRelease_CapturesAndCompletes(t *testing.T) {
	f := newFixture(t)
	o := f.store.Order("order-1")
	o.PaymentStatus = ledger.PaymentPaid
	o.Status = ledger.OrderDelivered
	o.PaymentIntentRef = "pi_held"
	f.store.PutOrder(o)
	f.store.PutBooking(ledger.Booking{OrderID: "order-1", Status: ledger.BookingConfirmed})
	f.gw.SetIntent(gateway.PaymentIntent{ID: "pi_held", Status: gateway.IntentRequiresCapture})

	released, err := f.svc.Release(context.Background(), "buyer-1", "order-1")
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if released.Status != ledger.OrderCompleted {
		t.Fatalf("expected completed, got %s", released.Status)
	}
	if got := f.store.Booking("order-1").Status; got != ledger.BookingCompleted {
		t.Fatalf("booking: expected completed got %s", got)
	}
	if got := f.gw.Intents["pi_held"].Status; got != gateway.IntentSucceeded {
		t.Fatalf("intent: expected succeeded got %s", got)
	}

	if _, err := f.svc.Release(context.Background(), "buyer-1", "order-1"); err != nil {
		t.Fatalf("second release should be a no-op, got %v", err)
	}
	if n := f.gw.CallCount("CapturePaymentIntent"); n != 1 {
		t.Fatalf("expected one capture, got %d", n)
	}
}

func TestRelease_Rejections(t *testing.T) {
	f := newFixture(t)

	if _, err := f.svc.Release(context.Background(), "buyer-1", "order-1"); !errors.Is(err, ErrNotPaid) {
		t.Fatalf("unpaid: expected %v got %v", ErrNotPaid, err)
	}

	o := f.store.Order("order-1")
	o.PaymentStatus = ledger.PaymentPaid
	o.Status = ledger.OrderInProgress
	f.store.PutOrder(o)

	if _, err := f.svc.Release(context.Background(), "seller-1", "order-1"); !errors.Is(err, ErrNotBuyer) {
		t.Fatalf("seller: expected %v got %v", ErrNotBuyer, err)
	}
	if _, err := f.svc.Release(context.Background(), "buyer-1", "order-1"); !errors.Is(err, ErrNoPayment) {
		t.Fatalf("no intent: expected %v got %v", ErrNoPayment, err)
	}
	if got := f.store.Order("order-1").Status; got != ledger.OrderInProgress {
		t.Fatalf("failed release must not change status, got %s", got)
	}
}
