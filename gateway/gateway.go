// Package gateway adapts the external payment processor. Amounts crossing this
// boundary are integer minor units; callers convert with package money.
package gateway

import "context"

type Customer struct {
	ID    string
	Email string
	Name  string
}

type CustomerParams struct {
	Email    string
	Name     string
	Metadata map[string]string
}

// PaymentIntentParams describes a manual-capture hold for one order.
type PaymentIntentParams struct {
	CustomerID     string
	Amount         int64
	ApplicationFee int64
	// Destination routes net proceeds to the seller's payout account when set.
	Destination   string
	TransferGroup string
	Metadata      map[string]string
}

type PaymentIntentStatus string

const (
	IntentRequiresPayment PaymentIntentStatus = "requires_payment_method"
	IntentRequiresCapture PaymentIntentStatus = "requires_capture"
	IntentProcessing      PaymentIntentStatus = "processing"
	IntentSucceeded       PaymentIntentStatus = "succeeded"
	IntentCanceled        PaymentIntentStatus = "canceled"
)

type PaymentIntent struct {
	ID           string
	ClientSecret string
	Status       PaymentIntentStatus
	Amount       int64
}

// CheckoutParams describes a hosted payment-mode checkout for one order.
type CheckoutParams struct {
	CustomerEmail  string
	ProductName    string
	Amount         int64
	ApplicationFee int64
	Destination    string
	TransferGroup  string
	SuccessURL     string
	CancelURL      string
	Metadata       map[string]string
}

type CheckoutSession struct {
	ID  string
	URL string
}

type SessionStatus string

const (
	SessionOpen    SessionStatus = "open"
	SessionPaid    SessionStatus = "paid"
	SessionExpired SessionStatus = "expired"
)

// PaymentSession is the processor's current view of an order's payment,
// whether the order paid through a checkout session or a bare intent.
type PaymentSession struct {
	ID              string
	PaymentIntentID string
	Status          SessionStatus
	AmountTotal     int64
	Metadata        map[string]string
}

type TransferParams struct {
	Amount         int64
	Destination    string
	TransferGroup  string
	IdempotencyKey string
	Metadata       map[string]string
}

type Transfer struct {
	ID            string
	Destination   string
	Amount        int64
	TransferGroup string
	Reversed      bool
	Metadata      map[string]string
}

type RefundParams struct {
	PaymentIntentID string
	Reason          string
	IdempotencyKey  string
	Metadata        map[string]string
}

type Refund struct {
	ID     string
	Status string
	// Canceled is set when the intent was still on hold and got canceled
	// instead of refunded.
	Canceled bool
}

type SubscriptionStatus string

const (
	SubscriptionActive   SubscriptionStatus = "active"
	SubscriptionTrialing SubscriptionStatus = "trialing"
	SubscriptionPastDue  SubscriptionStatus = "past_due"
	SubscriptionCanceled SubscriptionStatus = "canceled"
	SubscriptionUnpaid   SubscriptionStatus = "unpaid"
)

type Subscription struct {
	ID         string
	CustomerID string
	Status     SubscriptionStatus
	ItemID     string
	PriceID    string
	ProductID  string
}

type SubscriptionCheckoutParams struct {
	CustomerID string
	PriceID    string
	SuccessURL string
	CancelURL  string
	Metadata   map[string]string
}

// Gateway is the full processor surface. Components depend on narrower
// interfaces holding only what they call.
type Gateway interface {
	FindCustomerByEmail(ctx context.Context, email string) (*Customer, error)
	CreateCustomer(ctx context.Context, params CustomerParams) (Customer, error)
	CreatePaymentIntent(ctx context.Context, params PaymentIntentParams) (PaymentIntent, error)
	CapturePaymentIntent(ctx context.Context, intentID string) (PaymentIntent, error)
	CreateEphemeralKey(ctx context.Context, customerID string) (string, error)
	CreateCheckoutSession(ctx context.Context, params CheckoutParams) (CheckoutSession, error)
	PaymentSession(ctx context.Context, ref string) (PaymentSession, error)
	CreateTransfer(ctx context.Context, params TransferParams) (Transfer, error)
	ListTransfers(ctx context.Context, transferGroup string) ([]Transfer, error)
	ReverseTransfer(ctx context.Context, transferID string) error
	Refund(ctx context.Context, params RefundParams) (Refund, error)
	Subscription(ctx context.Context, subscriptionID string) (Subscription, error)
	UpdateSubscriptionPrice(ctx context.Context, sub Subscription, priceID string) (Subscription, error)
	CreateSubscriptionCheckout(ctx context.Context, params SubscriptionCheckoutParams) (CheckoutSession, error)
}
