package gateway

import (
	"context"
	"fmt"
	"strings"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
)

// StripeConfig holds the processor credentials and account-wide settings.
type StripeConfig struct {
	SecretKey  string
	Currency   string
	APIVersion string
}

// Stripe implements Gateway on the Stripe API. The client is built once and
// shared; every call carries the caller's context.
type Stripe struct {
	api        *client.API
	currency   string
	apiVersion string
}

func NewStripe(cfg StripeConfig) (*Stripe, error) {
	if cfg.SecretKey == "" {
		return nil, fmt.Errorf("gateway: empty stripe secret key")
	}
	currency := strings.ToLower(cfg.Currency)
	if currency == "" {
		currency = "brl"
	}
	api := &client.API{}
	api.Init(cfg.SecretKey, nil)
	return &Stripe{api: api, currency: currency, apiVersion: cfg.APIVersion}, nil
}

func applyMetadata(p *stripe.Params, metadata map[string]string) {
	for k, v := range metadata {
		p.AddMetadata(k, v)
	}
}

func (s *Stripe) FindCustomerByEmail(ctx context.Context, email string) (*Customer, error) {
	params := &stripe.CustomerListParams{Email: stripe.String(email)}
	params.Context = ctx
	params.Limit = stripe.Int64(1)
	iter := s.api.Customers.List(params)
	if iter.Next() {
		c := iter.Customer()
		return &Customer{ID: c.ID, Email: c.Email, Name: c.Name}, nil
	}
	if err := iter.Err(); err != nil {
		return nil, wrap("list customers", err)
	}
	return nil, nil
}

func (s *Stripe) CreateCustomer(ctx context.Context, in CustomerParams) (Customer, error) {
	params := &stripe.CustomerParams{Email: stripe.String(in.Email)}
	if in.Name != "" {
		params.Name = stripe.String(in.Name)
	}
	params.Context = ctx
	applyMetadata(&params.Params, in.Metadata)
	c, err := s.api.Customers.New(params)
	if err != nil {
		return Customer{}, wrap("create customer", err)
	}
	return Customer{ID: c.ID, Email: c.Email, Name: c.Name}, nil
}

func (s *Stripe) CreatePaymentIntent(ctx context.Context, in PaymentIntentParams) (PaymentIntent, error) {
	params := &stripe.PaymentIntentParams{
		Amount:        stripe.Int64(in.Amount),
		Currency:      stripe.String(s.currency),
		Customer:      stripe.String(in.CustomerID),
		CaptureMethod: stripe.String(string(stripe.PaymentIntentCaptureMethodManual)),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	if in.TransferGroup != "" {
		params.TransferGroup = stripe.String(in.TransferGroup)
	}
	if in.Destination != "" {
		params.ApplicationFeeAmount = stripe.Int64(in.ApplicationFee)
		params.TransferData = &stripe.PaymentIntentTransferDataParams{
			Destination: stripe.String(in.Destination),
		}
	}
	params.Context = ctx
	applyMetadata(&params.Params, in.Metadata)

	pi, err := s.api.PaymentIntents.New(params)
	if err != nil {
		return PaymentIntent{}, wrap("create payment intent", err)
	}
	return toIntent(pi), nil
}

// CapturePaymentIntent settles a held intent. An intent that was already
// captured is reported as succeeded rather than as an error.
func (s *Stripe) CapturePaymentIntent(ctx context.Context, intentID string) (PaymentIntent, error) {
	params := &stripe.PaymentIntentCaptureParams{}
	params.Context = ctx
	pi, err := s.api.PaymentIntents.Capture(intentID, params)
	if err == nil {
		return toIntent(pi), nil
	}
	if !isUnexpectedIntentState(err) {
		return PaymentIntent{}, wrap("capture payment intent", err)
	}

	getParams := &stripe.PaymentIntentParams{}
	getParams.Context = ctx
	current, getErr := s.api.PaymentIntents.Get(intentID, getParams)
	if getErr != nil {
		return PaymentIntent{}, wrap("load payment intent", getErr)
	}
	if current.Status != stripe.PaymentIntentStatusSucceeded {
		return PaymentIntent{}, wrap("capture payment intent", err)
	}
	return toIntent(current), nil
}

func (s *Stripe) CreateEphemeralKey(ctx context.Context, customerID string) (string, error) {
	params := &stripe.EphemeralKeyParams{Customer: stripe.String(customerID)}
	if s.apiVersion != "" {
		params.StripeVersion = stripe.String(s.apiVersion)
	}
	params.Context = ctx
	key, err := s.api.EphemeralKeys.New(params)
	if err != nil {
		return "", wrap("create ephemeral key", err)
	}
	return key.Secret, nil
}

func (s *Stripe) CreateCheckoutSession(ctx context.Context, in CheckoutParams) (CheckoutSession, error) {
	intentData := &stripe.CheckoutSessionPaymentIntentDataParams{
		CaptureMethod: stripe.String(string(stripe.PaymentIntentCaptureMethodManual)),
		Metadata:      in.Metadata,
	}
	if in.TransferGroup != "" {
		intentData.TransferGroup = stripe.String(in.TransferGroup)
	}
	if in.Destination != "" {
		intentData.ApplicationFeeAmount = stripe.Int64(in.ApplicationFee)
		intentData.TransferData = &stripe.CheckoutSessionPaymentIntentDataTransferDataParams{
			Destination: stripe.String(in.Destination),
		}
	}

	params := &stripe.CheckoutSessionParams{
		Mode: stripe.String(string(stripe.CheckoutSessionModePayment)),
		LineItems: []*stripe.CheckoutSessionLineItemParams{{
			PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency:   stripe.String(s.currency),
				UnitAmount: stripe.Int64(in.Amount),
				ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
					Name: stripe.String(in.ProductName),
				},
			},
			Quantity: stripe.Int64(1),
		}},
		PaymentIntentData: intentData,
		SuccessURL:        stripe.String(in.SuccessURL),
		CancelURL:         stripe.String(in.CancelURL),
	}
	if in.CustomerEmail != "" {
		params.CustomerEmail = stripe.String(in.CustomerEmail)
	}
	params.Context = ctx
	applyMetadata(&params.Params, in.Metadata)

	sess, err := s.api.CheckoutSessions.New(params)
	if err != nil {
		return CheckoutSession{}, wrap("create checkout session", err)
	}
	return CheckoutSession{ID: sess.ID, URL: sess.URL}, nil
}

// PaymentSession resolves a stored payment reference. References issued by
// the intent flow ("pi_...") are read as intents, anything else as a
// checkout session with its intent expanded.
func (s *Stripe) PaymentSession(ctx context.Context, ref string) (PaymentSession, error) {
	if strings.HasPrefix(ref, "pi_") {
		params := &stripe.PaymentIntentParams{}
		params.Context = ctx
		pi, err := s.api.PaymentIntents.Get(ref, params)
		if err != nil {
			if isResourceMissing(err) {
				return PaymentSession{}, ErrSessionNotFound
			}
			return PaymentSession{}, wrap("load payment intent", err)
		}
		out := PaymentSession{ID: pi.ID, PaymentIntentID: pi.ID, Status: SessionOpen, AmountTotal: pi.Amount, Metadata: pi.Metadata}
		switch pi.Status {
		case stripe.PaymentIntentStatusSucceeded, stripe.PaymentIntentStatusRequiresCapture:
			out.Status = SessionPaid
		case stripe.PaymentIntentStatusCanceled:
			out.Status = SessionExpired
		}
		return out, nil
	}

	params := &stripe.CheckoutSessionParams{}
	params.Context = ctx
	params.AddExpand("payment_intent")
	sess, err := s.api.CheckoutSessions.Get(ref, params)
	if err != nil {
		if isResourceMissing(err) {
			return PaymentSession{}, ErrSessionNotFound
		}
		return PaymentSession{}, wrap("load checkout session", err)
	}

	out := PaymentSession{ID: sess.ID, Status: SessionOpen, AmountTotal: sess.AmountTotal, Metadata: sess.Metadata}
	if sess.PaymentIntent != nil {
		out.PaymentIntentID = sess.PaymentIntent.ID
	}
	switch {
	case sess.PaymentStatus == stripe.CheckoutSessionPaymentStatusPaid:
		out.Status = SessionPaid
	case sess.PaymentIntent != nil && sess.PaymentIntent.Status == stripe.PaymentIntentStatusRequiresCapture:
		out.Status = SessionPaid
	case sess.Status == stripe.CheckoutSessionStatusExpired:
		out.Status = SessionExpired
	}
	return out, nil
}

func (s *Stripe) CreateTransfer(ctx context.Context, in TransferParams) (Transfer, error) {
	params := &stripe.TransferParams{
		Amount:        stripe.Int64(in.Amount),
		Currency:      stripe.String(s.currency),
		Destination:   stripe.String(in.Destination),
		TransferGroup: stripe.String(in.TransferGroup),
	}
	params.Context = ctx
	if in.IdempotencyKey != "" {
		params.SetIdempotencyKey(in.IdempotencyKey)
	}
	applyMetadata(&params.Params, in.Metadata)

	tr, err := s.api.Transfers.New(params)
	if err != nil {
		return Transfer{}, wrap("create transfer", err)
	}
	return toTransfer(tr), nil
}

func (s *Stripe) ListTransfers(ctx context.Context, transferGroup string) ([]Transfer, error) {
	params := &stripe.TransferListParams{TransferGroup: stripe.String(transferGroup)}
	params.Context = ctx
	iter := s.api.Transfers.List(params)
	var out []Transfer
	for iter.Next() {
		out = append(out, toTransfer(iter.Transfer()))
	}
	if err := iter.Err(); err != nil {
		return nil, wrap("list transfers", err)
	}
	return out, nil
}

func (s *Stripe) ReverseTransfer(ctx context.Context, transferID string) error {
	params := &stripe.TransferReversalParams{ID: stripe.String(transferID)}
	params.Context = ctx
	params.SetIdempotencyKey("reverse-" + transferID)
	if _, err := s.api.TransferReversals.New(params); err != nil {
		return wrap("reverse transfer", err)
	}
	return nil
}

// Refund returns the buyer's money. A still-held intent has nothing captured
// to refund, so it is canceled instead; one already canceled by an earlier
// attempt is reported as that cancel.
func (s *Stripe) Refund(ctx context.Context, in RefundParams) (Refund, error) {
	getParams := &stripe.PaymentIntentParams{}
	getParams.Context = ctx
	pi, err := s.api.PaymentIntents.Get(in.PaymentIntentID, getParams)
	if err != nil {
		return Refund{}, wrap("load payment intent", err)
	}

	if pi.Status == stripe.PaymentIntentStatusCanceled {
		return Refund{ID: pi.ID, Status: string(pi.Status), Canceled: true}, nil
	}
	if pi.Status == stripe.PaymentIntentStatusRequiresCapture {
		params := &stripe.PaymentIntentCancelParams{
			CancellationReason: stripe.String(string(stripe.PaymentIntentCancellationReasonRequestedByCustomer)),
		}
		params.Context = ctx
		if in.IdempotencyKey != "" {
			params.SetIdempotencyKey(in.IdempotencyKey)
		}
		canceled, err := s.api.PaymentIntents.Cancel(in.PaymentIntentID, params)
		if err != nil {
			return Refund{}, wrap("cancel payment intent", err)
		}
		return Refund{ID: canceled.ID, Status: string(canceled.Status), Canceled: true}, nil
	}

	params := &stripe.RefundParams{PaymentIntent: stripe.String(in.PaymentIntentID)}
	if in.Reason != "" {
		params.Reason = stripe.String(in.Reason)
	}
	params.Context = ctx
	if in.IdempotencyKey != "" {
		params.SetIdempotencyKey(in.IdempotencyKey)
	}
	applyMetadata(&params.Params, in.Metadata)
	r, err := s.api.Refunds.New(params)
	if err != nil {
		return Refund{}, wrap("create refund", err)
	}
	return Refund{ID: r.ID, Status: string(r.Status)}, nil
}

func (s *Stripe) Subscription(ctx context.Context, subscriptionID string) (Subscription, error) {
	params := &stripe.SubscriptionParams{}
	params.Context = ctx
	sub, err := s.api.Subscriptions.Get(subscriptionID, params)
	if err != nil {
		return Subscription{}, wrap("load subscription", err)
	}
	return ToSubscription(sub), nil
}

func (s *Stripe) UpdateSubscriptionPrice(ctx context.Context, sub Subscription, priceID string) (Subscription, error) {
	params := &stripe.SubscriptionParams{
		Items: []*stripe.SubscriptionItemsParams{{
			ID:    stripe.String(sub.ItemID),
			Price: stripe.String(priceID),
		}},
		ProrationBehavior: stripe.String("create_prorations"),
	}
	params.Context = ctx
	updated, err := s.api.Subscriptions.Update(sub.ID, params)
	if err != nil {
		return Subscription{}, wrap("update subscription", err)
	}
	return ToSubscription(updated), nil
}

func (s *Stripe) CreateSubscriptionCheckout(ctx context.Context, in SubscriptionCheckoutParams) (CheckoutSession, error) {
	params := &stripe.CheckoutSessionParams{
		Mode:     stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		Customer: stripe.String(in.CustomerID),
		LineItems: []*stripe.CheckoutSessionLineItemParams{{
			Price:    stripe.String(in.PriceID),
			Quantity: stripe.Int64(1),
		}},
		SubscriptionData: &stripe.CheckoutSessionSubscriptionDataParams{
			Metadata: in.Metadata,
		},
		SuccessURL: stripe.String(in.SuccessURL),
		CancelURL:  stripe.String(in.CancelURL),
	}
	params.Context = ctx
	applyMetadata(&params.Params, in.Metadata)

	sess, err := s.api.CheckoutSessions.New(params)
	if err != nil {
		return CheckoutSession{}, wrap("create subscription checkout", err)
	}
	return CheckoutSession{ID: sess.ID, URL: sess.URL}, nil
}

func toIntent(pi *stripe.PaymentIntent) PaymentIntent {
	return PaymentIntent{
		ID:           pi.ID,
		ClientSecret: pi.ClientSecret,
		Status:       PaymentIntentStatus(pi.Status),
		Amount:       pi.Amount,
	}
}

func toTransfer(tr *stripe.Transfer) Transfer {
	out := Transfer{ID: tr.ID, Amount: tr.Amount, TransferGroup: tr.TransferGroup, Reversed: tr.Reversed, Metadata: tr.Metadata}
	if tr.Destination != nil {
		out.Destination = tr.Destination.ID
	}
	return out
}

// ToSubscription flattens a processor subscription to its first item.
func ToSubscription(sub *stripe.Subscription) Subscription {
	out := Subscription{ID: sub.ID, Status: SubscriptionStatus(sub.Status)}
	if sub.Customer != nil {
		out.CustomerID = sub.Customer.ID
	}
	if sub.Items != nil && len(sub.Items.Data) > 0 {
		item := sub.Items.Data[0]
		out.ItemID = item.ID
		if item.Price != nil {
			out.PriceID = item.Price.ID
			if item.Price.Product != nil {
				out.ProductID = item.Price.Product.ID
			}
		}
	}
	return out
}
