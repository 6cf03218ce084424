package fakes

import (
	"context"
	"fmt"
	"sync"

	"escrowflow/gateway"
)

// Gateway is a scripted payment processor. Tests seed Sessions, Intents and
// Subscriptions and inspect the recorded calls afterwards.
type Gateway struct {
	mu     sync.Mutex
	nextID int

	Customers     map[string]gateway.Customer
	Intents       map[string]gateway.PaymentIntent
	Sessions      map[string]gateway.PaymentSession
	Subscriptions map[string]gateway.Subscription
	Transfers     []gateway.Transfer

	IntentParams       []gateway.PaymentIntentParams
	CheckoutParams     []gateway.CheckoutParams
	SubscriptionParams []gateway.SubscriptionCheckoutParams
	TransferParams     []gateway.TransferParams
	Refunds            []gateway.RefundParams
	PriceUpdates       []string
	Calls              []string

	// Errors fails the named operation with the given error.
	Errors map[string]error
}

func NewGateway() *Gateway {
	return &Gateway{
		Customers:     make(map[string]gateway.Customer),
		Intents:       make(map[string]gateway.PaymentIntent),
		Sessions:      make(map[string]gateway.PaymentSession),
		Subscriptions: make(map[string]gateway.Subscription),
		Errors:        make(map[string]error),
	}
}

func (g *Gateway) id(prefix string) string {
	g.nextID++
	return fmt.Sprintf("%s_%d", prefix, g.nextID)
}

func (g *Gateway) call(op string) error {
	g.Calls = append(g.Calls, op)
	return g.Errors[op]
}

// CallCount reports how many times op was invoked.
func (g *Gateway) CallCount(op string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for _, c := range g.Calls {
		if c == op {
			n++
		}
	}
	return n
}

func (g *Gateway) SetSession(s gateway.PaymentSession) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.Sessions[s.ID] = s
}

func (g *Gateway) SetIntent(pi gateway.PaymentIntent) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.Intents[pi.ID] = pi
}

func (g *Gateway) AddTransfer(tr gateway.Transfer) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.Transfers = append(g.Transfers, tr)
}

func (g *Gateway) TransfersSnapshot() []gateway.Transfer {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]gateway.Transfer(nil), g.Transfers...)
}

func (g *Gateway) FindCustomerByEmail(ctx context.Context, email string) (*gateway.Customer, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.call("FindCustomerByEmail"); err != nil {
		return nil, err
	}
	c, ok := g.Customers[email]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

func (g *Gateway) CreateCustomer(ctx context.Context, params gateway.CustomerParams) (gateway.Customer, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.call("CreateCustomer"); err != nil {
		return gateway.Customer{}, err
	}
	c := gateway.Customer{ID: g.id("cus"), Email: params.Email, Name: params.Name}
	g.Customers[params.Email] = c
	return c, nil
}

func (g *Gateway) CreatePaymentIntent(ctx context.Context, params gateway.PaymentIntentParams) (gateway.PaymentIntent, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.call("CreatePaymentIntent"); err != nil {
		return gateway.PaymentIntent{}, err
	}
	g.IntentParams = append(g.IntentParams, params)
	id := g.id("pi")
	pi := gateway.PaymentIntent{ID: id, ClientSecret: id + "_secret", Status: gateway.IntentRequiresPayment, Amount: params.Amount}
	g.Intents[id] = pi
	return pi, nil
}

func (g *Gateway) CapturePaymentIntent(ctx context.Context, intentID string) (gateway.PaymentIntent, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.call("CapturePaymentIntent"); err != nil {
		return gateway.PaymentIntent{}, err
	}
	pi, ok := g.Intents[intentID]
	if !ok {
		return gateway.PaymentIntent{}, &gateway.Error{Op: "capture payment intent", Message: "No such payment_intent: " + intentID}
	}
	switch pi.Status {
	case gateway.IntentSucceeded:
		return pi, nil
	case gateway.IntentRequiresCapture:
		pi.Status = gateway.IntentSucceeded
		g.Intents[intentID] = pi
		return pi, nil
	default:
		return gateway.PaymentIntent{}, &gateway.Error{Op: "capture payment intent", Message: "payment intent is " + string(pi.Status)}
	}
}

func (g *Gateway) CreateEphemeralKey(ctx context.Context, customerID string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.call("CreateEphemeralKey"); err != nil {
		return "", err
	}
	return "ek_" + customerID, nil
}

func (g *Gateway) CreateCheckoutSession(ctx context.Context, params gateway.CheckoutParams) (gateway.CheckoutSession, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.call("CreateCheckoutSession"); err != nil {
		return gateway.CheckoutSession{}, err
	}
	g.CheckoutParams = append(g.CheckoutParams, params)
	id := g.id("cs")
	g.Sessions[id] = gateway.PaymentSession{ID: id, Status: gateway.SessionOpen, AmountTotal: params.Amount, Metadata: params.Metadata}
	return gateway.CheckoutSession{ID: id, URL: "https://checkout.test/" + id}, nil
}

func (g *Gateway) PaymentSession(ctx context.Context, ref string) (gateway.PaymentSession, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.call("PaymentSession"); err != nil {
		return gateway.PaymentSession{}, err
	}
	s, ok := g.Sessions[ref]
	if !ok {
		return gateway.PaymentSession{}, gateway.ErrSessionNotFound
	}
	return s, nil
}

func (g *Gateway) CreateTransfer(ctx context.Context, params gateway.TransferParams) (gateway.Transfer, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.call("CreateTransfer"); err != nil {
		return gateway.Transfer{}, err
	}
	g.TransferParams = append(g.TransferParams, params)
	tr := gateway.Transfer{
		ID:            g.id("tr"),
		Destination:   params.Destination,
		Amount:        params.Amount,
		TransferGroup: params.TransferGroup,
		Metadata:      params.Metadata,
	}
	g.Transfers = append(g.Transfers, tr)
	return tr, nil
}

func (g *Gateway) ListTransfers(ctx context.Context, transferGroup string) ([]gateway.Transfer, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.call("ListTransfers"); err != nil {
		return nil, err
	}
	var out []gateway.Transfer
	for _, tr := range g.Transfers {
		if tr.TransferGroup == transferGroup {
			out = append(out, tr)
		}
	}
	return out, nil
}

func (g *Gateway) ReverseTransfer(ctx context.Context, transferID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.call("ReverseTransfer"); err != nil {
		return err
	}
	for i := range g.Transfers {
		if g.Transfers[i].ID != transferID {
			continue
		}
		if g.Transfers[i].Reversed {
			return &gateway.Error{Op: "reverse transfer", Message: "transfer already reversed"}
		}
		g.Transfers[i].Reversed = true
		return nil
	}
	return &gateway.Error{Op: "reverse transfer", Message: "No such transfer: " + transferID}
}

func (g *Gateway) Refund(ctx context.Context, params gateway.RefundParams) (gateway.Refund, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.call("Refund"); err != nil {
		return gateway.Refund{}, err
	}
	g.Refunds = append(g.Refunds, params)
	if pi, ok := g.Intents[params.PaymentIntentID]; ok {
		switch pi.Status {
		case gateway.IntentRequiresCapture:
			pi.Status = gateway.IntentCanceled
			g.Intents[pi.ID] = pi
			return gateway.Refund{ID: pi.ID, Status: string(pi.Status), Canceled: true}, nil
		case gateway.IntentCanceled:
			return gateway.Refund{ID: pi.ID, Status: string(pi.Status), Canceled: true}, nil
		}
	}
	return gateway.Refund{ID: g.id("re"), Status: "succeeded"}, nil
}

func (g *Gateway) Subscription(ctx context.Context, subscriptionID string) (gateway.Subscription, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.call("Subscription"); err != nil {
		return gateway.Subscription{}, err
	}
	sub, ok := g.Subscriptions[subscriptionID]
	if !ok {
		return gateway.Subscription{}, &gateway.Error{Op: "load subscription", Message: "No such subscription: " + subscriptionID}
	}
	return sub, nil
}

func (g *Gateway) UpdateSubscriptionPrice(ctx context.Context, sub gateway.Subscription, priceID string) (gateway.Subscription, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.call("UpdateSubscriptionPrice"); err != nil {
		return gateway.Subscription{}, err
	}
	g.PriceUpdates = append(g.PriceUpdates, priceID)
	sub.PriceID = priceID
	g.Subscriptions[sub.ID] = sub
	return sub, nil
}

func (g *Gateway) CreateSubscriptionCheckout(ctx context.Context, params gateway.SubscriptionCheckoutParams) (gateway.CheckoutSession, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.call("CreateSubscriptionCheckout"); err != nil {
		return gateway.CheckoutSession{}, err
	}
	g.SubscriptionParams = append(g.SubscriptionParams, params)
	id := g.id("cs")
	return gateway.CheckoutSession{ID: id, URL: "https://checkout.test/" + id}, nil
}

var _ gateway.Gateway = (*Gateway)(nil)
