package gateway

import (
	"encoding/json"
	"fmt"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/webhook"
)

type EventKind string

const (
	EventPaymentSucceeded    EventKind = "payment_succeeded"
	EventPaymentFailed       EventKind = "payment_failed"
	EventSubscriptionChanged EventKind = "subscription_changed"
	EventIgnored             EventKind = "ignored"
)

// Event is a verified processor notification reduced to what the ingestor
// consumes. AmountTotal is in minor units; zero means not reported.
type Event struct {
	ID               string
	Type             string
	Kind             EventKind
	OrderID          string
	Metadata         map[string]string
	SessionRef       string
	PaymentIntentRef string
	AmountTotal      int64
	ReceiptURL       string
	FailureMessage   string
	Subscription     *Subscription
}

// WebhookVerifier authenticates and decodes webhook deliveries. With a
// signing secret configured it fails closed; without one it trusts the body.
type WebhookVerifier struct {
	secret string
}

func NewWebhookVerifier(secret string) *WebhookVerifier {
	return &WebhookVerifier{secret: secret}
}

// Enforced reports whether deliveries must carry a valid signature.
func (v *WebhookVerifier) Enforced() bool {
	return v.secret != ""
}

func (v *WebhookVerifier) ParseEvent(payload []byte, signature string) (Event, error) {
	var raw stripe.Event
	if v.secret != "" {
		if signature == "" {
			return Event{}, ErrMissingSignature
		}
		evt, err := webhook.ConstructEventWithOptions(payload, signature, v.secret, webhook.ConstructEventOptions{
			IgnoreAPIVersionMismatch: true,
		})
		if err != nil {
			return Event{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
		}
		raw = evt
	} else if err := json.Unmarshal(payload, &raw); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if raw.Data == nil {
		return Event{}, ErrMalformedEvent
	}
	return translate(raw)
}

func translate(raw stripe.Event) (Event, error) {
	out := Event{ID: raw.ID, Type: string(raw.Type), Kind: EventIgnored}

	switch raw.Type {
	case "checkout.session.completed", "checkout.session.async_payment_succeeded":
		var sess stripe.CheckoutSession
		if err := json.Unmarshal(raw.Data.Raw, &sess); err != nil {
			return Event{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
		}
		if sess.Mode == stripe.CheckoutSessionModeSubscription {
			return out, nil
		}
		out.Kind = EventPaymentSucceeded
		out.Metadata = sess.Metadata
		out.OrderID = sess.Metadata["order_id"]
		out.SessionRef = sess.ID
		out.AmountTotal = sess.AmountTotal
		if sess.PaymentIntent != nil {
			out.PaymentIntentRef = sess.PaymentIntent.ID
		}

	case "payment_intent.succeeded", "payment_intent.amount_capturable_updated":
		var pi stripe.PaymentIntent
		if err := json.Unmarshal(raw.Data.Raw, &pi); err != nil {
			return Event{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
		}
		out.Kind = EventPaymentSucceeded
		out.Metadata = pi.Metadata
		out.OrderID = pi.Metadata["order_id"]
		out.SessionRef = pi.ID
		out.PaymentIntentRef = pi.ID
		out.AmountTotal = pi.Amount
		if pi.AmountReceived > 0 {
			out.AmountTotal = pi.AmountReceived
		}
		if pi.LatestCharge != nil {
			out.ReceiptURL = pi.LatestCharge.ReceiptURL
		}

	case "payment_intent.payment_failed":
		var pi stripe.PaymentIntent
		if err := json.Unmarshal(raw.Data.Raw, &pi); err != nil {
			return Event{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
		}
		out.Kind = EventPaymentFailed
		out.Metadata = pi.Metadata
		out.OrderID = pi.Metadata["order_id"]
		out.PaymentIntentRef = pi.ID
		if pi.LastPaymentError != nil {
			out.FailureMessage = pi.LastPaymentError.Msg
		}

	case "customer.subscription.created", "customer.subscription.updated", "customer.subscription.deleted":
		var sub stripe.Subscription
		if err := json.Unmarshal(raw.Data.Raw, &sub); err != nil {
			return Event{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
		}
		s := ToSubscription(&sub)
		if raw.Type == "customer.subscription.deleted" {
			s.Status = SubscriptionCanceled
		}
		out.Kind = EventSubscriptionChanged
		out.Metadata = sub.Metadata
		out.Subscription = &s
	}

	return out, nil
}
