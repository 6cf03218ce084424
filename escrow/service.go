// Package escrow opens payment holds for orders and releases them when the
// buyer accepts delivery.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"escrowflow/apperr"
	"escrowflow/auth"
	"escrowflow/gateway"
	"escrowflow/ledger"
	"escrowflow/money"
)

var (
	ErrUnauthenticated = apperr.New(apperr.KindUnauthenticated, "authentication required")
	ErrNotBuyer        = apperr.New(apperr.KindAuthorization, "order does not belong to caller")
	ErrAlreadyPaid     = apperr.New(apperr.KindStateConflict, "order already paid")
	ErrNotPayable      = apperr.New(apperr.KindStateConflict, "order is not awaiting payment")
	ErrInvalidPrice    = apperr.New(apperr.KindValidation, "order price is invalid")
	ErrNotPaid         = apperr.New(apperr.KindStateConflict, "order has not been paid")
	ErrNoPayment       = apperr.New(apperr.KindStateConflict, "no payment associated")
	ErrNotReleasable   = apperr.New(apperr.KindStateConflict, "order cannot be released in its current status")
)

// Store is the slice of the Ledger Store escrow needs.
type Store interface {
	ledger.UnitOfWork
	OrderDetail(ctx context.Context, orderID string) (ledger.OrderDetail, error)
}

// Gateway is the slice of the processor escrow needs.
type Gateway interface {
	FindCustomerByEmail(ctx context.Context, email string) (*gateway.Customer, error)
	CreateCustomer(ctx context.Context, params gateway.CustomerParams) (gateway.Customer, error)
	CreatePaymentIntent(ctx context.Context, params gateway.PaymentIntentParams) (gateway.PaymentIntent, error)
	CreateEphemeralKey(ctx context.Context, customerID string) (string, error)
	CreateCheckoutSession(ctx context.Context, params gateway.CheckoutParams) (gateway.CheckoutSession, error)
	CapturePaymentIntent(ctx context.Context, intentID string) (gateway.PaymentIntent, error)
	PaymentSession(ctx context.Context, ref string) (gateway.PaymentSession, error)
}

// Users resolves the caller's profile.
type Users interface {
	GetUserByID(ctx context.Context, userID string) (*auth.User, error)
}

type Config struct {
	DefaultCommissionRate decimal.Decimal
	GatewayTimeout        time.Duration
	SuccessURL            string
	CancelURL             string
}

// Hold is what the client-side payment sheet needs to confirm the intent.
type Hold struct {
	ClientSecret    string `json:"payment_intent"`
	EphemeralKey    string `json:"ephemeral_key"`
	CustomerID      string `json:"customer"`
	PaymentIntentID string `json:"payment_intent_id"`
}

type Checkout struct {
	SessionID string `json:"session_id"`
	URL       string `json:"url"`
}

type Service struct {
	store   Store
	gateway Gateway
	users   Users
	cfg     Config
	logger  *slog.Logger
}

func NewService(store Store, gw Gateway, users Users, cfg Config, logger *slog.Logger) *Service {
	if cfg.GatewayTimeout <= 0 {
		cfg.GatewayTimeout = 10 * time.Second
	}
	if cfg.DefaultCommissionRate.IsZero() {
		cfg.DefaultCommissionRate = money.DefaultCommissionRate
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, gateway: gw, users: users, cfg: cfg, logger: logger}
}

// quote is the validated, priced view of an order ready for a hold.
type quote struct {
	detail   ledger.OrderDetail
	buyer    *auth.User
	amount   int64
	fee      int64
	rate     decimal.Decimal
	metadata map[string]string
}

func (s *Service) prepare(ctx context.Context, buyerID, orderID string) (quote, error) {
	if buyerID == "" {
		return quote{}, ErrUnauthenticated
	}

	detail, err := s.store.OrderDetail(ctx, orderID)
	if err != nil {
		return quote{}, err
	}
	o := detail.Order
	if o.BuyerID != buyerID {
		return quote{}, ErrNotBuyer
	}
	switch o.PaymentStatus {
	case ledger.PaymentPending:
	case ledger.PaymentPaid:
		return quote{}, ErrAlreadyPaid
	default:
		return quote{}, ErrNotPayable
	}
	if o.Status == ledger.OrderCancelled {
		return quote{}, ErrNotPayable
	}
	if !o.Price.IsPositive() {
		return quote{}, ErrInvalidPrice
	}

	buyer, err := s.users.GetUserByID(ctx, buyerID)
	if err != nil {
		return quote{}, fmt.Errorf("escrow: load buyer: %w", err)
	}

	rate := s.cfg.DefaultCommissionRate
	if detail.Seller != nil {
		rate = money.RateOrDefault(detail.Seller.CommissionRate, rate)
	}
	amount := money.ToMinorUnits(o.Price)
	fee := money.ApplicationFee(amount, rate)

	return quote{
		detail: detail,
		buyer:  buyer,
		amount: amount,
		fee:    fee,
		rate:   rate,
		metadata: map[string]string{
			"order_id":               o.ID,
			"buyer_id":               o.BuyerID,
			"seller_id":              o.SellerID,
			"service_id":             o.ServiceID,
			"application_fee_amount": fmt.Sprint(fee),
			"commission_rate":        rate.String(),
			"type":                   "service_order",
		},
	}, nil
}

func (q quote) destination() string {
	if q.detail.Seller == nil {
		return ""
	}
	return q.detail.Seller.PayoutAccountID
}

// resolveCustomer searches by contact address before creating, so repeat
// buyers keep one processor customer.
func (s *Service) resolveCustomer(ctx context.Context, buyer *auth.User) (string, error) {
	existing, err := s.gateway.FindCustomerByEmail(ctx, buyer.Email)
	if err != nil {
		return "", err
	}
	if existing != nil {
		return existing.ID, nil
	}
	created, err := s.gateway.CreateCustomer(ctx, gateway.CustomerParams{
		Email:    buyer.Email,
		Name:     buyer.FullName,
		Metadata: map[string]string{"profile_id": buyer.ID},
	})
	if err != nil {
		return "", err
	}
	return created.ID, nil
}

// Initiate authorizes the order amount as a manual-capture hold. Nothing is
// written locally; the order turns paid when the processor confirms.
func (s *Service) Initiate(ctx context.Context, buyerID, orderID string) (Hold, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.GatewayTimeout)
	defer cancel()

	q, err := s.prepare(ctx, buyerID, orderID)
	if err != nil {
		return Hold{}, err
	}

	customerID, err := s.resolveCustomer(ctx, q.buyer)
	if err != nil {
		return Hold{}, err
	}

	ephemeralKey, err := s.gateway.CreateEphemeralKey(ctx, customerID)
	if err != nil {
		return Hold{}, err
	}

	pi, err := s.gateway.CreatePaymentIntent(ctx, gateway.PaymentIntentParams{
		CustomerID:     customerID,
		Amount:         q.amount,
		ApplicationFee: q.fee,
		Destination:    q.destination(),
		TransferGroup:  q.detail.Order.TransferGroupKey(),
		Metadata:       q.metadata,
	})
	if err != nil {
		return Hold{}, err
	}

	s.logger.InfoContext(ctx, "escrow hold created",
		"module", "escrow",
		"operation", "initiate",
		"outcome", "success",
		"order_id", orderID,
		"amount_minor", q.amount,
		"fee_minor", q.fee,
	)

	return Hold{
		ClientSecret:    pi.ClientSecret,
		EphemeralKey:    ephemeralKey,
		CustomerID:      customerID,
		PaymentIntentID: pi.ID,
	}, nil
}

// CreateCheckout opens a hosted checkout for the order and records the
// session on it so the reconciler can re-query a lost confirmation.
func (s *Service) CreateCheckout(ctx context.Context, buyerID, orderID string) (Checkout, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.GatewayTimeout)
	defer cancel()

	q, err := s.prepare(ctx, buyerID, orderID)
	if err != nil {
		return Checkout{}, err
	}

	title := q.detail.Service.Title
	if title == "" {
		title = "Service order"
	}
	sess, err := s.gateway.CreateCheckoutSession(ctx, gateway.CheckoutParams{
		CustomerEmail:  q.buyer.Email,
		ProductName:    title,
		Amount:         q.amount,
		ApplicationFee: q.fee,
		Destination:    q.destination(),
		TransferGroup:  q.detail.Order.TransferGroupKey(),
		SuccessURL:     s.cfg.SuccessURL,
		CancelURL:      s.cfg.CancelURL,
		Metadata:       q.metadata,
	})
	if err != nil {
		return Checkout{}, err
	}

	err = s.store.InTx(ctx, func(tx ledger.Tx) error {
		o, err := tx.OrderForUpdate(ctx, orderID)
		if err != nil {
			return err
		}
		if o.PaymentStatus != ledger.PaymentPending {
			return ErrAlreadyPaid
		}
		return tx.SetOrderSession(ctx, orderID, sess.ID)
	})
	if err != nil {
		return Checkout{}, fmt.Errorf("escrow: record session: %w", err)
	}

	s.logger.InfoContext(ctx, "checkout session created",
		"module", "escrow",
		"operation", "create_checkout",
		"outcome", "success",
		"order_id", orderID,
		"session_id", sess.ID,
	)
	return Checkout{SessionID: sess.ID, URL: sess.URL}, nil
}

// Release is the buyer's explicit acceptance: the held payment is captured
// and the order and booking complete. Releasing a completed order is a no-op.
func (s *Service) Release(ctx context.Context, buyerID, orderID string) (ledger.Order, error) {
	if buyerID == "" {
		return ledger.Order{}, ErrUnauthenticated
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.GatewayTimeout)
	defer cancel()

	var released ledger.Order
	err := s.store.InTx(ctx, func(tx ledger.Tx) error {
		o, err := tx.OrderForUpdate(ctx, orderID)
		if err != nil {
			return err
		}
		if o.BuyerID != buyerID {
			return ErrNotBuyer
		}
		if o.Status == ledger.OrderCompleted {
			released = o
			return nil
		}
		if o.PaymentStatus != ledger.PaymentPaid {
			return ErrNotPaid
		}
		if !o.Status.CanTransition(ledger.OrderCompleted) {
			return ErrNotReleasable
		}

		if err := CaptureHold(ctx, s.gateway, o); err != nil {
			return err
		}

		if err := tx.SetOrderStatus(ctx, o.ID, ledger.OrderCompleted); err != nil {
			return err
		}
		if err := tx.SetBookingStatus(ctx, o.ID, ledger.BookingCompleted); err != nil {
			return err
		}
		o.Status = ledger.OrderCompleted
		released = o
		return tx.Enqueue(ctx, ledger.TopicOrderCompleted, map[string]any{
			"order_id": o.ID,
			"reason":   "buyer_release",
		})
	})
	if err != nil {
		return ledger.Order{}, err
	}

	s.logger.InfoContext(ctx, "escrow released",
		"module", "escrow",
		"operation", "release",
		"outcome", "success",
		"order_id", orderID,
	)
	return released, nil
}

// Capturer is what capturing a held payment needs from the processor.
type Capturer interface {
	PaymentSession(ctx context.Context, ref string) (gateway.PaymentSession, error)
	CapturePaymentIntent(ctx context.Context, intentID string) (gateway.PaymentIntent, error)
}

// CaptureHold captures the order's manual-capture authorization. An intent
// the processor already reports as succeeded counts as captured.
func CaptureHold(ctx context.Context, gw Capturer, o ledger.Order) error {
	intentID, err := intentFor(ctx, gw, o)
	if err != nil {
		return err
	}
	_, err = gw.CapturePaymentIntent(ctx, intentID)
	return err
}

func intentFor(ctx context.Context, gw Capturer, o ledger.Order) (string, error) {
	if o.PaymentIntentRef != "" {
		return o.PaymentIntentRef, nil
	}
	if o.SessionRef == "" {
		return "", ErrNoPayment
	}
	sess, err := gw.PaymentSession(ctx, o.SessionRef)
	if err != nil {
		if errors.Is(err, gateway.ErrSessionNotFound) {
			return "", ErrNoPayment
		}
		return "", err
	}
	if sess.PaymentIntentID == "" {
		return "", ErrNoPayment
	}
	return sess.PaymentIntentID, nil
}
