// Package subscription manages seller plan tiers billed as recurring
// subscriptions, and keeps each company's commission rate in step with its
// plan.
package subscription

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"escrowflow/apperr"
	"escrowflow/auth"
	"escrowflow/gateway"
	"escrowflow/ledger"
)

var (
	ErrUnauthenticated = apperr.New(apperr.KindUnauthenticated, "authentication required")
	ErrUnknownPlan     = apperr.New(apperr.KindValidation, "unknown plan tier")
	ErrNotSeller       = apperr.New(apperr.KindAuthorization, "only sellers can subscribe")
)

const (
	TierStarter = "starter"
	TierPro     = "pro"
	TierAgency  = "agency"
)

// Plan is one billable tier.
type Plan struct {
	Tier           string          `yaml:"tier"`
	PriceID        string          `yaml:"price_id"`
	ProductID      string          `yaml:"product_id"`
	CommissionRate decimal.Decimal `yaml:"commission_rate"`
}

// DefaultPlans carries the tier commission rates; price and product ids come
// from configuration.
func DefaultPlans() map[string]Plan {
	return map[string]Plan{
		TierStarter: {Tier: TierStarter, CommissionRate: decimal.RequireFromString("0.20")},
		TierPro:     {Tier: TierPro, CommissionRate: decimal.RequireFromString("0.12")},
		TierAgency:  {Tier: TierAgency, CommissionRate: decimal.RequireFromString("0.08")},
	}
}

type Store interface {
	CompanyByOwner(ctx context.Context, ownerID string) (ledger.Company, error)
	SetCompanyCustomer(ctx context.Context, companyID, customerID string) error
	UpdateCompanyPlan(ctx context.Context, customerID string, plan ledger.PlanUpdate) error
}

type Gateway interface {
	FindCustomerByEmail(ctx context.Context, email string) (*gateway.Customer, error)
	CreateCustomer(ctx context.Context, params gateway.CustomerParams) (gateway.Customer, error)
	Subscription(ctx context.Context, subscriptionID string) (gateway.Subscription, error)
	UpdateSubscriptionPrice(ctx context.Context, sub gateway.Subscription, priceID string) (gateway.Subscription, error)
	CreateSubscriptionCheckout(ctx context.Context, params gateway.SubscriptionCheckoutParams) (gateway.CheckoutSession, error)
}

type Users interface {
	GetUserByID(ctx context.Context, userID string) (*auth.User, error)
}

type Config struct {
	Plans      map[string]Plan
	SuccessURL string
	CancelURL  string
}

const (
	ModeUpdated   = "updated"
	ModeCheckout  = "checkout"
	ModeUnchanged = "unchanged"
)

// Result tells the client whether the plan changed in place or a checkout
// page must be visited.
type Result struct {
	Mode           string `json:"mode"`
	SubscriptionID string `json:"subscription_id,omitempty"`
	SessionID      string `json:"session_id,omitempty"`
	URL            string `json:"url,omitempty"`
}

type Manager struct {
	store   Store
	gateway Gateway
	users   Users
	cfg     Config
	logger  *slog.Logger
}

func NewManager(store Store, gw Gateway, users Users, cfg Config, logger *slog.Logger) *Manager {
	plans := DefaultPlans()
	for tier, p := range cfg.Plans {
		base := plans[tier]
		if p.PriceID != "" {
			base.PriceID = p.PriceID
		}
		if p.ProductID != "" {
			base.ProductID = p.ProductID
		}
		if !p.CommissionRate.IsZero() {
			base.CommissionRate = p.CommissionRate
		}
		base.Tier = tier
		plans[tier] = base
	}
	cfg.Plans = plans
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{store: store, gateway: gw, users: users, cfg: cfg, logger: logger}
}

// Subscribe moves the seller's company onto tier. A live subscription has its
// price swapped with prorations; otherwise a subscription checkout is opened.
func (m *Manager) Subscribe(ctx context.Context, sellerID string, role auth.Role, tier string) (Result, error) {
	if sellerID == "" {
		return Result{}, ErrUnauthenticated
	}
	if role != auth.RoleSeller && role != auth.RoleAdmin {
		return Result{}, ErrNotSeller
	}
	plan, ok := m.cfg.Plans[tier]
	if !ok || plan.PriceID == "" {
		return Result{}, ErrUnknownPlan
	}

	company, err := m.store.CompanyByOwner(ctx, sellerID)
	if err != nil {
		return Result{}, err
	}
	customerID, err := m.resolveCustomer(ctx, sellerID, company)
	if err != nil {
		return Result{}, err
	}

	if sub, ok := m.liveSubscription(ctx, company); ok {
		if sub.PriceID == plan.PriceID {
			return Result{Mode: ModeUnchanged, SubscriptionID: sub.ID}, nil
		}
		updated, err := m.gateway.UpdateSubscriptionPrice(ctx, sub, plan.PriceID)
		if err != nil {
			return Result{}, err
		}
		m.log(ctx, "subscribe", ModeUpdated, company.ID, tier)
		return Result{Mode: ModeUpdated, SubscriptionID: updated.ID}, nil
	}

	session, err := m.gateway.CreateSubscriptionCheckout(ctx, gateway.SubscriptionCheckoutParams{
		CustomerID: customerID,
		PriceID:    plan.PriceID,
		SuccessURL: m.cfg.SuccessURL,
		CancelURL:  m.cfg.CancelURL,
		Metadata: map[string]string{
			"company_id": company.ID,
			"plan_tier":  tier,
		},
	})
	if err != nil {
		return Result{}, err
	}
	m.log(ctx, "subscribe", ModeCheckout, company.ID, tier)
	return Result{Mode: ModeCheckout, SessionID: session.ID, URL: session.URL}, nil
}

func (m *Manager) resolveCustomer(ctx context.Context, sellerID string, company ledger.Company) (string, error) {
	if company.GatewayCustomerID != "" {
		return company.GatewayCustomerID, nil
	}
	user, err := m.users.GetUserByID(ctx, sellerID)
	if err != nil {
		return "", fmt.Errorf("subscription: load seller: %w", err)
	}

	customerID := ""
	existing, err := m.gateway.FindCustomerByEmail(ctx, user.Email)
	if err != nil {
		return "", err
	}
	if existing != nil {
		customerID = existing.ID
	} else {
		created, err := m.gateway.CreateCustomer(ctx, gateway.CustomerParams{
			Email: user.Email,
			Name:  company.Name,
			Metadata: map[string]string{
				"company_id": company.ID,
				"user_id":    sellerID,
			},
		})
		if err != nil {
			return "", err
		}
		customerID = created.ID
	}

	if err := m.store.SetCompanyCustomer(ctx, company.ID, customerID); err != nil {
		return "", err
	}
	return customerID, nil
}

// liveSubscription loads the company's current subscription. A lookup
// failure counts as none, since the subscription may have been deleted at the
// processor.
func (m *Manager) liveSubscription(ctx context.Context, company ledger.Company) (gateway.Subscription, bool) {
	if company.SubscriptionID == "" {
		return gateway.Subscription{}, false
	}
	sub, err := m.gateway.Subscription(ctx, company.SubscriptionID)
	if err != nil {
		m.logger.WarnContext(ctx, "subscription lookup failed",
			"module", "subscription",
			"operation", "subscribe",
			"outcome", "degraded",
			"company_id", company.ID,
			"error", err,
		)
		return gateway.Subscription{}, false
	}
	if sub.Status == gateway.SubscriptionCanceled {
		return gateway.Subscription{}, false
	}
	return sub, true
}

// TierFor maps a subscription to the plan tier it entitles. Only active or
// trialing subscriptions earn a paid tier.
func (m *Manager) TierFor(sub gateway.Subscription) Plan {
	starter := m.cfg.Plans[TierStarter]
	switch sub.Status {
	case gateway.SubscriptionActive, gateway.SubscriptionTrialing:
	default:
		return starter
	}
	for _, p := range m.cfg.Plans {
		if p.ProductID != "" && p.ProductID == sub.ProductID {
			return p
		}
	}
	return starter
}

// SyncPlan applies a subscription change reported by the processor to the
// owning company. Events for customers with no company are acknowledged.
func (m *Manager) SyncPlan(ctx context.Context, sub gateway.Subscription) error {
	plan := m.TierFor(sub)
	err := m.store.UpdateCompanyPlan(ctx, sub.CustomerID, ledger.PlanUpdate{
		SubscriptionID:     sub.ID,
		SubscriptionStatus: string(sub.Status),
		PlanTier:           plan.Tier,
		CommissionRate:     plan.CommissionRate,
	})
	if errors.Is(err, ledger.ErrCompanyNotFound) {
		m.logger.WarnContext(ctx, "subscription for unknown customer",
			"module", "subscription",
			"operation", "sync_plan",
			"outcome", "ignored",
			"customer_id", sub.CustomerID,
		)
		return nil
	}
	if err != nil {
		return err
	}
	m.log(ctx, "sync_plan", string(sub.Status), sub.CustomerID, plan.Tier)
	return nil
}

func (m *Manager) log(ctx context.Context, op, outcome, subject, tier string) {
	m.logger.InfoContext(ctx, "plan change",
		"module", "subscription",
		"operation", op,
		"outcome", outcome,
		"subject", subject,
		"plan_tier", tier,
	)
}
