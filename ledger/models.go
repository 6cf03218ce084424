package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

type PaymentStatus string

const (
	PaymentPending  PaymentStatus = "pending"
	PaymentPaid     PaymentStatus = "paid"
	PaymentRefunded PaymentStatus = "refunded"
	PaymentFailed   PaymentStatus = "failed"
)

// CanTransition enforces pending->paid->refunded and pending->failed.
func (s PaymentStatus) CanTransition(next PaymentStatus) bool {
	switch s {
	case PaymentPending:
		return next == PaymentPaid || next == PaymentFailed
	case PaymentPaid:
		return next == PaymentRefunded
	default:
		return false
	}
}

type OrderStatus string

const (
	OrderPending    OrderStatus = "pending"
	OrderInProgress OrderStatus = "in_progress"
	OrderDelivered  OrderStatus = "delivered"
	OrderCompleted  OrderStatus = "completed"
	OrderCancelled  OrderStatus = "cancelled"
)

var orderTransitions = map[OrderStatus][]OrderStatus{
	OrderPending:    {OrderInProgress, OrderCancelled},
	OrderInProgress: {OrderDelivered, OrderCompleted, OrderCancelled},
	OrderDelivered:  {OrderInProgress, OrderCompleted, OrderCancelled},
}

// CanTransition reports whether the order state machine allows s -> next.
func (s OrderStatus) CanTransition(next OrderStatus) bool {
	for _, allowed := range orderTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

type BookingStatus string

const (
	BookingPending   BookingStatus = "pending"
	BookingConfirmed BookingStatus = "confirmed"
	BookingCompleted BookingStatus = "completed"
	BookingCancelled BookingStatus = "cancelled"
	// BookingAwaitingBuyer is a seller's counter-proposal the buyer has not
	// answered yet.
	BookingAwaitingBuyer BookingStatus = "pending_client_approval"
)

type TransactionType string

const (
	TransactionCredit TransactionType = "credit"
	TransactionDebit  TransactionType = "debit"
)

type TransactionStatus string

const (
	TransactionPending   TransactionStatus = "pending"
	TransactionCompleted TransactionStatus = "completed"
	TransactionRefunded  TransactionStatus = "refunded"
)

// Bucket selects which wallet balance a debit applies to.
type Bucket string

const (
	BucketPending   Bucket = "pending"
	BucketAvailable Bucket = "available"
)

// Order mirrors the orders table.
type Order struct {
	ID               string
	BuyerID          string
	SellerID         string
	ServiceID        string
	PackageTier      string
	Price            decimal.Decimal
	Status           OrderStatus
	PaymentStatus    PaymentStatus
	SessionRef       string
	PaymentIntentRef string
	TransferGroup    string
	AmountTotal      decimal.NullDecimal
	ReceiptURL       string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// TransferGroupKey is the correlation key for transfers made for this order.
func (o Order) TransferGroupKey() string {
	if o.TransferGroup != "" {
		return o.TransferGroup
	}
	return o.ID
}

// Company is the seller's storefront; it carries the payout destination and the
// commission rate negotiated through the seller's plan tier.
type Company struct {
	ID                 string
	OwnerID            string
	Name               string
	PayoutAccountID    string
	CommissionRate     decimal.NullDecimal
	GatewayCustomerID  string
	SubscriptionID     string
	SubscriptionStatus string
	PlanTier           string
}

// Service is the catalog entry an order was placed against.
type Service struct {
	ID    string
	Title string
}

// OrderDetail is an order joined with its service and seller company.
type OrderDetail struct {
	Order   Order
	Service Service
	Seller  *Company
}

// Booking is the scheduling record correlated 1:1 with an order.
type Booking struct {
	ID                string
	OrderID           string
	Status            BookingStatus
	LockExpiresAt     *time.Time
	ScheduledAt       *time.Time
	ProposalExpiresAt *time.Time
	UpdatedAt         time.Time
}

// Expired reports whether a booking was left unanswered past its deadline:
// a pending booking whose appointment starts at or before confirmBy, or a
// proposal to the buyer that lapsed by now.
func (b Booking) Expired(now, confirmBy time.Time) bool {
	switch b.Status {
	case BookingPending:
		return b.ScheduledAt != nil && !b.ScheduledAt.After(confirmBy)
	case BookingAwaitingBuyer:
		return b.ProposalExpiresAt != nil && !b.ProposalExpiresAt.After(now)
	default:
		return false
	}
}

// ExpiredBooking is a booking nobody acted on in time, with the order state
// the expiry sweep branches on.
type ExpiredBooking struct {
	BookingID     string
	OrderID       string
	Status        BookingStatus
	SellerID      string
	PaymentStatus PaymentStatus
}

// Strike is a company's ignored-order tally after one more was counted.
type Strike struct {
	CompanyID     string
	IgnoredOrders int
	Active        bool
}

type PayoutStatus string

const PayoutRequested PayoutStatus = "requested"

// Payout is a seller's request to withdraw available balance.
type Payout struct {
	ID            string
	WalletID      string
	TransactionID string
	Amount        decimal.Decimal
	Status        PayoutStatus
	CreatedAt     time.Time
}

// Wallet is the per-seller balance ledger.
type Wallet struct {
	ID             string
	OwnerID        string
	Balance        decimal.Decimal
	PendingBalance decimal.Decimal
	Version        int64
	UpdatedAt      time.Time
}

// Transaction is an immutable ledger entry; only its status advances.
type Transaction struct {
	ID          string
	WalletID    string
	OrderID     string
	Amount      decimal.Decimal
	Type        TransactionType
	Status      TransactionStatus
	Description string
	CreatedAt   time.Time
}

// PendingCredit is a pending credit joined with everything the settlement sweep
// needs to judge eligibility.
type PendingCredit struct {
	Transaction     Transaction
	SellerID        string
	PayoutAccountID string
	TransferGroup   string
	Booking         *Booking
	DisputeStatuses []string
}

// PaymentUpdate carries what the gateway reported when marking an order paid.
type PaymentUpdate struct {
	SessionRef       string
	PaymentIntentRef string
	AmountTotal      decimal.NullDecimal
	ReceiptURL       string
}

// PlanUpdate is the company plan state derived from a subscription.
type PlanUpdate struct {
	SubscriptionID     string
	SubscriptionStatus string
	PlanTier           string
	CommissionRate     decimal.Decimal
}

// OutboxMessage is a transactional outbox entry.
type OutboxMessage struct {
	ID           string
	Topic        string
	PartitionKey string
	Payload      []byte
	Attempts     int
	CreatedAt    time.Time
}

const (
	TopicOrderPaid          = "order.paid"
	TopicOrderPaymentFailed = "order.payment_failed"
	TopicOrderCompleted     = "order.completed"
	TopicOrderRefunded      = "order.refunded"
	TopicCreditPending      = "wallet.credit_pending"
	TopicWalletSettled      = "wallet.settled"
	TopicReversalFailed     = "transfer.reversal_failed"
	TopicDisputeOpened      = "dispute.opened"
	TopicDisputeUpdated     = "dispute.updated"
	TopicPlanChanged        = "company.plan_changed"
	TopicPayoutRequested    = "wallet.payout_requested"
	TopicBookingExpired     = "booking.expired"
)
