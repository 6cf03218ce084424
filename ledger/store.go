package ledger

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Tx is one unit of work against the Ledger Store. Methods that read a row
// for a later write lock it until the unit of work ends.
type Tx interface {
	OrderForUpdate(ctx context.Context, orderID string) (Order, error)
	MarkOrderPaid(ctx context.Context, orderID string, update PaymentUpdate) error
	SetOrderPaymentStatus(ctx context.Context, orderID string, status PaymentStatus) error
	SetOrderStatus(ctx context.Context, orderID string, status OrderStatus) error
	SetOrderSession(ctx context.Context, orderID, sessionRef string) error
	// SetBookingStatus updates the booking linked to the order; a missing
	// booking is not an error.
	SetBookingStatus(ctx context.Context, orderID string, status BookingStatus) error
	// BookingForUpdate locks the booking linked to the order; nil when the
	// order has none.
	BookingForUpdate(ctx context.Context, orderID string) (*Booking, error)

	CompanyByOwner(ctx context.Context, ownerID string) (Company, error)
	EnsureWallet(ctx context.Context, ownerID string) (Wallet, error)

	// CreditForOrder returns the order's credit transaction, locked, or nil.
	CreditForOrder(ctx context.Context, orderID string) (*Transaction, error)
	InsertCredit(ctx context.Context, txn Transaction) (Transaction, error)
	TransactionForUpdate(ctx context.Context, transactionID string) (Transaction, error)
	SetTransactionStatus(ctx context.Context, transactionID string, status TransactionStatus, description string) error

	IncrementPendingBalance(ctx context.Context, walletID string, amount decimal.Decimal) error
	SettlePendingBalance(ctx context.Context, walletID string, amount decimal.Decimal) error
	DebitWallet(ctx context.Context, walletID string, amount decimal.Decimal, bucket Bucket) error

	// WalletForUpdate locks the owner's wallet row.
	WalletForUpdate(ctx context.Context, ownerID string) (Wallet, error)
	// RequestPayout debits the available balance and records the payout
	// request with its debit transaction.
	RequestPayout(ctx context.Context, walletID string, amount decimal.Decimal) (Payout, error)
	RecordIgnoredOrder(ctx context.Context, ownerID string, deactivateAt int) (Strike, error)

	HasActiveDispute(ctx context.Context, orderID string) (bool, error)
	Enqueue(ctx context.Context, topic string, payload map[string]any) error
}

// UnitOfWork runs fn inside a single transaction, committing when fn returns nil.
type UnitOfWork interface {
	InTx(ctx context.Context, fn func(Tx) error) error
}

// Sweeps is the read side used by the settlement reconciler. Every listing is
// keyset-paged on id: pass the last id seen as afterID ("" for the first page).
type Sweeps interface {
	PendingCredits(ctx context.Context, afterID string, limit int) ([]PendingCredit, error)
	PendingPaymentOrders(ctx context.Context, createdBefore time.Time, afterID string, limit int) ([]Order, error)
	DeliveredOrders(ctx context.Context, updatedBefore time.Time, afterID string, limit int) ([]Order, error)
	ExpiredBookings(ctx context.Context, now, confirmBy time.Time, afterID string, limit int) ([]ExpiredBooking, error)
	CleanupExpiredBookingLocks(ctx context.Context) (int64, error)
}

// Companies covers the company reads and writes outside order flows.
type Companies interface {
	CompanyByOwner(ctx context.Context, ownerID string) (Company, error)
	SetCompanyCustomer(ctx context.Context, companyID, customerID string) error
	UpdateCompanyPlan(ctx context.Context, customerID string, plan PlanUpdate) error
}

// Outbox is the relay's view of the outbox table.
type Outbox interface {
	PendingOutbox(ctx context.Context, limit int) ([]OutboxMessage, error)
	MarkPublished(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id string, reason string) error
}
