package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGStore is the PostgreSQL-backed Ledger Store.
type PGStore struct {
	pool *pgxpool.Pool
}

func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

// InTx runs fn in a read-committed transaction. Row locks taken through the
// Tx are held until commit or rollback.
func (s *PGStore) InTx(ctx context.Context, fn func(Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("ledger: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&pgTx{tx: tx}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("ledger: commit: %w", err)
	}
	return nil
}

const orderColumns = `o.id::text, o.buyer_id::text, o.seller_id::text, o.service_id::text,
       o.package_tier, o.price, o.status, o.payment_status,
       COALESCE(o.session_ref, ''), COALESCE(o.payment_intent_ref, ''),
       COALESCE(o.transfer_group, ''), o.amount_total, COALESCE(o.receipt_url, ''),
       o.created_at, o.updated_at`

func scanOrder(row pgx.Row) (Order, error) {
	var (
		o             Order
		status        string
		paymentStatus string
	)
	err := row.Scan(&o.ID, &o.BuyerID, &o.SellerID, &o.ServiceID,
		&o.PackageTier, &o.Price, &status, &paymentStatus,
		&o.SessionRef, &o.PaymentIntentRef,
		&o.TransferGroup, &o.AmountTotal, &o.ReceiptURL,
		&o.CreatedAt, &o.UpdatedAt)
	o.Status = OrderStatus(status)
	o.PaymentStatus = PaymentStatus(paymentStatus)
	return o, err
}

func scanOrders(rows pgx.Rows) ([]Order, error) {
	defer rows.Close()
	out := make([]Order, 0, 16)
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("ledger: scan order: %w", err)
		}
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ledger: iterate orders: %w", err)
	}
	return out, nil
}

const companyColumns = `c.id::text, c.owner_id::text, c.name, COALESCE(c.payout_account_id, ''),
       c.commission_rate, COALESCE(c.gateway_customer_id, ''), COALESCE(c.subscription_id, ''),
       COALESCE(c.subscription_status, ''), c.plan_tier`

func scanCompany(row pgx.Row) (Company, error) {
	var c Company
	err := row.Scan(&c.ID, &c.OwnerID, &c.Name, &c.PayoutAccountID,
		&c.CommissionRate, &c.GatewayCustomerID, &c.SubscriptionID,
		&c.SubscriptionStatus, &c.PlanTier)
	return c, err
}

// OrderDetail loads an order joined with its service and the seller's company.
func (s *PGStore) OrderDetail(ctx context.Context, orderID string) (OrderDetail, error) {
	const q = `
SELECT ` + orderColumns + `, s.id::text, s.title
FROM orders o
JOIN services s ON s.id = o.service_id
WHERE o.id = $1
`
	var (
		d             OrderDetail
		status        string
		paymentStatus string
	)
	o := &d.Order
	err := s.pool.QueryRow(ctx, q, orderID).Scan(&o.ID, &o.BuyerID, &o.SellerID, &o.ServiceID,
		&o.PackageTier, &o.Price, &status, &paymentStatus,
		&o.SessionRef, &o.PaymentIntentRef,
		&o.TransferGroup, &o.AmountTotal, &o.ReceiptURL,
		&o.CreatedAt, &o.UpdatedAt, &d.Service.ID, &d.Service.Title)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) || isInvalidID(err) {
			return OrderDetail{}, ErrOrderNotFound
		}
		return OrderDetail{}, fmt.Errorf("ledger: load order detail: %w", err)
	}
	o.Status = OrderStatus(status)
	o.PaymentStatus = PaymentStatus(paymentStatus)

	company, err := s.CompanyByOwner(ctx, o.SellerID)
	switch {
	case err == nil:
		d.Seller = &company
	case errors.Is(err, ErrCompanyNotFound):
	default:
		return OrderDetail{}, err
	}
	return d, nil
}

func (s *PGStore) CompanyByOwner(ctx context.Context, ownerID string) (Company, error) {
	return companyByOwner(ctx, s.pool, ownerID)
}

// WalletByOwner is a plain read used by reporting and tests.
func (s *PGStore) WalletByOwner(ctx context.Context, ownerID string) (Wallet, error) {
	const q = `
SELECT id::text, owner_id::text, balance, pending_balance, version, updated_at
FROM wallets
WHERE owner_id = $1
`
	var w Wallet
	err := s.pool.QueryRow(ctx, q, ownerID).Scan(&w.ID, &w.OwnerID, &w.Balance, &w.PendingBalance, &w.Version, &w.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) || isInvalidID(err) {
			return Wallet{}, ErrWalletNotFound
		}
		return Wallet{}, fmt.Errorf("ledger: load wallet: %w", err)
	}
	return w, nil
}

func (s *PGStore) SetCompanyCustomer(ctx context.Context, companyID, customerID string) error {
	const q = `UPDATE companies SET gateway_customer_id = $2 WHERE id = $1`
	tag, err := s.pool.Exec(ctx, q, companyID, customerID)
	if err != nil {
		return fmt.Errorf("ledger: set company customer: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrCompanyNotFound
	}
	return nil
}

// UpdateCompanyPlan applies plan state to the company owning the gateway
// customer and records a plan change event in the same transaction.
func (s *PGStore) UpdateCompanyPlan(ctx context.Context, customerID string, plan PlanUpdate) error {
	return s.InTx(ctx, func(tx Tx) error {
		t := tx.(*pgTx)
		const q = `
UPDATE companies
SET subscription_id = NULLIF($2, ''),
    subscription_status = $3,
    plan_tier = $4,
    commission_rate = $5::numeric
WHERE gateway_customer_id = $1
RETURNING id::text
`
		var companyID string
		err := t.tx.QueryRow(ctx, q, customerID, plan.SubscriptionID, plan.SubscriptionStatus, plan.PlanTier, plan.CommissionRate).Scan(&companyID)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrCompanyNotFound
			}
			return fmt.Errorf("ledger: update company plan: %w", err)
		}
		return t.Enqueue(ctx, TopicPlanChanged, map[string]any{
			"company_id":      companyID,
			"plan_tier":       plan.PlanTier,
			"commission_rate": plan.CommissionRate.String(),
			"status":          plan.SubscriptionStatus,
		})
	})
}

// PendingCredits pages through credit transactions still awaiting settlement,
// joined with the booking and dispute state that gates eligibility.
func (s *PGStore) PendingCredits(ctx context.Context, afterID string, limit int) ([]PendingCredit, error) {
	const q = `
SELECT t.id::text, t.wallet_id::text, t.order_id::text, t.amount, t.type, t.status,
       COALESCE(t.description, ''), t.created_at,
       o.seller_id::text, COALESCE(c.payout_account_id, ''), COALESCE(NULLIF(o.transfer_group, ''), o.id::text),
       b.id::text, b.status, b.updated_at,
       ARRAY(SELECT d.status FROM disputes d WHERE d.order_id = o.id)
FROM transactions t
JOIN orders o ON o.id = t.order_id
LEFT JOIN LATERAL (
  SELECT payout_account_id FROM companies
  WHERE owner_id = o.seller_id
  ORDER BY created_at
  LIMIT 1
) c ON true
LEFT JOIN bookings b ON b.order_id = o.id
WHERE t.type = 'credit'
  AND t.status = 'pending'
  AND t.id::text > $1
ORDER BY t.id::text
LIMIT $2
`
	rows, err := s.pool.Query(ctx, q, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("ledger: list pending credits: %w", err)
	}
	defer rows.Close()

	out := make([]PendingCredit, 0, limit)
	for rows.Next() {
		var (
			pc            PendingCredit
			txnType       string
			txnStatus     string
			bookingID     *string
			bookingStatus *string
			bookingAt     *time.Time
		)
		t := &pc.Transaction
		if err := rows.Scan(&t.ID, &t.WalletID, &t.OrderID, &t.Amount, &txnType, &txnStatus,
			&t.Description, &t.CreatedAt,
			&pc.SellerID, &pc.PayoutAccountID, &pc.TransferGroup,
			&bookingID, &bookingStatus, &bookingAt,
			&pc.DisputeStatuses); err != nil {
			return nil, fmt.Errorf("ledger: scan pending credit: %w", err)
		}
		t.Type = TransactionType(txnType)
		t.Status = TransactionStatus(txnStatus)
		if bookingID != nil {
			pc.Booking = &Booking{ID: *bookingID, OrderID: t.OrderID}
			if bookingStatus != nil {
				pc.Booking.Status = BookingStatus(*bookingStatus)
			}
			if bookingAt != nil {
				pc.Booking.UpdatedAt = *bookingAt
			}
		}
		out = append(out, pc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ledger: iterate pending credits: %w", err)
	}
	return out, nil
}

// PendingPaymentOrders lists unpaid orders with a recorded session created
// before the cutoff.
func (s *PGStore) PendingPaymentOrders(ctx context.Context, createdBefore time.Time, afterID string, limit int) ([]Order, error) {
	const q = `
SELECT ` + orderColumns + `
FROM orders o
WHERE o.payment_status = 'pending'
  AND o.created_at < $1
  AND COALESCE(o.session_ref, '') <> ''
  AND o.id::text > $2
ORDER BY o.id::text
LIMIT $3
`
	rows, err := s.pool.Query(ctx, q, createdBefore, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("ledger: list pending payment orders: %w", err)
	}
	return scanOrders(rows)
}

// DeliveredOrders lists delivered orders last touched at or before the cutoff.
func (s *PGStore) DeliveredOrders(ctx context.Context, updatedBefore time.Time, afterID string, limit int) ([]Order, error) {
	const q = `
SELECT ` + orderColumns + `
FROM orders o
WHERE o.status = 'delivered'
  AND o.updated_at <= $1
  AND o.id::text > $2
ORDER BY o.id::text
LIMIT $3
`
	rows, err := s.pool.Query(ctx, q, updatedBefore, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("ledger: list delivered orders: %w", err)
	}
	return scanOrders(rows)
}

// ExpiredBookings lists bookings the seller or buyer let lapse: pending ones
// whose appointment starts at or before confirmBy, and proposals awaiting the
// buyer whose expiry has passed by now.
func (s *PGStore) ExpiredBookings(ctx context.Context, now, confirmBy time.Time, afterID string, limit int) ([]ExpiredBooking, error) {
	const q = `
SELECT b.id::text, b.order_id::text, b.status, o.seller_id::text, o.payment_status
FROM bookings b
JOIN orders o ON o.id = b.order_id
WHERE ((b.status = 'pending' AND b.scheduled_at IS NOT NULL AND b.scheduled_at <= $2)
    OR (b.status = 'pending_client_approval' AND b.proposal_expires_at IS NOT NULL AND b.proposal_expires_at <= $1))
  AND b.id::text > $3
ORDER BY b.id::text
LIMIT $4
`
	rows, err := s.pool.Query(ctx, q, now, confirmBy, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("ledger: list expired bookings: %w", err)
	}
	defer rows.Close()

	var out []ExpiredBooking
	for rows.Next() {
		var (
			eb            ExpiredBooking
			status        string
			paymentStatus string
		)
		if err := rows.Scan(&eb.BookingID, &eb.OrderID, &status, &eb.SellerID, &paymentStatus); err != nil {
			return nil, fmt.Errorf("ledger: scan expired booking: %w", err)
		}
		eb.Status = BookingStatus(status)
		eb.PaymentStatus = PaymentStatus(paymentStatus)
		out = append(out, eb)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ledger: iterate expired bookings: %w", err)
	}
	return out, nil
}

func (s *PGStore) CleanupExpiredBookingLocks(ctx context.Context) (int64, error) {
	var released int64
	if err := s.pool.QueryRow(ctx, `SELECT cleanup_expired_booking_locks()`).Scan(&released); err != nil {
		return 0, fmt.Errorf("ledger: cleanup booking locks: %w", err)
	}
	return released, nil
}

// isInvalidID reports malformed uuid input, which callers treat as not found.
func isInvalidID(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "22P02"
}

type queryRower interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func companyByOwner(ctx context.Context, q queryRower, ownerID string) (Company, error) {
	const query = `
SELECT ` + companyColumns + `
FROM companies c
WHERE c.owner_id = $1
ORDER BY c.created_at
LIMIT 1
`
	c, err := scanCompany(q.QueryRow(ctx, query, ownerID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) || isInvalidID(err) {
			return Company{}, ErrCompanyNotFound
		}
		return Company{}, fmt.Errorf("ledger: load company: %w", err)
	}
	return c, nil
}
