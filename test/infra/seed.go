package infra

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// SeededOrder identifies the rows created by SeedOrder.
type SeededOrder struct {
	OrderID   string
	BuyerID   string
	SellerID  string
	CompanyID string
	ServiceID string
	BookingID string
}

// SeedOrderParams describes the order to seed. Zero values get usable defaults.
type SeedOrderParams struct {
	SellerID        string
	Price           string
	PayoutAccountID string
	SessionRef      string
	PaymentStatus   string
	Status          string
	BookingStatus   string
	CreatedAt       time.Time
}

// SeedSeller inserts a seller profile with a company and returns the profile id.
func SeedSeller(ctx context.Context, pool *pgxpool.Pool, payoutAccountID string) (string, string, error) {
	var sellerID, companyID string
	email := fmt.Sprintf("seller+%s@example.com", uuid.NewString())
	if err := pool.QueryRow(ctx, `INSERT INTO profiles (email, full_name, role) VALUES ($1, 'Seller', 'seller') RETURNING id::text`, email).Scan(&sellerID); err != nil {
		return "", "", fmt.Errorf("seed seller: %w", err)
	}
	if err := pool.QueryRow(ctx, `INSERT INTO companies (owner_id, name, payout_account_id) VALUES ($1, 'Studio', NULLIF($2, '')) RETURNING id::text`, sellerID, payoutAccountID).Scan(&companyID); err != nil {
		return "", "", fmt.Errorf("seed company: %w", err)
	}
	return sellerID, companyID, nil
}

// SeedOrder inserts a buyer, an order with its service and a booking. A seller
// is created unless params.SellerID is set.
func SeedOrder(ctx context.Context, pool *pgxpool.Pool, params SeedOrderParams) (SeededOrder, error) {
	var out SeededOrder
	if params.Price == "" {
		params.Price = "100.00"
	}
	if params.PaymentStatus == "" {
		params.PaymentStatus = "pending"
	}
	if params.Status == "" {
		params.Status = "pending"
	}
	if params.BookingStatus == "" {
		params.BookingStatus = "pending"
	}
	if params.CreatedAt.IsZero() {
		params.CreatedAt = time.Now()
	}

	out.SellerID = params.SellerID
	if out.SellerID == "" {
		sellerID, companyID, err := SeedSeller(ctx, pool, params.PayoutAccountID)
		if err != nil {
			return out, err
		}
		out.SellerID, out.CompanyID = sellerID, companyID
	}

	email := fmt.Sprintf("buyer+%s@example.com", uuid.NewString())
	if err := pool.QueryRow(ctx, `INSERT INTO profiles (email, full_name, role) VALUES ($1, 'Buyer', 'buyer') RETURNING id::text`, email).Scan(&out.BuyerID); err != nil {
		return out, fmt.Errorf("seed buyer: %w", err)
	}
	if err := pool.QueryRow(ctx, `INSERT INTO services (title) VALUES ('Logo design') RETURNING id::text`).Scan(&out.ServiceID); err != nil {
		return out, fmt.Errorf("seed service: %w", err)
	}

	const orderSQL = `
INSERT INTO orders (buyer_id, seller_id, service_id, price, status, payment_status, session_ref, created_at)
VALUES ($1, $2, $3, $4::numeric, $5, $6, NULLIF($7, ''), $8)
RETURNING id::text
`
	if err := pool.QueryRow(ctx, orderSQL, out.BuyerID, out.SellerID, out.ServiceID, params.Price,
		params.Status, params.PaymentStatus, params.SessionRef, params.CreatedAt).Scan(&out.OrderID); err != nil {
		return out, fmt.Errorf("seed order: %w", err)
	}
	if err := pool.QueryRow(ctx, `INSERT INTO bookings (order_id, status) VALUES ($1, $2) RETURNING id::text`, out.OrderID, params.BookingStatus).Scan(&out.BookingID); err != nil {
		return out, fmt.Errorf("seed booking: %w", err)
	}
	return out, nil
}

// Backdate rewrites updated_at on a table row; the touch trigger keeps an
// explicitly assigned timestamp.
func Backdate(ctx context.Context, pool *pgxpool.Pool, table, id string, at time.Time) error {
	if _, err := pool.Exec(ctx, fmt.Sprintf("UPDATE %s SET updated_at = $2 WHERE id = $1", table), id, at); err != nil {
		return fmt.Errorf("backdate %s: %w", table, err)
	}
	return nil
}
