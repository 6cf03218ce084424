package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
)

// SQLSTATE codes raised by the wallet functions in migrations.
const (
	codeWalletMissing       = "EW001"
	codeInsufficientPending = "EW002"
	codeInsufficientFunds   = "EW003"
	codeUniqueViolation     = "23505"
)

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) OrderForUpdate(ctx context.Context, orderID string) (Order, error) {
	const q = `
SELECT ` + orderColumns + `
FROM orders o
WHERE o.id = $1
FOR UPDATE
`
	o, err := scanOrder(t.tx.QueryRow(ctx, q, orderID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) || isInvalidID(err) {
			return Order{}, ErrOrderNotFound
		}
		return Order{}, fmt.Errorf("ledger: lock order: %w", err)
	}
	return o, nil
}

func (t *pgTx) MarkOrderPaid(ctx context.Context, orderID string, update PaymentUpdate) error {
	const q = `
UPDATE orders
SET payment_status = 'paid',
    session_ref = COALESCE(NULLIF($2, ''), session_ref),
    payment_intent_ref = COALESCE(NULLIF($3, ''), payment_intent_ref),
    amount_total = COALESCE($4::numeric, amount_total),
    receipt_url = COALESCE(NULLIF($5, ''), receipt_url)
WHERE id = $1
`
	tag, err := t.tx.Exec(ctx, q, orderID, update.SessionRef, update.PaymentIntentRef, update.AmountTotal, update.ReceiptURL)
	if err != nil {
		return fmt.Errorf("ledger: mark order paid: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrOrderNotFound
	}
	return nil
}

func (t *pgTx) SetOrderPaymentStatus(ctx context.Context, orderID string, status PaymentStatus) error {
	return t.execOrder(ctx, `UPDATE orders SET payment_status = $2 WHERE id = $1`, "set payment status", orderID, string(status))
}

func (t *pgTx) SetOrderStatus(ctx context.Context, orderID string, status OrderStatus) error {
	return t.execOrder(ctx, `UPDATE orders SET status = $2 WHERE id = $1`, "set order status", orderID, string(status))
}

func (t *pgTx) SetOrderSession(ctx context.Context, orderID, sessionRef string) error {
	return t.execOrder(ctx, `UPDATE orders SET session_ref = $2 WHERE id = $1`, "set session", orderID, sessionRef)
}

func (t *pgTx) execOrder(ctx context.Context, q, op string, args ...any) error {
	tag, err := t.tx.Exec(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("ledger: %s: %w", op, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrOrderNotFound
	}
	return nil
}

func (t *pgTx) SetBookingStatus(ctx context.Context, orderID string, status BookingStatus) error {
	const q = `UPDATE bookings SET status = $2, lock_expires_at = NULL WHERE order_id = $1`
	if _, err := t.tx.Exec(ctx, q, orderID, string(status)); err != nil {
		return fmt.Errorf("ledger: set booking status: %w", err)
	}
	return nil
}

func (t *pgTx) BookingForUpdate(ctx context.Context, orderID string) (*Booking, error) {
	const q = `
SELECT id::text, order_id::text, status, lock_expires_at, scheduled_at, proposal_expires_at, updated_at
FROM bookings
WHERE order_id = $1
FOR UPDATE
`
	var (
		b      Booking
		status string
	)
	err := t.tx.QueryRow(ctx, q, orderID).Scan(&b.ID, &b.OrderID, &status, &b.LockExpiresAt, &b.ScheduledAt, &b.ProposalExpiresAt, &b.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) || isInvalidID(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("ledger: lock booking: %w", err)
	}
	b.Status = BookingStatus(status)
	return &b, nil
}

func (t *pgTx) CompanyByOwner(ctx context.Context, ownerID string) (Company, error) {
	return companyByOwner(ctx, t.tx, ownerID)
}

// EnsureWallet finds the owner's wallet or creates it. The upsert keeps two
// concurrent first credits for one seller on a single wallet row.
func (t *pgTx) EnsureWallet(ctx context.Context, ownerID string) (Wallet, error) {
	const q = `
INSERT INTO wallets (owner_id)
VALUES ($1)
ON CONFLICT (owner_id) DO UPDATE SET owner_id = EXCLUDED.owner_id
RETURNING id::text, owner_id::text, balance, pending_balance, version, updated_at
`
	var w Wallet
	if err := t.tx.QueryRow(ctx, q, ownerID).Scan(&w.ID, &w.OwnerID, &w.Balance, &w.PendingBalance, &w.Version, &w.UpdatedAt); err != nil {
		return Wallet{}, fmt.Errorf("ledger: ensure wallet: %w", err)
	}
	return w, nil
}

const transactionColumns = `id::text, wallet_id::text, order_id::text, amount, type, status, COALESCE(description, ''), created_at`

func scanTransaction(row pgx.Row) (Transaction, error) {
	var (
		txn       Transaction
		txnType   string
		txnStatus string
	)
	err := row.Scan(&txn.ID, &txn.WalletID, &txn.OrderID, &txn.Amount, &txnType, &txnStatus, &txn.Description, &txn.CreatedAt)
	txn.Type = TransactionType(txnType)
	txn.Status = TransactionStatus(txnStatus)
	return txn, err
}

func (t *pgTx) CreditForOrder(ctx context.Context, orderID string) (*Transaction, error) {
	const q = `
SELECT ` + transactionColumns + `
FROM transactions
WHERE order_id = $1 AND type = 'credit'
FOR UPDATE
`
	txn, err := scanTransaction(t.tx.QueryRow(ctx, q, orderID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("ledger: load credit: %w", err)
	}
	return &txn, nil
}

func (t *pgTx) InsertCredit(ctx context.Context, txn Transaction) (Transaction, error) {
	const q = `
INSERT INTO transactions (wallet_id, order_id, amount, type, status, description)
VALUES ($1, $2, $3::numeric, 'credit', 'pending', $4)
RETURNING ` + transactionColumns
	created, err := scanTransaction(t.tx.QueryRow(ctx, q, txn.WalletID, txn.OrderID, txn.Amount, txn.Description))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == codeUniqueViolation {
			return Transaction{}, ErrDuplicateCredit
		}
		return Transaction{}, fmt.Errorf("ledger: insert credit: %w", err)
	}
	return created, nil
}

func (t *pgTx) TransactionForUpdate(ctx context.Context, transactionID string) (Transaction, error) {
	const q = `
SELECT ` + transactionColumns + `
FROM transactions
WHERE id = $1
FOR UPDATE
`
	txn, err := scanTransaction(t.tx.QueryRow(ctx, q, transactionID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) || isInvalidID(err) {
			return Transaction{}, ErrTransactionNotFound
		}
		return Transaction{}, fmt.Errorf("ledger: lock transaction: %w", err)
	}
	return txn, nil
}

func (t *pgTx) SetTransactionStatus(ctx context.Context, transactionID string, status TransactionStatus, description string) error {
	const q = `
UPDATE transactions
SET status = $2,
    description = COALESCE(NULLIF($3, ''), description)
WHERE id = $1
`
	tag, err := t.tx.Exec(ctx, q, transactionID, string(status), description)
	if err != nil {
		return fmt.Errorf("ledger: set transaction status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrTransactionNotFound
	}
	return nil
}

func (t *pgTx) IncrementPendingBalance(ctx context.Context, walletID string, amount decimal.Decimal) error {
	return t.walletFunc(ctx, "increment pending balance", `SELECT increment_pending_balance($1, $2::numeric)`, walletID, amount)
}

func (t *pgTx) SettlePendingBalance(ctx context.Context, walletID string, amount decimal.Decimal) error {
	return t.walletFunc(ctx, "settle pending balance", `SELECT settle_pending_balance($1, $2::numeric)`, walletID, amount)
}

func (t *pgTx) DebitWallet(ctx context.Context, walletID string, amount decimal.Decimal, bucket Bucket) error {
	return t.walletFunc(ctx, "debit wallet", `SELECT debit_wallet($1, $2::numeric, $3)`, walletID, amount, string(bucket))
}

func (t *pgTx) walletFunc(ctx context.Context, op, q string, args ...any) error {
	if _, err := t.tx.Exec(ctx, q, args...); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			switch pgErr.Code {
			case codeWalletMissing:
				return ErrWalletNotFound
			case codeInsufficientPending:
				return ErrInsufficientPending
			case codeInsufficientFunds:
				return ErrInsufficientFunds
			}
		}
		return fmt.Errorf("ledger: %s: %w", op, err)
	}
	return nil
}

func (t *pgTx) WalletForUpdate(ctx context.Context, ownerID string) (Wallet, error) {
	const q = `
SELECT id::text, owner_id::text, balance, pending_balance, version, updated_at
FROM wallets
WHERE owner_id = $1
FOR UPDATE
`
	var w Wallet
	if err := t.tx.QueryRow(ctx, q, ownerID).Scan(&w.ID, &w.OwnerID, &w.Balance, &w.PendingBalance, &w.Version, &w.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) || isInvalidID(err) {
			return Wallet{}, ErrWalletNotFound
		}
		return Wallet{}, fmt.Errorf("ledger: lock wallet: %w", err)
	}
	return w, nil
}

func (t *pgTx) RequestPayout(ctx context.Context, walletID string, amount decimal.Decimal) (Payout, error) {
	const q = `
SELECT p.id::text, p.wallet_id::text, p.transaction_id::text, p.amount, p.status, p.created_at
FROM process_payout_request($1, $2::numeric) AS r(payout_id)
JOIN payout_requests p ON p.id = r.payout_id
`
	var (
		p      Payout
		status string
	)
	err := t.tx.QueryRow(ctx, q, walletID, amount).Scan(&p.ID, &p.WalletID, &p.TransactionID, &p.Amount, &status, &p.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			switch pgErr.Code {
			case codeWalletMissing:
				return Payout{}, ErrWalletNotFound
			case codeInsufficientFunds:
				return Payout{}, ErrInsufficientFunds
			}
		}
		return Payout{}, fmt.Errorf("ledger: request payout: %w", err)
	}
	p.Status = PayoutStatus(status)
	return p, nil
}

// RecordIgnoredOrder counts a strike against the seller's company and
// deactivates it once the count reaches deactivateAt.
func (t *pgTx) RecordIgnoredOrder(ctx context.Context, ownerID string, deactivateAt int) (Strike, error) {
	const q = `
UPDATE companies
SET ignored_orders = ignored_orders + 1,
    is_active = CASE WHEN ignored_orders + 1 >= $2 THEN false ELSE is_active END
WHERE id = (SELECT id FROM companies WHERE owner_id = $1 ORDER BY created_at LIMIT 1)
RETURNING id::text, ignored_orders, is_active
`
	var st Strike
	if err := t.tx.QueryRow(ctx, q, ownerID, deactivateAt).Scan(&st.CompanyID, &st.IgnoredOrders, &st.Active); err != nil {
		if errors.Is(err, pgx.ErrNoRows) || isInvalidID(err) {
			return Strike{}, ErrCompanyNotFound
		}
		return Strike{}, fmt.Errorf("ledger: record ignored order: %w", err)
	}
	return st, nil
}

func (t *pgTx) HasActiveDispute(ctx context.Context, orderID string) (bool, error) {
	const q = `
SELECT EXISTS (
  SELECT 1 FROM disputes
  WHERE order_id = $1 AND status IN ('open', 'in_review')
)
`
	var active bool
	if err := t.tx.QueryRow(ctx, q, orderID).Scan(&active); err != nil {
		return false, fmt.Errorf("ledger: check disputes: %w", err)
	}
	return active, nil
}

func (t *pgTx) Enqueue(ctx context.Context, topic string, payload map[string]any) error {
	return Enqueue(ctx, t.tx, topic, payload)
}

// Execer is satisfied by pgx.Tx, pgxpool.Pool and pgx.Conn.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Enqueue writes an outbox message through db. Callers pass their open
// transaction so the event commits with the state change it describes.
func Enqueue(ctx context.Context, db Execer, topic string, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("ledger: marshal outbox payload: %w", err)
	}

	const q = `
INSERT INTO outbox (topic, partition_key, payload)
VALUES ($1, $2, $3)
`
	if _, err := db.Exec(ctx, q, topic, PartitionKey(payload), body); err != nil {
		return fmt.Errorf("ledger: insert outbox message: %w", err)
	}
	return nil
}

// PartitionKey keeps every event about one order, or failing that one wallet,
// on the same partition.
func PartitionKey(payload map[string]any) string {
	for _, key := range []string{"order_id", "wallet_id", "company_id"} {
		if v, ok := payload[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}
