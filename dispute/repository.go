package dispute

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"escrowflow/ledger"
)

// Repository persists disputes. Writes enqueue their outbox event in the same
// transaction.
type Repository interface {
	Open(ctx context.Context, orderID, raisedBy, reason string) (Record, error)
	Get(ctx context.Context, disputeID string) (Record, error)
	List(ctx context.Context, f Filter) ([]Record, error)
	UpdateStatus(ctx context.Context, disputeID string, from, to Status) (Record, error)
}

type PGRepository struct {
	pool *pgxpool.Pool
}

func NewPGRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

const recordColumns = `d.id::text, d.order_id::text, d.buyer_id::text, d.seller_id::text,
       d.raised_by::text, d.reason, d.status, d.created_at, d.updated_at, d.resolved_at`

func scanRecord(row pgx.Row) (Record, error) {
	var rec Record
	err := row.Scan(&rec.ID, &rec.OrderID, &rec.BuyerID, &rec.SellerID,
		&rec.RaisedBy, &rec.Reason, &rec.Status, &rec.CreatedAt, &rec.UpdatedAt, &rec.ResolvedAt)
	return rec, err
}

func invalidID(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "22P02"
}

func (r *PGRepository) Open(ctx context.Context, orderID, raisedBy, reason string) (Record, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return Record{}, fmt.Errorf("dispute: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	const q = `
INSERT INTO disputes AS d (order_id, buyer_id, seller_id, raised_by, reason, status)
SELECT o.id, o.buyer_id, o.seller_id, $2, $3, 'open'
FROM orders o
WHERE o.id = $1 AND $2::uuid IN (o.buyer_id, o.seller_id)
RETURNING ` + recordColumns

	rec, err := scanRecord(tx.QueryRow(ctx, q, orderID, raisedBy, reason))
	if err != nil {
		var pgErr *pgconn.PgError
		switch {
		case errors.As(err, &pgErr) && pgErr.Code == "23505":
			return Record{}, ErrAlreadyActive
		case errors.Is(err, pgx.ErrNoRows) || invalidID(err):
			return Record{}, r.openMiss(ctx, orderID)
		}
		return Record{}, fmt.Errorf("dispute: open: %w", err)
	}

	if err := ledger.Enqueue(ctx, tx, ledger.TopicDisputeOpened, map[string]any{
		"order_id":   rec.OrderID,
		"dispute_id": rec.ID,
		"raised_by":  rec.RaisedBy,
	}); err != nil {
		return Record{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Record{}, fmt.Errorf("dispute: commit: %w", err)
	}
	return rec, nil
}

// openMiss tells a missing order apart from a caller outside the order. It
// reads through the pool since the failed insert may have aborted the tx.
func (r *PGRepository) openMiss(ctx context.Context, orderID string) error {
	const q = `SELECT EXISTS (SELECT 1 FROM orders WHERE id::text = $1)`
	var exists bool
	if err := r.pool.QueryRow(ctx, q, orderID).Scan(&exists); err != nil {
		return fmt.Errorf("dispute: open fetch: %w", err)
	}
	if !exists {
		return ledger.ErrOrderNotFound
	}
	return ErrNotParty
}

func (r *PGRepository) Get(ctx context.Context, disputeID string) (Record, error) {
	const q = `SELECT ` + recordColumns + ` FROM disputes d WHERE d.id = $1`
	rec, err := scanRecord(r.pool.QueryRow(ctx, q, disputeID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) || invalidID(err) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("dispute: get: %w", err)
	}
	return rec, nil
}

func (r *PGRepository) List(ctx context.Context, f Filter) ([]Record, error) {
	query := `SELECT ` + recordColumns + ` FROM disputes d WHERE TRUE`
	args := []any{}
	if f.UserID != "" {
		args = append(args, f.UserID)
		query += fmt.Sprintf(" AND (d.buyer_id::text = $%d OR d.seller_id::text = $%[1]d)", len(args))
	}
	if f.OrderID != "" {
		args = append(args, f.OrderID)
		query += fmt.Sprintf(" AND d.order_id::text = $%d", len(args))
	}
	if f.Status != "" {
		args = append(args, string(f.Status))
		query += fmt.Sprintf(" AND d.status = $%d", len(args))
	}
	query += " ORDER BY d.created_at DESC"

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("dispute: list: %w", err)
	}
	defer rows.Close()

	out := make([]Record, 0, 8)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("dispute: scan: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dispute: iterate: %w", err)
	}
	return out, nil
}

// UpdateStatus moves the dispute from one status to the next. It fails with
// ErrStaleStatus when the row is no longer in from.
func (r *PGRepository) UpdateStatus(ctx context.Context, disputeID string, from, to Status) (Record, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return Record{}, fmt.Errorf("dispute: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	const q = `
UPDATE disputes d
SET status = $3,
    resolved_at = CASE WHEN $3 = 'resolved' THEN now() ELSE d.resolved_at END
WHERE d.id = $1 AND d.status = $2
RETURNING ` + recordColumns

	rec, err := scanRecord(tx.QueryRow(ctx, q, disputeID, string(from), string(to)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) || invalidID(err) {
			return Record{}, ErrStaleStatus
		}
		return Record{}, fmt.Errorf("dispute: update status: %w", err)
	}

	if err := ledger.Enqueue(ctx, tx, ledger.TopicDisputeUpdated, map[string]any{
		"order_id":   rec.OrderID,
		"dispute_id": rec.ID,
		"status":     string(rec.Status),
	}); err != nil {
		return Record{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Record{}, fmt.Errorf("dispute: commit: %w", err)
	}
	return rec, nil
}
