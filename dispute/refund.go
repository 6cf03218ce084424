package dispute

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"escrowflow/auth"
	"escrowflow/gateway"
	"escrowflow/ledger"
)

// Store is the slice of the Ledger Store the refund flow needs.
type Store interface {
	ledger.UnitOfWork
	OrderDetail(ctx context.Context, orderID string) (ledger.OrderDetail, error)
}

type Gateway interface {
	PaymentSession(ctx context.Context, ref string) (gateway.PaymentSession, error)
	Refund(ctx context.Context, params gateway.RefundParams) (gateway.Refund, error)
	ListTransfers(ctx context.Context, transferGroup string) ([]gateway.Transfer, error)
	ReverseTransfer(ctx context.Context, transferID string) error
}

// RefundResult summarizes what a refund touched.
type RefundResult struct {
	OrderID           string        `json:"order_id"`
	RefundID          string        `json:"refund_id"`
	Canceled          bool          `json:"canceled_hold"`
	ReversedTransfers []string      `json:"reversed_transfers"`
	FailedReversals   []string      `json:"failed_reversals,omitempty"`
	DebitedBucket     ledger.Bucket `json:"debited_bucket,omitempty"`
	DebitedAmount     string        `json:"debited_amount,omitempty"`
}

type RefundService struct {
	store   Store
	gateway Gateway
	timeout time.Duration
	logger  *slog.Logger
}

func NewRefundService(store Store, gw Gateway, timeout time.Duration, logger *slog.Logger) *RefundService {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RefundService{store: store, gateway: gw, timeout: timeout, logger: logger}
}

// Refund returns the buyer's money and unwinds the order. The processor side
// runs first with idempotency keys; the ledger side then commits in one unit
// of work, so a retry after a ledger failure replays harmlessly. Transfers
// are reversed before and again after the unwind.
func (s *RefundService) Refund(ctx context.Context, callerID string, role auth.Role, orderID string) (RefundResult, error) {
	if callerID == "" {
		return RefundResult{}, ErrUnauthenticated
	}

	detail, err := s.store.OrderDetail(ctx, orderID)
	if err != nil {
		return RefundResult{}, err
	}
	o := detail.Order
	if role != auth.RoleAdmin && callerID != o.SellerID {
		return RefundResult{}, ErrNotSeller
	}
	if o.PaymentStatus == ledger.PaymentRefunded {
		return RefundResult{}, ErrAlreadyRefunded
	}
	if o.SessionRef == "" && o.PaymentIntentRef == "" {
		return RefundResult{}, ErrNoPayment
	}
	if o.PaymentStatus != ledger.PaymentPaid {
		return RefundResult{}, ErrNotPaid
	}

	gctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	intentID, err := s.intentFor(gctx, o)
	if err != nil {
		return RefundResult{}, err
	}

	refund, err := s.gateway.Refund(gctx, gateway.RefundParams{
		PaymentIntentID: intentID,
		Reason:          "requested_by_customer",
		IdempotencyKey:  "refund-" + o.ID,
		Metadata: map[string]string{
			"order_id":     o.ID,
			"requested_by": callerID,
		},
	})
	if err != nil {
		s.logFailure(ctx, o.ID, "refund", err)
		return RefundResult{}, err
	}

	result := RefundResult{OrderID: o.ID, RefundID: refund.ID, Canceled: refund.Canceled}
	s.reverseTransfers(gctx, o.TransferGroupKey(), &result)

	err = s.store.InTx(ctx, func(tx ledger.Tx) error {
		return s.unwind(ctx, tx, o.ID, callerID, &result)
	})
	if err != nil {
		s.logFailure(ctx, o.ID, "unwind", err)
		return RefundResult{}, err
	}

	// A settlement that held the credit lock during the first pass has
	// committed by now and its transfer is visible; once the credit is
	// refunded no further transfer can be made.
	result.FailedReversals = nil
	s.reverseTransfers(gctx, o.TransferGroupKey(), &result)
	if len(result.FailedReversals) > 0 {
		if err := s.store.InTx(ctx, func(tx ledger.Tx) error {
			return enqueueFailedReversals(ctx, tx, o.ID, result.FailedReversals)
		}); err != nil {
			s.logFailure(ctx, o.ID, "record_failed_reversals", err)
		}
	}

	s.logger.InfoContext(ctx, "order refunded",
		"module", "dispute",
		"operation", "refund",
		"outcome", "success",
		"order_id", o.ID,
		"refund_id", result.RefundID,
		"reversed", len(result.ReversedTransfers),
		"failed_reversals", len(result.FailedReversals),
		"bucket", string(result.DebitedBucket),
	)
	return result, nil
}

func (s *RefundService) intentFor(ctx context.Context, o ledger.Order) (string, error) {
	if o.PaymentIntentRef != "" {
		return o.PaymentIntentRef, nil
	}
	sess, err := s.gateway.PaymentSession(ctx, o.SessionRef)
	if err != nil {
		return "", err
	}
	if sess.PaymentIntentID == "" {
		return "", ErrNoPayment
	}
	return sess.PaymentIntentID, nil
}

// reverseTransfers undoes payouts made under the order's transfer group.
// None existing is normal when the refund lands inside the retention window.
// Failures are collected, not returned: the buyer's refund already went out.
func (s *RefundService) reverseTransfers(ctx context.Context, group string, result *RefundResult) {
	transfers, err := s.gateway.ListTransfers(ctx, group)
	if err != nil {
		result.FailedReversals = append(result.FailedReversals, "list:"+group)
		s.logFailure(ctx, result.OrderID, "list_transfers", err)
		return
	}
	for _, tr := range transfers {
		if tr.Reversed {
			continue
		}
		if err := s.gateway.ReverseTransfer(ctx, tr.ID); err != nil {
			result.FailedReversals = append(result.FailedReversals, tr.ID)
			s.logFailure(ctx, result.OrderID, "reverse_transfer", err)
			continue
		}
		result.ReversedTransfers = append(result.ReversedTransfers, tr.ID)
	}
}

func (s *RefundService) unwind(ctx context.Context, tx ledger.Tx, orderID, callerID string, result *RefundResult) error {
	o, err := tx.OrderForUpdate(ctx, orderID)
	if err != nil {
		return err
	}
	if o.PaymentStatus == ledger.PaymentRefunded {
		return ErrAlreadyRefunded
	}

	if err := tx.SetOrderPaymentStatus(ctx, o.ID, ledger.PaymentRefunded); err != nil {
		return err
	}
	if err := tx.SetOrderStatus(ctx, o.ID, ledger.OrderCancelled); err != nil {
		return err
	}
	if err := tx.SetBookingStatus(ctx, o.ID, ledger.BookingCancelled); err != nil {
		return err
	}

	credit, err := tx.CreditForOrder(ctx, o.ID)
	if err != nil {
		return err
	}
	if credit != nil {
		txn, err := tx.TransactionForUpdate(ctx, credit.ID)
		if err != nil {
			return err
		}
		var bucket ledger.Bucket
		switch txn.Status {
		case ledger.TransactionPending:
			bucket = ledger.BucketPending
		case ledger.TransactionCompleted:
			// settled funds come out of the available balance, which may go
			// negative until the seller's next sale covers it
			bucket = ledger.BucketAvailable
		}
		if bucket != "" {
			if err := tx.DebitWallet(ctx, txn.WalletID, txn.Amount, bucket); err != nil {
				return err
			}
			result.DebitedBucket = bucket
			result.DebitedAmount = txn.Amount.String()
		}
		if txn.Status != ledger.TransactionRefunded {
			desc := fmt.Sprintf("refund of order %s", o.ID)
			if err := tx.SetTransactionStatus(ctx, txn.ID, ledger.TransactionRefunded, desc); err != nil {
				return err
			}
		}
	}

	return tx.Enqueue(ctx, ledger.TopicOrderRefunded, map[string]any{
		"order_id":       o.ID,
		"refund_id":      result.RefundID,
		"requested_by":   callerID,
		"canceled_hold":  result.Canceled,
		"debited_bucket": string(result.DebitedBucket),
		"debited_amount": result.DebitedAmount,
	})
}

func enqueueFailedReversals(ctx context.Context, tx ledger.Tx, orderID string, transferIDs []string) error {
	for _, id := range transferIDs {
		if err := tx.Enqueue(ctx, ledger.TopicReversalFailed, map[string]any{
			"order_id":    orderID,
			"transfer_id": id,
		}); err != nil {
			return err
		}
	}
	return nil
}

func (s *RefundService) logFailure(ctx context.Context, orderID, step string, err error) {
	s.logger.ErrorContext(ctx, "refund step failed",
		"module", "dispute",
		"operation", "refund",
		"outcome", "failure",
		"step", step,
		"order_id", orderID,
		"error", err,
	)
}
