package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"escrowflow/apperr"
	"escrowflow/auth"
	"escrowflow/dispute"
	"escrowflow/escrow"
	"escrowflow/gateway"
	"escrowflow/ledger"
	"escrowflow/money"
	"escrowflow/payment"
)

var (
	errCreditDisputed = apperr.New(apperr.KindStateConflict, "disputed order ineligible for settlement")
)

const (
	SweepCleanupLocks   = "cleanup_locks"
	SweepSettle         = "settle_matured"
	SweepReconcile      = "reconcile_pending_payments"
	SweepAutoAccept     = "auto_accept_deliveries"
	SweepExpireBookings = "expire_bookings"
	reasonDisputed      = "disputed"
	reasonNoBooking     = "no booking"
	reasonNotDelivered  = "booking not completed"
	reasonInRetention   = "inside retention window"
	autoAcceptReason    = "auto_accept"
	sessionExpiredNotes = "checkout session expired"
	expiryActor         = "system:booking_expiry"
)

// CleanupLocks releases booking holds past their ttl.
func (r *Reconciler) CleanupLocks(ctx context.Context) SweepReport {
	rep := SweepReport{Name: SweepCleanupLocks}
	released, err := r.store.CleanupExpiredBookingLocks(ctx)
	if err != nil {
		rep.Errors = append(rep.Errors, ItemError{ID: "cleanup_expired_booking_locks", Error: err.Error()})
		return rep
	}
	rep.Scanned = int(released)
	rep.Processed = int(released)
	return rep
}

// Eligible reports whether a pending credit may settle at now, and if not,
// why. A credit settles only when no dispute is open or in review, its
// booking is completed, and the booking has been quiet for longer than the
// retention window.
func Eligible(pc ledger.PendingCredit, now time.Time, retention time.Duration) (bool, string) {
	for _, status := range pc.DisputeStatuses {
		if status == "open" || status == "in_review" {
			return false, reasonDisputed
		}
	}
	if pc.Booking == nil {
		return false, reasonNoBooking
	}
	if pc.Booking.Status != ledger.BookingCompleted {
		return false, reasonNotDelivered
	}
	if now.Sub(pc.Booking.UpdatedAt) <= retention {
		return false, reasonInRetention
	}
	return true, ""
}

// SettleMatured moves eligible pending credits to the available balance,
// paying out to the seller's destination first when one is on file.
func (r *Reconciler) SettleMatured(ctx context.Context) SweepReport {
	rep := SweepReport{Name: SweepSettle}
	now := r.now()

	sweep(ctx, r, &rep, r.store.PendingCredits,
		func(pc ledger.PendingCredit) string { return pc.Transaction.ID },
		func(ctx context.Context, pc ledger.PendingCredit) (itemResult, error) {
			if ok, _ := Eligible(pc, now, r.cfg.RetentionWindow); !ok {
				return itemSkipped, nil
			}
			err := r.settle(ctx, pc)
			if errors.Is(err, errCreditDisputed) || errors.Is(err, errAlreadySettled) {
				return itemSkipped, nil
			}
			if err != nil {
				return 0, err
			}
			return itemProcessed, nil
		})
	return rep
}

var errAlreadySettled = errors.New("settlement: credit no longer pending")

func (r *Reconciler) settle(ctx context.Context, pc ledger.PendingCredit) error {
	return r.store.InTx(ctx, func(tx ledger.Tx) error {
		txn, err := tx.TransactionForUpdate(ctx, pc.Transaction.ID)
		if err != nil {
			return err
		}
		if txn.Status != ledger.TransactionPending {
			return errAlreadySettled
		}
		// a dispute opened after the page was read still blocks settlement
		disputed, err := tx.HasActiveDispute(ctx, txn.OrderID)
		if err != nil {
			return err
		}
		if disputed {
			return errCreditDisputed
		}

		transferID := ""
		if pc.PayoutAccountID != "" {
			tr, err := r.payout(ctx, pc, txn)
			if err != nil {
				return err
			}
			transferID = tr.ID
		}

		if err := tx.SetTransactionStatus(ctx, txn.ID, ledger.TransactionCompleted, ""); err != nil {
			return err
		}
		if err := tx.SettlePendingBalance(ctx, txn.WalletID, txn.Amount); err != nil {
			return err
		}
		return tx.Enqueue(ctx, ledger.TopicWalletSettled, map[string]any{
			"order_id":       txn.OrderID,
			"wallet_id":      txn.WalletID,
			"transaction_id": txn.ID,
			"amount":         txn.Amount.String(),
			"transfer_id":    transferID,
		})
	})
}

// payout transfers the credit to the seller's destination. A transfer left
// by an earlier run whose ledger commit failed is reused, since the
// processor forgets idempotency keys after a day.
func (r *Reconciler) payout(ctx context.Context, pc ledger.PendingCredit, txn ledger.Transaction) (gateway.Transfer, error) {
	existing, err := r.gateway.ListTransfers(ctx, pc.TransferGroup)
	if err != nil {
		return gateway.Transfer{}, err
	}
	for _, tr := range existing {
		if !tr.Reversed && tr.Metadata["transaction_id"] == txn.ID {
			return tr, nil
		}
	}
	return r.gateway.CreateTransfer(ctx, gateway.TransferParams{
		Amount:         money.ToMinorUnits(txn.Amount),
		Destination:    pc.PayoutAccountID,
		TransferGroup:  pc.TransferGroup,
		IdempotencyKey: "settle-" + txn.ID,
		Metadata: map[string]string{
			"order_id":       txn.OrderID,
			"transaction_id": txn.ID,
		},
	})
}

// ReconcilePendingPayments re-queries the processor for orders whose
// confirmation never arrived and applies what it reports.
func (r *Reconciler) ReconcilePendingPayments(ctx context.Context) SweepReport {
	rep := SweepReport{Name: SweepReconcile}
	cutoff := r.now().Add(-r.cfg.WebhookLossAfter)

	fetch := func(ctx context.Context, afterID string, limit int) ([]ledger.Order, error) {
		return r.store.PendingPaymentOrders(ctx, cutoff, afterID, limit)
	}
	sweep(ctx, r, &rep, fetch,
		func(o ledger.Order) string { return o.ID },
		func(ctx context.Context, o ledger.Order) (itemResult, error) {
			sess, err := r.gateway.PaymentSession(ctx, o.SessionRef)
			if err != nil {
				return 0, err
			}
			switch sess.Status {
			case gateway.SessionPaid:
				p := payment.Payment{
					OrderID:          o.ID,
					SessionRef:       o.SessionRef,
					PaymentIntentRef: sess.PaymentIntentID,
					AmountTotal:      sess.AmountTotal,
					Source:           payment.SourceReconciler,
				}
				if raw := sess.Metadata["commission_rate"]; raw != "" {
					if rate, err := money.ParseRate(raw); err == nil {
						p.CommissionRate = &rate
					}
				}
				outcome, err := r.payments.ApplyPayment(ctx, p)
				if err != nil {
					return 0, err
				}
				if outcome == payment.OutcomeSkipped {
					return itemSkipped, nil
				}
				return itemProcessed, nil
			case gateway.SessionExpired:
				outcome, err := r.payments.MarkFailed(ctx, o.ID, sessionExpiredNotes)
				if err != nil {
					return 0, err
				}
				if outcome == payment.OutcomeSkipped {
					return itemSkipped, nil
				}
				return itemProcessed, nil
			default:
				return itemSkipped, nil
			}
		})
	return rep
}

// AutoAcceptDeliveries completes delivered orders the buyer left untouched
// for the inactivity window, unless a dispute is active. The held payment is
// captured first; an order whose capture fails stays delivered.
func (r *Reconciler) AutoAcceptDeliveries(ctx context.Context) SweepReport {
	rep := SweepReport{Name: SweepAutoAccept}
	cutoff := r.now().Add(-r.cfg.AutoAcceptAfter)

	fetch := func(ctx context.Context, afterID string, limit int) ([]ledger.Order, error) {
		return r.store.DeliveredOrders(ctx, cutoff, afterID, limit)
	}
	sweep(ctx, r, &rep, fetch,
		func(o ledger.Order) string { return o.ID },
		func(ctx context.Context, o ledger.Order) (itemResult, error) {
			accepted := false
			err := r.store.InTx(ctx, func(tx ledger.Tx) error {
				current, err := tx.OrderForUpdate(ctx, o.ID)
				if err != nil {
					return err
				}
				if current.Status != ledger.OrderDelivered || current.UpdatedAt.After(cutoff) {
					return nil
				}
				disputed, err := tx.HasActiveDispute(ctx, o.ID)
				if err != nil || disputed {
					return err
				}
				if current.PaymentStatus != ledger.PaymentPaid {
					return nil
				}
				if err := escrow.CaptureHold(ctx, r.gateway, current); err != nil {
					return fmt.Errorf("capture: %w", err)
				}
				if err := tx.SetOrderStatus(ctx, o.ID, ledger.OrderCompleted); err != nil {
					return err
				}
				if err := tx.SetBookingStatus(ctx, o.ID, ledger.BookingCompleted); err != nil {
					return err
				}
				accepted = true
				return tx.Enqueue(ctx, ledger.TopicOrderCompleted, map[string]any{
					"order_id": o.ID,
					"reason":   autoAcceptReason,
				})
			})
			if err != nil {
				return 0, err
			}
			if !accepted {
				return itemSkipped, nil
			}
			return itemProcessed, nil
		})
	return rep
}

// ExpireBookings cancels bookings left unanswered: pending ones the seller
// did not confirm before the appointment lead time, and proposals the buyer
// let lapse. Paid orders are refunded first; a seller who ignored a paid
// order takes a strike against the company.
func (r *Reconciler) ExpireBookings(ctx context.Context) SweepReport {
	rep := SweepReport{Name: SweepExpireBookings}
	now := r.now()
	confirmBy := now.Add(r.cfg.ConfirmLead)

	fetch := func(ctx context.Context, afterID string, limit int) ([]ledger.ExpiredBooking, error) {
		return r.store.ExpiredBookings(ctx, now, confirmBy, afterID, limit)
	}
	sweep(ctx, r, &rep, fetch,
		func(b ledger.ExpiredBooking) string { return b.BookingID },
		func(ctx context.Context, b ledger.ExpiredBooking) (itemResult, error) {
			refunded := false
			if b.PaymentStatus == ledger.PaymentPaid {
				if r.refunds == nil {
					return itemSkipped, nil
				}
				still, err := r.stillExpired(ctx, b.OrderID, now, confirmBy)
				if err != nil || !still {
					return itemSkipped, err
				}
				// a refund made elsewhere is no strike; expire rechecks the booking
				_, err = r.refunds.Refund(ctx, expiryActor, auth.RoleAdmin, b.OrderID)
				switch {
				case errors.Is(err, dispute.ErrAlreadyRefunded):
				case err != nil:
					return 0, fmt.Errorf("refund: %w", err)
				default:
					refunded = true
				}
			}
			expired, err := r.expire(ctx, b, refunded, now, confirmBy)
			if err != nil {
				return 0, err
			}
			if !expired {
				return itemSkipped, nil
			}
			return itemProcessed, nil
		})
	return rep
}

func (r *Reconciler) stillExpired(ctx context.Context, orderID string, now, confirmBy time.Time) (bool, error) {
	still := false
	err := r.store.InTx(ctx, func(tx ledger.Tx) error {
		b, err := tx.BookingForUpdate(ctx, orderID)
		if err != nil || b == nil {
			return err
		}
		still = b.Expired(now, confirmBy)
		return nil
	})
	return still, err
}

// expire cancels the order and booking. After a refund the booking is
// already cancelled; otherwise it must still be expired under the lock.
func (r *Reconciler) expire(ctx context.Context, eb ledger.ExpiredBooking, refunded bool, now, confirmBy time.Time) (bool, error) {
	expired := false
	err := r.store.InTx(ctx, func(tx ledger.Tx) error {
		b, err := tx.BookingForUpdate(ctx, eb.OrderID)
		if err != nil || b == nil {
			return err
		}
		if !refunded && !b.Expired(now, confirmBy) {
			return nil
		}
		o, err := tx.OrderForUpdate(ctx, eb.OrderID)
		if err != nil {
			return err
		}
		if o.PaymentStatus.CanTransition(ledger.PaymentFailed) {
			if err := tx.SetOrderPaymentStatus(ctx, o.ID, ledger.PaymentFailed); err != nil {
				return err
			}
		}
		if o.Status.CanTransition(ledger.OrderCancelled) {
			if err := tx.SetOrderStatus(ctx, o.ID, ledger.OrderCancelled); err != nil {
				return err
			}
		}
		if err := tx.SetBookingStatus(ctx, o.ID, ledger.BookingCancelled); err != nil {
			return err
		}

		reason := "proposal_expired"
		strikes := 0
		if eb.Status == ledger.BookingPending {
			reason = "unconfirmed"
		}
		if eb.Status == ledger.BookingPending && refunded {
			st, err := tx.RecordIgnoredOrder(ctx, o.SellerID, r.cfg.StrikeLimit)
			switch {
			case errors.Is(err, ledger.ErrCompanyNotFound):
			case err != nil:
				return err
			default:
				strikes = st.IgnoredOrders
				if !st.Active {
					r.logger.WarnContext(ctx, "company deactivated for ignored orders",
						"module", "settlement",
						"operation", SweepExpireBookings,
						"outcome", "deactivated",
						"company_id", st.CompanyID,
						"ignored_orders", st.IgnoredOrders,
					)
				}
			}
		}

		expired = true
		return tx.Enqueue(ctx, ledger.TopicBookingExpired, map[string]any{
			"order_id":   o.ID,
			"booking_id": eb.BookingID,
			"reason":     reason,
			"refunded":   refunded,
			"strikes":    strikes,
		})
	})
	return expired, err
}
