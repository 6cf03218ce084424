// Package payout records seller withdrawals from the available balance.
// Requests are settled to the seller's bank outside this service.
package payout

import (
	"context"
	"log/slog"

	"github.com/shopspring/decimal"

	"escrowflow/apperr"
	"escrowflow/auth"
	"escrowflow/ledger"
)

var (
	ErrUnauthenticated = apperr.New(apperr.KindUnauthenticated, "authentication required")
	ErrNotSeller       = apperr.New(apperr.KindAuthorization, "only sellers can request payouts")
	ErrInvalidAmount   = apperr.New(apperr.KindValidation, "payout amount must be positive with at most two decimals")
)

type Service struct {
	store  ledger.UnitOfWork
	logger *slog.Logger
}

func NewService(store ledger.UnitOfWork, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, logger: logger}
}

// Request debits amount from the seller's available balance and files a
// payout request. Pending funds can not be withdrawn.
func (s *Service) Request(ctx context.Context, callerID string, role auth.Role, amount decimal.Decimal) (ledger.Payout, error) {
	if callerID == "" {
		return ledger.Payout{}, ErrUnauthenticated
	}
	if role != auth.RoleSeller {
		return ledger.Payout{}, ErrNotSeller
	}
	if !amount.IsPositive() || !amount.Equal(amount.Round(2)) {
		return ledger.Payout{}, ErrInvalidAmount
	}

	var (
		p         ledger.Payout
		available decimal.Decimal
	)
	err := s.store.InTx(ctx, func(tx ledger.Tx) error {
		w, err := tx.WalletForUpdate(ctx, callerID)
		if err != nil {
			return err
		}
		available = w.Balance
		if w.Balance.LessThan(amount) {
			return ledger.ErrInsufficientFunds
		}
		p, err = tx.RequestPayout(ctx, w.ID, amount)
		if err != nil {
			return err
		}
		return tx.Enqueue(ctx, ledger.TopicPayoutRequested, map[string]any{
			"wallet_id":      w.ID,
			"payout_id":      p.ID,
			"transaction_id": p.TransactionID,
			"amount":         amount.StringFixed(2),
		})
	})
	if err != nil {
		s.logger.WarnContext(ctx, "payout request rejected",
			"module", "payout",
			"operation", "request",
			"outcome", "failure",
			"seller_id", callerID,
			"requested", amount.StringFixed(2),
			"available", available.StringFixed(2),
			"error", err,
		)
		return ledger.Payout{}, err
	}

	s.logger.InfoContext(ctx, "payout requested",
		"module", "payout",
		"operation", "request",
		"outcome", "success",
		"seller_id", callerID,
		"payout_id", p.ID,
		"amount", amount.StringFixed(2),
	)
	return p, nil
}
