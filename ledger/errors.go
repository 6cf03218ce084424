package ledger

import "escrowflow/apperr"

var (
	ErrOrderNotFound       = apperr.New(apperr.KindNotFound, "order not found")
	ErrCompanyNotFound     = apperr.New(apperr.KindNotFound, "company not found")
	ErrWalletNotFound      = apperr.New(apperr.KindNotFound, "wallet not found")
	ErrTransactionNotFound = apperr.New(apperr.KindNotFound, "transaction not found")
	// ErrDuplicateCredit signals the one-credit-per-order guard fired.
	ErrDuplicateCredit = apperr.New(apperr.KindIntegrity, "credit already recorded for order")
	// ErrInsufficientPending signals a move or debit would drive pending_balance negative.
	ErrInsufficientPending = apperr.New(apperr.KindStateConflict, "insufficient pending balance")
	// ErrInsufficientFunds signals a payout larger than the available balance.
	ErrInsufficientFunds = apperr.New(apperr.KindStateConflict, "insufficient funds")
	ErrInvalidTransition = apperr.New(apperr.KindStateConflict, "invalid status transition")
)
