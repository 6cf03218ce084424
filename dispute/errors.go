package dispute

import "escrowflow/apperr"

var (
	ErrUnauthenticated = apperr.New(apperr.KindUnauthenticated, "authentication required")
	ErrNotFound        = apperr.New(apperr.KindNotFound, "dispute not found")
	ErrNotParty        = apperr.New(apperr.KindAuthorization, "caller is not a party to the order")
	ErrForbidden       = apperr.New(apperr.KindAuthorization, "caller may not change this dispute")
	ErrBadTransition   = apperr.New(apperr.KindStateConflict, "invalid dispute status transition")
	ErrStaleStatus     = apperr.New(apperr.KindStateConflict, "dispute status changed concurrently")
	ErrAlreadyActive   = apperr.New(apperr.KindStateConflict, "order already has an active dispute")
	ErrReasonRequired  = apperr.New(apperr.KindValidation, "dispute reason is required")
	ErrInvalidStatus   = apperr.New(apperr.KindValidation, "unknown dispute status")

	ErrNotSeller       = apperr.New(apperr.KindAuthorization, "only the seller or an administrator can refund this order")
	ErrAlreadyRefunded = apperr.New(apperr.KindStateConflict, "order already refunded")
	ErrNoPayment       = apperr.New(apperr.KindStateConflict, "no payment associated")
	ErrNotPaid         = apperr.New(apperr.KindStateConflict, "order has not been paid")
)
