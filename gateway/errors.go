package gateway

import (
	"errors"

	"github.com/stripe/stripe-go/v76"

	"escrowflow/apperr"
)

var (
	ErrMissingSignature = apperr.New(apperr.KindUnauthenticated, "missing webhook signature")
	ErrInvalidSignature = apperr.New(apperr.KindUnauthenticated, "invalid webhook signature")
	ErrMalformedEvent   = apperr.New(apperr.KindValidation, "malformed webhook payload")
	ErrSessionNotFound  = apperr.New(apperr.KindNotFound, "payment session not found")
)

// Error is a processor failure. Message is the processor's text, passed to
// callers unchanged.
type Error struct {
	Op      string
	Code    string
	Status  int
	Message string
	err     error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return "gateway: " + e.Op + " failed"
}

func (e *Error) Unwrap() error { return e.err }

func (e *Error) Is(target error) bool {
	return target == apperr.ErrGateway
}

func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	out := &Error{Op: op, Message: err.Error(), err: err}
	var se *stripe.Error
	if errors.As(err, &se) {
		out.Code = string(se.Code)
		out.Status = se.HTTPStatusCode
		out.Message = se.Msg
	}
	return out
}

func isResourceMissing(err error) bool {
	var se *stripe.Error
	return errors.As(err, &se) && se.Code == stripe.ErrorCodeResourceMissing
}

func isUnexpectedIntentState(err error) bool {
	var se *stripe.Error
	return errors.As(err, &se) && se.Code == stripe.ErrorCodePaymentIntentUnexpectedState
}
