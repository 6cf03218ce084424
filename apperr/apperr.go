// Package apperr holds the error taxonomy shared by the escrow components.
//
// Every specific failure is an *Error carrying a Kind and a caller-facing reason.
// errors.Is matches a specific error against its own identity and against the
// category sentinel of its Kind, so handlers can branch on the category while
// still surfacing the precise reason string.
package apperr

import "errors"

// Kind classifies a failure.
type Kind int

const (
	KindUnknown Kind = iota
	KindAuthorization
	KindStateConflict
	KindNotFound
	KindGateway
	KindIntegrity
	KindValidation
	KindUnauthenticated
)

func (k Kind) String() string {
	switch k {
	case KindAuthorization:
		return "authorization"
	case KindStateConflict:
		return "state_conflict"
	case KindNotFound:
		return "not_found"
	case KindGateway:
		return "gateway"
	case KindIntegrity:
		return "integrity"
	case KindValidation:
		return "validation"
	case KindUnauthenticated:
		return "unauthenticated"
	default:
		return "unknown"
	}
}

// Error is a classified failure with a specific reason.
type Error struct {
	Kind     Kind
	Reason   string
	category bool
}

func (e *Error) Error() string { return e.Reason }

// Is reports whether target is the category sentinel for e's Kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.category && t.Kind == e.Kind
}

// New declares a specific error of the given kind.
func New(kind Kind, reason string) *Error {
	return &Error{Kind: kind, Reason: reason}
}

func category(kind Kind, reason string) *Error {
	return &Error{Kind: kind, Reason: reason, category: true}
}

var (
	ErrAuthorization   = category(KindAuthorization, "not authorized")
	ErrStateConflict   = category(KindStateConflict, "state conflict")
	ErrNotFound        = category(KindNotFound, "not found")
	ErrGateway         = category(KindGateway, "payment gateway error")
	ErrIntegrity       = category(KindIntegrity, "integrity guard triggered")
	ErrValidation      = category(KindValidation, "invalid request")
	ErrUnauthenticated = category(KindUnauthenticated, "unauthenticated")
)

// KindOf returns the Kind of the first classified error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Reason returns the specific reason of the first classified error in err's
// chain, or err.Error() when the chain carries none.
func Reason(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Reason
	}
	if err == nil {
		return ""
	}
	return err.Error()
}
