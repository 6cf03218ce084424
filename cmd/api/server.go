package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/shopspring/decimal"

	"escrowflow/apperr"
	"escrowflow/auth"
	"escrowflow/dispute"
	"escrowflow/escrow"
	"escrowflow/gateway"
	"escrowflow/ledger"
	"escrowflow/payment"
	"escrowflow/settlement"
	"escrowflow/subscription"
)

type contextKey string

const (
	ctxKeyUserID contextKey = "user_id"
	ctxKeyRole   contextKey = "role"
)

type escrowService interface {
	Initiate(ctx context.Context, buyerID, orderID string) (escrow.Hold, error)
	CreateCheckout(ctx context.Context, buyerID, orderID string) (escrow.Checkout, error)
	Release(ctx context.Context, buyerID, orderID string) (ledger.Order, error)
}

type webhookParser interface {
	ParseEvent(payload []byte, signature string) (gateway.Event, error)
}

type eventHandler interface {
	Handle(ctx context.Context, evt gateway.Event) (payment.Outcome, error)
}

type reconcileRunner interface {
	Run(ctx context.Context) settlement.Report
}

type disputeService interface {
	Open(ctx context.Context, callerID, orderID, reason string) (dispute.Record, error)
	List(ctx context.Context, callerID string, role auth.Role, orderID string) ([]dispute.Record, error)
	UpdateStatus(ctx context.Context, callerID string, role auth.Role, disputeID string, to dispute.Status) (dispute.Record, error)
}

type refundService interface {
	Refund(ctx context.Context, callerID string, role auth.Role, orderID string) (dispute.RefundResult, error)
}

type subscriptionService interface {
	Subscribe(ctx context.Context, sellerID string, role auth.Role, tier string) (subscription.Result, error)
}

type payoutService interface {
	Request(ctx context.Context, callerID string, role auth.Role, amount decimal.Decimal) (ledger.Payout, error)
}

type tokenVerifier interface {
	VerifyToken(token string) (string, auth.Role, error)
}

type credentialVerifier interface {
	Verify(secret string) error
}

// Server exposes the escrow entry points over HTTP.
type Server struct {
	escrowService       escrowService
	webhooks            webhookParser
	paymentEvents       eventHandler
	reconciler          reconcileRunner
	disputeService      disputeService
	refundService       refundService
	subscriptionService subscriptionService
	payoutService       payoutService
	tokens              tokenVerifier
	credential          credentialVerifier
	logger              *slog.Logger
}

const maxWebhookBytes = 65536

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Post("/webhooks/payments", s.handleWebhook)
	r.With(s.requireServiceCredential).Post("/internal/jobs/reconcile", s.handleReconcile)

	r.Route("/api", func(r chi.Router) {
		r.Use(s.authenticate)
		r.Post("/orders/{orderID}/escrow", func(w http.ResponseWriter, req *http.Request) {
			s.handleInitiate(w, req, chi.URLParam(req, "orderID"))
		})
		r.Post("/orders/{orderID}/checkout", func(w http.ResponseWriter, req *http.Request) {
			s.handleCheckout(w, req, chi.URLParam(req, "orderID"))
		})
		r.Post("/orders/{orderID}/release", func(w http.ResponseWriter, req *http.Request) {
			s.handleRelease(w, req, chi.URLParam(req, "orderID"))
		})
		r.Post("/orders/{orderID}/refund", func(w http.ResponseWriter, req *http.Request) {
			s.handleRefund(w, req, chi.URLParam(req, "orderID"))
		})
		r.Get("/disputes", s.handleDisputes)
		r.Post("/disputes", s.handleDisputes)
		r.Patch("/disputes/{disputeID}", func(w http.ResponseWriter, req *http.Request) {
			s.handleUpdateDispute(w, req, chi.URLParam(req, "disputeID"))
		})
		r.Post("/subscriptions", s.handleSubscribe)
		r.Post("/payouts", s.handlePayout)
	})
	return r
}

func bearer(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if len(header) < 7 || !strings.EqualFold(header[:7], "bearer ") {
		return ""
	}
	return strings.TrimSpace(header[7:])
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearer(r)
		if token == "" {
			s.writeError(w, r, auth.ErrInvalidToken)
			return
		}
		userID, role, err := s.tokens.VerifyToken(token)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		ctx := context.WithValue(r.Context(), ctxKeyUserID, userID)
		ctx = context.WithValue(ctx, ctxKeyRole, role)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requireServiceCredential admits the scheduler by its shared secret, or an
// operator token carrying the service or admin role.
func (s *Server) requireServiceCredential(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		secret := bearer(r)
		if secret != "" && s.credential != nil && s.credential.Verify(secret) == nil {
			next.ServeHTTP(w, r)
			return
		}
		if secret != "" && s.tokens != nil {
			if _, role, err := s.tokens.VerifyToken(secret); err == nil && (role == auth.RoleService || role == auth.RoleAdmin) {
				next.ServeHTTP(w, r)
				return
			}
		}
		s.writeError(w, r, auth.ErrInvalidCredential)
	})
}

func caller(r *http.Request) (string, auth.Role) {
	userID, _ := r.Context().Value(ctxKeyUserID).(string)
	role, _ := r.Context().Value(ctxKeyRole).(auth.Role)
	return userID, role
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, apperr.ErrUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, apperr.ErrAuthorization):
		return http.StatusForbidden
	case errors.Is(err, apperr.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, apperr.ErrStateConflict), errors.Is(err, apperr.ErrIntegrity):
		return http.StatusConflict
	case errors.Is(err, apperr.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, apperr.ErrGateway):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	message := apperr.Reason(err)
	if status == http.StatusInternalServerError {
		s.log().ErrorContext(r.Context(), "request failed",
			"module", "api",
			"operation", r.Method+" "+r.URL.Path,
			"outcome", "failure",
			"error", err,
		)
		message = "internal error"
	}
	writeJSON(w, status, map[string]string{"error": message})
}

func (s *Server) log() *slog.Logger {
	if s.logger == nil {
		return slog.Default()
	}
	return s.logger
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

var errBadBody = apperr.New(apperr.KindValidation, "invalid request body")

func decodeBody(r *http.Request, dst any) error {
	if r.Body == nil {
		return errBadBody
	}
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return errBadBody
	}
	return nil
}
