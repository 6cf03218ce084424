package main

import (
	"io"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"escrowflow/apperr"
	"escrowflow/dispute"
	"escrowflow/ledger"
)

type orderResponse struct {
	ID            string `json:"id"`
	Status        string `json:"status"`
	PaymentStatus string `json:"paymentStatus"`
	Price         string `json:"price"`
	UpdatedAt     string `json:"updatedAt"`
}

func toOrderResponse(o ledger.Order) orderResponse {
	return orderResponse{
		ID:            o.ID,
		Status:        string(o.Status),
		PaymentStatus: string(o.PaymentStatus),
		Price:         o.Price.StringFixed(2),
		UpdatedAt:     o.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

type payoutResponse struct {
	ID            string `json:"id"`
	TransactionID string `json:"transactionId"`
	Amount        string `json:"amount"`
	Status        string `json:"status"`
	CreatedAt     string `json:"createdAt"`
}

func toPayoutResponse(p ledger.Payout) payoutResponse {
	return payoutResponse{
		ID:            p.ID,
		TransactionID: p.TransactionID,
		Amount:        p.Amount.StringFixed(2),
		Status:        string(p.Status),
		CreatedAt:     p.CreatedAt.UTC().Format(time.RFC3339),
	}
}

type disputeResponse struct {
	ID         string  `json:"id"`
	OrderID    string  `json:"orderId"`
	RaisedBy   string  `json:"raisedBy"`
	Reason     string  `json:"reason"`
	Status     string  `json:"status"`
	CreatedAt  string  `json:"createdAt"`
	UpdatedAt  string  `json:"updatedAt"`
	ResolvedAt *string `json:"resolvedAt,omitempty"`
}

func toDisputeResponse(d dispute.Record) disputeResponse {
	resp := disputeResponse{
		ID:        d.ID,
		OrderID:   d.OrderID,
		RaisedBy:  d.RaisedBy,
		Reason:    d.Reason,
		Status:    string(d.Status),
		CreatedAt: d.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt: d.UpdatedAt.UTC().Format(time.RFC3339),
	}
	if d.ResolvedAt != nil {
		ts := d.ResolvedAt.UTC().Format(time.RFC3339)
		resp.ResolvedAt = &ts
	}
	return resp
}

func (s *Server) handleInitiate(w http.ResponseWriter, r *http.Request, orderID string) {
	userID, _ := caller(r)
	hold, err := s.escrowService.Initiate(r.Context(), userID, orderID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, hold)
}

func (s *Server) handleCheckout(w http.ResponseWriter, r *http.Request, orderID string) {
	userID, _ := caller(r)
	checkout, err := s.escrowService.CreateCheckout(r.Context(), userID, orderID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, checkout)
}

func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request, orderID string) {
	userID, _ := caller(r)
	order, err := s.escrowService.Release(r.Context(), userID, orderID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toOrderResponse(order))
}

func (s *Server) handleRefund(w http.ResponseWriter, r *http.Request, orderID string) {
	userID, role := caller(r)
	result, err := s.refundService.Refund(r.Context(), userID, role, orderID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleDisputes(w http.ResponseWriter, r *http.Request) {
	userID, role := caller(r)
	switch r.Method {
	case http.MethodGet:
		records, err := s.disputeService.List(r.Context(), userID, role, r.URL.Query().Get("orderId"))
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		items := make([]disputeResponse, 0, len(records))
		for _, rec := range records {
			items = append(items, toDisputeResponse(rec))
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": items})
	case http.MethodPost:
		var body struct {
			OrderID string `json:"orderId"`
			Reason  string `json:"reason"`
		}
		if err := decodeBody(r, &body); err != nil {
			s.writeError(w, r, err)
			return
		}
		record, err := s.disputeService.Open(r.Context(), userID, body.OrderID, body.Reason)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, toDisputeResponse(record))
	default:
		w.Header().Set("Allow", "GET, POST")
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
	}
}

func (s *Server) handleUpdateDispute(w http.ResponseWriter, r *http.Request, disputeID string) {
	userID, role := caller(r)
	var body struct {
		Status string `json:"status"`
	}
	if err := decodeBody(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	record, err := s.disputeService.UpdateStatus(r.Context(), userID, role, disputeID, dispute.Status(body.Status))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toDisputeResponse(record))
}

func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	userID, role := caller(r)
	var body struct {
		Tier string `json:"tier"`
	}
	if err := decodeBody(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	result, err := s.subscriptionService.Subscribe(r.Context(), userID, role, body.Tier)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handlePayout(w http.ResponseWriter, r *http.Request) {
	userID, role := caller(r)
	var body struct {
		Amount decimal.Decimal `json:"amount"`
	}
	if err := decodeBody(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	p, err := s.payoutService.Request(r.Context(), userID, role, body.Amount)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toPayoutResponse(p))
}

var errPayloadTooLarge = apperr.New(apperr.KindValidation, "webhook payload too large")

// handleWebhook answers non-2xx whenever the event was not applied, so the
// processor redelivers it. Duplicates are acknowledged.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBytes))
	if err != nil {
		s.writeError(w, r, errPayloadTooLarge)
		return
	}
	evt, err := s.webhooks.ParseEvent(payload, r.Header.Get("Stripe-Signature"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	outcome, err := s.paymentEvents.Handle(r.Context(), evt)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"received": evt.ID, "outcome": string(outcome)})
}

// handleReconcile always answers 200; per-item failures are in the report.
func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	report := s.reconciler.Run(r.Context())
	if n := report.ErrorCount(); n > 0 {
		s.log().WarnContext(r.Context(), "reconcile finished with item errors",
			"module", "api",
			"operation", "reconcile",
			"outcome", "partial",
			"errors", n,
		)
	}
	writeJSON(w, http.StatusOK, report)
}
