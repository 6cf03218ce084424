package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

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

const testSecret = "test-jwt-secret"

type stubEscrowService struct {
	hold       escrow.Hold
	checkout   escrow.Checkout
	order      ledger.Order
	err        error
	gotBuyer   string
	gotOrderID string
}

func (s *stubEscrowService) Initiate(_ context.Context, buyerID, orderID string) (escrow.Hold, error) {
	s.gotBuyer, s.gotOrderID = buyerID, orderID
	return s.hold, s.err
}

func (s *stubEscrowService) CreateCheckout(_ context.Context, buyerID, orderID string) (escrow.Checkout, error) {
	s.gotBuyer, s.gotOrderID = buyerID, orderID
	return s.checkout, s.err
}

func (s *stubEscrowService) Release(_ context.Context, buyerID, orderID string) (ledger.Order, error) {
	s.gotBuyer, s.gotOrderID = buyerID, orderID
	return s.order, s.err
}

type stubWebhooks struct {
	evt gateway.Event
	err error
}

func (s *stubWebhooks) ParseEvent(_ []byte, _ string) (gateway.Event, error) {
	return s.evt, s.err
}

type stubEvents struct {
	outcome payment.Outcome
	err     error
	calls   int
}

func (s *stubEvents) Handle(_ context.Context, _ gateway.Event) (payment.Outcome, error) {
	s.calls++
	return s.outcome, s.err
}

type stubReconciler struct {
	report settlement.Report
	runs   int
}

func (s *stubReconciler) Run(_ context.Context) settlement.Report {
	s.runs++
	return s.report
}

type stubDisputeService struct {
	listRecords  []dispute.Record
	listErr      error
	openRecord   dispute.Record
	openErr      error
	updateRecord dispute.Record
	updateErr    error
}

func (s *stubDisputeService) Open(_ context.Context, _, _, _ string) (dispute.Record, error) {
	return s.openRecord, s.openErr
}

func (s *stubDisputeService) List(_ context.Context, _ string, _ auth.Role, _ string) ([]dispute.Record, error) {
	return s.listRecords, s.listErr
}

func (s *stubDisputeService) UpdateStatus(_ context.Context, _ string, _ auth.Role, _ string, _ dispute.Status) (dispute.Record, error) {
	return s.updateRecord, s.updateErr
}

type stubRefundService struct {
	result dispute.RefundResult
	err    error
}

func (s *stubRefundService) Refund(_ context.Context, _ string, _ auth.Role, _ string) (dispute.RefundResult, error) {
	return s.result, s.err
}

type stubSubscriptions struct {
	result subscription.Result
	err    error
}

func (s *stubSubscriptions) Subscribe(_ context.Context, _ string, _ auth.Role, _ string) (subscription.Result, error) {
	return s.result, s.err
}

type stubPayouts struct {
	payout    ledger.Payout
	err       error
	gotCaller string
	gotAmount decimal.Decimal
}

func (s *stubPayouts) Request(_ context.Context, callerID string, _ auth.Role, amount decimal.Decimal) (ledger.Payout, error) {
	s.gotCaller, s.gotAmount = callerID, amount
	return s.payout, s.err
}

func issue(t *testing.T, userID string, role auth.Role) string {
	t.Helper()
	token, err := auth.NewService(nil, testSecret).IssueToken(userID, role, time.Hour)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return token
}

func withCaller(req *http.Request, userID string, role auth.Role) *http.Request {
	ctx := context.WithValue(req.Context(), ctxKeyUserID, userID)
	ctx = context.WithValue(ctx, ctxKeyRole, role)
	return req.WithContext(ctx)
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	return body.Error
}

func TestInitiateRoute_Success(t *testing.T) {
	svc := &stubEscrowService{hold: escrow.Hold{ClientSecret: "pi_1_secret", EphemeralKey: "ek_1", CustomerID: "cus_1", PaymentIntentID: "pi_1"}}
	server := &Server{escrowService: svc, tokens: auth.NewService(nil, testSecret)}

	req := httptest.NewRequest(http.MethodPost, "/api/orders/order-1/escrow", nil)
	req.Header.Set("Authorization", "Bearer "+issue(t, "buyer-1", auth.RoleBuyer))
	rec := httptest.NewRecorder()

	server.routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if svc.gotBuyer != "buyer-1" || svc.gotOrderID != "order-1" {
		t.Fatalf("unexpected caller/order passed: %q %q", svc.gotBuyer, svc.gotOrderID)
	}
	var hold escrow.Hold
	if err := json.Unmarshal(rec.Body.Bytes(), &hold); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if hold.ClientSecret != "pi_1_secret" || hold.CustomerID != "cus_1" {
		t.Fatalf("unexpected response payload: %+v", hold)
	}
}

func TestAPIRoutes_RequireToken(t *testing.T) {
	svc := &stubEscrowService{}
	server := &Server{escrowService: svc, tokens: auth.NewService(nil, testSecret)}

	for _, header := range []string{"", "Bearer not-a-jwt", "Bearer " + issueWith(t, "other-secret")} {
		req := httptest.NewRequest(http.MethodPost, "/api/orders/order-1/escrow", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		rec := httptest.NewRecorder()
		server.routes().ServeHTTP(rec, req)
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("header %q: expected 401, got %d", header, rec.Code)
		}
	}
	if svc.gotOrderID != "" {
		t.Fatalf("service must not be reached without a valid token")
	}
}

func issueWith(t *testing.T, secret string) string {
	t.Helper()
	token, err := auth.NewService(nil, secret).IssueToken("buyer-1", auth.RoleBuyer, time.Hour)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return token
}

func TestHandleInitiate_AlreadyPaid(t *testing.T) {
	server := &Server{escrowService: &stubEscrowService{err: escrow.ErrAlreadyPaid}}

	req := withCaller(httptest.NewRequest(http.MethodPost, "/api/orders/order-1/escrow", nil), "buyer-1", auth.RoleBuyer)
	rec := httptest.NewRecorder()

	server.handleInitiate(rec, req, "order-1")

	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
	if got := decodeError(t, rec); got != "order already paid" {
		t.Fatalf("expected specific reason, got %q", got)
	}
}

func TestHandleRelease_ReturnsOrder(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	server := &Server{escrowService: &stubEscrowService{order: ledger.Order{
		ID:            "order-1",
		Status:        ledger.OrderCompleted,
		PaymentStatus: ledger.PaymentPaid,
		UpdatedAt:     now,
	}}}

	req := withCaller(httptest.NewRequest(http.MethodPost, "/api/orders/order-1/release", nil), "buyer-1", auth.RoleBuyer)
	rec := httptest.NewRecorder()

	server.handleRelease(rec, req, "order-1")

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp orderResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Status != string(ledger.OrderCompleted) || resp.UpdatedAt != now.Format(time.RFC3339) {
		t.Fatalf("unexpected response payload: %+v", resp)
	}
}

func TestHandleRefund_GatewayMessageVerbatim(t *testing.T) {
	server := &Server{refundService: &stubRefundService{err: &gateway.Error{Op: "refund", Message: "Charge ch_1 has already been refunded."}}}

	req := withCaller(httptest.NewRequest(http.MethodPost, "/api/orders/order-1/refund", nil), "seller-1", auth.RoleSeller)
	rec := httptest.NewRecorder()

	server.handleRefund(rec, req, "order-1")

	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rec.Code)
	}
	if got := decodeError(t, rec); got != "Charge ch_1 has already been refunded." {
		t.Fatalf("expected processor message, got %q", got)
	}
}

func TestHandleRefund_NoPayment(t *testing.T) {
	server := &Server{refundService: &stubRefundService{err: dispute.ErrNoPayment}}

	req := withCaller(httptest.NewRequest(http.MethodPost, "/api/orders/order-1/refund", nil), "seller-1", auth.RoleSeller)
	rec := httptest.NewRecorder()

	server.handleRefund(rec, req, "order-1")

	if rec.Code != http.StatusConflict || decodeError(t, rec) != "no payment associated" {
		t.Fatalf("expected 409 no payment associated, got %d %s", rec.Code, rec.Body.String())
	}
}

func TestHandleWebhook(t *testing.T) {
	tests := []struct {
		name       string
		parseErr   error
		outcome    payment.Outcome
		handleErr  error
		wantStatus int
		wantCalls  int
	}{
		{name: "credited", outcome: payment.OutcomeCredited, wantStatus: http.StatusOK, wantCalls: 1},
		{name: "duplicate acknowledged", outcome: payment.OutcomeDuplicate, wantStatus: http.StatusOK, wantCalls: 1},
		{name: "bad signature", parseErr: gateway.ErrInvalidSignature, wantStatus: http.StatusUnauthorized},
		{name: "malformed", parseErr: gateway.ErrMalformedEvent, wantStatus: http.StatusBadRequest},
		{name: "missing order id", handleErr: payment.ErrMissingOrderID, wantStatus: http.StatusBadRequest, wantCalls: 1},
		{name: "store failure forces redelivery", handleErr: errors.New("connection reset"), wantStatus: http.StatusInternalServerError, wantCalls: 1},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			events := &stubEvents{outcome: tc.outcome, err: tc.handleErr}
			server := &Server{
				webhooks:      &stubWebhooks{evt: gateway.Event{ID: "evt_1", Kind: gateway.EventPaymentSucceeded}, err: tc.parseErr},
				paymentEvents: events,
			}

			req := httptest.NewRequest(http.MethodPost, "/webhooks/payments", strings.NewReader(`{"id":"evt_1"}`))
			req.Header.Set("Stripe-Signature", "t=1,v1=abc")
			rec := httptest.NewRecorder()

			server.routes().ServeHTTP(rec, req)

			if rec.Code != tc.wantStatus {
				t.Fatalf("expected %d, got %d", tc.wantStatus, rec.Code)
			}
			if events.calls != tc.wantCalls {
				t.Fatalf("expected %d ingest calls, got %d", tc.wantCalls, events.calls)
			}
		})
	}
}

func TestHandleReconcile_ServiceCredential(t *testing.T) {
	hash, err := auth.HashServiceCredential("cron-secret")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	runner := &stubReconciler{report: settlement.Report{Sweeps: []settlement.SweepReport{
		{Name: settlement.SweepSettle, Scanned: 2, Processed: 1, Errors: []settlement.ItemError{{ID: "txn-1", Error: "transfer failed"}}},
	}}}
	server := &Server{
		reconciler: runner,
		credential: auth.NewServiceCredential(hash),
		tokens:     auth.NewService(nil, testSecret),
	}

	cases := []struct {
		name       string
		header     string
		wantStatus int
	}{
		{"no credential", "", http.StatusUnauthorized},
		{"wrong credential", "Bearer nope", http.StatusUnauthorized},
		{"buyer token", "Bearer " + issue(t, "buyer-1", auth.RoleBuyer), http.StatusUnauthorized},
		{"shared secret", "Bearer cron-secret", http.StatusOK},
		{"service token", "Bearer " + issue(t, "scheduler", auth.RoleService), http.StatusOK},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodPost, "/internal/jobs/reconcile", nil)
		if tc.header != "" {
			req.Header.Set("Authorization", tc.header)
		}
		rec := httptest.NewRecorder()
		server.routes().ServeHTTP(rec, req)
		if rec.Code != tc.wantStatus {
			t.Fatalf("%s: expected %d, got %d", tc.name, tc.wantStatus, rec.Code)
		}
		if tc.wantStatus != http.StatusOK {
			continue
		}
		var report settlement.Report
		if err := json.Unmarshal(rec.Body.Bytes(), &report); err != nil {
			t.Fatalf("decode report: %v", err)
		}
		if report.ErrorCount() != 1 {
			t.Fatalf("%s: item errors must be reported with 200, got %+v", tc.name, report)
		}
	}
	if runner.runs != 2 {
		t.Fatalf("expected 2 runs, got %d", runner.runs)
	}
}

func TestHandleListDisputes_Success(t *testing.T) {
	now := time.Now().UTC()
	server := &Server{
		disputeService: &stubDisputeService{
			listRecords: []dispute.Record{{ID: "d1", OrderID: "order-1", Status: dispute.StatusInReview, CreatedAt: now, UpdatedAt: now}},
		},
	}

	req := withCaller(httptest.NewRequest(http.MethodGet, "/api/disputes", nil), "buyer-1", auth.RoleBuyer)
	rec := httptest.NewRecorder()

	server.handleDisputes(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var payload struct {
		Items []disputeResponse `json:"items"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(payload.Items) != 1 || payload.Items[0].ID != "d1" || payload.Items[0].Status != "in_review" {
		t.Fatalf("unexpected payload: %+v", payload)
	}
}

func TestHandleOpenDispute(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		err        error
		wantStatus int
	}{
		{"created", `{"orderId":"order-1","reason":"never delivered"}`, nil, http.StatusCreated},
		{"not a party", `{"orderId":"order-1","reason":"x"}`, dispute.ErrNotParty, http.StatusForbidden},
		{"already active", `{"orderId":"order-1","reason":"x"}`, dispute.ErrAlreadyActive, http.StatusConflict},
		{"order missing", `{"orderId":"nope","reason":"x"}`, ledger.ErrOrderNotFound, http.StatusNotFound},
		{"bad body", `{"orderId":`, nil, http.StatusBadRequest},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			server := &Server{disputeService: &stubDisputeService{openRecord: dispute.Record{ID: "d1", OrderID: "order-1", Status: dispute.StatusOpen}, openErr: tc.err}}
			req := withCaller(httptest.NewRequest(http.MethodPost, "/api/disputes", strings.NewReader(tc.body)), "buyer-1", auth.RoleBuyer)
			rec := httptest.NewRecorder()

			server.handleDisputes(rec, req)

			if rec.Code != tc.wantStatus {
				t.Fatalf("expected %d, got %d", tc.wantStatus, rec.Code)
			}
		})
	}
}

func TestHandleDisputes_WrongMethod(t *testing.T) {
	server := &Server{disputeService: &stubDisputeService{}}
	req := withCaller(httptest.NewRequest(http.MethodDelete, "/api/disputes", nil), "buyer-1", auth.RoleBuyer)
	rec := httptest.NewRecorder()

	server.handleDisputes(rec, req)

	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
}

func TestHandleUpdateDispute_Forbidden(t *testing.T) {
	server := &Server{disputeService: &stubDisputeService{updateErr: dispute.ErrForbidden}}

	req := withCaller(httptest.NewRequest(http.MethodPatch, "/api/disputes/d1", strings.NewReader(`{"status":"in_review"}`)), "seller-1", auth.RoleSeller)
	rec := httptest.NewRecorder()

	server.handleUpdateDispute(rec, req, "d1")

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
}

func TestHandleSubscribe(t *testing.T) {
	server := &Server{subscriptionService: &stubSubscriptions{result: subscription.Result{Mode: subscription.ModeCheckout, URL: "https://pay.example/cs_1"}}}
	req := withCaller(httptest.NewRequest(http.MethodPost, "/api/subscriptions", strings.NewReader(`{"tier":"pro"}`)), "seller-1", auth.RoleSeller)
	rec := httptest.NewRecorder()

	server.handleSubscribe(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var result subscription.Result
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if result.Mode != subscription.ModeCheckout || result.URL == "" {
		t.Fatalf("unexpected result %+v", result)
	}

	server.subscriptionService = &stubSubscriptions{err: subscription.ErrUnknownPlan}
	rec = httptest.NewRecorder()
	server.handleSubscribe(rec, withCaller(httptest.NewRequest(http.MethodPost, "/api/subscriptions", strings.NewReader(`{"tier":"gold"}`)), "seller-1", auth.RoleSeller))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown tier, got %d", rec.Code)
	}
}

func TestHandlePayout(t *testing.T) {
	stub := &stubPayouts{payout: ledger.Payout{
		ID:            "po-1",
		TransactionID: "txn-9",
		Amount:        decimal.RequireFromString("70.5"),
		Status:        ledger.PayoutRequested,
		CreatedAt:     time.Date(2024, 8, 1, 10, 0, 0, 0, time.UTC),
	}}
	server := &Server{payoutService: stub}
	req := withCaller(httptest.NewRequest(http.MethodPost, "/api/payouts", strings.NewReader(`{"amount":"70.50"}`)), "seller-1", auth.RoleSeller)
	rec := httptest.NewRecorder()

	server.handlePayout(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	if stub.gotCaller != "seller-1" || !stub.gotAmount.Equal(decimal.RequireFromString("70.50")) {
		t.Fatalf("unexpected request %s %s", stub.gotCaller, stub.gotAmount)
	}
	var body payoutResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if body.ID != "po-1" || body.Amount != "70.50" || body.Status != "requested" {
		t.Fatalf("unexpected body %+v", body)
	}

	server.payoutService = &stubPayouts{err: ledger.ErrInsufficientFunds}
	rec = httptest.NewRecorder()
	server.handlePayout(rec, withCaller(httptest.NewRequest(http.MethodPost, "/api/payouts", strings.NewReader(`{"amount":"9999.00"}`)), "seller-1", auth.RoleSeller))
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 for insufficient funds, got %d", rec.Code)
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{auth.ErrInvalidToken, http.StatusUnauthorized},
		{escrow.ErrNotBuyer, http.StatusForbidden},
		{ledger.ErrOrderNotFound, http.StatusNotFound},
		{dispute.ErrAlreadyRefunded, http.StatusConflict},
		{ledger.ErrDuplicateCredit, http.StatusConflict},
		{apperr.New(apperr.KindValidation, "bad"), http.StatusBadRequest},
		{&gateway.Error{Message: "declined"}, http.StatusBadGateway},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range tests {
		if got := statusFor(tc.err); got != tc.want {
			t.Fatalf("%v: expected %d got %d", tc.err, tc.want, got)
		}
	}
}
