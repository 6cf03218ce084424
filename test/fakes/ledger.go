// Package fakes holds in-memory stand-ins for the Ledger Store and the payment
// gateway, shared by unit tests across packages.
package fakes

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"escrowflow/ledger"
)

// Ledger is an in-memory Ledger Store. One mutex is held for a whole InTx so
// units of work are serializable; a failing unit of work is rolled back.
type Ledger struct {
	mu  sync.Mutex
	now func() time.Time

	Orders       map[string]ledger.Order
	Services     map[string]ledger.Service
	Companies    map[string]ledger.Company
	Bookings     map[string]ledger.Booking
	Wallets      map[string]ledger.Wallet
	Transactions map[string]ledger.Transaction
	// Disputes maps order id to the statuses of its disputes.
	Disputes  map[string][]string
	Outbox    []ledger.OutboxMessage
	Published map[string]bool
	Payouts   []ledger.Payout
	// Strikes maps company id to its ignored-order tally.
	Strikes map[string]ledger.Strike

	ExpiredLocks    int64
	IncrementCalls  int
	CleanupCalls    int
	CompanyCustomer map[string]string

	// Fail, when set, is consulted before each mutating Tx call; a non-nil
	// return aborts that call.
	Fail func(op, id string) error
}

func NewLedger(now func() time.Time) *Ledger {
	if now == nil {
		now = time.Now
	}
	return &Ledger{
		now:             now,
		Orders:          make(map[string]ledger.Order),
		Services:        make(map[string]ledger.Service),
		Companies:       make(map[string]ledger.Company),
		Bookings:        make(map[string]ledger.Booking),
		Wallets:         make(map[string]ledger.Wallet),
		Transactions:    make(map[string]ledger.Transaction),
		Disputes:        make(map[string][]string),
		Published:       make(map[string]bool),
		Strikes:         make(map[string]ledger.Strike),
		CompanyCustomer: make(map[string]string),
	}
}

// SetClock swaps the clock used for timestamps.
func (l *Ledger) SetClock(now func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.now = now
}

// PutOrder stores an order, defaulting its timestamps and statuses.
func (l *Ledger) PutOrder(o ledger.Order) ledger.Order {
	l.mu.Lock()
	defer l.mu.Unlock()
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	if o.Status == "" {
		o.Status = ledger.OrderPending
	}
	if o.PaymentStatus == "" {
		o.PaymentStatus = ledger.PaymentPending
	}
	if o.CreatedAt.IsZero() {
		o.CreatedAt = l.now()
	}
	if o.UpdatedAt.IsZero() {
		o.UpdatedAt = o.CreatedAt
	}
	if _, ok := l.Services[o.ServiceID]; !ok && o.ServiceID != "" {
		l.Services[o.ServiceID] = ledger.Service{ID: o.ServiceID, Title: "Service " + o.ServiceID}
	}
	l.Orders[o.ID] = o
	return o
}

func (l *Ledger) PutCompany(c ledger.Company) ledger.Company {
	l.mu.Lock()
	defer l.mu.Unlock()
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.PlanTier == "" {
		c.PlanTier = "starter"
	}
	l.Companies[c.ID] = c
	return c
}

func (l *Ledger) PutBooking(b ledger.Booking) ledger.Booking {
	l.mu.Lock()
	defer l.mu.Unlock()
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	if b.UpdatedAt.IsZero() {
		b.UpdatedAt = l.now()
	}
	l.Bookings[b.OrderID] = b
	return b
}

func (l *Ledger) PutWallet(w ledger.Wallet) ledger.Wallet {
	l.mu.Lock()
	defer l.mu.Unlock()
	if w.ID == "" {
		w.ID = uuid.NewString()
	}
	l.Wallets[w.ID] = w
	return w
}

func (l *Ledger) PutTransaction(t ledger.Transaction) ledger.Transaction {
	l.mu.Lock()
	defer l.mu.Unlock()
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = l.now()
	}
	l.Transactions[t.ID] = t
	return t
}

func (l *Ledger) AddDispute(orderID, status string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.Disputes[orderID] = append(l.Disputes[orderID], status)
}

func (l *Ledger) Order(id string) ledger.Order {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.Orders[id]
}

func (l *Ledger) Booking(orderID string) ledger.Booking {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.Bookings[orderID]
}

func (l *Ledger) Transaction(id string) ledger.Transaction {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.Transactions[id]
}

func (l *Ledger) WalletFor(ownerID string) (ledger.Wallet, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, w := range l.Wallets {
		if w.OwnerID == ownerID {
			return w, true
		}
	}
	return ledger.Wallet{}, false
}

// CreditsFor returns every credit transaction recorded for the order.
func (l *Ledger) CreditsFor(orderID string) []ledger.Transaction {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []ledger.Transaction
	for _, t := range l.Transactions {
		if t.OrderID == orderID && t.Type == ledger.TransactionCredit {
			out = append(out, t)
		}
	}
	return out
}

// Topics lists outbox topics in write order.
func (l *Ledger) Topics() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, 0, len(l.Outbox))
	for _, m := range l.Outbox {
		out = append(out, m.Topic)
	}
	return out
}

type snapshot struct {
	orders       map[string]ledger.Order
	companies    map[string]ledger.Company
	bookings     map[string]ledger.Booking
	wallets      map[string]ledger.Wallet
	transactions map[string]ledger.Transaction
	outbox       []ledger.OutboxMessage
	payouts      []ledger.Payout
	strikes      map[string]ledger.Strike
	increments   int
}

func copyMap[K comparable, V any](in map[K]V) map[K]V {
	out := make(map[K]V, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func (l *Ledger) snapshot() snapshot {
	return snapshot{
		orders:       copyMap(l.Orders),
		companies:    copyMap(l.Companies),
		bookings:     copyMap(l.Bookings),
		wallets:      copyMap(l.Wallets),
		transactions: copyMap(l.Transactions),
		outbox:       append([]ledger.OutboxMessage(nil), l.Outbox...),
		payouts:      append([]ledger.Payout(nil), l.Payouts...),
		strikes:      copyMap(l.Strikes),
		increments:   l.IncrementCalls,
	}
}

func (l *Ledger) restore(s snapshot) {
	l.Orders = s.orders
	l.Companies = s.companies
	l.Bookings = s.bookings
	l.Wallets = s.wallets
	l.Transactions = s.transactions
	l.Outbox = s.outbox
	l.Payouts = s.payouts
	l.Strikes = s.strikes
	l.IncrementCalls = s.increments
}

func (l *Ledger) InTx(ctx context.Context, fn func(ledger.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	snap := l.snapshot()
	if err := fn(&fakeTx{l: l}); err != nil {
		l.restore(snap)
		return err
	}
	return nil
}

func (l *Ledger) OrderDetail(ctx context.Context, orderID string) (ledger.OrderDetail, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	o, ok := l.Orders[orderID]
	if !ok {
		return ledger.OrderDetail{}, ledger.ErrOrderNotFound
	}
	d := ledger.OrderDetail{Order: o, Service: l.Services[o.ServiceID]}
	if c, ok := l.companyByOwner(o.SellerID); ok {
		d.Seller = &c
	}
	return d, nil
}

func (l *Ledger) companyByOwner(ownerID string) (ledger.Company, bool) {
	for _, c := range l.Companies {
		if c.OwnerID == ownerID {
			return c, true
		}
	}
	return ledger.Company{}, false
}

func (l *Ledger) CompanyByOwner(ctx context.Context, ownerID string) (ledger.Company, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	c, ok := l.companyByOwner(ownerID)
	if !ok {
		return ledger.Company{}, ledger.ErrCompanyNotFound
	}
	return c, nil
}

func (l *Ledger) SetCompanyCustomer(ctx context.Context, companyID, customerID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	c, ok := l.Companies[companyID]
	if !ok {
		return ledger.ErrCompanyNotFound
	}
	c.GatewayCustomerID = customerID
	l.Companies[companyID] = c
	return nil
}

func (l *Ledger) UpdateCompanyPlan(ctx context.Context, customerID string, plan ledger.PlanUpdate) error {
	return l.InTx(ctx, func(tx ledger.Tx) error {
		for id, c := range l.Companies {
			if c.GatewayCustomerID != customerID {
				continue
			}
			c.SubscriptionID = plan.SubscriptionID
			c.SubscriptionStatus = plan.SubscriptionStatus
			c.PlanTier = plan.PlanTier
			c.CommissionRate = decimal.NewNullDecimal(plan.CommissionRate)
			l.Companies[id] = c
			return tx.Enqueue(ctx, ledger.TopicPlanChanged, map[string]any{
				"company_id": id,
				"plan_tier":  plan.PlanTier,
			})
		}
		return ledger.ErrCompanyNotFound
	})
}

func (l *Ledger) PendingCredits(ctx context.Context, afterID string, limit int) ([]ledger.PendingCredit, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []ledger.PendingCredit
	for _, t := range l.sortedTransactions() {
		if t.Type != ledger.TransactionCredit || t.Status != ledger.TransactionPending || t.ID <= afterID {
			continue
		}
		o := l.Orders[t.OrderID]
		pc := ledger.PendingCredit{
			Transaction:     t,
			SellerID:        o.SellerID,
			TransferGroup:   o.TransferGroupKey(),
			DisputeStatuses: append([]string(nil), l.Disputes[t.OrderID]...),
		}
		if c, ok := l.companyByOwner(o.SellerID); ok {
			pc.PayoutAccountID = c.PayoutAccountID
		}
		if b, ok := l.Bookings[t.OrderID]; ok {
			pc.Booking = &b
		}
		out = append(out, pc)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (l *Ledger) sortedTransactions() []ledger.Transaction {
	out := make([]ledger.Transaction, 0, len(l.Transactions))
	for _, t := range l.Transactions {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (l *Ledger) sortedOrders(keep func(ledger.Order) bool, afterID string, limit int) []ledger.Order {
	var out []ledger.Order
	for _, o := range l.Orders {
		if o.ID > afterID && keep(o) {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (l *Ledger) PendingPaymentOrders(ctx context.Context, createdBefore time.Time, afterID string, limit int) ([]ledger.Order, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sortedOrders(func(o ledger.Order) bool {
		return o.PaymentStatus == ledger.PaymentPending && o.SessionRef != "" && o.CreatedAt.Before(createdBefore)
	}, afterID, limit), nil
}

func (l *Ledger) DeliveredOrders(ctx context.Context, updatedBefore time.Time, afterID string, limit int) ([]ledger.Order, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sortedOrders(func(o ledger.Order) bool {
		return o.Status == ledger.OrderDelivered && !o.UpdatedAt.After(updatedBefore)
	}, afterID, limit), nil
}

func (l *Ledger) ExpiredBookings(ctx context.Context, now, confirmBy time.Time, afterID string, limit int) ([]ledger.ExpiredBooking, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []ledger.ExpiredBooking
	for _, b := range l.Bookings {
		if b.ID <= afterID {
			continue
		}
		if !b.Expired(now, confirmBy) {
			continue
		}
		o := l.Orders[b.OrderID]
		out = append(out, ledger.ExpiredBooking{
			BookingID:     b.ID,
			OrderID:       b.OrderID,
			Status:        b.Status,
			SellerID:      o.SellerID,
			PaymentStatus: o.PaymentStatus,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BookingID < out[j].BookingID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (l *Ledger) CleanupExpiredBookingLocks(ctx context.Context) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.CleanupCalls++
	released := l.ExpiredLocks
	l.ExpiredLocks = 0
	return released, nil
}

func (l *Ledger) PendingOutbox(ctx context.Context, limit int) ([]ledger.OutboxMessage, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []ledger.OutboxMessage
	for _, m := range l.Outbox {
		if l.Published[m.ID] {
			continue
		}
		out = append(out, m)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (l *Ledger) MarkPublished(ctx context.Context, id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.Published[id] = true
	return nil
}

func (l *Ledger) MarkFailed(ctx context.Context, id string, reason string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := range l.Outbox {
		if l.Outbox[i].ID == id {
			l.Outbox[i].Attempts++
		}
	}
	return nil
}

// fakeTx runs with Ledger.mu already held.
type fakeTx struct {
	l *Ledger
}

func (t *fakeTx) fail(op, id string) error {
	if t.l.Fail == nil {
		return nil
	}
	return t.l.Fail(op, id)
}

func (t *fakeTx) OrderForUpdate(ctx context.Context, orderID string) (ledger.Order, error) {
	o, ok := t.l.Orders[orderID]
	if !ok {
		return ledger.Order{}, ledger.ErrOrderNotFound
	}
	return o, nil
}

func (t *fakeTx) updateOrder(orderID string, fn func(*ledger.Order)) error {
	o, ok := t.l.Orders[orderID]
	if !ok {
		return ledger.ErrOrderNotFound
	}
	fn(&o)
	o.UpdatedAt = t.l.now()
	t.l.Orders[orderID] = o
	return nil
}

func (t *fakeTx) MarkOrderPaid(ctx context.Context, orderID string, update ledger.PaymentUpdate) error {
	if err := t.fail("MarkOrderPaid", orderID); err != nil {
		return err
	}
	return t.updateOrder(orderID, func(o *ledger.Order) {
		o.PaymentStatus = ledger.PaymentPaid
		if update.SessionRef != "" {
			o.SessionRef = update.SessionRef
		}
		if update.PaymentIntentRef != "" {
			o.PaymentIntentRef = update.PaymentIntentRef
		}
		if update.AmountTotal.Valid {
			o.AmountTotal = update.AmountTotal
		}
		if update.ReceiptURL != "" {
			o.ReceiptURL = update.ReceiptURL
		}
	})
}

func (t *fakeTx) SetOrderPaymentStatus(ctx context.Context, orderID string, status ledger.PaymentStatus) error {
	if err := t.fail("SetOrderPaymentStatus", orderID); err != nil {
		return err
	}
	return t.updateOrder(orderID, func(o *ledger.Order) { o.PaymentStatus = status })
}

func (t *fakeTx) SetOrderStatus(ctx context.Context, orderID string, status ledger.OrderStatus) error {
	if err := t.fail("SetOrderStatus", orderID); err != nil {
		return err
	}
	return t.updateOrder(orderID, func(o *ledger.Order) { o.Status = status })
}

func (t *fakeTx) SetOrderSession(ctx context.Context, orderID, sessionRef string) error {
	return t.updateOrder(orderID, func(o *ledger.Order) { o.SessionRef = sessionRef })
}

func (t *fakeTx) SetBookingStatus(ctx context.Context, orderID string, status ledger.BookingStatus) error {
	if err := t.fail("SetBookingStatus", orderID); err != nil {
		return err
	}
	b, ok := t.l.Bookings[orderID]
	if !ok {
		return nil
	}
	b.Status = status
	b.LockExpiresAt = nil
	b.UpdatedAt = t.l.now()
	t.l.Bookings[orderID] = b
	return nil
}

func (t *fakeTx) BookingForUpdate(ctx context.Context, orderID string) (*ledger.Booking, error) {
	b, ok := t.l.Bookings[orderID]
	if !ok {
		return nil, nil
	}
	return &b, nil
}

func (t *fakeTx) CompanyByOwner(ctx context.Context, ownerID string) (ledger.Company, error) {
	c, ok := t.l.companyByOwner(ownerID)
	if !ok {
		return ledger.Company{}, ledger.ErrCompanyNotFound
	}
	return c, nil
}

func (t *fakeTx) EnsureWallet(ctx context.Context, ownerID string) (ledger.Wallet, error) {
	for _, w := range t.l.Wallets {
		if w.OwnerID == ownerID {
			return w, nil
		}
	}
	w := ledger.Wallet{ID: uuid.NewString(), OwnerID: ownerID, UpdatedAt: t.l.now()}
	t.l.Wallets[w.ID] = w
	return w, nil
}

func (t *fakeTx) CreditForOrder(ctx context.Context, orderID string) (*ledger.Transaction, error) {
	for _, txn := range t.l.Transactions {
		if txn.OrderID == orderID && txn.Type == ledger.TransactionCredit {
			found := txn
			return &found, nil
		}
	}
	return nil, nil
}

func (t *fakeTx) InsertCredit(ctx context.Context, txn ledger.Transaction) (ledger.Transaction, error) {
	if err := t.fail("InsertCredit", txn.OrderID); err != nil {
		return ledger.Transaction{}, err
	}
	for _, existing := range t.l.Transactions {
		if existing.OrderID == txn.OrderID && existing.Type == ledger.TransactionCredit {
			return ledger.Transaction{}, ledger.ErrDuplicateCredit
		}
	}
	txn.ID = uuid.NewString()
	txn.Type = ledger.TransactionCredit
	txn.Status = ledger.TransactionPending
	txn.CreatedAt = t.l.now()
	t.l.Transactions[txn.ID] = txn
	return txn, nil
}

func (t *fakeTx) TransactionForUpdate(ctx context.Context, transactionID string) (ledger.Transaction, error) {
	txn, ok := t.l.Transactions[transactionID]
	if !ok {
		return ledger.Transaction{}, ledger.ErrTransactionNotFound
	}
	return txn, nil
}

func (t *fakeTx) SetTransactionStatus(ctx context.Context, transactionID string, status ledger.TransactionStatus, description string) error {
	if err := t.fail("SetTransactionStatus", transactionID); err != nil {
		return err
	}
	txn, ok := t.l.Transactions[transactionID]
	if !ok {
		return ledger.ErrTransactionNotFound
	}
	txn.Status = status
	if description != "" {
		txn.Description = description
	}
	t.l.Transactions[transactionID] = txn
	return nil
}

func (t *fakeTx) updateWallet(walletID string, fn func(*ledger.Wallet) error) error {
	w, ok := t.l.Wallets[walletID]
	if !ok {
		return ledger.ErrWalletNotFound
	}
	if err := fn(&w); err != nil {
		return err
	}
	w.Version++
	w.UpdatedAt = t.l.now()
	t.l.Wallets[walletID] = w
	return nil
}

func (t *fakeTx) IncrementPendingBalance(ctx context.Context, walletID string, amount decimal.Decimal) error {
	if err := t.fail("IncrementPendingBalance", walletID); err != nil {
		return err
	}
	t.l.IncrementCalls++
	return t.updateWallet(walletID, func(w *ledger.Wallet) error {
		w.PendingBalance = w.PendingBalance.Add(amount)
		return nil
	})
}

func (t *fakeTx) SettlePendingBalance(ctx context.Context, walletID string, amount decimal.Decimal) error {
	if err := t.fail("SettlePendingBalance", walletID); err != nil {
		return err
	}
	return t.updateWallet(walletID, func(w *ledger.Wallet) error {
		if w.PendingBalance.LessThan(amount) {
			return ledger.ErrInsufficientPending
		}
		w.PendingBalance = w.PendingBalance.Sub(amount)
		w.Balance = w.Balance.Add(amount)
		return nil
	})
}

func (t *fakeTx) DebitWallet(ctx context.Context, walletID string, amount decimal.Decimal, bucket ledger.Bucket) error {
	if err := t.fail("DebitWallet", walletID); err != nil {
		return err
	}
	return t.updateWallet(walletID, func(w *ledger.Wallet) error {
		if bucket == ledger.BucketPending {
			if w.PendingBalance.LessThan(amount) {
				return ledger.ErrInsufficientPending
			}
			w.PendingBalance = w.PendingBalance.Sub(amount)
			return nil
		}
		w.Balance = w.Balance.Sub(amount)
		return nil
	})
}

func (t *fakeTx) WalletForUpdate(ctx context.Context, ownerID string) (ledger.Wallet, error) {
	for _, w := range t.l.Wallets {
		if w.OwnerID == ownerID {
			return w, nil
		}
	}
	return ledger.Wallet{}, ledger.ErrWalletNotFound
}

func (t *fakeTx) RequestPayout(ctx context.Context, walletID string, amount decimal.Decimal) (ledger.Payout, error) {
	if err := t.fail("RequestPayout", walletID); err != nil {
		return ledger.Payout{}, err
	}
	err := t.updateWallet(walletID, func(w *ledger.Wallet) error {
		if w.Balance.LessThan(amount) {
			return ledger.ErrInsufficientFunds
		}
		w.Balance = w.Balance.Sub(amount)
		return nil
	})
	if err != nil {
		return ledger.Payout{}, err
	}
	txn := ledger.Transaction{
		ID:          uuid.NewString(),
		WalletID:    walletID,
		Amount:      amount,
		Type:        ledger.TransactionDebit,
		Status:      ledger.TransactionPending,
		Description: "payout request",
		CreatedAt:   t.l.now(),
	}
	t.l.Transactions[txn.ID] = txn
	p := ledger.Payout{
		ID:            uuid.NewString(),
		WalletID:      walletID,
		TransactionID: txn.ID,
		Amount:        amount,
		Status:        ledger.PayoutRequested,
		CreatedAt:     t.l.now(),
	}
	t.l.Payouts = append(t.l.Payouts, p)
	return p, nil
}

func (t *fakeTx) RecordIgnoredOrder(ctx context.Context, ownerID string, deactivateAt int) (ledger.Strike, error) {
	if err := t.fail("RecordIgnoredOrder", ownerID); err != nil {
		return ledger.Strike{}, err
	}
	c, ok := t.l.companyByOwner(ownerID)
	if !ok {
		return ledger.Strike{}, ledger.ErrCompanyNotFound
	}
	st, ok := t.l.Strikes[c.ID]
	if !ok {
		st = ledger.Strike{CompanyID: c.ID, Active: true}
	}
	st.IgnoredOrders++
	if st.IgnoredOrders >= deactivateAt {
		st.Active = false
	}
	t.l.Strikes[c.ID] = st
	return st, nil
}

func (t *fakeTx) HasActiveDispute(ctx context.Context, orderID string) (bool, error) {
	for _, s := range t.l.Disputes[orderID] {
		if s == "open" || s == "in_review" {
			return true, nil
		}
	}
	return false, nil
}

func (t *fakeTx) Enqueue(ctx context.Context, topic string, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	t.l.Outbox = append(t.l.Outbox, ledger.OutboxMessage{
		ID:           uuid.NewString(),
		Topic:        topic,
		PartitionKey: ledger.PartitionKey(payload),
		Payload:      body,
		CreatedAt:    t.l.now(),
	})
	return nil
}
