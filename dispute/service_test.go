package dispute

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"escrowflow/auth"
)

type fakeRepo struct {
	records map[string]Record
	orders  map[string][2]string // order id -> buyer, seller
	next    int
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		records: make(map[string]Record),
		orders:  map[string][2]string{"order-1": {"buyer-1", "seller-1"}},
	}
}

func (f *fakeRepo) Open(ctx context.Context, orderID, raisedBy, reason string) (Record, error) {
	parties, ok := f.orders[orderID]
	if !ok {
		return Record{}, ErrNotFound
	}
	if raisedBy != parties[0] && raisedBy != parties[1] {
		return Record{}, ErrNotParty
	}
	for _, r := range f.records {
		if r.OrderID == orderID && r.Status.Active() {
			return Record{}, ErrAlreadyActive
		}
	}
	f.next++
	rec := Record{
		ID:        fmt.Sprintf("dsp-%d", f.next),
		OrderID:   orderID,
		BuyerID:   parties[0],
		SellerID:  parties[1],
		RaisedBy:  raisedBy,
		Reason:    reason,
		Status:    StatusOpen,
		CreatedAt: time.Now(),
	}
	f.records[rec.ID] = rec
	return rec, nil
}

func (f *fakeRepo) Get(ctx context.Context, id string) (Record, error) {
	rec, ok := f.records[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	return rec, nil
}

func (f *fakeRepo) List(ctx context.Context, filter Filter) ([]Record, error) {
	var out []Record
	for _, r := range f.records {
		if filter.UserID != "" && !r.Party(filter.UserID) {
			continue
		}
		if filter.OrderID != "" && r.OrderID != filter.OrderID {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

func (f *fakeRepo) UpdateStatus(ctx context.Context, id string, from, to Status) (Record, error) {
	rec, ok := f.records[id]
	if !ok || rec.Status != from {
		return Record{}, ErrStaleStatus
	}
	rec.Status = to
	if to == StatusResolved {
		now := time.Now()
		rec.ResolvedAt = &now
	}
	f.records[id] = rec
	return rec, nil
}

func TestOpen(t *testing.T) {
	svc := NewService(newFakeRepo(), nil)
	ctx := context.Background()

	if _, err := svc.Open(ctx, "", "order-1", "late"); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("expected %v got %v", ErrUnauthenticated, err)
	}
	if _, err := svc.Open(ctx, "buyer-1", "order-1", "   "); !errors.Is(err, ErrReasonRequired) {
		t.Fatalf("expected %v got %v", ErrReasonRequired, err)
	}
	if _, err := svc.Open(ctx, "stranger", "order-1", "late"); !errors.Is(err, ErrNotParty) {
		t.Fatalf("expected %v got %v", ErrNotParty, err)
	}

	rec, err := svc.Open(ctx, "buyer-1", "order-1", " never delivered ")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if rec.Status != StatusOpen || rec.Reason != "never delivered" {
		t.Fatalf("unexpected record %+v", rec)
	}

	if _, err := svc.Open(ctx, "seller-1", "order-1", "buyer unreachable"); !errors.Is(err, ErrAlreadyActive) {
		t.Fatalf("expected %v got %v", ErrAlreadyActive, err)
	}
}

func TestUpdateStatus(t *testing.T) {
	repo := newFakeRepo()
	svc := NewService(repo, nil)
	ctx := context.Background()

	rec, err := svc.Open(ctx, "buyer-1", "order-1", "wrong files")
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	cases := []struct {
		name   string
		caller string
		role   auth.Role
		to     Status
		want   error
	}{
		{name: "unknown status", caller: "admin-1", role: auth.RoleAdmin, to: "closed", want: ErrInvalidStatus},
		{name: "seller cannot review", caller: "seller-1", role: auth.RoleSeller, to: StatusInReview, want: ErrForbidden},
		{name: "seller cannot resolve buyer dispute", caller: "seller-1", role: auth.RoleSeller, to: StatusResolved, want: ErrForbidden},
		{name: "stranger sees nothing", caller: "stranger", role: auth.RoleBuyer, to: StatusResolved, want: ErrNotFound},
		{name: "admin reviews", caller: "admin-1", role: auth.RoleAdmin, to: StatusInReview},
		{name: "no way back to open", caller: "admin-1", role: auth.RoleAdmin, to: StatusOpen, want: ErrBadTransition},
		{name: "raiser withdraws", caller: "buyer-1", role: auth.RoleBuyer, to: StatusResolved},
		{name: "resolved is terminal", caller: "admin-1", role: auth.RoleAdmin, to: StatusInReview, want: ErrBadTransition},
	}

	for _, tc := range cases {
		_, err := svc.UpdateStatus(ctx, tc.caller, tc.role, rec.ID, tc.to)
		if tc.want == nil && err != nil {
			t.Fatalf("%s: unexpected error %v", tc.name, err)
		}
		if tc.want != nil && !errors.Is(err, tc.want) {
			t.Fatalf("%s: expected %v got %v", tc.name, tc.want, err)
		}
	}

	got := repo.records[rec.ID]
	if got.Status != StatusResolved || got.ResolvedAt == nil {
		t.Fatalf("expected resolved record, got %+v", got)
	}
}

func TestList_ScopesToCaller(t *testing.T) {
	repo := newFakeRepo()
	repo.orders["order-2"] = [2]string{"buyer-2", "seller-2"}
	svc := NewService(repo, nil)
	ctx := context.Background()

	if _, err := svc.Open(ctx, "buyer-1", "order-1", "a"); err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := svc.Open(ctx, "buyer-2", "order-2", "b"); err != nil {
		t.Fatalf("open: %v", err)
	}

	mine, err := svc.List(ctx, "seller-1", auth.RoleSeller, "")
	if err != nil || len(mine) != 1 || mine[0].OrderID != "order-1" {
		t.Fatalf("seller view: got %+v %v", mine, err)
	}
	all, err := svc.List(ctx, "admin-1", auth.RoleAdmin, "")
	if err != nil || len(all) != 2 {
		t.Fatalf("admin view: expected 2 got %d %v", len(all), err)
	}
}
