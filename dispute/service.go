// Package dispute tracks disputes raised on orders and runs the refund flow.
package dispute

import (
	"context"
	"log/slog"
	"strings"

	"escrowflow/auth"
)

type Service struct {
	repo   Repository
	logger *slog.Logger
}

func NewService(repo Repository, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, logger: logger}
}

// Open raises a dispute on behalf of the order's buyer or seller. While it is
// open or in review the order's pending credit is not settled.
func (s *Service) Open(ctx context.Context, callerID, orderID, reason string) (Record, error) {
	if callerID == "" {
		return Record{}, ErrUnauthenticated
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return Record{}, ErrReasonRequired
	}

	rec, err := s.repo.Open(ctx, orderID, callerID, reason)
	if err != nil {
		return Record{}, err
	}
	s.logger.InfoContext(ctx, "dispute opened",
		"module", "dispute",
		"operation", "open",
		"outcome", "success",
		"order_id", rec.OrderID,
		"dispute_id", rec.ID,
	)
	return rec, nil
}

func (s *Service) List(ctx context.Context, callerID string, role auth.Role, orderID string) ([]Record, error) {
	if callerID == "" {
		return nil, ErrUnauthenticated
	}
	f := Filter{OrderID: orderID}
	if role != auth.RoleAdmin {
		f.UserID = callerID
	}
	return s.repo.List(ctx, f)
}

// UpdateStatus moves a dispute forward. Administrators may review or resolve;
// the party who raised it may only resolve (withdraw) it.
func (s *Service) UpdateStatus(ctx context.Context, callerID string, role auth.Role, disputeID string, to Status) (Record, error) {
	if callerID == "" {
		return Record{}, ErrUnauthenticated
	}
	if !to.Valid() {
		return Record{}, ErrInvalidStatus
	}

	rec, err := s.repo.Get(ctx, disputeID)
	if err != nil {
		return Record{}, err
	}
	if role != auth.RoleAdmin {
		if !rec.Party(callerID) {
			return Record{}, ErrNotFound
		}
		if rec.RaisedBy != callerID || to != StatusResolved {
			return Record{}, ErrForbidden
		}
	}
	if !rec.Status.CanTransition(to) {
		return Record{}, ErrBadTransition
	}

	updated, err := s.repo.UpdateStatus(ctx, rec.ID, rec.Status, to)
	if err != nil {
		return Record{}, err
	}
	s.logger.InfoContext(ctx, "dispute status changed",
		"module", "dispute",
		"operation", "update_status",
		"outcome", "success",
		"order_id", updated.OrderID,
		"dispute_id", updated.ID,
		"from", string(rec.Status),
		"to", string(updated.Status),
	)
	return updated, nil
}
