package dispute

import "time"

// Status represents the lifecycle of a dispute record.
type Status string

const (
	StatusOpen     Status = "open"
	StatusInReview Status = "in_review"
	StatusResolved Status = "resolved"
)

var transitions = map[Status][]Status{
	StatusOpen:     {StatusInReview, StatusResolved},
	StatusInReview: {StatusResolved},
}

func (s Status) Valid() bool {
	switch s {
	case StatusOpen, StatusInReview, StatusResolved:
		return true
	}
	return false
}

// Active disputes hold the order's pending credit out of settlement.
func (s Status) Active() bool {
	return s == StatusOpen || s == StatusInReview
}

func (s Status) CanTransition(to Status) bool {
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Record mirrors the disputes table.
type Record struct {
	ID         string     `json:"id"`
	OrderID    string     `json:"order_id"`
	BuyerID    string     `json:"buyer_id"`
	SellerID   string     `json:"seller_id"`
	RaisedBy   string     `json:"raised_by"`
	Reason     string     `json:"reason"`
	Status     Status     `json:"status"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

// Party reports whether userID is the buyer or seller on the disputed order.
func (r Record) Party(userID string) bool {
	return userID != "" && (userID == r.BuyerID || userID == r.SellerID)
}

// Filter narrows List. An empty UserID lists every dispute (admin view).
type Filter struct {
	UserID  string
	OrderID string
	Status  Status
}
