package domain

import "time"

// Notification describes a moderation outcome for a listing.
type Notification struct {
	ListingID string    `json:"listing_id"`
	AccountID string    `json:"account_id"`
	OwnerID   string    `json:"owner_id"`
	Action    Action    `json:"action"`
	Status    Status    `json:"status"`
	Reason    string    `json:"reason,omitempty"`
	Details   Details   `json:"details"`
	CreatedAt time.Time `json:"created_at"`
}

// ForOwner strips screener internals that listing owners must not see. The
// censored text, suggestions and remaining attempts are kept.
func (n Notification) ForOwner() Notification {
	d := n.Details
	n.Details = Details{
		Outcome:             d.Outcome,
		Reason:              d.Reason,
		Suggestions:         d.Suggestions,
		AttemptsCount:       d.AttemptsCount,
		RemainingAttempts:   d.RemainingAttempts,
		CensoredTitle:       d.CensoredTitle,
		CensoredDescription: d.CensoredDescription,
	}
	return n
}
