package domain

import "time"

// Status is the moderation state of a listing.
type Status string

const (
	StatusDraft       Status = "draft"
	StatusPending     Status = "pending"
	StatusActive      Status = "active"
	StatusNeedsReview Status = "needs_review"
	StatusRejected    Status = "rejected"
	StatusBlocked     Status = "blocked"
)

// occupiesQuota reports whether a listing in this status counts against the
// owner's account quota.
func (s Status) occupiesQuota() bool {
	switch s {
	case StatusActive, StatusPending, StatusNeedsReview:
		return true
	}
	return false
}

// QuotaStatuses is the set of statuses counted by the quota policy.
var QuotaStatuses = []Status{StatusActive, StatusPending, StatusNeedsReview}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusDraft, StatusPending, StatusActive, StatusNeedsReview, StatusRejected, StatusBlocked:
		return true
	}
	return false
}

// Listing is a car advertisement whose public visibility is gated by
// moderation. The marketplace owns the record; the engine only controls the
// moderation fields.
type Listing struct {
	// ID is the marketplace's identifier for the ad.
	ID string

	// AccountID is the owning account, used for quota and bypass checks.
	AccountID string

	// OwnerID identifies the user that receives owner notifications.
	OwnerID string

	Title       string
	Description string
	Price       float64
	Attributes  map[string]string

	Status      Status
	IsValidated bool

	// ModeratedBy is the human moderator that last acted on the listing.
	// Nil means the last decision was automated.
	ModeratedBy *string

	ModeratedAt      *time.Time
	ModerationReason string

	// QuotaHeld marks a draft parked because the account had no quota
	// room. The recheck job retries these.
	QuotaHeld bool

	// Version increases on every write and guards compare-and-set updates.
	Version   int64
	UpdatedAt time.Time
}

// StatusChange is the set of moderation fields written by a transition.
type StatusChange struct {
	Status      Status
	IsValidated bool
	ModeratedBy *string
	ModeratedAt *time.Time
	Reason      string
	QuotaHeld   bool
}

// Apply returns a copy of l with the change applied.
func (c StatusChange) Apply(l Listing) Listing {
	l.Status = c.Status
	l.IsValidated = c.IsValidated
	l.ModeratedBy = c.ModeratedBy
	l.ModeratedAt = c.ModeratedAt
	l.ModerationReason = c.Reason
	l.QuotaHeld = c.QuotaHeld
	return l
}

// ListingEdit carries the owner-editable fields of a resubmission.
type ListingEdit struct {
	ListingID   string
	Title       string
	Description string
	Price       float64
	Attributes  map[string]string
}

// Tier is an account's subscription tier.
type Tier string

const (
	TierBasic   Tier = "basic"
	TierPremium Tier = "premium"
)

// Account is the slice of account state the engine needs.
type Account struct {
	ID   string
	Tier Tier

	// BypassModeration is set for manager and admin accounts whose listings
	// go live without screening.
	BypassModeration bool
}
