package domain

import "time"

// Action tags an attempt record with what happened to the listing.
type Action string

const (
	ActionAutoApproved     Action = "auto_approved"
	ActionAutoRejected     Action = "auto_rejected"
	ActionFlagged          Action = "flagged"
	ActionManuallyApproved Action = "manually_approved"
	ActionRejected         Action = "rejected"
	ActionEdited           Action = "edited"
	ActionBlocked          Action = "blocked"
	ActionActivated        Action = "activated"
)

// QualifyingActions are the actions counted against a listing's attempt
// budget.
var QualifyingActions = []Action{ActionAutoRejected, ActionRejected}

// Qualifying reports whether a counts against the attempt budget.
func (a Action) Qualifying() bool {
	return a == ActionAutoRejected || a == ActionRejected
}

// Details is the structured payload stored with an attempt record.
type Details struct {
	Outcome            Outcome       `json:"outcome,omitempty"`
	Confidence         float64       `json:"confidence,omitempty"`
	ViolatedCategories []string      `json:"violated_categories,omitempty"`
	FlaggedSpans       []FlaggedSpan `json:"flagged_spans,omitempty"`
	Reason             string        `json:"reason,omitempty"`
	Suggestions        []string      `json:"suggestions,omitempty"`

	// Fallback marks decisions taken without a screener verdict because the
	// screener was unavailable. These are candidates for reprocessing.
	Fallback      bool   `json:"fallback,omitempty"`
	ScreenerError string `json:"screener_error,omitempty"`

	AttemptsCount     int `json:"attempts_count,omitempty"`
	RemainingAttempts int `json:"remaining_attempts,omitempty"`

	CensoredTitle       string `json:"censored_title,omitempty"`
	CensoredDescription string `json:"censored_description,omitempty"`
}

func detailsFromVerdict(v Verdict) Details {
	return Details{
		Outcome:            v.Outcome,
		Confidence:         v.Confidence,
		ViolatedCategories: v.ViolatedCategories,
		FlaggedSpans:       v.FlaggedSpans,
		Reason:             v.Reason,
		Suggestions:        v.Suggestions,
	}
}

// AttemptRecord is one append-only entry in a listing's moderation history.
type AttemptRecord struct {
	ID        string `json:"id"`
	ListingID string `json:"listing_id"`
	Action    Action `json:"action"`

	// Status is the listing status after the decision.
	Status    Status    `json:"status"`
	Reason    string    `json:"reason,omitempty"`
	Moderator *string   `json:"moderator,omitempty"`
	Details   Details   `json:"details"`
	CreatedAt time.Time `json:"created_at"`

	// ArchivedAt is set once the record has been archived by an approval.
	// Archived records stay in the history but no longer count.
	ArchivedAt    *time.Time `json:"archived_at,omitempty"`
	ArchiveReason string     `json:"archive_reason,omitempty"`
}
