package domain

import (
	"context"
	"time"
)

// Transition is an atomic moderation write: a compare-and-set on the
// listing's version plus the optional attempt record and archival that go
// with it.
type Transition struct {
	ListingID string

	// ExpectedVersion is the version read before deciding. The write fails
	// with ErrStatusConflict if the stored version moved.
	ExpectedVersion int64

	Change StatusChange

	// QuotaLimit, when positive, makes the write conditional on the owning
	// account having fewer than QuotaLimit other listings in a quota status.
	// The write fails with ErrQuotaExceeded otherwise.
	QuotaLimit int

	// ArchivePrior archives every open attempt record of the listing before
	// Attempt is appended.
	ArchivePrior  bool
	ArchiveReason string

	Attempt *AttemptRecord
}

// ContentUpdate replaces the owner-editable fields of a listing together
// with a status change, under the same version and quota guards as a
// Transition.
type ContentUpdate struct {
	Edit            ListingEdit
	ExpectedVersion int64
	Change          StatusChange
	QuotaLimit      int
}

// ListingRepository defines persistence operations for the moderation fields
// of listings.
type ListingRepository interface {
	// GetListing returns the listing or ErrListingNotFound.
	GetListing(ctx context.Context, id string) (*Listing, error)

	// ApplyTransition performs t in a single transaction.
	ApplyTransition(ctx context.Context, t Transition) error

	// UpdateContent stores an owner edit. If the quota guard fails the
	// content is still stored but the status is left untouched and
	// ErrQuotaExceeded is returned.
	UpdateContent(ctx context.Context, u ContentUpdate) error

	// ListPendingBefore returns ids of listings in StatusPending, and of
	// quota-held drafts, last updated before the given time, oldest first.
	ListPendingBefore(ctx context.Context, before time.Time, limit int) ([]string, error)
}

// AccountRepository exposes the account data used by the quota policy.
type AccountRepository interface {
	// GetAccount returns the account or ErrAccountNotFound.
	GetAccount(ctx context.Context, id string) (*Account, error)

	// CountActiveLikeListings counts the account's listings in a quota
	// status, ignoring excludeListingID when it is not empty.
	CountActiveLikeListings(ctx context.Context, accountID, excludeListingID string) (int, error)
}

// AttemptRepository is the append-only store behind the attempt ledger.
type AttemptRepository interface {
	AppendAttempt(ctx context.Context, rec *AttemptRecord) error

	// CountAttempts counts non-archived records of the listing with one of
	// the given actions created at or after since.
	CountAttempts(ctx context.Context, listingID string, actions []Action, since time.Time) (int, error)

	// ArchiveAttempts tags every open record of the listing as archived and
	// returns how many were tagged.
	ArchiveAttempts(ctx context.Context, listingID string, at time.Time, reason string) (int64, error)

	// ListAttempts returns the full history, archived records included,
	// oldest first.
	ListAttempts(ctx context.Context, listingID string) ([]AttemptRecord, error)
}

// CursorRepository defines persistence operations for stream cursors.
type CursorRepository interface {
	// GetCursor retrieves the last-processed cursor for the given consumer.
	// Returns 0 if no cursor has been saved.
	GetCursor(ctx context.Context, consumer string) (int64, error)

	// UpdateCursor persists the cursor so we can resume on restart.
	UpdateCursor(ctx context.Context, consumer string, cursor int64) error
}

// AttemptCounterCache is a best-effort cache of qualifying attempt counts.
// It is never trusted for the attempt limit decision itself.
type AttemptCounterCache interface {
	GetCount(ctx context.Context, listingID string, window time.Duration) (int, bool, error)
	SetCount(ctx context.Context, listingID string, window time.Duration, count int) error
	Invalidate(ctx context.Context, listingID string) error
}

// ContentScreener judges listing content. A negative judgment is a Verdict;
// a returned error always means the screener itself failed.
type ContentScreener interface {
	Screen(ctx context.Context, req ScreenRequest) (Verdict, error)
}

// NotificationDispatcher delivers moderation outcomes. Implementations are
// expected to retry on their own; the engine only logs their errors.
type NotificationDispatcher interface {
	NotifyOwner(ctx context.Context, n Notification) error
	NotifyModerators(ctx context.Context, n Notification) error
}

// MetricsRecorder receives engine telemetry.
type MetricsRecorder interface {
	ObserveDecision(action Action, status Status)
	ObserveScreen(d time.Duration, err error)
	ObserveFallback()
	ObserveQuotaDenied(tier Tier)
	ObserveConflict()
}

type noopMetrics struct{}

func (noopMetrics) ObserveDecision(Action, Status)     {}
func (noopMetrics) ObserveScreen(time.Duration, error) {}
func (noopMetrics) ObserveFallback()                   {}
func (noopMetrics) ObserveQuotaDenied(Tier)            {}
func (noopMetrics) ObserveConflict()                   {}
