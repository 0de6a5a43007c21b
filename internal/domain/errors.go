package domain

import "errors"

var (
	// ErrListingNotFound is returned when a listing does not exist.
	ErrListingNotFound = errors.New("listing not found")
	// ErrStatusConflict is returned when a compare-and-set transition lost
	// against a concurrent writer.
	ErrStatusConflict = errors.New("listing status changed concurrently")
	// ErrQuotaExceeded is returned by a conditional activation when the
	// account has no room left.
	ErrQuotaExceeded = errors.New("account quota exceeded")
	// ErrScreenerUnavailable marks a screener failure (timeout, outage,
	// malformed verdict) as opposed to a negative verdict.
	ErrScreenerUnavailable = errors.New("content screener unavailable")
	// ErrQuotaCheckFailed is returned when the quota data source failed.
	ErrQuotaCheckFailed = errors.New("quota check failed")
	// ErrInvalidAction is returned for unknown moderator actions.
	ErrInvalidAction = errors.New("invalid moderation action")
	// ErrInvalidTransition is returned when a listing cannot move to the
	// requested state from its current one.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// ErrAccountNotFound is returned by AccountRepository.GetAccount for
// accounts that do not exist yet.
var ErrAccountNotFound = errors.New("account not found")
