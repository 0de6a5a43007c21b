package domain

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Ledger is the system of record for a listing's moderation attempts. The
// stored log is authoritative; the optional counter cache only serves reads
// that can tolerate staleness.
type Ledger struct {
	repo   AttemptRepository
	cache  AttemptCounterCache
	logger *zap.Logger
	now    func() time.Time
}

// NewLedger creates a Ledger. cache may be nil.
func NewLedger(repo AttemptRepository, cache AttemptCounterCache, logger *zap.Logger) *Ledger {
	return &Ledger{
		repo:   repo,
		cache:  cache,
		logger: logger.With(zap.String("module", "ledger")),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (l *Ledger) newRecord(listingID string, action Action, status Status, reason string, details Details, moderator *string) AttemptRecord {
	return AttemptRecord{
		ID:        uuid.New().String(),
		ListingID: listingID,
		Action:    action,
		Status:    status,
		Reason:    reason,
		Moderator: moderator,
		Details:   details,
		CreatedAt: l.now(),
	}
}

// Record appends a new attempt record.
func (l *Ledger) Record(ctx context.Context, listingID string, action Action, status Status, reason string, details Details, moderator *string) (*AttemptRecord, error) {
	rec := l.newRecord(listingID, action, status, reason, details, moderator)
	if err := l.repo.AppendAttempt(ctx, &rec); err != nil {
		return nil, fmt.Errorf("append attempt: %w", err)
	}
	if action.Qualifying() {
		l.invalidate(ctx, listingID)
	}
	return &rec, nil
}

// CountQualifyingAttempts counts the listing's non-archived qualifying
// records inside the window, preferring the cached counter.
func (l *Ledger) CountQualifyingAttempts(ctx context.Context, listingID string, window time.Duration) (int, error) {
	if l.cache != nil {
		n, ok, err := l.cache.GetCount(ctx, listingID, window)
		if err != nil {
			l.logger.Warn("attempt counter cache read failed", zap.String("listing_id", listingID), zap.Error(err))
		} else if ok {
			return n, nil
		}
	}
	return l.countFresh(ctx, listingID, window)
}

// countFresh always reads the stored log and refreshes the cache.
func (l *Ledger) countFresh(ctx context.Context, listingID string, window time.Duration) (int, error) {
	n, err := l.repo.CountAttempts(ctx, listingID, QualifyingActions, l.now().Add(-window))
	if err != nil {
		return 0, fmt.Errorf("count attempts: %w", err)
	}
	if l.cache != nil {
		if err := l.cache.SetCount(ctx, listingID, window, n); err != nil {
			l.logger.Warn("attempt counter cache write failed", zap.String("listing_id", listingID), zap.Error(err))
		}
	}
	return n, nil
}

// ArchivePriorRecords tags every open record of the listing as archived so
// that it stops counting, keeping the audit trail intact.
func (l *Ledger) ArchivePriorRecords(ctx context.Context, listingID, reason string) (int64, error) {
	n, err := l.repo.ArchiveAttempts(ctx, listingID, l.now(), reason)
	if err != nil {
		return 0, fmt.Errorf("archive attempts: %w", err)
	}
	l.invalidate(ctx, listingID)
	return n, nil
}

// History returns every record of the listing, archived ones included.
func (l *Ledger) History(ctx context.Context, listingID string) ([]AttemptRecord, error) {
	recs, err := l.repo.ListAttempts(ctx, listingID)
	if err != nil {
		return nil, fmt.Errorf("list attempts: %w", err)
	}
	return recs, nil
}

func (l *Ledger) invalidate(ctx context.Context, listingID string) {
	if l.cache == nil {
		return
	}
	if err := l.cache.Invalidate(ctx, listingID); err != nil {
		l.logger.Warn("attempt counter cache invalidation failed", zap.String("listing_id", listingID), zap.Error(err))
	}
}
