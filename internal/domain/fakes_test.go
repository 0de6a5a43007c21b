package domain_test

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/blackmichael/adgate/internal/domain"
)

// memStore implements the listing, account and attempt repositories with the
// same transactional guarantees as the SQL stores.
type memStore struct {
	mu       sync.Mutex
	listings map[string]*domain.Listing
	accounts map[string]*domain.Account
	attempts []domain.AttemptRecord

	countErr   error
	accountErr error

	// beforeApply runs inside ApplyTransition before the version check,
	// without the store lock held.
	beforeApply func(t domain.Transition)
}

func newMemStore() *memStore {
	return &memStore{
		listings: make(map[string]*domain.Listing),
		accounts: make(map[string]*domain.Account),
	}
}

func (s *memStore) addAccount(a domain.Account) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts[a.ID] = &a
}

func (s *memStore) addListing(l domain.Listing) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l.Version == 0 {
		l.Version = 1
	}
	s.listings[l.ID] = &l
}

func (s *memStore) addAttempt(r domain.AttemptRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts = append(s.attempts, r)
}

func (s *memStore) listing(id string) domain.Listing {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.listings[id]
}

func (s *memStore) records(id string) []domain.AttemptRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.AttemptRecord
	for _, r := range s.attempts {
		if r.ListingID == id {
			out = append(out, r)
		}
	}
	return out
}

func (s *memStore) GetListing(_ context.Context, id string) (*domain.Listing, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.listings[id]
	if !ok {
		return nil, domain.ErrListingNotFound
	}
	cp := *l
	return &cp, nil
}

func (s *memStore) quotaCountLocked(accountID, exclude string) int {
	n := 0
	for _, l := range s.listings {
		if l.AccountID != accountID || l.ID == exclude {
			continue
		}
		for _, st := range domain.QuotaStatuses {
			if l.Status == st {
				n++
			}
		}
	}
	return n
}

func (s *memStore) ApplyTransition(_ context.Context, t domain.Transition) error {
	if s.beforeApply != nil {
		s.beforeApply(t)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.listings[t.ListingID]
	if !ok {
		return domain.ErrListingNotFound
	}
	if l.Version != t.ExpectedVersion {
		return domain.ErrStatusConflict
	}
	if t.QuotaLimit > 0 && s.quotaCountLocked(l.AccountID, l.ID) >= t.QuotaLimit {
		return domain.ErrQuotaExceeded
	}

	updated := t.Change.Apply(*l)
	updated.Version++
	s.listings[l.ID] = &updated

	if t.ArchivePrior {
		s.archiveLocked(l.ID, time.Now().UTC(), t.ArchiveReason)
	}
	if t.Attempt != nil {
		s.attempts = append(s.attempts, *t.Attempt)
	}
	return nil
}

func (s *memStore) UpdateContent(_ context.Context, u domain.ContentUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.listings[u.Edit.ListingID]
	if !ok {
		return domain.ErrListingNotFound
	}
	if l.Version != u.ExpectedVersion {
		return domain.ErrStatusConflict
	}
	l.Title = u.Edit.Title
	l.Description = u.Edit.Description
	l.Price = u.Edit.Price
	l.Attributes = u.Edit.Attributes
	l.Version++

	if u.QuotaLimit > 0 && s.quotaCountLocked(l.AccountID, l.ID) >= u.QuotaLimit {
		return domain.ErrQuotaExceeded
	}
	updated := u.Change.Apply(*l)
	s.listings[l.ID] = &updated
	return nil
}

func (s *memStore) ListPendingBefore(_ context.Context, before time.Time, limit int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for _, l := range s.listings {
		if (l.Status == domain.StatusPending || l.QuotaHeld) && l.UpdatedAt.Before(before) {
			ids = append(ids, l.ID)
		}
	}
	sort.Strings(ids)
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

func (s *memStore) GetAccount(_ context.Context, id string) (*domain.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.accountErr != nil {
		return nil, s.accountErr
	}
	a, ok := s.accounts[id]
	if !ok {
		return nil, domain.ErrAccountNotFound
	}
	cp := *a
	return &cp, nil
}

func (s *memStore) CountActiveLikeListings(_ context.Context, accountID, exclude string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.countErr != nil {
		return 0, s.countErr
	}
	return s.quotaCountLocked(accountID, exclude), nil
}

func (s *memStore) AppendAttempt(_ context.Context, rec *domain.AttemptRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts = append(s.attempts, *rec)
	return nil
}

func (s *memStore) CountAttempts(_ context.Context, listingID string, actions []domain.Action, since time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, r := range s.attempts {
		if r.ListingID != listingID || r.ArchivedAt != nil || r.CreatedAt.Before(since) {
			continue
		}
		for _, a := range actions {
			if r.Action == a {
				n++
			}
		}
	}
	return n, nil
}

func (s *memStore) ArchiveAttempts(_ context.Context, listingID string, at time.Time, reason string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.archiveLocked(listingID, at, reason), nil
}

func (s *memStore) archiveLocked(listingID string, at time.Time, reason string) int64 {
	var n int64
	for i := range s.attempts {
		r := &s.attempts[i]
		if r.ListingID == listingID && r.ArchivedAt == nil {
			ts := at
			r.ArchivedAt = &ts
			r.ArchiveReason = reason
			n++
		}
	}
	return n
}

func (s *memStore) ListAttempts(_ context.Context, listingID string) ([]domain.AttemptRecord, error) {
	recs := s.records(listingID)
	sort.SliceStable(recs, func(i, j int) bool { return recs[i].CreatedAt.Before(recs[j].CreatedAt) })
	return recs, nil
}

// stubScreener returns queued verdicts in order, repeating the last one.
type stubScreener struct {
	mu       sync.Mutex
	verdicts []domain.Verdict
	err      error
	delay    time.Duration
	calls    int
}

func (s *stubScreener) Screen(ctx context.Context, _ domain.ScreenRequest) (domain.Verdict, error) {
	s.mu.Lock()
	s.calls++
	call := s.calls
	s.mu.Unlock()

	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return domain.Verdict{}, ctx.Err()
		}
	}
	if s.err != nil {
		return domain.Verdict{}, s.err
	}
	if len(s.verdicts) == 0 {
		return approved(), nil
	}
	i := call - 1
	if i >= len(s.verdicts) {
		i = len(s.verdicts) - 1
	}
	return s.verdicts[i], nil
}

func (s *stubScreener) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func approved() domain.Verdict {
	return domain.Verdict{Outcome: domain.OutcomeApproved, Confidence: 0.98, Reason: "ok"}
}

func rejected() domain.Verdict {
	return domain.Verdict{
		Outcome:            domain.OutcomeRejected,
		Confidence:         0.91,
		ViolatedCategories: []string{"profanity"},
		FlaggedSpans:       []domain.FlaggedSpan{{Original: "damn", Replacement: "d**n"}},
		Reason:             "offensive language",
		Suggestions:        []string{"remove offensive words"},
	}
}

func needsReview() domain.Verdict {
	v := rejected()
	v.Outcome = domain.OutcomeNeedsReview
	v.Confidence = 0.6
	return v
}

// recordingNotifier captures notifications and can be made to fail.
type recordingNotifier struct {
	mu         sync.Mutex
	owner      []domain.Notification
	moderators []domain.Notification
	err        error
}

func (n *recordingNotifier) NotifyOwner(_ context.Context, msg domain.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.owner = append(n.owner, msg)
	return n.err
}

func (n *recordingNotifier) NotifyModerators(_ context.Context, msg domain.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.moderators = append(n.moderators, msg)
	return n.err
}

func (n *recordingNotifier) ownerMessages() []domain.Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]domain.Notification(nil), n.owner...)
}

func (n *recordingNotifier) moderatorMessages() []domain.Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]domain.Notification(nil), n.moderators...)
}

// mapCache is an in-memory AttemptCounterCache.
type mapCache struct {
	mu      sync.Mutex
	counts  map[string]int
	getErr  error
	invalid int
}

func newMapCache() *mapCache {
	return &mapCache{counts: make(map[string]int)}
}

func (c *mapCache) GetCount(_ context.Context, id string, _ time.Duration) (int, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.getErr != nil {
		return 0, false, c.getErr
	}
	n, ok := c.counts[id]
	return n, ok, nil
}

func (c *mapCache) SetCount(_ context.Context, id string, _ time.Duration, n int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counts[id] = n
	return nil
}

func (c *mapCache) Invalidate(_ context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.counts, id)
	c.invalid++
	return nil
}

var errBoom = errors.New("boom")
