package domain_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/blackmichael/adgate/internal/domain"
)

type fixture struct {
	store    *memStore
	screener *stubScreener
	notifier *recordingNotifier
	engine   *domain.Engine
}

func newFixture(t *testing.T, verdicts ...domain.Verdict) *fixture {
	t.Helper()
	f := &fixture{
		store:    newMemStore(),
		screener: &stubScreener{verdicts: verdicts},
		notifier: &recordingNotifier{},
	}
	logger := zaptest.NewLogger(t)
	engine, err := domain.NewEngine(domain.EngineDeps{
		Listings: f.store,
		Accounts: f.store,
		Ledger:   domain.NewLedger(f.store, nil, logger),
		Screener: f.screener,
		Notifier: f.notifier,
	}, domain.EngineConfig{ScreenTimeout: 50 * time.Millisecond}, logger)
	require.NoError(t, err)
	f.engine = engine
	return f
}

func (f *fixture) basicAccount(id string) {
	f.store.addAccount(domain.Account{ID: id, Tier: domain.TierBasic})
}

func (f *fixture) listing(id, account string, status domain.Status) {
	f.store.addListing(domain.Listing{
		ID:          id,
		AccountID:   account,
		OwnerID:     "owner-" + account,
		Title:       "2014 Volvo V70, damn fine car",
		Description: "One owner, full service history.",
		Price:       8900,
		Status:      status,
		IsValidated: status == domain.StatusActive,
		UpdatedAt:   time.Now().Add(-time.Hour),
	})
}

func (f *fixture) qualifying(t *testing.T, id string) int {
	t.Helper()
	n, err := f.engine.Ledger().CountQualifyingAttempts(context.Background(), id, domain.DefaultWindow)
	require.NoError(t, err)
	return n
}

func TestNewEngine_RequiresCollaborators(t *testing.T) {
	logger := zaptest.NewLogger(t)
	_, err := domain.NewEngine(domain.EngineDeps{}, domain.EngineConfig{}, logger)
	assert.Error(t, err)
}

func TestEvaluate_ApprovedWithinQuota(t *testing.T) {
	f := newFixture(t, approved())
	f.basicAccount("acc-1")
	f.listing("ad-1", "acc-1", domain.StatusPending)

	d, err := f.engine.Evaluate(context.Background(), "ad-1")
	require.NoError(t, err)

	assert.Equal(t, domain.StatusActive, d.Status)
	assert.Equal(t, domain.ActionAutoApproved, d.Action)
	assert.Equal(t, domain.MaxAttempts, d.RemainingAttempts)
	require.NotNil(t, d.Quota)
	assert.True(t, d.Quota.Allowed)

	l := f.store.listing("ad-1")
	assert.Equal(t, domain.StatusActive, l.Status)
	assert.True(t, l.IsValidated)
	assert.NotNil(t, l.ModeratedAt)
	assert.Nil(t, l.ModeratedBy)

	recs := f.store.records("ad-1")
	require.Len(t, recs, 1)
	assert.Equal(t, domain.ActionAutoApproved, recs[0].Action)
	assert.Equal(t, domain.StatusActive, recs[0].Status)

	msgs := f.notifier.ownerMessages()
	require.Len(t, msgs, 1)
	assert.Equal(t, domain.ActionAutoApproved, msgs[0].Action)
	assert.Empty(t, f.notifier.moderatorMessages())
}

func TestEvaluate_QuotaDenied(t *testing.T) {
	tests := []struct {
		name   string
		status domain.Status
		want   domain.Status
	}{
		{name: "draft stays draft", status: domain.StatusDraft, want: domain.StatusDraft},
		{name: "pending is parked in draft", status: domain.StatusPending, want: domain.StatusDraft},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, approved())
			f.basicAccount("acc-1")
			f.listing("live", "acc-1", domain.StatusActive)
			f.listing("ad-2", "acc-1", tt.status)

			d, err := f.engine.Evaluate(context.Background(), "ad-2")
			require.NoError(t, err)

			assert.Equal(t, tt.want, d.Status)
			assert.Empty(t, d.Action)
			require.NotNil(t, d.Quota)
			assert.False(t, d.Quota.Allowed)
			assert.Equal(t, 1, d.Quota.CurrentActiveCount)
			require.NotNil(t, d.Quota.MaxAllowed)
			assert.Equal(t, 1, *d.Quota.MaxAllowed)

			l := f.store.listing("ad-2")
			assert.Equal(t, tt.want, l.Status)
			assert.False(t, l.IsValidated)
			assert.True(t, l.QuotaHeld)
			assert.Contains(t, l.ModerationReason, "BASIC account can only have 1 active ad(s)")
			assert.Empty(t, f.store.records("ad-2"))
			assert.Equal(t, 0, f.qualifying(t, "ad-2"))

			n, err := f.store.CountActiveLikeListings(context.Background(), "acc-1", "")
			require.NoError(t, err)
			assert.Equal(t, 1, n)
		})
	}
}

func TestEvaluate_PendingListingsOnBasicAccountSettle(t *testing.T) {
	tests := []struct {
		name    string
		verdict domain.Verdict
		want    domain.Status
	}{
		{name: "approved", verdict: approved(), want: domain.StatusActive},
		{name: "rejected", verdict: rejected(), want: domain.StatusNeedsReview},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, tt.verdict)
			f.basicAccount("acc-1")
			f.listing("ad-1", "acc-1", domain.StatusPending)
			f.listing("ad-2", "acc-1", domain.StatusPending)

			for pass := 0; pass < 2; pass++ {
				for _, id := range []string{"ad-1", "ad-2"} {
					_, err := f.engine.Evaluate(context.Background(), id)
					require.NoError(t, err)
				}
			}

			n, err := f.store.CountActiveLikeListings(context.Background(), "acc-1", "")
			require.NoError(t, err)
			assert.Equal(t, 1, n)

			assert.Equal(t, domain.StatusDraft, f.store.listing("ad-1").Status)
			assert.Equal(t, tt.want, f.store.listing("ad-2").Status)
		})
	}
}

func TestEvaluate_PremiumIsUnlimited(t *testing.T) {
	f := newFixture(t, approved())
	f.store.addAccount(domain.Account{ID: "dealer", Tier: domain.TierPremium})
	f.listing("a", "dealer", domain.StatusActive)
	f.listing("b", "dealer", domain.StatusActive)
	f.listing("c", "dealer", domain.StatusPending)

	d, err := f.engine.Evaluate(context.Background(), "c")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusActive, d.Status)
	require.NotNil(t, d.Quota)
	assert.Nil(t, d.Quota.MaxAllowed)
}

func TestEvaluate_UnknownAccountIsAllowed(t *testing.T) {
	f := newFixture(t, approved())
	f.listing("ad-1", "new-account", domain.StatusDraft)

	d, err := f.engine.Evaluate(context.Background(), "ad-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusActive, d.Status)
	assert.Equal(t, domain.TierBasic, d.Quota.AccountTier)
}

func TestEvaluate_RepeatedRejectionsExhaustAttempts(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, rejected())
	f.basicAccount("acc-1")
	f.listing("ad-1", "acc-1", domain.StatusPending)

	d, err := f.engine.Evaluate(ctx, "ad-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusNeedsReview, d.Status)
	assert.Equal(t, domain.ActionAutoRejected, d.Action)
	assert.Equal(t, 1, d.AttemptsCount)
	assert.Equal(t, 2, d.RemainingAttempts)

	edit := domain.ListingEdit{ListingID: "ad-1", Title: "2014 Volvo V70, damn good", Description: "Still great.", Price: 8500}
	d, err = f.engine.Resubmit(ctx, edit)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusNeedsReview, d.Status)
	assert.Equal(t, 1, d.RemainingAttempts)

	d, err = f.engine.Resubmit(ctx, edit)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRejected, d.Status)
	assert.Equal(t, domain.ActionAutoRejected, d.Action)
	assert.Equal(t, 3, d.AttemptsCount)

	l := f.store.listing("ad-1")
	assert.Equal(t, domain.StatusRejected, l.Status)
	assert.Equal(t, "max attempts reached", l.ModerationReason)
	assert.Equal(t, 3, f.qualifying(t, "ad-1"))

	mods := f.notifier.moderatorMessages()
	require.Len(t, mods, 1)
	assert.Equal(t, 3, mods[0].Details.AttemptsCount)
	assert.Equal(t, []string{"profanity"}, mods[0].Details.ViolatedCategories)

	_, err = f.engine.Resubmit(ctx, edit)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
	assert.Equal(t, 3, f.screener.callCount())
	assert.Equal(t, 3, f.qualifying(t, "ad-1"))
}

func TestEvaluate_OwnerNotificationHidesScreenerInternals(t *testing.T) {
	f := newFixture(t, needsReview())
	f.basicAccount("acc-1")
	f.listing("ad-1", "acc-1", domain.StatusPending)

	d, err := f.engine.Evaluate(context.Background(), "ad-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusNeedsReview, d.Status)
	assert.Equal(t, domain.ActionFlagged, d.Action)
	assert.Equal(t, 0, d.AttemptsCount)
	assert.Equal(t, domain.MaxAttempts, d.RemainingAttempts)

	recs := f.store.records("ad-1")
	require.Len(t, recs, 1)
	assert.Equal(t, []string{"profanity"}, recs[0].Details.ViolatedCategories)
	assert.InDelta(t, 0.6, recs[0].Details.Confidence, 1e-9)

	msgs := f.notifier.ownerMessages()
	require.Len(t, msgs, 1)
	owner := msgs[0].Details
	assert.Equal(t, "2014 Volvo V70, d**n fine car", owner.CensoredTitle)
	assert.Equal(t, []string{"remove offensive words"}, owner.Suggestions)
	assert.Empty(t, owner.ViolatedCategories)
	assert.Empty(t, owner.FlaggedSpans)
	assert.Zero(t, owner.Confidence)
}

func TestEvaluate_ApprovalArchivesPriorAttempts(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, approved())
	f.basicAccount("acc-1")
	f.listing("ad-1", "acc-1", domain.StatusNeedsReview)
	f.store.addAttempt(domain.AttemptRecord{
		ID: "prior-1", ListingID: "ad-1", Action: domain.ActionAutoRejected,
		Status: domain.StatusNeedsReview, CreatedAt: time.Now().Add(-2 * time.Hour),
	})
	f.store.addAttempt(domain.AttemptRecord{
		ID: "prior-2", ListingID: "ad-1", Action: domain.ActionFlagged,
		Status: domain.StatusNeedsReview, CreatedAt: time.Now().Add(-time.Hour),
	})
	require.Equal(t, 1, f.qualifying(t, "ad-1"))

	d, err := f.engine.Resubmit(ctx, domain.ListingEdit{ListingID: "ad-1", Title: "2014 Volvo V70", Description: "Clean.", Price: 8900})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusActive, d.Status)
	assert.Equal(t, 0, f.qualifying(t, "ad-1"))

	hist, err := f.engine.Ledger().History(ctx, "ad-1")
	require.NoError(t, err)
	require.Len(t, hist, 4)
	for _, r := range hist {
		switch r.ID {
		case "prior-1", "prior-2":
			assert.NotNil(t, r.ArchivedAt, r.ID)
			assert.Equal(t, "approved", r.ArchiveReason)
		}
	}
	assert.Equal(t, domain.ActionEdited, hist[2].Action)
	assert.Equal(t, domain.ActionAutoApproved, hist[3].Action)
	assert.Nil(t, hist[3].ArchivedAt)

	l := f.store.listing("ad-1")
	assert.Equal(t, "2014 Volvo V70", l.Title)
	assert.True(t, l.IsValidated)
}

func TestEvaluate_ScreenerFailureFailsOpen(t *testing.T) {
	tests := []struct {
		name     string
		screener *stubScreener
	}{
		{name: "error", screener: &stubScreener{err: errBoom}},
		{name: "timeout", screener: &stubScreener{delay: time.Second}},
		{name: "malformed verdict", screener: &stubScreener{verdicts: []domain.Verdict{{Outcome: "maybe"}}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.screener = tt.screener
			logger := zaptest.NewLogger(t)
			engine, err := domain.NewEngine(domain.EngineDeps{
				Listings: f.store,
				Accounts: f.store,
				Ledger:   domain.NewLedger(f.store, nil, logger),
				Screener: tt.screener,
				Notifier: f.notifier,
			}, domain.EngineConfig{ScreenTimeout: 20 * time.Millisecond}, logger)
			require.NoError(t, err)

			f.basicAccount("acc-1")
			f.listing("ad-1", "acc-1", domain.StatusPending)

			d, err := engine.Evaluate(context.Background(), "ad-1")
			require.NoError(t, err)
			assert.Equal(t, domain.StatusActive, d.Status)
			assert.True(t, d.Fallback)

			recs := f.store.records("ad-1")
			require.Len(t, recs, 1)
			assert.Equal(t, domain.ActionAutoApproved, recs[0].Action)
			assert.True(t, recs[0].Details.Fallback)
			assert.NotEmpty(t, recs[0].Details.ScreenerError)
		})
	}
}

func TestEvaluate_QuotaCheckFailureFailsClosed(t *testing.T) {
	f := newFixture(t, approved())
	f.basicAccount("acc-1")
	f.listing("ad-1", "acc-1", domain.StatusPending)
	f.store.countErr = errBoom

	_, err := f.engine.Evaluate(context.Background(), "ad-1")
	require.ErrorIs(t, err, domain.ErrQuotaCheckFailed)

	l := f.store.listing("ad-1")
	assert.Equal(t, domain.StatusPending, l.Status)
	assert.False(t, l.IsValidated)
	assert.Empty(t, f.store.records("ad-1"))
	assert.Empty(t, f.notifier.ownerMessages())
}

func TestEvaluate_AccountLookupFailureFailsClosed(t *testing.T) {
	f := newFixture(t, approved())
	f.listing("ad-1", "acc-1", domain.StatusDraft)
	f.store.accountErr = errBoom

	_, err := f.engine.Evaluate(context.Background(), "ad-1")
	require.ErrorIs(t, err, domain.ErrQuotaCheckFailed)
	assert.ErrorIs(t, err, errBoom)

	assert.Equal(t, domain.StatusDraft, f.store.listing("ad-1").Status)
	assert.Empty(t, f.store.records("ad-1"))
	assert.Zero(t, f.screener.callCount())
}

func TestEvaluate_ActiveListingIsNoop(t *testing.T) {
	f := newFixture(t, approved())
	f.basicAccount("acc-1")
	f.listing("ad-1", "acc-1", domain.StatusPending)

	_, err := f.engine.Evaluate(context.Background(), "ad-1")
	require.NoError(t, err)

	d, err := f.engine.Evaluate(context.Background(), "ad-1")
	require.NoError(t, err)
	assert.True(t, d.Unchanged)
	assert.Equal(t, domain.StatusActive, d.Status)
	assert.Len(t, f.store.records("ad-1"), 1)
	assert.Equal(t, 1, f.screener.callCount())
}

func TestEvaluate_TerminalStatuses(t *testing.T) {
	for _, st := range []domain.Status{domain.StatusRejected, domain.StatusBlocked} {
		t.Run(string(st), func(t *testing.T) {
			f := newFixture(t, approved())
			f.listing("ad-1", "acc-1", st)

			_, err := f.engine.Evaluate(context.Background(), "ad-1")
			assert.ErrorIs(t, err, domain.ErrInvalidTransition)
			assert.Zero(t, f.screener.callCount())
		})
	}
}

func TestEvaluate_ListingNotFound(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.Evaluate(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrListingNotFound)
}

func TestEvaluate_AttemptLimitCheckedBeforeScreening(t *testing.T) {
	f := newFixture(t, approved())
	f.basicAccount("acc-1")
	f.listing("ad-1", "acc-1", domain.StatusPending)
	for i := 0; i < domain.MaxAttempts; i++ {
		f.store.addAttempt(domain.AttemptRecord{
			ID: "old", ListingID: "ad-1", Action: domain.ActionRejected,
			CreatedAt: time.Now().Add(-time.Duration(i+1) * 24 * time.Hour),
		})
	}

	d, err := f.engine.Evaluate(context.Background(), "ad-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRejected, d.Status)
	assert.Equal(t, domain.ActionRejected, d.Action)
	assert.Equal(t, "max attempts reached", d.Reason)
	assert.Zero(t, f.screener.callCount())

	assert.Len(t, f.notifier.ownerMessages(), 1)
	mods := f.notifier.moderatorMessages()
	require.Len(t, mods, 1)
	assert.Equal(t, 3, mods[0].Details.AttemptsCount)
}

func TestEvaluate_AttemptsOutsideWindowDoNotCount(t *testing.T) {
	f := newFixture(t, approved())
	f.basicAccount("acc-1")
	f.listing("ad-1", "acc-1", domain.StatusPending)
	for i := 0; i < domain.MaxAttempts; i++ {
		f.store.addAttempt(domain.AttemptRecord{
			ID: "stale", ListingID: "ad-1", Action: domain.ActionAutoRejected,
			CreatedAt: time.Now().Add(-31 * 24 * time.Hour),
		})
	}

	d, err := f.engine.Evaluate(context.Background(), "ad-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusActive, d.Status)
	assert.Equal(t, 1, f.screener.callCount())
}

func TestEvaluate_BypassSkipsScreening(t *testing.T) {
	f := newFixture(t, rejected())
	f.store.addAccount(domain.Account{ID: "manager", Tier: domain.TierBasic, BypassModeration: true})
	f.listing("other", "manager", domain.StatusActive)
	f.listing("ad-1", "manager", domain.StatusDraft)

	d, err := f.engine.Evaluate(context.Background(), "ad-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusActive, d.Status)
	assert.Equal(t, domain.ActionManuallyApproved, d.Action)
	assert.Zero(t, f.screener.callCount())

	l := f.store.listing("ad-1")
	assert.True(t, l.IsValidated)
	recs := f.store.records("ad-1")
	require.Len(t, recs, 1)
	assert.Equal(t, domain.ActionManuallyApproved, recs[0].Action)
}

func TestEvaluate_FlagFromDraftRespectsQuota(t *testing.T) {
	f := newFixture(t, rejected())
	f.basicAccount("acc-1")
	f.listing("live", "acc-1", domain.StatusActive)
	f.listing("ad-2", "acc-1", domain.StatusDraft)

	d, err := f.engine.Evaluate(context.Background(), "ad-2")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDraft, d.Status)
	assert.Equal(t, domain.ActionAutoRejected, d.Action)

	assert.Equal(t, domain.StatusDraft, f.store.listing("ad-2").Status)
	recs := f.store.records("ad-2")
	require.Len(t, recs, 1)
	assert.Equal(t, domain.StatusDraft, recs[0].Status)
	assert.Equal(t, 1, f.qualifying(t, "ad-2"))
}

func TestEvaluate_NotificationFailureDoesNotFailDecision(t *testing.T) {
	f := newFixture(t, approved())
	f.notifier.err = errBoom
	f.basicAccount("acc-1")
	f.listing("ad-1", "acc-1", domain.StatusPending)

	d, err := f.engine.Evaluate(context.Background(), "ad-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusActive, d.Status)
}

func TestEvaluate_RetriesAfterConcurrentModeratorAction(t *testing.T) {
	f := newFixture(t, approved())
	f.basicAccount("acc-1")
	f.listing("ad-1", "acc-1", domain.StatusPending)

	var once sync.Once
	f.store.beforeApply = func(domain.Transition) {
		once.Do(func() {
			f.store.mu.Lock()
			defer f.store.mu.Unlock()
			l := f.store.listings["ad-1"]
			l.Status = domain.StatusBlocked
			l.Version++
		})
	}

	_, err := f.engine.Evaluate(context.Background(), "ad-1")
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
	assert.Equal(t, domain.StatusBlocked, f.store.listing("ad-1").Status)
	assert.Empty(t, f.store.records("ad-1"))
}

func TestEvaluate_ConcurrentSubmissionsNeverExceedBasicQuota(t *testing.T) {
	f := newFixture(t, approved())
	f.basicAccount("acc-1")
	ids := []string{"ad-1", "ad-2", "ad-3", "ad-4", "ad-5"}
	for _, id := range ids {
		f.listing(id, "acc-1", domain.StatusDraft)
	}

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_, err := f.engine.Evaluate(context.Background(), id)
			assert.NoError(t, err)
		}(id)
	}
	wg.Wait()

	n, err := f.store.CountActiveLikeListings(context.Background(), "acc-1", "")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	for _, id := range ids {
		l := f.store.listing(id)
		if l.Status == domain.StatusActive {
			assert.True(t, l.IsValidated)
			continue
		}
		assert.Equal(t, domain.StatusDraft, l.Status)
		assert.Contains(t, l.ModerationReason, "BASIC account can only have 1 active ad(s)")
	}
}

func TestOverride(t *testing.T) {
	tests := []struct {
		name      string
		from      domain.Status
		action    domain.Action
		want      domain.Status
		validated bool
	}{
		{name: "approve rejected", from: domain.StatusRejected, action: domain.ActionManuallyApproved, want: domain.StatusActive, validated: true},
		{name: "activate blocked", from: domain.StatusBlocked, action: domain.ActionActivated, want: domain.StatusActive, validated: true},
		{name: "reject active", from: domain.StatusActive, action: domain.ActionRejected, want: domain.StatusRejected},
		{name: "block pending", from: domain.StatusPending, action: domain.ActionBlocked, want: domain.StatusBlocked},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.basicAccount("acc-1")
			f.listing("live", "acc-1", domain.StatusActive)
			f.listing("ad-1", "acc-1", tt.from)

			d, err := f.engine.Override(context.Background(), domain.ManualAction{
				ListingID: "ad-1", Moderator: "mod-7", Action: tt.action, Reason: "checked by hand",
			})
			require.NoError(t, err)
			assert.Equal(t, tt.want, d.Status)

			l := f.store.listing("ad-1")
			assert.Equal(t, tt.want, l.Status)
			assert.Equal(t, tt.validated, l.IsValidated)
			require.NotNil(t, l.ModeratedBy)
			assert.Equal(t, "mod-7", *l.ModeratedBy)
			assert.Equal(t, "checked by hand", l.ModerationReason)

			recs := f.store.records("ad-1")
			require.Len(t, recs, 1)
			assert.Equal(t, tt.action, recs[0].Action)
			require.NotNil(t, recs[0].Moderator)
			assert.Equal(t, "mod-7", *recs[0].Moderator)
			assert.Zero(t, f.screener.callCount())
			assert.Len(t, f.notifier.ownerMessages(), 1)
		})
	}
}

func TestOverride_ApprovalArchivesAttempts(t *testing.T) {
	f := newFixture(t)
	f.listing("ad-1", "acc-1", domain.StatusRejected)
	for i := 0; i < domain.MaxAttempts; i++ {
		f.store.addAttempt(domain.AttemptRecord{ID: "r", ListingID: "ad-1", Action: domain.ActionAutoRejected, CreatedAt: time.Now()})
	}

	_, err := f.engine.Override(context.Background(), domain.ManualAction{ListingID: "ad-1", Moderator: "mod-1", Action: domain.ActionManuallyApproved})
	require.NoError(t, err)
	assert.Equal(t, 0, f.qualifying(t, "ad-1"))
}

func TestOverride_InvalidInput(t *testing.T) {
	f := newFixture(t)
	f.listing("ad-1", "acc-1", domain.StatusPending)

	_, err := f.engine.Override(context.Background(), domain.ManualAction{ListingID: "ad-1", Moderator: "mod-1", Action: domain.ActionFlagged})
	assert.ErrorIs(t, err, domain.ErrInvalidAction)

	_, err = f.engine.Override(context.Background(), domain.ManualAction{ListingID: "ad-1", Action: domain.ActionBlocked})
	assert.ErrorIs(t, err, domain.ErrInvalidAction)

	_, err = f.engine.Override(context.Background(), domain.ManualAction{ListingID: "nope", Moderator: "mod-1", Action: domain.ActionBlocked})
	assert.ErrorIs(t, err, domain.ErrListingNotFound)
}

func TestResubmit_DraftWithoutQuotaStaysDraft(t *testing.T) {
	f := newFixture(t, approved())
	f.basicAccount("acc-1")
	f.listing("live", "acc-1", domain.StatusActive)
	f.listing("ad-2", "acc-1", domain.StatusDraft)

	d, err := f.engine.Resubmit(context.Background(), domain.ListingEdit{ListingID: "ad-2", Title: "New title", Price: 1000})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDraft, d.Status)

	l := f.store.listing("ad-2")
	assert.Equal(t, "New title", l.Title)
	assert.Equal(t, domain.StatusDraft, l.Status)

	recs := f.store.records("ad-2")
	require.Len(t, recs, 1)
	assert.Equal(t, domain.ActionEdited, recs[0].Action)
}

func TestResetAttempts(t *testing.T) {
	f := newFixture(t)
	f.listing("ad-1", "acc-1", domain.StatusNeedsReview)
	f.store.addAttempt(domain.AttemptRecord{ID: "1", ListingID: "ad-1", Action: domain.ActionAutoRejected, CreatedAt: time.Now()})
	f.store.addAttempt(domain.AttemptRecord{ID: "2", ListingID: "ad-1", Action: domain.ActionAutoRejected, CreatedAt: time.Now()})

	_, err := f.engine.ResetAttempts(context.Background(), "ad-1", "")
	assert.ErrorIs(t, err, domain.ErrInvalidAction)

	n, err := f.engine.ResetAttempts(context.Background(), "ad-1", "mod-1")
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)
	assert.Equal(t, 0, f.qualifying(t, "ad-1"))

	for _, r := range f.store.records("ad-1") {
		assert.Equal(t, "reset by mod-1", r.ArchiveReason)
	}
}

func TestHistory(t *testing.T) {
	f := newFixture(t)
	f.listing("ad-1", "acc-1", domain.StatusNeedsReview)
	f.store.addAttempt(domain.AttemptRecord{ID: "1", ListingID: "ad-1", Action: domain.ActionAutoRejected, CreatedAt: time.Now()})
	f.store.addAttempt(domain.AttemptRecord{ID: "2", ListingID: "ad-1", Action: domain.ActionEdited, CreatedAt: time.Now()})

	h, err := f.engine.History(context.Background(), "ad-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusNeedsReview, h.Status)
	assert.Len(t, h.Attempts, 2)
	assert.Equal(t, 1, h.QualifyingCount)
	assert.Equal(t, 2, h.RemainingAttempts)

	_, err = f.engine.History(context.Background(), "nope")
	assert.ErrorIs(t, err, domain.ErrListingNotFound)
}

func TestStartRecheckJob_ActivatesHeldListings(t *testing.T) {
	f := newFixture(t, approved())
	f.basicAccount("acc-1")
	f.listing("ad-1", "acc-1", domain.StatusPending)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		f.engine.StartRecheckJob(ctx, 10*time.Millisecond, time.Minute, 10)
	}()

	require.Eventually(t, func() bool {
		return f.store.listing("ad-1").Status == domain.StatusActive
	}, time.Second, 10*time.Millisecond)

	cancel()
	<-done
}

func TestStartRecheckJob_RetriesQuotaHeldDrafts(t *testing.T) {
	f := newFixture(t, approved())
	f.basicAccount("acc-1")
	f.store.addListing(domain.Listing{
		ID:               "held",
		AccountID:        "acc-1",
		Title:            "2011 Saab 9-5",
		Status:           domain.StatusDraft,
		ModerationReason: "BASIC account can only have 1 active ad(s)",
		QuotaHeld:        true,
		UpdatedAt:        time.Now().Add(-time.Hour),
	})
	f.listing("unsubmitted", "acc-2", domain.StatusDraft)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		f.engine.StartRecheckJob(ctx, 10*time.Millisecond, time.Minute, 10)
	}()

	require.Eventually(t, func() bool {
		return f.store.listing("held").Status == domain.StatusActive
	}, time.Second, 10*time.Millisecond)

	cancel()
	<-done

	assert.False(t, f.store.listing("held").QuotaHeld)
	assert.Equal(t, domain.StatusDraft, f.store.listing("unsubmitted").Status)
}
