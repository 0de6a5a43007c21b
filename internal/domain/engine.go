package domain

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	// MaxAttempts is the number of qualifying attempts a listing may
	// accumulate inside the window before it is rejected for good.
	MaxAttempts = 3

	// DefaultWindow is the rolling window attempts are counted over.
	DefaultWindow = 30 * 24 * time.Hour

	// DefaultScreenTimeout bounds a single screener call.
	DefaultScreenTimeout = 8 * time.Second

	defaultConflictRetries = 3

	reasonMaxAttempts    = "max attempts reached"
	reasonScreenFallback = "content screening unavailable, approved by fallback policy"
)

// EngineConfig tunes the moderation engine.
type EngineConfig struct {
	// Window is the rolling window for counting attempts.
	Window time.Duration

	// ScreenTimeout is the hard deadline for one screener call.
	ScreenTimeout time.Duration

	// ConflictRetries is how often an evaluation is rerun after losing a
	// compare-and-set race.
	ConflictRetries int
}

func (c EngineConfig) withDefaults() EngineConfig {
	if c.Window <= 0 {
		c.Window = DefaultWindow
	}
	if c.ScreenTimeout <= 0 {
		c.ScreenTimeout = DefaultScreenTimeout
	}
	if c.ConflictRetries <= 0 {
		c.ConflictRetries = defaultConflictRetries
	}
	return c
}

// EngineDeps are the collaborators of the engine. Metrics may be nil.
type EngineDeps struct {
	Listings ListingRepository
	Accounts AccountRepository
	Ledger   *Ledger
	Screener ContentScreener
	Notifier NotificationDispatcher
	Metrics  MetricsRecorder
}

// Decision reports what an engine call did to a listing.
type Decision struct {
	ListingID string `json:"listing_id"`
	Status    Status `json:"status"`

	// Action is the recorded action, empty when nothing was recorded.
	Action  Action         `json:"action,omitempty"`
	Attempt *AttemptRecord `json:"-"`
	Quota   *QuotaDecision `json:"quota,omitempty"`

	AttemptsCount     int  `json:"attempts_count"`
	RemainingAttempts int  `json:"remaining_attempts"`
	Fallback          bool `json:"fallback,omitempty"`

	// Unchanged is set when the listing was already in its final state.
	Unchanged bool   `json:"unchanged,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// Engine is the moderation state machine. It decides, per listing, between
// activation, review, rejection and waiting for quota.
type Engine struct {
	listings ListingRepository
	accounts AccountRepository
	ledger   *Ledger
	quota    *QuotaPolicy
	screener ContentScreener
	notifier NotificationDispatcher
	metrics  MetricsRecorder

	cfg    EngineConfig
	locks  *keyedMutex
	tracer trace.Tracer
	logger *zap.Logger
	now    func() time.Time
}

// NewEngine creates an Engine.
func NewEngine(deps EngineDeps, cfg EngineConfig, logger *zap.Logger) (*Engine, error) {
	if deps.Listings == nil || deps.Accounts == nil || deps.Ledger == nil {
		return nil, fmt.Errorf("engine: listings, accounts and ledger are required")
	}
	if deps.Screener == nil {
		return nil, fmt.Errorf("engine: screener is required")
	}
	if deps.Notifier == nil {
		return nil, fmt.Errorf("engine: notifier is required")
	}
	metrics := deps.Metrics
	if metrics == nil {
		metrics = noopMetrics{}
	}

	return &Engine{
		listings: deps.Listings,
		accounts: deps.Accounts,
		ledger:   deps.Ledger,
		quota:    NewQuotaPolicy(deps.Accounts),
		screener: deps.Screener,
		notifier: deps.Notifier,
		metrics:  metrics,
		cfg:      cfg.withDefaults(),
		locks:    newKeyedMutex(),
		tracer:   otel.Tracer("github.com/blackmichael/adgate/internal/domain"),
		logger:   logger.With(zap.String("module", "engine")),
		now:      func() time.Time { return time.Now().UTC() },
	}, nil
}

// Ledger returns the engine's attempt ledger.
func (e *Engine) Ledger() *Ledger {
	return e.ledger
}

// Window returns the rolling window attempts are counted over.
func (e *Engine) Window() time.Duration {
	return e.cfg.Window
}

// Evaluate runs the moderation state machine for a listing.
func (e *Engine) Evaluate(ctx context.Context, listingID string) (*Decision, error) {
	ctx, span := e.tracer.Start(ctx, "moderation.Evaluate",
		trace.WithAttributes(attribute.String("listing.id", listingID)))
	defer span.End()

	unlock := e.locks.Lock(listingID)
	defer unlock()

	d, err := e.evaluateLocked(ctx, listingID)
	endSpan(span, d, err)
	return d, err
}

func (e *Engine) evaluateLocked(ctx context.Context, listingID string) (*Decision, error) {
	for attempt := 0; ; attempt++ {
		d, err := e.evaluateOnce(ctx, listingID)
		if errors.Is(err, ErrStatusConflict) && attempt < e.cfg.ConflictRetries {
			e.metrics.ObserveConflict()
			e.logger.Info("listing changed during evaluation, retrying",
				zap.String("listing_id", listingID),
				zap.Int("retry", attempt+1),
			)
			continue
		}
		return d, err
	}
}

func (e *Engine) evaluateOnce(ctx context.Context, listingID string) (*Decision, error) {
	l, err := e.listings.GetListing(ctx, listingID)
	if err != nil {
		return nil, fmt.Errorf("get listing: %w", err)
	}

	switch l.Status {
	case StatusActive:
		return &Decision{ListingID: l.ID, Status: l.Status, Unchanged: true}, nil
	case StatusRejected, StatusBlocked:
		return nil, fmt.Errorf("evaluate listing %s in status %s: %w", l.ID, l.Status, ErrInvalidTransition)
	}

	acct, err := e.account(ctx, l.AccountID)
	if err != nil {
		return nil, err
	}

	if acct.BypassModeration {
		return e.bypass(ctx, l)
	}

	count, err := e.ledger.countFresh(ctx, l.ID, e.cfg.Window)
	if err != nil {
		return nil, err
	}
	if count >= MaxAttempts {
		return e.exhaust(ctx, l, count, nil)
	}

	verdict, details := e.screen(ctx, l)
	if verdict.Outcome == OutcomeApproved {
		return e.approve(ctx, l, acct, details, count)
	}
	return e.flag(ctx, l, acct, verdict, details, count)
}

// account resolves the owning account once per evaluation. Unknown
// accounts are treated as basic accounts without bypass.
func (e *Engine) account(ctx context.Context, accountID string) (*Account, error) {
	acct, err := e.accounts.GetAccount(ctx, accountID)
	if errors.Is(err, ErrAccountNotFound) {
		return &Account{ID: accountID, Tier: TierBasic}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get account %s: %w: %w", accountID, ErrQuotaCheckFailed, err)
	}
	return acct, nil
}

func (e *Engine) bypass(ctx context.Context, l *Listing) (*Decision, error) {
	now := e.now()
	rec := e.ledger.newRecord(l.ID, ActionManuallyApproved, StatusActive, "moderation bypass", Details{}, nil)
	err := e.listings.ApplyTransition(ctx, Transition{
		ListingID:       l.ID,
		ExpectedVersion: l.Version,
		Change:          StatusChange{Status: StatusActive, IsValidated: true, ModeratedAt: &now},
		ArchivePrior:    true,
		ArchiveReason:   "approved",
		Attempt:         &rec,
	})
	if err != nil {
		return nil, fmt.Errorf("activate bypass listing: %w", err)
	}
	e.ledger.invalidate(ctx, l.ID)
	e.metrics.ObserveDecision(rec.Action, StatusActive)
	e.logger.Info("listing activated by moderation bypass", zap.String("listing_id", l.ID), zap.String("account_id", l.AccountID))

	e.notifyOwner(ctx, e.notification(l, &rec))
	return &Decision{
		ListingID:         l.ID,
		Status:            StatusActive,
		Action:            rec.Action,
		Attempt:           &rec,
		RemainingAttempts: MaxAttempts,
	}, nil
}

// exhaust rejects a listing that used up its attempt budget. verdict is set
// when the exhausting attempt is the screening that just happened.
func (e *Engine) exhaust(ctx context.Context, l *Listing, count int, verdict *Verdict) (*Decision, error) {
	action := ActionRejected
	details := Details{AttemptsCount: count}
	if verdict != nil {
		action = ActionAutoRejected
		details = detailsFromVerdict(*verdict)
		details.AttemptsCount = count
		details.CensoredTitle = verdict.Censor(l.Title)
		details.CensoredDescription = verdict.Censor(l.Description)
	}

	rec := e.ledger.newRecord(l.ID, action, StatusRejected, reasonMaxAttempts, details, nil)
	err := e.listings.ApplyTransition(ctx, Transition{
		ListingID:       l.ID,
		ExpectedVersion: l.Version,
		Change:          StatusChange{Status: StatusRejected, Reason: reasonMaxAttempts},
		Attempt:         &rec,
	})
	if err != nil {
		return nil, fmt.Errorf("reject exhausted listing: %w", err)
	}
	e.ledger.invalidate(ctx, l.ID)
	e.metrics.ObserveDecision(action, StatusRejected)
	e.logger.Info("listing rejected after max attempts",
		zap.String("listing_id", l.ID),
		zap.Int("attempts_count", count),
	)

	n := e.notification(l, &rec)
	e.notifyOwner(ctx, n)
	e.notifyModerators(ctx, n)
	return &Decision{
		ListingID:     l.ID,
		Status:        StatusRejected,
		Action:        action,
		Attempt:       &rec,
		AttemptsCount: count,
		Reason:        reasonMaxAttempts,
	}, nil
}

// screen calls the screener under a hard timeout. Screener failures are
// turned into an approval marked as fallback.
func (e *Engine) screen(ctx context.Context, l *Listing) (Verdict, Details) {
	ctx, span := e.tracer.Start(ctx, "moderation.Screen")
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, e.cfg.ScreenTimeout)
	defer cancel()

	start := time.Now()
	verdict, err := e.screener.Screen(ctx, screenRequestFor(*l))
	if err == nil && !verdict.Outcome.Valid() {
		err = fmt.Errorf("malformed verdict outcome %q: %w", verdict.Outcome, ErrScreenerUnavailable)
	}
	e.metrics.ObserveScreen(time.Since(start), err)

	if err != nil {
		span.RecordError(err)
		e.metrics.ObserveFallback()
		e.logger.Warn("content screener failed, approving with fallback",
			zap.String("listing_id", l.ID),
			zap.Error(err),
		)
		v := Verdict{Outcome: OutcomeApproved, Reason: reasonScreenFallback}
		d := detailsFromVerdict(v)
		d.Fallback = true
		d.ScreenerError = err.Error()
		return v, d
	}
	return verdict, detailsFromVerdict(verdict)
}

func (e *Engine) approve(ctx context.Context, l *Listing, acct *Account, details Details, count int) (*Decision, error) {
	quota, err := e.quota.CanActivateListing(ctx, acct, l)
	if err != nil {
		e.logger.Error("quota check failed, keeping listing out of active",
			zap.String("listing_id", l.ID),
			zap.String("account_id", acct.ID),
			zap.Error(err),
		)
		return nil, err
	}
	if !quota.Allowed {
		return e.holdForQuota(ctx, l, quota, details.Fallback)
	}

	now := e.now()
	reason := details.Reason
	rec := e.ledger.newRecord(l.ID, ActionAutoApproved, StatusActive, reason, details, nil)
	err = e.listings.ApplyTransition(ctx, Transition{
		ListingID:       l.ID,
		ExpectedVersion: l.Version,
		Change:          StatusChange{Status: StatusActive, IsValidated: true, ModeratedAt: &now},
		QuotaLimit:      e.quota.Limit(quota.AccountTier),
		ArchivePrior:    true,
		ArchiveReason:   "approved",
		Attempt:         &rec,
	})
	if errors.Is(err, ErrQuotaExceeded) {
		// Another listing of the account went live between the check and
		// the conditional write.
		limit := e.quota.Limit(quota.AccountTier)
		quota.Allowed = false
		quota.CurrentActiveCount = limit
		quota.Reason = quotaDeniedReason(quota.AccountTier, limit)
		return e.holdForQuota(ctx, l, quota, details.Fallback)
	}
	if err != nil {
		return nil, fmt.Errorf("activate listing: %w", err)
	}
	e.ledger.invalidate(ctx, l.ID)
	e.metrics.ObserveDecision(rec.Action, StatusActive)
	e.logger.Info("listing approved",
		zap.String("listing_id", l.ID),
		zap.Bool("fallback", details.Fallback),
		zap.Int("archived_attempts", count),
	)

	e.notifyOwner(ctx, e.notification(l, &rec))
	return &Decision{
		ListingID:         l.ID,
		Status:            StatusActive,
		Action:            rec.Action,
		Attempt:           &rec,
		Quota:             &quota,
		RemainingAttempts: MaxAttempts,
		Fallback:          details.Fallback,
	}, nil
}

// holdForQuota parks approved content in draft because the account has no
// room. A held draft occupies no quota slot and is retried by the recheck
// job. Nothing is recorded: this is not a content failure.
func (e *Engine) holdForQuota(ctx context.Context, l *Listing, quota QuotaDecision, fallback bool) (*Decision, error) {
	target := StatusDraft
	err := e.listings.ApplyTransition(ctx, Transition{
		ListingID:       l.ID,
		ExpectedVersion: l.Version,
		Change: StatusChange{
			Status:      target,
			ModeratedBy: l.ModeratedBy,
			ModeratedAt: l.ModeratedAt,
			Reason:      quota.Reason,
			QuotaHeld:   true,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("hold listing for quota: %w", err)
	}
	e.metrics.ObserveQuotaDenied(quota.AccountTier)
	e.logger.Info("listing held by account quota",
		zap.String("listing_id", l.ID),
		zap.String("account_id", l.AccountID),
		zap.String("tier", string(quota.AccountTier)),
		zap.Int("active_count", quota.CurrentActiveCount),
	)
	return &Decision{
		ListingID: l.ID,
		Status:    target,
		Quota:     &quota,
		Fallback:  fallback,
		Reason:    quota.Reason,
	}, nil
}

func (e *Engine) flag(ctx context.Context, l *Listing, acct *Account, verdict Verdict, details Details, count int) (*Decision, error) {
	action := ActionFlagged
	if verdict.Outcome == OutcomeRejected {
		action = ActionAutoRejected
	}
	after := count
	if action.Qualifying() {
		after++
	}
	if after >= MaxAttempts {
		return e.exhaust(ctx, l, after, &verdict)
	}

	remaining := MaxAttempts - after
	details.AttemptsCount = after
	details.RemainingAttempts = remaining
	details.CensoredTitle = verdict.Censor(l.Title)
	details.CensoredDescription = verdict.Censor(l.Description)

	target := StatusNeedsReview
	rec := e.ledger.newRecord(l.ID, action, target, verdict.Reason, details, nil)
	t := Transition{
		ListingID:       l.ID,
		ExpectedVersion: l.Version,
		Change:          StatusChange{Status: target, Reason: verdict.Reason},
		QuotaLimit:      e.quota.Limit(acct.Tier),
		Attempt:         &rec,
	}
	err := e.listings.ApplyTransition(ctx, t)
	if errors.Is(err, ErrQuotaExceeded) {
		// The attempt still counts but the listing may not occupy a quota
		// slot, so it waits in draft for the owner's edit.
		target = StatusDraft
		rec.Status = target
		t.Change.Status = target
		t.QuotaLimit = 0
		err = e.listings.ApplyTransition(ctx, t)
	}
	if err != nil {
		return nil, fmt.Errorf("flag listing: %w", err)
	}
	e.ledger.invalidate(ctx, l.ID)
	e.metrics.ObserveDecision(action, target)
	e.logger.Info("listing flagged by content screening",
		zap.String("listing_id", l.ID),
		zap.String("action", string(action)),
		zap.Strings("categories", verdict.ViolatedCategories),
		zap.Float64("confidence", verdict.Confidence),
		zap.Int("remaining_attempts", remaining),
	)

	e.notifyOwner(ctx, e.notification(l, &rec))
	return &Decision{
		ListingID:         l.ID,
		Status:            target,
		Action:            action,
		Attempt:           &rec,
		AttemptsCount:     after,
		RemainingAttempts: remaining,
		Reason:            verdict.Reason,
	}, nil
}

// Resubmit stores an owner edit and re-enters the state machine. Earlier
// attempts inside the window still count.
func (e *Engine) Resubmit(ctx context.Context, edit ListingEdit) (*Decision, error) {
	ctx, span := e.tracer.Start(ctx, "moderation.Resubmit",
		trace.WithAttributes(attribute.String("listing.id", edit.ListingID)))
	defer span.End()

	unlock := e.locks.Lock(edit.ListingID)
	defer unlock()

	if err := e.storeEdit(ctx, edit); err != nil {
		endSpan(span, nil, err)
		return nil, err
	}
	d, err := e.evaluateLocked(ctx, edit.ListingID)
	endSpan(span, d, err)
	return d, err
}

func (e *Engine) storeEdit(ctx context.Context, edit ListingEdit) error {
	for attempt := 0; ; attempt++ {
		l, err := e.listings.GetListing(ctx, edit.ListingID)
		if err != nil {
			return fmt.Errorf("get listing: %w", err)
		}
		if l.Status == StatusRejected || l.Status == StatusBlocked {
			return fmt.Errorf("resubmit listing %s in status %s: %w", l.ID, l.Status, ErrInvalidTransition)
		}

		quotaLimit := 0
		if !l.Status.occupiesQuota() {
			acct, err := e.account(ctx, l.AccountID)
			if err != nil {
				return err
			}
			if !acct.BypassModeration {
				quotaLimit = e.quota.Limit(acct.Tier)
			}
		}

		err = e.listings.UpdateContent(ctx, ContentUpdate{
			Edit:            edit,
			ExpectedVersion: l.Version,
			Change:          StatusChange{Status: StatusPending},
			QuotaLimit:      quotaLimit,
		})
		if errors.Is(err, ErrStatusConflict) && attempt < e.cfg.ConflictRetries {
			e.metrics.ObserveConflict()
			continue
		}
		status := StatusPending
		if errors.Is(err, ErrQuotaExceeded) {
			status = l.Status
			err = nil
		}
		if err != nil {
			return fmt.Errorf("update listing content: %w", err)
		}

		if _, err := e.ledger.Record(ctx, l.ID, ActionEdited, status, "listing edited by owner", Details{}, nil); err != nil {
			return err
		}
		return nil
	}
}

// ManualAction is a moderator decision on a listing.
type ManualAction struct {
	ListingID string
	Moderator string
	Action    Action
	Reason    string
}

// manualTargets maps the actions a moderator may take to their status.
var manualTargets = map[Action]Status{
	ActionManuallyApproved: StatusActive,
	ActionActivated:        StatusActive,
	ActionRejected:         StatusRejected,
	ActionBlocked:          StatusBlocked,
}

// Override applies a moderator decision. It is exempt from attempt counting
// and from the account quota.
func (e *Engine) Override(ctx context.Context, a ManualAction) (*Decision, error) {
	ctx, span := e.tracer.Start(ctx, "moderation.Override",
		trace.WithAttributes(
			attribute.String("listing.id", a.ListingID),
			attribute.String("moderation.action", string(a.Action)),
		))
	defer span.End()

	target, ok := manualTargets[a.Action]
	if !ok {
		err := fmt.Errorf("%q: %w", a.Action, ErrInvalidAction)
		endSpan(span, nil, err)
		return nil, err
	}
	if a.Moderator == "" {
		err := fmt.Errorf("moderator is required: %w", ErrInvalidAction)
		endSpan(span, nil, err)
		return nil, err
	}

	unlock := e.locks.Lock(a.ListingID)
	defer unlock()

	for attempt := 0; ; attempt++ {
		d, err := e.overrideOnce(ctx, a, target)
		if errors.Is(err, ErrStatusConflict) && attempt < e.cfg.ConflictRetries {
			e.metrics.ObserveConflict()
			continue
		}
		endSpan(span, d, err)
		return d, err
	}
}

func (e *Engine) overrideOnce(ctx context.Context, a ManualAction, target Status) (*Decision, error) {
	l, err := e.listings.GetListing(ctx, a.ListingID)
	if err != nil {
		return nil, fmt.Errorf("get listing: %w", err)
	}

	now := e.now()
	moderator := a.Moderator
	activating := target == StatusActive

	rec := e.ledger.newRecord(l.ID, a.Action, target, a.Reason, Details{}, &moderator)
	t := Transition{
		ListingID:       l.ID,
		ExpectedVersion: l.Version,
		Change: StatusChange{
			Status:      target,
			IsValidated: activating,
			ModeratedBy: &moderator,
			ModeratedAt: &now,
			Reason:      a.Reason,
		},
		Attempt: &rec,
	}
	if activating {
		t.ArchivePrior = true
		t.ArchiveReason = "approved by " + moderator
	}
	if err := e.listings.ApplyTransition(ctx, t); err != nil {
		return nil, fmt.Errorf("apply moderator action: %w", err)
	}
	e.ledger.invalidate(ctx, l.ID)
	e.metrics.ObserveDecision(a.Action, target)
	e.logger.Info("moderator action applied",
		zap.String("listing_id", l.ID),
		zap.String("moderator", moderator),
		zap.String("action", string(a.Action)),
		zap.String("from", string(l.Status)),
		zap.String("to", string(target)),
	)

	e.notifyOwner(ctx, e.notification(l, &rec))
	return &Decision{
		ListingID: l.ID,
		Status:    target,
		Action:    a.Action,
		Attempt:   &rec,
		Reason:    a.Reason,
	}, nil
}

// ResetAttempts archives the listing's open attempt records on behalf of a
// moderator, restoring its full attempt budget.
func (e *Engine) ResetAttempts(ctx context.Context, listingID, moderator string) (int64, error) {
	if moderator == "" {
		return 0, fmt.Errorf("moderator is required: %w", ErrInvalidAction)
	}
	unlock := e.locks.Lock(listingID)
	defer unlock()

	if _, err := e.listings.GetListing(ctx, listingID); err != nil {
		return 0, fmt.Errorf("get listing: %w", err)
	}
	n, err := e.ledger.ArchivePriorRecords(ctx, listingID, "reset by "+moderator)
	if err != nil {
		return 0, err
	}
	e.logger.Info("attempts reset", zap.String("listing_id", listingID), zap.String("moderator", moderator), zap.Int64("archived", n))
	return n, nil
}

// AttemptHistory is a listing's moderation history with its current
// attempt budget.
type AttemptHistory struct {
	ListingID         string          `json:"listing_id"`
	Status            Status          `json:"status"`
	Attempts          []AttemptRecord `json:"attempts"`
	QualifyingCount   int             `json:"qualifying_count"`
	RemainingAttempts int             `json:"remaining_attempts"`
}

// History returns every attempt record of the listing, archived ones
// included, and how many qualifying attempts remain in the window.
func (e *Engine) History(ctx context.Context, listingID string) (*AttemptHistory, error) {
	l, err := e.listings.GetListing(ctx, listingID)
	if err != nil {
		return nil, fmt.Errorf("get listing: %w", err)
	}
	records, err := e.ledger.History(ctx, listingID)
	if err != nil {
		return nil, err
	}
	count, err := e.ledger.CountQualifyingAttempts(ctx, listingID, e.cfg.Window)
	if err != nil {
		return nil, err
	}
	if records == nil {
		records = []AttemptRecord{}
	}
	return &AttemptHistory{
		ListingID:         l.ID,
		Status:            l.Status,
		Attempts:          records,
		QualifyingCount:   count,
		RemainingAttempts: max(0, MaxAttempts-count),
	}, nil
}

// StartRecheckJob re-evaluates listings that have been waiting in pending
// for longer than minAge, which lets quota-held listings go live once the
// account frees a slot. It runs immediately and then at every interval until
// ctx is cancelled.
func (e *Engine) StartRecheckJob(ctx context.Context, interval, minAge time.Duration, batch int) {
	e.runRecheck(ctx, minAge, batch)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.runRecheck(ctx, minAge, batch)
		}
	}
}

func (e *Engine) runRecheck(ctx context.Context, minAge time.Duration, batch int) {
	ids, err := e.listings.ListPendingBefore(ctx, e.now().Add(-minAge), batch)
	if err != nil {
		e.logger.Error("list pending listings failed", zap.Error(err))
		return
	}
	activated := 0
	for _, id := range ids {
		if ctx.Err() != nil {
			return
		}
		d, err := e.Evaluate(ctx, id)
		if err != nil {
			e.logger.Warn("recheck evaluation failed", zap.String("listing_id", id), zap.Error(err))
			continue
		}
		if d.Status == StatusActive && !d.Unchanged {
			activated++
		}
	}
	if len(ids) > 0 {
		e.logger.Info("pending recheck complete", zap.Int("checked", len(ids)), zap.Int("activated", activated))
	}
}

func (e *Engine) notification(l *Listing, rec *AttemptRecord) Notification {
	return Notification{
		ListingID: l.ID,
		AccountID: l.AccountID,
		OwnerID:   l.OwnerID,
		Action:    rec.Action,
		Status:    rec.Status,
		Reason:    rec.Reason,
		Details:   rec.Details,
		CreatedAt: rec.CreatedAt,
	}
}

func (e *Engine) notifyOwner(ctx context.Context, n Notification) {
	if err := e.notifier.NotifyOwner(ctx, n.ForOwner()); err != nil {
		e.logger.Error("owner notification failed",
			zap.String("listing_id", n.ListingID),
			zap.String("action", string(n.Action)),
			zap.Error(err),
		)
	}
}

func (e *Engine) notifyModerators(ctx context.Context, n Notification) {
	if err := e.notifier.NotifyModerators(ctx, n); err != nil {
		e.logger.Error("moderator notification failed",
			zap.String("listing_id", n.ListingID),
			zap.String("action", string(n.Action)),
			zap.Error(err),
		)
	}
}

func endSpan(span trace.Span, d *Decision, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return
	}
	if d != nil {
		span.SetAttributes(
			attribute.String("listing.status", string(d.Status)),
			attribute.String("moderation.action", string(d.Action)),
		)
	}
}
