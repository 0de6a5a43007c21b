package domain

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// basicMaxListings is how many quota-occupying listings a basic account may
// hold at once.
const basicMaxListings = 1

// QuotaDecision is the result of a quota check.
type QuotaDecision struct {
	Allowed            bool `json:"allowed"`
	AccountTier        Tier `json:"account_tier"`
	CurrentActiveCount int  `json:"current_active_count"`

	// MaxAllowed is nil for unlimited tiers.
	MaxAllowed *int   `json:"max_allowed,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

// QuotaPolicy decides whether an account may have another listing go live.
type QuotaPolicy struct {
	accounts AccountRepository
}

// NewQuotaPolicy creates a QuotaPolicy backed by the given accounts.
func NewQuotaPolicy(accounts AccountRepository) *QuotaPolicy {
	return &QuotaPolicy{accounts: accounts}
}

// Limit returns the maximum number of quota-occupying listings for the tier,
// or 0 when the tier is unlimited.
func (p *QuotaPolicy) Limit(tier Tier) int {
	if tier == TierPremium {
		return 0
	}
	return basicMaxListings
}

// CanActivate checks the account's quota. Unknown accounts are treated as
// basic accounts about to be created and are allowed.
func (p *QuotaPolicy) CanActivate(ctx context.Context, accountID string) (QuotaDecision, error) {
	acct, err := p.account(ctx, accountID)
	if err != nil {
		return QuotaDecision{}, err
	}
	return p.decide(ctx, acct, "")
}

// CanActivateListing checks the quota of the listing's account without
// counting the listing itself.
func (p *QuotaPolicy) CanActivateListing(ctx context.Context, acct *Account, l *Listing) (QuotaDecision, error) {
	return p.decide(ctx, acct, l.ID)
}

func (p *QuotaPolicy) account(ctx context.Context, accountID string) (*Account, error) {
	acct, err := p.accounts.GetAccount(ctx, accountID)
	if errors.Is(err, ErrAccountNotFound) {
		return &Account{ID: accountID, Tier: TierBasic}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get account %s: %w: %w", accountID, ErrQuotaCheckFailed, err)
	}
	return acct, nil
}

func (p *QuotaPolicy) decide(ctx context.Context, acct *Account, excludeListingID string) (QuotaDecision, error) {
	tier := acct.Tier
	if tier == "" {
		tier = TierBasic
	}

	count, err := p.accounts.CountActiveLikeListings(ctx, acct.ID, excludeListingID)
	if err != nil {
		return QuotaDecision{}, fmt.Errorf("count listings for %s: %w: %w", acct.ID, ErrQuotaCheckFailed, err)
	}

	limit := p.Limit(tier)
	if limit == 0 {
		return QuotaDecision{
			Allowed:            true,
			AccountTier:        tier,
			CurrentActiveCount: count,
			Reason:             fmt.Sprintf("%s account has no listing limit", strings.ToUpper(string(tier))),
		}, nil
	}

	d := QuotaDecision{
		Allowed:            count < limit,
		AccountTier:        tier,
		CurrentActiveCount: count,
		MaxAllowed:         &limit,
	}
	if d.Allowed {
		d.Reason = fmt.Sprintf("%s account is using %d of %d active ad(s)", strings.ToUpper(string(tier)), count, limit)
	} else {
		d.Reason = quotaDeniedReason(tier, limit)
	}
	return d, nil
}

func quotaDeniedReason(tier Tier, limit int) string {
	return fmt.Sprintf("%s account can only have %d active ad(s)", strings.ToUpper(string(tier)), limit)
}
