package domain_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/blackmichael/adgate/internal/domain"
)

func TestVerdict_Censor(t *testing.T) {
	v := domain.Verdict{FlaggedSpans: []domain.FlaggedSpan{
		{Original: "scam", Replacement: "****"},
		{Original: "scammer", Replacement: "s*****r"},
		{Original: "", Replacement: "ignored"},
	}}

	assert.Equal(t, "no s*****r, no ****", v.Censor("no scammer, no scam"))
	assert.Equal(t, "", v.Censor(""))
	assert.Equal(t, "clean", domain.Verdict{}.Censor("clean"))
}

func TestNotification_ForOwner(t *testing.T) {
	n := domain.Notification{
		ListingID: "ad-1",
		Action:    domain.ActionAutoRejected,
		Status:    domain.StatusNeedsReview,
		Reason:    "offensive language",
		CreatedAt: time.Now(),
		Details: domain.Details{
			Outcome:             domain.OutcomeRejected,
			Confidence:          0.9,
			ViolatedCategories:  []string{"profanity"},
			FlaggedSpans:        []domain.FlaggedSpan{{Original: "damn", Replacement: "d**n"}},
			Reason:              "offensive language",
			Suggestions:         []string{"rephrase"},
			Fallback:            true,
			ScreenerError:       "upstream 502",
			AttemptsCount:       1,
			RemainingAttempts:   2,
			CensoredTitle:       "d**n",
			CensoredDescription: "fine",
		},
	}

	got := n.ForOwner()
	assert.Equal(t, domain.Details{
		Outcome:             domain.OutcomeRejected,
		Reason:              "offensive language",
		Suggestions:         []string{"rephrase"},
		AttemptsCount:       1,
		RemainingAttempts:   2,
		CensoredTitle:       "d**n",
		CensoredDescription: "fine",
	}, got.Details)
	assert.Equal(t, n.ListingID, got.ListingID)
	assert.Equal(t, 0.9, n.Details.Confidence)
}
