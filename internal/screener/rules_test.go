package screener

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blackmichael/adgate/internal/domain"
)

func TestRules_Screen(t *testing.T) {
	rules, err := NewRules(DefaultRules())
	require.NoError(t, err)

	tests := []struct {
		name       string
		req        domain.ScreenRequest
		outcome    domain.Outcome
		categories []string
		spans      []string
	}{
		{
			name:    "clean listing",
			req:     domain.ScreenRequest{Title: "2016 Skoda Octavia", Description: "Serviced yearly, new tyres.", Price: 11500},
			outcome: domain.OutcomeApproved,
		},
		{
			name:       "mild profanity needs review",
			req:        domain.ScreenRequest{Title: "Damn good Civic", Description: "Runs well.", Price: 6000},
			outcome:    domain.OutcomeNeedsReview,
			categories: []string{"profanity"},
			spans:      []string{"Damn"},
		},
		{
			name:       "scam phrase rejects",
			req:        domain.ScreenRequest{Title: "BMW 320d", Description: "Western Union only, deposit before viewing.", Price: 2000},
			outcome:    domain.OutcomeRejected,
			categories: []string{"scam"},
			spans:      []string{"Western Union", "deposit before viewing"},
		},
		{
			name:       "contact details in attributes",
			req:        domain.ScreenRequest{Title: "Fiat Panda", Price: 1500, Attributes: map[string]string{"note": "call +44 7700 900123"}},
			outcome:    domain.OutcomeNeedsReview,
			categories: []string{"contact"},
			spans:      []string{"+44 7700 900123"},
		},
		{
			name:       "missing price",
			req:        domain.ScreenRequest{Title: "Fiat Panda"},
			outcome:    domain.OutcomeNeedsReview,
			categories: []string{"pricing"},
		},
		{
			name:       "keyword needs whole word",
			req:        domain.ScreenRequest{Title: "Shitake-free Golf", Description: "Scunthorpe dealer", Price: 900},
			outcome:    domain.OutcomeApproved,
			categories: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := rules.Screen(context.Background(), tt.req)
			require.NoError(t, err)
			assert.Equal(t, tt.outcome, v.Outcome)
			assert.Equal(t, tt.categories, v.ViolatedCategories)

			var originals []string
			for _, s := range v.FlaggedSpans {
				originals = append(originals, s.Original)
				assert.NotEqual(t, s.Original, s.Replacement)
			}
			assert.Equal(t, tt.spans, originals)
			if tt.outcome != domain.OutcomeApproved {
				assert.NotEmpty(t, v.Suggestions)
				assert.NotEmpty(t, v.Reason)
			}
		})
	}
}

func TestRules_CensoredRendering(t *testing.T) {
	rules, err := NewRules([]Rule{{Kind: KindKeyword, Value: "lemon", Category: "quality", Outcome: domain.OutcomeNeedsReview}})
	require.NoError(t, err)

	v, err := rules.Screen(context.Background(), domain.ScreenRequest{Title: "Not a lemon", Price: 1})
	require.NoError(t, err)
	assert.Equal(t, "Not a l***n", v.Censor("Not a lemon"))
}

func TestNewRules_Invalid(t *testing.T) {
	_, err := NewRules([]Rule{{Kind: KindRegex, Value: "(unclosed", Category: "x"}})
	assert.Error(t, err)

	_, err = NewRules([]Rule{{Kind: "fuzzy", Value: "x"}})
	assert.Error(t, err)

	_, err = NewRules([]Rule{{Value: "x", Outcome: domain.OutcomeApproved}})
	assert.Error(t, err)
}

func TestMask(t *testing.T) {
	assert.Equal(t, "**", mask("ab"))
	assert.Equal(t, "a*c", mask("abc"))
	assert.Equal(t, "ü**ö", mask("üxyö"))
}
