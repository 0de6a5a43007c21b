package domain

import (
	"sort"
	"strings"
)

// Outcome is the content screener's judgment.
type Outcome string

const (
	OutcomeApproved    Outcome = "approved"
	OutcomeNeedsReview Outcome = "needs_review"
	OutcomeRejected    Outcome = "rejected"
)

// Valid reports whether o is a known outcome.
func (o Outcome) Valid() bool {
	switch o {
	case OutcomeApproved, OutcomeNeedsReview, OutcomeRejected:
		return true
	}
	return false
}

// FlaggedSpan pairs a piece of offending text with its censored rendering.
type FlaggedSpan struct {
	Original    string `json:"original"`
	Replacement string `json:"replacement"`
}

// Verdict is produced fresh for every screening call and never mutated.
type Verdict struct {
	Outcome            Outcome       `json:"outcome"`
	Confidence         float64       `json:"confidence"`
	ViolatedCategories []string      `json:"violated_categories,omitempty"`
	FlaggedSpans       []FlaggedSpan `json:"flagged_spans,omitempty"`

	// Reason is a human readable explanation in the language of the content.
	Reason string `json:"reason"`

	// Suggestions are hints for the owner on how to fix the listing.
	Suggestions []string `json:"suggestions,omitempty"`
}

// Censor replaces every flagged span in text with its replacement. Longer
// spans are replaced first so overlapping terms render consistently.
func (v Verdict) Censor(text string) string {
	if len(v.FlaggedSpans) == 0 || text == "" {
		return text
	}
	spans := make([]FlaggedSpan, len(v.FlaggedSpans))
	copy(spans, v.FlaggedSpans)
	sort.SliceStable(spans, func(i, j int) bool {
		return len(spans[i].Original) > len(spans[j].Original)
	})
	for _, s := range spans {
		if s.Original == "" {
			continue
		}
		text = strings.ReplaceAll(text, s.Original, s.Replacement)
	}
	return text
}

// ScreenRequest is the content submitted to a ContentScreener.
type ScreenRequest struct {
	Title       string
	Description string
	Price       float64
	Attributes  map[string]string
}

func screenRequestFor(l Listing) ScreenRequest {
	return ScreenRequest{
		Title:       l.Title,
		Description: l.Description,
		Price:       l.Price,
		Attributes:  l.Attributes,
	}
}
