// Package screener provides domain.ContentScreener implementations.
package screener

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/blackmichael/adgate/internal/domain"
)

// RuleKind selects how a rule's value is matched.
type RuleKind string

const (
	// KindKeyword matches whole words, case-insensitively.
	KindKeyword RuleKind = "keyword"
	// KindPhrase matches a substring, case-insensitively.
	KindPhrase RuleKind = "phrase"
	// KindRegex matches a regular expression.
	KindRegex RuleKind = "regex"
)

// Rule is a single local screening rule.
type Rule struct {
	Kind     RuleKind       `json:"kind"`
	Value    string         `json:"value"`
	Category string         `json:"category"`
	Outcome  domain.Outcome `json:"outcome"`
}

type compiledRule struct {
	Rule
	re *regexp.Regexp
}

// Rules screens listings against keyword, phrase and regex rules. It never
// fails and is used in development or when no remote screener is configured.
type Rules struct {
	rules       []compiledRule
	suggestions map[string]string
}

// NewRules compiles the given rules. Rules without an outcome reject.
func NewRules(rules []Rule) (*Rules, error) {
	compiled := make([]compiledRule, 0, len(rules))
	for _, r := range rules {
		r.Value = strings.TrimSpace(r.Value)
		if r.Value == "" {
			continue
		}
		if r.Outcome == "" {
			r.Outcome = domain.OutcomeRejected
		}
		if r.Outcome == domain.OutcomeApproved || !r.Outcome.Valid() {
			return nil, fmt.Errorf("rule %q: invalid outcome %q", r.Value, r.Outcome)
		}

		var expr string
		switch r.Kind {
		case KindKeyword, "":
			r.Kind = KindKeyword
			expr = `(?i)\b` + regexp.QuoteMeta(r.Value) + `\b`
		case KindPhrase:
			expr = `(?i)` + regexp.QuoteMeta(r.Value)
		case KindRegex:
			expr = r.Value
		default:
			return nil, fmt.Errorf("rule %q: unknown kind %q", r.Value, r.Kind)
		}
		re, err := regexp.Compile(expr)
		if err != nil {
			return nil, fmt.Errorf("compile rule %q: %w", r.Value, err)
		}
		compiled = append(compiled, compiledRule{Rule: r, re: re})
	}

	return &Rules{rules: compiled, suggestions: defaultSuggestions}, nil
}

var defaultSuggestions = map[string]string{
	"profanity":  "Remove offensive language from the title and description.",
	"contact":    "Remove phone numbers, e-mail addresses and links; buyers contact you through the marketplace.",
	"scam":       "Do not ask for advance payments or wire transfers.",
	"prohibited": "This kind of vehicle or part cannot be listed.",
	"pricing":    "Enter the real asking price of the vehicle.",
}

// DefaultRules is the built-in rule set for car listings.
func DefaultRules() []Rule {
	return []Rule{
		{Kind: KindKeyword, Value: "fuck", Category: "profanity", Outcome: domain.OutcomeRejected},
		{Kind: KindKeyword, Value: "shit", Category: "profanity", Outcome: domain.OutcomeRejected},
		{Kind: KindKeyword, Value: "damn", Category: "profanity", Outcome: domain.OutcomeNeedsReview},
		{Kind: KindPhrase, Value: "western union", Category: "scam", Outcome: domain.OutcomeRejected},
		{Kind: KindPhrase, Value: "wire transfer only", Category: "scam", Outcome: domain.OutcomeRejected},
		{Kind: KindPhrase, Value: "deposit before viewing", Category: "scam", Outcome: domain.OutcomeRejected},
		{Kind: KindPhrase, Value: "no papers", Category: "prohibited", Outcome: domain.OutcomeRejected},
		{Kind: KindPhrase, Value: "odometer rollback", Category: "prohibited", Outcome: domain.OutcomeRejected},
		{Kind: KindRegex, Value: `\+?\d[\d\s().-]{8,}\d`, Category: "contact", Outcome: domain.OutcomeNeedsReview},
		{Kind: KindRegex, Value: `(?i)[a-z0-9._%+-]+@[a-z0-9.-]+\.[a-z]{2,}`, Category: "contact", Outcome: domain.OutcomeNeedsReview},
		{Kind: KindRegex, Value: `(?i)\b(?:https?://|www\.)\S+`, Category: "contact", Outcome: domain.OutcomeNeedsReview},
	}
}

// Screen applies every rule to the listing's text fields.
func (r *Rules) Screen(ctx context.Context, req domain.ScreenRequest) (domain.Verdict, error) {
	if err := ctx.Err(); err != nil {
		return domain.Verdict{}, err
	}

	texts := []string{req.Title, req.Description}
	keys := make([]string, 0, len(req.Attributes))
	for k := range req.Attributes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		texts = append(texts, req.Attributes[k])
	}

	var (
		outcome    = domain.OutcomeApproved
		categories []string
		spans      []domain.FlaggedSpan
		seenCat    = make(map[string]bool)
		seenSpan   = make(map[string]bool)
		hits       []string
	)
	for _, rule := range r.rules {
		matched := false
		for _, text := range texts {
			for _, m := range rule.re.FindAllString(text, -1) {
				matched = true
				if !seenSpan[m] {
					seenSpan[m] = true
					spans = append(spans, domain.FlaggedSpan{Original: m, Replacement: mask(m)})
				}
			}
		}
		if !matched {
			continue
		}
		hits = append(hits, rule.Category)
		if !seenCat[rule.Category] {
			seenCat[rule.Category] = true
			categories = append(categories, rule.Category)
		}
		if severity(rule.Outcome) > severity(outcome) {
			outcome = rule.Outcome
		}
	}

	if req.Price <= 0 {
		if !seenCat["pricing"] {
			categories = append(categories, "pricing")
		}
		hits = append(hits, "pricing")
		if severity(domain.OutcomeNeedsReview) > severity(outcome) {
			outcome = domain.OutcomeNeedsReview
		}
	}

	if outcome == domain.OutcomeApproved {
		return domain.Verdict{Outcome: outcome, Confidence: 1, Reason: "passed automated moderation"}, nil
	}

	var suggestions []string
	for _, c := range categories {
		if s, ok := r.suggestions[c]; ok {
			suggestions = append(suggestions, s)
		}
	}
	return domain.Verdict{
		Outcome:            outcome,
		Confidence:         1,
		ViolatedCategories: categories,
		FlaggedSpans:       spans,
		Reason:             "listing matched " + strconv.Itoa(len(hits)) + " moderation rule(s): " + strings.Join(categories, ", "),
		Suggestions:        suggestions,
	}, nil
}

func severity(o domain.Outcome) int {
	switch o {
	case domain.OutcomeRejected:
		return 2
	case domain.OutcomeNeedsReview:
		return 1
	}
	return 0
}

// mask keeps the first and last rune of s and stars out the rest.
func mask(s string) string {
	n := utf8.RuneCountInString(s)
	if n <= 2 {
		return strings.Repeat("*", n)
	}
	first, _ := utf8.DecodeRuneInString(s)
	last, _ := utf8.DecodeLastRuneInString(s)
	return string(first) + strings.Repeat("*", n-2) + string(last)
}
