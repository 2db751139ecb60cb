// Package ocrvalidate runs the tiered correction pipeline over
// low-confidence OCR words: static pattern rules, batched model
// validation, then a human review queue for the rest.
package ocrvalidate

import (
	"regexp"
	"strings"
)

// Correction is one accepted rewrite of an OCR word.
type Correction struct {
	BBoxID     string  `json:"bbox_id"`
	Original   string  `json:"original"`
	Corrected  string  `json:"corrected"`
	PatternID  string  `json:"pattern_id"`
	Confidence float64 `json:"confidence"`
}

// PatternConfidence is assigned to every rule-based correction.
const PatternConfidence = 0.95

type patternRule struct {
	id    string
	apply func(word string) (string, bool)
}

var (
	// numericLike tolerates confusables that a later rule will resolve,
	// so "1Ol" corrects under both the O and the l rules.
	numericLike  = regexp.MustCompile(`^[\dOolI|SsB.,/\-]*\d[\dOolI|SsB.,/\-]*$`)
	hasDigit     = regexp.MustCompile(`\d`)
	currencyHint = regexp.MustCompile(`(?i)^(rs\.?|inr|₹|\$)`)
	dateShape    = regexp.MustCompile(`^\d{1,2}([./\-])\d{1,2}([./\-])\d{2,4}$`)
)

// confusableSwap replaces the given characters when the word reads as a
// numeric token. Prose words fail the shape check and pass through.
func confusableSwap(word string, repl map[rune]rune) (string, bool) {
	if !hasDigit.MatchString(word) || !numericLike.MatchString(stripCurrencyPrefix(word)) {
		return word, false
	}
	var b strings.Builder
	changed := false
	for _, r := range word {
		if to, ok := repl[r]; ok {
			b.WriteRune(to)
			changed = true
			continue
		}
		b.WriteRune(r)
	}
	if !changed {
		return word, false
	}
	return b.String(), true
}

func stripCurrencyPrefix(word string) string {
	return currencyHint.ReplaceAllString(word, "")
}

// Ordered rule set for common OCR misreads. Each rule only fires when the
// swap yields a plausible numeric token, so prose words like "Oral" or
// "Bill" pass through untouched.
var patternRules = []patternRule{
	{
		id: "digit_O_zero",
		apply: func(w string) (string, bool) {
			return confusableSwap(w, map[rune]rune{'O': '0', 'o': '0'})
		},
	},
	{
		id: "digit_lI_one",
		apply: func(w string) (string, bool) {
			return confusableSwap(w, map[rune]rune{'l': '1', 'I': '1', '|': '1'})
		},
	},
	{
		id: "currency_S_five",
		apply: func(w string) (string, bool) {
			if !currencyHint.MatchString(w) {
				return w, false
			}
			return confusableSwap(w, map[rune]rune{'S': '5', 's': '5'})
		},
	},
	{
		id: "digit_B_eight",
		apply: func(w string) (string, bool) {
			return confusableSwap(w, map[rune]rune{'B': '8'})
		},
	},
	{
		id: "date_separators",
		apply: func(w string) (string, bool) {
			m := dateShape.FindStringSubmatch(w)
			if m == nil || m[1] == m[2] {
				return w, false
			}
			// Mixed separators, e.g. 12/03-2021: normalize to the first.
			return strings.ReplaceAll(w, m[2], m[1]), true
		},
	},
	{
		id: "currency_comma_period",
		apply: func(w string) (string, bool) {
			if !currencyHint.MatchString(w) || !strings.HasSuffix(w, ",") {
				return w, false
			}
			return strings.TrimSuffix(w, ","), true
		},
	},
}

// ApplyPatterns runs the rule set over one word, in order, feeding each
// rule the previous rewrite. Returns every correction made.
func ApplyPatterns(bboxID, word string) []Correction {
	var corrections []Correction
	current := word
	for _, rule := range patternRules {
		next, ok := rule.apply(current)
		if !ok || next == current {
			continue
		}
		corrections = append(corrections, Correction{
			BBoxID:     bboxID,
			Original:   current,
			Corrected:  next,
			PatternID:  rule.id,
			Confidence: PatternConfidence,
		})
		current = next
	}
	return corrections
}
