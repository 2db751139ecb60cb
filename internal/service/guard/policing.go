package guard

import (
	"regexp"
	"time"
)

// Replacement records one policing rewrite.
type Replacement struct {
	Original    string `json:"original"`
	Replacement string `json:"replacement"`
	Start       int    `json:"start"`
	End         int    `json:"end"`
	RuleID      string `json:"rule_id"`
}

// SanitizationResult is the outcome of the post-answer policing pass.
type SanitizationResult struct {
	SanitizedText      string        `json:"sanitized_text"`
	ReplacementsMade   []Replacement `json:"replacements_made"`
	SanitizationTimeMs float64       `json:"sanitization_time_ms"`
	LLMPolicingApplied bool          `json:"llm_policing_applied"`
}

type policeRule struct {
	id      string
	pattern *regexp.Regexp
	// replace receives the regexp submatches for the matched span.
	replace string
}

// Rewrite rules, applied in order. Longer phrases precede their
// substrings ("conclusively proves" before "proves that") so one match
// never shadows another. Replacements are chosen so no rule matches any
// rule's output, which makes sanitization idempotent.
var policeRules = []policeRule{
	{"conclusive_proof", regexp.MustCompile(`(?i)\bconclusively\s+proves\b`), "may suggest"},
	{"proof_claim", regexp.MustCompile(`(?i)\bproves\s+that\b`), "suggests that"},
	{"establishes_claim", regexp.MustCompile(`(?i)\bestablishes\s+that\b`), "indicates that"},
	{"clearly_shows", regexp.MustCompile(`(?i)\bclearly\s+shows\b`), "appears to show"},

	{"violated_section", regexp.MustCompile(`(?i)\bviolated\s+(section\s+\S+)`), "affected by $1"},
	{"violated_agreement", regexp.MustCompile(`(?i)\bviolated\s+the\s+agreement\b`), "regarding the agreement terms"},

	{"guilt_conclusion", regexp.MustCompile(`(?i)\bdefendant\s+is\s+guilty\b`), "defendant's liability regarding"},
	{"entitlement", regexp.MustCompile(`(?i)\bis\s+entitled\b`), "potential entitlement"},

	{"outcome_rule", regexp.MustCompile(`(?i)\bwill\s+(rule|decide)\b`), "may consider"},
	{"outcome_grant", regexp.MustCompile(`(?i)\bwill\s+grant\b`), "may grant"},

	{"liability_for", regexp.MustCompile(`(?i)\bis\s+liable\s+for\b`), "regarding potential liability for"},
	{"responsibility_for", regexp.MustCompile(`(?i)\bis\s+responsible\s+for\b`), "regarding potential responsibility for"},
	{"payment_obligation", regexp.MustCompile(`(?i)\bmust\s+pay\b`), "may be required to pay"},
	{"breach_claim", regexp.MustCompile(`(?i)\bin\s+breach\s+of\b`), "regarding compliance with"},
}

// maxQuotedSpan bounds what counts as a quoted passage. Anything longer
// is treated as stray quote characters, not a quotation.
const maxQuotedSpan = 500

// quoteSpans finds literal quoted passages: matched pairs of straight or
// typographic double quotes, non-nested. An unterminated opening quote is
// not a span.
var quotePatterns = []*regexp.Regexp{
	regexp.MustCompile(`"[^"]*"`),
	regexp.MustCompile(`\x{201C}[^\x{201C}\x{201D}]*\x{201D}`),
}

func quoteSpans(text string) [][2]int {
	var spans [][2]int
	for _, p := range quotePatterns {
		for _, loc := range p.FindAllStringIndex(text, -1) {
			if loc[1]-loc[0] <= maxQuotedSpan {
				spans = append(spans, [2]int{loc[0], loc[1]})
			}
		}
	}
	return spans
}

func insideQuote(spans [][2]int, start, end int) bool {
	for _, s := range spans {
		if start < s[1] && end > s[0] {
			return true
		}
	}
	return false
}

// Sanitize applies the policing rewrites to a generated answer,
// preserving quoted passages verbatim. Pure regex; no model call.
func Sanitize(text string) SanitizationResult {
	start := time.Now()

	result := SanitizationResult{
		SanitizedText:      text,
		ReplacementsMade:   []Replacement{},
		LLMPolicingApplied: false,
	}

	for _, rule := range policeRules {
		for {
			spans := quoteSpans(result.SanitizedText)

			matched := false
			locs := rule.pattern.FindAllStringSubmatchIndex(result.SanitizedText, -1)
			for _, loc := range locs {
				if insideQuote(spans, loc[0], loc[1]) {
					continue
				}

				original := result.SanitizedText[loc[0]:loc[1]]
				replacement := string(rule.pattern.ExpandString(nil, rule.replace, result.SanitizedText, loc))

				result.ReplacementsMade = append(result.ReplacementsMade, Replacement{
					Original:    original,
					Replacement: replacement,
					Start:       loc[0],
					End:         loc[1],
					RuleID:      rule.id,
				})

				result.SanitizedText = result.SanitizedText[:loc[0]] + replacement + result.SanitizedText[loc[1]:]
				matched = true
				break // offsets moved; rescan for this rule
			}

			if !matched {
				break
			}
		}
	}

	result.SanitizationTimeMs = float64(time.Since(start).Microseconds()) / 1000.0
	return result
}
