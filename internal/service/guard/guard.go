// Package guard enforces the content policy around the LLM: a pre-query
// safety check that blocks advice-seeking questions, and a post-answer
// policing pass that rewrites conclusory legal language.
package guard

import (
	"regexp"

	"go.uber.org/zap"
)

// Violation categories reported by the pre-query check.
const (
	ViolationLegalAdvice       = "legal_advice_request"
	ViolationOutcomePrediction = "outcome_prediction"
	ViolationLiability         = "liability_conclusion"
)

// CheckResult is the outcome of the pre-query safety check.
type CheckResult struct {
	IsSafe         bool   `json:"is_safe"`
	ViolationType  string `json:"violation_type,omitempty"`
	PatternMatched string `json:"pattern_matched,omitempty"`
	Explanation    string `json:"explanation,omitempty"`
}

type blockRule struct {
	category    string
	pattern     *regexp.Regexp
	explanation string
}

// Blocked categories. Factual, timeline, entity, citation, and summary
// questions must pass untouched, so every pattern anchors on the
// advice/prediction/conclusion phrasing itself.
var blockRules = []blockRule{
	{
		category:    ViolationLegalAdvice,
		pattern:     regexp.MustCompile(`(?i)\bshould\s+(i|we|my\s+client|the\s+client|client)\s+(file|appeal|settle|sue|proceed|accept|sign|withdraw)\b`),
		explanation: "asks what action to take, which is legal advice",
	},
	{
		category:    ViolationLegalAdvice,
		pattern:     regexp.MustCompile(`(?i)\bdo\s+you\s+(recommend|advise|suggest)\b`),
		explanation: "asks for a recommendation, which is legal advice",
	},
	{
		category:    ViolationLegalAdvice,
		pattern:     regexp.MustCompile(`(?i)\bwhat\s+should\s+(i|we)\s+do\b`),
		explanation: "asks what to do, which is legal advice",
	},
	{
		category:    ViolationOutcomePrediction,
		pattern:     regexp.MustCompile(`(?i)\bwill\s+(the\s+)?(judge|court|tribunal|bench)\s+(rule|decide|grant|dismiss|hold|allow|reject)\b`),
		explanation: "asks to predict a judicial outcome",
	},
	{
		category:    ViolationOutcomePrediction,
		pattern:     regexp.MustCompile(`(?i)\bwhat\s+will\s+the\s+\w+(\s+\w+)?\s+decide\b`),
		explanation: "asks to predict a judicial outcome",
	},
	{
		category:    ViolationOutcomePrediction,
		pattern:     regexp.MustCompile(`(?i)\blikely\s+to\s+(rule|win|succeed|prevail|lose)\b`),
		explanation: "asks for an outcome likelihood",
	},
	{
		category:    ViolationOutcomePrediction,
		pattern:     regexp.MustCompile(`(?i)\b(chances?|likelihood|odds|probability)\s+of\b`),
		explanation: "asks for an outcome likelihood",
	},
	{
		category:    ViolationOutcomePrediction,
		pattern:     regexp.MustCompile(`(?i)\bwill\s+(we|i)\s+win\b`),
		explanation: "asks to predict a case outcome",
	},
	{
		category:    ViolationOutcomePrediction,
		pattern:     regexp.MustCompile(`(?i)\bcan\s+(i|we)\s+succeed\b`),
		explanation: "asks to predict a case outcome",
	},
	{
		category:    ViolationLiability,
		pattern:     regexp.MustCompile(`(?i)\bis\s+the\s+(defendant|plaintiff|accused|respondent|petitioner)\s+(guilty|liable|responsible|at\s+fault)\b`),
		explanation: "asks for a liability conclusion",
	},
	{
		category:    ViolationLiability,
		pattern:     regexp.MustCompile(`(?i)\bdid\s+the\s+(defendant|plaintiff|accused|respondent|petitioner)\s+violate\b`),
		explanation: "asks for a liability conclusion",
	},
}

// Guard runs the pre-query check.
type Guard struct {
	logger *zap.Logger
}

func New(logger *zap.Logger) *Guard {
	return &Guard{logger: logger}
}

// Check scans the query against every block rule, case-insensitively.
// The first match wins.
func (g *Guard) Check(queryText string) CheckResult {
	for _, rule := range blockRules {
		if match := rule.pattern.FindString(queryText); match != "" {
			g.logger.Info("query blocked by safety guard",
				zap.String("category", rule.category),
				zap.String("pattern", match))
			return CheckResult{
				IsSafe:         false,
				ViolationType:  rule.category,
				PatternMatched: match,
				Explanation:    rule.explanation,
			}
		}
	}
	return CheckResult{IsSafe: true}
}
