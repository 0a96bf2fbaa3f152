package velocity

import (
	"math"
	"strings"
)

// RuleTable maps keywords to signed sentiment weights. Positive weights mark
// escalation language, negative weights de-escalation. Matching is
// case-insensitive substring search so hyphenated phrases work.
type RuleTable map[string]float64

// NewRuleTable lowercases the configured keyword set.
func NewRuleTable(rules map[string]float64) RuleTable {
	t := make(RuleTable, len(rules))
	for kw, w := range rules {
		t[strings.ToLower(kw)] = w
	}
	return t
}

// Score sums the weights of every rule keyword present in the title.
func (r RuleTable) Score(title string) float64 {
	lower := strings.ToLower(title)
	var score float64
	for kw, w := range r {
		if strings.Contains(lower, kw) {
			score += w
		}
	}
	return score
}

// Shift reports a sentiment shift between the previous and current window:
// either the sign flipped or the magnitude of the change meets delta.
func Shift(previous, current, delta float64) bool {
	if previous*current < 0 {
		return true
	}
	return math.Abs(current-previous) >= delta
}
