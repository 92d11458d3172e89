package router

import "strings"

// PatternOptions configures how event type patterns are matched.
type PatternOptions struct {
	// Separators split event type names into segments. The default is "."
	// and "::", which covers both "billing.invoice_issued" and names derived
	// from Go types such as "billing::invoice_issued".
	Separators []string
}

// NewPatternMatcher returns a func(pattern, eventType string) bool.
// "*" matches exactly one segment and "#" matches zero or more, so
// "billing.#" matches "billing.invoice_issued", "billing::invoice_issued"
// and "billing".
func NewPatternMatcher(opts ...PatternOptions) func(pattern, eventType string) bool {
	separators := []string{"::", "."}
	if len(opts) > 0 && len(opts[0].Separators) > 0 {
		separators = opts[0].Separators
	}
	split := splitter(separators)

	return func(pattern, eventType string) bool {
		if pattern == eventType {
			return true
		}
		return matchSegments(split(pattern), split(eventType))
	}
}

func splitter(separators []string) func(string) []string {
	var pairs []string
	for _, sep := range separators[1:] {
		if sep != "" {
			pairs = append(pairs, sep, separators[0])
		}
	}
	replacer := strings.NewReplacer(pairs...)
	return func(s string) []string {
		return strings.Split(replacer.Replace(s), separators[0])
	}
}

func matchSegments(patternParts, typeParts []string) bool {
	pLen, tLen := len(patternParts), len(typeParts)

	dp := make([]bool, tLen+1)
	prev := make([]bool, tLen+1)
	prev[0] = true

	for i := 1; i <= pLen; i++ {
		part := patternParts[i-1]
		// dp[0]: the pattern so far matches zero segments, only "#" can
		dp[0] = part == "#" && prev[0]

		for j := 1; j <= tLen; j++ {
			switch part {
			case "#":
				dp[j] = prev[j] || dp[j-1]
			case "*":
				dp[j] = prev[j-1]
			default:
				dp[j] = prev[j-1] && part == typeParts[j-1]
			}
		}
		copy(prev, dp)
	}

	return prev[tLen]
}
