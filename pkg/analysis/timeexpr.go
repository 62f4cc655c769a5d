package analysis

import (
	"regexp"
	"strings"
)

// timeExpr matches explicit time expressions: ISO dates, years, month-name
// dates, and common relative words. Used by cross-graph temporal alignment.
var timeExpr = regexp.MustCompile(`(?i)\b(?:` +
	`\d{4}-\d{2}-\d{2}` + // 2024-03-01
	`|\d{1,2}/\d{1,2}/\d{2,4}` + // 3/1/2024
	`|(?:january|february|march|april|may|june|july|august|september|october|november|december)\s+\d{1,2}(?:st|nd|rd|th)?(?:,?\s+\d{4})?` +
	`|(?:19|20)\d{2}` + // bare years
	`|yesterday|today|tomorrow|last\s+(?:week|month|year)|next\s+(?:week|month|year)` +
	`)\b`)

// TimeExpressions returns the distinct explicit time expressions in text,
// lowercased, in first-occurrence order.
func TimeExpressions(text string) []string {
	var out []string
	seen := make(map[string]struct{})
	for _, m := range timeExpr.FindAllString(text, -1) {
		norm := strings.ToLower(strings.Join(strings.Fields(m), " "))
		if _, dup := seen[norm]; dup {
			continue
		}
		seen[norm] = struct{}{}
		out = append(out, norm)
	}
	return out
}
