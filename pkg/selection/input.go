package selection

import "strings"

// policyMarkers flag prompt-injection and markup attempts. Matching is
// case-insensitive over the normalized input.
var policyMarkers = []string{
	"ignore previous",
	"ignore all previous",
	"disregard your instructions",
	"system prompt",
	"<script",
	"</script",
	"{{",
}

// NormalizeInput canonicalizes free text for mapping and hashing:
// trims, collapses whitespace runs, lowercases and clamps to maxChars
// runes. The second return is the input-policy flag.
func NormalizeInput(raw string, maxChars int) (string, bool) {
	s := strings.Join(strings.Fields(raw), " ")
	s = strings.ToLower(s)
	if maxChars > 0 {
		if runes := []rune(s); len(runes) > maxChars {
			s = string(runes[:maxChars])
		}
	}
	for _, marker := range policyMarkers {
		if strings.Contains(s, marker) {
			return s, true
		}
	}
	return s, false
}
