package coachtools

import (
	"regexp"
	"strings"

	"github.com/rlcoach/coachd/internal/util"
)

var (
	controlChars = regexp.MustCompile(`[\x00-\x08\x0b\x0c\x0e-\x1f\x7f]`)
	multiSpace   = regexp.MustCompile(` +`)

	// Patterns that attempt to smuggle instructions into the model context
	// through stored notes or messages.
	injectionPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)ignore\s+(all\s+)?(previous|prior|above)\s+instructions`),
		regexp.MustCompile(`(?i)disregard\s+(all\s+)?(previous|prior|above)`),
		regexp.MustCompile(`(?i)you\s+are\s+now\s+`),
		regexp.MustCompile(`(?i)new\s+system\s+prompt`),
		regexp.MustCompile(`(?i)^\s*(system|assistant)\s*:`),
		regexp.MustCompile(`<\|[^|]*\|>`),
	}
)

// SanitizeUserContent cleans user-supplied text before it is stored or
// embedded in a prompt: truncates to maxLen, strips control characters,
// escapes HTML-significant characters and redacts prompt-injection attempts.
// Callers that must reject injection outright can check ContainsRedaction on
// the result.
func SanitizeUserContent(value string, maxLen int) string {
	if value == "" {
		return ""
	}
	value = util.TruncateString(value, maxLen)

	value = controlChars.ReplaceAllString(value, "")

	for _, pat := range injectionPatterns {
		value = pat.ReplaceAllString(value, "[redacted]")
	}

	value = strings.NewReplacer(
		"&", "&amp;",
		"<", "&lt;",
		">", "&gt;",
		`"`, "&quot;",
		"'", "&#x27;",
	).Replace(value)

	value = multiSpace.ReplaceAllString(value, " ")
	return strings.TrimSpace(value)
}

// ContainsRedaction reports whether sanitization redacted part of the input.
func ContainsRedaction(value string) bool {
	return strings.Contains(strings.ToLower(value), "[redacted]")
}
