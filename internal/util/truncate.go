package util

import "unicode/utf8"

// TruncateString caps s at max bytes without splitting a UTF-8 rune. A
// non-positive max leaves s untouched.
func TruncateString(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	for max > 0 && !utf8.RuneStart(s[max]) {
		max--
	}
	return s[:max]
}
