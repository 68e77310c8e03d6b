package util

import "unicode/utf8"

// Truncate shortens s to at most max runes, appending "..." when cut.
// A non-positive max returns s unchanged.
func Truncate(s string, max int) string {
	if max <= 0 || utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	return string(runes[:max]) + "..."
}
