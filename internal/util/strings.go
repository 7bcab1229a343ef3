package util

import (
	"strings"
	"unicode/utf8"
)

// DefaultString returns the fallback value if v is empty or consists entirely
// of whitespace; otherwise it returns v unchanged.
//
// Examples:
//
//	DefaultString("hello", "world")  → "hello"
//	DefaultString("",      "world")  → "world"
//	DefaultString("  ",    "world")  → "world"
func DefaultString(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}

// EmptyDash returns "-" if s is blank; otherwise it returns s unchanged.
// Used for table output in the CLI (hosts listing).
func EmptyDash(s string) string {
	return DefaultString(s, "-")
}

// Truncate cuts s to at most max characters (runes) and appends
// TruncationMarker when anything was removed. Output at or below max is
// returned unchanged. The cut falls on a rune boundary, because Telegram
// rejects invalid UTF-8.
func Truncate(s string, max int) string {
	if max <= 0 || utf8.RuneCountInString(s) <= max {
		return s
	}
	n := 0
	for i := range s {
		if n == max {
			return s[:i] + TruncationMarker
		}
		n++
	}
	return s
}
