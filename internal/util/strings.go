// Package util provides small helpers shared across the module.
package util

// SafeTruncate truncates a string to maxLen characters without panicking.
// Used when logging credential-bearing values where only a prefix should
// ever appear.
func SafeTruncate(s string, maxLen int) string {
	if maxLen < 0 {
		return ""
	}
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}
