// Package validation provides input sanitation shared by handlers.
package validation

import (
	"strings"
	"unicode"
)

// SanitizeString trims whitespace, strips control characters, and truncates
// to maxLen. Used on free-form operator input (reasons, metadata values)
// before it reaches the audit trail.
func SanitizeString(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if unicode.IsControl(r) && r != '\n' && r != '\t' {
			continue
		}
		b.WriteRune(r)
	}
	out := b.String()
	if maxLen > 0 && len(out) > maxLen {
		out = out[:maxLen]
	}
	return out
}

// ValidPlatform reports whether the platform tag is one we manage.
func ValidPlatform(p string) bool {
	switch p {
	case "instagram", "tiktok", "youtube", "twitter":
		return true
	}
	return false
}
