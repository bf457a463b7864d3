// Package slug normalizes zone names, wiki targets, and URL paths into
// lowercase kebab-case identifiers safe for file names and graph ids.
package slug

import (
	"net/url"
	"strings"
	"unicode"
)

// Make lowercases s and collapses every run of characters outside [a-z0-9]
// into a single hyphen. Leading and trailing hyphens are trimmed.
func Make(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	pendingDash := false
	for _, r := range strings.ToLower(s) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			if pendingDash && b.Len() > 0 {
				b.WriteByte('-')
			}
			pendingDash = false
			b.WriteRune(r)
			continue
		}
		pendingDash = true
	}
	return b.String()
}

// FromWikiTarget turns a wiki link target such as "/wiki/Darkshore_(zone)#History"
// or "Darkshore" into a slug. Targets in a namespace ("File:", "Category:") yield "".
func FromWikiTarget(target string) string {
	target = strings.TrimSpace(target)
	if i := strings.IndexAny(target, "#?"); i >= 0 {
		target = target[:i]
	}
	if unescaped, err := url.PathUnescape(target); err == nil {
		target = unescaped
	}
	target = strings.TrimRight(target, "/")
	if i := strings.LastIndex(target, "/"); i >= 0 {
		target = target[i+1:]
	}
	if strings.Contains(target, ":") {
		return ""
	}
	return Make(strings.ReplaceAll(target, "_", " "))
}

// Humanize renders a slug as a title-cased display name.
func Humanize(s string) string {
	parts := strings.FieldsFunc(s, func(r rune) bool { return r == '-' || r == '_' || r == ' ' })
	for i, p := range parts {
		runes := []rune(p)
		runes[0] = unicode.ToUpper(runes[0])
		parts[i] = string(runes)
	}
	return strings.Join(parts, " ")
}
