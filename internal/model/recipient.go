package model

import "strings"

// NormalizeRecipient strips everything but ASCII digits, so "+82 10-1234-0000"
// and "821012340000" compare equal.
func NormalizeRecipient(raw string) string {
	var b strings.Builder
	b.Grow(len(raw))
	for _, c := range raw {
		if c >= '0' && c <= '9' {
			b.WriteRune(c)
		}
	}
	return b.String()
}

// NormalizeRecipients normalizes every entry, drops empties, and deduplicates
// while preserving first-seen order. Idempotent: applying it to its own output
// returns the same list.
func NormalizeRecipients(raw []string) []string {
	seen := make(map[string]struct{}, len(raw))
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		n := NormalizeRecipient(r)
		if n == "" {
			continue
		}
		if _, dup := seen[n]; dup {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	return out
}
