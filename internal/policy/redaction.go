// Package policy masks personal data in exam transcripts before they leave
// the process.
package policy

import "regexp"

type rule struct {
	pattern *regexp.Regexp
	marker  string
}

// Order matters: card numbers are masked before the looser phone pattern can
// claim them.
var rules = []rule{
	{regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`), "[REDACTED_EMAIL]"},
	{regexp.MustCompile(`\b[isuISU]\d{6,8}\b`), "[REDACTED_STUDENT_ID]"},
	{regexp.MustCompile(`\b(?:\d[ -]*?){13,19}\b`), "[REDACTED_CARD]"},
	{regexp.MustCompile(`\+?[0-9][0-9\-() ]{7,}[0-9]`), "[REDACTED_PHONE]"},
}

// RedactPII masks emails, student numbers, card numbers and phone numbers in
// a spoken utterance.
func RedactPII(input string) (redacted string, changed bool) {
	out := input
	for _, r := range rules {
		next := r.pattern.ReplaceAllString(out, r.marker)
		if next != out {
			changed = true
			out = next
		}
	}
	return out, changed
}
