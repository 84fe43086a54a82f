package helpers

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// SanitizeHeaderValue makes a decoded header value safe to log and to store
// in a text column. Invalid UTF-8 and NUL bytes are dropped and other control
// characters, folded line breaks included, become single spaces.
func SanitizeHeaderValue(s string) string {
	clean := true
	for _, r := range s {
		if r == utf8.RuneError || unicode.IsControl(r) {
			clean = false
			break
		}
	}
	if clean {
		return s
	}

	var b strings.Builder
	b.Grow(len(s))
	lastSpace := false
	for i, r := range s {
		switch {
		case r == 0:
			continue
		case r == utf8.RuneError:
			if _, size := utf8.DecodeRuneInString(s[i:]); size == 1 {
				continue
			}
		case unicode.IsControl(r):
			if !lastSpace {
				b.WriteByte(' ')
				lastSpace = true
			}
			continue
		}
		b.WriteRune(r)
		lastSpace = r == ' '
	}
	return strings.TrimSpace(b.String())
}
