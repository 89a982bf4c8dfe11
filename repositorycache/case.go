package repositorycache

import (
	"strings"
	"unicode"
)

// toSnake turns a reflected type name into an entity tag: UserProfile
// becomes user_profile, HTTPClient becomes http_client. Anything that is not
// a letter or digit (generic brackets, package dots, dashes) acts as a
// separator, and runs of separators collapse to one underscore.
func toSnake(s string) string {
	runes := []rune(s)
	var b strings.Builder
	b.Grow(len(runes) + 4)

	sep := false
	for i, r := range runes {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) {
			sep = b.Len() > 0
			continue
		}

		if i > 0 && b.Len() > 0 && !sep {
			prev := runes[i-1]
			switch {
			case unicode.IsUpper(r):
				// lower→Upper, or the last capital of an acronym before a word
				nextLower := i+1 < len(runes) && unicode.IsLower(runes[i+1])
				sep = unicode.IsLower(prev) || unicode.IsDigit(prev) || (unicode.IsUpper(prev) && nextLower)
			case unicode.IsDigit(r):
				sep = !unicode.IsDigit(prev)
			}
		}

		if sep {
			b.WriteByte('_')
			sep = false
		}
		b.WriteRune(unicode.ToLower(r))
	}
	return b.String()
}
