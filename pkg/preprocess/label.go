package preprocess

import (
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// NormalizeLabel applies NFKC normalisation, strips control characters and
// collapses runs of whitespace into single spaces. Two labels that normalise
// to the same string are considered duplicates.
func NormalizeLabel(s string) string {
	s = norm.NFKC.String(s)
	s = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) && !unicode.IsSpace(r) {
			return -1
		}
		return r
	}, s)
	return strings.Join(strings.Fields(s), " ")
}
