package reverseindex

import (
	"strings"
	"unicode/utf8"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// Fold returns the case-folded form of s, normalized to NFC.
// Folding uses the Unicode default (locale-independent) full case folding,
// so two translations fold equal identically on every platform. The NFC
// step also makes canonically equivalent spellings such as "e\u0301" and
// "é" fold equal.
func Fold(s string) string {
	if isASCII(s) {
		return strings.ToLower(s)
	}
	// A Caser carries state and must not be shared between goroutines.
	return norm.NFC.String(cases.Fold().String(s))
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= utf8.RuneSelf {
			return false
		}
	}
	return true
}
