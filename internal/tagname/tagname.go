// Package tagname turns hashtags into identifiers usable as partition keys
package tagname

import (
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Thai block letters, vowels, tone marks and digits (ก..๙)
var thai = &unicode.RangeTable{
	R16: []unicode.Range16{{Lo: 0x0E01, Hi: 0x0E59, Stride: 1}},
}

func keep(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return true
	default:
		return unicode.Is(thai, r)
	}
}

// Clean keeps ASCII alphanumerics and Thai characters and lowercases the
// result, so "#DSI321" and "dsi321" name the same tag
func Clean(tag string) string {
	t := transform.Chain(
		norm.NFC,
		runes.Remove(runes.Predicate(func(r rune) bool { return !keep(r) })),
		cases.Lower(language.Und),
	)
	out, _, err := transform.String(t, tag)
	if err != nil {
		return ""
	}
	return out
}
