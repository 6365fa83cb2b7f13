package text

import (
	"unicode"
)

// Direction represents the writing direction of a text item.
type Direction int

const (
	// LTR (Left-to-Right) for Latin, Cyrillic, CJK in horizontal mode, etc.
	LTR Direction = iota
	// RTL (Right-to-Left) for Arabic, Hebrew, etc.
	RTL
	// TTB (Top-to-Bottom) for text shown with a vertical font.
	TTB
)

// String returns the direction as reported in text items: "ltr", "rtl" or
// "ttb".
func (d Direction) String() string {
	switch d {
	case RTL:
		return "rtl"
	case TTB:
		return "ttb"
	default:
		return "ltr"
	}
}

// rtlScripts are the right-to-left scripts recognized when classifying
// items.
var rtlScripts = []*unicode.RangeTable{
	unicode.Arabic, unicode.Hebrew, unicode.Syriac, unicode.Thaana, unicode.Nko,
}

// isRTL reports whether r belongs to a right-to-left script.
func isRTL(r rune) bool {
	return unicode.In(r, rtlScripts...)
}

// DetectDirection classifies a text item. Vertical text is TTB. Otherwise
// a string is RTL when right-to-left characters make up at least 30% of
// it, or when it is four characters or shorter and holds any; everything
// else is LTR.
func DetectDirection(s string, vertical bool) Direction {
	if vertical {
		return TTB
	}
	total, rtl := 0, 0
	for _, r := range s {
		total++
		if isRTL(r) {
			rtl++
		}
	}
	if rtl == 0 {
		return LTR
	}
	if total > 4 && float64(rtl)/float64(total) < 0.3 {
		return LTR
	}
	return RTL
}

// visualToLogical reverses an RTL string. Content streams draw
// right-to-left text in visual order.
func visualToLogical(s string) string {
	runes := []rune(s)
	for i, j := 0, len(runes)-1; i < j; i, j = i+1, j-1 {
		runes[i], runes[j] = runes[j], runes[i]
	}
	return string(runes)
}
