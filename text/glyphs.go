package text

import (
	"strconv"
	"strings"
)

// glyphNames covers the names used by the standard Latin encodings that
// are not a single letter.
var glyphNames = map[string]rune{
	"space": ' ', "exclam": '!', "quotedbl": '"', "numbersign": '#',
	"dollar": '$', "percent": '%', "ampersand": '&', "quotesingle": '\'',
	"parenleft": '(', "parenright": ')', "asterisk": '*', "plus": '+',
	"comma": ',', "hyphen": '-', "period": '.', "slash": '/',
	"zero": '0', "one": '1', "two": '2', "three": '3', "four": '4',
	"five": '5', "six": '6', "seven": '7', "eight": '8', "nine": '9',
	"colon": ':', "semicolon": ';', "less": '<', "equal": '=',
	"greater": '>', "question": '?', "at": '@', "bracketleft": '[',
	"backslash": '\\', "bracketright": ']', "asciicircum": '^',
	"underscore": '_', "grave": '`', "braceleft": '{', "bar": '|',
	"braceright": '}', "asciitilde": '~',
	"quoteleft": '‘', "quoteright": '’', "quotedblleft": '“',
	"quotedblright": '”', "quotesinglbase": '‚', "quotedblbase": '„',
	"endash": '–', "emdash": '—', "bullet": '•', "ellipsis": '…',
	"dagger": '†', "daggerdbl": '‡', "perthousand": '‰', "trademark": '™',
	"copyright": '©', "registered": '®', "degree": '°', "section": '§',
	"paragraph": '¶', "minus": '−', "multiply": '×', "divide": '÷',
	"Euro": '€', "sterling": '£', "yen": '¥', "cent": '¢',
	"guillemotleft": '«', "guillemotright": '»', "nbspace": ' ',
	"fi": 'ﬁ', "fl": 'ﬂ', "ff": 'ﬀ', "ffi": 'ﬃ', "ffl": 'ﬄ',
	"dotlessi": 'ı', "germandbls": 'ß', "AE": 'Æ', "ae": 'æ',
	"OE": 'Œ', "oe": 'œ', "Oslash": 'Ø', "oslash": 'ø',
	"eacute": 'é', "egrave": 'è', "agrave": 'à', "aacute": 'á',
	"ccedilla": 'ç', "udieresis": 'ü', "odieresis": 'ö', "adieresis": 'ä',
	"ntilde": 'ñ', "Eacute": 'É', "Udieresis": 'Ü', "Odieresis": 'Ö',
	"Adieresis": 'Ä',
}

// glyphText maps a glyph name to its text: single letters, the names
// above, and the uniXXXX and uXXXX[XX] forms. Suffixes after a period
// ("a.sc") are dropped. Unknown names give "".
func glyphText(name string) string {
	if i := strings.IndexByte(name, '.'); i > 0 {
		name = name[:i]
	}
	if len(name) == 1 {
		return name
	}
	if r, ok := glyphNames[name]; ok {
		return string(r)
	}
	if strings.HasPrefix(name, "uni") && len(name) >= 7 && (len(name)-3)%4 == 0 {
		var sb strings.Builder
		for i := 3; i < len(name); i += 4 {
			v, err := strconv.ParseUint(name[i:i+4], 16, 16)
			if err != nil {
				return ""
			}
			sb.WriteRune(rune(v))
		}
		return sb.String()
	}
	if name[0] == 'u' && len(name) >= 5 && len(name) <= 7 {
		if v, err := strconv.ParseUint(name[1:], 16, 32); err == nil && v < 0x110000 {
			return string(rune(v))
		}
	}
	return ""
}
