package text

import (
	"strings"

	"golang.org/x/text/encoding/charmap"

	"github.com/tsawler/pagestream/core"
)

// Font descriptor flags used to pick a fallback family.
const (
	flagFixedPitch = 1 << 0
	flagSerif      = 1 << 1
)

// Width used for simple fonts without /Widths or /MissingWidth, in glyph
// space units. Font programs are not read, so standard metrics are unknown.
const defaultSimpleWidth = 500

// Font is the part of a PDF font text extraction needs: the mapping from
// codes to text, advance widths and the metrics reported in text styles.
type Font struct {
	Name     string
	Subtype  string
	BaseFont string
	Family   string
	Ascent   float64
	Descent  float64
	Vertical bool

	composite    bool
	monospace    bool
	toUnicode    *cmap
	encoding     [256]string
	widths       map[uint32]float64
	defaultWidth float64
	vAdvance     float64
	scale        float64
}

type glyph struct {
	text  string
	width float64
	space bool
}

type fetchFunc func(core.Object) (core.Object, error)

// fallbackFont stands in for fonts that are missing or fail to load.
func fallbackFont(name string) *Font {
	f := &Font{Name: name, Subtype: "Type1", Family: "sans-serif", Ascent: 0.8, Descent: -0.2,
		widths: map[uint32]float64{}, defaultWidth: defaultSimpleWidth, scale: 0.001}
	f.setEncoding(charmap.Windows1252, true)
	return f
}

// loadFont reads a font dictionary. Only data needed for text is loaded:
// the font program itself is never parsed.
func loadFont(fetch fetchFunc, dict core.Dict, name string) (*Font, error) {
	f := fallbackFont(name)
	if st, ok := dict.GetName("Subtype"); ok {
		f.Subtype = string(st)
	}
	if bf, ok := dict.GetName("BaseFont"); ok {
		f.BaseFont = string(bf)
	}

	descriptorOwner := dict
	if f.Subtype == "Type0" {
		f.composite = true
		f.defaultWidth = 1000
		f.vAdvance = -1000
		if enc, ok := dict.GetName("Encoding"); ok {
			f.Vertical = strings.HasSuffix(string(enc), "-V")
		}
		desc, err := descendant(fetch, dict)
		if err != nil {
			return nil, err
		}
		if desc != nil {
			descriptorOwner = desc
			if err := f.cidWidths(fetch, desc); err != nil {
				return nil, err
			}
		}
	} else {
		if err := f.simpleEncoding(fetch, dict["Encoding"]); err != nil {
			return nil, err
		}
		if err := f.simpleWidths(fetch, dict); err != nil {
			return nil, err
		}
		if f.Subtype == "Type3" {
			if m, err := fetch(dict["FontMatrix"]); err != nil {
				return nil, err
			} else if arr, ok := m.(core.Array); ok {
				if a, ok := arr.GetNumber(0); ok && a != 0 {
					f.scale = a
				}
			}
		}
	}

	if err := f.descriptor(fetch, descriptorOwner); err != nil {
		return nil, err
	}

	tu, err := fetch(dict["ToUnicode"])
	if err != nil {
		return nil, err
	}
	if s, ok := tu.(*core.Stream); ok {
		if data, err := s.Decode(); err == nil {
			if cm, err := parseCMap(data); err == nil {
				f.toUnicode = cm
			}
		}
	}
	return f, nil
}

func descendant(fetch fetchFunc, dict core.Dict) (core.Dict, error) {
	v, err := fetch(dict["DescendantFonts"])
	if err != nil {
		return nil, err
	}
	arr, ok := v.(core.Array)
	if !ok || len(arr) == 0 {
		return nil, nil
	}
	d, err := fetch(arr[0])
	if err != nil {
		return nil, err
	}
	desc, _ := d.(core.Dict)
	return desc, nil
}

func (f *Font) setEncoding(cm *charmap.Charmap, standard bool) {
	for i := range f.encoding {
		f.encoding[i] = string(cm.DecodeByte(byte(i)))
	}
	if standard {
		f.encoding['\''] = "’"
		f.encoding['`'] = "‘"
	}
}

func (f *Font) simpleEncoding(fetch fetchFunc, obj core.Object) error {
	v, err := fetch(obj)
	if err != nil {
		return err
	}
	var base core.Name
	var diffs core.Array
	switch enc := v.(type) {
	case core.Name:
		base = enc
	case core.Dict:
		base, _ = enc.GetName("BaseEncoding")
		d, err := fetch(enc["Differences"])
		if err != nil {
			return err
		}
		diffs, _ = d.(core.Array)
	}
	switch base {
	case "WinAnsiEncoding":
		f.setEncoding(charmap.Windows1252, false)
	case "MacRomanEncoding":
		f.setEncoding(charmap.Macintosh, false)
	}

	c := -1
	for _, e := range diffs {
		switch x := e.(type) {
		case core.Int:
			c = int(x)
		case core.Name:
			if c >= 0 && c < 256 {
				f.encoding[c] = glyphText(string(x))
			}
			c++
		}
	}
	return nil
}

func (f *Font) simpleWidths(fetch fetchFunc, dict core.Dict) error {
	first, _ := dict.GetInt("FirstChar")
	v, err := fetch(dict["Widths"])
	if err != nil {
		return err
	}
	arr, _ := v.(core.Array)
	for i, e := range arr {
		w, err := fetch(e)
		if err != nil {
			return err
		}
		if n, ok := core.Number(w); ok {
			f.widths[uint32(int(first)+i)] = n
		}
	}
	return nil
}

// cidWidths reads DW, W and DW2. W holds "c [w1 w2 ...]" and
// "cfirst clast w" groups.
func (f *Font) cidWidths(fetch fetchFunc, desc core.Dict) error {
	if dw, ok := desc.GetNumber("DW"); ok {
		f.defaultWidth = dw
	}
	if v, err := fetch(desc["DW2"]); err != nil {
		return err
	} else if dw2, ok := v.(core.Array); ok {
		if a, ok := dw2.GetNumber(1); ok {
			f.vAdvance = a
		}
	}
	v, err := fetch(desc["W"])
	if err != nil {
		return err
	}
	w, _ := v.(core.Array)
	for i := 0; i < len(w); {
		start, ok := core.Number(w[i])
		if !ok || i+1 >= len(w) {
			break
		}
		next, err := fetch(w[i+1])
		if err != nil {
			return err
		}
		if list, ok := next.(core.Array); ok {
			for j, e := range list {
				if n, ok := core.Number(e); ok {
					f.widths[uint32(start)+uint32(j)] = n
				}
			}
			i += 2
			continue
		}
		end, ok1 := core.Number(next)
		if i+2 >= len(w) || !ok1 {
			break
		}
		width, ok2 := core.Number(w[i+2])
		if ok2 && end >= start && end-start < 1<<16 {
			for c := uint32(start); c <= uint32(end); c++ {
				f.widths[c] = width
			}
		}
		i += 3
	}
	return nil
}

func (f *Font) descriptor(fetch fetchFunc, owner core.Dict) error {
	v, err := fetch(owner["FontDescriptor"])
	if err != nil {
		return err
	}
	fd, ok := v.(core.Dict)
	if !ok {
		f.Family = familyFromName(f.BaseFont)
		f.monospace = f.Family == "monospace"
		return nil
	}
	flags, _ := fd.GetInt("Flags")
	switch {
	case flags&flagFixedPitch != 0:
		f.Family = "monospace"
		f.monospace = true
	case flags&flagSerif != 0:
		f.Family = "serif"
	default:
		f.Family = familyFromName(f.BaseFont)
	}
	if a, ok := fd.GetNumber("Ascent"); ok && a != 0 {
		f.Ascent = a / 1000
	}
	if d, ok := fd.GetNumber("Descent"); ok && d != 0 {
		f.Descent = d / 1000
	}
	if mw, ok := fd.GetNumber("MissingWidth"); ok && mw > 0 && !f.composite {
		f.defaultWidth = mw
	}
	return nil
}

func familyFromName(base string) string {
	lower := strings.ToLower(base)
	switch {
	case strings.Contains(lower, "courier") || strings.Contains(lower, "mono"):
		return "monospace"
	case strings.Contains(lower, "times") || strings.Contains(lower, "serif") && !strings.Contains(lower, "sans"):
		return "serif"
	}
	return "sans-serif"
}

// decode splits a shown string into glyphs.
func (f *Font) decode(s []byte) []glyph {
	glyphs := make([]glyph, 0, len(s))
	for i := 0; i < len(s); {
		var c uint32
		n := 1
		switch {
		case f.composite && f.toUnicode != nil && len(f.toUnicode.spaces) > 0:
			c, n = f.toUnicode.readCode(s, i)
		case f.composite && i+1 < len(s):
			c, n = uint32(s[i])<<8|uint32(s[i+1]), 2
		default:
			c = uint32(s[i])
		}
		i += n
		glyphs = append(glyphs, glyph{text: f.text(c), width: f.width(c), space: n == 1 && c == 32})
	}
	return glyphs
}

func (f *Font) text(c uint32) string {
	if f.toUnicode != nil {
		if s, ok := f.toUnicode.lookup(c); ok {
			return s
		}
	}
	if f.composite {
		if c >= 32 && c < 0xD800 {
			return string(rune(c))
		}
		return ""
	}
	if c < 256 {
		return f.encoding[c]
	}
	return ""
}

func (f *Font) width(c uint32) float64 {
	if w, ok := f.widths[c]; ok {
		return w
	}
	return f.defaultWidth
}

// spaceWidth is the advance of a space in glyph space, or 0 when the font
// has no space glyph and no default width.
func (f *Font) spaceWidth() float64 {
	if f.composite {
		if w, ok := f.widths[32]; ok {
			return w
		}
		return 0
	}
	return f.width(32)
}
