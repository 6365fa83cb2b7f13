package text

import (
	"testing"

	"github.com/tsawler/pagestream/core"
)

const toUnicode = `/CIDInit /ProcSet findresource begin
12 dict begin
begincmap
/CIDSystemInfo << /Registry (Adobe) /Ordering (UCS) /Supplement 0 >> def
/CMapName /Adobe-Identity-UCS def
1 begincodespacerange
<0000> <FFFF>
endcodespacerange
2 beginbfchar
<0003> <0020>
<0011> <00660069>
endbfchar
2 beginbfrange
<0024> <0026> <0041>
<0030> <0031> [<0078> <D835DC00>]
endbfrange
endcmap
CMapName currentdict /CMap defineresource pop
end
end`

func TestParseCMap(t *testing.T) {
	cm, err := parseCMap([]byte(toUnicode))
	if err != nil {
		t.Fatalf("parseCMap failed: %v", err)
	}
	if len(cm.spaces) != 1 || cm.spaces[0].n != 2 {
		t.Fatalf("codespaces = %+v", cm.spaces)
	}
	tests := []struct {
		code uint32
		want string
		ok   bool
	}{
		{0x03, " ", true},
		{0x11, "fi", true},
		{0x24, "A", true},
		{0x26, "C", true},
		{0x30, "x", true},
		{0x31, "𝐀", true},
		{0x27, "", false},
	}
	for _, tt := range tests {
		got, ok := cm.lookup(tt.code)
		if got != tt.want || ok != tt.ok {
			t.Errorf("lookup(%#x) = %q, %v; want %q, %v", tt.code, got, ok, tt.want, tt.ok)
		}
	}
}

func TestCMapRangeCarry(t *testing.T) {
	cm, err := parseCMap([]byte("1 beginbfrange <00FE> <0101> <00FE> endbfrange"))
	if err != nil {
		t.Fatalf("parseCMap failed: %v", err)
	}
	if got, _ := cm.lookup(0x100); got != "Ā" {
		t.Errorf("lookup(0x100) = %q, want Ā", got)
	}
}

func TestReadCode(t *testing.T) {
	cm := &cmap{spaces: []codespace{{n: 1, lo: 0x00, hi: 0x80}, {n: 2, lo: 0x8140, hi: 0x9FFC}}}
	s := []byte{0x41, 0x81, 0x40, 0xFF}
	var codes []uint32
	for i := 0; i < len(s); {
		c, n := cm.readCode(s, i)
		codes = append(codes, c)
		i += n
	}
	want := []uint32{0x41, 0x8140, 0xFF}
	if len(codes) != len(want) {
		t.Fatalf("codes = %x, want %x", codes, want)
	}
	for i := range want {
		if codes[i] != want[i] {
			t.Errorf("code %d = %#x, want %#x", i, codes[i], want[i])
		}
	}
}

func TestGlyphText(t *testing.T) {
	tests := map[string]string{
		"A":           "A",
		"space":       " ",
		"quoteright":  "’",
		"uni00E9":     "é",
		"uni00660069": "fi",
		"u1F600":      "😀",
		"a.sc":        "a",
		"g123":        "",
	}
	for name, want := range tests {
		if got := glyphText(name); got != want {
			t.Errorf("glyphText(%q) = %q, want %q", name, got, want)
		}
	}
}

func fetchDirect(obj core.Object) (core.Object, error) { return obj, nil }

func TestLoadSimpleFont(t *testing.T) {
	dict := core.Dict{
		"Subtype":   core.Name("TrueType"),
		"BaseFont":  core.Name("Times-Roman"),
		"FirstChar": core.Int(65),
		"Widths":    core.Array{core.Int(600), core.Int(700)},
		"Encoding": core.Dict{
			"BaseEncoding": core.Name("WinAnsiEncoding"),
			"Differences":  core.Array{core.Int(66), core.Name("eacute"), core.Name("uni20AC")},
		},
		"FontDescriptor": core.Dict{
			"Flags":        core.Int(flagSerif),
			"Ascent":       core.Int(891),
			"Descent":      core.Int(-216),
			"MissingWidth": core.Int(250),
		},
	}
	f, err := loadFont(fetchDirect, dict, "g_F1")
	if err != nil {
		t.Fatalf("loadFont failed: %v", err)
	}
	if f.Family != "serif" || f.Ascent != 0.891 || f.Descent != -0.216 {
		t.Errorf("style = %s %v %v", f.Family, f.Ascent, f.Descent)
	}
	glyphs := f.decode([]byte("ABC\x80 "))
	wantText := []string{"A", "é", "€", "€", " "}
	wantWidth := []float64{600, 700, 250, 250, 250}
	if len(glyphs) != len(wantText) {
		t.Fatalf("decoded %d glyphs", len(glyphs))
	}
	for i, g := range glyphs {
		if g.text != wantText[i] || g.width != wantWidth[i] {
			t.Errorf("glyph %d = %q %v, want %q %v", i, g.text, g.width, wantText[i], wantWidth[i])
		}
	}
	if !glyphs[4].space || glyphs[0].space {
		t.Error("only code 32 is a word space")
	}
}

func TestStandardEncodingQuotes(t *testing.T) {
	f, err := loadFont(fetchDirect, core.Dict{"Subtype": core.Name("Type1"), "BaseFont": core.Name("Courier")}, "g_F2")
	if err != nil {
		t.Fatalf("loadFont failed: %v", err)
	}
	if got := f.text('\''); got != "’" {
		t.Errorf("quote = %q", got)
	}
	if f.Family != "monospace" || !f.monospace {
		t.Errorf("family = %q", f.Family)
	}
}

func TestLoadCompositeFont(t *testing.T) {
	dict := core.Dict{
		"Subtype":  core.Name("Type0"),
		"BaseFont": core.Name("KozMin"),
		"Encoding": core.Name("Identity-V"),
		"DescendantFonts": core.Array{core.Dict{
			"Subtype": core.Name("CIDFontType0"),
			"DW":      core.Int(900),
			"W": core.Array{
				core.Int(1), core.Array{core.Int(500), core.Int(600)},
				core.Int(10), core.Int(12), core.Int(300),
			},
		}},
		"ToUnicode": &core.Stream{Dict: core.Dict{}, Data: []byte(toUnicode)},
	}
	f, err := loadFont(fetchDirect, dict, "g_F3")
	if err != nil {
		t.Fatalf("loadFont failed: %v", err)
	}
	if !f.Vertical || !f.composite {
		t.Fatal("expected a vertical composite font")
	}
	tests := []struct {
		code  uint32
		width float64
	}{
		{1, 500}, {2, 600}, {3, 900}, {10, 300}, {12, 300}, {13, 900},
	}
	for _, tt := range tests {
		if got := f.width(tt.code); got != tt.width {
			t.Errorf("width(%d) = %v, want %v", tt.code, got, tt.width)
		}
	}
	glyphs := f.decode([]byte{0x00, 0x24, 0x00, 0x11})
	if len(glyphs) != 2 || glyphs[0].text != "A" || glyphs[1].text != "fi" {
		t.Errorf("glyphs = %+v", glyphs)
	}
}
