package core

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"
)

// partialReader serves data[:loaded] and reports the rest as missing.
type partialReader struct {
	data   []byte
	loaded int64
}

func (r *partialReader) ReadAt(p []byte, off int64) (int, error) {
	if off >= int64(len(r.data)) {
		return 0, io.EOF
	}
	end := off + int64(len(p))
	avail := r.loaded
	if avail > int64(len(r.data)) {
		avail = int64(len(r.data))
	}
	if off >= avail {
		return 0, &MissingDataError{Begin: off, End: end}
	}
	n := copy(p, r.data[off:avail])
	if n < len(p) {
		if avail == int64(len(r.data)) {
			return n, io.EOF
		}
		return n, &MissingDataError{Begin: off + int64(n), End: end}
	}
	return n, nil
}

func parse(t *testing.T, input string) Object {
	t.Helper()
	obj, err := NewParser(strings.NewReader(input)).ParseObject()
	if err != nil {
		t.Fatalf("ParseObject(%q): %v", input, err)
	}
	return obj
}

func TestParsePrimitives(t *testing.T) {
	tests := []struct {
		input string
		want  Object
	}{
		{"null", Null{}},
		{"true", Bool(true)},
		{"false", Bool(false)},
		{"42", Int(42)},
		{"-17", Int(-17)},
		{"--3", Int(-3)},
		{"3.25", Real(3.25)},
		{"-.5", Real(-0.5)},
		{"/Type", Name("Type")},
		{"/A#20B", Name("A B")},
		{"(Hello)", String("Hello")},
		{"(a\\(b\\)c)", String("a(b)c")},
		{"(nested (paren) ok)", String("nested (paren) ok")},
		{"(\\101\\102)", String("AB")},
		{"(line\\\ncontinued)", String("linecontinued")},
		{"<48656C6C6F>", String("Hello")},
		{"<4 8 6>", String("H`")},
		{"12 0 R", IndirectRef{Number: 12}},
		{"% comment\n7", Int(7)},
	}
	for _, tt := range tests {
		got := parse(t, tt.input)
		if got.String() != tt.want.String() || got.Type() != tt.want.Type() {
			t.Errorf("ParseObject(%q) = %#v, want %#v", tt.input, got, tt.want)
		}
	}
}

func TestParseContainers(t *testing.T) {
	obj := parse(t, "<< /Type /Page /Kids [1 0 R 2 0 R] /Count 2 /Box [0 0 612.5 792] /Sub << /A (x) >> >>")
	d, ok := obj.(Dict)
	if !ok {
		t.Fatalf("expected Dict, got %T", obj)
	}
	if !d.IsType("Page") {
		t.Error("Type should be Page")
	}
	kids, _ := d.GetArray("Kids")
	if len(kids) != 2 || kids[1] != (IndirectRef{Number: 2}) {
		t.Errorf("Kids = %v", kids)
	}
	if n, _ := d.GetInt("Count"); n != 2 {
		t.Errorf("Count = %d", n)
	}
	box, _ := d.GetArray("Box")
	if v, ok := box.GetNumber(2); !ok || v != 612.5 {
		t.Errorf("Box[2] = %v", v)
	}
	sub, _ := d.GetDict("Sub")
	if s, _ := sub.GetString("A"); s != "x" {
		t.Errorf("Sub/A = %q", s)
	}
}

func TestParseIntegersBeforeRef(t *testing.T) {
	arr, ok := parse(t, "[1 2 3 0 R 4]").(Array)
	if !ok {
		t.Fatal("expected array")
	}
	want := []Object{Int(1), Int(2), IndirectRef{Number: 3}, Int(4)}
	if len(arr) != len(want) {
		t.Fatalf("got %v", arr)
	}
	for i := range want {
		if arr[i] != want[i] {
			t.Errorf("element %d = %v, want %v", i, arr[i], want[i])
		}
	}
}

func TestParseDictDanglingKey(t *testing.T) {
	d := parse(t, "<< /A 1 /B >>").(Dict)
	if d.Has("B") || !d.Has("A") {
		t.Errorf("got %v", d)
	}
}

func TestParseErrors(t *testing.T) {
	for _, input := range []string{"[1 2", "<< /A 1", "<< 1 2 >>", "(open", "endobj", ">"} {
		_, err := NewParser(strings.NewReader(input)).ParseObject()
		if err == nil {
			t.Errorf("ParseObject(%q) should fail", input)
		}
	}
}

func TestParseIndirectObjectStream(t *testing.T) {
	input := "5 0 obj\n<< /Length 11 >>\nstream\r\nhello world\nendstream\nendobj\n"
	p := NewParser(strings.NewReader(input))
	obj, err := p.ParseIndirectObject()
	if err != nil {
		t.Fatalf("ParseIndirectObject: %v", err)
	}
	if obj.Ref != (IndirectRef{Number: 5}) {
		t.Errorf("Ref = %v", obj.Ref)
	}
	s, ok := obj.Object.(*Stream)
	if !ok {
		t.Fatalf("expected stream, got %T", obj.Object)
	}
	if string(s.Data) != "hello world" {
		t.Errorf("Data = %q", s.Data)
	}
}

func TestParseStreamWrongLength(t *testing.T) {
	input := []byte("5 0 obj\n<< /Length 3 >>\nstream\nhello world\nendstream\nendobj\n6 0 obj 1 endobj")
	p := NewParserAt(bytes.NewReader(input), 0, int64(len(input)))
	obj, err := p.ParseIndirectObject()
	if err != nil {
		t.Fatalf("ParseIndirectObject: %v", err)
	}
	if s := obj.Object.(*Stream); string(s.Data) != "hello world" {
		t.Errorf("Data = %q", s.Data)
	}
	next, err := p.ParseIndirectObject()
	if err != nil {
		t.Fatalf("parser did not resynchronize: %v", err)
	}
	if next.Ref.Number != 6 {
		t.Errorf("next object = %v", next.Ref)
	}
}

type lengthResolver map[int]Object

func (r lengthResolver) ResolveReference(ref IndirectRef) (Object, error) {
	return r[ref.Number], nil
}

func TestParseStreamIndirectLength(t *testing.T) {
	input := "5 0 obj\n<< /Length 9 0 R >>\nstream\nabc\nendstream\nendobj"
	p := NewParser(strings.NewReader(input))
	p.SetReferenceResolver(lengthResolver{9: Int(3)})
	obj, err := p.ParseIndirectObject()
	if err != nil {
		t.Fatalf("ParseIndirectObject: %v", err)
	}
	if s := obj.Object.(*Stream); string(s.Data) != "abc" {
		t.Errorf("Data = %q", s.Data)
	}
}

func TestParseMissingDataIsSticky(t *testing.T) {
	data := []byte("1 0 obj << /Type /Catalog /Pages 2 0 R >> endobj")
	r := &partialReader{data: data, loaded: 20}
	_, err := NewParserAt(r, 0, int64(len(data))).ParseIndirectObject()
	var mde *MissingDataError
	if !errors.As(err, &mde) {
		t.Fatalf("expected MissingDataError, got %v", err)
	}
	if mde.Begin != 20 {
		t.Errorf("missing range begins at %d, want 20", mde.Begin)
	}
}

func TestDecodeText(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"plain", "plain"},
		{"\xfe\xff\x00H\x00i", "Hi"},
		{"\xff\xfeH\x00i\x00", "Hi"},
		{"caf\xe9", "café"},
		{"\x93nancial \x84", "ﬁnancial —"},
	}
	for _, tt := range tests {
		if got := DecodeText(String(tt.in)); got != tt.want {
			t.Errorf("DecodeText(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
