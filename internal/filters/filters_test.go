package filters

import (
	"bytes"
	"errors"
	"testing"

	"github.com/klauspost/compress/zlib"
)

func deflate(t *testing.T, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := zlib.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	return buf.Bytes()
}

func TestFlateDecode(t *testing.T) {
	want := []byte("BT /F1 12 Tf (Hello) Tj ET")
	got, err := FlateDecode(deflate(t, want), nil)
	if err != nil {
		t.Fatalf("FlateDecode: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestFlateDecodeTruncated(t *testing.T) {
	want := bytes.Repeat([]byte("abcdefgh"), 64)
	z := deflate(t, want)
	got, err := FlateDecode(z[:len(z)-4], nil)
	if err != nil {
		t.Fatalf("FlateDecode on stream without checksum: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Errorf("got %d bytes, want %d", len(got), len(want))
	}
}

func TestFlateDecodeGarbage(t *testing.T) {
	if _, err := FlateDecode([]byte("not zlib"), nil); err == nil {
		t.Error("expected error for non-zlib input")
	}
}

func TestPNGPredictors(t *testing.T) {
	tests := []struct {
		name string
		raw  []byte
		want []byte
	}{
		{"none", []byte{0, 1, 2, 3, 0, 4, 5, 6}, []byte{1, 2, 3, 4, 5, 6}},
		{"sub", []byte{1, 1, 1, 1, 1, 5, 1, 1}, []byte{1, 2, 3, 5, 6, 7}},
		{"up", []byte{0, 1, 2, 3, 2, 1, 1, 1}, []byte{1, 2, 3, 2, 3, 4}},
		{"average", []byte{0, 2, 4, 6, 3, 1, 1, 1}, []byte{2, 4, 6, 2, 4, 6}},
		{"paeth", []byte{0, 1, 2, 3, 4, 0, 0, 0}, []byte{1, 2, 3, 1, 2, 3}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := FlateDecode(deflate(t, tt.raw), Params{"Predictor": 12, "Columns": 3})
			if err != nil {
				t.Fatalf("FlateDecode: %v", err)
			}
			if !bytes.Equal(got, tt.want) {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestTIFFPredictor(t *testing.T) {
	got, err := FlateDecode(deflate(t, []byte{10, 1, 1, 20, 2, 2}), Params{"Predictor": 2, "Columns": 3})
	if err != nil {
		t.Fatalf("FlateDecode: %v", err)
	}
	want := []byte{10, 11, 12, 20, 22, 24}
	if !bytes.Equal(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestUnknownPNGFilterType(t *testing.T) {
	if _, err := FlateDecode(deflate(t, []byte{9, 1, 2, 3}), Params{"Predictor": 12, "Columns": 3}); err == nil {
		t.Error("expected error for filter type 9")
	}
}

func TestASCIIHexDecode(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"48656C6C6F>", "Hello"},
		{"48 65 6c\n6c 6f", "Hello"},
		{"414>", "A@"},
		{">", ""},
	}
	for _, tt := range tests {
		got, err := ASCIIHexDecode([]byte(tt.in))
		if err != nil {
			t.Fatalf("ASCIIHexDecode(%q): %v", tt.in, err)
		}
		if string(got) != tt.want {
			t.Errorf("ASCIIHexDecode(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
	if _, err := ASCIIHexDecode([]byte("4G")); err == nil {
		t.Error("expected error for invalid digit")
	}
}

func TestASCII85Decode(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"9jqo^~>", "Man "},
		{"9jqo~>", "Man"},
		{"z~>", "\x00\x00\x00\x00"},
		{"9jq o^\n~>", "Man "},
	}
	for _, tt := range tests {
		got, err := ASCII85Decode([]byte(tt.in))
		if err != nil {
			t.Fatalf("ASCII85Decode(%q): %v", tt.in, err)
		}
		if string(got) != tt.want {
			t.Errorf("ASCII85Decode(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
	if _, err := ASCII85Decode([]byte("9jqo{~>")); err == nil {
		t.Error("expected error for invalid character")
	}
}

func TestRunLengthDecode(t *testing.T) {
	got, err := RunLengthDecode([]byte{2, 'a', 'b', 'c', 254, 'x', 128, 'z'})
	if err != nil {
		t.Fatalf("RunLengthDecode: %v", err)
	}
	if string(got) != "abcxxx" {
		t.Errorf("got %q, want %q", got, "abcxxx")
	}
	if _, err := RunLengthDecode([]byte{5, 'a'}); err == nil {
		t.Error("expected error for overflowing literal run")
	}
}

func TestDecodeDispatch(t *testing.T) {
	if _, err := Decode("DCTDecode", nil, nil); !errors.Is(err, ErrPassThrough) {
		t.Errorf("DCTDecode: got %v, want ErrPassThrough", err)
	}
	var unsupported *UnsupportedFilterError
	if _, err := Decode("LZWDecode", nil, nil); !errors.As(err, &unsupported) {
		t.Errorf("LZWDecode: got %v, want UnsupportedFilterError", err)
	}
	got, err := Decode("AHx", []byte("4869>"), nil)
	if err != nil || string(got) != "Hi" {
		t.Errorf("AHx: got %q, %v", got, err)
	}
}

func TestParams(t *testing.T) {
	p := Params{"Columns": int64(4), "K": -1, "Scale": 2.0, "BlackIs1": true}
	if got := intParam(p, "Columns", 1); got != 4 {
		t.Errorf("Columns = %d", got)
	}
	if got := intParam(p, "Scale", 1); got != 2 {
		t.Errorf("Scale = %d", got)
	}
	if got := intParam(p, "Missing", 7); got != 7 {
		t.Errorf("Missing = %d", got)
	}
	if !boolParam(p, "BlackIs1", false) {
		t.Error("BlackIs1 should be true")
	}
	if boolParam(nil, "BlackIs1", false) {
		t.Error("nil params should use default")
	}
}
