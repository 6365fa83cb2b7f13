package core

import (
	"io"
	"testing"

	"github.com/tsawler/pagestream/internal/pdftest"
)

func TestSequenceStreamJoinsParts(t *testing.T) {
	s := NewSequenceStream(
		&Stream{Dict: Dict{}, Data: []byte("q 1 0 0 1 0 0 cm")},
		nil,
		&Stream{Dict: Dict{"Filter": Name("FlateDecode")}, Data: pdftest.Deflate([]byte("BT ET"))},
		&Stream{Dict: Dict{}, Data: []byte("Q")},
	)
	if len(s.Parts) != 3 {
		t.Fatalf("expected nil part to be dropped, got %d parts", len(s.Parts))
	}
	got, err := s.Decode()
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if want := "q 1 0 0 1 0 0 cm\nBT ET\nQ"; string(got) != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestSequenceStreamEmpty(t *testing.T) {
	s := NewSequenceStream()
	if !s.Empty() {
		t.Error("expected empty")
	}
	got, err := io.ReadAll(s.Reader())
	if err != nil || len(got) != 0 {
		t.Errorf("got %q, %v", got, err)
	}
}

func TestSequenceStreamDecodeError(t *testing.T) {
	s := NewSequenceStream(
		&Stream{Dict: Dict{}, Data: []byte("ok")},
		&Stream{Dict: Dict{"Filter": Name("FlateDecode")}, Data: []byte("not zlib")},
	)
	if _, err := s.Decode(); err == nil {
		t.Error("expected decode error from second part")
	}
}

func TestSequenceStreamSmallReads(t *testing.T) {
	s := NewSequenceStream(&Stream{Dict: Dict{}, Data: []byte("ab")}, &Stream{Dict: Dict{}, Data: []byte("cd")})
	r := s.Reader()
	var out []byte
	buf := make([]byte, 1)
	for {
		n, err := r.Read(buf)
		out = append(out, buf[:n]...)
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatal(err)
		}
	}
	if string(out) != "ab\ncd" {
		t.Errorf("got %q", out)
	}
}
