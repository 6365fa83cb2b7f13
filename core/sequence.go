package core

import (
	"bytes"
	"io"
)

// SequenceStream presents several content streams as one. Parts are
// decoded only when read and are separated by a newline so an operator
// that ends one part never fuses with the first token of the next.
type SequenceStream struct {
	Parts []*Stream
}

// NewSequenceStream wraps parts, dropping nil entries.
func NewSequenceStream(parts ...*Stream) *SequenceStream {
	s := &SequenceStream{}
	for _, p := range parts {
		if p != nil {
			s.Parts = append(s.Parts, p)
		}
	}
	return s
}

// Empty reports whether the sequence has no parts.
func (s *SequenceStream) Empty() bool { return len(s.Parts) == 0 }

// Decode returns the decoded concatenation.
func (s *SequenceStream) Decode() ([]byte, error) {
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, s.Reader()); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Reader returns a reader that decodes each part when it is reached.
func (s *SequenceStream) Reader() io.Reader {
	return &sequenceReader{parts: s.Parts}
}

type sequenceReader struct {
	parts []*Stream
	cur   []byte
	next  int
}

func (r *sequenceReader) Read(p []byte) (int, error) {
	for len(r.cur) == 0 {
		if r.next >= len(r.parts) {
			return 0, io.EOF
		}
		data, err := r.parts[r.next].Decode()
		if err != nil {
			return 0, err
		}
		if r.next > 0 {
			data = append([]byte{'\n'}, data...)
		}
		r.next++
		r.cur = data
	}
	n := copy(p, r.cur)
	r.cur = r.cur[n:]
	return n, nil
}
