package core

import (
	"bytes"
	"io"
)

const (
	// ScanWindow is the window size for the startxref and linearization
	// searches.
	ScanWindow = 1024

	startxrefKeyword = "startxref"
)

// FindStartXRef scans backward from the end of src in ScanWindow windows
// for "startxref" and returns the offset written after it. It returns 0
// when the keyword is absent or no digits follow it; the caller treats 0
// as a chain that needs recovery.
func FindStartXRef(src io.ReaderAt, size int64) (int64, error) {
	kw := []byte(startxrefKeyword)
	buf := make([]byte, ScanWindow)
	pos := size
	for pos > 0 {
		pos -= ScanWindow - int64(len(kw))
		if pos < 0 {
			pos = 0
		}
		n := int64(ScanWindow)
		if pos+n > size {
			n = size - pos
		}
		got, err := src.ReadAt(buf[:n], pos)
		if err != nil && err != io.EOF && int64(got) < n {
			return 0, err
		}
		if i := bytes.LastIndex(buf[:got], kw); i >= 0 {
			return readOffsetAfter(src, size, pos+int64(i)+int64(len(kw)))
		}
		if pos == 0 {
			break
		}
	}
	return 0, nil
}

func readOffsetAfter(src io.ReaderAt, size, at int64) (int64, error) {
	buf := make([]byte, 64)
	if at+int64(len(buf)) > size {
		buf = buf[:size-at]
	}
	got, err := src.ReadAt(buf, at)
	if err != nil && err != io.EOF && got < len(buf) {
		return 0, err
	}
	buf = buf[:got]
	i := 0
	for i < len(buf) && isWhitespace(buf[i]) {
		i++
	}
	var off int64
	digits := 0
	for ; i < len(buf) && isDigit(buf[i]); i++ {
		off = off*10 + int64(buf[i]-'0')
		digits++
	}
	if digits == 0 {
		return 0, nil
	}
	return off, nil
}

// Linearization holds the linearization parameter dictionary.
type Linearization struct {
	Length                int64
	ObjectNumberFirst     int
	EndFirst              int64
	NumPages              int
	MainXRefEntriesOffset int64
	PageFirst             int
	Hints                 []int64
}

// ReadLinearization parses the first object of the file. It returns nil
// when the file is not linearized, and an error when it claims to be but
// the /L length does not match.
func ReadLinearization(src io.ReaderAt, size int64) (*Linearization, error) {
	limit := int64(ScanWindow)
	if limit > size {
		limit = size
	}
	p := NewParserAt(src, 0, limit)
	obj, err := p.ParseIndirectObject()
	if err != nil {
		if IsMissingData(err) {
			return nil, err
		}
		return nil, nil
	}
	dict, ok := obj.Object.(Dict)
	if !ok {
		return nil, nil
	}
	if v, ok := dict.GetNumber("Linearized"); !ok || v <= 0 {
		return nil, nil
	}

	l := &Linearization{}
	length, _ := dict.GetInt("L")
	if int64(length) != size {
		return nil, Formatf("linearization /L %d does not match file length %d", length, size)
	}
	l.Length = int64(length)
	getInt := func(key string) (int64, bool) {
		v, ok := dict.GetInt(key)
		return int64(v), ok && v > 0
	}
	var okO, okE, okN, okT bool
	var o, n int64
	o, okO = getInt("O")
	l.EndFirst, okE = getInt("E")
	n, okN = getInt("N")
	l.MainXRefEntriesOffset, okT = getInt("T")
	if !okO || !okE || !okN || !okT {
		return nil, Formatf("linearization dictionary is missing /O, /E, /N or /T")
	}
	l.ObjectNumberFirst, l.NumPages = int(o), int(n)
	if pg, ok := dict.GetInt("P"); ok && pg >= 0 {
		l.PageFirst = int(pg)
	}
	if hints, ok := dict.GetArray("H"); ok && (len(hints) == 2 || len(hints) == 4) {
		for i := range hints {
			v, ok := hints.GetInt(i)
			if !ok || v < 0 {
				return nil, Formatf("linearization /H entry %d is invalid", i)
			}
			l.Hints = append(l.Hints, int64(v))
		}
	}
	return l, nil
}

// LinearizedStartXRef returns the offset just after the first "endobj" in
// the first ScanWindow bytes, where the first-page cross-reference section
// of a linearized file begins. It returns 0 when there is none.
func LinearizedStartXRef(src io.ReaderAt, size int64) (int64, error) {
	limit := int64(ScanWindow)
	if limit > size {
		limit = size
	}
	pos, err := FindKeyword(src, 0, limit, []byte("endobj"))
	if err != nil || pos < 0 {
		return 0, err
	}
	return pos + int64(len("endobj")), nil
}
