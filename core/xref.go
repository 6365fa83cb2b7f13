package core

import (
	"fmt"
	"io"
)

// EntryKind is the state of a cross-reference entry.
type EntryKind int

const (
	EntryFree EntryKind = iota
	EntryInUse
	EntryCompressed
)

// XRefEntry locates one object: a byte offset for in-use entries, or the
// containing object stream and index for compressed ones.
type XRefEntry struct {
	Kind       EntryKind
	Offset     int64
	Generation int
	StreamNum  int
	Index      int
}

// XRefTable maps object numbers to entries. Synthetic holds objects the
// recovery scan had to create, such as a catalog wrapped around an orphan
// page-tree root.
type XRefTable struct {
	Entries   map[int]XRefEntry
	Trailer   Dict
	Synthetic map[int]Object
}

// NewXRefTable returns an empty table.
func NewXRefTable() *XRefTable {
	return &XRefTable{Entries: make(map[int]XRefEntry)}
}

// Get returns the entry for an object number.
func (x *XRefTable) Get(num int) (XRefEntry, bool) {
	e, ok := x.Entries[num]
	return e, ok
}

// Size returns the number of entries.
func (x *XRefTable) Size() int { return len(x.Entries) }

// MergeOlder adds entries from an older revision. Entries already present
// came from a newer revision and are kept.
func (x *XRefTable) MergeOlder(entries map[int]XRefEntry) {
	for num, e := range entries {
		if _, ok := x.Entries[num]; !ok {
			x.Entries[num] = e
		}
	}
}

// XRefReader walks the trailer chain of a document.
type XRefReader struct {
	src      io.ReaderAt
	size     int64
	resolver ReferenceResolver
}

// NewXRefReader reads sections from src. The resolver, when set, is used
// for indirect /Length values of cross-reference streams.
func NewXRefReader(src io.ReaderAt, size int64, resolver ReferenceResolver) *XRefReader {
	return &XRefReader{src: src, size: size, resolver: resolver}
}

// ReadChain parses the section at start and every /XRefStm and /Prev
// section reachable from it, newest first, so each object number keeps the
// entry of the newest revision that mentions it. Missing data is returned
// as is; any other failure becomes an *XRefParseError.
func (r *XRefReader) ReadChain(start int64) (*XRefTable, error) {
	table := NewXRefTable()
	visited := make(map[int64]bool)
	queue := []int64{start}

	for len(queue) > 0 {
		off := queue[0]
		queue = queue[1:]
		if visited[off] {
			continue
		}
		visited[off] = true

		if off <= 0 || off >= r.size {
			return nil, &XRefParseError{Offset: off, Err: Formatf("offset outside file")}
		}
		entries, trailer, err := r.ReadSection(off)
		if err != nil {
			if IsMissingData(err) {
				return nil, err
			}
			return nil, &XRefParseError{Offset: off, Err: err}
		}
		table.MergeOlder(entries)
		if table.Trailer == nil {
			table.Trailer = trailer
		}

		if stm, ok := trailer.GetInt("XRefStm"); ok {
			queue = append(queue, int64(stm))
		}
		switch prev := trailer["Prev"].(type) {
		case Int:
			queue = append(queue, int64(prev))
		case IndirectRef:
			// Some writers store the offset as a reference number.
			queue = append(queue, int64(prev.Number))
		}
	}

	if table.Trailer == nil {
		return nil, &XRefParseError{Offset: start, Err: Formatf("no trailer")}
	}
	return table, nil
}

// ReadSection parses either a classic table or a cross-reference stream at
// offset and returns its entries and trailer dictionary.
func (r *XRefReader) ReadSection(offset int64) (map[int]XRefEntry, Dict, error) {
	p := NewParserAt(r.src, offset, r.size)
	p.SetReferenceResolver(r.resolver)
	if p.IsKeyword("xref") {
		p.advance()
		return readTable(p)
	}
	if p.Current() != nil && p.Current().Type == TokenInteger {
		obj, err := p.ParseIndirectObject()
		if err != nil {
			return nil, nil, err
		}
		s, ok := obj.Object.(*Stream)
		if !ok {
			return nil, nil, Formatf("object %s at %d is not an xref stream", obj.Ref, offset)
		}
		entries, err := ReadXRefStream(s)
		if err != nil {
			return nil, nil, err
		}
		return entries, s.Dict, nil
	}
	return nil, nil, p.fail("invalid xref header at offset %d", offset)
}

func readTable(p *Parser) (map[int]XRefEntry, Dict, error) {
	entries := make(map[int]XRefEntry)
	for !p.IsKeyword("trailer") {
		first, err1 := p.ParseObject()
		count, err2 := p.ParseObject()
		if err1 != nil || err2 != nil {
			return nil, nil, firstError(err1, err2, p)
		}
		firstInt, ok1 := first.(Int)
		countInt, ok2 := count.(Int)
		if !ok1 || !ok2 || firstInt < 0 || countInt < 0 {
			return nil, nil, Formatf("invalid xref subsection header %v %v", first, count)
		}

		for i := 0; i < int(countInt); i++ {
			off, err1 := p.ParseObject()
			gen, err2 := p.ParseObject()
			if err1 != nil || err2 != nil {
				return nil, nil, firstError(err1, err2, p)
			}
			offInt, ok1 := off.(Int)
			genInt, ok2 := gen.(Int)
			if !ok1 || !ok2 {
				return nil, nil, Formatf("invalid xref entry")
			}
			entry := XRefEntry{Kind: EntryInUse, Offset: int64(offInt), Generation: int(genInt)}
			switch {
			case p.IsKeyword("n"):
			case p.IsKeyword("f"):
				entry.Kind = EntryFree
			default:
				return nil, nil, p.fail("invalid xref entry flag %s", p.Current())
			}
			p.advance()

			// A subsection that starts at 1 but whose first entry is the
			// free head really starts at 0.
			if i == 0 && entry.Kind == EntryFree && firstInt == 1 {
				firstInt = 0
			}
			num := int(firstInt) + i
			if _, dup := entries[num]; !dup {
				entries[num] = entry
			}
		}
	}
	p.advance()

	obj, err := p.ParseObject()
	if err != nil {
		return nil, nil, firstError(err, nil, p)
	}
	trailer, ok := obj.(Dict)
	if !ok {
		return nil, nil, Formatf("trailer is %s, not a dictionary", obj.Type())
	}
	return entries, trailer, nil
}

func firstError(a, b error, p *Parser) error {
	for _, err := range []error{a, b} {
		if err == io.EOF {
			return p.fail("unexpected end of xref table")
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// ReadXRefStream decodes the entries of a /Type /XRef stream.
func ReadXRefStream(s *Stream) (map[int]XRefEntry, error) {
	if !s.Dict.IsType("XRef") {
		return nil, Formatf("stream is not /Type /XRef")
	}
	w, ok := s.Dict.GetArray("W")
	if !ok || len(w) < 3 {
		return nil, Formatf("xref stream: invalid /W")
	}
	var widths [3]int
	for i := range widths {
		n, ok := w.GetInt(i)
		if !ok || n < 0 || n > 8 {
			return nil, Formatf("xref stream: invalid /W entry %d", i)
		}
		widths[i] = int(n)
	}

	size, _ := s.Dict.GetInt("Size")
	index, ok := s.Dict.GetArray("Index")
	if !ok {
		index = Array{Int(0), size}
	}
	if len(index)%2 != 0 {
		return nil, Formatf("xref stream: odd /Index length")
	}

	data, err := s.Decode()
	if err != nil {
		return nil, fmt.Errorf("xref stream: %w", err)
	}

	entries := make(map[int]XRefEntry)
	rowLen := widths[0] + widths[1] + widths[2]
	if rowLen == 0 {
		return entries, nil
	}
	pos := 0
	for i := 0; i+1 < len(index); i += 2 {
		first, ok1 := index.GetInt(i)
		count, ok2 := index.GetInt(i + 1)
		if !ok1 || !ok2 || first < 0 || count < 0 {
			return nil, Formatf("xref stream: invalid /Index pair")
		}
		for j := 0; j < int(count); j++ {
			if pos+rowLen > len(data) {
				return nil, Formatf("xref stream: data ends after %d rows", pos/rowLen)
			}
			row := data[pos : pos+rowLen]
			pos += rowLen

			kind := int64(1)
			if widths[0] > 0 {
				kind = beInt(row[:widths[0]])
			}
			f2 := beInt(row[widths[0] : widths[0]+widths[1]])
			f3 := beInt(row[widths[0]+widths[1]:])

			num := int(first) + j
			if _, dup := entries[num]; dup {
				continue
			}
			switch kind {
			case 0:
				entries[num] = XRefEntry{Kind: EntryFree, Generation: int(f3)}
			case 1:
				entries[num] = XRefEntry{Kind: EntryInUse, Offset: f2, Generation: int(f3)}
			case 2:
				entries[num] = XRefEntry{Kind: EntryCompressed, StreamNum: int(f2), Index: int(f3)}
			}
		}
	}
	return entries, nil
}

func beInt(b []byte) int64 {
	var v int64
	for _, c := range b {
		v = v<<8 | int64(c)
	}
	return v
}
