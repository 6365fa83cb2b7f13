package core

import (
	"bytes"
	"io"
	"regexp"
)

var (
	objHeader      = regexp.MustCompile(`(\d+)[ \t\r\n\f\x00]+(\d+)[ \t\r\n\f\x00]+obj\b`)
	endobjKeyword  = []byte("endobj")
	trailerKeyword = []byte("trailer")
)

// IndexObjects rebuilds the cross-reference table by scanning every byte
// of src for "N G obj" headers. Later definitions of the same object and
// generation win. Cross-reference streams and object streams found along
// the way contribute entries for objects the scan did not see directly.
//
// The trailer is the first valid "trailer" dictionary carrying an /ID, or
// the last valid one; a dictionary is valid when its /Root resolves to a
// dictionary with a /Pages dictionary. Without a usable trailer the newest
// xref stream dictionary is tried, then any /Type /Catalog object, then a
// parentless /Type /Pages node wrapped in a synthetic catalog.
func IndexObjects(src io.ReaderAt, size int64) (*XRefTable, error) {
	data := make([]byte, size)
	if n, err := src.ReadAt(data, 0); err != nil && err != io.EOF && int64(n) < size {
		return nil, err
	}

	table := NewXRefTable()
	var xrefStms, objStms []int64
	matches := objHeader.FindAllSubmatchIndex(data, -1)
	for i := 0; i < len(matches); i++ {
		m := matches[i]
		start := int64(m[0])
		num := int(parseInt(data[m[2]:m[3]]))
		gen := int(parseInt(data[m[4]:m[5]]))

		if prev, seen := table.Entries[num]; !seen || prev.Generation == gen {
			table.Entries[num] = XRefEntry{Kind: EntryInUse, Offset: start, Generation: gen}
		}

		// The object ends at its endobj, or at the next header when endobj
		// is missing. Headers inside the body are stream bytes, not objects.
		end := len(data)
		if i+1 < len(matches) {
			end = matches[i+1][0]
		}
		if k := bytes.Index(data[m[1]:], endobjKeyword); k >= 0 && m[1]+k < end {
			end = m[1] + k + len(endobjKeyword)
		}
		for i+1 < len(matches) && matches[i+1][0] < end {
			i++
		}

		body := data[m[1]:end]
		if isTypeName(body, "XRef") {
			xrefStms = append(xrefStms, start)
		} else if isTypeName(body, "ObjStm") {
			objStms = append(objStms, start)
		}
	}

	sc := &scanResolver{src: src, size: size, table: table, streams: make(map[int]*ObjectStream)}
	xr := NewXRefReader(src, size, sc)
	var topDict Dict
	for _, off := range xrefStms {
		entries, dict, err := xr.ReadSection(off)
		if err != nil {
			if IsMissingData(err) {
				return nil, err
			}
			continue
		}
		table.MergeOlder(entries)
		topDict = dict
	}
	for _, off := range objStms {
		obj, err := NewParserAt(src, off, size).ParseIndirectObject()
		if err != nil {
			continue
		}
		s, ok := obj.Object.(*Stream)
		if !ok {
			continue
		}
		os, err := ParseObjectStream(s)
		if err != nil {
			continue
		}
		found := make(map[int]XRefEntry, os.Len())
		for idx, n := range os.numbers {
			found[n] = XRefEntry{Kind: EntryCompressed, StreamNum: obj.Ref.Number, Index: idx}
		}
		table.MergeOlder(found)
	}

	if trailer := sc.pickTrailer(data); trailer != nil {
		table.Trailer = trailer
		return table, nil
	}
	if topDict != nil && sc.validRoot(topDict) {
		table.Trailer = topDict
		return table, nil
	}
	hasPages := func(d Dict) bool {
		_, ok := sc.resolve(d["Pages"]).(Dict)
		return ok
	}
	if ref, ok := sc.findByType("Catalog", hasPages); ok {
		table.Trailer = Dict{"Root": ref}
		return table, nil
	}
	if ref, ok := sc.findByType("Pages", func(d Dict) bool { return !d.Has("Parent") }); ok {
		num := 1
		for n := range table.Entries {
			if n >= num {
				num = n + 1
			}
		}
		table.Synthetic = map[int]Object{num: Dict{"Type": Name("Catalog"), "Pages": ref}}
		table.Trailer = Dict{"Root": IndirectRef{Number: num}}
		return table, nil
	}
	return nil, &InvalidPDFError{Msg: "no usable root found while indexing objects"}
}

// isTypeName reports whether body declares /Type /name, with name not
// followed by another name character.
func isTypeName(body []byte, name string) bool {
	tag := []byte("/" + name)
	for off := 0; ; {
		k := bytes.Index(body[off:], tag)
		if k < 0 {
			return false
		}
		after := off + k + len(tag)
		if after >= len(body) || !isRegular(body[after]) {
			return true
		}
		off = after
	}
}

// scanResolver resolves objects through a table under construction.
type scanResolver struct {
	src     io.ReaderAt
	size    int64
	table   *XRefTable
	streams map[int]*ObjectStream
	depth   int
}

func (s *scanResolver) ResolveReference(ref IndirectRef) (Object, error) {
	if obj, ok := s.table.Synthetic[ref.Number]; ok {
		return obj, nil
	}
	e, ok := s.table.Entries[ref.Number]
	if !ok {
		return Null{}, nil
	}
	switch e.Kind {
	case EntryInUse:
		if s.depth > 8 {
			return nil, Formatf("length references nest too deeply")
		}
		s.depth++
		defer func() { s.depth-- }()
		p := NewParserAt(s.src, e.Offset, s.size)
		p.SetReferenceResolver(s)
		obj, err := p.ParseIndirectObject()
		if err != nil {
			return nil, err
		}
		return obj.Object, nil
	case EntryCompressed:
		os, ok := s.streams[e.StreamNum]
		if !ok {
			obj, err := s.ResolveReference(IndirectRef{Number: e.StreamNum})
			if err != nil {
				return nil, err
			}
			st, _ := obj.(*Stream)
			if os, err = ParseObjectStream(st); err != nil {
				return nil, err
			}
			s.streams[e.StreamNum] = os
		}
		if _, obj, ok := os.At(e.Index); ok {
			return obj, nil
		}
	}
	return Null{}, nil
}

func (s *scanResolver) resolve(obj Object) Object {
	if ref, ok := obj.(IndirectRef); ok {
		v, err := s.ResolveReference(ref)
		if err != nil {
			return nil
		}
		return v
	}
	return obj
}

func (s *scanResolver) validRoot(trailer Dict) bool {
	root, ok := s.resolve(trailer["Root"]).(Dict)
	if !ok {
		return false
	}
	_, ok = s.resolve(root["Pages"]).(Dict)
	return ok
}

func (s *scanResolver) pickTrailer(data []byte) Dict {
	var candidate Dict
	for off := 0; ; {
		k := bytes.Index(data[off:], trailerKeyword)
		if k < 0 {
			break
		}
		pos := off + k
		off = pos + len(trailerKeyword)

		p := NewParserAt(s.src, int64(pos), s.size)
		if !p.IsKeyword("trailer") {
			continue
		}
		p.advance()
		obj, err := p.ParseObject()
		if err != nil {
			continue
		}
		dict, ok := obj.(Dict)
		if !ok || !s.validRoot(dict) {
			continue
		}
		if dict.Has("ID") {
			return dict
		}
		candidate = dict
	}
	return candidate
}

func (s *scanResolver) findByType(typ string, accept func(Dict) bool) (IndirectRef, bool) {
	best := -1
	var bestRef IndirectRef
	for num, e := range s.table.Entries {
		ref := IndirectRef{Number: num, Generation: e.Generation}
		if e.Kind == EntryCompressed {
			ref.Generation = 0
		}
		dict, ok := s.resolve(ref).(Dict)
		if !ok || !dict.IsType(typ) || (accept != nil && !accept(dict)) {
			continue
		}
		// Prefer the definition that sits latest in the file.
		rank := int(e.Offset)
		if e.Kind == EntryCompressed {
			rank = int(s.table.Entries[e.StreamNum].Offset)
		}
		if rank > best {
			best, bestRef = rank, ref
		}
	}
	return bestRef, best >= 0
}
