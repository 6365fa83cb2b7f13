package core

import (
	"bytes"
	"fmt"
)

// ObjectStream is a decoded /Type /ObjStm stream. All contained objects are
// parsed up front, so the value is read-only and safe to share.
type ObjectStream struct {
	Extends *IndirectRef
	numbers []int
	objects []Object
}

// ParseObjectStream decodes s and parses its N objects.
func ParseObjectStream(s *Stream) (*ObjectStream, error) {
	if s == nil || !s.Dict.IsType("ObjStm") {
		return nil, Formatf("not an object stream")
	}
	n, ok := s.Dict.GetInt("N")
	if !ok || n < 0 {
		return nil, Formatf("object stream: invalid /N")
	}
	first, ok := s.Dict.GetInt("First")
	if !ok || first < 0 {
		return nil, Formatf("object stream: invalid /First")
	}

	data, err := s.Decode()
	if err != nil {
		return nil, fmt.Errorf("object stream: %w", err)
	}
	if int(first) > len(data) {
		return nil, Formatf("object stream: /First %d beyond data length %d", first, len(data))
	}

	os := &ObjectStream{
		numbers: make([]int, 0, n),
		objects: make([]Object, 0, n),
	}
	if ref, ok := s.Dict.GetRef("Extends"); ok {
		os.Extends = &ref
	}

	header := NewParser(bytes.NewReader(data[:first]))
	offsets := make([]int, 0, n)
	for i := 0; i < int(n); i++ {
		num, err1 := header.ParseObject()
		off, err2 := header.ParseObject()
		numInt, ok1 := num.(Int)
		offInt, ok2 := off.(Int)
		if err1 != nil || err2 != nil || !ok1 || !ok2 {
			return nil, Formatf("object stream: bad header pair %d", i)
		}
		os.numbers = append(os.numbers, int(numInt))
		offsets = append(offsets, int(first)+int(offInt))
	}

	for i, start := range offsets {
		end := len(data)
		if i+1 < len(offsets) && offsets[i+1] > start && offsets[i+1] <= len(data) {
			end = offsets[i+1]
		}
		if start > len(data) {
			return nil, Formatf("object stream: offset %d beyond data", start)
		}
		obj, err := NewParser(bytes.NewReader(data[start:end])).ParseObject()
		if err != nil {
			return nil, fmt.Errorf("object stream: object %d: %w", os.numbers[i], err)
		}
		os.objects = append(os.objects, obj)
	}
	return os, nil
}

// Len returns the number of contained objects.
func (os *ObjectStream) Len() int { return len(os.objects) }

// At returns the object number and value at index.
func (os *ObjectStream) At(index int) (int, Object, bool) {
	if index < 0 || index >= len(os.objects) {
		return 0, nil, false
	}
	return os.numbers[index], os.objects[index], true
}

// Numbers returns the contained object numbers in header order.
func (os *ObjectStream) Numbers() []int {
	return append([]int(nil), os.numbers...)
}
