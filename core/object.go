package core

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Object is any PDF value.
type Object interface {
	Type() ObjectType
	String() string
}

// ObjectType identifies the kind of an Object.
type ObjectType int

const (
	ObjNull ObjectType = iota
	ObjBool
	ObjInt
	ObjReal
	ObjString
	ObjName
	ObjArray
	ObjDict
	ObjStream
	ObjIndirect
)

var objectTypeNames = [...]string{"Null", "Bool", "Int", "Real", "String", "Name", "Array", "Dict", "Stream", "IndirectRef"}

func (t ObjectType) String() string {
	if t < 0 || int(t) >= len(objectTypeNames) {
		return "Unknown"
	}
	return objectTypeNames[t]
}

// Null is the PDF null object.
type Null struct{}

func (Null) Type() ObjectType { return ObjNull }
func (Null) String() string   { return "null" }

// Bool is a PDF boolean.
type Bool bool

func (Bool) Type() ObjectType { return ObjBool }
func (b Bool) String() string  { return strconv.FormatBool(bool(b)) }

// Int is a PDF integer.
type Int int64

func (Int) Type() ObjectType  { return ObjInt }
func (i Int) String() string { return strconv.FormatInt(int64(i), 10) }

// Real is a PDF real number.
type Real float64

func (Real) Type() ObjectType  { return ObjReal }
func (r Real) String() string { return strconv.FormatFloat(float64(r), 'f', -1, 64) }

// String is a PDF string, literal or hex, holding raw bytes.
type String string

func (String) Type() ObjectType  { return ObjString }
func (s String) String() string { return string(s) }

// Name is a PDF name without the leading slash.
type Name string

func (Name) Type() ObjectType  { return ObjName }
func (n Name) String() string { return "/" + string(n) }

// Array is a PDF array.
type Array []Object

func (Array) Type() ObjectType { return ObjArray }
func (a Array) String() string {
	parts := make([]string, len(a))
	for i, obj := range a {
		parts[i] = stringOf(obj)
	}
	return "[" + strings.Join(parts, " ") + "]"
}

// Len returns the number of elements.
func (a Array) Len() int { return len(a) }

// Get returns the element at index, or nil when out of range.
func (a Array) Get(index int) Object {
	if index < 0 || index >= len(a) {
		return nil
	}
	return a[index]
}

// GetInt returns the integer at index.
func (a Array) GetInt(index int) (Int, bool) {
	i, ok := a.Get(index).(Int)
	return i, ok
}

// GetName returns the name at index.
func (a Array) GetName(index int) (Name, bool) {
	n, ok := a.Get(index).(Name)
	return n, ok
}

// GetNumber returns the integer or real at index as a float64.
func (a Array) GetNumber(index int) (float64, bool) {
	return Number(a.Get(index))
}

// Dict is a PDF dictionary keyed by name without the slash.
type Dict map[string]Object

func (Dict) Type() ObjectType { return ObjDict }

// String renders keys in sorted order so output is stable.
func (d Dict) String() string {
	keys := d.Keys()
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = "/" + k + " " + stringOf(d[k])
	}
	return "<<" + strings.Join(parts, " ") + ">>"
}

// Get returns the raw value for key, without resolving references.
func (d Dict) Get(key string) Object { return d[key] }

// GetName returns the name value for key.
func (d Dict) GetName(key string) (Name, bool) {
	n, ok := d[key].(Name)
	return n, ok
}

// GetInt returns the integer value for key.
func (d Dict) GetInt(key string) (Int, bool) {
	i, ok := d[key].(Int)
	return i, ok
}

// GetNumber returns an integer or real value for key as a float64.
func (d Dict) GetNumber(key string) (float64, bool) { return Number(d[key]) }

// GetDict returns the dictionary value for key.
func (d Dict) GetDict(key string) (Dict, bool) {
	v, ok := d[key].(Dict)
	return v, ok
}

// GetArray returns the array value for key.
func (d Dict) GetArray(key string) (Array, bool) {
	v, ok := d[key].(Array)
	return v, ok
}

// GetString returns the string value for key.
func (d Dict) GetString(key string) (String, bool) {
	v, ok := d[key].(String)
	return v, ok
}

// GetBool returns the boolean value for key.
func (d Dict) GetBool(key string) (Bool, bool) {
	v, ok := d[key].(Bool)
	return v, ok
}

// GetStream returns the stream value for key.
func (d Dict) GetStream(key string) (*Stream, bool) {
	v, ok := d[key].(*Stream)
	return v, ok
}

// GetRef returns the reference stored under key.
func (d Dict) GetRef(key string) (IndirectRef, bool) {
	v, ok := d[key].(IndirectRef)
	return v, ok
}

// Has reports whether key is present.
func (d Dict) Has(key string) bool {
	_, ok := d[key]
	return ok
}

// IsType reports whether /Type equals name.
func (d Dict) IsType(name string) bool {
	t, ok := d.GetName("Type")
	return ok && string(t) == name
}

// Keys returns the dictionary keys in no particular order.
func (d Dict) Keys() []string {
	keys := make([]string, 0, len(d))
	for k := range d {
		keys = append(keys, k)
	}
	return keys
}

// Stream is a PDF stream: a dictionary plus the raw, still encoded bytes.
type Stream struct {
	Dict Dict
	Data []byte
}

func (*Stream) Type() ObjectType { return ObjStream }
func (s *Stream) String() string {
	return fmt.Sprintf("stream %s (%d bytes)", s.Dict.String(), len(s.Data))
}

// IndirectRef identifies an indirect object. It is comparable and used as
// the cache key throughout the object store.
type IndirectRef struct {
	Number     int
	Generation int
}

func (IndirectRef) Type() ObjectType { return ObjIndirect }
func (r IndirectRef) String() string {
	return fmt.Sprintf("%d %d R", r.Number, r.Generation)
}

// Key is the "NR" / "NRgG" form used as an identifier on the wire.
func (r IndirectRef) Key() string {
	if r.Generation == 0 {
		return strconv.Itoa(r.Number) + "R"
	}
	return fmt.Sprintf("%dR%d", r.Number, r.Generation)
}

// IndirectObject pairs a parsed value with the reference it was defined as.
type IndirectObject struct {
	Ref    IndirectRef
	Object Object
}

// Number converts an Int or Real to float64.
func Number(obj Object) (float64, bool) {
	switch v := obj.(type) {
	case Int:
		return float64(v), true
	case Real:
		return float64(v), true
	}
	return 0, false
}

// IsRef reports whether obj is an indirect reference.
func IsRef(obj Object) bool {
	_, ok := obj.(IndirectRef)
	return ok
}

func stringOf(obj Object) string {
	if obj == nil {
		return "null"
	}
	return obj.String()
}
