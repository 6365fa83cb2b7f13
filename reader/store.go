package reader

import (
	"bytes"
	"context"
	"fmt"
	"regexp"
	"sync"

	"go.uber.org/zap"

	"github.com/tsawler/pagestream/core"
	"github.com/tsawler/pagestream/internal/metrics"
	"github.com/tsawler/pagestream/source"
)

// Options configures a Store.
type Options struct {
	Logger  *zap.Logger
	Metrics *metrics.Collectors
}

// Store resolves indirect references against the cross-reference index of
// one document and caches every object it materializes. Fetch never blocks
// on the network: unloaded bytes surface as *core.MissingDataError and the
// caller loads the range and retries, which FetchContext and FetchAsync do.
type Store struct {
	src     source.ByteSource
	logger  *zap.Logger
	metrics *metrics.Collectors

	startXRef int64
	xref      *core.XRefTable
	crypt     *SecurityHandler

	mu      sync.RWMutex
	cache   map[core.IndirectRef]core.Object
	streams map[int]*core.ObjectStream
}

var _ core.ReferenceResolver = (*Store)(nil)

// NewStore creates a store over src. Parse must succeed before Fetch.
func NewStore(src source.ByteSource, opts Options) *Store {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		src:     src,
		logger:  logger,
		metrics: opts.Metrics,
		cache:   make(map[core.IndirectRef]core.Object),
		streams: make(map[int]*core.ObjectStream),
	}
}

// Source returns the byte source.
func (s *Store) Source() source.ByteSource { return s.src }

// SetSource swaps the byte source, e.g. for an in-memory copy once a
// chunked source is complete. Lengths must match.
func (s *Store) SetSource(src source.ByteSource) error {
	if src.Length() != s.src.Length() {
		return fmt.Errorf("source length %d does not match %d", src.Length(), s.src.Length())
	}
	s.src = src
	return nil
}

// SetStartXRef sets the offset of the newest cross-reference section.
func (s *Store) SetStartXRef(off int64) { s.startXRef = off }

var headerRE = regexp.MustCompile(`%PDF-(\d\.\d)`)

// ReadHeader finds "%PDF-x.y" in the first kilobyte and returns its version
// and offset. A file without a header returns "" and -1.
func ReadHeader(src source.ByteSource) (string, int64, error) {
	n := int64(core.ScanWindow)
	if n > src.Length() {
		n = src.Length()
	}
	buf := make([]byte, n)
	if _, err := src.ReadAt(buf, 0); core.IsMissingData(err) {
		return "", -1, err
	}
	m := headerRE.FindSubmatchIndex(buf)
	if m == nil {
		return "", -1, nil
	}
	return string(buf[m[2]:m[3]]), int64(m[0]), nil
}

// Parse builds the cross-reference index. Without recovery it follows the
// trailer chain from the start offset; with recovery it scans the whole
// file. A trailer whose /Root is not a dictionary with /Pages is an
// *core.XRefParseError outside recovery and an *core.InvalidPDFError in it.
func (s *Store) Parse(recovery bool) error {
	var (
		table *core.XRefTable
		err   error
	)
	size := s.src.Length()
	if recovery {
		s.logger.Warn("indexing objects", zap.Int64("length", size))
		table, err = core.IndexObjects(s.src, size)
	} else {
		if s.startXRef <= 0 {
			return &core.XRefParseError{Offset: s.startXRef, Err: core.Formatf("no startxref")}
		}
		table, err = core.NewXRefReader(s.src, size, s).ReadChain(s.startXRef)
	}
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.xref = table
	clear(s.cache)
	clear(s.streams)
	s.mu.Unlock()

	root, err := s.Fetch(refOrZero(table.Trailer["Root"]))
	if core.IsMissingData(err) {
		return err
	}
	if err != nil {
		return s.rootError(recovery, "root: "+err.Error())
	}
	rootDict, ok := root.(core.Dict)
	if !ok {
		return s.rootError(recovery, "root is not a dictionary")
	}
	if _, ok := rootDict["Pages"]; !ok {
		return s.rootError(recovery, "root has no /Pages")
	}
	return nil
}

func (s *Store) rootError(recovery bool, msg string) error {
	if recovery {
		return &core.InvalidPDFError{Msg: msg}
	}
	return &core.XRefParseError{Offset: s.startXRef, Err: core.Formatf("%s", msg)}
}

func refOrZero(obj core.Object) core.IndirectRef {
	ref, _ := obj.(core.IndirectRef)
	return ref
}

// XRef returns the cross-reference index.
func (s *Store) XRef() *core.XRefTable {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.xref
}

// Trailer returns the newest trailer dictionary.
func (s *Store) Trailer() core.Dict {
	if x := s.XRef(); x != nil {
		return x.Trailer
	}
	return nil
}

// Encrypted reports whether the trailer names a security handler.
func (s *Store) Encrypted() bool {
	return s.Trailer().Has("Encrypt")
}

// Fetch returns the object ref points at. Free entries are core.Null. An
// unknown object number, a generation that disagrees with the index, or an
// object whose header does not match ref is an *core.XRefEntryError.
func (s *Store) Fetch(ref core.IndirectRef) (core.Object, error) {
	s.mu.RLock()
	obj, ok := s.cache[ref]
	table := s.xref
	s.mu.RUnlock()
	if ok {
		s.metrics.CacheHit()
		return obj, nil
	}
	s.metrics.CacheMiss()
	if table == nil {
		return nil, fmt.Errorf("fetch %s before the index is parsed", ref)
	}

	if syn, ok := table.Synthetic[ref.Number]; ok {
		return syn, nil
	}
	e, ok := table.Get(ref.Number)
	if !ok {
		return nil, &core.XRefEntryError{Ref: ref, Reason: "object not in index"}
	}

	switch e.Kind {
	case core.EntryFree:
		obj = core.Null{}
	case core.EntryInUse:
		obj, err := s.fetchUncompressed(ref, e)
		if err != nil {
			return nil, err
		}
		return s.store(ref, obj), nil
	case core.EntryCompressed:
		obj, err := s.fetchCompressed(ref, e)
		if err != nil {
			return nil, err
		}
		return s.store(ref, obj), nil
	}
	return s.store(ref, obj), nil
}

func (s *Store) store(ref core.IndirectRef, obj core.Object) core.Object {
	s.mu.Lock()
	defer s.mu.Unlock()
	// A concurrent fetch of the same reference may have won; keep its value.
	if prev, ok := s.cache[ref]; ok {
		return prev
	}
	s.cache[ref] = obj
	return obj
}

func (s *Store) fetchUncompressed(ref core.IndirectRef, e core.XRefEntry) (core.Object, error) {
	if e.Generation != ref.Generation {
		return nil, &core.XRefEntryError{Ref: ref, Reason: fmt.Sprintf("generation %d in index", e.Generation)}
	}
	p := core.NewParserAt(s.src, e.Offset, s.src.Length())
	p.SetReferenceResolver(s)
	ind, err := p.ParseIndirectObject()
	if err != nil {
		if core.IsMissingData(err) {
			return nil, err
		}
		return nil, &core.XRefEntryError{Ref: ref, Reason: err.Error()}
	}
	if ind.Ref != ref {
		return nil, &core.XRefEntryError{Ref: ref, Reason: fmt.Sprintf("offset %d holds %s", e.Offset, ind.Ref)}
	}
	obj := ind.Object
	if s.crypt != nil && !s.isEncryptDict(ref) {
		obj, err = s.crypt.DecryptObject(ref, obj)
		if err != nil {
			return nil, err
		}
	}
	return obj, nil
}

func (s *Store) isEncryptDict(ref core.IndirectRef) bool {
	enc, ok := s.Trailer()["Encrypt"].(core.IndirectRef)
	return ok && enc == ref
}

func (s *Store) fetchCompressed(ref core.IndirectRef, e core.XRefEntry) (core.Object, error) {
	if ref.Generation != 0 {
		return nil, &core.XRefEntryError{Ref: ref, Reason: "compressed objects have generation 0"}
	}
	os, err := s.objectStream(e.StreamNum)
	if err != nil {
		return nil, err
	}
	num, obj, ok := os.At(e.Index)
	if !ok || num != ref.Number {
		return nil, &core.XRefEntryError{Ref: ref, Reason: fmt.Sprintf("not at index %d of object stream %d", e.Index, e.StreamNum)}
	}
	return obj, nil
}

func (s *Store) objectStream(num int) (*core.ObjectStream, error) {
	s.mu.RLock()
	os, ok := s.streams[num]
	s.mu.RUnlock()
	if ok {
		return os, nil
	}
	obj, err := s.Fetch(core.IndirectRef{Number: num})
	if err != nil {
		return nil, err
	}
	stm, ok := obj.(*core.Stream)
	if !ok {
		return nil, &core.XRefEntryError{Ref: core.IndirectRef{Number: num}, Reason: "object stream is not a stream"}
	}
	if os, err = core.ParseObjectStream(stm); err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.streams[num] = os
	s.mu.Unlock()
	return os, nil
}

// ResolveReference implements core.ReferenceResolver.
func (s *Store) ResolveReference(ref core.IndirectRef) (core.Object, error) {
	return s.Fetch(ref)
}

// FetchIfRef fetches obj when it is a reference and returns it unchanged
// otherwise.
func (s *Store) FetchIfRef(obj core.Object) (core.Object, error) {
	if ref, ok := obj.(core.IndirectRef); ok {
		return s.Fetch(ref)
	}
	return obj, nil
}

// Resolve is FetchIfRef with missing data loaded as needed.
func (s *Store) Resolve(ctx context.Context, obj core.Object) (core.Object, error) {
	return source.Ensure(ctx, s.src, func() (core.Object, error) { return s.FetchIfRef(obj) })
}

// FetchContext fetches ref, loading missing ranges until it succeeds.
func (s *Store) FetchContext(ctx context.Context, ref core.IndirectRef) (core.Object, error) {
	return source.Ensure(ctx, s.src, func() (core.Object, error) { return s.Fetch(ref) })
}

// ResolveDeep resolves obj and every reference reachable from it through
// arrays and dictionaries. Streams are returned as is. Cycles stop at the
// first revisit.
func (s *Store) ResolveDeep(ctx context.Context, obj core.Object) (core.Object, error) {
	return s.resolveDeep(ctx, obj, make(map[core.IndirectRef]bool))
}

func (s *Store) resolveDeep(ctx context.Context, obj core.Object, seen map[core.IndirectRef]bool) (core.Object, error) {
	if ref, ok := obj.(core.IndirectRef); ok {
		if seen[ref] {
			return core.Null{}, nil
		}
		seen[ref] = true
		defer delete(seen, ref)
		v, err := s.FetchContext(ctx, ref)
		if err != nil {
			return nil, err
		}
		obj = v
	}
	switch v := obj.(type) {
	case core.Array:
		out := make(core.Array, len(v))
		for i, elem := range v {
			r, err := s.resolveDeep(ctx, elem, seen)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	case core.Dict:
		out := make(core.Dict, len(v))
		for k, val := range v {
			r, err := s.resolveDeep(ctx, val, seen)
			if err != nil {
				return nil, err
			}
			out[k] = r
		}
		return out, nil
	}
	return obj, nil
}

// Catalog returns the document root dictionary.
func (s *Store) Catalog() (core.Dict, error) {
	root, ok := s.Trailer()["Root"].(core.IndirectRef)
	if !ok {
		return nil, &core.InvalidPDFError{Msg: "trailer has no /Root reference"}
	}
	obj, err := s.Fetch(root)
	if err != nil {
		return nil, err
	}
	d, ok := obj.(core.Dict)
	if !ok {
		return nil, &core.InvalidPDFError{Msg: "root is not a dictionary"}
	}
	return d, nil
}

// Info returns the document information dictionary, or nil.
func (s *Store) Info() (core.Dict, error) {
	obj, err := s.FetchIfRef(s.Trailer()["Info"])
	if err != nil || obj == nil {
		return nil, err
	}
	d, _ := obj.(core.Dict)
	return d, nil
}

// CacheSize returns the number of cached objects.
func (s *Store) CacheSize() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.cache)
}

// Cleanup evicts every cached object and object stream.
func (s *Store) Cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.cache)
	clear(s.streams)
}

// RawBytes returns the whole document, loading it if necessary.
func (s *Store) RawBytes(ctx context.Context) ([]byte, error) {
	data, err := source.Read(ctx, s.src, 0, s.src.Length())
	if err != nil {
		return nil, err
	}
	return bytes.Clone(data), nil
}
