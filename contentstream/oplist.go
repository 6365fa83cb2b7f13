package contentstream

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"go.uber.org/zap"

	"github.com/tsawler/pagestream/core"
	"github.com/tsawler/pagestream/pages"
	"github.com/tsawler/pagestream/source"
)

// DefaultChunkSize is the number of operations per flushed chunk.
const DefaultChunkSize = 1000

// maxFormDepth bounds nested form XObjects.
const maxFormDepth = 16

// Pseudo-operators inserted around expanded forms and annotation
// appearances. They never occur in a content stream.
const (
	OpBeginForm        = "paintFormXObjectBegin"
	OpEndForm          = "paintFormXObjectEnd"
	OpBeginAnnotations = "beginAnnotations"
	OpBeginAnnotation  = "beginAnnotation"
	OpEndAnnotation    = "endAnnotation"
	OpEndAnnotations   = "endAnnotations"
)

// StatsRecorder collects the stream filters and font types a document
// uses.
type StatsRecorder interface {
	AddStreamType(filter string)
	AddFontType(subtype string)
}

// Chunk is one flush of the operator list. Length counts the operations
// emitted so far, this chunk included.
type Chunk struct {
	Operations []Operation `json:"operations"`
	Length     int         `json:"length"`
	LastChunk  bool        `json:"lastChunk"`
}

// BuilderOptions configures a [Builder].
type BuilderOptions struct {
	ChunkSize int
	Intent    pages.Intent
	Stats     StatsRecorder
	Logger    *zap.Logger
}

// Builder turns a page into its operator list: the page content followed
// by the appearance streams of the annotations selected by the intent, with
// form XObjects expanded in place.
type Builder struct {
	xref pages.ObjectFetcher
	src  source.ByteSource
	opts BuilderOptions
}

// NewBuilder reads objects through xref, waiting on src for bytes that are
// not loaded yet.
func NewBuilder(xref pages.ObjectFetcher, src source.ByteSource, opts BuilderOptions) *Builder {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Builder{xref: xref, src: src, opts: opts}
}

// list accumulates operations and flushes them in chunks. check runs
// before every flush so a terminated task stops at the next boundary.
type list struct {
	ctx   context.Context
	size  int
	ops   []Operation
	total int
	check func() error
	emit  func(Chunk) error
}

func (l *list) add(op Operation) error {
	l.ops = append(l.ops, op)
	if len(l.ops) >= l.size {
		return l.flush(false)
	}
	return nil
}

func (l *list) flush(last bool) error {
	if l.ctx.Err() != nil {
		return context.Cause(l.ctx)
	}
	if l.check != nil {
		if err := l.check(); err != nil {
			return err
		}
	}
	l.total += len(l.ops)
	chunk := Chunk{Operations: l.ops, Length: l.total, LastChunk: last}
	l.ops = make([]Operation, 0, l.size)
	return l.emit(chunk)
}

// Build emits the operator list of page through emit. The final chunk has
// LastChunk set, even when empty. check is consulted before each chunk and
// a non-nil result aborts the build with that error.
func (b *Builder) Build(ctx context.Context, page *pages.Page, check func() error, emit func(Chunk) error) error {
	l := &list{ctx: ctx, size: b.opts.ChunkSize, check: check, emit: emit}
	l.ops = make([]Operation, 0, l.size)
	r := &run{b: b, ctx: ctx, l: l, fonts: map[string]bool{}, page: page.Index}

	resources, err := source.Ensure(ctx, b.src, page.Resources)
	if err != nil {
		return err
	}
	contents, err := source.Ensure(ctx, b.src, page.Contents)
	if err != nil {
		return err
	}
	for _, part := range contents.Parts {
		r.streamTypes(part.Dict)
	}
	if err := r.content(contents.Reader(), resources, 0, nil); err != nil {
		return err
	}

	annots, err := source.Ensure(ctx, b.src, func() ([]*pages.Annotation, error) {
		return page.AnnotationsFor(b.opts.Intent)
	})
	if err != nil {
		return err
	}
	if err := r.annotations(annots); err != nil {
		return err
	}
	return l.flush(true)
}

// run is the state of one Build.
type run struct {
	b     *Builder
	ctx   context.Context
	l     *list
	fonts map[string]bool
	page  int
}

func (r *run) fetch(obj core.Object) (core.Object, error) {
	return source.Ensure(r.ctx, r.b.src, func() (core.Object, error) { return r.b.xref.FetchIfRef(obj) })
}

func (r *run) dict(obj core.Object) (core.Dict, error) {
	v, err := r.fetch(obj)
	if err != nil {
		return nil, err
	}
	d, _ := v.(core.Dict)
	return d, nil
}

func (r *run) streamTypes(dict core.Dict) {
	if r.b.opts.Stats == nil {
		return
	}
	switch f := dict["Filter"].(type) {
	case core.Name:
		r.b.opts.Stats.AddStreamType(string(f))
	case core.Array:
		for _, e := range f {
			if n, ok := e.(core.Name); ok {
				r.b.opts.Stats.AddStreamType(string(n))
			}
		}
	}
}

// content parses one content stream into the list. seen holds the forms
// on the current expansion path.
func (r *run) content(rd io.Reader, resources core.Dict, depth int, seen map[core.IndirectRef]bool) error {
	p := NewReaderParser(rd)
	for {
		op, err := p.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("content stream: %w", err)
		}
		switch op.Operator {
		case "Tf":
			if err := r.font(op, resources); err != nil {
				return err
			}
		case "BI":
			if op.Image != nil {
				r.streamTypes(op.Image.Dict)
			}
		case "Do":
			expanded, err := r.xobject(op, resources, depth, seen)
			if err != nil {
				return err
			}
			if expanded {
				continue
			}
		}
		if err := r.l.add(op); err != nil {
			return err
		}
	}
	if n := p.Skipped(); n > 0 {
		r.b.opts.Logger.Warn("ignored malformed content", zap.Int("page", r.page), zap.Int("tokens", n))
	}
	return nil
}

func (r *run) font(op Operation, resources core.Dict) error {
	if len(op.Operands) == 0 || r.b.opts.Stats == nil {
		return nil
	}
	name, ok := op.Operands[0].(core.Name)
	if !ok || r.fonts[string(name)] {
		return nil
	}
	r.fonts[string(name)] = true
	fonts, err := r.dict(resources["Font"])
	if err != nil || fonts == nil {
		return err
	}
	font, err := r.dict(fonts[string(name)])
	if err != nil || font == nil {
		return err
	}
	if st, ok := font.GetName("Subtype"); ok {
		r.b.opts.Stats.AddFontType(string(st))
	}
	return nil
}

// xobject expands a form XObject in place. It reports false when the
// operation should be kept as is.
func (r *run) xobject(op Operation, resources core.Dict, depth int, seen map[core.IndirectRef]bool) (bool, error) {
	if len(op.Operands) == 0 {
		return false, nil
	}
	name, ok := op.Operands[0].(core.Name)
	if !ok {
		return false, nil
	}
	xobjects, err := r.dict(resources["XObject"])
	if err != nil || xobjects == nil {
		return false, err
	}
	raw := xobjects[string(name)]
	v, err := r.fetch(raw)
	if err != nil {
		return false, err
	}
	stream, ok := v.(*core.Stream)
	if !ok {
		return false, nil
	}
	r.streamTypes(stream.Dict)
	if st, _ := stream.Dict.GetName("Subtype"); st != "Form" {
		return false, nil
	}
	ref, isRef := raw.(core.IndirectRef)
	if depth >= maxFormDepth || (isRef && seen[ref]) {
		r.b.opts.Logger.Warn("not expanding form", zap.Int("page", r.page), zap.String("name", string(name)), zap.Int("depth", depth))
		return true, nil
	}
	formResources, err := r.dict(stream.Dict["Resources"])
	if err != nil {
		return false, err
	}
	if formResources == nil {
		formResources = resources
	}
	data, err := stream.Decode()
	if err != nil {
		return false, fmt.Errorf("form %s: %w", name, err)
	}

	next := make(map[core.IndirectRef]bool, len(seen)+1)
	for k := range seen {
		next[k] = true
	}
	if isRef {
		next[ref] = true
	}
	begin := Operation{Operator: OpBeginForm, Operands: []core.Object{matrixOf(stream.Dict), arrayOf(stream.Dict["BBox"])}}
	if err := r.l.add(begin); err != nil {
		return false, err
	}
	if err := r.content(bytes.NewReader(data), formResources, depth+1, next); err != nil {
		return false, err
	}
	return true, r.l.add(Operation{Operator: OpEndForm})
}

func (r *run) annotations(annots []*pages.Annotation) error {
	type appearance struct {
		annot  *pages.Annotation
		stream *core.Stream
	}
	var list []appearance
	for _, a := range annots {
		s, err := source.Ensure(r.ctx, r.b.src, func() (*core.Stream, error) { return a.Appearance(r.b.xref) })
		if err != nil {
			if core.IsMissingData(err) || r.ctx.Err() != nil {
				return err
			}
			r.b.opts.Logger.Warn("skipping annotation appearance", zap.String("id", a.ID), zap.Error(err))
			continue
		}
		if s != nil {
			list = append(list, appearance{a, s})
		}
	}
	if len(list) == 0 {
		return nil
	}
	if err := r.l.add(Operation{Operator: OpBeginAnnotations}); err != nil {
		return err
	}
	for _, ap := range list {
		r.streamTypes(ap.stream.Dict)
		data, err := ap.stream.Decode()
		if err != nil {
			r.b.opts.Logger.Warn("undecodable annotation appearance", zap.String("id", ap.annot.ID), zap.Error(err))
			continue
		}
		resources, err := r.dict(ap.stream.Dict["Resources"])
		if err != nil {
			return err
		}
		rect := ap.annot.Rect
		begin := Operation{Operator: OpBeginAnnotation, Operands: []core.Object{
			core.String(ap.annot.ID),
			core.Array{core.Real(rect[0]), core.Real(rect[1]), core.Real(rect[2]), core.Real(rect[3])},
			matrixOf(ap.stream.Dict),
		}}
		if err := r.l.add(begin); err != nil {
			return err
		}
		if err := r.content(bytes.NewReader(data), resources, 1, nil); err != nil {
			return err
		}
		if err := r.l.add(Operation{Operator: OpEndAnnotation}); err != nil {
			return err
		}
	}
	return r.l.add(Operation{Operator: OpEndAnnotations})
}

var identity = core.Array{core.Int(1), core.Int(0), core.Int(0), core.Int(1), core.Int(0), core.Int(0)}

func matrixOf(dict core.Dict) core.Array {
	if m, ok := dict.GetArray("Matrix"); ok && len(m) == 6 {
		return m
	}
	return identity
}

func arrayOf(obj core.Object) core.Object {
	if a, ok := obj.(core.Array); ok {
		return a
	}
	return core.Null{}
}
