package text

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"strings"
	"unicode"

	"go.uber.org/zap"

	"github.com/tsawler/pagestream/contentstream"
	"github.com/tsawler/pagestream/core"
	"github.com/tsawler/pagestream/pages"
	"github.com/tsawler/pagestream/source"
)

// DefaultBatchSize is the number of items per emitted chunk.
const DefaultBatchSize = 10

const maxFormDepth = 16

// Multiples of a font's space width used to decide whether a gap between
// glyphs is no space, one space or several.
const (
	spaceFactor         = 0.3
	multiSpaceFactor    = 1.5
	multiSpaceFactorMax = 4
)

// Item is one run of text drawn with a single font and line position.
// Transform maps the run's origin and font size to user space; Width and
// Height are the run's extent in user space.
type Item struct {
	Str       string     `json:"str"`
	Dir       string     `json:"dir"`
	Width     float64    `json:"width"`
	Height    float64    `json:"height"`
	Transform [6]float64 `json:"transform"`
	FontName  string     `json:"fontName"`
}

// Style describes a font referenced by Item.FontName.
type Style struct {
	FontFamily string  `json:"fontFamily"`
	Ascent     float64 `json:"ascent"`
	Descent    float64 `json:"descent"`
	Vertical   bool    `json:"vertical"`
}

// Chunk is one batch of items together with the styles first used in it.
type Chunk struct {
	Items  []Item           `json:"items"`
	Styles map[string]Style `json:"styles"`
}

// Options configures an [Extractor].
type Options struct {
	// NormalizeWhitespace replaces every Unicode space character with ' '.
	NormalizeWhitespace bool
	// CombineTextItems joins runs on the same line that are separated by
	// a small horizontal move, inserting spaces for the gap.
	CombineTextItems bool
	BatchSize        int
	Logger           *zap.Logger
}

// Extractor produces the text content of pages.
type Extractor struct {
	xref pages.ObjectFetcher
	src  source.ByteSource
	opts Options
}

// NewExtractor reads objects through xref, waiting on src for bytes that
// are not loaded yet.
func NewExtractor(xref pages.ObjectFetcher, src source.ByteSource, opts Options) *Extractor {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Extractor{xref: xref, src: src, opts: opts}
}

// Extract walks the content of page, including form XObjects, and emits
// text items in batches. check runs before each batch; a non-nil result
// stops the extraction with that error.
func (e *Extractor) Extract(ctx context.Context, page *pages.Page, check func() error, emit func(Chunk) error) error {
	resources, err := source.Ensure(ctx, e.src, page.Resources)
	if err != nil {
		return err
	}
	contents, err := source.Ensure(ctx, e.src, page.Contents)
	if err != nil {
		return err
	}
	r := &run{
		e:     e,
		ctx:   ctx,
		check: check,
		emit:  emit,
		page:  page.Index,
		st:    newState(Identity()),
		fonts: map[string]*Font{},
		seen:  map[string]bool{},
		chunk: Chunk{Styles: map[string]Style{}},
	}
	if err := r.content(contents.Reader(), resources, 0, nil); err != nil {
		return err
	}
	r.flushItem()
	return r.enqueue()
}

// Content collects the whole text content of page into one chunk.
func (e *Extractor) Content(ctx context.Context, page *pages.Page) (Chunk, error) {
	all := Chunk{Items: []Item{}, Styles: map[string]Style{}}
	err := e.Extract(ctx, page, nil, func(c Chunk) error {
		all.Items = append(all.Items, c.Items...)
		for k, v := range c.Styles {
			all.Styles[k] = v
		}
		return nil
	})
	return all, err
}

// item is the run being accumulated. Widths are in text space until the
// run is flushed.
type item struct {
	active        bool
	str           []byte
	width, height float64
	lastWidth     float64
	lastHeight    float64
	transform     Matrix
	font          *Font
	advanceScale  float64

	spaceWidth    float64
	spaceMin      float64
	multiSpaceMin float64
	multiSpaceMax float64
	breakAllowed  bool
}

func (it *item) fakeSpaces(w float64) {
	if w < it.spaceMin {
		return
	}
	if w < it.multiSpaceMin {
		it.str = append(it.str, ' ')
		return
	}
	for n := int(math.Round(w / it.spaceWidth)); n > 0; n-- {
		it.str = append(it.str, ' ')
	}
}

type run struct {
	e     *Extractor
	ctx   context.Context
	check func() error
	emit  func(Chunk) error
	page  int

	st    state
	stack []state
	cur   item
	chunk Chunk
	fonts map[string]*Font
	seen  map[string]bool
}

func (r *run) fetch(obj core.Object) (core.Object, error) {
	return source.Ensure(r.ctx, r.e.src, func() (core.Object, error) { return r.e.xref.FetchIfRef(obj) })
}

func (r *run) dict(obj core.Object) (core.Dict, error) {
	v, err := r.fetch(obj)
	if err != nil {
		return nil, err
	}
	d, _ := v.(core.Dict)
	return d, nil
}

func (r *run) enqueue() error {
	if len(r.chunk.Items) == 0 {
		return nil
	}
	if r.ctx.Err() != nil {
		return context.Cause(r.ctx)
	}
	if r.check != nil {
		if err := r.check(); err != nil {
			return err
		}
	}
	c := r.chunk
	r.chunk = Chunk{Styles: map[string]Style{}}
	return r.emit(c)
}

func (r *run) content(rd io.Reader, resources core.Dict, depth int, forms map[core.IndirectRef]bool) error {
	p := contentstream.NewReaderParser(rd)
	for {
		op, err := p.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("content stream: %w", err)
		}
		if err := r.operation(op, resources, depth, forms); err != nil {
			return err
		}
		if len(r.chunk.Items) >= r.e.opts.BatchSize {
			if err := r.enqueue(); err != nil {
				return err
			}
		}
	}
	if n := p.Skipped(); n > 0 {
		r.e.opts.Logger.Warn("ignored malformed content", zap.Int("page", r.page), zap.Int("tokens", n))
	}
	return nil
}

func numbers(op contentstream.Operation, n int) ([]float64, bool) {
	if len(op.Operands) < n {
		return nil, false
	}
	out := make([]float64, n)
	for i, o := range op.Operands[len(op.Operands)-n:] {
		v, ok := core.Number(o)
		if !ok {
			return nil, false
		}
		out[i] = v
	}
	return out, true
}

func (r *run) operation(op contentstream.Operation, resources core.Dict, depth int, forms map[core.IndirectRef]bool) error {
	switch op.Operator {
	case "q":
		r.stack = append(r.stack, r.st)
	case "Q":
		if len(r.stack) == 0 {
			return nil
		}
		prev := r.stack[len(r.stack)-1]
		r.stack = r.stack[:len(r.stack)-1]
		prev.tm, prev.tlm = r.st.tm, r.st.tlm
		if prev.ctm != r.st.ctm || prev.font != r.st.font || prev.size != r.st.size {
			r.flushItem()
		}
		r.st = prev
	case "cm":
		if v, ok := numbers(op, 6); ok {
			r.flushItem()
			r.st.ctm = Matrix(v).Multiply(r.st.ctm)
		}
	case "BT":
		r.flushItem()
		r.st.setMatrix(Identity())
	case "Tf":
		if len(op.Operands) < 2 {
			return nil
		}
		name, _ := op.Operands[0].(core.Name)
		size, _ := core.Number(op.Operands[1])
		r.flushItem()
		r.st.size = size
		f, err := r.loadFont(string(name), resources)
		if err != nil {
			return err
		}
		r.st.font = f
	case "gs":
		return r.extGState(op, resources)
	case "Tc":
		if v, ok := numbers(op, 1); ok {
			r.st.charSpace = v[0]
		}
	case "Tw":
		if v, ok := numbers(op, 1); ok {
			r.st.wordSpace = v[0]
		}
	case "Tz":
		if v, ok := numbers(op, 1); ok {
			r.flushItem()
			r.st.hScale = v[0] / 100
		}
	case "TL":
		if v, ok := numbers(op, 1); ok {
			r.flushItem()
			r.st.leading = v[0]
		}
	case "Ts":
		if v, ok := numbers(op, 1); ok {
			r.flushItem()
			r.st.rise = v[0]
		}
	case "Td":
		if v, ok := numbers(op, 2); ok {
			if r.combineMove(v[0], v[1]) {
				r.st.moveText(v[0], v[1])
				return nil
			}
			r.flushItem()
			r.st.moveText(v[0], v[1])
		}
	case "TD":
		if v, ok := numbers(op, 2); ok {
			r.flushItem()
			r.st.leading = -v[1]
			r.st.moveText(v[0], v[1])
		}
	case "Tm":
		if v, ok := numbers(op, 6); ok {
			r.setTextMatrix(Matrix(v))
		}
	case "T*":
		r.flushItem()
		r.st.nextLine()
	case "Tj":
		if len(op.Operands) > 0 {
			r.showOperand(op.Operands[len(op.Operands)-1])
		}
	case "'":
		r.flushItem()
		r.st.nextLine()
		if len(op.Operands) > 0 {
			r.showOperand(op.Operands[len(op.Operands)-1])
		}
	case "\"":
		if len(op.Operands) < 3 {
			return nil
		}
		r.flushItem()
		if v, ok := core.Number(op.Operands[0]); ok {
			r.st.wordSpace = v
		}
		if v, ok := core.Number(op.Operands[1]); ok {
			r.st.charSpace = v
		}
		r.st.nextLine()
		r.showOperand(op.Operands[2])
	case "TJ":
		if len(op.Operands) == 0 {
			return nil
		}
		arr, _ := op.Operands[len(op.Operands)-1].(core.Array)
		for _, e := range arr {
			if s, ok := e.(core.String); ok {
				r.show([]byte(s))
			} else if n, ok := core.Number(e); ok {
				r.adjust(n)
			}
		}
	case "Do":
		return r.form(op, resources, depth, forms)
	}
	return nil
}

func (r *run) showOperand(obj core.Object) {
	if s, ok := obj.(core.String); ok {
		r.show([]byte(s))
	}
}

// loadFont resolves a font resource. Fonts that are missing or fail to
// load are replaced by a fallback so extraction continues.
func (r *run) loadFont(name string, resources core.Dict) (*Font, error) {
	fonts, err := r.dict(resources["Font"])
	if err != nil {
		return nil, err
	}
	raw := fonts[name]
	key := name
	if ref, ok := raw.(core.IndirectRef); ok {
		key = ref.Key()
	}
	if f, ok := r.fonts[key]; ok {
		return f, nil
	}
	loaded := "g_" + key

	d, err := r.dict(raw)
	if err != nil {
		return nil, err
	}
	var f *Font
	if d == nil {
		r.e.opts.Logger.Warn("missing font", zap.Int("page", r.page), zap.String("name", name))
		f = fallbackFont(loaded)
	} else {
		f, err = source.Ensure(r.ctx, r.e.src, func() (*Font, error) { return loadFont(r.e.xref.FetchIfRef, d, loaded) })
		if err != nil {
			if core.IsMissingData(err) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil, err
			}
			r.e.opts.Logger.Warn("font failed to load", zap.Int("page", r.page), zap.String("name", name), zap.Error(err))
			f = fallbackFont(loaded)
		}
	}
	r.fonts[key] = f
	return f, nil
}

// extGState applies the /Font entry of an ExtGState.
func (r *run) extGState(op contentstream.Operation, resources core.Dict) error {
	if len(op.Operands) == 0 {
		return nil
	}
	name, ok := op.Operands[0].(core.Name)
	if !ok {
		return nil
	}
	states, err := r.dict(resources["ExtGState"])
	if err != nil || states == nil {
		return err
	}
	gs, err := r.dict(states[string(name)])
	if err != nil || gs == nil {
		return err
	}
	v, err := r.fetch(gs["Font"])
	if err != nil {
		return err
	}
	spec, ok := v.(core.Array)
	if !ok || len(spec) != 2 {
		return nil
	}
	size, _ := core.Number(spec[1])
	r.flushItem()
	r.st.size = size
	key := "gs_" + string(name)
	if ref, ok := spec[0].(core.IndirectRef); ok {
		key = ref.Key()
	}
	if f, ok := r.fonts[key]; ok {
		r.st.font = f
		return nil
	}
	d, err := r.dict(spec[0])
	if err != nil {
		return err
	}
	f := fallbackFont("g_" + key)
	if d != nil {
		loaded, err := source.Ensure(r.ctx, r.e.src, func() (*Font, error) { return loadFont(r.e.xref.FetchIfRef, d, "g_"+key) })
		if err != nil && core.IsMissingData(err) {
			return err
		}
		if err == nil {
			f = loaded
		}
	}
	r.fonts[key] = f
	r.st.font = f
	return nil
}

func (r *run) ensureItem() *item {
	it := &r.cur
	if it.active {
		return it
	}
	if r.st.font == nil {
		r.st.font = fallbackFont("g_fallback")
	}
	f := r.st.font
	if !r.seen[f.Name] {
		r.seen[f.Name] = true
		r.chunk.Styles[f.Name] = Style{FontFamily: f.Family, Ascent: f.Ascent, Descent: f.Descent, Vertical: f.Vertical}
	}
	trm := r.st.renderingMatrix()
	*it = item{active: true, str: it.str[:0], font: f, transform: trm}
	if f.Vertical {
		it.width = math.Hypot(trm[0], trm[1])
		it.advanceScale = math.Hypot(r.st.ctm[2], r.st.ctm[3]) * math.Hypot(r.st.tlm[2], r.st.tlm[3])
	} else {
		it.height = math.Hypot(trm[2], trm[3])
		it.advanceScale = r.st.ctm.scaleX() * r.st.tlm.scaleX()
	}
	it.spaceWidth = f.spaceWidth() * f.scale * r.st.size
	if it.spaceWidth > 0 {
		it.spaceMin = it.spaceWidth * spaceFactor
		it.multiSpaceMin = it.spaceWidth * multiSpaceFactor
		it.multiSpaceMax = it.spaceWidth * multiSpaceFactorMax
		it.breakAllowed = !f.monospace
	} else {
		it.spaceMin = math.Inf(1)
		it.multiSpaceMin = math.Inf(1)
		it.multiSpaceMax = 0
	}
	return it
}

func (r *run) show(s []byte) {
	it := r.ensureItem()
	f := it.font
	var w, h float64
	for _, g := range f.decode(s) {
		spacing := r.st.charSpace
		if g.space {
			spacing += r.st.wordSpace
		}
		if f.Vertical {
			ty := f.vAdvance*f.scale*r.st.size + spacing
			r.st.advance(0, ty)
			h += ty
		} else {
			tx := (g.width*f.scale*r.st.size + spacing) * r.st.hScale
			r.st.advance(tx, 0)
			w += tx
		}
		it.str = append(it.str, g.text...)
	}
	if f.Vertical {
		it.lastHeight = h
		it.height += h
	} else {
		it.lastWidth = w
		it.width += w
	}
}

// adjust applies a TJ number: thousandths of text space subtracted from
// the current position.
func (r *run) adjust(n float64) {
	it := r.ensureItem()
	advance := n * r.st.size / 1000
	var brk bool
	if it.font.Vertical {
		r.st.advance(0, advance)
		brk = it.breakAllowed && advance > it.multiSpaceMax
		if !brk {
			it.height += advance
		}
	} else {
		advance = -advance
		offset := advance * r.st.hScale
		r.st.advance(offset, 0)
		brk = it.breakAllowed && advance > it.multiSpaceMax
		if !brk {
			it.width += offset
		}
	}
	if brk {
		r.flushItem()
	} else if advance > 0 {
		it.fakeSpaces(advance)
	}
}

// combineMove folds a small move along the current line into the active
// item. It reports whether it did; the caller still moves the line.
func (r *run) combineMove(tx, ty float64) bool {
	it := &r.cur
	if !r.e.opts.CombineTextItems || !it.active || r.st.font == nil {
		return false
	}
	sameLine := ty == 0
	if r.st.font.Vertical {
		sameLine = tx == 0
	}
	if !sameLine || tx <= 0 || tx > it.multiSpaceMax {
		return false
	}
	it.width += tx - it.lastWidth
	it.height += ty - it.lastHeight
	it.fakeSpaces((tx - it.lastWidth) - (ty - it.lastHeight))
	return true
}

// setTextMatrix treats a Tm that only moves along the current line like a
// Td so the runs can be combined.
func (r *run) setTextMatrix(m Matrix) {
	l := r.st.tlm
	if l[1] == 0 && l[2] == 0 && l[0] > 0 && l[3] > 0 && m[0] == l[0] && m[1] == l[1] && m[2] == l[2] && m[3] == l[3] {
		tx, ty := (m[4]-l[4])/l[0], (m[5]-l[5])/l[3]
		if r.combineMove(tx, ty) {
			r.st.setMatrix(m)
			return
		}
	}
	r.flushItem()
	r.st.setMatrix(m)
}

func (r *run) flushItem() {
	it := &r.cur
	if !it.active {
		return
	}
	it.active = false
	width, height := it.width, it.height
	if it.font.Vertical {
		height = math.Abs(height) * it.advanceScale
	} else {
		width *= it.advanceScale
	}
	s := string(it.str)
	dir := DetectDirection(s, it.font.Vertical)
	if dir == RTL {
		s = visualToLogical(s)
	}
	if r.e.opts.NormalizeWhitespace {
		s = strings.Map(func(c rune) rune {
			if unicode.IsSpace(c) {
				return ' '
			}
			return c
		}, s)
	}
	r.chunk.Items = append(r.chunk.Items, Item{
		Str:       s,
		Dir:       dir.String(),
		Width:     width,
		Height:    height,
		Transform: [6]float64(it.transform),
		FontName:  it.font.Name,
	})
}

// form descends into a form XObject with its matrix applied.
func (r *run) form(op contentstream.Operation, resources core.Dict, depth int, forms map[core.IndirectRef]bool) error {
	if len(op.Operands) == 0 {
		return nil
	}
	name, ok := op.Operands[0].(core.Name)
	if !ok {
		return nil
	}
	xobjects, err := r.dict(resources["XObject"])
	if err != nil || xobjects == nil {
		return err
	}
	raw := xobjects[string(name)]
	v, err := r.fetch(raw)
	if err != nil {
		return err
	}
	stream, ok := v.(*core.Stream)
	if !ok {
		return nil
	}
	if st, _ := stream.Dict.GetName("Subtype"); st != "Form" {
		return nil
	}
	ref, isRef := raw.(core.IndirectRef)
	if depth >= maxFormDepth || (isRef && forms[ref]) {
		r.e.opts.Logger.Warn("not descending into form", zap.Int("page", r.page), zap.String("name", string(name)))
		return nil
	}
	data, err := stream.Decode()
	if err != nil {
		r.e.opts.Logger.Warn("undecodable form", zap.Int("page", r.page), zap.String("name", string(name)), zap.Error(err))
		return nil
	}
	formResources, err := r.dict(stream.Dict["Resources"])
	if err != nil {
		return err
	}
	if formResources == nil {
		formResources = resources
	}
	next := make(map[core.IndirectRef]bool, len(forms)+1)
	for k := range forms {
		next[k] = true
	}
	if isRef {
		next[ref] = true
	}

	r.flushItem()
	saved, stack := r.st, r.stack
	r.stack = nil
	if m, ok := stream.Dict.GetArray("Matrix"); ok && len(m) == 6 {
		var mm Matrix
		for i := range mm {
			mm[i], _ = m.GetNumber(i)
		}
		r.st.ctm = mm.Multiply(r.st.ctm)
	}
	if err := r.content(bytes.NewReader(data), formResources, depth+1, next); err != nil {
		return err
	}
	r.flushItem()
	r.st, r.stack = saved, stack
	return nil
}
