package pages

import (
	"math"
	"sync"

	"go.uber.org/zap"

	"github.com/tsawler/pagestream/core"
)

// maxInheritDepth bounds the /Parent walk of inheritable attributes.
const maxInheritDepth = 100

// Rect is a rectangle [llx lly urx ury] in default user space.
type Rect [4]float64

// LetterSize is the media box used when a page has no valid one.
var LetterSize = Rect{0, 0, 612, 792}

// Width returns the horizontal extent.
func (r Rect) Width() float64 { return math.Abs(r[2] - r[0]) }

// Height returns the vertical extent.
func (r Rect) Height() float64 { return math.Abs(r[3] - r[1]) }

func (r Rect) normalize() Rect {
	if r[0] > r[2] {
		r[0], r[2] = r[2], r[0]
	}
	if r[1] > r[3] {
		r[1], r[3] = r[3], r[1]
	}
	return r
}

// intersect returns the overlap of a and b; ok is false when they do not
// overlap with positive area.
func intersect(a, b Rect) (Rect, bool) {
	a, b = a.normalize(), b.normalize()
	out := Rect{math.Max(a[0], b[0]), math.Max(a[1], b[1]), math.Min(a[2], b[2]), math.Min(a[3], b[3])}
	if out[0] >= out[2] || out[1] >= out[3] {
		return Rect{}, false
	}
	return out, true
}

// Page is one page of the document. Derived attributes are computed on
// first use and kept until the page is discarded; a failed computation is
// not memoized, so a read that failed for missing data can be retried.
type Page struct {
	Index int
	Ref   core.IndirectRef

	dict   core.Dict
	xref   ObjectFetcher
	logger *zap.Logger

	mu          sync.Mutex
	mediaBox    *Rect
	cropBox     *Rect
	cropIsMedia bool
	rotate      *int
	resources   core.Dict
	annotations []*Annotation
	annotsDone  bool
	nextAnnotID int
}

// NewPage creates page index backed by dict, which lives at ref.
func NewPage(index int, dict core.Dict, ref core.IndirectRef, xref ObjectFetcher, logger *zap.Logger) *Page {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Page{Index: index, Ref: ref, dict: dict, xref: xref, logger: logger}
}

// Dict returns the page dictionary.
func (p *Page) Dict() core.Dict { return p.dict }

// inherited collects the values of key from the page and its ancestors,
// nearest first. With first set it stops at the first definition.
func (p *Page) inherited(key string, first bool) ([]core.Object, error) {
	var values []core.Object
	visited := make(map[core.IndirectRef]bool)
	if p.Ref != (core.IndirectRef{}) {
		visited[p.Ref] = true
	}
	d := p.dict
	for depth := 0; d != nil; depth++ {
		if depth > maxInheritDepth {
			p.logger.Warn("page tree ancestry too deep", zap.String("key", key), zap.Int("page", p.Index))
			break
		}
		if v, ok := d[key]; ok {
			v, err := p.xref.FetchIfRef(v)
			if err != nil {
				return nil, err
			}
			values = append(values, v)
			if first {
				break
			}
		}
		parent := d["Parent"]
		if ref, ok := parent.(core.IndirectRef); ok {
			if visited[ref] {
				break
			}
			visited[ref] = true
		}
		obj, err := p.xref.FetchIfRef(parent)
		if err != nil {
			return nil, err
		}
		d, _ = obj.(core.Dict)
	}
	return values, nil
}

func (p *Page) inheritedBox(key string) (Rect, bool, error) {
	values, err := p.inherited(key, true)
	if err != nil || len(values) == 0 {
		return Rect{}, false, err
	}
	arr, ok := values[0].(core.Array)
	if !ok || len(arr) != 4 {
		return Rect{}, false, nil
	}
	var r Rect
	for i := range r {
		v, ok := arr.GetNumber(i)
		if !ok {
			return Rect{}, false, nil
		}
		r[i] = v
	}
	return r, true, nil
}

// MediaBox returns the inherited /MediaBox, or LetterSize when it is not
// four numbers.
func (p *Page) MediaBox() (Rect, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.mediaBoxLocked()
}

func (p *Page) mediaBoxLocked() (Rect, error) {
	if p.mediaBox != nil {
		return *p.mediaBox, nil
	}
	r, ok, err := p.inheritedBox("MediaBox")
	if err != nil {
		return Rect{}, err
	}
	if !ok {
		r = LetterSize
	}
	p.mediaBox = &r
	return r, nil
}

// CropBox returns the inherited /CropBox, or the media box when it is not
// four numbers.
func (p *Page) CropBox() (Rect, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cropBoxLocked()
}

func (p *Page) cropBoxLocked() (Rect, error) {
	if p.cropBox != nil {
		return *p.cropBox, nil
	}
	r, ok, err := p.inheritedBox("CropBox")
	if err != nil {
		return Rect{}, err
	}
	if !ok {
		if r, err = p.mediaBoxLocked(); err != nil {
			return Rect{}, err
		}
		p.cropIsMedia = true
	}
	p.cropBox = &r
	return r, nil
}

// View is the visible area: the crop box clipped to the media box. It is
// the media box when the page has no crop box of its own or the two do not
// overlap.
func (p *Page) View() (Rect, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	media, err := p.mediaBoxLocked()
	if err != nil {
		return Rect{}, err
	}
	crop, err := p.cropBoxLocked()
	if err != nil {
		return Rect{}, err
	}
	if p.cropIsMedia {
		return media, nil
	}
	if r, ok := intersect(crop, media); ok {
		return r, nil
	}
	return media, nil
}

// Rotate returns the inherited /Rotate normalized into [0, 360). Values
// that are not multiples of 90 are 0.
func (p *Page) Rotate() (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.rotate != nil {
		return *p.rotate, nil
	}
	values, err := p.inherited("Rotate", true)
	if err != nil {
		return 0, err
	}
	rotate := 0
	if len(values) > 0 {
		if v, ok := core.Number(values[0]); ok && v == math.Trunc(v) {
			rotate = NormalizeRotation(int(v))
		}
	}
	p.rotate = &rotate
	return rotate, nil
}

// NormalizeRotation maps r into {0, 90, 180, 270}, treating negative
// values as counterclockwise; r not a multiple of 90 gives 0.
func NormalizeRotation(r int) int {
	if r%90 != 0 {
		return 0
	}
	return ((r % 360) + 360) % 360
}

// UserUnit returns the page's own /UserUnit when positive, else 1.
func (p *Page) UserUnit() float64 {
	if v, ok := core.Number(p.dict["UserUnit"]); ok && v > 0 {
		return v
	}
	return 1.0
}

// Resources returns the page resources. When several ancestors define
// /Resources their keys are merged, nearer definitions winning; a page
// without resources gets an empty dictionary.
func (p *Page) Resources() (core.Dict, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.resources != nil {
		return p.resources, nil
	}
	values, err := p.inherited("Resources", false)
	if err != nil {
		return nil, err
	}
	var dicts []core.Dict
	for _, v := range values {
		if d, ok := v.(core.Dict); ok {
			dicts = append(dicts, d)
		}
	}
	res := core.Dict{}
	switch len(dicts) {
	case 0:
	case 1:
		res = dicts[0]
	default:
		for _, d := range dicts {
			for k, v := range d {
				if _, ok := res[k]; !ok {
					res[k] = v
				}
			}
		}
	}
	p.resources = res
	return res, nil
}

// Contents returns the page content. An array of streams is concatenated;
// a missing or malformed /Contents is an empty sequence.
func (p *Page) Contents() (*core.SequenceStream, error) {
	obj, err := p.xref.FetchIfRef(p.dict["Contents"])
	if err != nil {
		return nil, err
	}
	switch v := obj.(type) {
	case *core.Stream:
		return core.NewSequenceStream(v), nil
	case core.Array:
		parts := make([]*core.Stream, 0, len(v))
		for i, e := range v {
			o, err := p.xref.FetchIfRef(e)
			if err != nil {
				return nil, err
			}
			s, ok := o.(*core.Stream)
			if !ok {
				p.logger.Warn("skipping content part that is not a stream", zap.Int("page", p.Index), zap.Int("part", i))
				continue
			}
			parts = append(parts, s)
		}
		return core.NewSequenceStream(parts...), nil
	}
	return core.NewSequenceStream(), nil
}
