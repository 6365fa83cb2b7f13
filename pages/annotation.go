package pages

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/tsawler/pagestream/core"
)

// AnnotationFlag is a bit of an annotation's /F entry.
type AnnotationFlag int

const (
	AnnotInvisible      AnnotationFlag = 1
	AnnotHidden         AnnotationFlag = 2
	AnnotPrint          AnnotationFlag = 4
	AnnotNoZoom         AnnotationFlag = 8
	AnnotNoRotate       AnnotationFlag = 16
	AnnotNoView         AnnotationFlag = 32
	AnnotReadOnly       AnnotationFlag = 64
	AnnotLocked         AnnotationFlag = 128
	AnnotToggleNoView   AnnotationFlag = 256
	AnnotLockedContents AnnotationFlag = 512
)

// Intent selects annotations: display keeps viewable ones, print keeps
// printable ones.
type Intent string

const (
	IntentDisplay Intent = "display"
	IntentPrint   Intent = "print"
)

func isViewable(f AnnotationFlag) bool {
	return f&(AnnotInvisible|AnnotHidden|AnnotNoView) == 0
}

func isPrintable(f AnnotationFlag) bool {
	return f&AnnotPrint != 0 && f&(AnnotInvisible|AnnotHidden) == 0
}

// Annotation is the data of one entry of a page's /Annots.
type Annotation struct {
	ID            string           `json:"id"`
	Subtype       string           `json:"annotationType,omitempty"`
	Flags         AnnotationFlag   `json:"annotationFlags"`
	Rect          Rect             `json:"rect"`
	Color         []uint8          `json:"color"`
	Contents      string           `json:"contents,omitempty"`
	Title         string           `json:"title,omitempty"`
	URL           string           `json:"url,omitempty"`
	Dest          core.Object      `json:"-"`
	HasAppearance bool             `json:"hasAppearance"`
	ParentID      string           `json:"parentId,omitempty"`
	ParentType    string           `json:"parentType,omitempty"`
	Ref           core.IndirectRef `json:"-"`

	// effective is the flag set that decides visibility. It differs from
	// Flags only for popups that adopt their parent's flags.
	effective AnnotationFlag
	// normal is the /AP /N entry: a stream, or a dict of streams keyed by
	// appearance state, selected by state.
	normal core.Object
	state  string
}

// HasFlag reports whether f is set in the annotation's own flags.
func (a *Annotation) HasFlag(f AnnotationFlag) bool { return a.Flags&f != 0 }

// Viewable reports whether the annotation is shown on screen. An
// annotation without flags is viewable.
func (a *Annotation) Viewable() bool {
	return a.effective == 0 || isViewable(a.effective)
}

// Printable reports whether the annotation is printed. An annotation
// without flags is not.
func (a *Annotation) Printable() bool {
	return a.effective != 0 && isPrintable(a.effective)
}

// Renderable reports whether the annotation is included for intent.
func (a *Annotation) Renderable(intent Intent) bool {
	switch intent {
	case IntentDisplay:
		return a.Viewable()
	case IntentPrint:
		return a.Printable()
	}
	return true
}

func refID(ref core.IndirectRef) string {
	if ref.Generation == 0 {
		return fmt.Sprintf("%dR", ref.Number)
	}
	return fmt.Sprintf("%dR%d", ref.Number, ref.Generation)
}

// Annotations returns the page's annotations, memoized. Entries that are
// not dictionaries or fail to parse are skipped with a warning; missing
// data aborts the call so it can be retried.
func (p *Page) Annotations() ([]*Annotation, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.annotsDone {
		return p.annotations, nil
	}
	values, err := p.inherited("Annots", true)
	if err != nil {
		return nil, err
	}
	var entries core.Array
	if len(values) > 0 {
		entries, _ = values[0].(core.Array)
	}

	seq := p.nextAnnotID
	var out []*Annotation
	for i, e := range entries {
		a, err := newAnnotation(p.xref, e, p.Index, &seq)
		if err != nil {
			if core.IsMissingData(err) {
				return nil, err
			}
			p.logger.Warn("skipping annotation", zap.Int("page", p.Index), zap.Int("index", i), zap.Error(err))
			continue
		}
		if a != nil {
			out = append(out, a)
		}
	}
	p.nextAnnotID = seq
	p.annotations, p.annotsDone = out, true
	return out, nil
}

// AnnotationsFor filters the page's annotations by intent. An empty
// intent keeps all of them.
func (p *Page) AnnotationsFor(intent Intent) ([]*Annotation, error) {
	all, err := p.Annotations()
	if err != nil {
		return nil, err
	}
	if intent == "" {
		return all, nil
	}
	var out []*Annotation
	for _, a := range all {
		if a.Renderable(intent) {
			out = append(out, a)
		}
	}
	return out, nil
}

// newAnnotation builds the annotation at obj. It returns nil for entries
// that are not dictionaries. seq numbers annotations that are direct
// objects.
func newAnnotation(xref ObjectFetcher, obj core.Object, pageIndex int, seq *int) (*Annotation, error) {
	v, err := xref.FetchIfRef(obj)
	if err != nil {
		return nil, err
	}
	dict, ok := v.(core.Dict)
	if !ok {
		return nil, nil
	}
	a := &Annotation{}
	if ref, ok := obj.(core.IndirectRef); ok {
		a.Ref = ref
		a.ID = refID(ref)
	} else {
		*seq++
		a.ID = fmt.Sprintf("annot_p%d_%d", pageIndex, *seq)
	}
	get := func(key string) (core.Object, error) { return xref.FetchIfRef(dict[key]) }

	if s, ok := dict.GetName("Subtype"); ok {
		a.Subtype = string(s)
	}
	if f, ok := dict.GetInt("F"); ok {
		a.Flags = AnnotationFlag(f)
	}
	a.effective = a.Flags

	rect, err := get("Rect")
	if err != nil {
		return nil, err
	}
	a.Rect = parseRect(rect)

	col, err := get("C")
	if err != nil {
		return nil, err
	}
	a.Color = parseColor(col)

	if s, err := get("Contents"); err != nil {
		return nil, err
	} else if str, ok := s.(core.String); ok {
		a.Contents = core.DecodeText(str)
	}
	if s, err := get("T"); err != nil {
		return nil, err
	} else if str, ok := s.(core.String); ok {
		a.Title = core.DecodeText(str)
	}

	ap, err := get("AP")
	if err != nil {
		return nil, err
	}
	if apd, ok := ap.(core.Dict); ok {
		a.HasAppearance = apd.Has("N")
		a.normal = apd["N"]
		if as, ok := dict.GetName("AS"); ok {
			a.state = string(as)
		}
	}

	switch a.Subtype {
	case "Link":
		if err := a.readLink(xref, dict); err != nil {
			return nil, err
		}
	case "Popup":
		if err := a.readPopupParent(xref, dict); err != nil {
			return nil, err
		}
	}
	return a, nil
}

// Appearance returns the normal appearance stream, or nil when the
// annotation has none or its state selects nothing.
func (a *Annotation) Appearance(xref ObjectFetcher) (*core.Stream, error) {
	v, err := xref.FetchIfRef(a.normal)
	if err != nil {
		return nil, err
	}
	if states, ok := v.(core.Dict); ok {
		if a.state == "" {
			return nil, nil
		}
		if v, err = xref.FetchIfRef(states[a.state]); err != nil {
			return nil, err
		}
	}
	s, _ := v.(*core.Stream)
	return s, nil
}

func (a *Annotation) readLink(xref ObjectFetcher, dict core.Dict) error {
	if dict.Has("Dest") {
		d, err := xref.FetchIfRef(dict["Dest"])
		a.Dest = d
		return err
	}
	act, err := xref.FetchIfRef(dict["A"])
	if err != nil {
		return err
	}
	ad, ok := act.(core.Dict)
	if !ok {
		return nil
	}
	switch s, _ := ad.GetName("S"); s {
	case "URI":
		u, err := xref.FetchIfRef(ad["URI"])
		if err != nil {
			return err
		}
		if str, ok := u.(core.String); ok {
			a.URL = string(str)
		}
	case "GoTo":
		d, err := xref.FetchIfRef(ad["D"])
		a.Dest = d
		return err
	}
	return nil
}

// readPopupParent copies the popup's text from its parent. A popup that is
// not viewable takes the parent's flags for the visibility decision when
// the parent itself is viewable; the reported Flags keep the popup's own
// value.
func (a *Annotation) readPopupParent(xref ObjectFetcher, dict core.Dict) error {
	raw, ok := dict["Parent"]
	if !ok {
		return nil
	}
	if ref, ok := raw.(core.IndirectRef); ok {
		a.ParentID = refID(ref)
	}
	obj, err := xref.FetchIfRef(raw)
	if err != nil {
		return err
	}
	parent, ok := obj.(core.Dict)
	if !ok {
		return nil
	}
	if s, ok := parent.GetName("Subtype"); ok {
		a.ParentType = string(s)
	}
	if s, ok := parent.GetString("T"); ok {
		a.Title = core.DecodeText(s)
	}
	if s, ok := parent.GetString("Contents"); ok {
		a.Contents = core.DecodeText(s)
	}
	if parent.Has("C") {
		col, err := xref.FetchIfRef(parent["C"])
		if err != nil {
			return err
		}
		a.Color = parseColor(col)
	} else {
		a.Color = nil
	}
	if !a.Viewable() {
		if pf, ok := parent.GetInt("F"); ok && isViewable(AnnotationFlag(pf)) {
			a.effective = AnnotationFlag(pf)
		}
	}
	return nil
}

func parseRect(obj core.Object) Rect {
	arr, ok := obj.(core.Array)
	if !ok || len(arr) != 4 {
		return Rect{}
	}
	var r Rect
	for i := range r {
		v, ok := arr.GetNumber(i)
		if !ok {
			return Rect{}
		}
		r[i] = v
	}
	return r.normalize()
}

// parseColor converts /C to RGB bytes. An empty array is transparent
// (nil); anything unreadable is black.
func parseColor(obj core.Object) []uint8 {
	black := []uint8{0, 0, 0}
	arr, ok := obj.(core.Array)
	if !ok {
		return black
	}
	comp := make([]float64, len(arr))
	for i := range arr {
		v, ok := arr.GetNumber(i)
		if !ok {
			return black
		}
		comp[i] = v
	}
	switch len(comp) {
	case 0:
		return nil
	case 1:
		g := clampByte(comp[0] * 255)
		return []uint8{g, g, g}
	case 3:
		return []uint8{clampByte(comp[0] * 255), clampByte(comp[1] * 255), clampByte(comp[2] * 255)}
	case 4:
		k := 1 - comp[3]
		return []uint8{
			clampByte(255 * (1 - comp[0]) * k),
			clampByte(255 * (1 - comp[1]) * k),
			clampByte(255 * (1 - comp[2]) * k),
		}
	}
	return black
}
