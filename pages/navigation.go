package pages

import (
	"strconv"
	"strings"

	"github.com/tsawler/pagestream/core"
)

// destTrees returns the roots of the named destination lookups: the
// /Names /Dests name tree and the older /Dests dictionary.
func (c *Catalog) destTrees() (core.Object, core.Dict, error) {
	namesObj, err := c.xref.FetchIfRef(c.dict["Names"])
	if err != nil {
		return nil, nil, err
	}
	var tree core.Object
	if names, ok := namesObj.(core.Dict); ok {
		tree = names["Dests"]
	}
	destsObj, err := c.xref.FetchIfRef(c.dict["Dests"])
	if err != nil {
		return nil, nil, err
	}
	dests, _ := destsObj.(core.Dict)
	return tree, dests, nil
}

// explicitDest unwraps a destination value: a dictionary holds the array
// under /D. Anything but an array is not a destination.
func (c *Catalog) explicitDest(obj core.Object) (core.Array, error) {
	obj, err := c.xref.FetchIfRef(obj)
	if err != nil {
		return nil, err
	}
	if d, ok := obj.(core.Dict); ok {
		if obj, err = c.xref.FetchIfRef(d["D"]); err != nil {
			return nil, err
		}
	}
	a, _ := obj.(core.Array)
	return a, nil
}

// Destinations returns every named destination.
func (c *Catalog) Destinations() (map[string]core.Array, error) {
	tree, dests, err := c.destTrees()
	if err != nil {
		return nil, err
	}
	out := make(map[string]core.Array)
	var walkErr error
	err = newNameTree(c.xref, tree, c.logger).walk(func(k, v core.Object) {
		name, ok := k.(core.String)
		if !ok || walkErr != nil {
			return
		}
		a, err := c.explicitDest(v)
		if err != nil {
			walkErr = err
			return
		}
		if a != nil {
			out[string(name)] = a
		}
	})
	if err == nil {
		err = walkErr
	}
	if err != nil {
		return nil, err
	}
	for name, v := range dests {
		a, err := c.explicitDest(v)
		if err != nil {
			return nil, err
		}
		if _, dup := out[name]; !dup && a != nil {
			out[name] = a
		}
	}
	return out, nil
}

// Destination looks up one named destination, or returns nil.
func (c *Catalog) Destination(id string) (core.Array, error) {
	tree, dests, err := c.destTrees()
	if err != nil {
		return nil, err
	}
	if tree != nil {
		v, err := newNameTree(c.xref, tree, c.logger).get(core.String(id))
		if err != nil {
			return nil, err
		}
		if v != nil {
			return c.explicitDest(v)
		}
	}
	if v, ok := dests[id]; ok {
		return c.explicitDest(v)
	}
	return nil, nil
}

// OutlineItem is one entry of the document outline.
type OutlineItem struct {
	Title  string        `json:"title"`
	Dest   core.Object   `json:"-"`
	URL    string        `json:"url,omitempty"`
	Color  [3]uint8      `json:"color"`
	Count  int           `json:"count,omitempty"`
	Bold   bool          `json:"bold"`
	Italic bool          `json:"italic"`
	Items  []OutlineItem `json:"items"`
}

// Outline returns the outline tree, or nil when the document has none.
// A damaged outline is logged and treated as absent.
func (c *Catalog) Outline() ([]OutlineItem, error) {
	items, err := c.readOutline()
	if err := c.guard("outline", err); err != nil {
		return nil, err
	}
	return items, nil
}

func (c *Catalog) readOutline() ([]OutlineItem, error) {
	obj, err := c.xref.FetchIfRef(c.dict["Outlines"])
	if err != nil {
		return nil, err
	}
	root, ok := obj.(core.Dict)
	if !ok {
		return nil, nil
	}
	visited := make(map[core.IndirectRef]bool)
	return c.outlineLevel(root["First"], visited)
}

func (c *Catalog) outlineLevel(first core.Object, visited map[core.IndirectRef]bool) ([]OutlineItem, error) {
	var items []OutlineItem
	for node := first; node != nil; {
		ref, ok := node.(core.IndirectRef)
		if !ok {
			return nil, core.Formatf("outline item is not a reference")
		}
		if visited[ref] {
			break
		}
		visited[ref] = true
		obj, err := c.xref.Fetch(ref)
		if err != nil {
			return nil, err
		}
		d, ok := obj.(core.Dict)
		if !ok {
			return nil, core.Formatf("outline item %s is not a dictionary", ref)
		}
		item, err := c.outlineItem(d)
		if err != nil {
			return nil, err
		}
		if item.Items, err = c.outlineLevel(d["First"], visited); err != nil {
			return nil, err
		}
		items = append(items, item)
		node = d["Next"]
	}
	return items, nil
}

func (c *Catalog) outlineItem(d core.Dict) (OutlineItem, error) {
	var item OutlineItem
	title, err := c.xref.FetchIfRef(d["Title"])
	if err != nil {
		return item, err
	}
	if s, ok := title.(core.String); ok {
		item.Title = core.DecodeText(s)
	}
	if d.Has("Dest") {
		if item.Dest, err = c.xref.FetchIfRef(d["Dest"]); err != nil {
			return item, err
		}
	} else if a, err := c.xref.FetchIfRef(d["A"]); err != nil {
		return item, err
	} else if action, ok := a.(core.Dict); ok {
		if item.Dest, item.URL, err = c.action(action); err != nil {
			return item, err
		}
	}
	if col, err := c.xref.FetchIfRef(d["C"]); err != nil {
		return item, err
	} else if arr, ok := col.(core.Array); ok && len(arr) == 3 {
		for i := range item.Color {
			v, _ := arr.GetNumber(i)
			item.Color[i] = clampByte(v * 255)
		}
	}
	if n, ok := d.GetInt("Count"); ok {
		item.Count = int(n)
	}
	if f, ok := d.GetInt("F"); ok {
		item.Italic = f&1 != 0
		item.Bold = f&2 != 0
	}
	return item, nil
}

// action extracts the destination of a GoTo action or the URI of a URI
// action.
func (c *Catalog) action(a core.Dict) (core.Object, string, error) {
	switch s, _ := a.GetName("S"); s {
	case "GoTo":
		d, err := c.xref.FetchIfRef(a["D"])
		return d, "", err
	case "URI":
		u, err := c.xref.FetchIfRef(a["URI"])
		if err != nil {
			return nil, "", err
		}
		if str, ok := u.(core.String); ok {
			return nil, string(str), nil
		}
	}
	return nil, "", nil
}

func clampByte(v float64) uint8 {
	switch {
	case v <= 0:
		return 0
	case v >= 255:
		return 255
	}
	return uint8(v + 0.5)
}

// Attachment is an embedded file.
type Attachment struct {
	Filename string `json:"filename"`
	Content  []byte `json:"content"`
}

// Attachments returns the embedded files keyed by their name-tree key, or
// nil when there are none.
func (c *Catalog) Attachments() (map[string]Attachment, error) {
	namesObj, err := c.xref.FetchIfRef(c.dict["Names"])
	if err != nil {
		return nil, err
	}
	names, ok := namesObj.(core.Dict)
	if !ok || !names.Has("EmbeddedFiles") {
		return nil, nil
	}
	var out map[string]Attachment
	var fsErr error
	err = newNameTree(c.xref, names["EmbeddedFiles"], c.logger).walk(func(k, v core.Object) {
		key, ok := k.(core.String)
		fs, isDict := v.(core.Dict)
		if !ok || !isDict || fsErr != nil {
			return
		}
		att, err := c.fileSpec(fs)
		if err != nil {
			fsErr = err
			return
		}
		if out == nil {
			out = make(map[string]Attachment)
		}
		out[core.DecodeText(key)] = att
	})
	if err == nil {
		err = fsErr
	}
	return out, err
}

func (c *Catalog) fileSpec(fs core.Dict) (Attachment, error) {
	var att Attachment
	for _, key := range []string{"UF", "F", "Unix", "Mac", "DOS"} {
		if s, ok := fs.GetString(key); ok {
			att.Filename = strings.ReplaceAll(core.DecodeText(s), "\\", "/")
			if i := strings.LastIndexByte(att.Filename, '/'); i >= 0 {
				att.Filename = att.Filename[i+1:]
			}
			break
		}
	}
	efObj, err := c.xref.FetchIfRef(fs["EF"])
	if err != nil {
		return att, err
	}
	ef, _ := efObj.(core.Dict)
	for _, key := range []string{"F", "UF", "DOS", "Mac", "Unix"} {
		obj, err := c.xref.FetchIfRef(ef[key])
		if err != nil {
			return att, err
		}
		if s, ok := obj.(*core.Stream); ok {
			if att.Content, err = s.Decode(); err != nil {
				c.logger.Warn("embedded file is not decodable: " + att.Filename)
				att.Content = nil
			}
			break
		}
	}
	return att, nil
}

// PageLabels returns the label of every page, or nil when the document
// defines none or the definitions are invalid.
func (c *Catalog) PageLabels() ([]string, error) {
	labels, err := c.readPageLabels()
	if err := c.guard("page labels", err); err != nil {
		return nil, err
	}
	return labels, nil
}

func (c *Catalog) readPageLabels() ([]string, error) {
	if !c.dict.Has("PageLabels") {
		return nil, nil
	}
	n, err := c.NumPages()
	if err != nil {
		return nil, err
	}
	nums := make(map[int]core.Object)
	err = newNumberTree(c.xref, c.dict["PageLabels"], c.logger).walk(func(k, v core.Object) {
		if i, ok := k.(core.Int); ok {
			nums[int(i)] = v
		}
	})
	if err != nil {
		return nil, err
	}

	labels := make([]string, n)
	style, prefix, current := "", "", 1
	for i := 0; i < n; i++ {
		if v, ok := nums[i]; ok {
			d, ok := v.(core.Dict)
			if !ok {
				return nil, core.Formatf("page label is not a dictionary")
			}
			if d.Has("Type") && !d.IsType("PageLabel") {
				return nil, core.Formatf("invalid type in page label dictionary")
			}
			style, prefix, current = "", "", 1
			if d.Has("S") {
				s, ok := d.GetName("S")
				if !ok {
					return nil, core.Formatf("invalid style in page label dictionary")
				}
				style = string(s)
			}
			if d.Has("P") {
				p, ok := d.GetString("P")
				if !ok {
					return nil, core.Formatf("invalid prefix in page label dictionary")
				}
				prefix = core.DecodeText(p)
			}
			if d.Has("St") {
				st, ok := d.GetInt("St")
				if !ok || st < 1 {
					return nil, core.Formatf("invalid start in page label dictionary")
				}
				current = int(st)
			}
		}
		var label string
		switch style {
		case "D":
			label = strconv.Itoa(current)
		case "R", "r":
			label = romanNumeral(current, style == "r")
		case "A", "a":
			base := byte('A')
			if style == "a" {
				base = 'a'
			}
			letter := string(rune(base + byte((current-1)%26)))
			label = strings.Repeat(letter, (current-1)/26+1)
		case "":
		default:
			return nil, core.Formatf("invalid style %q in page label dictionary", style)
		}
		labels[i] = prefix + label
		current++
	}
	return labels, nil
}

var romanTable = []struct {
	value int
	digit string
}{
	{1000, "M"}, {900, "CM"}, {500, "D"}, {400, "CD"}, {100, "C"}, {90, "XC"},
	{50, "L"}, {40, "XL"}, {10, "X"}, {9, "IX"}, {5, "V"}, {4, "IV"}, {1, "I"},
}

func romanNumeral(n int, lower bool) string {
	var sb strings.Builder
	for _, r := range romanTable {
		for n >= r.value {
			sb.WriteString(r.digit)
			n -= r.value
		}
	}
	if lower {
		return strings.ToLower(sb.String())
	}
	return sb.String()
}
