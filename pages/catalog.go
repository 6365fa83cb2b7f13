package pages

import (
	"sync"

	"go.uber.org/zap"

	"github.com/tsawler/pagestream/core"
	"github.com/tsawler/pagestream/reader"
)

// ObjectFetcher resolves references without blocking. Unloaded bytes are
// reported as *core.MissingDataError, which every method of this package
// returns unchanged so the caller can load the range and retry.
type ObjectFetcher interface {
	Fetch(ref core.IndirectRef) (core.Object, error)
	FetchIfRef(obj core.Object) (core.Object, error)
}

// Catalog is the document root: page tree navigation plus the
// document-level dictionaries hanging off /Root.
type Catalog struct {
	xref   ObjectFetcher
	dict   core.Dict
	logger *zap.Logger

	mu         sync.RWMutex
	kidsCount  map[core.IndirectRef]int
	numPages   int
	counted    bool
	linearized int
}

// NewCatalog creates a catalog over the /Root dictionary.
func NewCatalog(dict core.Dict, xref ObjectFetcher, logger *zap.Logger) *Catalog {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Catalog{
		xref:      xref,
		dict:      dict,
		logger:    logger,
		kidsCount: make(map[core.IndirectRef]int),
	}
}

// Dict returns the catalog dictionary.
func (c *Catalog) Dict() core.Dict { return c.dict }

// SetLinearizedPageCount makes NumPages report n, the /N of a
// linearization dictionary that matched the file length.
func (c *Catalog) SetLinearizedPageCount(n int) {
	c.mu.Lock()
	c.linearized = n
	c.mu.Unlock()
}

// Version returns the /Version entry, which overrides the header version.
func (c *Catalog) Version() string {
	v, _ := c.dict.GetName("Version")
	return string(v)
}

func (c *Catalog) topPages() (core.Dict, error) {
	obj, err := c.xref.FetchIfRef(c.dict["Pages"])
	if err != nil {
		return nil, err
	}
	d, ok := obj.(core.Dict)
	if !ok {
		return nil, core.Formatf("invalid top-level pages dictionary")
	}
	return d, nil
}

// NumPages returns the page count, computed once.
func (c *Catalog) NumPages() (int, error) {
	c.mu.RLock()
	n, counted, lin := c.numPages, c.counted, c.linearized
	c.mu.RUnlock()
	if lin > 0 {
		return lin, nil
	}
	if counted {
		return n, nil
	}
	if _, err := c.topPages(); err != nil {
		return 0, err
	}
	n, err := c.leafCount(c.dict["Pages"], make(map[core.IndirectRef]bool))
	if err != nil {
		return 0, err
	}
	c.mu.Lock()
	c.numPages, c.counted = n, true
	c.mu.Unlock()
	return n, nil
}

func isLeaf(d core.Dict) bool {
	return d.IsType("Page") || !d.Has("Kids")
}

// leafCount counts the pages under node. ancestors holds the references on
// the path from the root; meeting one again is a cycle.
func (c *Catalog) leafCount(node core.Object, ancestors map[core.IndirectRef]bool) (int, error) {
	ref, isRef := node.(core.IndirectRef)
	if isRef {
		c.mu.RLock()
		n, ok := c.kidsCount[ref]
		c.mu.RUnlock()
		if ok {
			return n, nil
		}
		if ancestors[ref] {
			return 0, core.Formatf("pages tree contains a cycle at %s", ref)
		}
	}
	obj, err := c.xref.FetchIfRef(node)
	if err != nil {
		return 0, err
	}
	d, ok := obj.(core.Dict)
	if !ok {
		return 0, core.Formatf("page tree node %s is not a dictionary", ref)
	}
	if isLeaf(d) {
		return 1, nil
	}
	kids, err := c.kids(d)
	if err != nil {
		return 0, err
	}
	if isRef {
		ancestors[ref] = true
		defer delete(ancestors, ref)
	}
	total := 0
	for _, kid := range kids {
		n, err := c.leafCount(kid, ancestors)
		if err != nil {
			return 0, err
		}
		total += n
	}
	if isRef {
		c.mu.Lock()
		c.kidsCount[ref] = total
		c.mu.Unlock()
	}
	return total, nil
}

func (c *Catalog) kids(node core.Dict) (core.Array, error) {
	obj, err := c.xref.FetchIfRef(node["Kids"])
	if err != nil {
		return nil, err
	}
	kids, ok := obj.(core.Array)
	if !ok {
		return nil, core.Formatf("page tree node /Kids is not an array")
	}
	return kids, nil
}

// GetPageDict returns the dictionary of page index and its reference. The
// reference is zero when the page is a direct object.
func (c *Catalog) GetPageDict(index int) (core.Dict, core.IndirectRef, error) {
	if index < 0 {
		return nil, core.IndirectRef{}, core.Formatf("page index %d out of range", index)
	}
	node := c.dict["Pages"]
	visited := make(map[core.IndirectRef]bool)
	for {
		ref, isRef := node.(core.IndirectRef)
		if isRef {
			if visited[ref] {
				return nil, ref, core.Formatf("pages tree contains a cycle at %s", ref)
			}
			visited[ref] = true
		}
		obj, err := c.xref.FetchIfRef(node)
		if err != nil {
			return nil, ref, err
		}
		d, ok := obj.(core.Dict)
		if !ok {
			return nil, ref, core.Formatf("page dictionary kid is not a dictionary")
		}
		if isLeaf(d) {
			if index == 0 {
				return d, ref, nil
			}
			return nil, ref, core.Formatf("page index %d not found", index)
		}
		kids, err := c.kids(d)
		if err != nil {
			return nil, ref, err
		}
		next := core.Object(nil)
		for _, kid := range kids {
			n, err := c.leafCount(kid, make(map[core.IndirectRef]bool))
			if err != nil {
				return nil, ref, err
			}
			if index < n {
				next = kid
				break
			}
			index -= n
		}
		if next == nil {
			return nil, ref, core.Formatf("page index not found in page tree")
		}
		node = next
	}
}

// GetPageIndex returns the index of the page at ref by summing the leaf
// counts of every sibling preceding it on the way up to the root.
func (c *Catalog) GetPageIndex(ref core.IndirectRef) (int, error) {
	total := 0
	visited := make(map[core.IndirectRef]bool)
	cur := ref
	for {
		if visited[cur] {
			return 0, core.Formatf("pages tree contains a cycle at %s", cur)
		}
		visited[cur] = true
		obj, err := c.xref.Fetch(cur)
		if err != nil {
			return 0, err
		}
		node, ok := obj.(core.Dict)
		if !ok {
			return 0, core.Formatf("node %s is not a dictionary", cur)
		}
		parentObj, ok := node["Parent"]
		if !ok {
			return total, nil
		}
		parentRef, ok := parentObj.(core.IndirectRef)
		if !ok {
			return 0, core.Formatf("node %s has a direct /Parent", cur)
		}
		pobj, err := c.xref.Fetch(parentRef)
		if err != nil {
			return 0, err
		}
		parent, ok := pobj.(core.Dict)
		if !ok {
			return 0, core.Formatf("parent %s is not a dictionary", parentRef)
		}
		kids, err := c.kids(parent)
		if err != nil {
			return 0, err
		}
		found := false
		for _, kid := range kids {
			if kr, ok := kid.(core.IndirectRef); ok && kr == cur {
				found = true
				break
			}
			n, err := c.leafCount(kid, make(map[core.IndirectRef]bool))
			if err != nil {
				return 0, err
			}
			total += n
		}
		if !found {
			return 0, core.Formatf("kid %s not found in its parent's /Kids", cur)
		}
		cur = parentRef
	}
}

// PageMode returns /PageMode, defaulting to UseNone.
func (c *Catalog) PageMode() string {
	switch m, _ := c.dict.GetName("PageMode"); m {
	case "UseNone", "UseOutlines", "UseThumbs", "FullScreen", "UseOC", "UseAttachments":
		return string(m)
	}
	return "UseNone"
}

// Metadata returns the XMP metadata packet, or "" when there is none or
// it cannot be decoded.
func (c *Catalog) Metadata() (string, error) {
	obj, err := c.xref.FetchIfRef(c.dict["Metadata"])
	if err != nil {
		if core.IsMissingData(err) {
			return "", err
		}
		c.logger.Warn("skipping invalid metadata", zap.Error(err))
		return "", nil
	}
	s, ok := obj.(*core.Stream)
	if !ok || !s.Dict.IsType("Metadata") {
		return "", nil
	}
	if sub, _ := s.Dict.GetName("Subtype"); sub != "XML" {
		return "", nil
	}
	data, err := s.Decode()
	if err != nil {
		c.logger.Warn("skipping undecodable metadata", zap.Error(err))
		return "", nil
	}
	return string(data), nil
}

// Permissioner reports the access flags of an encrypted document.
type Permissioner interface {
	Permissions() []reader.Permission
}

// Permissions returns the granted flags, or nil when the document is not
// encrypted.
func (c *Catalog) Permissions() []reader.Permission {
	if p, ok := c.xref.(Permissioner); ok {
		return p.Permissions()
	}
	return nil
}

// guard turns a non-missing-data failure of an optional catalog feature
// into a logged warning.
func (c *Catalog) guard(what string, err error) error {
	if err == nil || core.IsMissingData(err) {
		return err
	}
	c.logger.Warn("unable to read "+what, zap.Error(err))
	return nil
}
