package pages

import (
	"go.uber.org/zap"

	"github.com/tsawler/pagestream/core"
)

// maxTreeLevels bounds a keyed descent; full walks use a visited set.
const maxTreeLevels = 10

// tree is a name tree (/Names pairs keyed by strings) or a number tree
// (/Nums pairs keyed by integers).
type tree struct {
	xref   ObjectFetcher
	root   core.Object
	leaf   string
	logger *zap.Logger
}

func newNameTree(xref ObjectFetcher, root core.Object, logger *zap.Logger) *tree {
	return &tree{xref: xref, root: root, leaf: "Names", logger: logger}
}

func newNumberTree(xref ObjectFetcher, root core.Object, logger *zap.Logger) *tree {
	return &tree{xref: xref, root: root, leaf: "Nums", logger: logger}
}

// walk calls fn for every pair in key order of the file.
func (t *tree) walk(fn func(key, value core.Object)) error {
	if t.root == nil {
		return nil
	}
	visited := make(map[core.IndirectRef]bool)
	queue := []core.Object{t.root}
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		if ref, ok := node.(core.IndirectRef); ok {
			if visited[ref] {
				continue
			}
			visited[ref] = true
		}
		obj, err := t.xref.FetchIfRef(node)
		if err != nil {
			return err
		}
		d, ok := obj.(core.Dict)
		if !ok {
			continue
		}
		if kids, ok := d.GetArray("Kids"); ok {
			queue = append(queue, kids...)
			continue
		}
		pairs, err := t.pairs(d)
		if err != nil {
			return err
		}
		for i := 0; i+1 < len(pairs); i += 2 {
			v, err := t.xref.FetchIfRef(pairs[i+1])
			if err != nil {
				return err
			}
			fn(pairs[i], v)
		}
	}
	return nil
}

func (t *tree) pairs(d core.Dict) (core.Array, error) {
	obj, err := t.xref.FetchIfRef(d[t.leaf])
	if err != nil {
		return nil, err
	}
	a, _ := obj.(core.Array)
	return a, nil
}

// compare orders a and b; ok is false when either is not a key of this
// tree's kind.
func (t *tree) compare(a, b core.Object) (int, bool) {
	if t.leaf == "Nums" {
		x, ok1 := a.(core.Int)
		y, ok2 := b.(core.Int)
		switch {
		case !ok1 || !ok2:
			return 0, false
		case x < y:
			return -1, true
		case x > y:
			return 1, true
		}
		return 0, true
	}
	x, ok1 := a.(core.String)
	y, ok2 := b.(core.String)
	switch {
	case !ok1 || !ok2:
		return 0, false
	case x < y:
		return -1, true
	case x > y:
		return 1, true
	}
	return 0, true
}

// get finds key by descending through /Limits, falling back to a full
// walk for trees whose keys are out of order.
func (t *tree) get(key core.Object) (core.Object, error) {
	if t.root == nil {
		return nil, nil
	}
	node := t.root
	for level := 0; level < maxTreeLevels; level++ {
		obj, err := t.xref.FetchIfRef(node)
		if err != nil {
			return nil, err
		}
		d, ok := obj.(core.Dict)
		if !ok {
			break
		}
		kids, ok := d.GetArray("Kids")
		if !ok {
			pairs, err := t.pairs(d)
			if err != nil {
				return nil, err
			}
			for i := 0; i+1 < len(pairs); i += 2 {
				if c, ok := t.compare(pairs[i], key); ok && c == 0 {
					return t.xref.FetchIfRef(pairs[i+1])
				}
			}
			break
		}
		node = nil
		for _, kid := range kids {
			kobj, err := t.xref.FetchIfRef(kid)
			if err != nil {
				return nil, err
			}
			kd, _ := kobj.(core.Dict)
			limits, _ := kd.GetArray("Limits")
			if len(limits) != 2 {
				continue
			}
			lo, ok1 := t.compare(key, limits[0])
			hi, ok2 := t.compare(key, limits[1])
			if ok1 && ok2 && lo >= 0 && hi <= 0 {
				node = kid
				break
			}
		}
		if node == nil {
			break
		}
	}

	var found core.Object
	err := t.walk(func(k, v core.Object) {
		if c, ok := t.compare(k, key); ok && c == 0 && found == nil {
			found = v
		}
	})
	if found != nil {
		t.logger.Debug("found key by exhaustive search", zap.Stringer("key", key))
	}
	return found, err
}
