package pages

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tsawler/pagestream/core"
	"github.com/tsawler/pagestream/reader"
	"github.com/tsawler/pagestream/source"
)

// mapFetcher serves objects from a map; the entries of fail return their
// error instead.
type mapFetcher struct {
	objs map[int]core.Object
	fail map[int]error
}

func (m *mapFetcher) Fetch(ref core.IndirectRef) (core.Object, error) {
	if err, ok := m.fail[ref.Number]; ok {
		return nil, err
	}
	if obj, ok := m.objs[ref.Number]; ok {
		return obj, nil
	}
	return core.Null{}, nil
}

func (m *mapFetcher) FetchIfRef(obj core.Object) (core.Object, error) {
	if ref, ok := obj.(core.IndirectRef); ok {
		return m.Fetch(ref)
	}
	return obj, nil
}

func ref(n int) core.IndirectRef { return core.IndirectRef{Number: n} }

func name(s string) core.Name { return core.Name(s) }

// openCatalog parses data and returns its catalog.
func openCatalog(t *testing.T, data []byte) (*Catalog, *reader.Store) {
	t.Helper()
	src := source.NewMemorySource(data)
	s := reader.NewStore(src, reader.Options{})
	start, err := core.FindStartXRef(src, src.Length())
	require.NoError(t, err)
	s.SetStartXRef(start)
	require.NoError(t, s.Parse(false))
	root, err := s.Catalog()
	require.NoError(t, err)
	return NewCatalog(root, s, nil), s
}

// openPage returns page index of data.
func openPage(t *testing.T, data []byte, index int) *Page {
	t.Helper()
	cat, store := openCatalog(t, data)
	dict, r, err := cat.GetPageDict(index)
	require.NoError(t, err)
	return NewPage(index, dict, r, store, nil)
}
