package reader

import (
	"bytes"
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/pagestream/core"
	"github.com/tsawler/pagestream/internal/metrics"
	"github.com/tsawler/pagestream/internal/pdftest"
	"github.com/tsawler/pagestream/source"
)

type memFetcher struct {
	data  []byte
	calls atomic.Int32
}

func (f *memFetcher) ReadRange(ctx context.Context, begin, end int64) ([]byte, error) {
	f.calls.Add(1)
	return append([]byte(nil), f.data[begin:end]...), nil
}

func openStore(t *testing.T, data []byte, recovery bool) *Store {
	t.Helper()
	src := source.NewMemorySource(data)
	s := NewStore(src, Options{})
	start, err := core.FindStartXRef(src, src.Length())
	require.NoError(t, err)
	s.SetStartXRef(start)
	require.NoError(t, s.Parse(recovery))
	return s
}

func TestReadHeader(t *testing.T) {
	v, off, err := ReadHeader(source.NewMemorySource([]byte("\x00\x00%PDF-1.6\n")))
	require.NoError(t, err)
	assert.Equal(t, "1.6", v)
	assert.Equal(t, int64(2), off)

	v, off, err = ReadHeader(source.NewMemorySource([]byte("not a pdf")))
	require.NoError(t, err)
	assert.Empty(t, v)
	assert.Equal(t, int64(-1), off)
}

func TestStoreFetchCaches(t *testing.T) {
	data := pdftest.SimpleDocument(2)
	m := metrics.New(nil)
	src := source.NewMemorySource(data)
	s := NewStore(src, Options{Metrics: m})
	start, _ := core.FindStartXRef(src, src.Length())
	s.SetStartXRef(start)
	require.NoError(t, s.Parse(false))

	cat, err := s.Catalog()
	require.NoError(t, err)
	assert.True(t, cat.IsType("Catalog"))

	pagesRef, ok := cat.GetRef("Pages")
	require.True(t, ok)
	first, err := s.Fetch(pagesRef)
	require.NoError(t, err)
	second, err := s.Fetch(pagesRef)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.GreaterOrEqual(t, testutil.ToFloat64(m.CacheHits), 1.0)

	s.Cleanup()
	assert.Zero(t, s.CacheSize())
}

func TestStoreFetchErrors(t *testing.T) {
	s := openStore(t, pdftest.SimpleDocument(1), false)

	_, err := s.Fetch(core.IndirectRef{Number: 9999})
	var xe *core.XRefEntryError
	assert.ErrorAs(t, err, &xe)

	obj, err := s.Fetch(core.IndirectRef{Number: 0, Generation: 65535})
	require.NoError(t, err)
	assert.Equal(t, core.Null{}, obj)

	root, _ := s.Trailer().GetRef("Root")
	_, err = s.Fetch(core.IndirectRef{Number: root.Number, Generation: 3})
	assert.ErrorAs(t, err, &xe)
}

func TestStoreFetchMismatchedHeader(t *testing.T) {
	b := pdftest.NewBuilder()
	b.PageTree(1, 2, "", nil)
	data := b.Build()
	// Point object 1's entry at object 2.
	off1 := bytes.Index(data, []byte("\n1 0 obj"))
	off2 := bytes.Index(data, []byte("\n2 0 obj"))
	data = bytes.Replace(data, []byte(fmt.Sprintf("%010d 00000 n", off1+1)), []byte(fmt.Sprintf("%010d 00000 n", off2+1)), 1)

	s := NewStore(source.NewMemorySource(data), Options{})
	start, _ := core.FindStartXRef(s.Source(), s.Source().Length())
	s.SetStartXRef(start)
	_ = s.Parse(false)
	_, err := s.Fetch(core.IndirectRef{Number: 1})
	var xe *core.XRefEntryError
	assert.ErrorAs(t, err, &xe)
}

func TestStoreCompressedObjects(t *testing.T) {
	b := pdftest.NewBuilder()
	note := b.Add("<< /Note (packed) >>")
	b.PageTree(3, 2, "/MediaBox [0 0 10 10]", nil)
	s := openStore(t, b.BuildXRefStream(true), false)

	obj, err := s.Fetch(core.IndirectRef{Number: note})
	require.NoError(t, err)
	v, _ := obj.(core.Dict).GetString("Note")
	assert.Equal(t, core.String("packed"), v)
}

func TestStoreParseNeedsRecovery(t *testing.T) {
	data := pdftest.SimpleDocument(1)
	src := source.NewMemorySource(data)
	s := NewStore(src, Options{})
	s.SetStartXRef(int64(len(data) / 2))

	err := s.Parse(false)
	var xpe *core.XRefParseError
	require.ErrorAs(t, err, &xpe)

	require.NoError(t, s.Parse(true))
	cat, err := s.Catalog()
	require.NoError(t, err)
	assert.True(t, cat.Has("Pages"))
}

func TestStoreRecoverySynthesizesRoot(t *testing.T) {
	data := []byte("%PDF-1.4\n" +
		"1 0 obj << /Type /Pages /Kids [2 0 R] /Count 1 >> endobj\n" +
		"2 0 obj << /Type /Page /Parent 1 0 R >> endobj\n%%EOF")
	s := NewStore(source.NewMemorySource(data), Options{})
	require.Error(t, s.Parse(false))
	require.NoError(t, s.Parse(true))

	cat, err := s.Catalog()
	require.NoError(t, err)
	pages, err := s.FetchIfRef(cat["Pages"])
	require.NoError(t, err)
	assert.True(t, pages.(core.Dict).IsType("Pages"))
}

func TestStoreRecoveryWithoutRootIsInvalid(t *testing.T) {
	data := []byte("%PDF-1.4\n1 0 obj << /Type /Catalog >> endobj\ntrailer << /Root 1 0 R >>\n%%EOF")
	s := NewStore(source.NewMemorySource(data), Options{})
	err := s.Parse(true)
	var ipe *core.InvalidPDFError
	assert.ErrorAs(t, err, &ipe)
}

func TestStoreFetchAsyncLoadsRanges(t *testing.T) {
	data := pdftest.SimpleDocument(5)
	f := &memFetcher{data: data}
	src := source.NewChunkedSource(int64(len(data)), f, source.ChunkedOptions{ChunkSize: 128})
	s := NewStore(src, Options{})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	start, err := source.Ensure(ctx, src, func() (int64, error) { return core.FindStartXRef(src, src.Length()) })
	require.NoError(t, err)
	s.SetStartXRef(start)
	_, err = source.Ensure(ctx, src, func() (struct{}, error) { return struct{}{}, s.Parse(false) })
	require.NoError(t, err)

	cat, err := s.Catalog()
	require.NoError(t, err)
	fut := s.FetchAsync(ctx, cat["Pages"].(core.IndirectRef))
	obj, err := fut.Wait(ctx)
	require.NoError(t, err)
	assert.True(t, obj.(core.Dict).IsType("Pages"))
	<-fut.Done()
	assert.False(t, src.Complete(), "only the needed chunks should be loaded")
	assert.Greater(t, f.calls.Load(), int32(0))
}

func TestStoreResolveDeepCycle(t *testing.T) {
	b := pdftest.NewBuilder()
	a := b.Reserve()
	c := b.Reserve()
	b.Set(a, fmt.Sprintf("<< /Next %d 0 R /Name (a) >>", c))
	b.Set(c, fmt.Sprintf("<< /Next %d 0 R /Name (c) >>", a))
	b.PageTree(1, 2, "", nil)
	s := openStore(t, b.Build(), false)

	obj, err := s.ResolveDeep(context.Background(), core.IndirectRef{Number: a})
	require.NoError(t, err)
	next := obj.(core.Dict)["Next"].(core.Dict)
	assert.Equal(t, core.String("c"), next["Name"])
	assert.Equal(t, core.Null{}, next["Next"])
}

func TestStoreRawBytes(t *testing.T) {
	data := pdftest.SimpleDocument(1)
	s := openStore(t, data, false)
	got, err := s.RawBytes(context.Background())
	require.NoError(t, err)
	assert.Equal(t, data, got)
}
