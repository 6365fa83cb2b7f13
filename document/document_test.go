package document

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/tsawler/pagestream/core"
	"github.com/tsawler/pagestream/internal/pdftest"
	"github.com/tsawler/pagestream/source"
)

type rangeFetcher struct{ data []byte }

func (f *rangeFetcher) ReadRange(ctx context.Context, begin, end int64) ([]byte, error) {
	return append([]byte(nil), f.data[begin:end]...), nil
}

func observed() (*zap.Logger, *observer.ObservedLogs) {
	oc, logs := observer.New(zap.DebugLevel)
	return zap.New(oc), logs
}

func TestLoadMemoryDocument(t *testing.T) {
	doc := New(source.NewMemorySource(pdftest.SimpleDocument(3)), Options{})
	require.NoError(t, doc.Load(context.Background()))
	assert.Equal(t, Ready, doc.State())

	n, err := doc.NumPages(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	fp, err := doc.Fingerprint(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "deadbeef", fp)

	p, err := doc.Page(context.Background(), 2)
	require.NoError(t, err)
	again, err := doc.Page(context.Background(), 2)
	require.NoError(t, err)
	assert.Same(t, p, again)

	idx, err := doc.GetPageIndex(context.Background(), p.Ref)
	require.NoError(t, err)
	assert.Equal(t, 2, idx)

	_, err = doc.Page(context.Background(), 3)
	assert.Error(t, err)
}

func TestLoadChunkedDocument(t *testing.T) {
	data := pdftest.SimpleDocument(5)
	src := source.NewChunkedSource(int64(len(data)), &rangeFetcher{data: data}, source.ChunkedOptions{ChunkSize: 128})
	doc := New(src, Options{})
	require.NoError(t, doc.Load(context.Background()))
	assert.Equal(t, Ready, doc.State())

	n, err := doc.NumPages(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	p, err := doc.Page(context.Background(), 4)
	require.NoError(t, err)
	box, err := Ensure(context.Background(), doc, p.MediaBox)
	require.NoError(t, err)
	assert.Equal(t, 612.0, box.Width())
}

func TestLoadRecoversFromCorruptStartXRef(t *testing.T) {
	data := pdftest.SimpleDocument(2)
	i := bytes.LastIndex(data, []byte("startxref\n"))
	broken := append(append([]byte{}, data[:i]...), []byte("startxref\n999999\n%%EOF\n")...)

	logger, logs := observed()
	doc := New(source.NewMemorySource(broken), Options{Logger: logger})
	require.NoError(t, doc.Load(context.Background()))
	assert.Equal(t, Ready, doc.State())
	assert.Equal(t, 1, logs.FilterMessage("cross-reference index is unusable, scanning the file").Len())

	n, err := doc.NumPages(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

// pointEntryAt rewrites the classic xref entry of object num to hold off.
func pointEntryAt(t *testing.T, data []byte, num int, off int) []byte {
	t.Helper()
	start := bytes.LastIndex(data, []byte("xref\n0 "))
	require.Positive(t, start)
	lineEnd := bytes.IndexByte(data[start+5:], '\n') + start + 5 + 1
	entry := lineEnd + num*20
	out := append([]byte(nil), data...)
	copy(out[entry:], fmt.Sprintf("%010d", off))
	return out
}

func TestBadFirstPageEntryRequestsRecovery(t *testing.T) {
	b := pdftest.NewBuilder()
	other := b.Add("<< /Note (not a page) >>")
	_, leaves := b.PageTree(2, 4, "/MediaBox [0 0 612 792]", nil)
	data := b.Build()
	otherOff := bytes.Index(data, []byte(fmt.Sprintf("\n%d 0 obj", other))) + 1
	broken := pointEntryAt(t, data, leaves[0], otherOff)

	logger, logs := observed()
	doc := New(source.NewMemorySource(broken), Options{Logger: logger})
	require.NoError(t, doc.Load(context.Background()))
	assert.Equal(t, Ready, doc.State())
	assert.Equal(t, 1, logs.FilterMessage("cross-reference index is unusable, scanning the file").Len())

	p, err := doc.Page(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, leaves[0], p.Ref.Number)
	assert.True(t, p.Dict().IsType("Page"))
}

func TestLoadFailsAfterOneRecovery(t *testing.T) {
	doc := New(source.NewMemorySource([]byte("this is not a PDF file at all")), Options{})
	err := doc.Load(context.Background())
	require.Error(t, err)
	assert.Equal(t, Failed, doc.State())
}

func TestLoadPassword(t *testing.T) {
	data := pdftest.EncryptedDocument(2, "user", "owner", "Secret title")
	doc := New(source.NewMemorySource(data), Options{})

	var pe *core.PasswordError
	require.ErrorAs(t, doc.Load(context.Background()), &pe)
	assert.Equal(t, core.NeedPassword, pe.Code)
	assert.NotEqual(t, Failed, doc.State())

	doc.SetPassword("wrong")
	require.ErrorAs(t, doc.Load(context.Background()), &pe)
	assert.Equal(t, core.IncorrectPassword, pe.Code)

	doc.SetPassword("owner")
	require.NoError(t, doc.Load(context.Background()))
	info, err := doc.Info(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Secret title", info.Title)
	assert.NotNil(t, doc.Catalog().Permissions())
}

func TestFingerprintFallsBackToHash(t *testing.T) {
	for name, id := range map[string][]byte{"no id": nil, "zero id": make([]byte, 16)} {
		t.Run(name, func(t *testing.T) {
			b := pdftest.NewBuilder()
			b.PageTree(1, 2, "/Filler ("+string(bytes.Repeat([]byte("x"), 1200))+")", nil)
			b.ID = id
			data := b.Build()
			doc := New(source.NewMemorySource(data), Options{})
			require.NoError(t, doc.Load(context.Background()))

			sum := md5.Sum(data[:1024])
			fp, err := doc.Fingerprint(context.Background())
			require.NoError(t, err)
			assert.Equal(t, hex.EncodeToString(sum[:]), fp)
		})
	}
}

func TestInfo(t *testing.T) {
	b := pdftest.NewBuilder()
	b.Info = b.Add("<< /Title (Report) /Author 42 /Trapped /True /Dept (Sales) /Pages 3 /Draft true /Nested << /A 1 >> >>")
	b.PageTree(1, 2, "", nil)
	b.Set(b.Root, fmt.Sprintf("<< /Type /Catalog /Pages %d 0 R /AcroForm << /Fields [] /XFA 9 0 R >> >>", b.Root-1))
	b.Version = "1.5"
	doc := New(source.NewMemorySource(b.Build()), Options{})
	require.NoError(t, doc.Load(context.Background()))

	info, err := doc.Info(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "1.5", info.PDFFormatVersion)
	assert.False(t, info.IsLinearized)
	assert.True(t, info.IsAcroFormPresent)
	assert.True(t, info.IsXFAPresent)
	assert.Equal(t, "Report", info.Title)
	assert.Empty(t, info.Author)
	assert.Equal(t, "True", info.Trapped)
	assert.Equal(t, map[string]any{"Dept": "Sales", "Pages": int64(3), "Draft": true}, info.Custom)
}

func TestCleanupDropsPages(t *testing.T) {
	doc := New(source.NewMemorySource(pdftest.SimpleDocument(2)), Options{})
	require.NoError(t, doc.Load(context.Background()))
	p, err := doc.Page(context.Background(), 1)
	require.NoError(t, err)

	doc.Cleanup()
	assert.Zero(t, doc.Store().CacheSize())
	q, err := doc.Page(context.Background(), 1)
	require.NoError(t, err)
	assert.NotSame(t, p, q)
	assert.Equal(t, p.Ref, q.Ref)
}

func TestAccessorsBeforeLoad(t *testing.T) {
	doc := New(source.NewMemorySource(pdftest.SimpleDocument(1)), Options{})
	assert.Equal(t, Unloaded, doc.State())
	_, err := doc.NumPages(context.Background())
	assert.ErrorIs(t, err, ErrNotLoaded)
	_, err = doc.Page(context.Background(), 0)
	assert.ErrorIs(t, err, ErrNotLoaded)
}

func TestStats(t *testing.T) {
	var s Stats
	s.AddStreamType("FlateDecode")
	s.AddFontType("Type1")
	s.AddStreamType("DCTDecode")
	s.AddStreamType("FlateDecode")
	assert.Equal(t, StatsSnapshot{StreamTypes: []string{"DCTDecode", "FlateDecode"}, FontTypes: []string{"Type1"}}, s.Snapshot())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "first-page-verified", FirstPageVerified.String())
	assert.Equal(t, "unknown", State(99).String())
}
