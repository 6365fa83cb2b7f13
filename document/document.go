package document

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/tsawler/pagestream/core"
	"github.com/tsawler/pagestream/internal/metrics"
	"github.com/tsawler/pagestream/pages"
	"github.com/tsawler/pagestream/reader"
	"github.com/tsawler/pagestream/source"
)

// ErrNotLoaded is returned by accessors called before the index is parsed.
var ErrNotLoaded = errors.New("document is not loaded")

// Options configures a Document.
type Options struct {
	Logger   *zap.Logger
	Metrics  *metrics.Collectors
	Password string
}

// Document drives the load of one PDF file and owns its object store,
// catalog and page cache.
type Document struct {
	store  *reader.Store
	logger *zap.Logger

	mu          sync.Mutex
	state       State
	password    string
	version     string
	lin         *core.Linearization
	catalog     *pages.Catalog
	acroForm    bool
	xfa         bool
	collection  bool
	fingerprint string

	pagesMu sync.RWMutex
	pages   map[int]*pages.Page

	stats Stats
}

// New creates an unloaded document over src.
func New(src source.ByteSource, opts Options) *Document {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Document{
		store:    reader.NewStore(src, reader.Options{Logger: logger, Metrics: opts.Metrics}),
		logger:   logger,
		password: opts.Password,
		pages:    make(map[int]*pages.Page),
	}
}

// Ensure runs fn, loading every range it reports missing, until fn
// succeeds or fails for another reason.
func Ensure[T any](ctx context.Context, d *Document, fn func() (T, error)) (T, error) {
	return source.Ensure(ctx, d.store.Source(), fn)
}

// Store returns the object store.
func (d *Document) Store() *reader.Store { return d.store }

// Source returns the byte source, which may have been replaced by an
// in-memory copy during recovery.
func (d *Document) Source() source.ByteSource { return d.store.Source() }

// State returns the current load step.
func (d *Document) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

func (d *Document) setState(s State) {
	d.mu.Lock()
	prev := d.state
	d.state = s
	d.mu.Unlock()
	d.logger.Debug("document state", zap.Stringer("from", prev), zap.Stringer("to", s))
}

// SetPassword replaces the credential used by the next Load.
func (d *Document) SetPassword(password string) {
	d.mu.Lock()
	d.password = password
	d.mu.Unlock()
}

// Catalog returns the catalog, or nil before the document is parsed.
func (d *Document) Catalog() *pages.Catalog {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.catalog
}

// Linearization returns the linearization parameters, or nil.
func (d *Document) Linearization() *core.Linearization {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lin
}

// Load runs the load sequence. When the trailer chain or the first page
// proves the index unusable, the whole file is loaded and re-indexed by a
// scan, once; a failure in recovery mode is final. A *core.PasswordError
// leaves the document waiting for SetPassword and another Load.
func (d *Document) Load(ctx context.Context) error {
	err := d.load(ctx, false)
	var xpe *core.XRefParseError
	if err == nil || !errors.As(err, &xpe) {
		return d.finish(err)
	}

	d.logger.Warn("cross-reference index is unusable, scanning the file", zap.Error(err))
	d.setState(RecoveryRequested)
	src := d.store.Source()
	if err := src.EnsureRange(ctx, 0, src.Length()); err != nil {
		return d.finish(err)
	}
	d.promoteSource()
	return d.finish(d.load(ctx, true))
}

func (d *Document) finish(err error) error {
	var pe *core.PasswordError
	switch {
	case err == nil:
		d.setState(Ready)
	case errors.As(err, &pe):
	default:
		d.setState(Failed)
	}
	return err
}

func (d *Document) load(ctx context.Context, recovery bool) error {
	d.setState(Unloaded)
	if _, err := Ensure(ctx, d, func() (struct{}, error) { return struct{}{}, d.checkHeader() }); err != nil {
		return err
	}
	d.setState(HeaderChecked)

	if _, err := Ensure(ctx, d, func() (struct{}, error) { return struct{}{}, d.parseStartXRef() }); err != nil {
		return err
	}
	d.setState(XRefLocated)

	if _, err := Ensure(ctx, d, func() (struct{}, error) { return struct{}{}, d.parse(recovery) }); err != nil {
		return err
	}
	d.setState(Parsed)

	if !recovery {
		if err := d.checkFirstPage(ctx); err != nil {
			return err
		}
		d.setState(FirstPageVerified)
	}

	if _, err := d.NumPages(ctx); err != nil {
		return err
	}
	_, err := d.Fingerprint(ctx)
	return err
}

// checkHeader reads the version from the %PDF- header and the
// linearization dictionary, if any. A missing header is not an error.
func (d *Document) checkHeader() error {
	src := d.store.Source()
	version, _, err := reader.ReadHeader(src)
	if err != nil {
		return err
	}
	lin, err := core.ReadLinearization(src, src.Length())
	if err != nil {
		if core.IsMissingData(err) {
			return err
		}
		d.logger.Info("ignoring linearization dictionary", zap.Error(err))
		lin = nil
	}
	d.mu.Lock()
	d.version, d.lin = version, lin
	d.mu.Unlock()
	return nil
}

func (d *Document) parseStartXRef() error {
	src := d.store.Source()
	var (
		off int64
		err error
	)
	if d.Linearization() != nil {
		off, err = core.LinearizedStartXRef(src, src.Length())
	} else {
		off, err = core.FindStartXRef(src, src.Length())
	}
	if err != nil {
		if core.IsMissingData(err) {
			return err
		}
		d.logger.Warn("startxref not found", zap.Error(err))
		off = 0
	}
	d.store.SetStartXRef(off)
	return nil
}

// parse builds the index, authenticates and creates the catalog.
func (d *Document) parse(recovery bool) error {
	if err := d.store.Parse(recovery); err != nil {
		return err
	}
	d.mu.Lock()
	password := d.password
	d.mu.Unlock()
	if err := d.store.SetupEncryption(password); err != nil {
		return err
	}
	root, err := d.store.Catalog()
	if err != nil {
		return err
	}
	cat := pages.NewCatalog(root, d.store, d.logger)
	if lin := d.Linearization(); lin != nil {
		cat.SetLinearizedPageCount(lin.NumPages)
	}
	acroForm, xfa, err := d.readAcroForm(root)
	if err != nil {
		return err
	}
	collection, err := d.readCollection(root)
	if err != nil {
		return err
	}

	d.mu.Lock()
	d.catalog = cat
	if v := cat.Version(); v != "" {
		d.version = v
	}
	d.acroForm, d.xfa, d.collection = acroForm, xfa, collection
	d.mu.Unlock()
	d.clearPages()
	return nil
}

// readAcroForm reports whether the document is a form: an /AcroForm with
// fields or an XFA payload.
func (d *Document) readAcroForm(root core.Dict) (bool, bool, error) {
	obj, err := d.store.FetchIfRef(root["AcroForm"])
	if err != nil {
		if core.IsMissingData(err) {
			return false, false, err
		}
		d.logger.Info("cannot fetch AcroForm entry, assuming no forms", zap.Error(err))
		return false, false, nil
	}
	form, ok := obj.(core.Dict)
	if !ok {
		return false, false, nil
	}
	xfa := form.Has("XFA")
	fields, err := d.store.FetchIfRef(form["Fields"])
	if err != nil {
		if core.IsMissingData(err) {
			return false, false, err
		}
		fields = nil
	}
	arr, _ := fields.(core.Array)
	return len(arr) > 0 || xfa, xfa, nil
}

func (d *Document) readCollection(root core.Dict) (bool, error) {
	obj, err := d.store.FetchIfRef(root["Collection"])
	if err != nil {
		if core.IsMissingData(err) {
			return false, err
		}
		d.logger.Info("cannot fetch Collection dictionary", zap.Error(err))
		return false, nil
	}
	c, ok := obj.(core.Dict)
	return ok && len(c) > 0, nil
}

// checkFirstPage loads page 0. A bad cross-reference entry there means the
// index cannot be trusted: caches are dropped and an *core.XRefParseError
// requests recovery. Other failures are left to the page requests.
func (d *Document) checkFirstPage(ctx context.Context) error {
	_, err := d.Page(ctx, 0)
	var xee *core.XRefEntryError
	switch {
	case err == nil:
		return nil
	case errors.As(err, &xee):
		d.Cleanup()
		return &core.XRefParseError{Err: err}
	case errors.As(err, new(*core.PasswordError)), ctx.Err() != nil:
		return err
	}
	d.logger.Warn("first page is unreadable", zap.Error(err))
	return nil
}

func (d *Document) requireCatalog() (*pages.Catalog, error) {
	if cat := d.Catalog(); cat != nil {
		return cat, nil
	}
	return nil, ErrNotLoaded
}

// NumPages returns the page count.
func (d *Document) NumPages(ctx context.Context) (int, error) {
	cat, err := d.requireCatalog()
	if err != nil {
		return 0, err
	}
	return Ensure(ctx, d, cat.NumPages)
}

// GetPageIndex returns the index of the page at ref.
func (d *Document) GetPageIndex(ctx context.Context, ref core.IndirectRef) (int, error) {
	cat, err := d.requireCatalog()
	if err != nil {
		return 0, err
	}
	return Ensure(ctx, d, func() (int, error) { return cat.GetPageIndex(ref) })
}

type pageEntry struct {
	dict core.Dict
	ref  core.IndirectRef
}

// Page returns page index, creating and caching it on first use.
func (d *Document) Page(ctx context.Context, index int) (*pages.Page, error) {
	d.pagesMu.RLock()
	p, ok := d.pages[index]
	d.pagesMu.RUnlock()
	if ok {
		return p, nil
	}
	cat, err := d.requireCatalog()
	if err != nil {
		return nil, err
	}
	n, err := d.NumPages(ctx)
	if err != nil {
		return nil, err
	}
	if index < 0 || index >= n {
		return nil, fmt.Errorf("page index %d out of range [0, %d)", index, n)
	}
	e, err := Ensure(ctx, d, func() (pageEntry, error) {
		dict, ref, err := d.pageDict(cat, index)
		return pageEntry{dict, ref}, err
	})
	if err != nil {
		return nil, err
	}

	d.pagesMu.Lock()
	defer d.pagesMu.Unlock()
	if p, ok := d.pages[index]; ok {
		return p, nil
	}
	p = pages.NewPage(index, e.dict, e.ref, d.store, d.logger)
	d.pages[index] = p
	return p, nil
}

// pageDict finds page index, going straight to the first-page object of a
// linearized file when it holds the requested page.
func (d *Document) pageDict(cat *pages.Catalog, index int) (core.Dict, core.IndirectRef, error) {
	lin := d.Linearization()
	if lin == nil || lin.PageFirst != index {
		return cat.GetPageDict(index)
	}
	ref := core.IndirectRef{Number: lin.ObjectNumberFirst}
	obj, err := d.store.Fetch(ref)
	if err != nil {
		if core.IsMissingData(err) {
			return nil, ref, err
		}
		d.logger.Info("linearized first page is unreadable", zap.Error(err))
		return cat.GetPageDict(index)
	}
	if dict, ok := obj.(core.Dict); ok && (dict.IsType("Page") || (!dict.Has("Type") && dict.Has("Contents"))) {
		return dict, ref, nil
	}
	d.logger.Info("linearization dictionary does not point to a page", zap.Stringer("ref", ref))
	return cat.GetPageDict(index)
}

// Stats returns the stream and font type usage recorder.
func (d *Document) Stats() *Stats { return &d.stats }

func (d *Document) clearPages() {
	d.pagesMu.Lock()
	clear(d.pages)
	d.pagesMu.Unlock()
}

// Cleanup drops the page cache and evicts the object store.
func (d *Document) Cleanup() {
	d.clearPages()
	d.store.Cleanup()
}

// RawBytes returns the whole file, loading what is missing.
func (d *Document) RawBytes(ctx context.Context) ([]byte, error) {
	return d.store.RawBytes(ctx)
}

type completeBytes interface {
	Bytes() ([]byte, bool)
}

// promoteSource replaces a fully loaded chunked source with an in-memory
// one. It runs between load steps, when nothing else reads the source.
func (d *Document) promoteSource() {
	cs, ok := d.store.Source().(completeBytes)
	if !ok {
		return
	}
	data, complete := cs.Bytes()
	if !complete {
		return
	}
	if err := d.store.SetSource(source.NewMemorySource(data)); err != nil {
		d.logger.Warn("keeping chunked source", zap.Error(err))
	}
}

type canceller interface {
	CancelAll(reason error)
}

// Terminate cancels every pending read of a network source.
func (d *Document) Terminate(reason error) {
	if c, ok := d.store.Source().(canceller); ok {
		c.CancelAll(reason)
	}
}
