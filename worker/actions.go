package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/tsawler/pagestream/contentstream"
	"github.com/tsawler/pagestream/core"
	"github.com/tsawler/pagestream/document"
	"github.com/tsawler/pagestream/pages"
	"github.com/tsawler/pagestream/text"
)

// Ref is a reference on the wire.
type Ref struct {
	Num int `json:"num"`
	Gen int `json:"gen"`
}

func wireRef(r core.IndirectRef) Ref { return Ref{Num: r.Number, Gen: r.Generation} }

// PageInfo is the reply to GetPage.
type PageInfo struct {
	Rotate   int        `json:"rotate"`
	Ref      Ref        `json:"ref"`
	UserUnit float64    `json:"userUnit"`
	View     pages.Rect `json:"view"`
}

// PageRequest selects a page and, where it matters, an intent.
type PageRequest struct {
	PageIndex int          `json:"pageIndex"`
	Intent    pages.Intent `json:"intent,omitempty"`
}

// TextRequest is the payload of GetTextContent.
type TextRequest struct {
	PageIndex           int  `json:"pageIndex"`
	NormalizeWhitespace bool `json:"normalizeWhitespace"`
	CombineTextItems    bool `json:"combineTextItems"`
}

// ImageRequest is the payload of RecognizeImage.
type ImageRequest struct {
	PageIndex int    `json:"pageIndex"`
	Name      string `json:"name"`
}

// PageError is the payload of the PageError notification.
type PageError struct {
	PageIndex int          `json:"pageIndex"`
	Error     *WireError   `json:"error"`
	Intent    pages.Intent `json:"intent,omitempty"`
}

// Metadata is the reply to GetMetadata.
type Metadata struct {
	Info     document.Info `json:"info"`
	Metadata *string       `json:"metadata"`
}

// OutlineEntry is one node of the GetOutline reply.
type OutlineEntry struct {
	Title  string         `json:"title"`
	Dest   any            `json:"dest"`
	URL    string         `json:"url,omitempty"`
	Color  [3]uint8       `json:"color"`
	Count  int            `json:"count,omitempty"`
	Bold   bool           `json:"bold"`
	Italic bool           `json:"italic"`
	Items  []OutlineEntry `json:"items"`
}

func outlineEntries(items []pages.OutlineItem) []OutlineEntry {
	if items == nil {
		return nil
	}
	out := make([]OutlineEntry, len(items))
	for i, it := range items {
		out[i] = OutlineEntry{
			Title: it.Title, Dest: contentstream.Value(it.Dest), URL: it.URL, Color: it.Color,
			Count: it.Count, Bold: it.Bold, Italic: it.Italic, Items: outlineEntries(it.Items),
		}
		if out[i].Items == nil {
			out[i].Items = []OutlineEntry{}
		}
	}
	return out
}

func (w *Worker) register() {
	w.handle("GetDocRequest", w.getDocRequest)
	w.handle("GetPage", w.getPage)
	w.handle("GetPageIndex", w.getPageIndex)
	w.handle("GetDestinations", w.catalogAction(func(c *pages.Catalog) (any, error) {
		dests, err := c.Destinations()
		if err != nil {
			return nil, err
		}
		out := make(map[string]any, len(dests))
		for k, v := range dests {
			out[k] = contentstream.Value(v)
		}
		return out, nil
	}))
	w.handle("GetDestination", w.getDestination)
	w.handle("GetOutline", w.catalogAction(func(c *pages.Catalog) (any, error) {
		items, err := c.Outline()
		return outlineEntries(items), err
	}))
	w.handle("GetAttachments", w.catalogAction(func(c *pages.Catalog) (any, error) {
		return c.Attachments()
	}))
	w.handle("GetPermissions", w.catalogAction(func(c *pages.Catalog) (any, error) {
		return c.Permissions(), nil
	}))
	w.handle("GetPageLabels", w.catalogAction(func(c *pages.Catalog) (any, error) {
		return c.PageLabels()
	}))
	w.handle("GetPageMode", w.catalogAction(func(c *pages.Catalog) (any, error) {
		return c.PageMode(), nil
	}))
	w.handle("GetMetadata", w.getMetadata)
	w.handle("GetData", w.getData)
	w.handle("GetStats", w.getStats)
	w.handle("GetAnnotations", w.getAnnotations)
	w.handle("SetPassword", w.setPassword)
	w.handle("RecognizeImage", w.recognizeImage)
	w.handle("Cleanup", w.cleanup)
	w.handle("Terminate", w.terminate)
	w.handleStream("GetOperatorList", w.getOperatorList)
	w.handleStream("GetTextContent", w.getTextContent)
}

// catalogAction runs fn against the catalog of the loaded document,
// loading whatever bytes it needs.
func (w *Worker) catalogAction(fn func(*pages.Catalog) (any, error)) ActionFunc {
	return func(ctx context.Context, _ json.RawMessage) (any, error) {
		doc, err := w.document(ctx)
		if err != nil {
			return nil, err
		}
		cat := doc.Catalog()
		return document.Ensure(ctx, doc, func() (any, error) { return fn(cat) })
	}
}

func (w *Worker) page(ctx context.Context, index int) (*document.Document, *pages.Page, error) {
	doc, err := w.document(ctx)
	if err != nil {
		return nil, nil, err
	}
	page, err := doc.Page(ctx, index)
	if err != nil {
		return nil, nil, err
	}
	return doc, page, nil
}

func (w *Worker) getPage(ctx context.Context, data json.RawMessage) (any, error) {
	req, err := decode[PageRequest](data)
	if err != nil {
		return nil, err
	}
	doc, page, err := w.page(ctx, req.PageIndex)
	if err != nil {
		return nil, err
	}
	return document.Ensure(ctx, doc, func() (PageInfo, error) {
		rotate, err := page.Rotate()
		if err != nil {
			return PageInfo{}, err
		}
		view, err := page.View()
		if err != nil {
			return PageInfo{}, err
		}
		return PageInfo{Rotate: rotate, Ref: wireRef(page.Ref), UserUnit: page.UserUnit(), View: view}, nil
	})
}

func (w *Worker) getPageIndex(ctx context.Context, data json.RawMessage) (any, error) {
	req, err := decode[struct {
		Ref Ref `json:"ref"`
	}](data)
	if err != nil {
		return nil, err
	}
	doc, err := w.document(ctx)
	if err != nil {
		return nil, err
	}
	return doc.GetPageIndex(ctx, core.IndirectRef{Number: req.Ref.Num, Generation: req.Ref.Gen})
}

func (w *Worker) getDestination(ctx context.Context, data json.RawMessage) (any, error) {
	req, err := decode[struct {
		ID string `json:"id"`
	}](data)
	if err != nil {
		return nil, err
	}
	return w.catalogAction(func(c *pages.Catalog) (any, error) {
		dest, err := c.Destination(req.ID)
		if err != nil || dest == nil {
			return nil, err
		}
		return contentstream.Value(dest), nil
	})(ctx, nil)
}

func (w *Worker) getMetadata(ctx context.Context, _ json.RawMessage) (any, error) {
	doc, err := w.document(ctx)
	if err != nil {
		return nil, err
	}
	info, err := doc.Info(ctx)
	if err != nil {
		return nil, err
	}
	xmp, err := doc.Metadata(ctx)
	if err != nil {
		return nil, err
	}
	out := Metadata{Info: info}
	if xmp != "" {
		out.Metadata = &xmp
	}
	return out, nil
}

func (w *Worker) getData(ctx context.Context, _ json.RawMessage) (any, error) {
	doc, err := w.document(ctx)
	if err != nil {
		return nil, err
	}
	return doc.RawBytes(ctx)
}

func (w *Worker) getStats(ctx context.Context, _ json.RawMessage) (any, error) {
	doc, err := w.document(ctx)
	if err != nil {
		return nil, err
	}
	return doc.Stats().Snapshot(), nil
}

func (w *Worker) getAnnotations(ctx context.Context, data json.RawMessage) (any, error) {
	req, err := decode[PageRequest](data)
	if err != nil {
		return nil, err
	}
	doc, page, err := w.page(ctx, req.PageIndex)
	if err != nil {
		return nil, err
	}
	return document.Ensure(ctx, doc, func() ([]*pages.Annotation, error) {
		if req.Intent == "" {
			return page.Annotations()
		}
		return page.AnnotationsFor(req.Intent)
	})
}

// cancelled reports whether err came from a terminated task or from the
// consumer cancelling the stream. Neither is reported to the caller.
func (w *Worker) cancelled(ctx context.Context, task *Task, err error) bool {
	return task.Terminated() || context.Cause(ctx) != nil || errors.Is(err, ErrStreamCancelled)
}

// getOperatorList streams the operator list of a page. A failure that is
// not a termination is also reported as UnsupportedFeature and PageError.
func (w *Worker) getOperatorList(ctx context.Context, data json.RawMessage, sink *Sink) error {
	req, err := decode[PageRequest](data)
	if err != nil {
		return err
	}
	if req.Intent == "" {
		req.Intent = pages.IntentDisplay
	}
	task := w.sched.Start(fmt.Sprintf("GetOperatorList: page %d", req.PageIndex))
	defer w.sched.Finish(task)

	doc, page, err := w.page(ctx, req.PageIndex)
	if err == nil {
		b := contentstream.NewBuilder(doc.Store(), doc.Source(), contentstream.BuilderOptions{
			Intent: req.Intent,
			Stats:  doc.Stats(),
			Logger: w.logger,
		})
		err = b.Build(ctx, page, task.EnsureNotTerminated, func(c contentstream.Chunk) error {
			return sink.Enqueue(ctx, c)
		})
	}
	if err == nil {
		return nil
	}
	if w.cancelled(ctx, task, err) {
		return ErrTerminated
	}
	w.logger.Warn("operator list failed", zap.Int("page", req.PageIndex), zap.Error(err))
	w.send("UnsupportedFeature", map[string]string{"featureId": FeatureUnknown})
	w.send("PageError", PageError{PageIndex: req.PageIndex, Error: ToWire(err), Intent: req.Intent})
	return err
}

func (w *Worker) getTextContent(ctx context.Context, data json.RawMessage, sink *Sink) error {
	req, err := decode[TextRequest](data)
	if err != nil {
		return err
	}
	task := w.sched.Start(fmt.Sprintf("GetTextContent: page %d", req.PageIndex))
	defer w.sched.Finish(task)

	doc, page, err := w.page(ctx, req.PageIndex)
	if err == nil {
		ex := text.NewExtractor(doc.Store(), doc.Source(), text.Options{
			NormalizeWhitespace: req.NormalizeWhitespace,
			CombineTextItems:    req.CombineTextItems,
			Logger:              w.logger,
		})
		err = ex.Extract(ctx, page, task.EnsureNotTerminated, func(c text.Chunk) error {
			return sink.Enqueue(ctx, c)
		})
	}
	if err != nil && w.cancelled(ctx, task, err) {
		return ErrTerminated
	}
	return err
}

func (w *Worker) recognizeImage(ctx context.Context, data json.RawMessage) (any, error) {
	req, err := decode[ImageRequest](data)
	if err != nil {
		return nil, err
	}
	if w.opts.Recognizer == nil {
		return nil, &UnsupportedFeature{FeatureID: "ocr", Err: errors.New("no recognizer configured")}
	}
	task := w.sched.Start(fmt.Sprintf("RecognizeImage: page %d %s", req.PageIndex, req.Name))
	defer w.sched.Finish(task)

	doc, page, err := w.page(ctx, req.PageIndex)
	if err != nil {
		return nil, err
	}
	img, err := document.Ensure(ctx, doc, func() (*pages.PageImage, error) { return page.Image(req.Name) })
	if err != nil {
		return nil, err
	}
	file, err := img.Bytes()
	if err != nil {
		return nil, err
	}
	if err := task.EnsureNotTerminated(); err != nil {
		return nil, err
	}
	txt, err := w.opts.Recognizer.Recognize(ctx, file)
	if err != nil {
		return nil, err
	}
	if err := task.EnsureNotTerminated(); err != nil {
		return nil, err
	}
	return map[string]string{"text": txt}, nil
}
