package api

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/tsawler/pagestream/pages"
	"github.com/tsawler/pagestream/text"
	"github.com/tsawler/pagestream/worker"
)

// Page is a page of a Document.
type Page struct {
	doc   *Document
	index int
	info  worker.PageInfo
}

// Page fetches page index (zero based).
func (d *Document) Page(ctx context.Context, index int) (*Page, error) {
	if index < 0 || index >= d.info.NumPages {
		return nil, fmt.Errorf("api: page index %d out of range [0, %d)", index, d.info.NumPages)
	}
	p := &Page{doc: d, index: index}
	if err := d.call(ctx, "GetPage", worker.PageRequest{PageIndex: index}, &p.info); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Page) Index() int        { return p.index }
func (p *Page) Ref() worker.Ref   { return p.info.Ref }
func (p *Page) Rotate() int       { return p.info.Rotate }
func (p *Page) View() pages.Rect  { return p.info.View }
func (p *Page) UserUnit() float64 { return p.info.UserUnit }

// Annotations returns the annotations shown for intent. An empty intent
// returns all of them.
func (p *Page) Annotations(ctx context.Context, intent pages.Intent) ([]pages.Annotation, error) {
	var out []pages.Annotation
	err := p.doc.call(ctx, "GetAnnotations", worker.PageRequest{PageIndex: p.index, Intent: intent}, &out)
	return out, err
}

// Operation is one entry of an operator list as it arrives from the
// worker. Byte strings among Args arrive base64 encoded.
type Operation struct {
	Fn    string `json:"fn"`
	Args  []any  `json:"args"`
	Image *struct {
		Dict map[string]any `json:"dict"`
		Data []byte         `json:"data"`
	} `json:"image,omitempty"`
}

// OperatorList is the content of a page as a flat list of operations.
type OperatorList struct {
	Operations []Operation
	// Chunks counts the batches the worker flushed.
	Chunks int
}

type opChunk struct {
	Operations []Operation `json:"operations"`
	Length     int         `json:"length"`
	LastChunk  bool        `json:"lastChunk"`
}

// OperatorList streams the operator list for intent and collects it.
func (p *Page) OperatorList(ctx context.Context, intent pages.Intent) (*OperatorList, error) {
	out := &OperatorList{}
	err := p.doc.stream(ctx, "GetOperatorList", worker.PageRequest{PageIndex: p.index, Intent: intent}, func(raw json.RawMessage) error {
		var c opChunk
		if err := json.Unmarshal(raw, &c); err != nil {
			return err
		}
		out.Operations = append(out.Operations, c.Operations...)
		out.Chunks++
		if c.LastChunk && c.Length != len(out.Operations) {
			return fmt.Errorf("api: operator list has %d operations, worker reported %d", len(out.Operations), c.Length)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// TextOptions selects the text extraction behavior.
type TextOptions struct {
	NormalizeWhitespace bool
	CombineTextItems    bool
}

// TextContent is the text of a page.
type TextContent struct {
	Items  []text.Item
	Styles map[string]text.Style
}

// TextContent streams the text items of the page and collects them.
func (p *Page) TextContent(ctx context.Context, opts TextOptions) (*TextContent, error) {
	out := &TextContent{Styles: make(map[string]text.Style)}
	req := worker.TextRequest{
		PageIndex:           p.index,
		NormalizeWhitespace: opts.NormalizeWhitespace,
		CombineTextItems:    opts.CombineTextItems,
	}
	err := p.doc.stream(ctx, "GetTextContent", req, func(raw json.RawMessage) error {
		var c text.Chunk
		if err := json.Unmarshal(raw, &c); err != nil {
			return err
		}
		out.Items = append(out.Items, c.Items...)
		for k, v := range c.Styles {
			out.Styles[k] = v
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// RecognizeImage runs OCR over the image XObject name of the page.
func (p *Page) RecognizeImage(ctx context.Context, name string) (string, error) {
	var out struct {
		Text string `json:"text"`
	}
	err := p.doc.call(ctx, "RecognizeImage", worker.ImageRequest{PageIndex: p.index, Name: name}, &out)
	return out.Text, err
}

// stream reads a worker stream to the end, handing each chunk to fn. A
// failing fn cancels the stream.
func (d *Document) stream(ctx context.Context, action string, data any, fn func(json.RawMessage) error) error {
	s, err := d.h.SendWithStream(ctx, action, data, d.opts.HighWaterMark)
	if err != nil {
		return err
	}
	for {
		raw, done, err := s.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				s.Cancel(ctx.Err())
			}
			return err
		}
		if done {
			return nil
		}
		if err := fn(raw); err != nil {
			s.Cancel(err)
			return fmt.Errorf("api: %s: %w", action, err)
		}
	}
}
