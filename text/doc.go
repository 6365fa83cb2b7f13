// Package text extracts the text content of PDF pages.
//
// An [Extractor] walks a page's content stream, descending into form
// XObjects, and tracks the text state needed to place each run of text:
// the current transformation matrix, the text and line matrices, font,
// size, spacing, horizontal scaling and rise.
//
//	e := text.NewExtractor(store, src, text.Options{CombineTextItems: true})
//	err := e.Extract(ctx, page, task.EnsureNotTerminated, func(c text.Chunk) error {
//	    return sink.Enqueue(c)
//	})
//
// Each [Item] carries its string, direction, size and transform along with
// the loaded name of its font; the font's [Style] is sent in the first
// chunk that uses it.
//
// # Fonts
//
// Fonts are read only as far as text needs: ToUnicode CMaps, simple font
// encodings with /Differences, /Widths and the CID font W array. Font
// programs are never parsed. A font that fails to load is replaced by a
// fallback and extraction continues.
//
// # Direction
//
// [DetectDirection] classifies runs as LTR, RTL or TTB (vertical fonts).
// RTL runs are reversed from the visual order in which content streams
// draw them.
package text
