// Package pages navigates the document catalog and models individual pages.
//
// Everything here reads objects through an [ObjectFetcher] that never
// blocks: bytes a network source has not delivered yet come back as
// *core.MissingDataError, and every method returns that error unchanged so
// the document layer can load the range and call again. Values computed
// before the failure are kept; nothing half-built is memoized.
//
// # Page Tree
//
// [Catalog] counts pages by summing the leaves under /Pages and caches the
// count of every intermediate node, so looking up page i descends one path
// of the tree instead of walking all of it:
//
//	cat := pages.NewCatalog(root, store, logger)
//	n, _ := cat.NumPages()
//	dict, ref, _ := cat.GetPageDict(3)
//	idx, _ := cat.GetPageIndex(ref) // 3
//
// A node that is its own ancestor is a *core.FormatError.
//
// # Pages
//
// [Page] resolves inheritable attributes by walking /Parent links, at most
// 100 levels. Invalid boxes fall back to US Letter (media box) or the media
// box (crop box); rotation is normalized to a multiple of 90 in [0, 360).
// Resources defined at several levels are merged key by key, nearest first.
//
// # Annotations
//
// [Page.Annotations] parses /Annots once per page, skipping entries that
// fail. [Annotation.Viewable] and [Annotation.Printable] decide whether an
// annotation is included for the display and print intents; a hidden popup
// borrows the flags of a visible parent.
//
// # Document Navigation
//
// The catalog also reads named destinations (name tree and legacy /Dests),
// the outline, embedded files, XMP metadata, page labels and page mode.
package pages
