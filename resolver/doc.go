// Package resolver preloads the byte ranges behind a PDF object graph.
//
// Objects are fetched without blocking: bytes that have not arrived from a
// network source surface as *core.MissingDataError. Before running a task
// that walks a page's resources synchronously, the worker hands the roots
// of that walk to a Loader, which fetches as much of the graph as it can,
// loads every missing range it discovered in one concurrent batch and
// repeats until the whole graph resolves.
//
// # Basic Usage
//
//	l := resolver.NewLoader(store, src)
//	err := l.Load(ctx, pageDict["Resources"], pageDict["Contents"])
//
// A source that reports itself complete short-circuits the walk. Any fetch
// failure other than missing data makes the loader fall back to loading
// the entire file; the caller then sees the real error on its own fetch.
package resolver
