package resolver

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/tsawler/pagestream/core"
	"github.com/tsawler/pagestream/source"
)

// ObjectFetcher is the non-blocking part of the object store the loader
// needs: Fetch reports unloaded bytes as *core.MissingDataError.
type ObjectFetcher interface {
	Fetch(ref core.IndirectRef) (core.Object, error)
}

// Loader walks the object graph below a set of roots and makes sure every
// byte range the graph touches is loaded, so later synchronous fetches of
// those objects never report missing data.
type Loader struct {
	fetcher  ObjectFetcher
	src      source.ByteSource
	logger   *zap.Logger
	maxDepth int
	parallel int
}

// Option configures the loader
type Option func(*Loader)

// WithMaxDepth bounds the nesting of direct containers (default: 100)
func WithMaxDepth(depth int) Option {
	return func(l *Loader) {
		l.maxDepth = depth
	}
}

// WithParallelRequests bounds concurrent range loads per pass (default: 4)
func WithParallelRequests(n int) Option {
	return func(l *Loader) {
		if n > 0 {
			l.parallel = n
		}
	}
}

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) Option {
	return func(l *Loader) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// NewLoader creates a loader fetching through f and loading ranges of src.
func NewLoader(f ObjectFetcher, src source.ByteSource, opts ...Option) *Loader {
	l := &Loader{
		fetcher:  f,
		src:      src,
		logger:   zap.NewNop(),
		maxDepth: 100,
		parallel: 4,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

type completer interface {
	Complete() bool
}

type pendingRange struct {
	begin, end int64
}

type node struct {
	obj   core.Object
	depth int
}

// Load resolves every reference reachable from roots. Each pass fetches
// what it can, collects the ranges reported missing, loads them
// concurrently and revisits the nodes that were short of data. A fetch
// failing for any other reason makes the loader request the whole file.
func (l *Loader) Load(ctx context.Context, roots ...core.Object) error {
	if c, ok := l.src.(completer); ok && c.Complete() {
		return nil
	}

	visited := make(map[core.IndirectRef]bool)
	nodes := make([]node, 0, len(roots))
	for _, r := range roots {
		nodes = append(nodes, node{obj: r})
	}

	for len(nodes) > 0 {
		if ctx.Err() != nil {
			return context.Cause(ctx)
		}
		var revisit []node
		var missing []pendingRange

		for len(nodes) > 0 {
			n := nodes[len(nodes)-1]
			nodes = nodes[:len(nodes)-1]

			obj := n.obj
			if ref, ok := obj.(core.IndirectRef); ok {
				if visited[ref] {
					continue
				}
				v, err := l.fetcher.Fetch(ref)
				if err != nil {
					if mde, ok := core.MissingRange(err); ok {
						revisit = append(revisit, n)
						missing = append(missing, pendingRange{mde.Begin, mde.End})
						continue
					}
					l.logger.Warn("requesting all data", zap.Stringer("ref", ref), zap.Error(err))
					return l.src.EnsureRange(ctx, 0, l.src.Length())
				}
				visited[ref] = true
				obj = v
			}
			if n.depth >= l.maxDepth {
				return fmt.Errorf("maximum depth (%d) exceeded", l.maxDepth)
			}
			nodes = appendChildren(nodes, obj, n.depth+1)
		}

		if len(missing) == 0 {
			break
		}
		if err := l.ensure(ctx, missing); err != nil {
			return err
		}
		nodes = revisit
	}
	return nil
}

func appendChildren(nodes []node, obj core.Object, depth int) []node {
	switch v := obj.(type) {
	case core.Array:
		for _, e := range v {
			if isContainer(e) {
				nodes = append(nodes, node{obj: e, depth: depth})
			}
		}
	case core.Dict:
		for _, e := range v {
			if isContainer(e) {
				nodes = append(nodes, node{obj: e, depth: depth})
			}
		}
	case *core.Stream:
		nodes = appendChildren(nodes, v.Dict, depth)
	}
	return nodes
}

func isContainer(obj core.Object) bool {
	switch obj.(type) {
	case core.IndirectRef, core.Array, core.Dict, *core.Stream:
		return true
	}
	return false
}

func (l *Loader) ensure(ctx context.Context, ranges []pendingRange) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(l.parallel)
	for _, r := range ranges {
		r := r
		g.Go(func() error {
			return l.src.EnsureRange(gctx, r.begin, r.end)
		})
	}
	return g.Wait()
}
