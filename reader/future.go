package reader

import (
	"context"

	"github.com/tsawler/pagestream/core"
)

// Future is the pending result of FetchAsync.
type Future struct {
	done chan struct{}
	obj  core.Object
	err  error
}

// FetchAsync resolves ref in the background, loading missing ranges as
// they are reported.
func (s *Store) FetchAsync(ctx context.Context, ref core.IndirectRef) *Future {
	f := &Future{done: make(chan struct{})}
	go func() {
		defer close(f.done)
		f.obj, f.err = s.FetchContext(ctx, ref)
	}()
	return f
}

// Done is closed once the result is available.
func (f *Future) Done() <-chan struct{} { return f.done }

// Wait blocks until the result is available or ctx ends.
func (f *Future) Wait(ctx context.Context) (core.Object, error) {
	select {
	case <-f.done:
		return f.obj, f.err
	case <-ctx.Done():
		return nil, context.Cause(ctx)
	}
}
