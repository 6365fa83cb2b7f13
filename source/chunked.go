package source

import (
	"context"
	"errors"
	"io"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/tsawler/pagestream/core"
	"github.com/tsawler/pagestream/internal/metrics"
)

// DefaultChunkSize is the range request granularity.
const DefaultChunkSize = 65536

// ChunkedOptions configures a ChunkedSource.
type ChunkedOptions struct {
	ChunkSize int64
	// AutoFetch keeps requesting the next missing chunk after every
	// delivery until the whole file is loaded.
	AutoFetch  bool
	OnProgress func(loaded, total int64)
	Logger     *zap.Logger
	Metrics    *metrics.Collectors
}

// ChunkedSource is a document of known length filled chunk by chunk, in
// any order, either by range requests it issues through a RangeFetcher or
// by data pushed with OnReceiveData and OnReceiveProgressiveData.
type ChunkedSource struct {
	length    int64
	chunkSize int64
	numChunks int
	fetcher   RangeFetcher
	opts      ChunkedOptions
	logger    *zap.Logger

	ctx    context.Context
	cancel context.CancelCauseFunc

	mu          sync.Mutex
	data        []byte
	loaded      []uint64
	numLoaded   int
	progressive int64
	requested   map[int]bool
	waiters     map[*waiter]struct{}
	err         error
	done        chan struct{}
	doneOnce    sync.Once
}

type waiter struct {
	first, last int // chunk indices [first, last)
	ch          chan error
}

// NewChunkedSource creates an empty source of the given length. fetcher may
// be nil when all data is pushed by the caller.
func NewChunkedSource(length int64, fetcher RangeFetcher, opts ChunkedOptions) *ChunkedSource {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	n := int((length + opts.ChunkSize - 1) / opts.ChunkSize)
	ctx, cancel := context.WithCancelCause(context.Background())
	s := &ChunkedSource{
		length:    length,
		chunkSize: opts.ChunkSize,
		numChunks: n,
		fetcher:   fetcher,
		opts:      opts,
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
		data:      make([]byte, length),
		loaded:    make([]uint64, (n+63)/64),
		requested: make(map[int]bool),
		waiters:   make(map[*waiter]struct{}),
		done:      make(chan struct{}),
	}
	if n == 0 {
		s.doneOnce.Do(func() { close(s.done) })
	}
	return s
}

func (s *ChunkedSource) has(i int) bool { return s.loaded[i/64]&(1<<(uint(i)%64)) != 0 }

func (s *ChunkedSource) mark(i int) {
	if !s.has(i) {
		s.loaded[i/64] |= 1 << (uint(i) % 64)
		s.numLoaded++
	}
	delete(s.requested, i)
}

func (s *ChunkedSource) Length() int64 { return s.length }

func (s *ChunkedSource) SupportsRandomAccess() bool { return s.fetcher != nil }

// ChunkSize returns the chunk granularity.
func (s *ChunkedSource) ChunkSize() int64 { return s.chunkSize }

// NumChunks returns the total chunk count.
func (s *ChunkedSource) NumChunks() int { return s.numChunks }

// LoadedChunks returns how many chunks are present.
func (s *ChunkedSource) LoadedChunks() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.numLoaded
}

// Complete reports whether every chunk is present.
func (s *ChunkedSource) Complete() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.numLoaded == s.numChunks
}

// Done is closed once every chunk is present.
func (s *ChunkedSource) Done() <-chan struct{} { return s.done }

// Bytes returns the file contents once complete.
func (s *ChunkedSource) Bytes() ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.numLoaded != s.numChunks {
		return nil, false
	}
	return s.data, true
}

// ReadAt copies the loaded prefix of [off, off+len(p)) and reports the
// first unloaded byte onward as a *core.MissingDataError.
func (s *ChunkedSource) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, errors.New("source: negative offset")
	}
	if off >= s.length {
		return 0, io.EOF
	}
	end := off + int64(len(p))
	eof := false
	if end > s.length {
		end, eof = s.length, true
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	avail := off
	for avail < end {
		i := int(avail / s.chunkSize)
		if !s.has(i) {
			break
		}
		avail = int64(i+1) * s.chunkSize
	}
	if avail > end {
		avail = end
	}
	n := copy(p, s.data[off:avail])
	if avail < end {
		return n, &core.MissingDataError{Begin: avail, End: end}
	}
	if eof {
		return n, io.EOF
	}
	return n, nil
}

// EnsureRange blocks until every chunk overlapping [begin, end) is loaded.
// Missing chunks that are not already in flight are requested, grouped into
// contiguous runs.
func (s *ChunkedSource) EnsureRange(ctx context.Context, begin, end int64) error {
	if begin < 0 {
		begin = 0
	}
	if end > s.length {
		end = s.length
	}
	if begin >= end {
		return nil
	}

	s.mu.Lock()
	if s.err != nil {
		err := s.err
		s.mu.Unlock()
		return err
	}
	w := &waiter{first: int(begin / s.chunkSize), last: int((end-1)/s.chunkSize) + 1, ch: make(chan error, 1)}
	if s.satisfied(w) {
		s.mu.Unlock()
		return nil
	}
	s.waiters[w] = struct{}{}
	claimed := s.claim(w.first, w.last)
	s.mu.Unlock()

	s.fetch(claimed)

	select {
	case err := <-w.ch:
		return err
	case <-ctx.Done():
		s.mu.Lock()
		delete(s.waiters, w)
		s.mu.Unlock()
		return context.Cause(ctx)
	}
}

func (s *ChunkedSource) satisfied(w *waiter) bool {
	for i := w.first; i < w.last; i++ {
		if !s.has(i) {
			return false
		}
	}
	return true
}

// claim marks the missing, unrequested chunks of [first, last) as in
// flight and returns them. It must be called with mu held.
func (s *ChunkedSource) claim(first, last int) []int {
	if s.fetcher == nil {
		return nil
	}
	var out []int
	for i := first; i < last; i++ {
		if !s.has(i) && !s.requested[i] {
			s.requested[i] = true
			out = append(out, i)
		}
	}
	return out
}

type chunkRun struct{ first, last int }

func groupRuns(chunks []int) []chunkRun {
	var runs []chunkRun
	for _, c := range chunks {
		if n := len(runs); n > 0 && runs[n-1].last == c {
			runs[n-1].last++
			continue
		}
		runs = append(runs, chunkRun{first: c, last: c + 1})
	}
	return runs
}

func (s *ChunkedSource) fetch(chunks []int) {
	if len(chunks) == 0 {
		return
	}
	runs := groupRuns(chunks)
	go func() {
		g, gctx := errgroup.WithContext(s.ctx)
		for _, r := range runs {
			r := r
			g.Go(func() error {
				begin := int64(r.first) * s.chunkSize
				end := int64(r.last) * s.chunkSize
				if end > s.length {
					end = s.length
				}
				s.opts.Metrics.RangeRequested()
				data, err := s.fetcher.ReadRange(gctx, begin, end)
				if err != nil {
					return err
				}
				s.OnReceiveData(begin, data)
				if int64(len(data)) < end-begin {
					return io.ErrUnexpectedEOF
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			s.fetchFailed(runs, err)
		}
	}()
}

func (s *ChunkedSource) fetchFailed(runs []chunkRun, err error) {
	s.mu.Lock()
	if s.err != nil {
		err = s.err
	}
	failed := make(map[int]bool)
	for _, r := range runs {
		for i := r.first; i < r.last; i++ {
			if !s.has(i) {
				delete(s.requested, i)
				failed[i] = true
			}
		}
	}
	var ws []*waiter
	for w := range s.waiters {
		for i := w.first; i < w.last; i++ {
			if failed[i] {
				ws = append(ws, w)
				delete(s.waiters, w)
				break
			}
		}
	}
	s.mu.Unlock()

	s.logger.Warn("range request failed", zap.Int("runs", len(runs)), zap.Error(err))
	for _, w := range ws {
		w.ch <- err
	}
}

// OnReceiveData stores data at begin. Chunks it covers completely, or up to
// the end of the file, become loaded.
func (s *ChunkedSource) OnReceiveData(begin int64, data []byte) {
	if begin < 0 || begin >= s.length {
		return
	}
	end := begin + int64(len(data))
	if end > s.length {
		end = s.length
	}
	s.mu.Lock()
	copy(s.data[begin:end], data)
	first := int((begin + s.chunkSize - 1) / s.chunkSize)
	last := int(end / s.chunkSize)
	if end == s.length {
		last = s.numChunks
	}
	for i := first; i < last; i++ {
		s.mark(i)
	}
	s.delivered(last, int(end-begin))
}

// OnReceiveProgressiveData appends data delivered by a full-file stream.
func (s *ChunkedSource) OnReceiveProgressiveData(data []byte) {
	s.mu.Lock()
	begin := s.progressive
	end := begin + int64(len(data))
	if end > s.length {
		end = s.length
	}
	copy(s.data[begin:end], data)
	s.progressive = end
	first := int(begin / s.chunkSize)
	last := int(end / s.chunkSize)
	if end == s.length {
		last = s.numChunks
	}
	for i := first; i < last; i++ {
		s.mark(i)
	}
	s.delivered(last, int(end-begin))
}

// delivered wakes satisfied waiters, reports progress and schedules the
// next auto-fetch. It is called with mu held and releases it.
func (s *ChunkedSource) delivered(next int, n int) {
	var ready []*waiter
	for w := range s.waiters {
		if s.satisfied(w) {
			ready = append(ready, w)
			delete(s.waiters, w)
		}
	}
	loaded := int64(s.numLoaded) * s.chunkSize
	if s.progressive > loaded {
		loaded = s.progressive
	}
	if loaded > s.length {
		loaded = s.length
	}
	complete := s.numLoaded == s.numChunks
	var claimed []int
	if s.opts.AutoFetch && !complete && s.err == nil {
		if c, ok := s.nextEmptyChunk(next); ok {
			claimed = s.claim(c, c+1)
		}
	}
	s.mu.Unlock()

	s.opts.Metrics.Loaded(n)
	for _, w := range ready {
		w.ch <- nil
	}
	if s.opts.OnProgress != nil {
		s.opts.OnProgress(loaded, s.length)
	}
	if complete {
		s.doneOnce.Do(func() { close(s.done) })
	}
	s.fetch(claimed)
}

// nextEmptyChunk finds the first chunk at or after from, wrapping around,
// that is neither loaded nor requested.
func (s *ChunkedSource) nextEmptyChunk(from int) (int, bool) {
	for k := 0; k < s.numChunks; k++ {
		i := (from + k) % s.numChunks
		if !s.has(i) && !s.requested[i] {
			return i, true
		}
	}
	return 0, false
}

// CancelAll stops in-flight requests and fails every waiter with reason.
// Calls after the first are no-ops.
func (s *ChunkedSource) CancelAll(reason error) {
	if reason == nil {
		reason = ErrCancelled
	}
	s.mu.Lock()
	if s.err != nil {
		s.mu.Unlock()
		return
	}
	s.err = reason
	ws := make([]*waiter, 0, len(s.waiters))
	for w := range s.waiters {
		ws = append(ws, w)
	}
	clear(s.waiters)
	s.mu.Unlock()

	s.cancel(reason)
	for _, w := range ws {
		w.ch <- reason
	}
}
