// Package source provides the byte sources the parser reads from: an
// in-memory file and a chunked source filled by a network transport, with
// bytes arriving in any order.
package source

import (
	"context"
	"errors"
	"io"

	"github.com/tsawler/pagestream/core"
)

// ByteSource is random-access storage for one document. ReadAt returns a
// *core.MissingDataError for bytes that are not loaded; EnsureRange blocks
// until [begin, end) is loaded, the context ends, or the source is
// cancelled.
type ByteSource interface {
	io.ReaderAt
	Length() int64
	SupportsRandomAccess() bool
	EnsureRange(ctx context.Context, begin, end int64) error
}

// Read returns exactly length bytes at offset, waiting for missing ranges.
// It never returns partial data: either the full slice or an error.
func Read(ctx context.Context, src ByteSource, offset, length int64) ([]byte, error) {
	if offset < 0 || length < 0 {
		return nil, errors.New("source: negative range")
	}
	if end := offset + length; end > src.Length() {
		length = src.Length() - offset
		if length < 0 {
			return nil, io.EOF
		}
	}
	buf := make([]byte, length)
	for {
		_, err := src.ReadAt(buf, offset)
		if err == nil || (err == io.EOF && offset+length == src.Length()) {
			return buf, nil
		}
		mde, ok := core.MissingRange(err)
		if !ok {
			return nil, err
		}
		if err := src.EnsureRange(ctx, mde.Begin, mde.End); err != nil {
			return nil, err
		}
	}
}

// MemorySource is a fully loaded document.
type MemorySource struct {
	data []byte
}

// NewMemorySource wraps data without copying it.
func NewMemorySource(data []byte) *MemorySource {
	return &MemorySource{data: data}
}

func (m *MemorySource) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, errors.New("source: negative offset")
	}
	if off >= int64(len(m.data)) {
		return 0, io.EOF
	}
	n := copy(p, m.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (m *MemorySource) Length() int64 { return int64(len(m.data)) }

func (m *MemorySource) SupportsRandomAccess() bool { return true }

// EnsureRange returns immediately; every byte is present.
func (m *MemorySource) EnsureRange(ctx context.Context, begin, end int64) error { return nil }

// Bytes returns the underlying data.
func (m *MemorySource) Bytes() []byte { return m.data }

// Ensure runs fn until it stops failing with missing data, loading each
// reported range between attempts. A range reported twice in a row after a
// successful load is returned as is, since loading cannot make progress.
func Ensure[T any](ctx context.Context, src ByteSource, fn func() (T, error)) (T, error) {
	var last core.MissingDataError
	for {
		v, err := fn()
		mde, ok := core.MissingRange(err)
		if !ok {
			return v, err
		}
		if *mde == last {
			return v, err
		}
		last = *mde
		if err := src.EnsureRange(ctx, mde.Begin, mde.End); err != nil {
			var zero T
			return zero, err
		}
	}
}
