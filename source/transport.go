package source

import (
	"context"
	"errors"
	"fmt"
)

// Headers describes a document stream once the transport has seen the
// response headers.
type Headers struct {
	ContentLength      int64
	RangesSupported    bool
	StreamingSupported bool
	Filename           string
}

// FullReader streams the whole document from the beginning.
type FullReader interface {
	// Headers blocks until the response headers are known.
	Headers(ctx context.Context) (Headers, error)
	// Read returns the next chunk. done is true once the stream is drained.
	Read(ctx context.Context) (chunk []byte, done bool, err error)
	Cancel(reason error)
}

// RangeFetcher fetches [begin, end).
type RangeFetcher interface {
	ReadRange(ctx context.Context, begin, end int64) ([]byte, error)
}

// Transport is the network collaborator behind a chunked source.
type Transport interface {
	RangeFetcher
	Open(ctx context.Context) (FullReader, error)
	CancelAll(reason error)
}

// ErrCancelled is the reason used when CancelAll is called without one.
var ErrCancelled = errors.New("source: loading cancelled")

// MissingPDFError reports that the document does not exist at the source.
type MissingPDFError struct {
	URL string
}

func (e *MissingPDFError) Error() string {
	return fmt.Sprintf("missing PDF %q", e.URL)
}

// UnexpectedResponseError reports a transport response that is neither the
// document nor a clean "not found".
type UnexpectedResponseError struct {
	URL    string
	Status int
}

func (e *UnexpectedResponseError) Error() string {
	return fmt.Sprintf("unexpected server response (%d) while retrieving PDF %q", e.Status, e.URL)
}
