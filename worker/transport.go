package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/tsawler/pagestream/source"
)

// Actions the worker sends to read a network document through the caller.
const (
	ActionGetReader          = "GetReader"
	ActionGetRangeReader     = "GetRangeReader"
	ActionReaderHeadersReady = "ReaderHeadersReady"
)

// ReaderHeaders is the reply to ReaderHeadersReady.
type ReaderHeaders struct {
	IsStreamingSupported bool   `json:"isStreamingSupported"`
	IsRangeSupported     bool   `json:"isRangeSupported"`
	ContentLength        int64  `json:"contentLength"`
	Filename             string `json:"filename,omitempty"`
}

// RangeRequest is the payload of GetRangeReader.
type RangeRequest struct {
	Begin int64 `json:"begin"`
	End   int64 `json:"end"`
}

// RemoteTransport reads a document that only the caller can reach. The
// full read and every range read are streams the caller serves.
type RemoteTransport struct {
	h   *MessageHandler
	hwm int

	mu      sync.Mutex
	streams map[*Stream]struct{}
	err     error
}

var _ source.Transport = (*RemoteTransport)(nil)

// NewRemoteTransport sends its requests over h.
func NewRemoteTransport(h *MessageHandler, highWaterMark int) *RemoteTransport {
	return &RemoteTransport{h: h, hwm: highWaterMark, streams: make(map[*Stream]struct{})}
}

func (t *RemoteTransport) track(s *Stream) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.err != nil {
		s.Cancel(t.err)
		return t.err
	}
	t.streams[s] = struct{}{}
	return nil
}

func (t *RemoteTransport) untrack(s *Stream) {
	t.mu.Lock()
	delete(t.streams, s)
	t.mu.Unlock()
}

// Open starts the full read and asks the caller for the response headers.
func (t *RemoteTransport) Open(ctx context.Context) (source.FullReader, error) {
	s, err := t.h.SendWithStream(ctx, ActionGetReader, nil, t.hwm)
	if err != nil {
		return nil, err
	}
	if err := t.track(s); err != nil {
		return nil, err
	}
	r := &remoteReader{t: t, s: s, ready: make(chan struct{})}
	go func() {
		defer close(r.ready)
		raw, err := t.h.SendWithPromise(ctx, ActionReaderHeadersReady, nil)
		if err != nil {
			r.err = err
			return
		}
		var h ReaderHeaders
		if err := json.Unmarshal(raw, &h); err != nil {
			r.err = fmt.Errorf("decode reader headers: %w", err)
			return
		}
		r.headers = source.Headers{
			ContentLength:      h.ContentLength,
			RangesSupported:    h.IsRangeSupported,
			StreamingSupported: h.IsStreamingSupported,
			Filename:           h.Filename,
		}
	}()
	return r, nil
}

// ReadRange reads [begin, end) through a GetRangeReader stream.
func (t *RemoteTransport) ReadRange(ctx context.Context, begin, end int64) ([]byte, error) {
	s, err := t.h.SendWithStream(ctx, ActionGetRangeReader, RangeRequest{Begin: begin, End: end}, t.hwm)
	if err != nil {
		return nil, err
	}
	if err := t.track(s); err != nil {
		return nil, err
	}
	defer t.untrack(s)

	var buf bytes.Buffer
	for {
		raw, done, err := s.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				s.Cancel(context.Cause(ctx))
			}
			return nil, err
		}
		if done {
			return buf.Bytes(), nil
		}
		var chunk []byte
		if err := json.Unmarshal(raw, &chunk); err != nil {
			s.Cancel(err)
			return nil, fmt.Errorf("decode range chunk: %w", err)
		}
		buf.Write(chunk)
	}
}

// CancelAll cancels every open stream and fails later requests.
func (t *RemoteTransport) CancelAll(reason error) {
	if reason == nil {
		reason = source.ErrCancelled
	}
	t.mu.Lock()
	if t.err == nil {
		t.err = reason
	}
	streams := make([]*Stream, 0, len(t.streams))
	for s := range t.streams {
		streams = append(streams, s)
	}
	clear(t.streams)
	t.mu.Unlock()
	for _, s := range streams {
		s.Cancel(reason)
	}
}

type remoteReader struct {
	t       *RemoteTransport
	s       *Stream
	ready   chan struct{}
	headers source.Headers
	err     error
}

func (r *remoteReader) Headers(ctx context.Context) (source.Headers, error) {
	select {
	case <-r.ready:
		return r.headers, r.err
	case <-ctx.Done():
		return source.Headers{}, context.Cause(ctx)
	}
}

func (r *remoteReader) Read(ctx context.Context) ([]byte, bool, error) {
	raw, done, err := r.s.Read(ctx)
	if err != nil || done {
		r.t.untrack(r.s)
		return nil, done, err
	}
	var chunk []byte
	if err := json.Unmarshal(raw, &chunk); err != nil {
		return nil, false, fmt.Errorf("decode reader chunk: %w", err)
	}
	return chunk, false, nil
}

func (r *remoteReader) Cancel(reason error) {
	r.t.untrack(r.s)
	r.s.Cancel(reason)
}
