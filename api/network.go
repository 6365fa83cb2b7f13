package api

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/tsawler/pagestream/source"
	"github.com/tsawler/pagestream/worker"
)

// readerServer answers the worker's network reads from a transport on
// the caller's side of the channel.
type readerServer struct {
	t      source.Transport
	logger *zap.Logger

	once   sync.Once
	opened chan struct{}
	full   source.FullReader
	err    error
}

func serveTransport(h *worker.MessageHandler, t source.Transport, logger *zap.Logger) {
	s := &readerServer{t: t, logger: logger, opened: make(chan struct{})}
	h.OnStream(worker.ActionGetReader, s.getReader)
	h.On(worker.ActionReaderHeadersReady, s.headersReady)
	h.OnStream(worker.ActionGetRangeReader, s.getRangeReader)
	go func() {
		<-h.Done()
		t.CancelAll(h.Err())
	}()
}

func (s *readerServer) open(ctx context.Context) (source.FullReader, error) {
	s.once.Do(func() {
		s.full, s.err = s.t.Open(ctx)
		close(s.opened)
	})
	return s.full, s.err
}

func (s *readerServer) getReader(ctx context.Context, _ json.RawMessage, sink *worker.Sink) error {
	full, err := s.open(ctx)
	if err != nil {
		return err
	}
	for {
		chunk, done, err := full.Read(ctx)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		if err := sink.Enqueue(ctx, chunk); err != nil {
			full.Cancel(err)
			if errors.Is(err, worker.ErrStreamCancelled) {
				s.logger.Debug("full reader cancelled by the worker")
			}
			return err
		}
	}
}

// headersReady waits for the full read to start and reports what the
// transport learned from the response.
func (s *readerServer) headersReady(ctx context.Context, _ json.RawMessage) (any, error) {
	select {
	case <-s.opened:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if s.err != nil {
		return nil, s.err
	}
	h, err := s.full.Headers(ctx)
	if err != nil {
		return nil, err
	}
	return worker.ReaderHeaders{
		IsStreamingSupported: h.StreamingSupported,
		IsRangeSupported:     h.RangesSupported,
		ContentLength:        h.ContentLength,
		Filename:             h.Filename,
	}, nil
}

func (s *readerServer) getRangeReader(ctx context.Context, data json.RawMessage, sink *worker.Sink) error {
	var req worker.RangeRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return err
	}
	chunk, err := s.t.ReadRange(ctx, req.Begin, req.End)
	if err != nil {
		return err
	}
	return sink.Enqueue(ctx, chunk)
}
