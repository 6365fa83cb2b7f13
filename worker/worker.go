package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/tsawler/pagestream/core"
	"github.com/tsawler/pagestream/document"
	"github.com/tsawler/pagestream/internal/metrics"
	"github.com/tsawler/pagestream/source"
)

// DefaultTerminateTimeout bounds the wait for tasks during Terminate.
const DefaultTerminateTimeout = 5 * time.Second

// Recognizer turns an image file into text.
type Recognizer interface {
	Recognize(ctx context.Context, image []byte) (string, error)
}

// Options configures a Worker.
type Options struct {
	Logger  *zap.Logger
	Metrics *metrics.Collectors
	// Tracer defaults to the global provider's tracer.
	Tracer           trace.Tracer
	TerminateTimeout time.Duration
	// Recognizer serves RecognizeImage. Without one the action fails with
	// an UnsupportedFeature.
	Recognizer    Recognizer
	HighWaterMark int
}

// DocRequest is the payload of GetDocRequest. Without Data the document
// is read from the caller through GetReader and GetRangeReader.
type DocRequest struct {
	Data             []byte `json:"data,omitempty"`
	Length           int64  `json:"length,omitempty"`
	RangeChunkSize   int64  `json:"rangeChunkSize,omitempty"`
	DisableAutoFetch bool   `json:"disableAutoFetch,omitempty"`
	DisableStream    bool   `json:"disableStream,omitempty"`
	DisableRange     bool   `json:"disableRange,omitempty"`
	Password         string `json:"password,omitempty"`
}

// DocInfo announces a loaded document.
type DocInfo struct {
	NumPages    int    `json:"numPages"`
	Fingerprint string `json:"fingerprint"`
}

// Progress is the payload of DocProgress.
type Progress struct {
	Loaded int64 `json:"loaded"`
	Total  int64 `json:"total"`
}

// Worker serves one document over a channel. It owns the worker end of
// the channel, the task scheduler and, once requested, the document.
type Worker struct {
	id     string
	h      *MessageHandler
	opts   Options
	logger *zap.Logger
	tracer trace.Tracer
	sched  *Scheduler

	ctx    context.Context
	cancel context.CancelCauseFunc

	terminated atomic.Bool
	passwords  chan string

	mu        sync.Mutex
	requested bool
	doc       *document.Document
	transport *RemoteTransport
	ready     chan struct{}
	readyErr  error
}

// New sets up the worker end of port and registers every action.
func New(port Port, opts Options) *Worker {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.TerminateTimeout <= 0 {
		opts.TerminateTimeout = DefaultTerminateTimeout
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = otel.Tracer("github.com/tsawler/pagestream/worker")
	}
	ctx, cancel := context.WithCancelCause(context.Background())
	w := &Worker{
		id:        uuid.NewString(),
		opts:      opts,
		logger:    logger,
		tracer:    tracer,
		sched:     NewScheduler(opts.Metrics, logger),
		ctx:       ctx,
		cancel:    cancel,
		passwords: make(chan string, 1),
		ready:     make(chan struct{}),
	}
	w.h = NewMessageHandler(WorkerName, MainName, port, logger)
	w.register()
	return w
}

// ID is the worker id reported to GetDocRequest.
func (w *Worker) ID() string { return w.id }

// Scheduler returns the task scheduler.
func (w *Worker) Scheduler() *Scheduler { return w.sched }

// Handler returns the worker end of the channel.
func (w *Worker) Handler() *MessageHandler { return w.h }

// Serve dispatches actions until Terminate or until the channel closes.
func (w *Worker) Serve(ctx context.Context) error {
	err := w.h.Run(ctx)
	if !w.terminated.Load() {
		w.shutdown(context.Background(), ErrPortClosed)
	}
	return err
}

func (w *Worker) handle(action string, fn ActionFunc) {
	w.h.On(action, func(ctx context.Context, data json.RawMessage) (any, error) {
		ctx, span := w.tracer.Start(ctx, action)
		defer span.End()
		start := time.Now()
		result, err := fn(ctx, data)
		w.observe(span, action, start, err)
		return result, err
	})
}

func (w *Worker) handleStream(action string, fn StreamFunc) {
	w.h.OnStream(action, func(ctx context.Context, data json.RawMessage, sink *Sink) error {
		ctx, span := w.tracer.Start(ctx, action)
		defer span.End()
		start := time.Now()
		err := fn(ctx, data, sink)
		w.observe(span, action, start, err)
		return err
	})
}

func (w *Worker) observe(span trace.Span, action string, start time.Time, err error) {
	kind := ""
	if err != nil && !errors.Is(err, ErrTerminated) {
		kind = ToWire(err).Name
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.SetAttributes(attribute.String("pagestream.error", kind))
	}
	w.opts.Metrics.ObserveAction(action, time.Since(start), kind)
}

func (w *Worker) ensureNotTerminated() error {
	if w.terminated.Load() {
		return ErrTerminated
	}
	return nil
}

// send posts a notification unless the worker was terminated.
func (w *Worker) send(action string, data any) {
	if w.terminated.Load() {
		return
	}
	if err := w.h.Send(w.ctx, action, data); err != nil {
		w.logger.Debug("notification not sent", zap.String("action", action), zap.Error(err))
	}
}

func decode[T any](data json.RawMessage) (T, error) {
	var v T
	if len(data) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return v, fmt.Errorf("decode payload: %w", err)
	}
	return v, nil
}

func (w *Worker) getDocRequest(ctx context.Context, data json.RawMessage) (any, error) {
	req, err := decode[DocRequest](data)
	if err != nil {
		return nil, err
	}
	if err := w.ensureNotTerminated(); err != nil {
		return nil, err
	}
	w.mu.Lock()
	if w.requested {
		w.mu.Unlock()
		return nil, errors.New("a document is already open on this channel")
	}
	w.requested = true
	w.mu.Unlock()

	go w.setupDoc(req)
	return map[string]string{"workerId": w.id}, nil
}

func (w *Worker) setupDoc(req DocRequest) {
	src, err := w.openSource(w.ctx, req)
	if err != nil {
		if w.terminated.Load() {
			w.settle(ErrTerminated)
			return
		}
		w.onFailure(err)
		return
	}
	if w.terminated.Load() {
		if c, ok := src.(interface{ CancelAll(error) }); ok {
			c.CancelAll(ErrTerminated)
		}
		w.settle(ErrTerminated)
		return
	}
	doc := document.New(src, document.Options{Logger: w.logger, Metrics: w.opts.Metrics, Password: req.Password})
	w.mu.Lock()
	w.doc = doc
	w.mu.Unlock()
	w.loadDocument(doc)
}

// openSource returns the memory source for inline data, or a source fed
// by the caller: chunked when the caller supports ranges, otherwise the
// whole stream collected in memory.
func (w *Worker) openSource(ctx context.Context, req DocRequest) (source.ByteSource, error) {
	if req.Data != nil {
		w.send("DataLoaded", map[string]int{"length": len(req.Data)})
		return source.NewMemorySource(req.Data), nil
	}

	t := NewRemoteTransport(w.h, w.opts.HighWaterMark)
	w.mu.Lock()
	w.transport = t
	w.mu.Unlock()
	full, err := t.Open(ctx)
	if err != nil {
		return nil, err
	}
	hdr, err := full.Headers(ctx)
	if err != nil {
		return nil, err
	}
	length := hdr.ContentLength
	if length <= 0 {
		length = req.Length
	}

	if hdr.RangesSupported && !req.DisableRange && length > 0 {
		cs := source.NewChunkedSource(length, t, source.ChunkedOptions{
			ChunkSize: req.RangeChunkSize,
			AutoFetch: !req.DisableAutoFetch && !hdr.StreamingSupported,
			OnProgress: func(loaded, total int64) {
				w.send("DocProgress", Progress{Loaded: loaded, Total: total})
			},
			Logger:  w.logger,
			Metrics: w.opts.Metrics,
		})
		if req.DisableStream || !hdr.StreamingSupported {
			full.Cancel(source.ErrCancelled)
		} else {
			go w.pump(full, cs)
		}
		go func() {
			select {
			case <-cs.Done():
				w.send("DataLoaded", map[string]int64{"length": length})
			case <-w.ctx.Done():
			}
		}()
		return cs, nil
	}

	var data []byte
	for {
		if err := w.ensureNotTerminated(); err != nil {
			full.Cancel(err)
			return nil, err
		}
		chunk, done, err := full.Read(ctx)
		if err != nil {
			return nil, err
		}
		if done {
			break
		}
		data = append(data, chunk...)
		if !hdr.StreamingSupported {
			w.send("DocProgress", Progress{Loaded: int64(len(data)), Total: max(int64(len(data)), hdr.ContentLength)})
		}
	}
	if hdr.ContentLength > 0 && int64(len(data)) != hdr.ContentLength {
		w.logger.Warn("reported length differs from the data received",
			zap.Int64("reported", hdr.ContentLength), zap.Int("received", len(data)))
	}
	w.send("DataLoaded", map[string]int{"length": len(data)})
	return source.NewMemorySource(data), nil
}

// pump feeds the full read into the chunked source until it ends.
func (w *Worker) pump(full source.FullReader, cs *source.ChunkedSource) {
	for {
		chunk, done, err := full.Read(w.ctx)
		if err != nil {
			if !w.terminated.Load() {
				w.logger.Info("full read ended", zap.Error(err))
			}
			return
		}
		if done {
			return
		}
		cs.OnReceiveProgressiveData(chunk)
	}
}

// loadDocument loads doc, asking for passwords until one works or the
// caller declines.
func (w *Worker) loadDocument(doc *document.Document) {
	for {
		if w.terminated.Load() {
			w.settle(ErrTerminated)
			return
		}
		err := doc.Load(w.ctx)
		if w.terminated.Load() {
			w.settle(ErrTerminated)
			return
		}
		if err == nil {
			info, err := w.docInfo(doc)
			if err != nil {
				w.onFailure(err)
				return
			}
			w.settle(nil)
			w.send("GetDoc", info)
			return
		}
		var pe *core.PasswordError
		if !errors.As(err, &pe) {
			w.onFailure(err)
			return
		}
		password, perr := w.requestPassword(pe)
		if perr != nil {
			if !w.terminated.Load() {
				w.send("PasswordException", ToWire(pe))
			}
			w.settle(pe)
			return
		}
		doc.SetPassword(password)
	}
}

func (w *Worker) docInfo(doc *document.Document) (DocInfo, error) {
	n, err := doc.NumPages(w.ctx)
	if err != nil {
		return DocInfo{}, err
	}
	fp, err := doc.Fingerprint(w.ctx)
	if err != nil {
		return DocInfo{}, err
	}
	return DocInfo{NumPages: n, Fingerprint: fp}, nil
}

// requestPassword runs a task that waits for a credential from the
// PasswordRequest reply or from SetPassword.
func (w *Worker) requestPassword(pe *core.PasswordError) (string, error) {
	task := w.sched.Start(fmt.Sprintf("PasswordException: response %d", pe.Code))
	defer w.sched.Finish(task)

	type reply struct {
		password string
		err      error
	}
	// Cancelled when SetPassword answers first, so the pending request is
	// dropped and a late reply is ignored.
	ctx, cancel := context.WithCancel(w.ctx)
	defer cancel()
	replies := make(chan reply, 1)
	go func() {
		raw, err := w.h.SendWithPromise(ctx, "PasswordRequest", ToWire(pe))
		if err != nil {
			replies <- reply{err: err}
			return
		}
		v, err := decode[struct {
			Password string `json:"password"`
		}](raw)
		replies <- reply{password: v.Password, err: err}
	}()

	select {
	case r := <-replies:
		return r.password, r.err
	case p := <-w.passwords:
		return p, nil
	case <-w.ctx.Done():
		return "", context.Cause(w.ctx)
	}
}

// onFailure reports a failed load with the notification of its kind.
func (w *Worker) onFailure(err error) {
	var (
		ipe *core.InvalidPDFError
		mpe *source.MissingPDFError
		ure *source.UnexpectedResponseError
	)
	switch {
	case errors.As(err, &ipe):
		w.send("InvalidPDF", ToWire(err))
	case errors.As(err, &mpe):
		w.send("MissingPDF", ToWire(err))
	case errors.As(err, &ure):
		w.send("UnexpectedResponse", ToWire(err))
	default:
		w.send("UnknownError", &WireError{Name: NameUnknown, Message: err.Error(), Details: fmt.Sprintf("%T", err)})
	}
	w.logger.Warn("document failed to load", zap.Error(err))
	w.settle(err)
}

// settle resolves the load outcome once; later calls are ignored.
func (w *Worker) settle(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	select {
	case <-w.ready:
		return
	default:
	}
	w.readyErr = err
	close(w.ready)
}

// document waits for the load to succeed.
func (w *Worker) document(ctx context.Context) (*document.Document, error) {
	select {
	case <-w.ready:
	case <-ctx.Done():
		return nil, context.Cause(ctx)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.readyErr != nil {
		return nil, w.readyErr
	}
	return w.doc, nil
}

func (w *Worker) setPassword(ctx context.Context, data json.RawMessage) (any, error) {
	v, err := decode[struct {
		Password string `json:"password"`
	}](data)
	if err != nil {
		return nil, err
	}
	for {
		select {
		case w.passwords <- v.Password:
			return nil, nil
		default:
		}
		select {
		case <-w.passwords:
		default:
		}
	}
}

func (w *Worker) cleanup(ctx context.Context, _ json.RawMessage) (any, error) {
	doc, err := w.document(ctx)
	if err != nil {
		return nil, err
	}
	doc.Cleanup()
	return nil, nil
}

func (w *Worker) terminate(ctx context.Context, _ json.RawMessage) (any, error) {
	w.shutdown(ctx, ErrTerminated)
	return Final(nil), nil
}

// shutdown latches termination, stops the load and every network read,
// then terminates the outstanding tasks and waits for them, bounded.
func (w *Worker) shutdown(ctx context.Context, reason error) {
	if !w.terminated.CompareAndSwap(false, true) {
		return
	}
	w.mu.Lock()
	doc, t := w.doc, w.transport
	w.mu.Unlock()
	if doc != nil {
		doc.Terminate(reason)
	}
	if t != nil {
		t.CancelAll(reason)
	}
	w.cancel(reason)
	if err := w.sched.TerminateAll(ctx, w.opts.TerminateTimeout); err != nil {
		w.logger.Warn("terminate did not wait for every task", zap.Error(err))
	}
}
