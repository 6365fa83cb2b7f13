package source

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// HTTPOptions configures an HTTPTransport.
type HTTPOptions struct {
	Client  *http.Client
	Header  http.Header
	Timeout time.Duration
	// BreakerFailures is the number of consecutive failed requests that
	// opens the circuit. Zero means 5.
	BreakerFailures uint32
	BreakerCooldown time.Duration
	// ReadSize is the chunk size handed out by the full reader.
	ReadSize int
	Logger   *zap.Logger
}

// HTTPTransport fetches a document over HTTP with byte range requests.
type HTTPTransport struct {
	url      string
	client   *http.Client
	header   http.Header
	breaker  *gobreaker.CircuitBreaker
	readSize int
	logger   *zap.Logger

	ctx    context.Context
	cancel context.CancelCauseFunc
}

var _ Transport = (*HTTPTransport)(nil)

// NewHTTPTransport creates a transport for url.
func NewHTTPTransport(url string, opts HTTPOptions) *HTTPTransport {
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: opts.Timeout}
	}
	failures := opts.BreakerFailures
	if failures == 0 {
		failures = 5
	}
	cooldown := opts.BreakerCooldown
	if cooldown == 0 {
		cooldown = 30 * time.Second
	}
	readSize := opts.ReadSize
	if readSize <= 0 {
		readSize = DefaultChunkSize
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancelCause(context.Background())
	t := &HTTPTransport{
		url:      url,
		client:   client,
		header:   opts.Header,
		readSize: readSize,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
	}
	t.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "http-range",
		Timeout: cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
	return t
}

// requestContext ends when ctx ends or CancelAll is called.
func (t *HTTPTransport) requestContext(ctx context.Context) (context.Context, context.CancelFunc) {
	rctx, cancel := context.WithCancelCause(ctx)
	stop := context.AfterFunc(t.ctx, func() { cancel(context.Cause(t.ctx)) })
	return rctx, func() {
		stop()
		cancel(nil)
	}
}

func (t *HTTPTransport) do(ctx context.Context, rangeHeader string) (*http.Response, error) {
	out, err := t.breaker.Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.url, nil)
		if err != nil {
			return nil, err
		}
		for k, vs := range t.header {
			for _, v := range vs {
				req.Header.Add(k, v)
			}
		}
		if rangeHeader != "" {
			req.Header.Set("Range", rangeHeader)
		}
		resp, err := t.client.Do(req)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode >= 500 {
			resp.Body.Close()
			return nil, &UnexpectedResponseError{URL: t.url, Status: resp.StatusCode}
		}
		return resp, nil
	})
	if err != nil {
		return nil, err
	}
	resp := out.(*http.Response)
	if err := t.checkStatus(resp.StatusCode, rangeHeader != ""); err != nil {
		resp.Body.Close()
		return nil, err
	}
	return resp, nil
}

func (t *HTTPTransport) checkStatus(status int, ranged bool) error {
	switch {
	case status == http.StatusOK:
		return nil
	case status == http.StatusPartialContent && ranged:
		return nil
	case status == http.StatusNotFound:
		return &MissingPDFError{URL: t.url}
	default:
		return &UnexpectedResponseError{URL: t.url, Status: status}
	}
}

// Open starts a full-file GET.
func (t *HTTPTransport) Open(ctx context.Context) (FullReader, error) {
	rctx, cancel := t.requestContext(context.WithoutCancel(ctx))
	resp, err := t.do(rctx, "")
	if err != nil {
		cancel()
		return nil, err
	}

	h := Headers{StreamingSupported: true}
	if n, err := strconv.ParseInt(resp.Header.Get("Content-Length"), 10, 64); err == nil {
		h.ContentLength = n
	}
	enc := resp.Header.Get("Content-Encoding")
	h.RangesSupported = strings.EqualFold(resp.Header.Get("Accept-Ranges"), "bytes") &&
		(enc == "" || enc == "identity") && h.ContentLength > 0
	if cd := resp.Header.Get("Content-Disposition"); cd != "" {
		if _, params, err := mime.ParseMediaType(cd); err == nil {
			h.Filename = params["filename"]
		}
	}
	t.logger.Debug("full request opened",
		zap.Int64("length", h.ContentLength),
		zap.Bool("ranges", h.RangesSupported))
	return &httpFullReader{resp: resp, headers: h, cancel: cancel, buf: make([]byte, t.readSize)}, nil
}

// ReadRange fetches [begin, end).
func (t *HTTPTransport) ReadRange(ctx context.Context, begin, end int64) ([]byte, error) {
	rctx, cancel := t.requestContext(ctx)
	defer cancel()
	resp, err := t.do(rctx, fmt.Sprintf("bytes=%d-%d", begin, end-1))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusOK {
		// The server ignored the range and sent the whole file.
		if int64(len(data)) < end {
			return nil, io.ErrUnexpectedEOF
		}
		data = data[begin:end]
	}
	return data, nil
}

// CancelAll aborts every request of this transport.
func (t *HTTPTransport) CancelAll(reason error) {
	if reason == nil {
		reason = ErrCancelled
	}
	t.cancel(reason)
}

type httpFullReader struct {
	resp    *http.Response
	headers Headers
	cancel  context.CancelFunc
	buf     []byte
	eof     bool
}

func (r *httpFullReader) Headers(ctx context.Context) (Headers, error) { return r.headers, nil }

// Read returns the body in readSize chunks. The final short chunk is
// returned on its own; the read after it reports done.
func (r *httpFullReader) Read(ctx context.Context) ([]byte, bool, error) {
	if r.eof {
		return nil, true, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	n, err := io.ReadFull(r.resp.Body, r.buf)
	chunk := append([]byte(nil), r.buf[:n]...)
	switch err {
	case nil:
		return chunk, false, nil
	case io.EOF, io.ErrUnexpectedEOF:
		r.resp.Body.Close()
		r.cancel()
		r.eof = true
		if n == 0 {
			return nil, true, nil
		}
		return chunk, false, nil
	}
	return nil, false, err
}

func (r *httpFullReader) Cancel(reason error) {
	r.resp.Body.Close()
	r.cancel()
}
