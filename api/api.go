package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/tsawler/pagestream/core"
	"github.com/tsawler/pagestream/document"
	"github.com/tsawler/pagestream/pages"
	"github.com/tsawler/pagestream/source"
	"github.com/tsawler/pagestream/worker"
)

// PasswordFunc supplies a password. reason tells a first request from a
// retry after a wrong password. Returning an error gives up the load,
// which then fails with a *core.PasswordError.
type PasswordFunc func(ctx context.Context, reason core.PasswordCode) (string, error)

// Params selects the document. Exactly one of Data and Transport is set.
type Params struct {
	Data      []byte
	Transport source.Transport

	Password         string
	RangeChunkSize   int64
	DisableAutoFetch bool
	DisableStream    bool
	DisableRange     bool
}

// Options configures the caller side of the channel.
type Options struct {
	Logger        *zap.Logger
	HighWaterMark int
	OnPassword    PasswordFunc
	OnProgress    func(worker.Progress)
}

// Document is a loaded document on the far side of a channel.
type Document struct {
	h      *worker.MessageHandler
	info   worker.DocInfo
	worker string
	opts   Options
	logger *zap.Logger

	loaded     chan struct{}
	loadedOnce sync.Once

	mu         sync.Mutex
	length     int64
	features   []string
	pageErrors []worker.PageError
}

type outcome struct {
	info worker.DocInfo
	err  error
}

// Open asks the worker behind port to load a document and waits for the
// outcome. The channel is released if the load fails.
func Open(ctx context.Context, port worker.Port, params Params, opts Options) (*Document, error) {
	if (params.Data == nil) == (params.Transport == nil) {
		return nil, errors.New("api: exactly one of Data and Transport must be set")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	h := worker.NewMessageHandler(worker.MainName, worker.WorkerName, port, logger)
	d := &Document{h: h, opts: opts, logger: logger, loaded: make(chan struct{})}

	done := make(chan outcome, 1)
	settle := func(o outcome) {
		select {
		case done <- o:
		default:
		}
	}
	d.register(settle)
	if params.Transport != nil {
		serveTransport(h, params.Transport, logger)
	}
	go func() {
		if err := h.Run(context.Background()); err != nil {
			logger.Warn("worker channel failed", zap.Error(err))
		}
	}()

	raw, err := h.SendWithPromise(ctx, "GetDocRequest", worker.DocRequest{
		Data:             params.Data,
		RangeChunkSize:   params.RangeChunkSize,
		DisableAutoFetch: params.DisableAutoFetch,
		DisableStream:    params.DisableStream,
		DisableRange:     params.DisableRange,
		Password:         params.Password,
	})
	if err != nil {
		h.Destroy()
		return nil, fmt.Errorf("api: request document: %w", err)
	}
	var reply struct {
		WorkerID string `json:"workerId"`
	}
	if err := json.Unmarshal(raw, &reply); err != nil {
		h.Destroy()
		return nil, fmt.Errorf("api: decode document reply: %w", err)
	}
	d.worker = reply.WorkerID

	select {
	case o := <-done:
		if o.err != nil {
			h.Destroy()
			return nil, o.err
		}
		d.info = o.info
		logger.Debug("document loaded",
			zap.String("worker", d.worker),
			zap.Int("pages", o.info.NumPages),
			zap.String("fingerprint", o.info.Fingerprint))
		return d, nil
	case <-h.Done():
		return nil, h.Err()
	case <-ctx.Done():
		_ = d.Destroy(context.Background())
		return nil, ctx.Err()
	}
}

// register installs the notifications the worker sends while loading and
// afterwards.
func (d *Document) register(settle func(outcome)) {
	d.h.On("GetDoc", func(ctx context.Context, data json.RawMessage) (any, error) {
		var info worker.DocInfo
		if err := json.Unmarshal(data, &info); err != nil {
			settle(outcome{err: fmt.Errorf("api: decode document info: %w", err)})
			return nil, nil
		}
		settle(outcome{info: info})
		return nil, nil
	})
	for _, name := range []string{"InvalidPDF", "MissingPDF", "UnexpectedResponse", "UnknownError", "PasswordException"} {
		name := name
		d.h.On(name, func(ctx context.Context, data json.RawMessage) (any, error) {
			var we worker.WireError
			if err := json.Unmarshal(data, &we); err != nil {
				settle(outcome{err: fmt.Errorf("api: decode %s: %w", name, err)})
				return nil, nil
			}
			settle(outcome{err: we.Err()})
			return nil, nil
		})
	}
	d.h.On("PasswordRequest", func(ctx context.Context, data json.RawMessage) (any, error) {
		var we worker.WireError
		if err := json.Unmarshal(data, &we); err != nil {
			return nil, err
		}
		if d.opts.OnPassword == nil {
			return nil, we.Err()
		}
		password, err := d.opts.OnPassword(ctx, core.PasswordCode(we.Code))
		if err != nil {
			return nil, err
		}
		return map[string]string{"password": password}, nil
	})
	d.h.On("DocProgress", func(ctx context.Context, data json.RawMessage) (any, error) {
		if d.opts.OnProgress == nil {
			return nil, nil
		}
		var p worker.Progress
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, err
		}
		d.opts.OnProgress(p)
		return nil, nil
	})
	d.h.On("DataLoaded", func(ctx context.Context, data json.RawMessage) (any, error) {
		var v struct {
			Length int64 `json:"length"`
		}
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, err
		}
		d.mu.Lock()
		d.length = v.Length
		d.mu.Unlock()
		d.loadedOnce.Do(func() { close(d.loaded) })
		return nil, nil
	})
	d.h.On("UnsupportedFeature", func(ctx context.Context, data json.RawMessage) (any, error) {
		var v struct {
			FeatureID string `json:"featureId"`
		}
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, err
		}
		d.mu.Lock()
		d.features = append(d.features, v.FeatureID)
		d.mu.Unlock()
		return nil, nil
	})
	d.h.On("PageError", func(ctx context.Context, data json.RawMessage) (any, error) {
		var pe worker.PageError
		if err := json.Unmarshal(data, &pe); err != nil {
			return nil, err
		}
		d.logger.Warn("page failed",
			zap.Int("page", pe.PageIndex),
			zap.String("intent", string(pe.Intent)),
			zap.Error(pe.Error))
		d.mu.Lock()
		d.pageErrors = append(d.pageErrors, pe)
		d.mu.Unlock()
		return nil, nil
	})
}

// NumPages returns the page count announced by the worker.
func (d *Document) NumPages() int { return d.info.NumPages }

// Fingerprint returns the document fingerprint.
func (d *Document) Fingerprint() string { return d.info.Fingerprint }

// WorkerID returns the id of the worker serving the document.
func (d *Document) WorkerID() string { return d.worker }

// DataLoaded is closed once the worker holds every byte of the document.
func (d *Document) DataLoaded() <-chan struct{} { return d.loaded }

// Length returns the byte length reported by DataLoaded, or zero before.
func (d *Document) Length() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.length
}

// UnsupportedFeatures returns the feature ids the worker reported.
func (d *Document) UnsupportedFeatures() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.features...)
}

// PageErrors returns the page failures the worker reported.
func (d *Document) PageErrors() []worker.PageError {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]worker.PageError(nil), d.pageErrors...)
}

// call sends a promise and decodes its result into out.
func (d *Document) call(ctx context.Context, action string, data any, out any) error {
	raw, err := d.h.SendWithPromise(ctx, action, data)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("api: decode %s reply: %w", action, err)
	}
	return nil
}

func (d *Document) Destinations(ctx context.Context) (map[string]any, error) {
	var out map[string]any
	err := d.call(ctx, "GetDestinations", nil, &out)
	return out, err
}

// Destination returns the explicit destination named id, or nil.
func (d *Document) Destination(ctx context.Context, id string) (any, error) {
	var out any
	err := d.call(ctx, "GetDestination", map[string]string{"id": id}, &out)
	return out, err
}

func (d *Document) Outline(ctx context.Context) ([]worker.OutlineEntry, error) {
	var out []worker.OutlineEntry
	err := d.call(ctx, "GetOutline", nil, &out)
	return out, err
}

func (d *Document) Attachments(ctx context.Context) (map[string]pages.Attachment, error) {
	var out map[string]pages.Attachment
	err := d.call(ctx, "GetAttachments", nil, &out)
	return out, err
}

// Permissions returns the granted permission flags, or nil when the
// document is not encrypted.
func (d *Document) Permissions(ctx context.Context) ([]int, error) {
	var out []int
	err := d.call(ctx, "GetPermissions", nil, &out)
	return out, err
}

func (d *Document) PageLabels(ctx context.Context) ([]string, error) {
	var out []string
	err := d.call(ctx, "GetPageLabels", nil, &out)
	return out, err
}

func (d *Document) PageMode(ctx context.Context) (string, error) {
	var out string
	err := d.call(ctx, "GetPageMode", nil, &out)
	return out, err
}

func (d *Document) Metadata(ctx context.Context) (worker.Metadata, error) {
	var out worker.Metadata
	err := d.call(ctx, "GetMetadata", nil, &out)
	return out, err
}

// Data returns the raw bytes of the document.
func (d *Document) Data(ctx context.Context) ([]byte, error) {
	var out []byte
	err := d.call(ctx, "GetData", nil, &out)
	return out, err
}

// Stats lists the stream filters and font types seen so far.
func (d *Document) Stats(ctx context.Context) (document.StatsSnapshot, error) {
	var out document.StatsSnapshot
	err := d.call(ctx, "GetStats", nil, &out)
	return out, err
}

// PageIndex returns the index of the page with reference ref.
func (d *Document) PageIndex(ctx context.Context, ref worker.Ref) (int, error) {
	var out int
	err := d.call(ctx, "GetPageIndex", map[string]worker.Ref{"ref": ref}, &out)
	return out, err
}

// Cleanup asks the worker to drop its caches.
func (d *Document) Cleanup(ctx context.Context) error {
	return d.call(ctx, "Cleanup", nil, nil)
}

// Destroy terminates the worker side and releases the channel. It is safe
// to call more than once.
func (d *Document) Destroy(ctx context.Context) error {
	select {
	case <-d.h.Done():
		return nil
	default:
	}
	err := d.call(ctx, "Terminate", nil, nil)
	d.h.Destroy()
	if errors.Is(err, worker.ErrPortClosed) {
		return nil
	}
	return err
}
