package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/pagestream/contentstream"
	"github.com/tsawler/pagestream/core"
	"github.com/tsawler/pagestream/document"
	"github.com/tsawler/pagestream/internal/pdftest"
	"github.com/tsawler/pagestream/source"
	"github.com/tsawler/pagestream/text"
)

var notifications = []string{
	"GetDoc", "InvalidPDF", "MissingPDF", "UnexpectedResponse", "UnknownError",
	"PasswordException", "DocProgress", "DataLoaded", "UnsupportedFeature", "PageError",
}

type event struct {
	action string
	data   json.RawMessage
}

type session struct {
	main   *MessageHandler
	w      *Worker
	events chan event
	// skipped holds the progress notifications waitFor stepped over.
	skipped []event
}

func newSession(t *testing.T, opts Options, setup func(main *MessageHandler)) *session {
	t.Helper()
	a, b := Pipe()
	s := &session{
		main:   NewMessageHandler(MainName, WorkerName, a, nil),
		w:      New(b, opts),
		events: make(chan event, 256),
	}
	for _, name := range notifications {
		name := name
		s.main.On(name, func(ctx context.Context, data json.RawMessage) (any, error) {
			s.events <- event{name, data}
			return nil, nil
		})
	}
	if setup != nil {
		setup(s.main)
	}
	go func() { _ = s.main.Run(context.Background()) }()
	go func() { _ = s.w.Serve(context.Background()) }()
	t.Cleanup(func() {
		s.main.Destroy()
		s.w.Handler().Destroy()
	})
	return s
}

// next returns the next notification.
func (s *session) next(t *testing.T) event {
	t.Helper()
	select {
	case e := <-s.events:
		return e
	case <-time.After(5 * time.Second):
		t.Fatal("no notification")
		return event{}
	}
}

func isProgress(action string) bool {
	return action == "DocProgress" || action == "DataLoaded"
}

// waitFor returns the first of the named notifications. Only progress
// notifications may arrive ahead of it; they are kept in skipped.
func (s *session) waitFor(t *testing.T, names ...string) event {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case e := <-s.events:
			for _, n := range names {
				if e.action == n {
					return e
				}
			}
			require.True(t, isProgress(e.action), "%s arrived before %v: %s", e.action, names, e.data)
			s.skipped = append(s.skipped, e)
		case <-timeout:
			t.Fatalf("no %v notification", names)
		}
	}
}

// seen returns the last skipped notification named action.
func (s *session) seen(action string) (event, bool) {
	for i := len(s.skipped) - 1; i >= 0; i-- {
		if s.skipped[i].action == action {
			return s.skipped[i], true
		}
	}
	return event{}, false
}

func (s *session) call(t *testing.T, action string, data any, out any) {
	t.Helper()
	raw, err := s.main.SendWithPromise(context.Background(), action, data)
	require.NoError(t, err, action)
	if out != nil {
		require.NoError(t, json.Unmarshal(raw, out), action)
	}
}

func (s *session) open(t *testing.T, req DocRequest) DocInfo {
	t.Helper()
	var reply struct {
		WorkerID string `json:"workerId"`
	}
	s.call(t, "GetDocRequest", req, &reply)
	assert.Equal(t, s.w.ID(), reply.WorkerID)
	e := s.waitFor(t, "GetDoc", "InvalidPDF", "UnknownError", "MissingPDF", "UnexpectedResponse", "PasswordException")
	require.Equal(t, "GetDoc", e.action, string(e.data))
	var info DocInfo
	require.NoError(t, json.Unmarshal(e.data, &info))
	return info
}

func readAll[T any](t *testing.T, st *Stream) ([]T, error) {
	t.Helper()
	var out []T
	for {
		raw, done, err := st.Read(context.Background())
		if err != nil {
			return out, err
		}
		if done {
			return out, nil
		}
		var v T
		require.NoError(t, json.Unmarshal(raw, &v))
		out = append(out, v)
	}
}

func TestOpenInlineDocument(t *testing.T) {
	data := pdftest.SimpleDocument(3)
	s := newSession(t, Options{}, nil)
	info := s.open(t, DocRequest{Data: data})
	assert.Equal(t, DocInfo{NumPages: 3, Fingerprint: "deadbeef"}, info)

	var page PageInfo
	s.call(t, "GetPage", PageRequest{PageIndex: 1}, &page)
	assert.Equal(t, 0, page.Rotate)
	assert.Equal(t, 1.0, page.UserUnit)
	assert.Equal(t, [4]float64{0, 0, 612, 792}, [4]float64(page.View))

	var index int
	s.call(t, "GetPageIndex", map[string]Ref{"ref": page.Ref}, &index)
	assert.Equal(t, 1, index)

	var mode string
	s.call(t, "GetPageMode", nil, &mode)
	assert.Equal(t, "UseNone", mode)

	raw, err := s.main.SendWithPromise(context.Background(), "GetPermissions", nil)
	require.NoError(t, err)
	assert.JSONEq(t, "null", string(raw))

	var got []byte
	s.call(t, "GetData", nil, &got)
	assert.Equal(t, data, got)

	var meta Metadata
	s.call(t, "GetMetadata", nil, &meta)
	assert.Nil(t, meta.Metadata)

	var outline []OutlineEntry
	s.call(t, "GetOutline", nil, &outline)
	assert.Empty(t, outline)

	s.call(t, "Cleanup", nil, nil)
	s.call(t, "GetPage", PageRequest{PageIndex: 2}, &page)
}

func TestSecondDocumentRequestFails(t *testing.T) {
	s := newSession(t, Options{}, nil)
	s.open(t, DocRequest{Data: pdftest.SimpleDocument(1)})
	_, err := s.main.SendWithPromise(context.Background(), "GetDocRequest", DocRequest{Data: pdftest.SimpleDocument(1)})
	assert.ErrorContains(t, err, "already open")
}

func TestOperatorListAndTextContent(t *testing.T) {
	s := newSession(t, Options{}, nil)
	s.open(t, DocRequest{Data: pdftest.SimpleDocument(2)})

	st, err := s.main.SendWithStream(context.Background(), "GetOperatorList", PageRequest{PageIndex: 0, Intent: "display"}, 0)
	require.NoError(t, err)
	chunks, err := readAll[struct {
		Operations []struct {
			Fn string `json:"fn"`
		} `json:"operations"`
		Length    int  `json:"length"`
		LastChunk bool `json:"lastChunk"`
	}](t, st)
	require.NoError(t, err)
	require.NotEmpty(t, chunks)
	last := chunks[len(chunks)-1]
	assert.True(t, last.LastChunk)
	var fns []string
	for _, c := range chunks {
		for _, op := range c.Operations {
			fns = append(fns, op.Fn)
		}
	}
	assert.Equal(t, []string{"BT", "Tf", "Td", "Tj", "ET"}, fns)
	assert.Equal(t, 5, last.Length)

	var stats document.StatsSnapshot
	s.call(t, "GetStats", nil, &stats)
	assert.Contains(t, stats.FontTypes, "Type1")

	st, err = s.main.SendWithStream(context.Background(), "GetTextContent", TextRequest{PageIndex: 1}, 0)
	require.NoError(t, err)
	texts, err := readAll[text.Chunk](t, st)
	require.NoError(t, err)
	var strs []string
	for _, c := range texts {
		for _, it := range c.Items {
			strs = append(strs, it.Str)
		}
	}
	assert.Equal(t, []string{"Page 2"}, strs)
}

func TestOperatorListFailureReportsPageError(t *testing.T) {
	s := newSession(t, Options{}, nil)
	s.open(t, DocRequest{Data: pdftest.SimpleDocument(1)})

	st, err := s.main.SendWithStream(context.Background(), "GetOperatorList", PageRequest{PageIndex: 7, Intent: "print"}, 0)
	require.NoError(t, err)
	_, err = readAll[contentstream.Chunk](t, st)
	require.Error(t, err)

	e := s.next(t)
	require.Equal(t, "UnsupportedFeature", e.action)
	assert.JSONEq(t, `{"featureId":"unknown"}`, string(e.data))
	e = s.next(t)
	require.Equal(t, "PageError", e.action)
	var pe PageError
	require.NoError(t, json.Unmarshal(e.data, &pe))
	assert.Equal(t, 7, pe.PageIndex)
	assert.Equal(t, "print", string(pe.Intent))
	assert.Contains(t, pe.Error.Message, "out of range")
}

func longPageDocument(ops int) []byte {
	b := pdftest.NewBuilder()
	content := b.Add(pdftest.Stream("", bytes.Repeat([]byte("q Q\n"), ops/2)))
	b.PageTree(1, 2, "", func(int) string {
		return fmt.Sprintf("/MediaBox [0 0 200 200] /Contents %d 0 R", content)
	})
	return b.Build()
}

func TestCancelledOperatorListIsSilent(t *testing.T) {
	s := newSession(t, Options{}, nil)
	s.open(t, DocRequest{Data: longPageDocument(20000)})

	for i := 0; i < 5; i++ {
		st, err := s.main.SendWithStream(context.Background(), "GetOperatorList", PageRequest{PageIndex: 0}, 1)
		require.NoError(t, err)
		_, done, err := st.Read(context.Background())
		require.NoError(t, err)
		require.False(t, done)
		st.Cancel(nil)
	}

	require.Eventually(t, func() bool { return s.w.Scheduler().Outstanding() == 0 }, 5*time.Second, time.Millisecond)
	select {
	case e := <-s.events:
		t.Fatalf("unexpected %s after cancel: %s", e.action, e.data)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestInvalidDocument(t *testing.T) {
	s := newSession(t, Options{}, nil)
	s.call(t, "GetDocRequest", DocRequest{Data: []byte("this is not a PDF file at all")}, nil)
	e := s.waitFor(t, "InvalidPDF", "UnknownError", "GetDoc")
	assert.NotEqual(t, "GetDoc", e.action)

	_, err := s.main.SendWithPromise(context.Background(), "GetPage", PageRequest{})
	assert.Error(t, err)
}

func TestPasswordRequestLoop(t *testing.T) {
	var (
		mu    sync.Mutex
		codes []int
	)
	s := newSession(t, Options{}, func(main *MessageHandler) {
		main.On("PasswordRequest", func(ctx context.Context, data json.RawMessage) (any, error) {
			var we WireError
			if err := json.Unmarshal(data, &we); err != nil {
				return nil, err
			}
			mu.Lock()
			codes = append(codes, we.Code)
			n := len(codes)
			mu.Unlock()
			if n == 1 {
				return map[string]string{"password": "wrong"}, nil
			}
			return map[string]string{"password": "owner"}, nil
		})
	})
	info := s.open(t, DocRequest{Data: pdftest.EncryptedDocument(2, "user", "owner", "Secret title")})
	assert.Equal(t, 2, info.NumPages)
	mu.Lock()
	assert.Equal(t, []int{int(core.NeedPassword), int(core.IncorrectPassword)}, codes)
	mu.Unlock()

	var meta Metadata
	s.call(t, "GetMetadata", nil, &meta)
	assert.Equal(t, "Secret title", meta.Info.Title)
	assert.Zero(t, s.w.Scheduler().Outstanding())
}

func TestPasswordDeclined(t *testing.T) {
	s := newSession(t, Options{}, func(main *MessageHandler) {
		main.On("PasswordRequest", func(ctx context.Context, data json.RawMessage) (any, error) {
			return nil, errors.New("user cancelled")
		})
	})
	s.call(t, "GetDocRequest", DocRequest{Data: pdftest.EncryptedDocument(1, "user", "owner", "")}, nil)
	e := s.waitFor(t, "PasswordException", "GetDoc")
	require.Equal(t, "PasswordException", e.action)
	var we WireError
	require.NoError(t, json.Unmarshal(e.data, &we))
	assert.Equal(t, NamePassword, we.Name)
	assert.Equal(t, int(core.NeedPassword), we.Code)
}

func TestSetPasswordAnswersPendingRequest(t *testing.T) {
	asked := make(chan struct{}, 4)
	s := newSession(t, Options{}, func(main *MessageHandler) {
		main.On("PasswordRequest", func(ctx context.Context, data json.RawMessage) (any, error) {
			asked <- struct{}{}
			<-ctx.Done()
			return nil, ctx.Err()
		})
	})
	s.call(t, "GetDocRequest", DocRequest{Data: pdftest.EncryptedDocument(1, "user", "owner", "")}, nil)
	select {
	case <-asked:
	case <-time.After(5 * time.Second):
		t.Fatal("no password request")
	}
	s.call(t, "SetPassword", map[string]string{"password": "owner"}, nil)
	e := s.waitFor(t, "GetDoc", "PasswordException")
	assert.Equal(t, "GetDoc", e.action)

	// The request SetPassword answered is no longer waiting for a reply.
	h := s.w.Handler()
	assert.Eventually(t, func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		return len(h.callbacks) == 0
	}, 5*time.Second, time.Millisecond)
	assert.Zero(t, s.w.Scheduler().Outstanding())
}

// serveNetwork answers the worker's network reads from data.
func serveNetwork(main *MessageHandler, data []byte, headers ReaderHeaders, headerErr error, ranges *atomic.Int32) {
	main.On(ActionReaderHeadersReady, func(ctx context.Context, _ json.RawMessage) (any, error) {
		if headerErr != nil {
			return nil, headerErr
		}
		return headers, nil
	})
	main.OnStream(ActionGetReader, func(ctx context.Context, _ json.RawMessage, sink *Sink) error {
		if headerErr != nil {
			return headerErr
		}
		step := len(data)/3 + 1
		for i := 0; i < len(data); i += step {
			if err := sink.Enqueue(ctx, data[i:min(i+step, len(data))]); err != nil {
				return err
			}
		}
		return nil
	})
	main.OnStream(ActionGetRangeReader, func(ctx context.Context, raw json.RawMessage, sink *Sink) error {
		var req RangeRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			return err
		}
		ranges.Add(1)
		return sink.Enqueue(ctx, data[req.Begin:req.End])
	})
}

func TestNetworkDocumentWithRanges(t *testing.T) {
	data := pdftest.SimpleDocument(5)
	var ranges atomic.Int32
	s := newSession(t, Options{}, func(main *MessageHandler) {
		serveNetwork(main, data, ReaderHeaders{IsRangeSupported: true, ContentLength: int64(len(data))}, nil, &ranges)
	})
	info := s.open(t, DocRequest{RangeChunkSize: 256})
	assert.Equal(t, 5, info.NumPages)

	e, ok := s.seen("DataLoaded")
	if !ok {
		e = s.waitFor(t, "DataLoaded")
	}
	assert.JSONEq(t, fmt.Sprintf(`{"length":%d}`, len(data)), string(e.data))
	assert.Positive(t, ranges.Load())

	var got []byte
	s.call(t, "GetData", nil, &got)
	assert.Equal(t, data, got)
}

func TestNetworkDocumentWithoutRanges(t *testing.T) {
	data := pdftest.SimpleDocument(2)
	var ranges atomic.Int32
	s := newSession(t, Options{}, func(main *MessageHandler) {
		serveNetwork(main, data, ReaderHeaders{ContentLength: int64(len(data))}, nil, &ranges)
	})
	var reply map[string]string
	s.call(t, "GetDocRequest", DocRequest{}, &reply)

	// Every chunk is reported, then DataLoaded, then the document.
	var loaded []int64
	e := s.next(t)
	for e.action == "DocProgress" {
		var p Progress
		require.NoError(t, json.Unmarshal(e.data, &p))
		assert.Equal(t, int64(len(data)), p.Total)
		loaded = append(loaded, p.Loaded)
		e = s.next(t)
	}
	require.NotEmpty(t, loaded)
	assert.IsIncreasing(t, loaded)
	assert.Equal(t, int64(len(data)), loaded[len(loaded)-1])
	require.Equal(t, "DataLoaded", e.action)
	assert.JSONEq(t, fmt.Sprintf(`{"length":%d}`, len(data)), string(e.data))

	e = s.next(t)
	require.Equal(t, "GetDoc", e.action)
	var info DocInfo
	require.NoError(t, json.Unmarshal(e.data, &info))
	assert.Equal(t, 2, info.NumPages)
	assert.Zero(t, ranges.Load())
}

func TestMissingNetworkDocument(t *testing.T) {
	var ranges atomic.Int32
	s := newSession(t, Options{}, func(main *MessageHandler) {
		serveNetwork(main, nil, ReaderHeaders{}, &source.MissingPDFError{URL: "http://example.com/a.pdf"}, &ranges)
	})
	s.call(t, "GetDocRequest", DocRequest{}, nil)
	e := s.waitFor(t, "MissingPDF", "UnknownError", "GetDoc")
	require.Equal(t, "MissingPDF", e.action)
	var we WireError
	require.NoError(t, json.Unmarshal(e.data, &we))
	assert.Equal(t, "http://example.com/a.pdf", we.Details)
}

func TestTerminate(t *testing.T) {
	s := newSession(t, Options{TerminateTimeout: time.Second}, nil)
	s.open(t, DocRequest{Data: pdftest.SimpleDocument(1)})

	s.call(t, "Terminate", nil, nil)
	select {
	case <-s.w.Handler().Done():
	case <-time.After(5 * time.Second):
		t.Fatal("worker channel not released")
	}
	assert.Zero(t, s.w.Scheduler().Outstanding())
	_, err := s.main.SendWithPromise(context.Background(), "GetPage", PageRequest{})
	assert.ErrorIs(t, err, ErrPortClosed)
}

func TestTerminateDuringLoadIsSilent(t *testing.T) {
	s := newSession(t, Options{TerminateTimeout: time.Second}, func(main *MessageHandler) {
		main.On(ActionReaderHeadersReady, func(ctx context.Context, _ json.RawMessage) (any, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		})
		main.OnStream(ActionGetReader, func(ctx context.Context, _ json.RawMessage, sink *Sink) error {
			<-ctx.Done()
			return ctx.Err()
		})
	})
	s.call(t, "GetDocRequest", DocRequest{}, nil)
	s.call(t, "Terminate", nil, nil)

	select {
	case e := <-s.events:
		t.Fatalf("unexpected %s after terminate", e.action)
	case <-time.After(50 * time.Millisecond):
	}
}

type fakeRecognizer struct{ got []byte }

func (f *fakeRecognizer) Recognize(ctx context.Context, image []byte) (string, error) {
	f.got = image
	return "recognized", nil
}

func imageDocument() []byte {
	b := pdftest.NewBuilder()
	img := b.Add(pdftest.Stream("/Type /XObject /Subtype /Image /Width 2 /Height 2 /ColorSpace /DeviceGray /BitsPerComponent 8", []byte{0, 255, 255, 0}))
	content := b.Add(pdftest.Stream("", []byte("q 100 0 0 100 0 0 cm /Im1 Do Q")))
	b.PageTree(1, 2, "", func(int) string {
		return fmt.Sprintf("/MediaBox [0 0 200 200] /Resources << /XObject << /Im1 %d 0 R >> >> /Contents %d 0 R", img, content)
	})
	return b.Build()
}

func TestRecognizeImage(t *testing.T) {
	rec := &fakeRecognizer{}
	s := newSession(t, Options{Recognizer: rec}, nil)
	s.open(t, DocRequest{Data: imageDocument()})

	var out map[string]string
	s.call(t, "RecognizeImage", ImageRequest{PageIndex: 0, Name: "Im1"}, &out)
	assert.Equal(t, "recognized", out["text"])
	assert.True(t, bytes.HasPrefix(rec.got, []byte("\x89PNG")))
}

func TestRecognizeImageWithoutBackend(t *testing.T) {
	s := newSession(t, Options{}, nil)
	s.open(t, DocRequest{Data: imageDocument()})

	_, err := s.main.SendWithPromise(context.Background(), "RecognizeImage", ImageRequest{Name: "Im1"})
	var we *WireError
	require.ErrorAs(t, err, &we)
	assert.Equal(t, "ocr", we.Details)
}
