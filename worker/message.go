package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Endpoint names of the two sides of a channel.
const (
	MainName   = "main"
	WorkerName = "worker"
)

// CallbackKind marks a message as the reply to a promise.
type CallbackKind int

const (
	CallbackData CallbackKind = iota + 1
	CallbackError
)

// StreamKind marks a message as stream traffic.
type StreamKind int

const (
	StreamPull StreamKind = iota + 1
	StreamEnqueue
	StreamClose
	StreamError
	StreamCancel
)

// DefaultHighWaterMark is the number of chunks a stream producer may send
// ahead of the consumer.
const DefaultHighWaterMark = 4

// Message is one unit of channel traffic: an action, a reply to an
// action, or a stream event.
type Message struct {
	Source      string          `json:"sourceName"`
	Target      string          `json:"targetName"`
	Action      string          `json:"action,omitempty"`
	CallbackID  int64           `json:"callbackId,omitempty"`
	Callback    CallbackKind    `json:"callback,omitempty"`
	StreamID    string          `json:"streamId,omitempty"`
	Stream      StreamKind      `json:"stream,omitempty"`
	DesiredSize int             `json:"desiredSize,omitempty"`
	Data        json.RawMessage `json:"data,omitempty"`
	Reason      *WireError      `json:"reason,omitempty"`
}

// ActionFunc handles an action. For promise actions the result is sent
// back as JSON.
type ActionFunc func(ctx context.Context, data json.RawMessage) (any, error)

// StreamFunc produces the chunks of a stream action. Returning nil closes
// the stream, an error fails it. ErrTerminated ends it without a word.
type StreamFunc func(ctx context.Context, data json.RawMessage, sink *Sink) error

type final struct{ v any }

// Final wraps the result of an action after which the handler is
// destroyed. The reply is sent first.
func Final(v any) any { return final{v} }

// MessageHandler is one end of a worker channel. Actions are registered up
// front, then Run dispatches incoming traffic until the port closes or
// Destroy is called.
type MessageHandler struct {
	source string
	target string
	port   Port
	logger *zap.Logger

	ctx    context.Context
	cancel context.CancelCauseFunc

	mu            sync.Mutex
	actions       map[string]ActionFunc
	streamActions map[string]StreamFunc
	nextCallback  int64
	callbacks     map[int64]chan *Message
	sinks         map[string]*Sink
	streams       map[string]*Stream
}

// NewMessageHandler creates the source end of a channel talking to target.
func NewMessageHandler(source, target string, port Port, logger *zap.Logger) *MessageHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancelCause(context.Background())
	return &MessageHandler{
		source:        source,
		target:        target,
		port:          port,
		logger:        logger.With(zap.String("endpoint", source)),
		ctx:           ctx,
		cancel:        cancel,
		actions:       make(map[string]ActionFunc),
		streamActions: make(map[string]StreamFunc),
		callbacks:     make(map[int64]chan *Message),
		sinks:         make(map[string]*Sink),
		streams:       make(map[string]*Stream),
	}
}

// On registers a handler for action. Registering an action twice panics.
func (h *MessageHandler) On(action string, fn ActionFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.actions[action]; ok {
		panic(fmt.Sprintf("worker: action %q registered twice", action))
	}
	h.actions[action] = fn
}

// OnStream registers a stream producer for action.
func (h *MessageHandler) OnStream(action string, fn StreamFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.streamActions[action]; ok {
		panic(fmt.Sprintf("worker: stream action %q registered twice", action))
	}
	h.streamActions[action] = fn
}

// Done is closed once the handler is destroyed.
func (h *MessageHandler) Done() <-chan struct{} { return h.ctx.Done() }

// Err returns why the handler stopped, or nil while it runs.
func (h *MessageHandler) Err() error { return context.Cause(h.ctx) }

func encode(data any) (json.RawMessage, error) {
	switch v := data.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return v, nil
	}
	b, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return b, nil
}

func (h *MessageHandler) post(ctx context.Context, msg *Message) error {
	msg.Source, msg.Target = h.source, h.target
	if err := h.ctx.Err(); err != nil {
		return context.Cause(h.ctx)
	}
	return h.port.Send(ctx, msg)
}

// Send posts a one-way action.
func (h *MessageHandler) Send(ctx context.Context, action string, data any) error {
	raw, err := encode(data)
	if err != nil {
		return err
	}
	return h.post(ctx, &Message{Action: action, Data: raw})
}

// SendWithPromise posts an action and waits for its reply. An error reply
// is returned as the typed error it stands for.
func (h *MessageHandler) SendWithPromise(ctx context.Context, action string, data any) (json.RawMessage, error) {
	raw, err := encode(data)
	if err != nil {
		return nil, err
	}
	ch := make(chan *Message, 1)
	h.mu.Lock()
	h.nextCallback++
	id := h.nextCallback
	h.callbacks[id] = ch
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		delete(h.callbacks, id)
		h.mu.Unlock()
	}()

	if err := h.post(ctx, &Message{Action: action, CallbackID: id, Data: raw}); err != nil {
		return nil, err
	}
	select {
	case reply := <-ch:
		if reply.Callback == CallbackError {
			return nil, reply.Reason.Err()
		}
		return reply.Data, nil
	case <-ctx.Done():
		return nil, context.Cause(ctx)
	case <-h.ctx.Done():
		return nil, context.Cause(h.ctx)
	}
}

// SendWithStream posts a stream action and returns the consumer end.
func (h *MessageHandler) SendWithStream(ctx context.Context, action string, data any, highWaterMark int) (*Stream, error) {
	raw, err := encode(data)
	if err != nil {
		return nil, err
	}
	if highWaterMark <= 0 {
		highWaterMark = DefaultHighWaterMark
	}
	s := &Stream{h: h, id: uuid.NewString(), hwm: highWaterMark, notify: make(chan struct{}, 1)}
	h.mu.Lock()
	h.streams[s.id] = s
	h.mu.Unlock()
	if err := h.post(ctx, &Message{Action: action, StreamID: s.id, DesiredSize: highWaterMark, Data: raw}); err != nil {
		h.dropStream(s.id)
		return nil, err
	}
	return s, nil
}

// Run dispatches incoming messages until the port fails or the handler is
// destroyed. One-way actions run one at a time in arrival order; promise
// and stream actions run on their own goroutines.
func (h *MessageHandler) Run(ctx context.Context) error {
	ctx, stop := context.WithCancel(ctx)
	defer stop()
	q := newActionQueue()
	go q.run()
	defer q.close()
	go func() {
		select {
		case <-h.ctx.Done():
			stop()
		case <-ctx.Done():
		}
	}()
	for {
		msg, err := h.port.Receive(ctx)
		if err != nil {
			if cause := context.Cause(h.ctx); cause != nil {
				return nil
			}
			h.shutdown(err)
			if errors.Is(err, ErrPortClosed) {
				return nil
			}
			return err
		}
		if msg.Target != h.source {
			h.logger.Debug("dropping message for another endpoint", zap.String("target", msg.Target))
			continue
		}
		h.dispatch(msg, q)
	}
}

func (h *MessageHandler) dispatch(msg *Message, q *actionQueue) {
	switch {
	case msg.Stream != 0:
		h.streamMessage(msg)
	case msg.Callback != 0:
		h.mu.Lock()
		ch, ok := h.callbacks[msg.CallbackID]
		h.mu.Unlock()
		if !ok {
			h.logger.Debug("reply for unknown callback", zap.Int64("callback", msg.CallbackID))
			return
		}
		ch <- msg
	case msg.StreamID != "":
		h.startSink(msg)
	case msg.Action != "":
		h.mu.Lock()
		fn, ok := h.actions[msg.Action]
		h.mu.Unlock()
		if !ok {
			h.logger.Warn("unknown action", zap.String("action", msg.Action))
			if msg.CallbackID != 0 {
				h.reply(msg, nil, fmt.Errorf("unknown action from %s: %s", msg.Source, msg.Action))
			}
			return
		}
		if msg.CallbackID == 0 {
			q.push(func() { h.runAction(msg, fn) })
			return
		}
		go h.runAction(msg, fn)
	}
}

// actionQueue runs one-way actions in the order they arrived. Pushing
// never blocks, so a slow handler cannot stall replies and stream traffic.
type actionQueue struct {
	mu     sync.Mutex
	fns    []func()
	closed bool
	wake   chan struct{}
}

func newActionQueue() *actionQueue {
	return &actionQueue{wake: make(chan struct{}, 1)}
}

func (q *actionQueue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *actionQueue) push(fn func()) {
	q.mu.Lock()
	q.fns = append(q.fns, fn)
	q.mu.Unlock()
	q.signal()
}

// close lets run return once the queued actions are done.
func (q *actionQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.signal()
}

func (q *actionQueue) run() {
	for {
		q.mu.Lock()
		if len(q.fns) == 0 {
			closed := q.closed
			q.mu.Unlock()
			if closed {
				return
			}
			<-q.wake
			continue
		}
		fn := q.fns[0]
		q.fns[0] = nil
		q.fns = q.fns[1:]
		q.mu.Unlock()
		fn()
	}
}

func (h *MessageHandler) runAction(msg *Message, fn ActionFunc) {
	result, err := fn(h.ctx, msg.Data)
	destroy := false
	if f, ok := result.(final); ok {
		result, destroy = f.v, true
	}
	if msg.CallbackID != 0 {
		h.reply(msg, result, err)
	} else if err != nil && !errors.Is(err, ErrTerminated) {
		h.logger.Warn("action failed", zap.String("action", msg.Action), zap.Error(err))
	}
	if destroy {
		h.Destroy()
	}
}

func (h *MessageHandler) reply(msg *Message, result any, err error) {
	out := &Message{CallbackID: msg.CallbackID, Callback: CallbackData}
	if err == nil {
		out.Data, err = encode(result)
	}
	if err != nil {
		out.Callback, out.Data, out.Reason = CallbackError, nil, ToWire(err)
	}
	if err := h.post(h.ctx, out); err != nil {
		h.logger.Debug("reply not sent", zap.String("action", msg.Action), zap.Error(err))
	}
}

// Destroy stops the handler, fails pending promises and streams and closes
// the port.
func (h *MessageHandler) Destroy() {
	h.shutdown(ErrPortClosed)
}

func (h *MessageHandler) shutdown(cause error) {
	h.cancel(cause)
	h.mu.Lock()
	streams := make([]*Stream, 0, len(h.streams))
	for _, s := range h.streams {
		streams = append(streams, s)
	}
	clear(h.streams)
	h.mu.Unlock()
	for _, s := range streams {
		s.fail(cause)
	}
	_ = h.port.Close()
}

func (h *MessageHandler) startSink(msg *Message) {
	h.mu.Lock()
	fn, ok := h.streamActions[msg.Action]
	h.mu.Unlock()
	if !ok {
		h.logger.Warn("unknown stream action", zap.String("action", msg.Action))
		h.postStream(msg.StreamID, StreamError, nil, ToWire(fmt.Errorf("unknown stream action: %s", msg.Action)))
		return
	}
	ctx, cancel := context.WithCancelCause(h.ctx)
	s := &Sink{h: h, id: msg.StreamID, ctx: ctx, cancel: cancel, desired: msg.DesiredSize, ready: make(chan struct{}, 1)}
	h.mu.Lock()
	h.sinks[s.id] = s
	h.mu.Unlock()

	go func() {
		err := fn(ctx, msg.Data, s)
		h.mu.Lock()
		delete(h.sinks, s.id)
		h.mu.Unlock()
		cancelled := context.Cause(ctx) != nil
		cancel(nil)
		switch {
		case cancelled || errors.Is(err, ErrTerminated):
		case err == nil:
			h.postStream(s.id, StreamClose, nil, nil)
		default:
			h.postStream(s.id, StreamError, nil, ToWire(err))
		}
	}()
}

func (h *MessageHandler) postStream(id string, kind StreamKind, data json.RawMessage, reason *WireError) {
	msg := &Message{StreamID: id, Stream: kind, Data: data, Reason: reason}
	if err := h.post(h.ctx, msg); err != nil {
		h.logger.Debug("stream message not sent", zap.String("stream", id), zap.Error(err))
	}
}

func (h *MessageHandler) streamMessage(msg *Message) {
	switch msg.Stream {
	case StreamPull, StreamCancel:
		h.mu.Lock()
		s, ok := h.sinks[msg.StreamID]
		h.mu.Unlock()
		if !ok {
			return
		}
		if msg.Stream == StreamPull {
			s.pull(msg.DesiredSize)
		} else {
			s.cancel(fmt.Errorf("%w: %v", ErrStreamCancelled, msg.Reason.Err()))
		}
	default:
		h.mu.Lock()
		s, ok := h.streams[msg.StreamID]
		h.mu.Unlock()
		if !ok {
			return
		}
		switch msg.Stream {
		case StreamEnqueue:
			s.push(msg.Data)
		case StreamClose:
			h.dropStream(s.id)
			s.finish(nil)
		case StreamError:
			h.dropStream(s.id)
			s.finish(msg.Reason.Err())
		}
	}
}

func (h *MessageHandler) dropStream(id string) {
	h.mu.Lock()
	delete(h.streams, id)
	h.mu.Unlock()
}

// ErrStreamCancelled is the cause seen by a producer whose consumer
// cancelled the stream.
var ErrStreamCancelled = errors.New("stream cancelled by the consumer")

// Sink is the producer end of a stream.
type Sink struct {
	h      *MessageHandler
	id     string
	ctx    context.Context
	cancel context.CancelCauseFunc

	mu      sync.Mutex
	desired int
	ready   chan struct{}
}

func (s *Sink) pull(desired int) {
	s.mu.Lock()
	s.desired = desired
	s.mu.Unlock()
	select {
	case s.ready <- struct{}{}:
	default:
	}
}

// DesiredSize returns how many chunks the consumer currently accepts.
func (s *Sink) DesiredSize() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.desired
}

// Enqueue sends one chunk, first waiting until the consumer wants more.
func (s *Sink) Enqueue(ctx context.Context, chunk any) error {
	raw, err := encode(chunk)
	if err != nil {
		return err
	}
	for {
		s.mu.Lock()
		if s.desired > 0 {
			s.desired--
			s.mu.Unlock()
			break
		}
		s.mu.Unlock()
		select {
		case <-s.ready:
		case <-ctx.Done():
			return context.Cause(ctx)
		case <-s.ctx.Done():
			return context.Cause(s.ctx)
		}
	}
	if s.ctx.Err() != nil {
		return context.Cause(s.ctx)
	}
	return s.h.post(s.ctx, &Message{StreamID: s.id, Stream: StreamEnqueue, Data: raw})
}

// Stream is the consumer end of a stream.
type Stream struct {
	h   *MessageHandler
	id  string
	hwm int

	mu     sync.Mutex
	queue  []json.RawMessage
	done   bool
	err    error
	notify chan struct{}
}

func (s *Stream) signal() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *Stream) push(chunk json.RawMessage) {
	s.mu.Lock()
	s.queue = append(s.queue, chunk)
	s.mu.Unlock()
	s.signal()
}

func (s *Stream) finish(err error) {
	s.mu.Lock()
	s.done, s.err = true, err
	s.mu.Unlock()
	s.signal()
}

func (s *Stream) fail(err error) {
	s.mu.Lock()
	if !s.done {
		s.done, s.err = true, err
	}
	s.mu.Unlock()
	s.signal()
}

// Read returns the next chunk. done is true once the producer closed the
// stream and every chunk was read.
func (s *Stream) Read(ctx context.Context) (chunk json.RawMessage, done bool, err error) {
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			chunk = s.queue[0]
			s.queue = s.queue[1:]
			pending, finished := len(s.queue), s.done
			s.mu.Unlock()
			if !finished && pending < s.hwm {
				s.pull(s.hwm - pending)
			}
			return chunk, false, nil
		}
		if s.done {
			err := s.err
			s.mu.Unlock()
			return nil, true, err
		}
		s.mu.Unlock()
		select {
		case <-s.notify:
		case <-ctx.Done():
			return nil, false, context.Cause(ctx)
		}
	}
}

func (s *Stream) pull(desired int) {
	msg := &Message{StreamID: s.id, Stream: StreamPull, DesiredSize: desired}
	if err := s.h.post(s.h.ctx, msg); err != nil {
		s.h.logger.Debug("pull not sent", zap.String("stream", s.id), zap.Error(err))
	}
}

// Cancel tells the producer to stop. Reads after Cancel fail with reason.
func (s *Stream) Cancel(reason error) {
	if reason == nil {
		reason = ErrAborted
	}
	s.h.dropStream(s.id)
	s.fail(reason)
	s.h.postStream(s.id, StreamCancel, nil, ToWire(reason))
}
