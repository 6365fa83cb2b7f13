package worker

import (
	"context"
	"errors"
	"sync"
)

// ErrPortClosed is returned by a port after Close.
var ErrPortClosed = errors.New("worker: port closed")

// Port moves messages between the two ends of a worker channel.
type Port interface {
	Send(ctx context.Context, msg *Message) error
	Receive(ctx context.Context) (*Message, error)
	Close() error
}

// pipeBuffer is the number of messages in flight per direction.
const pipeBuffer = 64

type pipe struct {
	once   sync.Once
	closed chan struct{}
}

type pipePort struct {
	p   *pipe
	in  <-chan *Message
	out chan<- *Message
}

// Pipe returns the two ends of an in-process channel. Closing either end
// closes both.
func Pipe() (Port, Port) {
	p := &pipe{closed: make(chan struct{})}
	a := make(chan *Message, pipeBuffer)
	b := make(chan *Message, pipeBuffer)
	return &pipePort{p: p, in: a, out: b}, &pipePort{p: p, in: b, out: a}
}

func (pp *pipePort) Send(ctx context.Context, msg *Message) error {
	select {
	case <-pp.p.closed:
		return ErrPortClosed
	default:
	}
	select {
	case pp.out <- msg:
		return nil
	case <-pp.p.closed:
		return ErrPortClosed
	case <-ctx.Done():
		return context.Cause(ctx)
	}
}

// Receive drains messages sent before Close ahead of reporting the close.
func (pp *pipePort) Receive(ctx context.Context) (*Message, error) {
	select {
	case msg := <-pp.in:
		return msg, nil
	default:
	}
	select {
	case msg := <-pp.in:
		return msg, nil
	case <-pp.p.closed:
		return nil, ErrPortClosed
	case <-ctx.Done():
		return nil, context.Cause(ctx)
	}
}

func (pp *pipePort) Close() error {
	pp.p.once.Do(func() { close(pp.p.closed) })
	return nil
}
