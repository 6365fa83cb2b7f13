package worker

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// Frame types. A frame is the type byte, the payload length as a 4-byte
// big-endian integer, and the payload: a JSON message, zstd compressed
// for frameZstd.
const (
	frameJSON = byte(0x00)
	frameZstd = byte(0x01)
)

// MaxFrameSize bounds the payload a reader accepts.
const MaxFrameSize = 256 << 20

// compressMin is the smallest payload worth compressing.
const compressMin = 512

// Codec reads and writes message frames.
type Codec struct {
	compress bool
	enc      *zstd.Encoder
	dec      *zstd.Decoder
}

// NewCodec creates a codec. With compress set, large payloads are written
// zstd compressed; compressed frames are always readable.
func NewCodec(compress bool) (*Codec, error) {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("zstd reader: %w", err)
	}
	c := &Codec{compress: compress, dec: dec}
	if compress {
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
		if err != nil {
			return nil, fmt.Errorf("zstd writer: %w", err)
		}
		c.enc = enc
	}
	return c, nil
}

// Close releases the compressor state.
func (c *Codec) Close() {
	c.dec.Close()
	if c.enc != nil {
		_ = c.enc.Close()
	}
}

// WriteFrame encodes msg as a single frame.
func (c *Codec) WriteFrame(w io.Writer, msg *Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	kind := frameJSON
	if c.enc != nil && len(payload) >= compressMin {
		payload = c.enc.EncodeAll(payload, nil)
		kind = frameZstd
	}
	if len(payload) > MaxFrameSize {
		return fmt.Errorf("frame of %d bytes exceeds limit", len(payload))
	}
	var header [5]byte
	header[0] = kind
	binary.BigEndian.PutUint32(header[1:], uint32(len(payload)))
	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	_, err = w.Write(payload)
	return err
}

// ReadFrame decodes the next frame. It returns io.EOF at a clean end of
// input and io.ErrUnexpectedEOF for a truncated frame.
func (c *Codec) ReadFrame(r io.Reader) (*Message, error) {
	var header [5]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(header[1:])
	if n > MaxFrameSize {
		return nil, fmt.Errorf("frame of %d bytes exceeds limit", n)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	switch header[0] {
	case frameJSON:
	case frameZstd:
		var err error
		if payload, err = c.dec.DecodeAll(payload, nil); err != nil {
			return nil, fmt.Errorf("decompress frame: %w", err)
		}
	default:
		return nil, fmt.Errorf("unknown frame type 0x%02x", header[0])
	}
	msg := new(Message)
	if err := json.Unmarshal(payload, msg); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	return msg, nil
}

// StreamPort carries frames over a byte stream, such as the standard input
// and output of a worker process.
type StreamPort struct {
	r      *bufio.Reader
	w      io.Writer
	closer io.Closer
	codec  *Codec

	wmu       sync.Mutex
	closeOnce sync.Once
	closed    chan struct{}
}

// NewStreamPort reads frames from r and writes them to w. closer, which
// may be nil, is closed with the port.
func NewStreamPort(r io.Reader, w io.Writer, closer io.Closer, codec *Codec) *StreamPort {
	return &StreamPort{r: bufio.NewReader(r), w: w, closer: closer, codec: codec, closed: make(chan struct{})}
}

func (p *StreamPort) Send(ctx context.Context, msg *Message) error {
	if ctx.Err() != nil {
		return context.Cause(ctx)
	}
	select {
	case <-p.closed:
		return ErrPortClosed
	default:
	}
	p.wmu.Lock()
	defer p.wmu.Unlock()
	if err := p.codec.WriteFrame(p.w, msg); err != nil {
		return err
	}
	if f, ok := p.w.(interface{ Flush() error }); ok {
		return f.Flush()
	}
	return nil
}

// Receive blocks on the underlying reader; ctx is checked before reading.
func (p *StreamPort) Receive(ctx context.Context) (*Message, error) {
	if ctx.Err() != nil {
		return nil, context.Cause(ctx)
	}
	msg, err := p.codec.ReadFrame(p.r)
	if err != nil {
		select {
		case <-p.closed:
			return nil, ErrPortClosed
		default:
		}
		return nil, err
	}
	return msg, nil
}

func (p *StreamPort) Close() error {
	var err error
	p.closeOnce.Do(func() {
		close(p.closed)
		if p.closer != nil {
			err = p.closer.Close()
		}
	})
	return err
}
