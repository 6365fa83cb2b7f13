package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameRoundTrip(t *testing.T) {
	large := json.RawMessage(`"` + strings.Repeat("operator list ", 400) + `"`)
	for _, compress := range []bool{false, true} {
		codec, err := NewCodec(compress)
		require.NoError(t, err)
		defer codec.Close()

		var buf bytes.Buffer
		msgs := []*Message{
			{Source: MainName, Target: WorkerName, Action: "GetPage", CallbackID: 7, Data: json.RawMessage(`{"pageIndex":2}`)},
			{Source: WorkerName, Target: MainName, StreamID: "s1", Stream: StreamEnqueue, Data: large},
			{Source: WorkerName, Target: MainName, CallbackID: 7, Callback: CallbackError, Reason: &WireError{Name: NameInvalidPDF, Message: "bad"}},
		}
		for _, m := range msgs {
			require.NoError(t, codec.WriteFrame(&buf, m))
		}
		if compress {
			assert.Less(t, buf.Len(), len(large))
		}
		for _, want := range msgs {
			got, err := codec.ReadFrame(&buf)
			require.NoError(t, err)
			assert.Equal(t, want, got)
		}
		_, err = codec.ReadFrame(&buf)
		assert.ErrorIs(t, err, io.EOF)
	}
}

func TestFrameErrors(t *testing.T) {
	codec, err := NewCodec(false)
	require.NoError(t, err)
	defer codec.Close()

	var buf bytes.Buffer
	require.NoError(t, codec.WriteFrame(&buf, &Message{Action: "Cleanup"}))
	truncated := buf.Bytes()[:buf.Len()-2]
	_, err = codec.ReadFrame(bytes.NewReader(truncated))
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)

	_, err = codec.ReadFrame(bytes.NewReader([]byte{0x07, 0, 0, 0, 2, '{', '}'}))
	assert.ErrorContains(t, err, "unknown frame type")

	_, err = codec.ReadFrame(bytes.NewReader([]byte{frameJSON, 0xff, 0xff, 0xff, 0xff}))
	assert.ErrorContains(t, err, "exceeds limit")
}

func TestStreamPort(t *testing.T) {
	codec, err := NewCodec(true)
	require.NoError(t, err)
	defer codec.Close()

	r, w := io.Pipe()
	port := NewStreamPort(r, w, w, codec)
	go func() {
		_ = port.Send(context.Background(), &Message{Source: MainName, Target: WorkerName, Action: "GetStats"})
	}()
	msg, err := port.Receive(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "GetStats", msg.Action)

	require.NoError(t, port.Close())
	assert.ErrorIs(t, port.Send(context.Background(), &Message{}), ErrPortClosed)
}
