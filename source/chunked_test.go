package source

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/pagestream/core"
)

func testData(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i % 251)
	}
	return data
}

// fakeFetcher serves ranges from data and records every request.
type fakeFetcher struct {
	data []byte
	err  error

	mu       sync.Mutex
	requests [][2]int64
	gate     chan struct{}
}

func (f *fakeFetcher) ReadRange(ctx context.Context, begin, end int64) ([]byte, error) {
	f.mu.Lock()
	f.requests = append(f.requests, [2]int64{begin, end})
	gate := f.gate
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, context.Cause(ctx)
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	return append([]byte(nil), f.data[begin:end]...), nil
}

func (f *fakeFetcher) Requests() [][2]int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][2]int64(nil), f.requests...)
}

func TestMemorySource(t *testing.T) {
	data := testData(100)
	src := NewMemorySource(data)
	assert.Equal(t, int64(100), src.Length())
	assert.True(t, src.SupportsRandomAccess())
	require.NoError(t, src.EnsureRange(context.Background(), 0, 1000))

	got, err := Read(context.Background(), src, 90, 20)
	require.NoError(t, err)
	assert.Equal(t, data[90:], got)

	_, err = Read(context.Background(), src, 200, 1)
	assert.ErrorIs(t, err, io.EOF)
}

func TestChunkedReadAtReportsMissingTail(t *testing.T) {
	data := testData(64)
	src := NewChunkedSource(64, nil, ChunkedOptions{ChunkSize: 16})
	src.OnReceiveData(0, data[:16])
	src.OnReceiveData(32, data[32:48])

	buf := make([]byte, 40)
	n, err := src.ReadAt(buf, 4)
	assert.Equal(t, 12, n)
	assert.Equal(t, data[4:16], buf[:n])
	var mde *core.MissingDataError
	require.ErrorAs(t, err, &mde)
	assert.Equal(t, int64(16), mde.Begin)
	assert.Equal(t, int64(44), mde.End)

	n, err = src.ReadAt(buf[:8], 36)
	require.NoError(t, err)
	assert.Equal(t, data[36:44], buf[:n])
}

func TestChunkedOutOfOrderDeliveryResumesWaiter(t *testing.T) {
	data := testData(48)
	src := NewChunkedSource(48, nil, ChunkedOptions{ChunkSize: 16})

	result := make(chan error, 1)
	go func() { result <- src.EnsureRange(context.Background(), 0, 48) }()

	src.OnReceiveData(32, data[32:])
	src.OnReceiveData(0, data[:16])
	select {
	case err := <-result:
		t.Fatalf("EnsureRange returned early: %v", err)
	case <-time.After(20 * time.Millisecond):
	}

	src.OnReceiveData(16, data[16:32])
	select {
	case err := <-result:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("EnsureRange did not resume")
	}
	got, err := Read(context.Background(), src, 0, 48)
	require.NoError(t, err)
	assert.Equal(t, data, got)
	assert.True(t, src.Complete())
}

func TestChunkedGroupsRequests(t *testing.T) {
	data := testData(100)
	f := &fakeFetcher{data: data}
	src := NewChunkedSource(100, f, ChunkedOptions{ChunkSize: 16})
	src.OnReceiveData(32, data[32:48])

	require.NoError(t, src.EnsureRange(context.Background(), 5, 70))
	assert.ElementsMatch(t, [][2]int64{{0, 32}, {48, 80}}, f.Requests())

	got, err := Read(context.Background(), src, 5, 65)
	require.NoError(t, err)
	assert.Equal(t, data[5:70], got)
	assert.False(t, src.Complete())
}

func TestChunkedLastChunkIsShort(t *testing.T) {
	data := testData(40)
	f := &fakeFetcher{data: data}
	src := NewChunkedSource(40, f, ChunkedOptions{ChunkSize: 16})
	require.NoError(t, src.EnsureRange(context.Background(), 35, 40))
	assert.Equal(t, [][2]int64{{32, 40}}, f.Requests())
	assert.Equal(t, 1, src.LoadedChunks())
}

func TestChunkedFetchFailureReachesWaiter(t *testing.T) {
	boom := errors.New("network down")
	src := NewChunkedSource(64, &fakeFetcher{err: boom}, ChunkedOptions{ChunkSize: 16})
	err := src.EnsureRange(context.Background(), 0, 10)
	assert.ErrorIs(t, err, boom)
}

func TestChunkedContextCancel(t *testing.T) {
	src := NewChunkedSource(64, nil, ChunkedOptions{ChunkSize: 16})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := src.EnsureRange(ctx, 0, 10)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestChunkedCancelAll(t *testing.T) {
	f := &fakeFetcher{data: testData(64), gate: make(chan struct{})}
	src := NewChunkedSource(64, f, ChunkedOptions{ChunkSize: 16})

	result := make(chan error, 1)
	go func() { result <- src.EnsureRange(context.Background(), 0, 64) }()
	require.Eventually(t, func() bool { return len(f.Requests()) > 0 }, time.Second, time.Millisecond)

	reason := errors.New("worker terminated")
	src.CancelAll(reason)
	src.CancelAll(errors.New("second call is ignored"))
	select {
	case err := <-result:
		assert.ErrorIs(t, err, reason)
	case <-time.After(time.Second):
		t.Fatal("waiter was not released")
	}
	assert.ErrorIs(t, src.EnsureRange(context.Background(), 0, 1), reason)

	idle := NewChunkedSource(10, nil, ChunkedOptions{})
	idle.CancelAll(nil)
	assert.ErrorIs(t, idle.EnsureRange(context.Background(), 0, 1), ErrCancelled)
}

func TestChunkedAutoFetch(t *testing.T) {
	data := testData(200)
	f := &fakeFetcher{data: data}
	var mu sync.Mutex
	var last int64
	src := NewChunkedSource(200, f, ChunkedOptions{
		ChunkSize: 32,
		AutoFetch: true,
		OnProgress: func(loaded, total int64) {
			mu.Lock()
			if loaded > last {
				last = loaded
			}
			mu.Unlock()
		},
	})
	require.NoError(t, src.EnsureRange(context.Background(), 0, 1))

	select {
	case <-src.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("auto-fetch stalled at %d of %d chunks", src.LoadedChunks(), src.NumChunks())
	}
	got, ok := src.Bytes()
	require.True(t, ok)
	assert.True(t, bytes.Equal(data, got))
	mu.Lock()
	assert.Equal(t, int64(200), last)
	mu.Unlock()
}

func TestChunkedProgressiveData(t *testing.T) {
	data := testData(50)
	src := NewChunkedSource(50, nil, ChunkedOptions{ChunkSize: 16})
	src.OnReceiveProgressiveData(data[:20])
	assert.Equal(t, 1, src.LoadedChunks())
	src.OnReceiveProgressiveData(data[20:45])
	assert.Equal(t, 2, src.LoadedChunks())
	src.OnReceiveProgressiveData(data[45:])
	assert.True(t, src.Complete())

	got, err := Read(context.Background(), src, 0, 50)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestGroupRuns(t *testing.T) {
	assert.Equal(t, []chunkRun{{0, 2}, {4, 5}, {7, 9}}, groupRuns([]int{0, 1, 4, 7, 8}))
	assert.Nil(t, groupRuns(nil))
}
