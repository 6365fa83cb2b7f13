package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := New(reg)

	c.TaskStarted()
	c.TaskStarted()
	c.TaskFinished(false)
	c.TaskFinished(true)
	c.CacheHit()
	c.CacheMiss()
	c.CacheMiss()
	c.Loaded(4096)
	c.ObserveAction("GetPage", 10*time.Millisecond, "")
	c.ObserveAction("GetPage", time.Millisecond, "InvalidPDFException")

	assert.Equal(t, 2.0, testutil.ToFloat64(c.TasksStarted))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.TasksFinished))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.TasksTerminated))
	assert.Equal(t, 0.0, testutil.ToFloat64(c.TasksOutstanding))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.CacheHits))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.CacheMisses))
	assert.Equal(t, 4096.0, testutil.ToFloat64(c.BytesLoaded))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.ActionErrors.WithLabelValues("GetPage", "InvalidPDFException")))

	n, err := testutil.GatherAndCount(reg)
	require.NoError(t, err)
	assert.Greater(t, n, 0)
}

func TestNilCollectors(t *testing.T) {
	var c *Collectors
	c.TaskStarted()
	c.TaskFinished(true)
	c.CacheHit()
	c.CacheMiss()
	c.RangeRequested()
	c.Loaded(1)
	c.ObserveAction("x", time.Second, "y")
}
