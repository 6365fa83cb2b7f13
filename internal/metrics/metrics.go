// Package metrics holds the Prometheus collectors shared by the loader,
// the object store and the worker. A nil *Collectors is valid and records
// nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "pagestream"

// Collectors groups every metric the module exports.
type Collectors struct {
	TasksStarted     prometheus.Counter
	TasksFinished    prometheus.Counter
	TasksTerminated  prometheus.Counter
	TasksOutstanding prometheus.Gauge

	CacheHits   prometheus.Counter
	CacheMisses prometheus.Counter

	RangeRequests prometheus.Counter
	BytesLoaded   prometheus.Counter

	ActionDuration *prometheus.HistogramVec
	ActionErrors   *prometheus.CounterVec
}

// New creates the collectors and registers them with reg. A nil reg
// creates unregistered collectors, which tests read with testutil.
func New(reg prometheus.Registerer) *Collectors {
	f := promauto.With(reg)
	return &Collectors{
		TasksStarted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "worker", Name: "tasks_started_total",
			Help: "Worker tasks started.",
		}),
		TasksFinished: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "worker", Name: "tasks_finished_total",
			Help: "Worker tasks that ran to completion.",
		}),
		TasksTerminated: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "worker", Name: "tasks_terminated_total",
			Help: "Worker tasks terminated before finishing.",
		}),
		TasksOutstanding: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "worker", Name: "tasks_outstanding",
			Help: "Worker tasks currently registered with the scheduler.",
		}),
		CacheHits: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "objects", Name: "cache_hits_total",
			Help: "Object fetches served from the cache.",
		}),
		CacheMisses: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "objects", Name: "cache_misses_total",
			Help: "Object fetches that parsed the object.",
		}),
		RangeRequests: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "source", Name: "range_requests_total",
			Help: "Byte range requests issued to the transport.",
		}),
		BytesLoaded: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "source", Name: "bytes_loaded_total",
			Help: "Bytes delivered into chunked sources.",
		}),
		ActionDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "worker", Name: "action_duration_seconds",
			Help:    "Worker action handling time.",
			Buckets: prometheus.DefBuckets,
		}, []string{"action"}),
		ActionErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "worker", Name: "action_errors_total",
			Help: "Worker actions that replied with an error.",
		}, []string{"action", "error"}),
	}
}

func (c *Collectors) TaskStarted() {
	if c == nil {
		return
	}
	c.TasksStarted.Inc()
	c.TasksOutstanding.Inc()
}

func (c *Collectors) TaskFinished(terminated bool) {
	if c == nil {
		return
	}
	if terminated {
		c.TasksTerminated.Inc()
	} else {
		c.TasksFinished.Inc()
	}
	c.TasksOutstanding.Dec()
}

func (c *Collectors) CacheHit() {
	if c != nil {
		c.CacheHits.Inc()
	}
}

func (c *Collectors) CacheMiss() {
	if c != nil {
		c.CacheMisses.Inc()
	}
}

// RangeRequested records one transport request for n bytes.
func (c *Collectors) RangeRequested() {
	if c != nil {
		c.RangeRequests.Inc()
	}
}

func (c *Collectors) Loaded(n int) {
	if c != nil {
		c.BytesLoaded.Add(float64(n))
	}
}

// ObserveAction records the handling time of one action and, when kind is
// not empty, an error of that kind.
func (c *Collectors) ObserveAction(action string, d time.Duration, kind string) {
	if c == nil {
		return
	}
	c.ActionDuration.WithLabelValues(action).Observe(d.Seconds())
	if kind != "" {
		c.ActionErrors.WithLabelValues(action, kind).Inc()
	}
}
