package main

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tsawler/pagestream/worker"
)

type health struct {
	Status           string `json:"status"`
	Worker           string `json:"worker"`
	OutstandingTasks int    `json:"outstandingTasks"`
}

// newRouter serves the Prometheus registry and the worker's health.
func newRouter(reg *prometheus.Registry, w *worker.Worker) *mux.Router {
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	r.HandleFunc("/healthz", func(rw http.ResponseWriter, _ *http.Request) {
		h := health{Status: "ok", Worker: w.ID(), OutstandingTasks: w.Scheduler().Outstanding()}
		code := http.StatusOK
		select {
		case <-w.Handler().Done():
			h.Status = "closed"
			code = http.StatusServiceUnavailable
		default:
		}
		rw.Header().Set("Content-Type", "application/json")
		rw.WriteHeader(code)
		_ = json.NewEncoder(rw).Encode(h)
	}).Methods(http.MethodGet)
	return r
}
