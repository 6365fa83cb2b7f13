// Command pagestream-worker serves one document over stdin and stdout.
//
// The caller writes framed messages to the process's stdin and reads the
// replies from its stdout. Logs go to stderr. With metrics.addr set, the
// process also serves /metrics and /healthz.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/tsawler/pagestream/internal/config"
	"github.com/tsawler/pagestream/internal/logging"
	"github.com/tsawler/pagestream/internal/metrics"
	"github.com/tsawler/pagestream/ocr"
	"github.com/tsawler/pagestream/worker"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML configuration file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, "pagestream-worker:", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.Log.Verbosity, cfg.Log.Development, "pagestream-worker")
	if err != nil {
		return err
	}
	defer logger.Sync()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	codec, err := worker.NewCodec(cfg.Worker.Compression)
	if err != nil {
		return err
	}
	defer codec.Close()
	port := worker.NewStreamPort(os.Stdin, bufio.NewWriter(os.Stdout), os.Stdout, codec)

	opts := worker.Options{
		Logger:           logger,
		Metrics:          m,
		TerminateTimeout: time.Duration(cfg.Worker.TerminateTimeout),
		HighWaterMark:    cfg.Worker.HighWaterMark,
	}
	if cfg.OCR.Enabled {
		client, err := ocr.New(cfg.OCR.Language)
		if err != nil {
			logger.Warn("OCR disabled", zap.Error(err))
		} else {
			defer client.Close()
			opts.Recognizer = client
		}
	}
	w := worker.New(port, opts)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var srv *http.Server
	if cfg.Metrics.Addr != "" {
		srv = &http.Server{
			Addr:              cfg.Metrics.Addr,
			Handler:           newRouter(reg, w),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			logger.Info("metrics endpoint listening", zap.String("addr", srv.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics endpoint failed", zap.Error(err))
			}
		}()
	}

	logger.Info("worker started", zap.String("worker", w.ID()))
	err = w.Serve(ctx)
	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if serr := srv.Shutdown(shutdownCtx); serr != nil {
			logger.Warn("metrics endpoint shutdown", zap.Error(serr))
		}
	}
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	logger.Info("worker exited", zap.String("worker", w.ID()))
	return err
}
