package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/tsawler/pagestream/internal/logging"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults do not validate: %v", err)
	}
	if cfg.Loader.RangeChunkSize != 65536 {
		t.Errorf("RangeChunkSize = %d, want 65536", cfg.Loader.RangeChunkSize)
	}
	if cfg.Log.Verbosity != logging.Warnings {
		t.Errorf("Verbosity = %q, want warnings", cfg.Log.Verbosity)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pagestream.yaml")
	data := `
loader:
  range_chunk_size: 1024
  disable_auto_fetch: true
worker:
  terminate_timeout: 250ms
  compression: true
http:
  timeout: 10s
metrics:
  addr: ":9090"
log:
  verbosity: infos
ocr:
  enabled: true
  language: eng+fra
`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Loader.RangeChunkSize != 1024 || !cfg.Loader.DisableAutoFetch {
		t.Errorf("loader = %+v", cfg.Loader)
	}
	if time.Duration(cfg.Worker.TerminateTimeout) != 250*time.Millisecond || !cfg.Worker.Compression {
		t.Errorf("worker = %+v", cfg.Worker)
	}
	if cfg.Worker.HighWaterMark != 4 {
		t.Errorf("HighWaterMark = %d, want the default 4", cfg.Worker.HighWaterMark)
	}
	if got := cfg.HTTPOptions(); got.Timeout != 10*time.Second || got.BreakerFailures != 5 {
		t.Errorf("HTTPOptions = %+v", got)
	}
	if cfg.Metrics.Addr != ":9090" || cfg.Log.Verbosity != logging.Infos || cfg.OCR.Language != "eng+fra" {
		t.Errorf("cfg = %+v", cfg)
	}
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name string
		data string
		want string
	}{
		{"unknown key", "loader:\n  chunk: 1\n", "chunk"},
		{"bad duration", "worker:\n  terminate_timeout: soon\n", "invalid duration"},
		{"zero chunk", "loader:\n  range_chunk_size: 0\n", "range_chunk_size"},
		{"bad verbosity", "log:\n  verbosity: loud\n", "log.verbosity"},
		{"ocr without language", "ocr:\n  enabled: true\n  language: \"\"\n", "ocr.language"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.data))
			if err == nil {
				t.Fatal("expected an error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("expected an error for a missing file")
	}
}
