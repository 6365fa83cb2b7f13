// Package config loads the YAML configuration of the commands.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/tsawler/pagestream/internal/logging"
	"github.com/tsawler/pagestream/source"
	"github.com/tsawler/pagestream/worker"
)

// Duration is a time.Duration written as "5s" or "250ms" in YAML.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

type Loader struct {
	RangeChunkSize   int64 `yaml:"range_chunk_size"`
	DisableAutoFetch bool  `yaml:"disable_auto_fetch"`
	DisableStream    bool  `yaml:"disable_stream"`
	DisableRange     bool  `yaml:"disable_range"`
}

type Worker struct {
	TerminateTimeout Duration `yaml:"terminate_timeout"`
	HighWaterMark    int      `yaml:"high_water_mark"`
	// Compression zstd-compresses large frames on the stdio channel.
	Compression bool `yaml:"compression"`
}

type HTTP struct {
	Timeout         Duration `yaml:"timeout"`
	BreakerFailures uint32   `yaml:"breaker_failures"`
	BreakerCooldown Duration `yaml:"breaker_cooldown"`
}

type Metrics struct {
	// Addr is the listen address of /metrics and /healthz. Empty disables
	// the endpoint.
	Addr string `yaml:"addr"`
}

type Log struct {
	Verbosity   logging.Verbosity `yaml:"verbosity"`
	Development bool              `yaml:"development"`
}

type OCR struct {
	Enabled  bool   `yaml:"enabled"`
	Language string `yaml:"language"`
}

// Config is the whole configuration file.
type Config struct {
	Loader  Loader  `yaml:"loader"`
	Worker  Worker  `yaml:"worker"`
	HTTP    HTTP    `yaml:"http"`
	Metrics Metrics `yaml:"metrics"`
	Log     Log     `yaml:"log"`
	OCR     OCR     `yaml:"ocr"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Loader: Loader{RangeChunkSize: source.DefaultChunkSize},
		Worker: Worker{
			TerminateTimeout: Duration(worker.DefaultTerminateTimeout),
			HighWaterMark:    worker.DefaultHighWaterMark,
		},
		HTTP: HTTP{
			Timeout:         Duration(30 * time.Second),
			BreakerFailures: 5,
			BreakerCooldown: Duration(30 * time.Second),
		},
		Log: Log{Verbosity: logging.Warnings},
		OCR: OCR{Language: "eng"},
	}
}

// Load reads path over the defaults. An empty path returns the defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes data over the defaults and validates the result. Unknown
// keys are an error.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.UnmarshalStrict(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports every invalid field.
func (c *Config) Validate() error {
	var errs []error
	if c.Loader.RangeChunkSize <= 0 {
		errs = append(errs, fmt.Errorf("loader.range_chunk_size must be positive, got %d", c.Loader.RangeChunkSize))
	}
	if c.Worker.TerminateTimeout <= 0 {
		errs = append(errs, errors.New("worker.terminate_timeout must be positive"))
	}
	if c.Worker.HighWaterMark <= 0 {
		errs = append(errs, fmt.Errorf("worker.high_water_mark must be positive, got %d", c.Worker.HighWaterMark))
	}
	if c.HTTP.Timeout < 0 {
		errs = append(errs, errors.New("http.timeout must not be negative"))
	}
	if c.HTTP.BreakerFailures == 0 {
		errs = append(errs, errors.New("http.breaker_failures must be positive"))
	}
	if _, err := c.Log.Verbosity.Level(); err != nil {
		errs = append(errs, fmt.Errorf("log.verbosity: %w", err))
	}
	if c.OCR.Enabled && c.OCR.Language == "" {
		errs = append(errs, errors.New("ocr.language is required when ocr is enabled"))
	}
	return errors.Join(errs...)
}

// HTTPOptions returns the transport options for the HTTP section.
func (c *Config) HTTPOptions() source.HTTPOptions {
	return source.HTTPOptions{
		Timeout:         time.Duration(c.HTTP.Timeout),
		BreakerFailures: c.HTTP.BreakerFailures,
		BreakerCooldown: time.Duration(c.HTTP.BreakerCooldown),
	}
}
