// Package logging builds the zap loggers of the commands.
package logging

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Verbosity selects which messages are logged.
type Verbosity string

const (
	Errors   Verbosity = "errors"
	Warnings Verbosity = "warnings"
	Infos    Verbosity = "infos"
	Debug    Verbosity = "debug"
)

// Level maps v onto a zap level.
func (v Verbosity) Level() (zapcore.Level, error) {
	switch Verbosity(strings.ToLower(string(v))) {
	case Errors:
		return zap.ErrorLevel, nil
	case Warnings, "":
		return zap.WarnLevel, nil
	case Infos:
		return zap.InfoLevel, nil
	case Debug:
		return zap.DebugLevel, nil
	}
	return zap.InfoLevel, fmt.Errorf("unknown verbosity %q", string(v))
}

// New returns a JSON logger writing to stderr, or a console logger when
// development is set. Stdout is left alone since the worker process uses
// it for frames.
func New(v Verbosity, development bool, name string) (*zap.Logger, error) {
	level, err := v.Level()
	if err != nil {
		return nil, err
	}
	var cfg zap.Config
	if development {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
		cfg.Sampling = nil
	}
	cfg.Level = zap.NewAtomicLevelAt(level)
	cfg.OutputPaths = []string{"stderr"}
	cfg.ErrorOutputPaths = []string{"stderr"}
	if name != "" {
		cfg.InitialFields = map[string]interface{}{"service": name}
	}
	return cfg.Build()
}
