// Package logging builds the zap logger shared by the pipelines.
package logging

import (
	"fmt"
	"io"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Options configures [New].
type Options struct {
	Level  string // debug, info, warn, error
	Format string // console or json
	Out    io.Writer
}

// New returns a logger writing to opts.Out. A nil Out yields a no-op logger.
func New(opts Options) (*zap.Logger, error) {
	if opts.Out == nil {
		return zap.NewNop(), nil
	}

	level, err := zapcore.ParseLevel(opts.Level)
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}

	var enc zapcore.Encoder

	switch opts.Format {
	case "", "console":
		cfg := zap.NewDevelopmentEncoderConfig()
		cfg.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05.000")
		enc = zapcore.NewConsoleEncoder(cfg)
	case "json":
		enc = zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
	default:
		return nil, fmt.Errorf("log format %q: want console or json", opts.Format)
	}

	core := zapcore.NewCore(enc, zapcore.AddSync(opts.Out), level)

	return zap.New(core), nil
}

// Verbosity returns the more verbose of base and the level chosen by v
// repeated -v flags (1: info, 2+: debug).
func Verbosity(base string, v int) string {
	want := zapcore.WarnLevel

	switch {
	case v == 1:
		want = zapcore.InfoLevel
	case v >= 2:
		want = zapcore.DebugLevel
	}

	if lvl, err := zapcore.ParseLevel(base); err == nil && lvl <= want {
		return base
	}

	if v <= 0 {
		return base
	}

	return want.String()
}
