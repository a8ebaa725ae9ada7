package tlog

import (
	"fmt"
	"io"
	"os"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sys/unix"
	"golang.org/x/term"
)

// New creates a top-level logger writing to stderr.
//
// Logging is fire-and-forget: write failures of the sink are swallowed and
// never reach the caller.
func New(config Config) *zap.Logger {
	return NewWithOutput(config, os.Stderr)
}

// NewWithOutput is a version of New writing to an arbitrary sink
func NewWithOutput(config Config, out io.Writer) *zap.Logger {
	ec := DefaultEncoderConfig
	var encoder zapcore.Encoder
	switch config.Format {
	case FormatJSON:
		encoder = zapcore.NewJSONEncoder(ec)
	case FormatText:
		var color bool
		switch config.Color {
		case ColorYes:
			color = true
		case ColorNo:
			color = false
		case ColorAuto:
			color = term.IsTerminal(unix.Stderr)
		default:
			panic(fmt.Errorf("unexpected --log-color value: %s", config.Color))
		}
		ec.EncodeLevel = zapcore.CapitalLevelEncoder
		if color {
			ec.EncodeLevel = zapcore.CapitalColorLevelEncoder
		}
		ec.ConsoleSeparator = " "
		encoder = zapcore.NewConsoleEncoder(ec)
	default:
		panic(fmt.Errorf("unexpected --log-format value: %s", config.Format))
	}

	level := zapcore.InfoLevel
	if config.Verbose {
		level = zapcore.DebugLevel
	}

	core := zapcore.NewCore(encoder, zapcore.AddSync(forgetfulWriter{w: out}), zap.NewAtomicLevelAt(level))
	logger := zap.New(core, zap.ErrorOutput(zapcore.AddSync(io.Discard)))

	if config.Name != "" {
		logger = logger.Named(config.Name)
	}

	return logger
}

// NewForTesting creates a logger for use in unit tests
func NewForTesting(t *testing.T) *zap.Logger {
	return New(Config{
		Name:    t.Name(),
		Format:  FormatText,
		Color:   ColorAuto,
		Verbose: true,
	})
}

type forgetfulWriter struct {
	w io.Writer
}

func (fw forgetfulWriter) Write(p []byte) (int, error) {
	_, _ = fw.w.Write(p)
	return len(p), nil
}
