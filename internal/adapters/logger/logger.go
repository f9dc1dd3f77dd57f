package logger

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
)

// Logger implements the ports.Logger interface using zerolog.
type Logger struct {
	zl zerolog.Logger
}

// Config holds logger settings.
type Config struct {
	Level  string    // debug, info, warn, error
	Format string    // console or json
	Output io.Writer // defaults to os.Stderr
}

// ParseLevel converts a string level to a zerolog level, defaulting to info.
func ParseLevel(levelStr string) zerolog.Level {
	switch strings.ToLower(levelStr) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// New creates a new zerolog-backed logger.
func New(cfg Config) (*Logger, error) {
	output := cfg.Output
	if output == nil {
		output = os.Stderr
	}

	switch cfg.Format {
	case "", "console":
		output = zerolog.ConsoleWriter{Out: output, TimeFormat: time.RFC3339Nano, NoColor: !isTerminal(output)}
	case "json":
	default:
		return nil, fmt.Errorf("unsupported log format %q", cfg.Format)
	}

	zl := zerolog.New(output).
		Level(ParseLevel(cfg.Level)).
		With().
		Timestamp().
		Logger()

	return &Logger{zl: zl}, nil
}

// isTerminal reports whether w is a terminal, which enables console colours.
func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

func (l *Logger) log(event *zerolog.Event, msg string, fields ...map[string]interface{}) {
	if len(fields) > 0 && fields[0] != nil {
		event = event.Fields(fields[0])
	}
	event.Msg(msg)
}

// Debug logs a message at Debug level.
func (l *Logger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {
	l.log(l.zl.Debug(), msg, fields...)
}

// Info logs a message at Info level.
func (l *Logger) Info(ctx context.Context, msg string, fields ...map[string]interface{}) {
	l.log(l.zl.Info(), msg, fields...)
}

// Warn logs a message at Warning level.
func (l *Logger) Warn(ctx context.Context, msg string, fields ...map[string]interface{}) {
	l.log(l.zl.Warn(), msg, fields...)
}

// Error logs an error message at Error level.
func (l *Logger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
	l.log(l.zl.Error().Err(err), msg, fields...)
}
