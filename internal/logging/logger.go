// Package logging provides the gateway's structured JSON logger.
//
// It is a thin layer over zerolog that adds two contracts the gateway relies
// on everywhere: child loggers carrying fixed context, and redaction of
// credential-bearing fields before anything reaches the sink.
package logging

import (
	"io"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options configures a root logger.
type Options struct {
	Level string // debug, info, warn or error
	Dir   string // when set, log to a rotated file under this directory
}

// Logger emits structured records at or above its configured level. Child
// loggers share the sink and merge their fixed context into every record.
type Logger struct {
	zl      zerolog.Logger
	context map[string]any
}

// New creates the root logger. Records go to stdout as JSON, or to
// <dir>/gateway.log with rotation when a log directory is configured.
func New(opts Options) *Logger {
	var out io.Writer = os.Stdout
	if opts.Dir != "" {
		out = &lumberjack.Logger{
			Filename:   filepath.Join(opts.Dir, "gateway.log"),
			MaxSize:    100, // megabytes
			MaxBackups: 5,
			MaxAge:     14, // days
			Compress:   true,
		}
	}

	zl := zerolog.New(out).
		Level(parseLevel(opts.Level)).
		With().
		Timestamp().
		Str("service", "realtime-gateway").
		Logger()

	return &Logger{zl: zl}
}

// NewNop returns a logger that discards everything. Used in tests.
func NewNop() *Logger {
	return &Logger{zl: zerolog.Nop()}
}

func parseLevel(level string) zerolog.Level {
	switch level {
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// Child returns a logger that merges ctx into every subsequent record.
// Redaction applies to the child context as well, so a secret placed in a
// child's fixed fields never reaches the sink either.
func (l *Logger) Child(ctx map[string]any) *Logger {
	merged := make(map[string]any, len(l.context)+len(ctx))
	for k, v := range l.context {
		merged[k] = v
	}
	for k, v := range Redact(ctx) {
		merged[k] = v
	}
	return &Logger{zl: l.zl, context: merged}
}

func (l *Logger) Debug(msg string, data map[string]any) { l.emit(l.zl.Debug(), msg, data) }
func (l *Logger) Info(msg string, data map[string]any)  { l.emit(l.zl.Info(), msg, data) }
func (l *Logger) Warn(msg string, data map[string]any)  { l.emit(l.zl.Warn(), msg, data) }
func (l *Logger) Error(msg string, data map[string]any) { l.emit(l.zl.Error(), msg, data) }

// Err logs an error record with the error attached.
func (l *Logger) Err(err error, msg string, data map[string]any) {
	l.emit(l.zl.Error().Err(err), msg, data)
}

func (l *Logger) emit(ev *zerolog.Event, msg string, data map[string]any) {
	for k, v := range l.context {
		ev = ev.Interface(k, v)
	}
	for k, v := range Redact(data) {
		ev = ev.Interface(k, v)
	}
	ev.Msg(msg)
}
