package logx

import (
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
)

type Level = zerolog.Level

const (
	LevelTrace = zerolog.TraceLevel
	LevelDebug = zerolog.DebugLevel
	LevelInfo  = zerolog.InfoLevel
	LevelWarn  = zerolog.WarnLevel
	LevelError = zerolog.ErrorLevel
)

const timeFormat = "2006-01-02T15:04:05.000Z07:00"

func init() {
	zerolog.ErrorFieldName = "err"
	zerolog.TimeFieldFormat = timeFormat
}

// Logger carries fixed fields over a sink. A Logger from a Service follows
// every later Service.Apply. The zero value discards everything.
type Logger struct {
	src    source
	fields []Field
}

// source yields the zerolog logger to write through.
type source interface {
	current() zerolog.Logger
}

type fixed zerolog.Logger

func (f fixed) current() zerolog.Logger { return zerolog.Logger(f) }

// Nop discards everything but, unlike the zero value, is not IsZero.
func Nop() Logger { return Logger{src: fixed(zerolog.Nop())} }

// NewConsole writes human-readable lines to stderr.
func NewConsole(level string) Logger {
	return Logger{src: fixed(build(consoleWriter(os.Stderr), level))}
}

// NewWriter writes JSON lines to w.
func NewWriter(w io.Writer, level string) Logger {
	return Logger{src: fixed(build(w, level))}
}

func build(w io.Writer, level string) zerolog.Logger {
	return zerolog.New(w).Level(parseLevel(level, zerolog.InfoLevel)).With().Timestamp().Logger()
}

func (l Logger) IsZero() bool { return l.src == nil && len(l.fields) == 0 }

func (l Logger) zl() zerolog.Logger {
	if l.src == nil {
		return zerolog.Nop()
	}
	return l.src.current()
}

// Enabled reports whether level would be written.
func (l Logger) Enabled(level Level) bool {
	zl := l.zl()
	return level >= zl.GetLevel() && level >= zerolog.GlobalLevel()
}

// With returns a copy that adds fields to every line.
func (l Logger) With(fields ...Field) Logger {
	if len(fields) == 0 {
		return l
	}
	l.fields = append(l.fields[:len(l.fields):len(l.fields)], fields...)
	return l
}

func (l Logger) Trace(msg string, fields ...Field) { l.write(zerolog.TraceLevel, msg, fields) }
func (l Logger) Debug(msg string, fields ...Field) { l.write(zerolog.DebugLevel, msg, fields) }
func (l Logger) Info(msg string, fields ...Field)  { l.write(zerolog.InfoLevel, msg, fields) }
func (l Logger) Warn(msg string, fields ...Field)  { l.write(zerolog.WarnLevel, msg, fields) }
func (l Logger) Error(msg string, fields ...Field) { l.write(zerolog.ErrorLevel, msg, fields) }

func (l Logger) write(level zerolog.Level, msg string, fields []Field) {
	zl := l.zl()
	e := zl.WithLevel(level)
	if e == nil {
		return
	}
	// skip write and the level method
	if _, file, line, ok := runtime.Caller(2); ok {
		e.Str(zerolog.CallerFieldName, filepath.Base(file)+":"+strconv.Itoa(line))
	}
	for _, set := range [2][]Field{l.fields, fields} {
		for _, f := range set {
			if f != nil {
				f(e)
			}
		}
	}
	e.Msg(msg)
}

func consoleWriter(w io.Writer) io.Writer {
	return zerolog.ConsoleWriter{
		Out:          w,
		TimeFormat:   timeFormat,
		FormatCaller: func(i any) string { s, _ := i.(string); return s },
	}
}

func parseLevel(s string, def zerolog.Level) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	}
	return def
}
