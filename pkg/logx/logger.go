package logx

import (
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const consoleTimeFormat = "2006-01-02T15:04:05.000Z07:00"

// Field adds one key to a log event. When a key repeats, on the logger or in
// the call, only the last value is written.
type Field struct {
	key string
	add func(e *zerolog.Event)
}

func field(k string, add func(e *zerolog.Event)) Field { return Field{key: k, add: add} }

func String(k, v string) Field        { return field(k, func(e *zerolog.Event) { e.Str(k, v) }) }
func Int(k string, v int) Field       { return field(k, func(e *zerolog.Event) { e.Int(k, v) }) }
func Int64(k string, v int64) Field   { return field(k, func(e *zerolog.Event) { e.Int64(k, v) }) }
func Uint64(k string, v uint64) Field { return field(k, func(e *zerolog.Event) { e.Uint64(k, v) }) }
func Bool(k string, v bool) Field     { return field(k, func(e *zerolog.Event) { e.Bool(k, v) }) }
func Time(k string, v time.Time) Field {
	return field(k, func(e *zerolog.Event) { e.Time(k, v) })
}
func Duration(k string, v time.Duration) Field {
	return field(k, func(e *zerolog.Event) { e.Dur(k, v) })
}
func Any(k string, v any) Field { return field(k, func(e *zerolog.Event) { e.Interface(k, v) }) }

// Err is a no-op for a nil error.
func Err(err error) Field {
	return field(zerolog.ErrorFieldName, func(e *zerolog.Event) {
		if err != nil {
			e.Err(err)
		}
	})
}

func Stack(stack string) Field {
	return field("stack", func(e *zerolog.Event) {
		if strings.TrimSpace(stack) != "" {
			e.Str("stack", stack)
		}
	})
}

// Logger is a small value type over zerolog.
//
// A Logger from Service follows every Service.Apply. The zero value
// discards everything, so components can take a Logger without nil checks.
type Logger struct {
	svc     *Service
	base    zerolog.Logger
	hasBase bool
	fields  []Field
}

// Nop returns a logger that never writes.
func Nop() Logger {
	return Logger{base: zerolog.Nop(), hasBase: true}
}

// NewConsole returns a standalone console logger, used before the log
// service exists.
func NewConsole(level string) Logger {
	zerolog.TimeFieldFormat = consoleTimeFormat
	zerolog.ErrorFieldName = "err"
	return Logger{base: newConsoleRoot(parseLevel(level, zerolog.InfoLevel)), hasBase: true}
}

func (l Logger) IsZero() bool { return l.svc == nil && !l.hasBase && len(l.fields) == 0 }

func (l Logger) With(fields ...Field) Logger {
	if len(fields) == 0 {
		return l
	}
	l.fields = append(append([]Field(nil), l.fields...), fields...)
	return l
}

func (l Logger) Debug(msg string, fields ...Field) { l.emit(zerolog.DebugLevel, msg, fields) }
func (l Logger) Info(msg string, fields ...Field)  { l.emit(zerolog.InfoLevel, msg, fields) }
func (l Logger) Warn(msg string, fields ...Field)  { l.emit(zerolog.WarnLevel, msg, fields) }
func (l Logger) Error(msg string, fields ...Field) { l.emit(zerolog.ErrorLevel, msg, fields) }

func (l Logger) zl() zerolog.Logger {
	switch {
	case l.svc != nil:
		return l.svc.current()
	case l.hasBase:
		return l.base
	default:
		return zerolog.Nop()
	}
}

func (l Logger) emit(level zerolog.Level, msg string, fields []Field) {
	zl := l.zl()
	e := zl.WithLevel(level)
	if e == nil {
		return
	}
	if caller := callerAt(3); caller != "" {
		e.Str(zerolog.CallerFieldName, caller)
	}
	all := append(append(make([]Field, 0, len(l.fields)+len(fields)), l.fields...), fields...)
	for i, f := range all {
		if f.add != nil && !overridden(all[i+1:], f.key) {
			f.add(e)
		}
	}
	e.Msg(msg)
}

func overridden(later []Field, key string) bool {
	for _, f := range later {
		if f.key == key && f.add != nil {
			return true
		}
	}
	return false
}

// callerAt returns "file.go:line" for the frame skip levels up.
func callerAt(skip int) string {
	_, file, line, ok := runtime.Caller(skip)
	if !ok || file == "" {
		return ""
	}
	return filepath.Base(file) + ":" + strconv.Itoa(line)
}

func parseLevel(s string, def zerolog.Level) zerolog.Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "TRACE":
		return zerolog.TraceLevel
	case "DEBUG":
		return zerolog.DebugLevel
	case "INFO":
		return zerolog.InfoLevel
	case "WARN", "WARNING":
		return zerolog.WarnLevel
	case "ERROR":
		return zerolog.ErrorLevel
	default:
		return def
	}
}
