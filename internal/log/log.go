package log

import (
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

var (
	logger     zerolog.Logger
	loggerOnce sync.Once
	mu         sync.RWMutex
)

// initLogger sets up a console logger on stderr unless Init already ran.
func initLogger() {
	loggerOnce.Do(func() {
		mu.Lock()
		logger = newLogger(os.Stderr, "console")
		mu.Unlock()
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	})
}

// Init replaces the process logger. format is "console" or "json".
func Init(w io.Writer, format string, level Level) {
	loggerOnce.Do(func() {})
	if w == nil {
		w = os.Stderr
	}
	mu.Lock()
	logger = newLogger(w, format)
	mu.Unlock()
	SetLevel(level)
}

func newLogger(w io.Writer, format string) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	if format != "json" {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: "15:04:05.000"}
	}
	return zerolog.New(w).With().Timestamp().Logger()
}

func SetLevel(l Level) {
	initLogger()
	zerolog.SetGlobalLevel(toZerolog(l))
}

// ParseLevel maps config strings ("debug", "info", ...) to a Level.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

func Debug(msg string, kv ...any) {
	logWithLevel(zerolog.DebugLevel, nil, msg, kv...)
}

func Info(msg string, kv ...any) {
	logWithLevel(zerolog.InfoLevel, nil, msg, kv...)
}

func Warn(msg string, err error, kv ...any) {
	logWithLevel(zerolog.WarnLevel, err, msg, kv...)
}

func Error(msg string, err error, kv ...any) {
	logWithLevel(zerolog.ErrorLevel, err, msg, kv...)
}

func logWithLevel(level zerolog.Level, err error, msg string, kv ...any) {
	initLogger()

	mu.RLock()
	l := logger
	mu.RUnlock()

	ev := l.WithLevel(level)
	if ev == nil {
		return
	}
	if err != nil {
		ev = ev.Err(err)
	}
	// Expect kv as pairs: key, value, key, value, ...
	// If odd number of args, last one is ignored.
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			continue
		}
		ev = ev.Interface(key, kv[i+1])
	}
	ev.Msg(msg)
}

func toZerolog(l Level) zerolog.Level {
	switch l {
	case LevelDebug:
		return zerolog.DebugLevel
	case LevelWarn:
		return zerolog.WarnLevel
	case LevelError:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
