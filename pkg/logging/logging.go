package logging

import (
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

type Level int32

const (
	Error Level = iota
	Warn
	Info
	Debug
)

var current = int32(Info)

var (
	mu   sync.RWMutex
	base = newLogger(os.Stderr)
)

func newLogger(w io.Writer) zerolog.Logger {
	return zerolog.New(zerolog.ConsoleWriter{Out: w, TimeFormat: time.TimeOnly, NoColor: w != os.Stderr}).
		With().
		Timestamp().
		Logger()
}

// setOutput redirects all log output to w. A nil writer restores stderr.
func setOutput(w io.Writer) {
	if w == nil {
		w = os.Stderr
	}
	mu.Lock()
	base = newLogger(w)
	mu.Unlock()
}

func SetLevelFromString(s string) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		atomic.StoreInt32(&current, int32(Debug))
	case "info", "":
		atomic.StoreInt32(&current, int32(Info))
	case "warn", "warning":
		atomic.StoreInt32(&current, int32(Warn))
	case "error", "err":
		atomic.StoreInt32(&current, int32(Error))
	default:
		// Unknown -> keep current
	}
}

func SetQuiet(quiet bool) {
	if quiet {
		atomic.StoreInt32(&current, int32(Error))
	}
}

func CurrentLevel() Level {
	return Level(atomic.LoadInt32(&current))
}

func Enabled(l Level) bool {
	return l <= CurrentLevel()
}

func zerologLevel(l Level) zerolog.Level {
	switch l {
	case Debug:
		return zerolog.DebugLevel
	case Warn:
		return zerolog.WarnLevel
	case Error:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// WithComponent returns a structured logger tagged with the component name
// and filtered at the level in effect when it is created.
func WithComponent(name string) zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return base.With().Str("component", name).Logger().Level(zerologLevel(CurrentLevel()))
}

func logger() zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return base
}

func Debugf(format string, args ...any) {
	if Enabled(Debug) {
		l := logger()
		l.Debug().Msgf(format, args...)
	}
}

func Infof(format string, args ...any) {
	if Enabled(Info) {
		l := logger()
		l.Info().Msgf(format, args...)
	}
}

func Warnf(format string, args ...any) {
	if Enabled(Warn) {
		l := logger()
		l.Warn().Msgf(format, args...)
	}
}

func Errorf(format string, args ...any) {
	if Enabled(Error) {
		l := logger()
		l.Error().Msgf(format, args...)
	}
}

// InitFromEnv allows setting level via env var DROPPROBE_LOG_LEVEL and QUIET via DROPPROBE_QUIET.
func InitFromEnv() {
	if v := os.Getenv("DROPPROBE_LOG_LEVEL"); v != "" {
		SetLevelFromString(v)
	}
	if os.Getenv("DROPPROBE_QUIET") == "1" || strings.EqualFold(os.Getenv("DROPPROBE_QUIET"), "true") {
		SetQuiet(true)
	}
}
