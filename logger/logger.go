package logger

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Package-level logger shared by every component. Components call
// logger.Infof / Warnf / Errorf directly; structured call sites use With().
var (
	mu  sync.RWMutex
	log = newLogger("info", "console")
)

// Init configures the process logger. format is "console" or "json";
// level is any zerolog level string ("debug", "info", "warn", "error").
func Init(level, format string) {
	mu.Lock()
	defer mu.Unlock()
	log = newLogger(level, format)
}

func newLogger(level, format string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		lvl = zerolog.InfoLevel
	}

	var l zerolog.Logger
	if format == "json" {
		l = zerolog.New(os.Stdout)
	} else {
		l = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: "2006-01-02 15:04:05"})
	}
	return l.Level(lvl).With().Timestamp().Logger()
}

func current() *zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	l := log
	return &l
}

// With returns a zerolog context for structured fields, e.g.
// logger.With().Str("symbol", sym).Logger().
func With() zerolog.Context {
	return current().With()
}

// Event returns a raw info-level event for fully structured records
// (decision logs, risk verdicts).
func Event() *zerolog.Event {
	return current().Info()
}

// WarnEvent returns a raw warn-level event.
func WarnEvent() *zerolog.Event {
	return current().Warn()
}

func Debugf(format string, args ...interface{}) {
	current().Debug().Msg(fmt.Sprintf(format, args...))
}

func Info(args ...interface{}) {
	current().Info().Msg(fmt.Sprint(args...))
}

func Infof(format string, args ...interface{}) {
	current().Info().Msg(fmt.Sprintf(format, args...))
}

func Warnf(format string, args ...interface{}) {
	current().Warn().Msg(fmt.Sprintf(format, args...))
}

func Errorf(format string, args ...interface{}) {
	current().Error().Msg(fmt.Sprintf(format, args...))
}

// Fatalf logs and exits. Only the entrypoint should call this.
func Fatalf(format string, args ...interface{}) {
	current().Fatal().Msg(fmt.Sprintf(format, args...))
}

// Timestamp returns the wall clock used in log records; kept in one place so
// tests can compare formatted times.
func Timestamp() string {
	return time.Now().Format("2006-01-02 15:04:05")
}
