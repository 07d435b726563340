// Package logger is a thin process-wide wrapper around log/slog with
// printf-style helpers. Output, format, and level are set once at startup
// from configuration and may be changed at runtime.
package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"log/slog"
)

var (
	mu     sync.RWMutex
	root   *slog.Logger
	sink   io.Writer = os.Stdout
	asJSON bool
	level  slog.LevelVar
)

func init() {
	level.Set(slog.LevelInfo)
	root = build()
}

// build assumes mu is held (or init-time single goroutine).
func build() *slog.Logger {
	opts := &slog.HandlerOptions{Level: &level}
	if asJSON {
		return slog.New(slog.NewJSONHandler(sink, opts))
	}
	return slog.New(slog.NewTextHandler(sink, opts))
}

func SetOutput(w io.Writer) {
	if w == nil {
		w = os.Stdout
	}
	mu.Lock()
	sink = w
	root = build()
	mu.Unlock()
}

// SetFormat selects "json" or "text" handlers; the current output is kept.
func SetFormat(format string) {
	mu.Lock()
	asJSON = strings.EqualFold(strings.TrimSpace(format), "json")
	root = build()
	mu.Unlock()
}

func SetLevel(name string) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		level.Set(slog.LevelDebug)
	case "warn", "warning":
		level.Set(slog.LevelWarn)
	case "error":
		level.Set(slog.LevelError)
	default:
		level.Set(slog.LevelInfo)
	}
}

func active() *slog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return root
}

func Debugf(format string, v ...any) {
	active().Debug(fmt.Sprintf(format, v...))
}

func Infof(format string, v ...any) {
	active().Info(fmt.Sprintf(format, v...))
}

func Warnf(format string, v ...any) {
	active().Warn(fmt.Sprintf(format, v...))
}

func Errorf(format string, v ...any) {
	active().Error(fmt.Sprintf(format, v...))
}
