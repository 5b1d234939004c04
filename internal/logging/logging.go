// Package logging holds the process-wide structured logger. Components call
// L() at log time so a later Configure reaches loggers taken before it.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
)

const (
	envLevel = "SCRIPTFLOW_LOG_LEVEL"
	envJSON  = "SCRIPTFLOW_LOG_JSON"
)

type Options struct {
	Level string // debug|info|warn|error
	JSON  bool
	// Output defaults to stderr; stdout carries sink output.
	Output io.Writer
}

var current atomic.Pointer[slog.Logger]

func init() { Configure(Options{}) }

func Configure(opts Options) {
	out := opts.Output
	if out == nil {
		out = os.Stderr
	}
	ho := &slog.HandlerOptions{Level: parseLevel(opts.Level)}
	var h slog.Handler = slog.NewTextHandler(out, ho)
	if opts.JSON {
		h = slog.NewJSONHandler(out, ho)
	}
	current.Store(slog.New(h))
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

func L() *slog.Logger { return current.Load() }

// Stage returns the logger scoped to one transform stage instance.
func Stage(name, instance string) *slog.Logger {
	return L().With("stage", name, "instance", instance)
}

// InitFromEnv configures from SCRIPTFLOW_LOG_LEVEL and SCRIPTFLOW_LOG_JSON.
func InitFromEnv() {
	asJSON, _ := strconv.ParseBool(strings.TrimSpace(os.Getenv(envJSON)))
	Configure(Options{Level: os.Getenv(envLevel), JSON: asJSON})
}
