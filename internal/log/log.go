// Package log is the process logger. Every method takes the request context
// so trace ids and bound request fields reach the record without plumbing.
package log

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
)

type Logger interface {
	With(kv ...any) Logger

	Debug(ctx context.Context, msg string, kv ...any)
	Info(ctx context.Context, msg string, kv ...any)
	Warn(ctx context.Context, msg string, kv ...any)
	Error(ctx context.Context, err error, msg string, kv ...any)

	Sync() error
}

type Options struct {
	App               string
	Version           string
	Commit            string
	BuildId           string
	Environment       string
	Level             slog.Level
	StacktraceLevel   slog.Level
	JsonFormat        bool
	MaxErrorLinks     int
	IncludeErrorLinks bool
	Writer            io.Writer
}

func New(opts Options) (Logger, error) { return newSlog(opts) }

// Log channels used by the request pipeline. A channel is only a "channel"
// attribute, so every channel shares the process sink and level.
const (
	ChannelAudit      = "audit"
	ChannelMonitoring = "monitoring"
	ChannelMiddleware = "middleware"
	ChannelSecurity   = "security"
)

// Channel returns l scoped to the named channel.
func Channel(l Logger, name string) Logger {
	if l == nil {
		return Nop()
	}
	return l.With("channel", name)
}

var levels = map[string]slog.Level{
	"debug": slog.LevelDebug,
	"info":  slog.LevelInfo,
	"warn":  slog.LevelWarn,
	"error": slog.LevelError,
}

func ParseLevel(s string) (slog.Level, error) {
	if lvl, ok := levels[strings.ToLower(strings.TrimSpace(s))]; ok {
		return lvl, nil
	}
	return 0, fmt.Errorf("unknown log level %s (valid levels are debug|info|warn|error)", s)
}

// Nop returns a Logger that drops everything.
func Nop() Logger { return discard{} }

type discard struct{}

func (d discard) With(...any) Logger                         { return d }
func (discard) Debug(context.Context, string, ...any)        {}
func (discard) Info(context.Context, string, ...any)         {}
func (discard) Warn(context.Context, string, ...any)         {}
func (discard) Error(context.Context, error, string, ...any) {}
func (discard) Sync() error                                  { return nil }
