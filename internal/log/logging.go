// Package log builds the configured slog.Logger the servers share and the
// raw hex-dump logger used for wire traces.
//
// Without a log file, records below Error go to stdout and Error and above
// to stderr, so service managers can redirect the streams separately. With
// a log file, the console collapses to stderr and the file receives
// everything at the configured level.
package log

import (
	"context"
	"io"
	"log/slog"
	"os"
)

// LevelTrace sits below Debug and carries per-packet wire detail: SETUP
// decodes, URB headers, EP0 command batches.
const LevelTrace slog.Level = -8

// ParseLevel maps a config string to a slog level. Unknown strings and the
// empty string mean Info.
func ParseLevel(s string) slog.Level {
	switch s {
	case "trace":
		return LevelTrace
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

// renameTrace renders LevelTrace as TRACE instead of slog's DEBUG-4.
func renameTrace(_ []string, a slog.Attr) slog.Attr {
	if a.Key == slog.LevelKey {
		if level, ok := a.Value.Any().(slog.Level); ok && level == LevelTrace {
			a.Value = slog.StringValue("TRACE")
		}
	}
	return a
}

// MultiHandler fans every record out to all of its handlers.
type MultiHandler []slog.Handler

func (m MultiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range m {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (m MultiHandler) Handle(ctx context.Context, r slog.Record) error {
	for _, h := range m {
		_ = h.Handle(ctx, r)
	}
	return nil
}

func (m MultiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make(MultiHandler, len(m))
	for i, h := range m {
		out[i] = h.WithAttrs(attrs)
	}
	return out
}

func (m MultiHandler) WithGroup(name string) slog.Handler {
	out := make(MultiHandler, len(m))
	for i, h := range m {
		out[i] = h.WithGroup(name)
	}
	return out
}

// LevelFilter passes records to its handler only when the predicate allows
// their level.
type LevelFilter struct {
	pass func(slog.Level) bool
	h    slog.Handler
}

func NewLevelFilter(pass func(slog.Level) bool, h slog.Handler) LevelFilter {
	return LevelFilter{pass: pass, h: h}
}

func (f LevelFilter) Enabled(ctx context.Context, level slog.Level) bool {
	return f.pass(level) && f.h.Enabled(ctx, level)
}

func (f LevelFilter) Handle(ctx context.Context, r slog.Record) error {
	if !f.pass(r.Level) {
		return nil
	}
	return f.h.Handle(ctx, r)
}

func (f LevelFilter) WithAttrs(attrs []slog.Attr) slog.Handler {
	return LevelFilter{pass: f.pass, h: f.h.WithAttrs(attrs)}
}

func (f LevelFilter) WithGroup(name string) slog.Handler {
	return LevelFilter{pass: f.pass, h: f.h.WithGroup(name)}
}

// SetupLogger builds the logger from the configured level string and
// optional file path. The returned closers own any opened log files.
func SetupLogger(logLevel, logFile string) (*slog.Logger, []io.Closer, error) {
	level := ParseLevel(logLevel)
	opts := &slog.HandlerOptions{Level: level, ReplaceAttr: renameTrace}

	var handlers MultiHandler
	if logFile == "" {
		stdout := slog.NewTextHandler(os.Stdout, opts)
		handlers = append(handlers, NewLevelFilter(func(l slog.Level) bool { return l < slog.LevelError }, stdout))

		stderr := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError})
		handlers = append(handlers, NewLevelFilter(func(l slog.Level) bool { return l >= slog.LevelError }, stderr))
	} else {
		handlers = append(handlers, slog.NewTextHandler(os.Stderr, opts))
	}

	var closers []io.Closer
	if logFile != "" {
		f, err := os.OpenFile(logFile, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, nil, err
		}
		closers = append(closers, f)
		handlers = append(handlers, slog.NewTextHandler(f, opts))
	}
	return slog.New(handlers), closers, nil
}
