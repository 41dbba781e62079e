package log

import (
	"context"
	"log/slog"
	"os"
	"runtime"
	"time"

	"github.com/keithlinneman/linnemanlabs-api/internal/redact"
)

const defaultMaxErrorLinks = 8

type slogLogger struct {
	h     slog.Handler
	attrs []slog.Attr
	links int // 0 disables error_links
}

func newSlog(opts Options) (Logger, error) {
	w := opts.Writer
	if w == nil {
		w = os.Stdout
	}
	if opts.StacktraceLevel == 0 {
		opts.StacktraceLevel = slog.LevelError
	}

	ho := &slog.HandlerOptions{Level: opts.Level, AddSource: true, ReplaceAttr: maskSensitive}
	var h slog.Handler = slog.NewTextHandler(w, ho)
	if opts.JsonFormat {
		h = slog.NewJSONHandler(w, ho)
	}
	h = stackHandler{next: otelHandler{next: h}, level: opts.StacktraceLevel}

	s := &slogLogger{h: h, attrs: baseAttrs(opts)}
	if opts.IncludeErrorLinks {
		s.links = opts.MaxErrorLinks
		if s.links <= 0 {
			s.links = defaultMaxErrorLinks
		}
	}
	return s, nil
}

func baseAttrs(opts Options) []slog.Attr {
	attrs := []slog.Attr{slog.String("app", opts.App)}
	for _, kv := range [][2]string{
		{"version", opts.Version},
		{"commit", shortCommit(opts.Commit)},
		{"build_id", opts.BuildId},
		{"env", opts.Environment},
	} {
		if kv[1] != "" {
			attrs = append(attrs, slog.String(kv[0], kv[1]))
		}
	}
	return attrs
}

func shortCommit(c string) string {
	if len(c) > 12 {
		return c[:12]
	}
	return c
}

// maskSensitive hides credential-shaped keys whatever logger or field set
// produced them.
func maskSensitive(_ []string, a slog.Attr) slog.Attr {
	if redact.IsSensitiveKey(a.Key) {
		return slog.String(a.Key, redact.Placeholder)
	}
	return a
}

// kvAttrs converts alternating key/value pairs, dropping non-string keys.
func kvAttrs(kv []any) []slog.Attr {
	out := make([]slog.Attr, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		if k, ok := kv[i].(string); ok {
			out = append(out, slog.Any(k, kv[i+1]))
		}
	}
	return out
}

func (s *slogLogger) With(kv ...any) Logger {
	add := kvAttrs(kv)
	attrs := make([]slog.Attr, 0, len(s.attrs)+len(add))
	attrs = append(append(attrs, s.attrs...), add...)
	return &slogLogger{h: s.h, attrs: attrs, links: s.links}
}

func (s *slogLogger) Debug(ctx context.Context, msg string, kv ...any) {
	s.log(ctx, slog.LevelDebug, msg, kv)
}

func (s *slogLogger) Info(ctx context.Context, msg string, kv ...any) {
	s.log(ctx, slog.LevelInfo, msg, kv)
}

func (s *slogLogger) Warn(ctx context.Context, msg string, kv ...any) {
	s.log(ctx, slog.LevelWarn, msg, kv)
}

func (s *slogLogger) Error(ctx context.Context, err error, msg string, kv ...any) {
	if err != nil {
		kv = append(kv, errorFields(err, s.links)...)
	}
	s.log(ctx, slog.LevelError, msg, kv)
}

func (s *slogLogger) Sync() error { return nil }

// log must be called directly from a level method so the caller frame
// lands at a fixed depth.
func (s *slogLogger) log(ctx context.Context, lvl slog.Level, msg string, kv []any) {
	if ctx == nil {
		ctx = context.Background()
	}
	if !s.h.Enabled(ctx, lvl) {
		return
	}

	// runtime.Callers, log, level method, caller
	var pcs [1]uintptr
	runtime.Callers(3, pcs[:])

	r := slog.NewRecord(time.Now(), lvl, msg, pcs[0])
	own := make(map[string]bool, len(s.attrs))
	for _, a := range s.attrs {
		own[a.Key] = true
	}
	r.AddAttrs(s.attrs...)
	r.AddAttrs(contextAttrs(ctx, own)...)
	r.AddAttrs(kvAttrs(kv)...)
	_ = s.h.Handle(ctx, r)
}

// contextAttrs resolves WithFields bindings: the last binding of a key wins
// and keys the logger already carries are skipped.
func contextAttrs(ctx context.Context, own map[string]bool) []slog.Attr {
	kv := FieldsFromContext(ctx)
	if len(kv) == 0 {
		return nil
	}
	latest := make(map[string]int, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		if k, ok := kv[i].(string); ok {
			latest[k] = i
		}
	}
	out := make([]slog.Attr, 0, len(latest))
	for i := 0; i+1 < len(kv); i += 2 {
		k, ok := kv[i].(string)
		if ok && latest[k] == i && !own[k] {
			out = append(out, slog.Any(k, kv[i+1]))
		}
	}
	return out
}
