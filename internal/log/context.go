package log

import "context"

type ctxKey int

const (
	loggerKey ctxKey = iota
	fieldsKey
)

// WithContext returns a copy of ctx carrying l.
func WithContext(ctx context.Context, l Logger) context.Context {
	return context.WithValue(ctx, loggerKey, l)
}

// FromContext returns the Logger stored in ctx, or Nop.
func FromContext(ctx context.Context) Logger {
	if l, ok := ctx.Value(loggerKey).(Logger); ok && l != nil {
		return l
	}
	return Nop()
}

// WithFields binds key/value pairs to ctx. Every record logged with a
// context derived from it carries them, whichever Logger writes the record.
// Later bindings of the same key shadow earlier ones.
func WithFields(ctx context.Context, kv ...any) context.Context {
	if len(kv) < 2 {
		return ctx
	}
	prev := FieldsFromContext(ctx)
	merged := append(prev[:len(prev):len(prev)], kv...)
	return context.WithValue(ctx, fieldsKey, merged)
}

// FieldsFromContext returns the key/value pairs bound by WithFields.
func FieldsFromContext(ctx context.Context) []any {
	if ctx == nil {
		return nil
	}
	kv, _ := ctx.Value(fieldsKey).([]any)
	return kv
}
