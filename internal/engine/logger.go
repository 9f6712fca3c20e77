package engine

// Logger provides structured logging for the engine.
// The args follow slog conventions: alternating key/value pairs.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// NopLogger is a Logger that discards all output. Use in tests.
type NopLogger struct{}

func NewNopLogger() *NopLogger { return &NopLogger{} }

func (*NopLogger) Debug(string, ...any) {}
func (*NopLogger) Info(string, ...any)  {}
func (*NopLogger) Warn(string, ...any)  {}
func (*NopLogger) Error(string, ...any) {}

// fieldLogger prepends a fixed set of key/value pairs to every record,
// so step logs always carry the workflow they belong to.
type fieldLogger struct {
	next   Logger
	fields []any
}

func withFields(l Logger, fields ...any) Logger {
	return &fieldLogger{next: l, fields: fields}
}

func (l *fieldLogger) with(args []any) []any {
	return append(append([]any{}, l.fields...), args...)
}

func (l *fieldLogger) Debug(msg string, args ...any) { l.next.Debug(msg, l.with(args)...) }
func (l *fieldLogger) Info(msg string, args ...any)  { l.next.Info(msg, l.with(args)...) }
func (l *fieldLogger) Warn(msg string, args ...any)  { l.next.Warn(msg, l.with(args)...) }
func (l *fieldLogger) Error(msg string, args ...any) { l.next.Error(msg, l.with(args)...) }
