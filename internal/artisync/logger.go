package artisync

// Logger receives the engine's structured log lines. args alternate keys and
// values as with log/slog.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type NopLogger struct{}

func NewNopLogger() *NopLogger { return &NopLogger{} }

func (*NopLogger) Debug(string, ...any) {}
func (*NopLogger) Info(string, ...any)  {}
func (*NopLogger) Warn(string, ...any)  {}
func (*NopLogger) Error(string, ...any) {}

// scopedLogger prefixes every line with fixed attributes, such as the
// collection a rollback or review batch runs against.
type scopedLogger struct {
	next  Logger
	attrs []any
}

func withAttrs(l Logger, attrs ...any) Logger {
	if s, ok := l.(*scopedLogger); ok {
		return &scopedLogger{next: s.next, attrs: append(append([]any{}, s.attrs...), attrs...)}
	}
	return &scopedLogger{next: l, attrs: attrs}
}

func (l *scopedLogger) join(args []any) []any {
	return append(append(make([]any, 0, len(l.attrs)+len(args)), l.attrs...), args...)
}

func (l *scopedLogger) Debug(msg string, args ...any) { l.next.Debug(msg, l.join(args)...) }
func (l *scopedLogger) Info(msg string, args ...any)  { l.next.Info(msg, l.join(args)...) }
func (l *scopedLogger) Warn(msg string, args ...any)  { l.next.Warn(msg, l.join(args)...) }
func (l *scopedLogger) Error(msg string, args ...any) { l.next.Error(msg, l.join(args)...) }
