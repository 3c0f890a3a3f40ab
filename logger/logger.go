package logger

type Logger interface {
	Debug(msg string, fields map[string]any)
	Info(msg string, fields map[string]any)
	Warn(msg string, fields map[string]any)
	Error(msg string, fields map[string]any)
}

type NoopLogger struct{}

func (NoopLogger) Debug(string, map[string]any) {}
func (NoopLogger) Info(string, map[string]any)  {}
func (NoopLogger) Warn(string, map[string]any)  {}
func (NoopLogger) Error(string, map[string]any) {}

// With returns a logger that adds fields to every entry. Fields passed at
// the call site win over fields given here.
func With(l Logger, fields map[string]any) Logger {
	if l == nil {
		return NoopLogger{}
	}
	if len(fields) == 0 {
		return l
	}
	return &fieldLogger{next: l, fields: fields}
}

type fieldLogger struct {
	next   Logger
	fields map[string]any
}

func (f *fieldLogger) Debug(msg string, fields map[string]any) {
	f.next.Debug(msg, f.merge(fields))
}

func (f *fieldLogger) Info(msg string, fields map[string]any) {
	f.next.Info(msg, f.merge(fields))
}

func (f *fieldLogger) Warn(msg string, fields map[string]any) {
	f.next.Warn(msg, f.merge(fields))
}

func (f *fieldLogger) Error(msg string, fields map[string]any) {
	f.next.Error(msg, f.merge(fields))
}

func (f *fieldLogger) merge(fields map[string]any) map[string]any {
	out := make(map[string]any, len(f.fields)+len(fields))
	for k, v := range f.fields {
		out[k] = v
	}
	for k, v := range fields {
		out[k] = v
	}
	return out
}
