package gocycle

// Field is a key/value pair attached to a log entry, e.g. client_id.
type Field struct {
	Key   string
	Value any
}

// Logger receives the manager's structured diagnostics: schedule updates and
// cycle creation at info, overlap conflicts at warn, store failures at error.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)
}

// NoopLogger discards everything. It is the default when Config.Logger is nil.
type NoopLogger struct{}

func (n *NoopLogger) Debug(string, ...Field) {}
func (n *NoopLogger) Info(string, ...Field)  {}
func (n *NoopLogger) Warn(string, ...Field)  {}
func (n *NoopLogger) Error(string, ...Field) {}

var _ Logger = (*NoopLogger)(nil)
