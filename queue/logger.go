package queue

import (
	"fmt"
	"log/slog"
)

// Logger accepts leveled diagnostic events with slog-style key/value pairs.
// *slog.Logger satisfies it. Implementations must not panic.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// NopLogger returns a Logger that discards everything
func NopLogger() Logger {
	return slog.New(slog.DiscardHandler)
}

func orNop(log Logger) Logger {
	if log == nil {
		return NopLogger()
	}
	return log
}

// attrs prepends the component/queue pair to args
func attrs(component, queue string, args ...any) []any {
	out := make([]any, 0, len(args)+4)
	out = append(out, "component", component, "queue", queue)
	return append(out, args...)
}

// errAttrs describes err for a log record
func errAttrs(err error) []any {
	return []any{
		"error", err,
		"error_type", fmt.Sprintf("%T", err),
	}
}
