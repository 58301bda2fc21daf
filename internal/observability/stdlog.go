package observability

import (
	"fmt"
	"log"
	"strings"
)

// StdLogger adapts a stdlib log.Logger to the Logger interface.
type StdLogger struct {
	out   *log.Logger
	debug bool
}

// NewStdLogger wraps the provided stdlib logger. Debug lines are suppressed
// unless debug is true.
func NewStdLogger(out *log.Logger, debug bool) *StdLogger {
	return &StdLogger{out: out, debug: debug}
}

// Debug logs at debug level when enabled.
func (l *StdLogger) Debug(msg string, fields ...Field) {
	if l == nil || l.out == nil || !l.debug {
		return
	}
	l.out.Print(renderLine("DEBUG", msg, fields))
}

// Info logs at info level.
func (l *StdLogger) Info(msg string, fields ...Field) {
	if l == nil || l.out == nil {
		return
	}
	l.out.Print(renderLine("INFO", msg, fields))
}

// Error logs at error level.
func (l *StdLogger) Error(msg string, fields ...Field) {
	if l == nil || l.out == nil {
		return
	}
	l.out.Print(renderLine("ERROR", msg, fields))
}

func renderLine(level, msg string, fields []Field) string {
	var b strings.Builder
	b.WriteString(level)
	b.WriteString(" ")
	b.WriteString(msg)
	for _, f := range fields {
		key := strings.TrimSpace(f.Key)
		if key == "" {
			continue
		}
		b.WriteString(" ")
		b.WriteString(key)
		b.WriteString("=")
		b.WriteString(renderValue(f.Value))
	}
	return b.String()
}

func renderValue(v any) string {
	switch val := v.(type) {
	case string:
		if strings.ContainsAny(val, " \t\"") {
			return fmt.Sprintf("%q", val)
		}
		return val
	case error:
		return fmt.Sprintf("%q", val.Error())
	default:
		return fmt.Sprint(val)
	}
}
