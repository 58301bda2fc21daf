// Package timing provides high-resolution clock helpers shared across the stack.
package timing

import (
	"time"

	"github.com/tickwire/tickwire/internal/observability"
)

// Nanos returns the current wall-clock time in nanoseconds since the Unix epoch.
func Nanos() int64 {
	return time.Now().UnixNano()
}

// NowMillis returns the current wall-clock time in milliseconds since the Unix epoch.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}

// PerfTimer measures the duration of a named operation.
type PerfTimer struct {
	name  string
	start time.Time
}

// StartTimer begins timing the named operation.
func StartTimer(name string) *PerfTimer {
	return &PerfTimer{name: name, start: time.Now()}
}

// Elapsed returns the time since the timer started.
func (t *PerfTimer) Elapsed() time.Duration {
	if t == nil {
		return 0
	}
	return time.Since(t.start)
}

// ElapsedMicros returns elapsed microseconds since the timer started.
func (t *PerfTimer) ElapsedMicros() int64 {
	return t.Elapsed().Microseconds()
}

// LogElapsed emits a debug line with the elapsed duration.
func (t *PerfTimer) LogElapsed() {
	if t == nil {
		return
	}
	observability.Log().Debug("operation timed",
		observability.Field{Key: "op", Value: t.name},
		observability.Field{Key: "elapsed_us", Value: t.ElapsedMicros()},
	)
}
