package timing

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNanosIsMonotonicEnough(t *testing.T) {
	a := Nanos()
	time.Sleep(time.Millisecond)
	b := Nanos()
	require.Greater(t, b, a)
}

func TestNowMillisMatchesNanosScale(t *testing.T) {
	ms := NowMillis()
	ns := Nanos()
	require.InDelta(t, float64(ms), float64(ns/1_000_000), 1_000)
}

func TestPerfTimerElapsed(t *testing.T) {
	timer := StartTimer("test_op")
	time.Sleep(2 * time.Millisecond)
	require.GreaterOrEqual(t, timer.Elapsed(), 2*time.Millisecond)
	require.GreaterOrEqual(t, timer.ElapsedMicros(), int64(2000))

	var nilTimer *PerfTimer
	require.Equal(t, time.Duration(0), nilTimer.Elapsed())
	nilTimer.LogElapsed()
}
