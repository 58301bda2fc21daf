package connmgr_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tickwire/tickwire/config"
	"github.com/tickwire/tickwire/internal/connmgr"
)

func reconnectDefaults() config.ReconnectSettings {
	return config.ReconnectSettings{
		MaxAttempts:  10,
		InitialDelay: time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		JitterBound:  time.Second,
	}
}

func TestBackoffFollowsExponentialScheduleWithCap(t *testing.T) {
	b := connmgr.NewBackoff(reconnectDefaults(), fixedRand{value: int64(250 * time.Millisecond)})

	delays := make([]time.Duration, 0, 7)
	for i := 0; i < 7; i++ {
		delays = append(delays, b.Next())
	}

	jitter := 250 * time.Millisecond
	require.Equal(t, []time.Duration{
		1*time.Second + jitter,
		2*time.Second + jitter,
		4*time.Second + jitter,
		8*time.Second + jitter,
		16*time.Second + jitter,
		30*time.Second + jitter,
		30*time.Second + jitter,
	}, delays)

	for i := 1; i < len(delays); i++ {
		require.GreaterOrEqual(t, delays[i], delays[i-1])
	}
}

func TestBackoffWithoutJitterIsExact(t *testing.T) {
	cfg := reconnectDefaults()
	cfg.JitterBound = 0
	b := connmgr.NewBackoff(cfg, nil)

	require.Equal(t, time.Second, b.Next())
	require.Equal(t, 2*time.Second, b.Next())
	require.Equal(t, 4*time.Second, b.Next())
}

func TestBackoffResetRestartsSchedule(t *testing.T) {
	cfg := reconnectDefaults()
	cfg.JitterBound = 0
	b := connmgr.NewBackoff(cfg, nil)

	require.Equal(t, time.Second, b.Next())
	require.Equal(t, 2*time.Second, b.Next())

	b.Reset()
	require.Equal(t, time.Second, b.Next())
}

func TestBackoffSystemJitterStaysWithinBound(t *testing.T) {
	cfg := reconnectDefaults()
	cfg.JitterBound = 500 * time.Millisecond

	for i := 0; i < 100; i++ {
		b := connmgr.NewBackoff(cfg, nil)
		d := b.Next()
		require.GreaterOrEqual(t, d, time.Second)
		require.Less(t, d, 1500*time.Millisecond)
	}
}

// fixedRand always draws the same jitter value, clamped below the bound.
type fixedRand struct {
	value int64
}

func (r fixedRand) Int64N(n int64) int64 {
	if r.value >= n {
		return n - 1
	}
	return r.value
}
