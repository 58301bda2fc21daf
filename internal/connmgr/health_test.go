package connmgr_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tickwire/tickwire/internal/connmgr"
)

func TestHealthyRequiresConnectedAndFreshPong(t *testing.T) {
	const (
		now       = int64(1_000_000)
		tolerance = 30 * time.Second
	)

	tests := []struct {
		name    string
		state   connmgr.State
		pongLag int64
		want    bool
	}{
		{name: "fresh pong while connected", state: connmgr.StateConnected, pongLag: 1_000, want: true},
		{name: "stale pong while connected", state: connmgr.StateConnected, pongLag: 31_000, want: false},
		{name: "pong exactly at tolerance", state: connmgr.StateConnected, pongLag: 30_000, want: false},
		{name: "fresh pong while disconnected", state: connmgr.StateDisconnected, pongLag: 1_000, want: false},
		{name: "fresh pong while reconnecting", state: connmgr.StateReconnecting, pongLag: 1_000, want: false},
		{name: "fresh pong after failure", state: connmgr.StateFailed, pongLag: 1_000, want: false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			h := connmgr.Health{State: tc.state, LastPongMS: now - tc.pongLag}
			require.Equal(t, tc.want, h.Healthy(now, tolerance))
		})
	}
}

func TestZeroHealthIsUnhealthy(t *testing.T) {
	var h connmgr.Health
	require.Equal(t, connmgr.StateDisconnected, h.State)
	require.False(t, h.Healthy(time.Now().UnixMilli(), 30*time.Second))
}

func TestStateNames(t *testing.T) {
	names := map[connmgr.State]string{
		connmgr.StateDisconnected: "disconnected",
		connmgr.StateConnecting:   "connecting",
		connmgr.StateConnected:    "connected",
		connmgr.StateReconnecting: "reconnecting",
		connmgr.StateFailed:       "failed",
	}
	for state, want := range names {
		require.Equal(t, want, state.String())
	}
	require.Equal(t, "unknown", connmgr.State(99).String())
}
