package main

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSplitList(t *testing.T) {
	require.Nil(t, splitList(""))
	require.Nil(t, splitList(" , ,"))
	require.Equal(t, []string{"a", "b"}, splitList(" a, b ,,"))
}

func TestExpandSymbols(t *testing.T) {
	streams := expandSymbols("BTCUSDT, ethusdt")
	require.Equal(t, []string{
		"btcusdt@trade",
		"btcusdt@ticker",
		"btcusdt@depth20@100ms",
		"ethusdt@trade",
		"ethusdt@ticker",
		"ethusdt@depth20@100ms",
	}, streams)
}

func TestFormatCounts(t *testing.T) {
	require.Equal(t, "(none)", formatCounts(nil))
	require.Equal(t, "depth=2 trade=5", formatCounts(map[string]uint64{
		"trade": 5,
		"depth": 2,
	}))
}

func TestLoadSettingsAppliesOverrides(t *testing.T) {
	fl := cliFlags{
		endpoint: "wss://example.test/ws",
		streams:  "BTCUSDT@trade",
		symbols:  "ethusdt",
		cpuCore:  2,
		debug:    true,
	}
	cfg, err := loadSettings(fl)
	require.NoError(t, err)

	require.Equal(t, "wss://example.test/ws", cfg.Endpoint)
	require.Equal(t, []string{
		"btcusdt@trade",
		"ethusdt@trade",
		"ethusdt@ticker",
		"ethusdt@depth20@100ms",
	}, cfg.Feed.Streams)
	require.Equal(t, 2, cfg.CPUCore)
	require.True(t, cfg.Debug)
}

func TestLoadSettingsKeepsDefaultsWithoutFlags(t *testing.T) {
	t.Setenv("TICKWIRE_WS_URL", "")
	t.Setenv("TICKWIRE_PONG_TOLERANCE", "")

	cfg, err := loadSettings(cliFlags{cpuCore: -1})
	require.NoError(t, err)
	require.Equal(t, "wss://stream.binance.com:9443/ws", cfg.Endpoint)
	require.Equal(t, 30*time.Second, cfg.Manager.PongTolerance)
}

func TestLoadSettingsMissingConfigFile(t *testing.T) {
	_, err := loadSettings(cliFlags{configPath: "testdata/does-not-exist.yaml", cpuCore: -1})
	require.Error(t, err)
	require.ErrorIs(t, err, os.ErrNotExist)
}
