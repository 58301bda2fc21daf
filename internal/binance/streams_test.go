package binance_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tickwire/tickwire/internal/binance"
)

func TestStreamNames(t *testing.T) {
	require.Equal(t, "btcusdt@ticker", binance.TickerStream("BTCUSDT"))
	require.Equal(t, "btcusdt@trade", binance.TradeStream(" BTCUSDT "))
	require.Equal(t, "btcusdt@depth20@100ms", binance.DepthStream("BTCUSDT", 20))
	require.Equal(t, "btcusdt@depth@100ms", binance.DepthStream("btcusdt", 0))
	require.Equal(t, "ethusdt@kline_1m", binance.KlineStream("ETHUSDT", "1m"))
}

func TestEndpoints(t *testing.T) {
	base := "wss://stream.binance.com:9443"
	require.Equal(t, base+"/ws", binance.WSEndpoint(base))
	require.Equal(t, base+"/ws", binance.WSEndpoint(base+"/"))
	require.Equal(t, base+"/ws/lk123", binance.UserStreamEndpoint(base, "lk123"))
	require.Equal(t,
		base+"/stream?streams=btcusdt@trade/ethusdt@ticker",
		binance.CombinedStreamURL(base, []string{"btcusdt@trade", "ethusdt@ticker"}))
}

func TestStreamSymbol(t *testing.T) {
	require.Equal(t, "BTCUSDT", binance.StreamSymbol("btcusdt@depth20@100ms"))
	require.Equal(t, "ETHUSDT", binance.StreamSymbol("ethusdt@ticker"))
	require.Equal(t, "", binance.StreamSymbol("@ticker"))
	// Listen keys have no symbol prefix.
	require.Equal(t, "", binance.StreamSymbol("pqia91ma19a5s61cv6a81va65sdf19v8a65a1a5s61cv6a81va65sdf19v8a65a1"))
}

func TestIsDepthStream(t *testing.T) {
	require.True(t, binance.IsDepthStream("btcusdt@depth@100ms"))
	require.True(t, binance.IsDepthStream("btcusdt@depth20@100ms"))
	require.False(t, binance.IsDepthStream("btcusdt@ticker"))
	require.False(t, binance.IsDepthStream("btcusdt@trade"))
	require.False(t, binance.IsDepthStream("listenkeywithoutseparator"))
}
