package binance

import (
	"fmt"
	"strings"
)

// Stream names are lowercase on the wire. Depth streams ride the 100ms
// update cadence.

// TickerStream names the rolling 24h ticker stream for a symbol.
func TickerStream(symbol string) string {
	return streamSymbol(symbol) + "@ticker"
}

// TradeStream names the raw trade stream for a symbol.
func TradeStream(symbol string) string {
	return streamSymbol(symbol) + "@trade"
}

// DepthStream names the depth stream for a symbol. Levels above zero select
// the partial-book variant (5, 10, or 20 rows per side); zero selects the
// full diff stream.
func DepthStream(symbol string, levels int) string {
	if levels > 0 {
		return fmt.Sprintf("%s@depth%d@100ms", streamSymbol(symbol), levels)
	}
	return streamSymbol(symbol) + "@depth@100ms"
}

// KlineStream names the candlestick stream for a symbol and interval
// ("1m", "5m", "1h", ...).
func KlineStream(symbol, interval string) string {
	return streamSymbol(symbol) + "@kline_" + strings.TrimSpace(interval)
}

// WSEndpoint is the single-connection websocket endpoint under base.
func WSEndpoint(base string) string {
	return strings.TrimRight(strings.TrimSpace(base), "/") + "/ws"
}

// UserStreamEndpoint is the dedicated user-data websocket endpoint for a
// listen key. The managed feed does not dial it; it subscribes the listen
// key on the shared connection instead.
func UserStreamEndpoint(base, listenKey string) string {
	return strings.TrimRight(strings.TrimSpace(base), "/") + "/ws/" + listenKey
}

// CombinedStreamURL is the multiplexed endpoint carrying every name in
// streams. Payloads arrive wrapped in a stream/data envelope.
func CombinedStreamURL(base string, streams []string) string {
	return strings.TrimRight(strings.TrimSpace(base), "/") + "/stream?streams=" + strings.Join(streams, "/")
}

// StreamSymbol recovers the uppercase symbol from a stream name, or "" when
// the name has no symbol prefix.
func StreamSymbol(stream string) string {
	name, _, found := strings.Cut(stream, "@")
	if !found || name == "" {
		return ""
	}
	return strings.ToUpper(name)
}

// IsDepthStream reports whether a stream name carries order book data.
func IsDepthStream(stream string) bool {
	_, suffix, found := strings.Cut(stream, "@")
	return found && strings.HasPrefix(suffix, "depth")
}

func streamSymbol(symbol string) string {
	return strings.ToLower(strings.TrimSpace(symbol))
}
