package binance_test

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/tls"
	"encoding/hex"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/tickwire/tickwire/config"
	"github.com/tickwire/tickwire/errs"
	"github.com/tickwire/tickwire/internal/binance"
	"github.com/tickwire/tickwire/internal/httpwire"
)

// restCapture records what the exchange stub observed.
type restCapture struct {
	mu     sync.Mutex
	method string
	path   string
	query  string
	apiKey string
	body   string
}

func (c *restCapture) record(r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.method = r.Method
	c.path = r.URL.Path
	c.query = r.URL.RawQuery
	c.apiKey = r.Header.Get("X-MBX-APIKEY")
	c.body = string(body)
}

func (c *restCapture) snapshot() restCapture {
	c.mu.Lock()
	defer c.mu.Unlock()
	return restCapture{
		method: c.method,
		path:   c.path,
		query:  c.query,
		apiKey: c.apiKey,
		body:   c.body,
	}
}

func newRestClient(srvURL string, creds config.Credentials, opts ...binance.RestOption) *binance.RestClient {
	wire := httpwire.NewClient(
		httpwire.WithTLSConfig(&tls.Config{InsecureSkipVerify: true}), // #nosec G402 -- test server uses a self-signed cert.
	)
	cfg := config.BinanceSettings{
		RESTBaseURL: srvURL,
		Credentials: creds,
		RecvWindow:  5 * time.Second,
	}
	all := append([]binance.RestOption{binance.WithHTTPClient(wire)}, opts...)
	return binance.NewRestClient(cfg, all...)
}

func testCreds() config.Credentials {
	return config.Credentials{APIKey: docAPIKey, APISecret: docSecret}
}

func expectedSignature(secret, query string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(query))
	return hex.EncodeToString(mac.Sum(nil))
}

func TestServerTime(t *testing.T) {
	var seen restCapture
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen.record(r)
		_, _ = io.WriteString(w, `{"serverTime":1756100000000}`)
	}))
	defer srv.Close()

	ms, err := newRestClient(srv.URL, config.Credentials{}).ServerTime(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(1756100000000), ms)
	require.Equal(t, "/api/v3/time", seen.snapshot().path)
}

func TestGetExchangeInfo(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `{"timezone":"UTC","serverTime":1756100000000,`+
			`"symbols":[{"symbol":"BTCUSDT","status":"TRADING","baseAsset":"BTC","quoteAsset":"USDT"}]}`)
	}))
	defer srv.Close()

	info, err := newRestClient(srv.URL, config.Credentials{}).GetExchangeInfo(context.Background())
	require.NoError(t, err)
	require.Equal(t, "UTC", info.Timezone)
	require.Len(t, info.Symbols, 1)
	require.Equal(t, "BTCUSDT", info.Symbols[0].Symbol)
	require.Equal(t, "TRADING", info.Symbols[0].Status)
}

func TestDepthSnapshot(t *testing.T) {
	var seen restCapture
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen.record(r)
		_, _ = io.WriteString(w, `{"lastUpdateId":160,"bids":[["40520.00","1.5"]],"asks":[["40522.00","2.25"]]}`)
	}))
	defer srv.Close()

	snap, err := newRestClient(srv.URL, config.Credentials{}).Depth(context.Background(), "btcusdt", 5)
	require.NoError(t, err)
	require.Equal(t, "BTCUSDT", snap.Symbol)
	require.Equal(t, int64(160), snap.LastUpdateID)
	require.Equal(t, []binance.PriceLevel{
		{Price: decimal.RequireFromString("40520.00"), Quantity: decimal.RequireFromString("1.5")},
	}, snap.Bids)

	got := seen.snapshot()
	require.Equal(t, "/api/v3/depth", got.path)
	require.Equal(t, "limit=5&symbol=BTCUSDT", got.query)
}

func TestSignedRequestShape(t *testing.T) {
	var seen restCapture
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen.record(r)
		_, _ = io.WriteString(w, `{"makerCommission":15,"takerCommission":15,"canTrade":true,`+
			`"updateTime":1756100000000,"accountType":"SPOT",`+
			`"balances":[{"asset":"BTC","free":"1.20000000","locked":"0.05000000"}],"permissions":["SPOT"]}`)
	}))
	defer srv.Close()

	client := newRestClient(srv.URL, testCreds(),
		binance.WithClock(func() int64 { return 1499827319559 }))
	info, err := client.Account(context.Background())
	require.NoError(t, err)
	require.True(t, info.CanTrade)
	require.Len(t, info.Balances, 1)
	require.True(t, info.Balances[0].Free.Equal(decimal.RequireFromString("1.2")))

	got := seen.snapshot()
	require.Equal(t, "GET", got.method)
	require.Equal(t, "/api/v3/account", got.path)
	require.Equal(t, docAPIKey, got.apiKey)
	require.Empty(t, got.body, "signed parameters travel in the URL, not the body")

	signedPart := "recvWindow=5000&timestamp=1499827319559"
	require.Equal(t, signedPart+"&signature="+expectedSignature(docSecret, signedPart), got.query,
		"signature must cover the encoded query and come last")
}

func TestNewOrderQuery(t *testing.T) {
	var seen restCapture
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen.record(r)
		_, _ = io.WriteString(w, `{"symbol":"BTCUSDT","orderId":28,"orderListId":-1,`+
			`"clientOrderId":"TKW6gCrw2kRUAF9CvJDGP2","transactTime":1756100000000,"price":"40000.00",`+
			`"origQty":"0.50000000","executedQty":"0","cummulativeQuoteQty":"0","status":"NEW",`+
			`"timeInForce":"GTC","type":"LIMIT","side":"BUY"}`)
	}))
	defer srv.Close()

	client := newRestClient(srv.URL, testCreds())
	order, err := client.NewOrder(context.Background(), binance.OrderRequest{
		Symbol:      "btcusdt",
		Side:        binance.SideBuy,
		Type:        binance.OrderTypeLimit,
		Quantity:    decimal.RequireFromString("0.5"),
		Price:       decimal.RequireFromString("40000.00"),
		TimeInForce: binance.TimeInForceGTC,
	})
	require.NoError(t, err)
	require.Equal(t, int64(28), order.OrderID)
	require.Equal(t, "NEW", order.Status)
	require.True(t, order.Price.Equal(decimal.RequireFromString("40000")))
	require.True(t, order.CumQuoteQty.IsZero())

	got := seen.snapshot()
	require.Equal(t, "POST", got.method)
	require.Equal(t, "/api/v3/order", got.path)
	require.Empty(t, got.body)

	values, err := url.ParseQuery(got.query)
	require.NoError(t, err)
	require.Equal(t, "BTCUSDT", values.Get("symbol"))
	require.Equal(t, "BUY", values.Get("side"))
	require.Equal(t, "LIMIT", values.Get("type"))
	require.Equal(t, "0.5", values.Get("quantity"))
	require.Equal(t, "GTC", values.Get("timeInForce"))
	require.NotEmpty(t, values.Get("timestamp"))
	require.NotEmpty(t, values.Get("signature"))
	require.True(t, strings.HasPrefix(values.Get("newClientOrderId"), "TKW"),
		"a client order id must be generated when the request has none")
}

func TestOrderRequestValidation(t *testing.T) {
	client := newRestClient("https://unused.example.test", testCreds())
	_, err := client.NewOrder(context.Background(), binance.OrderRequest{Symbol: "BTCUSDT"})
	require.True(t, errs.IsCode(err, errs.CodeInvalid))
}

func TestCancelOrder(t *testing.T) {
	var seen restCapture
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen.record(r)
		_, _ = io.WriteString(w, `{"symbol":"BTCUSDT","orderId":28,"origClientOrderId":"TKWabc","status":"CANCELED"}`)
	}))
	defer srv.Close()

	order, err := newRestClient(srv.URL, testCreds()).CancelOrder(context.Background(), "btcusdt", 28)
	require.NoError(t, err)
	require.Equal(t, "CANCELED", order.Status)

	got := seen.snapshot()
	require.Equal(t, "DELETE", got.method)
	require.Equal(t, "/api/v3/order", got.path)
	values, err := url.ParseQuery(got.query)
	require.NoError(t, err)
	require.Equal(t, "28", values.Get("orderId"))
}

func TestOpenOrdersAllSymbols(t *testing.T) {
	var seen restCapture
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen.record(r)
		_, _ = io.WriteString(w, `[{"symbol":"BTCUSDT","orderId":1,"status":"NEW"},`+
			`{"symbol":"ETHUSDT","orderId":2,"status":"PARTIALLY_FILLED"}]`)
	}))
	defer srv.Close()

	orders, err := newRestClient(srv.URL, testCreds()).OpenOrders(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, orders, 2)
	require.Equal(t, "ETHUSDT", orders[1].Symbol)

	values, err := url.ParseQuery(seen.snapshot().query)
	require.NoError(t, err)
	require.Empty(t, values.Get("symbol"))
	require.NotEmpty(t, values.Get("signature"))
}

func TestSignedRequiresCredentials(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewTLSServer(http.HandlerFunc(func(_ http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	client := newRestClient(srv.URL, config.Credentials{})
	_, err := client.Account(context.Background())
	require.True(t, errs.IsCode(err, errs.CodeAuth))
	require.Zero(t, hits.Load(), "unsigned client must not reach the exchange")
}

func TestAPIErrorKeepsRawCode(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"code":-1121,"msg":"Invalid symbol."}`)
	}))
	defer srv.Close()

	_, err := newRestClient(srv.URL, testCreds()).QueryOrder(context.Background(), "NOPEUSDT", 1)
	require.True(t, errs.IsCode(err, errs.CodeExchange))
	var e *errs.E
	require.ErrorAs(t, err, &e)
	require.Equal(t, 400, e.HTTP)
	require.Equal(t, "-1121", e.RawCode)
	require.Equal(t, "Invalid symbol.", e.RawMsg)
}

func TestAPIErrorStatusMapping(t *testing.T) {
	cases := []struct {
		status int
		want   errs.Code
	}{
		{429, errs.CodeRateLimited},
		{418, errs.CodeRateLimited},
		{401, errs.CodeAuth},
		{403, errs.CodeAuth},
		{503, errs.CodeUnavailable},
		{400, errs.CodeExchange},
	}
	for _, tc := range cases {
		srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(tc.status)
			_, _ = io.WriteString(w, `{"code":-1000,"msg":"rejected"}`)
		}))
		// Signed requests are never retried, so each case costs one hit.
		_, err := newRestClient(srv.URL, testCreds()).Account(context.Background())
		require.True(t, errs.IsCode(err, tc.want), "status %d: got %v", tc.status, err)
		srv.Close()
	}
}

func TestGetRetriesServerErrors(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = io.WriteString(w, `{"code":-1000,"msg":"internal"}`)
			return
		}
		_, _ = io.WriteString(w, `{}`)
	}))
	defer srv.Close()

	require.NoError(t, newRestClient(srv.URL, config.Credentials{}).Ping(context.Background()))
	require.Equal(t, int64(2), hits.Load())
}

func TestGetDoesNotRetryClientErrors(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusNotFound)
		_, _ = io.WriteString(w, `{"code":-1100,"msg":"Illegal characters found in a parameter."}`)
	}))
	defer srv.Close()

	err := newRestClient(srv.URL, config.Credentials{}).Ping(context.Background())
	require.True(t, errs.IsCode(err, errs.CodeExchange))
	require.Equal(t, int64(1), hits.Load())
}

func TestGetDoesNotRetryRateLimits(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = io.WriteString(w, `{"code":-1003,"msg":"Too many requests."}`)
	}))
	defer srv.Close()

	err := newRestClient(srv.URL, config.Credentials{}).Ping(context.Background())
	require.True(t, errs.IsCode(err, errs.CodeRateLimited))
	require.Equal(t, int64(1), hits.Load(), "hammering a rate limit invites a ban")
}

func TestListenKeyLifecycle(t *testing.T) {
	var seen restCapture
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen.record(r)
		if r.Method == "POST" {
			_, _ = io.WriteString(w, `{"listenKey":"lk-abc123"}`)
			return
		}
		_, _ = io.WriteString(w, `{}`)
	}))
	defer srv.Close()

	client := newRestClient(srv.URL, testCreds())
	ctx := context.Background()

	key, err := client.CreateListenKey(ctx)
	require.NoError(t, err)
	require.Equal(t, "lk-abc123", key)
	got := seen.snapshot()
	require.Equal(t, "POST", got.method)
	require.Equal(t, "/api/v3/userDataStream", got.path)
	require.Equal(t, docAPIKey, got.apiKey)
	require.Empty(t, got.body)
	require.NotContains(t, got.query, "signature", "listen keys authenticate by header alone")

	require.NoError(t, client.KeepAliveListenKey(ctx, key))
	got = seen.snapshot()
	require.Equal(t, "PUT", got.method)
	require.Equal(t, "listenKey=lk-abc123", got.query)

	require.NoError(t, client.CloseListenKey(ctx, key))
	got = seen.snapshot()
	require.Equal(t, "DELETE", got.method)
	require.Equal(t, "listenKey=lk-abc123", got.query)
}

func TestCreateListenKeyRejectsEmptyReply(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `{}`)
	}))
	defer srv.Close()

	_, err := newRestClient(srv.URL, testCreds()).CreateListenKey(context.Background())
	require.True(t, errs.IsCode(err, errs.CodeProtocol))
}

func TestListenKeyRequiresCredentials(t *testing.T) {
	client := newRestClient("https://unused.example.test", config.Credentials{})
	_, err := client.CreateListenKey(context.Background())
	require.True(t, errs.IsCode(err, errs.CodeAuth))
}
