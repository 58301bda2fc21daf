package httpwire_test

import (
	"context"
	"crypto/tls"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tickwire/tickwire/errs"
	"github.com/tickwire/tickwire/internal/httpwire"
)

// capturedRequest records what the test server observed so assertions can
// run on the test goroutine.
type capturedRequest struct {
	mu          sync.Mutex
	method      string
	path        string
	query       string
	host        string
	userAgent   string
	headers     http.Header
	body        string
	closeWanted bool
}

func (c *capturedRequest) record(r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.method = r.Method
	c.path = r.URL.Path
	c.query = r.URL.RawQuery
	c.host = r.Host
	c.userAgent = r.UserAgent()
	c.headers = r.Header.Clone()
	c.body = string(body)
	c.closeWanted = r.Close
}

func (c *capturedRequest) snapshot() capturedRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return capturedRequest{
		method:      c.method,
		path:        c.path,
		query:       c.query,
		host:        c.host,
		userAgent:   c.userAgent,
		headers:     c.headers,
		body:        c.body,
		closeWanted: c.closeWanted,
	}
}

func insecureClient(opts ...httpwire.Option) *httpwire.Client {
	opts = append([]httpwire.Option{
		httpwire.WithTLSConfig(&tls.Config{InsecureSkipVerify: true}), // #nosec G402 -- test server uses a self-signed cert.
	}, opts...)
	return httpwire.NewClient(opts...)
}

func TestGetRoundTrip(t *testing.T) {
	var seen capturedRequest
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen.record(r)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"serverTime":1756100000000}`)
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resp, err := insecureClient().Get(ctx, srv.URL+"/api/v3/time?recvWindow=5000")
	require.NoError(t, err)
	require.Equal(t, 200, resp.Status)
	require.True(t, resp.IsSuccess())
	require.Equal(t, `{"serverTime":1756100000000}`, string(resp.Body))
	require.Equal(t, "application/json", resp.Header("content-type"))

	got := seen.snapshot()
	require.Equal(t, "GET", got.method)
	require.Equal(t, "/api/v3/time", got.path)
	require.Equal(t, "recvWindow=5000", got.query)
	require.Equal(t, strings.TrimPrefix(srv.URL, "https://"), got.host)
	require.Equal(t, "tickwire/1.0", got.userAgent)
	require.True(t, got.closeWanted, "request must ask the server to close the connection")
	require.Empty(t, got.body)
}

func TestDoSendsHeadersAndBody(t *testing.T) {
	var seen capturedRequest
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen.record(r)
		w.WriteHeader(http.StatusCreated)
		_, _ = io.WriteString(w, `{"orderId":42}`)
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client := insecureClient(httpwire.WithUserAgent("tickwire-test/2.0"))
	resp, err := client.Do(ctx, &httpwire.Request{
		Method: httpwire.MethodPost,
		URL:    srv.URL + "/api/v3/order",
		Headers: []httpwire.Header{
			{Name: "X-Api-Key", Value: "test-key"},
			{Name: "Content-Type", Value: "application/x-www-form-urlencoded"},
		},
		Body: []byte("symbol=BTCUSDT&side=BUY"),
	})
	require.NoError(t, err)
	require.Equal(t, 201, resp.Status)
	require.Equal(t, `{"orderId":42}`, string(resp.Body))

	got := seen.snapshot()
	require.Equal(t, "POST", got.method)
	require.Equal(t, "/api/v3/order", got.path)
	require.Equal(t, "test-key", got.headers.Get("X-Api-Key"))
	require.Equal(t, "application/x-www-form-urlencoded", got.headers.Get("Content-Type"))
	require.Equal(t, "symbol=BTCUSDT&side=BUY", got.body)
	require.Equal(t, "tickwire-test/2.0", got.userAgent)
}

func TestNon2xxComesBackAsResponse(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		_, _ = io.WriteString(w, `{"code":-1121,"msg":"Invalid symbol."}`)
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resp, err := insecureClient().Get(ctx, srv.URL+"/api/v3/ticker")
	require.NoError(t, err)
	require.Equal(t, http.StatusTeapot, resp.Status)
	require.False(t, resp.IsSuccess())
	require.Contains(t, string(resp.Body), "Invalid symbol")
}

func TestChunkedResponseIsReassembled(t *testing.T) {
	first := strings.Repeat("a", 2048)
	second := strings.Repeat("b", 2048)
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		// Flushing mid-body forces chunked framing on HTTP/1.1.
		_, _ = io.WriteString(w, first)
		w.(http.Flusher).Flush()
		_, _ = io.WriteString(w, second)
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resp, err := insecureClient().Get(ctx, srv.URL+"/stream")
	require.NoError(t, err)
	require.Equal(t, 200, resp.Status)
	require.Equal(t, first+second, string(resp.Body))
}

func TestRequestTimeoutSurfacesAsNetworkError(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		time.Sleep(400 * time.Millisecond)
		_, _ = io.WriteString(w, "late")
	}))
	defer srv.Close()

	client := insecureClient(httpwire.WithTimeout(100 * time.Millisecond))
	_, err := client.Get(context.Background(), srv.URL+"/slow")
	require.Error(t, err)
	require.True(t, errs.IsCode(err, errs.CodeNetwork), "got %v", err)
}

func TestDoValidatesInput(t *testing.T) {
	ctx := context.Background()
	client := httpwire.NewClient()

	_, err := client.Do(ctx, nil)
	require.True(t, errs.IsCode(err, errs.CodeInvalid))

	_, err = client.Do(ctx, &httpwire.Request{Method: "", URL: "https://example.test/"})
	require.True(t, errs.IsCode(err, errs.CodeInvalid))

	_, err = client.Get(ctx, "http://example.test/plain")
	require.True(t, errs.IsCode(err, errs.CodeInvalid), "plain http must be rejected")

	_, err = client.Get(ctx, "https://")
	require.True(t, errs.IsCode(err, errs.CodeInvalid))
}
