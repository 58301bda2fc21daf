package httpwire_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tickwire/tickwire/errs"
	"github.com/tickwire/tickwire/internal/httpwire"
)

func TestParseResponseContentLengthFraming(t *testing.T) {
	raw := []byte("HTTP/1.1 200 OK\r\n" +
		"Content-Type: application/json\r\n" +
		"Content-Length: 17\r\n" +
		"Connection: close\r\n" +
		"\r\n" +
		`{"serverTime":12}` +
		"trailing bytes the framing must ignore")

	resp, err := httpwire.ParseResponse(raw)
	require.NoError(t, err)
	require.Equal(t, 200, resp.Status)
	require.Equal(t, "HTTP/1.1", resp.Proto)
	require.Equal(t, "OK", resp.Reason)
	require.Equal(t, `{"serverTime":12}`, string(resp.Body))
	require.True(t, resp.IsSuccess())

	// Lookups ignore header name casing.
	require.Equal(t, "application/json", resp.Header("content-TYPE"))
	require.Equal(t, "close", resp.Header("Connection"))
	require.Empty(t, resp.Header("X-Missing"))
}

func TestParseResponseReadToEndWithoutContentLength(t *testing.T) {
	raw := []byte("HTTP/1.0 200 OK\r\nServer: nginx\r\n\r\nhello close world")

	resp, err := httpwire.ParseResponse(raw)
	require.NoError(t, err)
	require.Equal(t, "HTTP/1.0", resp.Proto)
	require.Equal(t, "hello close world", string(resp.Body))
}

func TestParseResponseStatusWithoutReason(t *testing.T) {
	resp, err := httpwire.ParseResponse([]byte("HTTP/1.1 204\r\n\r\n"))
	require.NoError(t, err)
	require.Equal(t, 204, resp.Status)
	require.Empty(t, resp.Reason)
	require.Empty(t, resp.Body)
}

func TestParseResponseNon2xxIsNotAnError(t *testing.T) {
	raw := []byte("HTTP/1.1 429 Too Many Requests\r\nRetry-After: 1\r\nContent-Length: 2\r\n\r\n{}")

	resp, err := httpwire.ParseResponse(raw)
	require.NoError(t, err)
	require.Equal(t, 429, resp.Status)
	require.Equal(t, "Too Many Requests", resp.Reason)
	require.False(t, resp.IsSuccess())
}

func TestParseResponseChunkedBody(t *testing.T) {
	raw := []byte("HTTP/1.1 200 OK\r\n" +
		"Transfer-Encoding: chunked\r\n" +
		"\r\n" +
		"4;ext=1\r\nWiki\r\n" +
		"5\r\npedia\r\n" +
		"0\r\nX-Trailer: ignored\r\n\r\n")

	resp, err := httpwire.ParseResponse(raw)
	require.NoError(t, err)
	require.Equal(t, "Wikipedia", string(resp.Body))
}

func TestParseResponseRejectsMalformedInput(t *testing.T) {
	cases := []struct {
		name string
		raw  string
	}{
		{"empty", ""},
		{"no header terminator", "HTTP/1.1 200 OK\r\nContent-Length: 3\r\n"},
		{"not http", "NOTHTTP 200 OK\r\n\r\n"},
		{"status not numeric", "HTTP/1.1 ABC OK\r\n\r\n"},
		{"status out of range", "HTTP/1.1 42 Answer\r\n\r\n"},
		{"bad content length", "HTTP/1.1 200 OK\r\nContent-Length: banana\r\n\r\nx"},
		{"body shorter than declared", "HTTP/1.1 200 OK\r\nContent-Length: 10\r\n\r\nabc"},
		{"chunk size missing terminator", "HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\n4"},
		{"chunk truncated", "HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\nA\r\nhi"},
		{"chunk size not hex", "HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\nzz\r\nhi\r\n0\r\n\r\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := httpwire.ParseResponse([]byte(tc.raw))
			require.Error(t, err)
			require.True(t, errs.IsCode(err, errs.CodeProtocol), "got %v", err)
		})
	}
}
