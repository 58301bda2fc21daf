package main

import (
	"bytes"
	"context"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/require"

	"github.com/tickwire/tickwire/errs"
	"github.com/tickwire/tickwire/internal/ws"
)

func toWS(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http")
}

func dialProbe(t *testing.T, ctx context.Context, serverURL string) *ws.Session {
	t.Helper()
	dialCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	session, err := ws.Dial(dialCtx, toWS(serverURL))
	require.NoError(t, err)
	t.Cleanup(func() {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), time.Second)
		defer closeCancel()
		_ = session.Close(closeCtx, ws.CloseNormal, "test done")
	})
	return session
}

func TestPingOnceMeasuresRoundTrip(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "shutdown")

		// CloseRead pumps the read loop, which answers pings with pongs.
		readerCtx := conn.CloseRead(ctx)
		<-readerCtx.Done()
	}))
	t.Cleanup(server.Close)

	session := dialProbe(t, ctx, server.URL)

	rtt, skipped, err := pingOnce(ctx, session, "testrun", 1, 2*time.Second)
	require.NoError(t, err)
	require.Greater(t, rtt, time.Duration(0))
	require.Zero(t, skipped)
}

func TestPingOnceSkipsInterleavedDataFrames(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "shutdown")

		// Write the data frames before starting the reader so the probe's
		// ping is not answered until both are on the wire.
		writeCtx, writeCancel := context.WithTimeout(ctx, time.Second)
		_ = conn.Write(writeCtx, websocket.MessageText, []byte("tick-1"))
		_ = conn.Write(writeCtx, websocket.MessageText, []byte("tick-2"))
		writeCancel()

		readerCtx := conn.CloseRead(ctx)
		<-readerCtx.Done()
	}))
	t.Cleanup(server.Close)

	session := dialProbe(t, ctx, server.URL)

	rtt, skipped, err := pingOnce(ctx, session, "testrun", 1, 2*time.Second)
	require.NoError(t, err)
	require.Greater(t, rtt, time.Duration(0))
	require.Equal(t, 2, skipped)
}

func TestPingOnceTimesOutWithoutPong(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "shutdown")

		// Never read, so the ping is never answered.
		<-ctx.Done()
	}))
	t.Cleanup(server.Close)

	session := dialProbe(t, ctx, server.URL)

	_, _, err := pingOnce(ctx, session, "testrun", 1, 600*time.Millisecond)
	require.True(t, errs.IsCode(err, errs.CodeNetwork), "got %v", err)
}

func TestReportFormatsStats(t *testing.T) {
	var buf bytes.Buffer
	logger := log.New(&buf, "", 0)

	report(logger, []time.Duration{3 * time.Millisecond, time.Millisecond, 2 * time.Millisecond}, 4, true)

	out := buf.String()
	require.Contains(t, out, "rtt: n=3 min=1ms p50=2ms max=3ms avg=2ms")
	require.Contains(t, out, "session: connected=true data_frames_seen=4")

	buf.Reset()
	report(logger, nil, 0, false)
	require.Contains(t, buf.String(), "no round trips completed")
}
