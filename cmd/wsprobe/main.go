// Command wsprobe dials a websocket endpoint, measures ping round trips over
// the session's own frame codec, and prints latency statistics. It talks to
// the session directly rather than through the connection manager, which
// separates transport problems from reconnect logic when diagnosing a feed.
package main

import (
	"bytes"
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/tickwire/tickwire/config"
	"github.com/tickwire/tickwire/errs"
	"github.com/tickwire/tickwire/internal/ident"
	"github.com/tickwire/tickwire/internal/observability"
	"github.com/tickwire/tickwire/internal/timing"
	"github.com/tickwire/tickwire/internal/ws"
)

const source = "wsprobe"

const (
	receiveSlice = 250 * time.Millisecond
	closeTimeout = 3 * time.Second
)

type probeFlags struct {
	endpoint string
	count    int
	interval time.Duration
	timeout  time.Duration
	insecure bool
	debug    bool
}

func parseFlags() probeFlags {
	defaults := config.Default()
	var fl probeFlags
	flag.StringVar(&fl.endpoint, "endpoint", defaults.Endpoint, "websocket endpoint to probe")
	flag.IntVar(&fl.count, "count", 5, "number of pings to send")
	flag.DurationVar(&fl.interval, "interval", time.Second, "pause between pings")
	flag.DurationVar(&fl.timeout, "timeout", 10*time.Second, "dial budget and per-ping pong wait")
	flag.BoolVar(&fl.insecure, "insecure", false, "skip TLS certificate verification")
	flag.BoolVar(&fl.debug, "debug", false, "enable debug logging")
	flag.Parse()
	return fl
}

func main() {
	fl := parseFlags()

	logger := log.New(os.Stdout, "wsprobe ", log.LstdFlags|log.Lmicroseconds)
	observability.SetLogger(observability.NewStdLogger(logger, fl.debug))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger, fl); err != nil {
		logger.Fatalf("probe failed: %v", err)
	}
}

func run(ctx context.Context, logger *log.Logger, fl probeFlags) error {
	var dialOpts []ws.DialOption
	if fl.insecure {
		dialOpts = append(dialOpts, ws.WithDialTLSConfig(&tls.Config{InsecureSkipVerify: true}))
	}

	dialCtx, dialCancel := context.WithTimeout(ctx, fl.timeout)
	defer dialCancel()

	dialStart := time.Now()
	session, err := ws.Dial(dialCtx, fl.endpoint, dialOpts...)
	if err != nil {
		return err
	}
	logger.Printf("connected to %s in %v", fl.endpoint, time.Since(dialStart).Round(time.Microsecond))
	defer closeSession(logger, session)

	probeID := ident.Short()
	rtts := make([]time.Duration, 0, fl.count)
	var dataFrames int
	for seq := 1; seq <= fl.count; seq++ {
		rtt, skipped, err := pingOnce(ctx, session, probeID, seq, fl.timeout)
		if err != nil {
			return err
		}
		dataFrames += skipped
		rtts = append(rtts, rtt)
		logger.Printf("ping %d/%d rtt=%v", seq, fl.count, rtt.Round(time.Microsecond))

		if seq < fl.count {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(fl.interval):
			}
		}
	}

	report(logger, rtts, dataFrames, session.Connected())
	return nil
}

// pingOnce sends one ping and waits for the matching pong, counting any data
// frames that arrive in between.
func pingOnce(ctx context.Context, session *ws.Session, probeID string, seq int, wait time.Duration) (time.Duration, int, error) {
	payload := []byte(fmt.Sprintf("probe-%s-%d", probeID, seq))
	skipped := 0

	sent := timing.Nanos()
	if err := session.Ping(ctx, payload); err != nil {
		return 0, skipped, err
	}

	deadline := time.Now().Add(wait)
	for time.Now().Before(deadline) {
		if ctx.Err() != nil {
			return 0, skipped, ctx.Err()
		}
		recvCtx, recvCancel := context.WithTimeout(ctx, receiveSlice)
		frame, err := session.ReceiveFrame(recvCtx)
		recvCancel()
		if err != nil {
			return 0, skipped, err
		}
		if frame == nil {
			continue
		}
		switch frame.Opcode {
		case ws.OpPong:
			if bytes.Equal(frame.Payload, payload) {
				return time.Duration(timing.Nanos() - sent), skipped, nil
			}
			// Pong for an earlier ping; keep waiting.
		case ws.OpClose:
			return 0, skipped, errs.New(source, errs.CodeNetwork,
				errs.WithMessage("peer closed during probe"),
				errs.WithRawMessage(string(frame.Payload)))
		default:
			skipped++
		}
	}
	return 0, skipped, errs.New(source, errs.CodeNetwork, errs.WithMessage("pong timed out"))
}

func closeSession(logger *log.Logger, session *ws.Session) {
	closeCtx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	if err := session.Close(closeCtx, ws.CloseNormal, "probe complete"); err != nil {
		logger.Printf("close failed: %v", err)
	}
}

// report prints the latency distribution and the state the probe left the
// session in.
func report(logger *log.Logger, rtts []time.Duration, dataFrames int, connected bool) {
	if len(rtts) == 0 {
		logger.Print("no round trips completed")
		return
	}
	sorted := append([]time.Duration(nil), rtts...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	var total time.Duration
	for _, rtt := range sorted {
		total += rtt
	}
	logger.Printf("rtt: n=%d min=%v p50=%v max=%v avg=%v",
		len(sorted),
		sorted[0].Round(time.Microsecond),
		sorted[len(sorted)/2].Round(time.Microsecond),
		sorted[len(sorted)-1].Round(time.Microsecond),
		(total / time.Duration(len(sorted))).Round(time.Microsecond))
	logger.Printf("session: connected=%v data_frames_seen=%d", connected, dataFrames)
}
