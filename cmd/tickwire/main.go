// Command tickwire runs the managed Binance feed: it dials the combined
// stream endpoint, keeps the session alive across reconnects, and prints a
// rolling summary of the typed events it decodes.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/tickwire/tickwire/config"
	"github.com/tickwire/tickwire/internal/affinity"
	"github.com/tickwire/tickwire/internal/binance"
	"github.com/tickwire/tickwire/internal/connmgr"
	"github.com/tickwire/tickwire/internal/ident"
	"github.com/tickwire/tickwire/internal/observability"
	"github.com/tickwire/tickwire/internal/telemetry"
)

const (
	loggerPrefix     = "tickwire "
	statsInterval    = 10 * time.Second
	lifecycleTimeout = 10 * time.Second
	telemetryTimeout = 5 * time.Second
)

type cliFlags struct {
	configPath string
	endpoint   string
	streams    string
	symbols    string
	cpuCore    int
	debug      bool
}

func parseFlags() cliFlags {
	var fl cliFlags
	flag.StringVar(&fl.configPath, "config", "", "path to YAML configuration file")
	flag.StringVar(&fl.endpoint, "endpoint", "", "websocket endpoint override")
	flag.StringVar(&fl.streams, "streams", "", "comma-separated stream names, e.g. btcusdt@trade,ethusdt@depth")
	flag.StringVar(&fl.symbols, "symbols", "", "comma-separated symbols expanded to trade, ticker and depth streams")
	flag.IntVar(&fl.cpuCore, "cpu", -1, "pin the feed loop to this core, -1 disables pinning")
	flag.BoolVar(&fl.debug, "debug", false, "enable debug logging")
	flag.Parse()
	return fl
}

func main() {
	fl := parseFlags()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger := log.New(os.Stdout, loggerPrefix, log.LstdFlags|log.Lmicroseconds)

	cfg, err := loadSettings(fl)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	observability.SetLogger(observability.NewStdLogger(logger, cfg.Debug))

	logger.Printf("starting: run=%s env=%s endpoint=%s streams=%d",
		ident.Short(), cfg.Environment, cfg.Endpoint, len(cfg.Feed.Streams))

	if cfg.CPUCore >= 0 {
		if err := affinity.Pin(cfg.CPUCore); err != nil {
			logger.Printf("cpu pinning unavailable: %v", err)
		} else {
			logger.Printf("feed loop pinned to core %d", cfg.CPUCore)
		}
	}

	provider, metrics, err := initTelemetry(ctx, logger, cfg)
	if err != nil {
		logger.Fatalf("initialise telemetry: %v", err)
	}

	transport := connmgr.New(cfg, connmgr.WithMetrics(metrics))
	feed := binance.NewFeedClient(cfg,
		binance.WithTransport(transport),
		binance.WithFeedMetrics(metrics))

	var lifecycle conc.WaitGroup
	feedDone := make(chan error, 1)
	lifecycle.Go(func() { feedDone <- feed.Run(ctx) })
	lifecycle.Go(func() { consumeEvents(logger, feed.Events()) })

	logger.Print("feed running, send SIGINT or SIGTERM to stop")

	var runErr error
	select {
	case <-ctx.Done():
		logger.Print("shutdown signal received")
	case runErr = <-feedDone:
		logger.Printf("feed stopped: %v", runErr)
	}

	shutdownStart := time.Now()
	cancel()
	performGracefulShutdown(logger, &lifecycle, provider)
	logger.Printf("shutdown completed in %v", time.Since(shutdownStart))

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		os.Exit(1)
	}
}

// loadSettings layers the configuration sources: YAML file (or environment
// when no file is given), then command-line overrides, then validation.
func loadSettings(fl cliFlags) (config.Settings, error) {
	var cfg config.Settings
	if fl.configPath != "" {
		loaded, err := config.Load(fl.configPath)
		if err != nil {
			return config.Settings{}, err
		}
		cfg = loaded
	} else {
		cfg = config.FromEnv()
	}

	var opts []config.Option
	if fl.endpoint != "" {
		opts = append(opts, config.WithEndpoint(fl.endpoint))
	}
	streams := splitList(fl.streams)
	streams = append(streams, expandSymbols(fl.symbols)...)
	if len(streams) > 0 {
		opts = append(opts, config.WithStreams(streams...))
	}
	if fl.cpuCore >= 0 {
		opts = append(opts, config.WithCPUCore(fl.cpuCore))
	}
	if fl.debug {
		opts = append(opts, config.WithDebug(true))
	}
	cfg = config.Apply(cfg, opts...)
	return cfg, cfg.Validate()
}

// splitList splits a comma-separated flag value, dropping empty entries.
func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// expandSymbols turns "BTCUSDT,ETHUSDT" into the standard stream trio for
// each symbol.
func expandSymbols(raw string) []string {
	var out []string
	for _, sym := range splitList(raw) {
		out = append(out,
			binance.TradeStream(sym),
			binance.TickerStream(sym),
			binance.DepthStream(sym, 20))
	}
	return out
}

func initTelemetry(ctx context.Context, logger *log.Logger, cfg config.Settings) (*telemetry.Provider, *telemetry.TransportMetrics, error) {
	tcfg := telemetry.DefaultConfig()
	tcfg.Enabled = cfg.Telemetry.EnableMetrics
	tcfg.EnableMetrics = cfg.Telemetry.EnableMetrics
	tcfg.OTLPInsecure = cfg.Telemetry.OTLPInsecure
	tcfg.Environment = string(cfg.Environment)
	if cfg.Telemetry.OTLPEndpoint != "" {
		tcfg.OTLPEndpoint = cfg.Telemetry.OTLPEndpoint
	}
	if cfg.Telemetry.ServiceName != "" {
		tcfg.ServiceName = cfg.Telemetry.ServiceName
	}

	provider, err := telemetry.NewProvider(ctx, tcfg)
	if err != nil {
		return nil, nil, err
	}
	if !tcfg.EnableMetrics {
		logger.Print("telemetry disabled")
		return provider, nil, nil
	}
	logger.Printf("telemetry initialised: endpoint=%s service=%s", tcfg.OTLPEndpoint, tcfg.ServiceName)
	return provider, telemetry.NewTransportMetrics("binance"), nil
}

// consumeEvents drains the typed stream until it closes, keeping per-kind
// counters and printing them on a fixed cadence.
func consumeEvents(logger *log.Logger, events <-chan binance.Event) {
	counts := make(map[string]uint64)
	var total uint64
	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()

	for {
		select {
		case evt, ok := <-events:
			if !ok {
				logger.Printf("event stream closed after %d events", total)
				return
			}
			total++
			counts[evt.Kind()]++
			logEvent(evt)
		case <-ticker.C:
			logger.Printf("events: total=%d %s", total, formatCounts(counts))
		}
	}
}

// logEvent prints market data at debug level and account activity at info,
// since order and balance updates are rare enough to always surface.
func logEvent(evt binance.Event) {
	switch e := evt.(type) {
	case binance.Trade:
		observability.Log().Debug("trade",
			observability.Field{Key: "symbol", Value: e.Symbol},
			observability.Field{Key: "price", Value: e.Price},
			observability.Field{Key: "qty", Value: e.Quantity},
			observability.Field{Key: "side", Value: e.Side})
	case binance.Ticker:
		observability.Log().Debug("ticker",
			observability.Field{Key: "symbol", Value: e.Symbol},
			observability.Field{Key: "last", Value: e.LastPrice})
	case binance.OrderUpdate:
		observability.Log().Info("order update",
			observability.Field{Key: "symbol", Value: e.Symbol},
			observability.Field{Key: "status", Value: e.Status},
			observability.Field{Key: "clientOrderId", Value: e.ClientOrderID})
	case binance.AccountUpdate:
		observability.Log().Info("account update",
			observability.Field{Key: "balances", Value: len(e.Balances)})
	case binance.BalanceUpdate:
		observability.Log().Info("balance update",
			observability.Field{Key: "asset", Value: e.Asset},
			observability.Field{Key: "delta", Value: e.Delta})
	default:
		observability.Log().Debug("event",
			observability.Field{Key: "kind", Value: evt.Kind()})
	}
}

// formatCounts renders the per-kind counters in a stable order.
func formatCounts(counts map[string]uint64) string {
	if len(counts) == 0 {
		return "(none)"
	}
	kinds := make([]string, 0, len(counts))
	for kind := range counts {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	parts := make([]string, 0, len(kinds))
	for _, kind := range kinds {
		parts = append(parts, fmt.Sprintf("%s=%d", kind, counts[kind]))
	}
	return strings.Join(parts, " ")
}

// performGracefulShutdown drains the feed goroutines and flushes telemetry,
// logging each step with its own deadline.
func performGracefulShutdown(logger *log.Logger, lifecycle *conc.WaitGroup, provider *telemetry.Provider) {
	shutdownStep := func(name string, timeout time.Duration, fn func(context.Context) error) {
		stepCtx, stepCancel := context.WithTimeout(context.Background(), timeout)
		defer stepCancel()
		logger.Printf("shutdown: %s...", name)
		if err := fn(stepCtx); err != nil {
			logger.Printf("shutdown: %s failed: %v", name, err)
		} else {
			logger.Printf("shutdown: %s completed", name)
		}
	}

	shutdownStep("waiting for feed goroutines", lifecycleTimeout, func(stepCtx context.Context) error {
		done := make(chan struct{})
		go func() {
			lifecycle.Wait()
			close(done)
		}()
		select {
		case <-done:
			return nil
		case <-stepCtx.Done():
			return fmt.Errorf("feed goroutines still running: %w", stepCtx.Err())
		}
	})

	if provider != nil {
		shutdownStep("flushing telemetry", telemetryTimeout, func(stepCtx context.Context) error {
			return provider.Shutdown(stepCtx)
		})
	}
}
