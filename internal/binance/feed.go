// Package binance is the exchange boundary: stream naming, websocket payload
// decoding, request signing, the REST surface, and the managed feed that
// turns raw frames into typed events.
package binance

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sourcegraph/conc"

	"github.com/tickwire/tickwire/config"
	"github.com/tickwire/tickwire/errs"
	"github.com/tickwire/tickwire/internal/connmgr"
	"github.com/tickwire/tickwire/internal/observability"
	"github.com/tickwire/tickwire/internal/telemetry"
	"github.com/tickwire/tickwire/lib/async"
)

const (
	eventQueueSize = 1024

	// sessionPollInterval paces the health watch that detects fresh
	// sessions; subscriptions are replayed within one interval of a
	// reconnect.
	sessionPollInterval = 250 * time.Millisecond

	defaultPingInterval  = 15 * time.Second
	defaultSnapshotDepth = 100
	defaultKeyKeepAlive  = 30 * time.Minute

	snapshotWorkers = 4
	snapshotQueue   = 16

	closeKeyTimeout = 3 * time.Second
)

// Transport is the slice of the connection manager the feed drives.
// *connmgr.Manager satisfies it.
type Transport interface {
	Run(ctx context.Context) error
	Connect() error
	Ping() error
	Subscribe(stream string) error
	Unsubscribe(stream string) error
	Shutdown() error
	Health() connmgr.Health
	TakeMessages() (<-chan string, error)
}

// SnapshotFetcher fetches order book snapshots for depth stream seeding.
// *RestClient satisfies it.
type SnapshotFetcher interface {
	Depth(ctx context.Context, symbol string, limit int) (*DepthSnapshot, error)
}

// ListenKeyClient manages the user data stream lifecycle. *RestClient
// satisfies it.
type ListenKeyClient interface {
	CreateListenKey(ctx context.Context) (string, error)
	KeepAliveListenKey(ctx context.Context, listenKey string) error
	CloseListenKey(ctx context.Context, listenKey string) error
}

// Pool fans snapshot fetches out over bounded workers. *async.Pool
// satisfies it.
type Pool interface {
	Submit(ctx context.Context, fn async.Task) error
	Shutdown(ctx context.Context) error
}

func newSnapshotPool() (Pool, error) {
	return async.NewPool(snapshotWorkers, snapshotQueue)
}

// FeedClient supervises the managed feed: it keeps the desired stream set
// subscribed across reconnects, heartbeats the session, attaches the user
// data stream when credentials allow, seeds order books from REST
// snapshots, and decodes raw frames into typed events.
type FeedClient struct {
	transport Transport
	rest      *RestClient
	snapshots SnapshotFetcher
	keys      ListenKeyClient
	pool      Pool

	pingInterval  time.Duration
	keyKeepAlive  time.Duration
	snapshotDepth int
	userStream    bool

	mu        sync.Mutex
	desired   map[string]struct{}
	listenKey string

	events  chan Event
	started atomic.Bool
	wg      conc.WaitGroup

	metrics *telemetry.TransportMetrics
}

// FeedOption adjusts feed construction.
type FeedOption func(*FeedClient)

// WithTransport replaces the connection manager. Test seam.
func WithTransport(t Transport) FeedOption {
	return func(f *FeedClient) {
		if t != nil {
			f.transport = t
		}
	}
}

// WithRestClient replaces the REST boundary used for snapshots and listen
// keys.
func WithRestClient(rc *RestClient) FeedOption {
	return func(f *FeedClient) {
		if rc != nil {
			f.rest = rc
			f.snapshots = rc
			f.keys = rc
		}
	}
}

// WithSnapshotFetcher replaces only the snapshot source. Test seam.
func WithSnapshotFetcher(sf SnapshotFetcher) FeedOption {
	return func(f *FeedClient) {
		f.snapshots = sf
	}
}

// WithListenKeyClient replaces only the listen-key client. Test seam.
func WithListenKeyClient(lk ListenKeyClient) FeedOption {
	return func(f *FeedClient) {
		f.keys = lk
	}
}

// WithUserStream forces the user data stream on or off. The default
// attaches it whenever credentials are configured.
func WithUserStream(enabled bool) FeedOption {
	return func(f *FeedClient) {
		f.userStream = enabled
	}
}

// WithFeedMetrics wires transport instruments into the feed.
func WithFeedMetrics(tm *telemetry.TransportMetrics) FeedOption {
	return func(f *FeedClient) {
		f.metrics = tm
	}
}

// NewFeedClient builds a feed for cfg. The transport dials cfg.Endpoint;
// REST traffic targets cfg.Binance.RESTBaseURL.
func NewFeedClient(cfg config.Settings, opts ...FeedOption) *FeedClient {
	pingInterval := cfg.Feed.PingInterval
	if pingInterval <= 0 {
		pingInterval = defaultPingInterval
	}
	keepAlive := cfg.Binance.ListenKeyKeepAlive
	if keepAlive <= 0 {
		keepAlive = defaultKeyKeepAlive
	}
	depth := cfg.Feed.SnapshotDepth
	if depth <= 0 {
		depth = defaultSnapshotDepth
	}

	rest := NewRestClient(cfg.Binance)
	f := &FeedClient{
		transport:     connmgr.New(cfg),
		rest:          rest,
		snapshots:     rest,
		keys:          rest,
		pingInterval:  pingInterval,
		keyKeepAlive:  keepAlive,
		snapshotDepth: depth,
		userStream:    cfg.Binance.Credentials.Configured(),
		desired:       make(map[string]struct{}),
		events:        make(chan Event, eventQueueSize),
	}
	for _, stream := range normaliseStreams(cfg.Feed.Streams) {
		f.desired[stream] = struct{}{}
	}
	for _, opt := range opts {
		if opt != nil {
			opt(f)
		}
	}
	return f
}

// Events returns the typed event stream. It closes when Run returns.
func (f *FeedClient) Events() <-chan Event {
	return f.events
}

// Rest exposes the REST surface sharing the feed's credentials, for order
// placement and account queries alongside the stream.
func (f *FeedClient) Rest() *RestClient {
	return f.rest
}

// Health proxies the transport liveness snapshot.
func (f *FeedClient) Health() connmgr.Health {
	return f.transport.Health()
}

// Subscribe adds streams to the desired set and subscribes them on the live
// session. Streams stay desired across reconnects until unsubscribed.
func (f *FeedClient) Subscribe(streams ...string) error {
	names := normaliseStreams(streams)
	f.mu.Lock()
	for _, name := range names {
		f.desired[name] = struct{}{}
	}
	f.mu.Unlock()
	for _, name := range names {
		if err := f.transport.Subscribe(name); err != nil {
			return err
		}
	}
	return nil
}

// Unsubscribe removes streams from the desired set and the live session.
func (f *FeedClient) Unsubscribe(streams ...string) error {
	names := normaliseStreams(streams)
	f.mu.Lock()
	for _, name := range names {
		delete(f.desired, name)
	}
	f.mu.Unlock()
	for _, name := range names {
		if err := f.transport.Unsubscribe(name); err != nil {
			return err
		}
	}
	return nil
}

// normaliseStreams lowercases market stream names the way the wire expects.
func normaliseStreams(streams []string) []string {
	out := make([]string, 0, len(streams))
	for _, stream := range streams {
		stream = strings.ToLower(strings.TrimSpace(stream))
		if stream != "" {
			out = append(out, stream)
		}
	}
	return out
}

// Run drives the feed until ctx is cancelled: it starts the transport,
// keeps subscriptions in sync with session lifetimes, pings on the
// configured cadence, and pumps decoded events. The event channel closes on
// return.
func (f *FeedClient) Run(ctx context.Context) error {
	if !f.started.CompareAndSwap(false, true) {
		return errs.New(source, errs.CodeInvalid,
			errs.WithMessage("feed already started"))
	}
	raw, err := f.transport.TakeMessages()
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	transportDone := make(chan struct{})
	var transportErr error
	f.wg.Go(func() {
		transportErr = f.transport.Run(runCtx)
		close(transportDone)
	})
	defer f.teardown(cancel)

	if err := f.transport.Connect(); err != nil {
		return err
	}
	if f.userStream {
		f.attachUserStream(runCtx)
	}

	pingTicker := time.NewTicker(f.pingInterval)
	defer pingTicker.Stop()
	pollTicker := time.NewTicker(sessionPollInterval)
	defer pollTicker.Stop()

	observability.Log().Info("feed started",
		observability.Field{Key: "streams", Value: len(f.desiredStreams())})

	var lastSessionMS int64
	for {
		select {
		case <-runCtx.Done():
			return ctx.Err()
		case msg, ok := <-raw:
			if !ok {
				// Transport stopped on its own; surface why.
				<-transportDone
				return transportErr
			}
			f.dispatch(runCtx, msg)
		case <-pingTicker.C:
			_ = f.transport.Ping()
		case <-pollTicker.C:
			h := f.transport.Health()
			if h.State == connmgr.StateConnected && h.ConnectedAtMS != lastSessionMS {
				fresh := lastSessionMS != 0
				lastSessionMS = h.ConnectedAtMS
				f.syncSubscriptions(fresh)
				f.prefetchSnapshots(runCtx)
			}
		}
	}
}

// teardown winds the feed down: the listen key is closed best-effort, the
// transport is asked to stop, and the event channel closes once every
// goroutine has drained.
func (f *FeedClient) teardown(cancel context.CancelFunc) {
	var failures []error
	f.mu.Lock()
	key := f.listenKey
	f.listenKey = ""
	f.mu.Unlock()
	if key != "" && f.keys != nil {
		closeCtx, done := context.WithTimeout(context.Background(), closeKeyTimeout)
		if err := f.keys.CloseListenKey(closeCtx, key); err != nil {
			failures = append(failures, fmt.Errorf("close listen key: %w", err))
		}
		done()
	}
	// A closed command queue means the loop already stopped on its own,
	// which is the outcome Shutdown asks for.
	if err := f.transport.Shutdown(); err != nil && !errs.IsCode(err, errs.CodeChannelClosed) {
		failures = append(failures, fmt.Errorf("transport shutdown: %w", err))
	}
	cancel()
	if f.pool != nil {
		poolCtx, done := context.WithTimeout(context.Background(), closeKeyTimeout)
		if err := f.pool.Shutdown(poolCtx); err != nil {
			failures = append(failures, fmt.Errorf("snapshot pool shutdown: %w", err))
		}
		done()
	}
	f.wg.Wait()
	close(f.events)
	_ = observability.AggregateErrors("feed shutdown", failures)
	observability.Log().Info("feed stopped")
}

// dispatch decodes one raw payload and forwards the typed event.
// Subscription acks stop here; a full consumer drops the message rather
// than stalling the pump.
func (f *FeedClient) dispatch(ctx context.Context, raw string) {
	evt, err := ParseMessage([]byte(raw))
	if err != nil {
		f.metrics.RecordError(ctx, string(errs.CodeOf(err)), "decode")
		observability.Log().Debug("dropping undecodable payload",
			observability.Field{Key: "bytes", Value: len(raw)},
			observability.Field{Key: "error", Value: err})
		return
	}
	f.metrics.RecordMessage(ctx, evt.Kind(), len(raw))
	if ack, ok := evt.(ControlAck); ok {
		observability.Log().Debug("control acknowledged",
			observability.Field{Key: "id", Value: ack.ID})
		return
	}
	f.send(ctx, evt)
}

func (f *FeedClient) send(ctx context.Context, evt Event) {
	select {
	case f.events <- evt:
	default:
		f.metrics.RecordError(ctx, "feed", "event_queue_full")
		observability.Log().Error("event queue full, dropping event",
			observability.Field{Key: "kind", Value: evt.Kind()})
	}
}

// syncSubscriptions replays the desired set onto the current session.
func (f *FeedClient) syncSubscriptions(resubscribe bool) {
	streams := f.desiredStreams()
	f.mu.Lock()
	key := f.listenKey
	f.mu.Unlock()
	if key != "" {
		streams = append(streams, key)
	}
	if resubscribe {
		observability.Log().Info("resubscribing after reconnect",
			observability.Field{Key: "streams", Value: len(streams)})
	}
	for _, stream := range streams {
		if err := f.transport.Subscribe(stream); err != nil {
			observability.Log().Error("subscribe failed",
				observability.Field{Key: "stream", Value: stream},
				observability.Field{Key: "error", Value: err})
			return
		}
	}
}

func (f *FeedClient) desiredStreams() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.desired))
	for stream := range f.desired {
		out = append(out, stream)
	}
	return out
}

// snapshotStreams lists the desired depth streams whose books want REST
// seeding.
func (f *FeedClient) snapshotStreams() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.desired))
	for stream := range f.desired {
		if IsDepthStream(stream) {
			out = append(out, stream)
		}
	}
	return out
}

// prefetchSnapshots seeds the book for every depth stream. Fetches fan out
// over a bounded pool; snapshots flow through the same event channel as
// live updates so consumers see seed-then-delta ordering per their own
// sequencing rules.
func (f *FeedClient) prefetchSnapshots(ctx context.Context) {
	if f.snapshots == nil {
		return
	}
	streams := f.snapshotStreams()
	if len(streams) == 0 {
		return
	}
	if f.pool == nil {
		pool, err := newSnapshotPool()
		if err != nil {
			observability.Log().Error("snapshot pool unavailable",
				observability.Field{Key: "error", Value: err})
			return
		}
		f.pool = pool
	}
	for _, stream := range streams {
		symbol := StreamSymbol(stream)
		if symbol == "" {
			continue
		}
		err := f.pool.Submit(ctx, func(taskCtx context.Context) error {
			snap, err := f.snapshots.Depth(taskCtx, symbol, f.snapshotDepth)
			if err != nil {
				f.metrics.RecordError(taskCtx, string(errs.CodeOf(err)), "snapshot")
				observability.Log().Error("depth snapshot failed",
					observability.Field{Key: "symbol", Value: symbol},
					observability.Field{Key: "error", Value: err})
				return err
			}
			f.send(taskCtx, *snap)
			return nil
		})
		if err != nil {
			observability.Log().Error("snapshot fetch not scheduled",
				observability.Field{Key: "symbol", Value: symbol},
				observability.Field{Key: "error", Value: err})
		}
	}
}

// attachUserStream creates a listen key, subscribes it on the shared
// session, and keeps it alive until the feed stops. Failures without
// credentials are final; transient failures retry with backoff.
func (f *FeedClient) attachUserStream(ctx context.Context) {
	if f.keys == nil {
		return
	}
	f.wg.Go(func() {
		key, err := f.createListenKey(ctx)
		if err != nil {
			if ctx.Err() == nil {
				observability.Log().Error("user stream unavailable",
					observability.Field{Key: "error", Value: err})
			}
			return
		}
		f.mu.Lock()
		f.listenKey = key
		f.mu.Unlock()
		_ = f.transport.Subscribe(key)
		observability.Log().Info("user data stream attached")
		f.keepAliveLoop(ctx, key)
	})
}

func (f *FeedClient) createListenKey(ctx context.Context) (string, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = 30 * time.Second
	bo.Reset()
	for {
		key, err := f.keys.CreateListenKey(ctx)
		if err == nil {
			return key, nil
		}
		if errs.IsCode(err, errs.CodeAuth) {
			return "", err
		}
		wait := bo.NextBackOff()
		observability.Log().Error("listen key create failed",
			observability.Field{Key: "error", Value: err},
			observability.Field{Key: "retry_ms", Value: wait.Milliseconds()})
		select {
		case <-ctx.Done():
			return "", errs.New(source, errs.CodeNetwork,
				errs.WithMessage("listen key create cancelled"),
				errs.WithCause(ctx.Err()))
		case <-time.After(wait):
		}
	}
}

func (f *FeedClient) keepAliveLoop(ctx context.Context, key string) {
	ticker := time.NewTicker(f.keyKeepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := f.keys.KeepAliveListenKey(ctx, key); err != nil {
				observability.Log().Error("listen key keepalive failed",
					observability.Field{Key: "error", Value: err})
				continue
			}
			observability.Log().Debug("listen key kept alive")
		}
	}
}
