// Package connmgr supervises a single websocket session: it serialises caller
// commands, pumps inbound frames onto an event queue, monitors heartbeat
// liveness, and recovers transport failures by reconnecting with exponential
// backoff. All session I/O happens on one loop goroutine; callers interact
// only through the command queue and health snapshots.
package connmgr

import (
	"context"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/goccy/go-json"
	"golang.org/x/time/rate"

	"github.com/tickwire/tickwire/config"
	"github.com/tickwire/tickwire/errs"
	"github.com/tickwire/tickwire/internal/observability"
	"github.com/tickwire/tickwire/internal/telemetry"
	"github.com/tickwire/tickwire/internal/timing"
	"github.com/tickwire/tickwire/internal/ws"
)

const source = "connmgr"

const (
	commandQueueSize = 64
	eventQueueSize   = 1024

	defaultReceiveWindow = 10 * time.Millisecond
	defaultIdleDelay     = 10 * time.Millisecond
	defaultPongTolerance = 30 * time.Second

	// Bound on the close handshake when dropping a session.
	closeTimeout = 3 * time.Second
)

const (
	methodSubscribe   = "SUBSCRIBE"
	methodUnsubscribe = "UNSUBSCRIBE"
)

// controlRequest is the stream management message documented by Binance.
type controlRequest struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     uint64   `json:"id"`
}

// Session is the slice of the websocket session the manager drives.
// *ws.Session satisfies it.
type Session interface {
	ReceiveFrame(ctx context.Context) (*ws.Frame, error)
	SendText(ctx context.Context, text string) error
	Ping(ctx context.Context, payload []byte) error
	Close(ctx context.Context, code uint16, reason string) error
}

// Dialer produces a fresh session on every (re)connect.
type Dialer func(ctx context.Context) (Session, error)

// Manager owns one websocket session at a time and runs the supervision loop.
type Manager struct {
	endpoint  string
	dial      Dialer
	reconnect config.ReconnectSettings

	receiveWindow time.Duration
	idleDelay     time.Duration
	pongTolerance time.Duration

	commands chan Command
	events   chan string
	done     chan struct{}

	started  atomic.Bool
	msgTaken atomic.Bool
	health   atomic.Pointer[Health]
	msgID    atomic.Uint64

	// Loop-owned state. Never touched outside the Run goroutine.
	cur             Health
	session         Session
	attempts        int
	lastPingNanos   int64
	reconnectQueued bool
	subs            map[string]struct{}

	backoff *Backoff
	limiter *rate.Limiter
	metrics *telemetry.TransportMetrics
	sleep   func(context.Context, time.Duration) error
}

// Option adjusts manager construction.
type Option func(*Manager)

// WithDialer replaces the session dialer.
func WithDialer(d Dialer) Option {
	return func(m *Manager) {
		if d != nil {
			m.dial = d
		}
	}
}

// WithMetrics wires transport instruments into the loop.
func WithMetrics(tm *telemetry.TransportMetrics) Option {
	return func(m *Manager) {
		m.metrics = tm
	}
}

// WithRand injects the jitter source used by the backoff schedule.
func WithRand(r Rand) Option {
	return func(m *Manager) {
		if r != nil {
			m.backoff = NewBackoff(m.reconnect, r)
		}
	}
}

// WithSleep replaces the loop's sleep function. Test seam.
func WithSleep(fn func(context.Context, time.Duration) error) Option {
	return func(m *Manager) {
		if fn != nil {
			m.sleep = fn
		}
	}
}

// New builds a manager for the endpoint in cfg. The loop does not start until
// Run is called.
func New(cfg config.Settings, opts ...Option) *Manager {
	loop := cfg.Manager
	if loop.ReceiveWindow <= 0 {
		loop.ReceiveWindow = defaultReceiveWindow
	}
	if loop.IdleDelay <= 0 {
		loop.IdleDelay = defaultIdleDelay
	}
	if loop.PongTolerance <= 0 {
		loop.PongTolerance = defaultPongTolerance
	}

	// Binance limits control messages (SUBSCRIBE/UNSUBSCRIBE, ping) to 5 per
	// second per connection; enforced here with a token bucket.
	// See: https://github.com/binance/binance-spot-api-docs/blob/master/web-socket-streams.md
	limit := rate.Inf
	if loop.ControlRate > 0 {
		limit = rate.Limit(loop.ControlRate)
	}
	burst := loop.ControlBurst
	if burst < 1 {
		burst = 1
	}

	m := &Manager{
		endpoint:      cfg.Endpoint,
		dial:          defaultDialer(cfg),
		reconnect:     cfg.Reconnect,
		receiveWindow: loop.ReceiveWindow,
		idleDelay:     loop.IdleDelay,
		pongTolerance: loop.PongTolerance,
		commands:      make(chan Command, commandQueueSize),
		events:        make(chan string, eventQueueSize),
		done:          make(chan struct{}),
		subs:          make(map[string]struct{}),
		backoff:       NewBackoff(cfg.Reconnect, nil),
		limiter:       rate.NewLimiter(limit, burst),
		sleep:         sleepContext,
	}
	m.publish()
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

func defaultDialer(cfg config.Settings) Dialer {
	endpoint := cfg.Endpoint
	timeout := cfg.Session.HandshakeTimeout
	maxPayload := cfg.Session.MaxPayload
	return func(ctx context.Context) (Session, error) {
		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		return ws.Dial(ctx, endpoint, ws.WithSessionOptions(ws.WithMaxPayload(maxPayload)))
	}
}

// Health returns the latest liveness snapshot.
func (m *Manager) Health() Health {
	return *m.health.Load()
}

// TakeMessages hands out the inbound message receiver. Single-owner: the
// second and later calls fail.
func (m *Manager) TakeMessages() (<-chan string, error) {
	if !m.msgTaken.CompareAndSwap(false, true) {
		return nil, errs.New(source, errs.CodeInvalid, errs.WithMessage("message receiver already taken"))
	}
	return m.events, nil
}

// Send enqueues a command for the loop. It fails once the loop has stopped.
func (m *Manager) Send(cmd Command) error {
	select {
	case <-m.done:
		return errs.New(source, errs.CodeChannelClosed, errs.WithMessage("command queue closed"))
	default:
	}
	select {
	case m.commands <- cmd:
		return nil
	case <-m.done:
		return errs.New(source, errs.CodeChannelClosed, errs.WithMessage("command queue closed"))
	}
}

// Connect requests session establishment.
func (m *Manager) Connect() error { return m.Send(Command{Kind: CmdConnect}) }

// Disconnect requests a normal closure of the session.
func (m *Manager) Disconnect() error { return m.Send(Command{Kind: CmdDisconnect}) }

// Reconnect requests a teardown and fresh dial with backoff.
func (m *Manager) Reconnect() error { return m.Send(Command{Kind: CmdReconnect}) }

// Ping requests a heartbeat ping.
func (m *Manager) Ping() error { return m.Send(Command{Kind: CmdPing}) }

// Subscribe requests a stream subscription.
func (m *Manager) Subscribe(stream string) error {
	return m.Send(Command{Kind: CmdSubscribe, Stream: stream})
}

// Unsubscribe requests a stream unsubscription.
func (m *Manager) Unsubscribe(stream string) error {
	return m.Send(Command{Kind: CmdUnsubscribe, Stream: stream})
}

// Shutdown requests a cooperative stop of the run loop.
func (m *Manager) Shutdown() error { return m.Send(Command{Kind: CmdShutdown}) }

// Run drives the supervision loop until ctx is cancelled or a Shutdown
// command arrives. Each tick drains queued commands, pumps the session for
// one receive window, checks heartbeat health, then idles briefly.
func (m *Manager) Run(ctx context.Context) error {
	if !m.started.CompareAndSwap(false, true) {
		return errs.New(source, errs.CodeInvalid, errs.WithMessage("manager loop already started"))
	}
	observability.Log().Info("connection manager started",
		observability.Field{Key: "endpoint", Value: m.endpoint})
	defer m.teardown()

	for {
		stop, err := m.drainCommands(ctx)
		if stop {
			return err
		}
		m.pumpSession(ctx)
		m.checkHealth(ctx)
		if err := m.sleep(ctx, m.idleDelay); err != nil {
			return err
		}
	}
}

// drainCommands applies every queued command. It reports stop=true when a
// shutdown was requested or the context ended.
func (m *Manager) drainCommands(ctx context.Context) (bool, error) {
	for {
		select {
		case <-ctx.Done():
			return true, ctx.Err()
		case cmd := <-m.commands:
			if cmd.Kind == CmdShutdown {
				observability.Log().Info("shutdown requested")
				return true, nil
			}
			m.apply(ctx, cmd)
		default:
			return false, nil
		}
	}
}

func (m *Manager) apply(ctx context.Context, cmd Command) {
	switch cmd.Kind {
	case CmdConnect:
		m.handleConnect(ctx)
	case CmdDisconnect:
		m.handleDisconnect(ctx)
	case CmdReconnect:
		m.handleReconnect(ctx)
	case CmdPing:
		m.handlePing(ctx)
	case CmdSubscribe:
		m.handleSubscription(ctx, methodSubscribe, cmd.Stream)
	case CmdUnsubscribe:
		m.handleSubscription(ctx, methodUnsubscribe, cmd.Stream)
	default:
		observability.Log().Debug("ignoring unknown command",
			observability.Field{Key: "kind", Value: cmd.Kind.String()})
	}
}

func (m *Manager) handleConnect(ctx context.Context) {
	if m.session != nil {
		observability.Log().Debug("connect ignored, session already live")
		return
	}
	if err := m.establish(ctx); err != nil {
		m.setState(StateFailed)
		observability.Log().Error("websocket connect failed",
			observability.Field{Key: "error", Value: err})
	}
}

func (m *Manager) handleDisconnect(ctx context.Context) {
	if m.session == nil {
		return
	}
	m.dropSession(ctx, ws.CloseNormal, "client disconnect")
	m.setState(StateDisconnected)
	observability.Log().Info("websocket disconnected")
}

func (m *Manager) handleReconnect(ctx context.Context) {
	m.reconnectQueued = false
	if m.cur.State == StateFailed {
		observability.Log().Debug("reconnect ignored, manager failed")
		return
	}
	m.dropSession(ctx, ws.CloseGoingAway, "reconnecting")

	if m.attempts >= m.reconnect.MaxAttempts {
		m.setState(StateFailed)
		observability.Log().Error("reconnect attempts exhausted",
			observability.Field{Key: "attempts", Value: m.attempts})
		return
	}

	m.attempts++
	m.cur.ReconnectCount++
	delay := m.backoff.Next()
	m.setState(StateReconnecting)
	observability.Log().Info("reconnecting",
		observability.Field{Key: "attempt", Value: m.attempts},
		observability.Field{Key: "max_attempts", Value: m.reconnect.MaxAttempts},
		observability.Field{Key: "delay_ms", Value: delay.Milliseconds()})

	if err := m.sleep(ctx, delay); err != nil {
		return
	}
	if err := m.establish(ctx); err != nil {
		m.metrics.RecordReconnect(ctx, "error")
		observability.Log().Error("reconnect failed",
			observability.Field{Key: "attempt", Value: m.attempts},
			observability.Field{Key: "error", Value: err})
		if m.attempts >= m.reconnect.MaxAttempts {
			m.setState(StateFailed)
			observability.Log().Error("reconnect attempts exhausted",
				observability.Field{Key: "attempts", Value: m.attempts})
		}
		return
	}
	m.metrics.RecordReconnect(ctx, "ok")
}

func (m *Manager) handlePing(ctx context.Context) {
	if m.session == nil {
		observability.Log().Debug("ping skipped, not connected")
		return
	}
	if err := m.limiter.Wait(ctx); err != nil {
		return
	}
	now := timing.NowMillis()
	if err := m.session.Ping(ctx, nil); err != nil {
		m.bumpError()
		observability.Log().Error("ping send failed",
			observability.Field{Key: "error", Value: err})
		return
	}
	m.cur.LastPingMS = now
	m.lastPingNanos = timing.Nanos()
	m.publish()
	observability.Log().Debug("ping sent")
}

func (m *Manager) handleSubscription(ctx context.Context, method, stream string) {
	if stream == "" {
		return
	}
	if m.session == nil {
		observability.Log().Debug("subscription skipped while disconnected",
			observability.Field{Key: "method", Value: method},
			observability.Field{Key: "stream", Value: stream})
		return
	}
	if err := m.limiter.Wait(ctx); err != nil {
		return
	}

	req := controlRequest{Method: method, Params: []string{stream}, ID: m.msgID.Add(1)}
	data, err := json.Marshal(req)
	if err != nil {
		m.bumpError()
		observability.Log().Error("marshal control request failed",
			observability.Field{Key: "error", Value: err})
		return
	}
	if err := m.session.SendText(ctx, string(data)); err != nil {
		m.bumpError()
		observability.Log().Error("control request send failed",
			observability.Field{Key: "method", Value: method},
			observability.Field{Key: "stream", Value: stream},
			observability.Field{Key: "error", Value: err})
		return
	}

	switch method {
	case methodSubscribe:
		if _, ok := m.subs[stream]; !ok {
			m.subs[stream] = struct{}{}
			m.metrics.AdjustSubscriptions(ctx, 1)
		}
		observability.Log().Info("stream subscribed",
			observability.Field{Key: "stream", Value: stream})
	case methodUnsubscribe:
		if _, ok := m.subs[stream]; ok {
			delete(m.subs, stream)
			m.metrics.AdjustSubscriptions(ctx, -1)
		}
		observability.Log().Info("stream unsubscribed",
			observability.Field{Key: "stream", Value: stream})
	}
	m.metrics.RecordControl(ctx, method, 1)
}

// establish dials a fresh session and moves the manager to Connected. The
// new connection counts as its own heartbeat: LastPongMS is seeded with the
// connect time so the health check cannot fire before the first real pong.
func (m *Manager) establish(ctx context.Context) error {
	m.setState(StateConnecting)
	timer := timing.StartTimer("ws_connect")
	sess, err := m.dial(ctx)
	if err != nil {
		m.metrics.RecordConnect(ctx, timer.Elapsed(), "error")
		return err
	}

	now := timing.NowMillis()
	m.session = sess
	m.attempts = 0
	m.lastPingNanos = 0
	m.backoff.Reset()
	m.cur.ConnectedAtMS = now
	m.cur.LastPongMS = now
	m.setState(StateConnected)

	m.metrics.RecordConnect(ctx, timer.Elapsed(), "ok")
	observability.Log().Info("websocket connected",
		observability.Field{Key: "endpoint", Value: m.endpoint},
		observability.Field{Key: "elapsed_us", Value: timer.ElapsedMicros()})
	return nil
}

// pumpSession runs one time-boxed receive and dispatches whatever arrived.
func (m *Manager) pumpSession(ctx context.Context) {
	if m.session == nil {
		return
	}
	rctx, cancel := context.WithTimeout(ctx, m.receiveWindow)
	frame, err := m.session.ReceiveFrame(rctx)
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		m.bumpError()
		m.metrics.RecordError(ctx, string(errs.CodeOf(err)), "receive")
		observability.Log().Error("websocket receive failed",
			observability.Field{Key: "error", Value: err})
		m.requestReconnect(ctx)
		return
	}
	if frame == nil {
		// Nothing arrived within the window.
		return
	}
	m.dispatchFrame(ctx, frame)
}

func (m *Manager) dispatchFrame(ctx context.Context, frame *ws.Frame) {
	switch frame.Opcode {
	case ws.OpText:
		if !utf8.Valid(frame.Payload) {
			m.bumpError()
			m.metrics.RecordError(ctx, string(errs.CodeInvalidUTF8), "text_frame")
			observability.Log().Error("discarding non-utf8 text frame",
				observability.Field{Key: "bytes", Value: len(frame.Payload)})
			return
		}
		msg := string(frame.Payload)
		select {
		case m.events <- msg:
			m.cur.MessageCount++
			m.publish()
			m.metrics.RecordMessage(ctx, "text", len(msg))
		default:
			m.bumpError()
			observability.Log().Error("event queue full, dropping message",
				observability.Field{Key: "bytes", Value: len(msg)})
		}
	case ws.OpPong:
		m.cur.LastPongMS = timing.NowMillis()
		if m.lastPingNanos > 0 {
			latency := (timing.Nanos() - m.lastPingNanos) / 1000
			m.cur.PingLatencyUS = latency
			m.lastPingNanos = 0
			m.metrics.RecordPing(ctx, time.Duration(latency)*time.Microsecond, "ok")
			observability.Log().Debug("pong received",
				observability.Field{Key: "latency_us", Value: latency})
		}
		m.publish()
	case ws.OpClose:
		code, reason := ws.ParseClose(frame.Payload)
		observability.Log().Info("peer closed connection",
			observability.Field{Key: "code", Value: code},
			observability.Field{Key: "reason", Value: reason})
		m.dropSession(ctx, ws.CloseNormal, "")
		m.setState(StateDisconnected)
		m.requestReconnect(ctx)
	case ws.OpBinary:
		m.bumpError()
		observability.Log().Error("unexpected binary frame on text stream",
			observability.Field{Key: "bytes", Value: len(frame.Payload)})
	default:
		m.bumpError()
		observability.Log().Debug("ignoring unsupported frame",
			observability.Field{Key: "opcode", Value: frame.Opcode.String()})
	}
}

// checkHealth requests a reconnect when the heartbeat went stale.
func (m *Manager) checkHealth(ctx context.Context) {
	if m.session == nil || m.cur.State != StateConnected {
		return
	}
	now := timing.NowMillis()
	if m.cur.Healthy(now, m.pongTolerance) {
		return
	}
	observability.Log().Error("connection unhealthy, requesting reconnect",
		observability.Field{Key: "last_pong_ms", Value: m.cur.LastPongMS},
		observability.Field{Key: "now_ms", Value: now})
	m.requestReconnect(ctx)
}

// requestReconnect queues an internal reconnect at most once until it is
// handled. Falls back to handling inline when the command queue is full.
func (m *Manager) requestReconnect(ctx context.Context) {
	if m.reconnectQueued {
		return
	}
	m.reconnectQueued = true
	select {
	case m.commands <- Command{Kind: CmdReconnect}:
	default:
		m.reconnectQueued = false
		m.handleReconnect(ctx)
	}
}

// dropSession closes the current session and forgets its subscriptions.
func (m *Manager) dropSession(ctx context.Context, code uint16, reason string) {
	if m.session == nil {
		return
	}
	cctx, cancel := context.WithTimeout(ctx, closeTimeout)
	_ = m.session.Close(cctx, code, reason)
	cancel()
	m.session = nil
	m.lastPingNanos = 0
	if len(m.subs) > 0 {
		m.metrics.AdjustSubscriptions(ctx, -len(m.subs))
		clear(m.subs)
	}
}

func (m *Manager) teardown() {
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	if m.session != nil {
		m.dropSession(ctx, ws.CloseNormal, "shutdown")
		m.setState(StateDisconnected)
	}
	close(m.done)
	close(m.events)
	observability.Log().Info("connection manager stopped")
}

func (m *Manager) setState(s State) {
	if m.cur.State != s {
		observability.Log().Debug("connection state changed",
			observability.Field{Key: "from", Value: m.cur.State.String()},
			observability.Field{Key: "to", Value: s.String()})
	}
	m.cur.State = s
	m.publish()
}

func (m *Manager) bumpError() {
	m.cur.ErrorCount++
	m.publish()
}

func (m *Manager) publish() {
	snap := m.cur
	m.health.Store(&snap)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
