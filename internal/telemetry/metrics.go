package telemetry

import (
	"context"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// TransportMetrics captures websocket transport activity: messages, control
// traffic, reconnects, and ping round trips. All record methods are nil-safe
// so callers can run without telemetry wired.
type TransportMetrics struct {
	environment string
	provider    string

	messagesReceived metric.Int64Counter
	messageBytes     metric.Int64Histogram
	reconnects       metric.Int64Counter
	controlMessages  metric.Int64Counter
	pings            metric.Int64Counter
	pingLatency      metric.Float64Histogram
	transportErrors  metric.Int64Counter
	connectDuration  metric.Float64Histogram
	subscriptions    metric.Int64UpDownCounter
}

// NewTransportMetrics constructs transport instruments against the global meter provider.
func NewTransportMetrics(provider string) *TransportMetrics {
	meter := otel.Meter("tickwire.transport")
	provider = strings.TrimSpace(provider)
	if provider == "" {
		provider = "websocket"
	}

	tm := &TransportMetrics{
		environment:      Environment(),
		provider:         provider,
		messagesReceived: nil,
		messageBytes:     nil,
		reconnects:       nil,
		controlMessages:  nil,
		pings:            nil,
		pingLatency:      nil,
		transportErrors:  nil,
		connectDuration:  nil,
		subscriptions:    nil,
	}

	tm.messagesReceived, _ = meter.Int64Counter("tickwire_ws_messages",
		metric.WithDescription("Stream messages received from websocket connections"),
		metric.WithUnit("{message}"))

	tm.messageBytes, _ = meter.Int64Histogram("tickwire_ws_message_bytes",
		metric.WithDescription("Size of websocket stream messages"),
		metric.WithUnit("By"))

	tm.reconnects, _ = meter.Int64Counter("tickwire_ws_reconnects",
		metric.WithDescription("Number of websocket reconnect attempts"),
		metric.WithUnit("{reconnect}"))

	tm.controlMessages, _ = meter.Int64Counter("tickwire_ws_control_messages",
		metric.WithDescription("Control messages sent by the connection manager"),
		metric.WithUnit("{message}"))

	tm.pings, _ = meter.Int64Counter("tickwire_ws_pings",
		metric.WithDescription("Ping frames sent on websocket connections"),
		metric.WithUnit("{ping}"))

	tm.pingLatency, _ = meter.Float64Histogram("tickwire_ws_ping_latency",
		metric.WithDescription("Latency of ping frames on websocket connections"),
		metric.WithUnit("ms"))

	tm.transportErrors, _ = meter.Int64Counter("tickwire_transport_errors",
		metric.WithDescription("Errors observed on the transport layer"),
		metric.WithUnit("{error}"))

	tm.connectDuration, _ = meter.Float64Histogram("tickwire_connect_duration",
		metric.WithDescription("Duration of TLS dial plus websocket upgrade"),
		metric.WithUnit("ms"))

	tm.subscriptions, _ = meter.Int64UpDownCounter("tickwire_ws_active_subscriptions",
		metric.WithDescription("Active websocket stream subscriptions"),
		metric.WithUnit("{stream}"))

	return tm
}

// RecordMessage counts one received stream message and its payload size.
func (tm *TransportMetrics) RecordMessage(ctx context.Context, messageType string, bytes int) {
	if tm == nil || tm.messagesReceived == nil || tm.messageBytes == nil {
		return
	}
	ctx = ensureContext(ctx)
	attrs := MessageAttributes(tm.environment, tm.provider, messageType)
	tm.messagesReceived.Add(ctx, 1, metric.WithAttributes(attrs...))
	if bytes > 0 {
		tm.messageBytes.Record(ctx, int64(bytes), metric.WithAttributes(attrs...))
	}
}

// RecordReconnect counts one reconnect attempt with its outcome.
func (tm *TransportMetrics) RecordReconnect(ctx context.Context, result string) {
	if tm == nil || tm.reconnects == nil {
		return
	}
	ctx = ensureContext(ctx)
	attrs := ConnectionAttributes(tm.environment, tm.provider, result)
	tm.reconnects.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordControl counts outbound control messages by method.
func (tm *TransportMetrics) RecordControl(ctx context.Context, method string, count int) {
	if tm == nil || tm.controlMessages == nil || count == 0 {
		return
	}
	ctx = ensureContext(ctx)
	attrs := CommandAttributes(tm.environment, strings.ToUpper(method), "sent")
	tm.controlMessages.Add(ctx, int64(count), metric.WithAttributes(attrs...))
}

// RecordPing records a ping round trip and its latency.
func (tm *TransportMetrics) RecordPing(ctx context.Context, latency time.Duration, result string) {
	if tm == nil || tm.pings == nil || tm.pingLatency == nil {
		return
	}
	ctx = ensureContext(ctx)
	if latency < 0 {
		latency = 0
	}
	attrs := ConnectionAttributes(tm.environment, tm.provider, result)
	tm.pings.Add(ctx, 1, metric.WithAttributes(attrs...))
	tm.pingLatency.Record(ctx, float64(latency)/float64(time.Millisecond), metric.WithAttributes(attrs...))
}

// RecordError counts a transport error by type and reason.
func (tm *TransportMetrics) RecordError(ctx context.Context, errorType, reason string) {
	if tm == nil || tm.transportErrors == nil {
		return
	}
	ctx = ensureContext(ctx)
	attrs := ErrorAttributes(tm.environment, errorType, reason)
	tm.transportErrors.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordConnect records the duration of a connection establishment attempt.
func (tm *TransportMetrics) RecordConnect(ctx context.Context, d time.Duration, result string) {
	if tm == nil || tm.connectDuration == nil {
		return
	}
	ctx = ensureContext(ctx)
	if d < 0 {
		d = 0
	}
	attrs := ConnectionAttributes(tm.environment, tm.provider, result)
	tm.connectDuration.Record(ctx, float64(d)/float64(time.Millisecond), metric.WithAttributes(attrs...))
}

// AdjustSubscriptions moves the active subscription gauge by delta.
func (tm *TransportMetrics) AdjustSubscriptions(ctx context.Context, delta int) {
	if tm == nil || tm.subscriptions == nil || delta == 0 {
		return
	}
	ctx = ensureContext(ctx)
	attrs := ConnectionAttributes(tm.environment, tm.provider, "subscribed")
	tm.subscriptions.Add(ctx, int64(delta), metric.WithAttributes(attrs...))
}

func ensureContext(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}
