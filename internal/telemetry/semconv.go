// Package telemetry provides semantic conventions for tickwire observability.
package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Semantic convention attribute keys for tickwire-specific telemetry.
// Following OpenTelemetry naming conventions: namespace.attribute_name
const (
	// Stream attributes
	AttrProvider    = attribute.Key("provider")
	AttrStream      = attribute.Key("stream")
	AttrSymbol      = attribute.Key("symbol")
	AttrMessageType = attribute.Key("message.type")

	// Environment attribute
	AttrEnvironment = attribute.Key("environment")

	// Error attributes
	AttrErrorType = attribute.Key("error.type")
	AttrReason    = attribute.Key("reason")

	// Command attributes
	AttrCommandType = attribute.Key("command.type")
	AttrResult      = attribute.Key("result")

	// Connection attributes
	AttrConnectionState = attribute.Key("connection.state")
)

// Message type values
const (
	MessageTypeTrade    = "trade"
	MessageTypeTicker   = "ticker"
	MessageTypeDepth    = "depth"
	MessageTypeKline    = "kline"
	MessageTypeUserData = "user_data"
)

// Provider values
const (
	ProviderBinance = "binance"
)

// Helper functions for creating common attribute sets

// MessageAttributes returns attributes for provider message metrics.
func MessageAttributes(environment, provider, messageType string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrProvider.String(provider),
		AttrMessageType.String(messageType),
	}
}

// ConnectionAttributes returns attributes for connection state metrics.
func ConnectionAttributes(environment, provider, state string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrProvider.String(provider),
		AttrConnectionState.String(state),
	}
}

// CommandAttributes returns attributes for connection command metrics.
func CommandAttributes(environment, commandType, result string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrCommandType.String(commandType),
		AttrResult.String(result),
	}
}

// ErrorAttributes returns attributes for error metrics.
func ErrorAttributes(environment, errorType, reason string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrErrorType.String(errorType),
		AttrReason.String(reason),
	}
}
