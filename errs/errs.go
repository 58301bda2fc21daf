// Package errs provides structured error types and helpers for tickwire.
package errs

import (
	"errors"
	"strconv"
	"strings"
)

// Code identifies an error category raised by the transport or boundary layers.
type Code string

const (
	// CodeNetwork indicates a TCP or TLS transport failure.
	CodeNetwork Code = "network"
	// CodeHandshake indicates a rejected or malformed TLS/WebSocket handshake.
	CodeHandshake Code = "handshake"
	// CodeProtocol indicates a malformed frame or an unsupported opcode.
	CodeProtocol Code = "protocol"
	// CodeInvalidUTF8 indicates a text frame payload that is not valid UTF-8.
	CodeInvalidUTF8 Code = "invalid_utf8"
	// CodeChannelClosed indicates a dropped command or event queue endpoint.
	CodeChannelClosed Code = "channel_closed"
	// CodeExhausted indicates that reconnect attempts were exhausted.
	CodeExhausted Code = "connection_exhausted"
	// CodeAuth indicates authentication or request-signing errors.
	CodeAuth Code = "auth"
	// CodeInvalid indicates invalid input provided by the caller.
	CodeInvalid Code = "invalid_request"
	// CodeExchange indicates an exchange-side failure.
	CodeExchange Code = "exchange_error"
	// CodeRateLimited indicates that the request exceeded rate limits.
	CodeRateLimited Code = "rate_limited"
	// CodeUnavailable indicates the component is temporarily unavailable.
	CodeUnavailable Code = "unavailable"
)

// E captures structured error information produced across the tickwire stack.
type E struct {
	Source  string
	Code    Code
	HTTP    int
	RawCode string
	RawMsg  string
	Message string

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the originating component and code.
func New(source string, code Code, opts ...Option) *E {
	e := &E{
		Source:  strings.TrimSpace(source),
		Code:    code,
		HTTP:    0,
		RawCode: "",
		RawMsg:  "",
		Message: "",
		cause:   nil,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// WithMessage attaches a human-readable message to the error.
func WithMessage(message string) Option {
	trimmed := strings.TrimSpace(message)
	return func(e *E) {
		e.Message = trimmed
	}
}

// WithHTTP records the associated HTTP status code.
func WithHTTP(status int) Option {
	return func(e *E) {
		e.HTTP = status
	}
}

// WithRawCode captures the raw exchange error code.
func WithRawCode(code string) Option {
	trimmed := strings.TrimSpace(code)
	return func(e *E) {
		e.RawCode = trimmed
	}
}

// WithRawMessage captures the raw exchange error message.
func WithRawMessage(msg string) Option {
	return func(e *E) {
		e.RawMsg = msg
	}
}

// WithCause sets the underlying cause error.
func WithCause(err error) Option {
	return func(e *E) {
		e.cause = err
	}
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	var parts []string

	source := strings.TrimSpace(e.Source)
	if source == "" {
		source = "unknown"
	}
	parts = append(parts, "source="+source)

	code := strings.TrimSpace(string(e.Code))
	if code == "" {
		code = "unknown"
	}
	parts = append(parts, "code="+code)

	if e.HTTP > 0 {
		parts = append(parts, "http="+strconv.Itoa(e.HTTP))
	}
	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if e.RawCode != "" {
		parts = append(parts, "raw_code="+strconv.Quote(e.RawCode))
	}
	if e.RawMsg != "" {
		parts = append(parts, "raw_msg="+strconv.Quote(e.RawMsg))
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}

	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// CodeOf extracts the error code from err, or an empty Code when err carries none.
func CodeOf(err error) Code {
	var envelope *E
	if errors.As(err, &envelope) && envelope != nil {
		return envelope.Code
	}
	return ""
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code Code) bool {
	return CodeOf(err) == code
}
