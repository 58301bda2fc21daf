package errs

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestErrorFormattingIncludesStructuredFields(t *testing.T) {
	err := New(
		"binance",
		CodeExchange,
		WithHTTP(400),
		WithMessage("order rejected"),
		WithRawCode("-2013"),
		WithRawMessage("order does not exist"),
		WithCause(errors.New("binance http 400")),
	)

	out := err.Error()
	if !strings.Contains(out, "source=binance") {
		t.Fatalf("expected source marker in error string: %s", out)
	}
	if !strings.Contains(out, "code=exchange_error") {
		t.Fatalf("expected code in error string: %s", out)
	}
	if !strings.Contains(out, "http=400") {
		t.Fatalf("expected http status in error string: %s", out)
	}
	if !strings.Contains(out, "raw_code=\"-2013\"") {
		t.Fatalf("expected raw code in error string: %s", out)
	}
	if !strings.Contains(out, "cause=\"binance http 400\"") {
		t.Fatalf("expected wrapped cause in error string: %s", out)
	}
}

func TestUnwrapExposesCause(t *testing.T) {
	cause := errors.New("connection reset")
	err := New("tlstream", CodeNetwork, WithCause(cause))
	if !errors.Is(err, cause) {
		t.Fatalf("expected errors.Is to reach the cause through the envelope")
	}
}

func TestCodeOfTraversesWrapping(t *testing.T) {
	inner := New("ws", CodeProtocol, WithMessage("bad opcode"))
	wrapped := fmt.Errorf("receive: %w", inner)

	if got := CodeOf(wrapped); got != CodeProtocol {
		t.Fatalf("expected protocol code, got %q", got)
	}
	if !IsCode(wrapped, CodeProtocol) {
		t.Fatalf("expected IsCode to match protocol")
	}
	if IsCode(wrapped, CodeNetwork) {
		t.Fatalf("did not expect network code match")
	}
	if got := CodeOf(errors.New("plain")); got != "" {
		t.Fatalf("expected empty code for plain error, got %q", got)
	}
}

func TestNilErrorString(t *testing.T) {
	var e *E
	if got := e.Error(); got != "<nil>" {
		t.Fatalf("expected <nil> string for nil error, got %q", got)
	}
}
