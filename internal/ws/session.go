package ws

import (
	"bytes"
	"context"
	"errors"
	"io"
	"time"
	"unicode/utf8"

	"github.com/tickwire/tickwire/errs"
	"github.com/tickwire/tickwire/internal/observability"
	"github.com/tickwire/tickwire/internal/timing"
)

const (
	readChunk         = 4096
	accumInitial      = 8192
	defaultMaxPayload = 16 << 20

	closeReplyTimeout = 2 * time.Second
)

// Transport is the byte stream a session drives. tlstream.Stream satisfies
// it for wss; a plain TCP adapter covers ws. Read returns (0, nil) when no
// bytes arrive within the context budget and io.EOF once the peer closed.
type Transport interface {
	Read(ctx context.Context, p []byte) (int, error)
	WriteAll(ctx context.Context, p []byte) error
	Close() error
}

// Session is a client WebSocket connection. Like the transport underneath,
// a session belongs to a single goroutine.
type Session struct {
	transport  Transport
	buf        []byte
	scratch    []byte
	maxPayload int64

	connected bool
	closeSent bool
}

// SessionOption adjusts session construction.
type SessionOption func(*Session)

// WithMaxPayload caps the accepted inbound frame payload size.
func WithMaxPayload(limit int64) SessionOption {
	return func(s *Session) {
		if limit > 0 {
			s.maxPayload = limit
		}
	}
}

// NewSession wraps an established transport. The caller runs Upgrade before
// exchanging frames.
func NewSession(transport Transport, opts ...SessionOption) *Session {
	s := &Session{
		transport:  transport,
		buf:        make([]byte, 0, accumInitial),
		scratch:    make([]byte, readChunk),
		maxPayload: defaultMaxPayload,
		connected:  false,
		closeSent:  false,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Connected reports whether the session is open for traffic.
func (s *Session) Connected() bool {
	return s.connected && !s.closeSent
}

// Upgrade sends the HTTP upgrade request and validates the response.
// Response bytes beyond the header block are kept for the frame loop.
func (s *Session) Upgrade(ctx context.Context, host, path string) error {
	if s.connected {
		return errs.New(source, errs.CodeInvalid, errs.WithMessage("session already upgraded"))
	}
	timer := timing.StartTimer("ws_handshake")

	key, err := GenerateKey()
	if err != nil {
		return err
	}
	if path == "" {
		path = "/"
	}
	if err := s.transport.WriteAll(ctx, upgradeRequest(host, path, key)); err != nil {
		return errs.New(source, errs.CodeHandshake,
			errs.WithMessage("upgrade request write failed"), errs.WithCause(err))
	}

	end := -1
	for end < 0 {
		if idx := bytes.Index(s.buf, []byte("\r\n\r\n")); idx >= 0 {
			end = idx + 4
			break
		}
		if len(s.buf) > maxUpgradeResponse {
			return errs.New(source, errs.CodeHandshake, errs.WithMessage("oversized upgrade response"))
		}
		if err := ctx.Err(); err != nil {
			return errs.New(source, errs.CodeHandshake,
				errs.WithMessage("upgrade timed out"), errs.WithCause(err))
		}

		n, rerr := s.transport.Read(ctx, s.scratch)
		if n > 0 {
			s.buf = append(s.buf, s.scratch[:n]...)
			continue
		}
		switch {
		case rerr == nil:
			// No bytes inside the budget; the ctx check above ends the loop.
		case errors.Is(rerr, io.EOF):
			return errs.New(source, errs.CodeHandshake,
				errs.WithMessage("connection closed during upgrade"))
		default:
			return errs.New(source, errs.CodeHandshake,
				errs.WithMessage("upgrade read failed"), errs.WithCause(rerr))
		}
	}

	if err := validateUpgrade(s.buf[:end], key); err != nil {
		return err
	}
	s.buf = append(s.buf[:0], s.buf[end:]...)
	s.connected = true
	timer.LogElapsed()
	observability.Log().Debug("websocket session established",
		observability.Field{Key: "host", Value: host})
	return nil
}

// SendText sends one masked text frame.
func (s *Session) SendText(ctx context.Context, text string) error {
	return s.sendFrame(ctx, TextFrame(text))
}

// SendBinary sends one masked binary frame.
func (s *Session) SendBinary(ctx context.Context, payload []byte) error {
	return s.sendFrame(ctx, BinaryFrame(payload))
}

// Ping sends a ping carrying payload.
func (s *Session) Ping(ctx context.Context, payload []byte) error {
	return s.sendFrame(ctx, PingFrame(payload))
}

// Pong sends an unsolicited pong.
func (s *Session) Pong(ctx context.Context, payload []byte) error {
	return s.sendFrame(ctx, PongFrame(payload))
}

func (s *Session) sendFrame(ctx context.Context, f Frame) error {
	if !s.connected {
		return errs.New(source, errs.CodeNetwork, errs.WithMessage("session not connected"))
	}
	if s.closeSent {
		return errs.New(source, errs.CodeChannelClosed, errs.WithMessage("close already sent"))
	}
	if err := s.transport.WriteAll(ctx, EncodeFrame(f)); err != nil {
		return err
	}
	if f.Opcode == OpClose {
		s.closeSent = true
	}
	return nil
}

// ReceiveFrame returns the next frame addressed to the caller. Pings are
// answered with a pong and never surface; a peer close is acknowledged once,
// marks the session disconnected, and is returned so the caller can observe
// the status code. A nil frame with nil error means nothing arrived within
// the context budget.
func (s *Session) ReceiveFrame(ctx context.Context) (*Frame, error) {
	if !s.connected {
		return nil, errs.New(source, errs.CodeNetwork, errs.WithMessage("session not connected"))
	}
	for {
		frame, n, err := DecodeFrame(s.buf)
		switch {
		case err == nil:
			s.buf = append(s.buf[:0], s.buf[n:]...)
			if s.maxPayload > 0 && frame.Length > s.maxPayload {
				return nil, errs.New(source, errs.CodeProtocol,
					errs.WithMessage("frame payload exceeds session limit"))
			}
			out, handled, herr := s.handleFrame(ctx, frame)
			if herr != nil {
				return nil, herr
			}
			if !handled {
				return out, nil
			}
			continue
		case errors.Is(err, ErrShortFrame):
			// Reject oversized frames from the header alone so a hostile
			// length cannot grow the accumulation buffer unboundedly.
			if h, _, herr := DecodeHeader(s.buf); herr == nil && s.maxPayload > 0 && h.Length > s.maxPayload {
				return nil, errs.New(source, errs.CodeProtocol,
					errs.WithMessage("frame payload exceeds session limit"))
			}
		default:
			return nil, err
		}

		n, rerr := s.transport.Read(ctx, s.scratch)
		if n > 0 {
			s.buf = append(s.buf, s.scratch[:n]...)
			continue
		}
		switch {
		case rerr == nil:
			return nil, nil
		case errors.Is(rerr, io.EOF):
			s.connected = false
			return nil, errs.New(source, errs.CodeNetwork,
				errs.WithMessage("connection closed by peer"))
		default:
			s.connected = false
			return nil, rerr
		}
	}
}

// handleFrame answers control frames the caller never sees. handled=true
// means the frame was consumed and the receive loop continues.
func (s *Session) handleFrame(ctx context.Context, f Frame) (*Frame, bool, error) {
	switch f.Opcode {
	case OpPing:
		if err := s.sendFrame(ctx, PongFrame(f.Payload)); err != nil {
			return nil, false, err
		}
		return nil, true, nil
	case OpClose:
		if !s.closeSent {
			_ = s.sendFrame(ctx, CloseFrame(CloseNormal, ""))
		}
		s.connected = false
		return &f, false, nil
	default:
		return &f, false, nil
	}
}

// ReceiveText returns the next frame as text. Any other opcode is a protocol
// error and the payload must be valid UTF-8.
func (s *Session) ReceiveText(ctx context.Context) (string, error) {
	f, err := s.ReceiveFrame(ctx)
	if err != nil {
		return "", err
	}
	if f == nil {
		return "", errs.New(source, errs.CodeNetwork, errs.WithMessage("no frame within deadline"))
	}
	if f.Opcode != OpText {
		return "", errs.New(source, errs.CodeProtocol,
			errs.WithMessage("expected text frame"), errs.WithRawMessage(f.Opcode.String()))
	}
	if !utf8.Valid(f.Payload) {
		return "", errs.New(source, errs.CodeInvalidUTF8,
			errs.WithMessage("text frame payload is not valid utf-8"))
	}
	return string(f.Payload), nil
}

// Close performs the closing handshake: send the close frame, make one
// best-effort attempt to observe the peer reply, then release the transport.
// Read errors during the reply attempt mean the connection is already gone
// and are swallowed. Safe to call repeatedly.
func (s *Session) Close(ctx context.Context, code uint16, reason string) error {
	if !s.connected || s.closeSent {
		s.connected = false
		return s.transport.Close()
	}

	if err := s.sendFrame(ctx, CloseFrame(code, reason)); err != nil {
		s.connected = false
		_ = s.transport.Close()
		return err
	}

	rctx := ctx
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		rctx, cancel = context.WithTimeout(ctx, closeReplyTimeout)
		defer cancel()
	}
	if f, err := s.ReceiveFrame(rctx); err == nil && f != nil && f.Opcode == OpClose {
		observability.Log().Debug("close handshake completed")
	}

	s.connected = false
	return s.transport.Close()
}
