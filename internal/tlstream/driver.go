// Package tlstream provides a TLS transport the caller drives explicitly: a
// sans-I/O TLS engine paired with a socket driver that shuttles ciphertext
// under the caller's deadlines. Reads never block past the context budget,
// which keeps the connection manager's receive window honest.
package tlstream

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"os"
	"time"

	"github.com/tickwire/tickwire/errs"
	"github.com/tickwire/tickwire/internal/observability"
	"github.com/tickwire/tickwire/internal/timing"
)

const (
	source = "tlstream"

	defaultStallLimit = 1000
	closeFlushTimeout = 2 * time.Second
)

// Stream is a TLS connection driven through an Engine. A Stream is owned by a
// single goroutine; once any operation fails the instance is dead and every
// later call reports the first error.
type Stream struct {
	conn       net.Conn
	eng        Engine
	stallLimit int

	scratch []byte // socket read staging
	cipher  []byte // engine ciphertext staging

	fatal  error
	closed bool
}

type options struct {
	tlsConfig  *tls.Config
	stallLimit int
	dialer     *net.Dialer
	engine     Engine
}

// Option adjusts stream construction.
type Option func(*options)

// WithTLSConfig supplies the TLS client configuration used by the engine.
func WithTLSConfig(cfg *tls.Config) Option {
	return func(o *options) { o.tlsConfig = cfg }
}

// WithStallLimit overrides how many zero-progress driver iterations are
// tolerated before the stream is declared dead.
func WithStallLimit(limit int) Option {
	return func(o *options) {
		if limit > 0 {
			o.stallLimit = limit
		}
	}
}

// WithDialer overrides the TCP dialer.
func WithDialer(d *net.Dialer) Option {
	return func(o *options) {
		if d != nil {
			o.dialer = d
		}
	}
}

// WithEngine injects a prebuilt engine, bypassing NewEngine.
func WithEngine(eng Engine) Option {
	return func(o *options) {
		if eng != nil {
			o.engine = eng
		}
	}
}

// Dial opens a TCP connection to addr (host:port), completes the TLS
// handshake, and returns the established stream.
func Dial(ctx context.Context, addr string, opts ...Option) (*Stream, error) {
	o := options{
		tlsConfig:  nil,
		stallLimit: defaultStallLimit,
		dialer:     &net.Dialer{},
		engine:     nil,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}

	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, errs.New(source, errs.CodeInvalid,
			errs.WithMessage("address must be host:port"), errs.WithCause(err))
	}

	conn, err := o.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, errs.New(source, errs.CodeNetwork,
			errs.WithMessage("tcp dial failed"), errs.WithCause(err))
	}
	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
	}

	eng := o.engine
	if eng == nil {
		eng = NewEngine(host, o.tlsConfig)
	}
	s := NewStream(conn, eng, opts...)

	if err := s.CompleteHandshake(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	observability.Log().Debug("tls stream established", observability.Field{Key: "addr", Value: addr})
	return s, nil
}

// NewStream wraps an established transport connection and engine without
// performing the handshake. Callers are expected to run CompleteHandshake.
func NewStream(conn net.Conn, eng Engine, opts ...Option) *Stream {
	o := options{
		tlsConfig:  nil,
		stallLimit: defaultStallLimit,
		dialer:     nil,
		engine:     nil,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return &Stream{
		conn:       conn,
		eng:        eng,
		stallLimit: o.stallLimit,
		scratch:    make([]byte, 32*1024),
		cipher:     make([]byte, 32*1024),
		fatal:      nil,
		closed:     false,
	}
}

// CompleteHandshake drives the engine until the TLS handshake finishes and
// all queued handshake records are flushed to the socket.
func (s *Stream) CompleteHandshake(ctx context.Context) error {
	if err := s.guard(); err != nil {
		return err
	}
	timer := timing.StartTimer("tls_handshake")
	stall := 0
	for {
		if err := ctx.Err(); err != nil {
			return s.fail(errs.New(source, errs.CodeHandshake,
				errs.WithMessage("handshake cancelled"), errs.WithCause(err)))
		}
		if err := s.eng.Process(); err != nil {
			return s.fail(errs.New(source, errs.CodeHandshake,
				errs.WithMessage("tls handshake failed"), errs.WithCause(err)))
		}

		progress := false
		if s.eng.WantsWrite() {
			if err := s.flush(ctx); err != nil {
				return err
			}
			progress = true
		}
		if s.eng.HandshakeComplete() && !s.eng.WantsWrite() {
			timer.LogElapsed()
			return nil
		}
		if s.eng.WantsRead() {
			n, err := s.readSocket(ctx)
			switch {
			case err == nil:
				if n > 0 {
					progress = true
				}
			case isTimeout(err):
				return s.fail(errs.New(source, errs.CodeHandshake,
					errs.WithMessage("handshake timed out"), errs.WithCause(err)))
			case errors.Is(err, io.EOF):
				s.eng.FeedEOF()
				progress = true
			default:
				return s.fail(errs.New(source, errs.CodeHandshake,
					errs.WithMessage("socket read failed during handshake"), errs.WithCause(err)))
			}
		}

		if progress {
			stall = 0
		} else {
			stall++
			if stall >= s.stallLimit {
				return s.fail(errs.New(source, errs.CodeHandshake,
					errs.WithMessage("handshake stalled")))
			}
		}
	}
}

// WriteAll encrypts p and flushes every resulting ciphertext byte to the
// socket before returning.
func (s *Stream) WriteAll(ctx context.Context, p []byte) error {
	if err := s.guard(); err != nil {
		return err
	}
	if !s.eng.HandshakeComplete() {
		return errs.New(source, errs.CodeInvalid, errs.WithMessage("write before handshake completion"))
	}
	if _, err := s.eng.WritePlaintext(p); err != nil {
		return s.fail(errs.New(source, errs.CodeNetwork,
			errs.WithMessage("tls write failed"), errs.WithCause(err)))
	}
	return s.flush(ctx)
}

// Read delivers available plaintext into p. It returns (0, nil) when no data
// arrives within the context budget, (0, io.EOF) after the peer closed the
// session cleanly, and a fatal error otherwise.
func (s *Stream) Read(ctx context.Context, p []byte) (int, error) {
	if err := s.guard(); err != nil {
		return 0, err
	}
	stall := 0
	for {
		if err := s.flush(ctx); err != nil {
			return 0, err
		}
		if err := s.eng.Process(); err != nil {
			return 0, s.fail(errs.New(source, errs.CodeNetwork,
				errs.WithMessage("tls processing failed"), errs.WithCause(err)))
		}
		n, err := s.eng.ReadPlaintext(p)
		if n > 0 {
			return n, nil
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return 0, io.EOF
			}
			return 0, s.fail(errs.New(source, errs.CodeNetwork,
				errs.WithMessage("tls read failed"), errs.WithCause(err)))
		}

		// No plaintext buffered; wait for the socket inside the caller's budget.
		nn, rerr := s.readSocket(ctx)
		switch {
		case rerr == nil:
		case isTimeout(rerr):
			return 0, nil
		case errors.Is(rerr, io.EOF):
			s.eng.FeedEOF()
			continue
		default:
			return 0, s.fail(errs.New(source, errs.CodeNetwork,
				errs.WithMessage("socket read failed"), errs.WithCause(rerr)))
		}
		if nn > 0 {
			stall = 0
			continue
		}
		stall++
		if stall >= s.stallLimit {
			return 0, s.fail(errs.New(source, errs.CodeNetwork,
				errs.WithMessage("transport stalled")))
		}
	}
}

// ReadToEnd accumulates plaintext until the peer closes the session cleanly
// and returns everything received. Timeouts are failures here: the caller
// expects the server to finish the stream.
func (s *Stream) ReadToEnd(ctx context.Context) ([]byte, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	var out []byte
	stall := 0
	for {
		if err := s.eng.Process(); err != nil {
			return nil, s.fail(errs.New(source, errs.CodeNetwork,
				errs.WithMessage("tls processing failed"), errs.WithCause(err)))
		}
		n, err := s.eng.ReadPlaintext(s.scratch)
		if n > 0 {
			out = append(out, s.scratch[:n]...)
			stall = 0
			continue
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return out, nil
			}
			return nil, s.fail(errs.New(source, errs.CodeNetwork,
				errs.WithMessage("tls read failed"), errs.WithCause(err)))
		}

		nn, rerr := s.readSocket(ctx)
		switch {
		case rerr == nil:
		case errors.Is(rerr, io.EOF):
			s.eng.FeedEOF()
			continue
		case isTimeout(rerr):
			return nil, s.fail(errs.New(source, errs.CodeNetwork,
				errs.WithMessage("read to end timed out"), errs.WithCause(rerr)))
		default:
			return nil, s.fail(errs.New(source, errs.CodeNetwork,
				errs.WithMessage("socket read failed"), errs.WithCause(rerr)))
		}
		if nn > 0 {
			stall = 0
			continue
		}
		stall++
		if stall >= s.stallLimit {
			return nil, s.fail(errs.New(source, errs.CodeNetwork,
				errs.WithMessage("transport stalled")))
		}
	}
}

// Close sends close_notify, flushes it best effort, and tears down the
// socket. Close is idempotent.
func (s *Stream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true

	_ = s.eng.CloseNotify()
	ctx, cancel := context.WithTimeout(context.Background(), closeFlushTimeout)
	defer cancel()
	s.flushBestEffort(ctx)
	_ = s.eng.Close()
	err := s.conn.Close()
	observability.Log().Debug("tls stream closed")
	return err
}

// Err returns the latched fatal error, if any.
func (s *Stream) Err() error {
	return s.fatal
}

func (s *Stream) guard() error {
	if s.fatal != nil {
		return s.fatal
	}
	if s.closed {
		return errs.New(source, errs.CodeChannelClosed, errs.WithMessage("stream closed"))
	}
	return nil
}

// fail latches the first fatal error; the stream is unusable afterwards.
func (s *Stream) fail(err error) error {
	if s.fatal == nil {
		s.fatal = err
	}
	return s.fatal
}

// flush drains engine ciphertext to the socket until none remains.
func (s *Stream) flush(ctx context.Context) error {
	for {
		n := s.eng.TakeCiphertext(s.cipher)
		if n == 0 {
			return nil
		}
		if deadline, ok := ctx.Deadline(); ok {
			_ = s.conn.SetWriteDeadline(deadline)
		} else {
			_ = s.conn.SetWriteDeadline(time.Time{})
		}
		if err := writeFull(s.conn, s.cipher[:n]); err != nil {
			return s.fail(errs.New(source, errs.CodeNetwork,
				errs.WithMessage("socket write failed"), errs.WithCause(err)))
		}
	}
}

func (s *Stream) flushBestEffort(ctx context.Context) {
	for {
		n := s.eng.TakeCiphertext(s.cipher)
		if n == 0 {
			return
		}
		if deadline, ok := ctx.Deadline(); ok {
			_ = s.conn.SetWriteDeadline(deadline)
		}
		if err := writeFull(s.conn, s.cipher[:n]); err != nil {
			return
		}
	}
}

// readSocket performs one socket read bounded by the context deadline and
// feeds whatever arrives to the engine.
func (s *Stream) readSocket(ctx context.Context) (int, error) {
	if deadline, ok := ctx.Deadline(); ok {
		_ = s.conn.SetReadDeadline(deadline)
	} else {
		_ = s.conn.SetReadDeadline(time.Time{})
	}
	n, err := s.conn.Read(s.scratch)
	if n > 0 {
		if _, ferr := s.eng.FeedCiphertext(s.scratch[:n]); ferr != nil {
			return n, ferr
		}
	}
	return n, err
}

func writeFull(conn net.Conn, p []byte) error {
	for len(p) > 0 {
		n, err := conn.Write(p)
		if err != nil {
			return err
		}
		p = p[n:]
	}
	return nil
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var nerr net.Error
	return errors.As(err, &nerr) && nerr.Timeout()
}
