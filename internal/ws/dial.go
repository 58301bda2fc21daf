package ws

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"net/url"
	"os"
	"time"

	"github.com/tickwire/tickwire/errs"
	"github.com/tickwire/tickwire/internal/tlstream"
)

type dialOptions struct {
	tlsConfig *tls.Config
	session   []SessionOption
}

// DialOption adjusts Dial behavior.
type DialOption func(*dialOptions)

// WithDialTLSConfig supplies the TLS configuration used for wss endpoints.
func WithDialTLSConfig(cfg *tls.Config) DialOption {
	return func(o *dialOptions) { o.tlsConfig = cfg }
}

// WithSessionOptions forwards options to the session constructor.
func WithSessionOptions(opts ...SessionOption) DialOption {
	return func(o *dialOptions) { o.session = append(o.session, opts...) }
}

// Dial connects rawURL (ws or wss), completes the transport and WebSocket
// handshakes, and returns the established session. Deadlines on ctx bound
// the whole sequence.
func Dial(ctx context.Context, rawURL string, opts ...DialOption) (*Session, error) {
	o := dialOptions{tlsConfig: nil, session: nil}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, errs.New(source, errs.CodeInvalid,
			errs.WithMessage("invalid websocket url"), errs.WithCause(err))
	}

	var transport Transport
	switch u.Scheme {
	case "wss":
		stream, derr := tlstream.Dial(ctx, hostPort(u, "443"), tlstream.WithTLSConfig(o.tlsConfig))
		if derr != nil {
			return nil, derr
		}
		transport = stream
	case "ws":
		conn, derr := (&net.Dialer{}).DialContext(ctx, "tcp", hostPort(u, "80"))
		if derr != nil {
			return nil, errs.New(source, errs.CodeNetwork,
				errs.WithMessage("tcp dial failed"), errs.WithCause(derr))
		}
		if tcp, ok := conn.(*net.TCPConn); ok {
			_ = tcp.SetNoDelay(true)
		}
		transport = &tcpTransport{conn: conn, fatal: nil, closed: false}
	default:
		return nil, errs.New(source, errs.CodeInvalid,
			errs.WithMessage("unsupported websocket scheme"), errs.WithRawMessage(u.Scheme))
	}

	s := NewSession(transport, o.session...)
	if err := s.Upgrade(ctx, u.Host, u.RequestURI()); err != nil {
		_ = transport.Close()
		return nil, err
	}
	return s, nil
}

func hostPort(u *url.URL, defaultPort string) string {
	if u.Port() != "" {
		return u.Host
	}
	return net.JoinHostPort(u.Hostname(), defaultPort)
}

// tcpTransport gives a plain TCP connection the same driven-read semantics
// as tlstream.Stream: (0, nil) when the context budget lapses, io.EOF only
// once the peer closed, everything else fatal to the instance.
type tcpTransport struct {
	conn   net.Conn
	fatal  error
	closed bool
}

func (t *tcpTransport) Read(ctx context.Context, p []byte) (int, error) {
	if err := t.guard(); err != nil {
		return 0, err
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = t.conn.SetReadDeadline(deadline)
	} else {
		_ = t.conn.SetReadDeadline(time.Time{})
	}

	n, err := t.conn.Read(p)
	if n > 0 {
		return n, nil
	}
	switch {
	case err == nil:
		return 0, nil
	case errors.Is(err, io.EOF):
		return 0, io.EOF
	case isDeadline(err):
		return 0, nil
	default:
		t.fatal = errs.New(source, errs.CodeNetwork,
			errs.WithMessage("socket read failed"), errs.WithCause(err))
		return 0, t.fatal
	}
}

func (t *tcpTransport) WriteAll(ctx context.Context, p []byte) error {
	if err := t.guard(); err != nil {
		return err
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = t.conn.SetWriteDeadline(deadline)
	} else {
		_ = t.conn.SetWriteDeadline(time.Time{})
	}

	for len(p) > 0 {
		n, err := t.conn.Write(p)
		if err != nil {
			t.fatal = errs.New(source, errs.CodeNetwork,
				errs.WithMessage("socket write failed"), errs.WithCause(err))
			return t.fatal
		}
		p = p[n:]
	}
	return nil
}

func (t *tcpTransport) Close() error {
	if t.closed {
		return nil
	}
	t.closed = true
	return t.conn.Close()
}

func (t *tcpTransport) guard() error {
	if t.fatal != nil {
		return t.fatal
	}
	if t.closed {
		return errs.New(source, errs.CodeChannelClosed, errs.WithMessage("transport closed"))
	}
	return nil
}

func isDeadline(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var nerr net.Error
	return errors.As(err, &nerr) && nerr.Timeout()
}
