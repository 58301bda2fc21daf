package httpwire

import (
	"context"
	"crypto/tls"
	"net"
	"strings"
	"time"

	"github.com/tickwire/tickwire/errs"
	"github.com/tickwire/tickwire/internal/observability"
	"github.com/tickwire/tickwire/internal/timing"
	"github.com/tickwire/tickwire/internal/tlstream"
)

const (
	defaultTimeout   = 15 * time.Second
	defaultUserAgent = "tickwire/1.0"
)

// Client issues HTTPS requests over the TLS record driver, one connection
// per request. The zero options are production defaults; tests inject a TLS
// config that accepts their server certificate.
type Client struct {
	tlsConfig *tls.Config
	dialer    *net.Dialer
	timeout   time.Duration
	userAgent string
}

// Option adjusts client construction.
type Option func(*Client)

// WithTLSConfig supplies the TLS client configuration for every request.
func WithTLSConfig(cfg *tls.Config) Option {
	return func(c *Client) { c.tlsConfig = cfg }
}

// WithTimeout bounds each request end to end, dial through final byte.
// Zero disables the client-side bound; the context still applies.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d >= 0 {
			c.timeout = d
		}
	}
}

// WithUserAgent overrides the User-Agent request field.
func WithUserAgent(ua string) Option {
	ua = strings.TrimSpace(ua)
	return func(c *Client) {
		if ua != "" {
			c.userAgent = ua
		}
	}
}

// WithDialer overrides the TCP dialer.
func WithDialer(d *net.Dialer) Option {
	return func(c *Client) {
		if d != nil {
			c.dialer = d
		}
	}
}

// NewClient builds a client with the given options applied over defaults.
func NewClient(opts ...Option) *Client {
	c := &Client{
		tlsConfig: nil,
		dialer:    &net.Dialer{},
		timeout:   defaultTimeout,
		userAgent: defaultUserAgent,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Get issues a GET request to url.
func (c *Client) Get(ctx context.Context, url string) (*Response, error) {
	return c.Do(ctx, &Request{Method: MethodGet, URL: url, Headers: nil, Body: nil})
}

// Post issues a POST request with the given body.
func (c *Client) Post(ctx context.Context, url string, body []byte) (*Response, error) {
	return c.Do(ctx, &Request{Method: MethodPost, URL: url, Headers: nil, Body: body})
}

// Do dials the request target, writes the request, and reads the response
// until the server closes the stream. Non-2xx statuses are returned as
// responses, not errors.
func (c *Client) Do(ctx context.Context, req *Request) (*Response, error) {
	if req == nil {
		return nil, errs.New(source, errs.CodeInvalid, errs.WithMessage("nil request"))
	}
	method := strings.TrimSpace(req.Method)
	if method == "" {
		return nil, errs.New(source, errs.CodeInvalid, errs.WithMessage("request method required"))
	}
	t, err := parseTarget(req.URL)
	if err != nil {
		return nil, err
	}

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	timer := timing.StartTimer("http_request")
	stream, err := tlstream.Dial(ctx, t.addr,
		tlstream.WithTLSConfig(c.tlsConfig), tlstream.WithDialer(c.dialer))
	if err != nil {
		return nil, err
	}
	defer func() { _ = stream.Close() }()

	if err := stream.WriteAll(ctx, encodeRequest(method, t, c.userAgent, req.Headers, req.Body)); err != nil {
		return nil, err
	}
	raw, err := stream.ReadToEnd(ctx)
	if err != nil {
		return nil, err
	}

	resp, err := ParseResponse(raw)
	if err != nil {
		return nil, err
	}
	observability.Log().Debug("http exchange complete",
		observability.Field{Key: "method", Value: method},
		observability.Field{Key: "host", Value: t.hostHeader},
		observability.Field{Key: "path", Value: t.pathAndQuery},
		observability.Field{Key: "status", Value: resp.Status},
		observability.Field{Key: "elapsed_us", Value: timer.ElapsedMicros()},
	)
	return resp, nil
}
