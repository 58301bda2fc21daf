// Package httpwire is the minimal HTTP/1.1 client behind the REST boundary.
// Every request rides a fresh TLS stream and asks the server to close it, so
// responses are framed by Content-Length, chunked encoding, or end of stream.
// Connection reuse, redirects, and HTTP/2 are out of scope.
package httpwire

import (
	"bytes"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/tickwire/tickwire/errs"
)

const source = "httpwire"

// Request methods accepted by the client.
const (
	MethodGet    = "GET"
	MethodPost   = "POST"
	MethodPut    = "PUT"
	MethodDelete = "DELETE"
)

// Header is one HTTP header field. Requests send headers in slice order;
// response lookups compare names case-insensitively.
type Header struct {
	Name  string
	Value string
}

// Request describes a single HTTP exchange. Method and URL are required.
// Headers follow the fixed fields on the wire and Body may be nil.
type Request struct {
	Method  string
	URL     string
	Headers []Header
	Body    []byte
}

// target is a parsed request URL: where to dial and what to put on the wire.
type target struct {
	addr         string // host:port for the TCP dial
	hostHeader   string // Host header value, port included when not 443
	pathAndQuery string
}

// parseTarget validates an https URL and splits it into dial address, Host
// header, and request target.
func parseTarget(rawURL string) (target, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return target{}, errs.New(source, errs.CodeInvalid,
			errs.WithMessage("invalid request url"), errs.WithCause(err))
	}
	if u.Scheme != "https" {
		return target{}, errs.New(source, errs.CodeInvalid,
			errs.WithMessage("unsupported url scheme"), errs.WithRawMessage(u.Scheme))
	}
	if u.Hostname() == "" {
		return target{}, errs.New(source, errs.CodeInvalid,
			errs.WithMessage("url missing host"))
	}

	addr := u.Host
	hostHeader := u.Host
	switch u.Port() {
	case "":
		addr = net.JoinHostPort(u.Hostname(), "443")
		hostHeader = u.Hostname()
	case "443":
		hostHeader = u.Hostname()
	}

	pathAndQuery := u.EscapedPath()
	if pathAndQuery == "" {
		pathAndQuery = "/"
	}
	if u.RawQuery != "" {
		pathAndQuery += "?" + u.RawQuery
	}

	return target{addr: addr, hostHeader: hostHeader, pathAndQuery: pathAndQuery}, nil
}

// encodeRequest renders the full request: status line, fixed fields, caller
// headers, blank line, body. Content-Length is always present so servers
// never wait for more than we send.
func encodeRequest(method string, t target, userAgent string, headers []Header, body []byte) []byte {
	var b bytes.Buffer
	b.Grow(192 + len(t.hostHeader) + len(t.pathAndQuery) + len(body))

	b.WriteString(method)
	b.WriteByte(' ')
	b.WriteString(t.pathAndQuery)
	b.WriteString(" HTTP/1.1\r\nHost: ")
	b.WriteString(t.hostHeader)
	b.WriteString("\r\nUser-Agent: ")
	b.WriteString(userAgent)
	b.WriteString("\r\nConnection: close\r\nContent-Length: ")
	b.WriteString(strconv.Itoa(len(body)))
	b.WriteString("\r\n")

	for _, h := range headers {
		name := strings.TrimSpace(h.Name)
		if name == "" {
			continue
		}
		b.WriteString(name)
		b.WriteString(": ")
		b.WriteString(strings.TrimSpace(h.Value))
		b.WriteString("\r\n")
	}

	b.WriteString("\r\n")
	b.Write(body)
	return b.Bytes()
}
