package httpwire

import (
	"bytes"
	"strconv"
	"strings"

	"github.com/tickwire/tickwire/errs"
)

var crlf = []byte("\r\n")

// Response is a fully buffered HTTP response. Headers preserve wire order
// and Body holds the decoded payload. Status is returned for every complete
// response; mapping non-2xx statuses to errors is the caller's concern.
type Response struct {
	Status  int
	Proto   string
	Reason  string
	Headers []Header
	Body    []byte
}

// Header returns the first header value whose name matches case-insensitively,
// or the empty string.
func (r *Response) Header(name string) string {
	for _, h := range r.Headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value
		}
	}
	return ""
}

// IsSuccess reports whether the status is in the 2xx range.
func (r *Response) IsSuccess() bool {
	return r.Status >= 200 && r.Status < 300
}

// ParseResponse parses a complete response captured up to end of stream.
// The body is framed by Transfer-Encoding: chunked when declared, otherwise
// by Content-Length, otherwise by the end of the capture.
func ParseResponse(raw []byte) (*Response, error) {
	headerEnd := bytes.Index(raw, []byte("\r\n\r\n"))
	if headerEnd < 0 {
		return nil, errs.New(source, errs.CodeProtocol,
			errs.WithMessage("response missing header terminator"))
	}
	rest := raw[headerEnd+4:]

	lines := strings.Split(string(raw[:headerEnd]), "\r\n")
	resp, err := parseStatusLine(lines[0])
	if err != nil {
		return nil, err
	}

	for _, line := range lines[1:] {
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		resp.Headers = append(resp.Headers, Header{
			Name:  strings.TrimSpace(name),
			Value: strings.TrimSpace(value),
		})
	}

	switch {
	case strings.EqualFold(resp.Header("Transfer-Encoding"), "chunked"):
		body, derr := decodeChunked(rest)
		if derr != nil {
			return nil, derr
		}
		resp.Body = body
	case resp.Header("Content-Length") != "":
		n, cerr := strconv.Atoi(resp.Header("Content-Length"))
		if cerr != nil || n < 0 {
			return nil, errs.New(source, errs.CodeProtocol,
				errs.WithMessage("invalid content length"), errs.WithRawMessage(resp.Header("Content-Length")))
		}
		if len(rest) < n {
			return nil, errs.New(source, errs.CodeProtocol,
				errs.WithMessage("response body truncated"))
		}
		resp.Body = rest[:n]
	default:
		resp.Body = rest
	}
	return resp, nil
}

func parseStatusLine(line string) (*Response, error) {
	proto, tail, ok := strings.Cut(line, " ")
	if !ok || !strings.HasPrefix(proto, "HTTP/") {
		return nil, errs.New(source, errs.CodeProtocol,
			errs.WithMessage("malformed status line"), errs.WithRawMessage(line))
	}
	codeStr, reason, _ := strings.Cut(tail, " ")
	status, err := strconv.Atoi(codeStr)
	if err != nil || status < 100 || status > 599 {
		return nil, errs.New(source, errs.CodeProtocol,
			errs.WithMessage("malformed status line"), errs.WithRawMessage(line))
	}
	return &Response{Status: status, Proto: proto, Reason: reason, Headers: nil, Body: nil}, nil
}

// decodeChunked reassembles a chunked body. Chunk extensions and trailers
// are accepted and discarded.
func decodeChunked(data []byte) ([]byte, error) {
	var out []byte
	for {
		idx := bytes.Index(data, crlf)
		if idx < 0 {
			return nil, errs.New(source, errs.CodeProtocol,
				errs.WithMessage("chunk size missing terminator"))
		}
		sizeStr := string(data[:idx])
		if semi := strings.IndexByte(sizeStr, ';'); semi >= 0 {
			sizeStr = sizeStr[:semi]
		}
		size, err := strconv.ParseInt(strings.TrimSpace(sizeStr), 16, 32)
		if err != nil || size < 0 {
			return nil, errs.New(source, errs.CodeProtocol,
				errs.WithMessage("invalid chunk size"), errs.WithRawMessage(sizeStr))
		}
		data = data[idx+2:]
		if size == 0 {
			return out, nil
		}
		if int64(len(data)) < size+2 {
			return nil, errs.New(source, errs.CodeProtocol,
				errs.WithMessage("chunk truncated"))
		}
		out = append(out, data[:size]...)
		if !bytes.HasPrefix(data[size:], crlf) {
			return nil, errs.New(source, errs.CodeProtocol,
				errs.WithMessage("chunk missing terminator"))
		}
		data = data[size+2:]
	}
}
