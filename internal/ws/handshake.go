package ws

import (
	"bytes"
	"crypto/rand"
	"crypto/sha1" // #nosec G505 -- RFC 6455 fixes SHA-1 for the accept key.
	"encoding/base64"
	"strings"

	"github.com/tickwire/tickwire/errs"
)

// acceptGUID is the fixed RFC 6455 accept-key derivation constant.
const acceptGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

// maxUpgradeResponse bounds how many response bytes the upgrade will buffer
// before declaring the peer broken.
const maxUpgradeResponse = 8192

// GenerateKey returns a fresh Sec-WebSocket-Key: 16 random bytes, base64.
func GenerateKey() (string, error) {
	var raw [16]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", errs.New(source, errs.CodeHandshake,
			errs.WithMessage("websocket key generation failed"), errs.WithCause(err))
	}
	return base64.StdEncoding.EncodeToString(raw[:]), nil
}

// AcceptKey computes the Sec-WebSocket-Accept value a server must echo for
// the given client key.
func AcceptKey(key string) string {
	sum := sha1.Sum([]byte(key + acceptGUID)) // #nosec G401 -- see above.
	return base64.StdEncoding.EncodeToString(sum[:])
}

// upgradeRequest renders the HTTP/1.1 upgrade request for path on host.
func upgradeRequest(host, path, key string) []byte {
	var b bytes.Buffer
	b.Grow(160 + len(host) + len(path))
	b.WriteString("GET ")
	b.WriteString(path)
	b.WriteString(" HTTP/1.1\r\nHost: ")
	b.WriteString(host)
	b.WriteString("\r\nUpgrade: websocket\r\nConnection: Upgrade\r\nSec-WebSocket-Key: ")
	b.WriteString(key)
	b.WriteString("\r\nSec-WebSocket-Version: 13\r\n\r\n")
	return b.Bytes()
}

// validateUpgrade checks a complete response header block: the status must
// be 101 and Sec-WebSocket-Accept must match the client key. Header names
// compare case-insensitively.
func validateUpgrade(raw []byte, key string) error {
	lines := strings.Split(string(raw), "\r\n")
	if len(lines) == 0 || !strings.HasPrefix(lines[0], "HTTP/1.1 101") {
		status := ""
		if len(lines) > 0 {
			status = lines[0]
		}
		return errs.New(source, errs.CodeHandshake,
			errs.WithMessage("upgrade rejected"), errs.WithRawMessage(status))
	}

	want := AcceptKey(key)
	for _, line := range lines[1:] {
		name, value, ok := strings.Cut(line, ":")
		if !ok || !strings.EqualFold(strings.TrimSpace(name), "Sec-WebSocket-Accept") {
			continue
		}
		if strings.TrimSpace(value) != want {
			return errs.New(source, errs.CodeHandshake,
				errs.WithMessage("accept key mismatch"))
		}
		return nil
	}
	return errs.New(source, errs.CodeHandshake,
		errs.WithMessage("accept header missing"))
}
