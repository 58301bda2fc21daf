package binance

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"

	"github.com/tickwire/tickwire/config"
	"github.com/tickwire/tickwire/errs"
)

// Signer produces the HMAC-SHA256 signatures required by signed endpoints.
type Signer struct {
	apiKey string
	secret string
}

// NewSigner wraps an API credential pair. Both halves must be present.
func NewSigner(creds config.Credentials) (*Signer, error) {
	if !creds.Configured() {
		return nil, errs.New(source, errs.CodeAuth,
			errs.WithMessage("api credentials not configured"))
	}
	return &Signer{apiKey: creds.APIKey, secret: creds.APISecret}, nil
}

// APIKey returns the key sent in the X-MBX-APIKEY header.
func (s *Signer) APIKey() string { return s.apiKey }

// Sign returns the lowercase hex HMAC-SHA256 of an encoded query string.
// The exchange verifies the signature against the query exactly as sent,
// so callers must sign the final encoding.
func (s *Signer) Sign(query string) string {
	mac := hmac.New(sha256.New, []byte(s.secret))
	_, _ = mac.Write([]byte(query))
	return hex.EncodeToString(mac.Sum(nil))
}
