package binance

import (
	"context"
	"net/url"

	json "github.com/goccy/go-json"

	"github.com/tickwire/tickwire/errs"
	"github.com/tickwire/tickwire/internal/httpwire"
)

// Listen-key lifecycle for the user data stream. These endpoints
// authenticate with the API key header alone; no signature, no timestamp.

// CreateListenKey opens a user data stream and returns its listen key. The
// key expires in 60 minutes unless kept alive.
func (c *RestClient) CreateListenKey(ctx context.Context) (string, error) {
	body, err := c.keyedRequest(ctx, httpwire.MethodPost, "")
	if err != nil {
		return "", err
	}
	var reply struct {
		ListenKey string `json:"listenKey"`
	}
	if err := json.Unmarshal(body, &reply); err != nil {
		return "", decodeErr("listen key response", err)
	}
	if reply.ListenKey == "" {
		return "", errs.New(source, errs.CodeProtocol,
			errs.WithMessage("listen key missing from response"))
	}
	return reply.ListenKey, nil
}

// KeepAliveListenKey extends the listen key lifetime by another 60 minutes.
func (c *RestClient) KeepAliveListenKey(ctx context.Context, listenKey string) error {
	_, err := c.keyedRequest(ctx, httpwire.MethodPut, listenKey)
	return err
}

// CloseListenKey closes the user data stream.
func (c *RestClient) CloseListenKey(ctx context.Context, listenKey string) error {
	_, err := c.keyedRequest(ctx, httpwire.MethodDelete, listenKey)
	return err
}

func (c *RestClient) keyedRequest(ctx context.Context, method, listenKey string) ([]byte, error) {
	if c.signer == nil {
		return nil, errs.New(source, errs.CodeAuth,
			errs.WithMessage("api credentials not configured"))
	}
	target := c.baseURL + pathUserDataStream
	if listenKey != "" {
		params := url.Values{}
		params.Set("listenKey", listenKey)
		target += "?" + params.Encode()
	}
	req := &httpwire.Request{
		Method:  method,
		URL:     target,
		Headers: []httpwire.Header{{Name: headerAPIKey, Value: c.signer.APIKey()}},
	}
	return c.exchange(ctx, req)
}
